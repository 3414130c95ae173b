// Package blacklist keeps the durable set of revoked users.
package blacklist

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	monerrors "github.com/lucid-vigil/shellguard/pkg/errors"
	"github.com/rs/zerolog"
)

// FileVersion is the version written into the blacklist document.
const FileVersion = 1

// Entry is one blacklisted user.
type Entry struct {
	Username      string    `json:"username"`
	Reason        string    `json:"reason"`
	BlacklistedAt time.Time `json:"blacklisted_at"`
}

type fileEntry struct {
	Reason        string    `json:"reason"`
	BlacklistedAt time.Time `json:"blacklisted_at"`
}

type document struct {
	Version   int                  `json:"version"`
	UpdatedAt time.Time            `json:"updated_at"`
	Users     map[string]fileEntry `json:"users"`
}

// legacyDocument is the flat list format written by earlier tooling.
type legacyDocument struct {
	BlacklistedUsers []string `json:"blacklisted_users"`
	LastUpdated      string   `json:"last_updated"`
}

// Controller is the blacklist state machine. Every change is written through
// to disk before it is acknowledged; a write that keeps failing leaves the
// change in memory, marks the controller dirty and is retried by Flush.
type Controller struct {
	path    string
	logger  zerolog.Logger
	now     func() time.Time
	retries int
	backoff time.Duration
	write   func(path string, data []byte, perm os.FileMode) error

	mu      sync.RWMutex
	entries map[string]Entry
	dirty   bool
}

// Option customizes a Controller.
type Option func(*Controller)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithRetry sets the number of write attempts and the initial backoff.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(c *Controller) {
		if attempts > 0 {
			c.retries = attempts
		}
		c.backoff = backoff
	}
}

// Open loads the blacklist at path. A missing file yields an empty set. An
// unreadable or corrupt file is moved aside to <path>.corrupt and an empty set
// is used; the returned warning describes it. The directory must be writable.
func Open(path string, logger zerolog.Logger, opts ...Option) (*Controller, []error, error) {
	c := &Controller{
		path:    path,
		logger:  logger.With().Str("component", "blacklist").Logger(),
		now:     time.Now,
		retries: 3,
		backoff: 100 * time.Millisecond,
		write:   writeAtomic,
		entries: make(map[string]Entry),
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := checkWritableDir(filepath.Dir(path)); err != nil {
		return nil, nil, fmt.Errorf("blacklist directory is not writable: %w", err)
	}

	var warnings []error
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		c.logger.Info().Str("path", path).Msg("No blacklist file, starting empty.")
		return c, nil, nil
	case err != nil:
		warnings = append(warnings, monerrors.NewCorruptionError("blacklist", path, err))
		return c, warnings, nil
	}

	entries, legacy, err := decode(data, c.now())
	if err != nil {
		corrupt := path + ".corrupt"
		if rerr := os.Rename(path, corrupt); rerr != nil {
			c.logger.Error().Err(rerr).Msg("Failed to preserve corrupt blacklist file.")
		}
		warnings = append(warnings, monerrors.NewCorruptionError("blacklist", path, err))
		return c, warnings, nil
	}
	c.entries = entries
	c.logger.Info().Int("users", len(entries)).Msgf("Loaded %d blacklisted users", len(entries))

	if legacy {
		c.logger.Info().Msg("Imported legacy blacklist format, rewriting.")
		c.mu.Lock()
		if err := c.persistLocked(); err != nil {
			warnings = append(warnings, err)
		}
		c.mu.Unlock()
	}
	return c, warnings, nil
}

func decode(data []byte, now time.Time) (map[string]Entry, bool, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, false, err
	}

	entries := make(map[string]Entry)
	if _, ok := raw["users"]; ok {
		var doc document
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, false, err
		}
		if doc.Version > FileVersion {
			return nil, false, fmt.Errorf("unsupported blacklist version %d", doc.Version)
		}
		for name, e := range doc.Users {
			if name == "" {
				continue
			}
			entries[name] = Entry{Username: name, Reason: e.Reason, BlacklistedAt: e.BlacklistedAt}
		}
		return entries, false, nil
	}

	if _, ok := raw["blacklisted_users"]; ok {
		var doc legacyDocument
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, false, err
		}
		at := now
		if t, err := time.Parse("2006-01-02T15:04:05.999999", doc.LastUpdated); err == nil {
			at = t
		}
		for _, name := range doc.BlacklistedUsers {
			if name == "" {
				continue
			}
			entries[name] = Entry{Username: name, Reason: "imported", BlacklistedAt: at}
		}
		return entries, true, nil
	}

	return nil, false, errors.New("unrecognized blacklist document")
}

// Add blacklists username. It reports true only when the user was not blocked
// before. Re-adding overwrites the reason and time. A returned error is a
// transient I/O failure: the change is kept in memory and retried by Flush.
func (c *Controller) Add(username, reason string) (bool, error) {
	if username == "" {
		return false, errors.New("username is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	_, existed := c.entries[username]
	c.entries[username] = Entry{Username: username, Reason: reason, BlacklistedAt: c.now()}
	err := c.persistLocked()
	if !existed {
		c.logger.Warn().Str("user", username).Str("reason", reason).Msg("User blacklisted.")
	}
	return !existed, err
}

// Remove deletes username from the blacklist. Absent users are a no-op.
func (c *Controller) Remove(username string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[username]; !ok {
		return false, nil
	}
	delete(c.entries, username)
	err := c.persistLocked()
	c.logger.Info().Str("user", username).Msg("User removed from blacklist.")
	return true, err
}

// IsBlocked reports whether username is blacklisted.
func (c *Controller) IsBlocked(username string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[username]
	return ok
}

// Get returns the entry for username.
func (c *Controller) Get(username string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[username]
	return e, ok
}

// List returns all entries sorted by username.
func (c *Controller) List() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

// Len returns the number of blacklisted users.
func (c *Controller) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Dirty reports whether in-memory state has not reached disk yet.
func (c *Controller) Dirty() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dirty
}

// Flush writes pending changes, if any.
func (c *Controller) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.dirty {
		return nil
	}
	return c.persistLocked()
}

// persistLocked writes the document with retries. The caller holds c.mu.
func (c *Controller) persistLocked() error {
	doc := document{Version: FileVersion, UpdatedAt: c.now().UTC(), Users: make(map[string]fileEntry, len(c.entries))}
	for name, e := range c.entries {
		doc.Users[name] = fileEntry{Reason: e.Reason, BlacklistedAt: e.BlacklistedAt}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode blacklist: %w", err)
	}

	delay := c.backoff
	for attempt := 1; ; attempt++ {
		err = c.write(c.path, data, 0600)
		if err == nil {
			c.dirty = false
			return nil
		}
		if attempt >= c.retries {
			break
		}
		c.logger.Warn().Err(err).Int("attempt", attempt).Msg("Failed to write blacklist, retrying.")
		time.Sleep(delay)
		delay *= 2
	}
	c.dirty = true
	return monerrors.NewTransientIOError("blacklist", "write "+c.path, err)
}

// writeAtomic writes data to a temporary file next to path, syncs it and
// renames it over path.
func writeAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}

func checkWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".shellguard-probe-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}
