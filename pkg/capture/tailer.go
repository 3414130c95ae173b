package capture

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Tailer follows a log file the way `tail -F` does. It survives the file being
// replaced at the same path (rotation) and truncated in place, and retries
// transient open/read failures with a bounded exponential backoff.
type Tailer struct {
	path         string
	fromStart    bool
	pollInterval time.Duration
	minBackoff   time.Duration
	maxBackoff   time.Duration
	logger       zerolog.Logger
}

// TailerOption customizes a Tailer.
type TailerOption func(*Tailer)

// WithFromStart makes the tailer read the existing content of the file first
// instead of starting at its end.
func WithFromStart() TailerOption {
	return func(t *Tailer) { t.fromStart = true }
}

// WithPollInterval sets how often the file is stat'ed for truncation and
// replacement, in addition to fsnotify events.
func WithPollInterval(d time.Duration) TailerOption {
	return func(t *Tailer) {
		if d > 0 {
			t.pollInterval = d
		}
	}
}

// WithBackoff bounds the retry delay for open and read failures.
func WithBackoff(min, max time.Duration) TailerOption {
	return func(t *Tailer) {
		if min > 0 && max >= min {
			t.minBackoff, t.maxBackoff = min, max
		}
	}
}

// NewTailer creates a tailer for path.
func NewTailer(path string, logger zerolog.Logger, opts ...TailerOption) *Tailer {
	t := &Tailer{
		path:         filepath.Clean(path),
		pollInterval: time.Second,
		minBackoff:   100 * time.Millisecond,
		maxBackoff:   10 * time.Second,
		logger:       logger.With().Str("tail", path).Logger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// followed is the currently open incarnation of the file.
type followed struct {
	file    *os.File
	info    os.FileInfo
	reader  *bufio.Reader
	offset  int64
	partial strings.Builder
	errs    int
}

func (f *followed) close() {
	if f.file != nil {
		f.file.Close()
		f.file = nil
	}
}

// Run sends every complete line appended to the file to lines until ctx is
// cancelled. Trailing newline and carriage return are stripped. It only returns
// once ctx is done.
func (t *Tailer) Run(ctx context.Context, lines chan<- string) error {
	var fsEvents <-chan fsnotify.Event
	var fsErrors <-chan error

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		t.logger.Warn().Err(err).Msg("Failed to create fsnotify watcher, falling back to polling.")
	} else {
		defer watcher.Close()
		if err := watcher.Add(filepath.Dir(t.path)); err != nil {
			t.logger.Warn().Err(err).Msg("Failed to watch log directory, falling back to polling.")
		} else {
			fsEvents = watcher.Events
			fsErrors = watcher.Errors
		}
	}

	f := &followed{}
	defer f.close()
	if !t.openInitial(ctx, f) {
		return nil
	}

	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	for {
		if !t.drain(ctx, f, lines) {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsEvents:
			if !ok {
				fsEvents = nil
				continue
			}
			if filepath.Clean(event.Name) != t.path {
				continue
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove) {
				t.logger.Debug().Str("op", event.Op.String()).Msg("Log file replaced or moved.")
			}
			if !t.drain(ctx, f, lines) {
				return nil
			}
			t.check(f)
		case err, ok := <-fsErrors:
			if !ok {
				fsErrors = nil
				continue
			}
			t.logger.Warn().Err(err).Msg("Filesystem watcher error.")
		case <-ticker.C:
			if !t.drain(ctx, f, lines) {
				return nil
			}
			t.check(f)
		}
	}
}

// openInitial opens the file, retrying with backoff until it succeeds or ctx
// is done.
func (t *Tailer) openInitial(ctx context.Context, f *followed) bool {
	for attempt := 0; ; attempt++ {
		err := t.open(f, !t.fromStart)
		if err == nil {
			return true
		}
		t.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("Failed to open log file, retrying.")
		if !t.sleep(ctx, attempt) {
			return false
		}
	}
}

func (t *Tailer) open(f *followed, atEnd bool) error {
	file, err := os.Open(t.path)
	if err != nil {
		return err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return err
	}
	var offset int64
	if atEnd {
		offset, err = file.Seek(0, io.SeekEnd)
		if err != nil {
			file.Close()
			return err
		}
	}
	f.close()
	f.file = file
	f.info = info
	f.reader = bufio.NewReader(file)
	f.offset = offset
	f.partial.Reset()
	f.errs = 0
	return nil
}

// drain emits all complete lines currently readable. It returns false when ctx
// was cancelled while emitting.
func (t *Tailer) drain(ctx context.Context, f *followed, lines chan<- string) bool {
	if f.file == nil {
		return true
	}
	for {
		chunk, err := f.reader.ReadString('\n')
		f.offset += int64(len(chunk))
		if err == nil {
			f.partial.WriteString(chunk)
			line := strings.TrimRight(f.partial.String(), "\r\n")
			f.partial.Reset()
			f.errs = 0
			select {
			case lines <- line:
			case <-ctx.Done():
				return false
			}
			continue
		}
		f.partial.WriteString(chunk)
		if errors.Is(err, io.EOF) {
			return true
		}

		f.errs++
		t.logger.Warn().Err(err).Int("consecutive_errors", f.errs).Msg("Failed to read log file, backing off.")
		return t.sleep(ctx, f.errs-1)
	}
}

// check detects rotation (a different file at the same path) and truncation
// (size smaller than what was already read).
func (t *Tailer) check(f *followed) {
	info, err := os.Stat(t.path)
	if err != nil {
		// Rotated away and not yet recreated; keep the old handle until it is.
		return
	}

	if f.info == nil || !os.SameFile(info, f.info) {
		if err := t.open(f, false); err != nil {
			t.logger.Warn().Err(err).Msg("Failed to reopen rotated log file.")
			return
		}
		t.logger.Info().Msg("Log file rotated, following new file.")
		return
	}

	if info.Size() < f.offset {
		if _, err := f.file.Seek(0, io.SeekStart); err != nil {
			t.logger.Warn().Err(err).Msg("Failed to rewind truncated log file.")
			return
		}
		f.reader.Reset(f.file)
		f.offset = 0
		f.partial.Reset()
		t.logger.Info().Msg("Log file truncated, reading from start.")
	}
}

func (t *Tailer) sleep(ctx context.Context, attempt int) bool {
	d := t.minBackoff
	for i := 0; i < attempt && d < t.maxBackoff; i++ {
		d *= 2
	}
	if d > t.maxBackoff {
		d = t.maxBackoff
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// startTail runs t in its own goroutine. done is closed once the tailer has
// returned, which happens after ctx is cancelled.
func startTail(ctx context.Context, t *Tailer) (<-chan string, <-chan struct{}) {
	lines := make(chan string, 64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		t.Run(ctx, lines)
	}()
	return lines, done
}
