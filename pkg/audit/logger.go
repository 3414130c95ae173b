// Package audit writes the append-only, hash-chained record of every
// processed command.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"
	"unicode/utf8"
)

// MaxCommandLength bounds the command text stored per entry.
const MaxCommandLength = 256

// TransitionBlacklisted marks the entry whose command caused an auto-blacklist.
const TransitionBlacklisted = "blacklisted"

// Entry is one audit line.
type Entry struct {
	Timestamp  time.Time `json:"timestamp"`
	Username   string    `json:"username"`
	SessionID  string    `json:"session_id"`
	Source     string    `json:"source"`
	Command    string    `json:"command"`
	RawScore   float64   `json:"raw_score"`
	Cumulative float64   `json:"cumulative_score"`
	Model      string    `json:"model"`
	Category   string    `json:"category"`
	Tier       string    `json:"tier"`
	Transition string    `json:"transition"`
	EntryHash  string    `json:"entry_hash,omitempty"`
}

var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)((?:password|passwd|pass|pwd|secret|token|api[_-]?key)\s*[=:]\s*)(\S+)`),
	regexp.MustCompile(`(?i)(--(?:password|token|secret)[= ])(\S+)`),
	regexp.MustCompile(`(?i)(sshpass\s+-p\s*)(\S+)`),
	regexp.MustCompile(`(?i)(mysql\s.*?\s-p)([^\s-]\S*)`),
	regexp.MustCompile(`(?i)(https?://[^:/\s]+:)([^@\s]+)(@)`),
}

// Redact masks credentials in a command and bounds its length.
func Redact(command string) string {
	for _, re := range secretPatterns {
		command = re.ReplaceAllStringFunc(command, func(m string) string {
			sub := re.FindStringSubmatch(m)
			out := sub[1] + "***"
			if len(sub) > 3 {
				out += sub[3]
			}
			return out
		})
	}
	if len(command) > MaxCommandLength {
		n := MaxCommandLength
		for n > 0 && !utf8.RuneStart(command[n]) {
			n--
		}
		command = command[:n]
	}
	return command
}

// Logger writes append-only, hash-chained audit entries to a JSON-lines file.
type Logger struct {
	mu       sync.Mutex
	file     *os.File
	prevHash string
}

// NewLogger opens (or creates) the audit log file at path.
// The directory is created with 0700; the file with 0600.
// It reads existing entries to recover the last hash for chain continuity.
func NewLogger(path string) (*Logger, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("audit: create dir %s: %w", dir, err)
	}

	prevHash := ""
	if data, err := os.ReadFile(path); err == nil && len(data) > 0 {
		lines := splitLines(data)
		for i := len(lines) - 1; i >= 0; i-- {
			if len(lines[i]) == 0 {
				continue
			}
			var entry Entry
			if json.Unmarshal(lines[i], &entry) == nil {
				prevHash = entry.EntryHash
			}
			break
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}

	return &Logger{file: f, prevHash: prevHash}, nil
}

// Log redacts and writes an entry, extending the hash chain.
func (l *Logger) Log(entry Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	entry.Command = Redact(entry.Command)

	hash, err := chainHash(l.prevHash, entry)
	if err != nil {
		return err
	}
	entry.EntryHash = hash

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("audit: marshal final: %w", err)
	}
	line = append(line, '\n')

	if _, err := l.file.Write(line); err != nil {
		return fmt.Errorf("audit: write: %w", err)
	}
	l.prevHash = hash
	return nil
}

// Close closes the underlying file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// chainHash is SHA256(prevHash + json(entry without hash)).
func chainHash(prevHash string, entry Entry) (string, error) {
	entry.EntryHash = ""
	raw, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("audit: marshal: %w", err)
	}
	h := sha256.Sum256(append([]byte(prevHash), raw...))
	return fmt.Sprintf("%x", h), nil
}

// Verify re-computes the hash chain of the file at path and returns the number
// of valid entries. It fails at the first entry whose hash does not match.
func Verify(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	prev := ""
	n := 0
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			return n, fmt.Errorf("audit: entry %d: %w", n+1, err)
		}
		want, err := chainHash(prev, entry)
		if err != nil {
			return n, err
		}
		if want != entry.EntryHash {
			return n, fmt.Errorf("audit: entry %d: hash chain broken", n+1)
		}
		prev = entry.EntryHash
		n++
	}
	return n, scanner.Err()
}

// splitLines splits data into JSON-lines (byte slices).
func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			lines = append(lines, data[start:i])
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}
