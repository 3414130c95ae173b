package capture

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// LogCapture is a helper to capture zerolog output for testing.
type LogCapture struct {
	sync.Mutex
	logs []string
}

func (lc *LogCapture) Write(p []byte) (n int, err error) {
	lc.Lock()
	defer lc.Unlock()
	lc.logs = append(lc.logs, string(p))
	return len(p), nil
}

func (lc *LogCapture) GetLogs() []string {
	lc.Lock()
	defer lc.Unlock()
	return append([]string(nil), lc.logs...)
}

func (lc *LogCapture) ClearLogs() {
	lc.Lock()
	defer lc.Unlock()
	lc.logs = nil
}

func appendFile(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(content)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func receive(t *testing.T, lines <-chan string, n int) []string {
	t.Helper()
	got := make([]string, 0, n)
	timeout := time.After(5 * time.Second)
	for len(got) < n {
		select {
		case l := <-lines:
			got = append(got, l)
		case <-timeout:
			t.Fatalf("timed out after %d of %d lines: %v", len(got), n, got)
		}
	}
	return got
}

func startTestTailer(t *testing.T, path string, opts ...TailerOption) (chan string, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	lines := make(chan string, 16)
	opts = append([]TailerOption{WithPollInterval(20 * time.Millisecond), WithBackoff(10*time.Millisecond, 50*time.Millisecond)}, opts...)
	tailer := NewTailer(path, zerolog.Nop(), opts...)
	done := make(chan struct{})
	go func() {
		defer close(done)
		tailer.Run(ctx, lines)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return lines, cancel
}

func TestTailerFollowsAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth.log")
	appendFile(t, path, "existing line\n")

	lines, _ := startTestTailer(t, path)
	time.Sleep(100 * time.Millisecond) // let the tailer seek to the end

	appendFile(t, path, "first\nsecond\r\n")
	assert.Equal(t, []string{"first", "second"}, receive(t, lines, 2))
}

func TestTailerFromStartAndPartialLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth.log")
	appendFile(t, path, "one\ntw")

	lines, _ := startTestTailer(t, path, WithFromStart())
	assert.Equal(t, []string{"one"}, receive(t, lines, 1))

	appendFile(t, path, "o\n")
	assert.Equal(t, []string{"two"}, receive(t, lines, 1))
}

func TestTailerRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "auth.log")
	appendFile(t, path, "")

	lines, _ := startTestTailer(t, path)
	time.Sleep(100 * time.Millisecond)

	appendFile(t, path, "before rotation\n")
	assert.Equal(t, []string{"before rotation"}, receive(t, lines, 1))

	require.NoError(t, os.Rename(path, filepath.Join(dir, "auth.log.1")))
	appendFile(t, path, "after rotation\n")

	assert.Equal(t, []string{"after rotation"}, receive(t, lines, 1))
}

func TestTailerTruncation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth.log")
	appendFile(t, path, "")

	lines, _ := startTestTailer(t, path)
	time.Sleep(100 * time.Millisecond)

	appendFile(t, path, "a fairly long line before truncation\n")
	receive(t, lines, 1)

	require.NoError(t, os.WriteFile(path, []byte("short\n"), 0644))
	assert.Equal(t, []string{"short"}, receive(t, lines, 1))
}

func TestTailerWaitsForMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "late.log")

	lines, _ := startTestTailer(t, path, WithFromStart())
	time.Sleep(50 * time.Millisecond)

	appendFile(t, path, "hello\n")
	assert.Equal(t, []string{"hello"}, receive(t, lines, 1))
}
