package events

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestValidate(t *testing.T) {
	now := time.Now()
	good := CommandEvent{Username: "alice", SessionID: "s1", Command: "ls", Timestamp: now, Source: SourceLog}
	assert.NoError(t, Validate(good))

	tests := []struct {
		name  string
		event CommandEvent
	}{
		{"missing user", CommandEvent{SessionID: "s1", Timestamp: now, Source: SourceLog}},
		{"missing session", CommandEvent{Username: "alice", Timestamp: now, Source: SourceLog}},
		{"missing timestamp", CommandEvent{Username: "alice", SessionID: "s1", Source: SourceLog}},
		{"bad source", CommandEvent{Username: "alice", SessionID: "s1", Timestamp: now, Source: "ebpf"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, Validate(tt.event))
		})
	}
}

func TestSanitizeCommand(t *testing.T) {
	assert.Equal(t, "cat /etc/passwd", SanitizeCommand("  cat\x00 /etc/passwd\n"))
	assert.Equal(t, "a b", SanitizeCommand("a\tb"))
	assert.Equal(t, "", SanitizeCommand("\x1b\x07"))

	long := strings.Repeat("x", MaxCommandLength+10)
	assert.Len(t, SanitizeCommand(long), MaxCommandLength)
}

func TestSanitizeCommandKeepsRunesWhole(t *testing.T) {
	// An odd-length prefix puts the cut in the middle of a two-byte rune.
	cmd := "cat /etc/shadow #" + strings.Repeat("é", MaxCommandLength)
	got := SanitizeCommand(cmd)
	assert.True(t, utf8.ValidString(got))
	assert.Len(t, got, MaxCommandLength-1)
	assert.True(t, strings.HasPrefix(got, "cat /etc/shadow #"))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abc", 5))
	assert.Equal(t, "ab", Truncate("abc", 2))
	assert.Equal(t, "a", Truncate("aé", 2))
	assert.Equal(t, "", Truncate("€", 2))
}
