// pkg/events/validator.go
package events

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxCommandLength bounds the command text carried by an event.
const MaxCommandLength = 4096

// Validate checks the required fields of a command event.
func Validate(event CommandEvent) error {
	if event.Username == "" {
		return fmt.Errorf("event username is required")
	}
	if event.SessionID == "" {
		return fmt.Errorf("event session id is required")
	}
	if event.Timestamp.IsZero() {
		return fmt.Errorf("event timestamp is required")
	}
	switch event.Source {
	case SourceAudit, SourceLog:
	default:
		return fmt.Errorf("invalid source: %s", event.Source)
	}
	return nil
}

// Sanitize returns a copy of the event with control characters stripped from
// the command and the command bounded to MaxCommandLength. An empty command is
// kept; downstream scoring treats it as neutral.
func Sanitize(event CommandEvent) CommandEvent {
	event.Username = strings.TrimSpace(event.Username)
	event.Command = SanitizeCommand(event.Command)
	return event
}

// SanitizeCommand removes potentially dangerous characters
func SanitizeCommand(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r == '\t' || r == '\n' || r == '\r':
			return ' '
		case unicode.IsControl(r):
			return -1
		}
		return r
	}, s)

	return strings.TrimSpace(Truncate(s, MaxCommandLength))
}

// Truncate cuts s to at most n bytes without splitting a rune.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
