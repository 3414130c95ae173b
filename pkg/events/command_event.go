// pkg/events/command_event.go
package events

import (
	"time"
)

// Source identifies which capture backend produced an event.
type Source string

const (
	SourceAudit Source = "audit"
	SourceLog   Source = "log"
)

// CommandEvent is one command executed in an interactive session. Events are
// immutable once emitted and consumed exactly once by the monitor loop.
type CommandEvent struct {
	Username  string    `json:"username"`
	SessionID string    `json:"session_id"`
	Command   string    `json:"command"`
	Timestamp time.Time `json:"timestamp"`
	Source    Source    `json:"source"`
}

// Key returns the session key the event belongs to.
func (e CommandEvent) Key() string {
	return e.Username + "\x00" + e.SessionID
}
