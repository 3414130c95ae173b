// Package session keeps per-session command windows and cumulative risk.
package session

import (
	"time"

	"github.com/lucid-vigil/shellguard/pkg/events"
	"github.com/lucid-vigil/shellguard/pkg/features"
)

// State is the lifecycle state of a session.
type State string

const (
	StateActive  State = "active"
	StateExpired State = "expired"
)

// Entry is one command in a session window with the raw score it received.
type Entry struct {
	Event events.CommandEvent
	Raw   float64
}

// Session is the risk state of one interactive session. It is only mutated
// while its shard lock is held (see Store.With).
type Session struct {
	Username   string
	SessionID  string
	Window     []Entry
	Cumulative float64
	Commands   int
	Suspicious []string
	CreatedAt  time.Time
	LastSeen   time.Time
	State      State

	maxWindow int
}

// New creates an active session starting at at. maxWindow bounds the window
// and the suspicious command list.
func New(username, sessionID string, at time.Time, maxWindow int) *Session {
	if maxWindow <= 0 {
		maxWindow = 1
	}
	return &Session{
		Username:  username,
		SessionID: sessionID,
		CreatedAt: at,
		LastSeen:  at,
		State:     StateActive,
		maxWindow: maxWindow,
	}
}

// First reports whether no command has been recorded yet.
func (s *Session) First() bool {
	return s.Commands == 0
}

// History returns the window as seen by the feature extractor.
func (s *Session) History() features.History {
	scores := make([]float64, len(s.Window))
	for i, e := range s.Window {
		scores[i] = e.Raw
	}
	return features.History{StartedAt: s.CreatedAt, Scores: scores}
}

// Push appends a scored command, evicting the oldest once the window is full.
func (s *Session) Push(evt events.CommandEvent, raw float64) {
	if len(s.Window) >= s.maxWindow {
		copy(s.Window, s.Window[1:])
		s.Window = s.Window[:len(s.Window)-1]
	}
	s.Window = append(s.Window, Entry{Event: evt, Raw: raw})
	s.Commands++
	if evt.Timestamp.After(s.LastSeen) {
		s.LastSeen = evt.Timestamp
	}
}

// MarkSuspicious records a command that scored at or above the warning tier.
func (s *Session) MarkSuspicious(command string) {
	if len(s.Suspicious) >= s.maxWindow {
		s.Suspicious = s.Suspicious[1:]
	}
	s.Suspicious = append(s.Suspicious, command)
}

// Duration is the time between the first and the latest command.
func (s *Session) Duration() time.Duration {
	return s.LastSeen.Sub(s.CreatedAt)
}

// Idle reports whether the session saw no command for longer than timeout
// as of now.
func (s *Session) Idle(now time.Time, timeout time.Duration) bool {
	return now.Sub(s.LastSeen) > timeout
}

// Snapshot is a read-only copy of a session.
type Snapshot struct {
	Username        string    `json:"username"`
	SessionID       string    `json:"session_id"`
	Cumulative      float64   `json:"cumulative_score"`
	Commands        int       `json:"commands"`
	WindowSize      int       `json:"window_size"`
	SuspiciousCount int       `json:"suspicious_commands"`
	Suspicious      []string  `json:"suspicious,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	LastSeen        time.Time `json:"last_seen"`
	DurationSeconds float64   `json:"duration_seconds"`
	State           State     `json:"state"`
}

// Snapshot copies the session's observable state.
func (s *Session) Snapshot() Snapshot {
	return Snapshot{
		Username:        s.Username,
		SessionID:       s.SessionID,
		Cumulative:      s.Cumulative,
		Commands:        s.Commands,
		WindowSize:      len(s.Window),
		SuspiciousCount: len(s.Suspicious),
		Suspicious:      append([]string(nil), s.Suspicious...),
		CreatedAt:       s.CreatedAt,
		LastSeen:        s.LastSeen,
		DurationSeconds: s.Duration().Seconds(),
		State:           s.State,
	}
}
