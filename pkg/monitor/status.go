package monitor

import (
	"time"

	"github.com/lucid-vigil/shellguard/pkg/blacklist"
	"github.com/lucid-vigil/shellguard/pkg/events"
	"github.com/lucid-vigil/shellguard/pkg/risk"
	"github.com/lucid-vigil/shellguard/pkg/session"
)

// Result is the outcome of scoring one command.
type Result struct {
	Username        string        `json:"username"`
	SessionID       string        `json:"session_id"`
	Command         string        `json:"command"`
	Source          events.Source `json:"source,omitempty"`
	Timestamp       time.Time     `json:"timestamp"`
	RawScore        float64       `json:"raw_score"`
	Cumulative      float64       `json:"cumulative_score"`
	Model           string        `json:"model"`
	Category        string        `json:"category,omitempty"`
	Matched         []string      `json:"matched_categories,omitempty"`
	Patterns        []string      `json:"matched_patterns,omitempty"`
	Tier            risk.Tier     `json:"tier"`
	TierCrossed     bool          `json:"tier_crossed"`
	Suspicious      bool          `json:"suspicious"`
	Blacklisted     bool          `json:"blacklisted"`
	Transition      string        `json:"transition,omitempty"`
	SessionCommands int           `json:"session_commands"`
	SessionDuration float64       `json:"session_duration_seconds"`
}

// UserStatus is a snapshot of one user's sessions and blacklist state.
type UserStatus struct {
	Username           string             `json:"username"`
	Blacklisted        bool               `json:"blacklisted"`
	Reason             string             `json:"reason,omitempty"`
	BlacklistedAt      *time.Time         `json:"blacklisted_at,omitempty"`
	Sessions           []session.Snapshot `json:"sessions"`
	MaxCumulative      float64            `json:"max_cumulative_score"`
	Tier               risk.Tier          `json:"tier"`
	SuspiciousCommands int                `json:"suspicious_commands"`
}

// Stats are aggregate counters since start.
type Stats struct {
	StartedAt          time.Time         `json:"started_at"`
	UptimeSeconds      float64           `json:"uptime_seconds"`
	CaptureMode        string            `json:"capture_mode"`
	Model              string            `json:"model"`
	EventsProcessed    int64             `json:"events_processed"`
	SuspiciousCommands int64             `json:"suspicious_commands"`
	AutoBlacklists     int64             `json:"auto_blacklists"`
	BlacklistedUsers   int               `json:"blacklisted_users"`
	Blacklist          []blacklist.Entry `json:"blacklist"`
	ActiveSessions     int               `json:"active_sessions"`
	TotalSessions      int64             `json:"total_sessions"`
	AuditFailures      int64             `json:"audit_failures"`
	BlacklistDirty     bool              `json:"blacklist_pending_write"`
}

// Status returns username's sessions and blacklist state.
func (m *Monitor) Status(username string) UserStatus {
	st := UserStatus{Username: username, Sessions: m.store.ForUser(username)}
	if st.Sessions == nil {
		st.Sessions = []session.Snapshot{}
	}
	for _, s := range st.Sessions {
		if s.Cumulative > st.MaxCumulative {
			st.MaxCumulative = s.Cumulative
		}
		st.SuspiciousCommands += s.SuspiciousCount
	}
	st.Tier = m.aggregator.TierOf(st.MaxCumulative)
	if e, ok := m.deps.Blacklist.Get(username); ok {
		st.Blacklisted = true
		st.Reason = e.Reason
		at := e.BlacklistedAt
		st.BlacklistedAt = &at
	}
	return st
}

// Stats returns the engine counters.
func (m *Monitor) Stats() Stats {
	s := Stats{
		StartedAt:          m.startedAt,
		UptimeSeconds:      m.now().Sub(m.startedAt).Seconds(),
		Model:              m.deps.Classifier.ModelName(),
		EventsProcessed:    m.processed.Load(),
		SuspiciousCommands: m.suspicious.Load(),
		AutoBlacklists:     m.autoBlacklists.Load(),
		Blacklist:          m.deps.Blacklist.List(),
		ActiveSessions:     m.store.Len(),
		TotalSessions:      m.store.Created(),
		AuditFailures:      m.auditFailures.Load(),
		BlacklistDirty:     m.deps.Blacklist.Dirty(),
	}
	s.BlacklistedUsers = len(s.Blacklist)
	if m.deps.Capture != nil {
		s.CaptureMode = string(m.deps.Capture.ActiveMode())
	}
	return s
}
