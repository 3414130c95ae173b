package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	monerrors "github.com/lucid-vigil/shellguard/pkg/errors"
	"github.com/lucid-vigil/shellguard/pkg/events"
	"github.com/rs/zerolog"
)

// maxTrackedSessions bounds the per-session timestamp table.
const maxTrackedSessions = 4096

// Manager selects a capture backend, falls back from audit to log-tail and
// delivers ordered events on a bounded channel.
type Manager struct {
	audit      Source
	logTail    Source
	bufferSize int
	restart    time.Duration
	logger     zerolog.Logger

	mu       sync.RWMutex
	active   Mode
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	warnOnce sync.Once

	lastSeen map[string]time.Time
}

// NewManager creates a manager over the two backends. Either may be nil when
// the host cannot provide it.
func NewManager(audit, logTail Source, bufferSize int, logger zerolog.Logger) *Manager {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Manager{
		audit:      audit,
		logTail:    logTail,
		bufferSize: bufferSize,
		restart:    time.Second,
		logger:     logger.With().Str("component", "capture").Logger(),
		lastSeen:   make(map[string]time.Time),
	}
}

// ActiveMode returns the backend currently delivering events, or "" before Start.
func (m *Manager) ActiveMode() Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

func (m *Manager) setActive(mode Mode) {
	m.mu.Lock()
	m.active = mode
	m.mu.Unlock()
}

// Start selects the backend for mode and begins capturing. The returned channel
// is closed after Stop or once ctx is cancelled. An error means no backend is
// usable.
func (m *Manager) Start(ctx context.Context, mode Mode) (<-chan events.CommandEvent, error) {
	src, err := m.selectSource(mode)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()
	m.setActive(src.Mode())

	raw := make(chan events.CommandEvent, m.bufferSize)
	out := make(chan events.CommandEvent, m.bufferSize)

	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		defer close(raw)
		m.runSources(ctx, src, raw)
	}()
	go func() {
		defer m.wg.Done()
		defer close(out)
		m.forward(ctx, raw, out)
	}()

	m.logger.Info().Str("mode", string(src.Mode())).Msg("Capture started.")
	return out, nil
}

// Stop cancels capture and waits for the backends to return.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	m.wg.Wait()
	m.logger.Info().Msg("Capture stopped.")
}

func (m *Manager) selectSource(mode Mode) (Source, error) {
	switch mode {
	case ModeAudit:
		if m.audit == nil {
			return nil, monerrors.NewCapabilityError("capture", "audit backend", fmt.Errorf("not configured"))
		}
		if err := m.audit.Probe(); err != nil {
			return nil, err
		}
		return m.audit, nil
	case ModeLogTail:
		if m.logTail == nil {
			return nil, monerrors.NewCapabilityError("capture", "log-tail backend", fmt.Errorf("not configured"))
		}
		if err := m.logTail.Probe(); err != nil {
			return nil, err
		}
		return m.logTail, nil
	case ModeAuto, "":
		var auditErr error = monerrors.NewCapabilityError("capture", "audit backend", fmt.Errorf("not configured"))
		if m.audit != nil {
			auditErr = m.audit.Probe()
			if auditErr == nil {
				return m.audit, nil
			}
		}
		if m.logTail == nil {
			return nil, fmt.Errorf("no capture backend available: %w", auditErr)
		}
		logErr := m.logTail.Probe()
		if logErr != nil {
			return nil, fmt.Errorf("no capture backend available: %w", errors.Join(auditErr, logErr))
		}
		m.warnFallback(auditErr)
		return m.logTail, nil
	default:
		return nil, fmt.Errorf("unknown capture mode %q", mode)
	}
}

func (m *Manager) warnFallback(cause error) {
	m.warnOnce.Do(func() {
		m.logger.Warn().Err(cause).Msg("Audit capture unavailable, falling back to log-tail capture.")
	})
}

// runSources runs src and switches to log-tail once when the audit backend
// reports it lost its capability. Other failures restart the same backend.
func (m *Manager) runSources(ctx context.Context, src Source, raw chan<- events.CommandEvent) {
	switched := false
	for {
		err := src.Run(ctx, raw)
		if ctx.Err() != nil {
			return
		}

		if monerrors.Is(err, monerrors.ErrCapabilityUnavailable) && src.Mode() == ModeAudit && !switched && m.logTail != nil {
			switched = true
			m.warnFallback(err)
			if perr := m.logTail.Probe(); perr != nil {
				m.logger.Error().Err(perr).Msg("Log-tail capture unavailable after audit failure, capture stopped.")
				return
			}
			src = m.logTail
			m.setActive(ModeLogTail)
			m.logger.Info().Str("mode", string(ModeLogTail)).Msg("Capture switched backend.")
			continue
		}

		if err != nil {
			m.logger.Error().Err(err).Str("mode", string(src.Mode())).Msg("Capture backend failed, restarting.")
		} else {
			m.logger.Warn().Str("mode", string(src.Mode())).Msg("Capture backend returned, restarting.")
		}
		timer := time.NewTimer(m.restart)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// forward sanitizes, validates and orders events. Raw events
// are drained until the sources close raw so none are lost on a switch.
func (m *Manager) forward(ctx context.Context, raw <-chan events.CommandEvent, out chan<- events.CommandEvent) {
	for evt := range raw {
		evt = events.Sanitize(evt)
		if err := events.Validate(evt); err != nil {
			m.logger.Debug().Err(err).Msg("Dropping invalid capture event.")
			continue
		}
		evt = m.clamp(evt)

		select {
		case out <- evt:
		case <-ctx.Done():
			return
		}
	}
}

// clamp keeps timestamps non-decreasing within a session.
func (m *Manager) clamp(evt events.CommandEvent) events.CommandEvent {
	key := evt.Key()
	if last, ok := m.lastSeen[key]; ok && evt.Timestamp.Before(last) {
		evt.Timestamp = last
	}
	m.lastSeen[key] = evt.Timestamp

	if len(m.lastSeen) > maxTrackedSessions {
		cutoff := evt.Timestamp.Add(-time.Hour)
		for k, ts := range m.lastSeen {
			if ts.Before(cutoff) {
				delete(m.lastSeen, k)
			}
		}
	}
	return evt
}
