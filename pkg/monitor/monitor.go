// Package monitor drives captured commands through scoring, session risk
// aggregation and the blacklist, and answers status queries while doing so.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lucid-vigil/shellguard/pkg/actions"
	"github.com/lucid-vigil/shellguard/pkg/alerts"
	"github.com/lucid-vigil/shellguard/pkg/audit"
	"github.com/lucid-vigil/shellguard/pkg/blacklist"
	"github.com/lucid-vigil/shellguard/pkg/capture"
	"github.com/lucid-vigil/shellguard/pkg/classifier"
	"github.com/lucid-vigil/shellguard/pkg/config"
	monerrors "github.com/lucid-vigil/shellguard/pkg/errors"
	"github.com/lucid-vigil/shellguard/pkg/events"
	"github.com/lucid-vigil/shellguard/pkg/features"
	"github.com/lucid-vigil/shellguard/pkg/risk"
	"github.com/lucid-vigil/shellguard/pkg/scheduler"
	"github.com/lucid-vigil/shellguard/pkg/session"
	"github.com/rs/zerolog"
)

// Capture is the event source the monitor consumes.
type Capture interface {
	Start(ctx context.Context, mode capture.Mode) (<-chan events.CommandEvent, error)
	Stop()
	ActiveMode() capture.Mode
}

// AuditWriter records one line per processed command.
type AuditWriter interface {
	Log(entry audit.Entry) error
}

// Redeliverer retries alerts that could not be delivered earlier.
type Redeliverer interface {
	Redeliver(ctx context.Context) (int, error)
}

// Deps are the collaborators of a Monitor. Blacklist and Classifier are
// required; everything else is optional.
type Deps struct {
	Capture    Capture
	Blacklist  *blacklist.Controller
	Classifier *classifier.Dispatcher
	Audit      AuditWriter
	Notifier   *alerts.Notifier
	Redeliver  Redeliverer
	Actions    *actions.ActionDispatcher
	Logger     zerolog.Logger
	Now        func() time.Time
}

// Monitor is the engine context shared by the ingestion loop and the
// synchronous query operations.
type Monitor struct {
	cfg        *config.Config
	deps       Deps
	logger     zerolog.Logger
	handler    *monerrors.ErrorHandler
	now        func() time.Time
	extractor  *features.Extractor
	aggregator *risk.Aggregator
	store      *session.Store
	sched      *scheduler.Scheduler
	startedAt  time.Time

	processed      atomic.Int64
	suspicious     atomic.Int64
	autoBlacklists atomic.Int64
	auditFailures  atomic.Int64

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
	loop    sync.WaitGroup
	revokes sync.WaitGroup
}

// New wires a monitor from configuration and collaborators.
func New(cfg *config.Config, deps Deps) *Monitor {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	l := deps.Logger.With().Str("component", "monitor").Logger()
	return &Monitor{
		cfg:        cfg,
		deps:       deps,
		logger:     l,
		handler:    monerrors.NewErrorHandler(l),
		now:        now,
		extractor:  features.NewExtractor(cfg.Categories, cfg.Thresholds.High),
		aggregator: risk.NewAggregator(cfg.Risk.DecayFactor, cfg.Thresholds),
		store:      session.NewStore(cfg.MaxSessionCommands, cfg.SessionTimeout),
		sched:      scheduler.NewScheduler(),
		startedAt:  now(),
	}
}

// Start begins capture in the configured mode and processes events until
// Stop is called or ctx is cancelled. It fails when no capture backend works.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return errors.New("monitor already running")
	}
	if m.deps.Capture == nil {
		return errors.New("no capture configured")
	}

	mode, err := capture.ParseMode(m.cfg.Capture.Mode)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	evts, err := m.deps.Capture.Start(ctx, mode)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to start capture: %w", err)
	}
	m.cancel = cancel
	m.running = true
	m.done = make(chan struct{})
	m.err = nil

	if m.deps.Notifier != nil {
		m.deps.Notifier.Start(ctx)
	}

	m.sched.Register(scheduler.TaskFunc{TaskName: "session_sweep", Fn: m.sweep}, m.cfg.SweepInterval)
	m.sched.Register(scheduler.TaskFunc{TaskName: "flush", Fn: m.flush}, m.cfg.FlushInterval)
	m.sched.Start(ctx)

	m.loop.Add(1)
	go m.run(ctx, evts, m.done)

	m.logger.Info().
		Str("capture", string(m.deps.Capture.ActiveMode())).
		Str("model", m.deps.Classifier.ModelName()).
		Msg("Monitoring started.")
	return nil
}

// Done is closed once the ingestion loop has ended, either through Stop or
// because capture was lost. It is nil before Start.
func (m *Monitor) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}

// Err returns the reason the ingestion loop ended on its own, or nil.
func (m *Monitor) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func (m *Monitor) run(ctx context.Context, evts <-chan events.CommandEvent, done chan struct{}) {
	defer m.loop.Done()
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-evts:
			if !ok {
				if ctx.Err() != nil {
					return
				}
				err := monerrors.NewCapabilityError("monitor", "capture", errors.New("event stream closed, no backend left"))
				err.Severity = monerrors.SeverityCritical
				err.Recoverable = false
				m.mu.Lock()
				m.err = err
				m.mu.Unlock()
				m.handler.HandleError(ctx, err)
				return
			}
			m.Analyze(ctx, evt)
		}
	}
}

// Stop lets the in-flight event finish, then tears down capture, background
// tasks and the notifier, and flushes pending blacklist writes.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	m.mu.Unlock()

	cancel()
	m.loop.Wait()
	m.deps.Capture.Stop()
	m.sched.Wait()
	m.revokes.Wait()
	if m.deps.Notifier != nil {
		m.deps.Notifier.Stop()
	}
	if err := m.deps.Blacklist.Flush(); err != nil {
		m.handler.HandleError(context.Background(), err)
	}
	m.logger.Info().Int64("events", m.processed.Load()).Msg("Monitoring stopped.")
}

// Analyze is the live path for one command: it updates the command's session,
// auto-blacklists the user on reaching the auto-blacklist tier and writes the
// audit line.
func (m *Monitor) Analyze(ctx context.Context, evt events.CommandEvent) Result {
	evt = events.Sanitize(evt)
	if evt.Timestamp.IsZero() {
		evt.Timestamp = m.now()
	}

	var res Result
	m.store.With(evt.Username, evt.SessionID, evt.Timestamp, func(s *session.Session) {
		res = m.score(s, evt, true)
	})
	m.processed.Add(1)
	if res.Suspicious {
		m.suspicious.Add(1)
		m.logger.Warn().
			Str("user", evt.Username).
			Str("session_id", evt.SessionID).
			Float64("raw_score", res.RawScore).
			Float64("cumulative_score", res.Cumulative).
			Str("category", res.Category).
			Msg("Suspicious command.")
	}

	if res.Tier >= risk.TierAutoBlacklist && !m.deps.Blacklist.IsBlocked(evt.Username) {
		reason := fmt.Sprintf("auto: cumulative risk %.3f reached %.2f", res.Cumulative, m.cfg.Thresholds.AutoBlacklist)
		added, err := m.deps.Blacklist.Add(evt.Username, reason)
		if err != nil {
			m.handler.HandleError(ctx, err)
		}
		if added {
			m.autoBlacklists.Add(1)
			res.Transition = audit.TransitionBlacklisted
			m.revoke(evt.Username, evt.SessionID, reason, res.Cumulative, res.Command, res.Model, false)
		}
	}
	res.Blacklisted = m.deps.Blacklist.IsBlocked(evt.Username)

	m.writeAudit(evt, res)
	return res
}

// TestCommand scores command for username in a fresh transient session.
// Neither the session store nor the blacklist is changed.
func (m *Monitor) TestCommand(username, command string) Result {
	evt := events.Sanitize(events.CommandEvent{
		Username:  username,
		SessionID: "test",
		Command:   command,
		Timestamp: m.now(),
	})
	s := session.New(evt.Username, evt.SessionID, evt.Timestamp, m.cfg.MaxSessionCommands)
	res := m.score(s, evt, false)
	res.Blacklisted = m.deps.Blacklist.IsBlocked(username)
	return res
}

// score runs extract, classify and aggregate for evt on s. With record set
// the command is appended to the session window. The caller owns s.
func (m *Monitor) score(s *session.Session, evt events.CommandEvent, record bool) Result {
	vec := m.extractor.Extract(s.History(), evt.Command, evt.Timestamp)
	scored := m.deps.Classifier.Score(vec)
	out := m.aggregator.Update(s, scored.Raw)

	suspicious := scored.Raw >= m.cfg.Thresholds.Warning
	if record {
		s.Push(evt, scored.Raw)
		if suspicious {
			s.MarkSuspicious(audit.Redact(evt.Command))
		}
	}

	return Result{
		Username:        evt.Username,
		SessionID:       evt.SessionID,
		Command:         audit.Redact(evt.Command),
		Source:          evt.Source,
		Timestamp:       evt.Timestamp,
		RawScore:        scored.Raw,
		Cumulative:      out.Cumulative,
		Model:           scored.Model,
		Category:        scored.Category,
		Matched:         scored.Matched,
		Patterns:        vec.MatchedPatterns(),
		Tier:            out.Tier,
		TierCrossed:     out.Crossed,
		Suspicious:      suspicious,
		SessionCommands: s.Commands,
		SessionDuration: s.Duration().Seconds(),
	}
}

// revoke fires the revocation actions and the alert for a new blacklist entry.
func (m *Monitor) revoke(username, sessionID, reason string, cumulative float64, command, model string, wait bool) {
	if m.deps.Notifier != nil {
		alert := alerts.Alert{
			Username:        username,
			Reason:          reason,
			CumulativeScore: cumulative,
			Timestamp:       m.now(),
			SessionID:       sessionID,
			Command:         command,
			Model:           model,
		}
		if err := m.deps.Notifier.Publish(alert); err != nil {
			m.logger.Error().Err(err).Str("user", username).Msg("Failed to queue blacklist alert.")
		}
	}

	if m.deps.Actions == nil || len(m.cfg.Actions.OnBlacklist) == 0 {
		return
	}
	data := map[string]interface{}{"username": username, "session_id": sessionID, "reason": reason}
	run := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		m.deps.Actions.ExecuteActions(ctx, m.cfg.Actions.OnBlacklist, data)
	}
	if wait {
		run()
		return
	}
	m.revokes.Add(1)
	go func() {
		defer m.revokes.Done()
		run()
	}()
}

func (m *Monitor) writeAudit(evt events.CommandEvent, res Result) {
	if m.deps.Audit == nil {
		return
	}
	err := m.deps.Audit.Log(audit.Entry{
		Timestamp:  evt.Timestamp,
		Username:   evt.Username,
		SessionID:  evt.SessionID,
		Source:     string(evt.Source),
		Command:    evt.Command,
		RawScore:   res.RawScore,
		Cumulative: res.Cumulative,
		Model:      res.Model,
		Category:   res.Category,
		Tier:       res.Tier.String(),
		Transition: res.Transition,
	})
	if err != nil {
		m.auditFailures.Add(1)
		m.logger.Error().Err(err).Msg("Failed to write audit line.")
	}
}

// BlacklistUser adds username manually. Revocation side effects run when the
// user was not blocked before.
func (m *Monitor) BlacklistUser(username, reason string) (bool, error) {
	if reason == "" {
		reason = "manual"
	}
	added, err := m.deps.Blacklist.Add(username, reason)
	if added {
		m.revoke(username, "", reason, 0, "", "", true)
	}
	return added, err
}

// RemoveFromBlacklist removes username; absent users are a no-op.
func (m *Monitor) RemoveFromBlacklist(username string) (bool, error) {
	return m.deps.Blacklist.Remove(username)
}

// OnLogin is called by capture for successful logins. Logins of blacklisted
// users are reported.
func (m *Monitor) OnLogin(username, remoteAddr string, at time.Time) {
	if !m.deps.Blacklist.IsBlocked(username) {
		return
	}
	e, _ := m.deps.Blacklist.Get(username)
	m.logger.Warn().
		Str("user", username).
		Str("remote_addr", remoteAddr).
		Time("at", at).
		Str("reason", e.Reason).
		Msg("Blacklisted user logged in.")
}

func (m *Monitor) sweep(context.Context) {
	if n := m.store.Sweep(m.now()); n > 0 {
		m.logger.Debug().Int("evicted", n).Msg("Expired idle sessions.")
	}
}

func (m *Monitor) flush(ctx context.Context) {
	if m.deps.Blacklist.Dirty() {
		if err := m.deps.Blacklist.Flush(); err != nil {
			m.handler.HandleError(ctx, err)
		} else {
			m.logger.Info().Msg("Pending blacklist changes written.")
		}
	}
	if m.deps.Redeliver != nil {
		n, err := m.deps.Redeliver.Redeliver(ctx)
		if n > 0 {
			m.logger.Info().Int("alerts", n).Msg("Redelivered spooled alerts.")
		}
		if err != nil {
			m.logger.Debug().Err(err).Msg("Spooled alerts still pending.")
		}
	}
}
