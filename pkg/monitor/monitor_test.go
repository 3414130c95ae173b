package monitor

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lucid-vigil/shellguard/pkg/alerts"
	"github.com/lucid-vigil/shellguard/pkg/audit"
	"github.com/lucid-vigil/shellguard/pkg/blacklist"
	"github.com/lucid-vigil/shellguard/pkg/capture"
	"github.com/lucid-vigil/shellguard/pkg/classifier"
	"github.com/lucid-vigil/shellguard/pkg/config"
	monerrors "github.com/lucid-vigil/shellguard/pkg/errors"
	"github.com/lucid-vigil/shellguard/pkg/events"
	"github.com/lucid-vigil/shellguard/pkg/risk"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// LogCapture collects log output for assertions.
type LogCapture struct {
	mu   sync.Mutex
	logs []string
}

func (lc *LogCapture) Write(p []byte) (int, error) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.logs = append(lc.logs, string(p))
	return len(p), nil
}

func (lc *LogCapture) GetLogs() []string {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return append([]string(nil), lc.logs...)
}

type MockSink struct {
	mock.Mock
}

func (m *MockSink) Name() string { return "mock" }

func (m *MockSink) Deliver(ctx context.Context, a alerts.Alert) error {
	return m.Called(ctx, a).Error(0)
}

type fakeCapture struct {
	ch      chan events.CommandEvent
	mu      sync.Mutex
	stopped bool
}

func (f *fakeCapture) Start(context.Context, capture.Mode) (<-chan events.CommandEvent, error) {
	return f.ch, nil
}

func (f *fakeCapture) Stop() {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
}

func (f *fakeCapture) ActiveMode() capture.Mode { return capture.ModeLogTail }

type fixture struct {
	cfg       *config.Config
	mon       *Monitor
	bl        *blacklist.Controller
	blPath    string
	auditPath string
	auditLog  *audit.Logger
	sink      *MockSink
	notifier  *alerts.Notifier
	logs      *LogCapture
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		cfg:       config.Default(),
		blPath:    filepath.Join(dir, "blacklist.json"),
		auditPath: filepath.Join(dir, "log", "audit.log"),
		sink:      new(MockSink),
		logs:      &LogCapture{},
		now:       time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC),
	}
	f.cfg.ModelDir = filepath.Join(dir, "models")

	var warns []error
	var err error
	f.bl, warns, err = blacklist.Open(f.blPath, zerolog.Nop())
	require.NoError(t, err)
	require.Empty(t, warns)

	f.auditLog, err = audit.NewLogger(f.auditPath)
	require.NoError(t, err)
	t.Cleanup(func() { f.auditLog.Close() })

	f.notifier = alerts.NewNotifier(zerolog.Nop(), 8, f.sink)
	logger := zerolog.New(f.logs)
	f.mon = New(f.cfg, Deps{
		Blacklist:  f.bl,
		Classifier: classifier.NewDispatcher(f.cfg, zerolog.Nop()),
		Audit:      f.auditLog,
		Notifier:   f.notifier,
		Logger:     logger,
		Now:        func() time.Time { return f.now },
	})
	return f
}

func (f *fixture) analyze(user, sid, cmd string, at time.Time) Result {
	return f.mon.Analyze(context.Background(), events.CommandEvent{
		Username:  user,
		SessionID: sid,
		Command:   cmd,
		Timestamp: at,
		Source:    events.SourceLog,
	})
}

func TestScenarioBenignCommand(t *testing.T) {
	f := newFixture(t)
	res := f.analyze("alice", "s1", "ls -la", f.now)

	assert.InDelta(t, 0.05, res.RawScore, 1e-9)
	assert.InDelta(t, 0.05, res.Cumulative, 1e-9)
	assert.Equal(t, classifier.RuleBasedModel, res.Model)
	assert.False(t, res.Blacklisted)
	assert.False(t, res.Suspicious)
	assert.Equal(t, risk.TierNone, res.Tier)
}

func TestScenarioReconnaissance(t *testing.T) {
	f := newFixture(t)
	res := f.analyze("bob", "s1", "cat /etc/passwd", f.now)

	assert.InDelta(t, 0.6, res.RawScore, 1e-9)
	assert.Equal(t, "reconnaissance", res.Category)
	assert.True(t, res.Suspicious)
	assert.Equal(t, int64(1), f.mon.Stats().SuspiciousCommands)
}

func TestScenarioEscalationBlacklistsOnce(t *testing.T) {
	f := newFixture(t)
	var alert alerts.Alert
	f.sink.On("Deliver", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		alert = args.Get(1).(alerts.Alert)
	}).Return(nil).Once()
	f.notifier.Start(context.Background())

	cmds := []string{"sudo su", "chmod +s x", "passwd", "visudo"}
	prev := -1.0
	var results []Result
	for i, c := range cmds {
		res := f.analyze("mallory", "pts-3", c, f.now.Add(time.Duration(i)*time.Second))
		assert.Greater(t, res.Cumulative, prev, c)
		prev = res.Cumulative
		results = append(results, res)
	}

	last := results[3]
	assert.InDelta(t, 0.95, last.RawScore, 1e-9)
	assert.InDelta(t, 0.7967, last.Cumulative, 1e-9)
	assert.Equal(t, risk.TierAutoBlacklist, last.Tier)
	assert.Equal(t, audit.TransitionBlacklisted, last.Transition)
	assert.True(t, last.Blacklisted)
	for _, r := range results[:3] {
		assert.Empty(t, r.Transition)
		assert.False(t, r.Blacklisted)
	}
	assert.GreaterOrEqual(t, results[2].Cumulative, f.cfg.Thresholds.Critical)

	// Further activity is recorded but does not re-fire the transition.
	again := f.analyze("mallory", "pts-3", "visudo", f.now.Add(5*time.Second))
	assert.Empty(t, again.Transition)
	assert.True(t, again.Blacklisted)

	f.notifier.Stop()
	f.sink.AssertNumberOfCalls(t, "Deliver", 1)
	assert.Equal(t, "mallory", alert.Username)
	assert.InDelta(t, 0.7967, alert.CumulativeScore, 1e-9)
	assert.Equal(t, classifier.RuleBasedModel, alert.Model)

	stats := f.mon.Stats()
	assert.Equal(t, int64(1), stats.AutoBlacklists)
	assert.Equal(t, int64(5), stats.EventsProcessed)
	assert.Equal(t, 1, stats.BlacklistedUsers)

	n, err := audit.Verify(f.auditPath)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	reopened, _, err := blacklist.Open(f.blPath, zerolog.Nop())
	require.NoError(t, err)
	assert.True(t, reopened.IsBlocked("mallory"))
}

func TestScenarioRemoveThenStatus(t *testing.T) {
	f := newFixture(t)
	for i, c := range []string{"sudo su", "chmod +s x", "passwd", "visudo"} {
		f.analyze("mallory", "s1", c, f.now.Add(time.Duration(i)*time.Second))
	}
	require.True(t, f.mon.Status("mallory").Blacklisted)

	removed, err := f.mon.RemoveFromBlacklist("mallory")
	require.NoError(t, err)
	assert.True(t, removed)

	st := f.mon.Status("mallory")
	assert.False(t, st.Blacklisted)
	assert.Nil(t, st.BlacklistedAt)
	require.Len(t, st.Sessions, 1)
	assert.Equal(t, 4, st.Sessions[0].Commands)
	assert.Equal(t, 4, st.SuspiciousCommands)

	reopened, _, err := blacklist.Open(f.blPath, zerolog.Nop())
	require.NoError(t, err)
	assert.False(t, reopened.IsBlocked("mallory"))

	removed, err = f.mon.RemoveFromBlacklist("mallory")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestScenarioIdleSessionStartsFresh(t *testing.T) {
	f := newFixture(t)
	first := f.analyze("carol", "s1", "sudo su", f.now)
	assert.InDelta(t, 0.65, first.Cumulative, 1e-9)

	later := f.now.Add(f.cfg.SessionTimeout + time.Minute)
	res := f.analyze("carol", "s1", "ls -la", later)
	assert.InDelta(t, 0.05, res.Cumulative, 1e-9)
	assert.Equal(t, 1, res.SessionCommands)
	assert.Equal(t, int64(2), f.mon.Stats().TotalSessions)
}

func TestSweepEvictsIdleSessions(t *testing.T) {
	f := newFixture(t)
	f.analyze("dave", "s1", "ls", f.now)
	assert.Equal(t, 1, f.mon.Stats().ActiveSessions)

	f.now = f.now.Add(f.cfg.SessionTimeout + time.Second)
	f.mon.sweep(context.Background())
	assert.Equal(t, 0, f.mon.Stats().ActiveSessions)
	assert.Empty(t, f.mon.Status("dave").Sessions)
}

func TestTestCommandDoesNotMutate(t *testing.T) {
	f := newFixture(t)
	res := f.mon.TestCommand("erin", "cat /etc/shadow")

	assert.InDelta(t, 0.8, res.RawScore, 1e-9)
	assert.InDelta(t, 0.8, res.Cumulative, 1e-9)
	assert.Equal(t, risk.TierAutoBlacklist, res.Tier)
	assert.False(t, res.Blacklisted)
	assert.Empty(t, res.Transition)

	stats := f.mon.Stats()
	assert.Zero(t, stats.EventsProcessed)
	assert.Zero(t, stats.ActiveSessions)
	assert.False(t, f.bl.IsBlocked("erin"))
}

func TestManualBlacklist(t *testing.T) {
	f := newFixture(t)
	added, err := f.mon.BlacklistUser("frank", "")
	require.NoError(t, err)
	assert.True(t, added)

	st := f.mon.Status("frank")
	assert.True(t, st.Blacklisted)
	assert.Equal(t, "manual", st.Reason)

	added, err = f.mon.BlacklistUser("frank", "again")
	require.NoError(t, err)
	assert.False(t, added)
}

func TestLoginOfBlacklistedUserIsReported(t *testing.T) {
	f := newFixture(t)
	_, err := f.bl.Add("grace", "manual")
	require.NoError(t, err)

	f.mon.OnLogin("heidi", "10.0.0.1", f.now)
	f.mon.OnLogin("grace", "10.0.0.2", f.now)

	var hits []string
	for _, l := range f.logs.GetLogs() {
		if strings.Contains(l, "Blacklisted user logged in") {
			hits = append(hits, l)
		}
	}
	require.Len(t, hits, 1)
	assert.Contains(t, hits[0], `"user":"grace"`)
}

func TestStartProcessesCapturedEvents(t *testing.T) {
	f := newFixture(t)
	fc := &fakeCapture{ch: make(chan events.CommandEvent, 4)}
	f.mon.deps.Capture = fc

	require.NoError(t, f.mon.Start(context.Background()))
	assert.Error(t, f.mon.Start(context.Background()), "second start fails")

	for i, c := range []string{"ls", "whoami", "uptime"} {
		fc.ch <- events.CommandEvent{Username: "ivan", SessionID: "s1", Command: c, Timestamp: f.now.Add(time.Duration(i) * time.Second), Source: events.SourceAudit}
	}
	require.Eventually(t, func() bool { return f.mon.Stats().EventsProcessed == 3 }, 2*time.Second, 10*time.Millisecond)

	f.mon.Stop()
	f.mon.Stop()
	fc.mu.Lock()
	assert.True(t, fc.stopped)
	fc.mu.Unlock()

	stats := f.mon.Stats()
	assert.Equal(t, string(capture.ModeLogTail), stats.CaptureMode)
	assert.Equal(t, classifier.RuleBasedModel, stats.Model)

	n, err := audit.Verify(f.auditPath)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestStartWithoutCapture(t *testing.T) {
	f := newFixture(t)
	assert.Error(t, f.mon.Start(context.Background()))
}

func TestCaptureLossEndsMonitoring(t *testing.T) {
	f := newFixture(t)
	fc := &fakeCapture{ch: make(chan events.CommandEvent, 1)}
	f.mon.deps.Capture = fc
	require.NoError(t, f.mon.Start(context.Background()))
	defer f.mon.Stop()

	fc.ch <- events.CommandEvent{Username: "judy", SessionID: "s1", Command: "ls", Timestamp: f.now, Source: events.SourceLog}
	close(fc.ch)

	select {
	case <-f.mon.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("monitor kept running without capture")
	}
	err := f.mon.Err()
	require.Error(t, err)
	assert.True(t, monerrors.Is(err, monerrors.ErrCapabilityUnavailable))
	assert.Equal(t, int64(1), f.mon.Stats().EventsProcessed)
}

func TestStopEndsMonitoringWithoutError(t *testing.T) {
	f := newFixture(t)
	f.mon.deps.Capture = &fakeCapture{ch: make(chan events.CommandEvent)}
	assert.Nil(t, f.mon.Done())

	require.NoError(t, f.mon.Start(context.Background()))
	done := f.mon.Done()
	f.mon.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("done not closed after Stop")
	}
	assert.NoError(t, f.mon.Err())
}

func TestPaddedCommandKeepsItsScore(t *testing.T) {
	f := newFixture(t)
	cmd := "history -c; cat /etc/shadow #  "
	short := f.mon.TestCommand("mallory", cmd)
	long := f.mon.TestCommand("mallory", cmd+strings.Repeat("é", 3000))

	assert.Equal(t, "credential_access", long.Category)
	assert.InDelta(t, short.RawScore, long.RawScore, 1e-9)
}
