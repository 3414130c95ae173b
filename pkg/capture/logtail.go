package capture

import (
	"context"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	monerrors "github.com/lucid-vigil/shellguard/pkg/errors"
	"github.com/lucid-vigil/shellguard/pkg/events"
	"github.com/rs/zerolog"
)

var (
	sshAccepted   = regexp.MustCompile(`sshd\[(\d+)\]: Accepted (\S+) for (\S+) from (\S+)`)
	sessionOpened = regexp.MustCompile(`(?:sshd|login)\[(\d+)\]: pam_unix\((?:sshd|login):session\): session opened for user ([^\s(]+)`)
	sessionClosed = regexp.MustCompile(`(?:sshd|login)\[(\d+)\]: pam_unix\((?:sshd|login):session\): session closed for user ([^\s(]+)`)
	sudoCommand   = regexp.MustCompile(`sudo(?:\[\d+\])?:\s+(\S+)\s*:.*COMMAND=(.*)$`)
)

// LoginHandler is notified of successful remote logins.
type LoginHandler func(username, remoteAddr string, at time.Time)

// LogTailSource derives command events from an auth/syslog style log.
type LogTailSource struct {
	path     string
	logger   zerolog.Logger
	shellRe  *regexp.Regexp
	onLogin  LoginHandler
	tailOpts []TailerOption
	now      func() time.Time

	mu       sync.Mutex
	byPID    map[string]openSession
	sessions map[string][]string // username -> open session ids, most recent last
}

type openSession struct {
	username string
	id       string
}

// LogTailOption customizes a LogTailSource.
type LogTailOption func(*LogTailSource)

// WithLoginHandler registers a callback for `Accepted ...` lines.
func WithLoginHandler(h LoginHandler) LogTailOption {
	return func(l *LogTailSource) { l.onLogin = h }
}

// WithLogTailerOptions passes options to the underlying tailer.
func WithLogTailerOptions(opts ...TailerOption) LogTailOption {
	return func(l *LogTailSource) { l.tailOpts = append(l.tailOpts, opts...) }
}

// NewLogTailSource creates a log-tail backend reading path. shellTag is the
// syslog tag under which the shell logs commands as `<user>: <command>`.
func NewLogTailSource(path, shellTag string, logger zerolog.Logger, opts ...LogTailOption) *LogTailSource {
	if shellTag == "" {
		shellTag = "bash"
	}
	l := &LogTailSource{
		path:     path,
		logger:   logger.With().Str("component", "capture_log_tail").Logger(),
		shellRe:  regexp.MustCompile(`(?:^|\s)` + regexp.QuoteMeta(shellTag) + `(?:\[\d+\])?: ([^\s:]+): (.*)$`),
		now:      time.Now,
		byPID:    make(map[string]openSession),
		sessions: make(map[string][]string),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Mode implements Source.
func (l *LogTailSource) Mode() Mode { return ModeLogTail }

// Probe implements Source.
func (l *LogTailSource) Probe() error {
	f, err := os.Open(l.path)
	if err != nil {
		return monerrors.NewCapabilityError("capture_log_tail", "auth log "+l.path, err)
	}
	return f.Close()
}

// Run implements Source.
func (l *LogTailSource) Run(ctx context.Context, out chan<- events.CommandEvent) error {
	ctx, cancel := context.WithCancel(ctx)
	lines, done := startTail(ctx, NewTailer(l.path, l.logger, l.tailOpts...))
	defer func() {
		cancel()
		<-done
	}()

	l.logger.Info().Str("path", l.path).Msg("Log-tail capture started.")
	for {
		select {
		case <-ctx.Done():
			return nil
		case line := <-lines:
			evt, ok := l.parseLine(line)
			if !ok {
				continue
			}
			select {
			case out <- evt:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// parseLine updates session bookkeeping and returns a command event when the
// line records one.
func (l *LogTailSource) parseLine(line string) (events.CommandEvent, bool) {
	ts := l.lineTime(line)

	if m := sshAccepted.FindStringSubmatch(line); m != nil {
		if l.onLogin != nil {
			l.onLogin(m[3], m[4], ts)
		}
		return events.CommandEvent{}, false
	}
	if m := sessionOpened.FindStringSubmatch(line); m != nil {
		l.openSession(m[1], m[2])
		return events.CommandEvent{}, false
	}
	if m := sessionClosed.FindStringSubmatch(line); m != nil {
		l.closeSession(m[1], m[2])
		return events.CommandEvent{}, false
	}
	if m := sudoCommand.FindStringSubmatch(line); m != nil {
		return l.command(m[1], "sudo "+strings.TrimSpace(m[2]), ts), true
	}
	if m := l.shellRe.FindStringSubmatch(line); m != nil {
		return l.command(m[1], m[2], ts), true
	}
	return events.CommandEvent{}, false
}

func (l *LogTailSource) command(username, cmd string, ts time.Time) events.CommandEvent {
	return events.CommandEvent{
		Username:  username,
		SessionID: l.sessionFor(username),
		Command:   cmd,
		Timestamp: ts,
		Source:    events.SourceLog,
	}
}

func (l *LogTailSource) openSession(pid, username string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := uuid.NewString()
	l.byPID[pid] = openSession{username: username, id: id}
	l.sessions[username] = append(l.sessions[username], id)
	l.logger.Debug().Str("user", username).Str("session_id", id).Msg("Session opened.")
}

func (l *LogTailSource) closeSession(pid, username string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := l.sessions[username]
	if len(ids) == 0 {
		return
	}
	target := ids[len(ids)-1]
	if s, ok := l.byPID[pid]; ok && s.username == username {
		target = s.id
		delete(l.byPID, pid)
	}
	for i, id := range ids {
		if id == target {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(l.sessions, username)
	} else {
		l.sessions[username] = ids
	}
	l.logger.Debug().Str("user", username).Str("session_id", target).Msg("Session closed.")
}

// sessionFor returns the user's most recent open session, opening a generated
// one when there is none.
func (l *LogTailSource) sessionFor(username string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := l.sessions[username]
	if len(ids) > 0 {
		return ids[len(ids)-1]
	}
	id := uuid.NewString()
	l.sessions[username] = []string{id}
	return id
}

// lineTime parses the leading timestamp of a syslog line: RFC 3339 as written
// by rsyslog's high precision format, or the classic `Jan _2 15:04:05`.
func (l *LogTailSource) lineTime(line string) time.Time {
	now := l.now()
	if sp := strings.IndexByte(line, ' '); sp > 0 {
		if ts, err := time.Parse(time.RFC3339Nano, line[:sp]); err == nil {
			return ts
		}
	}
	if len(line) >= len(time.Stamp) {
		if ts, err := time.ParseInLocation(time.Stamp, line[:len(time.Stamp)], time.Local); err == nil {
			ts = ts.AddDate(now.Year(), 0, 0)
			// A December line read in January belongs to last year.
			if ts.After(now.Add(24 * time.Hour)) {
				ts = ts.AddDate(-1, 0, 0)
			}
			return ts
		}
	}
	return now
}
