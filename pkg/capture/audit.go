package capture

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/user"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	monerrors "github.com/lucid-vigil/shellguard/pkg/errors"
	"github.com/lucid-vigil/shellguard/pkg/events"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// unsetAUID is the login uid of processes not started from a login session.
const unsetAUID = "4294967295"

// maxPendingRecords bounds how many partially seen audit events are kept.
const maxPendingRecords = 512

var auditHeader = regexp.MustCompile(`^type=(\S+) msg=audit\((\d+)\.(\d+):(\d+)\):\s*(.*)$`)

// AuditSource reads exec events from the kernel audit log.
type AuditSource struct {
	path          string
	livenessEvery time.Duration
	logger        zerolog.Logger
	tailOpts      []TailerOption

	// processRunning reports whether a process with the given name exists.
	processRunning func(name string) (bool, error)
	// lookupUser resolves a numeric uid to a user name.
	lookupUser func(uid string) (string, error)

	mu    sync.Mutex
	users map[string]string
}

// AuditOption customizes an AuditSource.
type AuditOption func(*AuditSource)

// WithProcessCheck replaces the auditd liveness check.
func WithProcessCheck(fn func(name string) (bool, error)) AuditOption {
	return func(a *AuditSource) { a.processRunning = fn }
}

// WithUserLookup replaces the uid to name resolution.
func WithUserLookup(fn func(uid string) (string, error)) AuditOption {
	return func(a *AuditSource) { a.lookupUser = fn }
}

// WithLivenessInterval sets how often the audit daemon is re-checked while running.
func WithLivenessInterval(d time.Duration) AuditOption {
	return func(a *AuditSource) { a.livenessEvery = d }
}

// WithAuditTailerOptions passes options to the underlying tailer.
func WithAuditTailerOptions(opts ...TailerOption) AuditOption {
	return func(a *AuditSource) { a.tailOpts = append(a.tailOpts, opts...) }
}

// NewAuditSource creates an audit-log backend reading path.
func NewAuditSource(path string, logger zerolog.Logger, opts ...AuditOption) *AuditSource {
	a := &AuditSource{
		path:           path,
		livenessEvery:  30 * time.Second,
		logger:         logger.With().Str("component", "capture_audit").Logger(),
		processRunning: processRunning,
		lookupUser:     lookupUsername,
		users:          make(map[string]string),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Mode implements Source.
func (a *AuditSource) Mode() Mode { return ModeAudit }

// Probe implements Source. The audit log must be readable and the audit daemon
// must be running.
func (a *AuditSource) Probe() error {
	f, err := os.Open(a.path)
	if err != nil {
		return monerrors.NewCapabilityError("capture_audit", "audit log "+a.path, err)
	}
	f.Close()

	running, err := a.processRunning("auditd")
	if err != nil {
		return monerrors.NewCapabilityError("capture_audit", "auditd process", err)
	}
	if !running {
		return monerrors.NewCapabilityError("capture_audit", "auditd process", fmt.Errorf("auditd is not running"))
	}
	return nil
}

// Run implements Source. It returns a capability error when the audit daemon
// stops while the source is running.
func (a *AuditSource) Run(ctx context.Context, out chan<- events.CommandEvent) error {
	ctx, cancel := context.WithCancel(ctx)
	lines, done := startTail(ctx, NewTailer(a.path, a.logger, a.tailOpts...))
	defer func() {
		cancel()
		<-done
	}()

	var liveness <-chan time.Time
	if a.livenessEvery > 0 {
		ticker := time.NewTicker(a.livenessEvery)
		defer ticker.Stop()
		liveness = ticker.C
	}

	a.logger.Info().Str("path", a.path).Msg("Audit capture started.")
	c := newAuditCorrelator()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line := <-lines:
			evt, ok := c.feed(line)
			if !ok {
				continue
			}
			cmd, ok := a.toEvent(evt)
			if !ok {
				continue
			}
			select {
			case out <- cmd:
			case <-ctx.Done():
				return nil
			}
		case <-liveness:
			running, err := a.processRunning("auditd")
			if err != nil || !running {
				if err == nil {
					err = fmt.Errorf("auditd is no longer running")
				}
				return monerrors.NewCapabilityError("capture_audit", "auditd process", err)
			}
		}
	}
}

func (a *AuditSource) toEvent(e execRecord) (events.CommandEvent, bool) {
	if e.auid == "" || e.auid == unsetAUID || len(e.argv) == 0 {
		return events.CommandEvent{}, false
	}
	if e.success == "no" {
		return events.CommandEvent{}, false
	}
	return events.CommandEvent{
		Username:  a.username(e.auid),
		SessionID: "audit-" + e.ses,
		Command:   strings.Join(e.argv, " "),
		Timestamp: e.timestamp,
		Source:    events.SourceAudit,
	}, true
}

// username resolves a login uid through the user database, caching results.
// Unknown uids are reported by number.
func (a *AuditSource) username(uid string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if name, ok := a.users[uid]; ok {
		return name
	}
	name, err := a.lookupUser(uid)
	if err != nil || name == "" {
		a.logger.Debug().Err(err).Str("uid", uid).Msg("Failed to resolve audit uid.")
		name = uid
	}
	a.users[uid] = name
	return name
}

// execRecord is one correlated exec event.
type execRecord struct {
	serial    uint64
	timestamp time.Time
	auid      string
	ses       string
	success   string
	argv      []string
	hasSys    bool
	hasExec   bool
}

// auditCorrelator joins SYSCALL and EXECVE records sharing an event serial.
type auditCorrelator struct {
	pending map[uint64]*execRecord
}

func newAuditCorrelator() *auditCorrelator {
	return &auditCorrelator{pending: make(map[uint64]*execRecord)}
}

// feed consumes one audit log line and returns a complete exec record once both
// halves of an event have been seen.
func (c *auditCorrelator) feed(line string) (execRecord, bool) {
	// Enriched logs append interpreted fields after a group separator.
	if i := strings.IndexByte(line, 0x1d); i >= 0 {
		line = line[:i]
	}
	m := auditHeader.FindStringSubmatch(line)
	if m == nil {
		return execRecord{}, false
	}
	recType := m[1]
	if recType != "SYSCALL" && recType != "EXECVE" && recType != "EOE" {
		return execRecord{}, false
	}
	serial, err := strconv.ParseUint(m[4], 10, 64)
	if err != nil {
		return execRecord{}, false
	}

	if recType == "EOE" {
		delete(c.pending, serial)
		return execRecord{}, false
	}

	rec, ok := c.pending[serial]
	if !ok {
		sec, _ := strconv.ParseInt(m[2], 10, 64)
		ms, _ := strconv.ParseInt(m[3], 10, 64)
		rec = &execRecord{serial: serial, timestamp: time.Unix(sec, ms*int64(time.Millisecond))}
		c.pending[serial] = rec
		c.evict()
	}

	fields := parseAuditFields(m[5])
	switch recType {
	case "SYSCALL":
		rec.hasSys = true
		rec.auid = fields["auid"]
		rec.ses = fields["ses"]
		rec.success = fields["success"]
	case "EXECVE":
		rec.hasExec = true
		rec.argv = execveArgs(fields)
	}

	if rec.hasSys && rec.hasExec {
		delete(c.pending, serial)
		return *rec, true
	}
	return execRecord{}, false
}

// evict drops the oldest pending records once the table is full.
func (c *auditCorrelator) evict() {
	if len(c.pending) <= maxPendingRecords {
		return
	}
	serials := make([]uint64, 0, len(c.pending))
	for s := range c.pending {
		serials = append(serials, s)
	}
	sort.Slice(serials, func(i, j int) bool { return serials[i] < serials[j] })
	for _, s := range serials[:len(serials)-maxPendingRecords] {
		delete(c.pending, s)
	}
}

// parseAuditFields splits `key=value key="quoted value"` pairs. Quoted values
// keep their quotes so callers can tell them from hex-encoded ones.
func parseAuditFields(s string) map[string]string {
	fields := make(map[string]string)
	for len(s) > 0 {
		s = strings.TrimLeft(s, " ")
		eq := strings.IndexByte(s, '=')
		if eq <= 0 {
			break
		}
		key := s[:eq]
		s = s[eq+1:]
		var val string
		if strings.HasPrefix(s, `"`) {
			end := strings.IndexByte(s[1:], '"')
			if end < 0 {
				val, s = s, ""
			} else {
				val, s = s[:end+2], s[end+2:]
			}
		} else {
			sp := strings.IndexByte(s, ' ')
			if sp < 0 {
				val, s = s, ""
			} else {
				val, s = s[:sp], s[sp:]
			}
		}
		fields[key] = val
	}
	return fields
}

// execveArgs rebuilds argv from a0..aN, including arguments split into
// aN[0], aN[1]... chunks.
func execveArgs(fields map[string]string) []string {
	argc, err := strconv.Atoi(fields["argc"])
	if err != nil || argc <= 0 {
		// Count the plain aN keys instead.
		for argc = 0; ; argc++ {
			if _, ok := fields["a"+strconv.Itoa(argc)]; !ok {
				break
			}
		}
	}
	argv := make([]string, 0, argc)
	for i := 0; i < argc; i++ {
		key := "a" + strconv.Itoa(i)
		if v, ok := fields[key]; ok {
			argv = append(argv, decodeAuditValue(v))
			continue
		}
		var b strings.Builder
		for j := 0; ; j++ {
			v, ok := fields[fmt.Sprintf("%s[%d]", key, j)]
			if !ok {
				break
			}
			b.WriteString(decodeAuditValue(v))
		}
		argv = append(argv, b.String())
	}
	return argv
}

// decodeAuditValue unquotes a quoted value or decodes a hex-encoded one.
func decodeAuditValue(v string) string {
	if len(v) >= 2 && strings.HasPrefix(v, `"`) && strings.HasSuffix(v, `"`) {
		return v[1 : len(v)-1]
	}
	if v == "(null)" {
		return ""
	}
	if decoded, err := hex.DecodeString(v); err == nil {
		return string(decoded)
	}
	return v
}

func processRunning(name string) (bool, error) {
	procs, err := process.Processes()
	if err != nil {
		return false, err
	}
	for _, p := range procs {
		n, err := p.Name()
		if err != nil {
			continue
		}
		if n == name {
			return true, nil
		}
	}
	return false, nil
}

func lookupUsername(uid string) (string, error) {
	u, err := user.LookupId(uid)
	if err != nil {
		return "", err
	}
	return u.Username, nil
}
