package terminate_sessions

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/process"
)

// Target is a process attached to one of the user's terminals.
type Target struct {
	PID      int32
	Username string
	Terminal string
}

// TerminateSessionsAction implements the actions.Action interface. It ends
// every interactive process owned by a user: SIGTERM first, then SIGKILL for
// whatever is still alive after the grace period.
type TerminateSessionsAction struct {
	Grace time.Duration

	list   func(ctx context.Context, username string) ([]Target, error)
	signal func(pid int32, sig syscall.Signal) error
	alive  func(pid int32) bool
}

// New returns the action backed by the process table.
func New() *TerminateSessionsAction {
	return &TerminateSessionsAction{
		Grace:  2 * time.Second,
		list:   interactiveProcesses,
		signal: signalPID,
		alive:  pidAlive,
	}
}

// Name returns the unique name of the action.
func (a *TerminateSessionsAction) Name() string {
	return "terminate_sessions"
}

// Execute expects a "username" key in data.
func (a *TerminateSessionsAction) Execute(ctx context.Context, data map[string]interface{}) error {
	username, ok := data["username"].(string)
	if !ok || username == "" {
		return fmt.Errorf("missing or invalid 'username' in action data for terminate_sessions action")
	}

	targets, err := a.list(ctx, username)
	if err != nil {
		return fmt.Errorf("failed to list processes for %s: %w", username, err)
	}
	if len(targets) == 0 {
		log.Info().Str("user", username).Msg("No interactive processes to terminate.")
		return nil
	}

	var firstErr error
	signalled := make([]int32, 0, len(targets))
	for _, t := range targets {
		if err := a.signal(t.PID, syscall.SIGTERM); err != nil {
			log.Warn().Err(err).Int32("pid", t.PID).Msg("Failed to send SIGTERM.")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		signalled = append(signalled, t.PID)
	}

	if len(signalled) > 0 && a.Grace > 0 {
		select {
		case <-time.After(a.Grace):
		case <-ctx.Done():
		}
	}

	for _, pid := range signalled {
		if !a.alive(pid) {
			continue
		}
		if err := a.signal(pid, syscall.SIGKILL); err != nil {
			log.Warn().Err(err).Int32("pid", pid).Msg("Failed to send SIGKILL.")
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	log.Info().Str("user", username).Int("processes", len(targets)).Msg("Terminated interactive sessions.")
	if firstErr != nil {
		return fmt.Errorf("some processes of %s could not be signalled: %w", username, firstErr)
	}
	return nil
}

func interactiveProcesses(ctx context.Context, username string) ([]Target, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	self := int32(os.Getpid())
	var out []Target
	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		owner, err := p.UsernameWithContext(ctx)
		if err != nil || owner != username {
			continue
		}
		tty, err := p.TerminalWithContext(ctx)
		if err != nil || tty == "" {
			continue
		}
		out = append(out, Target{PID: p.Pid, Username: owner, Terminal: tty})
	}
	return out, nil
}

func signalPID(pid int32, sig syscall.Signal) error {
	proc, err := os.FindProcess(int(pid))
	if err != nil {
		return err
	}
	return proc.Signal(sig)
}

func pidAlive(pid int32) bool {
	ok, err := process.PidExists(pid)
	return err == nil && ok
}
