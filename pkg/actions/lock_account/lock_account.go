package lock_account

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"

	"github.com/rs/zerolog/log"
)

var validUsername = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.-]*\$?$`)

// LockAccountAction implements the actions.Action interface. It locks the
// user's password with usermod so new logins are refused.
type LockAccountAction struct {
	run func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// New returns the action running the system usermod.
func New() *LockAccountAction {
	return &LockAccountAction{run: combinedOutput}
}

// Name returns the unique name of the action.
func (a *LockAccountAction) Name() string {
	return "lock_account"
}

// Execute expects a "username" key in data.
func (a *LockAccountAction) Execute(ctx context.Context, data map[string]interface{}) error {
	username, ok := data["username"].(string)
	if !ok || username == "" {
		return fmt.Errorf("missing or invalid 'username' in action data for lock_account action")
	}
	if !validUsername.MatchString(username) || len(username) > 32 {
		return fmt.Errorf("invalid username format: %q", username)
	}

	log.Info().Str("user", username).Msg("Attempting to lock account using usermod...")

	out, err := a.run(ctx, "usermod", "--lock", username)
	if err != nil {
		return fmt.Errorf("failed to lock account %s: %w\nOutput: %s", username, err, string(out))
	}

	log.Info().Str("user", username).Msg("Successfully locked account.")
	return nil
}

func combinedOutput(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}
