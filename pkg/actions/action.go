package actions

import (
	"context"
)

// Action defines the interface for any revocation step taken when a user is
// blacklisted. Each action must have a name and an execution method.
type Action interface {
	// Name returns the unique name of the action.
	Name() string
	// Execute performs the action. It is passed a context for cancellation and a
	// map of data describing the target (e.g. "username", "session_id").
	Execute(ctx context.Context, data map[string]interface{}) error
}
