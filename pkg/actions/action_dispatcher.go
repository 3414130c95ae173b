package actions

import (
	"context"
	"fmt"
	"sync"

	"github.com/lucid-vigil/shellguard/pkg/actions/lock_account"
	"github.com/lucid-vigil/shellguard/pkg/actions/terminate_sessions"
	"github.com/rs/zerolog/log"
)

// ActionDispatcher manages and executes revocation actions
type ActionDispatcher struct {
	actions map[string]Action
	enabled bool
	mu      sync.RWMutex
}

// NewActionDispatcher creates a new action dispatcher with the built-in
// actions registered.
func NewActionDispatcher(enabled bool) *ActionDispatcher {
	dispatcher := &ActionDispatcher{
		actions: make(map[string]Action),
		enabled: enabled,
	}

	dispatcher.RegisterAction(terminate_sessions.New())
	dispatcher.RegisterAction(lock_account.New())

	return dispatcher
}

// RegisterAction registers a new action with the dispatcher, replacing any
// action of the same name.
func (ad *ActionDispatcher) RegisterAction(action Action) {
	ad.mu.Lock()
	defer ad.mu.Unlock()

	ad.actions[action.Name()] = action
	log.Debug().Msgf("Action '%s' registered.", action.Name())
}

// Has reports whether an action is registered under name.
func (ad *ActionDispatcher) Has(name string) bool {
	ad.mu.RLock()
	defer ad.mu.RUnlock()
	_, ok := ad.actions[name]
	return ok
}

// Execute runs the specified action with the given data
func (ad *ActionDispatcher) Execute(ctx context.Context, actionName string, data map[string]interface{}) error {
	if !ad.IsEnabled() {
		log.Info().Str("action", actionName).Msg("Actions are disabled, skipping execution.")
		return nil
	}

	ad.mu.RLock()
	action, exists := ad.actions[actionName]
	ad.mu.RUnlock()

	if !exists {
		return fmt.Errorf("action '%s' not found", actionName)
	}

	log.Info().Str("action", actionName).Interface("data", data).Msg("Executing revocation action...")

	if err := action.Execute(ctx, data); err != nil {
		log.Error().Err(err).Str("action", actionName).Msg("Action execution failed.")
		return err
	}

	log.Info().Str("action", actionName).Msg("Action executed successfully.")
	return nil
}

// ExecuteActions runs each named action in order. Failures are logged and do
// not stop the remaining actions.
func (ad *ActionDispatcher) ExecuteActions(ctx context.Context, actionNames []string, data map[string]interface{}) {
	for _, actionName := range actionNames {
		if err := ad.Execute(ctx, actionName, data); err != nil {
			log.Error().Err(err).Str("action", actionName).Msg("Failed to execute action.")
		}
	}
}

// IsEnabled returns whether actions are enabled
func (ad *ActionDispatcher) IsEnabled() bool {
	ad.mu.RLock()
	defer ad.mu.RUnlock()
	return ad.enabled
}
