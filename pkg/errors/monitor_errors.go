// pkg/errors/monitor_errors.go
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Error kinds. Every MonitorError unwraps to exactly one of these so callers
// can branch with errors.Is.
var (
	ErrCapabilityUnavailable = stderrors.New("capability unavailable")
	ErrTransientIO           = stderrors.New("transient i/o failure")
	ErrModelUnavailable      = stderrors.New("model unavailable")
	ErrMalformedConfig       = stderrors.New("malformed configuration")
	ErrPersistenceCorruption = stderrors.New("persistence corruption")
	ErrNotificationDelivery  = stderrors.New("notification delivery failed")
)

// MonitorError represents a structured error from one of the engine components.
type MonitorError struct {
	Component   string                 `json:"component"`
	Kind        error                  `json:"-"`
	Message     string                 `json:"message"`
	Details     map[string]interface{} `json:"details,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
	Severity    Severity               `json:"severity"`
	Recoverable bool                   `json:"recoverable"`
	Cause       error                  `json:"-"`
}

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Error implements the error interface
func (me *MonitorError) Error() string {
	if me.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s: %v", me.Component, me.Kind, me.Message, me.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", me.Component, me.Kind, me.Message)
}

// Unwrap exposes both the kind and the underlying cause.
func (me *MonitorError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if me.Kind != nil {
		errs = append(errs, me.Kind)
	}
	if me.Cause != nil {
		errs = append(errs, me.Cause)
	}
	return errs
}

// ErrorHandler logs monitor errors at a level derived from their severity.
type ErrorHandler struct {
	logger zerolog.Logger
}

// NewErrorHandler creates a new error handler
func NewErrorHandler(logger zerolog.Logger) *ErrorHandler {
	return &ErrorHandler{logger: logger}
}

// HandleError reports err. Errors that are not MonitorErrors are logged at
// error level.
func (eh *ErrorHandler) HandleError(ctx context.Context, err error) {
	if err == nil {
		return
	}

	var me *MonitorError
	if !stderrors.As(err, &me) {
		eh.logger.Error().Err(err).Msg("Unclassified error occurred")
		return
	}

	logEvent := eh.getLogEvent(me.Severity).
		Str("component", me.Component).
		Str("kind", fmt.Sprint(me.Kind)).
		Bool("recoverable", me.Recoverable)

	if me.Details != nil {
		logEvent = logEvent.Interface("details", me.Details)
	}

	if me.Cause != nil {
		logEvent = logEvent.AnErr("cause", me.Cause)
	}

	logEvent.Msg(me.Message)
}

// getLogEvent returns the appropriate zerolog event for severity. Critical
// errors are logged at error level; the caller decides whether to exit.
func (eh *ErrorHandler) getLogEvent(severity Severity) *zerolog.Event {
	switch severity {
	case SeverityCritical, SeverityHigh:
		return eh.logger.Error()
	case SeverityMedium:
		return eh.logger.Warn()
	case SeverityLow:
		return eh.logger.Info()
	case SeverityInfo:
		return eh.logger.Debug()
	default:
		return eh.logger.Info()
	}
}

// Helper functions for creating common error types

func NewCapabilityError(component, capability string, cause error) *MonitorError {
	return &MonitorError{
		Component: component,
		Kind:      ErrCapabilityUnavailable,
		Message:   fmt.Sprintf("Capability unavailable: %s", capability),
		Details: map[string]interface{}{
			"capability": capability,
		},
		Timestamp:   time.Now(),
		Severity:    SeverityMedium,
		Recoverable: true,
		Cause:       cause,
	}
}

func NewTransientIOError(component, operation string, cause error) *MonitorError {
	return &MonitorError{
		Component: component,
		Kind:      ErrTransientIO,
		Message:   fmt.Sprintf("I/O failed during %s", operation),
		Details: map[string]interface{}{
			"operation": operation,
		},
		Timestamp:   time.Now(),
		Severity:    SeverityMedium,
		Recoverable: true,
		Cause:       cause,
	}
}

func NewModelError(component, modelDir string, cause error) *MonitorError {
	return &MonitorError{
		Component: component,
		Kind:      ErrModelUnavailable,
		Message:   "No trained model could be loaded",
		Details: map[string]interface{}{
			"model_dir": modelDir,
		},
		Timestamp:   time.Now(),
		Severity:    SeverityLow,
		Recoverable: true,
		Cause:       cause,
	}
}

func NewConfigError(key string, value interface{}, reason string) *MonitorError {
	return &MonitorError{
		Component: "config",
		Kind:      ErrMalformedConfig,
		Message:   fmt.Sprintf("Invalid value for %s, using default: %s", key, reason),
		Details: map[string]interface{}{
			"key":   key,
			"value": value,
		},
		Timestamp:   time.Now(),
		Severity:    SeverityMedium,
		Recoverable: true,
	}
}

func NewCorruptionError(component, path string, cause error) *MonitorError {
	return &MonitorError{
		Component: component,
		Kind:      ErrPersistenceCorruption,
		Message:   "Durable state unreadable, starting from an empty set",
		Details: map[string]interface{}{
			"path": path,
		},
		Timestamp:   time.Now(),
		Severity:    SeverityMedium,
		Recoverable: true,
		Cause:       cause,
	}
}

func NewDeliveryError(sink string, cause error) *MonitorError {
	return &MonitorError{
		Component: "alerts",
		Kind:      ErrNotificationDelivery,
		Message:   fmt.Sprintf("Alert delivery via %s failed", sink),
		Details: map[string]interface{}{
			"sink": sink,
		},
		Timestamp:   time.Now(),
		Severity:    SeverityMedium,
		Recoverable: true,
		Cause:       cause,
	}
}

// Is reports whether err carries the given kind. It is a thin alias over the
// standard library so callers need only one errors import.
func Is(err, kind error) bool {
	return stderrors.Is(err, kind)
}
