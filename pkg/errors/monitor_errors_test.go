package errors

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestKindsAreDistinguishable(t *testing.T) {
	cause := io.ErrUnexpectedEOF
	tests := []struct {
		name string
		err  error
		kind error
	}{
		{"capability", NewCapabilityError("capture", "auditd", cause), ErrCapabilityUnavailable},
		{"transient", NewTransientIOError("blacklist", "write", cause), ErrTransientIO},
		{"model", NewModelError("classifier", "/models", cause), ErrModelUnavailable},
		{"config", NewConfigError("thresholds.high", 2.0, "out of range"), ErrMalformedConfig},
		{"corruption", NewCorruptionError("blacklist", "/x.json", cause), ErrPersistenceCorruption},
		{"delivery", NewDeliveryError("webhook", cause), ErrNotificationDelivery},
	}
	all := []error{ErrCapabilityUnavailable, ErrTransientIO, ErrModelUnavailable, ErrMalformedConfig, ErrPersistenceCorruption, ErrNotificationDelivery}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, k := range all {
				assert.Equal(t, k == tt.kind, Is(tt.err, k), "kind %v", k)
			}
			wrapped := fmt.Errorf("outer: %w", tt.err)
			assert.True(t, Is(wrapped, tt.kind))
		})
	}
}

func TestUnwrapExposesCause(t *testing.T) {
	err := NewTransientIOError("blacklist", "rename", io.ErrClosedPipe)
	assert.True(t, stderrors.Is(err, io.ErrClosedPipe))
	assert.Contains(t, err.Error(), "[blacklist]")
	assert.Contains(t, err.Error(), "rename")

	var me *MonitorError
	assert.True(t, stderrors.As(fmt.Errorf("x: %w", err), &me))
	assert.True(t, me.Recoverable)
}

func TestHandleError(t *testing.T) {
	var buf bytes.Buffer
	h := NewErrorHandler(zerolog.New(&buf))

	h.HandleError(context.Background(), nil)
	assert.Empty(t, buf.String())

	h.HandleError(context.Background(), NewDeliveryError("webhook", io.EOF))
	out := buf.String()
	assert.Contains(t, out, `"level":"warn"`)
	assert.Contains(t, out, `"component":"alerts"`)
	assert.Contains(t, out, `"sink":"webhook"`)

	buf.Reset()
	h.HandleError(context.Background(), stderrors.New("plain"))
	assert.Contains(t, buf.String(), `"level":"error"`)
	assert.Contains(t, buf.String(), "Unclassified error occurred")
}
