package capture

import (
	"context"
	"fmt"

	"github.com/lucid-vigil/shellguard/pkg/events"
)

// Mode selects a capture backend.
type Mode string

const (
	ModeAudit   Mode = "audit"
	ModeLogTail Mode = "log_tail"
	ModeAuto    Mode = "auto"
)

// ParseMode converts a configured mode name. The empty string means auto.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeAudit, ModeLogTail, ModeAuto:
		return Mode(s), nil
	case "":
		return ModeAuto, nil
	default:
		return "", fmt.Errorf("unknown capture mode %q (expected audit, log_tail or auto)", s)
	}
}

// Source is a capture backend producing command events.
type Source interface {
	// Mode reports which backend this is.
	Mode() Mode
	// Probe checks whether the backend can run on this host. It returns an
	// error wrapping ErrCapabilityUnavailable when it cannot.
	Probe() error
	// Run emits events until ctx is cancelled. A returned error wrapping
	// ErrCapabilityUnavailable means the backend lost its data source.
	Run(ctx context.Context, out chan<- events.CommandEvent) error
}
