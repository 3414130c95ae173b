// Package risk folds per-command scores into a session's cumulative risk and
// classifies it into tiers.
package risk

import (
	"fmt"
	"math"

	"github.com/lucid-vigil/shellguard/pkg/config"
	"github.com/lucid-vigil/shellguard/pkg/session"
)

// Tier is a cumulative risk band.
type Tier int

const (
	TierNone Tier = iota
	TierWarning
	TierHigh
	TierCritical
	TierAutoBlacklist
)

var tierNames = [...]string{"none", "warning", "high", "critical", "auto_blacklist"}

func (t Tier) String() string {
	if t < 0 || int(t) >= len(tierNames) {
		return "unknown"
	}
	return tierNames[t]
}

// MarshalText renders the tier by name in JSON output.
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText parses a tier name.
func (t *Tier) UnmarshalText(b []byte) error {
	for i, name := range tierNames {
		if name == string(b) {
			*t = Tier(i)
			return nil
		}
	}
	return fmt.Errorf("unknown risk tier %q", b)
}

// Outcome is the result of folding one raw score into a session.
type Outcome struct {
	Previous   float64
	Cumulative float64
	Tier       Tier
	// Crossed is true when Tier is higher than the tier of Previous.
	Crossed bool
}

// Aggregator applies exponential decay to cumulative risk.
type Aggregator struct {
	decay      float64
	thresholds config.ThresholdsConfig
}

// NewAggregator creates an aggregator. decay is the weight kept by the
// previous cumulative value.
func NewAggregator(decay float64, thresholds config.ThresholdsConfig) *Aggregator {
	return &Aggregator{decay: decay, thresholds: thresholds}
}

// Update folds raw into s.Cumulative. The first command of a session sets the
// cumulative score to its raw score. The caller must hold the session's lock.
func (a *Aggregator) Update(s *session.Session, raw float64) Outcome {
	prev := s.Cumulative
	var cum float64
	if s.First() {
		cum = raw
	} else {
		cum = prev*a.decay + raw*(1-a.decay)
	}
	cum = clamp(cum)
	s.Cumulative = cum

	prevTier := TierNone
	if !s.First() {
		prevTier = a.TierOf(prev)
	}
	tier := a.TierOf(cum)
	return Outcome{Previous: prev, Cumulative: cum, Tier: tier, Crossed: tier > prevTier}
}

// TierOf classifies a cumulative score.
func (a *Aggregator) TierOf(score float64) Tier {
	switch {
	case score >= a.thresholds.AutoBlacklist:
		return TierAutoBlacklist
	case score >= a.thresholds.Critical:
		return TierCritical
	case score >= a.thresholds.High:
		return TierHigh
	case score >= a.thresholds.Warning:
		return TierWarning
	}
	return TierNone
}

func clamp(f float64) float64 {
	if math.IsNaN(f) || f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
