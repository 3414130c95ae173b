package classifier

import (
	"math"

	"github.com/lucid-vigil/shellguard/pkg/config"
	"github.com/lucid-vigil/shellguard/pkg/features"
	"github.com/rs/zerolog"
)

// Dispatcher holds the scorer chosen at start-up and normalizes its output.
type Dispatcher struct {
	scorer   Scorer
	weights  map[string]float64
	baseline float64
}

// NewDispatcher loads a trained model from cfg.ModelDir when one is available
// and otherwise falls back to the rule scorer. The choice is made once.
func NewDispatcher(cfg *config.Config, logger zerolog.Logger) *Dispatcher {
	logger = logger.With().Str("component", "classifier").Logger()

	weights := make(map[string]float64, len(cfg.Categories))
	for name, c := range cfg.Categories {
		weights[name] = c.Weight
	}
	d := &Dispatcher{weights: weights, baseline: cfg.Risk.BaselineScore}

	model, skipped, err := LoadModel(cfg.ModelDir)
	for _, s := range skipped {
		logger.Warn().Err(s).Msg("Skipping invalid model document.")
	}
	if err != nil {
		logger.Info().Err(err).Str("model_dir", cfg.ModelDir).Msg("No trained model available, using rule-based scoring.")
		d.scorer = NewRuleScorer(weights, cfg.Risk.BaselineScore, cfg.Risk.EscalationStep)
		return d
	}
	logger.Info().Str("model", model.Name()).Msg("Using trained model for scoring.")
	d.scorer = model
	return d
}

// NewDispatcherWithScorer uses scorer directly.
func NewDispatcherWithScorer(scorer Scorer, cfg *config.Config) *Dispatcher {
	weights := make(map[string]float64, len(cfg.Categories))
	for name, c := range cfg.Categories {
		weights[name] = c.Weight
	}
	return &Dispatcher{scorer: scorer, weights: weights, baseline: cfg.Risk.BaselineScore}
}

// ModelName returns the id of the active scorer.
func (d *Dispatcher) ModelName() string { return d.scorer.Name() }

// Score scores v and guarantees Raw is in [0,1]. A NaN from the scorer falls
// back to the baseline.
func (d *Dispatcher) Score(v features.Vector) Result {
	res := d.scorer.Score(v)
	if math.IsNaN(res.Raw) {
		res.Raw = d.baseline
	}
	res.Raw = clamp(res.Raw)
	if res.Model == "" {
		res.Model = d.scorer.Name()
	}
	res.Matched = v.MatchedCategories()
	res.Category = topCategory(v, d.weights)
	return res
}
