// Package classifier scores a command's feature vector for maliciousness,
// either with a trained linear model or with the built-in category rules.
package classifier

import (
	"math"
	"sort"

	"github.com/lucid-vigil/shellguard/pkg/features"
)

// RuleBasedModel is the model id reported by the rule scorer.
const RuleBasedModel = "rule_based"

// Result is the score of one command.
type Result struct {
	Raw      float64  `json:"raw_score"`
	Model    string   `json:"model"`
	Category string   `json:"category,omitempty"`
	Matched  []string `json:"matched_categories,omitempty"`
}

// Scorer maps a feature vector to a raw score in [0,1].
type Scorer interface {
	Name() string
	Score(v features.Vector) Result
}

// RuleScorer scores a command by the heaviest category it matches, amplified
// by the number of high-risk commands already seen in the session.
type RuleScorer struct {
	weights        map[string]float64
	baseline       float64
	escalationStep float64
}

// NewRuleScorer creates a rule scorer.
func NewRuleScorer(weights map[string]float64, baseline, escalationStep float64) *RuleScorer {
	return &RuleScorer{weights: weights, baseline: baseline, escalationStep: escalationStep}
}

// Name implements Scorer.
func (r *RuleScorer) Name() string { return RuleBasedModel }

// Score implements Scorer.
func (r *RuleScorer) Score(v features.Vector) Result {
	res := Result{Model: RuleBasedModel, Raw: r.baseline}
	if v.Empty || len(v.Matched) == 0 {
		return res
	}
	best := -1.0
	for name := range v.Matched {
		if w := r.weights[name]; w > best {
			best = w
		}
	}
	res.Raw = clamp(best + r.escalationStep*float64(v.PriorHighRisk))
	return res
}

// topCategory returns the matched category with the largest weight, breaking
// ties by name.
func topCategory(v features.Vector, weights map[string]float64) string {
	names := v.MatchedCategories()
	sort.SliceStable(names, func(i, j int) bool { return weights[names[i]] > weights[names[j]] })
	if len(names) == 0 {
		return ""
	}
	return names[0]
}

func clamp(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
