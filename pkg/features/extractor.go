// Package features turns a command and its session history into the fixed
// shaped feature vector consumed by the classifiers.
package features

import (
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/lucid-vigil/shellguard/pkg/config"
)

// Scalar feature names, in vector order after the category indicators.
const (
	FeatureLength        = "length"
	FeatureTokens        = "tokens"
	FeaturePipe          = "pipe"
	FeatureWindowCount   = "window_count"
	FeatureSessionSecs   = "session_seconds"
	FeaturePriorHighRisk = "prior_high_risk"
)

// CategoryPrefix prefixes category indicator names in Names.
const CategoryPrefix = "category:"

// History is the session context a command is evaluated in.
type History struct {
	StartedAt time.Time
	// Scores holds the raw scores of the commands currently in the window,
	// oldest first.
	Scores []float64
}

// Vector is the feature representation of one command.
type Vector struct {
	Normalized string
	Empty      bool
	// Categories lists every configured category, sorted.
	Categories []string
	// Matched maps a matched category to the patterns that hit.
	Matched map[string][]string

	Length        int
	Tokens        int
	HasPipe       bool
	WindowCount   int
	SessionAge    time.Duration
	PriorHighRisk int
}

// MatchedCategories returns the matched category names, sorted.
func (v Vector) MatchedCategories() []string {
	names := make([]string, 0, len(v.Matched))
	for name := range v.Matched {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MatchedPatterns returns every matched pattern across categories.
func (v Vector) MatchedPatterns() []string {
	var out []string
	for _, name := range v.MatchedCategories() {
		out = append(out, v.Matched[name]...)
	}
	return out
}

// Names returns the feature names in the order used by Values.
func (v Vector) Names() []string {
	names := make([]string, 0, len(v.Categories)+6)
	for _, c := range v.Categories {
		names = append(names, CategoryPrefix+c)
	}
	return append(names, FeatureLength, FeatureTokens, FeaturePipe, FeatureWindowCount, FeatureSessionSecs, FeaturePriorHighRisk)
}

// Values returns the numeric feature values in the order of Names.
func (v Vector) Values() []float64 {
	vals := make([]float64, 0, len(v.Categories)+6)
	for _, c := range v.Categories {
		vals = append(vals, boolFloat(len(v.Matched[c]) > 0))
	}
	return append(vals,
		float64(v.Length),
		float64(v.Tokens),
		boolFloat(v.HasPipe),
		float64(v.WindowCount),
		v.SessionAge.Seconds(),
		float64(v.PriorHighRisk),
	)
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

type category struct {
	name     string
	patterns []string
}

// Extractor computes feature vectors. It is safe for concurrent use.
type Extractor struct {
	categories    []category
	names         []string
	highThreshold float64
}

// NewExtractor builds an extractor over the configured categories. A history
// score at or above highThreshold counts as a prior high-risk command.
func NewExtractor(categories map[string]config.CategoryConfig, highThreshold float64) *Extractor {
	e := &Extractor{highThreshold: highThreshold}
	for name, c := range categories {
		cat := category{name: name}
		for _, p := range c.Patterns {
			p = strings.Join(strings.Fields(strings.ToLower(p)), " ")
			if p != "" {
				cat.patterns = append(cat.patterns, p)
			}
		}
		e.categories = append(e.categories, cat)
	}
	sort.Slice(e.categories, func(i, j int) bool { return e.categories[i].name < e.categories[j].name })
	for _, c := range e.categories {
		e.names = append(e.names, c.name)
	}
	return e
}

// Extract computes the features of command given its session history. It has
// no side effects.
func (e *Extractor) Extract(history History, command string, at time.Time) Vector {
	v := Vector{
		Categories:  e.names,
		Matched:     map[string][]string{},
		WindowCount: len(history.Scores),
	}
	if !history.StartedAt.IsZero() && at.After(history.StartedAt) {
		v.SessionAge = at.Sub(history.StartedAt)
	}
	for _, s := range history.Scores {
		if s >= e.highThreshold {
			v.PriorHighRisk++
		}
	}

	if !utf8.ValidString(command) {
		command = strings.ToValidUTF8(command, "\uFFFD")
	}
	v.Normalized = Normalize(command)
	if v.Normalized == "" {
		v.Empty = true
		return v
	}

	v.Length = len(v.Normalized)
	v.Tokens = len(strings.Fields(v.Normalized))
	v.HasPipe = strings.Contains(v.Normalized, "|")

	for _, c := range e.categories {
		for _, p := range c.patterns {
			if matchPattern(v.Normalized, p) {
				v.Matched[c.name] = append(v.Matched[c.name], p)
			}
		}
	}
	return v
}
