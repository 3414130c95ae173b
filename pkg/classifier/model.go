package classifier

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	monerrors "github.com/lucid-vigil/shellguard/pkg/errors"
	"github.com/lucid-vigil/shellguard/pkg/features"
	"gopkg.in/yaml.v3"
)

// Supported model families.
const (
	FamilyLogisticRegression = "logistic_regression"
	FamilyLinearSVM          = "linear_svm"
)

// ModelDocument is the on-disk form of a trained linear model. Weights are
// keyed by feature name as returned by features.Vector.Names.
type ModelDocument struct {
	Name    string             `yaml:"name" json:"name"`
	Family  string             `yaml:"family" json:"family"`
	Bias    float64            `yaml:"bias" json:"bias"`
	Weights map[string]float64 `yaml:"weights" json:"weights"`
	Platt   *PlattParams       `yaml:"platt,omitempty" json:"platt,omitempty"`
}

// PlattParams calibrate an SVM margin into a probability: sigmoid(A*margin + B).
type PlattParams struct {
	A float64 `yaml:"a" json:"a"`
	B float64 `yaml:"b" json:"b"`
}

// Validate checks the document is usable.
func (d *ModelDocument) Validate() error {
	if d.Name == "" {
		return errors.New("model name is required")
	}
	if len(d.Weights) == 0 {
		return errors.New("model has no weights")
	}
	for k, w := range d.Weights {
		if math.IsNaN(w) || math.IsInf(w, 0) {
			return fmt.Errorf("weight %q is not finite", k)
		}
	}
	switch d.Family {
	case FamilyLogisticRegression:
	case FamilyLinearSVM:
		if d.Platt == nil || d.Platt.A == 0 {
			return errors.New("linear_svm requires platt calibration with non-zero a")
		}
	default:
		return fmt.Errorf("unsupported model family %q", d.Family)
	}
	return nil
}

// ModelScorer evaluates a trained linear model.
type ModelScorer struct {
	doc ModelDocument
	id  string
}

// NewModelScorer wraps a validated document.
func NewModelScorer(doc ModelDocument) (*ModelScorer, error) {
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &ModelScorer{doc: doc, id: doc.Family + ":" + doc.Name}, nil
}

// Name implements Scorer. It returns `<family>:<name>`.
func (m *ModelScorer) Name() string { return m.id }

// Score implements Scorer. Features without a weight contribute nothing.
func (m *ModelScorer) Score(v features.Vector) Result {
	margin := m.doc.Bias
	names := v.Names()
	vals := v.Values()
	for i, name := range names {
		margin += m.doc.Weights[name] * vals[i]
	}

	var p float64
	switch m.doc.Family {
	case FamilyLinearSVM:
		p = sigmoid(m.doc.Platt.A*margin + m.doc.Platt.B)
	default:
		p = sigmoid(margin)
	}
	return Result{Raw: p, Model: m.id}
}

var modelExtensions = map[string]bool{".yaml": true, ".yml": true, ".json": true}

// LoadModel returns a scorer for the first valid model document in dir, in
// file name order. It fails with ErrModelUnavailable when there is none.
func LoadModel(dir string) (*ModelScorer, []error, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, monerrors.NewModelError("classifier", dir, err)
	}

	var skipped []error
	for _, e := range entries {
		if e.IsDir() || !modelExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		path := filepath.Join(dir, e.Name())
		scorer, err := loadModelFile(path)
		if err != nil {
			skipped = append(skipped, fmt.Errorf("%s: %w", path, err))
			continue
		}
		return scorer, skipped, nil
	}
	return nil, skipped, monerrors.NewModelError("classifier", dir, errors.New("no valid model document found"))
}

func loadModelFile(path string) (*ModelScorer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc ModelDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse model: %w", err)
	}
	return NewModelScorer(doc)
}
