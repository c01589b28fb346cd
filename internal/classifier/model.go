// Package classifier trains and serves the learned risk-level classifier.
//
// The model is a Gaussian naive Bayes over FeatureOrder with one class per
// risk level. A trained Model is immutable; the active model is replaced by
// a single atomic pointer swap.
package classifier

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/lox/raindrop/internal/apperr"
	"github.com/lox/raindrop/internal/models"
)

type Model struct {
	TrainedAt          time.Time          `json:"trained_at"`
	FeatureOrder       []string           `json:"feature_order"`
	Classes            []models.RiskLevel `json:"classes"`
	Priors             []float64          `json:"priors"`
	Means              [][]float64        `json:"means"`
	Variances          [][]float64        `json:"variances"`
	Accuracy           float64            `json:"accuracy"`
	FeatureImportances map[string]float64 `json:"feature_importances"`
	Samples            int                `json:"samples"`
	ClassCounts        map[string]int     `json:"class_counts"`

	// Confusion[i][j] counts holdout samples of Classes[i] predicted as
	// Classes[j].
	Confusion [][]int                 `json:"confusion"`
	Report    map[string]ClassMetrics `json:"report"`
}

// ClassMetrics is one class's holdout precision, recall and F1. Support is
// the number of holdout samples of the class.
type ClassMetrics struct {
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
	Support   int     `json:"support"`
}

// Predict returns the most probable level and its posterior probability.
func (m *Model) Predict(features []float64) (models.RiskLevel, float64, error) {
	if len(features) != len(m.FeatureOrder) {
		return "", 0, fmt.Errorf("predict: got %d features, want %d", len(features), len(m.FeatureOrder))
	}
	post := m.posterior(features)
	best := floats.MaxIdx(post)
	return m.Classes[best], post[best], nil
}

func (m *Model) predictClass(features []float64) int {
	return floats.MaxIdx(m.logJoint(features))
}

func (m *Model) logJoint(x []float64) []float64 {
	out := make([]float64, len(m.Classes))
	for c := range m.Classes {
		if m.Priors[c] == 0 {
			out[c] = math.Inf(-1)
			continue
		}
		ll := math.Log(m.Priors[c])
		for j, v := range x {
			variance := m.Variances[c][j]
			d := v - m.Means[c][j]
			ll -= 0.5*math.Log(2*math.Pi*variance) + d*d/(2*variance)
		}
		out[c] = ll
	}
	return out
}

func (m *Model) posterior(x []float64) []float64 {
	lj := m.logJoint(x)
	norm := floats.LogSumExp(lj)
	post := make([]float64, len(lj))
	for i, v := range lj {
		post[i] = math.Exp(v - norm)
	}
	return post
}

// Encode serializes the model for persistence.
func Encode(m *Model) ([]byte, error) {
	return json.Marshal(m)
}

// Decode restores a persisted model, rejecting one built for a different
// feature layout.
func Decode(data []byte) (*Model, error) {
	var m Model
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode model: %w", err)
	}
	if !slices.Equal(m.FeatureOrder, FeatureOrder) {
		return nil, fmt.Errorf("decode model: feature order %v does not match %v", m.FeatureOrder, FeatureOrder)
	}
	k := len(m.Classes)
	if k == 0 || len(m.Priors) != k || len(m.Means) != k || len(m.Variances) != k {
		return nil, fmt.Errorf("decode model: inconsistent class dimensions")
	}
	for c := 0; c < k; c++ {
		if len(m.Means[c]) != len(FeatureOrder) || len(m.Variances[c]) != len(FeatureOrder) {
			return nil, fmt.Errorf("decode model: inconsistent feature dimensions for class %s", m.Classes[c])
		}
	}
	return &m, nil
}

// Classifier holds the active model. It is safe for concurrent use.
type Classifier struct {
	active atomic.Pointer[Model]
}

func New() *Classifier {
	return &Classifier{}
}

// Swap installs m and returns the previously active model.
func (c *Classifier) Swap(m *Model) *Model {
	return c.active.Swap(m)
}

// Active returns the current model, or nil before the first successful
// training or restore.
func (c *Classifier) Active() *Model {
	return c.active.Load()
}

// Predict classifies cur using the observation one hour before it.
func (c *Classifier) Predict(prev, cur models.Observation) (models.RiskLevel, float64, error) {
	m := c.active.Load()
	if m == nil {
		return "", 0, apperr.ErrNoModel
	}
	f, ok := Features(prev, cur)
	if !ok {
		return "", 0, fmt.Errorf("predict %s: %w: need complete readings one hour apart", cur.Key(), apperr.ErrInsufficientData)
	}
	return m.Predict(f)
}
