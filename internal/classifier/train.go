package classifier

import (
	"fmt"
	"math/rand/v2"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/lox/raindrop/internal/apperr"
	"github.com/lox/raindrop/internal/models"
)

const (
	DefaultMinSamples   = 50
	DefaultHoldout      = 0.2
	DefaultSeed         = 42
	DefaultVarSmoothing = 1e-9
)

type Options struct {
	MinSamples   int
	Holdout      float64
	Seed         uint64
	VarSmoothing float64
	Now          time.Time
}

func (o Options) withDefaults() Options {
	if o.MinSamples <= 0 {
		o.MinSamples = DefaultMinSamples
	}
	if o.Holdout <= 0 || o.Holdout >= 1 {
		o.Holdout = DefaultHoldout
	}
	if o.Seed == 0 {
		o.Seed = DefaultSeed
	}
	if o.VarSmoothing <= 0 {
		o.VarSmoothing = DefaultVarSmoothing
	}
	if o.Now.IsZero() {
		o.Now = time.Now().UTC()
	}
	return o
}

// Train fits a model on a deterministic shuffle of samples and reports its
// accuracy on the held-out share.
func Train(samples []Sample, opts Options) (*Model, error) {
	opts = opts.withDefaults()
	if len(samples) < opts.MinSamples {
		return nil, fmt.Errorf("%w: %d samples, need %d", apperr.ErrInsufficientData, len(samples), opts.MinSamples)
	}

	idx := make([]int, len(samples))
	for i := range idx {
		idx[i] = i
	}
	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed))
	rng.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })

	nTest := int(float64(len(samples)) * opts.Holdout)
	if nTest < 1 {
		nTest = 1
	}
	train := pick(samples, idx[:len(idx)-nTest])
	test := pick(samples, idx[len(idx)-nTest:])

	m := fit(train, opts.VarSmoothing)
	m.TrainedAt = opts.Now
	m.Samples = len(samples)
	m.Accuracy = accuracy(m, test)
	m.Confusion = confusion(m, test)
	m.Report = report(m.Classes, m.Confusion)
	m.FeatureImportances = permutationImportance(m, test, m.Accuracy, rng)
	return m, nil
}

func pick(samples []Sample, idx []int) []Sample {
	out := make([]Sample, len(idx))
	for i, j := range idx {
		out[i] = samples[j]
	}
	return out
}

func fit(train []Sample, varSmoothing float64) *Model {
	nFeat := len(FeatureOrder)
	k := len(models.Levels)

	byClass := make([][][]float64, k) // class -> feature -> values
	for c := range byClass {
		byClass[c] = make([][]float64, nFeat)
	}
	all := make([][]float64, nFeat)
	counts := make(map[string]int)

	for _, s := range train {
		c := s.Label.Rank()
		if c < 0 {
			continue
		}
		counts[string(s.Label)]++
		for j, v := range s.Features {
			byClass[c][j] = append(byClass[c][j], v)
			all[j] = append(all[j], v)
		}
	}

	var maxVar float64
	for _, col := range all {
		if v := variance(col); v > maxVar {
			maxVar = v
		}
	}
	epsilon := varSmoothing * maxVar
	if epsilon == 0 {
		epsilon = varSmoothing
	}

	m := &Model{
		FeatureOrder: append([]string(nil), FeatureOrder...),
		Classes:      append([]models.RiskLevel(nil), models.Levels...),
		Priors:       make([]float64, k),
		Means:        make([][]float64, k),
		Variances:    make([][]float64, k),
		ClassCounts:  counts,
	}
	for c := 0; c < k; c++ {
		m.Means[c] = make([]float64, nFeat)
		m.Variances[c] = make([]float64, nFeat)
		n := len(byClass[c][0])
		m.Priors[c] = float64(n) / float64(len(train))
		for j := 0; j < nFeat; j++ {
			if n > 0 {
				m.Means[c][j] = stat.Mean(byClass[c][j], nil)
			}
			m.Variances[c][j] = variance(byClass[c][j]) + epsilon
		}
	}
	return m
}

// variance is the population variance; zero for fewer than two values.
func variance(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	return stat.PopVariance(xs, nil)
}

func accuracy(m *Model, test []Sample) float64 {
	if len(test) == 0 {
		return 0
	}
	correct := 0
	for _, s := range test {
		if m.Classes[m.predictClass(s.Features)] == s.Label {
			correct++
		}
	}
	return float64(correct) / float64(len(test))
}

func confusion(m *Model, test []Sample) [][]int {
	out := make([][]int, len(m.Classes))
	for i := range out {
		out[i] = make([]int, len(m.Classes))
	}
	for _, s := range test {
		if actual := s.Label.Rank(); actual >= 0 {
			out[actual][m.predictClass(s.Features)]++
		}
	}
	return out
}

// report derives per-class metrics from a confusion matrix. Classes absent
// from the holdout and never predicted are left out.
func report(classes []models.RiskLevel, confusion [][]int) map[string]ClassMetrics {
	out := make(map[string]ClassMetrics, len(classes))
	for i, class := range classes {
		var support, predicted int
		for j := range classes {
			support += confusion[i][j]
			predicted += confusion[j][i]
		}
		if support == 0 && predicted == 0 {
			continue
		}
		tp := float64(confusion[i][i])
		cm := ClassMetrics{Support: support}
		if predicted > 0 {
			cm.Precision = tp / float64(predicted)
		}
		if support > 0 {
			cm.Recall = tp / float64(support)
		}
		if cm.Precision+cm.Recall > 0 {
			cm.F1 = 2 * cm.Precision * cm.Recall / (cm.Precision + cm.Recall)
		}
		out[string(class)] = cm
	}
	return out
}

// permutationImportance measures the accuracy lost when one feature column
// of the holdout is shuffled. Values are normalized to sum to one when any
// feature matters.
func permutationImportance(m *Model, test []Sample, base float64, rng *rand.Rand) map[string]float64 {
	drops := make([]float64, len(FeatureOrder))
	for j := range FeatureOrder {
		perm := make([]Sample, len(test))
		col := make([]float64, len(test))
		for i, s := range test {
			col[i] = s.Features[j]
		}
		rng.Shuffle(len(col), func(a, b int) { col[a], col[b] = col[b], col[a] })
		for i, s := range test {
			f := append([]float64(nil), s.Features...)
			f[j] = col[i]
			perm[i] = Sample{Features: f, Label: s.Label}
		}
		if d := base - accuracy(m, perm); d > 0 {
			drops[j] = d
		}
	}

	if total := floats.Sum(drops); total > 0 {
		floats.Scale(1/total, drops)
	}
	out := make(map[string]float64, len(FeatureOrder))
	for j, name := range FeatureOrder {
		out[name] = drops[j]
	}
	return out
}
