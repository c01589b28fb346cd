package classifier

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/raindrop/internal/apperr"
	"github.com/lox/raindrop/internal/models"
)

var t0 = time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)

func obsAt(station string, h int, precip float64) models.Observation {
	o := models.NewObservation(station, t0.Add(time.Duration(h)*time.Hour))
	o.Temperature = models.Float(26 + float64(h%4)*0.5)
	o.Humidity = models.Float(75 + float64(h%3))
	o.Precipitation = models.Float(precip)
	o.WindSpeed = models.Float(12 + float64(h%5))
	o.Pressure = models.Float(1012 + float64(h%2))
	return o
}

func precipLabel(o models.Observation) models.RiskLevel {
	p := o.Precipitation.Float64
	switch {
	case p >= 30:
		return models.LevelCritico
	case p >= 15:
		return models.LevelAlto
	case p >= 5:
		return models.LevelModerado
	default:
		return models.LevelBajo
	}
}

// series builds hours consecutive observations per station whose
// precipitation cycles through the four levels.
func series(stations []string, hours int) []models.Observation {
	centers := []float64{1, 9, 22, 45}
	var out []models.Observation
	for _, st := range stations {
		for h := 0; h < hours; h++ {
			noise := float64((h*7)%5-2) * 0.3
			out = append(out, obsAt(st, h, centers[h%4]+noise))
		}
	}
	return out
}

func TestBuildSamples_PairsConsecutiveHours(t *testing.T) {
	var obs []models.Observation
	for _, h := range []int{0, 1, 2, 4, 5} {
		obs = append(obs, obsAt("A", h, float64(h)))
	}
	incomplete := obsAt("A", 6, 6)
	incomplete.Pressure = models.Observation{}.Pressure
	obs = append(obs, incomplete, obsAt("A", 7, 7))
	obs = append(obs, obsAt("B", 3, 10)) // only one B reading

	samples := BuildSamples(obs, precipLabel)

	var at []string
	for _, s := range samples {
		at = append(at, fmt.Sprintf("%s%d", s.StationID, s.At.Hour()))
	}
	// 1<-0, 2<-1, 5<-4; 3 and 6 are gaps, 7 follows an incomplete row.
	assert.Equal(t, []string{"A1", "A2", "A5"}, at)

	first := samples[0]
	require.Len(t, first.Features, len(FeatureOrder))
	assert.InDelta(t, 1.0, first.Features[2], 1e-9)
	assert.InDelta(t, 1.0, first.Features[7], 1e-9) // precip_change
	assert.Equal(t, models.LevelBajo, first.Label)
}

func TestBuildSamples_DoesNotPairAcrossStations(t *testing.T) {
	obs := []models.Observation{obsAt("A", 0, 1), obsAt("B", 1, 1)}
	assert.Empty(t, BuildSamples(obs, precipLabel))
}

func TestTrain_InsufficientData(t *testing.T) {
	samples := BuildSamples(series([]string{"A"}, 31), precipLabel)
	require.Len(t, samples, 30)

	_, err := Train(samples, Options{})
	assert.ErrorIs(t, err, apperr.ErrInsufficientData)
}

func TestTrain_LearnsSeparableLevels(t *testing.T) {
	samples := BuildSamples(series([]string{"A", "B", "C"}, 120), precipLabel)
	now := time.Date(2025, 8, 10, 2, 0, 0, 0, time.UTC)

	m, err := Train(samples, Options{Now: now})
	require.NoError(t, err)

	assert.Equal(t, now, m.TrainedAt)
	assert.Equal(t, len(samples), m.Samples)
	assert.GreaterOrEqual(t, m.Accuracy, 0.9)
	assert.Equal(t, FeatureOrder, m.FeatureOrder)
	assert.Len(t, m.FeatureImportances, len(FeatureOrder))
	for name, v := range m.FeatureImportances {
		assert.GreaterOrEqual(t, v, 0.0, name)
	}

	require.Len(t, m.Confusion, len(models.Levels))
	holdout, correct := 0, 0
	for i, row := range m.Confusion {
		require.Len(t, row, len(models.Levels))
		for j, n := range row {
			holdout += n
			if i == j {
				correct += n
			}
		}
	}
	assert.Equal(t, int(float64(len(samples))*DefaultHoldout), holdout)
	assert.InDelta(t, m.Accuracy, float64(correct)/float64(holdout), 1e-9)
	require.NotEmpty(t, m.Report)
	for level, cm := range m.Report {
		assert.InDelta(t, 0.5, cm.F1, 0.5, level)
		assert.LessOrEqual(t, cm.Precision, 1.0, level)
	}

		prev, cur := obsAt("X", 2, 22), obsAt("X", 3, 46)
	f, ok := Features(prev, cur)
	require.True(t, ok)
	level, conf, err := m.Predict(f)
	require.NoError(t, err)
	assert.Equal(t, models.LevelCritico, level)
	assert.Greater(t, conf, 0.5)
	assert.LessOrEqual(t, conf, 1.0)

	_, _, err = m.Predict(f[:3])
	assert.Error(t, err)
}

func TestTrain_Deterministic(t *testing.T) {
	samples := BuildSamples(series([]string{"A", "B"}, 80), precipLabel)

	a, err := Train(samples, Options{Now: t0})
	require.NoError(t, err)
	b, err := Train(samples, Options{Now: t0})
	require.NoError(t, err)

	assert.Equal(t, a.Accuracy, b.Accuracy)
	assert.Equal(t, a.Means, b.Means)
	assert.Equal(t, a.FeatureImportances, b.FeatureImportances)
	assert.Equal(t, a.Confusion, b.Confusion)
}

func TestReport_FromConfusion(t *testing.T) {
	classes := []models.RiskLevel{models.LevelBajo, models.LevelModerado, models.LevelAlto, models.LevelCritico}
	confusion := [][]int{
		{8, 2, 0, 0},
		{1, 3, 0, 0},
		{0, 0, 0, 0},
		{0, 0, 0, 0},
	}

	r := report(classes, confusion)
	require.Len(t, r, 2)

	bajo := r[string(models.LevelBajo)]
	assert.Equal(t, 10, bajo.Support)
	assert.InDelta(t, 8.0/9.0, bajo.Precision, 1e-9)
	assert.InDelta(t, 0.8, bajo.Recall, 1e-9)

	moderado := r[string(models.LevelModerado)]
	assert.Equal(t, 4, moderado.Support)
	assert.InDelta(t, 0.6, moderado.Precision, 1e-9)
	assert.InDelta(t, 0.75, moderado.Recall, 1e-9)
	assert.InDelta(t, 2*0.6*0.75/1.35, moderado.F1, 1e-9)
}

func TestEncodeDecode(t *testing.T) {
	samples := BuildSamples(series([]string{"A", "B"}, 80), precipLabel)
	m, err := Train(samples, Options{Now: t0})
	require.NoError(t, err)

	data, err := Encode(m)
	require.NoError(t, err)
	restored, err := Decode(data)
	require.NoError(t, err)

	for _, s := range samples[:20] {
		l1, c1, _ := m.Predict(s.Features)
		l2, c2, _ := restored.Predict(s.Features)
		assert.Equal(t, l1, l2)
		assert.InDelta(t, c1, c2, 1e-12)
	}

	_, err = Decode([]byte(`{"feature_order":["temperature"]}`))
	assert.Error(t, err)
}

func TestClassifier_NoModel(t *testing.T) {
	c := New()
	_, _, err := c.Predict(obsAt("A", 0, 1), obsAt("A", 1, 1))
	assert.True(t, errors.Is(err, apperr.ErrNoModel))
}

func TestClassifier_PredictNeedsConsecutiveReadings(t *testing.T) {
	m, err := Train(BuildSamples(series([]string{"A", "B"}, 80), precipLabel), Options{})
	require.NoError(t, err)
	c := New()
	c.Swap(m)

	_, _, err = c.Predict(obsAt("A", 0, 1), obsAt("A", 2, 1))
	assert.ErrorIs(t, err, apperr.ErrInsufficientData)
}

func TestClassifier_SwapIsAtomic(t *testing.T) {
	samples := BuildSamples(series([]string{"A", "B"}, 80), precipLabel)
	m1, err := Train(samples, Options{Now: t0})
	require.NoError(t, err)
	m2, err := Train(samples, Options{Now: t0.Add(time.Hour), Seed: 7})
	require.NoError(t, err)

	c := New()
	assert.Nil(t, c.Swap(m1))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				m := c.Active()
				if len(m.Means) != len(m.Classes) || len(m.Variances) != len(m.Classes) {
					t.Error("observed partially built model")
					return
				}
				if _, _, err := c.Predict(obsAt("A", 0, 1), obsAt("A", 1, 9)); err != nil {
					t.Errorf("Predict: %v", err)
					return
				}
			}
		}()
	}

	for i := 0; i < 200; i++ {
		if i%2 == 0 {
			c.Swap(m2)
		} else {
			c.Swap(m1)
		}
	}
	close(stop)
	wg.Wait()
}
