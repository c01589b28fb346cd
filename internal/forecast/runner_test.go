package forecast

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/raindrop/internal/apperr"
	"github.com/lox/raindrop/internal/models"
	"github.com/lox/raindrop/internal/schedule"
	"github.com/lox/raindrop/internal/store"
)

var now = time.Date(2025, 6, 10, 14, 20, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.OpenSQLite(filepath.Join(t.TempDir(), "forecast.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	st := store.New(db, testLogger())
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func addStations(t *testing.T, st *store.Store, n int) []models.Station {
	t.Helper()
	out := make([]models.Station, n)
	for i := range out {
		out[i] = models.Station{StationID: fmt.Sprintf("ST-%03d", i), Latitude: 9, Longitude: -79, Active: true}
		require.NoError(t, st.UpsertStation(context.Background(), out[i]))
	}
	return out
}

func hour(stationID string, at time.Time, precip float64) models.Observation {
	o := models.NewObservation(stationID, at)
	o.Temperature = models.Float(27)
	o.Humidity = models.Float(80)
	o.Precipitation = models.Float(precip)
	o.WindSpeed = models.Float(10)
	o.Pressure = models.Float(1010)
	return o
}

// fakeFetcher returns a forecast of n hours starting at the next hour.
// Stations listed in failing get the error instead.
type fakeFetcher struct {
	mu      sync.Mutex
	n       int
	failing map[string]error
	calls   map[string]int
}

func newFakeFetcher(n int) *fakeFetcher {
	return &fakeFetcher{n: n, failing: map[string]error{}, calls: map[string]int{}}
}

func (f *fakeFetcher) FetchForecast(_ context.Context, st models.Station) ([]models.Observation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[st.StationID]++
	if err := f.failing[st.StationID]; err != nil {
		return nil, err
	}
	start := now.Truncate(time.Hour).Add(time.Hour)
	out := make([]models.Observation, f.n)
	for i := range out {
		out[i] = hour(st.StationID, start.Add(time.Duration(i)*time.Hour), float64(i*20))
	}
	return out, nil
}

func (f *fakeFetcher) callsFor(stationID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[stationID]
}

type recordingPredictor struct {
	mu    sync.Mutex
	prevs []time.Time
	err   error
}

func (p *recordingPredictor) Predict(prev, cur models.Observation) (models.RiskLevel, float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prevs = append(p.prevs, prev.Timestamp)
	if p.err != nil {
		return "", 0, p.err
	}
	return models.LevelAlto, 0.9, nil
}

func newRunner(f *fakeFetcher, st Store, p Predictor) *Runner {
	return NewRunner(f, nil, st, nil, p, Config{
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Clock:          clockwork.NewFakeClockAt(now),
	}, testLogger())
}

func TestRunOnce_ScoresEveryForecastHour(t *testing.T) {
	ctx := context.Background()
	st := setupStore(t)
	stations := addStations(t, st, 2)
	pred := &recordingPredictor{}
	r := newRunner(newFakeFetcher(3), st, pred)

	summary, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Stations)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Zero(t, summary.Failed)
	assert.Equal(t, 12, summary.Assessments)
	assert.False(t, summary.Aborted)

	rows, err := st.QueryForecast(ctx, stations[0].StationID, now)
	require.NoError(t, err)
	require.Len(t, rows, 6)
	first := now.Truncate(time.Hour).Add(time.Hour)
	for i, a := range rows {
		assert.Equal(t, first.Add(time.Duration(i/2)*time.Hour), a.ForecastAt())
		assert.Equal(t, now, a.IssuedAt)
		if a.RiskType == models.RiskFlood && i > 1 {
			assert.Equal(t, models.LevelAlto, a.ClassifierLevel)
			assert.InDelta(t, 0.9, a.ClassifierConfidence, 1e-9)
		}
		if a.RiskType == models.RiskDrought {
			assert.Empty(t, a.ClassifierLevel)
		}
	}
}

func TestRunOnce_FirstHourUsesLastObservedReading(t *testing.T) {
	ctx := context.Background()
	st := setupStore(t)
	addStations(t, st, 1)
	observed := hour("ST-000", now.Add(-time.Hour), 0)
	require.NoError(t, st.UpsertObservation(ctx, observed))

	pred := &recordingPredictor{}
	r := newRunner(newFakeFetcher(2), st, pred)
	_, err := r.RunOnce(ctx)
	require.NoError(t, err)

	pred.mu.Lock()
	defer pred.mu.Unlock()
	require.Len(t, pred.prevs, 2)
	assert.Equal(t, observed.Timestamp, pred.prevs[0])
	assert.Equal(t, now.Truncate(time.Hour).Add(time.Hour), pred.prevs[1])
}

func TestRunOnce_NoModelLeavesClassifierEmpty(t *testing.T) {
	ctx := context.Background()
	st := setupStore(t)
	addStations(t, st, 1)
	r := newRunner(newFakeFetcher(2), st, &recordingPredictor{err: apperr.ErrNoModel})

	summary, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)

	rows, err := st.QueryForecast(ctx, "ST-000", now)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	for _, a := range rows {
		assert.Empty(t, a.ClassifierLevel)
		assert.NotEmpty(t, a.Level)
	}
}

func TestRunOnce_StopsAfterConsecutiveFailures(t *testing.T) {
	ctx := context.Background()
	st := setupStore(t)
	stations := addStations(t, st, 8)
	f := newFakeFetcher(2)
	for _, s := range stations[1:7] {
		f.failing[s.StationID] = apperr.Permanent(s.StationID, apperr.ErrQuotaExceeded)
	}
	r := newRunner(f, st, nil)

	summary, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, summary.Aborted)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, DefaultMaxConsecutiveFailures, summary.Failed)
	assert.Zero(t, f.callsFor(stations[6].StationID))
	assert.Zero(t, f.callsFor(stations[7].StationID))
}

func TestRunOnce_SuccessResetsFailureCount(t *testing.T) {
	ctx := context.Background()
	st := setupStore(t)
	stations := addStations(t, st, 10)
	f := newFakeFetcher(1)
	for i, s := range stations {
		if i != 4 {
			f.failing[s.StationID] = apperr.Permanent(s.StationID, errors.New("bad station"))
		}
	}
	r := newRunner(f, st, nil)

	summary, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, summary.Aborted)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 9, summary.Failed)
}

func TestRunOnce_RetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	st := setupStore(t)
	addStations(t, st, 1)
	f := newFakeFetcher(1)
	f.failing["ST-000"] = apperr.Transient("ST-000", errors.New("503"))
	r := newRunner(f, st, nil)

	summary, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 2, f.callsFor("ST-000"))
}

func TestRunOnce_ReissueReplacesAndPrunes(t *testing.T) {
	ctx := context.Background()
	st := setupStore(t)
	addStations(t, st, 1)

	stale := models.ForecastAssessment{
		StationID:  "ST-000",
		RiskType:   models.RiskFlood,
		IssuedAt:   now.Add(-72 * time.Hour),
		Conditions: hour("ST-000", now.Add(-48*time.Hour), 0),
		Level:      models.LevelBajo,
	}
	require.NoError(t, st.UpsertForecastAssessments(ctx, []models.ForecastAssessment{stale}))

	r := newRunner(newFakeFetcher(2), st, nil)
	_, err := r.RunOnce(ctx)
	require.NoError(t, err)
	_, err = r.RunOnce(ctx)
	require.NoError(t, err)

	rows, err := st.QueryForecast(ctx, "ST-000", now.Add(-72*time.Hour))
	require.NoError(t, err)
	assert.Len(t, rows, 4)
	for _, a := range rows {
		assert.True(t, a.ForecastAt().After(now))
	}
}

func TestRunOnce_RejectsOverlappingRuns(t *testing.T) {
	st := setupStore(t)
	r := newRunner(newFakeFetcher(1), st, nil)

	r.running.Lock()
	_, err := r.RunOnce(context.Background())
	r.running.Unlock()
	assert.ErrorIs(t, err, apperr.ErrAlreadyRunning)
}

func TestRun_ScoresOnTick(t *testing.T) {
	st := setupStore(t)
	addStations(t, st, 1)
	f := newFakeFetcher(1)
	r := newRunner(f, st, nil)
	trigger := schedule.NewManual()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx, trigger)
		close(done)
	}()

	require.Eventually(t, func() bool { return trigger.Len() == 1 }, time.Second, 5*time.Millisecond)
	trigger.Tick()
	require.Eventually(t, func() bool { return f.callsFor("ST-000") == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runner did not stop")
	}
	assert.Zero(t, trigger.Len())
}
