package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/raindrop/internal/apperr"
	"github.com/lox/raindrop/internal/models"
	"github.com/lox/raindrop/internal/progress"
	"github.com/lox/raindrop/internal/ratelimit"
	"github.com/lox/raindrop/internal/schedule"
	"github.com/lox/raindrop/internal/store"
)

var obsTime = time.Date(2025, 6, 10, 14, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeFetcher answers per station; stations without a handler succeed.
type fakeFetcher struct {
	mu       sync.Mutex
	attempts map[string]int
	handlers map[string]func(ctx context.Context) error
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{attempts: map[string]int{}, handlers: map[string]func(context.Context) error{}}
}

func (f *fakeFetcher) on(stationID string, fn func(ctx context.Context) error) {
	f.mu.Lock()
	f.handlers[stationID] = fn
	f.mu.Unlock()
}

func (f *fakeFetcher) Fetch(ctx context.Context, st models.Station) (models.Observation, []byte, error) {
	f.mu.Lock()
	f.attempts[st.StationID]++
	fn := f.handlers[st.StationID]
	f.mu.Unlock()

	if fn != nil {
		if err := fn(ctx); err != nil {
			return models.Observation{}, nil, err
		}
	}
	obs := models.NewObservation(st.StationID, obsTime)
	obs.Temperature = models.Float(27)
	obs.Precipitation = models.Float(3)
	return obs, []byte(fmt.Sprintf(`{"station":%q}`, st.StationID)), nil
}

func (f *fakeFetcher) attemptsFor(stationID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[stationID]
}

type countingRetrainer struct{ n atomic.Int32 }

func (r *countingRetrainer) Trigger() { r.n.Add(1) }

func setupStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.OpenSQLite(filepath.Join(t.TempDir(), "ingest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	st := store.New(db, testLogger())
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func stations(n int) []models.Station {
	out := make([]models.Station, n)
	for i := range out {
		out[i] = models.Station{StationID: fmt.Sprintf("ST-%03d", i), Latitude: 9, Longitude: -79, Active: true}
	}
	return out
}

type fixture struct {
	orch      *Orchestrator
	fetcher   *fakeFetcher
	store     *store.Store
	progress  *progress.Broadcaster
	retrainer *countingRetrainer
}

func newFixture(t *testing.T, limiter Limiter) *fixture {
	t.Helper()
	f := &fixture{
		fetcher:   newFakeFetcher(),
		store:     setupStore(t),
		progress:  progress.NewBroadcaster(testLogger(), progress.WithBuffer(256)),
		retrainer: &countingRetrainer{},
	}
	f.orch = NewOrchestrator(f.fetcher, limiter, f.store, f.progress, Config{
		Concurrency:    3,
		MaxAttempts:    3,
		FetchTimeout:   50 * time.Millisecond,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Source:         "fake",
	}, testLogger())
	f.orch.SetArchiver(f.store)
	f.orch.SetRetrainer(f.retrainer)
	return f
}

// collect reads events until the first completed event.
func collect(t *testing.T, ch <-chan progress.Event) []progress.Event {
	t.Helper()
	var events []progress.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			require.True(t, ok, "subscription closed early")
			events = append(events, ev)
			if ev.Kind == progress.KindCompleted {
				return events
			}
		case <-timeout:
			t.Fatal("timed out waiting for completed event")
		}
	}
}

func TestRun_AllStationsSucceed(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	summary, err := f.orch.Run(ctx, "hourly", stations(10), 0)
	require.NoError(t, err)

	assert.Equal(t, 10, summary.Total)
	assert.Equal(t, 10, summary.Succeeded)
	assert.Zero(t, summary.Failed)
	assert.Zero(t, summary.Skipped)
	assert.False(t, summary.Cancelled)

	rows, err := f.store.QueryRange(ctx, obsTime, obsTime.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, rows, 10)

	runs, err := f.store.RecentPipelineRuns(ctx, "hourly", 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, summary.RunID, runs[0].RunID)
	assert.Equal(t, models.RunCompleted, runs[0].Status)
	assert.Equal(t, 10, runs[0].StationsDone)

	assert.Equal(t, int32(1), f.retrainer.n.Load())

	_, active := f.orch.Active("hourly")
	assert.False(t, active)
}

func TestRun_TimeoutIsRetriedAndCountedOnce(t *testing.T) {
	f := newFixture(t, nil)
	f.fetcher.on("ST-001", func(ctx context.Context) error {
		<-ctx.Done()
		return apperr.Transient("ST-001", ctx.Err())
	})

	summary, err := f.orch.Run(context.Background(), "hourly", stations(3), 0)
	require.NoError(t, err)

	assert.Equal(t, 3, f.fetcher.attemptsFor("ST-001"))
	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	require.Len(t, summary.Failures, 1)
	assert.Equal(t, "ST-001", summary.Failures[0].StationID)
	assert.Equal(t, 3, summary.Failures[0].Attempts)
	assert.True(t, apperr.IsTransient(summary.Failures[0].Err))
}

func TestRun_BareDeadlineIsTransient(t *testing.T) {
	f := newFixture(t, nil)
	f.fetcher.on("ST-000", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	summary, err := f.orch.Run(context.Background(), "hourly", stations(1), 0)
	require.NoError(t, err)
	assert.Equal(t, 3, f.fetcher.attemptsFor("ST-000"))
	assert.Equal(t, 1, summary.Failed)
}

func TestRun_PermanentIsNotRetried(t *testing.T) {
	f := newFixture(t, nil)
	f.fetcher.on("ST-000", func(context.Context) error {
		return apperr.Permanent("ST-000", errors.New("unknown station"))
	})

	summary, err := f.orch.Run(context.Background(), "hourly", stations(2), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, f.fetcher.attemptsFor("ST-000"))
	assert.Equal(t, 1, summary.Failed)
	assert.True(t, apperr.IsPermanent(summary.Failures[0].Err))
}

func TestRun_TransientThenSuccess(t *testing.T) {
	f := newFixture(t, nil)
	var calls atomic.Int32
	f.fetcher.on("ST-000", func(context.Context) error {
		if calls.Add(1) == 1 {
			return apperr.Transient("ST-000", errors.New("status 503"))
		}
		return nil
	})

	summary, err := f.orch.Run(context.Background(), "hourly", stations(1), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 2, f.fetcher.attemptsFor("ST-000"))
}

func TestRun_QuotaExceededFailsRemainingStations(t *testing.T) {
	f := newFixture(t, ratelimit.New(ratelimit.Config{DailyQuota: 2}))

	summary, err := f.orch.Run(context.Background(), "hourly", stations(4), 1)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 2, summary.Failed)
	for _, fail := range summary.Failures {
		assert.ErrorIs(t, fail.Err, apperr.ErrQuotaExceeded)
		assert.Zero(t, fail.Attempts)
		assert.Zero(t, f.fetcher.attemptsFor(fail.StationID))
	}
}

func TestRun_AllFailedDoesNotRetrain(t *testing.T) {
	f := newFixture(t, nil)
	for _, st := range stations(2) {
		f.fetcher.on(st.StationID, func(context.Context) error {
			return apperr.Permanent("x", errors.New("bad"))
		})
	}

	_, err := f.orch.Run(context.Background(), "hourly", stations(2), 0)
	require.NoError(t, err)
	assert.Zero(t, f.retrainer.n.Load())

	runs, err := f.store.RecentPipelineRuns(context.Background(), "hourly", 1)
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, runs[0].Status)
}

func TestRun_ProgressIsMonotonic(t *testing.T) {
	f := newFixture(t, nil)
	f.fetcher.on("ST-004", func(context.Context) error {
		return apperr.Permanent("ST-004", errors.New("bad coordinates"))
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := f.progress.Subscribe(ctx, "")

	summary, err := f.orch.Run(ctx, "hourly", stations(12), 4)
	require.NoError(t, err)

	events := collect(t, sub)
	require.Len(t, events, 14)
	assert.Equal(t, progress.KindStarted, events[0].Kind)
	last := events[len(events)-1]
	assert.Equal(t, progress.KindCompleted, last.Kind)
	assert.Equal(t, 12, last.StationsDone)
	assert.Equal(t, 100.0, last.Percentage)
	assert.Equal(t, 11, last.Succeeded)
	assert.Equal(t, 1, last.Failed)

	prev := -1
	for _, ev := range events {
		assert.Equal(t, summary.RunID, ev.RunID)
		assert.GreaterOrEqual(t, ev.StationsDone, prev)
		prev = ev.StationsDone
	}
}

func TestStartRun_AlreadyRunning(t *testing.T) {
	f := newFixture(t, nil)
	release := make(chan struct{})
	f.fetcher.on("ST-000", func(context.Context) error {
		<-release
		return nil
	})
	f.orch.cfg.FetchTimeout = 5 * time.Second

	runID, err := f.orch.StartRun(context.Background(), "hourly", stations(1))
	require.NoError(t, err)
	assert.NotEmpty(t, runID)

	run, ok := f.orch.Active("hourly")
	require.True(t, ok)
	assert.Equal(t, runID, run.RunID)
	assert.Equal(t, models.RunRunning, run.Status)

	_, err = f.orch.StartRun(context.Background(), "hourly", stations(1))
	assert.ErrorIs(t, err, apperr.ErrAlreadyRunning)
	_, err = f.orch.Run(context.Background(), "hourly", stations(1), 1)
	assert.ErrorIs(t, err, apperr.ErrAlreadyRunning)

	// Other pipelines are independent.
	_, err = f.orch.Run(context.Background(), "backfill", stations(0), 1)
	assert.NoError(t, err)

	close(release)
	summary, ok := f.orch.Wait("hourly")
	require.True(t, ok)
	assert.Equal(t, runID, summary.RunID)
	assert.Equal(t, 1, summary.Succeeded)

	_, err = f.orch.Run(context.Background(), "hourly", stations(1), 1)
	assert.NoError(t, err)
}

// blockingRetrainer holds the finishing run inside Trigger until released.
type blockingRetrainer struct {
	release chan struct{}
}

func (r *blockingRetrainer) Trigger() { <-r.release }

func TestStartRun_PipelineFreeOnceCompletedIsPublished(t *testing.T) {
	f := newFixture(t, nil)
	retrainer := &blockingRetrainer{release: make(chan struct{})}
	f.orch.SetRetrainer(retrainer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := f.progress.Subscribe(ctx, "")

	first, err := f.orch.StartRun(context.Background(), "hourly", stations(2))
	require.NoError(t, err)

	var completed progress.Event
	for ev := range sub {
		if ev.Kind == progress.KindCompleted && ev.RunID == first {
			completed = ev
			break
		}
	}
	require.Equal(t, 2, completed.Succeeded)

	_, active := f.orch.Active("hourly")
	assert.False(t, active, "finished run still holds the pipeline")

	second, err := f.orch.StartRun(context.Background(), "hourly", stations(1))
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	close(retrainer.release)
	summary, ok := f.orch.Wait("hourly")
	require.True(t, ok)
	assert.Equal(t, second, summary.RunID)

	runs, err := f.store.RecentPipelineRuns(context.Background(), "hourly", 5)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	for _, run := range runs {
		assert.Equal(t, models.RunCompleted, run.Status)
	}
}

func TestCancel_SkipsUndispatchedStations(t *testing.T) {
	f := newFixture(t, nil)
	f.orch.cfg.Concurrency = 1
	f.orch.cfg.FetchTimeout = 5 * time.Second

	started := make(chan struct{})
	release := make(chan struct{})
	f.fetcher.on("ST-000", func(context.Context) error {
		close(started)
		<-release
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := f.progress.Subscribe(ctx, "")

	_, err := f.orch.StartRun(context.Background(), "hourly", stations(20))
	require.NoError(t, err)

	<-started
	assert.True(t, f.orch.Cancel("hourly"))
	close(release)

	summary, ok := f.orch.Wait("hourly")
	require.True(t, ok)
	assert.True(t, summary.Cancelled)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 19, summary.Skipped)
	assert.Equal(t, 20, summary.Succeeded+summary.Failed+summary.Skipped)

	events := collect(t, sub)
	last := events[len(events)-1]
	assert.Equal(t, 20, last.StationsDone)
	assert.True(t, last.Cancelled)
	assert.Equal(t, 19, last.Skipped)
	assert.Equal(t, skippedMessage, events[len(events)-2].Error)

	assert.Zero(t, f.retrainer.n.Load())
	assert.False(t, f.orch.Cancel("hourly"))

	runs, err := f.store.RecentPipelineRuns(context.Background(), "hourly", 1)
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, runs[0].Status)
}

func TestRun_ArchivesRawPayloads(t *testing.T) {
	f := newFixture(t, nil)

	summary, err := f.orch.Run(context.Background(), "hourly", stations(1), 1)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Succeeded)

	id, err := f.store.StoreRawPayload(context.Background(), store.RawPayload{Source: "fake"}, []byte(`{"station":"ST-000"}`))
	require.NoError(t, err)
	assert.Zero(t, id, "payload should already be archived")
}

func TestPoller_UsesActiveStations(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	for _, st := range stations(3) {
		require.NoError(t, f.store.UpsertStation(ctx, st))
	}
	inactive := models.Station{StationID: "OFF-1"}
	require.NoError(t, f.store.UpsertStation(ctx, inactive))

	p := NewPoller(f.orch, f.store, "hourly", testLogger())
	summary, err := p.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Total)
	assert.Zero(t, f.fetcher.attemptsFor("OFF-1"))
}

func TestPoller_RunsOnTick(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, f.store.UpsertStation(ctx, stations(1)[0]))

	tick := schedule.NewManual()
	done := make(chan struct{})
	go func() {
		NewPoller(f.orch, f.store, "hourly", testLogger()).Run(ctx, tick)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		tick.Tick()
		return f.fetcher.attemptsFor("ST-000") > 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
