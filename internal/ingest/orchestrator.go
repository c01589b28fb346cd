// Package ingest runs ingestion pipelines: it fans station fetches out over a
// bounded worker pool, retries transient failures, writes observations to the
// store and reports progress as it goes.
package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/lox/raindrop/internal/apperr"
	"github.com/lox/raindrop/internal/metrics"
	"github.com/lox/raindrop/internal/models"
	"github.com/lox/raindrop/internal/progress"
	"github.com/lox/raindrop/internal/store"
)

const (
	DefaultConcurrency    = 4
	DefaultMaxAttempts    = 3
	DefaultFetchTimeout   = 30 * time.Second
	DefaultInitialBackoff = time.Second
	DefaultMaxBackoff     = 30 * time.Second

	skippedMessage = "skipped: run cancelled"
)

type Fetcher interface {
	Fetch(ctx context.Context, station models.Station) (models.Observation, []byte, error)
}

type Limiter interface {
	Acquire(ctx context.Context) error
}

// Store is where observations land and runs are archived.
type Store interface {
	UpsertObservation(ctx context.Context, obs models.Observation) error
	StartPipelineRun(ctx context.Context, run models.PipelineRun) error
	FinishPipelineRun(ctx context.Context, run models.PipelineRun) error
}

// Archiver keeps the raw provider response behind each observation.
type Archiver interface {
	StoreRawPayload(ctx context.Context, meta store.RawPayload, payload []byte) (int64, error)
}

type Publisher interface {
	Begin(runID string, total int)
	Publish(ev progress.Event)
}

// Retrainer is notified after every successful run.
type Retrainer interface {
	Trigger()
}

type Config struct {
	Concurrency    int
	MaxAttempts    int
	FetchTimeout   time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Source names the provider in archived payloads.
	Source string
	Clock  clockwork.Clock
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return c
}

type Orchestrator struct {
	fetcher   Fetcher
	limiter   Limiter
	store     Store
	progress  Publisher
	archiver  Archiver
	retrainer Retrainer
	cfg       Config
	logger    *slog.Logger

	mu     sync.Mutex
	active map[string]*activeRun
	latest map[string]*activeRun
}

type activeRun struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	run     models.PipelineRun
	summary models.RunSummary
}

func NewOrchestrator(fetcher Fetcher, limiter Limiter, st Store, pub Publisher, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		fetcher:  fetcher,
		limiter:  limiter,
		store:    st,
		progress: pub,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		active:   make(map[string]*activeRun),
		latest:   make(map[string]*activeRun),
	}
}

// SetArchiver enables raw payload archiving.
func (o *Orchestrator) SetArchiver(a Archiver) {
	o.archiver = a
}

// SetRetrainer configures who is told to retrain after a successful run.
func (o *Orchestrator) SetRetrainer(r Retrainer) {
	o.retrainer = r
}

// Run ingests stations and blocks until the run is terminal. concurrency <= 0
// uses the configured pool size.
func (o *Orchestrator) Run(ctx context.Context, pipeline string, stations []models.Station, concurrency int) (models.RunSummary, error) {
	runCtx, ar, err := o.begin(ctx, pipeline, stations)
	if err != nil {
		return models.RunSummary{}, err
	}
	o.execute(runCtx, ar, stations, concurrency)
	return ar.summary, nil
}

// StartRun starts a run in the background and returns its id. The run
// outlives ctx; stop it with Cancel.
func (o *Orchestrator) StartRun(ctx context.Context, pipeline string, stations []models.Station) (string, error) {
	runCtx, ar, err := o.begin(context.WithoutCancel(ctx), pipeline, stations)
	if err != nil {
		return "", err
	}
	runID := ar.run.RunID
	go o.execute(runCtx, ar, stations, 0)
	return runID, nil
}

// Cancel stops dispatching for the pipeline's active run. Stations already
// being fetched finish; the rest are reported as skipped.
func (o *Orchestrator) Cancel(pipeline string) bool {
	o.mu.Lock()
	ar, ok := o.active[pipeline]
	o.mu.Unlock()
	if ok {
		ar.cancel()
	}
	return ok
}

// Active returns a snapshot of the pipeline's running run.
func (o *Orchestrator) Active(pipeline string) (models.PipelineRun, bool) {
	o.mu.Lock()
	ar, ok := o.active[pipeline]
	o.mu.Unlock()
	if !ok {
		return models.PipelineRun{}, false
	}
	ar.mu.Lock()
	defer ar.mu.Unlock()
	return ar.run, true
}

// Wait blocks until the pipeline's most recent run has finished its
// terminal work, including the completed event, and returns its summary.
// ok is false when the pipeline never ran.
func (o *Orchestrator) Wait(pipeline string) (summary models.RunSummary, ok bool) {
	o.mu.Lock()
	ar, ok := o.latest[pipeline]
	o.mu.Unlock()
	if !ok {
		return models.RunSummary{}, false
	}
	<-ar.done
	return ar.summary, true
}

func (o *Orchestrator) begin(ctx context.Context, pipeline string, stations []models.Station) (context.Context, *activeRun, error) {
	o.mu.Lock()
	if _, busy := o.active[pipeline]; busy {
		o.mu.Unlock()
		return nil, nil, fmt.Errorf("%s: %w", pipeline, apperr.ErrAlreadyRunning)
	}
	runCtx, cancel := context.WithCancel(ctx)
	ar := &activeRun{
		cancel: cancel,
		done:   make(chan struct{}),
		run: models.PipelineRun{
			RunID:         uuid.NewString(),
			Pipeline:      pipeline,
			Status:        models.RunRunning,
			StationsTotal: len(stations),
			StartedAt:     o.cfg.Clock.Now().UTC(),
		},
	}
	o.active[pipeline] = ar
	o.latest[pipeline] = ar
	o.mu.Unlock()

	if err := o.store.StartPipelineRun(ctx, ar.run); err != nil {
		o.logger.Warn("archive run start", "run_id", ar.run.RunID, "error", err)
	}
	o.progress.Begin(ar.run.RunID, len(stations))
	metrics.ActiveRuns.Inc()
	o.logger.Info("run started", "pipeline", pipeline, "run_id", ar.run.RunID, "stations", len(stations))
	return runCtx, ar, nil
}

func (o *Orchestrator) execute(ctx context.Context, ar *activeRun, stations []models.Station, concurrency int) {
	if concurrency <= 0 {
		concurrency = o.cfg.Concurrency
	}
	runID, pipeline := ar.run.RunID, ar.run.Pipeline
	summary := models.RunSummary{RunID: runID, Pipeline: pipeline, Total: len(stations)}

	defer func() {
		o.release(ar)
		close(ar.done)
	}()

	var (
		wg     sync.WaitGroup
		sumMu  sync.Mutex
		jobs   = make(chan models.Station)
		record = func(st models.Station, attempts int, err error) {
			sumMu.Lock()
			if err == nil {
				summary.Succeeded++
			} else {
				summary.Failed++
				summary.Failures = append(summary.Failures, models.StationFailure{StationID: st.StationID, Attempts: attempts, Err: err})
			}
			sumMu.Unlock()

			ar.mu.Lock()
			ar.run.StationsDone++
			if err == nil {
				ar.run.Succeeded++
			} else {
				ar.run.Failed++
			}
			ar.mu.Unlock()

			o.progress.Publish(progress.StationEvent(runID, st.StationID, err))
		}
	)

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for st := range jobs {
				attempts, err := o.ingestStation(ctx, runID, pipeline, st)
				record(st, attempts, err)
			}
		}()
	}

	var skipped []models.Station
dispatch:
	for i, st := range stations {
		if ctx.Err() != nil {
			skipped = stations[i:]
			break
		}
		select {
		case jobs <- st:
		case <-ctx.Done():
			skipped = stations[i:]
			break dispatch
		}
	}
	close(jobs)
	wg.Wait()

	for _, st := range skipped {
		ar.mu.Lock()
		ar.run.StationsDone++
		ar.run.Skipped++
		ar.mu.Unlock()
		o.progress.Publish(progress.Event{RunID: runID, StationID: &st.StationID, Kind: progress.KindStationFailed, Error: skippedMessage})
	}
	summary.Skipped = len(skipped)
	summary.Cancelled = ctx.Err() != nil
	summary.Elapsed = o.cfg.Clock.Since(ar.run.StartedAt)

	outcome := o.finish(ar, summary)
	ar.summary = summary

	// The pipeline is free again before anyone hears it completed.
	o.release(ar)
	o.progress.Publish(progress.Event{
		RunID:     runID,
		Kind:      progress.KindCompleted,
		Succeeded: summary.Succeeded,
		Failed:    summary.Failed,
		Skipped:   summary.Skipped,
		Cancelled: summary.Cancelled,
	})

	metrics.RunDuration.WithLabelValues(pipeline, outcome).Observe(summary.Elapsed.Seconds())
	o.logger.Info("run finished",
		"pipeline", pipeline,
		"run_id", runID,
		"outcome", outcome,
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"skipped", summary.Skipped,
		"elapsed", summary.Elapsed,
	)

	if !summary.Cancelled && summary.Succeeded > 0 && o.retrainer != nil {
		o.retrainer.Trigger()
	}
}

// release frees the pipeline slot held by ar. It is safe to call more than
// once and never frees a slot taken by a later run.
func (o *Orchestrator) release(ar *activeRun) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active[ar.run.Pipeline] != ar {
		return
	}
	delete(o.active, ar.run.Pipeline)
	ar.cancel()
	metrics.ActiveRuns.Dec()
}

// finish archives the terminal state of the run and returns its outcome label.
func (o *Orchestrator) finish(ar *activeRun, summary models.RunSummary) string {
	ar.mu.Lock()
	run := ar.run
	ar.mu.Unlock()

	outcome := "completed"
	run.Status = models.RunCompleted
	switch {
	case summary.Cancelled:
		outcome = "cancelled"
		run.Status = models.RunFailed
		run.ErrorMessage = sql.NullString{String: "cancelled", Valid: true}
	case summary.Total > 0 && summary.Succeeded == 0:
		outcome = "failed"
		run.Status = models.RunFailed
		run.ErrorMessage = sql.NullString{String: "no station succeeded", Valid: true}
	}
	run.FinishedAt = sql.NullTime{Time: o.cfg.Clock.Now().UTC(), Valid: true}

	// The run context may already be cancelled; the archive write must still land.
	if err := o.store.FinishPipelineRun(context.Background(), run); err != nil {
		o.logger.Warn("archive run finish", "run_id", run.RunID, "error", err)
	}
	return outcome
}

// ingestStation fetches and stores one station, retrying transient failures.
// It returns the number of fetch attempts made.
func (o *Orchestrator) ingestStation(ctx context.Context, runID, pipeline string, st models.Station) (int, error) {
	// An in-flight fetch is allowed to finish after the run is cancelled.
	detached := context.WithoutCancel(ctx)
	attempts := 0

	operation := func() error {
		if o.limiter != nil {
			if err := o.limiter.Acquire(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}
		attempts++

		fetchCtx, cancel := context.WithTimeout(detached, o.cfg.FetchTimeout)
		obs, raw, err := o.fetcher.Fetch(fetchCtx, st)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && !apperr.IsPermanent(err) && !apperr.IsTransient(err) {
				err = apperr.Transient(st.StationID, err)
			}
			if apperr.IsTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}

		if o.archiver != nil && len(raw) > 0 {
			meta := store.RawPayload{RunID: runID, Source: o.cfg.Source, StationID: st.StationID, FetchedAt: o.cfg.Clock.Now().UTC()}
			if _, err := o.archiver.StoreRawPayload(detached, meta, raw); err != nil {
				o.logger.Warn("archive raw payload", "station", st.StationID, "error", err)
			}
		}

		if err := o.store.UpsertObservation(detached, obs); err != nil {
			return backoff.Permanent(fmt.Errorf("store observation %s: %w", obs.Key(), err))
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = o.cfg.InitialBackoff
	bo.MaxInterval = o.cfg.MaxBackoff
	bo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(o.cfg.MaxAttempts-1)), ctx)

	notify := func(err error, wait time.Duration) {
		metrics.FetchRetries.Inc()
		o.logger.Debug("retrying station", "station", st.StationID, "attempt", attempts, "wait", wait, "error", err)
	}

	err := backoff.RetryNotify(operation, policy, notify)
	if err != nil {
		metrics.StationFailures.WithLabelValues(pipeline, apperr.Reason(err)).Inc()
		o.logger.Warn("station failed", "station", st.StationID, "attempts", attempts, "error", err)
		return attempts, err
	}
	metrics.ObservationsIngested.WithLabelValues(pipeline).Inc()
	return attempts, nil
}
