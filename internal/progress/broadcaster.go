// Package progress fans ingestion run progress out to live subscribers.
//
// The broadcaster owns each run's counters. Workers report outcomes; the
// broadcaster assigns StationsDone and Percentage so that, per run, both are
// non-decreasing in publication order and StationsDone equals StationsTotal
// on the completed event of a run whose stations all reported.
package progress

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/lox/raindrop/internal/metrics"
)

type Kind string

const (
	KindStarted       Kind = "started"
	KindStationDone   Kind = "station_done"
	KindStationFailed Kind = "station_failed"
	KindCompleted     Kind = "completed"
)

type Event struct {
	RunID         string    `json:"run_id"`
	StationID     *string   `json:"station_id"`
	Kind          Kind      `json:"kind"`
	StationsDone  int       `json:"stations_done"`
	StationsTotal int       `json:"stations_total"`
	Percentage    float64   `json:"percentage"`
	Error         string    `json:"error,omitempty"`
	At            time.Time `json:"at"`

	// Set on completed events only.
	Succeeded int  `json:"succeeded,omitempty"`
	Failed    int  `json:"failed,omitempty"`
	Skipped   int  `json:"skipped,omitempty"`
	Cancelled bool `json:"cancelled,omitempty"`
}

// StationEvent builds a per-station event; err nil means success.
func StationEvent(runID, stationID string, err error) Event {
	ev := Event{RunID: runID, StationID: &stationID, Kind: KindStationDone}
	if err != nil {
		ev.Kind = KindStationFailed
		ev.Error = err.Error()
	}
	return ev
}

const DefaultBuffer = 64

type Broadcaster struct {
	clock  clockwork.Clock
	logger *slog.Logger
	buffer int

	mu     sync.Mutex
	closed bool
	done   chan struct{}
	runs   map[string]*runCounter
	subs   map[*subscriber]struct{}
}

type runCounter struct {
	total int
	done  int
}

type subscriber struct {
	runID string // empty: every run
	ch    chan Event
	stop  func() bool
}

type Option func(*Broadcaster)

func WithClock(c clockwork.Clock) Option { return func(b *Broadcaster) { b.clock = c } }

// WithBuffer sets the per-subscriber channel capacity.
func WithBuffer(n int) Option { return func(b *Broadcaster) { b.buffer = n } }

func NewBroadcaster(logger *slog.Logger, opts ...Option) *Broadcaster {
	b := &Broadcaster{
		clock:  clockwork.NewRealClock(),
		logger: logger,
		buffer: DefaultBuffer,
		done:   make(chan struct{}),
		runs:   make(map[string]*runCounter),
		subs:   make(map[*subscriber]struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	return b
}

// Begin registers a run and publishes its started event.
func (b *Broadcaster) Begin(runID string, total int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mustBeOpen()

	if _, ok := b.runs[runID]; ok {
		panic(fmt.Sprintf("progress: run %s already begun", runID))
	}
	b.runs[runID] = &runCounter{total: total}
	b.fanOut(Event{
		RunID:         runID,
		Kind:          KindStarted,
		StationsTotal: total,
		Percentage:    percentage(0, total),
		At:            b.clock.Now(),
	})
}

// Publish stamps ev with the run's counters and delivers it to subscribers
// without blocking. Publishing for a run that was not begun, or after Close,
// panics.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mustBeOpen()

	rc, ok := b.runs[ev.RunID]
	if !ok {
		panic(fmt.Sprintf("progress: publish %s for unknown run %s", ev.Kind, ev.RunID))
	}

	switch ev.Kind {
	case KindStationDone, KindStationFailed:
		if rc.done >= rc.total {
			panic(fmt.Sprintf("progress: run %s reported more than %d stations", ev.RunID, rc.total))
		}
		rc.done++
	case KindCompleted:
		delete(b.runs, ev.RunID)
	case KindStarted:
		panic("progress: started events are published by Begin")
	}

	ev.StationsDone = rc.done
	ev.StationsTotal = rc.total
	ev.Percentage = percentage(rc.done, rc.total)
	if ev.At.IsZero() {
		ev.At = b.clock.Now()
	}
	b.fanOut(ev)

	// Streams filtered to a finished run have nothing left to deliver.
	if ev.Kind == KindCompleted {
		for sub := range b.subs {
			if sub.runID == ev.RunID {
				b.detach(sub)
			}
		}
	}
}

// Subscribe returns a stream of events for runID (every run when empty)
// from now on. The channel is closed when ctx ends, after the completed
// event of runID, when the subscriber falls a full buffer behind, or when
// the broadcaster closes.
func (b *Broadcaster) Subscribe(ctx context.Context, runID string) <-chan Event {
	sub := &subscriber{runID: runID, ch: make(chan Event, b.buffer)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub.ch
	}
	b.subs[sub] = struct{}{}
	sub.stop = context.AfterFunc(ctx, func() {
		b.mu.Lock()
		b.detach(sub)
		b.mu.Unlock()
	})
	return sub.ch
}

// Done is closed when the broadcaster closes.
func (b *Broadcaster) Done() <-chan struct{} {
	return b.done
}

// Subscribers returns the number of attached subscribers.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close detaches every subscriber. Further publishing panics.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.done)
	for sub := range b.subs {
		b.detach(sub)
	}
}

func (b *Broadcaster) fanOut(ev Event) {
	for sub := range b.subs {
		if sub.runID != "" && sub.runID != ev.RunID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.detach(sub)
			metrics.ProgressSubscribersDropped.Inc()
			b.logger.Warn("dropped slow progress subscriber", "run_id", ev.RunID, "buffer", b.buffer)
		}
	}
}

// detach must be called with mu held. It is a no-op for a subscriber that
// is already gone.
func (b *Broadcaster) detach(sub *subscriber) {
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	sub.stop()
	close(sub.ch)
}

func (b *Broadcaster) mustBeOpen() {
	if b.closed {
		panic("progress: publish after close")
	}
}

func percentage(done, total int) float64 {
	if total <= 0 {
		return 100
	}
	return float64(done) * 100 / float64(total)
}
