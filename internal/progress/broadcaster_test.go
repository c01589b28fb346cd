package progress

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(ch <-chan Event) []Event {
	var out []Event
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func TestBroadcaster_CountsAreMonotonic(t *testing.T) {
	b := NewBroadcaster(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := b.Subscribe(ctx, "run-1")
	b.Begin("run-1", 20)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%5 == 0 {
				err = errors.New("boom")
			}
			b.Publish(StationEvent("run-1", fmt.Sprintf("S%02d", i), err))
		}(i)
	}
	wg.Wait()
	b.Publish(Event{RunID: "run-1", Kind: KindCompleted, Succeeded: 16, Failed: 4})
	b.Close()

	events := drain(ch)
	require.Len(t, events, 22)
	assert.Equal(t, KindStarted, events[0].Kind)
	assert.Nil(t, events[0].StationID)

	prevDone, prevPct := -1, -1.0
	failed := 0
	for _, ev := range events {
		assert.GreaterOrEqual(t, ev.StationsDone, prevDone)
		assert.GreaterOrEqual(t, ev.Percentage, prevPct)
		assert.Equal(t, 20, ev.StationsTotal)
		prevDone, prevPct = ev.StationsDone, ev.Percentage
		if ev.Kind == KindStationFailed {
			failed++
			assert.Equal(t, "boom", ev.Error)
		}
	}
	assert.Equal(t, 4, failed)

	last := events[len(events)-1]
	assert.Equal(t, KindCompleted, last.Kind)
	assert.Equal(t, 20, last.StationsDone)
	assert.Equal(t, 100.0, last.Percentage)
	assert.Equal(t, 16, last.Succeeded)
}

func TestBroadcaster_NoReplay(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b.Begin("r", 2)
	b.Publish(StationEvent("r", "A", nil))

	ch := b.Subscribe(ctx, "")
	b.Publish(StationEvent("r", "B", nil))

	ev := <-ch
	assert.Equal(t, "B", *ev.StationID)
	assert.Equal(t, 2, ev.StationsDone)
	assert.Equal(t, 100.0, ev.Percentage)
}

func TestBroadcaster_FiltersByRun(t *testing.T) {
	b := NewBroadcaster(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	onlyB := b.Subscribe(ctx, "b")
	all := b.Subscribe(ctx, "")

	b.Begin("a", 1)
	b.Begin("b", 1)
	b.Publish(StationEvent("a", "S1", nil))
	b.Close()

	bEvents := drain(onlyB)
	require.Len(t, bEvents, 1)
	assert.Equal(t, "b", bEvents[0].RunID)
	assert.Len(t, drain(all), 3)
}

func TestBroadcaster_DropsSlowSubscriber(t *testing.T) {
	b := NewBroadcaster(nil, WithBuffer(2))
	defer b.Close()

	slow := b.Subscribe(context.Background(), "")
	b.Begin("r", 10)
	for i := 0; i < 5; i++ {
		b.Publish(StationEvent("r", "S", nil))
	}

	assert.Len(t, drain(slow), 2)
	assert.Equal(t, 0, b.Subscribers())
}

func TestBroadcaster_ContextCancelDetaches(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch := b.Subscribe(ctx, "")
	require.Equal(t, 1, b.Subscribers())

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber channel not closed after cancel")
	}
	assert.Equal(t, 0, b.Subscribers())

	b.Begin("r", 1)
	b.Publish(StationEvent("r", "S", nil))
}

func TestBroadcaster_Misuse(t *testing.T) {
	b := NewBroadcaster(nil)

	assert.Panics(t, func() { b.Publish(StationEvent("ghost", "S", nil)) })

	b.Begin("r", 1)
	b.Publish(StationEvent("r", "S", nil))
	assert.Panics(t, func() { b.Publish(StationEvent("r", "S2", nil)) })

	b.Close()
	assert.PanicsWithValue(t, "progress: publish after close", func() {
		b.Publish(Event{RunID: "r", Kind: KindCompleted})
	})

	_, ok := <-b.Subscribe(context.Background(), "")
	assert.False(t, ok)
}

func TestBroadcaster_EmptyRunIsComplete(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := b.Subscribe(ctx, "r")
	b.Begin("r", 0)
	b.Publish(Event{RunID: "r", Kind: KindCompleted})

	started, completed := <-ch, <-ch
	assert.Equal(t, 100.0, started.Percentage)
	assert.Equal(t, KindCompleted, completed.Kind)
	assert.Equal(t, 0, completed.StationsDone)
}

func TestBroadcaster_DroppedSubscribersReleaseGoroutines(t *testing.T) {
	b := NewBroadcaster(nil, WithBuffer(1))
	defer b.Close()

	before := runtime.NumGoroutine()
	var streams []<-chan Event
	for i := 0; i < 100; i++ {
		streams = append(streams, b.Subscribe(context.Background(), ""))
	}
	b.Begin("r", 2)
	b.Publish(StationEvent("r", "S1", nil))

	for _, ch := range streams {
		assert.Len(t, drain(ch), 1)
	}
	assert.Equal(t, 0, b.Subscribers())
	assert.LessOrEqual(t, runtime.NumGoroutine(), before+5)
}

func TestBroadcaster_CompletedClosesRunStream(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	run := b.Subscribe(ctx, "r")
	all := b.Subscribe(ctx, "")
	b.Begin("r", 1)
	b.Publish(StationEvent("r", "S", nil))
	b.Publish(Event{RunID: "r", Kind: KindCompleted, Succeeded: 1})

	events := drain(run)
	require.Len(t, events, 3)
	assert.Equal(t, KindCompleted, events[2].Kind)
	assert.Equal(t, 1, b.Subscribers())

	b.Begin("next", 1)
	ev := <-all
	for ev.RunID != "next" {
		ev = <-all
	}
	assert.Equal(t, KindStarted, ev.Kind)
}
