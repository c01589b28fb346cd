// Package schedule provides the periodic triggers that drive ingestion and
// training.
package schedule

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Trigger calls fn on every tick until stop is called.
type Trigger interface {
	OnTick(fn func()) (stop func())
}

// Cron fires on a standard five-field cron spec or a descriptor such as
// "@hourly" or "@every 30m", evaluated in UTC.
type Cron struct {
	spec   string
	logger *slog.Logger
}

func NewCron(spec string, logger *slog.Logger) (*Cron, error) {
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cron{spec: spec, logger: logger}, nil
}

// OnTick starts a cron runner for fn. A tick that arrives while fn is still
// running is skipped. stop waits for a running fn to return.
func (c *Cron) OnTick(fn func()) func() {
	l := cronLogger{c.logger.With("schedule", c.spec)}
	runner := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(l),
		cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l)),
	)
	// The spec was validated in NewCron.
	runner.AddFunc(c.spec, fn)
	runner.Start()

	return func() { <-runner.Stop().Done() }
}

func (c *Cron) String() string { return c.spec }

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}

// Manual ticks only when Tick is called. It backs on-demand wiring and
// tests.
type Manual struct {
	mu   sync.Mutex
	next int
	fns  map[int]func()
}

func NewManual() *Manual {
	return &Manual{fns: make(map[int]func())}
}

func (m *Manual) OnTick(fn func()) func() {
	m.mu.Lock()
	id := m.next
	m.next++
	m.fns[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.fns, id)
		m.mu.Unlock()
	}
}

// Len returns the number of registered fns.
func (m *Manual) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.fns)
}

// Tick runs every registered fn synchronously.
func (m *Manual) Tick() {
	m.mu.Lock()
	fns := make([]func(), 0, len(m.fns))
	for _, fn := range m.fns {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
