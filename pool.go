package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// StopSignal is a one-shot flag: Stopped is a cheap atomic read and Done
// wakes sleeping workers. Stop may be called any number of times.
type StopSignal struct {
	stopped atomic.Bool
	once    sync.Once
	done    chan struct{}
}

func NewStopSignal() *StopSignal {
	return &StopSignal{done: make(chan struct{})}
}

func (s *StopSignal) Stop() {
	s.once.Do(func() {
		s.stopped.Store(true)
		close(s.done)
	})
}

func (s *StopSignal) Stopped() bool { return s.stopped.Load() }

func (s *StopSignal) Done() <-chan struct{} { return s.done }

// Pool runs a fixed set of workers against one store.
type Pool struct {
	store    *Store
	config   ConfigProvider
	executor Executor
	recorder Recorder
	metrics  *Instruments
	opts     WorkerOptions
	logger   *slog.Logger

	mu      sync.Mutex
	started bool
	stop    *StopSignal
	group   *errgroup.Group
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

func WithRecorder(r Recorder) PoolOption {
	return func(p *Pool) { p.recorder = r }
}

func WithInstruments(in *Instruments) PoolOption {
	return func(p *Pool) { p.metrics = in }
}

func WithWorkerOptions(o WorkerOptions) PoolOption {
	return func(p *Pool) { p.opts = o }
}

func WithLogger(l *slog.Logger) PoolOption {
	return func(p *Pool) { p.logger = l }
}

func NewPool(store *Store, config ConfigProvider, executor Executor, opts ...PoolOption) *Pool {
	p := &Pool{
		store:    store,
		config:   config,
		executor: executor,
		logger:   slog.Default(),
		stop:     NewStopSignal(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.opts = p.opts.withDefaults()
	return p
}

// Start launches n workers and returns immediately. A pool can only be
// started once.
func (p *Pool) Start(ctx context.Context, n int) error {
	if n < 1 {
		return fmt.Errorf("worker count must be at least 1, got %d", n)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return ErrPoolRunning
	}
	p.started = true

	g := &errgroup.Group{}
	for i := 1; i <= n; i++ {
		w := &Worker{
			id:       fmt.Sprintf("worker-%d", i),
			store:    p.store,
			config:   p.config,
			executor: p.executor,
			recorder: p.recorder,
			metrics:  p.metrics,
			stop:     p.stop,
			opts:     p.opts,
		}
		w.logger = p.logger.With("worker_id", w.id)
		g.Go(func() error {
			w.Run(ctx)
			return nil
		})
	}
	p.group = g
	p.logger.Info("worker pool started", "workers", n)
	return nil
}

// Stop asks every worker to exit after its current cycle. It does not wait.
func (p *Pool) Stop() {
	if p.stop.Stopped() {
		return
	}
	p.logger.Info("stopping workers")
	p.stop.Stop()
}

// Join blocks until every started worker has exited.
func (p *Pool) Join() {
	p.mu.Lock()
	g := p.group
	p.mu.Unlock()
	if g == nil {
		return
	}
	_ = g.Wait()
}

// Stopping reports whether Stop has been called.
func (p *Pool) Stopping() bool { return p.stop.Stopped() }
