package worker

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/selivandex/coin-resolver/pkg/logger"
)

// Worker interface that background workers should implement
type Worker interface {
	// Name returns worker name for logging
	Name() string
	// Run executes one iteration of work
	Run(ctx context.Context) error
}

// Finalizer is implemented by workers that must run once more on shutdown,
// e.g. to flush buffered writes.
type Finalizer interface {
	Finalize(ctx context.Context) error
}

// Func adapts a plain function to Worker
type Func struct {
	WorkerName string
	Fn         func(ctx context.Context) error
}

func (f Func) Name() string                  { return f.WorkerName }
func (f Func) Run(ctx context.Context) error { return f.Fn(ctx) }

// PeriodicWorker wraps a Worker with periodic execution
type PeriodicWorker struct {
	worker   Worker
	interval time.Duration
	clock    clock.Clock
	wg       sync.WaitGroup
	name     string
}

// NewPeriodicWorker creates new periodic worker
func NewPeriodicWorker(w Worker, interval time.Duration) *PeriodicWorker {
	return NewPeriodicWorkerWithClock(w, interval, clock.New())
}

// NewPeriodicWorkerWithClock is NewPeriodicWorker driven by clk
func NewPeriodicWorkerWithClock(w Worker, interval time.Duration, clk clock.Clock) *PeriodicWorker {
	return &PeriodicWorker{
		worker:   w,
		interval: interval,
		clock:    clk,
		name:     w.Name(),
	}
}

// Start starts the worker; it stops when ctx is cancelled
func (pw *PeriodicWorker) Start(ctx context.Context) {
	pw.wg.Add(1)
	go pw.run(ctx)
}

// Stop waits for the worker loop to exit, at most timeout
func (pw *PeriodicWorker) Stop(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		pw.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("worker stopped", zap.String("worker", pw.name))
	case <-time.After(timeout):
		logger.Warn("worker stop timeout", zap.String("worker", pw.name))
	}
}

func (pw *PeriodicWorker) run(ctx context.Context) {
	defer pw.wg.Done()

	logger.Info("worker started",
		zap.String("worker", pw.name),
		zap.Duration("interval", pw.interval),
	)

	pw.runOnce(ctx)

	ticker := pw.clock.Ticker(pw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			pw.finalize()
			return
		case <-ticker.C:
			pw.runOnce(ctx)
		}
	}
}

func (pw *PeriodicWorker) runOnce(ctx context.Context) {
	if err := pw.worker.Run(ctx); err != nil {
		// keep going; the next tick retries
		logger.Error("worker execution failed",
			zap.String("worker", pw.name),
			zap.Error(err),
		)
	}
}

func (pw *PeriodicWorker) finalize() {
	f, ok := pw.worker.(Finalizer)
	if !ok {
		return
	}

	// parent ctx is already cancelled
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := f.Finalize(ctx); err != nil {
		logger.Error("worker finalize failed",
			zap.String("worker", pw.name),
			zap.Error(err),
		)
	}
}

// Group manages multiple workers with graceful shutdown
type Group struct {
	workers []*PeriodicWorker
	ctx     context.Context
	cancel  context.CancelFunc
	clock   clock.Clock
	mu      sync.Mutex
}

// NewGroup creates new worker group
func NewGroup(ctx context.Context, clk clock.Clock) *Group {
	if clk == nil {
		clk = clock.New()
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Group{ctx: ctx, cancel: cancel, clock: clk}
}

// Add adds worker to group
func (g *Group) Add(w Worker, interval time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.workers = append(g.workers, NewPeriodicWorkerWithClock(w, interval, g.clock))
}

// Start starts all workers
func (g *Group) Start() {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, w := range g.workers {
		w.Start(g.ctx)
	}

	logger.Info("worker group started", zap.Int("workers", len(g.workers)))
}

// Stop cancels all workers and waits for them, each at most timeout
func (g *Group) Stop(timeout time.Duration) {
	g.cancel()

	g.mu.Lock()
	defer g.mu.Unlock()

	for _, w := range g.workers {
		w.Stop(timeout)
	}

	logger.Info("worker group stopped", zap.Int("workers", len(g.workers)))
}
