package pricing

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/selivandex/coin-resolver/pkg/models"
)

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func newMockClock() *clock.Mock {
	clk := clock.NewMock()
	clk.Set(testNow)
	return clk
}

type fakeUpstream struct {
	mu      sync.Mutex
	prices  map[string]float64
	err     error
	delay   time.Duration
	batches [][]string
	calls   atomic.Int32
}

func newFakeUpstream(prices map[string]float64) *fakeUpstream {
	return &fakeUpstream{prices: prices}
}

func (f *fakeUpstream) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeUpstream) SimplePrice(ctx context.Context, ids []string) (map[string]models.Quote, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.batches = append(f.batches, append([]string(nil), ids...))
	delay, err := f.delay, f.err
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]models.Quote)
	for _, id := range ids {
		if p, ok := f.prices[id]; ok {
			out[id] = models.Quote{Price: p, Change24h: 1.5}
		}
	}
	return out, nil
}

func (f *fakeUpstream) batchSizes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int, len(f.batches))
	for i, b := range f.batches {
		out[i] = len(b)
	}
	return out
}

type throttledErr struct{}

func (throttledErr) Error() string     { return "429 too many requests" }
func (throttledErr) RateLimited() bool { return true }

type fakeTicks struct {
	mu    sync.Mutex
	ticks map[string]models.Tick
}

func (f *fakeTicks) Latest(symbol string) (models.Tick, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.ticks[symbol]
	return t, ok
}

type fakeSnapshot struct {
	ticks map[string]models.Tick
	err   error
	calls atomic.Int32
}

func (f *fakeSnapshot) FetchTick(_ context.Context, symbol string) (models.Tick, error) {
	f.calls.Add(1)
	if f.err != nil {
		return models.Tick{}, f.err
	}
	return f.ticks[symbol], nil
}

func newTestBatcher(up Upstream, gate Gate, freshTTL time.Duration, maxBatch int) *Batcher {
	clk := clock.New()
	return NewBatcher(up, NewQuoteCache(100, freshTTL, 5*time.Minute, nil, clk), gate, clk, BatcherConfig{
		Window:         10 * time.Millisecond,
		MaxBatchSize:   maxBatch,
		RequestTimeout: time.Second,
	})
}
