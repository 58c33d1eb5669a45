package pricing

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/selivandex/coin-resolver/pkg/logger"
	"github.com/selivandex/coin-resolver/pkg/models"
)

const (
	defaultBatchWindow    = 50 * time.Millisecond
	defaultMaxBatchSize   = 100
	defaultRequestTimeout = 10 * time.Second
)

// Upstream is the primary multi-id price endpoint.
type Upstream interface {
	SimplePrice(ctx context.Context, ids []string) (map[string]models.Quote, error)
}

// Gate decides whether the primary upstream may be called and observes the outcome.
type Gate interface {
	Allow() bool
	RecordRequest()
	RecordResult(err error)
}

// BatcherConfig tunes the batch window
type BatcherConfig struct {
	Window         time.Duration
	MaxBatchSize   int
	RequestTimeout time.Duration
	// OnUpstream is called after every upstream call. May be nil.
	OnUpstream func(ids int, took time.Duration, err error)
}

// pendingCall is shared by every caller waiting on one id.
type pendingCall struct {
	done  chan struct{}
	quote *models.Quote
	err   error
}

// Batcher coalesces price lookups into windowed multi-id upstream calls.
// At most one upstream request is in flight per id.
type Batcher struct {
	upstream Upstream
	cache    *QuoteCache
	gate     Gate
	clock    clock.Clock

	window     time.Duration
	maxBatch   int
	timeout    time.Duration
	onUpstream func(ids int, took time.Duration, err error)

	mu      sync.Mutex
	pending map[string]*pendingCall
	queue   []string
	timer   *clock.Timer

	calls atomic.Int64
}

// NewBatcher creates a batcher; gate may be nil.
func NewBatcher(upstream Upstream, quotes *QuoteCache, gate Gate, clk clock.Clock, cfg BatcherConfig) *Batcher {
	if clk == nil {
		clk = clock.New()
	}
	if quotes == nil {
		quotes = NewQuoteCache(0, 0, 0, nil, clk)
	}
	if cfg.Window <= 0 {
		cfg.Window = defaultBatchWindow
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = defaultMaxBatchSize
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}

	return &Batcher{
		upstream:   upstream,
		cache:      quotes,
		gate:       gate,
		clock:      clk,
		window:     cfg.Window,
		maxBatch:   cfg.MaxBatchSize,
		timeout:    cfg.RequestTimeout,
		onUpstream: cfg.OnUpstream,
		pending:    make(map[string]*pendingCall),
	}
}

// Result is the outcome for one requested id
type Result struct {
	Quote *models.Quote
	Err   error
}

// GetPrice returns the quote for one id.
func (b *Batcher) GetPrice(ctx context.Context, id string) (*models.Quote, error) {
	r := b.Fetch(ctx, []string{id})[0]
	return r.Quote, r.Err
}

// GetPrices returns quotes in input order with nil for every miss.
func (b *Batcher) GetPrices(ctx context.Context, ids []string) []*models.Quote {
	results := b.Fetch(ctx, ids)
	out := make([]*models.Quote, len(results))
	for i, r := range results {
		if r.Err == nil {
			out[i] = r.Quote
		}
	}
	return out
}

// Fetch resolves ids through the fresh cache and the batch window. Results
// are in input order. A failed id falls back to a stale quote when one is
// still inside the grace window.
func (b *Batcher) Fetch(ctx context.Context, ids []string) []Result {
	results := make([]Result, len(ids))
	if len(ids) == 0 {
		return results
	}

	fresh := b.cache.Fresh(ctx, ids)

	calls := make(map[string]*pendingCall)
	var misses []string
	for _, id := range ids {
		if _, ok := fresh[id]; ok {
			continue
		}
		if _, ok := calls[id]; ok {
			continue
		}
		calls[id] = nil
		misses = append(misses, id)
	}
	if len(misses) > 0 {
		for id, c := range b.join(misses) {
			calls[id] = c
		}
	}

	for i, id := range ids {
		if q, ok := fresh[id]; ok {
			results[i] = Result{Quote: q.Clone()}
			continue
		}
		results[i] = b.wait(ctx, id, calls[id])
	}
	return results
}

// join attaches to in-flight calls or queues new ones, arming the shared
// window timer when the queue was empty.
func (b *Batcher) join(ids []string) map[string]*pendingCall {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]*pendingCall, len(ids))
	for _, id := range ids {
		if c, ok := b.pending[id]; ok {
			out[id] = c
			continue
		}
		c := &pendingCall{done: make(chan struct{})}
		b.pending[id] = c
		b.queue = append(b.queue, id)
		out[id] = c
	}

	if len(b.queue) > 0 && b.timer == nil {
		b.timer = b.clock.AfterFunc(b.window, b.flush)
	}
	return out
}

func (b *Batcher) wait(ctx context.Context, id string, c *pendingCall) Result {
	select {
	case <-c.done:
	case <-ctx.Done():
		if q, ok := b.cache.Stale(id); ok {
			return Result{Quote: q}
		}
		return Result{Err: ctx.Err()}
	}

	if c.err != nil {
		if q, ok := b.cache.Stale(id); ok {
			return Result{Quote: q}
		}
		return Result{Err: c.err}
	}
	return Result{Quote: c.quote.Clone()}
}

// flush fires once per window and issues the queued ids in chunks.
func (b *Batcher) flush() {
	b.mu.Lock()
	ids := b.queue
	b.queue = nil
	b.timer = nil
	b.mu.Unlock()

	if len(ids) == 0 {
		return
	}

	var g errgroup.Group
	for start := 0; start < len(ids); start += b.maxBatch {
		end := start + b.maxBatch
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]
		g.Go(func() error {
			b.fetchChunk(chunk)
			return nil
		})
	}
	_ = g.Wait()
}

func (b *Batcher) fetchChunk(ids []string) {
	if b.gate != nil && !b.gate.Allow() {
		b.resolveAll(ids, nil, ErrRateLimited)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	if b.gate != nil {
		b.gate.RecordRequest()
	}
	b.calls.Add(1)

	start := b.clock.Now()
	quotes, err := b.upstream.SimplePrice(ctx, ids)
	took := b.clock.Since(start)

	if b.gate != nil {
		b.gate.RecordResult(err)
	}
	if b.onUpstream != nil {
		b.onUpstream(len(ids), took, err)
	}

	if err != nil {
		logger.Warn("price batch failed",
			zap.Int("ids", len(ids)),
			zap.Duration("took", took),
			zap.Error(err),
		)
		b.resolveAll(ids, nil, err)
		return
	}

	nowMs := b.clock.Now().UnixMilli()
	found := make([]models.Quote, 0, len(quotes))
	for _, id := range ids {
		q, ok := quotes[id]
		if !ok {
			continue
		}
		q.ID = id
		q.TimestampMs = nowMs
		q.Source = models.QuotePrimary
		q.IsStale = false
		quotes[id] = q
		found = append(found, q)
	}
	b.cache.Put(ctx, found)

	logger.Debug("price batch served",
		zap.Int("ids", len(ids)),
		zap.Int("found", len(found)),
		zap.Duration("took", took),
	)
	b.resolveAll(ids, quotes, nil)
}

// resolveAll completes the pending calls for ids. With err == nil, ids
// missing from quotes resolve as ErrNotFound.
func (b *Batcher) resolveAll(ids []string, quotes map[string]models.Quote, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, id := range ids {
		c, ok := b.pending[id]
		if !ok {
			continue
		}
		delete(b.pending, id)

		switch {
		case err != nil:
			c.err = err
		default:
			if q, ok := quotes[id]; ok {
				c.quote = &q
			} else {
				c.err = ErrNotFound
			}
		}
		close(c.done)
	}
}

// UpstreamCalls counts primary requests issued since start.
func (b *Batcher) UpstreamCalls() int64 {
	return b.calls.Load()
}

// Pending is the number of ids queued or in flight.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Cache exposes the quote cache for pruning.
func (b *Batcher) Cache() *QuoteCache {
	return b.cache
}
