package resolver

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/selivandex/coin-resolver/pkg/logger"
)

// HitBuffer accumulates mapping usage in memory until the next flush.
type HitBuffer struct {
	mu      sync.Mutex
	pending map[string]HitDelta
}

func NewHitBuffer() *HitBuffer {
	return &HitBuffer{pending: make(map[string]HitDelta)}
}

// Record counts one use of key at now.
func (b *HitBuffer) Record(key string, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	h := b.pending[key]
	h.Count++
	if now.After(h.LastUsed) {
		h.LastUsed = now
	}
	b.pending[key] = h
}

// Pending returns how many keys await a flush.
func (b *HitBuffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *HitBuffer) drain() map[string]HitDelta {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := b.pending
	b.pending = make(map[string]HitDelta, len(out))
	return out
}

// restore merges hits back after a failed flush.
func (b *HitBuffer) restore(hits map[string]HitDelta) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for k, h := range hits {
		cur := b.pending[k]
		cur.Count += h.Count
		if h.LastUsed.After(cur.LastUsed) {
			cur.LastUsed = h.LastUsed
		}
		b.pending[k] = cur
	}
}

// HitFlusher writes buffered hits to the store; it runs as a periodic worker.
type HitFlusher struct {
	buffer *HitBuffer
	store  Store
}

func NewHitFlusher(buffer *HitBuffer, store Store) *HitFlusher {
	return &HitFlusher{buffer: buffer, store: store}
}

func (f *HitFlusher) Name() string { return "hit_flusher" }

func (f *HitFlusher) Run(ctx context.Context) error {
	hits := f.buffer.drain()
	if len(hits) == 0 {
		return nil
	}

	if err := f.store.AddHits(ctx, hits); err != nil {
		f.buffer.restore(hits)
		return err
	}

	logger.Debug("hit counts flushed", zap.Int("mappings", len(hits)))
	return nil
}

// Finalize flushes whatever is left on shutdown.
func (f *HitFlusher) Finalize(ctx context.Context) error {
	return f.Run(ctx)
}
