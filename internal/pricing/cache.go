package pricing

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/selivandex/coin-resolver/pkg/cache"
	"github.com/selivandex/coin-resolver/pkg/logger"
	"github.com/selivandex/coin-resolver/pkg/models"
)

const (
	defaultCacheSize  = 2000
	defaultFreshTTL   = 30 * time.Second
	defaultStaleGrace = 5 * time.Minute
)

// QuoteStore is a shared second-level quote cache (redis in production).
type QuoteStore interface {
	GetQuotes(ctx context.Context, ids []string) (map[string]models.Quote, error)
	SetQuotes(ctx context.Context, quotes []models.Quote, ttl time.Duration) error
}

// QuoteCache keeps quotes for the stale grace window and reports them fresh
// only while they are younger than the fresh TTL.
type QuoteCache struct {
	local      *cache.TTL[string, models.Quote]
	shared     QuoteStore
	clock      clock.Clock
	freshTTL   time.Duration
	staleGrace time.Duration
}

// NewQuoteCache creates a quote cache; shared may be nil.
func NewQuoteCache(size int, freshTTL, staleGrace time.Duration, shared QuoteStore, clk clock.Clock) *QuoteCache {
	if clk == nil {
		clk = clock.New()
	}
	if size <= 0 {
		size = defaultCacheSize
	}
	if freshTTL <= 0 {
		freshTTL = defaultFreshTTL
	}
	if staleGrace < freshTTL {
		staleGrace = defaultStaleGrace
	}
	return &QuoteCache{
		local:      cache.NewTTL[string, models.Quote](size, staleGrace, clk),
		shared:     shared,
		clock:      clk,
		freshTTL:   freshTTL,
		staleGrace: staleGrace,
	}
}

func (c *QuoteCache) fresh(q models.Quote, now time.Time) bool {
	return q.Age(now) <= c.freshTTL
}

// Fresh returns fresh quotes for ids, consulting the shared store for local
// misses. Shared store failures are logged and treated as misses.
func (c *QuoteCache) Fresh(ctx context.Context, ids []string) map[string]*models.Quote {
	now := c.clock.Now()
	out := make(map[string]*models.Quote, len(ids))
	var missing []string

	for _, id := range ids {
		if q, ok := c.local.Get(id); ok && c.fresh(q, now) {
			out[id] = q.Clone()
			continue
		}
		missing = append(missing, id)
	}

	if c.shared == nil || len(missing) == 0 {
		return out
	}

	remote, err := c.shared.GetQuotes(ctx, missing)
	if err != nil {
		logger.Warn("shared quote cache read failed", zap.Error(err))
		return out
	}
	for id, q := range remote {
		if !c.fresh(q, now) {
			continue
		}
		c.local.Set(id, q)
		out[id] = q.Clone()
	}
	return out
}

// Stale returns a cached quote inside the grace window, tagged as stale.
func (c *QuoteCache) Stale(id string) (*models.Quote, bool) {
	q, ok := c.local.Get(id)
	if !ok || q.Age(c.clock.Now()) > c.staleGrace {
		return nil, false
	}
	out := q.Clone()
	out.IsStale = true
	return out, true
}

// Put stores quotes locally and in the shared store.
func (c *QuoteCache) Put(ctx context.Context, quotes []models.Quote) {
	if len(quotes) == 0 {
		return
	}
	for _, q := range quotes {
		c.local.Set(q.ID, q)
	}
	if c.shared == nil {
		return
	}
	if err := c.shared.SetQuotes(ctx, quotes, c.freshTTL); err != nil {
		logger.Warn("shared quote cache write failed", zap.Int("quotes", len(quotes)), zap.Error(err))
	}
}

// Prune drops quotes past the stale grace window.
func (c *QuoteCache) Prune() int {
	return c.local.Prune()
}

func (c *QuoteCache) Len() int {
	return c.local.Len()
}
