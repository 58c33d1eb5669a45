package resolver

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/selivandex/coin-resolver/pkg/logger"
	"github.com/selivandex/coin-resolver/pkg/models"
)

const (
	defaultBackoffBase = 2
	defaultBackoffCap  = 60 * time.Minute
)

// rateLimited is implemented by upstream errors caused by throttling.
type rateLimited interface {
	RateLimited() bool
}

// ClassifyFailure maps a resolution error to the reason stored with it.
func ClassifyFailure(err error) models.FailureReason {
	var rl rateLimited
	switch {
	case errors.Is(err, errAmbiguous):
		return models.ReasonAmbiguous
	case errors.Is(err, ErrNotFound):
		return models.ReasonNotFound
	case errors.As(err, &rl) && rl.RateLimited():
		return models.ReasonRateLimit
	default:
		return models.ReasonAPIError
	}
}

// BackoffDelay is min(base^count, cap) minutes.
func BackoffDelay(base, count int, limit time.Duration) time.Duration {
	if base < 2 {
		base = defaultBackoffBase
	}
	d := time.Minute
	for i := 0; i < count; i++ {
		d *= time.Duration(base)
		if d >= limit {
			return limit
		}
	}
	return d
}

// FailureTracker keeps repeatedly failing tickers from hitting the search API
type FailureTracker struct {
	store Store
	clock clock.Clock
	base  int
	cap   time.Duration
}

// NewFailureTracker creates a tracker with exponential backoff capped at limit
func NewFailureTracker(store Store, clk clock.Clock, base int, limit time.Duration) *FailureTracker {
	if base < 2 {
		base = defaultBackoffBase
	}
	if limit <= 0 {
		limit = defaultBackoffCap
	}
	return &FailureTracker{store: store, clock: clk, base: base, cap: limit}
}

// Check returns a *BackoffError while key is inside its retry window.
// Store errors are logged and treated as "not backing off".
func (t *FailureTracker) Check(ctx context.Context, key string) error {
	f, err := t.store.GetFailure(ctx, key)
	if err != nil {
		logger.Warn("failure lookup failed", zap.String("ticker", key), zap.Error(err))
		return nil
	}
	if f != nil && t.clock.Now().Before(f.RetryAfter) {
		return &BackoffError{Ticker: key, RetryAfter: f.RetryAfter}
	}
	return nil
}

// RecordFailure bumps the failure count for key and pushes retry_after out.
func (t *FailureTracker) RecordFailure(ctx context.Context, key, chain string, reason models.FailureReason) (*models.FailedResolution, error) {
	prev, err := t.store.GetFailure(ctx, key)
	if err != nil {
		return nil, err
	}

	count := 1
	if prev != nil {
		count = prev.FailureCount + 1
	}

	now := t.clock.Now().UTC()
	f := &models.FailedResolution{
		Ticker:       key,
		FailureCount: count,
		LastReason:   reason,
		LastFailedAt: now,
		RetryAfter:   now.Add(BackoffDelay(t.base, count, t.cap)),
		ChainHint:    sql.NullString{String: chain, Valid: chain != ""},
	}

	if err := t.store.UpsertFailure(ctx, f); err != nil {
		return nil, err
	}

	logger.Debug("resolution failure recorded",
		zap.String("ticker", key),
		zap.String("reason", string(reason)),
		zap.Int("count", count),
		zap.Time("retry_after", f.RetryAfter),
	)
	return f, nil
}

// RecordSuccess clears any failure history for key.
func (t *FailureTracker) RecordSuccess(ctx context.Context, key string) error {
	return t.store.DeleteFailure(ctx, key)
}

// Cleanup removes failure rows untouched for longer than retention.
func (t *FailureTracker) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	n, err := t.store.PruneFailures(ctx, t.clock.Now().UTC().Add(-retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logger.Info("pruned stale failure records", zap.Int64("rows", n))
	}
	return n, nil
}
