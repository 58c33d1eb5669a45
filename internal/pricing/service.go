package pricing

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/selivandex/coin-resolver/pkg/logger"
	"github.com/selivandex/coin-resolver/pkg/models"
)

const fallbackConcurrency = 8

// Service routes price lookups between the primary batcher and the exchange
// fallback according to the circuit breaker.
type Service struct {
	batcher  *Batcher
	breaker  *CircuitBreaker
	fallback *Fallback
}

// NewService creates the pricing service; fallback may be nil.
func NewService(batcher *Batcher, breaker *CircuitBreaker, fallback *Fallback) *Service {
	return &Service{batcher: batcher, breaker: breaker, fallback: fallback}
}

// ShouldUseFallback is true for allowlisted ids while the primary is cooling down.
func (s *Service) ShouldUseFallback(id string) bool {
	if s.fallback == nil || s.breaker == nil {
		return false
	}
	return s.fallback.Eligible(id) && s.breaker.IsOpen()
}

// GetPrice is a primary-only lookup through the batcher.
func (s *Service) GetPrice(ctx context.Context, id string) (*models.Quote, error) {
	return s.batcher.GetPrice(ctx, id)
}

// GetPrices is a primary-only batch lookup; nil marks a miss.
func (s *Service) GetPrices(ctx context.Context, ids []string) []*models.Quote {
	return s.batcher.GetPrices(ctx, ids)
}

// GetSmartPrice serves id from the fallback when the breaker says so, and
// from the batcher otherwise. A fallback miss still tries the batcher, which
// can answer from cache or with a stale quote.
func (s *Service) GetSmartPrice(ctx context.Context, id string) (*models.Quote, error) {
	if s.ShouldUseFallback(id) {
		q, err := s.fallback.Quote(ctx, id)
		if err == nil {
			return q, nil
		}
		logger.Debug("fallback miss, trying primary cache", zap.String("id", id), zap.Error(err))
	}
	return s.batcher.GetPrice(ctx, id)
}

// GetSmartPrices routes every id independently and merges the answers in
// input order, nil marking a miss.
func (s *Service) GetSmartPrices(ctx context.Context, ids []string) []*models.Quote {
	out := make([]*models.Quote, len(ids))
	if len(ids) == 0 {
		return out
	}

	var primaryIdx []int
	var primaryIDs []string
	var fallbackIdx []int
	for i, id := range ids {
		if s.ShouldUseFallback(id) {
			fallbackIdx = append(fallbackIdx, i)
			continue
		}
		primaryIdx = append(primaryIdx, i)
		primaryIDs = append(primaryIDs, id)
	}

	if len(fallbackIdx) > 0 {
		var g errgroup.Group
		g.SetLimit(fallbackConcurrency)
		for _, i := range fallbackIdx {
			g.Go(func() error {
				q, err := s.fallback.Quote(ctx, ids[i])
				if err != nil {
					logger.Debug("fallback miss, trying primary cache", zap.String("id", ids[i]), zap.Error(err))
					return nil
				}
				out[i] = q
				return nil
			})
		}
		_ = g.Wait()

		for _, i := range fallbackIdx {
			if out[i] == nil {
				primaryIdx = append(primaryIdx, i)
				primaryIDs = append(primaryIDs, ids[i])
			}
		}
	}

	if len(primaryIDs) > 0 {
		quotes := s.batcher.GetPrices(ctx, primaryIDs)
		for j, i := range primaryIdx {
			out[i] = quotes[j]
		}
	}
	return out
}

// Status is the pricing view for stats endpoints
type Status struct {
	Breaker       BreakerStatus `json:"breaker"`
	CachedQuotes  int           `json:"cached_quotes"`
	PendingIDs    int           `json:"pending_ids"`
	UpstreamCalls int64         `json:"upstream_calls"`
	FallbackIDs   int           `json:"fallback_ids"`
}

func (s *Service) Status() Status {
	st := Status{
		CachedQuotes:  s.batcher.Cache().Len(),
		PendingIDs:    s.batcher.Pending(),
		UpstreamCalls: s.batcher.UpstreamCalls(),
	}
	if s.breaker != nil {
		st.Breaker = s.breaker.Status()
	}
	if s.fallback != nil {
		st.FallbackIDs = len(s.fallback.symbols)
	}
	return st
}

// Breaker exposes the circuit breaker for admin operations.
func (s *Service) Breaker() *CircuitBreaker {
	return s.breaker
}

// Batcher exposes the primary batcher.
func (s *Service) Batcher() *Batcher {
	return s.batcher
}
