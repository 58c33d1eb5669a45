package resolver

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/selivandex/coin-resolver/pkg/logger"
	"github.com/selivandex/coin-resolver/pkg/models"
)

const resolveManyConcurrency = 8

// Locker serializes cluster-wide one-off jobs such as warmup.
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (release func(), ok bool, err error)
}

// Service is the entry point for callers: canonical table, pair parsing and
// the learning resolver behind one Resolve call.
type Service struct {
	canonical    *CanonicalTable
	smart        *SmartResolver
	defaultChain string
}

func NewService(canonical *CanonicalTable, smart *SmartResolver, defaultChain string) *Service {
	if canonical == nil {
		canonical = NewCanonicalTable(nil)
	}
	return &Service{canonical: canonical, smart: smart, defaultChain: defaultChain}
}

// Resolve maps free-form input to a canonical id. Qualifier words such as
// "wrapped" or "stable" relax the anti-poisoning filters for this call.
func (s *Service) Resolve(ctx context.Context, raw string) (models.Resolution, error) {
	text, flags := DetectFlags(raw)
	return s.resolve(ctx, text, flags, true)
}

// ResolveWithFlags is Resolve with explicit filter relaxations.
func (s *Service) ResolveWithFlags(ctx context.Context, raw string, flags Flags) (models.Resolution, error) {
	text, wordFlags := DetectFlags(raw)
	return s.resolve(ctx, text, flags.Merge(wordFlags), true)
}

func (s *Service) resolve(ctx context.Context, raw string, flags Flags, allowPair bool) (models.Resolution, error) {
	clean := cleanKey(raw)
	if clean == "" {
		return models.Resolution{}, ErrInvalidTicker
	}

	if !flags.Any() {
		if id, ok := s.canonical.Lookup(clean); ok {
			return models.Resolution{ID: id, Ticker: clean, Via: models.ViaCanonical}, nil
		}
	}

	if allowPair {
		if base, quote, ok := ParsePair(clean); ok {
			res, err := s.resolve(ctx, base, flags, false)
			if err != nil {
				return models.Resolution{}, err
			}
			res.Quote = quote
			return res, nil
		}
	}

	n, err := NormalizeTicker(clean, s.defaultChain)
	if err != nil {
		return models.Resolution{}, err
	}

	if !flags.Any() {
		if id, ok := s.canonical.Lookup(n.Ticker); ok {
			return models.Resolution{ID: id, Ticker: n.Ticker, Chain: n.Chain, Via: models.ViaCanonical}, nil
		}
	}

	return s.smart.ResolveNormalized(ctx, n, flags)
}

// Lookup is Resolve reduced to "id or nothing".
func (s *Service) Lookup(ctx context.Context, raw string) (string, bool) {
	res, err := s.Resolve(ctx, raw)
	if err != nil {
		return "", false
	}
	return res.ID, true
}

// Result is one entry of a ResolveMany answer
type Result struct {
	Input      string            `json:"input"`
	Resolution models.Resolution `json:"resolution"`
	Err        error             `json:"-"`
}

// ResolveMany resolves inputs concurrently; results keep input order.
func (s *Service) ResolveMany(ctx context.Context, inputs []string) []Result {
	results := make([]Result, len(inputs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(resolveManyConcurrency)
	for i, in := range inputs {
		i, in := i, in
		g.Go(func() error {
			res, err := s.Resolve(gctx, in)
			results[i] = Result{Input: in, Resolution: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// Smart exposes the learning resolver for admin operations.
func (s *Service) Smart() *SmartResolver {
	return s.smart
}

// Canonical exposes the canonical table
func (s *Service) Canonical() *CanonicalTable {
	return s.canonical
}

// Warmup seeds canonical entries into the store once per cluster. Without a
// locker every replica seeds; inserts are idempotent either way.
func (s *Service) Warmup(ctx context.Context, locker Locker) error {
	if locker != nil {
		release, ok, err := locker.TryLock(ctx, "resolver:warmup", time.Minute)
		if err != nil {
			return err
		}
		if !ok {
			logger.Info("warmup already running elsewhere, skipping")
			return nil
		}
		defer release()
	}

	n, err := s.smart.Seed(ctx, s.canonical.Entries())
	if err != nil {
		return err
	}

	logger.Info("warmup mappings seeded",
		zap.Int("inserted", n),
		zap.Int("canonical", s.canonical.Len()),
	)
	return nil
}
