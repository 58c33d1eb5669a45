package resolver

import (
	"context"

	"github.com/selivandex/coin-resolver/pkg/models"
)

// Gate is the circuit breaker in front of the provider. Search shares it
// with price fetching so both count against one request budget.
type Gate interface {
	Allow() bool
	RecordRequest()
	RecordResult(err error)
}

type searchThrottledError struct{}

func (searchThrottledError) Error() string     { return "search skipped: upstream cooling down" }
func (searchThrottledError) RateLimited() bool { return true }

// ErrSearchThrottled is returned without calling upstream while the gate is
// closed. It classifies as a rate-limit failure.
var ErrSearchThrottled error = searchThrottledError{}

// GatedSearcher runs every search through a Gate
type GatedSearcher struct {
	next Searcher
	gate Gate
}

func NewGatedSearcher(next Searcher, gate Gate) *GatedSearcher {
	return &GatedSearcher{next: next, gate: gate}
}

func (g *GatedSearcher) Search(ctx context.Context, query string) ([]models.Candidate, error) {
	if !g.gate.Allow() {
		return nil, ErrSearchThrottled
	}

	g.gate.RecordRequest()
	cands, err := g.next.Search(ctx, query)
	g.gate.RecordResult(err)
	return cands, err
}
