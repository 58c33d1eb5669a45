package resolver

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/selivandex/coin-resolver/pkg/logger"
	"github.com/selivandex/coin-resolver/pkg/models"
)

const (
	defaultSearchLimit = 25

	scoreExactSymbol = 50
	scoreExactName   = 40
	scoreRankCeiling = 100
	penaltyWrapped   = -100
	bonusUnwrappedID = 10

	// Survivors that only collected penalties are not trusted.
	minAcceptScore = 1
)

// Searcher queries the price-data provider's coin search
type Searcher interface {
	Search(ctx context.Context, query string) ([]models.Candidate, error)
}

// SearchResolver picks the best candidate for a ticker from upstream search results
type SearchResolver struct {
	searcher Searcher
	limit    int
	blocked  map[string]bool
}

// NewSearchResolver builds a resolver. The hard blocklist is blockedIDs plus
// the comma-separated RESOLVER_BLOCKED_IDS environment variable.
func NewSearchResolver(searcher Searcher, limit int, blockedIDs []string) *SearchResolver {
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	blocked := make(map[string]bool)
	for _, id := range blockedIDs {
		blocked[strings.ToLower(strings.TrimSpace(id))] = true
	}
	for _, id := range strings.Split(os.Getenv("RESOLVER_BLOCKED_IDS"), ",") {
		if id = strings.ToLower(strings.TrimSpace(id)); id != "" {
			blocked[id] = true
		}
	}

	return &SearchResolver{searcher: searcher, limit: limit, blocked: blocked}
}

type scored struct {
	c     models.Candidate
	score int
}

// Resolve searches for ticker and returns the best surviving candidate.
// ErrNotFound when nothing survives filtering; errAmbiguous when even the
// best survivor scores below minAcceptScore.
func (r *SearchResolver) Resolve(ctx context.Context, ticker string, flags Flags) (models.Candidate, error) {
	candidates, err := r.searcher.Search(ctx, ticker)
	if err != nil {
		return models.Candidate{}, fmt.Errorf("search %q: %w", ticker, err)
	}
	if len(candidates) > r.limit {
		candidates = candidates[:r.limit]
	}

	survivors := r.filter(candidates, flags)
	if len(survivors) == 0 {
		logger.Debug("no candidates survived filtering",
			zap.String("ticker", ticker),
			zap.Int("raw", len(candidates)),
		)
		return models.Candidate{}, ErrNotFound
	}

	ranked := make([]scored, 0, len(survivors))
	for _, c := range survivors {
		ranked = append(ranked, scored{c: c, score: Score(c, ticker)})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if len(a.c.Symbol) != len(b.c.Symbol) {
			return len(a.c.Symbol) < len(b.c.Symbol)
		}
		return a.c.ID < b.c.ID
	})

	best := ranked[0]
	if best.score < minAcceptScore {
		return models.Candidate{}, errAmbiguous
	}
	logger.Debug("search resolved ticker",
		zap.String("ticker", ticker),
		zap.String("id", best.c.ID),
		zap.Int("score", best.score),
		zap.Int("candidates", len(ranked)),
	)
	return best.c, nil
}

func (r *SearchResolver) filter(candidates []models.Candidate, flags Flags) []models.Candidate {
	out := make([]models.Candidate, 0, len(candidates))
	for _, c := range candidates {
		c := c
		switch {
		case r.blocked[c.ID]:
		case !flags.Stablecoins && isStablecoin(&c):
		case isProtected(&c):
			out = append(out, c)
		case !flags.Wrapped && looksWrapped(&c):
		case !flags.Staked && looksStaked(&c):
		case !flags.Bridged && looksBridged(&c):
		default:
			out = append(out, c)
		}
	}
	return out
}

// Score ranks a candidate for ticker. Higher is better.
func Score(c models.Candidate, ticker string) int {
	score := 0
	if strings.EqualFold(c.Symbol, ticker) {
		score += scoreExactSymbol
	}
	if strings.EqualFold(c.Name, ticker) {
		score += scoreExactName
	}
	if c.MarketCapRank > 0 && c.MarketCapRank < scoreRankCeiling {
		score += scoreRankCeiling - c.MarketCapRank
	}
	if !isProtected(&c) && (looksWrapped(&c) || looksBridged(&c)) {
		score += penaltyWrapped
	}
	id := strings.ToLower(c.ID)
	if !strings.Contains(id, "wrapped-") && !strings.Contains(id, "-wrapped") {
		score += bonusUnwrappedID
	}
	return score
}
