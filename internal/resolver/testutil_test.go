package resolver

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/selivandex/coin-resolver/internal/adapters/database"
	"github.com/selivandex/coin-resolver/pkg/models"
)

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func newMockClock() *clock.Mock {
	clk := clock.NewMock()
	clk.Set(testNow)
	return clk
}

func newSQLiteRepo(t *testing.T) *Repository {
	t.Helper()

	db, err := database.Open(database.DriverSQLite, filepath.Join(t.TempDir(), "resolver.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, db.RunMigrations())
	return NewRepository(db.DB())
}

// fakeSearcher serves canned candidates per query and counts upstream calls.
type fakeSearcher struct {
	mu      sync.Mutex
	results map[string][]models.Candidate
	err     error
	delay   time.Duration
	calls   atomic.Int32
}

func newFakeSearcher() *fakeSearcher {
	return &fakeSearcher{results: make(map[string][]models.Candidate)}
}

func (f *fakeSearcher) set(query string, cands ...models.Candidate) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[query] = cands
}

func (f *fakeSearcher) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeSearcher) Search(ctx context.Context, query string) ([]models.Candidate, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.results[query], nil
}

type rateLimitErr struct{}

func (rateLimitErr) Error() string     { return "429 too many requests" }
func (rateLimitErr) RateLimited() bool { return true }

type fixture struct {
	repo     *Repository
	searcher *fakeSearcher
	clock    *clock.Mock
	smart    *SmartResolver
	service  *Service
	bans     []string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		repo:     newSQLiteRepo(t),
		searcher: newFakeSearcher(),
		clock:    newMockClock(),
	}

	search := NewSearchResolver(f.searcher, 25, []string{"blocked-coin"})
	failures := NewFailureTracker(f.repo, f.clock, 2, time.Hour)
	f.smart = NewSmartResolver(f.repo, search, failures, f.clock, SmartConfig{
		CacheSize: 100,
		CacheTTL:  time.Hour,
		Hooks: Hooks{
			OnBan: func(key, _, rule string) { f.bans = append(f.bans, key+"/"+rule) },
		},
	})
	f.service = NewService(NewCanonicalTable(nil), f.smart, "")
	return f
}

func coin(id, symbol, name string, rank int) models.Candidate {
	return models.Candidate{ID: id, Symbol: symbol, Name: name, MarketCapRank: rank}
}
