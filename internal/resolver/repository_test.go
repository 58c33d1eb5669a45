package resolver

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/selivandex/coin-resolver/pkg/models"
)

func learned(ticker, id string, confidence int, now time.Time, ttl time.Duration) *models.TickerMapping {
	return &models.TickerMapping{
		Ticker:          ticker,
		CanonicalID:     id,
		Source:          models.SourceLearned,
		ConfidenceScore: confidence,
		LastUsedAt:      now,
		CreatedAt:       now,
		UpdatedAt:       now,
		ExpiresAt:       sql.NullTime{Time: now.Add(ttl), Valid: true},
	}
}

// exerciseRepository runs the store contract against any dialect.
func exerciseRepository(t *testing.T, repo *Repository) {
	ctx := context.Background()
	now := testNow

	t.Run("confidence never decreases and ttl is never shortened", func(t *testing.T) {
		require.NoError(t, repo.LearnMapping(ctx, learned("pepe", "pepe", 80, now, 30*24*time.Hour)))
		require.NoError(t, repo.LearnMapping(ctx, learned("pepe", "pepe", 60, now.Add(time.Hour), 7*24*time.Hour)))

		m, err := repo.GetMapping(ctx, "pepe")
		require.NoError(t, err)
		assert.Equal(t, 80, m.ConfidenceScore)
		assert.WithinDuration(t, now.Add(30*24*time.Hour), m.ExpiresAt.Time, time.Second)
	})

	t.Run("improved confidence extends ttl", func(t *testing.T) {
		require.NoError(t, repo.LearnMapping(ctx, learned("op", "optimism", 60, now, 7*24*time.Hour)))
		later := now.Add(24 * time.Hour)
		require.NoError(t, repo.LearnMapping(ctx, learned("op", "optimism", 80, later, 30*24*time.Hour)))

		m, err := repo.GetMapping(ctx, "op")
		require.NoError(t, err)
		assert.Equal(t, 80, m.ConfidenceScore)
		assert.WithinDuration(t, later.Add(30*24*time.Hour), m.ExpiresAt.Time, time.Second)
	})

	t.Run("auto ban respects admin rows", func(t *testing.T) {
		require.NoError(t, repo.PutAdminMapping(ctx, &models.TickerMapping{
			Ticker: "sd", CanonicalID: "stader", ConfidenceScore: 100,
			LastUsedAt: now, CreatedAt: now, UpdatedAt: now,
		}))
		require.NoError(t, repo.AutoBan(ctx, "sd", "", "single_char", now))

		m, err := repo.GetMapping(ctx, "sd")
		require.NoError(t, err)
		assert.False(t, m.IsBanned)

		require.NoError(t, repo.ForceBan(ctx, "sd", "admin", now))
		m, err = repo.GetMapping(ctx, "sd")
		require.NoError(t, err)
		assert.True(t, m.IsBanned)
		assert.Equal(t, "admin", m.BanReason.String)
	})

	t.Run("insert if absent", func(t *testing.T) {
		ok, err := repo.InsertIfAbsent(ctx, &models.TickerMapping{
			Ticker: "btc", CanonicalID: "bitcoin", Source: models.SourceWarmup, ConfidenceScore: 90,
			LastUsedAt: now, CreatedAt: now, UpdatedAt: now,
		})
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = repo.InsertIfAbsent(ctx, &models.TickerMapping{
			Ticker: "btc", CanonicalID: "other", Source: models.SourceWarmup, ConfidenceScore: 90,
			LastUsedAt: now, CreatedAt: now, UpdatedAt: now,
		})
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("hits accumulate", func(t *testing.T) {
		require.NoError(t, repo.AddHits(ctx, map[string]HitDelta{"btc": {Count: 2, LastUsed: now.Add(time.Minute)}}))
		require.NoError(t, repo.AddHits(ctx, map[string]HitDelta{"btc": {Count: 3, LastUsed: now}}))

		m, err := repo.GetMapping(ctx, "btc")
		require.NoError(t, err)
		assert.Equal(t, int64(5), m.HitCount)
		assert.WithinDuration(t, now.Add(time.Minute), m.LastUsedAt, time.Second)
	})

	t.Run("failures", func(t *testing.T) {
		f := &models.FailedResolution{
			Ticker: "zzz", FailureCount: 1, LastReason: models.ReasonNotFound,
			LastFailedAt: now.Add(-10 * 24 * time.Hour), RetryAfter: now.Add(-10 * 24 * time.Hour),
		}
		require.NoError(t, repo.UpsertFailure(ctx, f))

		got, err := repo.GetFailure(ctx, "zzz")
		require.NoError(t, err)
		assert.Equal(t, models.ReasonNotFound, got.LastReason)

		n, err := repo.PruneFailures(ctx, now.Add(-7*24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		got, err = repo.GetFailure(ctx, "zzz")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("stats", func(t *testing.T) {
		st, err := repo.Stats(ctx, now.Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(2), st.Learned)
		assert.Equal(t, int64(1), st.Warmup)
		assert.Equal(t, int64(1), st.Banned)
		assert.Equal(t, int64(3), st.Active)
	})
}

func TestRepositorySQLite(t *testing.T) {
	exerciseRepository(t, newSQLiteRepo(t))
}
