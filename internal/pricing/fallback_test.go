package pricing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/selivandex/coin-resolver/pkg/models"
)

func TestFallbackQuote(t *testing.T) {
	ctx := context.Background()
	clk := newMockClock()
	stream := &fakeTicks{ticks: map[string]models.Tick{
		"BTCUSDT": {Symbol: "BTCUSDT", Price: 64900, Change24h: -1.2, Time: testNow.Add(-10 * time.Second)},
		"ETHUSDT": {Symbol: "ETHUSDT", Price: 3100, Time: testNow.Add(-5 * time.Minute)},
	}}
	snapshot := &fakeSnapshot{ticks: map[string]models.Tick{
		"ETHUSDT": {Symbol: "ETHUSDT", Price: 3150},
	}}
	fb := NewFallback(stream, snapshot, clk, FallbackConfig{})

	t.Run("fresh stream tick", func(t *testing.T) {
		q, err := fb.Quote(ctx, "bitcoin")
		require.NoError(t, err)
		assert.Equal(t, 64900.0, q.Price)
		assert.Equal(t, -1.2, q.Change24h)
		assert.Equal(t, models.QuoteFallback, q.Source)
		assert.Nil(t, q.MarketCap)
		assert.Zero(t, snapshot.calls.Load())
	})

	t.Run("old tick falls back to snapshot", func(t *testing.T) {
		q, err := fb.Quote(ctx, "ethereum")
		require.NoError(t, err)
		assert.Equal(t, 3150.0, q.Price)
		assert.Equal(t, testNow.UnixMilli(), q.TimestampMs)
		assert.Equal(t, int32(1), snapshot.calls.Load())
	})

	t.Run("not allowlisted", func(t *testing.T) {
		assert.False(t, fb.Eligible("pepe"))
		_, err := fb.Quote(ctx, "pepe")
		assert.ErrorIs(t, err, ErrNoFallback)
	})

	t.Run("snapshot failure", func(t *testing.T) {
		snapshot.err = errors.New("exchange down")
		_, err := fb.Quote(ctx, "solana")
		assert.ErrorIs(t, err, ErrNoFallback)
	})

	t.Run("stream only", func(t *testing.T) {
		streamOnly := NewFallback(stream, nil, clk, FallbackConfig{})
		_, err := streamOnly.Quote(ctx, "ethereum")
		assert.ErrorIs(t, err, ErrNoFallback)
	})
}

func TestFallbackSymbolsSorted(t *testing.T) {
	fb := NewFallback(nil, nil, nil, FallbackConfig{Symbols: map[string]string{
		"solana": "SOLUSDT", "bitcoin": "BTCUSDT",
	}})
	assert.Equal(t, []string{"BTCUSDT", "SOLUSDT"}, fb.Symbols())
	assert.True(t, fb.Eligible("bitcoin"))
}
