package pricing

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/selivandex/coin-resolver/pkg/models"
)

func TestBatcherCoalescesConcurrentCallers(t *testing.T) {
	up := newFakeUpstream(map[string]float64{"bitcoin": 65000})
	up.delay = 20 * time.Millisecond
	b := newTestBatcher(up, nil, 30*time.Second, 100)

	var wg sync.WaitGroup
	quotes := make([]*models.Quote, 20)
	errs := make([]error, 20)
	for i := range quotes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			quotes[i], errs[i] = b.GetPrice(context.Background(), "bitcoin")
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), up.calls.Load())
	for i := range quotes {
		require.NoError(t, errs[i])
		assert.Equal(t, 65000.0, quotes[i].Price)
		assert.Equal(t, models.QuotePrimary, quotes[i].Source)
	}
	assert.Zero(t, b.Pending())
}

func TestBatcherGetPricesKeepsOrder(t *testing.T) {
	up := newFakeUpstream(map[string]float64{"bitcoin": 65000, "ethereum": 3200})
	b := newTestBatcher(up, nil, 30*time.Second, 100)

	quotes := b.GetPrices(context.Background(), []string{"ethereum", "unknown-coin", "bitcoin", "ethereum"})
	require.Len(t, quotes, 4)
	assert.Equal(t, "ethereum", quotes[0].ID)
	assert.Nil(t, quotes[1])
	assert.Equal(t, "bitcoin", quotes[2].ID)
	assert.Equal(t, 3200.0, quotes[3].Price)
	assert.Equal(t, int32(1), up.calls.Load())

	_, err := b.GetPrice(context.Background(), "unknown-coin")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBatcherFreshCacheSkipsNetwork(t *testing.T) {
	up := newFakeUpstream(map[string]float64{"bitcoin": 65000})
	b := newTestBatcher(up, nil, 30*time.Second, 100)

	_, err := b.GetPrice(context.Background(), "bitcoin")
	require.NoError(t, err)
	q, err := b.GetPrice(context.Background(), "bitcoin")
	require.NoError(t, err)
	assert.False(t, q.IsStale)
	assert.Equal(t, int32(1), up.calls.Load())
	assert.Equal(t, int64(1), b.UpstreamCalls())
}

func TestBatcherChunksLargeBatches(t *testing.T) {
	prices := map[string]float64{}
	ids := []string{"a1", "a2", "a3", "a4", "a5"}
	for i, id := range ids {
		prices[id] = float64(i + 1)
	}
	up := newFakeUpstream(prices)
	b := newTestBatcher(up, nil, 30*time.Second, 2)

	quotes := b.GetPrices(context.Background(), ids)
	for i, q := range quotes {
		require.NotNil(t, q, ids[i])
		assert.Equal(t, float64(i+1), q.Price)
	}

	sizes := up.batchSizes()
	sort.Ints(sizes)
	assert.Equal(t, []int{1, 2, 2}, sizes)
}

func TestBatcherErrors(t *testing.T) {
	t.Run("chunk error reaches every caller", func(t *testing.T) {
		up := newFakeUpstream(nil)
		up.setErr(errors.New("connection reset"))
		b := newTestBatcher(up, nil, 30*time.Second, 100)

		results := b.Fetch(context.Background(), []string{"bitcoin", "ethereum"})
		for _, r := range results {
			assert.EqualError(t, r.Err, "connection reset")
		}
	})

	t.Run("stale quote served on failure", func(t *testing.T) {
		up := newFakeUpstream(map[string]float64{"bitcoin": 65000})
		b := newTestBatcher(up, nil, time.Millisecond, 100)

		_, err := b.GetPrice(context.Background(), "bitcoin")
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)

		up.setErr(throttledErr{})
		q, err := b.GetPrice(context.Background(), "bitcoin")
		require.NoError(t, err)
		assert.True(t, q.IsStale)
		assert.Equal(t, 65000.0, q.Price)
		assert.Equal(t, int32(2), up.calls.Load())
	})

	t.Run("closed gate never calls upstream", func(t *testing.T) {
		up := newFakeUpstream(map[string]float64{"bitcoin": 65000})
		breaker := NewCircuitBreaker(BreakerConfig{}, nil)
		breaker.Trip("test")
		b := newTestBatcher(up, breaker, 30*time.Second, 100)

		_, err := b.GetPrice(context.Background(), "bitcoin")
		assert.ErrorIs(t, err, ErrRateLimited)
		assert.Zero(t, up.calls.Load())
	})

	t.Run("rate limit trips the gate", func(t *testing.T) {
		up := newFakeUpstream(nil)
		up.setErr(throttledErr{})
		breaker := NewCircuitBreaker(BreakerConfig{}, nil)
		b := newTestBatcher(up, breaker, 30*time.Second, 100)

		_, err := b.GetPrice(context.Background(), "bitcoin")
		assert.True(t, IsRateLimited(err))
		assert.True(t, breaker.IsOpen())
	})

	t.Run("caller cancellation", func(t *testing.T) {
		up := newFakeUpstream(map[string]float64{"bitcoin": 65000})
		up.delay = 200 * time.Millisecond
		b := newTestBatcher(up, nil, 30*time.Second, 100)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := b.GetPrice(ctx, "bitcoin")
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}
