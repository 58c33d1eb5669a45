package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/selivandex/coin-resolver/internal/adapters/config"
	"github.com/selivandex/coin-resolver/pkg/models"
)

func setupRedis(t *testing.T) *Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping redis container test in short mode")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("redis container unavailable: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379/tcp")
	require.NoError(t, err)

	client, err := New(&config.RedisConfig{Host: host, Port: port.Int(), QuoteTTL: time.Minute})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisAdapter(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()

	require.NoError(t, client.Health())

	t.Run("quotes round trip", func(t *testing.T) {
		mc := 1.28e12
		require.NoError(t, client.SetQuotes(ctx, []models.Quote{
			{ID: "bitcoin", Price: 65000, MarketCap: &mc, TimestampMs: 1773489600000, Source: models.QuotePrimary, IsStale: true},
			{ID: "pepe", Price: 0.00001, TimestampMs: 1773489600000},
		}, 0))

		got, err := client.GetQuotes(ctx, []string{"bitcoin", "missing", "pepe"})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, 65000.0, got["bitcoin"].Price)
		assert.False(t, got["bitcoin"].IsStale)
		require.NotNil(t, got["bitcoin"].MarketCap)
		assert.Equal(t, mc, *got["bitcoin"].MarketCap)
	})

	t.Run("lock is exclusive", func(t *testing.T) {
		release, ok, err := client.TryLock(ctx, "warmup-test", 10*time.Second)
		require.NoError(t, err)
		require.True(t, ok)

		_, ok, err = client.TryLock(ctx, "warmup-test", 10*time.Second)
		require.NoError(t, err)
		assert.False(t, ok)

		release()
		release2, ok, err := client.TryLock(ctx, "warmup-test", 10*time.Second)
		require.NoError(t, err)
		assert.True(t, ok)
		release2()
	})
}
