package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("RESOLVER_BLOCKED_IDS", " Wrapped-Bitcoin ,,bad-coin")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 25, cfg.Resolver.SearchLimit)
	assert.Equal(t, 50*time.Millisecond, cfg.Pricing.BatchWindow)
	assert.Equal(t, 2*time.Minute, cfg.Pricing.BreakerCooldown)
	assert.Equal(t, 5*time.Minute, cfg.Pricing.StaleGrace)
	assert.Equal(t, "data/resolver.db", cfg.Database.GetDSN())
	assert.Equal(t, []string{"wrapped-bitcoin", "bad-coin"}, cfg.Resolver.CleanBlockedIDs())
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Resolver: ResolverConfig{CacheSize: 10, SearchLimit: 25, BackoffBase: 2},
			Pricing: PricingConfig{
				BatchWindow:      time.Millisecond,
				MaxBatchSize:     10,
				FreshTTL:         time.Second,
				StaleGrace:       time.Minute,
				ThrottleFraction: 0.9,
			},
			Database: DatabaseConfig{Driver: "postgres", Host: "db", User: "u"},
		}
	}

	require.NoError(t, valid().Validate())

	t.Run("unknown driver", func(t *testing.T) {
		c := valid()
		c.Database.Driver = "mysql"
		assert.Error(t, c.Validate())
	})

	t.Run("stale shorter than fresh", func(t *testing.T) {
		c := valid()
		c.Pricing.StaleGrace = time.Millisecond
		assert.Error(t, c.Validate())
	})

	t.Run("telegram without token", func(t *testing.T) {
		c := valid()
		c.Telegram.Enabled = true
		assert.Error(t, c.Validate())
	})

	t.Run("postgres dsn", func(t *testing.T) {
		c := valid()
		c.Database.Port = 5432
		c.Database.Name = "resolver"
		c.Database.SSLMode = "disable"
		assert.Equal(t, "host=db port=5432 user=u password= dbname=resolver sslmode=disable", c.Database.GetDSN())
	})
}
