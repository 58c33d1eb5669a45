package resolver

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/selivandex/coin-resolver/pkg/models"
)

func TestSearchResolverPrefersRealAsset(t *testing.T) {
	s := newFakeSearcher()
	s.set("btc",
		coin("wrapped-bitcoin", "btc", "Wrapped Bitcoin", 15),
		coin("bitcoin-bep2", "btc", "Bitcoin BEP2 (Bridged)", 900),
		coin("bitcoin", "btc", "Bitcoin", 1),
	)

	r := NewSearchResolver(s, 25, nil)
	got, err := r.Resolve(context.Background(), "btc", Flags{})
	require.NoError(t, err)
	assert.Equal(t, "bitcoin", got.ID)
}

func TestSearchResolverFilters(t *testing.T) {
	t.Run("blocklist from config and env", func(t *testing.T) {
		t.Setenv("RESOLVER_BLOCKED_IDS", "scam-pepe")
		s := newFakeSearcher()
		s.set("pepe",
			coin("scam-pepe", "pepe", "Pepe", 2),
			coin("other-pepe", "pepe", "Pepe", 3),
			coin("pepe", "pepe", "Pepe", 30),
		)

		r := NewSearchResolver(s, 25, []string{"other-pepe"})
		got, err := r.Resolve(context.Background(), "pepe", Flags{})
		require.NoError(t, err)
		assert.Equal(t, "pepe", got.ID)
	})

	t.Run("stablecoin guard", func(t *testing.T) {
		s := newFakeSearcher()
		s.set("usdc",
			coin("usd-coin", "usdc", "USDC", 7),
			coin("bridged-usdc-polygon-pos-bridge", "usdc.e", "Bridged USDC", 300),
		)
		r := NewSearchResolver(s, 25, nil)

		_, err := r.Resolve(context.Background(), "usdc", Flags{})
		assert.ErrorIs(t, err, ErrNotFound)

		got, err := r.Resolve(context.Background(), "usdc", Flags{Stablecoins: true})
		require.NoError(t, err)
		assert.Equal(t, "usd-coin", got.ID)
	})

	t.Run("staked derivatives dropped unless requested", func(t *testing.T) {
		s := newFakeSearcher()
		s.set("steth", coin("staked-ether", "steth", "Lido Staked Ether", 8))
		r := NewSearchResolver(s, 25, nil)

		_, err := r.Resolve(context.Background(), "steth", Flags{})
		assert.ErrorIs(t, err, ErrNotFound)

		got, err := r.Resolve(context.Background(), "steth", Flags{Staked: true})
		require.NoError(t, err)
		assert.Equal(t, "staked-ether", got.ID)
	})

	t.Run("protected protocols survive keyword filters", func(t *testing.T) {
		s := newFakeSearcher()
		s.set("wormhole",
			coin("wormhole", "w", "Wormhole", 90),
			coin("ethereum-wormhole", "weth", "Ethereum (Wormhole)", 400),
		)
		r := NewSearchResolver(s, 25, nil)

		got, err := r.Resolve(context.Background(), "wormhole", Flags{})
		require.NoError(t, err)
		assert.Equal(t, "wormhole", got.ID)
	})

	t.Run("best survivor wins without an exact match", func(t *testing.T) {
		s := newFakeSearcher()
		s.set("bitcoin cash", coin("bitcoin-cash", "bch", "Bitcoin Cash", 15))
		s.set("moon", coin("moonbeam", "glmr", "Moonbeam", 200))
		r := NewSearchResolver(s, 25, nil)

		got, err := r.Resolve(context.Background(), "bitcoin cash", Flags{})
		require.NoError(t, err)
		assert.Equal(t, "bitcoin-cash", got.ID)

		got, err = r.Resolve(context.Background(), "moon", Flags{})
		require.NoError(t, err)
		assert.Equal(t, "moonbeam", got.ID)
	})

	t.Run("penalty-only survivors are ambiguous", func(t *testing.T) {
		s := newFakeSearcher()
		s.set("wbtcx", coin("wrapped-bitcoin", "wbtc", "Wrapped Bitcoin", 0))
		r := NewSearchResolver(s, 25, nil)

		_, err := r.Resolve(context.Background(), "wbtcx", Flags{Wrapped: true})
		assert.ErrorIs(t, err, errAmbiguous)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("search errors propagate", func(t *testing.T) {
		s := newFakeSearcher()
		s.fail(errors.New("boom"))
		r := NewSearchResolver(s, 25, nil)

		_, err := r.Resolve(context.Background(), "pepe", Flags{})
		assert.Error(t, err)
		assert.NotErrorIs(t, err, ErrNotFound)
	})
}

func TestScore(t *testing.T) {
	assert.Equal(t, 50+40+99+10, Score(coin("bitcoin", "btc", "btc", 1), "btc"))
	assert.Equal(t, 50+10, Score(coin("pepe", "pepe", "Pepe Token", 0), "pepe"))
	assert.Equal(t, 50+0-100, Score(coin("wrapped-bitcoin", "btc", "Wrapped Bitcoin", 100), "btc"))
	// protected ids skip the wrapped penalty
	assert.Equal(t, 50+10, Score(coin("wormhole", "w", "Wormhole", 0), "w"))
}

func TestTieBreakShortestSymbolThenID(t *testing.T) {
	s := newFakeSearcher()
	s.set("abc",
		coin("zeta-abc", "abc", "Zeta", 0),
		coin("alpha-abc", "abc", "Alpha", 0),
	)

	r := NewSearchResolver(s, 25, nil)
	got, err := r.Resolve(context.Background(), "abc", Flags{})
	require.NoError(t, err)
	assert.Equal(t, "alpha-abc", got.ID)
}

func TestBanRules(t *testing.T) {
	tests := []struct {
		name   string
		ticker string
		cand   *models.Candidate
		rule   string
	}{
		{"wrapped btc ticker", "wbtc", nil, "derivative_prefix"},
		{"liquid staking ticker", "wsteth", nil, "derivative_prefix"},
		{"coinbase eth", "cbeth", nil, "derivative_prefix"},
		{"staked candidate", "lsol", &models.Candidate{ID: "liquid-staked-sol", Name: "Liquid Staked SOL"}, "staked_asset"},
		{"stablecoin", "usdt", nil, "stablecoin_ticker"},
		{"bridged candidate", "usdce", &models.Candidate{ID: "bridged-usdc", Name: "Bridged USDC"}, "bridged_or_pegged"},
		{"single char", "x", nil, "single_char"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule, ok := matchBanRule(DefaultBanRules, tt.ticker, tt.cand)
			require.True(t, ok)
			assert.Equal(t, tt.rule, rule)
		})
	}

	t.Run("clean tickers pass", func(t *testing.T) {
		for _, ticker := range []string{"pepe", "bonk", "stx", "xrp", "wif"} {
			_, ok := matchBanRule(DefaultBanRules, ticker, &models.Candidate{ID: ticker, Name: ticker})
			assert.False(t, ok, ticker)
		}
	})

	t.Run("protected protocols exempt from keyword rules", func(t *testing.T) {
		_, ok := matchBanRule(DefaultBanRules, "wormhole", &models.Candidate{ID: "wormhole", Name: "Wormhole"})
		assert.False(t, ok)
	})
}
