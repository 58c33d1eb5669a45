package exchange

import (
	"context"
	"fmt"
	"strings"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"

	"github.com/selivandex/coin-resolver/pkg/logger"
	"github.com/selivandex/coin-resolver/pkg/models"
)

// BybitSnapshot fetches spot tickers over REST through CCXT
type BybitSnapshot struct {
	fetch func(symbol string) (ccxt.Ticker, error)
}

// NewBybitSnapshot creates new Bybit REST ticker source. Markets are loaded
// lazily by the first fetch.
func NewBybitSnapshot() *BybitSnapshot {
	exchange := ccxt.NewBybit(map[string]interface{}{})
	exchange.SetOption("defaultType", "spot")

	logger.Info("Bybit snapshot adapter initialized")

	return &BybitSnapshot{
		fetch: func(symbol string) (ccxt.Ticker, error) {
			return exchange.FetchTicker(symbol)
		},
	}
}

// FetchTick returns the current ticker for an exchange symbol like "BTCUSDT".
// CCXT calls are not cancellable; ctx bounds how long we wait for one.
func (b *BybitSnapshot) FetchTick(ctx context.Context, symbol string) (models.Tick, error) {
	type result struct {
		ticker ccxt.Ticker
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		t, err := b.fetch(toCCXTSymbol(symbol))
		ch <- result{t, err}
	}()

	var r result
	select {
	case <-ctx.Done():
		return models.Tick{}, fmt.Errorf("fetch ticker %s: %w", symbol, ctx.Err())
	case r = <-ch:
	}
	if r.err != nil {
		return models.Tick{}, fmt.Errorf("failed to fetch ticker: %w", r.err)
	}

	t := r.ticker
	tick := models.Tick{
		Symbol:    symbol,
		Price:     safeFloat(t.Last),
		Change24h: safeFloat(t.Percentage),
		Time:      time.Now(),
	}
	if ts := safeInt64(t.Timestamp); ts > 0 {
		tick.Time = time.UnixMilli(ts)
	}

	logger.Debug("bybit snapshot fetched", zap.String("symbol", symbol), zap.Float64("price", tick.Price))
	return tick, nil
}

var quoteAssets = []string{"USDT", "USDC", "BTC"}

// toCCXTSymbol converts BTCUSDT to BTC/USDT
func toCCXTSymbol(symbol string) string {
	symbol = strings.ToUpper(symbol)
	if strings.Contains(symbol, "/") {
		return symbol
	}
	for _, q := range quoteAssets {
		if strings.HasSuffix(symbol, q) && len(symbol) > len(q) {
			return symbol[:len(symbol)-len(q)] + "/" + q
		}
	}
	return symbol
}
