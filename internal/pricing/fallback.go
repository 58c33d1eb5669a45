package pricing

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/selivandex/coin-resolver/pkg/logger"
	"github.com/selivandex/coin-resolver/pkg/models"
)

const (
	defaultMaxTickAge      = 60 * time.Second
	defaultSnapshotTimeout = 5 * time.Second
)

// DefaultFallbackSymbols is the curated allowlist of ids the exchange feed may
// price. Only liquid USDT spot pairs with one unambiguous coin behind them.
var DefaultFallbackSymbols = map[string]string{
	"bitcoin":      "BTCUSDT",
	"ethereum":     "ETHUSDT",
	"solana":       "SOLUSDT",
	"binancecoin":  "BNBUSDT",
	"ripple":       "XRPUSDT",
	"dogecoin":     "DOGEUSDT",
	"cardano":      "ADAUSDT",
	"avalanche-2":  "AVAXUSDT",
	"chainlink":    "LINKUSDT",
	"polkadot":     "DOTUSDT",
	"litecoin":     "LTCUSDT",
	"tron":         "TRXUSDT",
	"sui":          "SUIUSDT",
	"near":         "NEARUSDT",
	"aptos":        "APTUSDT",
	"arbitrum":     "ARBUSDT",
	"optimism":     "OPUSDT",
	"uniswap":      "UNIUSDT",
	"aave":         "AAVEUSDT",
	"bitcoin-cash": "BCHUSDT",
	"stellar":      "XLMUSDT",
}

// TickSource serves the latest pushed ticker per exchange symbol.
type TickSource interface {
	Latest(symbol string) (models.Tick, bool)
}

// SnapshotSource fetches a ticker on demand over REST.
type SnapshotSource interface {
	FetchTick(ctx context.Context, symbol string) (models.Tick, error)
}

// FallbackConfig tunes the fallback feed
type FallbackConfig struct {
	Symbols         map[string]string
	MaxTickAge      time.Duration
	SnapshotTimeout time.Duration
}

// Fallback prices allowlisted ids from an exchange feed while the primary
// upstream is unavailable. USDT quotes are treated as USD.
type Fallback struct {
	symbols         map[string]string
	stream          TickSource
	snapshot        SnapshotSource
	clock           clock.Clock
	maxAge          time.Duration
	snapshotTimeout time.Duration
}

// NewFallback creates the fallback feed. Either source may be nil.
func NewFallback(stream TickSource, snapshot SnapshotSource, clk clock.Clock, cfg FallbackConfig) *Fallback {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.Symbols == nil {
		cfg.Symbols = DefaultFallbackSymbols
	}
	if cfg.MaxTickAge <= 0 {
		cfg.MaxTickAge = defaultMaxTickAge
	}
	if cfg.SnapshotTimeout <= 0 {
		cfg.SnapshotTimeout = defaultSnapshotTimeout
	}

	return &Fallback{
		symbols:         cfg.Symbols,
		stream:          stream,
		snapshot:        snapshot,
		clock:           clk,
		maxAge:          cfg.MaxTickAge,
		snapshotTimeout: cfg.SnapshotTimeout,
	}
}

// Eligible reports whether id is on the allowlist.
func (f *Fallback) Eligible(id string) bool {
	_, ok := f.symbols[id]
	return ok
}

// Symbols returns the exchange symbols to subscribe to, sorted.
func (f *Fallback) Symbols() []string {
	out := make([]string, 0, len(f.symbols))
	for _, s := range f.symbols {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Quote prices id from the stream, or from a REST snapshot when the stream
// has no tick younger than the max tick age.
func (f *Fallback) Quote(ctx context.Context, id string) (*models.Quote, error) {
	symbol, ok := f.symbols[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s is not allowlisted", ErrNoFallback, id)
	}

	now := f.clock.Now()
	if f.stream != nil {
		if t, ok := f.stream.Latest(symbol); ok && now.Sub(t.Time) <= f.maxAge && t.Price > 0 {
			return tickQuote(id, t), nil
		}
	}

	if f.snapshot == nil {
		return nil, fmt.Errorf("%w: no fresh tick for %s", ErrNoFallback, symbol)
	}

	ctx, cancel := context.WithTimeout(ctx, f.snapshotTimeout)
	defer cancel()

	t, err := f.snapshot.FetchTick(ctx, symbol)
	if err != nil {
		logger.Warn("fallback snapshot failed", zap.String("symbol", symbol), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrNoFallback, err)
	}
	if t.Price <= 0 {
		return nil, fmt.Errorf("%w: empty snapshot for %s", ErrNoFallback, symbol)
	}
	if t.Time.IsZero() {
		t.Time = now
	}
	return tickQuote(id, t), nil
}

func tickQuote(id string, t models.Tick) *models.Quote {
	return &models.Quote{
		ID:          id,
		Price:       t.Price,
		Change24h:   t.Change24h,
		TimestampMs: t.Time.UnixMilli(),
		Source:      models.QuoteFallback,
	}
}
