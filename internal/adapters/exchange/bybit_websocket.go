package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/selivandex/coin-resolver/pkg/logger"
	"github.com/selivandex/coin-resolver/pkg/models"
)

const (
	BybitSpotStreamURL = "wss://stream.bybit.com/v5/public/spot"

	// spot streams accept at most 10 args per subscribe request
	bybitMaxSubscribeArgs = 10
	bybitPingInterval     = 20 * time.Second
	bybitReconnectDelay   = 5 * time.Second
	bybitDialTimeout      = 10 * time.Second
)

// BybitTickerStream keeps the latest spot ticker for each subscribed symbol
type BybitTickerStream struct {
	url            string
	symbols        []string
	reconnectDelay time.Duration
	pingInterval   time.Duration

	mu   sync.Mutex
	conn *websocket.Conn

	ticksMu sync.RWMutex
	ticks   map[string]models.Tick

	connected atomic.Bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// BybitWSMessage represents Bybit WebSocket message structure
type BybitWSMessage struct {
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`
	Ts      int64           `json:"ts"`
	Op      string          `json:"op"`
	Success *bool           `json:"success"`
	RetMsg  string          `json:"ret_msg"`
}

// BybitTickerData is the spot tickers payload
type BybitTickerData struct {
	Symbol       string `json:"symbol"`
	LastPrice    string `json:"lastPrice"`
	Price24hPcnt string `json:"price24hPcnt"`
}

// NewBybitTickerStream creates new Bybit ticker stream for symbols like "BTCUSDT"
func NewBybitTickerStream(url string, symbols []string) *BybitTickerStream {
	if url == "" {
		url = BybitSpotStreamURL
	}
	return &BybitTickerStream{
		url:            url,
		symbols:        symbols,
		reconnectDelay: bybitReconnectDelay,
		pingInterval:   bybitPingInterval,
		ticks:          make(map[string]models.Tick),
	}
}

// Start connects and keeps the stream alive until ctx is done or Close is called.
// A failed first dial is retried in the background and not returned.
func (s *BybitTickerStream) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	if err := s.connect(ctx); err != nil {
		logger.Warn("bybit stream initial connect failed, will retry", zap.Error(err))
	}

	go s.pingLoop(ctx)
	go s.run(ctx)
}

func (s *BybitTickerStream) connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, bybitDialTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, s.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to Bybit WebSocket: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.subscribe(conn); err != nil {
		conn.Close()
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	s.conn = conn
	s.connected.Store(true)

	logger.Info("Bybit ticker stream connected",
		zap.String("url", s.url),
		zap.Int("symbols", len(s.symbols)),
	)
	return nil
}

// subscribe sends "tickers.<SYMBOL>" subscriptions in protocol-sized chunks
func (s *BybitTickerStream) subscribe(conn *websocket.Conn) error {
	if len(s.symbols) == 0 {
		return fmt.Errorf("no symbols to subscribe")
	}

	topics := make([]string, 0, len(s.symbols))
	for _, symbol := range s.symbols {
		topics = append(topics, "tickers."+strings.ToUpper(symbol))
	}

	for start := 0; start < len(topics); start += bybitMaxSubscribeArgs {
		end := start + bybitMaxSubscribeArgs
		if end > len(topics) {
			end = len(topics)
		}
		msg := map[string]interface{}{
			"op":   "subscribe",
			"args": topics[start:end],
		}
		if err := conn.WriteJSON(msg); err != nil {
			return fmt.Errorf("failed to send subscribe message: %w", err)
		}
	}
	return nil
}

func (s *BybitTickerStream) run(ctx context.Context) {
	defer close(s.done)

	for {
		if conn := s.current(); conn != nil {
			s.readMessages(ctx, conn)
		}
		if ctx.Err() != nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.reconnectDelay):
		}

		logger.Info("attempting to reconnect Bybit ticker stream")
		if err := s.connect(ctx); err != nil {
			logger.Error("failed to reconnect", zap.Error(err))
		}
	}
}

func (s *BybitTickerStream) current() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// readMessages reads until the connection breaks
func (s *BybitTickerStream) readMessages(ctx context.Context, conn *websocket.Conn) {
	defer func() {
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
		s.connected.Store(false)
		conn.Close()
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn("Bybit WebSocket read error", zap.Error(err))
			}
			return
		}
		s.handleMessage(message)
	}
}

func (s *BybitTickerStream) handleMessage(raw []byte) {
	var msg BybitWSMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		logger.Warn("failed to parse WebSocket message", zap.Error(err))
		return
	}

	if msg.Op == "subscribe" && msg.Success != nil && !*msg.Success {
		logger.Error("Bybit subscription rejected", zap.String("reason", msg.RetMsg))
		return
	}

	if !strings.HasPrefix(msg.Topic, "tickers.") || len(msg.Data) == 0 {
		return
	}

	var data BybitTickerData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		logger.Warn("failed to parse ticker data", zap.Error(err))
		return
	}
	if data.Symbol == "" {
		data.Symbol = strings.TrimPrefix(msg.Topic, "tickers.")
	}

	price, err := decimal.NewFromString(data.LastPrice)
	if err != nil || !price.IsPositive() {
		return
	}

	tick := models.Tick{
		Symbol: data.Symbol,
		Price:  models.ToFloat64(price),
		Time:   time.UnixMilli(msg.Ts),
	}
	if msg.Ts == 0 {
		tick.Time = time.Now()
	}
	// price24hPcnt is a fraction, 0.0123 means +1.23%
	if pct, err := decimal.NewFromString(data.Price24hPcnt); err == nil {
		tick.Change24h = models.ToFloat64(pct.Mul(decimal.NewFromInt(100)))
	}

	s.ticksMu.Lock()
	s.ticks[data.Symbol] = tick
	s.ticksMu.Unlock()
}

// pingLoop sends the app-level ping Bybit expects on idle connections
func (s *BybitTickerStream) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.conn != nil {
				if err := s.conn.WriteJSON(map[string]string{"op": "ping"}); err != nil {
					logger.Warn("failed to send ping", zap.Error(err))
				}
			}
			s.mu.Unlock()
		}
	}
}

// Latest returns the most recent tick for symbol.
func (s *BybitTickerStream) Latest(symbol string) (models.Tick, bool) {
	s.ticksMu.RLock()
	defer s.ticksMu.RUnlock()
	t, ok := s.ticks[strings.ToUpper(symbol)]
	return t, ok
}

// Connected reports whether a live connection is subscribed.
func (s *BybitTickerStream) Connected() bool {
	return s.connected.Load()
}

// Close stops the stream and waits for the reader to exit
func (s *BybitTickerStream) Close() error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()

	s.mu.Lock()
	var err error
	if s.conn != nil {
		err = s.conn.Close()
	}
	s.mu.Unlock()

	<-s.done
	return err
}
