package exchange

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleTickerMessage(t *testing.T) {
	s := NewBybitTickerStream("", []string{"BTCUSDT"})

	s.handleMessage([]byte(`{"topic":"tickers.BTCUSDT","type":"snapshot","ts":1773489600000,
		"data":{"symbol":"BTCUSDT","lastPrice":"65000.50","price24hPcnt":"-0.0125"}}`))

	tick, ok := s.Latest("btcusdt")
	require.True(t, ok)
	assert.Equal(t, 65000.5, tick.Price)
	assert.InDelta(t, -1.25, tick.Change24h, 1e-9)
	assert.Equal(t, int64(1773489600000), tick.Time.UnixMilli())

	t.Run("ignores junk", func(t *testing.T) {
		s.handleMessage([]byte(`not json`))
		s.handleMessage([]byte(`{"op":"pong","success":true}`))
		s.handleMessage([]byte(`{"op":"subscribe","success":false,"ret_msg":"invalid topic"}`))
		s.handleMessage([]byte(`{"topic":"tickers.ETHUSDT","data":{"symbol":"ETHUSDT","lastPrice":"0"}}`))
		s.handleMessage([]byte(`{"topic":"tickers.ETHUSDT","data":{"symbol":"ETHUSDT","lastPrice":"abc"}}`))

		_, ok := s.Latest("ETHUSDT")
		assert.False(t, ok)
	})
}

func TestBybitTickerStreamEndToEnd(t *testing.T) {
	upgrader := websocket.Upgrader{}
	subscribed := make(chan []string, 4)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			var req struct {
				Op   string   `json:"op"`
				Args []string `json:"args"`
			}
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			if req.Op != "subscribe" {
				continue
			}
			subscribed <- req.Args
			for _, topic := range req.Args {
				symbol := strings.TrimPrefix(topic, "tickers.")
				_ = conn.WriteJSON(map[string]interface{}{
					"topic": topic,
					"type":  "snapshot",
					"ts":    time.Now().UnixMilli(),
					"data":  map[string]string{"symbol": symbol, "lastPrice": "100.25", "price24hPcnt": "0.01"},
				})
			}
		}
	}))
	defer srv.Close()

	symbols := make([]string, 12)
	for i := range symbols {
		symbols[i] = "C" + string(rune('A'+i)) + "USDT"
	}

	stream := NewBybitTickerStream("ws"+strings.TrimPrefix(srv.URL, "http"), symbols)
	stream.Start(context.Background())
	defer stream.Close()

	// 12 symbols go out as two subscribe requests
	first := <-subscribed
	second := <-subscribed
	assert.Len(t, first, 10)
	assert.Len(t, second, 2)

	require.Eventually(t, func() bool {
		_, ok := stream.Latest("CLUSDT")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	tick, _ := stream.Latest("CAUSDT")
	assert.Equal(t, 100.25, tick.Price)
	assert.InDelta(t, 1.0, tick.Change24h, 1e-9)
	assert.True(t, stream.Connected())

	require.NoError(t, stream.Close())
	assert.False(t, stream.Connected())
}
