package exchange

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/crypto_trade_tema/internal/domain"
	"go.uber.org/zap"
)

type recordingHandler struct {
	mu     sync.Mutex
	events []domain.MarketEvent
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{}
}

func (h *recordingHandler) Handle(_ context.Context, ev domain.MarketEvent) {
	h.mu.Lock()
	h.events = append(h.events, ev)
	h.mu.Unlock()
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

// fakeStreamServer rejects every topic that mentions a symbol in reject and
// answers the rest with one kline message per connection.
type fakeStreamServer struct {
	mu          sync.Mutex
	reject      map[string]bool
	connections [][]string
}

func (f *fakeStreamServer) handler() http.HandlerFunc {
	upgrader := websocket.Upgrader{}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var args []string
		idx := -1
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
			args = append(args, req.Args...)

			f.mu.Lock()
			if idx == -1 {
				f.connections = append(f.connections, nil)
				idx = len(f.connections) - 1
			}
			f.connections[idx] = append([]string(nil), args...)
			f.mu.Unlock()

			for _, topic := range req.Args {
				parts := strings.Split(topic, ".")
				if f.reject[parts[len(parts)-1]] {
					_ = conn.WriteJSON(map[string]interface{}{
						"success": false,
						"ret_msg": "Invalid symbol :[" + topic + "]",
						"op":      "subscribe",
					})
					continue
				}
				if parts[0] == "kline" {
					_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"topic":"`+topic+`","type":"snapshot","ts":1700000001000,"data":[{"start":1700000000000,"end":1700003599999,"interval":"60","open":"100","close":"101","high":"102","low":"99","volume":"5","turnover":"505","confirm":false}]}`))
				}
			}
		}
	}
}

func (f *fakeStreamServer) snapshot() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]string, len(f.connections))
	copy(out, f.connections)
	return out
}

func startStreamServer(t *testing.T, f *fakeStreamServer) string {
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestBybitStream_BlacklistsRejectedSymbol(t *testing.T) {
	fake := &fakeStreamServer{reject: map[string]bool{"BADUSDT": true}}
	url := startStreamServer(t, fake)

	h := newRecordingHandler()
	s := NewBybitStream(StreamConfig{
		URL:            url,
		Symbols:        []string{"BTCUSDT", "BADUSDT"},
		Channels:       []domain.Channel{domain.ChannelKline},
		Interval:       "60",
		ReconnectDelay: 10 * time.Millisecond,
		ReadTimeout:    2 * time.Second,
	}, h, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		conns := fake.snapshot()
		return len(conns) >= 2 && len(conns[1]) > 0 && h.count() > 0
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("stream did not stop after cancel")
	}

	conns := fake.snapshot()
	assert.Contains(t, conns[0], "kline.60.BADUSDT")
	for _, args := range conns[1:] {
		assert.NotContains(t, args, "kline.60.BADUSDT")
		assert.Contains(t, args, "kline.60.BTCUSDT")
	}
	assert.Equal(t, []string{"BADUSDT"}, s.Blacklisted())
	assert.True(t, s.IsBlacklisted("BADUSDT"))

	h.mu.Lock()
	defer h.mu.Unlock()
	require.NotEmpty(t, h.events)
	assert.Equal(t, domain.ChannelKline, h.events[0].Channel)
	assert.Equal(t, int64(1700000000), h.events[0].Kline.Candle.Timestamp)
	assert.Equal(t, 101.0, h.events[0].Kline.Candle.Close)
}

func TestBybitStream_StopsWhenEverySymbolRejected(t *testing.T) {
	fake := &fakeStreamServer{reject: map[string]bool{"AUSDT": true, "BUSDT": true}}
	url := startStreamServer(t, fake)

	s := NewBybitStream(StreamConfig{
		URL:            url,
		Symbols:        []string{"AUSDT", "BUSDT"},
		Interval:       "1",
		ShardSize:      1,
		ReconnectDelay: 5 * time.Millisecond,
	}, newRecordingHandler(), nil, zap.NewNop())

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(context.Background()) }()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, domain.ErrNoSymbols)
	case <-time.After(3 * time.Second):
		t.Fatal("stream kept running with every symbol blacklisted")
	}
	assert.Equal(t, []string{"AUSDT", "BUSDT"}, s.Blacklisted())
}

func TestLivenessTimeout(t *testing.T) {
	assert.Equal(t, 69*time.Second, LivenessTimeout(60, 15*time.Second))
	assert.Equal(t, 15*time.Second, LivenessTimeout(5, 15*time.Second))
	assert.Equal(t, 4140*time.Second, LivenessTimeout(3600, 15*time.Second))
}

func TestBybitStream_ReconnectsAfterReadTimeout(t *testing.T) {
	var (
		mu    sync.Mutex
		dials int
	)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		mu.Lock()
		dials++
		mu.Unlock()
		// Swallow subscriptions and never answer.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	s := NewBybitStream(StreamConfig{
		URL:            "ws" + strings.TrimPrefix(srv.URL, "http"),
		Symbols:        []string{"BTCUSDT"},
		Interval:       "1",
		ReadTimeout:    100 * time.Millisecond,
		PingInterval:   time.Hour,
		ReconnectDelay: 10 * time.Millisecond,
	}, newRecordingHandler(), nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return dials >= 2
	}, 3*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("stream did not stop after cancel")
	}
	assert.Empty(t, s.Blacklisted())
}

func TestParseStreamMessage(t *testing.T) {
	topics := map[string]string{
		"tickers.BTCUSDT":     "BTCUSDT",
		"kline.60.ETHUSDT":    "ETHUSDT",
		"orderbook.1.BTCUSDT": "BTCUSDT",
	}

	t.Run("ticker delta keeps only present fields", func(t *testing.T) {
		msg, err := parseStreamMessage([]byte(`{"topic":"tickers.BTCUSDT","type":"delta","ts":1700000000123,"data":{"symbol":"BTCUSDT","lastPrice":"100.5","fundingRate":"0.0001"}}`), topics)
		require.NoError(t, err)
		require.Len(t, msg.events, 1)
		tk := msg.events[0].Ticker
		assert.Equal(t, domain.TickerDelta, tk.Kind)
		require.NotNil(t, tk.Fields.LastPrice)
		assert.Equal(t, 100.5, *tk.Fields.LastPrice)
		assert.Nil(t, tk.Fields.MarkPrice)
		assert.Equal(t, int64(1700000000123), tk.Timestamp)
	})

	t.Run("public trades", func(t *testing.T) {
		msg, err := parseStreamMessage([]byte(`{"topic":"publicTrade.BTCUSDT","type":"snapshot","ts":1,"data":[{"T":1700000000000,"s":"BTCUSDT","S":"Buy","v":"0.01","p":"100","i":"t-1"},{"T":1700000000001,"s":"BTCUSDT","S":"Sell","v":"0.02","p":"99.5","i":"t-2"}]}`), topics)
		require.NoError(t, err)
		require.Len(t, msg.events, 1)
		require.Len(t, msg.events[0].Trades, 2)
		assert.Equal(t, "Sell", msg.events[0].Trades[1].Side)
		assert.Equal(t, 99.5, msg.events[0].Trades[1].Price)
	})

	t.Run("order book levels", func(t *testing.T) {
		msg, err := parseStreamMessage([]byte(`{"topic":"orderbook.1.BTCUSDT","type":"snapshot","ts":5,"data":{"s":"BTCUSDT","b":[["99.9","3"]],"a":[["100.1","4"]],"u":1}}`), topics)
		require.NoError(t, err)
		ob := msg.events[0].OrderBook
		require.Len(t, ob.Levels, 2)
		assert.Equal(t, domain.BookBid, ob.Levels[0].Side)
		assert.Equal(t, domain.BookAsk, ob.Levels[1].Side)
		assert.Equal(t, 4.0, ob.Levels[1].Size)
	})

	t.Run("rejection attributes symbol", func(t *testing.T) {
		msg, err := parseStreamMessage([]byte(`{"success":false,"ret_msg":"error:handler not found,topic:kline.60.ETHUSDT","op":"subscribe"}`), topics)
		require.NoError(t, err)
		assert.True(t, msg.rejected)
		assert.Equal(t, []string{"ETHUSDT"}, msg.rejectedSymbols)
	})

	t.Run("error topic form", func(t *testing.T) {
		msg, err := parseStreamMessage([]byte(`{"error":"not supported","topic":"tickers.BTCUSDT"}`), topics)
		require.NoError(t, err)
		assert.True(t, msg.rejected)
		assert.Equal(t, []string{"BTCUSDT"}, msg.rejectedSymbols)
	})

	t.Run("acks and pongs are ignored", func(t *testing.T) {
		for _, raw := range []string{
			`{"success":true,"ret_msg":"","op":"subscribe"}`,
			`{"success":true,"ret_msg":"pong","op":"ping"}`,
		} {
			msg, err := parseStreamMessage([]byte(raw), topics)
			require.NoError(t, err)
			assert.False(t, msg.rejected)
			assert.Empty(t, msg.events)
		}
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := parseStreamMessage([]byte(`{"topic":"kline.60.ETHUSDT","data":{"oops":1}}`), topics)
		assert.Error(t, err)
		_, err = parseStreamMessage([]byte(`not json`), topics)
		assert.Error(t, err)
	})
}

func TestStreamTopics(t *testing.T) {
	s := NewBybitStream(StreamConfig{
		Symbols:  []string{"BTCUSDT"},
		Channels: []domain.Channel{domain.ChannelKline, domain.ChannelTicker, domain.ChannelTrade, domain.ChannelOrderBook},
		Interval: "15",
	}, newRecordingHandler(), nil, zap.NewNop())

	topics := s.topics([]string{"BTCUSDT"})
	keys := make([]string, 0, len(topics))
	for k := range topics {
		keys = append(keys, k)
	}
	assert.ElementsMatch(t, []string{"kline.15.BTCUSDT", "tickers.BTCUSDT", "publicTrade.BTCUSDT", "orderbook.1.BTCUSDT"}, keys)
}
