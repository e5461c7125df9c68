package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/crypto_trade_tema/internal/domain"
	"github.com/vitos/crypto_trade_tema/internal/infrastructure/metrics"
	"github.com/vitos/crypto_trade_tema/internal/usecase"
	"go.uber.org/zap"
)

type fakeLedger struct{ trades []domain.Trade }

func (f fakeLedger) History() []domain.Trade { return f.trades }
func (f fakeLedger) OpenTrades() []domain.Trade {
	var out []domain.Trade
	for _, t := range f.trades {
		if t.IsActive() {
			out = append(out, t)
		}
	}
	return out
}

type fakePositions struct {
	trades []domain.Trade
	err    error
}

func (f fakePositions) Snapshot() []domain.Trade   { return f.trades }
func (f fakePositions) Status() (time.Time, error) { return time.Unix(1700000000, 0), f.err }

type fakeStream []string

func (f fakeStream) Blacklisted() []string { return f }

type fakeCycles usecase.CycleReport

func (f fakeCycles) LastReport() usecase.CycleReport { return usecase.CycleReport(f) }

type fakeMarket map[string][]domain.Candle

func (f fakeMarket) Candles(symbol string, n int) []domain.Candle {
	c := f[symbol]
	if n > 0 && len(c) > n {
		c = c[len(c)-n:]
	}
	return c
}
func (f fakeMarket) LastTicker(string) (domain.Ticker, bool) { return domain.Ticker{}, false }
func (f fakeMarket) Symbols() []string {
	var out []string
	for s := range f {
		out = append(out, s)
	}
	return out
}

type fakeIndicators map[string]domain.IndicatorSnapshot

func (f fakeIndicators) Get(symbol string) (domain.IndicatorSnapshot, bool) {
	s, ok := f[symbol]
	return s, ok
}

type fakeBalance struct{ err error }

func (f fakeBalance) GetBalance(_ context.Context, coin string) (*domain.Balance, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &domain.Balance{Coin: coin, WalletBalance: 250, Available: 200}, nil
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestServer_JSONRoutes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.TradeOpened()

	deps := Deps{
		Trades: fakeLedger{trades: []domain.Trade{
			{ID: "a", Symbol: "BTCUSDT", Status: domain.TradeOpen},
			{ID: "b", Symbol: "ETHUSDT", Status: domain.TradeClosed},
		}},
		Positions: fakePositions{trades: []domain.Trade{{ID: "a", Symbol: "BTCUSDT"}}},
		Stream:    fakeStream{"BADUSDT"},
		Cycles: fakeCycles{StartedAt: time.Unix(1700000000, 0), Duration: time.Second, Results: []usecase.SymbolResult{
			{Symbol: "BTCUSDT", Signal: domain.SignalLong},
			{Symbol: "ETHUSDT", Signal: domain.SignalNone},
		}},
		Market:     fakeMarket{"BTCUSDT": {{Timestamp: 1, Close: 10}, {Timestamp: 2, Close: 11}}},
		Indicators: fakeIndicators{"BTCUSDT": {Symbol: "BTCUSDT", ADX: 30}},
		Balance:    fakeBalance{},
		Metrics:    promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}
	h := NewServer(0, deps, zap.NewNop()).Handler()

	t.Run("status", func(t *testing.T) {
		rec := get(t, h, "/status")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		var body statusResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "ok", body.Status)
		assert.Equal(t, 1, body.OpenTrades)
		assert.Equal(t, 1, body.Positions)
		assert.Equal(t, []string{"BADUSDT"}, body.Blacklisted)
		assert.Equal(t, 1, body.Signals)
	})

	t.Run("trades", func(t *testing.T) {
		var all []domain.Trade
		require.NoError(t, json.Unmarshal(get(t, h, "/trades").Body.Bytes(), &all))
		assert.Len(t, all, 2)

		var open []domain.Trade
		require.NoError(t, json.Unmarshal(get(t, h, "/trades?open=true").Body.Bytes(), &open))
		require.Len(t, open, 1)
		assert.Equal(t, "a", open[0].ID)
	})

	t.Run("positions", func(t *testing.T) {
		var positions []domain.Trade
		require.NoError(t, json.Unmarshal(get(t, h, "/positions").Body.Bytes(), &positions))
		assert.Len(t, positions, 1)
	})

	t.Run("candles", func(t *testing.T) {
		rec := get(t, h, "/api/candles?symbol=BTCUSDT&limit=1")
		require.Equal(t, http.StatusOK, rec.Code)
		var body struct {
			Candles []domain.Candle `json:"candles"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		require.Len(t, body.Candles, 1)
		assert.Equal(t, 11.0, body.Candles[0].Close)

		assert.Equal(t, http.StatusNotFound, get(t, h, "/api/candles?symbol=NOPE").Code)
	})

	t.Run("indicators", func(t *testing.T) {
		var snaps []domain.IndicatorSnapshot
		require.NoError(t, json.Unmarshal(get(t, h, "/api/indicators").Body.Bytes(), &snaps))
		require.Len(t, snaps, 1)
		assert.Equal(t, 30.0, snaps[0].ADX)
		assert.Equal(t, http.StatusNotFound, get(t, h, "/api/indicators?symbol=ETHUSDT").Code)
	})

	t.Run("balance", func(t *testing.T) {
		var b domain.Balance
		require.NoError(t, json.Unmarshal(get(t, h, "/api/balance").Body.Bytes(), &b))
		assert.Equal(t, "USDT", b.Coin)
		assert.Equal(t, 200.0, b.Available)
	})

	t.Run("metrics", func(t *testing.T) {
		rec := get(t, h, "/metrics")
		require.Equal(t, http.StatusOK, rec.Code)
		body, _ := io.ReadAll(rec.Body)
		assert.Contains(t, string(body), "tema_bot_trades_opened_total 1")
	})

	t.Run("method not allowed", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/status", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestServer_DegradedAndMissingDeps(t *testing.T) {
	h := NewServer(0, Deps{
		Positions: fakePositions{err: errors.New("timeout")},
		Balance:   fakeBalance{err: errors.New("venue down")},
	}, zap.NewNop()).Handler()

	var body statusResponse
	require.NoError(t, json.Unmarshal(get(t, h, "/status").Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "timeout", body.SyncError)

	assert.Equal(t, http.StatusServiceUnavailable, get(t, h, "/trades").Code)
	assert.Equal(t, http.StatusBadGateway, get(t, h, "/api/balance").Code)
	assert.Equal(t, http.StatusNotFound, get(t, h, "/metrics").Code)
}
