package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/crypto_trade_tema/internal/domain"
	"go.uber.org/zap"
)

type memorySink struct {
	mu     sync.Mutex
	events []domain.MarketEvent
	err    error
}

func (m *memorySink) AppendEvent(_ context.Context, ev domain.MarketEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, ev)
	return nil
}

func klineEvent(symbol string, ts int64, close float64) domain.MarketEvent {
	return domain.MarketEvent{
		Channel: domain.ChannelKline,
		Symbol:  symbol,
		Kline: &domain.KlineUpdate{
			Interval: "60",
			Candle:   domain.Candle{Timestamp: ts, Open: close, High: close, Low: close, Close: close},
		},
	}
}

func tickerEvent(symbol string, kind domain.TickerKind, fields domain.TickerFields) domain.MarketEvent {
	return domain.MarketEvent{
		Channel: domain.ChannelTicker,
		Symbol:  symbol,
		Ticker:  &domain.TickerUpdate{Kind: kind, Fields: fields},
	}
}

func f64(v float64) *float64 { return &v }

func TestSnapshotStore_KlineDedup(t *testing.T) {
	sink := &memorySink{}
	s := NewSnapshotStore(sink, StoreLimits{}, zap.NewNop())
	ctx := context.Background()

	s.Handle(ctx, klineEvent("BTCUSDT", 60, 100))
	s.Handle(ctx, klineEvent("BTCUSDT", 60, 101))
	s.Handle(ctx, klineEvent("BTCUSDT", 120, 102))
	s.Handle(ctx, klineEvent("BTCUSDT", 0, 99))

	candles := s.Candles("BTCUSDT", 0)
	require.Len(t, candles, 2)
	assert.Equal(t, 101.0, candles[0].Close)
	assert.Equal(t, 102.0, candles[1].Close)
	assert.Equal(t, "BTCUSDT", candles[0].Symbol)
	assert.Len(t, sink.events, 4, "every event is persisted")
}

func TestSnapshotStore_RingEviction(t *testing.T) {
	s := NewSnapshotStore(nil, StoreLimits{Klines: 3, Trades: 2, OrderBook: 2}, zap.NewNop())
	ctx := context.Background()

	for i := int64(1); i <= 5; i++ {
		s.Handle(ctx, klineEvent("ETHUSDT", i*60, float64(i)))
	}
	candles := s.Candles("ETHUSDT", 0)
	require.Len(t, candles, 3)
	assert.Equal(t, []float64{3, 4, 5}, []float64{candles[0].Close, candles[1].Close, candles[2].Close})
	assert.Len(t, s.Candles("ETHUSDT", 2), 2)
	assert.Equal(t, 5.0, s.Candles("ETHUSDT", 1)[0].Close)

	s.Handle(ctx, domain.MarketEvent{
		Channel: domain.ChannelTrade,
		Symbol:  "ETHUSDT",
		Trades:  []domain.PublicTrade{{ID: "1"}, {ID: "2"}, {ID: "3"}},
	})
	trades := s.RecentTrades("ETHUSDT", 0)
	require.Len(t, trades, 2)
	assert.Equal(t, "2", trades[0].ID)

	s.Handle(ctx, domain.MarketEvent{
		Channel: domain.ChannelOrderBook,
		Symbol:  "ETHUSDT",
		OrderBook: &domain.OrderBookUpdate{
			Timestamp: 42,
			Levels:    []domain.OrderBookLevel{{Side: domain.BookBid, Price: 1}, {Side: domain.BookAsk, Price: 2}, {Side: domain.BookBid, Price: 3}},
		},
	})
	book := s.OrderBook("ETHUSDT", 0)
	require.Len(t, book, 2)
	assert.Equal(t, 2.0, book[0].Price)
	assert.Equal(t, int64(42), book[1].Timestamp)
}

func TestSnapshotStore_TickerMerge(t *testing.T) {
	s := NewSnapshotStore(nil, StoreLimits{}, zap.NewNop())
	ctx := context.Background()

	s.Handle(ctx, tickerEvent("BTCUSDT", domain.TickerDelta, domain.TickerFields{LastPrice: f64(1)}))
	_, ok := s.LastTicker("BTCUSDT")
	assert.False(t, ok, "delta without snapshot is dropped")

	s.Handle(ctx, tickerEvent("BTCUSDT", domain.TickerSnapshot, domain.TickerFields{LastPrice: f64(100), MarkPrice: f64(100.1)}))
	s.Handle(ctx, tickerEvent("BTCUSDT", domain.TickerDelta, domain.TickerFields{LastPrice: f64(101)}))

	tk, ok := s.LastTicker("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, 101.0, *tk.Fields.LastPrice)
	assert.Equal(t, 100.1, *tk.Fields.MarkPrice)
	assert.Len(t, s.TickerHistory("BTCUSDT", 0), 2)

	price, ok := s.LastPrice("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, 101.0, price)

	s.Handle(ctx, tickerEvent("BTCUSDT", domain.TickerSnapshot, domain.TickerFields{Bid1Price: f64(99)}))
	tk, _ = s.LastTicker("BTCUSDT")
	assert.Nil(t, tk.Fields.LastPrice, "snapshot replaces the previous state")
}

func TestSnapshotStore_SinkFailureStillBuffers(t *testing.T) {
	s := NewSnapshotStore(&memorySink{err: errors.New("disk full")}, StoreLimits{}, zap.NewNop())
	s.Handle(context.Background(), klineEvent("BTCUSDT", 60, 100))

	price, ok := s.LastPrice("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, 100.0, price)
	assert.Equal(t, []string{"BTCUSDT"}, s.Symbols())
}

func TestSnapshotStore_SeedCandles(t *testing.T) {
	s := NewSnapshotStore(nil, StoreLimits{Klines: 4}, zap.NewNop())
	s.Handle(context.Background(), klineEvent("BTCUSDT", 300, 500))

	var seed []domain.Candle
	for i := int64(1); i <= 5; i++ {
		seed = append(seed, domain.Candle{Timestamp: i * 60, Close: float64(i)})
	}
	s.SeedCandles("BTCUSDT", seed)

	candles := s.Candles("BTCUSDT", 0)
	require.Len(t, candles, 4)
	assert.Equal(t, int64(120), candles[0].Timestamp)
	assert.Equal(t, 500.0, candles[3].Close, "streamed candle wins over the seed")
}

func TestSnapshotStore_ConcurrentAccess(t *testing.T) {
	s := NewSnapshotStore(nil, StoreLimits{Klines: 50}, zap.NewNop())
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				s.Handle(ctx, klineEvent("BTCUSDT", int64(i*60), float64(i)))
				_ = s.Candles("BTCUSDT", 10)
			}
		}(w)
	}
	wg.Wait()

	candles := s.Candles("BTCUSDT", 0)
	require.NotEmpty(t, candles)
	for i := 1; i < len(candles); i++ {
		assert.Less(t, candles[i-1].Timestamp, candles[i].Timestamp)
	}
}
