package usecase

import (
	"context"
	"sort"
	"sync"

	"github.com/vitos/crypto_trade_tema/internal/domain"
	"go.uber.org/zap"
)

// StoreLimits bounds the per-symbol buffers of the SnapshotStore.
type StoreLimits struct {
	Klines    int
	Tickers   int
	Trades    int
	OrderBook int
}

func DefaultStoreLimits() StoreLimits {
	return StoreLimits{Klines: 1000, Tickers: 1000, Trades: 1000, OrderBook: 100}
}

type symbolBuffers struct {
	candles *ring[domain.Candle]
	tickers *ring[domain.Ticker]
	trades  *ring[domain.PublicTrade]
	book    *ring[domain.OrderBookLevel]

	lastTicker domain.Ticker
	hasTicker  bool
}

// SnapshotStore keeps the most recent market data per symbol in bounded
// buffers and forwards every event to a durable sink before exposing it.
type SnapshotStore struct {
	sink   domain.SnapshotSink
	limits StoreLimits
	logger *zap.Logger

	mu      sync.RWMutex
	symbols map[string]*symbolBuffers
}

func NewSnapshotStore(sink domain.SnapshotSink, limits StoreLimits, logger *zap.Logger) *SnapshotStore {
	def := DefaultStoreLimits()
	if limits.Klines <= 0 {
		limits.Klines = def.Klines
	}
	if limits.Tickers <= 0 {
		limits.Tickers = def.Tickers
	}
	if limits.Trades <= 0 {
		limits.Trades = def.Trades
	}
	if limits.OrderBook <= 0 {
		limits.OrderBook = def.OrderBook
	}
	return &SnapshotStore{
		sink:    sink,
		limits:  limits,
		logger:  logger,
		symbols: make(map[string]*symbolBuffers),
	}
}

// Handle persists ev and then applies it to the in-memory buffers.
func (s *SnapshotStore) Handle(ctx context.Context, ev domain.MarketEvent) {
	if ev.Symbol == "" {
		return
	}
	if s.sink != nil {
		if err := s.sink.AppendEvent(ctx, ev); err != nil {
			s.logger.Warn("Failed to persist market event",
				zap.String("symbol", ev.Symbol),
				zap.String("channel", string(ev.Channel)),
				zap.Error(err))
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.buffers(ev.Symbol)
	switch ev.Channel {
	case domain.ChannelKline:
		if ev.Kline != nil {
			c := ev.Kline.Candle
			c.Symbol = ev.Symbol
			appendCandle(b.candles, c)
		}
	case domain.ChannelTicker:
		if ev.Ticker != nil {
			s.applyTicker(b, ev.Symbol, *ev.Ticker)
		}
	case domain.ChannelTrade:
		for _, t := range ev.Trades {
			t.Symbol = ev.Symbol
			b.trades.push(t)
		}
	case domain.ChannelOrderBook:
		if ev.OrderBook != nil {
			for _, l := range ev.OrderBook.Levels {
				l.Symbol = ev.Symbol
				if l.Timestamp == 0 {
					l.Timestamp = ev.OrderBook.Timestamp
				}
				b.book.push(l)
			}
		}
	}
}

func (s *SnapshotStore) buffers(symbol string) *symbolBuffers {
	b, ok := s.symbols[symbol]
	if !ok {
		b = &symbolBuffers{
			candles: newRing[domain.Candle](s.limits.Klines),
			tickers: newRing[domain.Ticker](s.limits.Tickers),
			trades:  newRing[domain.PublicTrade](s.limits.Trades),
			book:    newRing[domain.OrderBookLevel](s.limits.OrderBook),
		}
		s.symbols[symbol] = b
	}
	return b
}

// appendCandle replaces the newest candle when the timestamp matches, appends
// newer candles and ignores older ones.
func appendCandle(r *ring[domain.Candle], c domain.Candle) {
	last, ok := r.last()
	switch {
	case !ok || c.Timestamp > last.Timestamp:
		r.push(c)
	case c.Timestamp == last.Timestamp:
		r.setLast(c)
	}
}

func (s *SnapshotStore) applyTicker(b *symbolBuffers, symbol string, upd domain.TickerUpdate) {
	var next domain.Ticker
	switch upd.Kind {
	case domain.TickerDelta:
		if !b.hasTicker {
			s.logger.Debug("Dropping ticker delta without snapshot", zap.String("symbol", symbol))
			return
		}
		next = domain.Ticker{Symbol: symbol, Fields: b.lastTicker.Fields.Merge(upd.Fields), Timestamp: upd.Timestamp}
	default:
		next = domain.Ticker{Symbol: symbol, Fields: domain.TickerFields{}.Merge(upd.Fields), Timestamp: upd.Timestamp}
	}
	b.lastTicker = next
	b.hasTicker = true
	b.tickers.push(next)
}

// SeedCandles merges historical candles into the buffer, keeping buffered
// entries on timestamp collisions.
func (s *SnapshotStore) SeedCandles(symbol string, candles []domain.Candle) {
	if len(candles) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.buffers(symbol)
	byTS := make(map[int64]domain.Candle, len(candles)+b.candles.len())
	for _, c := range candles {
		c.Symbol = symbol
		byTS[c.Timestamp] = c
	}
	for _, c := range b.candles.tail(0) {
		byTS[c.Timestamp] = c
	}

	merged := make([]domain.Candle, 0, len(byTS))
	for _, c := range byTS {
		merged = append(merged, c)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Timestamp < merged[j].Timestamp })

	b.candles.reset()
	for _, c := range merged {
		b.candles.push(c)
	}
}

// Candles returns up to n of the newest candles, oldest first.
func (s *SnapshotStore) Candles(symbol string, n int) []domain.Candle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.symbols[symbol]
	if !ok {
		return nil
	}
	return b.candles.tail(n)
}

func (s *SnapshotStore) LastTicker(symbol string) (domain.Ticker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.symbols[symbol]
	if !ok || !b.hasTicker {
		return domain.Ticker{}, false
	}
	t := b.lastTicker
	t.Fields = domain.TickerFields{}.Merge(t.Fields)
	return t, true
}

// TickerHistory returns up to n merged ticker states, oldest first.
func (s *SnapshotStore) TickerHistory(symbol string, n int) []domain.Ticker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.symbols[symbol]
	if !ok {
		return nil
	}
	return b.tickers.tail(n)
}

func (s *SnapshotStore) RecentTrades(symbol string, n int) []domain.PublicTrade {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.symbols[symbol]
	if !ok {
		return nil
	}
	return b.trades.tail(n)
}

func (s *SnapshotStore) OrderBook(symbol string, n int) []domain.OrderBookLevel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.symbols[symbol]
	if !ok {
		return nil
	}
	return b.book.tail(n)
}

// LastPrice prefers the ticker's last price and falls back to the newest close.
func (s *SnapshotStore) LastPrice(symbol string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.symbols[symbol]
	if !ok {
		return 0, false
	}
	if b.hasTicker && b.lastTicker.Fields.LastPrice != nil && *b.lastTicker.Fields.LastPrice > 0 {
		return *b.lastTicker.Fields.LastPrice, true
	}
	if c, ok := b.candles.last(); ok && c.Close > 0 {
		return c.Close, true
	}
	return 0, false
}

// Symbols lists every symbol with buffered candles, sorted.
func (s *SnapshotStore) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.symbols))
	for sym, b := range s.symbols {
		if b.candles.len() > 0 {
			out = append(out, sym)
		}
	}
	sort.Strings(out)
	return out
}
