package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vitos/crypto_trade_tema/internal/domain"
	"github.com/vitos/crypto_trade_tema/internal/infrastructure/metrics"
	"go.uber.org/zap"
)

// subscribeBatch caps the topics sent in one subscribe request.
const subscribeBatch = 10

// EventHandler receives every decoded stream event.
type EventHandler interface {
	Handle(ctx context.Context, event domain.MarketEvent)
}

type StreamConfig struct {
	URL            string
	Symbols        []string
	Channels       []domain.Channel
	Interval       string
	ShardSize      int
	OrderBookDepth int
	ReconnectDelay time.Duration
	PingInterval   time.Duration
	ReadTimeout    time.Duration
}

// LivenessTimeout is the read deadline for a stream subscribed at the given
// timeframe: 115% of one bar, never below floor.
func LivenessTimeout(timeframeSeconds int, floor time.Duration) time.Duration {
	d := time.Duration(timeframeSeconds) * time.Second * 115 / 100
	if d < floor {
		return floor
	}
	return d
}

// BybitStream keeps one public websocket connection per shard of symbols.
// Symbols the venue rejects are blacklisted for the life of the stream.
type BybitStream struct {
	cfg     StreamConfig
	handler EventHandler
	metrics *metrics.Metrics
	logger  *zap.Logger
	dialer  *websocket.Dialer

	mu        sync.RWMutex
	blacklist map[string]struct{}
}

func NewBybitStream(cfg StreamConfig, handler EventHandler, m *metrics.Metrics, logger *zap.Logger) *BybitStream {
	if cfg.URL == "" {
		cfg.URL = BybitWSURL
	}
	if cfg.ShardSize <= 0 {
		cfg.ShardSize = 50
	}
	if cfg.OrderBookDepth <= 0 {
		cfg.OrderBookDepth = 1
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	if len(cfg.Channels) == 0 {
		cfg.Channels = []domain.Channel{domain.ChannelKline}
	}
	return &BybitStream{
		cfg:       cfg,
		handler:   handler,
		metrics:   m,
		logger:    logger,
		dialer:    &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		blacklist: make(map[string]struct{}),
	}
}

// Run streams until ctx is cancelled. It returns domain.ErrNoSymbols once
// every symbol has been blacklisted.
func (s *BybitStream) Run(ctx context.Context) error {
	if len(s.cfg.Symbols) == 0 {
		return domain.ErrNoSymbols
	}

	var wg sync.WaitGroup
	for start := 0; start < len(s.cfg.Symbols); start += s.cfg.ShardSize {
		end := min(start+s.cfg.ShardSize, len(s.cfg.Symbols))
		shard := s.cfg.Symbols[start:end]
		wg.Add(1)
		go func(id int, symbols []string) {
			defer wg.Done()
			s.runShard(ctx, id, symbols)
		}(start/s.cfg.ShardSize, shard)
	}
	wg.Wait()

	if ctx.Err() != nil {
		return nil
	}
	return domain.ErrNoSymbols
}

// Blacklisted returns the rejected symbols, sorted.
func (s *BybitStream) Blacklisted() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.blacklist))
	for sym := range s.blacklist {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

func (s *BybitStream) IsBlacklisted(symbol string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blacklist[symbol]
	return ok
}

func (s *BybitStream) addToBlacklist(symbol string) {
	s.mu.Lock()
	s.blacklist[symbol] = struct{}{}
	n := len(s.blacklist)
	s.mu.Unlock()
	s.metrics.SetBlacklisted(n)
}

func (s *BybitStream) activeSymbols(symbols []string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	active := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		if _, bad := s.blacklist[sym]; !bad {
			active = append(active, sym)
		}
	}
	return active
}

func (s *BybitStream) runShard(ctx context.Context, id int, symbols []string) {
	log := s.logger.With(zap.Int("shard", id))
	for {
		active := s.activeSymbols(symbols)
		if len(active) == 0 {
			log.Warn("No subscribable symbols left in shard, stopping")
			return
		}

		err := s.session(ctx, active)
		if ctx.Err() != nil {
			return
		}
		log.Warn("Stream session ended, reconnecting", zap.Error(err), zap.Duration("delay", s.cfg.ReconnectDelay))
		s.metrics.StreamReconnect()

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.ReconnectDelay):
		}
	}
}

func (s *BybitStream) topics(symbols []string) map[string]string {
	topics := make(map[string]string, len(symbols)*len(s.cfg.Channels))
	for _, sym := range symbols {
		for _, ch := range s.cfg.Channels {
			switch ch {
			case domain.ChannelKline:
				topics[fmt.Sprintf("kline.%s.%s", s.cfg.Interval, sym)] = sym
			case domain.ChannelTicker:
				topics["tickers."+sym] = sym
			case domain.ChannelTrade:
				topics["publicTrade."+sym] = sym
			case domain.ChannelOrderBook:
				topics[fmt.Sprintf("orderbook.%d.%s", s.cfg.OrderBookDepth, sym)] = sym
			}
		}
	}
	return topics
}

// session runs one connection until it fails, a subscription is rejected or
// ctx is cancelled.
func (s *BybitStream) session(ctx context.Context, symbols []string) error {
	conn, _, err := s.dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)

	var writeMu sync.Mutex
	writeJSON := func(v interface{}) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(v)
	}

	go func() {
		ticker := time.NewTicker(s.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				writeMu.Lock()
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				writeMu.Unlock()
				conn.Close()
				return
			case <-ticker.C:
				if err := writeJSON(map[string]string{"op": "ping"}); err != nil {
					return
				}
			}
		}
	}()

	topics := s.topics(symbols)
	args := make([]string, 0, len(topics))
	for t := range topics {
		args = append(args, t)
	}
	sort.Strings(args)
	for start := 0; start < len(args); start += subscribeBatch {
		end := min(start+subscribeBatch, len(args))
		if err := writeJSON(map[string]interface{}{"op": "subscribe", "args": args[start:end]}); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
	}
	s.logger.Info("Stream subscribed", zap.Int("symbols", len(symbols)), zap.Int("topics", len(args)))

	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
			return err
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		msg, err := parseStreamMessage(raw, topics)
		if err != nil {
			s.logger.Debug("Skipping malformed stream message", zap.Error(err))
			continue
		}
		if msg.rejected {
			if len(msg.rejectedSymbols) == 0 {
				return fmt.Errorf("subscription rejected: %s", msg.retMsg)
			}
			for _, sym := range msg.rejectedSymbols {
				s.logger.Warn("Subscription rejected, blacklisting symbol", zap.String("symbol", sym), zap.String("reason", msg.retMsg))
				s.addToBlacklist(sym)
			}
			return fmt.Errorf("subscription rejected for %v", msg.rejectedSymbols)
		}
		for _, ev := range msg.events {
			s.metrics.StreamEvent(string(ev.Channel))
			s.handler.Handle(ctx, ev)
		}
	}
}

type streamMessage struct {
	events          []domain.MarketEvent
	rejected        bool
	rejectedSymbols []string
	retMsg          string
}

// parseStreamMessage decodes one frame. topics maps each subscribed topic to
// its symbol and is used to attribute subscription rejections.
func parseStreamMessage(raw []byte, topics map[string]string) (streamMessage, error) {
	var envelope struct {
		Op      string          `json:"op"`
		Success *bool           `json:"success"`
		RetMsg  string          `json:"ret_msg"`
		Error   string          `json:"error"`
		Topic   string          `json:"topic"`
		Type    string          `json:"type"`
		Ts      int64           `json:"ts"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return streamMessage{}, err
	}

	if envelope.Op == "subscribe" && envelope.Success != nil && !*envelope.Success {
		return rejection(envelope.RetMsg, topics), nil
	}
	if envelope.Error != "" {
		m := rejection(envelope.Error+" "+envelope.Topic, topics)
		m.retMsg = envelope.Error
		return m, nil
	}
	if envelope.Topic == "" || len(envelope.Data) == 0 {
		return streamMessage{}, nil
	}

	parts := strings.Split(envelope.Topic, ".")
	symbol := parts[len(parts)-1]
	var (
		events []domain.MarketEvent
		err    error
	)
	switch parts[0] {
	case "kline":
		events, err = parseKlines(symbol, envelope.Data)
	case "tickers":
		events, err = parseTicker(symbol, envelope.Type, envelope.Ts, envelope.Data)
	case "publicTrade":
		events, err = parseTrades(symbol, envelope.Data)
	case "orderbook":
		events, err = parseOrderBook(symbol, envelope.Type, envelope.Ts, envelope.Data)
	default:
		return streamMessage{}, nil
	}
	if err != nil {
		return streamMessage{}, fmt.Errorf("%s: %w", envelope.Topic, err)
	}
	return streamMessage{events: events}, nil
}

func rejection(text string, topics map[string]string) streamMessage {
	m := streamMessage{rejected: true, retMsg: text}
	seen := make(map[string]bool)
	tokens := strings.FieldsFunc(text, func(r rune) bool {
		return !(r == '.' || r == '_' || r == '-' ||
			(r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'))
	})
	for _, tok := range tokens {
		if sym, ok := topics[tok]; ok && !seen[sym] {
			seen[sym] = true
			m.rejectedSymbols = append(m.rejectedSymbols, sym)
		}
	}
	return m
}

func parseKlines(symbol string, data json.RawMessage) ([]domain.MarketEvent, error) {
	var items []struct {
		Start    int64  `json:"start"`
		Interval string `json:"interval"`
		Open     string `json:"open"`
		Close    string `json:"close"`
		High     string `json:"high"`
		Low      string `json:"low"`
		Volume   string `json:"volume"`
		Turnover string `json:"turnover"`
		Confirm  bool   `json:"confirm"`
	}
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, err
	}
	events := make([]domain.MarketEvent, 0, len(items))
	for _, k := range items {
		events = append(events, domain.MarketEvent{
			Channel: domain.ChannelKline,
			Symbol:  symbol,
			Kline: &domain.KlineUpdate{
				Interval: k.Interval,
				Confirm:  k.Confirm,
				Candle: domain.Candle{
					Symbol:    symbol,
					Timestamp: k.Start / 1000,
					Open:      parseFloat(k.Open),
					High:      parseFloat(k.High),
					Low:       parseFloat(k.Low),
					Close:     parseFloat(k.Close),
					Volume:    parseFloat(k.Volume),
					Turnover:  parseFloat(k.Turnover),
				},
			},
		})
	}
	return events, nil
}

func optionalFloat(raw map[string]string, key string) *float64 {
	s, ok := raw[key]
	if !ok || s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}

func parseTicker(symbol, kind string, ts int64, data json.RawMessage) ([]domain.MarketEvent, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	fields := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			fields[k] = s
		}
	}

	tickerKind := domain.TickerDelta
	if kind == string(domain.TickerSnapshot) {
		tickerKind = domain.TickerSnapshot
	}
	return []domain.MarketEvent{{
		Channel: domain.ChannelTicker,
		Symbol:  symbol,
		Ticker: &domain.TickerUpdate{
			Kind:      tickerKind,
			Timestamp: ts,
			Fields: domain.TickerFields{
				LastPrice:    optionalFloat(fields, "lastPrice"),
				MarkPrice:    optionalFloat(fields, "markPrice"),
				IndexPrice:   optionalFloat(fields, "indexPrice"),
				Bid1Price:    optionalFloat(fields, "bid1Price"),
				Ask1Price:    optionalFloat(fields, "ask1Price"),
				HighPrice24h: optionalFloat(fields, "highPrice24h"),
				LowPrice24h:  optionalFloat(fields, "lowPrice24h"),
				Price24hPcnt: optionalFloat(fields, "price24hPcnt"),
				Volume24h:    optionalFloat(fields, "volume24h"),
				Turnover24h:  optionalFloat(fields, "turnover24h"),
				OpenInterest: optionalFloat(fields, "openInterest"),
				FundingRate:  optionalFloat(fields, "fundingRate"),
			},
		},
	}}, nil
}

func parseTrades(symbol string, data json.RawMessage) ([]domain.MarketEvent, error) {
	var items []struct {
		T  int64  `json:"T"`
		S  string `json:"S"`
		V  string `json:"v"`
		P  string `json:"p"`
		ID string `json:"i"`
	}
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, err
	}
	trades := make([]domain.PublicTrade, 0, len(items))
	for _, t := range items {
		trades = append(trades, domain.PublicTrade{
			ID:        t.ID,
			Symbol:    symbol,
			Side:      t.S,
			Price:     parseFloat(t.P),
			Size:      parseFloat(t.V),
			Timestamp: t.T,
		})
	}
	return []domain.MarketEvent{{Channel: domain.ChannelTrade, Symbol: symbol, Trades: trades}}, nil
}

func parseOrderBook(symbol, kind string, ts int64, data json.RawMessage) ([]domain.MarketEvent, error) {
	var book struct {
		B [][]string `json:"b"`
		A [][]string `json:"a"`
	}
	if err := json.Unmarshal(data, &book); err != nil {
		return nil, err
	}

	levels := make([]domain.OrderBookLevel, 0, len(book.B)+len(book.A))
	add := func(side domain.BookSide, rows [][]string) {
		for _, row := range rows {
			if len(row) < 2 {
				continue
			}
			levels = append(levels, domain.OrderBookLevel{
				Symbol:    symbol,
				Side:      side,
				Price:     parseFloat(row[0]),
				Size:      parseFloat(row[1]),
				Timestamp: ts,
			})
		}
	}
	add(domain.BookBid, book.B)
	add(domain.BookAsk, book.A)

	bookKind := domain.TickerDelta
	if kind == string(domain.TickerSnapshot) {
		bookKind = domain.TickerSnapshot
	}
	return []domain.MarketEvent{{
		Channel:   domain.ChannelOrderBook,
		Symbol:    symbol,
		OrderBook: &domain.OrderBookUpdate{Kind: bookKind, Levels: levels, Timestamp: ts},
	}}, nil
}
