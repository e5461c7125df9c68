package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/vitos/crypto_trade_tema/internal/domain"
)

// MockExchange is an in-memory domain.Exchange for lifecycle tests.
type MockExchange struct {
	mu sync.Mutex

	Precision domain.Precision
	Price     float64
	Candles   map[string][]domain.Candle
	Positions []domain.ExchangePosition
	Orders    []domain.OpenOrder

	MarketResult  *domain.OrderResult
	OrderFill     *domain.OrderResult
	MarketErr     error
	PositionsErr  error
	LeverageErr   error
	StopLossErr   error
	FailLimitAt   map[int]bool // 1-based call index of PlaceLimitOrder to reject
	InstrumentErr error
	OnStopLoss    func()

	LeverageCalls []int
	MarketOrders  []mockMarketOrder
	LimitOrders   []domain.LimitOrder
	StopLosses    []float64
	Trailing      [][2]float64
	PositionCalls int
	CandleCalls   int
}

type mockMarketOrder struct {
	Symbol string
	Side   string
	Qty    float64
}

func newMockExchange() *MockExchange {
	return &MockExchange{
		Precision: domain.Precision{TickSize: 0.01, QtyStep: 0.001, MinOrderQty: 0.001, MaxOrderQty: 1000},
		Price:     100,
		Candles:   make(map[string][]domain.Candle),
	}
}

func (m *MockExchange) GetInstruments(_ context.Context) ([]domain.Instrument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.InstrumentErr != nil {
		return nil, m.InstrumentErr
	}
	var out []domain.Instrument
	for sym := range m.Candles {
		out = append(out, domain.Instrument{Symbol: sym, QuoteCoin: "USDT", Status: "Trading", Precision: m.Precision})
	}
	return out, nil
}

func (m *MockExchange) GetSymbolPrecision(_ context.Context, symbol string) (domain.Precision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.InstrumentErr != nil {
		return domain.Precision{}, m.InstrumentErr
	}
	p := m.Precision
	p.Symbol = symbol
	return p, nil
}

func (m *MockExchange) GetPrice(_ context.Context, _ string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Price, nil
}

func (m *MockExchange) GetCandles(_ context.Context, symbol, _ string, limit int) ([]domain.Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CandleCalls++
	c, ok := m.Candles[symbol]
	if !ok {
		return nil, fmt.Errorf("%s: %w", symbol, domain.ErrSymbolNotFound)
	}
	if limit > 0 && len(c) > limit {
		c = c[len(c)-limit:]
	}
	return append([]domain.Candle(nil), c...), nil
}

func (m *MockExchange) SetLeverage(_ context.Context, _ string, leverage int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LeverageCalls = append(m.LeverageCalls, leverage)
	return m.LeverageErr
}

func (m *MockExchange) PlaceMarketOrder(_ context.Context, symbol, side string, qty float64) (*domain.OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.MarketErr != nil {
		return nil, m.MarketErr
	}
	m.MarketOrders = append(m.MarketOrders, mockMarketOrder{Symbol: symbol, Side: side, Qty: qty})
	if m.MarketResult != nil {
		r := *m.MarketResult
		return &r, nil
	}
	return &domain.OrderResult{OrderID: fmt.Sprintf("mkt-%d", len(m.MarketOrders))}, nil
}

func (m *MockExchange) PlaceLimitOrder(_ context.Context, order domain.LimitOrder) (*domain.OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	call := len(m.LimitOrders) + 1
	m.LimitOrders = append(m.LimitOrders, order)
	if m.FailLimitAt[call] {
		return nil, fmt.Errorf("%w: insufficient margin", domain.ErrOrderRejected)
	}
	id := fmt.Sprintf("tp-%d", call)
	m.Orders = append(m.Orders, domain.OpenOrder{OrderID: id, Symbol: order.Symbol, Side: order.Side, OrderType: "Limit", Price: order.Price, Qty: order.Qty, ReduceOnly: order.ReduceOnly})
	return &domain.OrderResult{OrderID: id}, nil
}

func (m *MockExchange) GetOrder(_ context.Context, _ string, orderID string) (*domain.OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.OrderFill == nil {
		return nil, errors.New("order not found")
	}
	r := *m.OrderFill
	r.OrderID = orderID
	return &r, nil
}

func (m *MockExchange) SetStopLoss(_ context.Context, _ string, price float64) error {
	m.mu.Lock()
	hook := m.OnStopLoss
	if m.StopLossErr != nil {
		m.mu.Unlock()
		return m.StopLossErr
	}
	m.StopLosses = append(m.StopLosses, price)
	m.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (m *MockExchange) SetTrailingStop(_ context.Context, _ string, distance, activationPrice float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Trailing = append(m.Trailing, [2]float64{distance, activationPrice})
	return nil
}

func (m *MockExchange) GetOpenPositions(_ context.Context) ([]domain.ExchangePosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PositionCalls++
	if m.PositionsErr != nil {
		return nil, m.PositionsErr
	}
	return append([]domain.ExchangePosition(nil), m.Positions...), nil
}

func (m *MockExchange) GetOpenOrders(_ context.Context, symbol string) ([]domain.OpenOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.OpenOrder
	for _, o := range m.Orders {
		if o.Symbol == symbol {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *MockExchange) GetBalance(_ context.Context, coin string) (*domain.Balance, error) {
	return &domain.Balance{Coin: coin, WalletBalance: 1000, Equity: 1000, Available: 900}, nil
}

func (m *MockExchange) setPositions(p ...domain.ExchangePosition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Positions = p
}

func (m *MockExchange) removeOrder(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.Orders[:0]
	for _, o := range m.Orders {
		if o.OrderID != id {
			kept = append(kept, o)
		}
	}
	m.Orders = kept
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *recordingNotifier) Notify(text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, text)
}

func (n *recordingNotifier) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.messages...)
}

type memoryRepo struct {
	mu      sync.Mutex
	trades  map[string]domain.Trade
	history []domain.PositionHistory
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{trades: make(map[string]domain.Trade)}
}

func (r *memoryRepo) SaveTrade(_ context.Context, t *domain.Trade) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trades[t.ID] = t.Clone()
	return nil
}

func (r *memoryRepo) ListTrades(_ context.Context, _ int) ([]domain.Trade, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Trade, 0, len(r.trades))
	for _, t := range r.trades {
		out = append(out, t.Clone())
	}
	return out, nil
}

func (r *memoryRepo) SavePositionHistory(_ context.Context, h *domain.PositionHistory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	h.ID = int64(len(r.history) + 1)
	r.history = append(r.history, *h)
	return nil
}

func (r *memoryRepo) ListPositionHistory(_ context.Context, _ int) ([]domain.PositionHistory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.PositionHistory(nil), r.history...), nil
}

type fixedPrices map[string]float64

func (p fixedPrices) LastPrice(symbol string) (float64, bool) {
	v, ok := p[symbol]
	return v, ok
}

// gatedRepo blocks the first SaveTrade after armed is set until release is closed.
type gatedRepo struct {
	*memoryRepo
	armed   atomic.Bool
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newGatedRepo() *gatedRepo {
	return &gatedRepo{memoryRepo: newMemoryRepo(), entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedRepo) SaveTrade(ctx context.Context, t *domain.Trade) error {
	if g.armed.Load() {
		first := false
		g.once.Do(func() { first = true })
		if first {
			close(g.entered)
			<-g.release
		}
	}
	return g.memoryRepo.SaveTrade(ctx, t)
}

func (g *gatedRepo) stored(id string) domain.Trade {
	g.mu.Lock()
	defer g.mu.Unlock()
	t := g.trades[id]
	return t.Clone()
}
