package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/vitos/crypto_trade_tema/internal/config"
	"github.com/vitos/crypto_trade_tema/internal/domain"
	"github.com/vitos/crypto_trade_tema/internal/infrastructure/metrics"
	"go.uber.org/zap"
)

// Close reasons written to position history.
const (
	ReasonStopLoss     = "stop_loss"
	ReasonTakeProfit   = "take_profit"
	ReasonTrailingStop = "trailing_stop"
	ReasonVenueClosed  = "closed_on_venue"
	ReasonExitFills    = "exit_fills"
)

// LifecycleSettings are the exit legs attached to every new trade.
type LifecycleSettings struct {
	TakeProfitLevels []domain.TakeProfitLevel
	StopLossPercent  float64
	Trailing         domain.TrailingStopConfig
}

func LifecycleSettingsFromConfig(cfg config.TradingConfig) LifecycleSettings {
	return LifecycleSettings{
		TakeProfitLevels: append([]domain.TakeProfitLevel(nil), cfg.TakeProfitLevels...),
		StopLossPercent:  cfg.StopLossPercent,
		Trailing:         cfg.TrailingStop,
	}
}

// PriceSource supplies the latest observed price of a symbol.
type PriceSource interface {
	LastPrice(symbol string) (float64, bool)
}

type OpenRequest struct {
	Symbol         string
	Side           domain.Side
	EntryPrice     float64
	NotionalAmount float64
	Leverage       int
}

// TakeProfitPlan is the outcome of laddering a quantity over take-profit levels.
type TakeProfitPlan struct {
	Orders []domain.TakeProfitOrder
	// Skipped lists 1-based levels whose quantity fell below the venue minimum.
	Skipped []int
	// Leftover is quantity not covered by any venue order. It is added to the
	// last order's AccountedQty; the venue order is not amended.
	Leftover float64
}

// Total is the quantity accounted for by the plan.
func (p TakeProfitPlan) Total() float64 {
	if len(p.Orders) == 0 {
		return p.Leftover
	}
	sum := decimal.Zero
	for _, o := range p.Orders {
		sum = sum.Add(decimal.NewFromFloat(o.AccountedQty))
	}
	return sum.InexactFloat64()
}

// EntryQuantity converts notional exposure into an order quantity floored to
// the venue step.
func EntryQuantity(notional float64, leverage int, entry float64, p domain.Precision) float64 {
	if entry <= 0 {
		return 0
	}
	qty := decimal.NewFromFloat(notional).
		Mul(decimal.NewFromInt(int64(leverage))).
		Div(decimal.NewFromFloat(entry))
	return p.FloorQty(qty.InexactFloat64())
}

// offsetPrice moves entry by pct percent in direction sign.
func offsetPrice(entry, pct, sign float64) float64 {
	hundred := decimal.NewFromInt(100)
	factor := hundred.Add(decimal.NewFromFloat(pct).Mul(decimal.NewFromFloat(sign))).Div(hundred)
	return decimal.NewFromFloat(entry).Mul(factor).InexactFloat64()
}

// StopLossPrice is pct percent against the position from entry, floored to tick.
func StopLossPrice(entry, pct float64, side domain.Side, p domain.Precision) (float64, error) {
	if pct <= 0 {
		return 0, domain.ErrInvalidPercent
	}
	if entry <= 0 {
		return 0, domain.ErrInvalidPrice
	}
	return p.FloorPrice(offsetPrice(entry, pct, -side.Sign())), nil
}

// TrailingStop returns the activation price and the trailing distance for a
// pending trailing stop.
func TrailingStop(entry, currentPrice float64, cfg domain.TrailingStopConfig, side domain.Side, p domain.Precision) (activation, distance float64, err error) {
	if cfg.ActivationPercent <= 0 || cfg.TrailingPercent <= 0 {
		return 0, 0, domain.ErrInvalidPercent
	}
	activation = p.FloorPrice(offsetPrice(entry, cfg.ActivationPercent, side.Sign()))
	raw := decimal.NewFromFloat(currentPrice).Mul(decimal.NewFromFloat(cfg.TrailingPercent)).Div(decimal.NewFromInt(100))
	distance = p.FloorPrice(raw.InexactFloat64())
	if distance <= 0 {
		return 0, 0, domain.ErrInvalidTrailingDistance
	}
	return activation, distance, nil
}

// PlanTakeProfits ladders qty over levels assuming every order is accepted.
func PlanTakeProfits(entry, qty float64, side domain.Side, levels []domain.TakeProfitLevel, p domain.Precision) TakeProfitPlan {
	return ladderTakeProfits(entry, qty, side, levels, p, nil)
}

// ladderTakeProfits walks levels in order. The first level is raised to the
// venue minimum, later sub-minimum levels are skipped and the last level takes
// whatever remains. remaining only shrinks for accepted orders.
func ladderTakeProfits(entry, qty float64, side domain.Side, levels []domain.TakeProfitLevel, p domain.Precision, place func(domain.TakeProfitOrder) (string, error)) TakeProfitPlan {
	var plan TakeProfitPlan
	total := decimal.NewFromFloat(qty)
	remaining := total
	minQty := decimal.NewFromFloat(p.MinOrderQty)
	hundred := decimal.NewFromInt(100)

	for i, lvl := range levels {
		level := i + 1
		var legQty decimal.Decimal
		if i == len(levels)-1 {
			legQty = remaining
		} else {
			legQty = total.Mul(decimal.NewFromFloat(lvl.SizePercent)).Div(hundred)
			if i == 0 && legQty.LessThan(minQty) {
				legQty = minQty
			}
		}
		if legQty.GreaterThan(remaining) {
			legQty = remaining
		}
		legQty = decimal.NewFromFloat(p.FloorQty(legQty.InexactFloat64()))
		if !legQty.IsPositive() || legQty.LessThan(minQty) {
			plan.Skipped = append(plan.Skipped, level)
			continue
		}

		order := domain.TakeProfitOrder{
			Level:        level,
			Price:        p.FloorPrice(offsetPrice(entry, lvl.PricePercent, side.Sign())),
			Qty:          legQty.InexactFloat64(),
			AccountedQty: legQty.InexactFloat64(),
		}
		accepted := true
		if place != nil {
			id, err := place(order)
			if err != nil {
				accepted = false
			} else {
				order.OrderID = id
				order.Placed = true
			}
		}
		if accepted {
			remaining = remaining.Sub(legQty)
			plan.Orders = append(plan.Orders, order)
		}
		if remaining.LessThan(minQty) {
			break
		}
	}
	plan.Leftover = remaining.InexactFloat64()
	if n := len(plan.Orders); n > 0 && remaining.IsPositive() {
		last := &plan.Orders[n-1]
		last.AccountedQty = decimal.NewFromFloat(last.Qty).Add(remaining).InexactFloat64()
	}
	return plan
}

// LifecycleManager owns every Trade the agent opened or adopted and drives it
// from entry to close.
type LifecycleManager struct {
	exchange domain.Exchange
	executor *TradeExecutor
	repo     domain.TradeRepository
	notifier domain.Notifier
	prices   PriceSource
	metrics  *metrics.Metrics
	settings LifecycleSettings
	logger   *zap.Logger
	now      func() time.Time

	saveMu sync.Mutex

	mu      sync.RWMutex
	history []*domain.Trade
	byID    map[string]*domain.Trade
	opening map[string]bool
}

// NewLifecycleManager wires the manager. repo, notifier, prices and m may be nil.
func NewLifecycleManager(exchange domain.Exchange, repo domain.TradeRepository, notifier domain.Notifier, prices PriceSource, settings LifecycleSettings, m *metrics.Metrics, logger *zap.Logger) *LifecycleManager {
	return &LifecycleManager{
		exchange: exchange,
		executor: NewTradeExecutor(exchange, logger),
		repo:     repo,
		notifier: notifier,
		prices:   prices,
		metrics:  m,
		settings: settings,
		logger:   logger,
		now:      time.Now,
		byID:     make(map[string]*domain.Trade),
		opening:  make(map[string]bool),
	}
}

// Restore loads persisted trades into the history, oldest first.
func (m *LifecycleManager) Restore(ctx context.Context, limit int) error {
	if m.repo == nil {
		return nil
	}
	trades, err := m.repo.ListTrades(ctx, limit)
	if err != nil {
		return fmt.Errorf("restore trades: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(trades) - 1; i >= 0; i-- {
		t := trades[i]
		if _, ok := m.byID[t.ID]; ok {
			continue
		}
		// Interrupted while arming exits; the entry itself was filled.
		if t.Status == domain.TradeOpening {
			t.Status = domain.TradeOpen
		}
		m.history = append(m.history, &t)
		m.byID[t.ID] = &t
	}
	m.logger.Info("Restored trade history", zap.Int("count", len(trades)))
	return nil
}

// Open places the entry order and attaches stop-loss, take-profit ladder and
// trailing stop. Failures of individual exit legs are logged and do not undo
// the entry.
func (m *LifecycleManager) Open(ctx context.Context, req OpenRequest) (*domain.Trade, error) {
	if req.EntryPrice <= 0 {
		return nil, fmt.Errorf("open %s: %w", req.Symbol, domain.ErrInvalidPrice)
	}
	if req.NotionalAmount <= 0 || req.Leverage < 1 {
		return nil, fmt.Errorf("open %s: invalid notional %v or leverage %d", req.Symbol, req.NotionalAmount, req.Leverage)
	}
	if !m.reserve(req.Symbol) {
		return nil, fmt.Errorf("open %s: %w", req.Symbol, domain.ErrTradeExists)
	}
	defer m.release(req.Symbol)

	precision, err := m.exchange.GetSymbolPrecision(ctx, req.Symbol)
	if err != nil {
		err = fmt.Errorf("open %s: precision: %w", req.Symbol, err)
		m.fail(req, "precision", err)
		return nil, err
	}

	if err := m.exchange.SetLeverage(ctx, req.Symbol, req.Leverage); err != nil {
		m.logger.Warn("Failed to set leverage", zap.String("symbol", req.Symbol), zap.Int("leverage", req.Leverage), zap.Error(err))
	}

	qty := EntryQuantity(req.NotionalAmount, req.Leverage, req.EntryPrice, precision)
	if qty <= 0 || qty < precision.MinOrderQty {
		err := fmt.Errorf("open %s: qty %v below %v: %w", req.Symbol, qty, precision.MinOrderQty, domain.ErrQuantityTooSmall)
		m.fail(req, "size", err)
		return nil, err
	}

	fill, err := m.executor.Execute(ctx, req.Symbol, req.Side, qty, req.EntryPrice, req.Leverage)
	if err != nil {
		err = fmt.Errorf("open %s: %w", req.Symbol, err)
		m.fail(req, "order", err)
		return nil, err
	}

	trade := &domain.Trade{
		ID:               uuid.NewString(),
		Symbol:           req.Symbol,
		Side:             req.Side,
		Status:           domain.TradeOpening,
		Source:           domain.SourceLocal,
		EntryPrice:       fill.Price,
		Quantity:         fill.Qty,
		RemainingQty:     fill.Qty,
		NotionalAmount:   decimal.NewFromFloat(fill.Qty).Mul(decimal.NewFromFloat(fill.Price)).InexactFloat64(),
		Leverage:         fill.Leverage,
		OpenedAt:         m.now(),
		TakeProfitLevels: append([]domain.TakeProfitLevel(nil), m.settings.TakeProfitLevels...),
		StopLossPercent:  m.settings.StopLossPercent,
		Trailing:         m.settings.Trailing,
		TPTriggered:      make([]bool, len(m.settings.TakeProfitLevels)),
	}

	// The trade stays Opening while its exit legs are armed.
	m.mu.Lock()
	m.history = append(m.history, trade)
	m.byID[trade.ID] = trade
	m.mu.Unlock()
	m.persist(ctx, trade.ID)

	m.logger.Info("Trade opened",
		zap.String("id", trade.ID),
		zap.String("symbol", trade.Symbol),
		zap.String("side", string(trade.Side)),
		zap.Float64("entry", trade.EntryPrice),
		zap.Float64("qty", trade.Quantity),
		zap.Bool("estimatedFill", fill.Estimated))

	m.armStopLoss(ctx, trade.ID, precision)
	m.placeTakeProfits(ctx, trade.ID, precision)
	m.armTrailingStop(ctx, trade.ID, precision)

	m.update(trade.ID, func(tr *domain.Trade) {
		if tr.Status == domain.TradeOpening {
			tr.Status = domain.TradeOpen
		}
	})
	m.persist(ctx, trade.ID)
	snapshot, _ := m.Get(trade.ID)
	m.metrics.TradeOpened()
	m.notify(fmt.Sprintf("Trade opened: %s %s qty %s @ %s (x%d)",
		snapshot.Side, snapshot.Symbol, precision.FormatQty(snapshot.Quantity), precision.FormatPrice(snapshot.EntryPrice), snapshot.Leverage))
	return &snapshot, nil
}

func (m *LifecycleManager) reserve(symbol string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.opening[symbol] || m.hasActiveLocked(symbol) {
		return false
	}
	m.opening[symbol] = true
	return true
}

func (m *LifecycleManager) release(symbol string) {
	m.mu.Lock()
	delete(m.opening, symbol)
	m.mu.Unlock()
}

func (m *LifecycleManager) fail(req OpenRequest, stage string, err error) {
	m.logger.Error("Trade failed", zap.String("symbol", req.Symbol), zap.String("side", string(req.Side)), zap.String("stage", stage), zap.Error(err))
	m.metrics.TradeFailure(stage)
	m.notify(fmt.Sprintf("Trade failed: %s %s: %v", req.Side, req.Symbol, err))
}

func (m *LifecycleManager) armStopLoss(ctx context.Context, id string, p domain.Precision) {
	t, ok := m.Get(id)
	if !ok {
		return
	}
	price, err := StopLossPrice(t.EntryPrice, t.StopLossPercent, t.Side, p)
	if err != nil {
		m.logger.Warn("Stop-loss not armed", zap.String("symbol", t.Symbol), zap.Error(err))
		return
	}
	if err := m.exchange.SetStopLoss(ctx, t.Symbol, price); err != nil {
		m.logger.Error("Failed to set stop-loss", zap.String("symbol", t.Symbol), zap.Float64("price", price), zap.Error(err))
		m.metrics.TradeFailure("stop_loss")
		return
	}
	m.update(id, func(tr *domain.Trade) { tr.StopLossPrice = price })
	m.logger.Info("Stop-loss armed", zap.String("symbol", t.Symbol), zap.Float64("price", price), zap.Float64("percent", t.StopLossPercent))
}

func (m *LifecycleManager) placeTakeProfits(ctx context.Context, id string, p domain.Precision) {
	t, ok := m.Get(id)
	if !ok || len(t.TakeProfitLevels) == 0 {
		return
	}
	plan := ladderTakeProfits(t.EntryPrice, t.Quantity, t.Side, t.TakeProfitLevels, p, func(o domain.TakeProfitOrder) (string, error) {
		res, err := m.exchange.PlaceLimitOrder(ctx, domain.LimitOrder{
			Symbol:     t.Symbol,
			Side:       t.Side.CloseSide(),
			Qty:        o.Qty,
			Price:      o.Price,
			ReduceOnly: true,
		})
		if err != nil {
			m.logger.Error("Failed to place take-profit", zap.String("symbol", t.Symbol), zap.Int("level", o.Level), zap.Error(err))
			m.metrics.TradeFailure("take_profit")
			return "", err
		}
		m.logger.Info("Take-profit placed", zap.String("symbol", t.Symbol), zap.Int("level", o.Level), zap.Float64("price", o.Price), zap.Float64("qty", o.Qty))
		return res.OrderID, nil
	})

	for _, level := range plan.Skipped {
		m.logger.Warn("Take-profit level below minimum size, skipped", zap.String("symbol", t.Symbol), zap.Int("level", level))
	}
	if plan.Leftover > 0 && len(plan.Orders) > 0 {
		last := plan.Orders[len(plan.Orders)-1]
		m.logger.Warn("Take-profit ladder leaves quantity uncovered on the venue",
			zap.String("symbol", t.Symbol),
			zap.Float64("leftover", plan.Leftover),
			zap.Int("attributedToLevel", last.Level),
			zap.Float64("accountedQty", last.AccountedQty))
	}
	m.update(id, func(tr *domain.Trade) { tr.TakeProfitOrders = plan.Orders })
}

func (m *LifecycleManager) armTrailingStop(ctx context.Context, id string, p domain.Precision) {
	t, ok := m.Get(id)
	if !ok || !t.Trailing.Enabled {
		return
	}
	current, err := m.exchange.GetPrice(ctx, t.Symbol)
	if err != nil || current <= 0 {
		m.logger.Warn("No current price for trailing stop, using entry", zap.String("symbol", t.Symbol), zap.Error(err))
		current = t.EntryPrice
	}
	activation, distance, err := TrailingStop(t.EntryPrice, current, t.Trailing, t.Side, p)
	if err != nil {
		m.logger.Warn("Trailing stop not armed", zap.String("symbol", t.Symbol), zap.Error(err))
		return
	}
	if err := m.exchange.SetTrailingStop(ctx, t.Symbol, distance, activation); err != nil {
		m.logger.Error("Failed to set trailing stop", zap.String("symbol", t.Symbol), zap.Error(err))
		m.metrics.TradeFailure("trailing_stop")
		return
	}
	m.update(id, func(tr *domain.Trade) {
		tr.TrailingActivationPrice = activation
		tr.TrailingDistance = distance
	})
	m.logger.Info("Trailing stop armed", zap.String("symbol", t.Symbol), zap.Float64("activation", activation), zap.Float64("distance", distance))
}

// MarkTakeProfitTriggered sets tp flag index once. changed is false when the
// flag was already set.
func (m *LifecycleManager) MarkTakeProfitTriggered(id string, index int) (bool, error) {
	m.mu.Lock()
	t, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		return false, domain.ErrTradeNotFound
	}
	if index < 0 || index >= len(t.TPTriggered) {
		m.mu.Unlock()
		return false, fmt.Errorf("trade %s: take-profit index %d out of range", id, index)
	}
	if t.TPTriggered[index] {
		m.mu.Unlock()
		return false, nil
	}
	t.TPTriggered[index] = true
	m.mu.Unlock()
	return true, nil
}

func (m *LifecycleManager) MarkStopLossTriggered(id string) (bool, error) {
	return m.markOnce(id, func(t *domain.Trade) *bool { return &t.SLTriggered })
}

func (m *LifecycleManager) MarkTrailingActivated(id string) (bool, error) {
	return m.markOnce(id, func(t *domain.Trade) *bool { return &t.TrailingActivated })
}

func (m *LifecycleManager) markOnce(id string, flag func(*domain.Trade) *bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byID[id]
	if !ok {
		return false, domain.ErrTradeNotFound
	}
	f := flag(t)
	if *f {
		return false, nil
	}
	*f = true
	return true, nil
}

// RecordExitFill books qty as closed. The trade moves to Closing and is
// Closed once nothing remains.
func (m *LifecycleManager) RecordExitFill(ctx context.Context, id string, qty, price float64) (bool, error) {
	if qty <= 0 {
		return false, fmt.Errorf("trade %s: exit qty must be positive", id)
	}
	m.mu.Lock()
	t, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		return false, domain.ErrTradeNotFound
	}
	if t.Status == domain.TradeClosed {
		m.mu.Unlock()
		return false, nil
	}
	remaining := decimal.NewFromFloat(t.RemainingQty).Sub(decimal.NewFromFloat(qty))
	if !remaining.IsPositive() {
		remaining = decimal.Zero
	}
	t.RemainingQty = remaining.InexactFloat64()
	if domain.CanAdvance(t.Status, domain.TradeClosing) {
		t.Status = domain.TradeClosing
	}
	closed := t.RemainingQty == 0
	if closed {
		m.closeLocked(t)
	}
	snapshot := t.Clone()
	m.mu.Unlock()

	m.persist(ctx, id)
	if closed {
		m.recordClose(ctx, snapshot, price, ReasonExitFills)
	}
	return closed, nil
}

func (m *LifecycleManager) closeLocked(t *domain.Trade) {
	t.Status = domain.TradeClosed
	t.RemainingQty = 0
	t.ClosedAt = m.now()
}

// Sync reconciles active trades against venue positions observed at
// observedAt. Trades opened after observedAt are left alone.
func (m *LifecycleManager) Sync(ctx context.Context, positions []domain.ExchangePosition, observedAt time.Time) {
	type key struct {
		symbol string
		side   domain.Side
	}
	bySymbolSide := make(map[key]domain.ExchangePosition, len(positions))
	for _, p := range positions {
		if p.Size > 0 {
			bySymbolSide[key{p.Symbol, p.Side}] = p
		}
	}

	var candidates []domain.Trade
	m.mu.RLock()
	for _, t := range m.history {
		if t.Status != domain.TradeOpening && t.IsActive() && t.Source == domain.SourceLocal && !t.OpenedAt.After(observedAt) {
			candidates = append(candidates, t.Clone())
		}
	}
	m.mu.RUnlock()

	openOrders := make(map[string]map[string]bool)
	for _, t := range candidates {
		pos, open := bySymbolSide[key{t.Symbol, t.Side}]
		if !open {
			m.closeVanished(ctx, t)
			continue
		}

		if diff := decimal.NewFromFloat(t.RemainingQty).Sub(decimal.NewFromFloat(pos.Size)); diff.IsPositive() {
			if _, err := m.RecordExitFill(ctx, t.ID, diff.InexactFloat64(), pos.MarkPrice); err != nil {
				m.logger.Warn("Failed to record exit fill", zap.String("id", t.ID), zap.Error(err))
			}
		}

		m.syncTakeProfits(ctx, t, openOrders)
		m.syncTrailing(ctx, t, pos)
	}
}

func (m *LifecycleManager) syncTakeProfits(ctx context.Context, t domain.Trade, cache map[string]map[string]bool) {
	pending := false
	for _, o := range t.TakeProfitOrders {
		if o.Placed && o.OrderID != "" && o.Level-1 < len(t.TPTriggered) && !t.TPTriggered[o.Level-1] {
			pending = true
			break
		}
	}
	if !pending {
		return
	}

	live, ok := cache[t.Symbol]
	if !ok {
		orders, err := m.exchange.GetOpenOrders(ctx, t.Symbol)
		if err != nil {
			m.logger.Warn("Failed to read open orders", zap.String("symbol", t.Symbol), zap.Error(err))
			return
		}
		live = make(map[string]bool, len(orders))
		for _, o := range orders {
			live[o.OrderID] = true
		}
		cache[t.Symbol] = live
	}

	changedAny := false
	for _, o := range t.TakeProfitOrders {
		if !o.Placed || o.OrderID == "" || live[o.OrderID] {
			continue
		}
		changed, err := m.MarkTakeProfitTriggered(t.ID, o.Level-1)
		if err != nil {
			m.logger.Warn("Failed to mark take-profit", zap.String("id", t.ID), zap.Error(err))
			continue
		}
		if changed {
			changedAny = true
			m.logger.Info("Take-profit filled", zap.String("symbol", t.Symbol), zap.Int("level", o.Level), zap.Float64("price", o.Price))
			m.notify(fmt.Sprintf("Take-profit %d filled: %s %s @ %v", o.Level, t.Side, t.Symbol, o.Price))
		}
	}
	if changedAny {
		m.persist(ctx, t.ID)
	}
}

func (m *LifecycleManager) syncTrailing(ctx context.Context, t domain.Trade, pos domain.ExchangePosition) {
	if !t.Trailing.Enabled || t.TrailingActivated || t.TrailingActivationPrice <= 0 {
		return
	}
	price := pos.MarkPrice
	if price <= 0 && m.prices != nil {
		price, _ = m.prices.LastPrice(t.Symbol)
	}
	if price <= 0 {
		return
	}
	crossed := price >= t.TrailingActivationPrice
	if t.Side == domain.SideShort {
		crossed = price <= t.TrailingActivationPrice
	}
	if !crossed {
		return
	}
	if changed, _ := m.MarkTrailingActivated(t.ID); changed {
		m.logger.Info("Trailing stop activated", zap.String("symbol", t.Symbol), zap.Float64("price", price))
		m.persist(ctx, t.ID)
	}
}

func (m *LifecycleManager) closeVanished(ctx context.Context, t domain.Trade) {
	var price float64
	if m.prices != nil {
		price, _ = m.prices.LastPrice(t.Symbol)
	}

	reason := ReasonVenueClosed
	stopHit := t.StopLossPrice > 0 && price > 0 &&
		((t.Side == domain.SideLong && price <= t.StopLossPrice) || (t.Side == domain.SideShort && price >= t.StopLossPrice))
	switch {
	case stopHit:
		reason = ReasonStopLoss
		if _, err := m.MarkStopLossTriggered(t.ID); err != nil {
			m.logger.Warn("Failed to mark stop-loss", zap.String("id", t.ID), zap.Error(err))
		}
	case t.TrailingActivated:
		reason = ReasonTrailingStop
	case anyTrue(t.TPTriggered):
		reason = ReasonTakeProfit
	}

	m.mu.Lock()
	live, ok := m.byID[t.ID]
	if !ok || live.Status == domain.TradeClosed {
		m.mu.Unlock()
		return
	}
	m.closeLocked(live)
	snapshot := live.Clone()
	m.mu.Unlock()

	m.persist(ctx, t.ID)
	m.recordClose(ctx, snapshot, price, reason)
}

func (m *LifecycleManager) recordClose(ctx context.Context, t domain.Trade, exitPrice float64, reason string) {
	pnl := 0.0
	if exitPrice > 0 {
		pnl = decimal.NewFromFloat(exitPrice).Sub(decimal.NewFromFloat(t.EntryPrice)).
			Mul(decimal.NewFromFloat(t.Quantity)).
			Mul(decimal.NewFromFloat(t.Side.Sign())).InexactFloat64()
	}
	h := &domain.PositionHistory{
		TradeID:     t.ID,
		Symbol:      t.Symbol,
		Side:        t.Side,
		Size:        t.Quantity,
		EntryPrice:  t.EntryPrice,
		ExitPrice:   exitPrice,
		RealizedPnL: pnl,
		Leverage:    t.Leverage,
		Reason:      reason,
		ClosedAt:    t.ClosedAt,
	}
	if m.repo != nil {
		if err := m.repo.SavePositionHistory(ctx, h); err != nil {
			m.logger.Error("Failed to save position history", zap.String("id", t.ID), zap.Error(err))
		}
	}
	m.logger.Info("Trade closed",
		zap.String("id", t.ID),
		zap.String("symbol", t.Symbol),
		zap.String("reason", reason),
		zap.Float64("exit", exitPrice),
		zap.Float64("pnl", pnl))
	m.notify(fmt.Sprintf("Trade closed: %s %s (%s) pnl %.4f", t.Side, t.Symbol, reason, pnl))
}

func anyTrue(flags []bool) bool {
	for _, f := range flags {
		if f {
			return true
		}
	}
	return false
}

func (m *LifecycleManager) update(id string, fn func(*domain.Trade)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.byID[id]; ok {
		fn(t)
	}
}

// persist saves the current state of trade id. Saves are serialized and each
// one reads the trade after taking saveMu, so the last write is the newest state.
func (m *LifecycleManager) persist(ctx context.Context, id string) {
	if m.repo == nil {
		return
	}
	m.saveMu.Lock()
	defer m.saveMu.Unlock()
	t, ok := m.Get(id)
	if !ok {
		return
	}
	if err := m.repo.SaveTrade(ctx, &t); err != nil {
		m.logger.Error("Failed to save trade", zap.String("id", id), zap.Error(err))
	}
}

func (m *LifecycleManager) notify(text string) {
	if m.notifier != nil {
		m.notifier.Notify(text)
	}
}

// Get returns a copy of the trade with id.
func (m *LifecycleManager) Get(id string) (domain.Trade, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.byID[id]
	if !ok {
		return domain.Trade{}, false
	}
	return t.Clone(), true
}

// History returns copies of every trade, oldest first, closed ones included.
func (m *LifecycleManager) History() []domain.Trade {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Trade, 0, len(m.history))
	for _, t := range m.history {
		out = append(out, t.Clone())
	}
	return out
}

func (m *LifecycleManager) OpenTrades() []domain.Trade {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Trade
	for _, t := range m.history {
		if t.IsActive() {
			out = append(out, t.Clone())
		}
	}
	return out
}

// HasOpenTrade reports whether symbol has an active trade or an entry in flight.
func (m *LifecycleManager) HasOpenTrade(symbol string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.opening[symbol] || m.hasActiveLocked(symbol)
}

func (m *LifecycleManager) hasActiveLocked(symbol string) bool {
	for _, t := range m.history {
		if t.Symbol == symbol && t.IsActive() {
			return true
		}
	}
	return false
}

// FindBySymbolSide returns the most recent trade for symbol and side.
func (m *LifecycleManager) FindBySymbolSide(symbol string, side domain.Side) (domain.Trade, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.history) - 1; i >= 0; i-- {
		if t := m.history[i]; t.Symbol == symbol && t.Side == side {
			return t.Clone(), true
		}
	}
	return domain.Trade{}, false
}
