package usecase

import (
	"context"
	"errors"
	"fmt"

	"github.com/vitos/crypto_trade_tema/internal/domain"
	"go.uber.org/zap"
)

// Fill is the venue-confirmed result of an entry order.
type Fill struct {
	OrderID  string
	Price    float64
	Qty      float64
	Leverage int
	// Estimated is set when the venue reported no execution and the
	// requested price and quantity were used instead.
	Estimated bool
}

type TradeExecutor struct {
	exchange domain.Exchange
	logger   *zap.Logger
}

func NewTradeExecutor(exchange domain.Exchange, logger *zap.Logger) *TradeExecutor {
	return &TradeExecutor{
		exchange: exchange,
		logger:   logger,
	}
}

// Execute sends a market order for qty and resolves the authoritative fill:
// the order's own execution report first, then the venue position, then the
// requested estimate.
func (e *TradeExecutor) Execute(ctx context.Context, symbol string, side domain.Side, qty, estimatePrice float64, leverage int) (Fill, error) {
	if side != domain.SideLong && side != domain.SideShort {
		return Fill{}, fmt.Errorf("invalid side: %s", side)
	}

	res, err := e.exchange.PlaceMarketOrder(ctx, symbol, side.OrderSide(), qty)
	if err != nil {
		if !errors.Is(err, domain.ErrOrderRejected) {
			err = fmt.Errorf("%w: %w", domain.ErrOrderRejected, err)
		}
		return Fill{}, fmt.Errorf("market %s %s: %w", side.OrderSide(), symbol, err)
	}

	fill := Fill{OrderID: res.OrderID, Leverage: leverage}
	if res.ExecutedQty > 0 {
		fill.Price, fill.Qty = res.AvgPrice, res.ExecutedQty
	}

	if fill.Qty <= 0 && res.OrderID != "" {
		order, err := e.exchange.GetOrder(ctx, symbol, res.OrderID)
		if err != nil {
			e.logger.Warn("Failed to read entry fill", zap.String("symbol", symbol), zap.String("orderId", res.OrderID), zap.Error(err))
		} else if order.ExecutedQty > 0 {
			fill.Price, fill.Qty = order.AvgPrice, order.ExecutedQty
		}
	}

	positions, err := e.exchange.GetOpenPositions(ctx)
	if err != nil {
		e.logger.Warn("Failed to read positions after entry", zap.String("symbol", symbol), zap.Error(err))
	}
	for _, p := range positions {
		if p.Symbol != symbol || p.Side != side || p.Size <= 0 {
			continue
		}
		if fill.Qty <= 0 {
			fill.Qty = p.Size
		}
		if p.AveragePrice > 0 {
			fill.Price = p.AveragePrice
		}
		if p.Leverage > 0 {
			fill.Leverage = p.Leverage
		}
		break
	}

	if fill.Qty <= 0 {
		e.logger.Warn("Venue reported zero fill, using estimate",
			zap.String("symbol", symbol), zap.Float64("qty", qty), zap.Float64("price", estimatePrice))
		fill.Qty = qty
		fill.Price = estimatePrice
		fill.Estimated = true
	}
	if fill.Price <= 0 {
		fill.Price = estimatePrice
	}
	return fill, nil
}
