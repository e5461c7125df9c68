package domain

import "context"

// Exchange is the authenticated trading gateway of the venue.
type Exchange interface {
	GetInstruments(ctx context.Context) ([]Instrument, error)
	GetSymbolPrecision(ctx context.Context, symbol string) (Precision, error)
	GetPrice(ctx context.Context, symbol string) (float64, error)
	GetCandles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)

	SetLeverage(ctx context.Context, symbol string, leverage int) error
	PlaceMarketOrder(ctx context.Context, symbol, side string, qty float64) (*OrderResult, error)
	PlaceLimitOrder(ctx context.Context, order LimitOrder) (*OrderResult, error)
	GetOrder(ctx context.Context, symbol, orderID string) (*OrderResult, error)
	SetStopLoss(ctx context.Context, symbol string, price float64) error
	SetTrailingStop(ctx context.Context, symbol string, distance, activationPrice float64) error

	GetOpenPositions(ctx context.Context) ([]ExchangePosition, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error)
	GetBalance(ctx context.Context, coin string) (*Balance, error)
}

// SnapshotSink durably appends raw market events for audit.
type SnapshotSink interface {
	AppendEvent(ctx context.Context, event MarketEvent) error
}

// TradeRepository stores the trade lifecycle audit trail.
type TradeRepository interface {
	SaveTrade(ctx context.Context, trade *Trade) error
	ListTrades(ctx context.Context, limit int) ([]Trade, error)

	SavePositionHistory(ctx context.Context, history *PositionHistory) error
	ListPositionHistory(ctx context.Context, limit int) ([]PositionHistory, error)
}

// Notifier delivers operator messages. Implementations must not block.
type Notifier interface {
	Notify(text string)
}
