package domain

import "time"

type TradeStatus string

const (
	TradeOpening TradeStatus = "OPENING"
	TradeOpen    TradeStatus = "OPEN"
	TradeClosing TradeStatus = "CLOSING"
	TradeClosed  TradeStatus = "CLOSED"
)

var statusRank = map[TradeStatus]int{
	TradeOpening: 0,
	TradeOpen:    1,
	TradeClosing: 2,
	TradeClosed:  3,
}

// CanAdvance reports whether from -> to moves the lifecycle forward.
func CanAdvance(from, to TradeStatus) bool {
	return statusRank[to] > statusRank[from]
}

type TradeSource string

const (
	SourceLocal   TradeSource = "local"
	SourceAdopted TradeSource = "adopted"
)

// TakeProfitLevel is one rung of the exit ladder: close SizePercent of the
// position at PricePercent away from entry.
type TakeProfitLevel struct {
	PricePercent float64 `json:"price_percent" yaml:"price_percent"`
	SizePercent  float64 `json:"size_percent" yaml:"size_percent"`
}

// TakeProfitOrder is a planned or placed take-profit leg. Qty is what the
// venue holds; AccountedQty also carries any ladder leftover booked against it.
type TakeProfitOrder struct {
	Level        int     `json:"level"`
	Price        float64 `json:"price"`
	Qty          float64 `json:"qty"`
	AccountedQty float64 `json:"accounted_qty"`
	OrderID      string  `json:"order_id,omitempty"`
	Placed       bool    `json:"placed"`
}

type TrailingStopConfig struct {
	Enabled           bool    `json:"enabled" yaml:"enabled"`
	ActivationPercent float64 `json:"activation_percent" yaml:"activation_percent"`
	TrailingPercent   float64 `json:"trailing_percent" yaml:"trailing_percent"`
}

// Trade is a position opened (or adopted) by the agent together with its exit legs.
type Trade struct {
	ID             string      `json:"id"`
	Symbol         string      `json:"symbol"`
	Side           Side        `json:"side"`
	Status         TradeStatus `json:"status"`
	Source         TradeSource `json:"source"`
	EntryPrice     float64     `json:"entry_price"`
	Quantity       float64     `json:"quantity"`
	RemainingQty   float64     `json:"remaining_qty"`
	NotionalAmount float64     `json:"notional_amount"`
	Leverage       int         `json:"leverage"`
	OpenedAt       time.Time   `json:"opened_at"`
	ClosedAt       time.Time   `json:"closed_at,omitempty"`

	TakeProfitLevels []TakeProfitLevel `json:"take_profit_levels"`
	TakeProfitOrders []TakeProfitOrder `json:"take_profit_orders"`

	StopLossPercent float64 `json:"stop_loss_percent"`
	StopLossPrice   float64 `json:"stop_loss_price"`

	Trailing                TrailingStopConfig `json:"trailing"`
	TrailingActivationPrice float64            `json:"trailing_activation_price"`
	TrailingDistance        float64            `json:"trailing_distance"`

	TPTriggered       []bool `json:"tp_triggered"`
	SLTriggered       bool   `json:"sl_triggered"`
	TrailingActivated bool   `json:"trailing_activated"`
}

// Clone returns a deep copy safe to hand to readers.
func (t *Trade) Clone() Trade {
	c := *t
	c.TakeProfitLevels = append([]TakeProfitLevel(nil), t.TakeProfitLevels...)
	c.TakeProfitOrders = append([]TakeProfitOrder(nil), t.TakeProfitOrders...)
	c.TPTriggered = append([]bool(nil), t.TPTriggered...)
	return c
}

// IsActive reports whether the trade still holds venue exposure.
func (t *Trade) IsActive() bool {
	return t.Status != TradeClosed
}
