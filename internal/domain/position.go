package domain

import "time"

type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// OrderSide is the venue order side for opening a position on s.
func (s Side) OrderSide() string {
	if s == SideShort {
		return "Sell"
	}
	return "Buy"
}

// CloseSide is the venue order side that reduces a position on s.
func (s Side) CloseSide() string {
	if s == SideShort {
		return "Buy"
	}
	return "Sell"
}

// Sign is +1 for long and -1 for short.
func (s Side) Sign() float64 {
	if s == SideShort {
		return -1
	}
	return 1
}

// SideFromOrderSide maps a venue side ("Buy"/"Sell") to a position side.
func SideFromOrderSide(side string) Side {
	if side == "Sell" {
		return SideShort
	}
	return SideLong
}

// ExchangePosition is a venue-reported open position.
type ExchangePosition struct {
	Symbol        string  `json:"symbol"`
	Side          Side    `json:"side"`
	Size          float64 `json:"size"`
	AveragePrice  float64 `json:"average_price"`
	Leverage      int     `json:"leverage"`
	MarkPrice     float64 `json:"mark_price"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	StopLoss      float64 `json:"stop_loss"`
}

type OrderResult struct {
	OrderID     string  `json:"order_id"`
	OrderLinkID string  `json:"order_link_id"`
	Status      string  `json:"status"`
	AvgPrice    float64 `json:"avg_price"`
	ExecutedQty float64 `json:"executed_qty"`
}

// LimitOrder describes a GTC limit order.
type LimitOrder struct {
	Symbol     string
	Side       string // "Buy" or "Sell"
	Qty        float64
	Price      float64
	ReduceOnly bool
}

type OpenOrder struct {
	OrderID     string  `json:"order_id"`
	OrderLinkID string  `json:"order_link_id"`
	Symbol      string  `json:"symbol"`
	Side        string  `json:"side"`
	OrderType   string  `json:"order_type"`
	Price       float64 `json:"price"`
	Qty         float64 `json:"qty"`
	ReduceOnly  bool    `json:"reduce_only"`
	Status      string  `json:"status"`
}

type Balance struct {
	Coin          string  `json:"coin"`
	WalletBalance float64 `json:"wallet_balance"`
	Equity        float64 `json:"equity"`
	Available     float64 `json:"available"`
}

// PositionHistory represents a closed trade.
type PositionHistory struct {
	ID          int64     `json:"id"`
	TradeID     string    `json:"trade_id"`
	Symbol      string    `json:"symbol"`
	Side        Side      `json:"side"`
	Size        float64   `json:"size"`
	EntryPrice  float64   `json:"entry_price"`
	ExitPrice   float64   `json:"exit_price"`
	RealizedPnL float64   `json:"realized_pnl"`
	Leverage    int       `json:"leverage"`
	Reason      string    `json:"reason"`
	ClosedAt    time.Time `json:"closed_at"`
}
