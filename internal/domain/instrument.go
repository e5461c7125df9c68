package domain

import "github.com/shopspring/decimal"

type Instrument struct {
	Symbol     string    `json:"symbol"`
	BaseCoin   string    `json:"base_coin"`
	QuoteCoin  string    `json:"quote_coin"`
	Status     string    `json:"status"`
	LaunchTime int64     `json:"launch_time"`
	Precision  Precision `json:"precision"`
}

// Precision carries the venue's price and quantity increments for a symbol.
type Precision struct {
	Symbol      string  `json:"symbol"`
	TickSize    float64 `json:"tick_size"`
	QtyStep     float64 `json:"qty_step"`
	MinOrderQty float64 `json:"min_order_qty"`
	MaxOrderQty float64 `json:"max_order_qty"`
}

// FloorQty floors qty to the quantity step. It never rounds up.
func (p Precision) FloorQty(qty float64) float64 {
	return floorToStep(decimal.NewFromFloat(qty), p.QtyStep).InexactFloat64()
}

// FloorPrice floors price to the tick size.
func (p Precision) FloorPrice(price float64) float64 {
	return floorToStep(decimal.NewFromFloat(price), p.TickSize).InexactFloat64()
}

// FormatQty renders qty floored to the step with the step's number of decimals.
func (p Precision) FormatQty(qty float64) string {
	return formatToStep(decimal.NewFromFloat(qty), p.QtyStep)
}

func (p Precision) FormatPrice(price float64) string {
	return formatToStep(decimal.NewFromFloat(price), p.TickSize)
}

func floorToStep(v decimal.Decimal, step float64) decimal.Decimal {
	if step <= 0 {
		return v
	}
	s := decimal.NewFromFloat(step)
	return v.Div(s).Floor().Mul(s)
}

func formatToStep(v decimal.Decimal, step float64) string {
	if step <= 0 {
		return v.String()
	}
	places := -decimal.NewFromFloat(step).Exponent()
	if places < 0 {
		places = 0
	}
	return floorToStep(v, step).StringFixed(places)
}
