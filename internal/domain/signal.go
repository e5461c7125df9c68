package domain

type Signal string

const (
	SignalNone  Signal = "none"
	SignalLong  Signal = "long"
	SignalShort Signal = "short"
)

// Side returns the trade side for an actionable signal.
func (s Signal) Side() (Side, bool) {
	switch s {
	case SignalLong:
		return SideLong, true
	case SignalShort:
		return SideShort, true
	}
	return "", false
}

// IndicatorSnapshot is the indicator set computed from one candle window.
type IndicatorSnapshot struct {
	Symbol    string  `json:"symbol"`
	TemaShort float64 `json:"tema_short"`
	TemaMid   float64 `json:"tema_mid"`
	TemaLong  float64 `json:"tema_long"`
	ADX       float64 `json:"adx"`
	CMO       float64 `json:"cmo"`
	EMASlope  float64 `json:"ema_slope"`
	Close     float64 `json:"close"`
	Timestamp int64   `json:"timestamp"`
}
