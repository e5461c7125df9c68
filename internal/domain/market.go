package domain

// Channel identifies a public market-data stream.
type Channel string

const (
	ChannelKline     Channel = "kline"
	ChannelTicker    Channel = "ticker"
	ChannelTrade     Channel = "trade"
	ChannelOrderBook Channel = "orderbook"
)

// Candle is one OHLCV bar. Timestamp is the bar start in unix seconds (UTC).
type Candle struct {
	Symbol    string  `json:"symbol"`
	Timestamp int64   `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	Turnover  float64 `json:"turnover"`
}

type KlineUpdate struct {
	Candle   Candle `json:"candle"`
	Interval string `json:"interval"`
	Confirm  bool   `json:"confirm"`
}

type TickerKind string

const (
	TickerSnapshot TickerKind = "snapshot"
	TickerDelta    TickerKind = "delta"
)

// TickerFields holds the optional ticker values carried by a message.
// A nil field was not present in the message.
type TickerFields struct {
	LastPrice    *float64 `json:"last_price,omitempty"`
	MarkPrice    *float64 `json:"mark_price,omitempty"`
	IndexPrice   *float64 `json:"index_price,omitempty"`
	Bid1Price    *float64 `json:"bid1_price,omitempty"`
	Ask1Price    *float64 `json:"ask1_price,omitempty"`
	HighPrice24h *float64 `json:"high_price_24h,omitempty"`
	LowPrice24h  *float64 `json:"low_price_24h,omitempty"`
	Price24hPcnt *float64 `json:"price_24h_pcnt,omitempty"`
	Volume24h    *float64 `json:"volume_24h,omitempty"`
	Turnover24h  *float64 `json:"turnover_24h,omitempty"`
	OpenInterest *float64 `json:"open_interest,omitempty"`
	FundingRate  *float64 `json:"funding_rate,omitempty"`
}

// Merge overwrites every field present in delta and returns the result.
func (f TickerFields) Merge(delta TickerFields) TickerFields {
	out := f
	overwrite := func(dst **float64, src *float64) {
		if src != nil {
			v := *src
			*dst = &v
		}
	}
	overwrite(&out.LastPrice, delta.LastPrice)
	overwrite(&out.MarkPrice, delta.MarkPrice)
	overwrite(&out.IndexPrice, delta.IndexPrice)
	overwrite(&out.Bid1Price, delta.Bid1Price)
	overwrite(&out.Ask1Price, delta.Ask1Price)
	overwrite(&out.HighPrice24h, delta.HighPrice24h)
	overwrite(&out.LowPrice24h, delta.LowPrice24h)
	overwrite(&out.Price24hPcnt, delta.Price24hPcnt)
	overwrite(&out.Volume24h, delta.Volume24h)
	overwrite(&out.Turnover24h, delta.Turnover24h)
	overwrite(&out.OpenInterest, delta.OpenInterest)
	overwrite(&out.FundingRate, delta.FundingRate)
	return out
}

type TickerUpdate struct {
	Kind      TickerKind   `json:"kind"`
	Fields    TickerFields `json:"fields"`
	Timestamp int64        `json:"timestamp"`
}

// Ticker is the last known merged ticker state of a symbol.
type Ticker struct {
	Symbol    string       `json:"symbol"`
	Fields    TickerFields `json:"fields"`
	Timestamp int64        `json:"timestamp"`
}

type PublicTrade struct {
	ID        string  `json:"id"`
	Symbol    string  `json:"symbol"`
	Side      string  `json:"side"`
	Price     float64 `json:"price"`
	Size      float64 `json:"size"`
	Timestamp int64   `json:"timestamp"`
}

type BookSide string

const (
	BookBid BookSide = "bid"
	BookAsk BookSide = "ask"
)

type OrderBookLevel struct {
	Symbol    string   `json:"symbol"`
	Side      BookSide `json:"side"`
	Price     float64  `json:"price"`
	Size      float64  `json:"size"`
	Timestamp int64    `json:"timestamp"`
}

type OrderBookUpdate struct {
	Kind      TickerKind       `json:"kind"`
	Levels    []OrderBookLevel `json:"levels"`
	Timestamp int64            `json:"timestamp"`
}

// MarketEvent is a decoded stream message. Exactly one payload matching
// Channel is set.
type MarketEvent struct {
	Channel   Channel          `json:"channel"`
	Symbol    string           `json:"symbol"`
	Kline     *KlineUpdate     `json:"kline,omitempty"`
	Ticker    *TickerUpdate    `json:"ticker,omitempty"`
	Trades    []PublicTrade    `json:"trades,omitempty"`
	OrderBook *OrderBookUpdate `json:"orderbook,omitempty"`
}
