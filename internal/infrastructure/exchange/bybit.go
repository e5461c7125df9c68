package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vitos/crypto_trade_tema/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	BybitBaseURL = "https://api.bybit.com"
	BybitWSURL   = "wss://stream.bybit.com/v5/public/linear"

	category = "linear"
)

// BybitAdapter is the signed V5 REST gateway for USDT linear contracts.
type BybitAdapter struct {
	apiKey     string
	apiSecret  string
	baseURL    string
	recvWindow int
	client     *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger

	mu         sync.RWMutex
	precisions map[string]domain.Precision
}

// NewBybitAdapter creates a gateway. A nil limiter disables client-side rate limiting.
func NewBybitAdapter(apiKey, apiSecret, baseURL string, limiter *rate.Limiter, logger *zap.Logger) *BybitAdapter {
	if baseURL == "" {
		baseURL = BybitBaseURL
	}
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 0)
	}
	return &BybitAdapter{
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		baseURL:    baseURL,
		recvWindow: 5000,
		client:     &http.Client{Timeout: 10 * time.Second},
		limiter:    limiter,
		logger:     logger,
		precisions: make(map[string]domain.Precision),
	}
}

// SetRecvWindow overrides the signed request validity window in milliseconds.
// Non-positive values keep the current window.
func (b *BybitAdapter) SetRecvWindow(ms int) {
	if ms > 0 {
		b.recvWindow = ms
	}
}

// --- REST API ---

func (b *BybitAdapter) sign(params string, timestamp int64, recvWindow int) string {
	// timestamp + apiKey + recvWindow + params
	toSign := fmt.Sprintf("%d%s%d%s", timestamp, b.apiKey, recvWindow, params)
	h := hmac.New(sha256.New, []byte(b.apiSecret))
	h.Write([]byte(toSign))
	return hex.EncodeToString(h.Sum(nil))
}

func (b *BybitAdapter) sendRequest(ctx context.Context, method, path string, payload map[string]interface{}) ([]byte, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	timestamp := time.Now().UnixMilli()

	var body []byte
	var paramsStr string
	if payload != nil {
		jsonBody, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = jsonBody
		paramsStr = string(jsonBody)
	} else if idx := strings.Index(path, "?"); idx != -1 {
		paramsStr = path[idx+1:]
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	req.Header.Set("X-BAPI-API-KEY", b.apiKey)
	req.Header.Set("X-BAPI-TIMESTAMP", strconv.FormatInt(timestamp, 10))
	req.Header.Set("X-BAPI-SIGN", b.sign(paramsStr, timestamp, b.recvWindow))
	req.Header.Set("X-BAPI-RECV-WINDOW", strconv.Itoa(b.recvWindow))
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bybit %s: %w", trimQuery(path), err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("bybit %s: http %d: %s", trimQuery(path), resp.StatusCode, string(respBody))
	}
	return respBody, nil
}

// call sends a request and decodes the "result" object into out. A non-zero
// retCode is returned as *domain.APIError.
func (b *BybitAdapter) call(ctx context.Context, method, path string, payload map[string]interface{}, out interface{}) error {
	resp, err := b.sendRequest(ctx, method, path, payload)
	if err != nil {
		return err
	}

	var envelope struct {
		RetCode int             `json:"retCode"`
		RetMsg  string          `json:"retMsg"`
		Result  json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(resp, &envelope); err != nil {
		return fmt.Errorf("bybit %s: decode response: %w", trimQuery(path), err)
	}
	if envelope.RetCode != 0 {
		return &domain.APIError{Path: trimQuery(path), RetCode: envelope.RetCode, RetMsg: envelope.RetMsg}
	}
	if out == nil || len(envelope.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return fmt.Errorf("bybit %s: decode result: %w", trimQuery(path), err)
	}
	return nil
}

func trimQuery(path string) string {
	if idx := strings.Index(path, "?"); idx != -1 {
		return path[:idx]
	}
	return path
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

type instrumentInfo struct {
	Symbol        string `json:"symbol"`
	BaseCoin      string `json:"baseCoin"`
	QuoteCoin     string `json:"quoteCoin"`
	Status        string `json:"status"`
	LaunchTime    string `json:"launchTime"`
	LotSizeFilter struct {
		QtyStep     string `json:"qtyStep"`
		MinOrderQty string `json:"minOrderQty"`
		MaxOrderQty string `json:"maxOrderQty"`
	} `json:"lotSizeFilter"`
	PriceFilter struct {
		TickSize string `json:"tickSize"`
	} `json:"priceFilter"`
}

func (i instrumentInfo) toDomain() domain.Instrument {
	launchTime, _ := strconv.ParseInt(i.LaunchTime, 10, 64)
	return domain.Instrument{
		Symbol:     i.Symbol,
		BaseCoin:   i.BaseCoin,
		QuoteCoin:  i.QuoteCoin,
		Status:     i.Status,
		LaunchTime: launchTime,
		Precision: domain.Precision{
			Symbol:      i.Symbol,
			TickSize:    parseFloat(i.PriceFilter.TickSize),
			QtyStep:     parseFloat(i.LotSizeFilter.QtyStep),
			MinOrderQty: parseFloat(i.LotSizeFilter.MinOrderQty),
			MaxOrderQty: parseFloat(i.LotSizeFilter.MaxOrderQty),
		},
	}
}

// GetInstruments lists every linear contract, following pagination, and
// refreshes the precision cache.
func (b *BybitAdapter) GetInstruments(ctx context.Context) ([]domain.Instrument, error) {
	var instruments []domain.Instrument
	cursor := ""
	for {
		q := url.Values{}
		q.Set("category", category)
		q.Set("limit", "1000")
		if cursor != "" {
			q.Set("cursor", cursor)
		}

		var result struct {
			List           []instrumentInfo `json:"list"`
			NextPageCursor string           `json:"nextPageCursor"`
		}
		if err := b.call(ctx, http.MethodGet, "/v5/market/instruments-info?"+q.Encode(), nil, &result); err != nil {
			return nil, err
		}
		for _, item := range result.List {
			instruments = append(instruments, item.toDomain())
		}
		if result.NextPageCursor == "" || len(result.List) == 0 {
			break
		}
		cursor = result.NextPageCursor
	}

	b.mu.Lock()
	for _, inst := range instruments {
		b.precisions[inst.Symbol] = inst.Precision
	}
	b.mu.Unlock()

	return instruments, nil
}

// GetSymbolPrecision returns the cached precision or fetches it once.
func (b *BybitAdapter) GetSymbolPrecision(ctx context.Context, symbol string) (domain.Precision, error) {
	b.mu.RLock()
	p, ok := b.precisions[symbol]
	b.mu.RUnlock()
	if ok {
		return p, nil
	}

	var result struct {
		List []instrumentInfo `json:"list"`
	}
	path := fmt.Sprintf("/v5/market/instruments-info?category=%s&symbol=%s", category, symbol)
	if err := b.call(ctx, http.MethodGet, path, nil, &result); err != nil {
		return domain.Precision{}, err
	}
	if len(result.List) == 0 {
		return domain.Precision{}, fmt.Errorf("%s: %w", symbol, domain.ErrSymbolNotFound)
	}

	p = result.List[0].toDomain().Precision
	b.mu.Lock()
	b.precisions[symbol] = p
	b.mu.Unlock()
	return p, nil
}

// GetPrice returns the best ask, the price a market buy would pay.
func (b *BybitAdapter) GetPrice(ctx context.Context, symbol string) (float64, error) {
	var result struct {
		List []struct {
			LastPrice string `json:"lastPrice"`
			Ask1Price string `json:"ask1Price"`
		} `json:"list"`
	}
	path := fmt.Sprintf("/v5/market/tickers?category=%s&symbol=%s", category, symbol)
	if err := b.call(ctx, http.MethodGet, path, nil, &result); err != nil {
		return 0, err
	}
	if len(result.List) == 0 {
		return 0, fmt.Errorf("%s: %w", symbol, domain.ErrSymbolNotFound)
	}
	if ask := parseFloat(result.List[0].Ask1Price); ask > 0 {
		return ask, nil
	}
	return parseFloat(result.List[0].LastPrice), nil
}

// GetCandles returns klines oldest first with timestamps in seconds.
func (b *BybitAdapter) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]domain.Candle, error) {
	var result struct {
		List [][]string `json:"list"`
	}
	path := fmt.Sprintf("/v5/market/kline?category=%s&symbol=%s&interval=%s&limit=%d", category, symbol, interval, limit)
	if err := b.call(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}

	candles := make([]domain.Candle, 0, len(result.List))
	for _, raw := range result.List {
		// [startTime, open, high, low, close, volume, turnover]
		if len(raw) < 6 {
			continue
		}
		ts, _ := strconv.ParseInt(raw[0], 10, 64)
		c := domain.Candle{
			Symbol:    symbol,
			Timestamp: ts / 1000,
			Open:      parseFloat(raw[1]),
			High:      parseFloat(raw[2]),
			Low:       parseFloat(raw[3]),
			Close:     parseFloat(raw[4]),
			Volume:    parseFloat(raw[5]),
		}
		if len(raw) > 6 {
			c.Turnover = parseFloat(raw[6])
		}
		candles = append(candles, c)
	}

	// Bybit returns newest first.
	for i, j := 0, len(candles)-1; i < j; i, j = i+1, j-1 {
		candles[i], candles[j] = candles[j], candles[i]
	}
	return candles, nil
}

func (b *BybitAdapter) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	payload := map[string]interface{}{
		"category":     category,
		"symbol":       symbol,
		"buyLeverage":  strconv.Itoa(leverage),
		"sellLeverage": strconv.Itoa(leverage),
	}
	return b.call(ctx, http.MethodPost, "/v5/position/set-leverage", payload, nil)
}

func (b *BybitAdapter) placeOrder(ctx context.Context, payload map[string]interface{}) (*domain.OrderResult, error) {
	linkID := uuid.NewString()
	payload["category"] = category
	payload["orderLinkId"] = linkID

	var result struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	if err := b.call(ctx, http.MethodPost, "/v5/order/create", payload, &result); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrOrderRejected, err)
	}
	if result.OrderLinkID == "" {
		result.OrderLinkID = linkID
	}
	b.logger.Debug("Order placed",
		zap.Any("symbol", payload["symbol"]),
		zap.Any("side", payload["side"]),
		zap.Any("type", payload["orderType"]),
		zap.Any("qty", payload["qty"]),
		zap.String("order_id", result.OrderID),
	)
	return &domain.OrderResult{OrderID: result.OrderID, OrderLinkID: result.OrderLinkID, Status: "New"}, nil
}

// PlaceMarketOrder submits a market order with qty floored to the step size.
func (b *BybitAdapter) PlaceMarketOrder(ctx context.Context, symbol, side string, qty float64) (*domain.OrderResult, error) {
	p, err := b.GetSymbolPrecision(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if p.FloorQty(qty) <= 0 {
		return nil, fmt.Errorf("%s qty %v: %w", symbol, qty, domain.ErrQuantityTooSmall)
	}
	return b.placeOrder(ctx, map[string]interface{}{
		"symbol":    symbol,
		"side":      side,
		"orderType": "Market",
		"qty":       p.FormatQty(qty),
	})
}

// PlaceLimitOrder submits a GTC limit order with price and qty floored to
// the symbol's increments.
func (b *BybitAdapter) PlaceLimitOrder(ctx context.Context, order domain.LimitOrder) (*domain.OrderResult, error) {
	p, err := b.GetSymbolPrecision(ctx, order.Symbol)
	if err != nil {
		return nil, err
	}
	if p.FloorQty(order.Qty) <= 0 {
		return nil, fmt.Errorf("%s qty %v: %w", order.Symbol, order.Qty, domain.ErrQuantityTooSmall)
	}
	if p.FloorPrice(order.Price) <= 0 {
		return nil, fmt.Errorf("%s price %v: %w", order.Symbol, order.Price, domain.ErrInvalidPrice)
	}
	return b.placeOrder(ctx, map[string]interface{}{
		"symbol":      order.Symbol,
		"side":        order.Side,
		"orderType":   "Limit",
		"qty":         p.FormatQty(order.Qty),
		"price":       p.FormatPrice(order.Price),
		"timeInForce": "GTC",
		"reduceOnly":  order.ReduceOnly,
	})
}

// GetOrder reads an order's fill state from the realtime order list.
func (b *BybitAdapter) GetOrder(ctx context.Context, symbol, orderID string) (*domain.OrderResult, error) {
	var result struct {
		List []struct {
			OrderID     string `json:"orderId"`
			OrderLinkID string `json:"orderLinkId"`
			OrderStatus string `json:"orderStatus"`
			AvgPrice    string `json:"avgPrice"`
			CumExecQty  string `json:"cumExecQty"`
		} `json:"list"`
	}
	path := fmt.Sprintf("/v5/order/realtime?category=%s&symbol=%s&orderId=%s", category, symbol, orderID)
	if err := b.call(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	if len(result.List) == 0 {
		return nil, fmt.Errorf("order %s not found", orderID)
	}
	o := result.List[0]
	return &domain.OrderResult{
		OrderID:     o.OrderID,
		OrderLinkID: o.OrderLinkID,
		Status:      o.OrderStatus,
		AvgPrice:    parseFloat(o.AvgPrice),
		ExecutedQty: parseFloat(o.CumExecQty),
	}, nil
}

func (b *BybitAdapter) setTradingStop(ctx context.Context, symbol string, fields map[string]interface{}) error {
	payload := map[string]interface{}{
		"category":    category,
		"symbol":      symbol,
		"tpslMode":    "Full",
		"positionIdx": 0,
	}
	for k, v := range fields {
		payload[k] = v
	}
	return b.call(ctx, http.MethodPost, "/v5/position/trading-stop", payload, nil)
}

// SetStopLoss attaches a position-level stop loss, price floored to the tick size.
func (b *BybitAdapter) SetStopLoss(ctx context.Context, symbol string, price float64) error {
	p, err := b.GetSymbolPrecision(ctx, symbol)
	if err != nil {
		return err
	}
	if p.FloorPrice(price) <= 0 {
		return fmt.Errorf("%s stop loss %v: %w", symbol, price, domain.ErrInvalidPrice)
	}
	return b.setTradingStop(ctx, symbol, map[string]interface{}{
		"stopLoss":    p.FormatPrice(price),
		"slTriggerBy": "LastPrice",
	})
}

// SetTrailingStop arms a trailing stop that the venue activates once price
// crosses activationPrice.
func (b *BybitAdapter) SetTrailingStop(ctx context.Context, symbol string, distance, activationPrice float64) error {
	p, err := b.GetSymbolPrecision(ctx, symbol)
	if err != nil {
		return err
	}
	if p.FloorPrice(distance) <= 0 {
		return fmt.Errorf("%s trailing %v: %w", symbol, distance, domain.ErrInvalidTrailingDistance)
	}
	return b.setTradingStop(ctx, symbol, map[string]interface{}{
		"trailingStop": p.FormatPrice(distance),
		"activePrice":  p.FormatPrice(activationPrice),
	})
}

// GetOpenPositions returns every USDT-settled position with a nonzero size.
func (b *BybitAdapter) GetOpenPositions(ctx context.Context) ([]domain.ExchangePosition, error) {
	var positions []domain.ExchangePosition
	cursor := ""
	for {
		q := url.Values{}
		q.Set("category", category)
		q.Set("settleCoin", "USDT")
		q.Set("limit", "200")
		if cursor != "" {
			q.Set("cursor", cursor)
		}

		var result struct {
			List []struct {
				Symbol        string `json:"symbol"`
				Side          string `json:"side"`
				Size          string `json:"size"`
				AvgPrice      string `json:"avgPrice"`
				MarkPrice     string `json:"markPrice"`
				UnrealisedPnl string `json:"unrealisedPnl"`
				Leverage      string `json:"leverage"`
				StopLoss      string `json:"stopLoss"`
			} `json:"list"`
			NextPageCursor string `json:"nextPageCursor"`
		}
		if err := b.call(ctx, http.MethodGet, "/v5/position/list?"+q.Encode(), nil, &result); err != nil {
			return nil, err
		}

		for _, raw := range result.List {
			size := parseFloat(raw.Size)
			if size <= 0 {
				continue
			}
			positions = append(positions, domain.ExchangePosition{
				Symbol:        raw.Symbol,
				Side:          domain.SideFromOrderSide(raw.Side),
				Size:          size,
				AveragePrice:  parseFloat(raw.AvgPrice),
				Leverage:      int(parseFloat(raw.Leverage)),
				MarkPrice:     parseFloat(raw.MarkPrice),
				UnrealizedPnL: parseFloat(raw.UnrealisedPnl),
				StopLoss:      parseFloat(raw.StopLoss),
			})
		}
		if result.NextPageCursor == "" || len(result.List) == 0 {
			break
		}
		cursor = result.NextPageCursor
	}
	return positions, nil
}

// GetOpenOrders lists resting orders for symbol.
func (b *BybitAdapter) GetOpenOrders(ctx context.Context, symbol string) ([]domain.OpenOrder, error) {
	var result struct {
		List []struct {
			OrderID     string `json:"orderId"`
			OrderLinkID string `json:"orderLinkId"`
			Symbol      string `json:"symbol"`
			Side        string `json:"side"`
			OrderType   string `json:"orderType"`
			Price       string `json:"price"`
			Qty         string `json:"qty"`
			ReduceOnly  bool   `json:"reduceOnly"`
			OrderStatus string `json:"orderStatus"`
		} `json:"list"`
	}
	path := fmt.Sprintf("/v5/order/realtime?category=%s&symbol=%s&openOnly=0", category, symbol)
	if err := b.call(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}

	orders := make([]domain.OpenOrder, 0, len(result.List))
	for _, o := range result.List {
		orders = append(orders, domain.OpenOrder{
			OrderID:     o.OrderID,
			OrderLinkID: o.OrderLinkID,
			Symbol:      o.Symbol,
			Side:        o.Side,
			OrderType:   o.OrderType,
			Price:       parseFloat(o.Price),
			Qty:         parseFloat(o.Qty),
			ReduceOnly:  o.ReduceOnly,
			Status:      o.OrderStatus,
		})
	}
	return orders, nil
}

// GetBalance reads the unified account wallet for coin.
func (b *BybitAdapter) GetBalance(ctx context.Context, coin string) (*domain.Balance, error) {
	var result struct {
		List []struct {
			Coin []struct {
				Coin                string `json:"coin"`
				WalletBalance       string `json:"walletBalance"`
				Equity              string `json:"equity"`
				AvailableToWithdraw string `json:"availableToWithdraw"`
			} `json:"coin"`
		} `json:"list"`
	}
	if err := b.call(ctx, http.MethodGet, "/v5/account/wallet-balance?accountType=UNIFIED", nil, &result); err != nil {
		return nil, err
	}
	for _, acc := range result.List {
		for _, c := range acc.Coin {
			if c.Coin == coin {
				return &domain.Balance{
					Coin:          c.Coin,
					WalletBalance: parseFloat(c.WalletBalance),
					Equity:        parseFloat(c.Equity),
					Available:     parseFloat(c.AvailableToWithdraw),
				}, nil
			}
		}
	}
	return nil, fmt.Errorf("coin %s not in wallet", coin)
}
