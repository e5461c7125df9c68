package web

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/vitos/crypto_trade_tema/internal/domain"
	"go.uber.org/zap"
)

type statusResponse struct {
	Status        string    `json:"status"`
	Uptime        string    `json:"uptime"`
	OpenTrades    int       `json:"open_trades"`
	Positions     int       `json:"positions"`
	LastSync      time.Time `json:"last_sync,omitempty"`
	SyncError     string    `json:"sync_error,omitempty"`
	Blacklisted   []string  `json:"blacklisted"`
	LastCycleAt   time.Time `json:"last_cycle_at,omitempty"`
	LastCycleTook string    `json:"last_cycle_took,omitempty"`
	Signals       int       `json:"signals"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Status:      "ok",
		Uptime:      time.Since(s.started).Truncate(time.Second).String(),
		Blacklisted: []string{},
	}
	if s.deps.Trades != nil {
		resp.OpenTrades = len(s.deps.Trades.OpenTrades())
	}
	if s.deps.Positions != nil {
		resp.Positions = len(s.deps.Positions.Snapshot())
		last, err := s.deps.Positions.Status()
		resp.LastSync = last
		if err != nil {
			resp.Status = "degraded"
			resp.SyncError = err.Error()
		}
	}
	if s.deps.Stream != nil {
		if b := s.deps.Stream.Blacklisted(); len(b) > 0 {
			resp.Blacklisted = b
		}
	}
	if s.deps.Cycles != nil {
		report := s.deps.Cycles.LastReport()
		resp.LastCycleAt = report.StartedAt
		if !report.StartedAt.IsZero() {
			resp.LastCycleTook = report.Duration.String()
		}
		for _, res := range report.Results {
			if _, ok := res.Signal.Side(); ok {
				resp.Signals++
			}
		}
	}
	s.writeJSON(w, resp)
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	if s.deps.Positions == nil {
		http.Error(w, "positions unavailable", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, s.deps.Positions.Snapshot())
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	if s.deps.Trades == nil {
		http.Error(w, "trades unavailable", http.StatusServiceUnavailable)
		return
	}
	var trades []domain.Trade
	if r.URL.Query().Get("open") == "true" {
		trades = s.deps.Trades.OpenTrades()
	} else {
		trades = s.deps.Trades.History()
	}
	if trades == nil {
		trades = []domain.Trade{}
	}
	s.writeJSON(w, trades)
}

func (s *Server) handlePositionHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		http.Error(w, "history unavailable", http.StatusServiceUnavailable)
		return
	}
	history, err := s.deps.History.ListPositionHistory(r.Context(), queryInt(r, "limit", 50))
	if err != nil {
		s.logger.Error("Failed to list position history", zap.Error(err))
		http.Error(w, "Failed to list position history", http.StatusInternalServerError)
		return
	}
	if history == nil {
		history = []domain.PositionHistory{}
	}
	s.writeJSON(w, history)
}

func (s *Server) handleCandles(w http.ResponseWriter, r *http.Request) {
	if s.deps.Market == nil {
		http.Error(w, "market data unavailable", http.StatusServiceUnavailable)
		return
	}
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		s.writeJSON(w, s.deps.Market.Symbols())
		return
	}
	candles := s.deps.Market.Candles(symbol, queryInt(r, "limit", 100))
	if len(candles) == 0 {
		http.Error(w, "unknown symbol", http.StatusNotFound)
		return
	}
	resp := struct {
		Symbol  string          `json:"symbol"`
		Candles []domain.Candle `json:"candles"`
		Ticker  *domain.Ticker  `json:"ticker,omitempty"`
	}{Symbol: symbol, Candles: candles}
	if t, ok := s.deps.Market.LastTicker(symbol); ok {
		resp.Ticker = &t
	}
	s.writeJSON(w, resp)
}

func (s *Server) handleIndicators(w http.ResponseWriter, r *http.Request) {
	if s.deps.Indicators == nil || s.deps.Market == nil {
		http.Error(w, "indicators unavailable", http.StatusServiceUnavailable)
		return
	}
	symbol := r.URL.Query().Get("symbol")
	if symbol != "" {
		snap, ok := s.deps.Indicators.Get(symbol)
		if !ok {
			http.Error(w, "no indicators for symbol", http.StatusNotFound)
			return
		}
		s.writeJSON(w, snap)
		return
	}

	out := []domain.IndicatorSnapshot{}
	for _, sym := range s.deps.Market.Symbols() {
		if snap, ok := s.deps.Indicators.Get(sym); ok {
			out = append(out, snap)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	s.writeJSON(w, out)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	if s.deps.Balance == nil {
		http.Error(w, "balance unavailable", http.StatusServiceUnavailable)
		return
	}
	coin := r.URL.Query().Get("coin")
	if coin == "" {
		coin = s.deps.QuoteCoin
	}
	balance, err := s.deps.Balance.GetBalance(r.Context(), coin)
	if err != nil {
		s.logger.Error("Failed to get balance", zap.String("coin", coin), zap.Error(err))
		http.Error(w, "Failed to get balance", http.StatusBadGateway)
		return
	}
	s.writeJSON(w, balance)
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v <= 0 {
		return def
	}
	return v
}
