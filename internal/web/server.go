package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/vitos/crypto_trade_tema/internal/domain"
	"github.com/vitos/crypto_trade_tema/internal/usecase"
	"go.uber.org/zap"
)

// TradeLedger exposes the lifecycle manager's trades.
type TradeLedger interface {
	History() []domain.Trade
	OpenTrades() []domain.Trade
}

// PositionCache exposes the reconciled venue positions.
type PositionCache interface {
	Snapshot() []domain.Trade
	Status() (time.Time, error)
}

type CycleReporter interface {
	LastReport() usecase.CycleReport
}

type StreamStatus interface {
	Blacklisted() []string
}

type MarketData interface {
	Candles(symbol string, n int) []domain.Candle
	LastTicker(symbol string) (domain.Ticker, bool)
	Symbols() []string
}

type IndicatorReader interface {
	Get(symbol string) (domain.IndicatorSnapshot, bool)
}

type BalanceReader interface {
	GetBalance(ctx context.Context, coin string) (*domain.Balance, error)
}

// Deps are the read-only views served over HTTP. Nil members disable their routes.
type Deps struct {
	Trades     TradeLedger
	Positions  PositionCache
	Cycles     CycleReporter
	Stream     StreamStatus
	Market     MarketData
	Indicators IndicatorReader
	Balance    BalanceReader
	History    domain.TradeRepository
	Metrics    http.Handler
	QuoteCoin  string
}

type Server struct {
	router  *http.ServeMux
	server  *http.Server
	deps    Deps
	started time.Time
	logger  *zap.Logger
}

func NewServer(port int, deps Deps, logger *zap.Logger) *Server {
	if deps.QuoteCoin == "" {
		deps.QuoteCoin = "USDT"
	}
	s := &Server{
		router:  http.NewServeMux(),
		deps:    deps,
		started: time.Now(),
		logger:  logger,
	}
	s.routes()
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	// Status
	s.router.HandleFunc("GET /status", s.handleStatus)

	// Positions
	s.router.HandleFunc("GET /positions", s.handlePositions)

	// Trades
	s.router.HandleFunc("GET /trades", s.handleTrades)
	s.router.HandleFunc("GET /api/history", s.handlePositionHistory)

	// Market
	s.router.HandleFunc("GET /api/candles", s.handleCandles)
	s.router.HandleFunc("GET /api/indicators", s.handleIndicators)
	s.router.HandleFunc("GET /api/balance", s.handleBalance)

	if s.deps.Metrics != nil {
		s.router.Handle("GET /metrics", s.deps.Metrics)
	}
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.logger.Info("Starting web server", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
