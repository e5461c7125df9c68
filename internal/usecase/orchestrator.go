package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vitos/crypto_trade_tema/internal/config"
	"github.com/vitos/crypto_trade_tema/internal/domain"
	"github.com/vitos/crypto_trade_tema/internal/infrastructure/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// OrchestratorSettings drive the evaluation cycle.
type OrchestratorSettings struct {
	Timeframe      string
	TradeAmount    float64
	Leverage       int
	MinCandles     int
	Window         int
	MaxConcurrency int
	CycleInterval  time.Duration
}

func OrchestratorSettingsFromConfig(cfg *config.Config) OrchestratorSettings {
	return OrchestratorSettings{
		Timeframe:      cfg.Market.Timeframe,
		TradeAmount:    cfg.Trading.TradeAmount,
		Leverage:       cfg.Trading.Leverage,
		MinCandles:     cfg.Trading.MinCandles,
		Window:         cfg.Indicators.Window,
		MaxConcurrency: cfg.Trading.MaxConcurrency,
		CycleInterval:  cfg.Trading.CycleInterval,
	}
}

// PositionView reports venue-side exposure per symbol.
type PositionView interface {
	HasPosition(symbol string) bool
}

// SymbolResult is the outcome of evaluating one symbol in a cycle.
type SymbolResult struct {
	Symbol   string                    `json:"symbol"`
	Signal   domain.Signal             `json:"signal"`
	Snapshot *domain.IndicatorSnapshot `json:"snapshot,omitempty"`
	Skipped  string                    `json:"skipped,omitempty"`
	TradeID  string                    `json:"trade_id,omitempty"`
	Error    string                    `json:"error,omitempty"`
}

// CycleReport summarises one EvaluateAll pass.
type CycleReport struct {
	StartedAt time.Time      `json:"started_at"`
	Duration  time.Duration  `json:"duration"`
	Results   []SymbolResult `json:"results"`
	Opened    int            `json:"opened"`
	Failed    int            `json:"failed"`
}

// Orchestrator evaluates every tracked symbol per cycle and opens trades on
// actionable signals.
type Orchestrator struct {
	store     *SnapshotStore
	cache     *IndicatorCache
	evaluator *SignalEvaluator
	lifecycle *LifecycleManager
	positions PositionView
	exchange  domain.Exchange
	settings  OrchestratorSettings
	metrics   *metrics.Metrics
	logger    *zap.Logger

	mu         sync.RWMutex
	symbols    []string
	lastReport CycleReport
}

func NewOrchestrator(
	store *SnapshotStore,
	cache *IndicatorCache,
	evaluator *SignalEvaluator,
	lifecycle *LifecycleManager,
	positions PositionView,
	exchange domain.Exchange,
	settings OrchestratorSettings,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Orchestrator {
	if settings.MaxConcurrency <= 0 {
		settings.MaxConcurrency = 8
	}
	if settings.CycleInterval <= 0 {
		settings.CycleInterval = 5 * time.Second
	}
	if settings.Window <= 0 {
		settings.Window = 100
	}
	return &Orchestrator{
		store:     store,
		cache:     cache,
		evaluator: evaluator,
		lifecycle: lifecycle,
		positions: positions,
		exchange:  exchange,
		settings:  settings,
		metrics:   m,
		logger:    logger,
	}
}

// SetSymbols fixes the evaluated universe. With none set, every symbol with
// buffered candles is evaluated.
func (o *Orchestrator) SetSymbols(symbols []string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.symbols = append([]string(nil), symbols...)
}

func (o *Orchestrator) universe() []string {
	o.mu.RLock()
	symbols := append([]string(nil), o.symbols...)
	o.mu.RUnlock()
	if len(symbols) == 0 {
		return o.store.Symbols()
	}
	return symbols
}

// Bootstrap seeds candle history from the REST API so indicators are
// available before the stream has filled the buffers.
func (o *Orchestrator) Bootstrap(ctx context.Context, symbols []string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.settings.MaxConcurrency)

	var (
		mu     sync.Mutex
		failed []string
	)
	for _, symbol := range symbols {
		g.Go(func() error {
			candles, err := o.exchange.GetCandles(gctx, symbol, o.settings.Timeframe, o.settings.Window)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				o.logger.Warn("Failed to bootstrap candles", zap.String("symbol", symbol), zap.Error(err))
				mu.Lock()
				failed = append(failed, symbol)
				mu.Unlock()
				return nil
			}
			o.store.SeedCandles(symbol, candles)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	o.logger.Info("Candle history bootstrapped", zap.Int("symbols", len(symbols)), zap.Int("failed", len(failed)))
	if len(failed) == len(symbols) && len(symbols) > 0 {
		return fmt.Errorf("bootstrap: no symbol history loaded")
	}
	return nil
}

// EvaluateAll runs one evaluation pass with bounded concurrency. Errors are
// recorded per symbol and never abort the pass.
func (o *Orchestrator) EvaluateAll(ctx context.Context) CycleReport {
	start := time.Now()
	symbols := o.universe()
	results := make([]SymbolResult, len(symbols))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.settings.MaxConcurrency)
	for i, symbol := range symbols {
		g.Go(func() error {
			results[i] = o.evaluateSymbol(gctx, symbol)
			return nil
		})
	}
	_ = g.Wait()

	report := CycleReport{StartedAt: start, Duration: time.Since(start), Results: results}
	for _, r := range results {
		if r.TradeID != "" {
			report.Opened++
		}
		if r.Error != "" {
			report.Failed++
		}
	}
	sort.Slice(report.Results, func(i, j int) bool { return report.Results[i].Symbol < report.Results[j].Symbol })

	o.mu.Lock()
	o.lastReport = report
	o.mu.Unlock()
	o.metrics.ObserveCycle(report.Duration.Seconds())
	return report
}

func (o *Orchestrator) evaluateSymbol(ctx context.Context, symbol string) SymbolResult {
	res := SymbolResult{Symbol: symbol, Signal: domain.SignalNone}
	if ctx.Err() != nil {
		res.Skipped = "cancelled"
		return res
	}

	candles := o.store.Candles(symbol, o.settings.Window)
	if len(candles) < o.settings.MinCandles {
		res.Skipped = fmt.Sprintf("insufficient candles: %d < %d", len(candles), o.settings.MinCandles)
		return res
	}

	snap, ok := o.cache.Update(symbol, candles)
	if !ok {
		res.Skipped = "indicators unavailable"
		return res
	}
	res.Snapshot = &snap
	res.Signal = o.evaluator.Evaluate(snap)
	o.metrics.Signal(string(res.Signal))

	side, actionable := res.Signal.Side()
	if !actionable {
		return res
	}
	if o.lifecycle.HasOpenTrade(symbol) || (o.positions != nil && o.positions.HasPosition(symbol)) {
		res.Skipped = "position already open"
		return res
	}

	o.logger.Info("Signal",
		zap.String("symbol", symbol),
		zap.String("signal", string(res.Signal)),
		zap.Float64("close", snap.Close),
		zap.Float64("adx", snap.ADX),
		zap.Float64("cmo", snap.CMO))

	trade, err := o.lifecycle.Open(ctx, OpenRequest{
		Symbol:         symbol,
		Side:           side,
		EntryPrice:     snap.Close,
		NotionalAmount: o.settings.TradeAmount,
		Leverage:       o.settings.Leverage,
	})
	if err != nil {
		if errors.Is(err, domain.ErrTradeExists) {
			res.Skipped = "position already open"
			return res
		}
		o.logger.Error("Failed to open trade", zap.String("symbol", symbol), zap.Error(err))
		res.Error = err.Error()
		return res
	}
	res.TradeID = trade.ID
	return res
}

// Run evaluates every CycleInterval until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("Starting orchestrator", zap.Duration("interval", o.settings.CycleInterval))
	ticker := time.NewTicker(o.settings.CycleInterval)
	defer ticker.Stop()

	for {
		report := o.EvaluateAll(ctx)
		if report.Opened > 0 || report.Failed > 0 {
			o.logger.Info("Cycle finished",
				zap.Int("symbols", len(report.Results)),
				zap.Int("opened", report.Opened),
				zap.Int("failed", report.Failed),
				zap.Duration("took", report.Duration))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// LastReport returns the most recent cycle report.
func (o *Orchestrator) LastReport() CycleReport {
	o.mu.RLock()
	defer o.mu.RUnlock()
	r := o.lastReport
	r.Results = append([]SymbolResult(nil), r.Results...)
	return r
}
