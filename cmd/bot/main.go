package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vitos/crypto_trade_tema/internal/config"
	"github.com/vitos/crypto_trade_tema/internal/domain"
	"github.com/vitos/crypto_trade_tema/internal/infrastructure/exchange"
	"github.com/vitos/crypto_trade_tema/internal/infrastructure/logger"
	"github.com/vitos/crypto_trade_tema/internal/infrastructure/metrics"
	"github.com/vitos/crypto_trade_tema/internal/infrastructure/notify"
	"github.com/vitos/crypto_trade_tema/internal/infrastructure/storage"
	"github.com/vitos/crypto_trade_tema/internal/usecase"
	"github.com/vitos/crypto_trade_tema/internal/web"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML config")
	flag.Parse()

	// 1. Load Config
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 2. Init Logger
	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// 4. Init Storage
	store, err := storage.NewSQLiteStore(cfg.Storage.Path)
	if err != nil {
		log.Fatal("Failed to init sqlite", zap.Error(err))
	}
	defer store.Close()

	// 5. Init Exchange (Bybit)
	limiter := rate.NewLimiter(rate.Limit(cfg.Exchange.RateLimit), cfg.Exchange.RateBurst)
	bybit := exchange.NewBybitAdapter(cfg.Exchange.APIKey, cfg.Exchange.APISecret, cfg.Exchange.RESTEndpoint, limiter, log)
	bybit.SetRecvWindow(cfg.Exchange.RecvWindow)

	symbols := cfg.Market.Symbols
	if len(symbols) == 0 {
		symbols, err = discoverSymbols(ctx, bybit, cfg.Market.QuoteCoin)
		if err != nil {
			log.Fatal("Failed to discover symbols", zap.Error(err))
		}
	}
	log.Info("Trading universe", zap.Int("symbols", len(symbols)), zap.String("timeframe", cfg.Market.Timeframe))

	// 6. Init Services
	telegram := notify.NewTelegramNotifier(cfg.Telegram.Token, cfg.Telegram.ChatID, "", cfg.Telegram.QueueSize, log)

	snapshots := usecase.NewSnapshotStore(store, usecase.DefaultStoreLimits(), log)
	lifecycle := usecase.NewLifecycleManager(bybit, store, telegram, snapshots,
		usecase.LifecycleSettingsFromConfig(cfg.Trading), m, log)
	if err := lifecycle.Restore(ctx, 500); err != nil {
		log.Error("Failed to restore trades", zap.Error(err))
	}

	reconciler := usecase.NewPositionReconciler(bybit, lifecycle, cfg.Reconciliation.Interval, m, log)
	indicators := usecase.NewIndicatorCache(usecase.IndicatorSettingsFromConfig(cfg.Indicators))
	orchestrator := usecase.NewOrchestrator(
		snapshots,
		indicators,
		usecase.NewSignalEvaluator(usecase.SignalThresholdsFromConfig(cfg.Strategy)),
		lifecycle,
		reconciler,
		bybit,
		usecase.OrchestratorSettingsFromConfig(cfg),
		m,
		log,
	)
	orchestrator.SetSymbols(symbols)

	if err := orchestrator.Bootstrap(ctx, symbols); err != nil {
		log.Error("Failed to bootstrap candles", zap.Error(err))
	}

	// 7. Connect WS
	tfSeconds, _ := config.TimeframeSeconds(cfg.Market.Timeframe)
	stream := exchange.NewBybitStream(exchange.StreamConfig{
		URL:            cfg.Exchange.WSEndpoint,
		Symbols:        symbols,
		Channels:       channels(cfg.Market.Channels),
		Interval:       cfg.Market.Timeframe,
		ShardSize:      cfg.Market.ShardSize,
		OrderBookDepth: cfg.Market.OrderBookDepth,
		ReconnectDelay: cfg.Market.ReconnectDelay,
		PingInterval:   cfg.Market.PingInterval,
		ReadTimeout:    exchange.LivenessTimeout(tfSeconds, cfg.Market.MinReadTimeout),
	}, snapshots, m, log)

	// 8. Start Loops
	reconciler.Start(ctx)
	loops := startLoops(ctx, log, map[string]func(context.Context) error{
		"stream": func(ctx context.Context) error {
			err := stream.Run(ctx)
			if errors.Is(err, domain.ErrNoSymbols) {
				stop()
			}
			return err
		},
		"orchestrator": orchestrator.Run,
		"telegram": func(ctx context.Context) error {
			telegram.Start(ctx)
			return nil
		},
	})

	// 9. Init Web Server
	server := web.NewServer(cfg.Server.Port, web.Deps{
		Trades:     lifecycle,
		Positions:  reconciler,
		Cycles:     orchestrator,
		Stream:     stream,
		Market:     snapshots,
		Indicators: indicators,
		Balance:    bybit,
		History:    store,
		Metrics:    promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		QuoteCoin:  cfg.Market.QuoteCoin,
	}, log)
	go func() {
		if err := server.Start(); err != nil {
			log.Error("Server failed", zap.Error(err))
			stop()
		}
	}()

	telegram.Notify(fmt.Sprintf("Bot started: %d symbols on %s", len(symbols), cfg.Market.Timeframe))

	// 10. Wait for Shutdown
	<-ctx.Done()
	log.Info("Shutting down...")

	reconciler.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server shutdown failed", zap.Error(err))
	}
	// Stream and orchestrator write to the store until they return.
	_ = loops.Wait()
	log.Info("Shutdown complete")
}

// startLoops runs every loop in its own goroutine until ctx is cancelled.
// Errors are logged; Wait on the returned group blocks until all returned.
func startLoops(ctx context.Context, log *zap.Logger, loops map[string]func(context.Context) error) *errgroup.Group {
	g := new(errgroup.Group)
	for name, run := range loops {
		g.Go(func() error {
			if err := run(ctx); err != nil {
				log.Error("Loop stopped", zap.String("loop", name), zap.Error(err))
			}
			return nil
		})
	}
	return g
}

// discoverSymbols lists every trading linear contract quoted in quoteCoin.
func discoverSymbols(ctx context.Context, ex domain.Exchange, quoteCoin string) ([]string, error) {
	instruments, err := ex.GetInstruments(ctx)
	if err != nil {
		return nil, err
	}
	var symbols []string
	for _, inst := range instruments {
		if inst.QuoteCoin == quoteCoin && inst.Status == "Trading" {
			symbols = append(symbols, inst.Symbol)
		}
	}
	if len(symbols) == 0 {
		return nil, domain.ErrNoSymbols
	}
	sort.Strings(symbols)
	return symbols, nil
}

func channels(names []string) []domain.Channel {
	out := make([]domain.Channel, 0, len(names))
	for _, n := range names {
		out = append(out, domain.Channel(n))
	}
	return out
}
