package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/vitos/crypto_trade_tema/internal/config"
	"github.com/vitos/crypto_trade_tema/internal/infrastructure/exchange"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML config")
	symbol := flag.String("symbol", "BTCUSDT", "symbol to check")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	adapter := exchange.NewBybitAdapter(cfg.Exchange.APIKey, cfg.Exchange.APISecret, cfg.Exchange.RESTEndpoint, nil, zap.NewNop())
	adapter.SetRecvWindow(cfg.Exchange.RecvWindow)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	fmt.Printf("Testing Bybit Interaction...\n")
	fmt.Printf("Endpoint: %s\n", cfg.Exchange.RESTEndpoint)

	// 1. Public: instruments and precision
	instruments, err := adapter.GetInstruments(ctx)
	if err != nil {
		fmt.Printf("❌ Failed to list instruments: %v\n", err)
	} else {
		fmt.Printf("✅ Instruments: %d linear contracts\n", len(instruments))
	}
	if p, err := adapter.GetSymbolPrecision(ctx, *symbol); err != nil {
		fmt.Printf("❌ Failed to get precision: %v\n", err)
	} else {
		fmt.Printf("✅ Precision (%s): tick=%g step=%g min=%g\n", *symbol, p.TickSize, p.QtyStep, p.MinOrderQty)
	}

	// 2. Public: price and candles
	price, err := adapter.GetPrice(ctx, *symbol)
	if err != nil {
		fmt.Printf("❌ Failed to get price: %v\n", err)
	} else {
		fmt.Printf("✅ Current Price (%s): %f\n", *symbol, price)
	}
	candles, err := adapter.GetCandles(ctx, *symbol, cfg.Market.Timeframe, 5)
	if err != nil {
		fmt.Printf("❌ Failed to get candles: %v\n", err)
	} else if len(candles) > 0 {
		last := candles[len(candles)-1]
		fmt.Printf("✅ Candles (%s, %s): %d, last close %f\n", *symbol, cfg.Market.Timeframe, len(candles), last.Close)
	}

	if cfg.Exchange.APIKey == "" {
		fmt.Printf("⚠️  No API key configured, skipping private endpoints\n")
		return
	}

	// 3. Private: balance and positions
	balance, err := adapter.GetBalance(ctx, cfg.Market.QuoteCoin)
	if err != nil {
		fmt.Printf("❌ Failed to get balance: %v\n", err)
	} else {
		fmt.Printf("✅ Balance (%s): wallet=%f available=%f\n", balance.Coin, balance.WalletBalance, balance.Available)
	}
	positions, err := adapter.GetOpenPositions(ctx)
	if err != nil {
		fmt.Printf("❌ Failed to get positions: %v\n", err)
		return
	}
	fmt.Printf("✅ Open positions: %d\n", len(positions))
	for _, pos := range positions {
		fmt.Printf("   %s %s size=%f entry=%f pnl=%f\n", pos.Symbol, pos.Side, pos.Size, pos.AveragePrice, pos.UnrealizedPnL)
	}
}
