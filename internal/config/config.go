// Package config loads the bot configuration from a YAML file with secrets
// taken from the environment (optionally a .env file).
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/vitos/crypto_trade_tema/internal/domain"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Exchange       ExchangeConfig       `yaml:"exchange"`
	Market         MarketConfig         `yaml:"market"`
	Indicators     IndicatorConfig      `yaml:"indicators"`
	Strategy       StrategyConfig       `yaml:"strategy"`
	Trading        TradingConfig        `yaml:"trading"`
	Reconciliation ReconciliationConfig `yaml:"reconciliation"`
	Storage        StorageConfig        `yaml:"storage"`
	Logging        LoggingConfig        `yaml:"logging"`
	Telegram       TelegramConfig       `yaml:"telegram"`
	Server         ServerConfig         `yaml:"server"`
}

type ExchangeConfig struct {
	APIKey       string  `yaml:"api_key"`
	APISecret    string  `yaml:"api_secret"`
	RESTEndpoint string  `yaml:"rest_endpoint"`
	WSEndpoint   string  `yaml:"ws_endpoint"`
	RecvWindow   int     `yaml:"recv_window"`
	RateLimit    float64 `yaml:"rate_limit"`
	RateBurst    int     `yaml:"rate_burst"`
}

type MarketConfig struct {
	Symbols        []string      `yaml:"symbols"`
	QuoteCoin      string        `yaml:"quote_coin"`
	Timeframe      string        `yaml:"timeframe"`
	Channels       []string      `yaml:"channels"`
	ShardSize      int           `yaml:"shard_size"`
	OrderBookDepth int           `yaml:"orderbook_depth"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	MinReadTimeout time.Duration `yaml:"min_read_timeout"`
}

type IndicatorConfig struct {
	TemaPeriods []int `yaml:"tema_periods"`
	ADXPeriod   int   `yaml:"adx_period"`
	CMOPeriod   int   `yaml:"cmo_period"`
	EMAWindow   int   `yaml:"ema_window"`
	SlopePeriod int   `yaml:"slope_period"`
	Window      int   `yaml:"window"`
}

type StrategyConfig struct {
	Enabled           bool    `yaml:"enabled"`
	ADXThresholdLong  float64 `yaml:"adx_threshold_long"`
	ADXThresholdShort float64 `yaml:"adx_threshold_short"`
	CMOThresholdLong  float64 `yaml:"cmo_threshold_long"`
	CMOThresholdShort float64 `yaml:"cmo_threshold_short"`
}

type TradingConfig struct {
	TradeAmount      float64                   `yaml:"trade_amount"`
	Leverage         int                       `yaml:"leverage"`
	TakeProfitLevels []domain.TakeProfitLevel  `yaml:"take_profit_levels"`
	StopLossPercent  float64                   `yaml:"stop_loss_percent"`
	TrailingStop     domain.TrailingStopConfig `yaml:"trailing_stop"`
	MinCandles       int                       `yaml:"min_candles"`
	MaxConcurrency   int                       `yaml:"max_concurrency"`
	CycleInterval    time.Duration             `yaml:"cycle_interval"`
}

type ReconciliationConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type StorageConfig struct {
	Path string `yaml:"path"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

type TelegramConfig struct {
	Token     string `yaml:"token"`
	ChatID    string `yaml:"chat_id"`
	QueueSize int    `yaml:"queue_size"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

// Default returns the stock configuration.
func Default() Config {
	return Config{
		Exchange: ExchangeConfig{
			RESTEndpoint: "https://api.bybit.com",
			WSEndpoint:   "wss://stream.bybit.com/v5/public/linear",
			RecvWindow:   5000,
			RateLimit:    10,
			RateBurst:    20,
		},
		Market: MarketConfig{
			QuoteCoin:      "USDT",
			Timeframe:      "60",
			Channels:       []string{"kline", "ticker"},
			ShardSize:      50,
			OrderBookDepth: 1,
			ReconnectDelay: time.Second,
			PingInterval:   20 * time.Second,
			MinReadTimeout: 15 * time.Second,
		},
		Indicators: IndicatorConfig{
			TemaPeriods: []int{8, 14, 21},
			ADXPeriod:   14,
			CMOPeriod:   14,
			EMAWindow:   21,
			SlopePeriod: 10,
			Window:      100,
		},
		Strategy: StrategyConfig{
			Enabled:           true,
			ADXThresholdLong:  25,
			ADXThresholdShort: 25,
			CMOThresholdLong:  0,
			CMOThresholdShort: 0,
		},
		Trading: TradingConfig{
			TradeAmount: 1.0,
			Leverage:    20,
			TakeProfitLevels: []domain.TakeProfitLevel{
				{PricePercent: 2.0, SizePercent: 60},
				{PricePercent: 2.5, SizePercent: 20},
				{PricePercent: 5.0, SizePercent: 20},
			},
			StopLossPercent: 5.0,
			TrailingStop: domain.TrailingStopConfig{
				Enabled:           true,
				ActivationPercent: 2.0,
				TrailingPercent:   3.5,
			},
			MinCandles:     50,
			MaxConcurrency: 8,
			CycleInterval:  5 * time.Second,
		},
		Reconciliation: ReconciliationConfig{Interval: time.Second},
		Storage:        StorageConfig{Path: "bot.db"},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 14,
		},
		Telegram: TelegramConfig{QueueSize: 64},
		Server:   ServerConfig{Port: 8080},
	}
}

// Load reads path on top of the defaults, then applies environment
// overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, err
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	setString := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	setString(&c.Exchange.APIKey, "BYBIT_API_KEY")
	setString(&c.Exchange.APISecret, "BYBIT_API_SECRET")
	setString(&c.Telegram.Token, "TELEGRAM_TOKEN")
	setString(&c.Telegram.ChatID, "TELEGRAM_CHAT_ID")
	setString(&c.Logging.Level, "LOG_LEVEL")
}

// Validate checks the settings the trading core depends on.
func (c *Config) Validate() error {
	ind := c.Indicators
	if len(ind.TemaPeriods) != 3 {
		return fmt.Errorf("indicators.tema_periods: want 3 periods, got %d", len(ind.TemaPeriods))
	}
	if ind.TemaPeriods[0] <= 0 || ind.TemaPeriods[0] >= ind.TemaPeriods[1] || ind.TemaPeriods[1] >= ind.TemaPeriods[2] {
		return fmt.Errorf("indicators.tema_periods must be positive and increasing: %v", ind.TemaPeriods)
	}
	if ind.ADXPeriod <= 0 || ind.CMOPeriod <= 0 || ind.EMAWindow <= 0 || ind.SlopePeriod < 2 {
		return errors.New("indicators: periods must be positive and slope_period at least 2")
	}
	if ind.Window > 100 || ind.Window < c.RequiredCandles() {
		return fmt.Errorf("indicators.window %d must be between %d and 100", ind.Window, c.RequiredCandles())
	}

	tr := c.Trading
	if tr.TradeAmount <= 0 {
		return errors.New("trading.trade_amount must be positive")
	}
	if tr.Leverage < 1 {
		return errors.New("trading.leverage must be at least 1")
	}
	if tr.StopLossPercent <= 0 {
		return errors.New("trading.stop_loss_percent must be positive")
	}
	var total float64
	for i, l := range tr.TakeProfitLevels {
		if l.PricePercent <= 0 || l.SizePercent <= 0 {
			return fmt.Errorf("trading.take_profit_levels[%d]: percents must be positive", i)
		}
		total += l.SizePercent
	}
	if total > 100 {
		return fmt.Errorf("trading.take_profit_levels: sizes add up to %.2f%%", total)
	}
	if tr.TrailingStop.Enabled && (tr.TrailingStop.ActivationPercent <= 0 || tr.TrailingStop.TrailingPercent <= 0) {
		return errors.New("trading.trailing_stop: percents must be positive")
	}
	if tr.MaxConcurrency < 1 || tr.CycleInterval <= 0 {
		return errors.New("trading: max_concurrency and cycle_interval must be positive")
	}

	if c.Market.ShardSize < 1 {
		return errors.New("market.shard_size must be positive")
	}
	if _, err := TimeframeSeconds(c.Market.Timeframe); err != nil {
		return err
	}
	if c.Reconciliation.Interval <= 0 {
		return errors.New("reconciliation.interval must be positive")
	}
	return nil
}

// RequiredCandles is the shortest window for which every indicator is defined.
func (c *Config) RequiredCandles() int {
	ind := c.Indicators
	need := 0
	for _, p := range ind.TemaPeriods {
		need = max(need, p)
	}
	need = max(need, 2*ind.ADXPeriod, ind.CMOPeriod+1, ind.EMAWindow+ind.SlopePeriod)
	return need
}

// TimeframeSeconds converts a Bybit kline interval ("1".."720", "D", "W", "M")
// into seconds.
func TimeframeSeconds(interval string) (int, error) {
	switch interval {
	case "1", "3", "5", "15", "30", "60", "120", "240", "360", "720":
		minutes, _ := strconv.Atoi(interval)
		return minutes * 60, nil
	case "D":
		return 86400, nil
	case "W":
		return 7 * 86400, nil
	case "M":
		return 30 * 86400, nil
	}
	return 0, fmt.Errorf("unsupported timeframe %q", interval)
}
