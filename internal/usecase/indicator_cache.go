package usecase

import (
	"sync"

	"github.com/vitos/crypto_trade_tema/internal/config"
	"github.com/vitos/crypto_trade_tema/internal/domain"
	"github.com/vitos/crypto_trade_tema/internal/indicators"
)

// IndicatorSettings are the periods used to build an IndicatorSnapshot.
type IndicatorSettings struct {
	TemaShort   int
	TemaMid     int
	TemaLong    int
	ADXPeriod   int
	CMOPeriod   int
	EMAWindow   int
	SlopePeriod int
	Window      int
}

func IndicatorSettingsFromConfig(cfg config.IndicatorConfig) IndicatorSettings {
	s := IndicatorSettings{
		ADXPeriod:   cfg.ADXPeriod,
		CMOPeriod:   cfg.CMOPeriod,
		EMAWindow:   cfg.EMAWindow,
		SlopePeriod: cfg.SlopePeriod,
		Window:      cfg.Window,
	}
	if len(cfg.TemaPeriods) == 3 {
		s.TemaShort, s.TemaMid, s.TemaLong = cfg.TemaPeriods[0], cfg.TemaPeriods[1], cfg.TemaPeriods[2]
	}
	return s
}

// ComputeSnapshot evaluates every indicator over candles. It reports false if
// any indicator lacks history.
func ComputeSnapshot(symbol string, candles []domain.Candle, s IndicatorSettings) (domain.IndicatorSnapshot, bool) {
	if len(candles) == 0 {
		return domain.IndicatorSnapshot{}, false
	}
	high := make([]float64, len(candles))
	low := make([]float64, len(candles))
	closes := make([]float64, len(candles))
	for i, c := range candles {
		high[i], low[i], closes[i] = c.High, c.Low, c.Close
	}

	snap := domain.IndicatorSnapshot{
		Symbol:    symbol,
		Close:     closes[len(closes)-1],
		Timestamp: candles[len(candles)-1].Timestamp,
	}
	var ok [6]bool
	snap.TemaShort, ok[0] = indicators.TEMA(closes, s.TemaShort)
	snap.TemaMid, ok[1] = indicators.TEMA(closes, s.TemaMid)
	snap.TemaLong, ok[2] = indicators.TEMA(closes, s.TemaLong)
	snap.ADX, ok[3] = indicators.ADX(high, low, closes, s.ADXPeriod)
	snap.CMO, ok[4] = indicators.CMO(closes, s.CMOPeriod)
	snap.EMASlope, ok[5] = indicators.EMASlope(closes, s.EMAWindow, s.SlopePeriod)
	for _, v := range ok {
		if !v {
			return domain.IndicatorSnapshot{}, false
		}
	}
	return snap, true
}

// IndicatorCache holds the latest candle window and indicator snapshot per symbol.
type IndicatorCache struct {
	settings IndicatorSettings

	mu        sync.RWMutex
	windows   map[string][]domain.Candle
	snapshots map[string]domain.IndicatorSnapshot
}

func NewIndicatorCache(settings IndicatorSettings) *IndicatorCache {
	if settings.Window <= 0 {
		settings.Window = 100
	}
	return &IndicatorCache{
		settings:  settings,
		windows:   make(map[string][]domain.Candle),
		snapshots: make(map[string]domain.IndicatorSnapshot),
	}
}

// Update replaces the symbol's window with the newest candles and recomputes
// every indicator from scratch.
func (c *IndicatorCache) Update(symbol string, candles []domain.Candle) (domain.IndicatorSnapshot, bool) {
	if len(candles) > c.settings.Window {
		candles = candles[len(candles)-c.settings.Window:]
	}
	window := append([]domain.Candle(nil), candles...)
	snap, ok := ComputeSnapshot(symbol, window, c.settings)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.windows[symbol] = window
	if ok {
		c.snapshots[symbol] = snap
	} else {
		delete(c.snapshots, symbol)
	}
	return snap, ok
}

func (c *IndicatorCache) Get(symbol string) (domain.IndicatorSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap, ok := c.snapshots[symbol]
	return snap, ok
}

// Window returns a copy of the candles behind the last Update for symbol.
func (c *IndicatorCache) Window(symbol string) []domain.Candle {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]domain.Candle(nil), c.windows[symbol]...)
}

// All returns every available snapshot.
func (c *IndicatorCache) All() []domain.IndicatorSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.IndicatorSnapshot, 0, len(c.snapshots))
	for _, s := range c.snapshots {
		out = append(out, s)
	}
	return out
}
