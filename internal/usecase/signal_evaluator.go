package usecase

import (
	"github.com/vitos/crypto_trade_tema/internal/config"
	"github.com/vitos/crypto_trade_tema/internal/domain"
)

type SignalThresholds struct {
	Enabled  bool
	ADXLong  float64
	ADXShort float64
	CMOLong  float64
	CMOShort float64
}

func SignalThresholdsFromConfig(cfg config.StrategyConfig) SignalThresholds {
	return SignalThresholds{
		Enabled:  cfg.Enabled,
		ADXLong:  cfg.ADXThresholdLong,
		ADXShort: cfg.ADXThresholdShort,
		CMOLong:  cfg.CMOThresholdLong,
		CMOShort: cfg.CMOThresholdShort,
	}
}

type SignalEvaluator struct {
	thresholds SignalThresholds
}

func NewSignalEvaluator(thresholds SignalThresholds) *SignalEvaluator {
	return &SignalEvaluator{thresholds: thresholds}
}

// Evaluate maps an indicator snapshot to a trade direction.
// Long needs a bullish TEMA stack with ADX at or above the long threshold and
// CMO above its threshold; short mirrors it with ADX at or below the short
// threshold. NaN inputs fail every comparison and yield SignalNone.
func (e *SignalEvaluator) Evaluate(s domain.IndicatorSnapshot) domain.Signal {
	if !e.thresholds.Enabled {
		return domain.SignalNone
	}
	t := e.thresholds
	if s.TemaShort > s.TemaMid && s.TemaMid > s.TemaLong && s.ADX >= t.ADXLong && s.CMO > t.CMOLong {
		return domain.SignalLong
	}
	if s.TemaShort < s.TemaMid && s.TemaMid < s.TemaLong && s.ADX <= t.ADXShort && s.CMO < t.CMOShort {
		return domain.SignalShort
	}
	return domain.SignalNone
}
