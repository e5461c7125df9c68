package logger

import (
	"os"

	"github.com/vitos/crypto_trade_tema/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger builds a JSON production logger. When cfg.File is set the output
// is also written to a size-rotated file.
func NewLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	l, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		l = zapcore.InfoLevel
	}

	if cfg.File == "" {
		zc := zap.NewProductionConfig()
		zc.Level = zap.NewAtomicLevelAt(l)
		return zc.Build()
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encoderCfg)

	rotating := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}

	core := zapcore.NewTee(
		zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), l),
		zapcore.NewCore(encoder, zapcore.AddSync(rotating), l),
	)
	return zap.New(core, zap.AddCaller()), nil
}
