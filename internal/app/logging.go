package app

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// levels maps --loglevel onto zap levels. 5 keeps only critical messages,
// which zap reports at error level and above.
var levels = map[int]zapcore.Level{
	1: zapcore.DebugLevel,
	2: zapcore.InfoLevel,
	3: zapcore.WarnLevel,
	4: zapcore.ErrorLevel,
	5: zapcore.DPanicLevel,
}

// NewLogger builds the production JSON logger at the given verbosity.
func NewLogger(level int) (*zap.Logger, error) {
	lvl, ok := levels[level]
	if !ok {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}
