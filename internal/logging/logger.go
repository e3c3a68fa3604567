package logging

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/dataprochub/broker/internal/config"
)

// ProvideLogger creates a zap logger based on configuration
// Uses production logger by default, but can use development logger if configured
func ProvideLogger(cfg *config.Config) (*zap.Logger, error) {
	var logger *zap.Logger
	var err error

	if cfg.DevelopmentLogging {
		zapCfg := zap.NewDevelopmentConfig()
		zapCfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		logger, err = zapCfg.Build()
	} else {
		logger, err = zap.NewProduction()
	}

	if err != nil {
		return nil, err
	}
	return logger, nil
}

// ProvideLoggerSugared creates a sugared logger from the standard zap logger
func ProvideLoggerSugared(logger *zap.Logger) *zap.SugaredLogger {
	return logger.Sugar()
}

// Module provides the logger dependencies to the fx container
var Module = fx.Options(
	fx.Provide(ProvideLogger),
	fx.Provide(ProvideLoggerSugared),
)
