package resolver

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/dataprochub/broker/internal/config"
)

// ProvideResolver creates the config resolver with administrator policy from
// the environment.
func ProvideResolver(cfg *config.Config, defaults DefaultsProvider, logger *zap.Logger) (*Resolver, error) {
	return New(defaults, Options{
		ForceJupyterComponent: cfg.ForceJupyterComponent,
		SpawnerHostType:       cfg.SpawnerHostType,
		AllowedImagePattern:   cfg.AllowedImagePattern,
		IdleJobPath:           cfg.IdleJobPath,
		IdleScriptPath:        cfg.IdleScriptPath,
		IdleTimeout:           cfg.IdleTimeout,
	}, logger)
}

// Module provides the resolver dependency to the fx container
var Module = fx.Options(
	fx.Provide(ProvideResolver),
)
