package metadata

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/dataprochub/broker/internal/config"
	"github.com/dataprochub/broker/internal/resolver"
)

// ProvideDefaults creates the resolver defaults provider.
func ProvideDefaults(cfg *config.Config, logger *zap.Logger) resolver.DefaultsProvider {
	return New(cfg, logger)
}

// Module provides the metadata-backed defaults to the fx container
var Module = fx.Options(
	fx.Provide(ProvideDefaults),
)
