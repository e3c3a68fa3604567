package endpoint

import (
	"go.uber.org/fx"

	"github.com/dataprochub/broker/internal/config"
)

// ProvideResolver creates the endpoint resolver.
func ProvideResolver(cfg *config.Config) *Resolver {
	return New(cfg.NotebookPort)
}

// Module provides the endpoint resolver to the fx container
var Module = fx.Options(
	fx.Provide(ProvideResolver),
)
