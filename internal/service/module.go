package service

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/dataprochub/broker/internal/config"
	"github.com/dataprochub/broker/internal/orchestrator"
	"github.com/dataprochub/broker/internal/persistence"
)

// ProvideBroker creates the session broker and ties session recovery and
// shutdown to the application lifecycle.
func ProvideBroker(
	cfg *config.Config,
	factory *orchestrator.Factory,
	store persistence.Store,
	logger *zap.Logger,
	lc fx.Lifecycle,
) *Broker {
	broker := NewBroker(factory, store, BrokerConfig{
		DefaultConfigLocations: cfg.ConfigLocations,
		NamePattern:            cfg.ClusterNamePattern,
	}, logger)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return broker.Recover(ctx)
		},
		OnStop: func(ctx context.Context) error {
			broker.Shutdown()
			return nil
		},
	})

	return broker
}

// Module provides the session broker to the fx container
var Module = fx.Options(
	fx.Provide(ProvideBroker),
)
