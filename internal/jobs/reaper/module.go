package reaper

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/dataprochub/broker/internal/config"
	"github.com/dataprochub/broker/internal/gateway"
	"github.com/dataprochub/broker/internal/persistence"
	"github.com/dataprochub/broker/internal/service"
)

// ManagerParams contains the dependencies for the reaper manager
type ManagerParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    *config.Config
	Store     persistence.Store
	Gateway   gateway.Gateway
	Broker    *service.Broker
	Logger    *zap.Logger
}

// ProvideManager creates and registers the reaper manager with fx lifecycle
func ProvideManager(p ManagerParams) {
	manager := NewManager(
		p.Store,
		p.Gateway,
		p.Broker,
		p.Config.ReaperIntervalSecs,
		p.Config.ReaperBatchSize,
		p.Config.ReaperGracePeriod,
		p.Logger,
	)

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			manager.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			manager.Stop()
			return nil
		},
	})
}

// Module provides the reaper components to the fx container
var Module = fx.Options(
	fx.Invoke(ProvideManager),
)
