package orchestrator

import (
	"strings"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/dataprochub/broker/internal/config"
	"github.com/dataprochub/broker/internal/endpoint"
	"github.com/dataprochub/broker/internal/gateway"
	"github.com/dataprochub/broker/internal/resolver"
	"github.com/dataprochub/broker/internal/templatestore"
	"github.com/dataprochub/broker/internal/types"
)

// Factory builds orchestrators with shared collaborators and settings.
type Factory struct {
	deps     Deps
	settings Settings
}

// NewFactory creates an orchestrator factory.
func NewFactory(deps Deps, settings Settings) *Factory {
	return &Factory{deps: deps, settings: settings}
}

// Spawn creates an orchestrator for a fresh request.
func (f *Factory) Spawn(req resolver.SpawnRequest, onHandle HandleSink) *Orchestrator {
	return New(req, f.deps, f.settings, onHandle)
}

// Recover creates an orchestrator re-attached to a persisted handle.
func (f *Factory) Recover(handle types.ClusterHandle, onHandle HandleSink) *Orchestrator {
	return NewRecovered(handle, f.deps, f.settings, onHandle)
}

// ProvideFactory wires the factory from configuration and collaborators.
func ProvideFactory(
	cfg *config.Config,
	templates templatestore.Store,
	res *resolver.Resolver,
	gw gateway.Gateway,
	endpoints *endpoint.Resolver,
	logger *zap.Logger,
) *Factory {
	return NewFactory(
		Deps{
			Templates: templates,
			Resolver:  res,
			Gateway:   gw,
			Endpoints: endpoints,
			Logger:    logger,
		},
		Settings{
			SpawnTimeout:            cfg.SpawnTimeout,
			PollInterval:            cfg.PollInterval,
			BackoffBase:             cfg.BackoffBaseDelay,
			BackoffCap:              cfg.BackoffMaxDelay,
			EndpointRecheckAttempts: cfg.EndpointRecheckAttempts,
			EndpointRecheckInterval: cfg.EndpointRecheckInterval,
			ZoneLetters:             splitZoneLetters(cfg.ZoneLetters),
		},
	)
}

func splitZoneLetters(raw string) []string {
	if raw == "" {
		return nil
	}
	var letters []string
	for _, l := range strings.Split(raw, ",") {
		if l = strings.TrimSpace(l); l != "" {
			letters = append(letters, l)
		}
	}
	return letters
}

// Module provides the orchestrator factory to the fx container
var Module = fx.Options(
	fx.Provide(ProvideFactory),
)
