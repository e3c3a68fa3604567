package gateway

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"google.golang.org/api/dataproc/v1"
	"google.golang.org/api/option"

	"github.com/dataprochub/broker/internal/config"
)

// ProvideGateway creates the cluster gateway based on the configuration.
func ProvideGateway(cfg *config.Config, logger *zap.Logger) (Gateway, error) {
	if cfg.MockMode {
		logger.Info("Using fake cluster gateway")
		return NewFake(logger), nil
	}

	service, err := dataproc.NewService(context.Background(),
		option.WithEndpoint(RegionalEndpoint(cfg.Region)))
	if err != nil {
		return nil, err
	}
	return NewDataprocGateway(service, logger), nil
}

// Module provides the gateway dependency to the fx container
var Module = fx.Options(
	fx.Provide(ProvideGateway),
)
