package templatestore

import (
	"context"

	"cloud.google.com/go/storage"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/dataprochub/broker/internal/config"
)

// ProvideObjectReader creates the Cloud Storage reader used for gs://
// template locations. In mock mode no storage client is created and only
// local locations can be loaded.
func ProvideObjectReader(cfg *config.Config, lc fx.Lifecycle) (ObjectReader, error) {
	if cfg.MockMode {
		return nil, nil
	}

	client, err := storage.NewClient(context.Background())
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})

	return NewGCSReader(client), nil
}

// ProvideStore creates the template store.
func ProvideStore(objects ObjectReader, logger *zap.Logger) Store {
	return New(objects, logger)
}

// Module provides the template store dependencies to the fx container
var Module = fx.Options(
	fx.Provide(ProvideObjectReader),
	fx.Provide(ProvideStore),
)
