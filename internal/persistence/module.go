package persistence

import (
	"context"
	"fmt"

	"go.uber.org/fx"

	"github.com/dataprochub/broker/internal/config"
)

// ProvideStore creates a handle store based on the configuration. Mock mode
// always gets the in-memory store so the broker can run without Redis.
func ProvideStore(cfg *config.Config, lc fx.Lifecycle) (Store, error) {
	if cfg.MockMode || cfg.StoreType == "memory" {
		return newMemoryStore(), nil
	}

	if cfg.StoreType != "redis" {
		return nil, fmt.Errorf("unknown store type %q", cfg.StoreType)
	}

	client, err := newRedisClient(cfg.RedisURI)
	if err != nil {
		return nil, err
	}

	store, err := newRedisStore(client, defaultKeyPrefix)
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return store.Close()
		},
	})

	return store, nil
}

// Module provides the persistence dependencies to the fx container
var Module = fx.Options(
	fx.Provide(ProvideStore),
)
