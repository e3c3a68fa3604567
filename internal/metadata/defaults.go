// Package metadata supplies resolver defaults from explicit configuration,
// falling back to the GCE instance metadata server when running on GCP.
package metadata

import (
	"context"
	"strings"

	gcemetadata "cloud.google.com/go/compute/metadata"
	"go.uber.org/zap"

	"github.com/dataprochub/broker/internal/config"
)

// Defaults implements resolver.DefaultsProvider. Explicit configuration
// always wins; the metadata server is only consulted for values the
// administrator left unset, and never overrides explicit configuration.
type Defaults struct {
	cfg    *config.Config
	onGCE  bool
	logger *zap.Logger
}

// New creates a Defaults provider.
func New(cfg *config.Config, logger *zap.Logger) *Defaults {
	return &Defaults{
		cfg:    cfg,
		onGCE:  !cfg.MockMode && gcemetadata.OnGCE(),
		logger: logger.Named("metadata-defaults"),
	}
}

func (d *Defaults) ProjectID(ctx context.Context) (string, error) {
	if d.cfg.Project != "" {
		return d.cfg.Project, nil
	}
	if !d.onGCE {
		return "", nil
	}
	project, err := gcemetadata.ProjectIDWithContext(ctx)
	if err != nil {
		d.logger.Warn("Failed to read project from instance metadata", zap.Error(err))
		return "", err
	}
	return project, nil
}

func (d *Defaults) Zone(ctx context.Context) (string, error) {
	if d.cfg.Zone != "" {
		return d.cfg.Zone, nil
	}
	if !d.onGCE {
		return "", nil
	}
	zone, err := gcemetadata.ZoneWithContext(ctx)
	if err != nil {
		d.logger.Warn("Failed to read zone from instance metadata", zap.Error(err))
		return "", err
	}
	return zone, nil
}

func (d *Defaults) Region(ctx context.Context) (string, error) {
	if d.cfg.Region != "" {
		return d.cfg.Region, nil
	}
	zone, err := d.Zone(ctx)
	if err != nil || zone == "" {
		return "", err
	}
	// Zones are named <region>-<letter>.
	if i := strings.LastIndex(zone, "-"); i > 0 {
		return zone[:i], nil
	}
	return zone, nil
}

func (d *Defaults) Subnetwork(context.Context) (string, error) {
	// No metadata fallback: when unset the provider picks its own default.
	return d.cfg.DefaultSubnet, nil
}

func (d *Defaults) ServiceAccount(ctx context.Context) (string, error) {
	if d.cfg.ServiceAccount != "" {
		return d.cfg.ServiceAccount, nil
	}
	if !d.onGCE {
		return "", nil
	}
	email, err := gcemetadata.EmailWithContext(ctx, "default")
	if err != nil {
		d.logger.Warn("Failed to read service account from instance metadata", zap.Error(err))
		return "", err
	}
	return email, nil
}
