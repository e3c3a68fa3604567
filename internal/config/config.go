package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"go.uber.org/fx"
)

// Config holds all configuration for the broker in a flat structure
type Config struct {
	// Server settings
	Port int `envconfig:"PORT" default:"8080"`

	// Cloud settings
	MockMode       bool   `envconfig:"MOCK" default:"false"` // Use fake gateway and in-memory store
	Project        string `envconfig:"PROJECT" default:""`   // Defaults from instance metadata when empty
	Region         string `envconfig:"REGION" default:"us-central1"`
	Zone           string `envconfig:"ZONE" default:"us-central1-a"`
	ZoneLetters    string `envconfig:"ZONE_LETTERS" default:""` // Comma-separated zone letters usable for retry rotation, e.g. "a,b"
	DefaultSubnet  string `envconfig:"DEFAULT_SUBNET" default:""`
	ServiceAccount string `envconfig:"SERVICE_ACCOUNT" default:""`

	// Spawn settings
	ClusterNamePattern string        `envconfig:"CLUSTER_NAME_PATTERN" default:"dataprochub-%s"`
	ConfigLocations    []string      `envconfig:"CONFIG_LOCATIONS" default:""` // Base template URIs applied before per-request ones
	SpawnTimeout       time.Duration `envconfig:"SPAWN_TIMEOUT" default:"15m"`
	PollInterval       time.Duration `envconfig:"POLL_INTERVAL" default:"5s"`
	BackoffBaseDelay   time.Duration `envconfig:"BACKOFF_BASE_DELAY" default:"2s"`
	BackoffMaxDelay    time.Duration `envconfig:"BACKOFF_MAX_DELAY" default:"30s"`

	// Cluster defaults
	ForceJupyterComponent bool   `envconfig:"FORCE_JUPYTER_COMPONENT" default:"true"` // Clusters without the Jupyter component are not reachable by the hub
	SpawnerHostType       string `envconfig:"SPAWNER_HOST_TYPE" default:""`
	AllowedImagePattern   string `envconfig:"ALLOWED_IMAGE_PATTERN" default:""` // Regexp that image versions must match; empty allows all
	NotebookPort          int    `envconfig:"NOTEBOOK_PORT" default:"8080"`

	// Idle checker init action (optional)
	IdleJobPath    string `envconfig:"IDLE_JOB_PATH" default:""`
	IdleScriptPath string `envconfig:"IDLE_SCRIPT_PATH" default:""`
	IdleTimeout    string `envconfig:"IDLE_TIMEOUT" default:"60m"`

	// Endpoint resolution
	EndpointRecheckAttempts int           `envconfig:"ENDPOINT_RECHECK_ATTEMPTS" default:"5"`
	EndpointRecheckInterval time.Duration `envconfig:"ENDPOINT_RECHECK_INTERVAL" default:"3s"`

	// Session handle store settings
	StoreType string `envconfig:"STORE_TYPE" default:"redis"` // 'redis' or 'memory'
	RedisURI  string `envconfig:"REDIS_URI" default:"redis://localhost:6379/0"`

	// Orphan reaper settings
	ReaperIntervalSecs int           `envconfig:"REAPER_INTERVAL_SECS" default:"60"`
	ReaperBatchSize    int           `envconfig:"REAPER_BATCH_SIZE" default:"50"`
	ReaperGracePeriod  time.Duration `envconfig:"REAPER_GRACE_PERIOD" default:"10m"`

	// Logging settings
	DevelopmentLogging bool `envconfig:"DEVELOPMENT_LOGGING" default:"false"` // Whether to use development logger (more verbose)
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	var cfg Config
	err := envconfig.Process("BROKER", &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to process environment config: %w", err)
	}

	return &cfg, nil
}

// Module provides the config dependency to the fx container
var Module = fx.Options(
	fx.Provide(LoadConfig),
)
