package resolver

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/dataprochub/broker/internal/configdoc"
	"github.com/dataprochub/broker/internal/types"
)

// ErrInvalidSpec is returned when a resolved specification violates one or
// more constraints. The wrapping message lists every violation found.
var ErrInvalidSpec = errors.New("invalid cluster spec")

const (
	defaultNamePattern     = "dataprochub-%s"
	defaultImageVersion    = "2.1-debian11"
	cloudPlatformScope     = "https://www.googleapis.com/auth/cloud-platform"
	componentJupyter       = "JUPYTER"
	componentAnaconda      = "ANACONDA"
	idleActionTimeout      = "1800s"
	computeURIPrefix       = "https://www.googleapis.com/compute/v1/projects"
)

// Options carries administrator policy applied during every resolution.
type Options struct {
	ForceJupyterComponent bool
	SpawnerHostType       string
	DefaultImageVersion   string

	// AllowedImagePattern restricts softwareConfig.imageVersion; empty
	// allows any value.
	AllowedImagePattern string

	// Idle checker init action, injected when both paths are set.
	IdleJobPath    string
	IdleScriptPath string
	IdleTimeout    string
}

// Resolver merges configuration documents into cluster specifications.
// Resolution is a pure function of the documents, the request, and the
// injected defaults; no network calls happen here.
type Resolver struct {
	defaults DefaultsProvider
	opts     Options
	imageRe  *regexp.Regexp
	logger   *zap.Logger
}

// New creates a Resolver.
func New(defaults DefaultsProvider, opts Options, logger *zap.Logger) (*Resolver, error) {
	var imageRe *regexp.Regexp
	if opts.AllowedImagePattern != "" {
		var err error
		imageRe, err = regexp.Compile(opts.AllowedImagePattern)
		if err != nil {
			return nil, fmt.Errorf("invalid allowed image pattern: %w", err)
		}
	}
	if opts.DefaultImageVersion == "" {
		opts.DefaultImageVersion = defaultImageVersion
	}
	return &Resolver{
		defaults: defaults,
		opts:     opts,
		imageRe:  imageRe,
		logger:   logger.Named("resolver"),
	}, nil
}

// Resolve merges documents in order, applies overrides last, fills defaults
// for fields still absent, and validates the result exhaustively.
func (r *Resolver) Resolve(ctx context.Context, docs []configdoc.Document, req SpawnRequest) (*ClusterSpec, error) {
	layers := make([]configdoc.Value, 0, len(docs)+1)
	for _, d := range docs {
		layers = append(layers, d.Root)
	}
	layers = append(layers, req.Overrides)
	merged := configdoc.MergeAll(layers...)

	project, err := r.stringWithDefault(ctx, merged, "projectId", r.defaults.ProjectID)
	if err != nil {
		return nil, err
	}
	region, err := r.stringWithDefault(ctx, merged, "region", r.defaults.Region)
	if err != nil {
		return nil, err
	}

	zone := req.Zone
	if zone == "" {
		if z, ok := merged.GetString("zone"); ok {
			zone = z
		}
	}
	if zone == "" {
		if z, ok := merged.GetString("config", "gceClusterConfig", "zoneUri"); ok {
			zone = shortName(z)
		}
	}
	if zone == "" {
		if zone, err = r.defaults.Zone(ctx); err != nil {
			return nil, fmt.Errorf("zone default: %w", err)
		}
	}

	name := r.clusterName(merged, req)

	cfg, _ := merged.Get("config")
	if cfg.Kind() != configdoc.KindMap {
		cfg = configdoc.Map()
	}

	if project != "" && zone != "" {
		cfg = cfg.SetPath(configdoc.String(zoneURI(project, zone)), "gceClusterConfig", "zoneUri")
	}

	cfg, err = r.applyNetworkDefaults(ctx, cfg)
	if err != nil {
		return nil, err
	}
	cfg = r.applyIdleChecker(cfg)
	cfg, err = normalizeDurations(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	cfg = shortenMachineURIs(cfg)
	cfg = r.applySoftwareDefaults(cfg)

	spec := &ClusterSpec{
		Project:     project,
		Region:      region,
		Zone:        zone,
		ClusterName: name,
		Labels:      r.labels(merged, req.Session),
		Config:      cfg,
	}

	if err := r.validate(spec); err != nil {
		return nil, err
	}

	r.logger.Debug("Resolved cluster spec",
		req.Session.ZapField(),
		spec.ClusterName.ZapField(),
		zap.String("project", spec.Project),
		zap.String("zone", spec.Zone))
	return spec, nil
}

func (r *Resolver) stringWithDefault(ctx context.Context, merged configdoc.Value, key string, fallback func(context.Context) (string, error)) (string, error) {
	if v, ok := merged.GetString(key); ok && v != "" {
		return v, nil
	}
	v, err := fallback(ctx)
	if err != nil {
		return "", fmt.Errorf("%s default: %w", key, err)
	}
	return v, nil
}

func (r *Resolver) clusterName(merged configdoc.Value, req SpawnRequest) types.ClusterName {
	if n, ok := merged.GetString("clusterName"); ok && n != "" {
		return types.ClusterName(n)
	}
	pattern := req.NamePattern
	if pattern == "" {
		pattern = defaultNamePattern
	}
	return types.ClusterName(fmt.Sprintf(pattern, req.Session.String()))
}

func (r *Resolver) applyNetworkDefaults(ctx context.Context, cfg configdoc.Value) (configdoc.Value, error) {
	gce, _ := cfg.Get("gceClusterConfig")

	_, hasSubnet := gce.Get("subnetworkUri")
	_, hasNetwork := gce.Get("networkUri")
	if !hasSubnet && !hasNetwork {
		subnet, err := r.defaults.Subnetwork(ctx)
		if err != nil {
			return cfg, fmt.Errorf("subnetwork default: %w", err)
		}
		if subnet != "" {
			cfg = cfg.SetPath(configdoc.String(subnet), "gceClusterConfig", "subnetworkUri")
		}
	}

	if _, ok := gce.Get("serviceAccount"); !ok {
		account, err := r.defaults.ServiceAccount(ctx)
		if err != nil {
			return cfg, fmt.Errorf("service account default: %w", err)
		}
		if account != "" {
			cfg = cfg.SetPath(configdoc.String(account), "gceClusterConfig", "serviceAccount")
			cfg = cfg.SetPath(configdoc.List(configdoc.String(cloudPlatformScope)),
				"gceClusterConfig", "serviceAccountScopes")
		}
	}
	return cfg, nil
}

// applyIdleChecker prepends the idle shutdown init action and its metadata
// keys when the administrator configured the checker scripts.
func (r *Resolver) applyIdleChecker(cfg configdoc.Value) configdoc.Value {
	if r.opts.IdleJobPath == "" || r.opts.IdleScriptPath == "" {
		return cfg
	}

	action := configdoc.Map(
		configdoc.Field{Key: "executableFile", Value: configdoc.String(r.opts.IdleJobPath)},
		configdoc.Field{Key: "executionTimeout", Value: configdoc.String(idleActionTimeout)},
	)
	existing, _ := cfg.Get("initializationActions")
	actions := append([]configdoc.Value{action}, existing.Elems()...)
	cfg = cfg.Set("initializationActions", configdoc.List(actions...))

	scriptLocation := strings.TrimSuffix(r.opts.IdleScriptPath, "isIdle.sh")
	scriptLocation = strings.TrimSuffix(scriptLocation, "/")
	cfg = cfg.SetPath(configdoc.String(scriptLocation), "gceClusterConfig", "metadata", "script_storage_location")

	timeout := r.opts.IdleTimeout
	if timeout == "" {
		timeout = "60m"
	}
	cfg = cfg.SetPath(configdoc.String(timeout), "gceClusterConfig", "metadata", "max-idle")
	return cfg
}

func (r *Resolver) applySoftwareDefaults(cfg configdoc.Value) configdoc.Value {
	version, ok := cfg.GetString("softwareConfig", "imageVersion")
	if !ok || version == "" {
		version = r.opts.DefaultImageVersion
		cfg = cfg.SetPath(configdoc.String(version), "softwareConfig", "imageVersion")
	}

	if r.opts.ForceJupyterComponent {
		components, _ := cfg.Path("softwareConfig", "optionalComponents")
		cfg = cfg.SetPath(ensureComponents(components, componentJupyter, componentAnaconda),
			"softwareConfig", "optionalComponents")
	}

	cfg = cfg.SetPath(configdoc.String("true"),
		"softwareConfig", "properties", "dataproc:jupyter.hub.enabled")

	// Old image lines cannot serve the component gateway to the hub, so
	// never request it for them.
	if enabled, _ := cfg.GetBool("endpointConfig", "enableHttpPortAccess"); enabled {
		if !imageSupportsComponentGateway(version) {
			cfg = cfg.SetPath(configdoc.Bool(false), "endpointConfig", "enableHttpPortAccess")
		}
	}
	return cfg
}

func (r *Resolver) labels(merged configdoc.Value, session types.SessionID) map[string]string {
	labels := make(map[string]string)
	if lv, ok := merged.Get("labels"); ok {
		for _, f := range lv.Fields() {
			if s, ok := f.Value.AsString(); ok {
				labels[f.Key] = s
			}
		}
	}
	hostType := strings.ToLower(r.opts.SpawnerHostType)
	if hostType == "" {
		hostType = "unknown"
	}
	labels[SpawnerHostLabel] = hostType
	labels[SessionLabel] = session.String()
	return labels
}

// ensureComponents appends the wanted components, preserving whatever the
// configuration already listed.
func ensureComponents(components configdoc.Value, wanted ...string) configdoc.Value {
	elems := append([]configdoc.Value(nil), components.Elems()...)
	for _, want := range wanted {
		found := false
		for _, e := range elems {
			if s, ok := e.AsString(); ok && s == want {
				found = true
				break
			}
		}
		if !found {
			elems = append(elems, configdoc.String(want))
		}
	}
	return configdoc.List(elems...)
}

// imageSupportsComponentGateway reports whether a Dataproc image version can
// serve the component gateway to the hub. Head images of a known minor line
// and unknown lines fail open.
func imageSupportsComponentGateway(imageVersion string) bool {
	minSupported := map[string]int{
		"1.3": 59,
		"1.4": 30,
		"1.5": 5,
		"2.0": 0,
	}
	version := strings.SplitN(imageVersion, "-", 2)[0]
	parts := strings.Split(version, ".")
	if len(parts) < 3 {
		return true
	}
	subminor, err := strconv.Atoi(parts[2])
	if err != nil {
		return true
	}
	minor := parts[0] + "." + parts[1]
	if min, ok := minSupported[minor]; ok {
		return subminor >= min
	}
	return true
}

// normalizeDurations rewrites human duration strings ("30m", "2h") into the
// seconds form the API expects ("1800s") for initialization action timeouts
// and lifecycle TTLs.
func normalizeDurations(cfg configdoc.Value) (configdoc.Value, error) {
	if actions, ok := cfg.Get("initializationActions"); ok {
		elems := actions.Elems()
		out := make([]configdoc.Value, 0, len(elems))
		for _, a := range elems {
			if t, ok := a.GetString("executionTimeout"); ok {
				normalized, err := toSecondsString(t)
				if err != nil {
					return cfg, fmt.Errorf("initialization action timeout %q: %v", t, err)
				}
				a = a.Set("executionTimeout", configdoc.String(normalized))
			}
			out = append(out, a)
		}
		cfg = cfg.Set("initializationActions", configdoc.List(out...))
	}

	for _, key := range []string{"idleDeleteTtl", "autoDeleteTtl"} {
		if t, ok := cfg.GetString("lifecycleConfig", key); ok {
			normalized, err := toSecondsString(t)
			if err != nil {
				return cfg, fmt.Errorf("lifecycle %s %q: %v", key, t, err)
			}
			cfg = cfg.SetPath(configdoc.String(normalized), "lifecycleConfig", key)
		}
	}
	return cfg, nil
}

// toSecondsString converts "30m", "2h", "1d", "90s" or a bare number of
// seconds into the API duration form "<seconds>s".
func toSecondsString(united string) (string, error) {
	if united == "" {
		return "", errors.New("empty duration")
	}
	unit := united[len(united)-1]
	span := united[:len(united)-1]
	multiplier := int64(1)
	switch unit {
	case 's':
	case 'm':
		multiplier = 60
	case 'h':
		multiplier = 3600
	case 'd':
		multiplier = 86400
	default:
		span = united
	}
	n, err := strconv.ParseInt(span, 10, 64)
	if err != nil {
		return "", fmt.Errorf("not a duration: %v", err)
	}
	return strconv.FormatInt(n*multiplier, 10) + "s", nil
}

// shortenMachineURIs reduces machine type and accelerator URIs to their short
// names so they cannot pin a different zone than the cluster's.
func shortenMachineURIs(cfg configdoc.Value) configdoc.Value {
	for _, group := range []string{"masterConfig", "workerConfig", "secondaryWorkerConfig"} {
		gv, ok := cfg.Get(group)
		if !ok {
			continue
		}
		if mt, ok := gv.GetString("machineTypeUri"); ok {
			gv = gv.Set("machineTypeUri", configdoc.String(shortName(mt)))
		}
		if accs, ok := gv.Get("accelerators"); ok {
			elems := accs.Elems()
			out := make([]configdoc.Value, 0, len(elems))
			for _, a := range elems {
				if at, ok := a.GetString("acceleratorTypeUri"); ok {
					a = a.Set("acceleratorTypeUri", configdoc.String(shortName(at)))
				}
				out = append(out, a)
			}
			gv = gv.Set("accelerators", configdoc.List(out...))
		}
		cfg = cfg.Set(group, gv)
	}
	return cfg
}

func shortName(uri string) string {
	parts := strings.Split(uri, "/")
	return parts[len(parts)-1]
}

func zoneURI(project, zone string) string {
	return fmt.Sprintf("%s/%s/zones/%s", computeURIPrefix, project, zone)
}
