package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dataprochub/broker/internal/configdoc"
	"github.com/dataprochub/broker/internal/endpoint"
	"github.com/dataprochub/broker/internal/gateway"
	"github.com/dataprochub/broker/internal/resolver"
	"github.com/dataprochub/broker/internal/templatestore"
	"github.com/dataprochub/broker/internal/types"
)

const (
	eventBufferSize  = 32
	teardownTimeout  = 30 * time.Second
	firstPollDelay   = time.Second
	quotaDetailMatch = "quota"
)

// Deps are the collaborators shared by all orchestrators.
type Deps struct {
	Templates templatestore.Store
	Resolver  *resolver.Resolver
	Gateway   gateway.Gateway
	Endpoints *endpoint.Resolver
	Logger    *zap.Logger
}

// Settings are the timing knobs of the lifecycle, taken from config.
type Settings struct {
	SpawnTimeout time.Duration
	PollInterval time.Duration

	BackoffBase time.Duration
	BackoffCap  time.Duration

	EndpointRecheckAttempts int
	EndpointRecheckInterval time.Duration

	// ZoneLetters, when set, enables zone rotation on quota-exhausted
	// submissions: each retry moves to the next allowed zone in the
	// session's region before giving up.
	ZoneLetters []string
}

// HandleSink receives the cluster handle as soon as submission succeeds, so
// it can be persisted before polling starts.
type HandleSink func(ctx context.Context, handle types.ClusterHandle) error

// Orchestrator drives a single session. Run owns all state transitions and
// executes on one goroutine; accessors are safe from any goroutine.
type Orchestrator struct {
	session  types.SessionID
	req      resolver.SpawnRequest
	deps     Deps
	settings Settings
	onHandle HandleSink
	logger   *zap.Logger

	// accepted anchors the wall-clock spawn budget; slow submission counts
	// against the same deadline as polling.
	accepted  time.Time
	recovered bool

	events   chan Event
	stopCh   chan struct{}
	stopOnce sync.Once

	mu        sync.Mutex
	state     State
	handle    types.ClusterHandle
	hasHandle bool
	endpoint  *endpoint.Descriptor
	lastErr   *ErrorInfo
	detail    string
}

// New creates an orchestrator for a fresh spawn request.
func New(req resolver.SpawnRequest, deps Deps, settings Settings, onHandle HandleSink) *Orchestrator {
	return &Orchestrator{
		session:  req.Session,
		req:      req,
		deps:     deps,
		settings: settings,
		onHandle: onHandle,
		logger:   deps.Logger.Named("orchestrator").With(req.Session.ZapField()),
		accepted: time.Now(),
		events:   make(chan Event, eventBufferSize),
		stopCh:   make(chan struct{}),
		state:    StateCreated,
	}
}

// NewRecovered creates an orchestrator that re-attaches to a cluster whose
// handle survived a process restart. It starts polling directly and never
// submits a create, so recovery cannot double-provision.
func NewRecovered(handle types.ClusterHandle, deps Deps, settings Settings, onHandle HandleSink) *Orchestrator {
	o := &Orchestrator{
		session:   handle.Session,
		deps:      deps,
		settings:  settings,
		onHandle:  onHandle,
		logger:    deps.Logger.Named("orchestrator").With(handle.Session.ZapField()),
		accepted:  time.Now(),
		recovered: true,
		events:    make(chan Event, eventBufferSize),
		stopCh:    make(chan struct{}),
		state:     StateCreated,
	}
	o.handle = handle
	o.hasHandle = true
	return o
}

// Session returns the session this orchestrator serves.
func (o *Orchestrator) Session() types.SessionID { return o.session }

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Snapshot returns the current state as an event, for status queries.
func (o *Orchestrator) Snapshot() Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Event{
		Session:  o.session,
		State:    o.state,
		Detail:   o.detail,
		Endpoint: o.endpoint,
		Err:      o.lastErr,
		Time:     time.Now(),
	}
}

// Handle returns the cluster handle, valid once submission has succeeded.
func (o *Orchestrator) Handle() (types.ClusterHandle, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.handle, o.hasHandle
}

// Events returns the lifecycle event stream. The channel is closed when the
// orchestrator reaches a state it will not leave on its own.
func (o *Orchestrator) Events() <-chan Event { return o.events }

// Stop requests teardown. It is safe to call from any goroutine and at any
// state; the orchestrator observes it within one tick.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() { close(o.stopCh) })
}

// Run drives the state machine to a settled state. It must be called exactly
// once, and closes the event stream on return.
func (o *Orchestrator) Run(ctx context.Context) {
	defer close(o.events)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-o.stopCh:
			cancel()
		case <-runCtx.Done():
		}
	}()

	deadline := o.accepted.Add(o.settings.SpawnTimeout)

	if !o.recovered {
		spec, ok := o.resolve(runCtx)
		if !ok {
			o.finish(runCtx)
			return
		}
		if !o.submit(runCtx, deadline, spec) {
			o.finish(runCtx)
			return
		}
	}

	o.poll(runCtx, deadline)
	o.finish(runCtx)
}

// finish converts an interruption into the stop path. Failed and Stopped
// are final; Ready sessions wait here for a stop request. A run context
// canceled without a stop request means the process is shutting down: the
// cluster is left alive and re-attached after restart, so no teardown.
func (o *Orchestrator) finish(ctx context.Context) {
	switch o.State() {
	case StateFailed, StateStopped:
		return
	case StateReady:
		select {
		case <-o.stopCh:
		case <-ctx.Done():
		}
	}
	if o.stopRequested() {
		o.teardown()
	}
}

func (o *Orchestrator) stopRequested() bool {
	select {
	case <-o.stopCh:
		return true
	default:
		return false
	}
}

// resolve loads the configuration documents and produces a validated spec.
func (o *Orchestrator) resolve(ctx context.Context) (*resolver.ClusterSpec, bool) {
	o.transition(StateResolving, "resolving cluster configuration")

	docs, err := o.deps.Templates.Load(ctx, o.req.ConfigLocations)
	if err != nil {
		if interrupted(ctx, err) {
			return nil, false
		}
		o.fail(loadFailureKind(err), err.Error())
		return nil, false
	}

	spec, err := o.deps.Resolver.Resolve(ctx, docs, o.req)
	if err != nil {
		if interrupted(ctx, err) {
			return nil, false
		}
		if errors.Is(err, resolver.ErrInvalidSpec) {
			o.fail(FailInvalidSpec, err.Error())
		} else {
			o.fail(FailInternal, err.Error())
		}
		return nil, false
	}
	return spec, true
}

// submit creates the cluster, retrying transient failures with backoff until
// the overall deadline. Quota and permission failures do not resolve with
// time and fail immediately, unless zone rotation can sidestep exhausted
// zonal capacity.
func (o *Orchestrator) submit(ctx context.Context, deadline time.Time, spec *resolver.ClusterSpec) bool {
	o.transition(StateSubmitting, "submitting cluster creation")

	retry := newBackoff(o.settings.BackoffBase, o.settings.BackoffCap)
	zones := o.zoneRotation(spec)

	for {
		handle, err := o.deps.Gateway.SubmitCreate(ctx, spec)
		if err == nil {
			return o.adopt(ctx, handle)
		}
		if interrupted(ctx, err) {
			return false
		}

		switch gateway.KindOf(err) {
		case gateway.KindAlreadyExists:
			return o.handleCollision(ctx, handle, err)

		case gateway.KindPermissionDenied:
			o.fail(FailPermissionDenied, err.Error())
			return false

		case gateway.KindQuotaExceeded:
			next, ok := zones.next()
			if !ok {
				o.fail(FailQuotaExceeded, err.Error())
				return false
			}
			o.logger.Warn("Zone out of capacity, rotating",
				zap.String("zone", spec.Zone), zap.String("nextZone", next))
			rotateZone(spec, next)

		default:
			// Transient and unclassified failures keep retrying until
			// the spawn budget runs out.
			o.logger.Warn("Cluster submission failed, will retry", zap.Error(err))
		}

		if !o.sleep(ctx, deadline, retry.Next()) {
			if ctx.Err() != nil {
				return false
			}
			o.timeoutFail()
			return false
		}
	}
}

// handleCollision decides idempotent re-entry vs name collision when the
// cluster name is already taken.
func (o *Orchestrator) handleCollision(ctx context.Context, handle types.ClusterHandle, err error) bool {
	gerr, ok := gateway.AsError(err)
	if ok && gerr.ExistingSession == o.session {
		o.logger.Info("Cluster already exists for this session, adopting",
			handle.ClusterName.ZapField())
		return o.adopt(ctx, handle)
	}

	existing := "unknown session"
	if ok && gerr.ExistingSession.IsValid() {
		existing = fmt.Sprintf("session %s", gerr.ExistingSession)
	}
	o.fail(FailNameCollision, fmt.Sprintf(
		"cluster name %s is taken by %s: %v", handle.ClusterName, existing, err))
	return false
}

// adopt records the handle and hands it to the sink before polling starts.
func (o *Orchestrator) adopt(ctx context.Context, handle types.ClusterHandle) bool {
	o.mu.Lock()
	o.handle = handle
	o.hasHandle = true
	o.mu.Unlock()

	if o.onHandle != nil {
		if err := o.onHandle(ctx, handle); err != nil {
			// The cluster exists but we could not record it. Fail the
			// session and clean up rather than leak an untracked cluster.
			o.logger.Error("Failed to persist cluster handle", zap.Error(err))
			o.teardownCluster()
			o.fail(FailInternal, fmt.Sprintf("failed to persist cluster handle: %v", err))
			return false
		}
	}
	return true
}

// poll watches the create operation until it settles or the budget runs out.
func (o *Orchestrator) poll(ctx context.Context, deadline time.Time) {
	handle, ok := o.Handle()
	if !ok {
		o.fail(FailInternal, "polling requested without a cluster handle")
		return
	}

	o.transition(StatePolling, "waiting for cluster to become ready")

	interval := o.settings.PollInterval
	if interval <= 0 {
		interval = firstPollDelay
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	budget := time.NewTimer(time.Until(deadline))
	defer budget.Stop()

	for {
		status, err := o.deps.Gateway.GetStatus(ctx, handle)
		if err != nil {
			if interrupted(ctx, err) {
				return
			}
			switch gateway.KindOf(err) {
			case gateway.KindPermissionDenied:
				o.fail(FailPermissionDenied, err.Error())
				return
			default:
				// Transient control-plane flakiness; retry at the
				// next tick.
				o.logger.Debug("Status check failed, retrying", zap.Error(err))
			}
		} else {
			switch status.State {
			case gateway.StateDoneError:
				o.failFromCluster(status.Detail)
				return
			case gateway.StateDoneSuccess:
				o.ready(ctx, handle, status.Cluster)
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-budget.C:
			o.timeoutFail()
			return
		case <-ticker.C:
		}
	}
}

// failFromCluster maps a remote provisioning error onto the failure
// taxonomy. Quota exhaustion frequently surfaces only in the cluster's
// error detail rather than the submission response.
func (o *Orchestrator) failFromCluster(detail string) {
	if detail == "" {
		detail = "cluster entered an error state"
	}
	if strings.Contains(strings.ToLower(detail), quotaDetailMatch) {
		o.fail(FailQuotaExceeded, detail)
		return
	}
	o.fail(FailClusterError, detail)
}

// ready resolves the connection endpoint. A healthy cluster without a
// reachable endpoint gets a bounded number of re-checks and then surfaces as
// degraded-ready rather than failing.
func (o *Orchestrator) ready(ctx context.Context, handle types.ClusterHandle, cluster *gateway.ClusterDescriptor) {
	desc, err := o.deps.Endpoints.Resolve(cluster)
	for attempt := 0; err != nil && errors.Is(err, endpoint.ErrEndpointUnavailable) && attempt < o.settings.EndpointRecheckAttempts; attempt++ {
		if !sleepCtx(ctx, o.settings.EndpointRecheckInterval) {
			return
		}
		cluster, err = o.deps.Gateway.Describe(ctx, handle)
		if err != nil {
			if interrupted(ctx, err) {
				return
			}
			continue
		}
		desc, err = o.deps.Endpoints.Resolve(cluster)
	}

	if err != nil {
		o.logger.Warn("Cluster is ready but has no reachable endpoint", zap.Error(err))
		o.mu.Lock()
		o.state = StateReady
		o.detail = "cluster is ready but its endpoint is not reachable yet"
		o.mu.Unlock()
		o.emit()
		return
	}

	o.mu.Lock()
	o.state = StateReady
	o.endpoint = &desc
	o.detail = "cluster is ready"
	o.mu.Unlock()
	o.logger.Info("Session is ready", zap.String("endpoint", desc.URL()))
	o.emit()
}

// teardown deletes the backing cluster, if any, and settles in Stopped.
// Delete failures are logged but never block the stop: the orphan reaper
// retries cleanup later.
func (o *Orchestrator) teardown() {
	o.transition(StateStopping, "tearing down cluster")
	o.teardownCluster()
	o.transition(StateStopped, "session stopped")
}

func (o *Orchestrator) teardownCluster() {
	handle, ok := o.Handle()
	if !ok {
		return
	}

	// Fresh context: teardown must proceed even though the run context is
	// already canceled.
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	if err := o.deps.Gateway.SubmitDelete(ctx, handle); err != nil {
		o.logger.Error("Failed to delete cluster", append(handle.ZapFields(), zap.Error(err))...)
		return
	}
	o.logger.Info("Cluster delete submitted", handle.ZapFields()...)
}

// timeoutFail settles in Failed(ProvisioningTimeout) and issues exactly one
// best-effort delete so the unfinished cluster is not orphaned.
func (o *Orchestrator) timeoutFail() {
	o.teardownCluster()
	o.fail(FailProvisioningTimeout, fmt.Sprintf(
		"cluster was not ready within %s", o.settings.SpawnTimeout))
}

func (o *Orchestrator) fail(kind FailureKind, message string) {
	o.mu.Lock()
	o.state = StateFailed
	o.lastErr = &ErrorInfo{Kind: kind, Message: message}
	o.detail = message
	o.mu.Unlock()
	o.logger.Warn("Session failed", zap.String("kind", string(kind)), zap.String("message", message))
	o.emit()
}

func (o *Orchestrator) transition(state State, detail string) {
	o.mu.Lock()
	o.state = state
	o.detail = detail
	o.mu.Unlock()
	o.logger.Info("Session state changed", zap.Stringer("state", state))
	o.emit()
}

// emit publishes the current snapshot without ever blocking the state
// machine; a slow consumer loses intermediate events, not the final state,
// because terminal events close the channel right after.
func (o *Orchestrator) emit() {
	select {
	case o.events <- o.Snapshot():
	default:
		o.logger.Debug("Event buffer full, dropping event")
	}
}

// sleep waits for d, bounded by the spawn deadline. It returns false when
// the deadline or the context ended the wait.
func (o *Orchestrator) sleep(ctx context.Context, deadline time.Time, d time.Duration) bool {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return false
	}
	if d > remaining {
		d = remaining
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return time.Until(deadline) > 0
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// interrupted reports whether err (or the context) reflects a canceled run
// rather than a real failure.
func interrupted(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	return errors.Is(err, context.Canceled)
}

func loadFailureKind(err error) FailureKind {
	switch {
	case errors.Is(err, templatestore.ErrMalformedDocument):
		return FailMalformedDocument
	case errors.Is(err, templatestore.ErrSourceUnavailable):
		return FailSourceUnavailable
	default:
		return FailInternal
	}
}

// zoneRotation yields the not-yet-tried zones for quota retries.
type zoneList struct {
	zones []string
}

func (z *zoneList) next() (string, bool) {
	if len(z.zones) == 0 {
		return "", false
	}
	zone := z.zones[0]
	z.zones = z.zones[1:]
	return zone, true
}

func (o *Orchestrator) zoneRotation(spec *resolver.ClusterSpec) *zoneList {
	var zones []string
	for _, letter := range o.settings.ZoneLetters {
		zone := spec.Region + "-" + strings.TrimSpace(letter)
		if zone != spec.Zone {
			zones = append(zones, zone)
		}
	}
	return &zoneList{zones: zones}
}

func rotateZone(spec *resolver.ClusterSpec, zone string) {
	spec.Zone = zone
	spec.Config = spec.Config.SetPath(configdoc.String(zone), "gceClusterConfig", "zoneUri")
}
