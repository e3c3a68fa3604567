package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dataprochub/broker/internal/configdoc"
	"github.com/dataprochub/broker/internal/endpoint"
	"github.com/dataprochub/broker/internal/gateway"
	"github.com/dataprochub/broker/internal/resolver"
	"github.com/dataprochub/broker/internal/templatestore"
	"github.com/dataprochub/broker/internal/types"
)

// noTemplates is a template store for requests that carry no config
// locations.
type noTemplates struct{}

func (noTemplates) Load(ctx context.Context, locations []string) ([]configdoc.Document, error) {
	return nil, nil
}
func (noTemplates) ClearCache() {}

// failingTemplates always fails with the given error.
type failingTemplates struct{ err error }

func (f failingTemplates) Load(context.Context, []string) ([]configdoc.Document, error) {
	return nil, f.err
}
func (failingTemplates) ClearCache() {}

func testSettings() Settings {
	return Settings{
		SpawnTimeout:            2 * time.Second,
		PollInterval:            2 * time.Millisecond,
		BackoffBase:             time.Millisecond,
		BackoffCap:              4 * time.Millisecond,
		EndpointRecheckAttempts: 2,
		EndpointRecheckInterval: time.Millisecond,
	}
}

func testDeps(t *testing.T, fake *gateway.Fake, templates templatestore.Store) Deps {
	t.Helper()

	res, err := resolver.New(resolver.StaticDefaults{
		Project:       "proj-1",
		DefaultRegion: "us-central1",
		DefaultZone:   "us-central1-a",
	}, resolver.Options{ForceJupyterComponent: true}, zap.NewNop())
	require.NoError(t, err)

	if templates == nil {
		templates = noTemplates{}
	}
	return Deps{
		Templates: templates,
		Resolver:  res,
		Gateway:   fake,
		Endpoints: endpoint.New(8080),
		Logger:    zap.NewNop(),
	}
}

func spawnRequest() resolver.SpawnRequest {
	return resolver.SpawnRequest{Session: types.SessionID("alice")}
}

// runToEnd drives the orchestrator and collects every event. stopAt, when
// non-zero, requests a stop as soon as that state is observed.
func runToEnd(t *testing.T, o *Orchestrator, stopAt State) []Event {
	t.Helper()

	done := make(chan struct{})
	go func() {
		o.Run(context.Background())
		close(done)
	}()

	var events []Event
	for ev := range o.Events() {
		events = append(events, ev)
		if stopAt != StateCreated && ev.State == stopAt {
			o.Stop()
		}
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("orchestrator did not finish")
	}
	require.NotEmpty(t, events)
	return events
}

func finalEvent(events []Event) Event {
	return events[len(events)-1]
}

func TestRun_HappyPathReachesReady(t *testing.T) {
	fake := gateway.NewFake(zap.NewNop())
	fake.AutoSucceedAfter = 1
	o := New(spawnRequest(), testDeps(t, fake, nil), testSettings(), nil)

	events := runToEnd(t, o, StateReady)

	var states []State
	for _, ev := range events {
		states = append(states, ev.State)
	}
	assert.Contains(t, states, StateResolving)
	assert.Contains(t, states, StateSubmitting)
	assert.Contains(t, states, StatePolling)
	assert.Contains(t, states, StateReady)

	assert.Equal(t, StateStopped, finalEvent(events).State)
	assert.Equal(t, 1, fake.CreateCalls())
	assert.Equal(t, 1, fake.DeleteCalls())

	for _, ev := range events {
		if ev.State == StateReady {
			require.NotNil(t, ev.Endpoint)
			assert.Contains(t, ev.Endpoint.URL(), "jupyter")
		}
	}
}

func TestRun_TransientStatusErrorsThenSuccess(t *testing.T) {
	fake := gateway.NewFake(zap.NewNop())
	transient := &gateway.Error{Kind: gateway.KindTransient, Op: "get status", Err: errors.New("connection reset")}
	for i := 0; i < 3; i++ {
		fake.EnqueueStatus(gateway.OperationStatus{}, transient)
	}
	fake.AutoSucceedAfter = 0 // succeed on the first unscripted poll

	o := New(spawnRequest(), testDeps(t, fake, nil), testSettings(), nil)
	events := runToEnd(t, o, StateReady)

	var sawReady bool
	for _, ev := range events {
		require.NotEqual(t, StateFailed, ev.State, "transient poll errors must not fail the session")
		if ev.State == StateReady {
			sawReady = true
		}
	}
	assert.True(t, sawReady)
	assert.Equal(t, 4, fake.StatusCalls(), "three swallowed errors plus the success")
}

func TestRun_ProvisioningTimeoutIssuesOneDelete(t *testing.T) {
	fake := gateway.NewFake(zap.NewNop())
	fake.AutoSucceedAfter = 1 << 30 // never succeeds

	settings := testSettings()
	settings.SpawnTimeout = 30 * time.Millisecond

	o := New(spawnRequest(), testDeps(t, fake, nil), settings, nil)
	events := runToEnd(t, o, StateCreated)

	final := finalEvent(events)
	assert.Equal(t, StateFailed, final.State)
	require.NotNil(t, final.Err)
	assert.Equal(t, FailProvisioningTimeout, final.Err.Kind)
	assert.Equal(t, 1, fake.DeleteCalls(), "timeout must trigger exactly one cleanup delete")
}

func TestRun_SubmitTimeoutOnPersistentTransient(t *testing.T) {
	fake := gateway.NewFake(zap.NewNop())
	transient := &gateway.Error{Kind: gateway.KindTransient, Op: "submit create", Err: errors.New("503")}
	for i := 0; i < 100; i++ {
		fake.FailCreateWith(transient)
	}

	settings := testSettings()
	settings.SpawnTimeout = 30 * time.Millisecond

	o := New(spawnRequest(), testDeps(t, fake, nil), settings, nil)
	events := runToEnd(t, o, StateCreated)

	final := finalEvent(events)
	assert.Equal(t, StateFailed, final.State)
	require.NotNil(t, final.Err)
	assert.Equal(t, FailProvisioningTimeout, final.Err.Kind)
	assert.GreaterOrEqual(t, fake.CreateCalls(), 2, "transient submit errors are retried")
	assert.Equal(t, 0, fake.DeleteCalls(), "no handle was ever created")
}

func TestRun_StopDuringPolling(t *testing.T) {
	fake := gateway.NewFake(zap.NewNop())
	fake.AutoSucceedAfter = 1 << 30

	o := New(spawnRequest(), testDeps(t, fake, nil), testSettings(), nil)
	events := runToEnd(t, o, StatePolling)

	assert.Equal(t, StateStopped, finalEvent(events).State)
	assert.Equal(t, 1, fake.CreateCalls())
	assert.Equal(t, 1, fake.DeleteCalls())
}

func TestRun_QuotaFailsFast(t *testing.T) {
	fake := gateway.NewFake(zap.NewNop())
	fake.FailCreateWith(&gateway.Error{Kind: gateway.KindQuotaExceeded, Op: "submit create", Err: errors.New("quota exceeded")})

	o := New(spawnRequest(), testDeps(t, fake, nil), testSettings(), nil)
	events := runToEnd(t, o, StateCreated)

	final := finalEvent(events)
	assert.Equal(t, StateFailed, final.State)
	require.NotNil(t, final.Err)
	assert.Equal(t, FailQuotaExceeded, final.Err.Kind)
	assert.Equal(t, 1, fake.CreateCalls(), "quota errors are not retried")
}

func TestRun_ZoneRotationOnQuota(t *testing.T) {
	fake := gateway.NewFake(zap.NewNop())
	fake.FailCreateWith(&gateway.Error{Kind: gateway.KindQuotaExceeded, Op: "submit create", Err: errors.New("zone out of resources")})
	fake.AutoSucceedAfter = 0

	settings := testSettings()
	settings.ZoneLetters = []string{"a", "b"}

	o := New(spawnRequest(), testDeps(t, fake, nil), settings, nil)
	events := runToEnd(t, o, StateReady)

	var sawReady bool
	for _, ev := range events {
		if ev.State == StateReady {
			sawReady = true
		}
	}
	assert.True(t, sawReady, "second zone should have capacity")
	assert.Equal(t, 2, fake.CreateCalls())
}

func TestRun_PermissionDeniedFailsFast(t *testing.T) {
	fake := gateway.NewFake(zap.NewNop())
	fake.FailCreateWith(&gateway.Error{Kind: gateway.KindPermissionDenied, Op: "submit create", Err: errors.New("forbidden")})

	o := New(spawnRequest(), testDeps(t, fake, nil), testSettings(), nil)
	events := runToEnd(t, o, StateCreated)

	final := finalEvent(events)
	assert.Equal(t, StateFailed, final.State)
	require.NotNil(t, final.Err)
	assert.Equal(t, FailPermissionDenied, final.Err.Kind)
}

func TestRun_AlreadyExistsSameSessionAdopts(t *testing.T) {
	fake := gateway.NewFake(zap.NewNop())
	fake.FailCreateWith(&gateway.Error{
		Kind:            gateway.KindAlreadyExists,
		Op:              "submit create",
		ExistingSession: types.SessionID("alice"),
		ExistingUUID:    "uuid-existing",
		Err:             errors.New("already exists"),
	})
	fake.AutoSucceedAfter = 0

	var persisted types.ClusterHandle
	sink := func(_ context.Context, h types.ClusterHandle) error {
		persisted = h
		return nil
	}

	o := New(spawnRequest(), testDeps(t, fake, nil), testSettings(), sink)
	events := runToEnd(t, o, StateReady)

	var sawReady bool
	for _, ev := range events {
		require.NotEqual(t, StateFailed, ev.State)
		if ev.State == StateReady {
			sawReady = true
		}
	}
	assert.True(t, sawReady)
	assert.Equal(t, 1, fake.CreateCalls(), "re-entry adopts the existing cluster instead of retrying")
	assert.Equal(t, "uuid-existing", persisted.ClusterUUID)
}

func TestRun_CollisionDescribeHiccupRetriesThenAdopts(t *testing.T) {
	fake := gateway.NewFake(zap.NewNop())
	fake.FailCreateWith(&gateway.Error{
		Kind: gateway.KindTransient,
		Op:   "create",
		Err:  errors.New("cluster dataprochub-alice already exists but could not be described: 500"),
	})
	fake.FailCreateWith(&gateway.Error{
		Kind:            gateway.KindAlreadyExists,
		Op:              "submit create",
		ExistingSession: types.SessionID("alice"),
		ExistingUUID:    "uuid-existing",
		Err:             errors.New("already exists"),
	})
	fake.AutoSucceedAfter = 0

	o := New(spawnRequest(), testDeps(t, fake, nil), testSettings(), nil)
	events := runToEnd(t, o, StateReady)

	var sawReady bool
	for _, ev := range events {
		require.NotEqual(t, StateFailed, ev.State,
			"a transient describe failure on a collision must not fail the session")
		if ev.State == StateReady {
			sawReady = true
		}
	}
	assert.True(t, sawReady)
	assert.Equal(t, 2, fake.CreateCalls())
}

func TestRun_AlreadyExistsOtherSessionIsCollision(t *testing.T) {
	fake := gateway.NewFake(zap.NewNop())
	fake.FailCreateWith(&gateway.Error{
		Kind:            gateway.KindAlreadyExists,
		Op:              "submit create",
		ExistingSession: types.SessionID("mallory"),
		Err:             errors.New("already exists"),
	})

	o := New(spawnRequest(), testDeps(t, fake, nil), testSettings(), nil)
	events := runToEnd(t, o, StateCreated)

	final := finalEvent(events)
	assert.Equal(t, StateFailed, final.State)
	require.NotNil(t, final.Err)
	assert.Equal(t, FailNameCollision, final.Err.Kind)
	assert.Contains(t, final.Err.Message, "mallory")
}

func TestRun_ClusterErrorCarriesDetail(t *testing.T) {
	fake := gateway.NewFake(zap.NewNop())
	fake.EnqueueStatus(gateway.OperationStatus{State: gateway.StateDoneError, Detail: "boot disk attach failed"}, nil)

	o := New(spawnRequest(), testDeps(t, fake, nil), testSettings(), nil)
	events := runToEnd(t, o, StateCreated)

	final := finalEvent(events)
	assert.Equal(t, StateFailed, final.State)
	require.NotNil(t, final.Err)
	assert.Equal(t, FailClusterError, final.Err.Kind)
	assert.Contains(t, final.Err.Message, "boot disk attach failed")
}

func TestRun_QuotaDetailInClusterError(t *testing.T) {
	fake := gateway.NewFake(zap.NewNop())
	fake.EnqueueStatus(gateway.OperationStatus{State: gateway.StateDoneError, Detail: "Insufficient CPUS quota in region"}, nil)

	o := New(spawnRequest(), testDeps(t, fake, nil), testSettings(), nil)
	events := runToEnd(t, o, StateCreated)

	final := finalEvent(events)
	require.NotNil(t, final.Err)
	assert.Equal(t, FailQuotaExceeded, final.Err.Kind)
}

func TestRun_SourceUnavailableFailsVerbatim(t *testing.T) {
	fake := gateway.NewFake(zap.NewNop())
	loadErr := fmt.Errorf("gs://missing/conf.yaml: %w: object not found", templatestore.ErrSourceUnavailable)

	o := New(spawnRequest(), testDeps(t, fake, failingTemplates{err: loadErr}), testSettings(), nil)
	events := runToEnd(t, o, StateCreated)

	final := finalEvent(events)
	assert.Equal(t, StateFailed, final.State)
	require.NotNil(t, final.Err)
	assert.Equal(t, FailSourceUnavailable, final.Err.Kind)
	assert.Equal(t, 0, fake.CreateCalls())
}

func TestRun_RecoveredPollsWithoutCreate(t *testing.T) {
	fake := gateway.NewFake(zap.NewNop())
	fake.AutoSucceedAfter = 1

	handle := types.ClusterHandle{
		Session:     types.SessionID("alice"),
		Project:     "proj-1",
		Region:      "us-central1",
		ClusterName: types.ClusterName("dataprochub-alice"),
		ClusterUUID: "uuid-1",
	}
	o := NewRecovered(handle, testDeps(t, fake, nil), testSettings(), nil)
	events := runToEnd(t, o, StateReady)

	var sawReady bool
	for _, ev := range events {
		if ev.State == StateReady {
			sawReady = true
		}
	}
	assert.True(t, sawReady)
	assert.Equal(t, 0, fake.CreateCalls(), "recovery must never resubmit creation")
}

func TestRun_DegradedReadyAfterEndpointRechecks(t *testing.T) {
	fake := gateway.NewFake(zap.NewNop())
	fake.AutoSucceedAfter = 0
	fake.SetDescriptor(&gateway.ClusterDescriptor{}) // healthy but no endpoint data

	o := New(spawnRequest(), testDeps(t, fake, nil), testSettings(), nil)
	events := runToEnd(t, o, StateReady)

	var ready *Event
	for i := range events {
		if events[i].State == StateReady {
			ready = &events[i]
		}
	}
	require.NotNil(t, ready)
	assert.Nil(t, ready.Endpoint, "degraded-ready has no endpoint yet")
	assert.NotEmpty(t, ready.Detail)
}

func TestRun_HandleSinkFailureCleansUp(t *testing.T) {
	fake := gateway.NewFake(zap.NewNop())
	sink := func(context.Context, types.ClusterHandle) error {
		return errors.New("store down")
	}

	o := New(spawnRequest(), testDeps(t, fake, nil), testSettings(), sink)
	events := runToEnd(t, o, StateCreated)

	final := finalEvent(events)
	assert.Equal(t, StateFailed, final.State)
	require.NotNil(t, final.Err)
	assert.Equal(t, FailInternal, final.Err.Kind)
	assert.Equal(t, 1, fake.DeleteCalls(), "unrecorded cluster must be cleaned up")
}

func TestRun_DeleteFailureStillStops(t *testing.T) {
	fake := gateway.NewFake(zap.NewNop())
	fake.AutoSucceedAfter = 1 << 30
	fake.FailDeleteWith(errors.New("delete hiccup"))

	o := New(spawnRequest(), testDeps(t, fake, nil), testSettings(), nil)
	events := runToEnd(t, o, StatePolling)

	assert.Equal(t, StateStopped, finalEvent(events).State)
	assert.Equal(t, 1, fake.DeleteCalls())
}
