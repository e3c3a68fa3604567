package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dataprochub/broker/internal/configdoc"
	"github.com/dataprochub/broker/internal/endpoint"
	"github.com/dataprochub/broker/internal/gateway"
	"github.com/dataprochub/broker/internal/orchestrator"
	"github.com/dataprochub/broker/internal/persistence"
	"github.com/dataprochub/broker/internal/resolver"
	"github.com/dataprochub/broker/internal/service"
	"github.com/dataprochub/broker/internal/types"
)

type noTemplates struct{}

func (noTemplates) Load(context.Context, []string) ([]configdoc.Document, error) {
	return nil, nil
}
func (noTemplates) ClearCache() {}

func newTestServer(t *testing.T, fake *gateway.Fake) (*httptest.Server, *service.Broker) {
	t.Helper()

	res, err := resolver.New(resolver.StaticDefaults{
		Project:       "proj-1",
		DefaultRegion: "us-central1",
		DefaultZone:   "us-central1-a",
	}, resolver.Options{}, zap.NewNop())
	require.NoError(t, err)

	factory := orchestrator.NewFactory(
		orchestrator.Deps{
			Templates: noTemplates{},
			Resolver:  res,
			Gateway:   fake,
			Endpoints: endpoint.New(8080),
			Logger:    zap.NewNop(),
		},
		orchestrator.Settings{
			SpawnTimeout:            2 * time.Second,
			PollInterval:            2 * time.Millisecond,
			BackoffBase:             time.Millisecond,
			BackoffCap:              4 * time.Millisecond,
			EndpointRecheckAttempts: 1,
			EndpointRecheckInterval: time.Millisecond,
		},
	)

	broker := service.NewBroker(factory, persistence.NewMemoryStore(),
		service.BrokerConfig{NamePattern: "dataprochub-%s"}, zap.NewNop())
	t.Cleanup(broker.Shutdown)

	mux := http.NewServeMux()
	NewSessionServer(broker, zap.NewNop()).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, broker
}

func postSession(t *testing.T, srv *httptest.Server, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(srv.URL+"/api/v1/sessions", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	return resp
}

func waitReady(t *testing.T, broker *service.Broker, session types.SessionID) {
	t.Helper()
	require.Eventually(t, func() bool {
		ev, err := broker.CurrentState(session)
		return err == nil && ev.State == orchestrator.StateReady
	}, 2*time.Second, 2*time.Millisecond)
}

func TestStartSession_Accepted(t *testing.T) {
	fake := gateway.NewFake(zap.NewNop())
	fake.AutoSucceedAfter = 0
	srv, _ := newTestServer(t, fake)

	resp := postSession(t, srv, `{"user": "Alice Smith", "overrides": {"config": {"workerConfig": {"numInstances": 4}}}}`)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var ev struct {
		Session string `json:"session"`
		State   string `json:"state"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ev))
	assert.Equal(t, "alice-smith", ev.Session, "username is sanitized")
	assert.NotEmpty(t, ev.State)
}

func TestStartSession_DuplicateConflict(t *testing.T) {
	fake := gateway.NewFake(zap.NewNop())
	fake.AutoSucceedAfter = 1 << 30
	srv, _ := newTestServer(t, fake)

	resp := postSession(t, srv, `{"user": "alice"}`)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = postSession(t, srv, `{"user": "alice"}`)
	defer resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	var body struct {
		Error struct {
			Kind string `json:"kind"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "AlreadyInProgress", body.Error.Kind)
}

func TestStartSession_BadRequests(t *testing.T) {
	fake := gateway.NewFake(zap.NewNop())
	srv, _ := newTestServer(t, fake)

	for name, body := range map[string]string{
		"invalid json": `{"user": `,
		"no identity":  `{}`,
		"bad session":  `{"session": "Not Valid!"}`,
	} {
		t.Run(name, func(t *testing.T) {
			resp := postSession(t, srv, body)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestGetSession_ReadyHasEndpoint(t *testing.T) {
	fake := gateway.NewFake(zap.NewNop())
	fake.AutoSucceedAfter = 0
	srv, broker := newTestServer(t, fake)

	resp := postSession(t, srv, `{"user": "alice"}`)
	resp.Body.Close()
	waitReady(t, broker, types.SessionID("alice"))

	getResp, err := http.Get(srv.URL + "/api/v1/sessions/alice")
	require.NoError(t, err)
	defer getResp.Body.Close()
	require.Equal(t, http.StatusOK, getResp.StatusCode)

	var ev struct {
		State    string `json:"state"`
		Endpoint *struct {
			Host string `json:"host"`
		} `json:"endpoint"`
	}
	require.NoError(t, json.NewDecoder(getResp.Body).Decode(&ev))
	assert.Equal(t, "READY", ev.State)
	require.NotNil(t, ev.Endpoint)
	assert.NotEmpty(t, ev.Endpoint.Host)
}

func TestGetSession_Unknown(t *testing.T) {
	fake := gateway.NewFake(zap.NewNop())
	srv, _ := newTestServer(t, fake)

	resp, err := http.Get(srv.URL + "/api/v1/sessions/ghost")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDeleteSession_Idempotent(t *testing.T) {
	fake := gateway.NewFake(zap.NewNop())
	srv, _ := newTestServer(t, fake)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/v1/sessions/ghost", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestDeleteSession_StopsLiveSession(t *testing.T) {
	fake := gateway.NewFake(zap.NewNop())
	fake.AutoSucceedAfter = 1 << 30
	srv, broker := newTestServer(t, fake)

	resp := postSession(t, srv, `{"user": "alice"}`)
	resp.Body.Close()

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/v1/sessions/alice", nil)
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	delResp.Body.Close()
	require.Equal(t, http.StatusNoContent, delResp.StatusCode)

	require.Eventually(t, func() bool {
		ev, err := broker.CurrentState(types.SessionID("alice"))
		return err == nil && ev.State == orchestrator.StateStopped
	}, 2*time.Second, 2*time.Millisecond)
	assert.Equal(t, 1, fake.DeleteCalls())
}

func TestEventStream_EndsAtReady(t *testing.T) {
	fake := gateway.NewFake(zap.NewNop())
	fake.AutoSucceedAfter = 1
	srv, _ := newTestServer(t, fake)

	resp := postSession(t, srv, `{"user": "alice"}`)
	resp.Body.Close()

	streamResp, err := http.Get(srv.URL + "/api/v1/sessions/alice/events")
	require.NoError(t, err)
	defer streamResp.Body.Close()
	require.Equal(t, http.StatusOK, streamResp.StatusCode)
	assert.Equal(t, "text/event-stream", streamResp.Header.Get("Content-Type"))

	var sawReady bool
	scanner := bufio.NewScanner(streamResp.Body)
	for scanner.Scan() {
		line := scanner.Bytes()
		if bytes.HasPrefix(line, []byte("event: READY")) {
			sawReady = true
		}
	}
	assert.True(t, sawReady, "stream must deliver the READY event before closing")
}
