package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/api/dataproc/v1"
	"google.golang.org/api/option"

	"github.com/dataprochub/broker/internal/configdoc"
	"github.com/dataprochub/broker/internal/resolver"
	"github.com/dataprochub/broker/internal/types"
)

func newTestGateway(t *testing.T, handler http.Handler) Gateway {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	service, err := dataproc.NewService(context.Background(),
		option.WithEndpoint(srv.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	return NewDataprocGateway(service, zap.NewNop())
}

func testSpec() *resolver.ClusterSpec {
	return &resolver.ClusterSpec{
		Project:     "proj-1",
		Region:      "us-central1",
		Zone:        "us-central1-a",
		ClusterName: types.ClusterName("dataprochub-alice"),
		Labels:      map[string]string{resolver.SessionLabel: "alice"},
		Config:      configdoc.Map(),
	}
}

func writeAPIError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":{"code":%d,"message":%q}}`, code, message)
}

func TestSubmitCreate_CollisionCarriesExistingIdentity(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/projects/proj-1/regions/us-central1/clusters", func(w http.ResponseWriter, r *http.Request) {
		writeAPIError(w, http.StatusConflict, "Already exists: cluster dataprochub-alice")
	})
	mux.HandleFunc("GET /v1/projects/proj-1/regions/us-central1/clusters/dataprochub-alice", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"projectId": "proj-1",
			"clusterName": "dataprochub-alice",
			"clusterUuid": "uuid-existing",
			"labels": {"dataprochub-session": "alice"},
			"status": {"state": "RUNNING"}
		}`)
	})

	gw := newTestGateway(t, mux)
	handle, err := gw.SubmitCreate(context.Background(), testSpec())

	gerr, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindAlreadyExists, gerr.Kind)
	assert.Equal(t, types.SessionID("alice"), gerr.ExistingSession)
	assert.Equal(t, "uuid-existing", gerr.ExistingUUID)
	assert.Equal(t, "uuid-existing", handle.ClusterUUID)
}

func TestSubmitCreate_CollisionDescribeFailureIsRetryable(t *testing.T) {
	describeCalls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/projects/proj-1/regions/us-central1/clusters", func(w http.ResponseWriter, r *http.Request) {
		writeAPIError(w, http.StatusConflict, "Already exists: cluster dataprochub-alice")
	})
	mux.HandleFunc("GET /v1/projects/proj-1/regions/us-central1/clusters/dataprochub-alice", func(w http.ResponseWriter, r *http.Request) {
		describeCalls++
		writeAPIError(w, http.StatusInternalServerError, "backend error")
	})

	gw := newTestGateway(t, mux)
	_, err := gw.SubmitCreate(context.Background(), testSpec())

	require.Error(t, err)
	assert.Equal(t, KindTransient, KindOf(err),
		"an undescribable collision must not be reported as a collision")
	assert.GreaterOrEqual(t, describeCalls, 1)
}

func TestStatusFromCluster(t *testing.T) {
	cases := []struct {
		state  string
		want   OperationState
		detail string
	}{
		{"CREATING", StateRunning, ""},
		{"STARTING", StateRunning, ""},
		{"RUNNING", StateDoneSuccess, ""},
		{"UPDATING", StateDoneSuccess, ""},
		{"ERROR", StateDoneError, "cluster entered ERROR state"},
		{"DELETING", StateDoneError, "cluster is pending deletion"},
		{"STOPPED", StateDoneError, "cluster was stopped"},
	}

	for _, tc := range cases {
		t.Run(tc.state, func(t *testing.T) {
			status := statusFromCluster(&dataproc.Cluster{
				ClusterName: "dataprochub-alice",
				Status:      &dataproc.ClusterStatus{State: tc.state},
			})
			assert.Equal(t, tc.want, status.State)
			if tc.detail != "" {
				assert.Equal(t, tc.detail, status.Detail)
			}
			if tc.want == StateDoneSuccess {
				require.NotNil(t, status.Cluster)
			}
		})
	}
}

func TestStatusFromCluster_ErrorDetailPreserved(t *testing.T) {
	status := statusFromCluster(&dataproc.Cluster{
		Status: &dataproc.ClusterStatus{State: "ERROR", Detail: "insufficient CPUS quota"},
	})
	assert.Equal(t, StateDoneError, status.State)
	assert.Equal(t, "insufficient CPUS quota", status.Detail)
}

func TestDescriptorFromCluster(t *testing.T) {
	cluster := &dataproc.Cluster{
		ProjectId:   "proj-1",
		ClusterName: "dataprochub-alice",
		ClusterUuid: "uuid-1",
		Labels:      map[string]string{"dataprochub-session": "alice"},
		Config: &dataproc.ClusterConfig{
			GceClusterConfig: &dataproc.GceClusterConfig{
				ZoneUri: "https://www.googleapis.com/compute/v1/projects/proj-1/zones/us-central1-b",
			},
			EndpointConfig: &dataproc.EndpointConfig{
				HttpPorts: map[string]string{"Jupyter": "https://gw/jupyter/"},
			},
			MasterConfig: &dataproc.InstanceGroupConfig{
				InstanceNames: []string{"dataprochub-alice-m"},
			},
		},
	}

	d := descriptorFromCluster(cluster, "us-central1")
	assert.Equal(t, "proj-1", d.Project)
	assert.Equal(t, "us-central1-b", d.Zone)
	assert.Equal(t, "uuid-1", d.ClusterUUID)
	assert.Equal(t, "https://gw/jupyter/", d.HTTPPorts["Jupyter"])
	assert.Equal(t, []string{"dataprochub-alice-m"}, d.MasterInstances)
	assert.Equal(t, "alice", d.SessionTag().String())
}

func TestZoneFromURI(t *testing.T) {
	assert.Equal(t, "us-central1-b", zoneFromURI("https://www.googleapis.com/compute/v1/projects/p/zones/us-central1-b"))
	assert.Equal(t, "us-central1-b", zoneFromURI("us-central1-b"))
	assert.Equal(t, "", zoneFromURI(""))
}
