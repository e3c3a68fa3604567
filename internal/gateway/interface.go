// Package gateway is the thin client over the remote cluster-management API:
// submit-create, submit-delete, get-status and endpoint listing, with
// transport failures wrapped into classified errors.
package gateway

import (
	"context"

	"github.com/dataprochub/broker/internal/resolver"
	"github.com/dataprochub/broker/internal/types"
)

// OperationState is a snapshot of the remote asynchronous operation.
type OperationState int

const (
	StatePending OperationState = iota
	StateRunning
	StateDoneSuccess
	StateDoneError
)

func (s OperationState) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateRunning:
		return "RUNNING"
	case StateDoneSuccess:
		return "DONE_SUCCESS"
	case StateDoneError:
		return "DONE_ERROR"
	default:
		return "UNKNOWN"
	}
}

// OperationStatus is one observation of the remote create operation. Cluster
// is populated only on DONE_SUCCESS.
type OperationStatus struct {
	State   OperationState
	Detail  string
	Cluster *ClusterDescriptor
}

// ClusterDescriptor is the provider's view of a cluster, reduced to what
// endpoint resolution and idempotency checks need.
type ClusterDescriptor struct {
	Project     string
	Region      string
	Zone        string
	ClusterName types.ClusterName
	ClusterUUID string
	Labels      map[string]string

	// HTTPPorts maps component gateway service names to URLs, populated
	// when the cluster exposes a managed gateway endpoint.
	HTTPPorts map[string]string

	// MasterInstances are the primary node instance names, for the direct
	// address fallback.
	MasterInstances []string
}

// SessionTag returns the identifying session label of the cluster, empty
// when the cluster was not created by this broker.
func (d *ClusterDescriptor) SessionTag() types.SessionID {
	if d == nil {
		return ""
	}
	return types.SessionID(d.Labels[resolver.SessionLabel])
}

// Gateway drives the remote cluster control plane. Implementations hold no
// durable local state and are safe for unlimited concurrent use.
type Gateway interface {
	// SubmitCreate submits an asynchronous create for the spec and returns
	// the handle linking the session to the new cluster. Failures are
	// classified; AlreadyExists carries the existing cluster's session tag.
	SubmitCreate(ctx context.Context, spec *resolver.ClusterSpec) (types.ClusterHandle, error)

	// GetStatus observes the cluster's creation progress. It never blocks
	// beyond the per-call timeout; transient failures come back as
	// KindTransient errors so the poll loop can retry at the next tick.
	GetStatus(ctx context.Context, handle types.ClusterHandle) (OperationStatus, error)

	// SubmitDelete requests deletion. Deleting an already-deleted or
	// unknown cluster succeeds.
	SubmitDelete(ctx context.Context, handle types.ClusterHandle) error

	// Describe fetches the current cluster descriptor, used for endpoint
	// re-checks after the operation completes.
	Describe(ctx context.Context, handle types.ClusterHandle) (*ClusterDescriptor, error)
}
