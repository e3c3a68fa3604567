// Package orchestrator drives one session's cluster through its lifecycle:
// resolve configuration, submit creation, poll until the cluster settles,
// resolve an endpoint, and tear down on stop or timeout.
package orchestrator

import (
	"encoding/json"
	"time"

	"github.com/dataprochub/broker/internal/endpoint"
	"github.com/dataprochub/broker/internal/types"
)

// State is the lifecycle state of a session.
type State int

const (
	StateCreated State = iota
	StateResolving
	StateSubmitting
	StatePolling
	StateReady
	StateFailed
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateResolving:
		return "RESOLVING"
	case StateSubmitting:
		return "SUBMITTING"
	case StatePolling:
		return "POLLING"
	case StateReady:
		return "READY"
	case StateFailed:
		return "FAILED"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether the session can make no further progress. Ready
// is not terminal: a ready session still accepts a stop.
func (s State) Terminal() bool {
	return s == StateFailed || s == StateStopped
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// FailureKind names the class of a terminal session failure.
type FailureKind string

const (
	FailSourceUnavailable   FailureKind = "SourceUnavailable"
	FailMalformedDocument   FailureKind = "MalformedDocument"
	FailInvalidSpec         FailureKind = "InvalidSpec"
	FailQuotaExceeded       FailureKind = "QuotaExceeded"
	FailPermissionDenied    FailureKind = "PermissionDenied"
	FailNameCollision       FailureKind = "NameCollision"
	FailProvisioningTimeout FailureKind = "ProvisioningTimeout"
	FailClusterError        FailureKind = "ClusterError"
	FailInternal            FailureKind = "InternalError"
)

// ErrorInfo is the typed failure surfaced to the host, with the originating
// detail preserved.
type ErrorInfo struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
}

// Event is one observed lifecycle transition.
type Event struct {
	Session  types.SessionID      `json:"session"`
	State    State                `json:"state"`
	Detail   string               `json:"detail,omitempty"`
	Endpoint *endpoint.Descriptor `json:"endpoint,omitempty"`
	Err      *ErrorInfo           `json:"error,omitempty"`
	Time     time.Time            `json:"time"`
}
