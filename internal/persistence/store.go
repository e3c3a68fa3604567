// Package persistence stores the session-to-cluster-handle mapping, the only
// state that must survive a broker restart. In-flight sessions are recovered
// from it by re-entering polling instead of resubmitting creation.
package persistence

import (
	"context"
	"time"

	"github.com/dataprochub/broker/internal/types"
)

// Record is one persisted session handle. CreatedAt feeds the orphan
// reaper's grace period.
type Record struct {
	Handle    types.ClusterHandle `json:"handle"`
	CreatedAt time.Time           `json:"createdAt"`
}

// Store defines the interface for the session handle store
type Store interface {
	// PutHandle stores the handle for a session, overwriting any previous
	// record for the same session.
	PutHandle(ctx context.Context, record Record) error

	// GetHandle returns the record for a session, or ErrNotFound.
	GetHandle(ctx context.Context, session types.SessionID) (Record, error)

	// DeleteHandle removes the record for a session. Deleting an absent
	// record is not an error.
	DeleteHandle(ctx context.Context, session types.SessionID) error

	// ListHandles returns all persisted records, for restart recovery and
	// the orphan reaper.
	ListHandles(ctx context.Context) ([]Record, error)

	// Close cleans up resources used by the store
	Close() error
}
