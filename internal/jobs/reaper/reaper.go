// Package reaper periodically sweeps persisted cluster handles whose session
// is no longer being managed. It covers the crash window between a session
// failing and its cluster being deleted, so no cluster is orphaned forever.
package reaper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/dataprochub/broker/internal/gateway"
	"github.com/dataprochub/broker/internal/persistence"
	"github.com/dataprochub/broker/internal/types"
)

// Registry answers whether a session still has a live orchestrator.
type Registry interface {
	IsLive(session types.SessionID) bool
}

// Manager handles the periodic cleanup of orphaned clusters
type Manager struct {
	store    persistence.Store
	gw       gateway.Gateway
	registry Registry

	intervalSecs int
	batchSize    int
	gracePeriod  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger
}

// NewManager creates a new reaper manager
func NewManager(
	store persistence.Store,
	gw gateway.Gateway,
	registry Registry,
	intervalSecs, batchSize int,
	gracePeriod time.Duration,
	logger *zap.Logger,
) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:        store,
		gw:           gw,
		registry:     registry,
		intervalSecs: intervalSecs,
		batchSize:    batchSize,
		gracePeriod:  gracePeriod,
		ctx:          ctx,
		cancel:       cancel,
		logger:       logger.Named("reaper"),
	}
}

// Start begins the reaper job in a goroutine
func (m *Manager) Start() {
	m.logger.Info("Starting orphan reaper",
		zap.Int("intervalSeconds", m.intervalSecs),
		zap.Int("batchSize", m.batchSize),
		zap.Duration("gracePeriod", m.gracePeriod))
	go m.run()
}

// Stop cancels the reaper job
func (m *Manager) Stop() {
	m.logger.Info("Stopping orphan reaper")
	m.cancel()
}

func (m *Manager) run() {
	ticker := time.NewTicker(time.Duration(m.intervalSecs) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			m.logger.Info("Orphan reaper shutting down")
			return
		case <-ticker.C:
			count, err := m.Sweep(m.ctx)
			if err != nil {
				m.logger.Error("Error during orphan sweep", zap.Error(err))
			} else if count > 0 {
				m.logger.Info("Orphan sweep completed", zap.Int("reapedCount", count))
			}
		}
	}
}

// Sweep deletes up to batchSize orphaned clusters and returns how many were
// reaped. A handle is orphaned when its session has no live orchestrator and
// the handle is older than the grace period; the grace period keeps the
// reaper from racing a broker that is still starting up or recovering.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	records, err := m.store.ListHandles(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-m.gracePeriod)
	reaped := 0
	for _, record := range records {
		if reaped >= m.batchSize {
			break
		}
		session := record.Handle.Session
		if m.registry.IsLive(session) {
			continue
		}
		if record.CreatedAt.After(cutoff) {
			continue
		}

		if err := m.gw.SubmitDelete(ctx, record.Handle); err != nil {
			// Best effort; the handle stays for the next sweep.
			m.logger.Warn("Failed to delete orphaned cluster",
				append(record.Handle.ZapFields(), zap.Error(err))...)
			continue
		}
		if err := m.store.DeleteHandle(ctx, session); err != nil {
			m.logger.Warn("Failed to remove reaped handle",
				session.ZapField(), zap.Error(err))
			continue
		}
		m.logger.Info("Reaped orphaned cluster", record.Handle.ZapFields()...)
		reaped++
	}
	return reaped, nil
}
