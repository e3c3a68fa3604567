// Package service is the host-facing session manager: it enforces
// one-orchestrator-per-session, persists cluster handles, and recovers
// in-flight sessions after a restart.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dataprochub/broker/internal/orchestrator"
	"github.com/dataprochub/broker/internal/persistence"
	"github.com/dataprochub/broker/internal/resolver"
	"github.com/dataprochub/broker/internal/types"
)

// Common errors for session management
var (
	// ErrAlreadyInProgress rejects a second concurrent request for a
	// session that already has a live orchestrator.
	ErrAlreadyInProgress = errors.New("session is already in progress")

	// ErrSessionNotFound is returned for status queries on unknown sessions
	ErrSessionNotFound = errors.New("session not found")
)

// BrokerConfig carries the request defaults applied to every spawn.
type BrokerConfig struct {
	// DefaultConfigLocations are template URIs loaded before the
	// request's own, so administrators can enforce base configuration.
	DefaultConfigLocations []string

	// NamePattern generates cluster names when a request does not carry
	// its own pattern.
	NamePattern string
}

// finishedRetention caps how many terminal snapshots are kept around for
// status queries after a session's orchestrator is gone. Oldest first out.
const finishedRetention = 256

// Broker manages the session registry. All methods are safe for concurrent
// use; only one live orchestrator ever exists per session identifier.
type Broker struct {
	factory *orchestrator.Factory
	store   persistence.Store
	cfg     BrokerConfig
	logger  *zap.Logger

	mu       sync.Mutex
	sessions map[types.SessionID]*sessionEntry

	// finished holds the last event of terminal sessions, so a host that
	// polls after the stream closed still sees the failure kind and message
	// instead of a not-found.
	finished      map[types.SessionID]orchestrator.Event
	finishedOrder []types.SessionID
}

// sessionEntry tracks one live orchestrator and its event subscribers.
type sessionEntry struct {
	orch   *orchestrator.Orchestrator
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	subs    map[int]chan orchestrator.Event
	nextSub int
	closed  bool
}

// NewBroker creates a session broker.
func NewBroker(factory *orchestrator.Factory, store persistence.Store, cfg BrokerConfig, logger *zap.Logger) *Broker {
	return &Broker{
		factory:  factory,
		store:    store,
		cfg:      cfg,
		logger:   logger.Named("broker"),
		sessions: make(map[types.SessionID]*sessionEntry),
		finished: make(map[types.SessionID]orchestrator.Event),
	}
}

// Start accepts a spawn request and launches its orchestrator. The returned
// event is the session's initial state; progress flows through Subscribe.
// The spawn continues after the caller's request context ends.
func (b *Broker) Start(ctx context.Context, req resolver.SpawnRequest) (orchestrator.Event, error) {
	if !req.Session.IsValid() {
		return orchestrator.Event{}, types.ErrEmptyID
	}
	req = b.applyDefaults(req)

	b.mu.Lock()
	if entry, ok := b.sessions[req.Session]; ok {
		if !entry.orch.State().Terminal() {
			b.mu.Unlock()
			return orchestrator.Event{}, fmt.Errorf("%w: %s", ErrAlreadyInProgress, req.Session)
		}
		// A finished entry that was not pruned yet; replace it.
		delete(b.sessions, req.Session)
	}
	// A fresh run supersedes any retained terminal snapshot.
	b.forgetFinishedLocked(req.Session)

	orch := b.factory.Spawn(req, b.persistHandle)
	b.launchLocked(orch)
	b.mu.Unlock()

	b.logger.Info("Session accepted", req.Session.ZapField())
	return orch.Snapshot(), nil
}

// Stop requests teardown for a session. Stopping an unknown or already
// stopped session succeeds, so the host can retry deletes freely. A
// persisted handle without a live orchestrator (left over from a previous
// process) gets a recovery orchestrator solely to drive its teardown.
func (b *Broker) Stop(ctx context.Context, session types.SessionID) error {
	b.mu.Lock()
	if entry, ok := b.sessions[session]; ok {
		b.mu.Unlock()
		entry.orch.Stop()
		return nil
	}
	b.mu.Unlock()

	record, err := b.store.GetHandle(ctx, session)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to look up session %s: %w", session, err)
	}

	b.mu.Lock()
	orch := b.factory.Recover(record.Handle, b.persistHandle)
	entry := b.launchLocked(orch)
	b.mu.Unlock()

	entry.orch.Stop()
	return nil
}

// CurrentState returns the session's latest lifecycle snapshot. Terminal
// sessions remain queryable after their orchestrator is pruned.
func (b *Broker) CurrentState(session types.SessionID) (orchestrator.Event, error) {
	b.mu.Lock()
	entry, ok := b.sessions[session]
	if !ok {
		ev, done := b.finished[session]
		b.mu.Unlock()
		if done {
			return ev, nil
		}
		return orchestrator.Event{}, fmt.Errorf("%w: %s", ErrSessionNotFound, session)
	}
	b.mu.Unlock()
	return entry.orch.Snapshot(), nil
}

// IsLive reports whether the session has a non-terminal orchestrator. The
// orphan reaper uses it to spare clusters that are still being managed.
func (b *Broker) IsLive(session types.SessionID) bool {
	b.mu.Lock()
	entry, ok := b.sessions[session]
	b.mu.Unlock()
	return ok && !entry.orch.State().Terminal()
}

// Subscribe returns a channel of lifecycle events for the session, starting
// with its current state. The returned cancel function must be called when
// the consumer is done. For a session that already finished the stream
// carries its terminal event and then ends.
func (b *Broker) Subscribe(session types.SessionID) (<-chan orchestrator.Event, func(), error) {
	b.mu.Lock()
	entry, ok := b.sessions[session]
	if !ok {
		ev, done := b.finished[session]
		b.mu.Unlock()
		if done {
			ch := make(chan orchestrator.Event, 1)
			ch <- ev
			close(ch)
			return ch, func() {}, nil
		}
		return nil, nil, fmt.Errorf("%w: %s", ErrSessionNotFound, session)
	}
	b.mu.Unlock()
	ch, cancel := entry.subscribe()
	return ch, cancel, nil
}

// Recover re-attaches orchestrators to every persisted handle. It never
// resubmits creation, so a restart cannot double-provision a session.
func (b *Broker) Recover(ctx context.Context) error {
	records, err := b.store.ListHandles(ctx)
	if err != nil {
		return fmt.Errorf("failed to list persisted handles: %w", err)
	}

	recovered := 0
	b.mu.Lock()
	for _, record := range records {
		session := record.Handle.Session
		if _, ok := b.sessions[session]; ok {
			continue
		}
		orch := b.factory.Recover(record.Handle, b.persistHandle)
		b.launchLocked(orch)
		recovered++
	}
	b.mu.Unlock()

	if recovered > 0 {
		b.logger.Info("Recovered in-flight sessions", zap.Int("count", recovered))
	}
	return nil
}

// Shutdown cancels all orchestrators without tearing down their clusters;
// they are re-attached on the next start.
func (b *Broker) Shutdown() {
	b.mu.Lock()
	entries := make([]*sessionEntry, 0, len(b.sessions))
	for _, entry := range b.sessions {
		entries = append(entries, entry)
	}
	b.mu.Unlock()

	for _, entry := range entries {
		entry.cancel()
		<-entry.done
	}
}

// launchLocked registers and starts an orchestrator. Callers hold b.mu.
func (b *Broker) launchLocked(orch *orchestrator.Orchestrator) *sessionEntry {
	runCtx, cancel := context.WithCancel(context.Background())
	entry := &sessionEntry{
		orch:   orch,
		cancel: cancel,
		done:   make(chan struct{}),
		subs:   make(map[int]chan orchestrator.Event),
	}
	b.sessions[orch.Session()] = entry

	go orch.Run(runCtx)
	go b.watch(entry)
	return entry
}

// watch fans events out to subscribers and finalizes the session when the
// orchestrator's stream ends.
func (b *Broker) watch(entry *sessionEntry) {
	defer close(entry.done)

	for ev := range entry.orch.Events() {
		entry.broadcast(ev)
	}
	entry.closeSubs()
	b.finalize(entry.orch)
}

// finalize prunes the registry for terminal sessions. A stopped session's
// handle is removed from the store; a failed session keeps its handle so
// the orphan reaper can retry cleanup of whatever the provider still holds.
func (b *Broker) finalize(orch *orchestrator.Orchestrator) {
	session := orch.Session()
	state := orch.State()
	if !state.Terminal() {
		// Abandoned at shutdown; leave everything for recovery.
		return
	}

	b.mu.Lock()
	if entry, ok := b.sessions[session]; ok && entry.orch == orch {
		delete(b.sessions, session)
		b.rememberFinishedLocked(orch.Snapshot())
	}
	b.mu.Unlock()

	if state == orchestrator.StateStopped {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := b.store.DeleteHandle(ctx, session); err != nil {
			b.logger.Error("Failed to remove stopped session handle",
				session.ZapField(), zap.Error(err))
		}
	}
}

// rememberFinishedLocked retains a terminal snapshot, evicting the oldest
// one past the retention cap. Callers hold b.mu.
func (b *Broker) rememberFinishedLocked(ev orchestrator.Event) {
	if _, ok := b.finished[ev.Session]; !ok {
		b.finishedOrder = append(b.finishedOrder, ev.Session)
		if len(b.finishedOrder) > finishedRetention {
			delete(b.finished, b.finishedOrder[0])
			b.finishedOrder = b.finishedOrder[1:]
		}
	}
	b.finished[ev.Session] = ev
}

// forgetFinishedLocked drops a retained terminal snapshot. Callers hold b.mu.
func (b *Broker) forgetFinishedLocked(session types.SessionID) {
	if _, ok := b.finished[session]; !ok {
		return
	}
	delete(b.finished, session)
	for i, s := range b.finishedOrder {
		if s == session {
			b.finishedOrder = append(b.finishedOrder[:i], b.finishedOrder[i+1:]...)
			break
		}
	}
}

func (b *Broker) persistHandle(ctx context.Context, handle types.ClusterHandle) error {
	return b.store.PutHandle(ctx, persistence.Record{
		Handle:    handle,
		CreatedAt: time.Now(),
	})
}

func (b *Broker) applyDefaults(req resolver.SpawnRequest) resolver.SpawnRequest {
	if len(b.cfg.DefaultConfigLocations) > 0 {
		req.ConfigLocations = append(
			append([]string{}, b.cfg.DefaultConfigLocations...),
			req.ConfigLocations...)
	}
	if req.NamePattern == "" {
		req.NamePattern = b.cfg.NamePattern
	}
	return req
}

func (e *sessionEntry) subscribe() (chan orchestrator.Event, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ch := make(chan orchestrator.Event, 32)
	// Prime with the current state so late subscribers see where the
	// session stands.
	ch <- e.orch.Snapshot()
	if e.closed {
		close(ch)
		return ch, func() {}
	}

	id := e.nextSub
	e.nextSub++
	e.subs[id] = ch
	return ch, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if sub, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(sub)
		}
	}
}

func (e *sessionEntry) broadcast(ev orchestrator.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, sub := range e.subs {
		select {
		case sub <- ev:
		default:
			// Slow subscriber; it can re-query the current state.
		}
	}
}

func (e *sessionEntry) closeSubs() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	for id, sub := range e.subs {
		delete(e.subs, id)
		close(sub)
	}
}
