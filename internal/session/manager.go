package session

import (
	"fmt"
	"log/slog"
	"sync"
)

// Manager owns the set of live sessions for one stage replica and the
// WALStorage backing them. It is the only place that decides whether a
// session is flushable: instances == 1 means every session is its own
// leader; instances > 1 means only replica 0 ever emits downstream EOF or
// deletes WAL state (§4.E leader-based fan-in).
type Manager struct {
	storage   *WALStorage
	reducer   Reducer
	replicaID int
	instances int
	logger    *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager constructs a Manager bound to storage. replicaID is this
// replica's 0-based index among instances total replicas of the stage.
func NewManager(storage *WALStorage, reducer Reducer, replicaID, instances int) *Manager {
	return &Manager{
		storage:   storage,
		reducer:   reducer,
		replicaID: replicaID,
		instances: instances,
		logger:    slog.Default(),
		sessions:  make(map[string]*Session),
	}
}

// IsLeader reports whether this replica is the one responsible for
// collecting WorkerEOF and emitting the single downstream EOF per session.
func (m *Manager) IsLeader() bool { return m.replicaID == 0 }

// GetOrInitialize returns the in-memory session for id, recovering it from
// disk (snapshot + WAL replay) on first reference by this process.
func (m *Manager) GetOrInitialize(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		return s, nil
	}
	s, err := m.storage.Recover(id, m.reducer)
	if err != nil {
		return nil, fmt.Errorf("session: recover %s: %w", id, err)
	}
	m.sessions[id] = s
	return s, nil
}

// Commit durably persists the session's pending ops as batchID, via the
// bound WALStorage.
func (m *Manager) Commit(s *Session, batchID string) error {
	return m.storage.Commit(s, batchID)
}

// IsFlushable reports whether every expected worker's EOF has been
// collected for this session, i.e. whether the leader may emit the single
// downstream EOF and discard the session's state. Only meaningful for the
// leader replica; followers just forward WorkerEOF and never flush.
func (s *Session) IsFlushable(instances int) bool {
	return len(s.EOFCollected) >= instances
}

// TryToFlush checks whether s is ready to flush (leader, and every
// instance's WorkerEOF collected) and, if so, removes it from the live set
// and deletes its WAL state. It returns flushed=true when the caller should
// now emit the downstream EOF.
func (m *Manager) TryToFlush(s *Session) (flushed bool, err error) {
	if !m.IsLeader() {
		return false, nil
	}
	if !s.IsFlushable(m.instances) {
		return false, nil
	}
	m.mu.Lock()
	delete(m.sessions, s.ID)
	m.mu.Unlock()

	if err := m.storage.Delete(s.ID); err != nil {
		m.logger.Warn("action: session_delete_failed", slog.String("session", s.ID), slog.Any("error", err))
		return true, fmt.Errorf("session: delete %s: %w", s.ID, err)
	}
	m.logger.Info("action: session_flushed", slog.String("session", s.ID))
	return true, nil
}

// LoadSessions recovers every session with state on disk into memory, for
// use at worker startup so that in-flight sessions survive a restart.
func (m *Manager) LoadSessions() error {
	ids, err := m.storage.ListSessionIDs()
	if err != nil {
		return fmt.Errorf("session: list sessions: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		s, err := m.storage.Recover(id, m.reducer)
		if err != nil {
			m.logger.Warn("action: session_recover_failed", slog.String("session", id), slog.Any("error", err))
			continue
		}
		m.sessions[id] = s
	}
	return nil
}

// Sessions returns a snapshot slice of the currently live sessions, for
// diagnostics and graceful-shutdown persistence checks.
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}
