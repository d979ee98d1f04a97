// Package session implements per-session in-memory state, its
// write-ahead-logged persistence, and the session manager that ties
// lifecycle (create / flush / delete) to the EOF fan-in protocol.
package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/coffeeflow/engine/internal/domain"
)

// Session is the per-(stage replica, session_id) in-memory state described
// by spec.md §3. EOFCollected and MsgsReceived model the invariants: dedup
// membership and monotonic EOF growth.
type Session struct {
	ID             string
	EOFCollected   map[string]struct{}
	MsgsReceived   map[string]struct{}
	Storage        any
	PendingOps     []Op
	batchesSinceSnapshot int

	reducer Reducer
}

func newSession(id string, reducer Reducer) *Session {
	return &Session{
		ID:           id,
		EOFCollected: make(map[string]struct{}),
		MsgsReceived: make(map[string]struct{}),
		reducer:      reducer,
	}
}

// IsDuplicate reports whether msgID has already been applied to this
// session. Callers must check this before invoking the operator, per
// invariant 2.
func (s *Session) IsDuplicate(msgID string) bool {
	_, ok := s.MsgsReceived[msgID]
	return ok
}

// Stage records msgID as received and appends op to PendingOps, applying it
// to Storage immediately via the bound reducer. Ops are not durable until
// Commit is called.
func (s *Session) Stage(msgID string, ops ...Op) {
	s.PendingOps = append(s.PendingOps, Op{Type: OpSysMsg, MsgID: msgID})
	s.MsgsReceived[msgID] = struct{}{}
	for _, op := range ops {
		s.PendingOps = append(s.PendingOps, op)
		if !op.IsSystem() && s.reducer != nil {
			s.Storage = s.reducer(s.Storage, op)
		}
	}
}

// RecordEOF marks workerID as having signalled EOF for this session and
// stages the corresponding system op for durability.
func (s *Session) RecordEOF(workerID string) {
	s.EOFCollected[workerID] = struct{}{}
	s.PendingOps = append(s.PendingOps, Op{Type: OpSysEOF, WorkerID: workerID})
}

// snapshotDoc is the on-disk shape of a *.snapshot.json file.
type snapshotDoc struct {
	Storage      json.RawMessage `json:"storage"`
	EOFCollected []string        `json:"eof_collected"`
	MsgsReceived []string        `json:"msgs_received"`
}

// WALStorage persists sessions under one directory per worker: a
// <session_id>.snapshot.json and a <session_id>.wal per session.
// SnapshotEvery batches bounds WAL growth: after that many committed
// batches the runtime compacts to a fresh snapshot and truncates the WAL.
type WALStorage struct {
	dir           string
	snapshotEvery int
	logger        *slog.Logger

	mu    sync.Mutex
	files map[string]*os.File // session id -> open WAL file handle
}

// NewWALStorage prepares dir (creating it if needed) for WAL storage.
func NewWALStorage(dir string, snapshotEvery int) (*WALStorage, error) {
	if snapshotEvery <= 0 {
		snapshotEvery = 100
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("session: mkdir state dir: %w", err)
	}
	return &WALStorage{
		dir:           dir,
		snapshotEvery: snapshotEvery,
		logger:        slog.Default(),
		files:         make(map[string]*os.File),
	}, nil
}

func (w *WALStorage) snapshotPath(id string) string { return filepath.Join(w.dir, id+".snapshot.json") }
func (w *WALStorage) walPath(id string) string      { return filepath.Join(w.dir, id+".wal") }

// walFile returns the append-mode handle for id, opening it on first use.
func (w *WALStorage) walFile(id string) (*os.File, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if f, ok := w.files[id]; ok {
		return f, nil
	}
	f, err := os.OpenFile(w.walPath(id), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("session: open WAL: %w", err)
	}
	w.files[id] = f
	return f, nil
}

// New creates a fresh, empty in-memory session bound to reducer. It is not
// persisted until Commit is called.
func (w *WALStorage) New(id string, reducer Reducer) *Session {
	return newSession(id, reducer)
}

// Commit appends PendingOps plus a terminating __sys_commit{batchID} marker
// to the session's WAL, fsyncs, and clears PendingOps. This is the boundary
// the worker base calls between "operator applied the batch" and "ack the
// input message" (§4.C write protocol, step 2).
func (w *WALStorage) Commit(s *Session, batchID string) error {
	f, err := w.walFile(s.ID)
	if err != nil {
		return err
	}
	buf := bufio.NewWriter(f)
	for _, op := range s.PendingOps {
		line, err := json.Marshal(op)
		if err != nil {
			return fmt.Errorf("session: marshal op: %w", err)
		}
		if _, err := buf.Write(line); err != nil {
			return fmt.Errorf("session: write WAL line: %w", err)
		}
		if err := buf.WriteByte('\n'); err != nil {
			return err
		}
	}
	commit, _ := json.Marshal(Op{Type: OpSysCommit, BatchID: batchID})
	if _, err := buf.Write(commit); err != nil {
		return fmt.Errorf("session: write commit marker: %w", err)
	}
	if err := buf.WriteByte('\n'); err != nil {
		return err
	}
	if err := buf.Flush(); err != nil {
		return fmt.Errorf("session: flush WAL: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("session: fsync WAL: %w", err)
	}
	s.PendingOps = nil
	s.batchesSinceSnapshot++

	if s.batchesSinceSnapshot >= w.snapshotEvery {
		if err := w.compact(s); err != nil {
			w.logger.Warn("action: compaction_failed", slog.String("session", s.ID), slog.Any("error", err))
		}
	}
	return nil
}

// compact serializes current state to a fresh snapshot (atomically, via
// temp file + fsync + rename) and truncates the WAL to zero length.
// Because the rename happens before truncation, a crash between the two
// leaves the WAL non-empty but the snapshot already valid; Recover then
// skips the operator ops of every WAL batch whose message ID the snapshot
// already records, so those batches are not applied twice.
func (w *WALStorage) compact(s *Session) error {
	if err := w.writeSnapshot(s); err != nil {
		return err
	}
	w.mu.Lock()
	f, ok := w.files[s.ID]
	w.mu.Unlock()
	if ok {
		if err := f.Truncate(0); err != nil {
			return fmt.Errorf("session: truncate WAL: %w", err)
		}
		if _, err := f.Seek(0, 0); err != nil {
			return fmt.Errorf("session: seek WAL: %w", err)
		}
	}
	s.batchesSinceSnapshot = 0
	w.logger.Info("action: compacted", slog.String("session", s.ID))
	return nil
}

func (w *WALStorage) writeSnapshot(s *Session) error {
	storageJSON, err := json.Marshal(s.Storage)
	if err != nil {
		return fmt.Errorf("session: marshal storage: %w", err)
	}
	doc := snapshotDoc{
		Storage:      storageJSON,
		EOFCollected: keys(s.EOFCollected),
		MsgsReceived: keys(s.MsgsReceived),
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("session: marshal snapshot: %w", err)
	}
	tmp := w.snapshotPath(s.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("session: write snapshot tmp: %w", err)
	}
	f, err := os.OpenFile(tmp, os.O_WRONLY, 0o644)
	if err == nil {
		_ = f.Sync()
		_ = f.Close()
	}
	if err := os.Rename(tmp, w.snapshotPath(s.ID)); err != nil {
		return fmt.Errorf("session: rename snapshot: %w", err)
	}
	return nil
}

func keys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// Recover loads session id from disk: snapshot (or empty state if absent)
// replayed with every commit-terminated batch from the WAL. A trailing
// uncommitted batch is discarded with a warning; corrupt JSON lines are
// skipped with a warning rather than aborting recovery.
func (w *WALStorage) Recover(id string, reducer Reducer) (*Session, error) {
	s := newSession(id, reducer)

	if data, err := os.ReadFile(w.snapshotPath(id)); err == nil {
		var doc snapshotDoc
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("%w: session %s: snapshot: %v", domain.ErrWALCorrupt, id, err)
		}
		if len(doc.Storage) > 0 {
			if err := json.Unmarshal(doc.Storage, &s.Storage); err != nil {
				return nil, fmt.Errorf("%w: session %s: snapshot storage: %v", domain.ErrWALCorrupt, id, err)
			}
		}
		for _, m := range doc.MsgsReceived {
			s.MsgsReceived[m] = struct{}{}
		}
		for _, e := range doc.EOFCollected {
			s.EOFCollected[e] = struct{}{}
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("session: read snapshot: %w", err)
	}
	snapshotMsgs := make(map[string]struct{}, len(s.MsgsReceived))
	for m := range s.MsgsReceived {
		snapshotMsgs[m] = struct{}{}
	}

	walData, err := os.ReadFile(w.walPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("session: read WAL: %w", err)
	}

	var pending []Op
	lines := splitLines(walData)
	for _, line := range lines {
		if len(line) == 0 {
			continue
		}
		var op Op
		if err := json.Unmarshal(line, &op); err != nil {
			w.logger.Warn("action: wal_corrupt_line_skipped", slog.String("session", id), slog.Any("error", err))
			continue
		}
		if op.Type == OpSysCommit {
			inSnapshot := false
			for _, p := range pending {
				if _, ok := snapshotMsgs[p.MsgID]; ok && p.Type == OpSysMsg {
					inSnapshot = true
				}
			}
			for _, p := range pending {
				if !inSnapshot || p.IsSystem() {
					s.applyRecovered(p)
				}
			}
			pending = nil
			continue
		}
		pending = append(pending, op)
	}
	if len(pending) > 0 {
		w.logger.Warn("action: wal_trailing_uncommitted_discarded", slog.String("session", id), slog.Int("ops", len(pending)))
	}
	return s, nil
}

func (s *Session) applyRecovered(op Op) {
	switch op.Type {
	case OpSysMsg:
		s.MsgsReceived[op.MsgID] = struct{}{}
	case OpSysEOF:
		s.EOFCollected[op.WorkerID] = struct{}{}
	default:
		if s.reducer != nil {
			s.Storage = s.reducer(s.Storage, op)
		}
	}
}

func splitLines(data []byte) [][]byte {
	var out [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			out = append(out, data[start:i])
			start = i + 1
		}
	}
	if start < len(data) {
		out = append(out, data[start:])
	}
	return out
}

// Delete removes both the snapshot and WAL file for id, closing any open
// handle first. Called after a successful flush: "no snapshot or WAL file
// remains on disk" is a universal invariant (spec.md §8).
func (w *WALStorage) Delete(id string) error {
	w.mu.Lock()
	if f, ok := w.files[id]; ok {
		_ = f.Close()
		delete(w.files, id)
	}
	w.mu.Unlock()

	var firstErr error
	if err := os.Remove(w.snapshotPath(id)); err != nil && !os.IsNotExist(err) {
		firstErr = err
	}
	if err := os.Remove(w.walPath(id)); err != nil && !os.IsNotExist(err) {
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ListSessionIDs scans dir for session ids with a snapshot and/or WAL file,
// used by LoadSessions on startup.
func (w *WALStorage) ListSessionIDs() ([]string, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, fmt.Errorf("session: read state dir: %w", err)
	}
	seen := make(map[string]struct{})
	for _, e := range entries {
		name := e.Name()
		switch {
		case len(name) > len(".snapshot.json") && name[len(name)-len(".snapshot.json"):] == ".snapshot.json":
			seen[name[:len(name)-len(".snapshot.json")]] = struct{}{}
		case len(name) > len(".wal") && name[len(name)-len(".wal"):] == ".wal":
			seen[name[:len(name)-len(".wal")]] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	return out, nil
}
