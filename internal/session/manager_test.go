package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerIsLeaderOnlyForReplicaZero(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWALStorage(dir, 100)
	require.NoError(t, err)

	leader := NewManager(w, sumReducer, 0, 3)
	follower := NewManager(w, sumReducer, 1, 3)

	assert.True(t, leader.IsLeader(), "replica 0 should be leader")
	assert.False(t, follower.IsLeader(), "replica 1 should not be leader")
}

func TestTryToFlushOnlyLeaderAndOnlyWhenAllEOFCollected(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWALStorage(dir, 100)
	require.NoError(t, err)
	m := NewManager(w, sumReducer, 0, 2)

	s, err := m.GetOrInitialize("sess-1")
	require.NoError(t, err)
	flushed, err := m.TryToFlush(s)
	require.NoError(t, err)
	require.False(t, flushed, "should not flush before every WorkerEOF collected")

	s.RecordEOF("worker-0")
	s.RecordEOF("worker-1")
	flushed, err = m.TryToFlush(s)
	require.NoError(t, err)
	assert.True(t, flushed, "expected flush once both instances' EOF collected")
}

func TestTryToFlushNeverFlushesOnFollower(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWALStorage(dir, 100)
	require.NoError(t, err)
	m := NewManager(w, sumReducer, 1, 2)

	s, err := m.GetOrInitialize("sess-1")
	require.NoError(t, err)
	s.RecordEOF("worker-0")
	s.RecordEOF("worker-1")

	flushed, err := m.TryToFlush(s)
	require.NoError(t, err)
	assert.False(t, flushed, "follower must never flush, even with every EOF collected")
}

func TestLoadSessionsRecoversFromDisk(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWALStorage(dir, 100)
	require.NoError(t, err)
	seed := NewManager(w, sumReducer, 0, 1)
	s, err := seed.GetOrInitialize("sess-x")
	require.NoError(t, err)
	s.Stage("msg-1", Op{Type: OpAggregateItem, AmountDelta: 42})
	require.NoError(t, seed.Commit(s, "batch-1"))

	fresh := NewManager(w, sumReducer, 0, 1)
	require.NoError(t, fresh.LoadSessions())
	sessions := fresh.Sessions()
	require.Len(t, sessions, 1)
	got, _ := sessions[0].Storage.(float64)
	assert.Equal(t, 42.0, got)
}
