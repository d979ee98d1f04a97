package session

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sumReducer(storage any, op Op) any {
	total, _ := storage.(float64)
	if op.Type == OpAggregateItem {
		total += op.AmountDelta
	}
	return total
}

func TestCommitAppendsThreeLinesPerBatch(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWALStorage(dir, 100)
	require.NoError(t, err)
	s := w.New("sess-1", sumReducer)
	s.Stage("msg-1", Op{Type: OpAggregateItem, AmountDelta: 10})
	require.NoError(t, w.Commit(s, "batch-1"))
	s.Stage("msg-2", Op{Type: OpAggregateItem, AmountDelta: 5})
	require.NoError(t, w.Commit(s, "batch-2"))

	data, err := os.ReadFile(filepath.Join(dir, "sess-1.wal"))
	require.NoError(t, err)
	lines := splitLines(data)
	var nonEmpty int
	for _, l := range lines {
		if len(l) > 0 {
			nonEmpty++
		}
	}
	// each batch: 1 sys_msg + 1 op + 1 commit = 3 lines; two batches = 6
	assert.Equal(t, 6, nonEmpty, "expected 6 WAL lines for 2 batches")
}

func TestRecoverReplaysCommittedBatches(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWALStorage(dir, 100)
	require.NoError(t, err)
	s := w.New("sess-2", sumReducer)
	s.Stage("msg-1", Op{Type: OpAggregateItem, AmountDelta: 10})
	require.NoError(t, w.Commit(s, "batch-1"))
	s.Stage("msg-2", Op{Type: OpAggregateItem, AmountDelta: 7})
	require.NoError(t, w.Commit(s, "batch-2"))

	recovered, err := w.Recover("sess-2", sumReducer)
	require.NoError(t, err)
	got, _ := recovered.Storage.(float64)
	assert.Equal(t, 17.0, got)
	assert.True(t, recovered.IsDuplicate("msg-1"))
	assert.True(t, recovered.IsDuplicate("msg-2"))
}

func TestRecoverDiscardsTrailingUncommittedBatch(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWALStorage(dir, 100)
	require.NoError(t, err)
	s := w.New("sess-3", sumReducer)
	s.Stage("msg-1", Op{Type: OpAggregateItem, AmountDelta: 10})
	require.NoError(t, w.Commit(s, "batch-1"))

	// simulate a crash mid-batch: append ops with no trailing commit marker
	f, err := os.OpenFile(filepath.Join(dir, "sess-3.wal"), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"type":"__sys_msg","msg_id":"msg-2"}` + "\n")
	require.NoError(t, err)
	_, err = f.WriteString(`{"type":"aggregate_item","amount_delta":99}` + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	recovered, err := w.Recover("sess-3", sumReducer)
	require.NoError(t, err)
	got, _ := recovered.Storage.(float64)
	assert.Equal(t, 10.0, got, "expected trailing uncommitted batch discarded")
	assert.False(t, recovered.IsDuplicate("msg-2"), "uncommitted msg-2 should not be marked received")
}

func TestRecoverSkipsCorruptLines(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWALStorage(dir, 100)
	require.NoError(t, err)
	s := w.New("sess-4", sumReducer)
	s.Stage("msg-1", Op{Type: OpAggregateItem, AmountDelta: 3})
	require.NoError(t, w.Commit(s, "batch-1"))

	f, err := os.OpenFile(filepath.Join(dir, "sess-4.wal"), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("not json at all\n")
	require.NoError(t, err)
	_, err = f.WriteString(`{"type":"__sys_msg","msg_id":"msg-2"}` + "\n")
	require.NoError(t, err)
	_, err = f.WriteString(`{"type":"aggregate_item","amount_delta":4}` + "\n")
	require.NoError(t, err)
	_, err = f.WriteString(`{"type":"__sys_commit","batch_id":"batch-2"}` + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	recovered, err := w.Recover("sess-4", sumReducer)
	require.NoError(t, err, "expected corrupt line to be skipped, not fatal")
	got, _ := recovered.Storage.(float64)
	assert.Equal(t, 7.0, got, "expected 3+4=7 after skipping corrupt line")
}

func TestCompactionTruncatesWALAndWritesSnapshot(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWALStorage(dir, 2)
	require.NoError(t, err)
	s := w.New("sess-5", sumReducer)

	s.Stage("msg-1", Op{Type: OpAggregateItem, AmountDelta: 1})
	require.NoError(t, w.Commit(s, "batch-1"))
	s.Stage("msg-2", Op{Type: OpAggregateItem, AmountDelta: 2})
	require.NoError(t, w.Commit(s, "batch-2")) // triggers compaction at snapshotEvery=2

	_, err = os.Stat(filepath.Join(dir, "sess-5.snapshot.json"))
	require.NoError(t, err, "expected snapshot to exist after compaction")
	data, err := os.ReadFile(filepath.Join(dir, "sess-5.wal"))
	require.NoError(t, err)
	assert.Empty(t, data, "expected WAL truncated to zero length after compaction")

	recovered, err := w.Recover("sess-5", sumReducer)
	require.NoError(t, err)
	got, _ := recovered.Storage.(float64)
	assert.Equal(t, 3.0, got, "expected recovered storage 3 from snapshot")
}

func TestDeleteRemovesSnapshotAndWAL(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWALStorage(dir, 100)
	require.NoError(t, err)
	s := w.New("sess-6", sumReducer)
	s.Stage("msg-1", Op{Type: OpAggregateItem, AmountDelta: 1})
	require.NoError(t, w.Commit(s, "batch-1"))

	require.NoError(t, w.Delete("sess-6"))
	_, err = os.Stat(filepath.Join(dir, "sess-6.wal"))
	assert.True(t, os.IsNotExist(err), "expected WAL removed, stat err=%v", err)
}

func TestDuplicateMessageNotReapplied(t *testing.T) {
	s := newSession("sess-7", sumReducer)
	require.False(t, s.IsDuplicate("msg-1"), "fresh session should not report duplicates")
	s.Stage("msg-1", Op{Type: OpAggregateItem, AmountDelta: 5})
	assert.True(t, s.IsDuplicate("msg-1"), "expected msg-1 to be marked received after Stage")
}
