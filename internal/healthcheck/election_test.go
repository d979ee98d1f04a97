package healthcheck

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeSender struct {
	mu          sync.Mutex
	elections   []int
	oks         []int
	coordinator int
}

func (f *fakeSender) SendElection(peerID int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.elections = append(f.elections, peerID)
}

func (f *fakeSender) SendOK(peerID int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.oks = append(f.oks, peerID)
}

func (f *fakeSender) SendCoordinator() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.coordinator++
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLowestIDBecomesLeaderImmediately(t *testing.T) {
	sender := &fakeSender{}
	e := NewElection(0, 3, 50*time.Millisecond, 50*time.Millisecond, sender, testLogger(), nil)
	e.StartElection()

	assert.True(t, e.AmILeader(), "expected replica 0 (lowest of 0,1,2) to self-elect immediately")
	assert.Equal(t, 1, sender.coordinator, "expected exactly one COORDINATOR broadcast")
}

func TestHigherIDBecomesLeaderWhenNoOneAnswers(t *testing.T) {
	sender := &fakeSender{}
	e := NewElection(2, 3, 20*time.Millisecond, 20*time.Millisecond, sender, testLogger(), nil)
	e.StartElection()

	time.Sleep(100 * time.Millisecond)
	assert.True(t, e.AmILeader(), "expected replica 2 to become leader after lower peers time out")
}

func TestHandleElectionFromHigherIDRepliesOKAndStartsOwnElection(t *testing.T) {
	sender := &fakeSender{}
	e := NewElection(1, 3, 50*time.Millisecond, 50*time.Millisecond, sender, testLogger(), nil)
	e.HandleElection(2)

	sender.mu.Lock()
	oks := append([]int{}, sender.oks...)
	elections := append([]int{}, sender.elections...)
	sender.mu.Unlock()
	assert.Equal(t, []int{2}, oks, "expected an OK sent back to replica 2")
	assert.Equal(t, []int{0}, elections, "expected replica 1 to start its own election against lower peer 0")
}

func TestHandleCoordinatorSetsLeaderAndFollowerState(t *testing.T) {
	sender := &fakeSender{}
	e := NewElection(0, 3, 50*time.Millisecond, 50*time.Millisecond, sender, testLogger(), nil)
	e.HandleCoordinator(2)

	assert.False(t, e.AmILeader(), "expected follower state after receiving COORDINATOR")
	assert.Equal(t, 2, e.CurrentLeader())
}
