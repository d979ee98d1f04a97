package healthcheck

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// State is one of the three Bully election states a replica can be in.
type State string

const (
	StateFollower State = "follower"
	StateElecting State = "electing"
	StateLeader   State = "leader"
)

// peerSender is the subset of *PeerClient the election state machine needs,
// narrowed to an interface so tests can fake it.
type peerSender interface {
	SendElection(peerID int)
	SendOK(peerID int)
	SendCoordinator()
}

// electionMetrics is the narrow metrics surface Election updates.
type electionMetrics interface {
	IncElectionsStarted()
	IncTransition(state string)
}

// Election implements the lowest-ID-wins Bully variant: the replica with the
// lowest alive ID is always elected leader. A replica that starts an
// election messages every lower-ID peer; if none answers within
// electionTimeout, it declares itself leader. If one answers, it waits
// coordinatorTimeout for a COORDINATOR announcement before trying again.
type Election struct {
	myID     int
	replicas int

	electionTimeout    time.Duration
	coordinatorTimeout time.Duration

	sender  peerSender
	logger  *slog.Logger
	metrics electionMetrics

	mu            sync.Mutex
	state         State
	currentLeader int // -1 means unknown
	epoch         int // invalidates stale timer callbacks from a prior election
	okReceived    bool
}

// NewElection returns a follower with no known leader.
func NewElection(myID, replicas int, electionTimeout, coordinatorTimeout time.Duration, sender peerSender, logger *slog.Logger, metrics electionMetrics) *Election {
	return &Election{
		myID:               myID,
		replicas:           replicas,
		electionTimeout:    electionTimeout,
		coordinatorTimeout: coordinatorTimeout,
		sender:             sender,
		logger:             logger,
		metrics:            metrics,
		state:              StateFollower,
		currentLeader:      -1,
	}
}

// AmILeader reports whether this replica currently believes itself leader.
func (e *Election) AmILeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == StateLeader
}

// CurrentLeader returns the last known leader ID, or -1 if none yet.
func (e *Election) CurrentLeader() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentLeader
}

// StartElection begins a new election round. Safe to call repeatedly (e.g.
// from a leader-liveness monitor) — a new call supersedes any election
// already in flight via the epoch counter.
func (e *Election) StartElection() {
	e.mu.Lock()
	e.epoch++
	epoch := e.epoch
	e.state = StateElecting
	e.okReceived = false
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.IncElectionsStarted()
		e.metrics.IncTransition(string(StateElecting))
	}
	e.logger.Info("action: election_start", slog.Int("replica_id", e.myID))

	lower := e.lowerPeers()
	if len(lower) == 0 {
		e.becomeLeader(epoch)
		return
	}
	for _, peerID := range lower {
		e.sender.SendElection(peerID)
	}
	go e.awaitElectionTimeout(epoch)
}

func (e *Election) lowerPeers() []int {
	var ids []int
	for id := 0; id < e.myID; id++ {
		ids = append(ids, id)
	}
	return ids
}

func (e *Election) awaitElectionTimeout(epoch int) {
	time.Sleep(e.electionTimeout)
	e.mu.Lock()
	if e.epoch != epoch || e.state != StateElecting {
		e.mu.Unlock()
		return
	}
	if e.okReceived {
		e.mu.Unlock()
		go e.awaitCoordinatorTimeout(epoch)
		return
	}
	e.mu.Unlock()
	e.becomeLeader(epoch)
}

func (e *Election) awaitCoordinatorTimeout(epoch int) {
	time.Sleep(e.coordinatorTimeout)
	e.mu.Lock()
	stillElecting := e.epoch == epoch && e.state == StateElecting
	e.mu.Unlock()
	if stillElecting {
		e.logger.Warn("action: coordinator_timeout", slog.Int("replica_id", e.myID))
		e.StartElection()
	}
}

func (e *Election) becomeLeader(epoch int) {
	e.mu.Lock()
	if e.epoch != epoch {
		e.mu.Unlock()
		return
	}
	e.state = StateLeader
	e.currentLeader = e.myID
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.IncTransition(string(StateLeader))
	}
	e.logger.Info("action: election_result", slog.Int("replica_id", e.myID), slog.String("role", "leader"))
	e.sender.SendCoordinator()
}

// HandleElection responds to an ELECTION message from a higher-ID peer:
// reply OK, then start our own election, since we have a lower ID and so a
// chance of becoming leader ourselves.
func (e *Election) HandleElection(fromID int) {
	e.sender.SendOK(fromID)
	if fromID > e.myID {
		e.StartElection()
	}
}

// HandleOK records that a lower-ID peer answered our election.
func (e *Election) HandleOK(fromID int) {
	e.mu.Lock()
	e.okReceived = true
	e.mu.Unlock()
}

// HandleCoordinator accepts fromID as the new leader.
func (e *Election) HandleCoordinator(fromID int) {
	e.mu.Lock()
	e.epoch++
	e.state = StateFollower
	e.currentLeader = fromID
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.IncTransition(string(StateFollower))
	}
	e.logger.Info("action: leader_change", slog.Int("replica_id", e.myID), slog.Int("leader", fromID))
}

// MonitorLeader periodically checks whether the current leader is still
// alive in peerRegistry and starts a new election if it has gone dark. It
// blocks until ctx is canceled.
func (e *Election) MonitorLeader(ctx context.Context, peerRegistry *Registry, peerTimeout, checkInterval time.Duration) {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			leader := e.CurrentLeader()
			if leader < 0 || leader == e.myID {
				continue
			}
			for _, dead := range peerRegistry.Dead(peerTimeout) {
				if dead == peerHost(leader) {
					e.logger.Warn("action: leader_dead_detected", slog.Int("leader", leader))
					e.StartElection()
					break
				}
			}
		}
	}
}
