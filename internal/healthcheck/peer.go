package healthcheck

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/coffeeflow/engine/internal/wire"
)

// peerHost returns the conventional container hostname of peer replica id,
// matching the compose naming the Docker revival loop also uses.
func peerHost(id int) string {
	return fmt.Sprintf("health_checker_%d", id)
}

// heartbeatPayload, electionPayload, okPayload and coordinatorPayload are the
// JSON bodies carried by wire.TypeHeartbeat/TypeHCElection/TypeHCOk/
// TypeHCCoordinator packets on the peer mesh.
type heartbeatPayload struct {
	HCID      int       `json:"hc_id"`
	Timestamp time.Time `json:"timestamp"`
}

type electionPayload struct {
	HCID int `json:"hc_id"`
}

type okPayload struct {
	HCID int `json:"hc_id"`
}

type coordinatorPayload struct {
	HCID int `json:"hc_id"`
}

// PeerDispatcher receives decoded peer messages. *Election implements this.
type PeerDispatcher interface {
	HandleElection(fromID int)
	HandleOK(fromID int)
	HandleCoordinator(fromID int)
}

// PeerServer is the TCP server side of the health-checker mesh: it accepts
// one connection per peer and dispatches framed packets to the peer
// registry (heartbeats) and the election state machine (everything else).
type PeerServer struct {
	port     int
	registry *Registry
	election PeerDispatcher
	logger   *slog.Logger

	// onElectionReceived clears the client's cached outbound connection to
	// the sender: an ELECTION from a peer means our cached connection to it
	// may be stale.
	onElectionReceived func(fromID int)

	listener net.Listener
}

// NewPeerServer returns a server bound to port, ready to Run.
func NewPeerServer(port int, registry *Registry, election PeerDispatcher, logger *slog.Logger) *PeerServer {
	return &PeerServer{port: port, registry: registry, election: election, logger: logger}
}

// SetOnElectionReceived installs a callback invoked whenever an ELECTION
// packet arrives, before dispatching it to the election state machine.
func (s *PeerServer) SetOnElectionReceived(fn func(fromID int)) {
	s.onElectionReceived = fn
}

// Run accepts peer connections until ctx is canceled.
func (s *PeerServer) Run(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("healthcheck: listen peer port %d: %w", s.port, err)
	}
	s.listener = ln

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			wg.Wait()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return nil
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *PeerServer) handleConn(conn net.Conn) {
	defer conn.Close()
	r := wire.NewPacketReader(conn)
	for {
		pkt, err := wire.ReadPacket(r)
		if err != nil {
			return
		}
		s.dispatch(pkt)
	}
}

func (s *PeerServer) dispatch(pkt wire.Packet) {
	switch pkt.Header.Type {
	case wire.TypeHeartbeat:
		var hb heartbeatPayload
		if err := json.Unmarshal(pkt.Payload, &hb); err != nil {
			return
		}
		s.registry.Update(peerHost(hb.HCID), hb.Timestamp)
	case wire.TypeHCElection:
		var e electionPayload
		if err := json.Unmarshal(pkt.Payload, &e); err != nil {
			return
		}
		if s.onElectionReceived != nil {
			s.onElectionReceived(e.HCID)
		}
		s.election.HandleElection(e.HCID)
	case wire.TypeHCOk:
		var o okPayload
		if err := json.Unmarshal(pkt.Payload, &o); err != nil {
			return
		}
		s.election.HandleOK(o.HCID)
	case wire.TypeHCCoordinator:
		var c coordinatorPayload
		if err := json.Unmarshal(pkt.Payload, &c); err != nil {
			return
		}
		s.registry.Update(peerHost(c.HCID), time.Now())
		s.election.HandleCoordinator(c.HCID)
	}
}

// PeerClient is the TCP client side of the mesh: it sends periodic
// heartbeats and on-demand election messages to every other replica,
// reconnecting lazily (and with jittered backoff) when a send fails.
type PeerClient struct {
	myID     int
	replicas int
	port     int
	interval time.Duration
	logger   *slog.Logger

	mu    sync.Mutex
	conns map[int]net.Conn
}

// NewPeerClient returns a client for replica myID among replicas total
// peers, targeting port on every peer's conventional hostname.
func NewPeerClient(myID, replicas, port int, heartbeatInterval time.Duration, logger *slog.Logger) *PeerClient {
	return &PeerClient{
		myID:     myID,
		replicas: replicas,
		port:     port,
		interval: heartbeatInterval,
		logger:   logger,
		conns:    make(map[int]net.Conn),
	}
}

// Run sends heartbeats to every peer every interval until ctx is canceled.
// A single-replica cluster has no peers and Run returns immediately.
func (c *PeerClient) Run(ctx context.Context) error {
	if c.replicas <= 1 {
		c.logger.Info("action: peer_client_start", slog.String("result", "skipped"), slog.String("reason", "single_replica"))
		return nil
	}
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.closeAll()
			return ctx.Err()
		case <-ticker.C:
			c.broadcastHeartbeat()
		}
	}
}

func (c *PeerClient) broadcastHeartbeat() {
	payload, err := json.Marshal(heartbeatPayload{HCID: c.myID, Timestamp: time.Now()})
	if err != nil {
		return
	}
	for id := 0; id < c.replicas; id++ {
		if id == c.myID {
			continue
		}
		c.send(id, wire.TypeHeartbeat, payload)
	}
}

// ClearConnection drops the cached outbound connection to peerID, forcing a
// reconnect on the next send. Called when an ELECTION arrives from peerID,
// since that usually means our view of the mesh just changed.
func (c *PeerClient) ClearConnection(peerID int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.conns[peerID]; ok {
		conn.Close()
		delete(c.conns, peerID)
	}
}

func (c *PeerClient) connection(peerID int) (net.Conn, error) {
	c.mu.Lock()
	if conn, ok := c.conns[peerID]; ok {
		c.mu.Unlock()
		return conn, nil
	}
	c.mu.Unlock()

	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2)
	var conn net.Conn
	err := backoff.Retry(func() error {
		var dialErr error
		conn, dialErr = net.DialTimeout("tcp", fmt.Sprintf("%s:%d", peerHost(peerID), c.port), 2*time.Second)
		return dialErr
	}, bo)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.conns[peerID] = conn
	c.mu.Unlock()
	return conn, nil
}

func (c *PeerClient) send(peerID int, typ byte, payload []byte) bool {
	conn, err := c.connection(peerID)
	if err != nil {
		return false
	}
	w := bufio.NewWriter(conn)
	if err := wire.WritePacket(w, typ, payload); err != nil || w.Flush() != nil {
		c.ClearConnection(peerID)
		return false
	}
	return true
}

// SendElection sends an ELECTION message to one specific peer (the Bully
// algorithm only ever addresses lower-ID peers directly).
func (c *PeerClient) SendElection(peerID int) {
	payload, err := json.Marshal(electionPayload{HCID: c.myID})
	if err != nil {
		return
	}
	if c.send(peerID, wire.TypeHCElection, payload) {
		c.logger.Debug("action: send_election", slog.Int("to", peerID))
	}
}

// SendOK sends an OK message to one specific peer.
func (c *PeerClient) SendOK(peerID int) {
	payload, err := json.Marshal(okPayload{HCID: c.myID})
	if err != nil {
		return
	}
	if c.send(peerID, wire.TypeHCOk, payload) {
		c.logger.Debug("action: send_ok", slog.Int("to", peerID))
	}
}

// SendCoordinator broadcasts a COORDINATOR message announcing c.myID as the
// new leader to every other replica.
func (c *PeerClient) SendCoordinator() {
	payload, err := json.Marshal(coordinatorPayload{HCID: c.myID})
	if err != nil {
		return
	}
	for id := 0; id < c.replicas; id++ {
		if id == c.myID {
			continue
		}
		if c.send(id, wire.TypeHCCoordinator, payload) {
			c.logger.Debug("action: send_coordinator", slog.Int("to", id))
		}
	}
}

func (c *PeerClient) closeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, conn := range c.conns {
		conn.Close()
		delete(c.conns, id)
	}
}
