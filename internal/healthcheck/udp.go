package healthcheck

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"
)

const udpBufferSize = 1024

// WorkerHeartbeat is one UDP datagram sent by a worker's sidecar heartbeat
// client, naming the container that's alive.
type WorkerHeartbeat struct {
	ContainerName string    `json:"container_name"`
	Timestamp     time.Time `json:"timestamp"`
}

// HeartbeatListener is the UDP server side of spec.md §4.G's worker
// heartbeat channel: one JSON datagram per message, no framing needed since
// UDP already preserves datagram boundaries.
type HeartbeatListener struct {
	conn     *net.UDPConn
	registry *Registry
	logger   *slog.Logger
}

// NewHeartbeatListener binds a UDP socket on port and returns a listener
// ready to Run.
func NewHeartbeatListener(port int, registry *Registry, logger *slog.Logger) (*HeartbeatListener, error) {
	addr := &net.UDPAddr{Port: port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("healthcheck: listen udp :%d: %w", port, err)
	}
	return &HeartbeatListener{conn: conn, registry: registry, logger: logger}, nil
}

// Run reads heartbeat datagrams until ctx is canceled or Close is called.
// Malformed datagrams are logged and skipped, never fatal — one bad worker
// heartbeat must not take down the listener.
func (l *HeartbeatListener) Run(ctx context.Context) error {
	buf := make([]byte, udpBufferSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		_ = l.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, _, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("healthcheck: read heartbeat: %w", err)
		}
		var hb WorkerHeartbeat
		if err := json.Unmarshal(buf[:n], &hb); err != nil {
			l.logger.Warn("action: worker_heartbeat_parse_error", slog.Any("error", err))
			continue
		}
		l.registry.Update(hb.ContainerName, hb.Timestamp)
	}
}

// Close releases the UDP socket.
func (l *HeartbeatListener) Close() error {
	return l.conn.Close()
}
