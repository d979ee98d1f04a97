package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coffeeflow/engine/internal/broker"
	"github.com/coffeeflow/engine/internal/broker/brokertest"
	"github.com/coffeeflow/engine/internal/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newSessionUnderTest runs a ClientSession over one end of an in-process
// net.Pipe and returns the other end, letting the test drive the client side
// of the protocol directly.
func newSessionUnderTest(t *testing.T) (client net.Conn, fb *brokertest.Fake, done chan error) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	fb = brokertest.New()
	brokerConn, err := fb.Connection(context.Background())
	require.NoError(t, err)
	sess := NewClientSession(serverConn, brokerConn, testLogger(), 200*time.Millisecond)

	done = make(chan error, 1)
	go func() { done <- sess.Handle(context.Background()) }()
	return clientConn, fb, done
}

func TestSessionStartHandshakeSendsAckThenSessionID(t *testing.T) {
	client, _, done := newSessionUnderTest(t)
	defer client.Close()

	require.NoError(t, wire.WritePacket(client, wire.TypeFileSendStart, nil))
	r := wire.NewPacketReader(client)
	ackPkt, err := wire.ReadPacket(r)
	require.NoError(t, err)
	require.Equal(t, wire.TypeAck, ackPkt.Header.Type)

	sidPkt, err := wire.ReadPacket(r)
	require.NoError(t, err)
	require.Equal(t, wire.TypeSessionID, sidPkt.Header.Type)

	var sid wire.SessionIDPayload
	require.NoError(t, json.Unmarshal(sidPkt.Payload, &sid))
	assert.NotEmpty(t, sid.SessionID, "expected non-empty session id")

	require.NoError(t, wire.WritePacket(client, wire.TypeFileSendEnd, nil))
	endAck, err := wire.ReadPacket(r)
	require.NoError(t, err)
	assert.Equal(t, wire.TypeAck, endAck.Header.Type, "expected Ack after FileSendEnd")

	client.Close()
	<-done
}

func TestUploadForwardsBatchToRawQueueWithSessionHeaders(t *testing.T) {
	client, fb, done := newSessionUnderTest(t)
	defer client.Close()
	r := wire.NewPacketReader(client)

	require.NoError(t, wire.WritePacket(client, wire.TypeFileSendStart, nil))
	_, err := wire.ReadPacket(r) // ack
	require.NoError(t, err)
	sidPkt, err := wire.ReadPacket(r) // session id
	require.NoError(t, err)
	var sid wire.SessionIDPayload
	require.NoError(t, json.Unmarshal(sidPkt.Payload, &sid))

	body, err := wire.EncodeRawRows([]string{"s1,Store One"}, false)
	require.NoError(t, err)
	payload, _ := json.Marshal(body)
	require.NoError(t, wire.WritePacket(client, wire.TypeStoreBatch, payload))

	conn, _ := fb.Connection(context.Background())
	q, err := conn.Queue(context.Background(), "raw_store", 0)
	require.NoError(t, err)
	recvCh := make(chan broker.Delivery, 1)
	go func() {
		_ = q.Consume(context.Background(), func(_ context.Context, d broker.Delivery) error {
			recvCh <- d
			return d.Ack()
		})
	}()

	select {
	case d := <-recvCh:
		assert.Equal(t, sid.SessionID, d.Headers["SESSION_ID"], "expected forwarded message to carry session id")
		assert.NotEmpty(t, d.Headers["MESSAGE_ID"], "expected forwarded message to carry a message id")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for forwarded raw batch")
	}

	require.NoError(t, wire.WritePacket(client, wire.TypeFileSendEnd, nil))
	_, err = wire.ReadPacket(r)
	require.NoError(t, err)
	client.Close()
	<-done
}
