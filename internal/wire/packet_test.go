package wire

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coffeeflow/engine/internal/domain"
)

func TestWritePacketReadPacketRoundtrip(t *testing.T) {
	var buf bytes.Buffer
	body := BatchBody{Rows: []json.RawMessage{[]byte(`{"a":1}`)}, EOF: true}
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	require.NoError(t, WritePacket(&buf, TypeTransactionsBatch, payload))

	pkt, err := ReadPacket(NewPacketReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, TypeTransactionsBatch, pkt.Header.Type)

	var decoded BatchBody
	require.NoError(t, json.Unmarshal(pkt.Payload, &decoded))
	assert.True(t, decoded.EOF, "expected eof=true to roundtrip")
}

func TestErrorPayloadRoundtrip(t *testing.T) {
	e := ErrorPayload{Code: 42, Message: "boom"}
	got, err := UnmarshalError(e.Marshal())
	require.NoError(t, err)
	assert.Equal(t, uint32(42), got.Code)
	assert.Equal(t, "boom", got.Message)
}

func TestHeaderSizeIsFiveBytes(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WritePacket(&buf, TypeAck, nil))
	assert.Equal(t, HeaderSize, buf.Len())
}

func TestDecodeBatchTransactions(t *testing.T) {
	row, err := json.Marshal(domain.Transaction{ID: "t1", FinalAmount: 80})
	require.NoError(t, err)
	body := BatchBody{Rows: []json.RawMessage{row}}
	out, err := DecodeBatch(EntityTransaction, body)
	require.NoError(t, err)
	require.Len(t, out, 1)
	tx := out[0].(domain.Transaction)
	assert.Equal(t, "t1", tx.ID)
	assert.Equal(t, 80.0, tx.FinalAmount)
}

func TestDecodeBatchBadPayload(t *testing.T) {
	body := BatchBody{Rows: []json.RawMessage{[]byte(`not json`)}}
	_, err := DecodeBatch(EntityTransaction, body)
	require.Error(t, err)
}
