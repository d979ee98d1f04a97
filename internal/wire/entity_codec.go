package wire

import (
	"encoding/json"
	"fmt"

	"github.com/coffeeflow/engine/internal/domain"
)

// EntityKind tags which typed batch a TO/FROM descriptor or dispatch table
// entry refers to, independent of the packet type byte so operators can
// reason about "the entity stream" without re-deriving it from the wire type.
type EntityKind int

const (
	EntityStore EntityKind = iota
	EntityUser
	EntityTransaction
	EntityTransactionItem
	EntityMenuItem
)

// PacketTypeForEntity maps an entity kind to its batch packet type code.
func PacketTypeForEntity(k EntityKind) (byte, error) {
	switch k {
	case EntityStore:
		return TypeStoreBatch, nil
	case EntityUser:
		return TypeUsersBatch, nil
	case EntityTransaction:
		return TypeTransactionsBatch, nil
	case EntityTransactionItem:
		return TypeTransactionItemsBatch, nil
	case EntityMenuItem:
		return TypeMenuItemsBatch, nil
	default:
		return 0, fmt.Errorf("%w: entity kind %d", domain.ErrUnknownEntity, k)
	}
}

// EntityKindForPacketType is the inverse of PacketTypeForEntity, used by the
// gateway to learn which raw stream a client's batch packet belongs to.
func EntityKindForPacketType(typ byte) (EntityKind, error) {
	switch typ {
	case TypeStoreBatch:
		return EntityStore, nil
	case TypeUsersBatch:
		return EntityUser, nil
	case TypeTransactionsBatch:
		return EntityTransaction, nil
	case TypeTransactionItemsBatch:
		return EntityTransactionItem, nil
	case TypeMenuItemsBatch:
		return EntityMenuItem, nil
	default:
		return 0, fmt.Errorf("%w: packet type %d", domain.ErrUnknownEntity, typ)
	}
}

// DecodeBatch unpacks a BatchBody's rows into the concrete entity type for k.
// Returns one decoded value per row, in row order; a malformed row fails the
// whole batch with domain.ErrBadPayload so the caller can nack without
// requeue, per the error-handling design.
func DecodeBatch(k EntityKind, body BatchBody) ([]any, error) {
	out := make([]any, 0, len(body.Rows))
	for i, raw := range body.Rows {
		v, err := decodeRow(k, raw)
		if err != nil {
			return nil, fmt.Errorf("%w: row %d: %v", domain.ErrBadPayload, i, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func decodeRow(k EntityKind, raw json.RawMessage) (any, error) {
	switch k {
	case EntityStore:
		var v domain.Store
		return v, json.Unmarshal(raw, &v)
	case EntityUser:
		var v domain.User
		return v, json.Unmarshal(raw, &v)
	case EntityTransaction:
		var v domain.Transaction
		return v, json.Unmarshal(raw, &v)
	case EntityTransactionItem:
		var v domain.TransactionItem
		return v, json.Unmarshal(raw, &v)
	case EntityMenuItem:
		var v domain.MenuItem
		return v, json.Unmarshal(raw, &v)
	default:
		return nil, fmt.Errorf("%w: entity kind %d", domain.ErrUnknownEntity, k)
	}
}

// EncodeBatch packs rows (values of the concrete entity type for k) plus the
// eof flag into a BatchBody ready for json.Marshal.
func EncodeBatch(rows []any, eof bool) (BatchBody, error) {
	body := BatchBody{Rows: make([]json.RawMessage, 0, len(rows)), EOF: eof}
	for i, row := range rows {
		raw, err := json.Marshal(row)
		if err != nil {
			return BatchBody{}, fmt.Errorf("wire: marshal row %d: %w", i, err)
		}
		body.Rows = append(body.Rows, raw)
	}
	return body, nil
}
