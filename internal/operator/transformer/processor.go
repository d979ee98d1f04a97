package transformer

import (
	"encoding/json"
	"fmt"

	"github.com/coffeeflow/engine/internal/session"
)

// Collector buffers decoded entities for the session and, at EOF, emits
// them downstream one per message — the shape every other stage's
// wire.DecodeBatch expects, since the transformer does not maintain any
// aggregate state beyond this buffer (spec.md §4.D).
type Collector struct{}

// OpFor marshals the decoded entity verbatim; every row is kept, since the
// transformer itself applies no predicate.
func (Collector) OpFor(entity any) (*session.Op, error) {
	payload, err := json.Marshal(entity)
	if err != nil {
		return nil, fmt.Errorf("transformer: marshal entity: %w", err)
	}
	return &session.Op{Type: session.OpCollect, Payload: payload}, nil
}

func (Collector) Reduce(storage any, op session.Op) any {
	if op.Type != session.OpCollect {
		buf, _ := storage.([]json.RawMessage)
		return buf
	}
	buf, _ := storage.([]json.RawMessage)
	return append(buf, append(json.RawMessage(nil), op.Payload...))
}

// Finalize returns one downstream message per buffered entity: each
// json.RawMessage round-trips through Marshal unchanged, so every row stays
// exactly the original typed entity's JSON.
func (Collector) Finalize(storage any) []any {
	buf, _ := storage.([]json.RawMessage)
	out := make([]any, len(buf))
	for i, raw := range buf {
		out[i] = raw
	}
	return out
}
