package wire

import (
	"encoding/json"
	"fmt"

	"github.com/coffeeflow/engine/internal/domain"
)

// DecodeRawRows unpacks a BatchBody's rows as raw CSV row strings, the
// shape published to the raw stream exchanges ahead of the transformer
// stage (before any entity type is known).
func DecodeRawRows(body BatchBody) ([]string, error) {
	out := make([]string, 0, len(body.Rows))
	for i, raw := range body.Rows {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("%w: raw row %d: %v", domain.ErrBadPayload, i, err)
		}
		out = append(out, s)
	}
	return out, nil
}

// EncodeRawRows packs plain CSV row strings into a BatchBody.
func EncodeRawRows(rows []string, eof bool) (BatchBody, error) {
	body := BatchBody{Rows: make([]json.RawMessage, 0, len(rows)), EOF: eof}
	for i, row := range rows {
		raw, err := json.Marshal(row)
		if err != nil {
			return BatchBody{}, fmt.Errorf("wire: marshal raw row %d: %w", i, err)
		}
		body.Rows = append(body.Rows, raw)
	}
	return body, nil
}
