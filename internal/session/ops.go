package session

import (
	"encoding/json"
	"time"
)

// Op type tags. System ops are interpreted by the WAL runtime itself;
// operator-specific ops are interpreted only by the bound Reducer.
const (
	OpSysEOF    = "__sys_eof"
	OpSysMsg    = "__sys_msg"
	OpSysCommit = "__sys_commit"

	OpAggregateItem         = "aggregate_item"
	OpAggregateSemester     = "aggregate_semester"
	OpIncrementUserPurchase = "increment_user_purchase"
	OpMerge                 = "merge"
	OpFilterKeep            = "filter_keep"
	OpCollect               = "collect"

	// Key identifies which reference-row slot a joiner_ref_load op touches (e.g. a store_id or item_id); interpreted only by
	// internal/worker.JoinerRuntime's Reducer.
	OpJoinerRefLoad = "joiner_ref_load"
	OpJoinerRefDone = "joiner_ref_done"
	OpJoinerMain    = "joiner_main"
)

// Op is one WAL entry. It is a flat tagged struct rather than a polymorphic
// type hierarchy: every concrete op populates only the fields it needs, and
// the `type` tag says which ones are meaningful. This keeps JSON-lines
// encode/decode a single Marshal/Unmarshal call with no registry.
type Op struct {
	Type string `json:"type"`

	// __sys_eof
	WorkerID string `json:"worker_id,omitempty"`
	// __sys_msg
	MsgID string `json:"msg_id,omitempty"`
	// __sys_commit
	BatchID string `json:"batch_id,omitempty"`

	// aggregate_item / aggregate_semester
	Period        string  `json:"period,omitempty"`
	Semester      string  `json:"semester,omitempty"`
	ItemID        string  `json:"item_id,omitempty"`
	ItemName      string  `json:"item_name,omitempty"`
	StoreID       string  `json:"store_id,omitempty"`
	StoreName     string  `json:"store_name,omitempty"`
	QuantityDelta int     `json:"quantity_delta,omitempty"`
	AmountDelta   float64 `json:"amount_delta,omitempty"`

	// increment_user_purchase
	UserID    string    `json:"user_id,omitempty"`
	Increment int       `json:"increment,omitempty"`
	Birthday  time.Time `json:"birthday,omitempty"`

	// merge: carries an upstream message payload verbatim
	Payload json.RawMessage `json:"payload,omitempty"`

	// joiner_ref_load: the reference row's key (e.g. store_id, item_id)
	Key string `json:"key,omitempty"`
}

// IsSystem reports whether op is one of the three system op types the WAL
// runtime itself interprets (as opposed to operator-specific deltas that
// only the bound Reducer understands).
func (op Op) IsSystem() bool {
	switch op.Type {
	case OpSysEOF, OpSysMsg, OpSysCommit:
		return true
	default:
		return false
	}
}

// Reducer folds one operator-specific op into storage, returning the new
// storage value. It is never called with a system op. storage is nil on the
// very first call for a fresh session.
type Reducer func(storage any, op Op) any
