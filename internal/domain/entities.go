// Package domain defines the core entities, control messages, and
// domain-specific errors shared across the gateway, workers, and
// health-checker cluster.
package domain

import (
	"errors"
	"time"
)

// Error taxonomy (sentinels). Operators surface only these; the worker base
// translates them into nack+log, never propagating raw I/O errors upward.
var (
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrNotFound         = errors.New("not found")
	ErrDuplicate        = errors.New("duplicate message")
	ErrDisconnected     = errors.New("broker transport disconnected")
	ErrMessageRejected  = errors.New("broker protocol rejected message")
	ErrBadPayload       = errors.New("unparseable or malformed payload")
	ErrWALCorrupt       = errors.New("WAL corruption")
	ErrConfig           = errors.New("configuration error")
	ErrUnknownEntity    = errors.New("unknown entity type")
	ErrSessionNotActive = errors.New("session not active")
)

// Store is a coffee-shop location.
type Store struct {
	StoreID   string `json:"store_id"`
	StoreName string `json:"store_name"`
}

// User is a registered customer.
type User struct {
	UserID    string    `json:"user_id"`
	Birthdate time.Time `json:"birthdate"`
}

// MenuItem is a sellable product.
type MenuItem struct {
	ItemID   string `json:"item_id"`
	ItemName string `json:"item_name"`
}

// Transaction is a single sale. UserID is optional: anonymous purchases carry
// an empty string.
type Transaction struct {
	ID          string    `json:"id"`
	StoreID     string    `json:"store_id"`
	UserID      string    `json:"user_id,omitempty"`
	FinalAmount float64   `json:"final_amount"`
	CreatedAt   time.Time `json:"created_at"`
}

// TransactionItem is one line item of a transaction.
type TransactionItem struct {
	ItemID    string    `json:"item_id"`
	Quantity  int       `json:"quantity"`
	Subtotal  float64   `json:"subtotal"`
	CreatedAt time.Time `json:"created_at"`
}

// ItemPeriodStat is the Q2 per-period, per-item accumulator entry.
type ItemPeriodStat struct {
	Quantity int
	Amount   float64
	ItemName string
}

// TransactionItemByPeriod is the Q2 aggregate: period -> item_id -> stat.
type TransactionItemByPeriod map[string]map[string]*ItemPeriodStat

// StoreSemesterStat is the Q3 per-semester, per-store accumulator entry.
type StoreSemesterStat struct {
	StoreName string
	Amount    float64
}

// SemesterTPVByStore is the Q3 aggregate: semester -> store_id -> stat.
type SemesterTPVByStore map[string]map[string]*StoreSemesterStat

// UserStoreStat is the Q4 per-store, per-user accumulator entry.
type UserStoreStat struct {
	Purchases int
	Birthday  time.Time
	StoreName string
}

// UserPurchasesByStore is the Q4 aggregate: store_id -> user_id -> stat.
type UserPurchasesByStore map[string]map[string]*UserStoreStat

// EnrichedTransactionItem is a TransactionItem joined with its menu item's
// name, the shape the Q2 aggregator consumes.
type EnrichedTransactionItem struct {
	ItemID    string
	ItemName  string
	Quantity  int
	Subtotal  float64
	CreatedAt time.Time
}

// EnrichedTransaction is a Transaction joined with its store's name, the
// shape the Q3 aggregator consumes. UserID rides along unused by Q3 so the
// same join output also feeds Q4's first aggregation pass.
type EnrichedTransaction struct {
	StoreID     string
	StoreName   string
	UserID      string
	FinalAmount float64
	CreatedAt   time.Time
}

// UserPurchaseEvent is the enricher's per-(store,user) output once a user's
// real birthdate has been attached to a candidate already counted in the
// first aggregation pass (spec.md §4.D: "aggregate → enrich → merge").
// Purchases carries the exact count computed in that first pass; the
// enricher does not recount, only attaches the birthdate.
type UserPurchaseEvent struct {
	UserID    string
	Birthday  time.Time
	StoreID   string
	StoreName string
	Purchases int
}

// EOF marks the end of an upstream's data for a session.
type EOF struct{}

// WorkerEOF is the intra-stage fan-in marker broadcast by a replica once it
// has observed EOF from all of its upstreams.
type WorkerEOF struct {
	WorkerID string `json:"worker_id"`
}

// Heartbeat is the UDP datagram a worker sends to the health-checker.
type Heartbeat struct {
	ContainerName string    `json:"container_name"`
	Timestamp     time.Time `json:"timestamp"`
}

// HC* are the peer-mesh packets exchanged between health-checker replicas.
type HCHeartbeat struct {
	HCID      int       `json:"hc_id"`
	Timestamp time.Time `json:"timestamp"`
}

type HCElection struct {
	HCID int `json:"hc_id"`
}

type HCOk struct {
	HCID int `json:"hc_id"`
}

type HCCoordinator struct {
	HCID int `json:"hc_id"`
}
