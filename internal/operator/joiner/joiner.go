// Package joiner implements the two reference-join shapes named in
// spec.md §4.D: a small broadcast reference join (stores, menu items — held
// entirely in memory per session) and the large reference join used ahead
// of the Q4 user-purchase aggregator, where the main stream must be
// diverted to a per-session buffer queue until the reference stream's EOF
// is observed.
package joiner

import (
	"fmt"
	"sync"

	"github.com/coffeeflow/engine/internal/domain"
)

// ReferenceJoiner buffers a small, fully-broadcast reference stream (one
// stores or menu_items batch per session, identical on every replica) and
// enriches main-stream entities by looking up the reference by key. It
// holds no upstream-replica-specific state, so it needs no session-manager
// integration beyond the reference map itself.
type ReferenceJoiner[K comparable, V any] struct {
	mu  sync.RWMutex
	ref map[K]V
}

// NewReferenceJoiner returns an empty joiner ready to accumulate reference
// rows via Load.
func NewReferenceJoiner[K comparable, V any]() *ReferenceJoiner[K, V] {
	return &ReferenceJoiner[K, V]{ref: make(map[K]V)}
}

// Load records one reference row, keyed by key, replacing any prior value.
func (j *ReferenceJoiner[K, V]) Load(key K, value V) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.ref[key] = value
}

// Lookup returns the reference row for key, if loaded.
func (j *ReferenceJoiner[K, V]) Lookup(key K) (V, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	v, ok := j.ref[key]
	return v, ok
}

// EnrichTransactionItem joins one transaction item against the loaded menu
// item reference, producing the shape the Q2 aggregator expects.
func EnrichTransactionItem(item domain.TransactionItem, menu map[string]domain.MenuItem) (domain.EnrichedTransactionItem, error) {
	mi, ok := menu[item.ItemID]
	if !ok {
		return domain.EnrichedTransactionItem{}, fmt.Errorf("joiner: unknown item_id %q", item.ItemID)
	}
	return domain.EnrichedTransactionItem{
		ItemID:    item.ItemID,
		ItemName:  mi.ItemName,
		Quantity:  item.Quantity,
		Subtotal:  item.Subtotal,
		CreatedAt: item.CreatedAt,
	}, nil
}

// EnrichTransactionStore joins one transaction against the loaded store
// reference, producing the shape the Q3 aggregator expects. UserID rides
// along so the same enriched stream also feeds Q4's first aggregation pass.
func EnrichTransactionStore(tx domain.Transaction, stores map[string]domain.Store) (domain.EnrichedTransaction, error) {
	st, ok := stores[tx.StoreID]
	if !ok {
		return domain.EnrichedTransaction{}, fmt.Errorf("joiner: unknown store_id %q", tx.StoreID)
	}
	return domain.EnrichedTransaction{
		StoreID:     tx.StoreID,
		StoreName:   st.StoreName,
		UserID:      tx.UserID,
		FinalAmount: tx.FinalAmount,
		CreatedAt:   tx.CreatedAt,
	}, nil
}

// UserEnricherState is the per-session state of the large reference join
// ahead of Q4's final merge (spec.md §4.D, §119-121): the main stream is
// every registered user; the reference stream is the first pass's
// aggregated, top-35-trimmed UserPurchasesByStore. Because the reference
// stream can be arbitrarily large, the worker buffers main-stream messages
// in memory until the reference's EOF is observed, at which point
// RequiredUsers is complete and buffered users replay through Drain. A user
// absent from RequiredUsers took no top-35 purchase count at any store and
// is dropped; a user present at one or more stores gets their real
// birthdate attached to each of those (store, count) candidates.
type UserEnricherState struct {
	mu            sync.Mutex
	ReferenceDone bool
	RequiredUsers map[string]map[string]domain.UserStoreStat // user_id -> store_id -> stat (birthday unset)
	Buffered      []domain.User

	// Aggregate accumulates the enriched UserPurchaseEvents this replica has
	// produced so far — the shape the Q4 aggregator folds into and Finalize
	// later emits downstream.
	Aggregate domain.UserPurchasesByStore
}

// NewUserEnricherState returns an empty per-session enricher state.
func NewUserEnricherState() *UserEnricherState {
	return &UserEnricherState{RequiredUsers: make(map[string]map[string]domain.UserStoreStat)}
}

// LoadReference records one store's merged candidate set (already summed
// and top-35-trimmed across aggregator replicas upstream).
func (s *UserEnricherState) LoadReference(storeID string, byUser map[string]*domain.UserStoreStat) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for userID, stat := range byUser {
		byStore, ok := s.RequiredUsers[userID]
		if !ok {
			byStore = make(map[string]domain.UserStoreStat)
			s.RequiredUsers[userID] = byStore
		}
		byStore[storeID] = *stat
	}
}

// MarkReferenceDone flags the reference stream's EOF as observed. The
// worker runtime switches from buffering main-stream users to enriching
// them directly once IsReferenceDone reports true, and replays Drain's
// contents first.
func (s *UserEnricherState) MarkReferenceDone() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ReferenceDone = true
}

// IsReferenceDone reports whether MarkReferenceDone has been called.
func (s *UserEnricherState) IsReferenceDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ReferenceDone
}

// Buffer appends a main-stream user to the pending-enrichment backlog. Only
// valid before the reference stream's EOF.
func (s *UserEnricherState) Buffer(u domain.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Buffered = append(s.Buffered, u)
}

// Drain returns and clears every buffered user, for replay once the
// reference stream's EOF has been observed.
func (s *UserEnricherState) Drain() []domain.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.Buffered
	s.Buffered = nil
	return out
}

// Enrich looks up u among RequiredUsers and returns one UserPurchaseEvent
// per store where u was a top-35 candidate, now carrying u's real
// birthdate. A user absent from RequiredUsers returns nil: they are not
// required by Q4 and the caller drops them silently.
func (s *UserEnricherState) Enrich(u domain.User) []domain.UserPurchaseEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	byStore, ok := s.RequiredUsers[u.UserID]
	if !ok {
		return nil
	}
	out := make([]domain.UserPurchaseEvent, 0, len(byStore))
	for storeID, stat := range byStore {
		out = append(out, domain.UserPurchaseEvent{
			UserID:    u.UserID,
			Birthday:  u.Birthdate,
			StoreID:   storeID,
			StoreName: stat.StoreName,
			Purchases: stat.Purchases,
		})
	}
	return out
}
