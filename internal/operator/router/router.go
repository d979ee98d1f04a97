// Package router implements the routing functions spec.md §4.B names for
// output fan-out: default (hash by message id), by_stage_name (verbatim,
// used by sinks), tx_router (pins a (user,store) pair to one worker, Q4
// correctness), and broadcast (reference-data fanout to every replica).
package router

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/coffeeflow/engine/internal/domain"
)

// Func computes the downstream worker index (0-based) or, for by_stage_name
// and broadcast, a fixed routing key. RoutingKey is what gets used as the
// AMQP routing key / queue-name suffix; WorkerIndex is only meaningful when
// the caller needs the numeric shard (most callers just use RoutingKey).
type Func func(msgID string, entity any, downstreamStage string, downstreamWorkers int) (routingKey string, workerIndex int)

// Default hashes message_id mod downstream_workers, producing
// "<downstream_stage>_<k>".
func Default(msgID string, _ any, downstreamStage string, downstreamWorkers int) (string, int) {
	if downstreamWorkers <= 0 {
		downstreamWorkers = 1
	}
	k := int(hashString(msgID) % uint64(downstreamWorkers))
	return fmt.Sprintf("%s_%d", downstreamStage, k), k
}

// ByStageName returns downstreamStage verbatim, used by sinks publishing to
// the results exchange keyed by query id.
func ByStageName(_ string, _ any, downstreamStage string, _ int) (string, int) {
	return downstreamStage, -1
}

// Broadcast returns the fixed "common" key used by reference-data fanout to
// every replica of a stage.
func Broadcast(_ string, _ any, downstreamStage string, _ int) (string, int) {
	return "common", -1
}

// TxRouter hashes SHA-256(user_id + store_id) mod downstream_workers,
// pinning every transaction of a given (user,store) pair to the same
// downstream worker — required for Q4 correctness, since the user-purchase
// aggregator must see every purchase for a user at a store on one replica.
func TxRouter(_ string, entity any, downstreamStage string, downstreamWorkers int) (string, int) {
	if downstreamWorkers <= 0 {
		downstreamWorkers = 1
	}
	tx, ok := entity.(domain.Transaction)
	if !ok {
		return fmt.Sprintf("%s_0", downstreamStage), 0
	}
	sum := sha256.Sum256([]byte(tx.UserID + tx.StoreID))
	k := int(binary.BigEndian.Uint64(sum[:8]) % uint64(downstreamWorkers))
	return fmt.Sprintf("%s_%d", downstreamStage, k), k
}

func hashString(s string) uint64 {
	sum := sha256.Sum256([]byte(s))
	return binary.BigEndian.Uint64(sum[:8])
}

// ByName resolves a routing function by the config-file name used in
// OutputDescriptor.RoutingFn.
func ByName(name string) (Func, error) {
	switch name {
	case "default":
		return Default, nil
	case "by_stage_name":
		return ByStageName, nil
	case "tx_router":
		return TxRouter, nil
	case "broadcast":
		return Broadcast, nil
	default:
		return nil, fmt.Errorf("router: unknown routing function %q", name)
	}
}
