package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coffeeflow/engine/internal/domain"
)

func TestTxRouterPinsSameUserStorePairToSameWorker(t *testing.T) {
	tx1 := domain.Transaction{ID: "t1", UserID: "u1", StoreID: "s1"}
	tx2 := domain.Transaction{ID: "t2", UserID: "u1", StoreID: "s1"}

	key1, idx1 := TxRouter("m1", tx1, "agg_user", 4)
	key2, idx2 := TxRouter("m2", tx2, "agg_user", 4)

	assert.Equal(t, key1, key2)
	assert.Equal(t, idx1, idx2)
}

func TestByStageNameReturnsVerbatim(t *testing.T) {
	key, _ := ByStageName("m1", nil, "q1", 0)
	assert.Equal(t, "q1", key)
}

func TestBroadcastReturnsCommon(t *testing.T) {
	key, _ := Broadcast("m1", nil, "stores", 0)
	assert.Equal(t, "common", key)
}

func TestByNameResolvesAllFourRoutingFunctions(t *testing.T) {
	for _, name := range []string{"default", "by_stage_name", "tx_router", "broadcast"} {
		_, err := ByName(name)
		require.NoErrorf(t, err, "ByName(%q)", name)
	}
	_, err := ByName("nonexistent")
	require.Error(t, err)
}
