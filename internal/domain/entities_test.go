package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransactionFields(t *testing.T) {
	tx := Transaction{
		ID:          "t1",
		StoreID:     "s1",
		UserID:      "u1",
		FinalAmount: 80.0,
		CreatedAt:   time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC),
	}
	assert.Equal(t, 80.0, tx.FinalAmount)
}

func TestUserPurchasesByStoreShape(t *testing.T) {
	stats := UserPurchasesByStore{
		"store1": {
			"userA": &UserStoreStat{Purchases: 5, StoreName: "S1"},
		},
	}
	assert.Equal(t, 5, stats["store1"]["userA"].Purchases)
}

func TestErrorSentinelsAreDistinct(t *testing.T) {
	errs := []error{
		ErrInvalidArgument, ErrNotFound, ErrDuplicate, ErrDisconnected,
		ErrMessageRejected, ErrBadPayload, ErrWALCorrupt, ErrConfig,
		ErrUnknownEntity, ErrSessionNotActive,
	}
	seen := make(map[string]bool)
	for _, e := range errs {
		require.Falsef(t, seen[e.Error()], "duplicate sentinel message: %s", e.Error())
		seen[e.Error()] = true
	}
}
