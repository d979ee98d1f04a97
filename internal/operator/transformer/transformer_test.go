package transformer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseTransactionExtractsRequiredFieldsOnly(t *testing.T) {
	row := "t1,7,pm1,v1,42,100.00,0,80.0,2024-01-10 12:00:00"
	tx, err := ParseTransaction(row)
	require.NoError(t, err)
	require.Equal(t, "t1", tx.ID)
	require.Equal(t, "7", tx.StoreID)
	require.Equal(t, "42", tx.UserID)
	require.Equal(t, 80.0, tx.FinalAmount)
	require.Equal(t, 12, tx.CreatedAt.Hour())
}

func TestParseTransactionRejectsShortRow(t *testing.T) {
	_, err := ParseTransaction("t1,7")
	require.Error(t, err)
}

func TestParseUserParsesBirthdate(t *testing.T) {
	u, err := ParseUser("42,F,1990-05-01,2020-01-01")
	require.NoError(t, err)
	require.Equal(t, "42", u.UserID)
	require.Equal(t, 1990, u.Birthdate.Year())
}

func TestParseMenuItemKeepsIDAndName(t *testing.T) {
	mi, err := ParseMenuItem("1,Latte,drinks,4.5,false,,")
	require.NoError(t, err)
	require.Equal(t, "1", mi.ItemID)
	require.Equal(t, "Latte", mi.ItemName)
}

func TestParseTransactionItemExtractsFields(t *testing.T) {
	it, err := ParseTransactionItem("t1,1,3,10.0,30.0,2024-01-01 08:00:00")
	require.NoError(t, err)
	require.Equal(t, "1", it.ItemID)
	require.Equal(t, 3, it.Quantity)
	require.Equal(t, 30.0, it.Subtotal)
}
