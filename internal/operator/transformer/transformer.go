// Package transformer parses a raw CSV row into a typed entity, the first
// stage every raw stream passes through after leaving the gateway
// (spec.md §4.D: "parses a raw CSV row into a typed entity; buffers; emits
// a typed batch downstream. Does not maintain aggregate state beyond the
// buffer.").
package transformer

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/coffeeflow/engine/internal/domain"
)

const dateLayout = "2006-01-02"
const timestampLayout = "2006-01-02 15:04:05"

func fields(row string, min int) ([]string, error) {
	parts := strings.Split(row, ",")
	if len(parts) < min {
		return nil, fmt.Errorf("%w: expected at least %d fields, got %d", domain.ErrBadPayload, min, len(parts))
	}
	return parts, nil
}

// ParseStore parses "store_id,store_name,street,postal_code,city,state,
// latitude,longitude", keeping only store_id and store_name.
func ParseStore(row string) (domain.Store, error) {
	parts, err := fields(row, 2)
	if err != nil {
		return domain.Store{}, err
	}
	return domain.Store{
		StoreID:   strings.TrimSpace(parts[0]),
		StoreName: strings.TrimSpace(parts[1]),
	}, nil
}

// ParseUser parses "user_id,gender,birthdate,registered_at", keeping only
// user_id and birthdate.
func ParseUser(row string) (domain.User, error) {
	parts, err := fields(row, 3)
	if err != nil {
		return domain.User{}, err
	}
	var birthdate time.Time
	if b := strings.TrimSpace(parts[2]); b != "" {
		birthdate, err = time.Parse(dateLayout, b)
		if err != nil {
			return domain.User{}, fmt.Errorf("%w: birthdate: %v", domain.ErrBadPayload, err)
		}
	}
	return domain.User{
		UserID:    strings.TrimSpace(parts[0]),
		Birthdate: birthdate,
	}, nil
}

// ParseMenuItem parses "item_id,item_name,category,price,is_seasonal,
// available_from,available_to", keeping only item_id and item_name.
func ParseMenuItem(row string) (domain.MenuItem, error) {
	parts, err := fields(row, 2)
	if err != nil {
		return domain.MenuItem{}, err
	}
	return domain.MenuItem{
		ItemID:   strings.TrimSpace(parts[0]),
		ItemName: strings.TrimSpace(parts[1]),
	}, nil
}

// ParseTransaction parses "transaction_id,store_id,payment_method_id,
// voucher_id,user_id,original_amount,discount_applied,final_amount,
// created_at", keeping transaction_id, store_id, user_id, final_amount,
// created_at.
func ParseTransaction(row string) (domain.Transaction, error) {
	parts, err := fields(row, 9)
	if err != nil {
		return domain.Transaction{}, err
	}
	amount, err := strconv.ParseFloat(strings.TrimSpace(parts[7]), 64)
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("%w: final_amount: %v", domain.ErrBadPayload, err)
	}
	var createdAt time.Time
	if c := strings.TrimSpace(parts[8]); c != "" {
		createdAt, err = time.Parse(timestampLayout, c)
		if err != nil {
			return domain.Transaction{}, fmt.Errorf("%w: created_at: %v", domain.ErrBadPayload, err)
		}
	}
	return domain.Transaction{
		ID:          strings.TrimSpace(parts[0]),
		StoreID:     strings.TrimSpace(parts[1]),
		UserID:      strings.TrimSpace(parts[4]),
		FinalAmount: amount,
		CreatedAt:   createdAt,
	}, nil
}

// ParseTransactionItem parses "transaction_id,item_id,quantity,unit_price,
// subtotal,created_at", keeping item_id, quantity, subtotal, created_at.
func ParseTransactionItem(row string) (domain.TransactionItem, error) {
	parts, err := fields(row, 6)
	if err != nil {
		return domain.TransactionItem{}, err
	}
	quantity, err := strconv.Atoi(strings.TrimSpace(parts[2]))
	if err != nil {
		return domain.TransactionItem{}, fmt.Errorf("%w: quantity: %v", domain.ErrBadPayload, err)
	}
	subtotal, err := strconv.ParseFloat(strings.TrimSpace(parts[4]), 64)
	if err != nil {
		return domain.TransactionItem{}, fmt.Errorf("%w: subtotal: %v", domain.ErrBadPayload, err)
	}
	var createdAt time.Time
	if c := strings.TrimSpace(parts[5]); c != "" {
		createdAt, err = time.Parse(timestampLayout, c)
		if err != nil {
			return domain.TransactionItem{}, fmt.Errorf("%w: created_at: %v", domain.ErrBadPayload, err)
		}
	}
	return domain.TransactionItem{
		ItemID:    strings.TrimSpace(parts[1]),
		Quantity:  quantity,
		Subtotal:  subtotal,
		CreatedAt: createdAt,
	}, nil
}
