// Package sink implements the query-specific JSON formatters described in
// spec.md §5 and exercised by the four scenarios in §8.
package sink

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/coffeeflow/engine/internal/domain"
)

// Q1Sink formats the filtered-transactions result: an array of
// {transaction_id, final_amount}.
type Q1Sink struct{}

func (Q1Sink) QueryName() string { return "q1" }

type q1Row struct {
	TransactionID string  `json:"transaction_id"`
	FinalAmount   float64 `json:"final_amount"`
}

func (Q1Sink) Format(sessionID string, storage any) ([]byte, error) {
	txs, _ := storage.([]domain.Transaction)
	rows := make([]q1Row, 0, len(txs))
	for _, tx := range txs {
		rows = append(rows, q1Row{TransactionID: tx.ID, FinalAmount: tx.FinalAmount})
	}
	return json.Marshal(rows)
}

// Q2Sink formats the per-period top-item result.
type Q2Sink struct{}

func (Q2Sink) QueryName() string { return "q2" }

type q2ItemRef struct {
	ItemID   string  `json:"item_id"`
	ItemName string  `json:"item_name"`
	Quantity int     `json:"quantity,omitempty"`
	Revenue  float64 `json:"revenue,omitempty"`
}

type q2Result struct {
	Period              string    `json:"period"`
	MostSoldProduct     q2ItemRef `json:"most_sold_product"`
	HighestRevenueProduct q2ItemRef `json:"highest_revenue_product"`
}

type q2Doc struct {
	Query       string     `json:"query"`
	Description string     `json:"description"`
	Results     []q2Result `json:"results"`
}

func (Q2Sink) Format(sessionID string, storage any) ([]byte, error) {
	agg, _ := storage.(domain.TransactionItemByPeriod)
	periods := make([]string, 0, len(agg))
	for p := range agg {
		periods = append(periods, p)
	}
	sort.Strings(periods)

	results := make([]q2Result, 0, len(periods))
	for _, p := range periods {
		byItem := agg[p]
		mostSold, err := topByQuantity(byItem)
		if err != nil {
			return nil, fmt.Errorf("sink: Q2: period %s: %w", p, err)
		}
		highestRevenue, err := topByRevenue(byItem)
		if err != nil {
			return nil, fmt.Errorf("sink: Q2: period %s: %w", p, err)
		}
		results = append(results, q2Result{
			Period:                p,
			MostSoldProduct:       q2ItemRef{ItemID: mostSold.id, ItemName: mostSold.stat.ItemName, Quantity: mostSold.stat.Quantity},
			HighestRevenueProduct: q2ItemRef{ItemID: highestRevenue.id, ItemName: highestRevenue.stat.ItemName, Revenue: highestRevenue.stat.Amount},
		})
	}
	doc := q2Doc{
		Query:       "Q2",
		Description: "Most sold and highest revenue product per semester-month period",
		Results:     results,
	}
	return json.Marshal(doc)
}

type itemCandidate struct {
	id   string
	stat *domain.ItemPeriodStat
}

// topByQuantity breaks ties by lowest item_id, per spec.md §7.
func topByQuantity(byItem map[string]*domain.ItemPeriodStat) (itemCandidate, error) {
	if len(byItem) == 0 {
		return itemCandidate{}, fmt.Errorf("no items")
	}
	ids := sortedItemIDs(byItem)
	best := itemCandidate{id: ids[0], stat: byItem[ids[0]]}
	for _, id := range ids[1:] {
		if byItem[id].Quantity > best.stat.Quantity {
			best = itemCandidate{id: id, stat: byItem[id]}
		}
	}
	return best, nil
}

func topByRevenue(byItem map[string]*domain.ItemPeriodStat) (itemCandidate, error) {
	if len(byItem) == 0 {
		return itemCandidate{}, fmt.Errorf("no items")
	}
	ids := sortedItemIDs(byItem)
	best := itemCandidate{id: ids[0], stat: byItem[ids[0]]}
	for _, id := range ids[1:] {
		if byItem[id].Amount > best.stat.Amount {
			best = itemCandidate{id: id, stat: byItem[id]}
		}
	}
	return best, nil
}

func sortedItemIDs(byItem map[string]*domain.ItemPeriodStat) []string {
	ids := make([]string, 0, len(byItem))
	for id := range byItem {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Q3Sink formats the per-semester, per-store TPV result, sorted
// (semester asc, store_name asc).
type Q3Sink struct{}

func (Q3Sink) QueryName() string { return "q3" }

type q3Result struct {
	Semester  string  `json:"semester"`
	StoreID   string  `json:"store_id"`
	StoreName string  `json:"store_name"`
	TPV       float64 `json:"tpv"`
}

type q3Doc struct {
	Query       string     `json:"query"`
	Description string     `json:"description"`
	Results     []q3Result `json:"results"`
}

func (Q3Sink) Format(sessionID string, storage any) ([]byte, error) {
	agg, _ := storage.(domain.SemesterTPVByStore)
	var rows []q3Result
	for sem, byStore := range agg {
		for storeID, stat := range byStore {
			rows = append(rows, q3Result{Semester: sem, StoreID: storeID, StoreName: stat.StoreName, TPV: stat.Amount})
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Semester != rows[j].Semester {
			return rows[i].Semester < rows[j].Semester
		}
		return rows[i].StoreName < rows[j].StoreName
	})
	doc := q3Doc{
		Query:       "Q3",
		Description: "Total payment value per semester per store",
		Results:     rows,
	}
	return json.Marshal(doc)
}

// Q4Sink formats the per-store top-3 customers result, sorted
// (store_name asc, purchases_qty desc, birthdate asc).
type Q4Sink struct{}

func (Q4Sink) QueryName() string { return "q4" }

type q4Result struct {
	StoreName     string `json:"store_name"`
	Birthdate     string `json:"birthdate"`
	PurchasesQty  int    `json:"purchases_qty"`
}

type q4Doc struct {
	Query       string     `json:"query"`
	Description string     `json:"description"`
	Results     []q4Result `json:"results"`
}

const q4DateLayout = "2006-01-02"

func (Q4Sink) Format(sessionID string, storage any) ([]byte, error) {
	agg, _ := storage.(domain.UserPurchasesByStore)
	var rows []q4Result
	for _, byUser := range agg {
		type candidate struct {
			userID string
			stat   *domain.UserStoreStat
		}
		candidates := make([]candidate, 0, len(byUser))
		for uid, stat := range byUser {
			candidates = append(candidates, candidate{uid, stat})
		}
		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].stat.Purchases != candidates[j].stat.Purchases {
				return candidates[i].stat.Purchases > candidates[j].stat.Purchases
			}
			if candidates[i].stat.Birthday.Equal(candidates[j].stat.Birthday) {
				return candidates[i].userID < candidates[j].userID
			}
			return candidates[i].stat.Birthday.Before(candidates[j].stat.Birthday)
		})
		top := candidates
		if len(top) > 3 {
			top = top[:3]
		}
		for _, c := range top {
			rows = append(rows, q4Result{
				StoreName:    c.stat.StoreName,
				Birthdate:    c.stat.Birthday.Format(q4DateLayout),
				PurchasesQty: c.stat.Purchases,
			})
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].StoreName != rows[j].StoreName {
			return rows[i].StoreName < rows[j].StoreName
		}
		if rows[i].PurchasesQty != rows[j].PurchasesQty {
			return rows[i].PurchasesQty > rows[j].PurchasesQty
		}
		return rows[i].Birthdate < rows[j].Birthdate
	})
	doc := q4Doc{
		Query:       "Q4",
		Description: "Top 3 customers per store by purchase count",
		Results:     rows,
	}
	return json.Marshal(doc)
}
