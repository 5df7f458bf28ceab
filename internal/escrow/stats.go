package escrow

import (
	"github.com/shopspring/decimal"
)

// Stats is an aggregate view across escrows.
type Stats struct {
	TotalCount       int                        `json:"totalCount"`
	ByStatus         map[Status]int             `json:"byStatus"`
	ActiveVolume     map[string]decimal.Decimal `json:"activeVolume"` // funds held in trust, per currency
	TotalVolume      map[string]decimal.Decimal `json:"totalVolume"`
	DisputeRate      float64                    `json:"disputeRate"` // 0-100
	AutoReleaseCount int                        `json:"autoReleaseCount"`
}

// Aggregate computes Stats over txs. It is pure so the HTTP layer, tests and
// admin tooling all get the same numbers.
func Aggregate(txs []*Transaction) Stats {
	stats := Stats{
		ByStatus:     make(map[Status]int, len(AllStatuses)),
		ActiveVolume: make(map[string]decimal.Decimal),
		TotalVolume:  make(map[string]decimal.Decimal),
	}
	for _, s := range AllStatuses {
		stats.ByStatus[s] = 0
	}

	disputed := 0
	for _, tx := range txs {
		stats.TotalCount++
		stats.ByStatus[tx.Status]++

		cur := tx.Price.Currency
		stats.TotalVolume[cur] = stats.TotalVolume[cur].Add(tx.Price.Amount)
		if tx.Status.IsFunded() {
			stats.ActiveVolume[cur] = stats.ActiveVolume[cur].Add(tx.Price.Amount)
		}

		// A resolved dispute still counts.
		if tx.Dispute != nil {
			disputed++
		}
		if IsSystemRelease(tx) {
			stats.AutoReleaseCount++
		}
	}

	if stats.TotalCount > 0 {
		stats.DisputeRate = float64(disputed) / float64(stats.TotalCount) * 100
	}
	return stats
}
