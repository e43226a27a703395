package storage

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// ChangeKind classifies a transition between two history records.
type ChangeKind string

const (
	KindFirstSeen ChangeKind = "first_seen"
	KindPriceDrop ChangeKind = "price_drop"
	KindPriceRise ChangeKind = "price_rise"
	KindAnomaly   ChangeKind = "anomaly"
)

// HistoryRecord is one accepted snapshot in a product's append-only history.
// Sequence is assigned by the ingestion coordinator and strictly increases
// per product; it breaks ties when observed_at collides.
type HistoryRecord struct {
	ProductID    string
	Sequence     int64
	ObservedAt   time.Time
	Price        decimal.Decimal
	Currency     string
	Availability string
	Source       string
	BatchID      string
	IngestedAt   time.Time
}

// ChangeRecord is one classified transition that is not "unchanged".
// FromSequence is nil for first_seen; DeltaPct is nil when the previous
// price was zero (the transition is recorded low-confidence).
type ChangeRecord struct {
	ID            string
	ProductID     string
	FromSequence  *int64
	ToSequence    int64
	Kind          ChangeKind
	PriceFrom     decimal.Decimal
	PriceTo       decimal.Decimal
	DeltaAbs      decimal.Decimal
	DeltaPct      *decimal.Decimal
	LowConfidence bool
	ChangedAt     time.Time
}

// AlertRecord captures one fired rule for auditing and cooldown tracking.
type AlertRecord struct {
	ID             string
	ProductID      string
	RuleID         string
	RuleName       string
	TriggeredAt    time.Time
	ChangeID       string
	Message        string
	PriceAtTrigger decimal.Decimal
}

// ProductStats aggregates one product's stored history.
type ProductStats struct {
	ProductID     string
	Records       int64
	MinPrice      decimal.Decimal
	MaxPrice      decimal.Decimal
	AvgPrice      decimal.Decimal
	Volatility    float64
	FirstObserved time.Time
	LastObserved  time.Time
}

// Stats summarises the whole store.
type Stats struct {
	Products int64
	Records  int64
	Changes  int64
	Alerts   int64
}

// ComputeProductStats derives aggregates from a product's records so every
// backend reports identical numbers regardless of SQL dialect.
func ComputeProductStats(productID string, records []HistoryRecord) *ProductStats {
	if len(records) == 0 {
		return &ProductStats{ProductID: productID}
	}

	stats := &ProductStats{
		ProductID:     productID,
		Records:       int64(len(records)),
		MinPrice:      records[0].Price,
		MaxPrice:      records[0].Price,
		FirstObserved: records[0].ObservedAt,
		LastObserved:  records[0].ObservedAt,
	}

	sum := decimal.Zero
	for _, rec := range records {
		if rec.Price.LessThan(stats.MinPrice) {
			stats.MinPrice = rec.Price
		}
		if rec.Price.GreaterThan(stats.MaxPrice) {
			stats.MaxPrice = rec.Price
		}
		if rec.ObservedAt.Before(stats.FirstObserved) {
			stats.FirstObserved = rec.ObservedAt
		}
		if rec.ObservedAt.After(stats.LastObserved) {
			stats.LastObserved = rec.ObservedAt
		}
		sum = sum.Add(rec.Price)
	}
	stats.AvgPrice = sum.Div(decimal.NewFromInt(stats.Records))

	mean, _ := stats.AvgPrice.Float64()
	var variance float64
	for _, rec := range records {
		price, _ := rec.Price.Float64()
		variance += (price - mean) * (price - mean)
	}
	stats.Volatility = math.Sqrt(variance / float64(len(records)))

	return stats
}
