package product

import (
	"time"

	"github.com/shopspring/decimal"
)

// Raw is one scraped record as it arrives from a spool file: an open
// field-name to value mapping, shaped differently per source site.
type Raw map[string]any

// Snapshot is one normalized observation of a product. Immutable once
// created; the engine only appends snapshots to history, never edits them.
type Snapshot struct {
	ProductID    string
	ObservedAt   time.Time
	Price        decimal.Decimal
	Currency     string
	Availability string
	Source       string
	// Extra carries source-specific fields (name, brand, category, url,
	// old_price, ...) as an opaque bag. The classifier and detector never
	// read it; only rule scope matching compares its category/brand values.
	Extra map[string]string
}

// Rejection reasons, surfaced in ingest reports.
const (
	ReasonMissingProductID = "missing_product_id"
	ReasonMissingPrice     = "missing_price"
	ReasonUnparseablePrice = "unparseable_price"
	ReasonNegativePrice    = "negative_price"
	ReasonUnparseableTime  = "unparseable_timestamp"
)

// Rejection explains why a raw record was dropped. Rejections are counted
// and logged, never fatal for a batch.
type Rejection struct {
	Reason string
	Field  string
	Value  string
}
