// Package classify turns consecutive history records into classified
// price transitions.
package classify

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"pricetrack/internal/storage"
)

// DefaultEpsilon absorbs float rounding noise in relative deltas.
const DefaultEpsilon = 0.001

// Classifier compares a newly appended record against the previous latest.
// Pure: safe for concurrent use across product workers.
type Classifier struct {
	epsilon decimal.Decimal
}

// New constructs a classifier; non-positive epsilon falls back to the default.
func New(epsilon float64) *Classifier {
	eps := decimal.NewFromFloat(epsilon)
	if eps.LessThanOrEqual(decimal.Zero) {
		eps = decimal.NewFromFloat(DefaultEpsilon)
	}
	return &Classifier{epsilon: eps}
}

// Classify returns the transition between prev and cur, or nil when the
// price is unchanged within epsilon (unchanged transitions are never
// persisted). A nil prev yields first_seen. Errors indicate invariant
// violations that abort the product, not the batch.
func (c *Classifier) Classify(prev *storage.HistoryRecord, cur storage.HistoryRecord) (*storage.ChangeRecord, error) {
	if cur.Price.IsNegative() {
		return nil, fmt.Errorf("negative price %s reached classifier for %s", cur.Price, cur.ProductID)
	}

	if prev == nil {
		return &storage.ChangeRecord{
			ID:         uuid.NewString(),
			ProductID:  cur.ProductID,
			ToSequence: cur.Sequence,
			Kind:       storage.KindFirstSeen,
			PriceFrom:  decimal.Zero,
			PriceTo:    cur.Price,
			DeltaAbs:   decimal.Zero,
			ChangedAt:  cur.ObservedAt,
		}, nil
	}

	if cur.Sequence <= prev.Sequence {
		return nil, fmt.Errorf("sequence %d not after %d for %s", cur.Sequence, prev.Sequence, cur.ProductID)
	}

	deltaAbs := cur.Price.Sub(prev.Price)
	fromSeq := prev.Sequence

	// A zero previous price gives no meaningful relative delta. Any new
	// positive price is recorded as a low-confidence rise.
	if prev.Price.IsZero() {
		if cur.Price.IsZero() {
			return nil, nil
		}
		return &storage.ChangeRecord{
			ID:            uuid.NewString(),
			ProductID:     cur.ProductID,
			FromSequence:  &fromSeq,
			ToSequence:    cur.Sequence,
			Kind:          storage.KindPriceRise,
			PriceFrom:     prev.Price,
			PriceTo:       cur.Price,
			DeltaAbs:      deltaAbs,
			LowConfidence: true,
			ChangedAt:     cur.ObservedAt,
		}, nil
	}

	deltaPct := deltaAbs.Div(prev.Price)

	var kind storage.ChangeKind
	switch {
	case deltaPct.LessThanOrEqual(c.epsilon.Neg()):
		kind = storage.KindPriceDrop
	case deltaPct.GreaterThanOrEqual(c.epsilon):
		kind = storage.KindPriceRise
	default:
		return nil, nil
	}

	return &storage.ChangeRecord{
		ID:           uuid.NewString(),
		ProductID:    cur.ProductID,
		FromSequence: &fromSeq,
		ToSequence:   cur.Sequence,
		Kind:         kind,
		PriceFrom:    prev.Price,
		PriceTo:      cur.Price,
		DeltaAbs:     deltaAbs,
		DeltaPct:     &deltaPct,
		ChangedAt:    cur.ObservedAt,
	}, nil
}
