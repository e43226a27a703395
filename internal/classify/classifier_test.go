package classify

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"pricetrack/internal/storage"
)

func record(seq int64, price string) storage.HistoryRecord {
	return storage.HistoryRecord{
		ProductID:  "p1",
		Sequence:   seq,
		ObservedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(seq) * time.Hour),
		Price:      decimal.RequireFromString(price),
	}
}

func TestClassifyDropRiseUnchanged(t *testing.T) {
	c := New(DefaultEpsilon)

	cases := []struct {
		name     string
		prev     string
		cur      string
		wantKind storage.ChangeKind
		wantPct  string
		wantNil  bool
	}{
		{name: "ten percent drop", prev: "100", cur: "90", wantKind: storage.KindPriceDrop, wantPct: "-0.1"},
		{name: "five percent rise", prev: "100", cur: "105", wantKind: storage.KindPriceRise, wantPct: "0.05"},
		{name: "identical price", prev: "100", cur: "100", wantNil: true},
		{name: "below epsilon", prev: "100", cur: "100.05", wantNil: true},
		{name: "exactly epsilon drop", prev: "100", cur: "99.9", wantKind: storage.KindPriceDrop, wantPct: "-0.001"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			prev := record(1, tc.prev)
			change, err := c.Classify(&prev, record(2, tc.cur))
			if err != nil {
				t.Fatalf("classify: %v", err)
			}
			if tc.wantNil {
				if change != nil {
					t.Fatalf("expected unchanged (nil), got %+v", change)
				}
				return
			}
			if change == nil {
				t.Fatal("expected a change record")
			}
			if change.Kind != tc.wantKind {
				t.Fatalf("kind = %s, want %s", change.Kind, tc.wantKind)
			}
			if change.DeltaPct == nil || !change.DeltaPct.Equal(decimal.RequireFromString(tc.wantPct)) {
				t.Fatalf("delta_pct = %v, want %s", change.DeltaPct, tc.wantPct)
			}
			if change.FromSequence == nil || *change.FromSequence != 1 || change.ToSequence != 2 {
				t.Fatalf("sequences = %v -> %d", change.FromSequence, change.ToSequence)
			}
			if change.ID == "" {
				t.Fatal("change id not assigned")
			}
		})
	}
}

func TestClassifyFirstSeen(t *testing.T) {
	c := New(DefaultEpsilon)

	change, err := c.Classify(nil, record(1, "50"))
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if change == nil || change.Kind != storage.KindFirstSeen {
		t.Fatalf("change = %+v", change)
	}
	if change.FromSequence != nil {
		t.Fatalf("first_seen has from_sequence %d", *change.FromSequence)
	}
	if change.DeltaPct != nil {
		t.Fatalf("first_seen has delta_pct %s", change.DeltaPct)
	}
	if !change.PriceTo.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("price_to = %s", change.PriceTo)
	}
}

func TestClassifyZeroPreviousPrice(t *testing.T) {
	c := New(DefaultEpsilon)

	prev := record(1, "0")
	change, err := c.Classify(&prev, record(2, "25"))
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if change == nil || change.Kind != storage.KindPriceRise {
		t.Fatalf("change = %+v", change)
	}
	if change.DeltaPct != nil {
		t.Fatalf("delta_pct should be nil for zero base, got %s", change.DeltaPct)
	}
	if !change.LowConfidence {
		t.Fatal("zero-base transition should be low confidence")
	}

	// Zero to zero stays unchanged.
	if change, err := c.Classify(&prev, record(2, "0")); err != nil || change != nil {
		t.Fatalf("zero to zero = %+v, %v", change, err)
	}
}

func TestClassifyInvariantErrors(t *testing.T) {
	c := New(DefaultEpsilon)

	if _, err := c.Classify(nil, record(1, "-5")); err == nil {
		t.Fatal("negative price should error")
	}

	prev := record(2, "100")
	if _, err := c.Classify(&prev, record(2, "90")); err == nil {
		t.Fatal("non-increasing sequence should error")
	}
}
