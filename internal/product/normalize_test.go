package product

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func testNormalizer() *Normalizer {
	return NewNormalizer(Options{
		DefaultCurrency: "MAD",
		Now:             func() time.Time { return time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC) },
	})
}

func TestParsePriceText(t *testing.T) {
	cases := []struct {
		text string
		want string
	}{
		{"1,099.00 Dhs", "1099"},
		{"MAD 1 099,00", "1099"},
		{"$59.99", "59.99"},
		{"169.00 Dhs - 179.00 Dhs", "169"},
		{"1.099,50", "1099.5"},
		{"2,499", "2499"},
		{"249", "249"},
		{"99,5", "99.5"},
		{"1.299.00", "1299"},
	}
	for _, tc := range cases {
		got, err := parsePriceText(tc.text)
		if err != nil {
			t.Fatalf("parsePriceText(%q): %v", tc.text, err)
		}
		want, _ := decimal.NewFromString(tc.want)
		if !got.Equal(want) {
			t.Fatalf("parsePriceText(%q) = %s, want %s", tc.text, got, want)
		}
	}
}

func TestParsePriceTextGarbage(t *testing.T) {
	for _, text := range []string{"", "Prix non disponible", "N/A", "--"} {
		if _, err := parsePriceText(text); err == nil {
			t.Fatalf("parsePriceText(%q) should fail", text)
		}
	}
}

func TestNormalizeRejections(t *testing.T) {
	cases := []struct {
		name   string
		raw    Raw
		reason string
	}{
		{"no id or url", Raw{"price": "10.00"}, ReasonMissingProductID},
		{"no price", Raw{"product_id": "p1"}, ReasonMissingPrice},
		{"nil price", Raw{"product_id": "p1", "price": nil}, ReasonMissingPrice},
		{"garbage price", Raw{"product_id": "p1", "price": "call us"}, ReasonUnparseablePrice},
		{"negative price", Raw{"product_id": "p1", "price": "-49.00 Dhs"}, ReasonNegativePrice},
		{"garbage timestamp", Raw{"product_id": "p1", "price": 10.0, "observed_at": "yesterdayish"}, ReasonUnparseableTime},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, rej := testNormalizer().Normalize(tc.raw)
			if rej == nil {
				t.Fatalf("expected rejection %q, got none", tc.reason)
			}
			if rej.Reason != tc.reason {
				t.Fatalf("reason = %q, want %q", rej.Reason, tc.reason)
			}
		})
	}
}

func TestNormalizeDerivesStableID(t *testing.T) {
	n := testNormalizer()

	variants := []string{
		"https://www.jumia.ma/lave-linge-samsung-7kg-123456.html?utm_source=mail&ref=home",
		"HTTPS://WWW.JUMIA.MA/lave-linge-samsung-7kg-123456.html",
		"https://www.jumia.ma:443/lave-linge-samsung-7kg-123456.html/",
	}
	ids := make(map[string]bool)
	for _, u := range variants {
		snap, rej := n.Normalize(Raw{"url": u, "price": "1,099.00 Dhs"})
		if rej != nil {
			t.Fatalf("normalize %q rejected: %+v", u, rej)
		}
		ids[snap.ProductID] = true
	}
	if len(ids) != 1 {
		t.Fatalf("equivalent URLs produced %d distinct ids: %v", len(ids), ids)
	}

	// A reordered query string must not change the identity either.
	a, _ := n.Normalize(Raw{"url": "https://shop.example.com/item?b=2&a=1", "price": 10.0})
	b, _ := n.Normalize(Raw{"url": "https://shop.example.com/item?a=1&b=2", "price": 10.0})
	if a.ProductID != b.ProductID {
		t.Fatalf("query order changed id: %s vs %s", a.ProductID, b.ProductID)
	}

	// An explicit product_id wins over URL derivation.
	c, _ := n.Normalize(Raw{"product_id": "SKU-42", "url": variants[0], "price": 10.0})
	if c.ProductID != "SKU-42" {
		t.Fatalf("explicit id ignored, got %s", c.ProductID)
	}
}

func TestNormalizeSnapshotFields(t *testing.T) {
	n := testNormalizer()
	snap, rej := n.Normalize(Raw{
		"product_id":   "p1",
		"price":        "2,499.00 Dhs",
		"observed_at":  "2026-03-10T08:00:00Z",
		"availability": "In Stock",
		"source":       "jumia.ma",
		"name":         "Samsung Galaxy A16",
		"brand":        "Samsung",
		"category":     "phones",
		"old_price":    "2,799.00 Dhs",
		"discount":     11,
		"rating":       nil,
	})
	if rej != nil {
		t.Fatalf("unexpected rejection: %+v", rej)
	}
	if !snap.Price.Equal(decimal.NewFromInt(2499)) {
		t.Fatalf("price = %s", snap.Price)
	}
	if snap.Currency != "MAD" {
		t.Fatalf("currency = %q, want default MAD", snap.Currency)
	}
	if snap.Availability != "in stock" {
		t.Fatalf("availability = %q", snap.Availability)
	}
	if snap.Source != "jumia.ma" {
		t.Fatalf("source = %q", snap.Source)
	}
	if got := snap.ObservedAt; !got.Equal(time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)) {
		t.Fatalf("observed_at = %s", got)
	}
	for key, want := range map[string]string{
		"name":      "Samsung Galaxy A16",
		"brand":     "Samsung",
		"category":  "phones",
		"old_price": "2,799.00 Dhs",
		"discount":  "11",
	} {
		if snap.Extra[key] != want {
			t.Fatalf("extra[%s] = %q, want %q", key, snap.Extra[key], want)
		}
	}
	if _, ok := snap.Extra["price"]; ok {
		t.Fatal("consumed field leaked into extra")
	}
}

func TestNormalizeTimestampForms(t *testing.T) {
	n := testNormalizer()
	want := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

	forms := []any{
		"2026-03-10T08:00:00Z",
		"2026-03-10 08:00:00",
		float64(want.Unix()),
		want.UnixMilli(),
	}
	for _, form := range forms {
		snap, rej := n.Normalize(Raw{"product_id": "p1", "price": 10.0, "observed_at": form})
		if rej != nil {
			t.Fatalf("form %v rejected: %+v", form, rej)
		}
		if !snap.ObservedAt.Equal(want) {
			t.Fatalf("form %v gave %s, want %s", form, snap.ObservedAt, want)
		}
	}

	// Missing timestamp falls back to the injected clock.
	snap, rej := n.Normalize(Raw{"product_id": "p1", "price": 10.0})
	if rej != nil {
		t.Fatalf("unexpected rejection: %+v", rej)
	}
	if !snap.ObservedAt.Equal(time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)) {
		t.Fatalf("fallback observed_at = %s", snap.ObservedAt)
	}
}
