package product

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Options parameterise the normalizer.
type Options struct {
	// DefaultCurrency is stamped on snapshots whose source omitted one.
	DefaultCurrency string
	// Now supplies the timestamp for records without an observed_at field.
	Now func() time.Time
}

// Normalizer turns heterogeneous raw scraper records into Snapshots.
// Pure: no I/O, no shared state, safe for concurrent use.
type Normalizer struct {
	defaultCurrency string
	now             func() time.Time
}

// NewNormalizer constructs a normalizer.
func NewNormalizer(opts Options) *Normalizer {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Normalizer{
		defaultCurrency: opts.DefaultCurrency,
		now:             now,
	}
}

// Field names consumed into typed Snapshot fields. Everything else in the
// raw record flows into Extra untouched.
var consumedFields = map[string]bool{
	"product_id":   true,
	"sku":          true,
	"id":           true,
	"price":        true,
	"observed_at":  true,
	"scraped_at":   true,
	"timestamp":    true,
	"currency":     true,
	"availability": true,
	"in_stock":     true,
	"source":       true,
	"site":         true,
}

// Normalize validates and canonicalizes one raw record. A nil Rejection
// means the snapshot is usable.
func (n *Normalizer) Normalize(raw Raw) (Snapshot, *Rejection) {
	id := firstString(raw, "product_id", "sku", "id")
	if id == "" {
		rawURL := firstString(raw, "url", "link", "product_url")
		canonical := canonicalURL(rawURL)
		if canonical == "" {
			return Snapshot{}, &Rejection{Reason: ReasonMissingProductID, Field: "product_id"}
		}
		id = deriveID(canonical)
	}

	priceVal, ok := raw["price"]
	if !ok || priceVal == nil {
		return Snapshot{}, &Rejection{Reason: ReasonMissingPrice, Field: "price"}
	}
	price, err := parsePrice(priceVal)
	if err != nil {
		return Snapshot{}, &Rejection{Reason: ReasonUnparseablePrice, Field: "price", Value: fmt.Sprint(priceVal)}
	}
	if price.IsNegative() {
		return Snapshot{}, &Rejection{Reason: ReasonNegativePrice, Field: "price", Value: price.String()}
	}

	observedAt := n.now().UTC()
	if tsVal, found := firstValue(raw, "observed_at", "scraped_at", "timestamp"); found {
		parsed, err := parseTime(tsVal)
		if err != nil {
			return Snapshot{}, &Rejection{Reason: ReasonUnparseableTime, Field: "observed_at", Value: fmt.Sprint(tsVal)}
		}
		observedAt = parsed
	}

	currency := firstString(raw, "currency")
	if currency == "" {
		currency = n.defaultCurrency
	}

	snap := Snapshot{
		ProductID:    id,
		ObservedAt:   observedAt,
		Price:        price,
		Currency:     strings.ToUpper(currency),
		Availability: availability(raw),
		Source:       firstString(raw, "source", "site"),
		Extra:        extraFields(raw),
	}
	return snap, nil
}

func availability(raw Raw) string {
	if s := firstString(raw, "availability"); s != "" {
		return strings.ToLower(s)
	}
	if v, ok := raw["in_stock"]; ok {
		if b, isBool := v.(bool); isBool {
			if b {
				return "in_stock"
			}
			return "out_of_stock"
		}
	}
	return ""
}

func extraFields(raw Raw) map[string]string {
	extra := make(map[string]string)
	for k, v := range raw {
		if consumedFields[k] {
			continue
		}
		if s, ok := renderScalar(v); ok {
			extra[k] = s
		}
	}
	if len(extra) == 0 {
		return nil
	}
	return extra
}

func renderScalar(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		return s, s != ""
	case bool:
		return strconv.FormatBool(t), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case json.Number:
		return t.String(), true
	default:
		return "", false
	}
}

func firstString(raw Raw, keys ...string) string {
	for _, k := range keys {
		if v, ok := raw[k]; ok {
			if s, isStr := v.(string); isStr {
				if trimmed := strings.TrimSpace(s); trimmed != "" {
					return trimmed
				}
			}
		}
	}
	return ""
}

func firstValue(raw Raw, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := raw[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

// parsePrice accepts the numeric and text shapes the scrapers emit.
func parsePrice(v any) (decimal.Decimal, error) {
	switch t := v.(type) {
	case float64:
		return decimal.NewFromFloat(t), nil
	case int:
		return decimal.NewFromInt(int64(t)), nil
	case int64:
		return decimal.NewFromInt(t), nil
	case json.Number:
		return decimal.NewFromString(t.String())
	case decimal.Decimal:
		return t, nil
	case string:
		return parsePriceText(t)
	default:
		return decimal.Decimal{}, fmt.Errorf("unsupported price type %T", v)
	}
}

// parsePriceText canonicalizes scraped price text such as "1,099.00 Dhs",
// "MAD 1 099,00", "$59.99", or the range "169.00 Dhs - 179.00 Dhs" (first
// bound wins, matching how listing pages quote variant ranges).
func parsePriceText(text string) (decimal.Decimal, error) {
	s := strings.TrimSpace(text)
	if s == "" {
		return decimal.Decimal{}, fmt.Errorf("empty price text")
	}
	if idx := strings.Index(s, " - "); idx > 0 {
		s = s[:idx]
	}

	var b strings.Builder
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == ',':
			b.WriteRune(r)
		case r == '-' && i == 0:
			b.WriteRune(r)
		}
	}
	cleaned := b.String()
	if cleaned == "" || cleaned == "-" {
		return decimal.Decimal{}, fmt.Errorf("no digits in price text %q", text)
	}

	cleaned = resolveSeparators(cleaned)
	price, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse price %q: %w", text, err)
	}
	return price, nil
}

// resolveSeparators decides which of '.' and ',' is the decimal separator.
// When both appear the rightmost wins and the other is a thousands mark;
// a lone comma is decimal only when followed by at most two digits.
func resolveSeparators(s string) string {
	lastDot := strings.LastIndex(s, ".")
	lastComma := strings.LastIndex(s, ",")

	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastDot > lastComma {
			return strings.ReplaceAll(s, ",", "")
		}
		s = strings.ReplaceAll(s, ".", "")
		return strings.Replace(s, ",", ".", 1)
	case lastComma >= 0:
		if strings.Count(s, ",") == 1 && len(s)-lastComma-1 <= 2 {
			return strings.Replace(s, ",", ".", 1)
		}
		return strings.ReplaceAll(s, ",", "")
	case strings.Count(s, ".") > 1:
		head := strings.ReplaceAll(s[:lastDot], ".", "")
		return head + s[lastDot:]
	default:
		return s
	}
}

func parseTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		return parseTimeText(t)
	case float64:
		return unixTime(int64(t)), nil
	case int:
		return unixTime(int64(t)), nil
	case int64:
		return unixTime(t), nil
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return time.Time{}, fmt.Errorf("timestamp %q not an integer", t.String())
		}
		return unixTime(n), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
	}
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseTimeText(s string) (time.Time, error) {
	trimmed := strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, trimmed); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// unixTime treats values beyond the year-33658 second range as milliseconds.
func unixTime(n int64) time.Time {
	if n > 1_000_000_000_000 {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}

// canonicalURL normalizes a product URL so equivalent links map to one
// identifier: lowercase scheme and host, default ports and fragments and
// tracking parameters stripped, remaining query sorted, no trailing slash.
func canonicalURL(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "https://" + trimmed
	}
	u, err := url.Parse(trimmed)
	if err != nil || u.Host == "" {
		return ""
	}

	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	switch {
	case scheme == "http" && strings.HasSuffix(host, ":80"):
		host = strings.TrimSuffix(host, ":80")
	case scheme == "https" && strings.HasSuffix(host, ":443"):
		host = strings.TrimSuffix(host, ":443")
	}

	query := u.Query()
	for key := range query {
		if isTrackingParam(key) {
			query.Del(key)
		}
	}

	path := u.EscapedPath()
	if len(path) > 1 {
		path = strings.TrimRight(path, "/")
	}

	canonical := scheme + "://" + host + path
	if encoded := query.Encode(); encoded != "" {
		canonical += "?" + encoded
	}
	return canonical
}

func isTrackingParam(key string) bool {
	lower := strings.ToLower(key)
	if strings.HasPrefix(lower, "utm_") {
		return true
	}
	switch lower {
	case "gclid", "fbclid", "ref", "mc_cid", "mc_eid":
		return true
	}
	return false
}

// deriveID hashes a canonical URL into a short stable identifier.
func deriveID(canonical string) string {
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])[:16]
}
