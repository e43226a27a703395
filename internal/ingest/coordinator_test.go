package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pricetrack/internal/anomaly"
	"pricetrack/internal/classify"
	"pricetrack/internal/product"
	"pricetrack/internal/rules"
	"pricetrack/internal/storage"
)

var batchBase = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func rawRecord(id, price string, at time.Time) product.Raw {
	return product.Raw{
		"product_id":  id,
		"price":       price,
		"observed_at": at.Format(time.RFC3339),
		"source":      "site-a",
	}
}

func testCoordinator(store Store, set []rules.Rule, opts Options) *Coordinator {
	logger := zerolog.Nop()
	if opts.Workers == 0 {
		opts.Workers = 2
	}
	if opts.RetryAttempts == 0 {
		opts.RetryAttempts = 2
	}
	if opts.RetryBackoff == 0 {
		opts.RetryBackoff = time.Millisecond
	}
	if opts.MinReconfirm == 0 {
		opts.MinReconfirm = 6 * time.Hour
	}

	return NewCoordinator(
		product.NewNormalizer(product.Options{DefaultCurrency: "MAD"}),
		store,
		rules.NewStaticSource(set),
		rules.NewEngine(store, logger, nil),
		classify.New(0.001),
		anomaly.NewDetector(anomaly.Options{}),
		nil,
		logger,
		opts,
	)
}

func TestIngestEndToEnd(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	rule := rules.Rule{
		ID:        "drop-15",
		Name:      "15% drop",
		Kind:      rules.KindThresholdDropPct,
		ProductID: "prod-x",
		Param:     decimal.NewFromFloat(0.15),
		Active:    true,
		Cooldown:  24 * time.Hour,
	}
	coord := testCoordinator(store, []rules.Rule{rule}, Options{})

	report, err := coord.Ingest(ctx, []product.Raw{rawRecord("prod-x", "50", batchBase)})
	if err != nil {
		t.Fatalf("first Ingest: %v", err)
	}
	if report.Accepted != 1 || report.Changes != 1 || report.AlertsFired != 0 {
		t.Fatalf("first report = accepted %d changes %d alerts %d, want 1/1/0",
			report.Accepted, report.Changes, report.AlertsFired)
	}

	changes, err := store.RecentChanges(ctx, "prod-x", 0)
	if err != nil {
		t.Fatalf("RecentChanges: %v", err)
	}
	if len(changes) != 1 || changes[0].Kind != storage.KindFirstSeen {
		t.Fatalf("after first batch changes = %+v, want one first_seen", changes)
	}
	if changes[0].FromSequence != nil {
		t.Errorf("first_seen FromSequence = %v, want nil", *changes[0].FromSequence)
	}

	report, err = coord.Ingest(ctx, []product.Raw{rawRecord("prod-x", "40", batchBase.Add(time.Hour))})
	if err != nil {
		t.Fatalf("second Ingest: %v", err)
	}
	if report.Accepted != 1 || report.Changes != 1 || report.AlertsFired != 1 {
		t.Fatalf("second report = accepted %d changes %d alerts %d, want 1/1/1",
			report.Accepted, report.Changes, report.AlertsFired)
	}

	latest, err := store.Latest(ctx, "prod-x")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if latest.Sequence != 2 || !latest.Price.Equal(decimal.NewFromInt(40)) {
		t.Fatalf("latest = seq %d price %s, want seq 2 price 40", latest.Sequence, latest.Price)
	}

	changes, _ = store.RecentChanges(ctx, "prod-x", 1)
	if len(changes) != 1 || changes[0].Kind != storage.KindPriceDrop {
		t.Fatalf("latest change = %+v, want price_drop", changes)
	}
	if changes[0].DeltaPct == nil || !changes[0].DeltaPct.Equal(decimal.NewFromFloat(-0.2)) {
		t.Fatalf("DeltaPct = %v, want -0.2", changes[0].DeltaPct)
	}

	alerts, err := store.RecentAlerts(ctx, "prod-x", 0)
	if err != nil {
		t.Fatalf("RecentAlerts: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("stored %d alerts, want 1", len(alerts))
	}
	alert := alerts[0]
	if alert.RuleID != "drop-15" || !alert.PriceAtTrigger.Equal(decimal.NewFromInt(40)) {
		t.Errorf("alert = %+v", alert)
	}
	want := "prod-x: price dropped 20.0% to 40 (was 50)"
	if alert.Message != want {
		t.Errorf("Message = %q, want %q", alert.Message, want)
	}
	if len(report.Alerts) != 1 || report.Alerts[0].ID != alert.ID {
		t.Errorf("report alerts = %+v, want stored alert echoed", report.Alerts)
	}
}

func TestIngestIdempotence(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	coord := testCoordinator(store, nil, Options{})

	batch := []product.Raw{
		rawRecord("p1", "100", batchBase),
		rawRecord("p1", "90", batchBase.Add(time.Hour)),
		rawRecord("p2", "250", batchBase),
		rawRecord("p2", "300", batchBase.Add(2*time.Hour)),
	}

	first, err := coord.Ingest(ctx, batch)
	if err != nil {
		t.Fatalf("first Ingest: %v", err)
	}
	if first.Accepted != 4 || first.Changes != 4 {
		t.Fatalf("first report = accepted %d changes %d, want 4/4", first.Accepted, first.Changes)
	}

	second, err := coord.Ingest(ctx, batch)
	if err != nil {
		t.Fatalf("second Ingest: %v", err)
	}
	if second.Accepted != 0 || second.Changes != 0 {
		t.Fatalf("replay report = accepted %d changes %d, want 0/0", second.Accepted, second.Changes)
	}
	if second.Skipped != 4 {
		t.Fatalf("replay skipped = %d, want 4", second.Skipped)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Records != 4 || stats.Changes != 4 {
		t.Fatalf("store after replay = %+v, want 4 records 4 changes", stats)
	}
}

func TestIngestMonotonicSequence(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	coord := testCoordinator(store, nil, Options{})

	prices := []string{"100", "90", "95", "85", "110", "70"}
	for i, price := range prices {
		batch := []product.Raw{rawRecord("p1", price, batchBase.Add(time.Duration(i)*time.Hour))}
		if _, err := coord.Ingest(ctx, batch); err != nil {
			t.Fatalf("Ingest %d: %v", i, err)
		}
		// Replaying the previous batch must not open a gap.
		if i > 0 {
			prev := []product.Raw{rawRecord("p1", prices[i-1], batchBase.Add(time.Duration(i-1)*time.Hour))}
			if _, err := coord.Ingest(ctx, prev); err != nil {
				t.Fatalf("replay %d: %v", i, err)
			}
		}
	}

	records, err := store.HistoryRange(ctx, "p1", time.Time{}, time.Time{}, 0)
	if err != nil {
		t.Fatalf("HistoryRange: %v", err)
	}
	if len(records) != len(prices) {
		t.Fatalf("stored %d records, want %d", len(records), len(prices))
	}
	for i, rec := range records {
		if rec.Sequence != int64(i+1) {
			t.Fatalf("record %d has sequence %d, want %d", i, rec.Sequence, i+1)
		}
	}
}

// faultyStore fails Append for one product, counting the attempts.
type faultyStore struct {
	*storage.Memory
	failProduct string
	err         error
	attempts    atomic.Int32
}

func (s *faultyStore) Append(ctx context.Context, rec storage.HistoryRecord) (int64, error) {
	if rec.ProductID == s.failProduct {
		s.attempts.Add(1)
		return 0, s.err
	}
	return s.Memory.Append(ctx, rec)
}

func TestIngestFailureIsolation(t *testing.T) {
	ctx := context.Background()
	store := &faultyStore{
		Memory:      storage.NewMemory(),
		failProduct: "B",
		err:         errors.New("connection reset by peer"),
	}
	coord := testCoordinator(store, nil, Options{RetryAttempts: 2})

	batch := []product.Raw{
		rawRecord("A", "100", batchBase),
		rawRecord("B", "200", batchBase),
		rawRecord("C", "300", batchBase),
	}
	report, err := coord.Ingest(ctx, batch)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	if report.Accepted != 2 {
		t.Fatalf("accepted = %d, want 2", report.Accepted)
	}
	if len(report.Errors) != 1 {
		t.Fatalf("errors = %+v, want one entry", report.Errors)
	}
	perr := report.Errors[0]
	if perr.ProductID != "B" || perr.Stage != "append history" {
		t.Fatalf("error = %+v, want product B at append history", perr)
	}
	if got := store.attempts.Load(); got != 2 {
		t.Errorf("B append attempts = %d, want 2 (retry exhausted)", got)
	}

	for _, id := range []string{"A", "C"} {
		latest, err := store.Latest(ctx, id)
		if err != nil || latest == nil {
			t.Fatalf("product %s missing after isolated failure: %v", id, err)
		}
	}
	if latest, _ := store.Latest(ctx, "B"); latest != nil {
		t.Fatalf("product B unexpectedly stored: %+v", latest)
	}
}

type downStore struct{ *storage.Memory }

func (s *downStore) Ping(context.Context) error {
	return fmt.Errorf("dial tcp: %w", storage.ErrUnavailable)
}

func TestIngestStoreUnavailable(t *testing.T) {
	ctx := context.Background()

	t.Run("at batch start", func(t *testing.T) {
		coord := testCoordinator(&downStore{storage.NewMemory()}, nil, Options{})
		report, err := coord.Ingest(ctx, []product.Raw{rawRecord("p1", "100", batchBase)})
		if !errors.Is(err, storage.ErrUnavailable) {
			t.Fatalf("err = %v, want ErrUnavailable", err)
		}
		if report != nil {
			t.Fatalf("report = %+v, want nil before any processing", report)
		}
	})

	t.Run("mid batch", func(t *testing.T) {
		store := &faultyStore{
			Memory:      storage.NewMemory(),
			failProduct: "B",
			err:         fmt.Errorf("write: %w", storage.ErrUnavailable),
		}
		coord := testCoordinator(store, nil, Options{})
		batch := []product.Raw{
			rawRecord("A", "100", batchBase),
			rawRecord("B", "200", batchBase),
			rawRecord("C", "300", batchBase),
		}
		report, err := coord.Ingest(ctx, batch)
		if !errors.Is(err, storage.ErrUnavailable) {
			t.Fatalf("err = %v, want ErrUnavailable", err)
		}
		if report == nil {
			t.Fatal("partial report should still be returned")
		}
		if got := store.attempts.Load(); got != 1 {
			t.Errorf("unavailable store retried %d times, want 1 attempt", got)
		}
	})
}

func TestIngestRejectsNeverAbort(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	coord := testCoordinator(store, nil, Options{})

	batch := []product.Raw{
		{"price": "100", "observed_at": batchBase.Format(time.RFC3339)},
		rawRecord("p1", "N/A", batchBase),
		rawRecord("p2", "-5", batchBase),
		rawRecord("p3", "100", batchBase),
	}
	report, err := coord.Ingest(ctx, batch)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	if report.Rejected != 3 || report.Accepted != 1 {
		t.Fatalf("report = rejected %d accepted %d, want 3/1", report.Rejected, report.Accepted)
	}
	wantReasons := map[string]int{
		product.ReasonMissingProductID: 1,
		product.ReasonUnparseablePrice: 1,
		product.ReasonNegativePrice:    1,
	}
	for reason, count := range wantReasons {
		if report.RejectReasons[reason] != count {
			t.Errorf("RejectReasons[%s] = %d, want %d", reason, report.RejectReasons[reason], count)
		}
	}
}

func TestIngestIntraBatchDedup(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	coord := testCoordinator(store, nil, Options{DedupTolerance: 5 * time.Second})

	batch := []product.Raw{
		rawRecord("p1", "100", batchBase),
		rawRecord("p1", "100", batchBase),
		rawRecord("p1", "100", batchBase.Add(2*time.Second)),
		rawRecord("p1", "120", batchBase.Add(3*time.Second)),
	}
	report, err := coord.Ingest(ctx, batch)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	if report.Deduped != 2 {
		t.Fatalf("deduped = %d, want 2", report.Deduped)
	}
	if report.Accepted != 2 {
		t.Fatalf("accepted = %d, want 2 (first sighting and price move)", report.Accepted)
	}
}

func TestIngestReconfirmationSkip(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	coord := testCoordinator(store, nil, Options{MinReconfirm: 6 * time.Hour})

	if _, err := coord.Ingest(ctx, []product.Raw{rawRecord("p1", "100", batchBase)}); err != nil {
		t.Fatalf("seed Ingest: %v", err)
	}

	report, err := coord.Ingest(ctx, []product.Raw{rawRecord("p1", "100", batchBase.Add(time.Hour))})
	if err != nil {
		t.Fatalf("unchanged Ingest: %v", err)
	}
	if report.Skipped != 1 || report.Accepted != 0 {
		t.Fatalf("fresh reconfirmation = skipped %d accepted %d, want 1/0", report.Skipped, report.Accepted)
	}

	report, err = coord.Ingest(ctx, []product.Raw{rawRecord("p1", "100", batchBase.Add(7*time.Hour))})
	if err != nil {
		t.Fatalf("stale reconfirmation Ingest: %v", err)
	}
	if report.Accepted != 1 || report.Changes != 0 {
		t.Fatalf("stale reconfirmation = accepted %d changes %d, want 1/0", report.Accepted, report.Changes)
	}

	records, _ := store.HistoryRange(ctx, "p1", time.Time{}, time.Time{}, 0)
	if len(records) != 2 {
		t.Fatalf("history length = %d, want 2", len(records))
	}
	changes, _ := store.RecentChanges(ctx, "p1", 0)
	if len(changes) != 1 {
		t.Fatalf("changes = %d, want only the first_seen", len(changes))
	}
}

func TestIngestAnomalyOverride(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	rule := rules.Rule{
		ID:        "odd-price",
		Kind:      rules.KindAnomalyFlag,
		ProductID: "p1",
		Active:    true,
	}
	coord := testCoordinator(store, []rules.Rule{rule}, Options{})

	batch := []product.Raw{
		rawRecord("p1", "100", batchBase),
		rawRecord("p1", "101", batchBase.Add(1*time.Minute)),
		rawRecord("p1", "100", batchBase.Add(2*time.Minute)),
		rawRecord("p1", "101", batchBase.Add(3*time.Minute)),
		rawRecord("p1", "100", batchBase.Add(4*time.Minute)),
		rawRecord("p1", "500", batchBase.Add(5*time.Minute)),
	}
	report, err := coord.Ingest(ctx, batch)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if report.Accepted != 6 || report.Changes != 6 {
		t.Fatalf("report = accepted %d changes %d, want 6/6", report.Accepted, report.Changes)
	}
	if report.AlertsFired != 1 {
		t.Fatalf("alerts fired = %d, want 1 (anomaly only)", report.AlertsFired)
	}

	changes, _ := store.RecentChanges(ctx, "p1", 1)
	if len(changes) != 1 || changes[0].Kind != storage.KindAnomaly {
		t.Fatalf("latest change = %+v, want anomaly", changes)
	}
	if changes[0].DeltaPct == nil || !changes[0].DeltaPct.Equal(decimal.NewFromInt(4)) {
		t.Fatalf("anomaly DeltaPct = %v, want 4 (preserved)", changes[0].DeltaPct)
	}
}

func TestIngestAnomalyNeedsMinimumHistory(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	coord := testCoordinator(store, nil, Options{})

	batch := []product.Raw{
		rawRecord("p1", "100", batchBase),
		rawRecord("p1", "101", batchBase.Add(1*time.Minute)),
		rawRecord("p1", "100", batchBase.Add(2*time.Minute)),
		rawRecord("p1", "101", batchBase.Add(3*time.Minute)),
		rawRecord("p1", "100000", batchBase.Add(4*time.Minute)),
	}
	if _, err := coord.Ingest(ctx, batch); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	changes, _ := store.RecentChanges(ctx, "p1", 1)
	if len(changes) != 1 || changes[0].Kind != storage.KindPriceRise {
		t.Fatalf("latest change = %+v, want price_rise (too little history to flag)", changes)
	}
}

func TestIngestCancellation(t *testing.T) {
	store := storage.NewMemory()
	coord := testCoordinator(store, nil, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := coord.Ingest(ctx, []product.Raw{rawRecord("p1", "100", batchBase)})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if report == nil || report.Accepted != 0 {
		t.Fatalf("report = %+v, want empty partial report", report)
	}
	if latest, _ := store.Latest(context.Background(), "p1"); latest != nil {
		t.Fatalf("cancelled run persisted %+v", latest)
	}
}

func TestIngestSpreadsProductsAcrossWorkers(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	coord := testCoordinator(store, nil, Options{Workers: 4})

	var batch []product.Raw
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("p%02d", i)
		batch = append(batch,
			rawRecord(id, "100", batchBase),
			rawRecord(id, "90", batchBase.Add(time.Hour)),
		)
	}
	report, err := coord.Ingest(ctx, batch)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	if report.Accepted != 40 || report.Changes != 40 || len(report.Errors) != 0 {
		t.Fatalf("report = accepted %d changes %d errors %d, want 40/40/0",
			report.Accepted, report.Changes, len(report.Errors))
	}
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("p%02d", i)
		latest, err := store.Latest(ctx, id)
		if err != nil || latest == nil || latest.Sequence != 2 {
			t.Fatalf("product %s latest = %+v (%v), want sequence 2", id, latest, err)
		}
	}
}
