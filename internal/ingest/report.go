package ingest

import (
	"time"

	"pricetrack/internal/storage"
)

// ProductError records a failure that stopped one product's processing
// without aborting the batch.
type ProductError struct {
	ProductID string
	Stage     string
	Err       error
}

func (e ProductError) Error() string {
	return e.ProductID + " (" + e.Stage + "): " + e.Err.Error()
}

func (e ProductError) Unwrap() error { return e.Err }

// Report summarises one ingestion batch. Counters partition the input:
// every received record ends up accepted, skipped, deduped, or rejected,
// except those lost to a per-product error.
type Report struct {
	BatchID    string
	DryRun     bool
	StartedAt  time.Time
	FinishedAt time.Time

	Received    int
	Accepted    int
	Skipped     int
	Deduped     int
	Rejected    int
	Changes     int
	AlertsFired int

	RejectReasons map[string]int
	Errors        []ProductError
	Alerts        []storage.AlertRecord
}

// Duration is the wall time the batch took.
func (r *Report) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// groupResult carries one product group's counters back to the batch
// aggregator.
type groupResult struct {
	accepted int
	skipped  int
	changes  int
	alerts   []storage.AlertRecord
}

func (r *Report) absorb(res groupResult) {
	r.Accepted += res.accepted
	r.Skipped += res.skipped
	r.Changes += res.changes
	r.AlertsFired += len(res.alerts)
	r.Alerts = append(r.Alerts, res.alerts...)
}
