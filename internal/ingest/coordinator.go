// Package ingest orchestrates batch ingestion: normalization, intra-batch
// dedup, sequenced history appends, classification, anomaly checks, and
// rule evaluation, with failures isolated per product.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"pricetrack/internal/alerting"
	"pricetrack/internal/anomaly"
	"pricetrack/internal/classify"
	"pricetrack/internal/product"
	"pricetrack/internal/rules"
	"pricetrack/internal/storage"
)

// Store is the persistence surface ingestion needs.
type Store interface {
	storage.HistoryStore
	storage.ChangeStore
	storage.AlertStore
	storage.Pinger
}

// Options tunes batch processing.
type Options struct {
	// Workers caps concurrent product groups. One product's snapshots are
	// always processed serially regardless.
	Workers int
	// DedupTolerance collapses intra-batch snapshots with equal price and
	// availability observed within this span of each other.
	DedupTolerance time.Duration
	// MinReconfirm is how much newer an unchanged observation must be to
	// earn a history record instead of a skip.
	MinReconfirm time.Duration
	// RetryAttempts caps total tries per store operation.
	RetryAttempts int
	// RetryBackoff is the linear backoff unit between tries.
	RetryBackoff time.Duration
}

// Coordinator runs batches through the ingestion pipeline.
type Coordinator struct {
	normalizer *product.Normalizer
	store      Store
	source     rules.Source
	engine     *rules.Engine
	classifier *classify.Classifier
	detector   *anomaly.Detector
	notifier   alerting.Notifier
	logger     zerolog.Logger
	opts       Options
}

// NewCoordinator wires the ingestion pipeline. notifier may be nil when
// alerts should only be persisted.
func NewCoordinator(normalizer *product.Normalizer, store Store, source rules.Source, engine *rules.Engine, classifier *classify.Classifier, detector *anomaly.Detector, notifier alerting.Notifier, logger zerolog.Logger, opts Options) *Coordinator {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 3
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 250 * time.Millisecond
	}

	return &Coordinator{
		normalizer: normalizer,
		store:      store,
		source:     source,
		engine:     engine,
		classifier: classifier,
		detector:   detector,
		notifier:   notifier,
		logger:     logger.With().Str("component", "ingest").Logger(),
		opts:       opts,
	}
}

// group is one product's slice of a batch, processed serially.
type group struct {
	id        string
	target    rules.Target
	snapshots []product.Snapshot
}

// stageError tags a failure with the pipeline stage it happened in.
type stageError struct {
	stage string
	err   error
}

func (e *stageError) Error() string { return e.stage + ": " + e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

// Ingest runs one batch end to end and reports what happened. Only rule
// loading and total store unavailability abort the batch; everything else
// degrades to reject counts or per-product errors.
func (c *Coordinator) Ingest(ctx context.Context, raws []product.Raw) (*Report, error) {
	report := &Report{
		BatchID:       uuid.NewString(),
		StartedAt:     time.Now().UTC(),
		Received:      len(raws),
		RejectReasons: make(map[string]int),
	}

	if err := c.store.Ping(ctx); err != nil {
		return nil, fmt.Errorf("store unavailable: %w", err)
	}
	set, err := c.source.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}

	groups := c.partition(raws, report)
	if len(groups) == 0 {
		report.FinishedAt = time.Now().UTC()
		return report, nil
	}

	workers := c.opts.Workers
	if workers > len(groups) {
		workers = len(groups)
	}
	shards := make([][]*group, workers)
	for _, g := range groups {
		idx := shardFor(g.id, workers)
		shards[idx] = append(shards[idx], g)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		fatalErr error
	)
	for _, shard := range shards {
		if len(shard) == 0 {
			continue
		}
		wg.Add(1)
		go func(shard []*group) {
			defer wg.Done()
			for _, g := range shard {
				if runCtx.Err() != nil {
					return
				}
				res, err := c.processGroup(runCtx, report.BatchID, g, set)
				mu.Lock()
				report.absorb(res)
				mu.Unlock()
				if err == nil {
					continue
				}
				if errors.Is(err, storage.ErrUnavailable) {
					mu.Lock()
					if fatalErr == nil {
						fatalErr = err
					}
					mu.Unlock()
					cancel()
					return
				}
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}

				stage := "process"
				cause := err
				var se *stageError
				if errors.As(err, &se) {
					stage = se.stage
					cause = se.err
				}
				mu.Lock()
				report.Errors = append(report.Errors, ProductError{ProductID: g.id, Stage: stage, Err: cause})
				mu.Unlock()
				c.logger.Error().Err(cause).
					Str("product_id", g.id).
					Str("stage", stage).
					Msg("product processing failed")
			}
		}(shard)
	}
	wg.Wait()

	report.FinishedAt = time.Now().UTC()
	if fatalErr != nil {
		return report, fmt.Errorf("store unavailable: %w", fatalErr)
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}

	c.logger.Info().
		Str("batch_id", report.BatchID).
		Int("received", report.Received).
		Int("accepted", report.Accepted).
		Int("skipped", report.Skipped).
		Int("deduped", report.Deduped).
		Int("rejected", report.Rejected).
		Int("errors", len(report.Errors)).
		Int("alerts_fired", report.AlertsFired).
		Dur("took", report.Duration()).
		Msg("batch complete")
	return report, nil
}

// partition normalizes raw records and groups survivors per product in
// first-seen order. Rejects and intra-batch duplicates are counted here,
// before any store access.
func (c *Coordinator) partition(raws []product.Raw, report *Report) []*group {
	byID := make(map[string]*group)
	var order []string
	for _, raw := range raws {
		snap, rej := c.normalizer.Normalize(raw)
		if rej != nil {
			report.Rejected++
			report.RejectReasons[rej.Reason]++
			c.logger.Debug().
				Str("reason", rej.Reason).
				Str("field", rej.Field).
				Str("value", rej.Value).
				Msg("snapshot rejected")
			continue
		}

		g, ok := byID[snap.ProductID]
		if !ok {
			g = &group{id: snap.ProductID}
			byID[snap.ProductID] = g
			order = append(order, snap.ProductID)
		}
		g.refreshTarget(snap)
		g.snapshots = append(g.snapshots, snap)
	}

	groups := make([]*group, 0, len(order))
	for _, id := range order {
		g := byID[id]
		// Stable sort keeps arrival order for equal timestamps, so the
		// processing order is deterministic.
		sort.SliceStable(g.snapshots, func(i, j int) bool {
			return g.snapshots[i].ObservedAt.Before(g.snapshots[j].ObservedAt)
		})
		report.Deduped += g.dedupe(c.opts.DedupTolerance)
		groups = append(groups, g)
	}
	return groups
}

// refreshTarget fills rule scope fields from the first snapshot that
// carries them.
func (g *group) refreshTarget(snap product.Snapshot) {
	g.target.ProductID = g.id
	if g.target.Category == "" {
		g.target.Category = snap.Extra["category"]
	}
	if g.target.Brand == "" {
		g.target.Brand = snap.Extra["brand"]
	}
	if g.target.Name == "" {
		g.target.Name = snap.Extra["name"]
	}
	if g.target.Name == "" {
		g.target.Name = snap.Extra["title"]
	}
}

// dedupe collapses runs of equal price and availability observed within
// tolerance of each other, keeping the first. Scraper retries commonly
// resend an unchanged page seconds apart.
func (g *group) dedupe(tolerance time.Duration) int {
	if len(g.snapshots) < 2 {
		return 0
	}
	kept := g.snapshots[:1]
	dropped := 0
	for _, snap := range g.snapshots[1:] {
		last := kept[len(kept)-1]
		if snap.Price.Equal(last.Price) &&
			snap.Availability == last.Availability &&
			snap.ObservedAt.Sub(last.ObservedAt) <= tolerance {
			dropped++
			continue
		}
		kept = append(kept, snap)
	}
	g.snapshots = kept
	return dropped
}

// shardFor pins a product group to a worker deterministically.
func shardFor(productID string, workers int) int {
	h := fnv.New32a()
	h.Write([]byte(productID))
	return int(h.Sum32() % uint32(workers))
}

// processGroup walks one product's snapshots in order. The latest stored
// record as of group start is the replay horizon: observations at or
// before it were already ingested by an earlier run and skip silently,
// which is what makes re-ingesting a batch idempotent. A returned error
// abandons the rest of this product's snapshots only.
func (c *Coordinator) processGroup(ctx context.Context, batchID string, g *group, set rules.Set) (groupResult, error) {
	var res groupResult

	prev, err := c.loadLatest(ctx, g.id)
	if err != nil {
		return res, &stageError{"load latest", err}
	}
	var horizon time.Time
	if prev != nil {
		horizon = prev.ObservedAt
	}

	for _, snap := range g.snapshots {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		if prev != nil && !snap.ObservedAt.After(horizon) {
			res.skipped++
			continue
		}

		// Unchanged state: skip unless the observation is old enough to
		// be worth re-confirming in history. Re-confirmations extend
		// history without a change record.
		if prev != nil && snap.Price.Equal(prev.Price) && snap.Availability == prev.Availability {
			if snap.ObservedAt.Sub(prev.ObservedAt) < c.opts.MinReconfirm {
				res.skipped++
				continue
			}
			rec := c.historyRecord(batchID, g.id, prev.Sequence+1, snap)
			if err := c.appendHistory(ctx, rec); err != nil {
				return res, &stageError{"append history", err}
			}
			res.accepted++
			prev = &rec
			continue
		}

		rec := c.historyRecord(batchID, g.id, nextSeq(prev), snap)

		// The detector needs the window as it stood before this append.
		window, err := c.loadWindow(ctx, g.id)
		if err != nil {
			return res, &stageError{"load window", err}
		}

		if err := c.appendHistory(ctx, rec); err != nil {
			return res, &stageError{"append history", err}
		}
		res.accepted++

		change, err := c.classifier.Classify(prev, rec)
		if err != nil {
			return res, &stageError{"classify", err}
		}
		if c.detector.Check(window, rec) {
			change = anomalous(change, prev, rec)
		}
		prev = &rec
		if change == nil {
			continue
		}

		if err := c.appendChange(ctx, *change); err != nil {
			return res, &stageError{"append change", err}
		}
		res.changes++

		alerts, err := c.evaluateRules(ctx, *change, g.target, set)
		if err != nil {
			return res, &stageError{"evaluate rules", err}
		}
		for _, alert := range alerts {
			// Persist before dispatch: cooldowns are derived from stored
			// alerts, and an unpersisted alert must never reach a channel.
			if err := c.appendAlert(ctx, alert); err != nil {
				return res, &stageError{"append alert", err}
			}
			res.alerts = append(res.alerts, alert)
			c.dispatch(ctx, alert)
		}
	}
	return res, nil
}

func (c *Coordinator) historyRecord(batchID, productID string, seq int64, snap product.Snapshot) storage.HistoryRecord {
	return storage.HistoryRecord{
		ProductID:    productID,
		Sequence:     seq,
		ObservedAt:   snap.ObservedAt,
		Price:        snap.Price,
		Currency:     snap.Currency,
		Availability: snap.Availability,
		Source:       snap.Source,
		BatchID:      batchID,
		IngestedAt:   time.Now().UTC(),
	}
}

func nextSeq(prev *storage.HistoryRecord) int64 {
	if prev == nil {
		return 1
	}
	return prev.Sequence + 1
}

// anomalous overrides a transition's kind, synthesizing the record when
// the classifier saw a sub-epsilon move. Delta fields keep their real
// values so reports show the true magnitude.
func anomalous(change *storage.ChangeRecord, prev *storage.HistoryRecord, rec storage.HistoryRecord) *storage.ChangeRecord {
	if change != nil {
		change.Kind = storage.KindAnomaly
		return change
	}
	if prev == nil {
		return nil
	}

	fromSeq := prev.Sequence
	out := &storage.ChangeRecord{
		ID:           uuid.NewString(),
		ProductID:    rec.ProductID,
		FromSequence: &fromSeq,
		ToSequence:   rec.Sequence,
		Kind:         storage.KindAnomaly,
		PriceFrom:    prev.Price,
		PriceTo:      rec.Price,
		DeltaAbs:     rec.Price.Sub(prev.Price),
		ChangedAt:    rec.ObservedAt,
	}
	if !prev.Price.IsZero() {
		pct := out.DeltaAbs.Div(prev.Price)
		out.DeltaPct = &pct
	}
	return out
}

// retry runs op with bounded linear backoff. Invariant violations are
// permanent and unavailability is batch-fatal, so neither is retried.
func (c *Coordinator) retry(ctx context.Context, op func() error) error {
	var err error
	for attempt := 1; attempt <= c.opts.RetryAttempts; attempt++ {
		err = op()
		if err == nil ||
			errors.Is(err, storage.ErrInvariant) ||
			errors.Is(err, storage.ErrUnavailable) ||
			errors.Is(err, context.Canceled) ||
			errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if attempt == c.opts.RetryAttempts {
			break
		}
		c.logger.Warn().Err(err).Int("attempt", attempt).Msg("store operation failed, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * c.opts.RetryBackoff):
		}
	}
	return err
}

func (c *Coordinator) loadLatest(ctx context.Context, productID string) (*storage.HistoryRecord, error) {
	var rec *storage.HistoryRecord
	err := c.retry(ctx, func() error {
		var opErr error
		rec, opErr = c.store.Latest(ctx, productID)
		return opErr
	})
	return rec, err
}

func (c *Coordinator) loadWindow(ctx context.Context, productID string) ([]storage.HistoryRecord, error) {
	var window []storage.HistoryRecord
	err := c.retry(ctx, func() error {
		var opErr error
		window, opErr = c.store.Window(ctx, productID, c.detector.WindowSize())
		return opErr
	})
	return window, err
}

func (c *Coordinator) appendHistory(ctx context.Context, rec storage.HistoryRecord) error {
	return c.retry(ctx, func() error {
		_, err := c.store.Append(ctx, rec)
		return err
	})
}

func (c *Coordinator) appendChange(ctx context.Context, rec storage.ChangeRecord) error {
	return c.retry(ctx, func() error { return c.store.AppendChange(ctx, rec) })
}

func (c *Coordinator) appendAlert(ctx context.Context, rec storage.AlertRecord) error {
	return c.retry(ctx, func() error { return c.store.AppendAlert(ctx, rec) })
}

// evaluateRules wraps rule evaluation in the retry policy because the
// cooldown lookup reads the store.
func (c *Coordinator) evaluateRules(ctx context.Context, change storage.ChangeRecord, target rules.Target, set rules.Set) ([]storage.AlertRecord, error) {
	var alerts []storage.AlertRecord
	err := c.retry(ctx, func() error {
		var opErr error
		alerts, opErr = c.engine.Evaluate(ctx, change, target, set)
		return opErr
	})
	return alerts, err
}

// dispatch hands a persisted alert to the notifier. Delivery failures are
// logged only.
func (c *Coordinator) dispatch(ctx context.Context, alert storage.AlertRecord) {
	if c.notifier == nil {
		return
	}
	if err := c.notifier.Notify(ctx, alert); err != nil {
		c.logger.Error().Err(err).
			Str("alert_id", alert.ID).
			Str("product_id", alert.ProductID).
			Str("rule_id", alert.RuleID).
			Msg("failed to dispatch alert")
	}
}
