package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory keeps the full store in process memory. It backs dry runs, the
// simulate command, and tests; semantics match the SQL adapters, including
// the sequence invariant.
type Memory struct {
	mu      sync.RWMutex
	history map[string][]HistoryRecord
	changes []ChangeRecord
	alerts  []AlertRecord
}

// NewMemory constructs an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{history: make(map[string][]HistoryRecord)}
}

// Ping always succeeds.
func (s *Memory) Ping(context.Context) error { return nil }

// EnsureSchema is a no-op kept for adapter parity.
func (s *Memory) EnsureSchema(context.Context) error { return nil }

// Close is a no-op kept for adapter parity.
func (s *Memory) Close() {}

// Append persists one history record and echoes its sequence.
func (s *Memory) Append(_ context.Context, rec HistoryRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := s.history[rec.ProductID]
	var lastSeq int64
	if len(records) > 0 {
		lastSeq = records[len(records)-1].Sequence
	}
	if rec.Sequence != lastSeq+1 {
		return 0, fmt.Errorf("append %s seq %d after %d: %w", rec.ProductID, rec.Sequence, lastSeq, ErrInvariant)
	}
	if rec.IngestedAt.IsZero() {
		rec.IngestedAt = time.Now().UTC()
	}

	s.history[rec.ProductID] = append(records, rec)
	return rec.Sequence, nil
}

// Latest returns a copy of the highest-sequence record, nil when none.
func (s *Memory) Latest(_ context.Context, productID string) (*HistoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := s.history[productID]
	if len(records) == 0 {
		return nil, nil
	}
	rec := records[len(records)-1]
	return &rec, nil
}

// Window returns up to n records, most recent first.
func (s *Memory) Window(_ context.Context, productID string, n int) ([]HistoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := s.history[productID]
	if n > len(records) {
		n = len(records)
	}
	window := make([]HistoryRecord, 0, n)
	for i := len(records) - 1; i >= len(records)-n; i-- {
		window = append(window, records[i])
	}
	return window, nil
}

// HistoryRange lists records ordered by sequence; zero times leave that
// bound open and limit 0 means unbounded.
func (s *Memory) HistoryRange(_ context.Context, productID string, from, to time.Time, limit int) ([]HistoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []HistoryRecord
	for _, rec := range s.history[productID] {
		if !from.IsZero() && rec.ObservedAt.Before(from) {
			continue
		}
		if !to.IsZero() && !rec.ObservedAt.Before(to) {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// AppendChange persists a classified transition.
func (s *Memory) AppendChange(_ context.Context, rec ChangeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changes = append(s.changes, rec)
	return nil
}

// RecentChanges lists changes most recent first; empty productID lists all.
func (s *Memory) RecentChanges(_ context.Context, productID string, limit int) ([]ChangeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ChangeRecord, 0, len(s.changes))
	for _, rec := range s.changes {
		if productID != "" && rec.ProductID != productID {
			continue
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].ChangedAt.Equal(out[j].ChangedAt) {
			return out[i].ChangedAt.After(out[j].ChangedAt)
		}
		return out[i].ToSequence > out[j].ToSequence
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AppendAlert persists a fired alert.
func (s *Memory) AppendAlert(_ context.Context, rec AlertRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, rec)
	return nil
}

// RecentAlerts lists alerts most recent first; empty productID lists all.
func (s *Memory) RecentAlerts(_ context.Context, productID string, limit int) ([]AlertRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	indexed := make([]AlertRecord, 0, len(s.alerts))
	for _, rec := range s.alerts {
		if productID != "" && rec.ProductID != productID {
			continue
		}
		indexed = append(indexed, rec)
	}
	sort.SliceStable(indexed, func(i, j int) bool {
		return indexed[i].TriggeredAt.After(indexed[j].TriggeredAt)
	})
	if limit > 0 && len(indexed) > limit {
		indexed = indexed[:limit]
	}
	return indexed, nil
}

// LastFired returns the most recent trigger time for a (rule, product) pair.
func (s *Memory) LastFired(_ context.Context, ruleID, productID string) (*time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var fired *time.Time
	for _, rec := range s.alerts {
		if rec.RuleID != ruleID || rec.ProductID != productID {
			continue
		}
		if fired == nil || rec.TriggeredAt.After(*fired) {
			ts := rec.TriggeredAt
			fired = &ts
		}
	}
	return fired, nil
}

// ProductStats aggregates one product's history.
func (s *Memory) ProductStats(_ context.Context, productID string) (*ProductStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ComputeProductStats(productID, s.history[productID]), nil
}

// Stats summarises the whole store.
func (s *Memory) Stats(context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &Stats{
		Products: int64(len(s.history)),
		Changes:  int64(len(s.changes)),
		Alerts:   int64(len(s.alerts)),
	}
	for _, records := range s.history {
		stats.Records += int64(len(records))
	}
	return stats, nil
}

var _ Store = (*Memory)(nil)
