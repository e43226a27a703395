package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
)

// Source yields the current rule set. Implementations may reload on every
// call; callers load once per batch so a mid-batch edit never splits a run.
type Source interface {
	Load(ctx context.Context) (Set, error)
}

// StaticSource serves a fixed rule set, typically rules inlined in the
// configuration file.
type StaticSource struct {
	set Set
}

func NewStaticSource(rules []Rule) *StaticSource {
	set := make(Set, len(rules))
	copy(set, rules)
	return &StaticSource{set: set}
}

func (s *StaticSource) Load(context.Context) (Set, error) {
	return s.set, nil
}

// FileSource re-reads a JSON rule file on every load, so edits take effect
// on the next batch without a restart.
type FileSource struct {
	path string
}

func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// fileRule is the on-disk shape. Cooldown uses Go duration syntax ("24h").
type fileRule struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Kind      string  `json:"kind"`
	ProductID string  `json:"product_id"`
	Category  string  `json:"category"`
	Brand     string  `json:"brand"`
	Param     float64 `json:"param"`
	Active    *bool   `json:"active"`
	Cooldown  string  `json:"cooldown"`
}

func (f *FileSource) Load(context.Context) (Set, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	var entries []fileRule
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse rules file %s: %w", f.path, err)
	}
	set := make(Set, 0, len(entries))
	for i, entry := range entries {
		rule, err := entry.toRule()
		if err != nil {
			return nil, fmt.Errorf("rules file %s entry %d: %w", f.path, i, err)
		}
		set = append(set, rule)
	}
	return set, nil
}

func (e fileRule) toRule() (Rule, error) {
	if e.ID == "" {
		return Rule{}, fmt.Errorf("missing id")
	}
	kind := Kind(e.Kind)
	switch kind {
	case KindThresholdDropPct, KindBelowAbsolutePrice, KindAnomalyFlag:
	default:
		return Rule{}, fmt.Errorf("unknown kind %q", e.Kind)
	}
	if e.ProductID == "" && e.Category == "" && e.Brand == "" {
		return Rule{}, fmt.Errorf("rule %s has no scope", e.ID)
	}
	var cooldown time.Duration
	if e.Cooldown != "" {
		var err error
		cooldown, err = time.ParseDuration(e.Cooldown)
		if err != nil {
			return Rule{}, fmt.Errorf("rule %s cooldown: %w", e.ID, err)
		}
	}
	// Rules are active unless explicitly disabled.
	active := e.Active == nil || *e.Active
	name := e.Name
	if name == "" {
		name = e.ID
	}
	return Rule{
		ID:        e.ID,
		Name:      name,
		Kind:      kind,
		ProductID: e.ProductID,
		Category:  e.Category,
		Brand:     e.Brand,
		Param:     decimal.NewFromFloat(e.Param),
		Active:    active,
		Cooldown:  cooldown,
	}, nil
}

// Combined merges several sources into one, concatenating their sets in
// order.
func Combined(sources ...Source) Source {
	return combinedSource(sources)
}

type combinedSource []Source

func (c combinedSource) Load(ctx context.Context) (Set, error) {
	var merged Set
	for _, src := range c {
		set, err := src.Load(ctx)
		if err != nil {
			return nil, err
		}
		merged = append(merged, set...)
	}
	return merged, nil
}
