// Package rules evaluates user-configured alert rules against classified
// price transitions, enforcing per (rule, product) cooldowns.
package rules

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Kind discriminates rule predicates.
type Kind string

const (
	// KindThresholdDropPct fires on drops (or anomalies) whose relative
	// delta magnitude reaches the parameter.
	KindThresholdDropPct Kind = "threshold_drop_pct"
	// KindBelowAbsolutePrice fires whenever the current price reaches the
	// parameter floor, whatever the transition kind.
	KindBelowAbsolutePrice Kind = "below_absolute_price"
	// KindAnomalyFlag fires on anomaly transitions.
	KindAnomalyFlag Kind = "anomaly_flag"
)

// Rule is one configured alert predicate. Scope fields that are set must
// all match; a rule with no scope matches nothing.
type Rule struct {
	ID        string
	Name      string
	Kind      Kind
	ProductID string
	Category  string
	Brand     string
	Param     decimal.Decimal
	Active    bool
	Cooldown  time.Duration
}

// Target identifies the product a transition belongs to. Category and
// Brand come from the snapshot's passthrough bag; Name is display-only.
type Target struct {
	ProductID string
	Category  string
	Brand     string
	Name      string
}

// Matches reports whether the rule's scope covers the target.
func (r Rule) Matches(t Target) bool {
	if r.ProductID == "" && r.Category == "" && r.Brand == "" {
		return false
	}
	if r.ProductID != "" && r.ProductID != t.ProductID {
		return false
	}
	if r.Category != "" && !strings.EqualFold(r.Category, t.Category) {
		return false
	}
	if r.Brand != "" && !strings.EqualFold(r.Brand, t.Brand) {
		return false
	}
	return true
}

// Set is a loaded rule collection.
type Set []Rule

// For selects the active rules scoped to a target.
func (s Set) For(target Target) []Rule {
	var matched []Rule
	for _, rule := range s {
		if rule.Active && rule.Matches(target) {
			matched = append(matched, rule)
		}
	}
	return matched
}
