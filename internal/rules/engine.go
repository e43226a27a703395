package rules

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pricetrack/internal/storage"
)

// FiredLog exposes the alert history needed for cooldown checks.
type FiredLog interface {
	LastFired(ctx context.Context, ruleID, productID string) (*time.Time, error)
}

// Engine matches transitions against a rule set and applies cooldowns.
// A rule that fired for a product stays silent for that product until its
// cooldown elapses; other products are unaffected.
type Engine struct {
	fired  FiredLog
	now    func() time.Time
	logger zerolog.Logger
}

func NewEngine(fired FiredLog, logger zerolog.Logger, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{
		fired:  fired,
		now:    now,
		logger: logger.With().Str("component", "rule_engine").Logger(),
	}
}

// Evaluate returns the alerts a transition triggers. Records are not
// persisted here; the caller appends them so evaluation stays replayable.
// A cooldown lookup failure aborts the evaluation: missing one alert beats
// flooding a channel on a flaky read.
func (e *Engine) Evaluate(ctx context.Context, change storage.ChangeRecord, target Target, set Set) ([]storage.AlertRecord, error) {
	matched := set.For(target)
	if len(matched) == 0 {
		return nil, nil
	}

	now := e.now().UTC()
	var alerts []storage.AlertRecord
	for _, rule := range matched {
		if !fires(rule, change) {
			continue
		}
		if rule.Cooldown > 0 {
			last, err := e.fired.LastFired(ctx, rule.ID, change.ProductID)
			if err != nil {
				return nil, fmt.Errorf("last fired for rule %s product %s: %w", rule.ID, change.ProductID, err)
			}
			if last != nil && now.Sub(*last) < rule.Cooldown {
				e.logger.Debug().
					Str("rule_id", rule.ID).
					Str("product_id", change.ProductID).
					Time("last_fired", *last).
					Dur("cooldown", rule.Cooldown).
					Msg("rule in cooldown, skipping")
				continue
			}
		}

		alerts = append(alerts, storage.AlertRecord{
			ID:             uuid.NewString(),
			ProductID:      change.ProductID,
			RuleID:         rule.ID,
			RuleName:       rule.Name,
			TriggeredAt:    now,
			ChangeID:       change.ID,
			Message:        renderAlert(rule, change, target),
			PriceAtTrigger: change.PriceTo,
		})
	}
	return alerts, nil
}

// fires applies the rule predicate to a transition. Threshold rules accept
// downward anomalies too, so a deep drop that tripped the anomaly guard can
// still alert; first_seen, rises, and sub-threshold moves stay silent.
func fires(rule Rule, change storage.ChangeRecord) bool {
	switch rule.Kind {
	case KindThresholdDropPct:
		if change.Kind != storage.KindPriceDrop && change.Kind != storage.KindAnomaly {
			return false
		}
		if change.DeltaPct == nil || !change.DeltaPct.IsNegative() {
			return false
		}
		return change.DeltaPct.Abs().GreaterThanOrEqual(rule.Param)
	case KindBelowAbsolutePrice:
		return change.PriceTo.LessThanOrEqual(rule.Param)
	case KindAnomalyFlag:
		return change.Kind == storage.KindAnomaly
	default:
		return false
	}
}

func renderAlert(rule Rule, change storage.ChangeRecord, target Target) string {
	display := target.Name
	if display == "" {
		display = change.ProductID
	}

	switch rule.Kind {
	case KindThresholdDropPct:
		pct := "n/a"
		if change.DeltaPct != nil {
			pct = change.DeltaPct.Abs().Mul(decimal.NewFromInt(100)).StringFixed(1) + "%"
		}
		return fmt.Sprintf("%s: price %s %s to %s (was %s)",
			display, moveVerb(change), pct, change.PriceTo.String(), change.PriceFrom.String())
	case KindBelowAbsolutePrice:
		return fmt.Sprintf("%s: price %s at or below %s floor",
			display, change.PriceTo.String(), rule.Param.String())
	case KindAnomalyFlag:
		return fmt.Sprintf("%s: anomalous price %s (was %s)",
			display, change.PriceTo.String(), change.PriceFrom.String())
	default:
		return fmt.Sprintf("%s: rule %s fired", display, rule.ID)
	}
}

func moveVerb(change storage.ChangeRecord) string {
	switch {
	case change.DeltaAbs.IsNegative():
		return "dropped"
	case change.DeltaAbs.IsPositive():
		return "rose"
	default:
		return "moved"
	}
}
