package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"pricetrack/internal/anomaly"
	"pricetrack/internal/classify"
	"pricetrack/internal/rules"
	"pricetrack/internal/storage"
)

// Simulate 对一个假设观测试算完整管线（分类、异常检测、规则评估），但不落库。
// Configured alert channels do receive the would-be alerts, so the command
// doubles as a delivery test.
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) error {
	if opts.ProductID == "" {
		return errors.New("--product is required")
	}
	if opts.Price < 0 {
		return errors.New("price cannot be negative")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	prev, err := store.Latest(ctx, opts.ProductID)
	if err != nil {
		return err
	}

	detector := anomaly.NewDetector(anomaly.Options{
		Window:        a.Config.Anomaly.Window,
		MinWindow:     a.Config.Anomaly.MinWindow,
		Sigma:         a.Config.Anomaly.Sigma,
		MaxJumpFactor: a.Config.Anomaly.MaxJumpFactor,
	})
	window, err := store.Window(ctx, opts.ProductID, detector.WindowSize())
	if err != nil {
		return err
	}

	currency := opts.Currency
	if currency == "" {
		currency = a.Config.Ingest.DefaultCurrency
	}
	source := opts.Source
	if source == "" {
		source = "simulated"
	}
	availability := "unknown"
	var seq int64 = 1
	if prev != nil {
		seq = prev.Sequence + 1
		availability = prev.Availability
	}
	rec := storage.HistoryRecord{
		ProductID:    opts.ProductID,
		Sequence:     seq,
		ObservedAt:   time.Now().UTC(),
		Price:        decimal.NewFromFloat(opts.Price),
		Currency:     currency,
		Availability: availability,
		Source:       source,
	}

	classifier := classify.New(a.Config.Ingest.Epsilon)
	change, err := classifier.Classify(prev, rec)
	if err != nil {
		return err
	}

	anomalous := detector.Check(window, rec)
	if anomalous {
		if change == nil && prev != nil {
			deltaAbs := rec.Price.Sub(prev.Price)
			fromSeq := prev.Sequence
			change = &storage.ChangeRecord{
				ID:           uuid.NewString(),
				ProductID:    rec.ProductID,
				FromSequence: &fromSeq,
				ToSequence:   rec.Sequence,
				PriceFrom:    prev.Price,
				PriceTo:      rec.Price,
				DeltaAbs:     deltaAbs,
				ChangedAt:    rec.ObservedAt,
			}
			if !prev.Price.IsZero() {
				pct := deltaAbs.Div(prev.Price)
				change.DeltaPct = &pct
			}
		}
		if change != nil {
			change.Kind = storage.KindAnomaly
		}
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Product\t%s\n", opts.ProductID)
	if prev != nil {
		fmt.Fprintf(
			writer,
			"Current\t%s %s (seq %d, %s)\n",
			formatDecimal(prev.Price, 2),
			prev.Currency,
			prev.Sequence,
			prev.ObservedAt.UTC().Format(time.RFC3339),
		)
	} else {
		fmt.Fprintf(writer, "Current\tno history\n")
	}
	fmt.Fprintf(writer, "Simulated\t%s %s\n", formatDecimal(rec.Price, 2), rec.Currency)

	if change == nil {
		fmt.Fprintf(writer, "Outcome\tunchanged within epsilon, no transition\n")
		return writer.Flush()
	}

	fmt.Fprintf(writer, "Kind\t%s\n", change.Kind)
	fmt.Fprintf(writer, "Delta\t%s (%s)\n", formatDecimal(change.DeltaAbs, 2), formatDeltaPct(change.DeltaPct))
	writer.Flush()

	set, err := a.buildRules().Load(ctx)
	if err != nil {
		return err
	}
	engine := rules.NewEngine(store, a.Logger, nil)
	target := rules.Target{
		ProductID: opts.ProductID,
		Category:  opts.Category,
		Brand:     opts.Brand,
	}
	alerts, err := engine.Evaluate(ctx, *change, target, set)
	if err != nil {
		return err
	}

	if len(alerts) == 0 {
		fmt.Fprintln(os.Stdout, "\nno alerts would fire")
		return nil
	}

	fmt.Fprintln(os.Stdout, "\nalerts that would fire:")
	for _, alert := range alerts {
		fmt.Fprintf(os.Stdout, "  [%s] %s\n", alert.RuleID, sanitizeInline(alert.Message))
	}

	notifier := a.newNotifier()
	if notifier == nil {
		a.Logger.Info().Msg("未配置任何告警通道，结果仅打印")
		return nil
	}
	for _, alert := range alerts {
		if err := notifier.Notify(ctx, alert); err != nil {
			a.Logger.Error().Err(err).Str("rule_id", alert.RuleID).Msg("simulated alert delivery failed")
		}
	}
	return nil
}
