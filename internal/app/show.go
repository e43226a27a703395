package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"pricetrack/internal/storage"
)

// Show prints recent price changes by default; flags switch the view to
// raw history, fired alerts, or aggregates.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	switch {
	case opts.Stats:
		return a.showStats(ctx, store, opts)
	case opts.History:
		if opts.ProductID == "" {
			return errors.New("--history needs --product")
		}
		return a.showHistory(ctx, store, opts)
	case opts.Alerts:
		return a.showAlerts(ctx, store, opts)
	default:
		return a.showChanges(ctx, store, opts)
	}
}

func (a *App) showChanges(ctx context.Context, store storage.Store, opts ShowOptions) error {
	changes, err := store.RecentChanges(ctx, opts.ProductID, opts.Limit)
	if err != nil {
		return err
	}
	if len(changes) == 0 {
		fmt.Fprintln(os.Stdout, "no changes found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tProduct\tKind\tFrom\tTo\tDelta%\tFlags")

	for _, change := range changes {
		from := "-"
		if change.FromSequence != nil {
			from = formatDecimal(change.PriceFrom, 2)
		}
		flags := ""
		if change.LowConfidence {
			flags = "low-confidence"
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			change.ChangedAt.UTC().Format(time.RFC3339),
			change.ProductID,
			change.Kind,
			from,
			formatDecimal(change.PriceTo, 2),
			formatDeltaPct(change.DeltaPct),
			flags,
		)
	}

	writer.Flush()
	return nil
}

func (a *App) showHistory(ctx context.Context, store storage.Store, opts ShowOptions) error {
	records, err := store.Window(ctx, opts.ProductID, opts.Limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(os.Stdout, "no history found")
		return nil
	}

	// Window returns newest first; the table reads oldest to newest.
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Observed (UTC)\tSeq\tPrice\tCurrency\tAvailability\tSource\tBatch")

	for _, rec := range records {
		fmt.Fprintf(
			writer,
			"%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
			rec.ObservedAt.UTC().Format(time.RFC3339),
			rec.Sequence,
			formatDecimal(rec.Price, 2),
			rec.Currency,
			rec.Availability,
			rec.Source,
			rec.BatchID,
		)
	}

	writer.Flush()
	return nil
}

func (a *App) showAlerts(ctx context.Context, store storage.Store, opts ShowOptions) error {
	alerts, err := store.RecentAlerts(ctx, opts.ProductID, opts.Limit)
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		fmt.Fprintln(os.Stdout, "no alerts found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Triggered (UTC)\tProduct\tRule\tPrice\tMessage")

	for _, alert := range alerts {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\n",
			alert.TriggeredAt.UTC().Format(time.RFC3339),
			alert.ProductID,
			alert.RuleID,
			formatDecimal(alert.PriceAtTrigger, 2),
			sanitizeInline(alert.Message),
		)
	}

	writer.Flush()
	return nil
}

func (a *App) showStats(ctx context.Context, store storage.Store, opts ShowOptions) error {
	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)

	if opts.ProductID == "" {
		stats, err := store.Stats(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(writer, "Products\t%d\n", stats.Products)
		fmt.Fprintf(writer, "Records\t%d\n", stats.Records)
		fmt.Fprintf(writer, "Changes\t%d\n", stats.Changes)
		fmt.Fprintf(writer, "Alerts\t%d\n", stats.Alerts)
		return writer.Flush()
	}

	stats, err := store.ProductStats(ctx, opts.ProductID)
	if err != nil {
		return err
	}
	if stats.Records == 0 {
		fmt.Fprintf(os.Stdout, "no history for %s\n", opts.ProductID)
		return nil
	}

	fmt.Fprintf(writer, "Product\t%s\n", stats.ProductID)
	fmt.Fprintf(writer, "Records\t%d\n", stats.Records)
	fmt.Fprintf(writer, "Min price\t%s\n", formatDecimal(stats.MinPrice, 2))
	fmt.Fprintf(writer, "Max price\t%s\n", formatDecimal(stats.MaxPrice, 2))
	fmt.Fprintf(writer, "Avg price\t%s\n", formatDecimal(stats.AvgPrice, 2))
	fmt.Fprintf(writer, "Volatility\t%.4f\n", stats.Volatility)
	fmt.Fprintf(writer, "First observed\t%s\n", stats.FirstObserved.UTC().Format(time.RFC3339))
	fmt.Fprintf(writer, "Last observed\t%s\n", stats.LastObserved.UTC().Format(time.RFC3339))
	return writer.Flush()
}

func formatDeltaPct(pct *decimal.Decimal) string {
	if pct == nil {
		return "n/a"
	}
	return pct.Mul(decimal.NewFromInt(100)).StringFixed(2) + "%"
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
