package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"pricetrack/internal/storage"
)

// Export renders one product's price history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.ProductID == "" {
		return errors.New("--product is required")
	}
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	var from, to time.Time
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if opts.To != nil {
		to = opts.To.UTC()
	}
	if !from.IsZero() && !to.IsZero() && !from.Before(to) {
		return errors.New("from must be before to")
	}

	records, err := store.HistoryRange(ctx, opts.ProductID, from, to, 0)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		a.Logger.Info().Str("product_id", opts.ProductID).Msg("no history found for export window")
		return nil
	}

	downsampled := downsampleHistory(records, opts.MaxPoints)
	a.Logger.Info().
		Str("product_id", opts.ProductID).
		Int("total", len(records)).
		Int("exported", len(downsampled)).
		Msg("exporting history")

	if opts.CSVPath != "" {
		if err := writeHistoryCSV(a.resolveExportPath(opts.CSVPath), downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeHistoryPNG(a.resolveExportPath(opts.PNGPath), opts.ProductID, downsampled); err != nil {
			return err
		}
	}

	return nil
}

// resolveExportPath keeps absolute paths as given and drops relative ones
// into the configured export directory.
func (a *App) resolveExportPath(path string) string {
	if path == "" || filepath.IsAbs(path) || a.Config.Export.OutputDir == "" {
		return path
	}
	return filepath.Join(a.Config.Export.OutputDir, path)
}

func downsampleHistory(records []storage.HistoryRecord, max int) []storage.HistoryRecord {
	if max <= 0 || len(records) <= max {
		return records
	}
	if max == 1 {
		return records[len(records)-1:]
	}

	result := make([]storage.HistoryRecord, 0, max)
	step := float64(len(records)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(records) {
			idx = len(records) - 1
		}
		result = append(result, records[idx])
	}
	return result
}

func writeHistoryCSV(path string, records []storage.HistoryRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"observed_at", "sequence", "price", "currency", "availability", "source", "batch_id"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, rec := range records {
		record := []string{
			rec.ObservedAt.UTC().Format(time.RFC3339),
			strconv.FormatInt(rec.Sequence, 10),
			rec.Price.String(),
			rec.Currency,
			rec.Availability,
			rec.Source,
			rec.BatchID,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeHistoryPNG(path, productID string, records []storage.HistoryRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(records))
	prices := make([]float64, len(records))
	for i, rec := range records {
		x[i] = rec.ObservedAt
		prices[i] = rec.Price.InexactFloat64()
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	priceSeries := chart.TimeSeries{
		Name:    productID,
		XValues: x,
		YValues: prices,
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Price",
			ValueFormatter: priceFormatter,
		},
		Series: []chart.Series{
			priceSeries,
			chart.SMASeries{
				Name:        "SMA",
				InnerSeries: priceSeries,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
