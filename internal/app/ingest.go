package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"pricetrack/internal/ingest"
	"pricetrack/internal/spool"
	"pricetrack/internal/storage"
)

// fileResult pairs one spool file with its batch outcome.
type fileResult struct {
	Path   string
	Report *ingest.Report
	Err    error
}

// Ingest runs one batch per spool file under --input。DryRun routes the
// pipeline into a throwaway in-memory store so files can be validated
// without touching history or alert channels.
func (a *App) Ingest(ctx context.Context, opts IngestOptions) error {
	paths, err := resolveInput(opts.Input)
	if err != nil {
		return err
	}

	var (
		store      storage.Store
		closeStore func()
	)
	notifier := a.newNotifier()
	if opts.DryRun {
		a.Logger.Warn().Msg("dry-run：不写入数据库，不发送告警")
		store, closeStore = storage.NewMemory(), func() {}
		notifier = nil
	} else {
		store, closeStore, err = a.openStore(ctx)
		if err != nil {
			return err
		}
	}
	defer closeStore()

	coord := a.newCoordinator(store, notifier)

	results := make([]fileResult, 0, len(paths))
	unreadable := 0
	for _, path := range paths {
		raws, err := spool.ReadFile(path)
		if err != nil {
			unreadable++
			a.Logger.Error().Err(err).Str("file", path).Msg("spool file unreadable")
			results = append(results, fileResult{Path: path, Err: err})
			continue
		}

		report, err := coord.Ingest(ctx, raws)
		if err != nil {
			// Batch-fatal: the store is gone or the run was cancelled.
			// Per-product failures land in report.Errors instead and
			// never fail the command.
			return err
		}
		report.DryRun = opts.DryRun
		results = append(results, fileResult{Path: path, Report: report})
	}

	writeIngestSummary(os.Stdout, results)

	if unreadable > 0 {
		return errors.New("部分文件无法读取，请检查日志")
	}
	return nil
}

// resolveInput expands --input into the list of files to ingest, in
// lexical order when it names a directory.
func resolveInput(input string) ([]string, error) {
	if input == "" {
		return nil, errors.New("必须通过 --input 指定文件或目录")
	}

	info, err := os.Stat(input)
	if err != nil {
		return nil, fmt.Errorf("stat input: %w", err)
	}
	if !info.IsDir() {
		return []string{input}, nil
	}

	paths, err := spool.ListFiles(input)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no spool files in %s", input)
	}
	return paths, nil
}

func writeIngestSummary(out io.Writer, results []fileResult) {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "File\tReceived\tAccepted\tSkipped\tDeduped\tRejected\tChanges\tAlerts\tErrors")

	var total ingest.Report
	total.RejectReasons = make(map[string]int)
	for _, res := range results {
		if res.Err != nil {
			fmt.Fprintf(writer, "%s\tunreadable: %s\n", res.Path, sanitizeInline(res.Err.Error()))
			continue
		}
		r := res.Report
		fmt.Fprintf(
			writer,
			"%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\n",
			res.Path,
			r.Received, r.Accepted, r.Skipped, r.Deduped, r.Rejected,
			r.Changes, r.AlertsFired, len(r.Errors),
		)

		total.Received += r.Received
		total.Accepted += r.Accepted
		total.Skipped += r.Skipped
		total.Deduped += r.Deduped
		total.Rejected += r.Rejected
		total.Changes += r.Changes
		total.AlertsFired += r.AlertsFired
		for reason, n := range r.RejectReasons {
			total.RejectReasons[reason] += n
		}
		total.Errors = append(total.Errors, r.Errors...)
		total.Alerts = append(total.Alerts, r.Alerts...)
	}
	if len(results) > 1 {
		fmt.Fprintf(
			writer,
			"total\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\n",
			total.Received, total.Accepted, total.Skipped, total.Deduped, total.Rejected,
			total.Changes, total.AlertsFired, len(total.Errors),
		)
	}
	writer.Flush()

	if len(total.RejectReasons) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "rejects by reason:")
		reasons := make([]string, 0, len(total.RejectReasons))
		for reason := range total.RejectReasons {
			reasons = append(reasons, reason)
		}
		sort.Strings(reasons)
		for _, reason := range reasons {
			fmt.Fprintf(out, "  %s: %d\n", reason, total.RejectReasons[reason])
		}
	}

	if len(total.Errors) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "product errors:")
		for _, perr := range total.Errors {
			fmt.Fprintf(out, "  %s\n", sanitizeInline(perr.Error()))
		}
	}

	if len(total.Alerts) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "alerts fired:")
		for _, alert := range total.Alerts {
			fmt.Fprintf(out, "  [%s] %s\n", alert.RuleID, sanitizeInline(alert.Message))
		}
	}
}
