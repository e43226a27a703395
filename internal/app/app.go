package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pricetrack/internal/alerting"
	"pricetrack/internal/anomaly"
	"pricetrack/internal/classify"
	"pricetrack/internal/config"
	"pricetrack/internal/ingest"
	"pricetrack/internal/product"
	"pricetrack/internal/rules"
	"pricetrack/internal/scheduler"
	"pricetrack/internal/spool"
	"pricetrack/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// openStore opens the configured backend and makes sure the schema exists.
func (a *App) openStore(ctx context.Context) (storage.Store, func(), error) {
	switch a.Config.Database.Driver {
	case "postgres":
		pool, err := storage.NewPool(ctx, a.Config.Database)
		if err != nil {
			return nil, nil, err
		}
		pg := storage.NewPostgres(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			return nil, nil, fmt.Errorf("ensure schema: %w", err)
		}
		return pg, pg.Close, nil
	case "sqlite":
		db, err := storage.OpenSQLite(a.Config.Database.DSN, a.Config.Database.MaxOpenConns)
		if err != nil {
			return nil, nil, err
		}
		if err := db.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("ensure schema: %w", err)
		}
		return db, db.Close, nil
	case "memory":
		mem := storage.NewMemory()
		return mem, mem.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported database driver %q", a.Config.Database.Driver)
	}
}

// buildRules assembles the rule source from inline config plus the optional
// rules file. The file source re-reads on every batch, so edits apply
// without a restart.
func (a *App) buildRules() rules.Source {
	inline := make([]rules.Rule, 0, len(a.Config.Rules.Inline))
	for _, rc := range a.Config.Rules.Inline {
		name := rc.Name
		if name == "" {
			name = rc.ID
		}
		inline = append(inline, rules.Rule{
			ID:        rc.ID,
			Name:      name,
			Kind:      rules.Kind(rc.Kind),
			ProductID: rc.ProductID,
			Category:  rc.Category,
			Brand:     rc.Brand,
			Param:     decimal.NewFromFloat(rc.Param),
			Active:    rc.IsActive(),
			Cooldown:  rc.Cooldown,
		})
	}

	static := rules.NewStaticSource(inline)
	if a.Config.Rules.File == "" {
		return static
	}
	return rules.Combined(static, rules.NewFileSource(a.Config.Rules.File))
}

func (a *App) newNotifier() alerting.Notifier {
	var channels []alerting.Notifier
	if a.Config.Alerting.Console {
		channels = append(channels, alerting.NewConsoleNotifier(a.Logger))
	}
	if a.Config.Alerting.Webhook.Enabled {
		wh := a.Config.Alerting.Webhook
		channels = append(channels, alerting.NewWebhookNotifier(wh.URL, wh.Timeout, a.Logger))
	}

	switch len(channels) {
	case 0:
		return nil
	case 1:
		return channels[0]
	default:
		return alerting.Multi(channels)
	}
}

// newCoordinator wires the full ingestion pipeline against store. The store
// doubles as the cooldown log for the rule engine.
func (a *App) newCoordinator(store ingest.Store, notifier alerting.Notifier) *ingest.Coordinator {
	normalizer := product.NewNormalizer(product.Options{
		DefaultCurrency: a.Config.Ingest.DefaultCurrency,
	})
	engine := rules.NewEngine(store, a.Logger, nil)
	classifier := classify.New(a.Config.Ingest.Epsilon)
	detector := anomaly.NewDetector(anomaly.Options{
		Window:        a.Config.Anomaly.Window,
		MinWindow:     a.Config.Anomaly.MinWindow,
		Sigma:         a.Config.Anomaly.Sigma,
		MaxJumpFactor: a.Config.Anomaly.MaxJumpFactor,
	})

	return ingest.NewCoordinator(normalizer, store, a.buildRules(), engine, classifier, detector, notifier, a.Logger, ingest.Options{
		Workers:        a.Config.Ingest.Workers,
		DedupTolerance: a.Config.Ingest.DedupTolerance,
		MinReconfirm:   a.Config.Ingest.MinReconfirm,
		RetryAttempts:  a.Config.Ingest.RetryAttempts,
		RetryBackoff:   a.Config.Ingest.RetryBackoff,
	})
}

// Watch runs the long-lived ingestion daemon. The filesystem watcher feeds
// spool files to the coordinator as scrapers drop them; a periodic sweep
// retries anything whose event was missed or whose batch failed.
func (a *App) Watch(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	coord := a.newCoordinator(store, a.newNotifier())

	// Watcher and sweep share the pipeline; one batch at a time keeps
	// per-product sequences from racing between the two triggers.
	var mu sync.Mutex
	handle := func(ctx context.Context, paths []string) error {
		mu.Lock()
		defer mu.Unlock()
		for _, path := range paths {
			if err := a.processFile(ctx, coord, path); err != nil {
				return err
			}
		}
		return nil
	}

	watcher := spool.NewWatcher(a.Config.Spool.Dir, a.Config.Spool.Debounce, a.Logger)
	sched := scheduler.New(scheduler.Options{
		Interval:        a.Config.Spool.Interval,
		AlignToInterval: a.Config.Spool.AlignToInterval,
		StartupDelay:    a.Config.Spool.StartupDelay,
	}, a.Logger)

	errCh := make(chan error, 2)
	go func() { errCh <- watcher.Run(ctx, handle) }()
	go func() {
		errCh <- sched.Run(ctx, func(ctx context.Context, _ time.Time) error {
			paths, err := spool.ListFiles(a.Config.Spool.Dir)
			if err != nil {
				return err
			}
			return handle(ctx, paths)
		})
	}()

	a.Logger.Info().Str("dir", a.Config.Spool.Dir).Msg("watching spool directory")

	err = <-errCh
	cancel()
	<-errCh

	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("watch terminated with error")
		return err
	}
	a.Logger.Info().Msg("watch stopped")
	return nil
}

// processFile ingests one spool file. Unreadable files and failed batches
// are logged and left in place for the next sweep; only context errors
// propagate.
func (a *App) processFile(ctx context.Context, coord *ingest.Coordinator, path string) error {
	raws, err := spool.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// Already archived by an earlier trigger.
			return nil
		}
		a.Logger.Error().Err(err).Str("file", path).Msg("skipping unreadable spool file")
		return nil
	}

	report, err := coord.Ingest(ctx, raws)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		a.Logger.Error().Err(err).Str("file", path).Msg("batch failed, file left in spool")
		return nil
	}

	evt := a.Logger.Info()
	if len(report.Errors) > 0 {
		evt = a.Logger.Warn()
	}
	evt.Str("file", filepath.Base(path)).
		Str("batch_id", report.BatchID).
		Int("accepted", report.Accepted).
		Int("changes", report.Changes).
		Int("alerts", report.AlertsFired).
		Int("errors", len(report.Errors)).
		Msg("spool file ingested")

	if a.Config.Spool.ArchiveDir != "" {
		dest, err := spool.Archive(path, a.Config.Spool.ArchiveDir)
		if err != nil {
			a.Logger.Error().Err(err).Str("file", path).Msg("archive failed")
			return nil
		}
		a.Logger.Debug().Str("file", path).Str("archived_to", dest).Msg("spool file archived")
	}
	return nil
}

// IngestOptions configure a one-shot ingest run.
type IngestOptions struct {
	Input  string
	DryRun bool
}

// ShowOptions configure the show command.
type ShowOptions struct {
	ProductID string
	Limit     int
	History   bool
	Alerts    bool
	Stats     bool
}

// ExportOptions hold parameters for exporting a product's history.
type ExportOptions struct {
	ProductID string
	From      *time.Time
	To        *time.Time
	CSVPath   string
	PNGPath   string
	MaxPoints int
}

// SimulateOptions describe a hypothetical observation to evaluate.
// Category and Brand widen rule matching to scopes the stored history
// cannot supply on its own.
type SimulateOptions struct {
	ProductID string
	Price     float64
	Currency  string
	Source    string
	Category  string
	Brand     string
}
