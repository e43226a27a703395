package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"pricetrack/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Logging  logging.Config `mapstructure:"logging"`
	Database DatabaseConfig `mapstructure:"database"`
	Ingest   IngestConfig   `mapstructure:"ingest"`
	Anomaly  AnomalyConfig  `mapstructure:"anomaly"`
	Rules    RulesConfig    `mapstructure:"rules"`
	Alerting AlertingConfig `mapstructure:"alerting"`
	Spool    SpoolConfig    `mapstructure:"spool"`
	Export   ExportConfig   `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates history store connectivity.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// IngestConfig governs the batch ingestion pipeline.
type IngestConfig struct {
	Workers         int           `mapstructure:"workers"`
	Epsilon         float64       `mapstructure:"epsilon"`
	DedupTolerance  time.Duration `mapstructure:"dedup_tolerance"`
	MinReconfirm    time.Duration `mapstructure:"min_reconfirm"`
	RetryAttempts   int           `mapstructure:"retry_attempts"`
	RetryBackoff    time.Duration `mapstructure:"retry_backoff"`
	DefaultCurrency string        `mapstructure:"default_currency"`
}

// AnomalyConfig tunes the statistical price guard.
type AnomalyConfig struct {
	Window        int     `mapstructure:"window"`
	MinWindow     int     `mapstructure:"min_window"`
	Sigma         float64 `mapstructure:"sigma"`
	MaxJumpFactor float64 `mapstructure:"max_jump_factor"`
}

// RulesConfig names the alert rule sources.
type RulesConfig struct {
	File   string       `mapstructure:"file"`
	Inline []RuleConfig `mapstructure:"inline"`
}

// RuleConfig is one alert rule as written in config or a rules file.
// Active is a pointer so an omitted field means enabled.
type RuleConfig struct {
	ID        string        `mapstructure:"id" json:"id"`
	Name      string        `mapstructure:"name" json:"name"`
	Kind      string        `mapstructure:"kind" json:"kind"`
	ProductID string        `mapstructure:"product_id" json:"product_id"`
	Category  string        `mapstructure:"category" json:"category"`
	Brand     string        `mapstructure:"brand" json:"brand"`
	Param     float64       `mapstructure:"param" json:"param"`
	Active    *bool         `mapstructure:"active" json:"active"`
	Cooldown  time.Duration `mapstructure:"cooldown" json:"cooldown"`
}

// IsActive reports whether the rule should be evaluated.
func (r *RuleConfig) IsActive() bool {
	return r.Active == nil || *r.Active
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Console bool          `mapstructure:"console"`
	Webhook WebhookConfig `mapstructure:"webhook"`
}

// WebhookConfig 描述告警回调参数。
type WebhookConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// SpoolConfig locates the scraper drop directory for watch mode.
type SpoolConfig struct {
	Dir             string        `mapstructure:"dir"`
	ArchiveDir      string        `mapstructure:"archive_dir"`
	Debounce        time.Duration `mapstructure:"debounce"`
	Interval        time.Duration `mapstructure:"interval"`
	AlignToInterval bool          `mapstructure:"align_to_interval"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int    `mapstructure:"max_data_points"`
	OutputDir     string `mapstructure:"output_dir"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PRICETRACK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.pricetrack")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "pricetrack")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "pricetrack.db")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("ingest.workers", 4)
	v.SetDefault("ingest.epsilon", 0.001)
	v.SetDefault("ingest.dedup_tolerance", "0s")
	v.SetDefault("ingest.min_reconfirm", "6h")
	v.SetDefault("ingest.retry_attempts", 3)
	v.SetDefault("ingest.retry_backoff", "250ms")
	v.SetDefault("ingest.default_currency", "MAD")

	v.SetDefault("anomaly.window", 20)
	v.SetDefault("anomaly.min_window", 5)
	v.SetDefault("anomaly.sigma", 3.0)
	v.SetDefault("anomaly.max_jump_factor", 10.0)

	v.SetDefault("alerting.console", true)
	v.SetDefault("alerting.webhook.enabled", false)
	v.SetDefault("alerting.webhook.timeout", "10s")

	v.SetDefault("spool.dir", "spool")
	v.SetDefault("spool.archive_dir", "")
	v.SetDefault("spool.debounce", "2s")
	v.SetDefault("spool.interval", "5m")
	v.SetDefault("spool.align_to_interval", true)
	v.SetDefault("spool.startup_delay", "0s")

	v.SetDefault("export.max_data_points", 500)
	v.SetDefault("export.output_dir", "exports")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

var validRuleKinds = map[string]bool{
	"threshold_drop_pct":   true,
	"below_absolute_price": true,
	"anomaly_flag":         true,
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn 必须配置 (driver %q)", c.Database.Driver)
		}
	case "memory":
	default:
		return fmt.Errorf("database.driver must be postgres, sqlite, or memory, got %q", c.Database.Driver)
	}
	if c.Ingest.Workers <= 0 {
		return fmt.Errorf("ingest.workers must be greater than zero")
	}
	if c.Ingest.Epsilon <= 0 || c.Ingest.Epsilon >= 1 {
		return fmt.Errorf("ingest.epsilon must be within (0, 1)")
	}
	if c.Ingest.RetryAttempts < 0 {
		return fmt.Errorf("ingest.retry_attempts cannot be negative")
	}
	if c.Anomaly.Window <= 0 || c.Anomaly.MinWindow <= 0 {
		return fmt.Errorf("anomaly.window and anomaly.min_window must be greater than zero")
	}
	if c.Anomaly.MinWindow > c.Anomaly.Window {
		return fmt.Errorf("anomaly.min_window cannot exceed anomaly.window")
	}
	if c.Anomaly.Sigma <= 0 {
		return fmt.Errorf("anomaly.sigma must be greater than zero")
	}
	if c.Anomaly.MaxJumpFactor <= 1 {
		return fmt.Errorf("anomaly.max_jump_factor must be greater than one")
	}
	if c.Spool.Interval <= 0 {
		return fmt.Errorf("spool.interval must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Alerting.Webhook.Enabled && c.Alerting.Webhook.URL == "" {
		return fmt.Errorf("alerting.webhook.url 必须配置")
	}
	for i, r := range c.Rules.Inline {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("rules.inline[%d]: %w", i, err)
		}
	}
	return nil
}

// Validate checks a single rule entry.
func (r *RuleConfig) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("rule id is required")
	}
	if !validRuleKinds[r.Kind] {
		return fmt.Errorf("unknown rule kind %q", r.Kind)
	}
	if r.ProductID == "" && r.Category == "" && r.Brand == "" {
		return fmt.Errorf("rule %s needs a product_id, category, or brand scope", r.ID)
	}
	if r.Param < 0 {
		return fmt.Errorf("rule %s param cannot be negative", r.ID)
	}
	if r.Kind == "below_absolute_price" && r.Param <= 0 {
		return fmt.Errorf("rule %s needs a positive price floor", r.ID)
	}
	if r.Cooldown < 0 {
		return fmt.Errorf("rule %s cooldown cannot be negative", r.ID)
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
