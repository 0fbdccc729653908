// Package config loads the tool configuration: where the recipe lives, where
// the pool and site trees go, and how aggressively to fetch.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"git.home.luguber.info/inful/sitefarm/internal/errors"
	"git.home.luguber.info/inful/sitefarm/internal/retry"
)

// Duration wraps time.Duration so config files can say "2s" or "500ms"
// instead of raw nanosecond integers. Bare integers still decode as
// nanoseconds.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var ns int64
	if err := value.Decode(&ns); err != nil {
		return fmt.Errorf("invalid duration %q", value.Value)
	}
	*d = Duration(ns)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config represents the application configuration.
type Config struct {
	// Recipe is the path or URL of the root recipe document.
	Recipe  string        `yaml:"recipe"`
	Layout  LayoutConfig  `yaml:"layout"`
	Fetch   FetchConfig   `yaml:"fetch"`
	History HistoryConfig `yaml:"history"`
	Metrics MetricsConfig `yaml:"metrics"`
	Watch   WatchConfig   `yaml:"watch"`
	Logging LoggingConfig `yaml:"logging"`
}

// LayoutConfig places the build tree on disk.
type LayoutConfig struct {
	PoolDir     string `yaml:"pool_dir"`
	SitesDir    string `yaml:"sites_dir"`
	Manifest    string `yaml:"manifest"`
	DownloadDir string `yaml:"download_dir"`
}

// FetchConfig tunes the source fetcher.
type FetchConfig struct {
	Concurrency int         `yaml:"concurrency"`
	KeepGit     bool        `yaml:"keep_git"`
	Retry       RetryConfig `yaml:"retry"`
}

// RetryConfig configures backoff for transient download failures.
type RetryConfig struct {
	MaxRetries int      `yaml:"max_retries"`
	Backoff    string   `yaml:"backoff"` // fixed|linear|exponential
	Initial    Duration `yaml:"initial"`
	Max        Duration `yaml:"max"`
}

// Policy converts the raw fields into a retry policy.
func (r RetryConfig) Policy() retry.Policy {
	return retry.NewPolicy(retry.BackoffMode(r.Backoff), r.Initial.Std(), r.Max.Std(), r.MaxRetries)
}

// HistoryConfig enables the persistent build history.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// MetricsConfig enables the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// WatchConfig tunes the recipe watcher and the periodic rebuild schedule.
type WatchConfig struct {
	Debounce Duration `yaml:"debounce"`
	// Interval triggers a periodic rebuild even without recipe changes,
	// catching moved branches and mutated remote includes. Zero disables it.
	Interval Duration `yaml:"interval"`
}

// LoggingConfig selects log verbosity and format.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // text|json
}

// Load loads configuration from the specified file, expanding environment
// variables in the YAML content first. A .env file next to the working
// directory is loaded when present, never overriding the real environment.
func Load(configPath string) (*Config, error) {
	loadEnvFiles()

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryConfig, errors.SeverityFatal, "read config file")
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, errors.Wrap(err, errors.CategoryConfig, errors.SeverityFatal, "unmarshal config")
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadEnvFiles() {
	for _, path := range []string{".env", ".env.local"} {
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Recipe == "" {
		c.Recipe = "recipe.json"
	}
	if c.Layout.PoolDir == "" {
		c.Layout.PoolDir = "pool"
	}
	if c.Layout.SitesDir == "" {
		c.Layout.SitesDir = "sites"
	}
	if c.Layout.Manifest == "" {
		c.Layout.Manifest = "manifest.json"
	}
	if c.Layout.DownloadDir == "" {
		c.Layout.DownloadDir = "downloads"
	}
	if c.Fetch.Concurrency <= 0 {
		c.Fetch.Concurrency = 4
	}
	if c.Fetch.Retry.Backoff == "" {
		c.Fetch.Retry.Backoff = string(retry.BackoffLinear)
	}
	if c.History.Enabled && c.History.Path == "" {
		c.History.Path = "history.db"
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		c.Metrics.Listen = ":9090"
	}
	if c.Watch.Debounce <= 0 {
		c.Watch.Debounce = Duration(2 * time.Second)
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

func (c *Config) validate() error {
	switch retry.BackoffMode(c.Fetch.Retry.Backoff) {
	case retry.BackoffFixed, retry.BackoffLinear, retry.BackoffExponential:
	default:
		return errors.New(errors.CategoryConfig, errors.SeverityFatal,
			fmt.Sprintf("invalid fetch.retry.backoff %q", c.Fetch.Retry.Backoff))
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return errors.New(errors.CategoryConfig, errors.SeverityFatal,
			fmt.Sprintf("invalid logging.format %q", c.Logging.Format))
	}
	return nil
}

// Init creates a new configuration file with example content.
func Init(configPath string, force bool) error {
	if _, err := os.Stat(configPath); err == nil && !force {
		return errors.New(errors.CategoryConfig, errors.SeverityFatal,
			fmt.Sprintf("configuration file already exists: %s (use --force to overwrite)", configPath))
	}

	example := Config{
		Recipe: "recipe.json",
		Layout: LayoutConfig{
			PoolDir:     "pool",
			SitesDir:    "sites",
			Manifest:    "manifest.json",
			DownloadDir: "downloads",
		},
		Fetch: FetchConfig{
			Concurrency: 4,
			Retry: RetryConfig{
				MaxRetries: 2,
				Backoff:    "linear",
				Initial:    Duration(time.Second),
				Max:        Duration(30 * time.Second),
			},
		},
		History: HistoryConfig{Enabled: true, Path: "history.db"},
		Watch:   WatchConfig{Debounce: Duration(2 * time.Second)},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
	data, err := yaml.Marshal(&example)
	if err != nil {
		return errors.Wrap(err, errors.CategoryConfig, errors.SeverityFatal, "marshal example config")
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		return errors.Wrap(err, errors.CategoryConfig, errors.SeverityFatal, "write config file")
	}
	return nil
}
