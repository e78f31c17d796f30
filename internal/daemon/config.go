package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"

	"github.com/tutu-network/gridcoin/internal/api"
	"github.com/tutu-network/gridcoin/internal/app/ledger"
	"github.com/tutu-network/gridcoin/internal/app/notify"
	"github.com/tutu-network/gridcoin/internal/app/results"
	"github.com/tutu-network/gridcoin/internal/infra/cache"
	"github.com/tutu-network/gridcoin/internal/infra/logging"
	"github.com/tutu-network/gridcoin/internal/infra/observability"
	"github.com/tutu-network/gridcoin/internal/infra/store"
)

// EnvPrefix prefixes every environment override, e.g. GRIDCOIN_API_PORT.
const EnvPrefix = "gridcoin"

// Config is the on-disk configuration (~/.gridcoin/config.toml). Durations
// are strings such as "10s".
type Config struct {
	API     APIConfig     `toml:"api"`
	Store   StoreConfig   `toml:"store"`
	Ledger  LedgerConfig  `toml:"ledger"`
	Results ResultsConfig `toml:"results"`
	Notify  NotifyConfig  `toml:"notify"`
	Cache   CacheConfig   `toml:"cache"`
	Log     LogConfig     `toml:"log"`
	Metrics MetricsConfig `toml:"metrics"`
}

type APIConfig struct {
	Host           string   `toml:"host"`
	Port           int      `toml:"port"`
	RequestTimeout string   `toml:"request_timeout" split_words:"true"`
	CORSOrigins    []string `toml:"cors_origins" envconfig:"cors_origins"`
}

type StoreConfig struct {
	Driver       string `toml:"driver"`
	DSN          string `toml:"dsn"`
	Dir          string `toml:"dir"`
	TxTimeout    string `toml:"tx_timeout" split_words:"true"`
	MaxOpenConns int    `toml:"max_open_conns" split_words:"true"`
}

type LedgerConfig struct {
	PageSize int `toml:"page_size" split_words:"true"`
}

type ResultsConfig struct {
	MaxAttempts int `toml:"max_attempts" split_words:"true"`
}

type NotifyConfig struct {
	Async           bool   `toml:"async"`
	QueueSize       int    `toml:"queue_size" split_words:"true"`
	Workers         int    `toml:"workers"`
	DeliveryTimeout string `toml:"delivery_timeout" split_words:"true"`
	LogEvents       bool   `toml:"log_events" split_words:"true"`
}

type CacheConfig struct {
	Enabled   bool   `toml:"enabled"`
	TTL       string `toml:"ttl"`
	MaxSizeMB int    `toml:"max_size_mb" split_words:"true"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type MetricsConfig struct {
	Enabled    bool `toml:"enabled"`
	TraceSpans int  `toml:"trace_spans" split_words:"true"`
}

// Home returns the gridcoin home directory.
func Home() string {
	if h := os.Getenv("GRIDCOIN_HOME"); h != "" {
		return h
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".gridcoin")
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() Config {
	return Config{
		API: APIConfig{
			Host:           "127.0.0.1",
			Port:           8420,
			RequestTimeout: "30s",
		},
		Store: StoreConfig{
			Driver:       store.DialectSQLite,
			Dir:          Home(),
			TxTimeout:    "10s",
			MaxOpenConns: 16,
		},
		Ledger:  LedgerConfig{PageSize: 100},
		Results: ResultsConfig{MaxAttempts: 3},
		Notify: NotifyConfig{
			QueueSize:       1000,
			Workers:         4,
			DeliveryTimeout: "5s",
			LogEvents:       true,
		},
		Cache: CacheConfig{
			Enabled:   true,
			TTL:       "5m",
			MaxSizeMB: 16,
		},
		Log: LogConfig{
			Level:  logging.LevelInfo,
			Format: logging.FormatPlain,
		},
		Metrics: MetricsConfig{
			Enabled:    true,
			TraceSpans: 1000,
		},
	}
}

// LoadConfig reads path over the defaults, then applies GRIDCOIN_*
// environment overrides. A missing file is not an error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return cfg, fmt.Errorf("process environment: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects values the daemon cannot start with.
func (c Config) Validate() error {
	var errs []error
	if c.API.Port <= 0 || c.API.Port > 65535 {
		errs = append(errs, fmt.Errorf("api.port %d out of range", c.API.Port))
	}
	switch c.Store.Driver {
	case store.DialectSQLite:
	case store.DialectPostgres:
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q: want sqlite or postgres", c.Store.Driver))
	}
	switch c.Log.Level {
	case logging.LevelDebug, logging.LevelInfo, logging.LevelWarn, logging.LevelError:
	default:
		errs = append(errs, fmt.Errorf("log.level %q: want debug, info, warn or error", c.Log.Level))
	}
	switch c.Log.Format {
	case logging.FormatPlain, logging.FormatJSON:
	default:
		errs = append(errs, fmt.Errorf("log.format %q: want plain or json", c.Log.Format))
	}
	for name, d := range map[string]string{
		"api.request_timeout":     c.API.RequestTimeout,
		"store.tx_timeout":        c.Store.TxTimeout,
		"notify.delivery_timeout": c.Notify.DeliveryTimeout,
		"cache.ttl":               c.Cache.TTL,
	} {
		if _, err := parseDuration(d); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Addr is the API listen address.
func (c Config) Addr() string { return fmt.Sprintf("%s:%d", c.API.Host, c.API.Port) }

// parseDuration accepts "" as zero so component defaults apply.
func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

func mustDuration(s string) time.Duration {
	d, _ := parseDuration(s)
	return d
}

// ─── Component Configs ──────────────────────────────────────────────────────
// Call after Validate.

func (c Config) storeConfig() store.Config {
	return store.Config{
		Driver:       c.Store.Driver,
		DSN:          c.Store.DSN,
		Dir:          c.Store.Dir,
		TxTimeout:    mustDuration(c.Store.TxTimeout),
		MaxOpenConns: c.Store.MaxOpenConns,
	}
}

func (c Config) apiConfig() api.Config {
	return api.Config{
		RequestTimeout: mustDuration(c.API.RequestTimeout),
		CORSOrigins:    c.API.CORSOrigins,
		Metrics:        c.Metrics.Enabled,
	}
}

func (c Config) ledgerConfig() ledger.Config {
	return ledger.Config{PageSize: uint64(max(c.Ledger.PageSize, 0))}
}

func (c Config) resultsConfig() results.Config {
	return results.Config{MaxAttempts: c.Results.MaxAttempts}
}

func (c Config) notifyConfig() notify.Config {
	return notify.Config{
		Async:           c.Notify.Async,
		QueueSize:       c.Notify.QueueSize,
		Workers:         c.Notify.Workers,
		DeliveryTimeout: mustDuration(c.Notify.DeliveryTimeout),
	}
}

func (c Config) cacheConfig() cache.Config {
	cfg := cache.DefaultConfig()
	cfg.TTL = mustDuration(c.Cache.TTL)
	cfg.MaxSizeMB = c.Cache.MaxSizeMB
	return cfg
}

func (c Config) tracerConfig() observability.TracerConfig {
	return observability.TracerConfig{
		Enabled:  c.Metrics.Enabled,
		MaxSpans: c.Metrics.TraceSpans,
	}
}
