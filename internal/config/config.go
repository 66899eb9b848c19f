// Package config loads the run configuration from a YAML file and DDI_
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// Output sinks.
const (
	OutputParquet  = "parquet"
	OutputPostgres = "postgres"
	OutputBoth     = "both"
)

// Input names the claims and stay tables and an optional cohort file.
type Input struct {
	Dispensing string `mapstructure:"dispensing"`
	Stays      string `mapstructure:"stays"`
	// Format forces csv or parquet; empty picks by extension.
	Format string `mapstructure:"format"`
	Cohort string `mapstructure:"cohort"`
}

// Output selects where exposures are written.
type Output struct {
	Dir    string `mapstructure:"dir"`
	Format string `mapstructure:"format"`
	// Audit also writes clipped episodes and overlaps.
	Audit bool `mapstructure:"audit"`
}

// Postgres configures the database sink and run ledger.
type Postgres struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// Run sizes the worker pools and selects variants and definitions.
type Run struct {
	Workers     int      `mapstructure:"workers"`
	BeneWorkers int      `mapstructure:"bene_workers"`
	Variants    []string `mapstructure:"variants"`
	Definitions []string `mapstructure:"definitions"`
}

// Log configures the zap logger.
type Log struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Metrics names the Prometheus textfile written at the end of a run.
type Metrics struct {
	Textfile string `mapstructure:"textfile"`
}

// Tracing configures OTLP span export. No endpoint disables it.
type Tracing struct {
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	SampleRate   float64 `mapstructure:"sample_rate"`
}

// Config is the whole run configuration. Catalog is resolved against the
// config file's directory when relative.
type Config struct {
	Catalog  string   `mapstructure:"catalog"`
	Input    Input    `mapstructure:"input"`
	Output   Output   `mapstructure:"output"`
	Postgres Postgres `mapstructure:"postgres"`
	Run      Run      `mapstructure:"run"`
	Log      Log      `mapstructure:"log"`
	Metrics  Metrics  `mapstructure:"metrics"`
	Tracing  Tracing  `mapstructure:"tracing"`
}

var keys = []string{
	"catalog",
	"input.dispensing", "input.stays", "input.format", "input.cohort",
	"output.dir", "output.format", "output.audit",
	"postgres.url", "postgres.max_conns",
	"run.workers", "run.bene_workers", "run.variants", "run.definitions",
	"log.level", "log.development",
	"metrics.textfile",
	"tracing.otlp_endpoint", "tracing.sample_rate",
}

// Load reads path (if not empty) and overlays DDI_ environment variables,
// e.g. DDI_POSTGRES_URL for postgres.url.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DDI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("output.dir", "out")
	v.SetDefault("output.format", OutputParquet)
	v.SetDefault("postgres.max_conns", 4)
	v.SetDefault("run.workers", runtime.GOMAXPROCS(0))
	v.SetDefault("run.bene_workers", 1)
	v.SetDefault("run.variants", []string{"primary", "stability"})
	v.SetDefault("log.level", "info")
	v.SetDefault("tracing.sample_rate", 1.0)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		v.BindEnv(k)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	// Lists from the environment arrive as one comma-separated string.
	cfg.Run.Variants = splitList(cfg.Run.Variants)
	cfg.Run.Definitions = splitList(cfg.Run.Definitions)

	// A relative catalog named in the file is relative to the file, the same
	// way list paths are relative to the catalog.
	if path != "" && v.InConfig("catalog") && os.Getenv("DDI_CATALOG") == "" &&
		cfg.Catalog != "" && !filepath.IsAbs(cfg.Catalog) {
		cfg.Catalog = filepath.Join(filepath.Dir(path), cfg.Catalog)
	}
	return cfg, nil
}

func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// WritesParquet reports whether exposures go to Parquet files.
func (c *Config) WritesParquet() bool {
	return c.Output.Format == OutputParquet || c.Output.Format == OutputBoth
}

// WritesPostgres reports whether exposures go to PostgreSQL.
func (c *Config) WritesPostgres() bool {
	return c.Output.Format == OutputPostgres || c.Output.Format == OutputBoth
}

// Validate checks that a run can start. It reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Catalog == "" {
		errs = append(errs, errors.New("catalog is required"))
	}
	if c.Input.Dispensing == "" {
		errs = append(errs, errors.New("input.dispensing is required"))
	}
	if c.Input.Stays == "" {
		errs = append(errs, errors.New("input.stays is required"))
	}
	switch c.Input.Format {
	case "", "csv", "parquet":
	default:
		errs = append(errs, fmt.Errorf("input.format must be csv or parquet, got %q", c.Input.Format))
	}
	switch c.Output.Format {
	case OutputParquet, OutputPostgres, OutputBoth:
	default:
		errs = append(errs, fmt.Errorf("output.format must be parquet, postgres or both, got %q", c.Output.Format))
	}
	if c.WritesParquet() && c.Output.Dir == "" {
		errs = append(errs, errors.New("output.dir is required for parquet output"))
	}
	if c.WritesPostgres() && c.Postgres.URL == "" {
		errs = append(errs, errors.New("postgres.url is required for postgres output"))
	}
	if len(c.Run.Variants) == 0 {
		errs = append(errs, errors.New("run.variants is empty"))
	}
	for _, v := range c.Run.Variants {
		if v != "primary" && v != "stability" {
			errs = append(errs, fmt.Errorf("unknown variant %q", v))
		}
	}
	if c.Run.Workers < 1 || c.Run.BeneWorkers < 1 {
		errs = append(errs, fmt.Errorf("run.workers and run.bene_workers must be positive, got %d and %d", c.Run.Workers, c.Run.BeneWorkers))
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("tracing.sample_rate must be in [0,1], got %g", c.Tracing.SampleRate))
	}
	return errors.Join(errs...)
}
