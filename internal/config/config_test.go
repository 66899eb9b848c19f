package config

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
)

const runYAML = `
catalog: catalog.yaml
input:
  dispensing: rx.parquet
  stays: stays.csv
output:
  dir: results
  audit: true
run:
  workers: 2
  definitions: [opioid_benzo]
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ddirun.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFileAndDefaults(t *testing.T) {
	path := writeConfig(t, runYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Catalog != filepath.Join(filepath.Dir(path), "catalog.yaml") || cfg.Input.Dispensing != "rx.parquet" || cfg.Output.Dir != "results" {
		t.Errorf("file values not loaded: %+v", cfg)
	}
	if !cfg.Output.Audit || cfg.Run.Workers != 2 {
		t.Errorf("output/run = %+v %+v", cfg.Output, cfg.Run)
	}
	if cfg.Output.Format != OutputParquet || cfg.Log.Level != "info" || cfg.Run.BeneWorkers != 1 {
		t.Errorf("defaults not applied: %+v", cfg)
	}
	if !slices.Equal(cfg.Run.Variants, []string{"primary", "stability"}) {
		t.Errorf("variants = %v", cfg.Run.Variants)
	}
	if !slices.Equal(cfg.Run.Definitions, []string{"opioid_benzo"}) {
		t.Errorf("definitions = %v", cfg.Run.Definitions)
	}
	if !cfg.WritesParquet() || cfg.WritesPostgres() {
		t.Error("default output should be parquet only")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DDI_OUTPUT_FORMAT", "both")
	t.Setenv("DDI_POSTGRES_URL", "postgres://localhost/ddi")
	t.Setenv("DDI_RUN_VARIANTS", "stability")
	t.Setenv("DDI_LOG_LEVEL", "debug")

	cfg, err := Load(writeConfig(t, runYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !cfg.WritesPostgres() || cfg.Postgres.URL != "postgres://localhost/ddi" {
		t.Errorf("postgres = %+v format %q", cfg.Postgres, cfg.Output.Format)
	}
	if !slices.Equal(cfg.Run.Variants, []string{"stability"}) {
		t.Errorf("variants = %v", cfg.Run.Variants)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log level = %q", cfg.Log.Level)
	}
}

func TestLoadCatalogPath(t *testing.T) {
	abs := filepath.Join(t.TempDir(), "shared", "catalog.yaml")
	cfg, err := Load(writeConfig(t, "catalog: "+abs+"\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Catalog != abs {
		t.Errorf("absolute catalog rewritten to %q", cfg.Catalog)
	}

	// From the environment a relative catalog stays relative to the
	// working directory.
	t.Setenv("DDI_CATALOG", "configs/catalog.yaml")
	cfg, err = Load(writeConfig(t, runYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Catalog != "configs/catalog.yaml" {
		t.Errorf("env catalog = %q", cfg.Catalog)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	cfg := &Config{
		Output:  Output{Format: OutputPostgres},
		Run:     Run{Workers: 0, BeneWorkers: 1, Variants: []string{"primary", "sensitivity"}},
		Log:     Log{Level: "loud"},
		Tracing: Tracing{SampleRate: 2},
	}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{
		"catalog is required",
		"input.dispensing is required",
		"input.stays is required",
		"postgres.url is required",
		`unknown variant "sensitivity"`,
		"must be positive",
		"log.level",
		"sample_rate",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}
