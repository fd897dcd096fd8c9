package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func testFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.StringP("databaseurl", "d", "", "")
	fs.BoolP("simple", "s", false, "")
	fs.IntP("batch-size", "N", 100, "")
	fs.StringP("loglevel", "L", "INFO", "")
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	return fs
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Import.RootTable != "main" || cfg.Import.BatchSize != 100 {
		t.Fatalf("import=%+v", cfg.Import)
	}
	if cfg.Input.Timeout != 300*time.Second {
		t.Fatalf("timeout=%s", cfg.Input.Timeout)
	}
	if cfg.Logging.Level != "INFO" || cfg.Logging.Format != "text" {
		t.Fatalf("logging=%+v", cfg.Logging)
	}
	if cfg.Metrics.Job != "jsonrel" {
		t.Fatalf("metrics=%+v", cfg.Metrics)
	}
}

func TestLoad_FilePrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jsonrel.yaml")
	yaml := `
database:
  url: sqlite:///from-file.db
import:
  root_table: docs
  batch_size: 10
  simple: true
logging:
  level: DEBUG
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("JSONREL_IMPORT_ROOT_TABLE", "from_env")

	cfg, err := Load(path, testFlags(t, "-N", "7"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.URL != "sqlite:///from-file.db" {
		t.Fatalf("url=%q", cfg.Database.URL)
	}
	if cfg.Import.RootTable != "from_env" {
		t.Fatalf("env should override file, root=%q", cfg.Import.RootTable)
	}
	if cfg.Import.BatchSize != 7 {
		t.Fatalf("flag should override file, batch=%d", cfg.Import.BatchSize)
	}
	if !cfg.Import.Simple {
		t.Fatalf("unset flag must not hide file value")
	}
	if cfg.Logging.Level != "DEBUG" {
		t.Fatalf("level=%q", cfg.Logging.Level)
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	t.Parallel()
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), nil); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestLoad_LegacyMetricsEnv(t *testing.T) {
	t.Setenv("METRICS_BACKEND", "datadog")
	t.Setenv("METRICS_TAGS", "team:data,env:test")

	cfg, err := Load("", testFlags(t, "-d", "memory://"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Metrics.Backend != "datadog" || cfg.Metrics.Tags != "team:data,env:test" {
		t.Fatalf("metrics=%+v", cfg.Metrics)
	}
	if cfg.Database.URL != "memory://" {
		t.Fatalf("url=%q", cfg.Database.URL)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := func() Config {
		return Config{
			Database: DatabaseConfig{URL: "sqlite://"},
			Input:    InputConfig{Timeout: time.Second},
			Import:   ImportConfig{RootTable: "main", BatchSize: 1},
			Logging:  LoggingConfig{Level: "warning", Format: "json"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "stdin dash with url", mutate: func(c *Config) { c.Input.URL = "http://x"; c.Input.File = "-" }},
		{name: "missing url", mutate: func(c *Config) { c.Database.URL = " " }, wantErr: "database url is required"},
		{name: "url and file", mutate: func(c *Config) { c.Input.URL = "http://x"; c.Input.File = "a.json" }, wantErr: "only one of --url and --file"},
		{name: "batch size", mutate: func(c *Config) { c.Import.BatchSize = 0 }, wantErr: "batch size must be positive"},
		{name: "root table", mutate: func(c *Config) { c.Import.RootTable = "" }, wantErr: "root table"},
		{name: "log level", mutate: func(c *Config) { c.Logging.Level = "TRACE" }, wantErr: `log level "TRACE"`},
		{name: "log format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: `log format "xml"`},
		{name: "timeout", mutate: func(c *Config) { c.Input.Timeout = 0 }, wantErr: "timeout must be positive"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err=%v, want contains %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_JoinsErrors(t *testing.T) {
	t.Parallel()
	err := (&Config{}).Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"database url", "batch size", "root table", "log level"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("err=%v missing %q", err, want)
		}
	}
}
