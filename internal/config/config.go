// Package config loads jsonrel settings from defaults, an optional YAML
// file, JSONREL_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Input    InputConfig    `mapstructure:"input"`
	Import   ImportConfig   `mapstructure:"import"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

type InputConfig struct {
	URL     string        `mapstructure:"url"`
	File    string        `mapstructure:"file"`
	Lines   bool          `mapstructure:"lines"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type ImportConfig struct {
	RootTable  string `mapstructure:"root_table"`
	Simple     bool   `mapstructure:"simple"`
	NoImport   bool   `mapstructure:"no_import"`
	BatchSize  int    `mapstructure:"batch_size"`
	NoProgress bool   `mapstructure:"no_progress"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Echo   bool   `mapstructure:"echo"`
}

type MetricsConfig struct {
	Backend        string `mapstructure:"backend"`
	PushgatewayURL string `mapstructure:"pushgateway_url"`
	Job            string `mapstructure:"job"`
	Tags           string `mapstructure:"tags"`
}

// FlagKeys maps command-line flag names to configuration keys.
var FlagKeys = map[string]string{
	"databaseurl":     "database.url",
	"url":             "input.url",
	"file":            "input.file",
	"line":            "input.lines",
	"root-table":      "import.root_table",
	"simple":          "import.simple",
	"noimport":        "import.no_import",
	"batch-size":      "import.batch_size",
	"no-progress":     "import.no_progress",
	"loglevel":        "logging.level",
	"log-format":      "logging.format",
	"echo":            "logging.echo",
	"metrics-backend": "metrics.backend",
	"pushgateway-url": "metrics.pushgateway_url",
}

// Load builds a Config. path names a config file that must exist; when it is
// empty, jsonrel.yaml is looked up in the working directory and ./configs and
// may be missing. Flags in fs that the user set override every other source.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("JSONREL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// The metrics variables predate the JSONREL_ prefix.
	for key, env := range map[string]string{
		"metrics.backend":         "METRICS_BACKEND",
		"metrics.pushgateway_url": "PUSHGATEWAY_URL",
		"metrics.tags":            "METRICS_TAGS",
	} {
		envKey := "JSONREL_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envKey, env); err != nil {
			return nil, fmt.Errorf("config: bind env %s: %w", env, err)
		}
	}

	if fs != nil {
		for name, key := range FlagKeys {
			f := fs.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("config: bind flag %s: %w", name, err)
			}
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else {
		v.SetConfigName("jsonrel")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("config: read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("input.timeout", "300s")
	v.SetDefault("input.lines", false)

	v.SetDefault("import.root_table", "main")
	v.SetDefault("import.batch_size", 100)

	v.SetDefault("logging.level", "INFO")
	v.SetDefault("logging.format", "text")

	v.SetDefault("metrics.backend", "none")
	v.SetDefault("metrics.pushgateway_url", "http://localhost:9091")
	v.SetDefault("metrics.job", "jsonrel")
}

// Validate reports every problem with c at once.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Database.URL) == "" {
		errs = append(errs, errors.New("database url is required (--databaseurl or JSONREL_DATABASE_URL)"))
	}
	if c.Input.URL != "" && c.Input.File != "" && c.Input.File != "-" {
		errs = append(errs, errors.New("only one of --url and --file may be set"))
	}
	if c.Input.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("input timeout must be positive, got %s", c.Input.Timeout))
	}
	if c.Import.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("batch size must be positive, got %d", c.Import.BatchSize))
	}
	if strings.TrimSpace(c.Import.RootTable) == "" {
		errs = append(errs, errors.New("root table must not be empty"))
	}
	switch strings.ToUpper(c.Logging.Level) {
	case "ERROR", "WARNING", "WARN", "INFO", "DEBUG":
	default:
		errs = append(errs, fmt.Errorf("log level %q is not one of ERROR|WARNING|INFO|DEBUG", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log format %q is not one of text|json", c.Logging.Format))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
