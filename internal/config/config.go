// Package config loads application configuration from config.yaml and
// RATES_-prefixed environment variables, env taking precedence.
package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tariffdesk/rates-cli/internal/db"
)

// Config holds the full application configuration.
type Config struct {
	Store       StoreConfig       `yaml:"store" mapstructure:"store"`
	Idempotency IdempotencyConfig `yaml:"idempotency" mapstructure:"idempotency"`
	Reconcile   ReconcileConfig   `yaml:"reconcile" mapstructure:"reconcile"`
	Import      ImportConfig      `yaml:"import" mapstructure:"import"`
	Fetch       FetchConfig       `yaml:"fetch" mapstructure:"fetch"`
	Anthropic   AnthropicConfig   `yaml:"anthropic" mapstructure:"anthropic"`
	Notion      NotionConfig      `yaml:"notion" mapstructure:"notion"`
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the rate database.
type StoreConfig struct {
	DatabaseURL string        `yaml:"database_url" mapstructure:"database_url"`
	Pool        db.PoolConfig `yaml:"pool" mapstructure:"pool"`
}

// IdempotencyConfig configures the request guard backend.
type IdempotencyConfig struct {
	Backend          string `yaml:"backend" mapstructure:"backend"`
	SQLitePath       string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	ReapAfterMins    int    `yaml:"reap_after_mins" mapstructure:"reap_after_mins"`
	ReplayMaxAgeSecs int    `yaml:"replay_max_age_secs" mapstructure:"replay_max_age_secs"`
}

// ReconcileConfig configures cross-source reconciliation policy.
// Tolerances are decimal strings so precision survives the config
// round-trip.
type ReconcileConfig struct {
	Mode            string   `yaml:"mode" mapstructure:"mode"`
	AbsTolerance    string   `yaml:"abs_tolerance" mapstructure:"abs_tolerance"`
	RelTolerance    string   `yaml:"rel_tolerance" mapstructure:"rel_tolerance"`
	OfficialDomains []string `yaml:"official_domains" mapstructure:"official_domains"`
}

// ImportConfig configures the import pipeline.
type ImportConfig struct {
	Manifest  string `yaml:"manifest" mapstructure:"manifest"`
	BatchSize int    `yaml:"batch_size" mapstructure:"batch_size"`
	ReportDir string `yaml:"report_dir" mapstructure:"report_dir"`
	TempDir   string `yaml:"temp_dir" mapstructure:"temp_dir"`
}

// FetchConfig configures source document retrieval.
type FetchConfig struct {
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	Retries     int     `yaml:"retries" mapstructure:"retries"`
	RatePerSec  float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	UserAgent   string  `yaml:"user_agent" mapstructure:"user_agent"`
}

// AnthropicConfig holds Anthropic API settings for document extraction.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int    `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// NotionConfig holds Notion API credentials for conflict review pages.
type NotionConfig struct {
	Token      string `yaml:"token" mapstructure:"token"`
	ConflictDB string `yaml:"conflict_db" mapstructure:"conflict_db"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("RATES")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("idempotency.backend", "postgres")
	v.SetDefault("idempotency.sqlite_path", "rates-idem.db")
	v.SetDefault("idempotency.reap_after_mins", 15)
	v.SetDefault("idempotency.replay_max_age_secs", 3600)
	v.SetDefault("reconcile.mode", "prefer_official")
	v.SetDefault("reconcile.abs_tolerance", "0.01")
	v.SetDefault("reconcile.rel_tolerance", "0.015")
	v.SetDefault("import.batch_size", 5000)
	v.SetDefault("import.report_dir", "reports")
	v.SetDefault("import.temp_dir", "/tmp/rates-import")
	v.SetDefault("fetch.timeout_secs", 60)
	v.SetDefault("fetch.retries", 2)
	v.SetDefault("fetch.rate_per_sec", 4.0)
	v.SetDefault("fetch.user_agent", "tariffdesk-rates/1.0")
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 4096)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the fields a given command mode depends on.
func (c *Config) Validate(mode string) error {
	var problems []string

	common := func() {
		switch c.Reconcile.Mode {
		case "strict", "prefer_official", "any":
		default:
			problems = append(problems, "reconcile.mode must be strict, prefer_official, or any")
		}
		if c.Import.BatchSize < 1 || c.Import.BatchSize > 100000 {
			problems = append(problems, "import.batch_size must be between 1 and 100000")
		}
	}

	requireStore := func() {
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required")
		}
	}

	switch mode {
	case "migrate":
		requireStore()
	case "import":
		requireStore()
		common()
		if c.Import.Manifest == "" {
			problems = append(problems, "import.manifest is required")
		}
	case "serve":
		requireStore()
		common()
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
		switch c.Idempotency.Backend {
		case "postgres":
		case "sqlite":
			if c.Idempotency.SQLitePath == "" {
				problems = append(problems, "idempotency.sqlite_path is required for the sqlite backend")
			}
		default:
			problems = append(problems, "idempotency.backend must be postgres or sqlite")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.New("config: " + strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
