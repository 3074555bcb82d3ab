// Package config loads robotflow settings from a YAML file, ROBOTFLOW_*
// environment variables and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/danshapiro/robotflow/internal/failure"
	"github.com/danshapiro/robotflow/internal/logging"
	"github.com/danshapiro/robotflow/internal/orchestrator"
	"github.com/danshapiro/robotflow/internal/runbook"
	"github.com/danshapiro/robotflow/internal/store"
)

const (
	EnvPrefix = "ROBOTFLOW"

	StoreFile     = "file"
	StorePostgres = "postgres"
)

type CategoryConfig struct {
	Retryable         *bool `mapstructure:"retryable"`
	MaxAttempts       int   `mapstructure:"max_attempts"`
	NotifyBeforeRetry *bool `mapstructure:"notify_before_retry"`
}

type OverrideConfig struct {
	Pattern     string `mapstructure:"pattern"`
	MaxAttempts int    `mapstructure:"max_attempts"`
}

type BackoffConfig struct {
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	Factor       float64       `mapstructure:"factor"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Jitter       bool          `mapstructure:"jitter"`
}

type RetryConfig struct {
	OperatorCap int                       `mapstructure:"operator_cap"`
	Categories  map[string]CategoryConfig `mapstructure:"categories"`
	// Overrides replaces the built-in tool overrides when non-empty.
	Overrides []OverrideConfig `mapstructure:"overrides"`
	Backoff   BackoffConfig    `mapstructure:"backoff"`
}

type StoreConfig struct {
	Driver   string               `mapstructure:"driver"`
	Postgres store.PostgresConfig `mapstructure:"postgres"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

type Config struct {
	// DataDir holds one directory per run (progress, report, file journal).
	DataDir     string          `mapstructure:"data_dir"`
	MaxParallel int             `mapstructure:"max_parallel"`
	Log         logging.Options `mapstructure:"log"`
	Store       StoreConfig     `mapstructure:"store"`
	Retry       RetryConfig     `mapstructure:"retry"`
	Runbook     runbook.Config  `mapstructure:"runbook"`
	Server      ServerConfig    `mapstructure:"server"`
}

func setDefaults(v *viper.Viper) {
	rb := runbook.DefaultConfig()
	v.SetDefault("data_dir", defaultDataDir())
	v.SetDefault("max_parallel", orchestrator.DefaultMaxParallel)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", logging.FormatConsole)
	v.SetDefault("store.driver", StoreFile)
	v.SetDefault("store.postgres.url", "")
	v.SetDefault("store.postgres.ping_timeout", 5*time.Second)
	v.SetDefault("store.postgres.max_open_conns", 10)
	v.SetDefault("store.postgres.max_idle_conns", 5)
	v.SetDefault("store.postgres.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("retry.operator_cap", orchestrator.DefaultOperatorCap)
	v.SetDefault("retry.backoff.initial_delay", time.Duration(0))
	v.SetDefault("retry.backoff.factor", 2.0)
	v.SetDefault("retry.backoff.max_delay", time.Duration(0))
	v.SetDefault("retry.backoff.jitter", false)
	v.SetDefault("runbook.rcc_path", rb.RCCPath)
	v.SetDefault("runbook.action_server_path", rb.ActionServerPath)
	v.SetDefault("runbook.editor_path", rb.EditorPath)
	v.SetDefault("runbook.bootstrap_root", rb.BootstrapRoot)
	v.SetDefault("runbook.work_dir", "")
	v.SetDefault("runbook.command_timeout", rb.CommandTimeout)
	v.SetDefault("runbook.server_start_port", rb.ServerStartPort)
	v.SetDefault("runbook.server_start_timeout", rb.ServerStartTimeout)
	v.SetDefault("runbook.registry.endpoint", "")
	v.SetDefault("runbook.registry.access_key", "")
	v.SetDefault("runbook.registry.secret_key", "")
	v.SetDefault("runbook.registry.bucket", "")
	v.SetDefault("runbook.registry.region", "")
	v.SetDefault("runbook.registry.secure", true)
	v.SetDefault("runbook.registry.prefix", "")
	v.SetDefault("server.addr", "127.0.0.1:8765")
}

func defaultDataDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "robotflow", "runs")
	}
	return filepath.Join(".robotflow", "runs")
}

// Load reads path when given, otherwise robotflow.yaml from the working
// directory or $HOME/.config/robotflow when present. Environment variables
// such as ROBOTFLOW_STORE_DRIVER override file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("robotflow")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "robotflow"))
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	cfg.Store.Driver = strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = StoreFile
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = orchestrator.DefaultMaxParallel
	}
	cfg.DataDir = expandHome(strings.TrimSpace(cfg.DataDir))
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir()
	}
	cfg.Runbook.BootstrapRoot = expandHome(cfg.Runbook.BootstrapRoot)
	cfg.Runbook.WorkDir = expandHome(cfg.Runbook.WorkDir)
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

func (c *Config) Validate() error {
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", logging.FormatConsole, logging.FormatJSON:
	default:
		return fmt.Errorf("invalid log.format: %q (want console|json)", c.Log.Format)
	}
	switch c.Store.Driver {
	case StoreFile:
	case StorePostgres:
		if err := c.Store.Postgres.Validate(); err != nil {
			return fmt.Errorf("store.postgres: %w", err)
		}
	default:
		return fmt.Errorf("invalid store.driver: %q (want file|postgres)", c.Store.Driver)
	}
	if err := c.Runbook.Validate(); err != nil {
		return fmt.Errorf("runbook: %w", err)
	}
	if _, err := c.Retry.Policy(); err != nil {
		return err
	}
	return nil
}

// Policy merges the configured retry settings over the default policy.
func (r RetryConfig) Policy() (orchestrator.RetryPolicy, error) {
	p := orchestrator.DefaultRetryPolicy()
	p.OperatorCap = r.OperatorCap
	for name, cc := range r.Categories {
		c, err := failure.ParseCategory(name)
		if err != nil {
			return orchestrator.RetryPolicy{}, fmt.Errorf("retry.categories: %w", err)
		}
		cp := p.Categories[c]
		if cc.Retryable != nil {
			cp.Retryable = *cc.Retryable
		}
		if cc.MaxAttempts != 0 {
			cp.MaxAttempts = cc.MaxAttempts
		}
		if cc.NotifyBeforeRetry != nil {
			cp.NotifyBeforeRetry = *cc.NotifyBeforeRetry
		}
		p.Categories[c] = cp
	}
	if len(r.Overrides) > 0 {
		p.Overrides = p.Overrides[:0]
		for _, o := range r.Overrides {
			p.Overrides = append(p.Overrides, orchestrator.ToolOverride{Pattern: strings.TrimSpace(o.Pattern), MaxAttempts: o.MaxAttempts})
		}
	}
	p.Backoff = orchestrator.Backoff{
		InitialDelay: r.Backoff.InitialDelay,
		Factor:       r.Backoff.Factor,
		MaxDelay:     r.Backoff.MaxDelay,
		Jitter:       r.Backoff.Jitter,
	}
	if err := p.Validate(); err != nil {
		return orchestrator.RetryPolicy{}, err
	}
	return p, nil
}
