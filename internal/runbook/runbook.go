// Package runbook registers the robot and action package tools: rcc robot
// lifecycle commands, action package authoring on the local filesystem, the
// action server process and its HTTP API, and artifact pushes to an
// S3-compatible registry.
package runbook

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/danshapiro/robotflow/internal/tool"
)

const (
	DefaultServerStartPort    = 8080
	DefaultServerStartTimeout = 60 * time.Second
	bootstrapDirName          = "actions_bootstrapper"
)

// RegistryConfig addresses the artifact registry used by robot.push.
type RegistryConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	Secure    bool   `mapstructure:"secure"`
	Prefix    string `mapstructure:"prefix"`
}

// Configured reports whether any registry setting was given.
func (c RegistryConfig) Configured() bool {
	return strings.TrimSpace(c.Endpoint) != ""
}

func (c RegistryConfig) Validate() error {
	if !c.Configured() {
		return nil
	}
	if strings.Contains(c.Endpoint, "://") {
		return errors.New("registry endpoint must be host[:port] without a scheme")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("registry bucket is required")
	}
	if (c.AccessKey == "") != (c.SecretKey == "") {
		return errors.New("registry access_key and secret_key must be set together")
	}
	return nil
}

type Config struct {
	RCCPath          string `mapstructure:"rcc_path"`
	ActionServerPath string `mapstructure:"action_server_path"`
	EditorPath       string `mapstructure:"editor_path"`
	// BootstrapRoot holds one directory per action package.
	BootstrapRoot string `mapstructure:"bootstrap_root"`
	// WorkDir is the working directory for rcc commands given no robot_path.
	WorkDir            string         `mapstructure:"work_dir"`
	CommandTimeout     time.Duration  `mapstructure:"command_timeout"`
	ServerStartPort    int            `mapstructure:"server_start_port"`
	ServerStartTimeout time.Duration  `mapstructure:"server_start_timeout"`
	Registry           RegistryConfig `mapstructure:"registry"`

	HTTPClient   *http.Client  `mapstructure:"-"`
	PollInterval time.Duration `mapstructure:"-"`
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return Config{
		RCCPath:            "rcc",
		ActionServerPath:   "action-server",
		EditorPath:         "code",
		BootstrapRoot:      filepath.Join(home, bootstrapDirName),
		CommandTimeout:     tool.DefaultCommandTimeout,
		ServerStartPort:    DefaultServerStartPort,
		ServerStartTimeout: DefaultServerStartTimeout,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RCCPath == "" {
		c.RCCPath = d.RCCPath
	}
	if c.ActionServerPath == "" {
		c.ActionServerPath = d.ActionServerPath
	}
	if c.EditorPath == "" {
		c.EditorPath = d.EditorPath
	}
	if c.BootstrapRoot == "" {
		c.BootstrapRoot = d.BootstrapRoot
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = d.CommandTimeout
	}
	if c.ServerStartPort <= 0 {
		c.ServerStartPort = d.ServerStartPort
	}
	if c.ServerStartTimeout <= 0 {
		c.ServerStartTimeout = d.ServerStartTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return c
}

func (c Config) Validate() error {
	if c.ServerStartPort < 0 || c.ServerStartPort > 65535 {
		return fmt.Errorf("server_start_port %d out of range", c.ServerStartPort)
	}
	if c.CommandTimeout < 0 || c.ServerStartTimeout < 0 {
		return errors.New("timeouts must be >= 0")
	}
	if err := c.Registry.Validate(); err != nil {
		return err
	}
	return nil
}

// Runbook owns the tool executors and the settings they share.
type Runbook struct {
	cfg    Config
	logger zerolog.Logger

	upMu     sync.Mutex
	uploader Uploader
}

func New(cfg Config, logger *zerolog.Logger) (*Runbook, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "runbook").Logger()
	}
	return &Runbook{cfg: cfg.withDefaults(), logger: l}, nil
}

// Register adds every runbook tool to reg.
func Register(reg *tool.Registry, cfg Config, logger *zerolog.Logger) (*Runbook, error) {
	rb, err := New(cfg, logger)
	if err != nil {
		return nil, err
	}
	for _, t := range rb.Tools() {
		if err := reg.Register(t); err != nil {
			return nil, err
		}
	}
	return rb, nil
}

// Tools returns the robot, action package and action server tools.
func (rb *Runbook) Tools() []tool.Tool {
	var out []tool.Tool
	out = append(out, rb.robotTools()...)
	out = append(out, rb.pushTool())
	out = append(out, rb.actionTools()...)
	out = append(out, rb.serverTools()...)
	return out
}

func (rb *Runbook) Config() Config { return rb.cfg }

// resolve interprets p relative to the configured work dir.
func (rb *Runbook) resolve(p string) string {
	if p == "" {
		return rb.cfg.WorkDir
	}
	if filepath.IsAbs(p) || rb.cfg.WorkDir == "" {
		return p
	}
	return filepath.Join(rb.cfg.WorkDir, p)
}

func required(name, desc string) tool.Param {
	return tool.Param{Name: name, Type: "string", Description: desc, Required: true}
}

func optional(name, desc string) tool.Param {
	return tool.Param{Name: name, Type: "string", Description: desc}
}
