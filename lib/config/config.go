// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the Warden
// daemon.
//
// Configuration comes from a single YAML file specified by the
// WARDEN_CONFIG environment variable or the --config flag. There are
// no fallbacks or automatic discovery: deterministic, auditable
// configuration with no hidden overrides.
//
// The file may contain environment-specific sections (development,
// staging, production) that override base values when the
// environment matches.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or "5m".
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard-library duration value.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the master configuration for the Warden daemon.
type Config struct {
	// Environment identifies the deployment type.
	Environment Environment `yaml:"environment"`

	// ListenAddress is the TCP address the API server binds
	// (e.g. ":8080").
	ListenAddress string `yaml:"listen_address"`

	// Paths configures directory locations.
	Paths PathsConfig `yaml:"paths"`

	// Sessions configures session lifecycle and quotas.
	Sessions SessionsConfig `yaml:"sessions"`

	// Execution configures command execution limits.
	Execution ExecutionConfig `yaml:"execution"`

	// Files configures the file gateway quotas.
	Files FilesConfig `yaml:"files"`

	// Install configures the package installer.
	Install InstallConfig `yaml:"install"`

	// Per-environment overrides, applied after the base config.
	Development *Overrides `yaml:"development,omitempty"`
	Staging     *Overrides `yaml:"staging,omitempty"`
	Production  *Overrides `yaml:"production,omitempty"`
}

// Overrides contains the fields that can be overridden per
// environment.
type Overrides struct {
	ListenAddress string           `yaml:"listen_address,omitempty"`
	Paths         *PathsConfig     `yaml:"paths,omitempty"`
	Sessions      *SessionsConfig  `yaml:"sessions,omitempty"`
	Execution     *ExecutionConfig `yaml:"execution,omitempty"`
	Files         *FilesConfig     `yaml:"files,omitempty"`
	Install       *InstallConfig   `yaml:"install,omitempty"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// Workspaces is where per-session workspace directories are
	// created.
	Workspaces string `yaml:"workspaces"`

	// Archives is where terminated session workspaces are archived
	// when archival is enabled.
	Archives string `yaml:"archives"`

	// State is where the registry snapshot and other runtime state
	// live.
	State string `yaml:"state"`

	// PolicyFile is the JSONC security policy.
	// Empty uses the built-in default policy.
	PolicyFile string `yaml:"policy_file"`
}

// SessionsConfig configures session lifecycle.
type SessionsConfig struct {
	// DefaultSession, when non-empty, is the session id used for
	// requests that carry none. Enabling it collapses isolation to a
	// single shared sandbox for such callers; multi-tenant
	// deployments should leave it empty and require explicit ids.
	DefaultSession string `yaml:"default_session"`

	// IdleTimeout is how long a session may sit without activity
	// before the sweeper terminates it. Default: 30m.
	IdleTimeout Duration `yaml:"idle_timeout"`

	// SweepInterval is how often the idle sweeper runs. Default: 1m.
	SweepInterval Duration `yaml:"sweep_interval"`

	// MaxConcurrentCommands is the per-session cap on simultaneous
	// executions. Default: 4.
	MaxConcurrentCommands int `yaml:"max_concurrent_commands"`

	// QueueWait is how long an execution over the concurrency cap
	// waits for a slot before failing Busy. Zero rejects
	// immediately. Default: 0.
	QueueWait Duration `yaml:"queue_wait"`

	// ArchiveOnTerminate packs the workspace to tar+zstd in the
	// archives directory before deletion. Default: false.
	ArchiveOnTerminate bool `yaml:"archive_on_terminate"`
}

// ExecutionConfig configures command execution limits.
type ExecutionConfig struct {
	// DefaultTimeout applies when the request carries no timeout.
	// Default: 60s.
	DefaultTimeout Duration `yaml:"default_timeout"`

	// MaxTimeout caps the request-supplied timeout. Default: 600s.
	MaxTimeout Duration `yaml:"max_timeout"`

	// OutputLimitBytes caps captured bytes per stream; excess is
	// discarded and the result is flagged truncated. Default: 1 MiB.
	OutputLimitBytes int64 `yaml:"output_limit_bytes"`
}

// FilesConfig configures file gateway quotas.
type FilesConfig struct {
	// MaxFileBytes is the per-file write cap. Default: 8 MiB.
	MaxFileBytes int64 `yaml:"max_file_bytes"`

	// MaxWorkspaceBytes is the whole-workspace quota. Default: 256 MiB.
	MaxWorkspaceBytes int64 `yaml:"max_workspace_bytes"`
}

// InstallConfig configures the package installer.
type InstallConfig struct {
	// Timeout bounds a single package installation. Default: 300s.
	Timeout Duration `yaml:"timeout"`
}

// EnvVariable names the environment variable that points at the
// config file.
const EnvVariable = "WARDEN_CONFIG"

// Load reads the config file at flagPath (from --config) or, when
// that is empty, from WARDEN_CONFIG. An empty path with no
// environment variable set is an error: the daemon never guesses its
// configuration.
func Load(flagPath string) (*Config, error) {
	filePath := flagPath
	if filePath == "" {
		filePath = os.Getenv(EnvVariable)
	}
	if filePath == "" {
		return nil, fmt.Errorf("no config file: pass --config or set %s", EnvVariable)
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	loaded, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filePath, err)
	}
	return loaded, nil
}

// Parse unmarshals a YAML config, applies the matching environment
// override section, fills defaults, and validates.
func Parse(data []byte) (*Config, error) {
	var loaded Config
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	loaded.applyOverrides()
	loaded.applyDefaults()
	if err := loaded.validate(); err != nil {
		return nil, err
	}
	return &loaded, nil
}

func (c *Config) applyOverrides() {
	var overrides *Overrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
	}
	if overrides == nil {
		return
	}
	if overrides.ListenAddress != "" {
		c.ListenAddress = overrides.ListenAddress
	}
	if overrides.Paths != nil {
		c.Paths = *overrides.Paths
	}
	if overrides.Sessions != nil {
		c.Sessions = *overrides.Sessions
	}
	if overrides.Execution != nil {
		c.Execution = *overrides.Execution
	}
	if overrides.Files != nil {
		c.Files = *overrides.Files
	}
	if overrides.Install != nil {
		c.Install = *overrides.Install
	}
}

func (c *Config) applyDefaults() {
	if c.Environment == "" {
		c.Environment = Development
	}
	if c.ListenAddress == "" {
		c.ListenAddress = ":8080"
	}
	if c.Sessions.IdleTimeout == 0 {
		c.Sessions.IdleTimeout = Duration(30 * time.Minute)
	}
	if c.Sessions.SweepInterval == 0 {
		c.Sessions.SweepInterval = Duration(time.Minute)
	}
	if c.Sessions.MaxConcurrentCommands == 0 {
		c.Sessions.MaxConcurrentCommands = 4
	}
	if c.Execution.DefaultTimeout == 0 {
		c.Execution.DefaultTimeout = Duration(60 * time.Second)
	}
	if c.Execution.MaxTimeout == 0 {
		c.Execution.MaxTimeout = Duration(600 * time.Second)
	}
	if c.Execution.OutputLimitBytes == 0 {
		c.Execution.OutputLimitBytes = 1 << 20
	}
	if c.Files.MaxFileBytes == 0 {
		c.Files.MaxFileBytes = 8 << 20
	}
	if c.Files.MaxWorkspaceBytes == 0 {
		c.Files.MaxWorkspaceBytes = 256 << 20
	}
	if c.Install.Timeout == 0 {
		c.Install.Timeout = Duration(300 * time.Second)
		if c.Install.Timeout > c.Execution.MaxTimeout {
			c.Install.Timeout = c.Execution.MaxTimeout
		}
	}
}

func (c *Config) validate() error {
	switch c.Environment {
	case Development, Staging, Production:
	default:
		return fmt.Errorf("config: unknown environment %q", c.Environment)
	}
	if c.Paths.Workspaces == "" {
		return fmt.Errorf("config: paths.workspaces is required")
	}
	if c.Sessions.ArchiveOnTerminate && c.Paths.Archives == "" {
		return fmt.Errorf("config: paths.archives is required when sessions.archive_on_terminate is set")
	}
	if c.Sessions.MaxConcurrentCommands < 1 {
		return fmt.Errorf("config: sessions.max_concurrent_commands must be positive")
	}
	if c.Execution.MaxTimeout.Std() < c.Execution.DefaultTimeout.Std() {
		return fmt.Errorf("config: execution.max_timeout below default_timeout")
	}
	// Installs run through the executor, whose timeout ceiling
	// applies to them too.
	if c.Install.Timeout.Std() > c.Execution.MaxTimeout.Std() {
		return fmt.Errorf("config: install.timeout above execution.max_timeout")
	}
	return nil
}
