// Package config holds the application configuration, loaded through
// viper from a yaml file, KEKKAI_* environment variables, and CLI flag
// bindings, in that order of increasing precedence.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// SandboxConfig tunes the hardened container sandbox every scanner
// runs inside.
type SandboxConfig struct {
	// Runtime is the container runtime binary, e.g. "docker" or "podman".
	Runtime string `mapstructure:"runtime" yaml:"runtime"`
	// UID/GID is the fixed non-root user scanners run as.
	UID int `mapstructure:"uid" yaml:"uid"`
	GID int `mapstructure:"gid" yaml:"gid"`
	// TmpfsSize caps the writable scratch space when the root
	// filesystem is read-only.
	TmpfsSize string `mapstructure:"tmpfs_size" yaml:"tmpfs_size"`
	// Memory and CPUs are hard ceilings passed to the runtime.
	Memory string `mapstructure:"memory" yaml:"memory"`
	CPUs   string `mapstructure:"cpus" yaml:"cpus"`
	// Timeout is the default wall-clock budget per scanner invocation.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
	// EnvAllowlist names the only environment variables forwarded into
	// sandboxed processes. Everything else is stripped.
	EnvAllowlist []string `mapstructure:"env_allowlist" yaml:"env_allowlist"`
}

// ScannerImageConfig pins the container image one scanner runs from.
type ScannerImageConfig struct {
	Image  string `mapstructure:"image" yaml:"image"`
	Digest string `mapstructure:"digest" yaml:"digest"`
}

// ScannersConfig selects and configures the scanner backends.
type ScannersConfig struct {
	// Enabled lists the scanner names to run, in order.
	Enabled  []string           `mapstructure:"enabled" yaml:"enabled"`
	Gitleaks ScannerImageConfig `mapstructure:"gitleaks" yaml:"gitleaks"`
	Trivy    ScannerImageConfig `mapstructure:"trivy" yaml:"trivy"`
	ZAP      ZAPConfig          `mapstructure:"zap" yaml:"zap"`
}

// ZAPConfig configures the DAST scanner. Target is the URL the
// baseline scan probes; it is validated by the URL policy guard before
// any sandbox is started.
type ZAPConfig struct {
	ScannerImageConfig `mapstructure:",squash" yaml:",inline"`
	Target             string `mapstructure:"target" yaml:"target"`
}

// StepConfig is one arbitrary pipeline step executed before the
// scanner loop (build, codegen, dependency download, ...).
type StepConfig struct {
	Name    string        `mapstructure:"name" yaml:"name"`
	Command []string      `mapstructure:"command" yaml:"command"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// PipelineConfig controls step/scanner sequencing.
type PipelineConfig struct {
	// FailFast aborts the run on the first failed step: remaining steps
	// and the scanner loop are skipped. Individual scanner failures
	// never abort the run in either mode.
	FailFast bool `mapstructure:"fail_fast" yaml:"fail_fast"`
	// ScannerConcurrency bounds how many scanner adapters may run at
	// once. 1 (the default) keeps the runner strictly sequential.
	ScannerConcurrency int          `mapstructure:"scanner_concurrency" yaml:"scanner_concurrency"`
	Steps              []StepConfig `mapstructure:"steps" yaml:"steps"`
}

// PolicyConfig drives the CI pass/fail verdict.
type PolicyConfig struct {
	MinFailSeverity string `mapstructure:"min_fail_severity" yaml:"min_fail_severity"`
	CI              bool   `mapstructure:"ci" yaml:"ci"`
}

// DatabaseConfig optionally points at a Postgres instance for scan
// history. An empty URL disables persistence entirely.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// Config is the root of the application configuration tree.
type Config struct {
	Logger   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	Sandbox  SandboxConfig  `mapstructure:"sandbox" yaml:"sandbox"`
	Scanners ScannersConfig `mapstructure:"scanners" yaml:"scanners"`
	Pipeline PipelineConfig `mapstructure:"pipeline" yaml:"pipeline"`
	Policy   PolicyConfig   `mapstructure:"policy" yaml:"policy"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
}

// SetDefaults initializes default values for all configuration keys.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "kekkai")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Sandbox --
	v.SetDefault("sandbox.runtime", "docker")
	v.SetDefault("sandbox.uid", 65534)
	v.SetDefault("sandbox.gid", 65534)
	v.SetDefault("sandbox.tmpfs_size", "512m")
	v.SetDefault("sandbox.memory", "2g")
	v.SetDefault("sandbox.cpus", "2")
	v.SetDefault("sandbox.timeout", 10*time.Minute)
	v.SetDefault("sandbox.env_allowlist", []string{"HTTP_PROXY", "HTTPS_PROXY", "NO_PROXY"})

	// -- Scanners --
	v.SetDefault("scanners.enabled", []string{"gitleaks", "trivy"})
	v.SetDefault("scanners.gitleaks.image", "zricethezav/gitleaks:v8.18.4")
	v.SetDefault("scanners.trivy.image", "aquasec/trivy:0.53.0")
	v.SetDefault("scanners.zap.image", "ghcr.io/zaproxy/zaproxy:stable")
	v.SetDefault("scanners.zap.target", "")

	// -- Pipeline --
	v.SetDefault("pipeline.fail_fast", true)
	v.SetDefault("pipeline.scanner_concurrency", 1)

	// -- Policy --
	v.SetDefault("policy.min_fail_severity", "HIGH")
	v.SetDefault("policy.ci", false)
}

// DefaultConfigDir returns the per-user directory searched for
// config.yaml when no explicit --config flag is given.
func DefaultConfigDir() (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".kekkai"), nil
}

// NewDefaultConfig creates a configuration populated with defaults only.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)
	cfg, err := NewConfigFromViper(v)
	if err != nil {
		// Defaults are covered by tests; a failure here is a
		// programming error, not an input error.
		panic(fmt.Sprintf("default config is invalid: %v", err))
	}
	return cfg
}

// NewConfigFromViper unmarshals and validates a configuration from the
// given viper instance.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Sandbox.Runtime == "" {
		return fmt.Errorf("sandbox.runtime must name a container runtime binary")
	}
	if c.Sandbox.UID <= 0 || c.Sandbox.GID <= 0 {
		return fmt.Errorf("sandbox.uid and sandbox.gid must be positive non-root IDs")
	}
	if c.Sandbox.Timeout <= 0 {
		return fmt.Errorf("sandbox.timeout must be a positive duration")
	}
	if c.Pipeline.ScannerConcurrency <= 0 {
		return fmt.Errorf("pipeline.scanner_concurrency must be a positive integer")
	}
	for i, step := range c.Pipeline.Steps {
		if step.Name == "" {
			return fmt.Errorf("pipeline.steps[%d]: name is required", i)
		}
		if len(step.Command) == 0 {
			return fmt.Errorf("pipeline step %q: command is required", step.Name)
		}
	}
	return nil
}
