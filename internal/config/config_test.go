package config_test

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kekkai-sec/kekkai/internal/config"
)

func TestNewDefaultConfig(t *testing.T) {
	cfg := config.NewDefaultConfig()

	assert.Equal(t, "docker", cfg.Sandbox.Runtime)
	assert.Equal(t, 65534, cfg.Sandbox.UID)
	assert.Equal(t, 10*time.Minute, cfg.Sandbox.Timeout)
	assert.Equal(t, []string{"gitleaks", "trivy"}, cfg.Scanners.Enabled)
	assert.True(t, cfg.Pipeline.FailFast)
	assert.Equal(t, 1, cfg.Pipeline.ScannerConcurrency)
	assert.Equal(t, "HIGH", cfg.Policy.MinFailSeverity)
	assert.Empty(t, cfg.Database.URL, "history store is opt-in")
}

func TestNewConfigFromViper_Overrides(t *testing.T) {
	v := viper.New()
	config.SetDefaults(v)
	v.Set("sandbox.runtime", "podman")
	v.Set("scanners.enabled", []string{"trivy", "zap"})
	v.Set("scanners.zap.target", "https://staging.example.com")
	v.Set("pipeline.fail_fast", false)

	cfg, err := config.NewConfigFromViper(v)
	require.NoError(t, err)
	assert.Equal(t, "podman", cfg.Sandbox.Runtime)
	assert.Equal(t, []string{"trivy", "zap"}, cfg.Scanners.Enabled)
	assert.Equal(t, "https://staging.example.com", cfg.Scanners.ZAP.Target)
	assert.False(t, cfg.Pipeline.FailFast)
}

func TestValidate_Failures(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{
			name:    "missing runtime",
			mutate:  func(c *config.Config) { c.Sandbox.Runtime = "" },
			wantErr: "sandbox.runtime",
		},
		{
			name:    "root uid",
			mutate:  func(c *config.Config) { c.Sandbox.UID = 0 },
			wantErr: "sandbox.uid",
		},
		{
			name:    "zero timeout",
			mutate:  func(c *config.Config) { c.Sandbox.Timeout = 0 },
			wantErr: "sandbox.timeout",
		},
		{
			name:    "bad concurrency",
			mutate:  func(c *config.Config) { c.Pipeline.ScannerConcurrency = 0 },
			wantErr: "scanner_concurrency",
		},
		{
			name: "step without command",
			mutate: func(c *config.Config) {
				c.Pipeline.Steps = []config.StepConfig{{Name: "build"}}
			},
			wantErr: `step "build"`,
		},
		{
			name: "step without name",
			mutate: func(c *config.Config) {
				c.Pipeline.Steps = []config.StepConfig{{Command: []string{"make"}}}
			},
			wantErr: "name is required",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.NewDefaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestDefaultConfigDir(t *testing.T) {
	dir, err := config.DefaultConfigDir()
	require.NoError(t, err)
	assert.Contains(t, dir, ".kekkai")
}
