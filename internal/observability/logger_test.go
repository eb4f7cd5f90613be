package observability_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/kekkai-sec/kekkai/internal/config"
	"github.com/kekkai-sec/kekkai/internal/observability"
)

// discardSyncer satisfies zapcore.WriteSyncer without touching stdout.
type discardSyncer struct{}

func (discardSyncer) Write(p []byte) (int, error) { return len(p), nil }
func (discardSyncer) Sync() error                 { return nil }

func TestGetLogger_FallbackBeforeInitialize(t *testing.T) {
	observability.ResetForTest()
	t.Cleanup(observability.ResetForTest)

	logger := observability.GetLogger()
	require.NotNil(t, logger)
	// The fallback is namespaced so misconfigured callers are visible.
	assert.Contains(t, logger.Name(), "fallback")
}

func TestInitialize_OnlyOnce(t *testing.T) {
	observability.ResetForTest()
	t.Cleanup(observability.ResetForTest)

	observability.Initialize(config.LoggerConfig{
		Level:       "debug",
		Format:      "json",
		ServiceName: "kekkai-test",
	}, discardSyncer{})
	first := observability.GetLogger()
	require.NotNil(t, first)
	assert.Equal(t, "kekkai-test", first.Name())

	// A second Initialize is a no-op.
	observability.Initialize(config.LoggerConfig{
		Level:       "error",
		Format:      "console",
		ServiceName: "other",
	}, discardSyncer{})
	assert.Same(t, first, observability.GetLogger())
}

func TestInitialize_InvalidLevelDefaultsToInfo(t *testing.T) {
	observability.ResetForTest()
	t.Cleanup(observability.ResetForTest)

	observability.Initialize(config.LoggerConfig{
		Level:       "not-a-level",
		Format:      "json",
		ServiceName: "kekkai-test",
	}, discardSyncer{})

	logger := observability.GetLogger()
	assert.False(t, logger.Core().Enabled(zapcore.DebugLevel))
	assert.True(t, logger.Core().Enabled(zapcore.InfoLevel))
}

func TestSync_NoPanicWithoutLogger(t *testing.T) {
	observability.ResetForTest()
	t.Cleanup(observability.ResetForTest)
	assert.NotPanics(t, observability.Sync)
}
