package pipeline_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kekkai-sec/kekkai/internal/config"
	"github.com/kekkai-sec/kekkai/internal/pipeline"
	"github.com/kekkai-sec/kekkai/internal/sandbox"
)

func TestHostStepExecutor_Success(t *testing.T) {
	exec := pipeline.NewHostStepExecutor(zap.NewNop())
	res := exec.RunStep(context.Background(), config.StepConfig{
		Name:    "hello",
		Command: []string{"/bin/sh", "-c", "echo prepared"},
	}, t.TempDir())

	assert.Equal(t, pipeline.StatusSucceeded, res.Status)
	assert.Equal(t, 0, res.ExitCode)
	assert.False(t, res.TimedOut)
	assert.Contains(t, res.Output, "prepared")
}

func TestHostStepExecutor_NonZeroExit(t *testing.T) {
	exec := pipeline.NewHostStepExecutor(zap.NewNop())
	res := exec.RunStep(context.Background(), config.StepConfig{
		Name:    "boom",
		Command: []string{"/bin/sh", "-c", "echo broken >&2; exit 3"},
	}, t.TempDir())

	assert.Equal(t, pipeline.StatusFailed, res.Status)
	assert.Equal(t, 3, res.ExitCode)
	assert.Contains(t, res.Output, "broken", "stderr is captured alongside stdout")
}

func TestHostStepExecutor_Timeout(t *testing.T) {
	exec := pipeline.NewHostStepExecutor(zap.NewNop())
	res := exec.RunStep(context.Background(), config.StepConfig{
		Name:    "hang",
		Command: []string{"/bin/sh", "-c", "sleep 30"},
		Timeout: 300 * time.Millisecond,
	}, t.TempDir())

	assert.Equal(t, pipeline.StatusTimedOut, res.Status)
	assert.True(t, res.TimedOut)
	assert.Equal(t, sandbox.TimeoutExitCode, res.ExitCode)
	assert.GreaterOrEqual(t, res.DurationMs, int64(300))
}

func TestHostStepExecutor_SpawnFailure(t *testing.T) {
	exec := pipeline.NewHostStepExecutor(zap.NewNop())
	res := exec.RunStep(context.Background(), config.StepConfig{
		Name:    "missing",
		Command: []string{"/does/not/exist"},
	}, t.TempDir())

	assert.Equal(t, pipeline.StatusFailed, res.Status)
	assert.Equal(t, -1, res.ExitCode)
	assert.NotEmpty(t, res.Output)
}

func TestHostStepExecutor_RunsInRepoDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "marker.txt"), []byte("x"), 0o644))

	exec := pipeline.NewHostStepExecutor(zap.NewNop())
	res := exec.RunStep(context.Background(), config.StepConfig{
		Name:    "list",
		Command: []string{"/bin/sh", "-c", "ls"},
	}, dir)

	require.Equal(t, pipeline.StatusSucceeded, res.Status)
	assert.Contains(t, res.Output, "marker.txt")
}
