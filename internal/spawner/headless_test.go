package spawner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ralphctl/ralphctl/internal/common/logger"
	"github.com/ralphctl/ralphctl/internal/domain"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return log
}

func TestHeadlessSpawnCapturesOutputAndExits(t *testing.T) {
	h := NewHeadless("cat", nil, newTestLogger(t))
	assert.Equal(t, "headless", h.Name())
	assert.True(t, h.Available(context.Background()))

	workingDir := t.TempDir()
	result := h.Spawn(context.Background(), Request{
		SessionID:        "sess-1",
		Issue:            domain.Issue{Number: 1},
		WorkingDirectory: workingDir,
		PromptContent:    "hello from the prompt",
	})
	require.True(t, result.Success, result.Error)
	require.NotEmpty(t, result.SpawnID)

	deadline := time.Now().Add(5 * time.Second)
	var status Status
	for time.Now().Before(deadline) {
		var err error
		status, err = h.StatusOf(context.Background(), result.SpawnID)
		require.NoError(t, err)
		if !status.Running {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	assert.False(t, status.Running)
	require.NotNil(t, status.ExitCode)
	assert.Equal(t, 0, *status.ExitCode)

	logPath, ok := h.LogPath(result.SpawnID)
	require.True(t, ok)
	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello from the prompt")
	assert.Contains(t, logPath, filepath.Join(workingDir, ".claude"))
}

func TestHeadlessStatusOfUnknownSpawnID(t *testing.T) {
	h := NewHeadless("cat", nil, newTestLogger(t))
	status, err := h.StatusOf(context.Background(), "unknown")
	require.NoError(t, err)
	assert.False(t, status.Running)
}

func TestHeadlessStopTerminatesLongRunningProcess(t *testing.T) {
	h := NewHeadless("sleep", []string{"30"}, newTestLogger(t))
	result := h.Spawn(context.Background(), Request{
		SessionID:        "sess-2",
		WorkingDirectory: t.TempDir(),
	})
	require.True(t, result.Success, result.Error)

	err := h.Stop(context.Background(), result.SpawnID)
	require.NoError(t, err)

	status, err := h.StatusOf(context.Background(), result.SpawnID)
	require.NoError(t, err)
	assert.False(t, status.Running)
}

func TestHeadlessAvailableFalseForMissingBinary(t *testing.T) {
	h := NewHeadless("definitely-not-a-real-binary-xyz", nil, newTestLogger(t))
	assert.False(t, h.Available(context.Background()))
}
