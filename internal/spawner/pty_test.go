package spawner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// readyScript writes a shell script that immediately prints a ready marker,
// then echoes back anything written to its stdin via the pty.
func readyScript(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ready.sh")
	script := "#!/bin/sh\necho READY\ncat\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

// silentScript writes a script that never prints anything, so the ready
// predicate never matches.
func silentScript(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "silent.sh")
	script := "#!/bin/sh\nsleep 5\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestInteractivePTYSpawnSucceedsAfterReadyMarker(t *testing.T) {
	p := NewInteractivePTY("sh", []string{readyScript(t)}, 80, 24, MarkerReady("READY"), 3*time.Second, newTestLogger(t))
	assert.Equal(t, "interactive-pty", p.Name())

	result := p.Spawn(context.Background(), Request{
		SessionID:        "sess-1",
		WorkingDirectory: t.TempDir(),
		PromptContent:    "do the thing",
	})
	require.True(t, result.Success, result.Error)
	require.NotEmpty(t, result.SpawnID)

	status, err := p.StatusOf(context.Background(), result.SpawnID)
	require.NoError(t, err)
	assert.True(t, status.Running)

	require.NoError(t, p.Stop(context.Background(), result.SpawnID))

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		status, err = p.StatusOf(context.Background(), result.SpawnID)
		require.NoError(t, err)
		if !status.Running {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	assert.False(t, status.Running)
}

func TestInteractivePTYSpawnTimesOutWithoutReadyMarker(t *testing.T) {
	p := NewInteractivePTY("sh", []string{silentScript(t)}, 80, 24, MarkerReady("READY"), 200*time.Millisecond, newTestLogger(t))

	result := p.Spawn(context.Background(), Request{
		SessionID:        "sess-2",
		WorkingDirectory: t.TempDir(),
		PromptContent:    "do the thing",
	})
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "timed out")
}

func TestInteractivePTYStatusOfUnknownSpawnID(t *testing.T) {
	p := NewInteractivePTY("sh", nil, 80, 24, MarkerReady("READY"), time.Second, newTestLogger(t))
	status, err := p.StatusOf(context.Background(), "unknown")
	require.NoError(t, err)
	assert.False(t, status.Running)
}

func TestInteractivePTYAvailableFalseForMissingBinary(t *testing.T) {
	p := NewInteractivePTY("definitely-not-a-real-binary-xyz", nil, 80, 24, MarkerReady("READY"), time.Second, newTestLogger(t))
	assert.False(t, p.Available(context.Background()))
}

func TestInteractivePTYLogPathIsUnsupported(t *testing.T) {
	p := NewInteractivePTY("sh", nil, 80, 24, MarkerReady("READY"), time.Second, newTestLogger(t))
	_, ok := p.LogPath("anything")
	assert.False(t, ok)
}

func TestMarkerReadyMatchesSubstring(t *testing.T) {
	ready := MarkerReady("READY")
	assert.True(t, ready([]byte("...READY...")))
	assert.False(t, ready([]byte("not yet")))
}
