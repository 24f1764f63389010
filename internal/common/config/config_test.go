package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWithPathAppliesDefaults(t *testing.T) {
	cfg, err := LoadWithPath(filepath.Join(t.TempDir(), "missing-config.json"))
	require.NoError(t, err)

	assert.Equal(t, "headless", cfg.Spawner.Kind)
	assert.Equal(t, 10, cfg.Iterative.MaxIterations)
	assert.Equal(t, "plan_complete", cfg.Iterative.PromiseKind)
	assert.Equal(t, "status", cfg.Iterative.DoneSignalKind)
	assert.True(t, cfg.Iterative.CommitAfterEach)
	assert.True(t, cfg.Iterative.PushAfterEach)
	assert.Equal(t, "review-agent", cfg.Iterative.ReviewAgentBinary)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadWithPathReadsJSONFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(configPath, []byte(`{
		"baseDir": "/tmp/ralph",
		"repositories": [
			{"id": "widgets", "root": "/repos/widgets"}
		],
		"spawner": {"kind": "interactive-pty"},
		"logging": {"level": "debug", "format": "json"}
	}`), 0o644))

	cfg, err := LoadWithPath(configPath)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/ralph", cfg.BaseDir)
	require.Len(t, cfg.Repositories, 1)
	assert.Equal(t, "widgets", cfg.Repositories[0].ID)
	assert.Equal(t, "interactive-pty", cfg.Spawner.Kind)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestValidateRejectsDuplicateRepositoryIDs(t *testing.T) {
	cfg := &Config{
		BaseDir: "/tmp/ralph",
		Repositories: []RepositoryConfig{
			{ID: "a", Root: "/repos/a"},
			{ID: "a", Root: "/repos/a-dup"},
		},
		Spawner: SpawnerConfig{Kind: "headless"},
		Iterative: IterativeConfig{MaxIterations: 1},
		Logging:   LoggingConfig{Level: "info", Format: "json"},
	}
	err := validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate repository id")
}

func TestValidateRejectsUnknownSpawnerKind(t *testing.T) {
	cfg := &Config{
		BaseDir:   "/tmp/ralph",
		Spawner:   SpawnerConfig{Kind: "magic"},
		Iterative: IterativeConfig{MaxIterations: 1},
		Logging:   LoggingConfig{Level: "info", Format: "json"},
	}
	err := validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "spawner.kind")
}

func TestValidateRejectsZeroMaxIterations(t *testing.T) {
	cfg := &Config{
		BaseDir:   "/tmp/ralph",
		Spawner:   SpawnerConfig{Kind: "headless"},
		Iterative: IterativeConfig{MaxIterations: 0},
		Logging:   LoggingConfig{Level: "info", Format: "json"},
	}
	err := validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "maxIterations")
}

func TestIterativeConfigDurationHelpers(t *testing.T) {
	c := IterativeConfig{IterationDelayMs: 5000, PollIntervalMs: 2500, ReviewTimeoutMs: 120000}
	assert.Equal(t, 5000*1e6, float64(c.IterationDelay()))
	assert.Equal(t, 2500*1e6, float64(c.PollInterval()))
	assert.Equal(t, 120000*1e6, float64(c.ReviewTimeout()))
}

func TestWatcherConfigDurationHelpers(t *testing.T) {
	c := WatcherConfig{SessionDebounceMs: 100, WorkingCopyDebounceMs: 250}
	assert.Equal(t, 100*1e6, float64(c.SessionDebounceDuration()))
	assert.Equal(t, 250*1e6, float64(c.WorkingCopyDebounceDuration()))
}
