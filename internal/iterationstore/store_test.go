package iterationstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ralphctl/ralphctl/internal/common/config"
	"github.com/ralphctl/ralphctl/internal/iterative"
)

func TestOpenCreatesSQLiteSchemaAndRoundTrips(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "history.db")
	store, err := Open(config.IterationLogConfig{Driver: "sqlite", DSN: dsn})
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	started := time.Now().Add(-time.Minute).Truncate(time.Second)
	ended := started.Add(30 * time.Second)

	require.NoError(t, store.RecordAttempt(ctx, "widgets", "sess-1", iterative.IterationAttempt{
		Iteration: 1,
		StartedAt: started,
		EndedAt:   ended,
		Outcome:   "task_done",
	}))
	require.NoError(t, store.RecordAttempt(ctx, "widgets", "sess-1", iterative.IterationAttempt{
		Iteration: 2,
		StartedAt: started.Add(time.Minute),
		Outcome:   "approved",
	}))

	history, err := store.History(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, history, 2)

	assert.Equal(t, 2, history[0].Iteration) // most recent first
	assert.Equal(t, "approved", history[0].Outcome)
	assert.True(t, history[0].EndedAt.IsZero()) // never finished

	assert.Equal(t, 1, history[1].Iteration)
	assert.Equal(t, "task_done", history[1].Outcome)
	assert.WithinDuration(t, ended, history[1].EndedAt, time.Second)
}

func TestHistoryEmptyForUnknownSession(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "history.db")
	store, err := Open(config.IterationLogConfig{Driver: "sqlite", DSN: dsn})
	require.NoError(t, err)
	defer store.Close()

	history, err := store.History(context.Background(), "nonexistent")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestOpenRejectsUnsupportedDriver(t *testing.T) {
	_, err := Open(config.IterationLogConfig{Driver: "mysql"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported iteration store driver")
}

func TestNormalizeDriverAliases(t *testing.T) {
	assert.Equal(t, driverSQLite3, normalizeDriver(""))
	assert.Equal(t, driverSQLite3, normalizeDriver("sqlite"))
	assert.Equal(t, driverSQLite3, normalizeDriver("sqlite3"))
	assert.Equal(t, driverPGX, normalizeDriver("postgres"))
	assert.Equal(t, driverPGX, normalizeDriver("pgx"))
	assert.Equal(t, "mysql", normalizeDriver("mysql"))
}
