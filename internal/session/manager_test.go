package session

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ralphctl/ralphctl/internal/common/logger"
	"github.com/ralphctl/ralphctl/internal/domain"
	"github.com/ralphctl/ralphctl/internal/issuetracker"
	"github.com/ralphctl/ralphctl/internal/prompt"
	"github.com/ralphctl/ralphctl/internal/sessionstore"
	"github.com/ralphctl/ralphctl/internal/spawner"
	"github.com/ralphctl/ralphctl/internal/vcs"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return log
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoErrorf(t, err, "git %v: %s", args, out)
}

// setupRepo creates a bare remote and a local clone with an initial commit
// pushed, mirroring the layout the Session Manager operates against.
func setupRepo(t *testing.T) string {
	t.Helper()

	remoteDir := t.TempDir()
	runGit(t, remoteDir, "init", "--bare", "--initial-branch=main")

	localDir := filepath.Join(t.TempDir(), "widgets")
	require.NoError(t, os.MkdirAll(localDir, 0o755))
	runGit(t, localDir, "init", "--initial-branch=main")
	runGit(t, localDir, "config", "user.email", "test@example.com")
	runGit(t, localDir, "config", "user.name", "Test")

	require.NoError(t, os.WriteFile(filepath.Join(localDir, "README.md"), []byte("hello"), 0o644))
	runGit(t, localDir, "add", ".")
	runGit(t, localDir, "commit", "-m", "initial commit")
	runGit(t, localDir, "remote", "add", "origin", remoteDir)
	runGit(t, localDir, "push", "-u", "origin", "main")

	return localDir
}

// fakeIssueTrackerCLI writes a stub "gh"-shaped script that answers `issue
// view` with a canned issue and accepts `pr create`/`notify` as no-ops.
func fakeIssueTrackerCLI(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-gh.sh")
	script := `#!/bin/sh
case "$1" in
  issue)
    echo '{"number":'"$3"',"title":"Fix the thing","body":"Detailed repro steps."}'
    ;;
  pr)
    echo "https://example.com/acme/widgets/pull/99"
    ;;
  notify)
    exit 0
    ;;
  *)
    exit 1
    ;;
esac
`
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

// fakeSpawner is an in-memory spawner.Spawner used to drive the Session
// Manager without shelling out to a real worker process.
type fakeSpawner struct {
	available  bool
	nextFails  bool
	spawnCount int
	requests   []spawner.Request
}

func (f *fakeSpawner) Available(ctx context.Context) bool { return f.available }
func (f *fakeSpawner) Name() string                       { return "fake" }

func (f *fakeSpawner) Spawn(ctx context.Context, req spawner.Request) spawner.SpawnResult {
	f.spawnCount++
	f.requests = append(f.requests, req)
	if f.nextFails {
		return spawner.SpawnResult{Success: false, Error: "simulated spawn failure"}
	}
	return spawner.SpawnResult{Success: true, SpawnID: fmt.Sprintf("spawn-%d", f.spawnCount), SpawnedAt: time.Now()}
}

func (f *fakeSpawner) Stop(ctx context.Context, spawnID string) error { return nil }

func (f *fakeSpawner) StatusOf(ctx context.Context, spawnID string) (spawner.Status, error) {
	return spawner.Status{Running: true}, nil
}

func (f *fakeSpawner) LogPath(spawnID string) (string, bool) { return "", false }

func newTestManager(t *testing.T, repoRoot string, sp spawner.Spawner) *Manager {
	t.Helper()
	log := newTestLogger(t)

	store, err := sessionstore.New(t.TempDir(), log)
	require.NoError(t, err)

	prompts, err := prompt.New()
	require.NoError(t, err)

	repo := domain.Repository{
		ID:                "widgets",
		Root:              repoRoot,
		DefaultBaseRef:    "main",
		IssueTrackerOwner: "acme",
		IssueTrackerRepo:  "widgets",
		DefaultMode:       domain.ModeAutonomous,
	}

	return New(repo, store, vcs.New(log), sp, prompts, issuetracker.New(fakeIssueTrackerCLI(t)), nil, log)
}

func TestSpawnCreatesWorkingCopyAndSession(t *testing.T) {
	repoRoot := setupRepo(t)
	sp := &fakeSpawner{available: true}
	m := newTestManager(t, repoRoot, sp)

	rec, err := m.Spawn(context.Background(), 42, SpawnOptions{})
	require.NoError(t, err)
	require.NotNil(t, rec)

	assert.Equal(t, domain.StatusWorking, rec.Status)
	assert.Equal(t, "issue-42", rec.BranchName)
	assert.True(t, vcs.IsWorkingCopy(rec.WorkingCopyPath))
	assert.Equal(t, 1, sp.spawnCount)
	assert.FileExists(t, filepath.Join(rec.WorkingCopyPath, "IMPLEMENTATION_PLAN.md"))
	assert.FileExists(t, filepath.Join(rec.WorkingCopyPath, sessionstore.ReservedDir, "session-prompt.md"))
}

func TestSpawnRejectsDuplicateActiveIssue(t *testing.T) {
	repoRoot := setupRepo(t)
	sp := &fakeSpawner{available: true}
	m := newTestManager(t, repoRoot, sp)

	_, err := m.Spawn(context.Background(), 1, SpawnOptions{})
	require.NoError(t, err)

	_, err = m.Spawn(context.Background(), 1, SpawnOptions{})
	require.Error(t, err)
	assert.IsType(t, &domain.IssueAlreadyActive{}, err)
}

func TestSpawnRollsBackOnSpawnerFailure(t *testing.T) {
	repoRoot := setupRepo(t)
	sp := &fakeSpawner{available: true, nextFails: true}
	m := newTestManager(t, repoRoot, sp)

	rec, err := m.Spawn(context.Background(), 2, SpawnOptions{})
	require.Error(t, err)
	assert.Nil(t, rec)

	again, err := m.Get(sessionstore.SessionIDForIssue(2))
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestSpawnRejectsWhenSpawnerUnavailable(t *testing.T) {
	repoRoot := setupRepo(t)
	sp := &fakeSpawner{available: false}
	m := newTestManager(t, repoRoot, sp)

	_, err := m.Spawn(context.Background(), 3, SpawnOptions{})
	require.Error(t, err)
	assert.IsType(t, &domain.SpawnerUnavailable{}, err)
}

func TestPauseResumeLifecycle(t *testing.T) {
	repoRoot := setupRepo(t)
	sp := &fakeSpawner{available: true}
	m := newTestManager(t, repoRoot, sp)

	rec, err := m.Spawn(context.Background(), 4, SpawnOptions{})
	require.NoError(t, err)

	paused, err := m.Pause(rec.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaused, paused.Status)

	samePause, err := m.Pause(rec.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaused, samePause.Status)

	resumed, err := m.Resume(rec.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusWorking, resumed.Status)
}

func TestForwardAndHeartbeat(t *testing.T) {
	repoRoot := setupRepo(t)
	sp := &fakeSpawner{available: true}
	m := newTestManager(t, repoRoot, sp)

	rec, err := m.Spawn(context.Background(), 5, SpawnOptions{})
	require.NoError(t, err)

	_, err = m.Forward(rec.SessionID, "please add a test")
	require.NoError(t, err)

	recorded, hasMessage, err := m.Heartbeat(rec.SessionID)
	require.NoError(t, err)
	assert.True(t, recorded)
	assert.True(t, hasMessage)

	state, err := m.GetWorkingCopyState(rec.SessionID)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, "please add a test", state.ForwardedMessage)

	require.NoError(t, m.AcknowledgeMessage(rec.SessionID))
	_, hasMessage, err = m.Heartbeat(rec.SessionID)
	require.NoError(t, err)
	assert.False(t, hasMessage)
}

func TestDeleteRemovesWorkingCopyAndRecord(t *testing.T) {
	repoRoot := setupRepo(t)
	sp := &fakeSpawner{available: true}
	m := newTestManager(t, repoRoot, sp)

	rec, err := m.Spawn(context.Background(), 6, SpawnOptions{})
	require.NoError(t, err)
	workingCopy := rec.WorkingCopyPath

	_, err = m.Update(rec.SessionID, domain.StatusComplete, UpdateOptions{})
	require.NoError(t, err)

	result := m.Delete(context.Background(), rec.SessionID, DeleteOptions{DeletionMode: DeletionFolderOnly})
	assert.True(t, result.Success, result.Error)
	assert.NoDirExists(t, workingCopy)

	again, err := m.Get(rec.SessionID)
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestDeleteAlreadyGoneIsSuccess(t *testing.T) {
	repoRoot := setupRepo(t)
	sp := &fakeSpawner{available: true}
	m := newTestManager(t, repoRoot, sp)

	result := m.Delete(context.Background(), "nonexistent", DeleteOptions{})
	assert.True(t, result.Success)
}

func TestRestartRejectsMissingWorkingCopy(t *testing.T) {
	repoRoot := setupRepo(t)
	sp := &fakeSpawner{available: true}
	m := newTestManager(t, repoRoot, sp)

	rec, err := m.Spawn(context.Background(), 7, SpawnOptions{})
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(rec.WorkingCopyPath))

	_, err = m.Restart(context.Background(), rec.SessionID, 2)
	require.Error(t, err)
	assert.IsType(t, &domain.WorkingCopyMissing{}, err)
}

func TestIsStale(t *testing.T) {
	repoRoot := setupRepo(t)
	sp := &fakeSpawner{available: true}
	m := newTestManager(t, repoRoot, sp)

	rec := &domain.SessionRecord{LastHeartbeat: time.Now().Add(-2 * time.Minute)}
	assert.True(t, m.IsStale(rec))

	rec.LastHeartbeat = time.Now()
	assert.False(t, m.IsStale(rec))
}
