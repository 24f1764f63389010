package vcs

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ralphctl/ralphctl/internal/common/logger"
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

// setupRemoteAndClone creates a bare "remote" repo and a local clone with
// one commit already pushed, returning the local repo's path.
func setupRemoteAndClone(t *testing.T) string {
	t.Helper()

	remoteDir := t.TempDir()
	runGit(t, remoteDir, "init", "--bare", "--initial-branch=main")

	localDir := t.TempDir()
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

func TestCreateAndRemoveWorkingCopy(t *testing.T) {
	repoRoot := setupRemoteAndClone(t)
	gw := New(newTestLogger(t))
	ctx := context.Background()

	workingCopy := filepath.Join(filepath.Dir(repoRoot), "wc-issue-1")
	result := gw.CreateWorkingCopy(ctx, repoRoot, workingCopy, "issue-1", "main")
	require.True(t, result.Success, result.Error)
	assert.True(t, IsWorkingCopy(workingCopy))

	remove := gw.RemoveWorkingCopy(ctx, repoRoot, workingCopy)
	assert.True(t, remove.Success)
	assert.NoDirExists(t, workingCopy)

	// Removing an already-absent working copy is success + NotFound.
	remove2 := gw.RemoveWorkingCopy(ctx, repoRoot, workingCopy)
	assert.True(t, remove2.Success)
	assert.True(t, remove2.NotFound)
}

func TestCreateWorkingCopyRejectsExistingPath(t *testing.T) {
	repoRoot := setupRemoteAndClone(t)
	gw := New(newTestLogger(t))
	ctx := context.Background()

	existing := filepath.Join(filepath.Dir(repoRoot), "already-here")
	require.NoError(t, os.MkdirAll(existing, 0o755))

	result := gw.CreateWorkingCopy(ctx, repoRoot, existing, "issue-2", "main")
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "already exists")
}

func TestCommitAllNoChangesThenSuccess(t *testing.T) {
	repoRoot := setupRemoteAndClone(t)
	gw := New(newTestLogger(t))
	ctx := context.Background()

	noChanges := gw.CommitAll(ctx, repoRoot, "chore: ralph iteration 1")
	assert.Equal(t, "no_changes", noChanges.Status)

	require.NoError(t, os.WriteFile(filepath.Join(repoRoot, "new.txt"), []byte("data"), 0o644))
	committed := gw.CommitAll(ctx, repoRoot, "chore: ralph iteration 1")
	assert.Equal(t, "success", committed.Status)
}

func TestPushAndRemoteURL(t *testing.T) {
	repoRoot := setupRemoteAndClone(t)
	gw := New(newTestLogger(t))
	ctx := context.Background()

	require.NoError(t, os.WriteFile(filepath.Join(repoRoot, "new.txt"), []byte("data"), 0o644))
	require.Equal(t, "success", gw.CommitAll(ctx, repoRoot, "chore: ralph iteration 1").Status)

	push := gw.Push(ctx, repoRoot)
	assert.Equal(t, "success", push.Status)

	remote := gw.RemoteURL(ctx, repoRoot)
	assert.NotEmpty(t, remote)
}

func TestDeleteLocalBranchMissingIsNotFound(t *testing.T) {
	repoRoot := setupRemoteAndClone(t)
	gw := New(newTestLogger(t))
	ctx := context.Background()

	result := gw.DeleteLocalBranch(ctx, repoRoot, "does-not-exist", true)
	assert.True(t, result.Success)
	assert.True(t, result.NotFound)
}

func TestDiffStatusOf(t *testing.T) {
	repoRoot := setupRemoteAndClone(t)
	gw := New(newTestLogger(t))
	ctx := context.Background()

	require.NoError(t, os.WriteFile(filepath.Join(repoRoot, "new.txt"), []byte("line1\nline2\n"), 0o644))
	runGit(t, repoRoot, "add", ".")
	runGit(t, repoRoot, "commit", "-m", "add new file")

	status, err := gw.DiffStatusOf(ctx, repoRoot, "HEAD~1")
	require.NoError(t, err)
	assert.Equal(t, 1, status.FilesChanged)
	assert.Contains(t, status.ChangedFiles, "new.txt")
}

func TestIsWorkingCopyAndFindRepositoryRoot(t *testing.T) {
	repoRoot := setupRemoteAndClone(t)
	assert.True(t, IsWorkingCopy(repoRoot))

	nested := filepath.Join(repoRoot, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	assert.Equal(t, repoRoot, FindRepositoryRoot(nested))

	assert.False(t, IsWorkingCopy(t.TempDir()))
	assert.Equal(t, "", FindRepositoryRoot(t.TempDir()))
}
