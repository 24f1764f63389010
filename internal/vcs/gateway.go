// Package vcs wraps git as a subprocess to provision and tear down isolated
// working copies. Every operation returns a result value; none of them raise.
package vcs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ralphctl/ralphctl/internal/common/logger"
)

// Gateway is a subprocess wrapper around git.
type Gateway struct {
	logger       *logger.Logger
	fetchTimeout time.Duration
	pullTimeout  time.Duration
}

// New constructs a Gateway.
func New(log *logger.Logger) *Gateway {
	return &Gateway{
		logger:       log.WithFields(),
		fetchTimeout: 30 * time.Second,
		pullTimeout:  30 * time.Second,
	}
}

// CreateResult reports the outcome of CreateWorkingCopy.
type CreateResult struct {
	Success bool
	Error   string
}

// RemoveResult reports the outcome of RemoveWorkingCopy / branch deletion.
type RemoveResult struct {
	Success  bool
	Error    string
	NotFound bool
}

// DiffStatus summarises the cumulative diff of a working copy against a base ref.
type DiffStatus struct {
	FilesChanged      int
	Insertions        int
	Deletions         int
	LastCommitMessage string
	ChangedFiles      []string
}

// Counts reports uncommitted and unpushed change counts for deletion safety checks.
type Counts struct {
	UncommittedFiles int
	UnpushedCommits  int
}

// CreateWorkingCopy provisions an isolated working copy at path, creating
// branchName off baseRef. Fails if path already exists.
func (g *Gateway) CreateWorkingCopy(ctx context.Context, repoRoot, path, branchName, baseRef string) CreateResult {
	if _, err := os.Stat(path); err == nil {
		return CreateResult{Success: false, Error: fmt.Sprintf("path already exists: %s", path)}
	}

	ref := g.pullBaseBranch(repoRoot, baseRef)

	cmd := g.nonInteractiveGitCmd(ctx, repoRoot, "worktree", "add", "-b", branchName, path, ref)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return CreateResult{Success: false, Error: fmt.Sprintf("git worktree add failed: %v: %s", err, string(output))}
	}
	return CreateResult{Success: true}
}

// RemoveWorkingCopy removes the working copy and its tracking metadata.
// Already-absent is considered success with NotFound set.
func (g *Gateway) RemoveWorkingCopy(ctx context.Context, repoRoot, path string) RemoveResult {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return RemoveResult{Success: true, NotFound: true}
	}

	cmd := exec.CommandContext(ctx, "git", "worktree", "remove", "--force", path)
	cmd.Dir = repoRoot
	if output, err := cmd.CombinedOutput(); err != nil {
		g.logger.Debug("git worktree remove failed, falling back to forced removal",
			zap.String("output", string(output)), zap.Error(err))

		if err := g.forceRemoveDir(ctx, path); err != nil {
			return RemoveResult{Success: false, Error: err.Error()}
		}

		pruneCmd := exec.CommandContext(ctx, "git", "worktree", "prune")
		pruneCmd.Dir = repoRoot
		_ = pruneCmd.Run()
	}
	return RemoveResult{Success: true}
}

// DeleteLocalBranch deletes a local branch. "does not exist" is not an error.
func (g *Gateway) DeleteLocalBranch(ctx context.Context, repoRoot, name string, force bool) RemoveResult {
	flag := "-d"
	if force {
		flag = "-D"
	}
	cmd := exec.CommandContext(ctx, "git", "branch", flag, name)
	cmd.Dir = repoRoot
	output, err := cmd.CombinedOutput()
	if err != nil {
		if strings.Contains(strings.ToLower(string(output)), "not found") {
			return RemoveResult{Success: true, NotFound: true}
		}
		return RemoveResult{Success: false, Error: string(output)}
	}
	return RemoveResult{Success: true}
}

// DeleteRemoteBranch deletes a remote branch on origin. "does not exist" is not an error.
func (g *Gateway) DeleteRemoteBranch(ctx context.Context, repoRoot, name string) RemoveResult {
	cmd := g.nonInteractiveGitCmd(ctx, repoRoot, "push", "origin", "--delete", name)
	output, err := cmd.CombinedOutput()
	if err != nil {
		out := strings.ToLower(string(output))
		if strings.Contains(out, "remote ref does not exist") {
			return RemoveResult{Success: true, NotFound: true}
		}
		return RemoveResult{Success: false, Error: string(output)}
	}
	return RemoveResult{Success: true}
}

// DiffStatusOf returns the cumulative diff of path against baseRef.
func (g *Gateway) DiffStatusOf(ctx context.Context, path, baseRef string) (DiffStatus, error) {
	numstat := exec.CommandContext(ctx, "git", "diff", "--numstat", baseRef)
	numstat.Dir = path
	out, err := numstat.Output()
	if err != nil {
		return DiffStatus{}, fmt.Errorf("git diff --numstat failed: %w", err)
	}

	var ds DiffStatus
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		ins, _ := strconv.Atoi(fields[0])
		del, _ := strconv.Atoi(fields[1])
		ds.Insertions += ins
		ds.Deletions += del
		ds.FilesChanged++
		ds.ChangedFiles = append(ds.ChangedFiles, fields[2])
	}

	logCmd := exec.CommandContext(ctx, "git", "log", "-1", "--pretty=%s")
	logCmd.Dir = path
	if msg, err := logCmd.Output(); err == nil {
		ds.LastCommitMessage = strings.TrimSpace(string(msg))
	}

	return ds, nil
}

// UncommittedAndUnpushedCounts reports counts used by the deletion safety check.
func (g *Gateway) UncommittedAndUnpushedCounts(ctx context.Context, path string) (Counts, error) {
	statusCmd := exec.CommandContext(ctx, "git", "status", "--porcelain")
	statusCmd.Dir = path
	statusOut, err := statusCmd.Output()
	if err != nil {
		return Counts{}, fmt.Errorf("git status failed: %w", err)
	}
	uncommitted := 0
	for _, line := range strings.Split(strings.TrimRight(string(statusOut), "\n"), "\n") {
		if strings.TrimSpace(line) != "" {
			uncommitted++
		}
	}

	logCmd := exec.CommandContext(ctx, "git", "log", "@{u}..HEAD", "--oneline")
	logCmd.Dir = path
	unpushed := 0
	if out, err := logCmd.Output(); err == nil {
		for _, line := range strings.Split(strings.TrimRight(string(out), "\n"), "\n") {
			if strings.TrimSpace(line) != "" {
				unpushed++
			}
		}
	}

	return Counts{UncommittedFiles: uncommitted, UnpushedCommits: unpushed}, nil
}

// CommitResult reports the outcome of CommitAll.
type CommitResult struct {
	Status  string // "success", "no_changes", or "failed"
	Message string
}

// CommitAll stages every change in path and commits with message. Reports
// "no_changes" rather than an error when there is nothing staged.
func (g *Gateway) CommitAll(ctx context.Context, path, message string) CommitResult {
	addCmd := exec.CommandContext(ctx, "git", "add", "-A")
	addCmd.Dir = path
	if output, err := addCmd.CombinedOutput(); err != nil {
		return CommitResult{Status: "failed", Message: string(output)}
	}

	diffCmd := exec.CommandContext(ctx, "git", "diff", "--cached", "--quiet")
	diffCmd.Dir = path
	if err := diffCmd.Run(); err == nil {
		return CommitResult{Status: "no_changes"}
	}

	commitCmd := g.nonInteractiveGitCmd(ctx, path, "commit", "-m", message)
	output, err := commitCmd.CombinedOutput()
	if err != nil {
		return CommitResult{Status: "failed", Message: string(output)}
	}
	return CommitResult{Status: "success", Message: message}
}

// PushResult reports the outcome of Push.
type PushResult struct {
	Status  string // "success" or "failed"
	Message string
}

// Push pushes the current branch to origin.
func (g *Gateway) Push(ctx context.Context, path string) PushResult {
	branch := g.currentBranch(path)
	cmd := g.nonInteractiveGitCmd(ctx, path, "push", "origin", branch)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return PushResult{Status: "failed", Message: string(output)}
	}
	return PushResult{Status: "success"}
}

// RemoteURL returns the origin remote URL, or "" if unset.
func (g *Gateway) RemoteURL(ctx context.Context, path string) string {
	cmd := exec.CommandContext(ctx, "git", "remote", "get-url", "origin")
	cmd.Dir = path
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// IsWorkingCopy detects a VCS-managed directory.
func IsWorkingCopy(path string) bool {
	gitPath := filepath.Join(path, ".git")
	info, err := os.Stat(gitPath)
	if err != nil {
		return false
	}
	return info.IsDir() || info.Mode().IsRegular()
}

// FindRepositoryRoot ascends from startDir to the nearest VCS root, or
// returns "" if none is found.
func FindRepositoryRoot(startDir string) string {
	dir := startDir
	for {
		if IsWorkingCopy(dir) {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func (g *Gateway) nonInteractiveGitCmd(ctx context.Context, repoPath string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = repoPath
	cmd.Env = append(os.Environ(),
		"GIT_TERMINAL_PROMPT=0",
		"GCM_INTERACTIVE=Never",
		"GIT_ASKPASS=echo",
		"SSH_ASKPASS=/bin/false",
		"GIT_SSH_COMMAND=ssh -oBatchMode=yes",
	)
	cmd.WaitDelay = 500 * time.Millisecond
	return cmd
}

// pullBaseBranch fetches origin and returns the best ref to branch from.
// Fetch/pull failures are logged but never block worktree creation; the
// function falls back to the best ref it can determine.
func (g *Gateway) pullBaseBranch(repoPath, baseBranch string) string {
	localBranch := strings.TrimPrefix(baseBranch, "origin/")
	isRemoteRef := localBranch != baseBranch

	fetchCtx, cancel := context.WithTimeout(context.Background(), g.fetchTimeout)
	defer cancel()

	fetchArgs := []string{"fetch", "origin"}
	if localBranch != "" {
		fetchArgs = append(fetchArgs, localBranch)
	}
	fetchCmd := g.nonInteractiveGitCmd(fetchCtx, repoPath, fetchArgs...)
	if output, err := fetchCmd.CombinedOutput(); err != nil {
		g.logger.Warn("git fetch failed before working copy creation; continuing with fallback ref",
			zap.String("branch", baseBranch), zap.String("output", string(output)), zap.Error(err))
		return baseBranch
	}

	if isRemoteRef {
		return "origin/" + localBranch
	}

	remoteRef := "origin/" + localBranch
	if g.currentBranch(repoPath) == baseBranch {
		pullCtx, cancel := context.WithTimeout(context.Background(), g.pullTimeout)
		defer cancel()
		pullCmd := g.nonInteractiveGitCmd(pullCtx, repoPath, "pull", "--ff-only", "origin", baseBranch)
		if output, err := pullCmd.CombinedOutput(); err != nil {
			g.logger.Warn("git pull failed before working copy creation; continuing with remote ref",
				zap.String("branch", baseBranch), zap.String("output", string(output)), zap.Error(err))
			return remoteRef
		}
		return baseBranch
	}

	if g.branchExists(repoPath, remoteRef) {
		return remoteRef
	}
	return baseBranch
}

func (g *Gateway) branchExists(repoPath, branch string) bool {
	cmd := exec.Command("git", "rev-parse", "--verify", branch)
	cmd.Dir = repoPath
	return cmd.Run() == nil
}

func (g *Gateway) currentBranch(repoPath string) string {
	cmd := exec.Command("git", "rev-parse", "--abbrev-ref", "HEAD")
	cmd.Dir = repoPath
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// forceRemoveDir removes a directory, retrying on transient failures before
// falling back to `rm -rf`, which handles edge cases os.RemoveAll does not
// (files recently released by other processes, special attributes).
func (g *Gateway) forceRemoveDir(ctx context.Context, dir string) error {
	const maxRetries = 3
	const retryDelay = 200 * time.Millisecond

	for i := 0; i < maxRetries; i++ {
		if err := os.RemoveAll(dir); err == nil {
			return nil
		}
		if i < maxRetries-1 {
			time.Sleep(retryDelay)
		}
	}

	cmd := exec.CommandContext(ctx, "rm", "-rf", dir)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("rm -rf failed: %w (output: %s)", err, string(output))
	}
	return nil
}
