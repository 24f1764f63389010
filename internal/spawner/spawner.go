// Package spawner defines the Worker Spawner contract and its three
// variants: headless child process, interactive pseudo-terminal, and
// container.
package spawner

import (
	"context"
	"time"

	"github.com/ralphctl/ralphctl/internal/domain"
)

// Request carries everything a variant needs to launch a worker.
type Request struct {
	SessionID        string
	Issue            domain.Issue
	WorkingDirectory string
	PromptFilePath   string
	PromptContent    string
	GithubOwner      string
	GithubRepo       string
	Iteration        int
	UsePTY           bool
}

// SpawnResult reports the outcome of a spawn attempt.
type SpawnResult struct {
	Success   bool
	SpawnID   string
	SpawnedAt time.Time
	Error     string
}

// Status reports process liveness.
type Status struct {
	Running  bool
	ExitCode *int
}

// Spawner is the contract every Worker Spawner variant implements.
type Spawner interface {
	// Available reports whether this variant can run in the current environment.
	Available(ctx context.Context) bool
	// Name is a human-readable variant name.
	Name() string
	// Spawn launches a worker and returns an identifier without waiting for
	// the worker to exit (the pty variant first waits for its ready marker);
	// spawn-info is written into the working copy before success is returned.
	Spawn(ctx context.Context, req Request) SpawnResult
	// Stop requests termination. Idempotent; unknown ids are silent.
	Stop(ctx context.Context, spawnID string) error
	// StatusOf reports whether the spawn is still running and its exit code.
	StatusOf(ctx context.Context, spawnID string) (Status, error)
	// LogPath returns the path of the captured output log, if any.
	LogPath(spawnID string) (string, bool)
}
