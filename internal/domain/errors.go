package domain

import "fmt"

// IssueAlreadyActive means another non-terminal session already owns this issue.
type IssueAlreadyActive struct {
	SessionID string
}

func (e *IssueAlreadyActive) Error() string {
	return fmt.Sprintf("issue already has an active session: %s", e.SessionID)
}

// IssueFetchFailed means the issue-tracker subprocess exited non-zero.
type IssueFetchFailed struct {
	IssueNumber int
	Stderr      string
}

func (e *IssueFetchFailed) Error() string {
	return fmt.Sprintf("failed to fetch issue %d: %s", e.IssueNumber, e.Stderr)
}

// SpawnerUnavailable means the configured Worker Spawner reports it cannot run here.
type SpawnerUnavailable struct {
	Name string
}

func (e *SpawnerUnavailable) Error() string {
	return fmt.Sprintf("spawner %q is not available", e.Name)
}

// OrphanDetected means the target working-copy path already exists as a VCS
// working copy with no session record referencing it. Callers must
// explicitly reconcile via cleanupOrphan; it is never silently reclaimed.
type OrphanDetected struct {
	WorkingCopyPath string
	SessionID       string // recovered from the embedded session-context, or "unknown"
}

func (e *OrphanDetected) Error() string {
	return fmt.Sprintf("orphan working copy detected at %s (session: %s)", e.WorkingCopyPath, e.SessionID)
}

// WorkingCopyMissing means the expected working copy is gone.
type WorkingCopyMissing struct {
	Path string
}

func (e *WorkingCopyMissing) Error() string {
	return fmt.Sprintf("working copy missing: %s", e.Path)
}

// PromptMissing means a restart was attempted without the prompt file present.
type PromptMissing struct {
	Path string
}

func (e *PromptMissing) Error() string {
	return fmt.Sprintf("prompt file missing: %s", e.Path)
}

// SessionNotFound means no SessionRecord exists for the given id.
type SessionNotFound struct {
	SessionID string
}

func (e *SessionNotFound) Error() string {
	return fmt.Sprintf("session not found: %s", e.SessionID)
}

// NotInDeletionFailedState means retryDelete/rollbackDeletion was called on a
// record not currently in the deletion_failed status.
type NotInDeletionFailedState struct {
	SessionID string
	Status    SessionStatus
}

func (e *NotInDeletionFailedState) Error() string {
	return fmt.Sprintf("session %s is not in deletion_failed state (current: %s)", e.SessionID, e.Status)
}

// LoopNotWaiting means an iterative-controller operation requiring a
// `waiting` state was invoked against a session whose loop is in another state.
type LoopNotWaiting struct {
	SessionID string
}

func (e *LoopNotWaiting) Error() string {
	return fmt.Sprintf("iteration loop for session %s is not waiting", e.SessionID)
}
