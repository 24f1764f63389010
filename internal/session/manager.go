// Package session implements the per-repository Session Manager: the
// orchestrator that spawns, restarts, pauses/resumes, forwards messages to,
// heartbeats, and safely deletes sessions, enforcing the session lifecycle
// state machine.
package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ralphctl/ralphctl/internal/common/logger"
	"github.com/ralphctl/ralphctl/internal/common/tracing"
	"github.com/ralphctl/ralphctl/internal/domain"
	"github.com/ralphctl/ralphctl/internal/eventbus"
	"github.com/ralphctl/ralphctl/internal/issuetracker"
	"github.com/ralphctl/ralphctl/internal/prompt"
	"github.com/ralphctl/ralphctl/internal/sessionstore"
	"github.com/ralphctl/ralphctl/internal/spawner"
	"github.com/ralphctl/ralphctl/internal/vcs"
)

// StaleThreshold is the default heartbeat staleness window.
const StaleThreshold = 90 * time.Second

// SpawnOptions carries caller-supplied spawn parameters.
type SpawnOptions struct {
	Mode                  domain.SessionMode
	AdditionalPromptSections []string
}

// UpdateOptions carries optional fields for update().
type UpdateOptions struct {
	Reason string
	PRUrl  string
}

// DeletionMode controls what delete() removes alongside the session record.
type DeletionMode string

const (
	DeletionFolderOnly      DeletionMode = "folder-only"
	DeletionWithLocalBranch DeletionMode = "with-local-branch"
	DeletionEverything      DeletionMode = "everything"
)

// DeleteOptions carries optional fields for delete().
type DeleteOptions struct {
	KeepWorkingCopy bool
	Force           bool
	DeletionMode    DeletionMode
}

// Manager is the per-repository Session Manager.
type Manager struct {
	repo     domain.Repository
	store    *sessionstore.Store
	vcs      *vcs.Gateway
	spawner  spawner.Spawner
	prompts  *prompt.Builder
	issues   *issuetracker.Gateway
	bus      eventbus.Bus
	logger   *logger.Logger
	locks    *lockTable
}

// New constructs a Session Manager for one repository.
func New(repo domain.Repository, store *sessionstore.Store, vcsGateway *vcs.Gateway, sp spawner.Spawner, prompts *prompt.Builder, issues *issuetracker.Gateway, bus eventbus.Bus, log *logger.Logger) *Manager {
	return &Manager{
		repo:    repo,
		store:   store,
		vcs:     vcsGateway,
		spawner: sp,
		prompts: prompts,
		issues:  issues,
		bus:     bus,
		logger:  log.WithFields(zap.String("component", "session-manager"), zap.String("repository_id", repo.ID)),
		locks:   newLockTable(),
	}
}

func (m *Manager) publish(subject string, sessionID string) {
	if m.bus == nil {
		return
	}
	_ = m.bus.Publish(subject, []byte(fmt.Sprintf(`{"repositoryId":%q,"sessionId":%q}`, m.repo.ID, sessionID)))
}

// Spawn creates a new session for issueNumber.
func (m *Manager) Spawn(ctx context.Context, issueNumber int, opts SpawnOptions) (*domain.SessionRecord, error) {
	sessionID := sessionstore.SessionIDForIssue(issueNumber)

	ctx, span := tracing.Tracer("session-manager").Start(ctx, "Spawn",
		trace.WithAttributes(tracing.SessionAttrs(m.repo.ID, sessionID)...))
	defer span.End()

	var result *domain.SessionRecord
	var opErr error

	// Phase 1, locked: validate and claim the session id by writing a
	// registered record. issue/promptPath/renderedPrompt are captured for
	// the unlocked spawn call below.
	var issue domain.Issue
	var workingCopyPath, promptPath, renderedPrompt string

	m.locks.withLock(sessionID, func() {
		existing, err := m.store.Load(sessionID)
		if err != nil {
			opErr = err
			return
		}
		if existing != nil && !existing.Status.IsTerminal() {
			opErr = &domain.IssueAlreadyActive{SessionID: sessionID}
			return
		}
		// existing terminal record with the same id is garbage-collected below.

		if !m.spawner.Available(ctx) {
			opErr = &domain.SpawnerUnavailable{Name: m.spawner.Name()}
			return
		}

		branchName := "issue-" + strconv.Itoa(issueNumber)
		workingCopyName := m.workingCopyPrefix() + branchName
		workingCopyPath = filepath.Join(filepath.Dir(m.repo.Root), workingCopyName)

		if vcs.IsWorkingCopy(workingCopyPath) {
			if existing == nil {
				recoveredID := "unknown"
				if sc, err := sessionstore.ReadSessionContext(workingCopyPath); err == nil && sc != nil {
					recoveredID = sc.SessionID
				}
				opErr = &domain.OrphanDetected{WorkingCopyPath: workingCopyPath, SessionID: recoveredID}
				return
			}
		}

		var stderr string
		issue, stderr, err = m.issues.FetchIssue(ctx, m.repo.IssueTrackerOwner, m.repo.IssueTrackerRepo, issueNumber)
		if err != nil {
			opErr = &domain.IssueFetchFailed{IssueNumber: issueNumber, Stderr: stderr}
			return
		}

		createResult := m.vcs.CreateWorkingCopy(ctx, m.repo.Root, workingCopyPath, branchName, m.repo.DefaultBaseRef)
		if !createResult.Success {
			opErr = fmt.Errorf("create working copy: %s", createResult.Error)
			return
		}

		if err := writePlanFile(workingCopyPath, issue.Body); err != nil {
			opErr = err
			return
		}

		mode := opts.Mode
		if mode == "" {
			mode = m.repo.DefaultMode
		}

		renderedPrompt, err = m.prompts.Render(prompt.Params{
			Owner:              m.repo.IssueTrackerOwner,
			Repo:               m.repo.IssueTrackerRepo,
			Issue:              issue,
			BranchName:         branchName,
			WorkingCopyPath:    workingCopyPath,
			Mode:               mode,
			AdditionalSections: opts.AdditionalPromptSections,
		})
		if err != nil {
			opErr = fmt.Errorf("render prompt: %w", err)
			return
		}
		promptPath = filepath.Join(workingCopyPath, sessionstore.ReservedDir, "session-prompt.md")
		if err := writeFile(promptPath, renderedPrompt); err != nil {
			opErr = err
			return
		}

		if err := sessionstore.WriteSessionContext(workingCopyPath, domain.SessionContext{
			SessionID:         sessionID,
			RepositoryID:      m.repo.ID,
			IssueNumber:       issueNumber,
			BranchName:        branchName,
			IssueTrackerOwner: m.repo.IssueTrackerOwner,
			IssueTrackerRepo:  m.repo.IssueTrackerRepo,
			HeartbeatCommand:  "orchestrator heartbeat " + sessionID,
			UpdateCommand:     "orchestrator update " + sessionID,
		}); err != nil {
			opErr = err
			return
		}

		now := time.Now()
		rec := &domain.SessionRecord{
			SessionID:       sessionID,
			RepositoryID:    m.repo.ID,
			Issue:           issue,
			BranchName:      branchName,
			WorkingCopyPath: workingCopyPath,
			StartedAt:       now,
			LastHeartbeat:   now,
			Status:          domain.StatusRegistered,
			Mode:            mode,
		}
		if err := m.store.Save(rec); err != nil {
			opErr = err
			return
		}
	})

	if opErr != nil {
		span.RecordError(opErr)
		span.SetStatus(codes.Error, opErr.Error())
		return nil, opErr
	}

	// Unlocked: the spawner call is process-external and can take up to
	// several seconds (container dependency-prime, pty ready-marker wait).
	// Releasing the lock here keeps Heartbeat/Forward/Pause/Update for this
	// session id unblocked for the duration.
	spawnResult := m.spawner.Spawn(ctx, spawner.Request{
		SessionID:        sessionID,
		Issue:            issue,
		WorkingDirectory: workingCopyPath,
		PromptFilePath:   promptPath,
		PromptContent:    renderedPrompt,
		GithubOwner:      m.repo.IssueTrackerOwner,
		GithubRepo:       m.repo.IssueTrackerRepo,
	})

	// Phase 2, locked: promote the registered record to working, or roll
	// back on failure.
	m.locks.withLock(sessionID, func() {
		if !spawnResult.Success {
			// roll back: the record and the working copy.
			_ = m.store.Delete(sessionID)
			_ = m.vcs.RemoveWorkingCopy(ctx, m.repo.Root, workingCopyPath)
			m.logger.Error("spawn failed, rolled back working copy",
				zap.String("session_id", sessionID), zap.String("error", spawnResult.Error))
			opErr = fmt.Errorf("spawn failed: %s", spawnResult.Error)
			return
		}

		rec, err := m.store.Load(sessionID)
		if err != nil {
			opErr = err
			return
		}
		if rec == nil {
			opErr = &domain.SessionNotFound{SessionID: sessionID}
			return
		}

		rec.Status = domain.StatusWorking
		rec.SpawnID = spawnResult.SpawnID
		if err := m.store.Save(rec); err != nil {
			opErr = err
			return
		}

		m.logger.Info("session spawned", zap.String("session_id", sessionID), zap.Int("issue_number", issueNumber))
		m.publish("session:add", sessionID)
		result = rec
	})

	if opErr != nil {
		span.RecordError(opErr)
		span.SetStatus(codes.Error, opErr.Error())
	}
	return result, opErr
}

// Restart re-invokes the spawner for an existing session.
func (m *Manager) Restart(ctx context.Context, sessionID string, iteration int) (*domain.SessionRecord, error) {
	var result *domain.SessionRecord
	var opErr error

	// Phase 1, locked: validate and read the prompt this session was
	// spawned with.
	var issue domain.Issue
	var workingCopyPath, promptPath, promptContent string

	m.locks.withLock(sessionID, func() {
		rec, err := m.store.Load(sessionID)
		if err != nil {
			opErr = err
			return
		}
		if rec == nil {
			opErr = &domain.SessionNotFound{SessionID: sessionID}
			return
		}
		if rec.Status.IsTerminal() || rec.Status.IsDeletionState() {
			opErr = fmt.Errorf("cannot restart session %s in status %s", sessionID, rec.Status)
			return
		}
		if !vcs.IsWorkingCopy(rec.WorkingCopyPath) {
			opErr = &domain.WorkingCopyMissing{Path: rec.WorkingCopyPath}
			return
		}
		workingCopyPath = rec.WorkingCopyPath
		promptPath = filepath.Join(rec.WorkingCopyPath, sessionstore.ReservedDir, "session-prompt.md")
		content, err := readFile(promptPath)
		if err != nil {
			opErr = &domain.PromptMissing{Path: promptPath}
			return
		}
		promptContent = content
		issue = rec.Issue
	})

	if opErr != nil {
		return nil, opErr
	}

	// Unlocked: same rationale as Spawn. A slow spawn must not block
	// Heartbeat/Forward/Pause/Update for this session id.
	spawnResult := m.spawner.Spawn(ctx, spawner.Request{
		SessionID:        sessionID,
		Issue:            issue,
		WorkingDirectory: workingCopyPath,
		PromptFilePath:   promptPath,
		PromptContent:    promptContent,
		GithubOwner:      m.repo.IssueTrackerOwner,
		GithubRepo:       m.repo.IssueTrackerRepo,
		Iteration:        iteration,
	})

	// Phase 2, locked: reload the record (it may have changed while the
	// lock was released) and apply the spawn result, or report failure.
	m.locks.withLock(sessionID, func() {
		if !spawnResult.Success {
			opErr = fmt.Errorf("restart spawn failed: %s", spawnResult.Error)
			return
		}

		rec, err := m.store.Load(sessionID)
		if err != nil {
			opErr = err
			return
		}
		if rec == nil {
			opErr = &domain.SessionNotFound{SessionID: sessionID}
			return
		}

		rec.SpawnID = spawnResult.SpawnID
		rec.Status = domain.StatusWorking
		rec.StuckReason = ""
		rec.LastHeartbeat = time.Now()
		if err := m.store.Save(rec); err != nil {
			opErr = err
			return
		}
		m.publish("session:update", sessionID)
		result = rec
	})

	return result, opErr
}

// List returns every session record, with a WorkingCopyMissing observability flag.
func (m *Manager) List(ctx context.Context) ([]domain.ListedSession, error) {
	records, err := m.store.ListAll()
	if err != nil {
		return nil, err
	}
	listed := make([]domain.ListedSession, 0, len(records))
	for _, r := range records {
		listed = append(listed, domain.ListedSession{
			SessionRecord:      *r,
			WorkingCopyMissing: !vcs.IsWorkingCopy(r.WorkingCopyPath),
		})
	}
	return listed, nil
}

// ListRunning returns only non-terminal sessions.
func (m *Manager) ListRunning(ctx context.Context) ([]domain.ListedSession, error) {
	all, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	running := all[:0]
	for _, s := range all {
		if !s.Status.IsTerminal() {
			running = append(running, s)
		}
	}
	return running, nil
}

// Get looks up a session by id.
func (m *Manager) Get(sessionID string) (*domain.SessionRecord, error) {
	return m.store.Load(sessionID)
}

var pullURLPattern = regexp.MustCompile(`/pull/(\d+)$`)

// GetByPullRequest finds a session by matching a trailing /pull/N on its stored PR URL.
func (m *Manager) GetByPullRequest(prNumber int) (*domain.SessionRecord, error) {
	all, err := m.store.ListAll()
	if err != nil {
		return nil, err
	}
	want := strconv.Itoa(prNumber)
	for _, rec := range all {
		match := pullURLPattern.FindStringSubmatch(rec.PullRequestURL)
		if len(match) == 2 && match[1] == want {
			return rec, nil
		}
	}
	return nil, nil
}

// Update applies a status change and bumps lastHeartbeat.
func (m *Manager) Update(sessionID string, newStatus domain.SessionStatus, opts UpdateOptions) (*domain.SessionRecord, error) {
	var result *domain.SessionRecord
	var opErr error

	m.locks.withLock(sessionID, func() {
		rec, err := m.store.Load(sessionID)
		if err != nil {
			opErr = err
			return
		}
		if rec == nil {
			opErr = &domain.SessionNotFound{SessionID: sessionID}
			return
		}

		rec.Status = newStatus
		rec.LastHeartbeat = time.Now()
		if newStatus == domain.StatusStuck {
			rec.StuckReason = opts.Reason
		}
		if opts.PRUrl != "" {
			rec.PullRequestURL = opts.PRUrl
		}

		if err := m.store.Save(rec); err != nil {
			opErr = err
			return
		}
		m.publish("session:update", sessionID)
		result = rec
	})

	return result, opErr
}

// Pause transitions a session to paused. Idempotent; rejects terminal sessions.
func (m *Manager) Pause(sessionID string) (*domain.SessionRecord, error) {
	return m.restrictedTransition(sessionID, domain.StatusPaused, func(s domain.SessionStatus) bool {
		return s == domain.StatusPaused || s == domain.StatusWorking
	})
}

// Resume transitions a session back to working. Idempotent; rejects terminal sessions.
func (m *Manager) Resume(sessionID string) (*domain.SessionRecord, error) {
	return m.restrictedTransition(sessionID, domain.StatusWorking, func(s domain.SessionStatus) bool {
		return s == domain.StatusWorking || s == domain.StatusPaused
	})
}

func (m *Manager) restrictedTransition(sessionID string, target domain.SessionStatus, allowedFrom func(domain.SessionStatus) bool) (*domain.SessionRecord, error) {
	var result *domain.SessionRecord
	var opErr error

	m.locks.withLock(sessionID, func() {
		rec, err := m.store.Load(sessionID)
		if err != nil {
			opErr = err
			return
		}
		if rec == nil {
			opErr = &domain.SessionNotFound{SessionID: sessionID}
			return
		}
		if rec.Status.IsTerminal() || rec.Status.IsDeletionState() {
			opErr = fmt.Errorf("cannot transition terminal/deleting session %s", sessionID)
			return
		}
		if rec.Status == target {
			result = rec // idempotent no-op
			return
		}
		if !allowedFrom(rec.Status) {
			opErr = fmt.Errorf("cannot transition session %s from %s to %s", sessionID, rec.Status, target)
			return
		}

		rec.Status = target
		rec.LastHeartbeat = time.Now()
		if err := m.store.Save(rec); err != nil {
			opErr = err
			return
		}
		m.publish("session:update", sessionID)
		result = rec
	})

	return result, opErr
}

// Forward sets a forwarded message and writes the working-copy dynamic state
// so a running worker can observe it.
func (m *Manager) Forward(sessionID, message string) (*domain.SessionRecord, error) {
	var result *domain.SessionRecord
	var opErr error

	m.locks.withLock(sessionID, func() {
		rec, err := m.store.Load(sessionID)
		if err != nil {
			opErr = err
			return
		}
		if rec == nil {
			opErr = &domain.SessionNotFound{SessionID: sessionID}
			return
		}
		if rec.Status.IsTerminal() || rec.Status.IsDeletionState() {
			opErr = fmt.Errorf("cannot forward to terminal/deleting session %s", sessionID)
			return
		}

		rec.ForwardedMessage = message
		if err := m.store.Save(rec); err != nil {
			opErr = err
			return
		}
		if err := sessionstore.WriteSessionState(rec.WorkingCopyPath, domain.SessionDynamicState{
			Status:           rec.Status,
			ForwardedMessage: message,
			LastUpdated:      time.Now(),
		}); err != nil {
			opErr = err
			return
		}
		result = rec
	})

	return result, opErr
}

// Heartbeat bumps lastHeartbeat and reports whether a forwarded message is pending.
func (m *Manager) Heartbeat(sessionID string) (recorded bool, hasMessage bool, err error) {
	m.locks.withLock(sessionID, func() {
		rec, loadErr := m.store.Load(sessionID)
		if loadErr != nil {
			err = loadErr
			return
		}
		if rec == nil {
			err = &domain.SessionNotFound{SessionID: sessionID}
			return
		}
		rec.LastHeartbeat = time.Now()
		if saveErr := m.store.Save(rec); saveErr != nil {
			err = saveErr
			return
		}
		recorded = true
		hasMessage = rec.ForwardedMessage != ""
	})
	return recorded, hasMessage, err
}

// AcknowledgeMessage clears a pending forwarded message. A no-op if there is none.
func (m *Manager) AcknowledgeMessage(sessionID string) error {
	var opErr error
	m.locks.withLock(sessionID, func() {
		rec, err := m.store.Load(sessionID)
		if err != nil {
			opErr = err
			return
		}
		if rec == nil {
			opErr = &domain.SessionNotFound{SessionID: sessionID}
			return
		}
		if rec.ForwardedMessage == "" {
			return // no-op
		}
		rec.ForwardedMessage = ""
		opErr = m.store.Save(rec)
	})
	return opErr
}

// Delete runs the safe-deletion protocol: cancel, pause for in-flight
// writes to settle, mark deleting, remove the working copy and branches
// per DeletionMode, then drop the record.
func (m *Manager) Delete(ctx context.Context, sessionID string, opts DeleteOptions) domain.DeleteResult {
	ctx, span := tracing.Tracer("session-manager").Start(ctx, "Delete",
		trace.WithAttributes(tracing.SessionAttrs(m.repo.ID, sessionID)...))
	defer span.End()

	var result domain.DeleteResult

	m.locks.withLock(sessionID, func() {
		rec, err := m.store.Load(sessionID)
		if err != nil {
			result = domain.DeleteResult{Success: false, Error: err.Error()}
			return
		}
		if rec == nil {
			result = domain.DeleteResult{Success: true} // already gone
			return
		}

		if rec.Status == domain.StatusDeleting && !opts.Force {
			result = domain.DeleteResult{Success: false, Error: "deletion already in progress"}
			return
		}

		previous := rec.Status
		isActive := !rec.Status.IsTerminal() && !rec.Status.IsDeletionState()
		if isActive && !opts.KeepWorkingCopy {
			rec.Status = domain.StatusCancelled
			_ = m.store.Save(rec)
			m.publish("session:update", sessionID)
			time.Sleep(2 * time.Second)
		}

		// A retry from deletion_failed keeps the status stashed by the first attempt.
		if !previous.IsDeletionState() {
			rec.PreviousStatus = previous
		}
		rec.Status = domain.StatusDeleting
		_ = m.store.Save(rec)

		if !opts.KeepWorkingCopy {
			removeResult := m.vcs.RemoveWorkingCopy(ctx, m.repo.Root, rec.WorkingCopyPath)
			if !removeResult.Success && !opts.Force {
				rec.Status = domain.StatusDeletionFailed
				rec.DeletionError = removeResult.Error
				_ = m.store.Save(rec)
				m.logger.Warn("working copy removal failed, session left in deletion_failed",
					zap.String("session_id", sessionID), zap.String("error", removeResult.Error))
				result = domain.DeleteResult{Success: false, Error: removeResult.Error, OrphanedWorkingCopyPath: rec.WorkingCopyPath}
				return
			}

			switch opts.DeletionMode {
			case DeletionWithLocalBranch, DeletionEverything:
				_ = m.vcs.DeleteLocalBranch(ctx, m.repo.Root, rec.BranchName, true)
				if opts.DeletionMode == DeletionEverything {
					_ = m.vcs.DeleteRemoteBranch(ctx, m.repo.Root, rec.BranchName)
				}
			}
		}

		if err := m.store.Delete(sessionID); err != nil {
			result = domain.DeleteResult{Success: false, Error: err.Error()}
			return
		}

		m.publish("session:remove", sessionID)
		result = domain.DeleteResult{Success: true}
	})

	if !result.Success {
		span.SetStatus(codes.Error, result.Error)
	}
	return result
}

// RetryDelete re-attempts deletion for a record in deletion_failed.
func (m *Manager) RetryDelete(ctx context.Context, sessionID string) domain.DeleteResult {
	rec, err := m.store.Load(sessionID)
	if err != nil {
		return domain.DeleteResult{Success: false, Error: err.Error()}
	}
	if rec == nil || rec.Status != domain.StatusDeletionFailed {
		status := domain.SessionStatus("")
		if rec != nil {
			status = rec.Status
		}
		return domain.DeleteResult{Success: false, Error: (&domain.NotInDeletionFailedState{SessionID: sessionID, Status: status}).Error()}
	}
	return m.Delete(ctx, sessionID, DeleteOptions{})
}

// RollbackDeletion restores previousStatus for a record in deletion_failed.
func (m *Manager) RollbackDeletion(sessionID string) (*domain.SessionRecord, error) {
	var result *domain.SessionRecord
	var opErr error

	m.locks.withLock(sessionID, func() {
		rec, err := m.store.Load(sessionID)
		if err != nil {
			opErr = err
			return
		}
		if rec == nil || rec.Status != domain.StatusDeletionFailed {
			status := domain.SessionStatus("")
			if rec != nil {
				status = rec.Status
			}
			opErr = &domain.NotInDeletionFailedState{SessionID: sessionID, Status: status}
			return
		}

		target := rec.PreviousStatus
		if target == "" {
			target = domain.StatusStuck
		}
		rec.Status = target
		rec.DeletionError = ""
		if err := m.store.Save(rec); err != nil {
			opErr = err
			return
		}
		m.publish("session:update", sessionID)
		result = rec
	})

	return result, opErr
}

// CleanupOrphan removes a working copy that has no live session.
func (m *Manager) CleanupOrphan(ctx context.Context, workingCopyPath string) domain.DeleteResult {
	if _, err := os.Stat(workingCopyPath); os.IsNotExist(err) {
		return domain.DeleteResult{Success: true} // already gone
	}
	if !vcs.IsWorkingCopy(workingCopyPath) {
		return domain.DeleteResult{Success: false, Error: "not a working copy: " + workingCopyPath}
	}

	if sc, err := sessionstore.ReadSessionContext(workingCopyPath); err == nil && sc != nil {
		if m.store.Exists(sc.SessionID) {
			return domain.DeleteResult{Success: false, Error: "working copy is owned by an existing session: " + sc.SessionID}
		}
	}

	removeResult := m.vcs.RemoveWorkingCopy(ctx, m.repo.Root, workingCopyPath)
	if !removeResult.Success {
		return domain.DeleteResult{Success: false, Error: removeResult.Error}
	}
	return domain.DeleteResult{Success: true}
}

// GetWorkingCopyStatus passes through to the VCS gateway's diff status.
func (m *Manager) GetWorkingCopyStatus(ctx context.Context, sessionID string) (vcs.DiffStatus, error) {
	rec, err := m.store.Load(sessionID)
	if err != nil {
		return vcs.DiffStatus{}, err
	}
	if rec == nil {
		return vcs.DiffStatus{}, &domain.SessionNotFound{SessionID: sessionID}
	}
	return m.vcs.DiffStatusOf(ctx, rec.WorkingCopyPath, m.repo.DefaultBaseRef)
}

// GetWorkingCopyState reads the worker-written dynamic state file.
func (m *Manager) GetWorkingCopyState(sessionID string) (*domain.SessionDynamicState, error) {
	rec, err := m.store.Load(sessionID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, &domain.SessionNotFound{SessionID: sessionID}
	}
	return sessionstore.ReadSessionState(rec.WorkingCopyPath)
}

// GetWorkerStatus passes through to the Spawner.
func (m *Manager) GetWorkerStatus(ctx context.Context, spawnID string) (spawner.Status, error) {
	return m.spawner.StatusOf(ctx, spawnID)
}

// IsStale reports whether a record's heartbeat has exceeded StaleThreshold.
func (m *Manager) IsStale(rec *domain.SessionRecord) bool {
	return time.Since(rec.LastHeartbeat) > StaleThreshold
}

func (m *Manager) workingCopyPrefix() string {
	if m.repo.WorkingCopyPrefix != "" {
		return m.repo.WorkingCopyPrefix
	}
	return filepath.Base(m.repo.Root) + "-"
}

func writePlanFile(workingCopyPath, issueBody string) error {
	return writeFile(filepath.Join(workingCopyPath, "IMPLEMENTATION_PLAN.md"), issueBody)
}
