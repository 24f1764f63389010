// Package iterative implements the bounded re-spawn cycle ("Ralph loop")
// that drives autonomous sessions: spawn, wait for the worker to stop, check
// a done-signal or promise, commit/push, gate on a review agent, and either
// spawn again or finish.
package iterative

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ralphctl/ralphctl/internal/common/config"
	"github.com/ralphctl/ralphctl/internal/common/logger"
	"github.com/ralphctl/ralphctl/internal/common/tracing"
	"github.com/ralphctl/ralphctl/internal/domain"
	"github.com/ralphctl/ralphctl/internal/eventbus"
	"github.com/ralphctl/ralphctl/internal/issuetracker"
	"github.com/ralphctl/ralphctl/internal/session"
	"github.com/ralphctl/ralphctl/internal/sessionstore"
	"github.com/ralphctl/ralphctl/internal/vcs"
)

// Status is the loop's own state, distinct from SessionRecord.Status.
type Status string

const (
	StatusRunning   Status = "running"
	StatusReviewing Status = "reviewing"
	StatusDone      Status = "done"
	StatusStuck     Status = "stuck"
)

// IterationAttempt records one spawn/respawn cycle, mirrored into the
// iteration history store for observability only.
type IterationAttempt struct {
	Iteration int
	StartedAt time.Time
	EndedAt   time.Time
	Outcome   string
}

// IterationState is the in-memory state of one session's loop.
type IterationState struct {
	RepositoryID        string
	SessionID           string
	Status              Status
	CurrentIteration    int
	FailedIterations    int
	ConsecutiveFailures int
	ReviewCycle         int
	LastChecked         time.Time
	StuckReason         string
	Attempts            []IterationAttempt
}

func (s *IterationState) snapshot() IterationState {
	cp := *s
	cp.Attempts = append([]IterationAttempt(nil), s.Attempts...)
	return cp
}

// EventKind names a loop lifecycle event.
type EventKind string

const (
	EventIterationStart EventKind = "iteration_start"
	EventIterationEnd   EventKind = "iteration_end"
	EventLoopDone       EventKind = "loop_done"
	EventLoopStuck      EventKind = "loop_stuck"
)

// Event is published to subscribers and onto the event bus.
type Event struct {
	Kind         EventKind
	RepositoryID string
	SessionID    string
	Iteration    int
	Reason       string
}

// Listener observes loop lifecycle events. Panics are recovered and logged.
type Listener func(Event)

// HistoryRecorder mirrors completed attempts into a durable store. Never
// consulted for control-flow decisions.
type HistoryRecorder interface {
	RecordAttempt(ctx context.Context, repositoryID, sessionID string, attempt IterationAttempt) error
}

// Controller runs one loop per autonomous session within a repository.
type Controller struct {
	repo    domain.Repository
	cfg     config.IterativeConfig
	manager *session.Manager
	vcsGw   *vcs.Gateway
	issues  *issuetracker.Gateway
	bus     eventbus.Bus
	history HistoryRecorder
	reviewBinary string
	logger  *logger.Logger

	mu        sync.Mutex
	states    map[string]*IterationState
	cancels   map[string]context.CancelFunc
	listeners []Listener
}

// New constructs a Controller for one repository. history may be nil.
func New(repo domain.Repository, cfg config.IterativeConfig, manager *session.Manager, vcsGw *vcs.Gateway, issues *issuetracker.Gateway, bus eventbus.Bus, history HistoryRecorder, log *logger.Logger) *Controller {
	reviewBinary := cfg.ReviewAgentBinary
	if reviewBinary == "" {
		reviewBinary = "review-agent"
	}
	return &Controller{
		repo:         repo,
		cfg:          cfg,
		manager:      manager,
		vcsGw:        vcsGw,
		issues:       issues,
		bus:          bus,
		history:      history,
		reviewBinary: reviewBinary,
		logger:       log.WithFields(zap.String("component", "iterative-controller"), zap.String("repository_id", repo.ID)),
		states:       make(map[string]*IterationState),
		cancels:      make(map[string]context.CancelFunc),
	}
}

// Subscribe registers a listener and returns an unsubscribe function.
func (c *Controller) Subscribe(l Listener) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
	idx := len(c.listeners) - 1
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.listeners[idx] = nil
	}
}

func (c *Controller) emit(ev Event) {
	c.mu.Lock()
	listeners := append([]Listener(nil), c.listeners...)
	c.mu.Unlock()

	for _, l := range listeners {
		if l == nil {
			continue
		}
		c.dispatch(l, ev)
	}

	if c.bus != nil {
		payload := fmt.Sprintf(`{"kind":%q,"repositoryId":%q,"sessionId":%q,"iteration":%d,"reason":%q}`,
			ev.Kind, ev.RepositoryID, ev.SessionID, ev.Iteration, ev.Reason)
		_ = c.bus.Publish("iteration:"+string(ev.Kind), []byte(payload))
	}
}

func (c *Controller) dispatch(l Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("iteration event listener panicked", zap.Any("recovered", r), zap.String("kind", string(ev.Kind)))
		}
	}()
	l(ev)
}

// Snapshot returns a copy of the current in-memory state for a session, if tracked.
func (c *Controller) Snapshot(sessionID string) (IterationState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.states[sessionID]
	if !ok {
		return IterationState{}, false
	}
	return s.snapshot(), true
}

// Start begins the loop for sessionID, starting at iteration 1. A no-op if
// the session already has a running loop.
func (c *Controller) Start(parent context.Context, sessionID string) {
	c.mu.Lock()
	if _, exists := c.cancels[sessionID]; exists {
		c.mu.Unlock()
		return
	}
	state := &IterationState{
		RepositoryID:     c.repo.ID,
		SessionID:        sessionID,
		Status:           StatusRunning,
		CurrentIteration: 1,
		LastChecked:      time.Now(),
		Attempts:         []IterationAttempt{{Iteration: 1, StartedAt: time.Now()}},
	}
	c.states[sessionID] = state
	ctx, cancel := context.WithCancel(parent)
	c.cancels[sessionID] = cancel
	c.mu.Unlock()

	c.emit(Event{Kind: EventIterationStart, RepositoryID: c.repo.ID, SessionID: sessionID, Iteration: 1})
	go c.loop(ctx, sessionID)
}

// Stop cancels a session's loop, if running.
func (c *Controller) Stop(sessionID string) {
	c.mu.Lock()
	cancel, ok := c.cancels[sessionID]
	delete(c.cancels, sessionID)
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

func (c *Controller) loop(ctx context.Context, sessionID string) {
	ticker := time.NewTicker(c.cfg.PollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.tick(ctx, sessionID) {
				return
			}
		}
	}
}

// tick runs one poll-loop sweep step; it returns true when the loop is done
// (terminally) and should stop ticking.
func (c *Controller) tick(ctx context.Context, sessionID string) bool {
	ctx, span := tracing.Tracer("iterative-controller").Start(ctx, "tick",
		trace.WithAttributes(tracing.SessionAttrs(c.repo.ID, sessionID)...))
	defer span.End()

	c.mu.Lock()
	state, ok := c.states[sessionID]
	c.mu.Unlock()
	if !ok {
		return true
	}
	if state.Status != StatusRunning {
		return state.Status == StatusDone || state.Status == StatusStuck
	}

	rec, err := c.manager.Get(sessionID)
	if err != nil || rec == nil {
		c.markStuck(state, "session no longer exists")
		return true
	}
	state.LastChecked = time.Now()

	status, err := c.manager.GetWorkerStatus(ctx, rec.SpawnID)
	if err != nil || !status.Running {
		return c.handleWorkerStopped(ctx, state, rec)
	}

	if c.evaluateDoneSignal(rec) || c.evaluatePromise(rec) {
		return c.handleLoopDone(ctx, state, rec)
	}

	if rec.Status == domain.StatusStuck || rec.Status == domain.StatusCancelled {
		c.markStuck(state, "underlying session is "+string(rec.Status))
		return true
	}

	return false
}

// handleWorkerStopped implements the worker-stopped path: read and clear the
// marker file, then branch on its content.
func (c *Controller) handleWorkerStopped(ctx context.Context, state *IterationState, rec *domain.SessionRecord) bool {
	markerPath := filepath.Join(rec.WorkingCopyPath, sessionstore.ReservedDir, ".worker-status")
	marker := readMarker(markerPath)
	_ = os.Remove(markerPath)

	switch marker {
	case "complete":
		c.runGitOps(ctx, rec)
		return c.enterReviewPhase(ctx, state, rec)
	case "task_done":
		c.runGitOps(ctx, rec)
		c.finishAttempt(state, "task_done")
		c.emit(Event{Kind: EventIterationEnd, RepositoryID: c.repo.ID, SessionID: rec.SessionID, Iteration: state.CurrentIteration})
		time.Sleep(c.cfg.IterationDelay())
		return c.startNextIteration(ctx, state, rec)
	default:
		state.FailedIterations++
		if state.FailedIterations >= c.cfg.MaxIterations {
			c.markStuck(state, "exceeded max iterations without a worker-status marker")
			return true
		}
		time.Sleep(c.cfg.IterationDelay())
		return c.startNextIteration(ctx, state, rec)
	}
}

func readMarker(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// startNextIteration advances to a new iteration and restarts the session.
func (c *Controller) startNextIteration(ctx context.Context, state *IterationState, rec *domain.SessionRecord) bool {
	state.CurrentIteration++
	state.ConsecutiveFailures = 0
	state.Attempts = append(state.Attempts, IterationAttempt{Iteration: state.CurrentIteration, StartedAt: time.Now()})

	if _, err := c.manager.Restart(ctx, rec.SessionID, state.CurrentIteration); err != nil {
		c.markStuck(state, "restart failed: "+err.Error())
		return true
	}

	c.emit(Event{Kind: EventIterationStart, RepositoryID: c.repo.ID, SessionID: rec.SessionID, Iteration: state.CurrentIteration})
	return false
}

// finishAttempt closes out the current attempt and mirrors it into history.
func (c *Controller) finishAttempt(state *IterationState, outcome string) {
	if len(state.Attempts) == 0 {
		return
	}
	last := &state.Attempts[len(state.Attempts)-1]
	last.EndedAt = time.Now()
	last.Outcome = outcome

	if c.history != nil {
		attempt := *last
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := c.history.RecordAttempt(ctx, state.RepositoryID, state.SessionID, attempt); err != nil {
				c.logger.Warn("failed to mirror iteration attempt", zap.Error(err))
			}
		}()
	}
}

// evaluateDoneSignal checks the configured done signal.
func (c *Controller) evaluateDoneSignal(rec *domain.SessionRecord) bool {
	switch c.cfg.DoneSignalKind {
	case "status":
		return string(rec.Status) == c.cfg.DoneSignalTarget
	case "file":
		_, err := os.Stat(filepath.Join(rec.WorkingCopyPath, c.cfg.DoneSignalTarget))
		return err == nil
	case "exit_code":
		return false // reserved, never matches
	default:
		return false
	}
}

// evaluatePromise checks the configured completion promise.
func (c *Controller) evaluatePromise(rec *domain.SessionRecord) bool {
	switch c.cfg.PromiseKind {
	case "plan_complete":
		return planComplete(filepath.Join(rec.WorkingCopyPath, c.cfg.PromisePath))
	case "file":
		_, err := os.Stat(filepath.Join(rec.WorkingCopyPath, c.cfg.PromisePath))
		return err == nil
	case "tests_pass", "custom":
		if c.cfg.PromiseCommand == "" {
			return false
		}
		cmd := exec.Command("sh", "-c", c.cfg.PromiseCommand)
		cmd.Dir = rec.WorkingCopyPath
		return cmd.Run() == nil
	default:
		return false // no promise configured; doneSignal is the sole gate
	}
}

var checklistItem = regexp.MustCompile(`^\s*-\s*\[( |x|X)\]`)

// planComplete reports whether a markdown task list has tasks and none are unchecked.
func planComplete(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	total, unchecked := 0, 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		m := checklistItem.FindStringSubmatch(scanner.Text())
		if m == nil {
			continue
		}
		total++
		if m[1] == " " {
			unchecked++
		}
	}
	return total > 0 && unchecked == 0
}

// runGitOps applies the configured commit/push policy. Failures are recorded
// in the log but never abort the loop.
func (c *Controller) runGitOps(ctx context.Context, rec *domain.SessionRecord) {
	if c.cfg.CommitAfterEach {
		result := c.vcsGw.CommitAll(ctx, rec.WorkingCopyPath, "chore: ralph iteration")
		if result.Status == "failed" {
			c.logger.Warn("iteration commit failed", zap.String("session_id", rec.SessionID), zap.String("message", result.Message))
		}
	}
	if c.cfg.PushAfterEach {
		result := c.vcsGw.Push(ctx, rec.WorkingCopyPath)
		if result.Status == "failed" {
			c.logger.Warn("iteration push failed", zap.String("session_id", rec.SessionID), zap.String("message", result.Message))
		}
	}
}

// handleLoopDone runs final git operations and enters the review phase.
func (c *Controller) handleLoopDone(ctx context.Context, state *IterationState, rec *domain.SessionRecord) bool {
	c.runGitOps(ctx, rec)
	return c.enterReviewPhase(ctx, state, rec)
}

var githubRemotePattern = regexp.MustCompile(`github\.com[:/]([^/]+)/([^/.]+)`)

func githubCoordsFromRemote(remote string) (owner, repo string, ok bool) {
	m := githubRemotePattern.FindStringSubmatch(remote)
	if m == nil {
		return "", "", false
	}
	return m[1], strings.TrimSuffix(m[2], ".git"), true
}

// reviewVerdict is the parsed outcome of invoking the external review agent.
type reviewVerdict struct {
	Approved bool
	Summary  string
}

// enterReviewPhase gates completion on an external review agent.
func (c *Controller) enterReviewPhase(ctx context.Context, state *IterationState, rec *domain.SessionRecord) bool {
	state.Status = StatusReviewing

	owner, repo := c.repo.IssueTrackerOwner, c.repo.IssueTrackerRepo
	if owner == "" || repo == "" {
		if remote := c.vcsGw.RemoteURL(ctx, rec.WorkingCopyPath); remote != "" {
			if o, r, ok := githubCoordsFromRemote(remote); ok {
				owner, repo = o, r
			}
		}
	}

	verdict := c.invokeReviewAgent(ctx, rec, owner, repo)

	if verdict.Approved {
		if c.cfg.CreatePrOnComplete && owner != "" && repo != "" {
			url, err := c.issues.OpenPullRequest(ctx, issuetracker.OpenPullRequestParams{
				Owner:       owner,
				Repo:        repo,
				Branch:      rec.BranchName,
				BaseBranch:  c.repo.DefaultBaseRef,
				IssueNumber: rec.Issue.Number,
				Title:       rec.Issue.Title,
				Summary:     verdict.Summary,
			})
			if err != nil {
				c.logger.Warn("failed to open pull request after approval", zap.Error(err))
			} else {
				_, _ = c.manager.Update(rec.SessionID, domain.StatusPRReady, session.UpdateOptions{PRUrl: url})
				_ = c.issues.Notify(ctx, owner+"/"+repo, fmt.Sprintf("PR ready for issue #%d: %s", rec.Issue.Number, url))
			}
		}

		state.Status = StatusDone
		c.finishAttempt(state, "approved")
		c.emit(Event{Kind: EventLoopDone, RepositoryID: c.repo.ID, SessionID: rec.SessionID, Iteration: state.CurrentIteration})
		return true
	}

	state.ReviewCycle++
	if state.ReviewCycle >= c.cfg.ReviewMaxCycles {
		_ = c.issues.Notify(ctx, owner+"/"+repo, fmt.Sprintf("review stuck for issue #%d after %d cycles", rec.Issue.Number, state.ReviewCycle))
		c.markStuck(state, "review stuck: "+verdict.Summary)
		return true
	}

	if err := writeReviewFeedback(rec.WorkingCopyPath, state.ReviewCycle, verdict.Summary); err != nil {
		c.logger.Warn("failed to write review feedback", zap.Error(err))
	}

	state.Status = StatusRunning
	time.Sleep(c.cfg.IterationDelay())
	return c.startNextIteration(ctx, state, rec)
}

func (c *Controller) invokeReviewAgent(ctx context.Context, rec *domain.SessionRecord, owner, repo string) reviewVerdict {
	runCtx, cancel := context.WithTimeout(ctx, c.cfg.ReviewTimeout())
	defer cancel()

	args := []string{
		"--working-copy", rec.WorkingCopyPath,
		"--owner", owner,
		"--repo", repo,
		"--issue", fmt.Sprintf("%d", rec.Issue.Number),
	}
	if c.cfg.ReviewAgentPrompt != "" {
		args = append(args, "--prompt-file", c.cfg.ReviewAgentPrompt)
	}
	cmd := exec.CommandContext(runCtx, c.reviewBinary, args...)
	out, err := cmd.Output()
	if err != nil {
		return reviewVerdict{Approved: false, Summary: "review agent invocation failed: " + err.Error()}
	}

	text := string(out)
	if strings.Contains(text, "APPROVED") {
		return reviewVerdict{Approved: true, Summary: text}
	}
	return reviewVerdict{Approved: false, Summary: text}
}

func writeReviewFeedback(workingCopyPath string, cycle int, summary string) error {
	path := filepath.Join(workingCopyPath, sessionstore.ReservedDir, "review-feedback.md")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	body := fmt.Sprintf("# Review feedback (cycle %d)\n\n%s\n", cycle, summary)
	return os.WriteFile(path, []byte(body), 0o644)
}

func (c *Controller) markStuck(state *IterationState, reason string) {
	state.Status = StatusStuck
	state.StuckReason = reason
	c.finishAttempt(state, "stuck")
	c.emit(Event{Kind: EventLoopStuck, RepositoryID: c.repo.ID, SessionID: state.SessionID, Iteration: state.CurrentIteration, Reason: reason})
	_, _ = c.manager.Update(state.SessionID, domain.StatusStuck, session.UpdateOptions{Reason: reason})
}
