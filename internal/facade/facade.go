// Package facade is the Multi-repo facade: one Session Manager (and
// Iterative Controller) per declared repository, dispatched by repositoryId,
// fanning every manager's events into one stream and sweeping for orphaned
// working copies.
package facade

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ralphctl/ralphctl/internal/common/logger"
	"github.com/ralphctl/ralphctl/internal/domain"
	"github.com/ralphctl/ralphctl/internal/eventbus"
	"github.com/ralphctl/ralphctl/internal/iterative"
	"github.com/ralphctl/ralphctl/internal/session"
	"github.com/ralphctl/ralphctl/internal/vcs"
)

// ManagedRepository bundles one repository's Session Manager and Iterative
// Controller, registered together so the facade can dispatch to both.
type ManagedRepository struct {
	Repository domain.Repository
	Manager    *session.Manager
	Controller *iterative.Controller
}

// Facade is the single entry point callers use instead of reaching into a
// specific repository's Session Manager directly.
type Facade struct {
	mu     sync.RWMutex
	repos  map[string]*ManagedRepository
	bus    eventbus.Bus
	logger *logger.Logger
}

// New constructs an empty Facade. Repositories are added via Register.
func New(bus eventbus.Bus, log *logger.Logger) *Facade {
	return &Facade{
		repos:  make(map[string]*ManagedRepository),
		bus:    bus,
		logger: log.WithFields(zap.String("component", "multirepo-facade")),
	}
}

// Register adds a managed repository. Returns an error if the id is already registered.
func (f *Facade) Register(mr *ManagedRepository) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.repos[mr.Repository.ID]; exists {
		return fmt.Errorf("repository %q already registered", mr.Repository.ID)
	}
	f.repos[mr.Repository.ID] = mr
	return nil
}

func (f *Facade) get(repositoryID string) (*ManagedRepository, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	mr, ok := f.repos[repositoryID]
	if !ok {
		return nil, fmt.Errorf("unknown repository: %q", repositoryID)
	}
	return mr, nil
}

// Repositories lists every registered repository id.
func (f *Facade) Repositories() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	ids := make([]string, 0, len(f.repos))
	for id := range f.repos {
		ids = append(ids, id)
	}
	return ids
}

// Spawn dispatches to the named repository's Session Manager, then starts
// its Iterative Controller loop when the session is autonomous.
func (f *Facade) Spawn(ctx context.Context, repositoryID string, issueNumber int, opts session.SpawnOptions) (*domain.SessionRecord, error) {
	mr, err := f.get(repositoryID)
	if err != nil {
		return nil, err
	}
	rec, err := mr.Manager.Spawn(ctx, issueNumber, opts)
	if err != nil {
		return nil, err
	}
	if rec.Mode == domain.ModeAutonomous && mr.Controller != nil {
		mr.Controller.Start(ctx, rec.SessionID)
	}
	return rec, nil
}

// Restart dispatches a restart to the named repository's Session Manager.
func (f *Facade) Restart(ctx context.Context, repositoryID, sessionID string, iteration int) (*domain.SessionRecord, error) {
	mr, err := f.get(repositoryID)
	if err != nil {
		return nil, err
	}
	return mr.Manager.Restart(ctx, sessionID, iteration)
}

// Get dispatches to the named repository's Session Manager.
func (f *Facade) Get(repositoryID, sessionID string) (*domain.SessionRecord, error) {
	mr, err := f.get(repositoryID)
	if err != nil {
		return nil, err
	}
	return mr.Manager.Get(sessionID)
}

// GetByPullRequest searches every registered repository for a session matching prNumber.
func (f *Facade) GetByPullRequest(prNumber int) (*domain.SessionRecord, string, error) {
	f.mu.RLock()
	repos := make([]*ManagedRepository, 0, len(f.repos))
	for _, mr := range f.repos {
		repos = append(repos, mr)
	}
	f.mu.RUnlock()

	for _, mr := range repos {
		rec, err := mr.Manager.GetByPullRequest(prNumber)
		if err != nil {
			return nil, "", err
		}
		if rec != nil {
			return rec, mr.Repository.ID, nil
		}
	}
	return nil, "", nil
}

// ListAll fans List across every registered repository in
// parallel, tagging each listed session with its owning repositoryId
// (already set on the record).
func (f *Facade) ListAll(ctx context.Context) ([]domain.ListedSession, error) {
	f.mu.RLock()
	repos := make([]*ManagedRepository, 0, len(f.repos))
	for _, mr := range f.repos {
		repos = append(repos, mr)
	}
	f.mu.RUnlock()

	perRepo := make([][]domain.ListedSession, len(repos))
	g, gctx := errgroup.WithContext(ctx)
	for i, mr := range repos {
		i, mr := i, mr
		g.Go(func() error {
			listed, err := mr.Manager.List(gctx)
			if err != nil {
				return fmt.Errorf("list sessions for %s: %w", mr.Repository.ID, err)
			}
			perRepo[i] = listed
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []domain.ListedSession
	for _, listed := range perRepo {
		all = append(all, listed...)
	}
	return all, nil
}

// Update, Pause, Resume, Forward, Heartbeat, AcknowledgeMessage, Delete,
// RetryDelete and RollbackDeletion all dispatch by (repositoryId, sessionId)
// to the owning Session Manager.

func (f *Facade) Update(repositoryID, sessionID string, newStatus domain.SessionStatus, opts session.UpdateOptions) (*domain.SessionRecord, error) {
	mr, err := f.get(repositoryID)
	if err != nil {
		return nil, err
	}
	return mr.Manager.Update(sessionID, newStatus, opts)
}

func (f *Facade) Pause(repositoryID, sessionID string) (*domain.SessionRecord, error) {
	mr, err := f.get(repositoryID)
	if err != nil {
		return nil, err
	}
	return mr.Manager.Pause(sessionID)
}

func (f *Facade) Resume(repositoryID, sessionID string) (*domain.SessionRecord, error) {
	mr, err := f.get(repositoryID)
	if err != nil {
		return nil, err
	}
	return mr.Manager.Resume(sessionID)
}

func (f *Facade) Forward(repositoryID, sessionID, message string) (*domain.SessionRecord, error) {
	mr, err := f.get(repositoryID)
	if err != nil {
		return nil, err
	}
	return mr.Manager.Forward(sessionID, message)
}

func (f *Facade) Heartbeat(repositoryID, sessionID string) (recorded, hasMessage bool, err error) {
	mr, err := f.get(repositoryID)
	if err != nil {
		return false, false, err
	}
	return mr.Manager.Heartbeat(sessionID)
}

func (f *Facade) AcknowledgeMessage(repositoryID, sessionID string) error {
	mr, err := f.get(repositoryID)
	if err != nil {
		return err
	}
	return mr.Manager.AcknowledgeMessage(sessionID)
}

func (f *Facade) Delete(ctx context.Context, repositoryID, sessionID string, opts session.DeleteOptions) (domain.DeleteResult, error) {
	mr, err := f.get(repositoryID)
	if err != nil {
		return domain.DeleteResult{}, err
	}
	if mr.Controller != nil {
		mr.Controller.Stop(sessionID)
	}
	return mr.Manager.Delete(ctx, sessionID, opts), nil
}

func (f *Facade) RetryDelete(ctx context.Context, repositoryID, sessionID string) (domain.DeleteResult, error) {
	mr, err := f.get(repositoryID)
	if err != nil {
		return domain.DeleteResult{}, err
	}
	return mr.Manager.RetryDelete(ctx, sessionID), nil
}

func (f *Facade) RollbackDeletion(repositoryID, sessionID string) (*domain.SessionRecord, error) {
	mr, err := f.get(repositoryID)
	if err != nil {
		return nil, err
	}
	return mr.Manager.RollbackDeletion(sessionID)
}

// FanInEvent is a bus message tagged with the repositoryId parsed from its
// own payload, handed to facade subscribers for a unified consumer-ordered stream.
type FanInEvent struct {
	Subject      string
	RepositoryID string
	Payload      []byte
}

var facadeSubjects = []string{
	"session:add", "session:update", "session:remove",
	"iteration:iteration_start", "iteration:iteration_end",
	"iteration:loop_done", "iteration:loop_stuck",
	"orphans:detected",
}

// SubscribeAll fans every repository's session and iteration events into a
// single consumer-ordered callback. Returns an unsubscribe function.
func (f *Facade) SubscribeAll(handler func(FanInEvent)) func() {
	if f.bus == nil {
		return func() {}
	}
	var unsubs []func()
	for _, subject := range facadeSubjects {
		s := subject
		unsub, err := f.bus.Subscribe(s, func(msg eventbus.Message) {
			handler(FanInEvent{Subject: s, RepositoryID: extractRepositoryID(msg.Payload), Payload: msg.Payload})
		})
		if err != nil {
			f.logger.Warn("failed to subscribe facade fan-in", zap.String("subject", s), zap.Error(err))
			continue
		}
		unsubs = append(unsubs, unsub)
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// extractRepositoryID pulls "repositoryId":"..." out of a JSON payload
// without a full unmarshal, since the facade only needs it for routing.
func extractRepositoryID(payload []byte) string {
	const key = `"repositoryId":"`
	s := string(payload)
	idx := strings.Index(s, key)
	if idx < 0 {
		return ""
	}
	rest := s[idx+len(key):]
	end := strings.IndexByte(rest, '"')
	if end < 0 {
		return ""
	}
	return rest[:end]
}

// ReconcileOrphans sweeps every registered repository's parent directory for
// working copies that match this system's naming convention but have no
// owning session record, and publishes an "orphans:detected" event per find.
func (f *Facade) ReconcileOrphans(ctx context.Context) (map[string][]string, error) {
	f.mu.RLock()
	repos := make([]*ManagedRepository, 0, len(f.repos))
	for _, mr := range f.repos {
		repos = append(repos, mr)
	}
	f.mu.RUnlock()

	perRepo := make([][]string, len(repos))
	g, gctx := errgroup.WithContext(ctx)
	for i, mr := range repos {
		i, mr := i, mr
		g.Go(func() error {
			orphans, err := f.findOrphans(gctx, mr)
			if err != nil {
				return fmt.Errorf("reconcile orphans for %s: %w", mr.Repository.ID, err)
			}
			perRepo[i] = orphans
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := make(map[string][]string)
	for i, mr := range repos {
		orphans := perRepo[i]
		if len(orphans) == 0 {
			continue
		}
		result[mr.Repository.ID] = orphans
		if f.bus != nil {
			for _, path := range orphans {
				payload := fmt.Sprintf(`{"repositoryId":%q,"workingCopyPath":%q}`, mr.Repository.ID, path)
				_ = f.bus.Publish("orphans:detected", []byte(payload))
			}
		}
	}
	return result, nil
}

func (f *Facade) findOrphans(ctx context.Context, mr *ManagedRepository) ([]string, error) {
	parent := filepath.Dir(mr.Repository.Root)
	entries, err := os.ReadDir(parent)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	sessions, err := mr.Manager.List(ctx)
	if err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(sessions))
	for _, s := range sessions {
		known[s.WorkingCopyPath] = true
	}

	prefix := mr.Repository.WorkingCopyPrefix
	if prefix == "" {
		prefix = filepath.Base(mr.Repository.Root) + "-"
	}

	var orphans []string
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		path := filepath.Join(parent, e.Name())
		if known[path] || !vcs.IsWorkingCopy(path) {
			continue
		}
		orphans = append(orphans, path)
	}
	return orphans, nil
}

// CleanupOrphan dispatches orphan cleanup to the named repository's Session Manager.
func (f *Facade) CleanupOrphan(ctx context.Context, repositoryID, workingCopyPath string) (domain.DeleteResult, error) {
	mr, err := f.get(repositoryID)
	if err != nil {
		return domain.DeleteResult{}, err
	}
	return mr.Manager.CleanupOrphan(ctx, workingCopyPath), nil
}
