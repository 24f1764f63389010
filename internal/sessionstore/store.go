// Package sessionstore persists SessionRecords as one file per session under
// a per-repository directory, and the small set of files a session writes
// into its working copy.
package sessionstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ralphctl/ralphctl/internal/common/logger"
	"github.com/ralphctl/ralphctl/internal/domain"
)

// Store persists SessionRecords for one repository as individual JSON files.
type Store struct {
	dir    string
	logger *logger.Logger
}

// New constructs a Store rooted at dir, creating it if necessary.
func New(dir string, log *logger.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session store dir: %w", err)
	}
	return &Store{dir: dir, logger: log}, nil
}

type sessionFile struct {
	SessionID    string               `json:"sessionId"`
	RepositoryID string               `json:"repositoryId"`
	Issue        domain.Issue         `json:"issue"`
	BranchName   string               `json:"branchName"`
	WorkingCopy  string               `json:"workingCopyPath"`
	PRUrl        string               `json:"pullRequestUrl,omitempty"`
	SpawnID      string               `json:"spawnId,omitempty"`
	StartedAt    string               `json:"startedAt"`
	LastHeartbeat string              `json:"lastHeartbeat"`
	Status       domain.SessionStatus `json:"status"`
	Mode         domain.SessionMode   `json:"mode"`
	StuckReason  string               `json:"stuckReason,omitempty"`
	Forwarded    string               `json:"forwardedMessage,omitempty"`
	PrevStatus   domain.SessionStatus `json:"previousStatus,omitempty"`
	DeletionErr  string               `json:"deletionError,omitempty"`
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, "work-"+id+".json")
}

// Save serialises and atomically replaces the session's file.
func (s *Store) Save(rec *domain.SessionRecord) error {
	f := toFile(rec)
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", rec.SessionID, err)
	}

	target := s.path(rec.SessionID)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write session %s: %w", rec.SessionID, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("rename session %s: %w", rec.SessionID, err)
	}
	return nil
}

// Load reads a session record, or returns (nil, nil) if absent. Parse
// failures are logged and treated as absent.
func (s *Store) Load(id string) (*domain.SessionRecord, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read session %s: %w", id, err)
	}
	rec, err := fromFile(data)
	if err != nil {
		s.logger.Warn("skipping unreadable session file", zap.String("session_id", id), zap.Error(err))
		return nil, nil
	}
	return rec, nil
}

// ListAll returns all records ordered by primary issue number. Files that
// fail to parse are logged and skipped.
func (s *Store) ListAll() ([]*domain.SessionRecord, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read session dir: %w", err)
	}

	var records []*domain.SessionRecord
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") || strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			s.logger.Warn("failed to read session file", zap.String("file", e.Name()), zap.Error(err))
			continue
		}
		rec, err := fromFile(data)
		if err != nil {
			s.logger.Warn("skipping unparsable session file", zap.String("file", e.Name()), zap.Error(err))
			continue
		}
		records = append(records, rec)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].Issue.Number < records[j].Issue.Number
	})
	return records, nil
}

// Delete removes the session's file if present.
func (s *Store) Delete(id string) error {
	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

// Exists reports whether a session file exists for id.
func (s *Store) Exists(id string) bool {
	_, err := os.Stat(s.path(id))
	return err == nil
}

// WriteSessionContext writes the static session-context file into a working copy.
func WriteSessionContext(workingCopyPath string, ctx domain.SessionContext) error {
	return writeJSON(filepath.Join(workingCopyPath, ReservedDir, "session-context.json"), ctx)
}

// WriteSpawnInfo writes spawn-info.json into a working copy. Every Worker
// Spawner variant calls this before reporting a successful spawn, so the
// working copy always records which attempt produced its current state.
func WriteSpawnInfo(workingCopyPath string, info domain.SpawnInfo) error {
	return writeJSON(filepath.Join(workingCopyPath, ReservedDir, "spawn-info.json"), info)
}

// ReadSessionContext reads the static session-context file from a working copy.
func ReadSessionContext(workingCopyPath string) (*domain.SessionContext, error) {
	var ctx domain.SessionContext
	if err := readJSON(filepath.Join(workingCopyPath, ReservedDir, "session-context.json"), &ctx); err != nil {
		return nil, err
	}
	return &ctx, nil
}

// WriteSessionState writes the dynamic session-state file into a working copy.
func WriteSessionState(workingCopyPath string, state domain.SessionDynamicState) error {
	return writeJSON(filepath.Join(workingCopyPath, ReservedDir, "session-state.json"), state)
}

// ReadSessionState reads the dynamic session-state file from a working copy.
// Tolerates missing or partially-written files by returning (nil, nil).
func ReadSessionState(workingCopyPath string) (*domain.SessionDynamicState, error) {
	var state domain.SessionDynamicState
	path := filepath.Join(workingCopyPath, ReservedDir, "session-state.json")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	if err := readJSON(path, &state); err != nil {
		return nil, nil
	}
	return &state, nil
}

// ReservedDir is the working-copy subdirectory holding per-session files.
const ReservedDir = ".claude"

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func toFile(r *domain.SessionRecord) sessionFile {
	return sessionFile{
		SessionID:     r.SessionID,
		RepositoryID:  r.RepositoryID,
		Issue:         r.Issue,
		BranchName:    r.BranchName,
		WorkingCopy:   r.WorkingCopyPath,
		PRUrl:         r.PullRequestURL,
		SpawnID:       r.SpawnID,
		StartedAt:     r.StartedAt.Format(timeFormat),
		LastHeartbeat: r.LastHeartbeat.Format(timeFormat),
		Status:        r.Status,
		Mode:          r.Mode,
		StuckReason:   r.StuckReason,
		Forwarded:     r.ForwardedMessage,
		PrevStatus:    r.PreviousStatus,
		DeletionErr:   r.DeletionError,
	}
}

func fromFile(data []byte) (*domain.SessionRecord, error) {
	var f sessionFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	started, err := parseTime(f.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("parse startedAt: %w", err)
	}
	heartbeat, err := parseTime(f.LastHeartbeat)
	if err != nil {
		return nil, fmt.Errorf("parse lastHeartbeat: %w", err)
	}
	if f.SessionID == "" {
		return nil, fmt.Errorf("missing sessionId")
	}

	return &domain.SessionRecord{
		SessionID:        f.SessionID,
		RepositoryID:     f.RepositoryID,
		Issue:            f.Issue,
		BranchName:       f.BranchName,
		WorkingCopyPath:  f.WorkingCopy,
		PullRequestURL:   f.PRUrl,
		SpawnID:          f.SpawnID,
		StartedAt:        started,
		LastHeartbeat:    heartbeat,
		Status:           f.Status,
		Mode:             f.Mode,
		StuckReason:      f.StuckReason,
		ForwardedMessage: f.Forwarded,
		PreviousStatus:   f.PrevStatus,
		DeletionError:    f.DeletionErr,
	}, nil
}

const timeFormat = time.RFC3339Nano

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeFormat, s)
}

// SessionIDForIssue derives the canonical sessionId from an issue number.
func SessionIDForIssue(issueNumber int) string {
	return strconv.Itoa(issueNumber)
}
