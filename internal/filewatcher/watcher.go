// Package filewatcher translates filesystem changes on session files and
// per-working-copy status files into typed event streams. Debounced,
// tolerant of parse failures, and isolates subscriber panics from each other.
package filewatcher

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/ralphctl/ralphctl/internal/common/logger"
	"github.com/ralphctl/ralphctl/internal/domain"
)

// SessionEventKind distinguishes session-file add/update/remove events.
type SessionEventKind string

const (
	SessionAdd    SessionEventKind = "add"
	SessionUpdate SessionEventKind = "update"
	SessionRemove SessionEventKind = "remove"
)

// SessionEvent is emitted by the Session watcher.
type SessionEvent struct {
	Kind      SessionEventKind
	SessionID string
	Record    *domain.SessionRecord
}

// WorkingCopyEvent is emitted by the working-copy state watcher.
type WorkingCopyEvent struct {
	SessionID string
	State     domain.SessionDynamicState
}

// SessionCallback observes SessionEvents. Panics are recovered and logged.
type SessionCallback func(SessionEvent)

// WorkingCopyCallback observes WorkingCopyEvents. Panics are recovered and logged.
type WorkingCopyCallback func(WorkingCopyEvent)

type loadSessionFunc func(sessionID string) (*domain.SessionRecord, error)

// SessionWatcher watches a repository's session directory for files matching
// the session-file name pattern (`work-<sessionId>.json`).
type SessionWatcher struct {
	dir      string
	debounce time.Duration
	load     loadSessionFunc
	logger   *logger.Logger

	watcher *fsnotify.Watcher

	mu          sync.Mutex
	subscribers []SessionCallback

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewSessionWatcher constructs a SessionWatcher rooted at dir, using load to
// re-read a session record by id when a file changes.
func NewSessionWatcher(dir string, debounce time.Duration, load loadSessionFunc, log *logger.Logger) (*SessionWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, err
	}
	return &SessionWatcher{
		dir:      dir,
		debounce: debounce,
		load:     load,
		logger:   log.WithFields(zap.String("component", "session-watcher")),
		watcher:  w,
		stopCh:   make(chan struct{}),
	}, nil
}

// Subscribe registers a callback. Errors/panics raised by a callback are
// recovered so other subscribers are unaffected.
func (w *SessionWatcher) Subscribe(cb SessionCallback) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.subscribers = append(w.subscribers, cb)
}

// Start begins watching in the background.
func (w *SessionWatcher) Start() {
	w.wg.Add(1)
	go w.loop()
}

// Stop halts the watcher.
func (w *SessionWatcher) Stop() {
	close(w.stopCh)
	w.watcher.Close()
	w.wg.Wait()
}

func (w *SessionWatcher) loop() {
	defer w.wg.Done()

	pending := make(map[string]SessionEventKind)
	var timer *time.Timer
	var timerC <-chan time.Time

	resetTimer := func() {
		if timer == nil {
			timer = time.NewTimer(w.debounce)
		} else {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.debounce)
		}
		timerC = timer.C
	}

	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			name := filepath.Base(ev.Name)
			if !isSessionFile(name) {
				continue
			}
			sessionID := sessionIDFromFile(name)
			kind := SessionUpdate
			switch {
			case ev.Op&fsnotify.Create == fsnotify.Create:
				kind = SessionAdd
			case ev.Op&fsnotify.Remove == fsnotify.Remove, ev.Op&fsnotify.Rename == fsnotify.Rename:
				kind = SessionRemove
			}
			// A write that follows a create in the same window is still an add.
			if kind == SessionUpdate && pending[sessionID] == SessionAdd {
				kind = SessionAdd
			}
			pending[sessionID] = kind
			resetTimer()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Debug("session watcher error", zap.Error(err))
		case <-timerC:
			for sessionID, kind := range pending {
				w.emit(sessionID, kind)
			}
			pending = make(map[string]SessionEventKind)
			timer = nil
			timerC = nil
		}
	}
}

func (w *SessionWatcher) emit(sessionID string, kind SessionEventKind) {
	var rec *domain.SessionRecord
	if kind != SessionRemove {
		loaded, err := w.load(sessionID)
		if err != nil {
			w.logger.Warn("failed to reload session after change; skipping", zap.String("session_id", sessionID), zap.Error(err))
			return
		}
		rec = loaded
	}

	event := SessionEvent{Kind: kind, SessionID: sessionID, Record: rec}

	w.mu.Lock()
	subs := append([]SessionCallback(nil), w.subscribers...)
	w.mu.Unlock()

	for _, cb := range subs {
		w.dispatch(cb, event)
	}
}

func (w *SessionWatcher) dispatch(cb SessionCallback, event SessionEvent) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("session watcher subscriber panicked", zap.Any("recover", r))
		}
	}()
	cb(event)
}

func isSessionFile(name string) bool {
	return strings.HasPrefix(name, "work-") && strings.HasSuffix(name, ".json") && !strings.HasSuffix(name, ".tmp")
}

func sessionIDFromFile(name string) string {
	id := strings.TrimPrefix(name, "work-")
	return strings.TrimSuffix(id, ".json")
}

// WorkingCopyWatcher watches a single working copy's dynamic-state file.
type WorkingCopyWatcher struct {
	sessionID string
	statePath string
	debounce  time.Duration
	logger    *logger.Logger

	watcher *fsnotify.Watcher

	mu          sync.Mutex
	subscribers []WorkingCopyCallback

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewWorkingCopyWatcher watches statePath (the session-state.json file)
// inside one working copy.
func NewWorkingCopyWatcher(sessionID, statePath string, debounce time.Duration, log *logger.Logger) (*WorkingCopyWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(statePath)); err != nil {
		w.Close()
		return nil, err
	}
	return &WorkingCopyWatcher{
		sessionID: sessionID,
		statePath: statePath,
		debounce:  debounce,
		logger:    log.WithFields(zap.String("component", "working-copy-watcher"), zap.String("session_id", sessionID)),
		watcher:   w,
		stopCh:    make(chan struct{}),
	}, nil
}

func (w *WorkingCopyWatcher) Subscribe(cb WorkingCopyCallback) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.subscribers = append(w.subscribers, cb)
}

func (w *WorkingCopyWatcher) Start() {
	w.wg.Add(1)
	go w.loop()
}

func (w *WorkingCopyWatcher) Stop() {
	close(w.stopCh)
	w.watcher.Close()
	w.wg.Wait()
}

func (w *WorkingCopyWatcher) loop() {
	defer w.wg.Done()

	var timer *time.Timer
	var timerC <-chan time.Time
	pending := false

	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != filepath.Base(w.statePath) {
				continue
			}
			pending = true
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			timerC = timer.C
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Debug("working copy watcher error", zap.Error(err))
		case <-timerC:
			if pending {
				w.emit()
				pending = false
			}
			timer = nil
			timerC = nil
		}
	}
}

func (w *WorkingCopyWatcher) emit() {
	data, err := os.ReadFile(w.statePath)
	if err != nil {
		w.logger.Debug("failed to read working copy state; skipping", zap.Error(err))
		return
	}
	var state domain.SessionDynamicState
	if err := json.Unmarshal(data, &state); err != nil {
		w.logger.Debug("failed to parse working copy state; skipping", zap.Error(err))
		return
	}

	event := WorkingCopyEvent{SessionID: w.sessionID, State: state}

	w.mu.Lock()
	subs := append([]WorkingCopyCallback(nil), w.subscribers...)
	w.mu.Unlock()

	for _, cb := range subs {
		w.dispatch(cb, event)
	}
}

func (w *WorkingCopyWatcher) dispatch(cb WorkingCopyCallback, event WorkingCopyEvent) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("working copy watcher subscriber panicked", zap.Any("recover", r))
		}
	}()
	cb(event)
}
