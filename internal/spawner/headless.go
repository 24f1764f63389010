package spawner

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ralphctl/ralphctl/internal/common/logger"
	"github.com/ralphctl/ralphctl/internal/domain"
	"github.com/ralphctl/ralphctl/internal/sessionstore"
)

// Headless spawns the worker as a child process, delivers the prompt on
// stdin, and captures combined output to a timestamped log file. Process
// exit is the completion signal.
type Headless struct {
	command string
	args    []string
	logger  *logger.Logger

	mu   sync.Mutex
	live map[string]*headlessProc
}

type headlessProc struct {
	cmd      *exec.Cmd
	logFile  *os.File
	logPath  string
	exited   chan struct{}
	exitCode *int
	stopping bool
	mu       sync.Mutex
}

// NewHeadless constructs a Headless spawner that execs command with args,
// appending the prompt on stdin.
func NewHeadless(command string, args []string, log *logger.Logger) *Headless {
	return &Headless{
		command: command,
		args:    args,
		logger:  log.WithFields(zap.String("component", "spawner-headless")),
		live:    make(map[string]*headlessProc),
	}
}

func (h *Headless) Available(ctx context.Context) bool {
	_, err := exec.LookPath(h.command)
	return err == nil
}

func (h *Headless) Name() string { return "headless" }

func (h *Headless) Spawn(ctx context.Context, req Request) SpawnResult {
	spawnID := uuid.NewString()
	now := time.Now()

	logDir := filepath.Join(req.WorkingDirectory, sessionstore.ReservedDir)
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return SpawnResult{Success: false, Error: fmt.Sprintf("create log dir: %v", err)}
	}
	iteration := req.Iteration
	logPath := filepath.Join(logDir, fmt.Sprintf("worker-%d-%d.log", iteration, now.Unix()))
	logFile, err := os.Create(logPath)
	if err != nil {
		return SpawnResult{Success: false, Error: fmt.Sprintf("create log file: %v", err)}
	}

	cmd := exec.Command(h.command, h.args...)
	cmd.Dir = req.WorkingDirectory
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Pdeathsig: syscall.SIGTERM,
		Setpgid:   true,
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		logFile.Close()
		return SpawnResult{Success: false, Error: fmt.Sprintf("create stdin pipe: %v", err)}
	}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return SpawnResult{Success: false, Error: fmt.Sprintf("start worker: %v", err)}
	}

	go func() {
		defer stdin.Close()
		io.WriteString(stdin, req.PromptContent)
	}()

	proc := &headlessProc{cmd: cmd, logFile: logFile, logPath: logPath, exited: make(chan struct{})}
	h.mu.Lock()
	h.live[spawnID] = proc
	h.mu.Unlock()

	go h.monitorExit(spawnID, proc)

	if err := sessionstore.WriteSpawnInfo(req.WorkingDirectory, domain.SpawnInfo{
		SpawnID:     spawnID,
		SpawnedAt:   now,
		IssueNumber: req.Issue.Number,
		Iteration:   iteration,
	}); err != nil {
		h.logger.Warn("write spawn-info failed", zap.String("spawn_id", spawnID), zap.Error(err))
	}

	return SpawnResult{Success: true, SpawnID: spawnID, SpawnedAt: now}
}

func (h *Headless) monitorExit(spawnID string, proc *headlessProc) {
	err := proc.cmd.Wait()
	proc.logFile.Close()

	proc.mu.Lock()
	code := 0
	if proc.cmd.ProcessState != nil {
		code = proc.cmd.ProcessState.ExitCode()
	}
	proc.exitCode = &code
	stopping := proc.stopping
	proc.mu.Unlock()

	if err != nil && !stopping {
		h.logger.Warn("worker exited abnormally", zap.String("spawn_id", spawnID), zap.Error(err))
	}
	close(proc.exited)
}

func (h *Headless) Stop(ctx context.Context, spawnID string) error {
	h.mu.Lock()
	proc, ok := h.live[spawnID]
	h.mu.Unlock()
	if !ok {
		return nil // unknown ids are silent
	}

	select {
	case <-proc.exited:
		return nil
	default:
	}

	proc.mu.Lock()
	proc.stopping = true
	pid := proc.cmd.Process.Pid
	proc.mu.Unlock()

	// Signal the whole process group (negative pid), since Setpgid made this
	// process its own group leader.
	_ = syscall.Kill(-pid, syscall.SIGTERM)

	select {
	case <-proc.exited:
		return nil
	case <-time.After(5 * time.Second):
		_ = syscall.Kill(-pid, syscall.SIGKILL)
		return nil
	}
}

func (h *Headless) StatusOf(ctx context.Context, spawnID string) (Status, error) {
	h.mu.Lock()
	proc, ok := h.live[spawnID]
	h.mu.Unlock()
	if !ok {
		return Status{Running: false}, nil
	}

	select {
	case <-proc.exited:
		proc.mu.Lock()
		code := proc.exitCode
		proc.mu.Unlock()
		return Status{Running: false, ExitCode: code}, nil
	default:
		return Status{Running: true}, nil
	}
}

func (h *Headless) LogPath(spawnID string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	proc, ok := h.live[spawnID]
	if !ok {
		return "", false
	}
	return proc.logPath, true
}
