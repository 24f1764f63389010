package spawner

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ralphctl/ralphctl/internal/common/logger"
	"github.com/ralphctl/ralphctl/internal/domain"
	"github.com/ralphctl/ralphctl/internal/sessionstore"
)

// ReadyPredicate decides whether a chunk of recently-read pty output
// indicates the worker is ready to receive its prompt. Injectable so tests
// can drive readiness deterministically.
type ReadyPredicate func(recentOutput []byte) bool

// MarkerReady returns a ReadyPredicate that matches a literal marker string.
func MarkerReady(marker string) ReadyPredicate {
	return func(recent []byte) bool {
		return bytes.Contains(recent, []byte(marker))
	}
}

// InteractivePTY allocates a pseudo-terminal, waits for a ready marker, then
// writes the prompt followed by a carriage return to submit it.
type InteractivePTY struct {
	command string
	args    []string
	cols    int
	rows    int
	ready   ReadyPredicate
	readyTimeout time.Duration
	logger  *logger.Logger

	mu   sync.Mutex
	live map[string]*ptyProc
}

type ptyProc struct {
	cmd      *exec.Cmd
	ptmx     *os.File
	exited   chan struct{}
	exitCode *int
	stopping bool
	mu       sync.Mutex
	recent   []byte
	recentMu sync.Mutex
}

// NewInteractivePTY constructs an InteractivePTY spawner.
func NewInteractivePTY(command string, args []string, cols, rows int, ready ReadyPredicate, readyTimeout time.Duration, log *logger.Logger) *InteractivePTY {
	return &InteractivePTY{
		command:      command,
		args:         args,
		cols:         cols,
		rows:         rows,
		ready:        ready,
		readyTimeout: readyTimeout,
		logger:       log.WithFields(zap.String("component", "spawner-pty")),
		live:         make(map[string]*ptyProc),
	}
}

func (p *InteractivePTY) Available(ctx context.Context) bool {
	_, err := exec.LookPath(p.command)
	return err == nil
}

func (p *InteractivePTY) Name() string { return "interactive-pty" }

func (p *InteractivePTY) Spawn(ctx context.Context, req Request) SpawnResult {
	spawnID := uuid.NewString()
	now := time.Now()

	cmd := exec.Command(p.command, p.args...)
	cmd.Dir = req.WorkingDirectory

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(p.cols), Rows: uint16(p.rows)})
	if err != nil {
		return SpawnResult{Success: false, Error: fmt.Sprintf("start pty: %v", err)}
	}

	proc := &ptyProc{cmd: cmd, ptmx: ptmx, exited: make(chan struct{})}
	p.mu.Lock()
	p.live[spawnID] = proc
	p.mu.Unlock()

	go p.readOutput(proc)
	go p.monitorExit(spawnID, proc)

	if !p.waitForReady(proc, p.readyTimeout) {
		_ = p.Stop(ctx, spawnID)
		return SpawnResult{Success: false, Error: "timed out waiting for ready marker"}
	}

	time.Sleep(200 * time.Millisecond) // let the UI settle

	if _, err := ptmx.WriteString(req.PromptContent); err != nil {
		return SpawnResult{Success: false, Error: fmt.Sprintf("write prompt: %v", err)}
	}

	time.Sleep(submitDelay(len(req.PromptContent)))
	if _, err := ptmx.WriteString("\r"); err != nil {
		return SpawnResult{Success: false, Error: fmt.Sprintf("submit prompt: %v", err)}
	}

	if err := sessionstore.WriteSpawnInfo(req.WorkingDirectory, domain.SpawnInfo{
		SpawnID:     spawnID,
		SpawnedAt:   now,
		IssueNumber: req.Issue.Number,
		Iteration:   req.Iteration,
	}); err != nil {
		p.logger.Warn("write spawn-info failed", zap.String("spawn_id", spawnID), zap.Error(err))
	}

	return SpawnResult{Success: true, SpawnID: spawnID, SpawnedAt: now}
}

// submitDelay scales the pre-submit pause with prompt length, bounded to
// [1s, 3s], so the worker has time to buffer a large prompt before the
// trailing carriage return arrives.
func submitDelay(promptLen int) time.Duration {
	d := time.Duration(promptLen/200) * 100 * time.Millisecond
	if d < time.Second {
		return time.Second
	}
	if d > 3*time.Second {
		return 3 * time.Second
	}
	return d
}

func (p *InteractivePTY) waitForReady(proc *ptyProc, timeout time.Duration) bool {
	deadline := time.After(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-deadline:
			return false
		case <-proc.exited:
			return false
		case <-ticker.C:
			proc.recentMu.Lock()
			recent := append([]byte(nil), proc.recent...)
			proc.recentMu.Unlock()
			if p.ready(recent) {
				return true
			}
		}
	}
}

const recentWindow = 4096

func (p *InteractivePTY) readOutput(proc *ptyProc) {
	buf := make([]byte, 32*1024)
	for {
		n, err := proc.ptmx.Read(buf)
		if n > 0 {
			proc.recentMu.Lock()
			proc.recent = append(proc.recent, buf[:n]...)
			if len(proc.recent) > recentWindow {
				proc.recent = proc.recent[len(proc.recent)-recentWindow:]
			}
			proc.recentMu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

func (p *InteractivePTY) monitorExit(spawnID string, proc *ptyProc) {
	err := proc.cmd.Wait()
	_ = proc.ptmx.Close()

	proc.mu.Lock()
	code := 0
	if proc.cmd.ProcessState != nil {
		code = proc.cmd.ProcessState.ExitCode()
	}
	proc.exitCode = &code
	stopping := proc.stopping
	proc.mu.Unlock()

	if err != nil && !stopping {
		p.logger.Warn("pty worker exited abnormally", zap.String("spawn_id", spawnID), zap.Error(err))
	}
	close(proc.exited)
}

func (p *InteractivePTY) Stop(ctx context.Context, spawnID string) error {
	p.mu.Lock()
	proc, ok := p.live[spawnID]
	p.mu.Unlock()
	if !ok {
		return nil
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

	_ = proc.ptmx.Close()
	_ = syscall.Kill(pid, syscall.SIGHUP)
	_ = syscall.Kill(pid, syscall.SIGTERM)

	select {
	case <-proc.exited:
		return nil
	case <-time.After(2 * time.Second):
		_ = syscall.Kill(pid, syscall.SIGKILL)
		return nil
	}
}

func (p *InteractivePTY) StatusOf(ctx context.Context, spawnID string) (Status, error) {
	p.mu.Lock()
	proc, ok := p.live[spawnID]
	p.mu.Unlock()
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

func (p *InteractivePTY) LogPath(spawnID string) (string, bool) { return "", false }

// matches drives readiness off a compiled regex rather than a literal string.
func matches(re *regexp.Regexp) ReadyPredicate {
	return func(recent []byte) bool { return re.Match(recent) }
}
