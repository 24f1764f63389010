package spawner

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ralphctl/ralphctl/internal/common/logger"
	"github.com/ralphctl/ralphctl/internal/domain"
	"github.com/ralphctl/ralphctl/internal/sessionstore"
)

// ContainerConfig tunes resource limits and mount points for the container variant.
type ContainerConfig struct {
	Image              string
	MemoryLimitBytes   int64
	CPUQuota           int64
	PidsLimit          int64
	ContainerWorkdir   string
	CredentialsHostDir string
	CredentialsMount   string
	// PrimeCommand runs in the host working copy before spawn, for
	// recognised project shapes (e.g. `npm ci`, `go mod download`). Empty
	// disables priming.
	PrimeCommand []string
}

const managedLabel = "ralphctl.managed"

// Container runs the worker inside a privilege-dropped, resource-capped container.
type Container struct {
	docker *client.Client
	cfg    ContainerConfig
	logger *logger.Logger
}

// NewContainer constructs a Container spawner using the given docker client.
func NewContainer(docker *client.Client, cfg ContainerConfig, log *logger.Logger) *Container {
	return &Container{docker: docker, cfg: cfg, logger: log.WithFields(zap.String("component", "spawner-container"))}
}

func (c *Container) Available(ctx context.Context) bool {
	_, err := c.docker.Ping(ctx)
	return err == nil
}

func (c *Container) Name() string { return "container" }

func (c *Container) Spawn(ctx context.Context, req Request) SpawnResult {
	if len(c.cfg.PrimeCommand) > 0 {
		if err := runPrimeCommand(ctx, req.WorkingDirectory, c.cfg.PrimeCommand); err != nil {
			c.logger.Warn("dependency-prime step failed; continuing", zap.Error(err))
		}
	}

	spawnID := uuid.NewString()
	now := time.Now()

	containerCfg := &container.Config{
		Image: c.cfg.Image,
		Labels: map[string]string{
			managedLabel:          "true",
			"ralphctl.session_id": req.SessionID,
			"ralphctl.spawn_id":   spawnID,
			"ralphctl.iteration":  fmt.Sprintf("%d", req.Iteration),
		},
		WorkingDir: c.cfg.ContainerWorkdir,
		User:       "1000:1000",
	}

	hostCfg := &container.HostConfig{
		AutoRemove:     false,
		SecurityOpt:    []string{"no-new-privileges"},
		ReadonlyPaths:  nil,
		PidsLimit:      &c.cfg.PidsLimit,
		Resources: container.Resources{
			Memory:   c.cfg.MemoryLimitBytes,
			NanoCPUs: c.cfg.CPUQuota,
		},
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: req.WorkingDirectory, Target: c.cfg.ContainerWorkdir},
			{Type: mount.TypeBind, Source: req.PromptFilePath, Target: filepath.Join(c.cfg.ContainerWorkdir, "session-prompt.md"), ReadOnly: true},
		},
	}
	if c.cfg.CredentialsHostDir != "" && c.cfg.CredentialsMount != "" {
		hostCfg.Mounts = append(hostCfg.Mounts, mount.Mount{
			Type: mount.TypeBind, Source: c.cfg.CredentialsHostDir, Target: c.cfg.CredentialsMount, ReadOnly: true,
		})
	}

	created, err := c.docker.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, "ralphctl-"+spawnID)
	if err != nil {
		return SpawnResult{Success: false, Error: fmt.Sprintf("create container: %v", err)}
	}
	if err := c.docker.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return SpawnResult{Success: false, Error: fmt.Sprintf("start container: %v", err)}
	}

	if err := sessionstore.WriteSpawnInfo(req.WorkingDirectory, domain.SpawnInfo{
		SpawnID:     created.ID,
		SpawnedAt:   now,
		IssueNumber: req.Issue.Number,
		Iteration:   req.Iteration,
	}); err != nil {
		c.logger.Warn("write spawn-info failed", zap.String("spawn_id", created.ID), zap.Error(err))
	}

	return SpawnResult{Success: true, SpawnID: created.ID, SpawnedAt: now}
}

// runPrimeCommand runs an idempotent dependency-prime step (e.g. `npm ci`,
// `go mod download`) in the host working copy before the container starts,
// so recognised project shapes already have their dependencies fetched.
func runPrimeCommand(ctx context.Context, dir string, cmd []string) error {
	if len(cmd) == 0 {
		return nil
	}
	c := exec.CommandContext(ctx, cmd[0], cmd[1:]...)
	c.Dir = dir
	var out bytes.Buffer
	c.Stdout = &out
	c.Stderr = &out
	if err := c.Run(); err != nil {
		return fmt.Errorf("prime command %q: %w: %s", cmd, err, out.String())
	}
	return nil
}

func (c *Container) Stop(ctx context.Context, spawnID string) error {
	timeoutSeconds := 30
	if err := c.docker.ContainerStop(ctx, spawnID, container.StopOptions{Timeout: &timeoutSeconds}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("stop container: %w", err)
	}
	return nil
}

func (c *Container) StatusOf(ctx context.Context, spawnID string) (Status, error) {
	inspect, err := c.docker.ContainerInspect(ctx, spawnID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return Status{Running: false}, nil
		}
		return Status{}, fmt.Errorf("inspect container: %w", err)
	}
	if inspect.State.Running {
		return Status{Running: true}, nil
	}
	code := inspect.State.ExitCode
	return Status{Running: false, ExitCode: &code}, nil
}

func (c *Container) LogPath(spawnID string) (string, bool) { return "", false }

// RecoverInstances lists managed containers still running after a process
// restart, recovering {sessionID, spawnID} pairs from their labels.
func (c *Container) RecoverInstances(ctx context.Context) (map[string]string, error) {
	args := filters.NewArgs()
	args.Add("label", managedLabel+"=true")
	containers, err := c.docker.ContainerList(ctx, container.ListOptions{Filters: args})
	if err != nil {
		return nil, fmt.Errorf("list managed containers: %w", err)
	}

	recovered := make(map[string]string, len(containers))
	for _, ctr := range containers {
		sessionID := ctr.Labels["ralphctl.session_id"]
		if sessionID == "" {
			continue
		}
		recovered[sessionID] = ctr.ID
	}
	return recovered, nil
}
