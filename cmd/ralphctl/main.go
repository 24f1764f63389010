// Package main is the unified entry point: loads configuration, builds one
// Session Manager and Iterative Controller per declared repository, and
// registers them with the Multi-repo facade. No HTTP/WebSocket server is
// started here — the facade is the programmatic surface a CLI or gateway
// adapter would call into.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/ralphctl/ralphctl/internal/common/config"
	"github.com/ralphctl/ralphctl/internal/common/logger"
	"github.com/ralphctl/ralphctl/internal/domain"
	"github.com/ralphctl/ralphctl/internal/eventbus"
	"github.com/ralphctl/ralphctl/internal/facade"
	"github.com/ralphctl/ralphctl/internal/filewatcher"
	"github.com/ralphctl/ralphctl/internal/issuetracker"
	"github.com/ralphctl/ralphctl/internal/iterationstore"
	"github.com/ralphctl/ralphctl/internal/iterative"
	"github.com/ralphctl/ralphctl/internal/prompt"
	"github.com/ralphctl/ralphctl/internal/session"
	"github.com/ralphctl/ralphctl/internal/sessionstore"
	"github.com/ralphctl/ralphctl/internal/spawner"
	"github.com/ralphctl/ralphctl/internal/vcs"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("starting ralphctl", zap.Int("repositories", len(cfg.Repositories)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus, err := eventbus.New(cfg.Events.NatsURL, cfg.Events.Namespace, log)
	if err != nil {
		log.Fatal("failed to initialize event bus", zap.Error(err))
	}
	defer bus.Close()

	var history iterative.HistoryRecorder
	if cfg.IterationLog.Driver != "" {
		store, err := iterationstore.Open(cfg.IterationLog)
		if err != nil {
			log.Warn("iteration history store disabled", zap.Error(err))
		} else {
			defer store.Close()
			history = store
		}
	}

	promptBuilder, err := prompt.New()
	if err != nil {
		log.Fatal("failed to load prompt templates", zap.Error(err))
	}

	var dockerClient *client.Client
	if cfg.Spawner.Kind == "container" {
		dockerClient, err = client.NewClientWithOpts(
			client.WithHost(cfg.Docker.Host),
			client.WithVersion(cfg.Docker.APIVersion),
		)
		if err != nil {
			log.Fatal("failed to initialize docker client", zap.Error(err))
		}
		defer dockerClient.Close()
	}

	orch := facade.New(bus, log)

	for _, rc := range cfg.Repositories {
		repo := domain.Repository{
			ID:                rc.ID,
			Root:              rc.Root,
			DefaultBaseRef:    rc.DefaultBaseRef,
			IssueTrackerOwner: rc.IssueTrackerOwner,
			IssueTrackerRepo:  rc.IssueTrackerRepo,
			WorkingCopyPrefix: rc.WorkingCopyPrefix,
			DefaultMode:       domain.SessionMode(rc.DefaultMode),
			DefaultSpawner:    rc.DefaultSpawner,
		}
		if repo.DefaultMode == "" {
			repo.DefaultMode = domain.ModeManual
		}

		sessionDir := filepath.Join(cfg.BaseDir, "sessions", repo.ID)
		store, err := sessionstore.New(sessionDir, log)
		if err != nil {
			log.Fatal("failed to open session store", zap.String("repository", repo.ID), zap.Error(err))
		}

		vcsGw := vcs.New(log)
		issues := issuetracker.New("")

		sp, err := buildSpawner(cfg.Spawner, dockerClient, log)
		if err != nil {
			log.Fatal("failed to build spawner", zap.String("repository", repo.ID), zap.Error(err))
		}

		mgr := session.New(repo, store, vcsGw, sp, promptBuilder, issues, bus, log)
		ctrl := iterative.New(repo, cfg.Iterative, mgr, vcsGw, issues, bus, history, log)

		if err := orch.Register(&facade.ManagedRepository{Repository: repo, Manager: mgr, Controller: ctrl}); err != nil {
			log.Fatal("failed to register repository", zap.String("repository", repo.ID), zap.Error(err))
		}

		watcher, err := filewatcher.NewSessionWatcher(sessionDir, cfg.Watcher.SessionDebounceDuration(), store.Load, log)
		if err != nil {
			log.Warn("session watcher disabled", zap.String("repository", repo.ID), zap.Error(err))
			continue
		}
		watcher.Subscribe(func(ev filewatcher.SessionEvent) {
			log.Debug("session file changed",
				zap.String("repository", repo.ID),
				zap.String("kind", string(ev.Kind)),
				zap.String("sessionId", ev.SessionID))
		})
		watcher.Start()
		defer watcher.Stop()
	}

	log.Info("ralphctl ready", zap.Strings("repositories", orch.Repositories()))

	unsubscribe := orch.SubscribeAll(func(ev facade.FanInEvent) {
		log.Debug("fan-in event", zap.String("subject", ev.Subject), zap.String("repositoryId", ev.RepositoryID))
	})
	defer unsubscribe()

	go reconcileLoop(ctx, orch, log)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down ralphctl")
	cancel()
}

// buildSpawner constructs the configured Worker Spawner variant.
func buildSpawner(cfg config.SpawnerConfig, docker *client.Client, log *logger.Logger) (spawner.Spawner, error) {
	switch cfg.Kind {
	case "headless":
		return spawner.NewHeadless(workerCommand(), workerArgs(), log), nil
	case "interactive-pty":
		var ready spawner.ReadyPredicate
		if cfg.ReadyMarker != "" {
			ready = spawner.MarkerReady(cfg.ReadyMarker)
		} else {
			ready = func([]byte) bool { return true }
		}
		readyTimeout := time.Duration(cfg.ReadyTimeoutMs) * time.Millisecond
		return spawner.NewInteractivePTY(workerCommand(), workerArgs(), cfg.PTYCols, cfg.PTYRows, ready, readyTimeout, log), nil
	case "container":
		if docker == nil {
			return nil, fmt.Errorf("container spawner requires a docker client")
		}
		containerCfg := spawner.ContainerConfig{
			Image:            cfg.ContainerImage,
			MemoryLimitBytes: cfg.ContainerMemoryMiB * 1024 * 1024,
			CPUQuota:         cfg.ContainerCPUs * 1_000_000_000,
			PidsLimit:        cfg.ContainerPidsLimit,
		}
		return spawner.NewContainer(docker, containerCfg, log), nil
	default:
		return nil, fmt.Errorf("unknown spawner kind: %q", cfg.Kind)
	}
}

// workerCommand and workerArgs name the external code-generation binary
// invoked by the headless and interactive-pty spawner variants.
func workerCommand() string {
	if cmd := os.Getenv("RALPH_WORKER_COMMAND"); cmd != "" {
		return cmd
	}
	return "claude"
}

func workerArgs() []string {
	return []string{"--dangerously-skip-permissions"}
}

// reconcileLoop periodically sweeps every registered repository for orphaned
// working copies and logs what it finds; cleanup is a deliberate operator
// action, not automatic.
func reconcileLoop(ctx context.Context, orch *facade.Facade, log *logger.Logger) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			orphans, err := orch.ReconcileOrphans(ctx)
			if err != nil {
				log.Warn("orphan reconciliation failed", zap.Error(err))
				continue
			}
			for repoID, paths := range orphans {
				log.Info("orphaned working copies detected", zap.String("repository", repoID), zap.Strings("paths", paths))
			}
		}
	}
}
