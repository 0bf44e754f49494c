package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/fleetd/internal/blackboard"
	"github.com/fyrsmithlabs/fleetd/internal/bus"
	"github.com/fyrsmithlabs/fleetd/internal/checkpoint"
	"github.com/fyrsmithlabs/fleetd/internal/collab"
	"github.com/fyrsmithlabs/fleetd/internal/config"
	"github.com/fyrsmithlabs/fleetd/internal/coordinator"
	"github.com/fyrsmithlabs/fleetd/internal/gates"
	"github.com/fyrsmithlabs/fleetd/internal/logging"
	"github.com/fyrsmithlabs/fleetd/internal/orchestrator"
	"github.com/fyrsmithlabs/fleetd/internal/secrets"
	"github.com/fyrsmithlabs/fleetd/internal/services"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute a workflow run to completion",
	Long: `Execute the configured workflow run and print its report as JSON.

A run is identified by workflow.resume_key. Re-running with the same key
resumes from the last persisted checkpoint: completed role tasks and gate
runs are skipped, not repeated.

Examples:
  # Run with the default config file
  fleetd run

  # Run with an explicit config
  fleetd run --config /etc/fleetd/config.yaml`,
	RunE: runWorkflow,
}

func runWorkflow(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	defer func() { _ = logging.Sync(logger) }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eventBus := bus.New(logger.Named("bus"))
	board := blackboard.New()
	sanitizer := secrets.MustNew(nil)

	store, cleanup, err := buildStore(cfg, eventBus, logger)
	if err != nil {
		return err
	}
	defer cleanup()
	defer store.Close()

	coord, err := coordinator.New(coordinator.Config{
		Policy:       cfg.Coordinator.Policy(),
		MessageRate:  cfg.Coordinator.MessageRate,
		MessageBurst: cfg.Coordinator.MessageBurst,
	}, eventBus, board, sanitizer, logger.Named("coordinator"))
	if err != nil {
		return err
	}
	for role, agentID := range cfg.Workflow.Roles {
		coord.Register(agentID)
		logger.Debug("registered agent", zap.String("role", role), zap.String("agent_id", agentID))
	}

	collabSvc, err := collab.NewService(collab.Config{
		DefaultTimeout: cfg.Collab.DefaultTimeout,
		SweepInterval:  cfg.Collab.SweepInterval,
	}, eventBus, board, coord, sanitizer, logger.Named("collab"))
	if err != nil {
		return err
	}
	defer collabSvc.Close()

	reg := services.NewRegistry(services.Options{
		Bus:           eventBus,
		Blackboard:    board,
		Checkpoints:   store,
		Coordinator:   coord,
		Collaboration: collabSvc,
		Sanitizer:     sanitizer,
	})

	var gateRunner gates.Runner
	if cfg.Workflow.GatesEnabled {
		gateRunner, err = gates.NewCommandRunner(cfg.Gates, logger.Named("gates"))
		if err != nil {
			return err
		}
	}

	dispatcher := newExecDispatcher(cfg.Workflow.RoleCommands, cfg.Workflow.RepoRoot, logger.Named("dispatch"))

	o, err := orchestrator.New(orchestrator.Config{
		ProjectID:         cfg.Workflow.ProjectID,
		ResumeKey:         cfg.Workflow.ResumeKey,
		MaxIterations:     cfg.Workflow.MaxIterations,
		GatesEnabled:      cfg.Workflow.GatesEnabled,
		RepoRoot:          cfg.Workflow.RepoRoot,
		ReviewConcurrency: cfg.Workflow.ReviewConcurrency,
	}, reg.Checkpoints(), dispatcher, reg.Coordinator(), gateRunner, logger.Named("orchestrator"))
	if err != nil {
		return err
	}

	report, runErr := o.Execute(ctx)

	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	fmt.Println(string(out))

	if runErr != nil {
		return fmt.Errorf("workflow run failed: %w", runErr)
	}
	return nil
}

// buildStore constructs the configured checkpoint backend. The returned
// cleanup tears down the NATS connection and embedded server when used.
func buildStore(cfg *config.Config, eventBus *bus.Bus, logger *zap.Logger) (checkpoint.Store, func(), error) {
	noop := func() {}

	switch cfg.Checkpoint.Backend {
	case config.BackendMemory:
		return checkpoint.NewMemoryStore(), noop, nil

	case config.BackendFile:
		store, err := checkpoint.NewFileStore(cfg.Checkpoint.Dir, logger.Named("checkpoint"))
		if err != nil {
			return nil, nil, err
		}
		return store, noop, nil

	case config.BackendNATS:
		url := cfg.Checkpoint.URL
		var srv *natsserver.Server
		if cfg.Checkpoint.EmbeddedServer {
			var err error
			srv, err = startEmbeddedNATS(cfg.Checkpoint.StoreDir)
			if err != nil {
				return nil, nil, err
			}
			url = srv.ClientURL()
		}

		nc, err := nats.Connect(url)
		if err != nil {
			if srv != nil {
				srv.Shutdown()
			}
			return nil, nil, fmt.Errorf("connect to nats %s: %w", url, err)
		}

		// External observers follow the run through bridged bus events.
		bridge, err := bus.NewBridge(eventBus, nc, logger.Named("bridge"))
		if err != nil {
			nc.Close()
			if srv != nil {
				srv.Shutdown()
			}
			return nil, nil, err
		}

		store, err := checkpoint.NewNATSStore(nc, cfg.Checkpoint.Bucket, logger.Named("checkpoint"))
		if err != nil {
			bridge.Close()
			nc.Close()
			if srv != nil {
				srv.Shutdown()
			}
			return nil, nil, err
		}

		cleanup := func() {
			bridge.Close()
			nc.Close()
			if srv != nil {
				srv.Shutdown()
			}
		}
		return store, cleanup, nil

	default:
		return nil, nil, fmt.Errorf("unknown checkpoint backend: %s", cfg.Checkpoint.Backend)
	}
}

// startEmbeddedNATS runs an in-process NATS server with JetStream enabled.
func startEmbeddedNATS(storeDir string) (*natsserver.Server, error) {
	opts := &natsserver.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  storeDir,
	}
	srv, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded nats server: %w", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(10 * time.Second) {
		srv.Shutdown()
		return nil, fmt.Errorf("embedded nats server did not become ready")
	}
	return srv, nil
}
