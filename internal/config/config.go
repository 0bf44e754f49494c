// Package config provides configuration loading for fleetd.
package config

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/fleetd/internal/coordinator"
	"github.com/fyrsmithlabs/fleetd/internal/gates"
)

// Checkpoint backends.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendNATS   = "nats"
)

// LoggingConfig controls log output.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `koanf:"level"`

	// Format is json or console.
	Format string `koanf:"format"`
}

// CheckpointConfig selects and configures the checkpoint store backend.
type CheckpointConfig struct {
	// Backend is memory, file or nats.
	Backend string `koanf:"backend"`

	// Dir is the checkpoint directory for the file backend.
	Dir string `koanf:"dir"`

	// URL is the NATS server URL for the nats backend.
	URL string `koanf:"url"`

	// Bucket is the JetStream key-value bucket for the nats backend.
	Bucket string `koanf:"bucket"`

	// EmbeddedServer starts an in-process NATS server for the nats backend.
	EmbeddedServer bool `koanf:"embedded_server"`

	// StoreDir is the embedded server's JetStream storage directory.
	StoreDir string `koanf:"store_dir"`
}

// CoordinatorConfig controls batch concurrency and direct messaging.
type CoordinatorConfig struct {
	// Concurrency caps simultaneously executing task bodies per batch.
	Concurrency int `koanf:"concurrency"`

	// Hub enables the hub-and-spoke policy for the named role. Routes and
	// DefaultAllow are ignored when set.
	Hub string `koanf:"hub"`

	// DefaultAllow permits any route not covered by a rule.
	DefaultAllow bool `koanf:"default_allow"`

	// Routes are explicit allowed direct-message routes.
	Routes []coordinator.Route `koanf:"routes"`

	// MessageRate caps direct messages per sender per second (0 = off).
	MessageRate float64 `koanf:"message_rate"`

	// MessageBurst is the per-sender burst allowance.
	MessageBurst int `koanf:"message_burst"`
}

// Policy resolves the configured direct-message policy.
func (c CoordinatorConfig) Policy() coordinator.Policy {
	if c.Hub != "" {
		return coordinator.HubAndSpokePolicy(c.Hub)
	}
	return coordinator.Policy{DefaultAllow: c.DefaultAllow, Routes: c.Routes}
}

// CollabConfig controls the collaboration protocol.
type CollabConfig struct {
	DefaultTimeout time.Duration `koanf:"default_timeout"`
	SweepInterval  time.Duration `koanf:"sweep_interval"`
}

// WorkflowConfig parameterizes one workflow run.
type WorkflowConfig struct {
	ProjectID         string `koanf:"project_id"`
	ResumeKey         string `koanf:"resume_key"`
	MaxIterations     int    `koanf:"max_iterations"`
	GatesEnabled      bool   `koanf:"gates_enabled"`
	RepoRoot          string `koanf:"repo_root"`
	ReviewConcurrency int    `koanf:"review_concurrency"`

	// Roles maps role ids to agent ids registered with the coordinator.
	Roles map[string]string `koanf:"roles"`

	// RoleCommands maps role ids to shell commands that perform the role's
	// work. The "default" key handles roles with no command of their own.
	RoleCommands map[string]string `koanf:"role_commands"`

	// EscalationPath lists fallback escalation targets, most senior last.
	EscalationPath []string `koanf:"escalation_path"`
}

// Config is the root fleetd configuration.
type Config struct {
	Logging     LoggingConfig     `koanf:"logging"`
	Checkpoint  CheckpointConfig  `koanf:"checkpoint"`
	Coordinator CoordinatorConfig `koanf:"coordinator"`
	Collab      CollabConfig      `koanf:"collab"`
	Workflow    WorkflowConfig    `koanf:"workflow"`
	Gates       []gates.Gate      `koanf:"gates"`
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Checkpoint.Backend == "" {
		cfg.Checkpoint.Backend = BackendFile
	}
	if cfg.Checkpoint.Bucket == "" {
		cfg.Checkpoint.Bucket = "fleetd_runs"
	}

	if cfg.Coordinator.Concurrency == 0 {
		cfg.Coordinator.Concurrency = 4
	}
	if cfg.Coordinator.MessageBurst == 0 {
		cfg.Coordinator.MessageBurst = 10
	}

	if cfg.Collab.DefaultTimeout == 0 {
		cfg.Collab.DefaultTimeout = 30 * time.Second
	}
	if cfg.Collab.SweepInterval == 0 {
		cfg.Collab.SweepInterval = time.Second
	}

	if cfg.Workflow.MaxIterations == 0 {
		cfg.Workflow.MaxIterations = 1
	}
	if cfg.Workflow.ReviewConcurrency == 0 {
		cfg.Workflow.ReviewConcurrency = 2
	}
	if cfg.Workflow.RepoRoot == "" {
		cfg.Workflow.RepoRoot = "."
	}
}

// Validate checks the configuration for structural errors.
func (c *Config) Validate() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid logging format: %s", c.Logging.Format)
	}

	switch c.Checkpoint.Backend {
	case BackendMemory:
	case BackendFile:
		if c.Checkpoint.Dir == "" {
			return fmt.Errorf("checkpoint.dir is required for the file backend")
		}
	case BackendNATS:
		if c.Checkpoint.URL == "" && !c.Checkpoint.EmbeddedServer {
			return fmt.Errorf("checkpoint.url is required for the nats backend unless embedded_server is set")
		}
	default:
		return fmt.Errorf("invalid checkpoint backend: %s", c.Checkpoint.Backend)
	}

	if c.Coordinator.Concurrency < 1 {
		return fmt.Errorf("coordinator.concurrency must be at least 1")
	}
	if c.Coordinator.MessageRate < 0 {
		return fmt.Errorf("coordinator.message_rate must not be negative")
	}

	if c.Workflow.ResumeKey == "" {
		return fmt.Errorf("workflow.resume_key is required")
	}
	if c.Workflow.MaxIterations < 1 {
		return fmt.Errorf("workflow.max_iterations must be at least 1")
	}
	if c.Workflow.GatesEnabled && len(c.Gates) == 0 {
		return fmt.Errorf("gates_enabled requires at least one gate command")
	}
	for _, g := range c.Gates {
		if g.Name == "" || g.Command == "" {
			return fmt.Errorf("every gate needs a name and a command")
		}
	}
	return nil
}
