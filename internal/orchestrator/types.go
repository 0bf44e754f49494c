package orchestrator

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/fleetd/internal/checkpoint"
)

// Role identifiers used by the run protocol.
const (
	RoleProduct     = "product"
	RoleCTO         = "cto"
	RoleSecurity    = "security"
	RoleEngineering = "engineering"
	RoleQA          = "qa"
)

// DispatchResult is the outcome of one role-task dispatch.
type DispatchResult struct {
	Success bool           `json:"success"`
	Output  map[string]any `json:"output,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// RoleDispatcher produces the actual work output for a role task. The
// orchestrator only consumes success or failure plus a serializable output;
// how the dispatcher produces it is outside this package.
type RoleDispatcher interface {
	Dispatch(ctx context.Context, roleID, taskText string, taskContext map[string]any) (*DispatchResult, error)
}

// DispatcherFunc adapts a function to the RoleDispatcher interface.
type DispatcherFunc func(ctx context.Context, roleID, taskText string, taskContext map[string]any) (*DispatchResult, error)

// Dispatch calls fn.
func (fn DispatcherFunc) Dispatch(ctx context.Context, roleID, taskText string, taskContext map[string]any) (*DispatchResult, error) {
	return fn(ctx, roleID, taskText, taskContext)
}

// RunStatus is the terminal status of a workflow run.
type RunStatus string

const (
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
)

// Review summarizes the release review outcome.
type Review struct {
	Passed   bool     `json:"passed"`
	Notes    []string `json:"notes"`
	Reviewer string   `json:"reviewer"`
}

// Report is the sole externally consumed artifact of a run. It must stay
// stable and serializable for downstream tooling.
type Report struct {
	ProjectID      string                  `json:"project_id"`
	Status         RunStatus               `json:"status"`
	IterationCount int                     `json:"iteration_count"`
	Phase          Phase                   `json:"phase"`
	Tasks          []checkpoint.Task       `json:"tasks"`
	Messages       []checkpoint.Message    `json:"messages"`
	GateResults    []checkpoint.GateResult `json:"gate_results"`
	Review         Review                  `json:"review"`
	StartedAt      time.Time               `json:"started_at"`
	FinishedAt     time.Time               `json:"finished_at"`
}
