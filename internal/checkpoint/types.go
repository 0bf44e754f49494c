package checkpoint

import (
	"fmt"
	"time"
)

// GateStatus tracks the quality-gate outcome for a run.
type GateStatus string

const (
	GateNotStarted GateStatus = "not_started"
	GatePassed     GateStatus = "passed"
	GateFailed     GateStatus = "failed"
)

// TaskStatus is the lifecycle status of a role task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// Task is one unit of role work created by the orchestrator. Tasks are
// appended for the lifetime of a run and never deleted.
type Task struct {
	// ID is the globally unique task identifier.
	ID string `json:"id"`

	// Title is a human-readable task title.
	Title string `json:"title"`

	// RoleID is the logical role the task is dispatched to.
	RoleID string `json:"role_id"`

	// Phase is the state machine phase active when the task was created.
	Phase string `json:"phase"`

	// Status is the task lifecycle status.
	Status TaskStatus `json:"status"`

	// Priority orders tasks for display; higher values are more urgent.
	Priority int `json:"priority"`

	// DependsOn lists advisory task dependencies. Scheduling does not
	// enforce them.
	DependsOn []string `json:"depends_on,omitempty"`

	// Payload is free-form task input.
	Payload map[string]any `json:"payload,omitempty"`

	// Summary describes the task outcome once resolved.
	Summary string `json:"summary,omitempty"`

	// CreatedAt is when the task was created.
	CreatedAt time.Time `json:"created_at"`
}

// Message is an immutable broadcast record in the run's audit log.
type Message struct {
	ID        string         `json:"id"`
	ThreadID  string         `json:"thread_id"`
	From      string         `json:"from"`
	To        string         `json:"to,omitempty"`
	Topic     string         `json:"topic"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// GateResult is one quality-gate outcome, stored verbatim as produced by
// the gate runner.
type GateResult struct {
	Name     string `json:"name"`
	Command  string `json:"command"`
	Passed   bool   `json:"passed"`
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output"`
}

// Run is the checkpoint record for one resumable workflow run.
type Run struct {
	// ResumeKey uniquely identifies the run across restarts.
	ResumeKey string `json:"resume_key"`

	// ProjectID identifies the project for audit queries only.
	ProjectID string `json:"project_id"`

	// PhaseIndex is the index of the current phase in the run protocol.
	PhaseIndex int `json:"phase_index"`

	// GateStatus is the latest quality-gate outcome.
	GateStatus GateStatus `json:"gate_status"`

	// CompletedStepSignatures lists every completed step, in order.
	CompletedStepSignatures []string `json:"completed_step_signatures"`

	// CompletedTaskSignatures lists completed role-task steps, in order.
	// Always a subset of CompletedStepSignatures.
	CompletedTaskSignatures []string `json:"completed_task_signatures"`

	// Tasks accumulates every task created during the run.
	Tasks []Task `json:"tasks"`

	// Messages accumulates the broadcast audit trail.
	Messages []Message `json:"messages"`

	// GateResults holds the most recent full gate run.
	GateResults []GateResult `json:"gate_results"`

	// StepOutcomes maps a step signature to its serialized outcome so that
	// resumed runs can reuse cached results without re-executing.
	StepOutcomes map[string]any `json:"step_outcomes"`

	// UpdatedAt is the time of the last persisted mutation.
	UpdatedAt time.Time `json:"updated_at"`
}

// NewRun creates an empty run record for the given resume key.
func NewRun(resumeKey, projectID string) *Run {
	return &Run{
		ResumeKey:               resumeKey,
		ProjectID:               projectID,
		GateStatus:              GateNotStarted,
		CompletedStepSignatures: []string{},
		CompletedTaskSignatures: []string{},
		Tasks:                   []Task{},
		Messages:                []Message{},
		GateResults:             []GateResult{},
		StepOutcomes:            map[string]any{},
		UpdatedAt:               time.Now().UTC(),
	}
}

// HasStep reports whether the step signature is already completed.
func (r *Run) HasStep(signature string) bool {
	for _, s := range r.CompletedStepSignatures {
		if s == signature {
			return true
		}
	}
	return false
}

// HasTaskStep reports whether the task signature is already completed.
func (r *Run) HasTaskStep(signature string) bool {
	for _, s := range r.CompletedTaskSignatures {
		if s == signature {
			return true
		}
	}
	return false
}

// CompleteStep appends a step signature. Appending a duplicate is rejected
// so signatures stay unique per run.
func (r *Run) CompleteStep(signature string) error {
	if r.HasStep(signature) {
		return fmt.Errorf("step signature already completed: %s", signature)
	}
	r.CompletedStepSignatures = append(r.CompletedStepSignatures, signature)
	return nil
}

// CompleteTaskStep appends a task signature, recording it as a step as well
// so the task-signature list stays a subset of the step-signature list.
func (r *Run) CompleteTaskStep(signature string) error {
	if r.HasTaskStep(signature) {
		return fmt.Errorf("task signature already completed: %s", signature)
	}
	if !r.HasStep(signature) {
		if err := r.CompleteStep(signature); err != nil {
			return err
		}
	}
	r.CompletedTaskSignatures = append(r.CompletedTaskSignatures, signature)
	return nil
}

// Validate checks the run's structural invariants.
func (r *Run) Validate() error {
	if r.ResumeKey == "" {
		return fmt.Errorf("run has empty resume key")
	}
	seen := make(map[string]struct{}, len(r.CompletedStepSignatures))
	for _, s := range r.CompletedStepSignatures {
		if _, dup := seen[s]; dup {
			return fmt.Errorf("duplicate step signature: %s", s)
		}
		seen[s] = struct{}{}
	}
	for _, s := range r.CompletedTaskSignatures {
		if _, ok := seen[s]; !ok {
			return fmt.Errorf("task signature %s not present in step signatures", s)
		}
	}
	return nil
}
