package coordinator

import (
	"context"
	"time"
)

// TaskStatus tags one batch task outcome.
type TaskStatus string

const (
	// TaskFulfilled marks a task whose work returned a value.
	TaskFulfilled TaskStatus = "fulfilled"

	// TaskRejected marks a task whose work returned an error or panicked.
	TaskRejected TaskStatus = "rejected"
)

// AgentTask binds an agent id to one unit of work for a coordinated batch.
type AgentTask struct {
	// AgentID identifies the agent the work is attributed to.
	AgentID string

	// Run executes the work. It is invoked at most once.
	Run func(ctx context.Context) (any, error)
}

// TaskResult is the outcome of one batch task. Results are returned in
// input order regardless of completion order.
type TaskResult struct {
	// AgentID echoes the task's agent id.
	AgentID string `json:"agent_id"`

	// Status is fulfilled or rejected.
	Status TaskStatus `json:"status"`

	// Value holds the work's return value for fulfilled tasks.
	Value any `json:"value,omitempty"`

	// Err holds the failure for rejected tasks.
	Err error `json:"-"`
}

// Envelope is a delivered direct message. Payloads are sanitized before the
// envelope is persisted, published or handed to subscribers.
type Envelope struct {
	ID            string         `json:"id"`
	From          string         `json:"from"`
	To            string         `json:"to"`
	Type          string         `json:"type"`
	Payload       map[string]any `json:"payload,omitempty"`
	RunID         string         `json:"run_id,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

// InboxHandler receives direct messages for a subscribed agent. Handlers
// run concurrently with each other but the sender waits for all of them.
type InboxHandler func(ctx context.Context, env Envelope) error

// BatchStart is the payload of the coordination:batch:start event.
// Concurrency is the effective worker count, never more than TaskCount.
type BatchStart struct {
	TaskCount   int `json:"task_count"`
	Concurrency int `json:"concurrency"`
}

// BatchComplete is the payload of the coordination:batch:complete event.
type BatchComplete struct {
	Fulfilled int `json:"fulfilled"`
	Rejected  int `json:"rejected"`
}
