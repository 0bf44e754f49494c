package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/fleetd/internal/blackboard"
	"github.com/fyrsmithlabs/fleetd/internal/bus"
	"github.com/fyrsmithlabs/fleetd/internal/merge"
	"github.com/fyrsmithlabs/fleetd/internal/secrets"
)

const instrumentationName = "github.com/fyrsmithlabs/fleetd/internal/coordinator"

// Errors returned by messaging operations. Policy denial is distinct from
// an unknown agent so callers can tell "forbidden" from "offline".
var (
	ErrUnknownAgent = errors.New("agent not registered")
	ErrRouteDenied  = errors.New("direct message route denied by policy")
	ErrRateLimited  = errors.New("sender exceeded message rate limit")
)

// Config configures the coordinator.
type Config struct {
	// Policy gates direct-message routes.
	Policy Policy

	// MessageRate caps direct messages per sender per second.
	// Zero means unlimited.
	MessageRate float64 `koanf:"message_rate"`

	// MessageBurst is the per-sender burst allowance when MessageRate is
	// set (default 10).
	MessageBurst int `koanf:"message_burst"`
}

// DefaultConfig returns a coordinator config with an allow-all policy and
// no rate limiting.
func DefaultConfig() Config {
	return Config{Policy: AllowAllPolicy(), MessageBurst: 10}
}

// inboxSub pairs an inbox handler with its registration token.
type inboxSub struct {
	id int64
	fn InboxHandler
}

// Coordinator tracks active agents, runs bounded-concurrency batches and
// routes authorized direct messages.
type Coordinator struct {
	config    Config
	logger    *zap.Logger
	bus       *bus.Bus
	board     *blackboard.Blackboard
	sanitizer secrets.Sanitizer

	tracer       trace.Tracer
	meter        metric.Meter
	batchCounter metric.Int64Counter
	sentCounter  metric.Int64Counter

	mu        sync.RWMutex
	agents    map[string]struct{}
	inboxes   map[string][]inboxSub
	nextSubID int64
	limiters  map[string]*rate.Limiter
}

// New creates a coordinator. Bus and blackboard are required; a nil
// sanitizer gets the default rules.
func New(cfg Config, eventBus *bus.Bus, board *blackboard.Blackboard, sanitizer secrets.Sanitizer, logger *zap.Logger) (*Coordinator, error) {
	if eventBus == nil {
		return nil, errors.New("event bus is required")
	}
	if board == nil {
		return nil, errors.New("blackboard is required")
	}
	if sanitizer == nil {
		sanitizer = secrets.MustNew(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MessageBurst <= 0 {
		cfg.MessageBurst = 10
	}

	c := &Coordinator{
		config:    cfg,
		logger:    logger,
		bus:       eventBus,
		board:     board,
		sanitizer: sanitizer,
		tracer:    otel.Tracer(instrumentationName),
		meter:     otel.Meter(instrumentationName),
		agents:    make(map[string]struct{}),
		inboxes:   make(map[string][]inboxSub),
		limiters:  make(map[string]*rate.Limiter),
	}
	c.initMetrics()
	return c, nil
}

// initMetrics initializes OpenTelemetry metrics.
func (c *Coordinator) initMetrics() {
	var err error

	c.batchCounter, err = c.meter.Int64Counter(
		"fleetd.coordinator.batches_total",
		metric.WithDescription("Total number of coordinated batches"),
		metric.WithUnit("{batch}"),
	)
	if err != nil {
		c.logger.Warn("failed to create batch counter", zap.Error(err))
	}

	c.sentCounter, err = c.meter.Int64Counter(
		"fleetd.coordinator.messages_sent_total",
		metric.WithDescription("Total number of direct messages sent"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		c.logger.Warn("failed to create message counter", zap.Error(err))
	}
}

// Register adds an agent to the active set. Registering twice is idempotent.
func (c *Coordinator) Register(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.agents[agentID] = struct{}{}
}

// Unregister removes an agent and clears its inbox subscriptions.
func (c *Coordinator) Unregister(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.agents, agentID)
	delete(c.inboxes, agentID)
	delete(c.limiters, agentID)
}

// IsActive reports whether an agent is currently registered.
func (c *Coordinator) IsActive(agentID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.agents[agentID]
	return ok
}

// ActiveCount returns the number of registered agents.
func (c *Coordinator) ActiveCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.agents)
}

// SubscribeInbox registers a handler for an agent's direct messages and
// returns an unsubscribe function. Multiple subscribers fan out.
func (c *Coordinator) SubscribeInbox(agentID string, fn InboxHandler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextSubID++
	id := c.nextSubID
	c.inboxes[agentID] = append(c.inboxes[agentID], inboxSub{id: id, fn: fn})

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		subs := c.inboxes[agentID]
		for i, s := range subs {
			if s.id == id {
				c.inboxes[agentID] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
		if len(c.inboxes[agentID]) == 0 {
			delete(c.inboxes, agentID)
		}
	}
}

// CoordinateParallel runs the tasks with at most concurrency task bodies in
// flight. min(concurrency, N) workers claim tasks off a shared index; the
// returned slice preserves input order, with each result tagged fulfilled
// or rejected. A failing task never aborts its siblings.
func (c *Coordinator) CoordinateParallel(ctx context.Context, tasks []AgentTask, concurrency int) []TaskResult {
	ctx, span := c.tracer.Start(ctx, "coordinator.coordinate_parallel")
	defer span.End()

	if concurrency < 1 {
		concurrency = 1
	}
	workers := concurrency
	if len(tasks) < workers {
		workers = len(tasks)
	}

	span.SetAttributes(
		attribute.Int("task_count", len(tasks)),
		attribute.Int("concurrency", workers),
	)
	c.bus.Publish(bus.TopicBatchStart, BatchStart{
		TaskCount:   len(tasks),
		Concurrency: workers,
	})

	results := make([]TaskResult, len(tasks))
	if len(tasks) > 0 {
		var next atomic.Int64
		var g errgroup.Group
		for w := 0; w < workers; w++ {
			g.Go(func() error {
				for {
					i := int(next.Add(1)) - 1
					if i >= len(tasks) {
						return nil
					}
					results[i] = c.runTask(ctx, tasks[i])
				}
			})
		}
		// Workers never return errors; rejections live in the results.
		_ = g.Wait()
	}

	fulfilled, rejected := 0, 0
	for _, r := range results {
		if r.Status == TaskFulfilled {
			fulfilled++
		} else {
			rejected++
		}
	}

	c.bus.Publish(bus.TopicBatchComplete, BatchComplete{
		Fulfilled: fulfilled,
		Rejected:  rejected,
	})
	if c.batchCounter != nil {
		c.batchCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.Int("rejected", rejected),
		))
	}

	c.logger.Debug("batch complete",
		zap.Int("fulfilled", fulfilled),
		zap.Int("rejected", rejected),
	)
	return results
}

// runTask executes one task, converting errors and panics to rejections.
func (c *Coordinator) runTask(ctx context.Context, task AgentTask) (result TaskResult) {
	result = TaskResult{AgentID: task.AgentID}

	defer func() {
		if r := recover(); r != nil {
			result.Status = TaskRejected
			result.Err = fmt.Errorf("task panicked: %v", r)
			c.logger.Error("task panicked",
				zap.String("agent_id", task.AgentID),
				zap.Any("panic", r),
			)
		}
	}()

	value, err := task.Run(ctx)
	if err != nil {
		result.Status = TaskRejected
		result.Err = err
		return result
	}
	result.Status = TaskFulfilled
	result.Value = value
	return result
}

// CoordinateParallelMerged runs a batch and deterministically merges the
// fulfilled results that carry agent outputs.
func (c *Coordinator) CoordinateParallelMerged(ctx context.Context, tasks []AgentTask, concurrency int) (merge.MergedResult, []TaskResult) {
	results := c.CoordinateParallel(ctx, tasks, concurrency)

	var agentResults []merge.AgentResult
	for _, r := range results {
		if r.Status != TaskFulfilled {
			continue
		}
		if ar, ok := r.Value.(merge.AgentResult); ok {
			agentResults = append(agentResults, ar)
		}
	}
	return merge.Merge(agentResults), results
}

// SendDirectMessage routes a message from one registered agent to another,
// subject to the route policy. The payload is sanitized, the envelope is
// persisted to the blackboard, and delivery to every inbox subscriber of
// the recipient completes before the call returns.
func (c *Coordinator) SendDirectMessage(ctx context.Context, from, to, msgType string, payload map[string]any) (*Envelope, error) {
	ctx, span := c.tracer.Start(ctx, "coordinator.send_direct_message")
	defer span.End()
	span.SetAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
		attribute.String("type", msgType),
	)

	c.mu.RLock()
	_, fromActive := c.agents[from]
	_, toActive := c.agents[to]
	c.mu.RUnlock()
	if !fromActive {
		return nil, fmt.Errorf("sender %s: %w", from, ErrUnknownAgent)
	}
	if !toActive {
		return nil, fmt.Errorf("recipient %s: %w", to, ErrUnknownAgent)
	}

	if !c.config.Policy.Allows(from, to) {
		c.logger.Warn("direct message denied",
			zap.String("from", from),
			zap.String("to", to),
		)
		return nil, fmt.Errorf("%s -> %s: %w", from, to, ErrRouteDenied)
	}

	if !c.allowSend(from) {
		return nil, fmt.Errorf("sender %s: %w", from, ErrRateLimited)
	}

	sanitized := c.sanitizer.SanitizeMap(payload)
	env := Envelope{
		ID:        uuid.New().String(),
		From:      from,
		To:        to,
		Type:      msgType,
		Payload:   sanitized,
		Timestamp: time.Now().UTC(),
	}
	env.RunID = correlationField(sanitized, "runId")
	env.CorrelationID = correlationField(sanitized, "correlationId")

	c.board.Put(fmt.Sprintf("inbox:%s:%s", to, env.ID), env)
	c.bus.Publish(bus.TopicMessageSent, env)

	c.NotifyInbox(ctx, env)

	c.bus.Publish(bus.TopicMessageReceived, env)
	if c.sentCounter != nil {
		c.sentCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("type", msgType),
		))
	}
	return &env, nil
}

// NotifyInbox fans the envelope out to every subscriber of the recipient's
// inbox and waits for all of them, so the sender observes delivery (or the
// delivery errors) before the call returns. Unlike SendDirectMessage this
// is a raw delivery primitive: no policy check, no persistence. The
// collaboration protocol uses it for request notifications.
func (c *Coordinator) NotifyInbox(ctx context.Context, env Envelope) {
	c.mu.RLock()
	subs := make([]inboxSub, len(c.inboxes[env.To]))
	copy(subs, c.inboxes[env.To])
	c.mu.RUnlock()

	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(sub inboxSub) {
			defer wg.Done()
			if err := sub.fn(ctx, env); err != nil {
				c.logger.Warn("inbox delivery failed",
					zap.String("to", env.To),
					zap.String("message_id", env.ID),
					zap.Error(err),
				)
			}
		}(sub)
	}
	wg.Wait()
}

// allowSend applies the per-sender rate limit.
func (c *Coordinator) allowSend(from string) bool {
	if c.config.MessageRate <= 0 {
		return true
	}

	c.mu.Lock()
	limiter, ok := c.limiters[from]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(c.config.MessageRate), c.config.MessageBurst)
		c.limiters[from] = limiter
	}
	c.mu.Unlock()

	return limiter.Allow()
}

// correlationField lifts an id from the payload's top level or its nested
// metadata object.
func correlationField(payload map[string]any, field string) string {
	if payload == nil {
		return ""
	}
	if v, ok := payload[field].(string); ok {
		return v
	}
	if meta, ok := payload["metadata"].(map[string]any); ok {
		if v, ok := meta[field].(string); ok {
			return v
		}
	}
	return ""
}

// Reset clears all coordinator state. Test helper.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.agents = make(map[string]struct{})
	c.inboxes = make(map[string][]inboxSub)
	c.limiters = make(map[string]*rate.Limiter)
}
