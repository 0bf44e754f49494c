package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/fleetd/internal/checkpoint"
	"github.com/fyrsmithlabs/fleetd/internal/coordinator"
	"github.com/fyrsmithlabs/fleetd/internal/gates"
	"github.com/fyrsmithlabs/fleetd/internal/merge"
)

const instrumentationName = "github.com/fyrsmithlabs/fleetd/internal/orchestrator"

// Config configures a workflow run.
type Config struct {
	// ProjectID identifies the project, for audit only.
	ProjectID string `koanf:"project_id"`

	// ResumeKey identifies the run across restarts. Two runs sharing a
	// resume key are one resumable run regardless of project id.
	ResumeKey string `koanf:"resume_key"`

	// MaxIterations bounds the feature loop (default 1).
	MaxIterations int `koanf:"max_iterations"`

	// GatesEnabled turns the quality-gate step on.
	GatesEnabled bool `koanf:"gates_enabled"`

	// RepoRoot is the working directory passed to the gate runner.
	RepoRoot string `koanf:"repo_root"`

	// ReviewConcurrency bounds the release-review fan-out (default 2).
	ReviewConcurrency int `koanf:"review_concurrency"`
}

// Orchestrator drives one workflow run through the phase state machine,
// persisting the run record after every state-affecting step.
type Orchestrator struct {
	config     Config
	logger     *zap.Logger
	store      checkpoint.Store
	dispatcher RoleDispatcher
	coord      *coordinator.Coordinator
	gateRunner gates.Runner

	tracer      trace.Tracer
	meter       metric.Meter
	runCounter  metric.Int64Counter
	stepCounter metric.Int64Counter

	// mu serializes steps: exactly one in-flight step mutates the run, and
	// its checkpoint write completes before the next step starts.
	mu      sync.Mutex
	run     *checkpoint.Run
	machine *Machine
}

// New creates an orchestrator for one run.
func New(cfg Config, store checkpoint.Store, dispatcher RoleDispatcher, coord *coordinator.Coordinator, gateRunner gates.Runner, logger *zap.Logger) (*Orchestrator, error) {
	if store == nil {
		return nil, errors.New("checkpoint store is required")
	}
	if dispatcher == nil {
		return nil, errors.New("role dispatcher is required")
	}
	if coord == nil {
		return nil, errors.New("coordinator is required")
	}
	if cfg.ResumeKey == "" {
		return nil, errors.New("resume key is required")
	}
	if cfg.GatesEnabled && gateRunner == nil {
		return nil, errors.New("gate runner is required when gates are enabled")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxIterations < 1 {
		cfg.MaxIterations = 1
	}
	if cfg.ReviewConcurrency < 1 {
		cfg.ReviewConcurrency = 2
	}

	o := &Orchestrator{
		config:     cfg,
		logger:     logger,
		store:      store,
		dispatcher: dispatcher,
		coord:      coord,
		gateRunner: gateRunner,
		tracer:     otel.Tracer(instrumentationName),
		meter:      otel.Meter(instrumentationName),
	}
	o.initMetrics()
	return o, nil
}

// initMetrics initializes OpenTelemetry metrics.
func (o *Orchestrator) initMetrics() {
	var err error

	o.runCounter, err = o.meter.Int64Counter(
		"fleetd.orchestrator.runs_total",
		metric.WithDescription("Total number of workflow runs executed"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		o.logger.Warn("failed to create run counter", zap.Error(err))
	}

	o.stepCounter, err = o.meter.Int64Counter(
		"fleetd.orchestrator.steps_total",
		metric.WithDescription("Workflow steps, by executed or skipped"),
		metric.WithUnit("{step}"),
	)
	if err != nil {
		o.logger.Warn("failed to create step counter", zap.Error(err))
	}
}

// Execute runs the workflow to a terminal phase and returns the report.
// Resuming a persisted run skips every completed step, so the dispatcher
// receives no calls for work that already happened. The report is returned
// even when the run fails.
func (o *Orchestrator) Execute(ctx context.Context) (*Report, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	ctx, span := o.tracer.Start(ctx, "orchestrator.execute")
	defer span.End()
	span.SetAttributes(attribute.String("resume_key", o.config.ResumeKey))

	startedAt := time.Now().UTC()
	if err := o.loadRun(ctx); err != nil {
		return o.buildReport(startedAt, err), err
	}
	o.machine = NewMachine()
	if o.runCounter != nil {
		o.runCounter.Add(ctx, 1)
	}
	o.logger.Info("workflow run starting",
		zap.String("resume_key", o.config.ResumeKey),
		zap.String("project_id", o.run.ProjectID),
		zap.Int("completed_steps", len(o.run.CompletedStepSignatures)),
	)

	runErr := o.runProtocol(ctx)
	if runErr != nil && !o.machine.Current().Terminal() {
		o.abort(ctx, runErr)
	}

	report := o.buildReport(startedAt, runErr)
	o.logger.Info("workflow run finished",
		zap.String("resume_key", o.config.ResumeKey),
		zap.String("status", string(report.Status)),
		zap.String("phase", string(report.Phase)),
	)
	return report, runErr
}

// loadRun reads the checkpoint for the resume key or starts a fresh run.
func (o *Orchestrator) loadRun(ctx context.Context) error {
	run, err := o.store.Load(ctx, o.config.ResumeKey)
	switch {
	case err == nil:
		if verr := run.Validate(); verr != nil {
			return fmt.Errorf("corrupt checkpoint for %s: %w", o.config.ResumeKey, verr)
		}
		o.run = run
	case errors.Is(err, checkpoint.ErrNotFound):
		o.run = checkpoint.NewRun(o.config.ResumeKey, o.config.ProjectID)
	default:
		return fmt.Errorf("load checkpoint %s: %w", o.config.ResumeKey, err)
	}
	return nil
}

// runProtocol executes the top-level workflow protocol. It returns an error
// only for fatal conditions: dispatch plumbing failures, persistence
// failures, or stage failures the protocol defines as aborting.
func (o *Orchestrator) runProtocol(ctx context.Context) error {
	if err := o.transition(ctx, EventStart, ""); err != nil {
		return err
	}

	foundation := []struct {
		phase Phase
		event Event
		role  string
		title string
	}{
		{PhaseDiscovery, EventDiscoveryComplete, RoleProduct, "Project discovery"},
		{PhaseArchitecture, EventArchitectureComplete, RoleCTO, "System architecture"},
		{PhaseSecurityFoundation, EventSecurityComplete, RoleSecurity, "Security baseline"},
	}
	for _, stage := range foundation {
		ok, err := o.taskStep(ctx, taskSignature(stage.phase, 0), stage.role, stage.title, nil)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%s task failed", stage.phase)
		}
		if err := o.transition(ctx, stage.event, ""); err != nil {
			return err
		}
	}

	for iteration := 1; iteration <= o.config.MaxIterations; iteration++ {
		if err := o.featureIteration(ctx, iteration); err != nil {
			return err
		}
		event, qualifier := EventFeaturesComplete, ""
		if iteration < o.config.MaxIterations {
			event, qualifier = EventNextFeature, strconv.Itoa(iteration)
		}
		if err := o.transition(ctx, event, qualifier); err != nil {
			return err
		}
	}

	if err := o.gatePhase(ctx); err != nil {
		return err
	}
	return o.releaseReview(ctx)
}

// featureIteration runs one planning, implementation and review pass.
// Implementation failure aborts the run; review rejection branches into a
// single remediation pass that is not re-validated.
func (o *Orchestrator) featureIteration(ctx context.Context, iteration int) error {
	qualifier := strconv.Itoa(iteration)
	taskContext := map[string]any{"iteration": iteration}

	if err := o.transition(ctx, EventPlanFeature, qualifier); err != nil {
		return err
	}
	ok, err := o.taskStep(ctx, taskSignature(PhaseFeaturePlanning, iteration), RoleProduct,
		fmt.Sprintf("Plan feature %d", iteration), taskContext)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("feature %d planning failed", iteration)
	}
	if err := o.transition(ctx, EventPlanComplete, qualifier); err != nil {
		return err
	}

	ok, err = o.taskStep(ctx, taskSignature(PhaseFeatureImpl, iteration), RoleEngineering,
		fmt.Sprintf("Implement feature %d", iteration), taskContext)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("feature %d implementation failed", iteration)
	}
	if err := o.transition(ctx, EventImplComplete, qualifier); err != nil {
		return err
	}

	approved, err := o.taskStep(ctx, taskSignature(PhaseFeatureReview, iteration), RoleQA,
		fmt.Sprintf("Review feature %d", iteration), taskContext)
	if err != nil {
		return err
	}
	if approved {
		return o.transition(ctx, EventReviewApproved, qualifier)
	}

	// Rejected reviews get one remediation pass and the feature proceeds
	// regardless of the remediation outcome. There is no re-review.
	if err := o.transition(ctx, EventReviewRejected, qualifier); err != nil {
		return err
	}
	if _, err := o.taskStep(ctx, taskSignature(PhaseRemediation, iteration), RoleEngineering,
		fmt.Sprintf("Remediate feature %d review findings", iteration), taskContext); err != nil {
		return err
	}
	return o.transition(ctx, EventRemediationComplete, qualifier)
}

// gatePhase runs the quality gates with one remediation and retry; a second
// failure aborts the run. Disabled gates skip straight to release review.
func (o *Orchestrator) gatePhase(ctx context.Context) error {
	if !o.config.GatesEnabled {
		return o.transition(ctx, EventGatesSkipped, "")
	}

	passed, err := o.gateStep(ctx, 1)
	if err != nil {
		return err
	}
	if passed {
		return o.transition(ctx, EventGatesPassed, "")
	}

	if err := o.transition(ctx, EventGatesFailed, ""); err != nil {
		return err
	}
	if _, err := o.taskStep(ctx, taskSignature(PhaseRemediationWork, 1), RoleEngineering,
		"Remediate quality gate failures", nil); err != nil {
		return err
	}
	if err := o.transition(ctx, EventRetryGates, ""); err != nil {
		return err
	}

	passed, err = o.gateStep(ctx, 2)
	if err != nil {
		return err
	}
	if !passed {
		return errors.New("quality gates failed after remediation")
	}
	return o.transition(ctx, EventGatesPassed, "")
}

// releaseReview fans a parallel QA and Security review out through the
// coordinator, merges the outputs, then dispatches a QA synthesis task with
// the gate pass and fail counts. Approval releases the run.
func (o *Orchestrator) releaseReview(ctx context.Context) error {
	approved, err := o.releaseReviewStep(ctx)
	if err != nil {
		return err
	}
	if err := o.transition(ctx, EventReviewSynthesized, ""); err != nil {
		return err
	}
	if approved {
		return o.transition(ctx, EventReleaseApproved, "")
	}
	return o.transition(ctx, EventReleaseRejected, "")
}

// releaseReviewStep is the release-review task step. Its cached outcome is
// the approval boolean.
func (o *Orchestrator) releaseReviewStep(ctx context.Context) (bool, error) {
	signature := taskSignature(PhaseReleaseReview, 0)
	if o.run.HasTaskStep(signature) {
		o.countStep(ctx, "skipped")
		cached, _ := o.run.StepOutcomes[signature].(bool)
		return cached, nil
	}

	passed, failed := gateCounts(o.run.GateResults)
	merged, _ := o.coord.CoordinateParallelMerged(ctx, []coordinator.AgentTask{
		o.reviewTask(RoleQA, "Release readiness review"),
		o.reviewTask(RoleSecurity, "Security release review"),
	}, o.config.ReviewConcurrency)

	taskContext := map[string]any{
		"gates_passed":  passed,
		"gates_failed":  failed,
		"merged_review": merged.Output,
	}
	approved, err := o.dispatchTask(ctx, signature, RoleQA, "Release review synthesis", taskContext)
	if err != nil {
		return false, err
	}

	// The cached outcome is the combined decision, not the synthesis result
	// alone: a resumed run must replay the same verdict.
	decision := approved && merged.AllSucceeded
	if decision != approved {
		o.run.StepOutcomes[signature] = decision
		if err := o.persist(ctx); err != nil {
			return false, err
		}
	}
	return decision, nil
}

// reviewTask wraps a role dispatch as a coordinator task producing an agent
// result the merger can fold.
func (o *Orchestrator) reviewTask(role, title string) coordinator.AgentTask {
	return coordinator.AgentTask{
		AgentID: role,
		Run: func(ctx context.Context) (any, error) {
			res, err := o.dispatcher.Dispatch(ctx, role, title, map[string]any{
				"runId": o.config.ResumeKey,
			})
			if err != nil {
				return nil, err
			}
			return merge.AgentResult{
				AgentID:   role,
				AgentName: role,
				Output:    res.Output,
				Metadata: merge.ResultMetadata{
					RunID:     o.config.ResumeKey,
					Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
					Success:   res.Success,
					Error:     res.Error,
				},
			}, nil
		},
	}
}

// transition applies an event to the state machine as a checkpointed step.
// A completed signature replays the phase movement without persisting;
// events the current phase does not accept are no-ops.
func (o *Orchestrator) transition(ctx context.Context, event Event, qualifier string) error {
	signature := "transition:" + string(event)
	if qualifier != "" {
		signature += ":" + qualifier
	}

	if o.run.HasStep(signature) {
		o.machine.Dispatch(event)
		o.countStep(ctx, "skipped")
		return nil
	}
	if !o.machine.Can(event) {
		return nil
	}

	from := o.machine.Current()
	o.machine.Dispatch(event)
	if err := o.run.CompleteStep(signature); err != nil {
		return err
	}
	o.run.PhaseIndex = o.machine.Current().Index()
	if err := o.persist(ctx); err != nil {
		return err
	}

	o.countStep(ctx, "executed")
	o.logger.Debug("phase transition",
		zap.String("event", string(event)),
		zap.String("from", string(from)),
		zap.String("to", string(o.machine.Current())),
	)
	return nil
}

// taskStep runs one role-task step with idempotent-resume semantics; the
// cached outcome is the dispatch success boolean.
func (o *Orchestrator) taskStep(ctx context.Context, signature, roleID, title string, taskContext map[string]any) (bool, error) {
	if o.run.HasTaskStep(signature) {
		o.countStep(ctx, "skipped")
		cached, _ := o.run.StepOutcomes[signature].(bool)
		return cached, nil
	}
	return o.dispatchTask(ctx, signature, roleID, title, taskContext)
}

// dispatchTask creates the task record, dispatches the role work, records
// the outcome and a broadcast message, and persists the run.
func (o *Orchestrator) dispatchTask(ctx context.Context, signature, roleID, title string, taskContext map[string]any) (bool, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.dispatch_task")
	defer span.End()
	span.SetAttributes(
		attribute.String("role", roleID),
		attribute.String("signature", signature),
	)

	if taskContext == nil {
		taskContext = map[string]any{}
	}
	taskContext["projectId"] = o.run.ProjectID
	taskContext["phase"] = string(o.machine.Current())

	task := checkpoint.Task{
		ID:        uuid.New().String(),
		Title:     title,
		RoleID:    roleID,
		Phase:     string(o.machine.Current()),
		Status:    checkpoint.TaskInProgress,
		Priority:  5,
		Payload:   taskContext,
		CreatedAt: time.Now().UTC(),
	}

	res, err := o.dispatcher.Dispatch(ctx, roleID, title, taskContext)
	if err != nil {
		return false, fmt.Errorf("dispatch %s to %s: %w", title, roleID, err)
	}

	if res.Success {
		task.Status = checkpoint.TaskCompleted
		task.Summary = outputSummary(res.Output)
	} else {
		task.Status = checkpoint.TaskFailed
		task.Summary = res.Error
		if task.Summary == "" {
			task.Summary = "task reported failure without detail"
		}
	}
	o.run.Tasks = append(o.run.Tasks, task)
	o.broadcast(roleID, task)

	if err := o.run.CompleteTaskStep(signature); err != nil {
		return false, err
	}
	o.run.StepOutcomes[signature] = res.Success
	if err := o.persist(ctx); err != nil {
		return false, err
	}

	o.countStep(ctx, "executed")
	o.logger.Info("role task resolved",
		zap.String("role", roleID),
		zap.String("title", title),
		zap.Bool("success", res.Success),
	)
	return res.Success, nil
}

// gateStep runs the full gate set once; the cached outcome is the verbatim
// gate-result array.
func (o *Orchestrator) gateStep(ctx context.Context, attempt int) (bool, error) {
	signature := fmt.Sprintf("gates:%d", attempt)
	if o.run.HasStep(signature) {
		o.countStep(ctx, "skipped")
		passed, ok := gateOutcomePassed(o.run.StepOutcomes[signature])
		if !ok {
			return false, fmt.Errorf("unreadable cached gate outcome for %s", signature)
		}
		return passed, nil
	}

	results, err := o.gateRunner.RunAll(ctx, o.config.RepoRoot)
	if err != nil {
		return false, fmt.Errorf("gate run %d: %w", attempt, err)
	}

	passed := true
	for _, r := range results {
		passed = passed && r.Passed
	}
	o.run.GateResults = results
	if passed {
		o.run.GateStatus = checkpoint.GatePassed
	} else {
		o.run.GateStatus = checkpoint.GateFailed
	}
	if err := o.run.CompleteStep(signature); err != nil {
		return false, err
	}
	o.run.StepOutcomes[signature] = results
	if err := o.persist(ctx); err != nil {
		return false, err
	}

	o.countStep(ctx, "executed")
	o.logger.Info("quality gates evaluated",
		zap.Int("attempt", attempt),
		zap.Int("gates", len(results)),
		zap.Bool("passed", passed),
	)
	return passed, nil
}

// abort drives the machine to the aborted phase and persists best-effort.
func (o *Orchestrator) abort(ctx context.Context, cause error) {
	o.machine.Dispatch(EventAbort)
	signature := "transition:" + string(EventAbort)
	if !o.run.HasStep(signature) {
		if err := o.run.CompleteStep(signature); err == nil {
			o.run.PhaseIndex = o.machine.Current().Index()
			if perr := o.persist(ctx); perr != nil {
				o.logger.Error("failed to persist abort", zap.Error(perr))
			}
		}
	}
	o.logger.Error("workflow run aborted", zap.Error(cause))
}

// broadcast appends an immutable audit message for a resolved task.
func (o *Orchestrator) broadcast(from string, task checkpoint.Task) {
	topic := "task:completed"
	if task.Status == checkpoint.TaskFailed {
		topic = "task:failed"
	}
	o.run.Messages = append(o.run.Messages, checkpoint.Message{
		ID:        uuid.New().String(),
		ThreadID:  o.run.ResumeKey,
		From:      from,
		Topic:     topic,
		Content:   fmt.Sprintf("%s: %s", task.Title, task.Summary),
		Timestamp: time.Now().UTC(),
	})
}

// persist writes the whole run record through the checkpoint store.
func (o *Orchestrator) persist(ctx context.Context) error {
	o.run.UpdatedAt = time.Now().UTC()
	if err := o.store.Save(ctx, o.run); err != nil {
		return fmt.Errorf("persist checkpoint %s: %w", o.run.ResumeKey, err)
	}
	return nil
}

// buildReport assembles the externally consumed run report.
func (o *Orchestrator) buildReport(startedAt time.Time, runErr error) *Report {
	report := &Report{
		ProjectID:  o.config.ProjectID,
		Status:     StatusFailed,
		Phase:      PhaseAborted,
		Review:     Review{Reviewer: RoleQA, Notes: []string{}},
		StartedAt:  startedAt,
		FinishedAt: time.Now().UTC(),
	}
	if o.run != nil {
		report.ProjectID = o.run.ProjectID
		report.Tasks = o.run.Tasks
		report.Messages = o.run.Messages
		report.GateResults = o.run.GateResults
		report.IterationCount = iterationCount(o.run)
	}
	if o.machine != nil {
		report.Phase = o.machine.Current()
	}

	if o.machine != nil && o.machine.Current() == PhaseReleased {
		report.Status = StatusCompleted
		report.Review.Passed = true
		passed, failed := gateCounts(report.GateResults)
		report.Review.Notes = append(report.Review.Notes,
			fmt.Sprintf("quality gates: %d passed, %d failed", passed, failed))
	} else if runErr != nil {
		report.Review.Notes = append(report.Review.Notes, runErr.Error())
	} else {
		report.Review.Notes = append(report.Review.Notes, "release review rejected")
	}
	return report
}

// iterationCount derives completed feature iterations from the planning
// task signatures, so resumed runs report the same count.
func iterationCount(run *checkpoint.Run) int {
	prefix := taskSignaturePrefix(PhaseFeaturePlanning)
	count := 0
	for _, sig := range run.CompletedTaskSignatures {
		if len(sig) > len(prefix) && sig[:len(prefix)] == prefix {
			count++
		}
	}
	return count
}

// gateCounts tallies passed and failed results.
func gateCounts(results []checkpoint.GateResult) (passed, failed int) {
	for _, r := range results {
		if r.Passed {
			passed++
		} else {
			failed++
		}
	}
	return passed, failed
}

// gateOutcomePassed evaluates a cached gate outcome, which is either the
// typed result slice from this process or its JSON-decoded form after a
// restart.
func gateOutcomePassed(outcome any) (passed, ok bool) {
	switch results := outcome.(type) {
	case []checkpoint.GateResult:
		for _, r := range results {
			if !r.Passed {
				return false, true
			}
		}
		return true, true
	case []any:
		for _, item := range results {
			m, isMap := item.(map[string]any)
			if !isMap {
				return false, false
			}
			if p, _ := m["passed"].(bool); !p {
				return false, true
			}
		}
		return true, true
	default:
		return false, false
	}
}

// taskSignature builds the stable signature for a role-task step.
func taskSignature(phase Phase, iteration int) string {
	return fmt.Sprintf("task:%s:%d", phase, iteration)
}

func taskSignaturePrefix(phase Phase) string {
	return fmt.Sprintf("task:%s:", phase)
}

func (o *Orchestrator) countStep(ctx context.Context, disposition string) {
	if o.stepCounter != nil {
		o.stepCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("disposition", disposition),
		))
	}
}

// outputSummary extracts a short human summary from a dispatch output.
func outputSummary(output map[string]any) string {
	if s, ok := output["summary"].(string); ok && s != "" {
		return s
	}
	return "completed"
}
