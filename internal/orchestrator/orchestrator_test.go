package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/fleetd/internal/blackboard"
	"github.com/fyrsmithlabs/fleetd/internal/bus"
	"github.com/fyrsmithlabs/fleetd/internal/checkpoint"
	"github.com/fyrsmithlabs/fleetd/internal/coordinator"
	"github.com/fyrsmithlabs/fleetd/internal/gates"
)

// scriptedDispatcher records every dispatch and fails tasks whose title is
// scripted to fail.
type scriptedDispatcher struct {
	mu        sync.Mutex
	calls     []string
	failTitle map[string]bool
	errTitle  map[string]error
}

func newScriptedDispatcher() *scriptedDispatcher {
	return &scriptedDispatcher{
		failTitle: make(map[string]bool),
		errTitle:  make(map[string]error),
	}
}

func (d *scriptedDispatcher) Dispatch(_ context.Context, roleID, taskText string, _ map[string]any) (*DispatchResult, error) {
	d.mu.Lock()
	d.calls = append(d.calls, roleID+"|"+taskText)
	failed := d.failTitle[taskText]
	err := d.errTitle[taskText]
	d.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if failed {
		return &DispatchResult{Success: false, Error: "scripted failure: " + taskText}, nil
	}
	return &DispatchResult{
		Success: true,
		Output:  map[string]any{"summary": "done: " + taskText},
	}, nil
}

func (d *scriptedDispatcher) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

func newTestCoordinator(t *testing.T) *coordinator.Coordinator {
	t.Helper()
	coord, err := coordinator.New(coordinator.DefaultConfig(), bus.New(zap.NewNop()), blackboard.New(), nil, zap.NewNop())
	require.NoError(t, err)
	return coord
}

func newTestOrchestrator(t *testing.T, cfg Config, store checkpoint.Store, dispatcher RoleDispatcher, gateRunner gates.Runner) *Orchestrator {
	t.Helper()
	o, err := New(cfg, store, dispatcher, newTestCoordinator(t), gateRunner, zap.NewNop())
	require.NoError(t, err)
	return o
}

func tasksByPhase(tasks []checkpoint.Task, phase Phase) []checkpoint.Task {
	var out []checkpoint.Task
	for _, task := range tasks {
		if task.Phase == string(phase) {
			out = append(out, task)
		}
	}
	return out
}

func TestNewValidation(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	dispatcher := newScriptedDispatcher()
	coord := newTestCoordinator(t)

	_, err := New(Config{ResumeKey: "r"}, nil, dispatcher, coord, nil, nil)
	require.Error(t, err)

	_, err = New(Config{ResumeKey: "r"}, store, nil, coord, nil, nil)
	require.Error(t, err)

	_, err = New(Config{}, store, dispatcher, coord, nil, nil)
	require.Error(t, err, "resume key is required")

	_, err = New(Config{ResumeKey: "r", GatesEnabled: true}, store, dispatcher, coord, nil, nil)
	require.Error(t, err, "gates enabled without a runner")
}

func TestSingleIterationRunCompletes(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	dispatcher := newScriptedDispatcher()
	o := newTestOrchestrator(t, Config{
		ProjectID:     "proj-1",
		ResumeKey:     "run-1",
		MaxIterations: 1,
	}, store, dispatcher, nil)

	report, err := o.Execute(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, report.Status)
	assert.Equal(t, PhaseReleased, report.Phase)
	assert.Equal(t, 1, report.IterationCount)
	assert.True(t, report.Review.Passed)
	assert.NotEmpty(t, report.Messages)

	assert.Len(t, tasksByPhase(report.Tasks, PhaseFeaturePlanning), 1)
	assert.Len(t, tasksByPhase(report.Tasks, PhaseFeatureImpl), 1)
	assert.Len(t, tasksByPhase(report.Tasks, PhaseFeatureReview), 1)
}

func TestResumeSkipsCompletedSteps(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	dispatcher := newScriptedDispatcher()
	cfg := Config{ProjectID: "proj-1", ResumeKey: "run-1", MaxIterations: 2}

	first := newTestOrchestrator(t, cfg, store, dispatcher, nil)
	firstReport, err := first.Execute(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, firstReport.Status)
	callsAfterFirst := dispatcher.callCount()

	second := newTestOrchestrator(t, cfg, store, dispatcher, nil)
	secondReport, err := second.Execute(context.Background())
	require.NoError(t, err)

	assert.Equal(t, callsAfterFirst, dispatcher.callCount(), "resume must not re-dispatch")
	assert.Equal(t, StatusCompleted, secondReport.Status)
	assert.Equal(t, PhaseReleased, secondReport.Phase)
	assert.Equal(t, firstReport.IterationCount, secondReport.IterationCount)

	firstTasks, err := json.Marshal(firstReport.Tasks)
	require.NoError(t, err)
	secondTasks, err := json.Marshal(secondReport.Tasks)
	require.NoError(t, err)
	assert.JSONEq(t, string(firstTasks), string(secondTasks))

	firstMessages, err := json.Marshal(firstReport.Messages)
	require.NoError(t, err)
	secondMessages, err := json.Marshal(secondReport.Messages)
	require.NoError(t, err)
	assert.JSONEq(t, string(firstMessages), string(secondMessages))
}

func TestSharedResumeKeyIsOneRun(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	dispatcher := newScriptedDispatcher()

	first := newTestOrchestrator(t, Config{ProjectID: "proj-a", ResumeKey: "shared"}, store, dispatcher, nil)
	_, err := first.Execute(context.Background())
	require.NoError(t, err)
	callsAfterFirst := dispatcher.callCount()

	second := newTestOrchestrator(t, Config{ProjectID: "proj-b", ResumeKey: "shared"}, store, dispatcher, nil)
	report, err := second.Execute(context.Background())
	require.NoError(t, err)

	assert.Equal(t, callsAfterFirst, dispatcher.callCount(), "same resume key means one run")
	assert.Equal(t, "proj-a", report.ProjectID, "the persisted run's project wins")
}

func TestImplementationFailureAbortsRun(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	dispatcher := newScriptedDispatcher()
	dispatcher.failTitle["Implement feature 1"] = true

	o := newTestOrchestrator(t, Config{ProjectID: "proj-1", ResumeKey: "run-1"}, store, dispatcher, nil)
	report, err := o.Execute(context.Background())
	require.Error(t, err)

	assert.Equal(t, StatusFailed, report.Status)
	assert.Equal(t, PhaseAborted, report.Phase)
	assert.NotEmpty(t, report.Review.Notes)

	implTasks := tasksByPhase(report.Tasks, PhaseFeatureImpl)
	require.Len(t, implTasks, 1)
	assert.Equal(t, checkpoint.TaskFailed, implTasks[0].Status)
	assert.NotEmpty(t, implTasks[0].Summary)

	assert.Empty(t, tasksByPhase(report.Tasks, PhaseFeatureReview), "no review after aborted implementation")
}

func TestReviewRejectionRunsOneRemediationPass(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	dispatcher := newScriptedDispatcher()
	dispatcher.failTitle["Review feature 1"] = true

	o := newTestOrchestrator(t, Config{ProjectID: "proj-1", ResumeKey: "run-1"}, store, dispatcher, nil)
	report, err := o.Execute(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, report.Status, "rejected review remediates and proceeds")
	remediation := tasksByPhase(report.Tasks, PhaseRemediation)
	require.Len(t, remediation, 1)
	assert.Equal(t, RoleEngineering, remediation[0].RoleID)
	assert.Len(t, tasksByPhase(report.Tasks, PhaseFeatureReview), 1, "remediation is not re-reviewed")
}

func TestDispatchErrorAbortsRun(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	dispatcher := newScriptedDispatcher()
	dispatcher.errTitle["System architecture"] = errors.New("transport down")

	o := newTestOrchestrator(t, Config{ProjectID: "proj-1", ResumeKey: "run-1"}, store, dispatcher, nil)
	report, err := o.Execute(context.Background())
	require.Error(t, err)

	assert.Equal(t, StatusFailed, report.Status)
	assert.Equal(t, PhaseAborted, report.Phase)
	require.NotEmpty(t, report.Review.Notes)
	assert.Contains(t, report.Review.Notes[0], "transport down")
}

// scriptedGates returns scripted pass/fail outcomes per attempt and counts
// invocations.
type scriptedGates struct {
	mu       sync.Mutex
	attempts int
	passOn   map[int]bool
}

func (g *scriptedGates) RunAll(context.Context, string) ([]checkpoint.GateResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.attempts++
	return []checkpoint.GateResult{
		{Name: "build", Command: "make build", Passed: true},
		{Name: "test", Command: "make test", Passed: g.passOn[g.attempts]},
	}, nil
}

func (g *scriptedGates) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.attempts
}

func TestGatesPassReleasesRun(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	dispatcher := newScriptedDispatcher()
	runner := &scriptedGates{passOn: map[int]bool{1: true}}

	o := newTestOrchestrator(t, Config{
		ProjectID:    "proj-1",
		ResumeKey:    "run-1",
		GatesEnabled: true,
	}, store, dispatcher, runner)

	report, err := o.Execute(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, report.Status)
	assert.Equal(t, 1, runner.count())
	require.Len(t, report.GateResults, 2)
	assert.Contains(t, report.Review.Notes[0], "2 passed, 0 failed")
}

func TestGateFailureRemediatesAndRetriesOnce(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	dispatcher := newScriptedDispatcher()
	runner := &scriptedGates{passOn: map[int]bool{2: true}}

	o := newTestOrchestrator(t, Config{
		ProjectID:    "proj-1",
		ResumeKey:    "run-1",
		GatesEnabled: true,
	}, store, dispatcher, runner)

	report, err := o.Execute(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, report.Status)
	assert.Equal(t, 2, runner.count())
	assert.Len(t, tasksByPhase(report.Tasks, PhaseRemediationWork), 1)
}

func TestSecondGateFailureAbortsRun(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	dispatcher := newScriptedDispatcher()
	runner := &scriptedGates{passOn: map[int]bool{}}

	o := newTestOrchestrator(t, Config{
		ProjectID:    "proj-1",
		ResumeKey:    "run-1",
		GatesEnabled: true,
	}, store, dispatcher, runner)

	report, err := o.Execute(context.Background())
	require.Error(t, err)

	assert.Equal(t, StatusFailed, report.Status)
	assert.Equal(t, PhaseAborted, report.Phase)
	assert.Equal(t, 2, runner.count(), "exactly one retry")
}

func TestResumeSkipsGateRuns(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	dispatcher := newScriptedDispatcher()
	runner := &scriptedGates{passOn: map[int]bool{1: true}}
	cfg := Config{ProjectID: "proj-1", ResumeKey: "run-1", GatesEnabled: true}

	first := newTestOrchestrator(t, cfg, store, dispatcher, runner)
	_, err := first.Execute(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, runner.count())

	second := newTestOrchestrator(t, cfg, store, dispatcher, runner)
	report, err := second.Execute(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, runner.count(), "resume must not re-run shell gates")
	assert.Equal(t, StatusCompleted, report.Status)
}

// failingStore passes saves through until a scripted save fails.
type failingStore struct {
	checkpoint.Store
	failAfter int
	saves     int
}

func (s *failingStore) Save(ctx context.Context, run *checkpoint.Run) error {
	s.saves++
	if s.saves > s.failAfter {
		return errors.New("disk full")
	}
	return s.Store.Save(ctx, run)
}

func TestFailedSecurityReviewRejectsRelease(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	dispatcher := newScriptedDispatcher()
	dispatcher.failTitle["Security release review"] = true
	cfg := Config{ProjectID: "proj-1", ResumeKey: "run-reject", MaxIterations: 1}

	o := newTestOrchestrator(t, cfg, store, dispatcher, nil)
	report, err := o.Execute(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, report.Status)
	assert.Equal(t, PhaseAborted, report.Phase)
	assert.False(t, report.Review.Passed)
	assert.Contains(t, report.Review.Notes, "release review rejected")

	run, err := store.Load(context.Background(), "run-reject")
	require.NoError(t, err)
	outcome, ok := run.StepOutcomes["task:release_review:0"].(bool)
	require.True(t, ok)
	assert.False(t, outcome, "cached outcome must carry the rejection")
}

func TestResumeReplaysReleaseRejection(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	dispatcher := newScriptedDispatcher()
	dispatcher.failTitle["Security release review"] = true
	cfg := Config{ProjectID: "proj-1", ResumeKey: "run-reject-resume", MaxIterations: 1}

	first := newTestOrchestrator(t, cfg, store, dispatcher, nil)
	firstReport, err := first.Execute(context.Background())
	require.NoError(t, err)
	require.Equal(t, PhaseAborted, firstReport.Phase)

	// The resumed dispatcher would approve everything; the replay must
	// still end rejected without re-dispatching.
	resumedDispatcher := newScriptedDispatcher()
	second := newTestOrchestrator(t, cfg, store, resumedDispatcher, nil)
	secondReport, err := second.Execute(context.Background())
	require.NoError(t, err)

	assert.Zero(t, resumedDispatcher.callCount())
	assert.Equal(t, StatusFailed, secondReport.Status)
	assert.Equal(t, PhaseAborted, secondReport.Phase)
	assert.False(t, secondReport.Review.Passed)
	assert.Contains(t, secondReport.Review.Notes, "release review rejected")
}

func TestPersistenceFailureIsFatal(t *testing.T) {
	store := &failingStore{Store: checkpoint.NewMemoryStore(), failAfter: 3}
	dispatcher := newScriptedDispatcher()

	o := newTestOrchestrator(t, Config{ProjectID: "proj-1", ResumeKey: "run-1"}, store, dispatcher, nil)
	report, err := o.Execute(context.Background())
	require.Error(t, err)

	assert.Equal(t, StatusFailed, report.Status)
	require.NotEmpty(t, report.Review.Notes)
	assert.Contains(t, report.Review.Notes[0], "disk full")
}

func TestReportIsStableJSON(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	dispatcher := newScriptedDispatcher()
	o := newTestOrchestrator(t, Config{ProjectID: "proj-1", ResumeKey: "run-1"}, store, dispatcher, nil)

	report, err := o.Execute(context.Background())
	require.NoError(t, err)

	raw, err := json.Marshal(report)
	require.NoError(t, err)

	var decoded Report
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, report.Status, decoded.Status)
	assert.Equal(t, report.Phase, decoded.Phase)
	assert.Len(t, decoded.Tasks, len(report.Tasks))
}
