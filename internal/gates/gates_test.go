package gates

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/fleetd/internal/checkpoint"
)

func TestNewCommandRunnerValidation(t *testing.T) {
	_, err := NewCommandRunner([]Gate{{Name: "", Command: "true"}}, nil)
	require.Error(t, err)

	_, err = NewCommandRunner([]Gate{{Name: "build", Command: ""}}, nil)
	require.Error(t, err)

	runner, err := NewCommandRunner(nil, nil)
	require.NoError(t, err)

	results, err := runner.RunAll(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestRunAllRecordsOutcomes(t *testing.T) {
	runner, err := NewCommandRunner([]Gate{
		{Name: "echo", Command: "echo hello"},
		{Name: "fail", Command: "echo broken >&2; exit 3"},
		{Name: "after-fail", Command: "true"},
	}, nil)
	require.NoError(t, err)

	results, err := runner.RunAll(context.Background(), t.TempDir())
	require.NoError(t, err)
	require.Len(t, results, 3, "a failing gate must not stop the set")

	assert.True(t, results[0].Passed)
	assert.Equal(t, 0, results[0].ExitCode)
	assert.Equal(t, "hello\n", results[0].Output)

	assert.False(t, results[1].Passed)
	assert.Equal(t, 3, results[1].ExitCode)
	assert.Contains(t, results[1].Output, "broken")

	assert.True(t, results[2].Passed)
}

func TestRunAllRunsInRepoRoot(t *testing.T) {
	dir := t.TempDir()
	runner, err := NewCommandRunner([]Gate{{Name: "pwd", Command: "pwd"}}, nil)
	require.NoError(t, err)

	results, err := runner.RunAll(context.Background(), dir)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, dir, strings.TrimSpace(results[0].Output))
}

func TestRunAllGateTimeout(t *testing.T) {
	runner, err := NewCommandRunner([]Gate{
		{Name: "slow", Command: "sleep 5", Timeout: 50 * time.Millisecond},
	}, nil)
	require.NoError(t, err)

	start := time.Now()
	results, err := runner.RunAll(context.Background(), t.TempDir())
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.False(t, results[0].Passed)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRunAllHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	runner, err := NewCommandRunner([]Gate{{Name: "noop", Command: "true"}}, nil)
	require.NoError(t, err)

	results, err := runner.RunAll(ctx, t.TempDir())
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, results)
}

func TestRunnerFunc(t *testing.T) {
	called := false
	fn := RunnerFunc(func(_ context.Context, _ string) ([]checkpoint.GateResult, error) {
		called = true
		return nil, nil
	})
	_, err := fn.RunAll(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, called)
}
