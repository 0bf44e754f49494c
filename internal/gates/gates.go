package gates

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/fleetd/internal/checkpoint"
)

// DefaultTimeout bounds a single gate command when no timeout is configured.
const DefaultTimeout = 5 * time.Minute

// maxOutputBytes caps the captured output stored per gate result.
const maxOutputBytes = 64 * 1024

// Gate is one named quality-gate command.
type Gate struct {
	Name    string        `koanf:"name"`
	Command string        `koanf:"command"`
	Timeout time.Duration `koanf:"timeout"`
}

// Runner executes the full gate set against a repository root.
type Runner interface {
	RunAll(ctx context.Context, repoRoot string) ([]checkpoint.GateResult, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, repoRoot string) ([]checkpoint.GateResult, error)

// RunAll calls fn.
func (fn RunnerFunc) RunAll(ctx context.Context, repoRoot string) ([]checkpoint.GateResult, error) {
	return fn(ctx, repoRoot)
}

// CommandRunner runs each gate as a shell command in the repository root.
type CommandRunner struct {
	gates  []Gate
	logger *zap.Logger
}

// NewCommandRunner creates a runner over the given gate set.
func NewCommandRunner(gateSet []Gate, logger *zap.Logger) (*CommandRunner, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, g := range gateSet {
		if g.Name == "" {
			return nil, errors.New("gate name is required")
		}
		if g.Command == "" {
			return nil, errors.New("gate command is required")
		}
	}
	return &CommandRunner{
		gates:  append([]Gate(nil), gateSet...),
		logger: logger,
	}, nil
}

// RunAll executes every configured gate in order. A failing gate does not
// stop the set; the caller decides what a partial pass means. The returned
// error reports only infrastructure problems such as context cancellation,
// never a gate failure.
func (r *CommandRunner) RunAll(ctx context.Context, repoRoot string) ([]checkpoint.GateResult, error) {
	results := make([]checkpoint.GateResult, 0, len(r.gates))
	for _, gate := range r.gates {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		result := r.runGate(ctx, repoRoot, gate)
		r.logger.Info("quality gate finished",
			zap.String("gate", result.Name),
			zap.Bool("passed", result.Passed),
			zap.Int("exit_code", result.ExitCode),
		)
		results = append(results, result)
	}
	return results, nil
}

func (r *CommandRunner) runGate(ctx context.Context, repoRoot string, gate Gate) checkpoint.GateResult {
	timeout := gate.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	gateCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(gateCtx, "sh", "-c", gate.Command)
	cmd.Dir = repoRoot

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	result := checkpoint.GateResult{
		Name:    gate.Name,
		Command: gate.Command,
		Passed:  err == nil,
		Output:  truncate(buf.String()),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = -1
			result.Output = truncate(result.Output + "\n" + err.Error())
		}
	}
	return result
}

func truncate(s string) string {
	if len(s) <= maxOutputBytes {
		return s
	}
	return s[:maxOutputBytes]
}
