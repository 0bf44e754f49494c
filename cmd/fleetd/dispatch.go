package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/fleetd/internal/orchestrator"
)

// execDispatcher performs role work by running a configured shell command
// per role. The task is written to the command's stdin as JSON; a zero exit
// reports success and stdout becomes the task output. Deployments that
// drive agents differently replace this at the RoleDispatcher seam.
type execDispatcher struct {
	commands map[string]string
	workDir  string
	logger   *zap.Logger
}

// dispatchInput is the JSON handed to a role command on stdin.
type dispatchInput struct {
	RoleID  string         `json:"role_id"`
	Task    string         `json:"task"`
	Context map[string]any `json:"context,omitempty"`
}

func newExecDispatcher(commands map[string]string, workDir string, logger *zap.Logger) *execDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &execDispatcher{
		commands: commands,
		workDir:  workDir,
		logger:   logger,
	}
}

// Dispatch runs the role's command. A missing command for the role falls
// back to the "default" command; with neither, the dispatch fails rather
// than silently succeeding.
func (d *execDispatcher) Dispatch(ctx context.Context, roleID, taskText string, taskContext map[string]any) (*orchestrator.DispatchResult, error) {
	command, ok := d.commands[roleID]
	if !ok {
		command, ok = d.commands["default"]
	}
	if !ok || command == "" {
		return &orchestrator.DispatchResult{
			Success: false,
			Error:   fmt.Sprintf("no command configured for role %s", roleID),
		}, nil
	}

	input, err := json.Marshal(dispatchInput{
		RoleID:  roleID,
		Task:    taskText,
		Context: taskContext,
	})
	if err != nil {
		return nil, fmt.Errorf("encode dispatch input: %w", err)
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = d.workDir
	cmd.Stdin = bytes.NewReader(input)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	d.logger.Debug("role command finished",
		zap.String("role", roleID),
		zap.String("task", taskText),
		zap.Bool("success", runErr == nil),
	)

	if runErr != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = runErr.Error()
		}
		return &orchestrator.DispatchResult{Success: false, Error: detail}, nil
	}

	return &orchestrator.DispatchResult{
		Success: true,
		Output:  parseOutput(stdout.Bytes()),
	}, nil
}

// parseOutput decodes the command's stdout as a JSON object, falling back
// to wrapping plain text as a summary.
func parseOutput(raw []byte) map[string]any {
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err == nil && out != nil {
		return out
	}
	text := strings.TrimSpace(string(raw))
	if text == "" {
		text = "completed"
	}
	return map[string]any{"summary": text}
}
