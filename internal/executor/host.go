package executor

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
)

// hostRunner launches the agent as a direct host subprocess, used in
// SecurityPermissive mode, following the same shape as a HostExecutor
// (internal/tools/shell.go), generalized from a shell-command tool to
// the agent binary itself.
type hostRunner struct {
	command []string
}

func (r *hostRunner) Run(ctx context.Context, taskID int64, workDir string, env []string, promptText string, onEvent func(streamEvent)) (string, error) {
	args := append(append([]string{}, r.command[1:]...), promptText)
	cmd := exec.CommandContext(ctx, r.command[0], args...)
	cmd.Dir = workDir
	cmd.Env = env

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("stdout pipe: %w", err)
	}
	var stderrBuf bytes.Buffer
	cmd.Stderr = &stderrBuf

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start agent: %w", err)
	}

	result, sawResult := scanStream(stdout, onEvent)
	waitErr := cmd.Wait()

	return resolveResult(taskID, result, sawResult, workDir, stderrBuf.String(), waitErr, ctx.Err())
}
