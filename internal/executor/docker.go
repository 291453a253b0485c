package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// dockerRunner launches the agent inside an ephemeral, network-isolated
// container, used in SecurityRestricted mode, following the same shape
// as DockerSandbox (internal/tools/docker.go), generalized to
// bind-mount the task's scratch directory and run the agent binary
// instead of an arbitrary shell command.
type dockerRunner struct {
	client      *client.Client
	image       string
	memoryMB    int64
	networkMode string
	command     []string
}

func (r *dockerRunner) Run(ctx context.Context, taskID int64, workDir string, env []string, promptText string, onEvent func(streamEvent)) (string, error) {
	args := append(append([]string{}, r.command...), promptText)

	resp, err := r.client.ContainerCreate(ctx, &container.Config{
		Image:      r.image,
		Cmd:        args,
		Env:        env,
		WorkingDir: "/workspace",
		Tty:        false,
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory: r.memoryMB * 1024 * 1024,
		},
		NetworkMode: container.NetworkMode(r.networkMode),
		Binds:       []string{fmt.Sprintf("%s:/workspace", workDir)},
		AutoRemove:  true,
	}, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	containerID := resp.ID

	if err := r.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("start container: %w", err)
	}

	statusCh, errCh := r.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)

	logs, err := r.client.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true, Follow: true})
	if err != nil {
		return "", fmt.Errorf("container logs: %w", err)
	}
	defer logs.Close()

	var stderrBuf bytes.Buffer
	stdoutR, stdoutW := io.Pipe()
	go func() {
		_, copyErr := stdcopy.StdCopy(stdoutW, &stderrBuf, logs)
		stdoutW.CloseWithError(copyErr)
	}()
	result, sawResult := scanStream(stdoutR, onEvent)

	var waitErr error
	select {
	case err := <-errCh:
		waitErr = fmt.Errorf("wait container: %w", err)
	case <-statusCh:
	case <-ctx.Done():
		_ = r.client.ContainerKill(context.Background(), containerID, "SIGKILL")
		waitErr = ctx.Err()
	}

	return resolveResult(taskID, result, sawResult, workDir, stderrBuf.String(), waitErr, ctx.Err())
}
