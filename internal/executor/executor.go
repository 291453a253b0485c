// Package executor launches the external agent as a subprocess (C7):
// it builds the per-task environment and working directory, invokes the
// agent binary with the built prompt as its positional argument, and
// resolves the run's outcome from its stream of line-delimited JSON
// events, following the same shape as a HostExecutor/
// DockerSandbox split (host exec.CommandContext for permissive mode,
// github.com/docker/docker for restricted mode), generalized from a
// tool-call executor to the task-level agent executor spec.md §4.7
// describes.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/client"

	"github.com/stefankubicki/istota/internal/audit"
	"github.com/stefankubicki/istota/internal/policy"
	"github.com/stefankubicki/istota/internal/prompt"
	"github.com/stefankubicki/istota/internal/safety"
	"github.com/stefankubicki/istota/internal/store"
)

// SecurityMode controls how much of the host the agent subprocess sees.
type SecurityMode string

// Mode selects how stream events are surfaced while the subprocess runs.
type Mode string

const (
	// ModeSimple waits for the subprocess to finish; tool-use/text events
	// are still parsed for actions_taken and cancellation polling but not
	// logged as progress.
	ModeSimple Mode = "simple"
	// ModeStreaming additionally logs `text` progress events as they
	// arrive, for a deployment that tails the daemon log for live status.
	ModeStreaming Mode = "streaming"
)

const (
	// SecurityRestricted runs the agent inside an ephemeral Docker
	// container with no inherited environment.
	SecurityRestricted SecurityMode = "restricted"
	// SecurityPermissive runs the agent as a host subprocess inheriting
	// the parent environment minus credential-named variables.
	SecurityPermissive SecurityMode = "permissive"
)

const (
	defaultTaskTimeout = 30 * time.Minute
	maxAPIRetries      = 3
	apiRetryDelay      = 5 * time.Second
)

// Config controls how the Executor launches the agent subprocess.
type Config struct {
	SecurityMode SecurityMode
	Mode         Mode // default ModeSimple

	// AgentCommand is the binary and leading arguments; the built prompt
	// is appended as the final positional argument.
	AgentCommand []string

	ScratchRoot string // shared root; per-task directories are scratchRoot/task_<id>
	DBPath      string // exposed to the subprocess as ISTOTA_DB_PATH

	TaskTimeout time.Duration // default 30m, per task_timeout_minutes

	DockerImage       string
	DockerMemoryMB    int64
	DockerNetworkMode string

	// CredentialEnvNames lists environment variable names stripped in
	// permissive mode (API keys, tokens); restricted mode strips the
	// entire inherited environment regardless of this list.
	CredentialEnvNames []string

	// AllowedTools is passed as --allowedTools to the agent binary in
	// restricted mode, per spec.md §6's mode-flag contract.
	AllowedTools []string
}

func (c *Config) setDefaults() {
	if c.Mode == "" {
		c.Mode = ModeSimple
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = defaultTaskTimeout
	}
	if c.ScratchRoot == "" {
		c.ScratchRoot = os.TempDir()
	}
	if c.DockerImage == "" {
		c.DockerImage = "golang:alpine"
	}
	if c.DockerMemoryMB <= 0 {
		c.DockerMemoryMB = 512
	}
	if c.DockerNetworkMode == "" {
		c.DockerNetworkMode = "none"
	}
	if len(c.AgentCommand) == 0 {
		c.AgentCommand = []string{"istota-agent"}
	}
}

// subprocessRunner abstracts the two launch strategies so Executor can
// retry without caring which one is active.
type subprocessRunner interface {
	Run(ctx context.Context, taskID int64, workDir string, env []string, prompt string, onEvent func(streamEvent)) (result string, err error)
}

// Executor implements worker.Processor: it builds the prompt, runs the
// agent subprocess, and resolves its outcome.
type Executor struct {
	config    Config
	store     *store.Store
	builder   *prompt.Builder
	logger    *slog.Logger
	runner    subprocessRunner
	sanitizer *safety.Sanitizer
	leaks     *safety.LeakDetector
	toolGate  policy.Policy

	dockerCli *client.Client
}

// New constructs an Executor. When cfg.SecurityMode is SecurityRestricted
// a Docker client is opened eagerly so a misconfigured daemon fails at
// startup rather than on the first task.
func New(cfg Config, st *store.Store, builder *prompt.Builder, logger *slog.Logger) (*Executor, error) {
	cfg.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	e := &Executor{
		config:    cfg,
		store:     st,
		builder:   builder,
		logger:    logger,
		sanitizer: safety.NewSanitizer(),
		leaks:     safety.NewLeakDetector(),
		toolGate:  policy.Policy{AllowCapabilities: cfg.AllowedTools},
	}

	if cfg.SecurityMode == SecurityRestricted {
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return nil, fmt.Errorf("docker client: %w", err)
		}
		e.dockerCli = cli
		command := cfg.AgentCommand
		if len(cfg.AllowedTools) > 0 {
			command = append(append([]string{}, command...), "--allowedTools", strings.Join(cfg.AllowedTools, ","))
		}
		e.runner = &dockerRunner{
			client:      cli,
			image:       cfg.DockerImage,
			memoryMB:    cfg.DockerMemoryMB,
			networkMode: cfg.DockerNetworkMode,
			command:     command,
		}
	} else {
		e.runner = &hostRunner{command: cfg.AgentCommand}
	}

	return e, nil
}

// Close releases the Docker client, if one was opened.
func (e *Executor) Close() error {
	if e.dockerCli != nil {
		return e.dockerCli.Close()
	}
	return nil
}

// Process implements worker.Processor. It builds the prompt, prepares a
// private scratch directory, and runs the subprocess, retrying transient
// upstream API errors internally up to maxAPIRetries times without
// reporting them to the caller's attempt budget.
func (e *Executor) Process(ctx context.Context, task store.Task) (result string, actionsTakenJSON string, err error) {
	if task.Prompt != "" {
		if check := e.sanitizer.Check(task.Prompt); check.Action != safety.ActionAllow {
			audit.Record(actionLabel(check.Action), "executor.prompt", check.Reason, "", task.UserID)
			if blockErr := check.MustAllow(); blockErr != nil {
				return "", "", blockErr
			}
		}
	}

	promptText, err := e.builder.Build(ctx, task)
	if err != nil {
		return "", "", fmt.Errorf("build prompt: %w", err)
	}

	workDir := filepath.Join(e.config.ScratchRoot, fmt.Sprintf("task_%d", task.ID))
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return "", "", fmt.Errorf("create scratch dir: %w", err)
	}

	env := e.buildEnv(task, workDir)

	var actions []actionEvent
	var lastErr error

	for attempt := 0; attempt <= maxAPIRetries; attempt++ {
		if cancelled, _ := e.store.IsTaskCancelled(ctx, task.ID); cancelled {
			return "", "", fmt.Errorf("task cancelled")
		}

		runCtx, cancel := context.WithTimeout(ctx, e.config.TaskTimeout)
		actions = nil
		out, runErr := e.runner.Run(runCtx, task.ID, workDir, env, promptText, func(ev streamEvent) {
			switch ev.Type {
			case eventTypeToolUse:
				if len(e.config.AllowedTools) > 0 && !e.toolGate.AllowCapability(ev.Tool) {
					audit.Record("deny", "executor.tool_use", "tool not in allowed_tools", e.toolGate.PolicyVersion(), task.UserID)
					cancel()
					break
				}
				actions = append(actions, actionEvent{Tool: ev.Tool, Input: ev.Input})
			case eventTypeText:
				if e.config.Mode == ModeStreaming && ev.Text != "" {
					e.logger.Info("agent progress", "task_id", task.ID, "text", ev.Text)
				}
			}
			if cancelled, _ := e.store.IsTaskCancelled(ctx, task.ID); cancelled {
				cancel()
			}
		})
		cancel()

		if cancelledAfterRun, _ := e.store.IsTaskCancelled(ctx, task.ID); cancelledAfterRun {
			return "", "", fmt.Errorf("task cancelled")
		}

		if runErr == nil {
			for _, w := range e.leaks.Scan(out) {
				audit.Record("warn", "executor.result", fmt.Sprintf("possible %s in agent output", w.Pattern), "", task.UserID)
			}
			actionsJSON, encErr := encodeActions(actions)
			if encErr != nil {
				return "", "", fmt.Errorf("encode actions taken: %w", encErr)
			}
			return out, actionsJSON, nil
		}

		status, transient := classifyTransient(runErr.Error())
		if !transient || attempt == maxAPIRetries {
			lastErr = runErr
			break
		}
		e.logger.Warn("transient upstream error, retrying", "task_id", task.ID, "attempt", attempt+1, "status", status)
		select {
		case <-ctx.Done():
			return "", "", ctx.Err()
		case <-time.After(apiRetryDelay):
		}
	}

	if _, transient := classifyTransient(lastErr.Error()); transient {
		return "", "", fmt.Errorf("executor: upstream unavailable after %d retries: %s", maxAPIRetries, lastErr.Error())
	}
	return "", "", lastErr
}

func actionLabel(a safety.Action) string {
	if a == safety.ActionBlock {
		return "deny"
	}
	return "warn"
}
