// Package doctor runs startup diagnostics for the istota daemon, backing
// the `doctor` CLI subcommand (spec.md §6): agent binary resolvable,
// database reachable, home directory writable, and (when configured)
// a sandbox runtime present, against an external-agent-subprocess
// model rather than a single in-process LLM provider.
package doctor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/stefankubicki/istota/internal/config"
	"github.com/stefankubicki/istota/internal/store"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes every diagnostic check against the loaded config.
func Run(ctx context.Context, cfg config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, config.Config) CheckResult{
		checkConfig,
		checkDatabase,
		checkHomeDirWritable,
		checkAgentCommand,
		checkSandboxRuntime,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg config.Config) CheckResult {
	if cfg.NeedsGenesis {
		return CheckResult{Name: "Config", Status: "WARN", Message: "config.yaml missing, running on defaults"}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("loaded from %s", cfg.HomeDir)}
}

func checkDatabase(ctx context.Context, cfg config.Config) CheckResult {
	st, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("open failed: %v", err)}
	}
	defer st.Close()
	return CheckResult{Name: "Database", Status: "PASS", Message: fmt.Sprintf("connected at %s", cfg.DBPath)}
}

func checkHomeDirWritable(_ context.Context, cfg config.Config) CheckResult {
	testFile := filepath.Join(cfg.HomeDir, ".doctor_write_test")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("home dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: "PASS", Message: "home directory writable"}
}

func checkAgentCommand(_ context.Context, cfg config.Config) CheckResult {
	if len(cfg.Security.AgentCommand) == 0 {
		return CheckResult{Name: "Agent command", Status: "FAIL", Message: "security.agent_command is empty"}
	}
	bin := cfg.Security.AgentCommand[0]
	if _, err := exec.LookPath(bin); err != nil {
		if _, statErr := os.Stat(bin); statErr != nil {
			return CheckResult{Name: "Agent command", Status: "WARN", Message: fmt.Sprintf("%q not found on PATH", bin)}
		}
	}
	return CheckResult{Name: "Agent command", Status: "PASS", Message: fmt.Sprintf("%q resolvable", bin)}
}

func checkSandboxRuntime(ctx context.Context, cfg config.Config) CheckResult {
	if cfg.Security.Mode != "restricted" {
		return CheckResult{Name: "Sandbox", Status: "SKIP", Message: "security.mode is not restricted"}
	}
	if _, err := exec.LookPath("docker"); err != nil {
		return CheckResult{Name: "Sandbox", Status: "FAIL", Message: "docker not found on PATH"}
	}
	cmd := exec.CommandContext(ctx, "docker", "info")
	if err := cmd.Run(); err != nil {
		return CheckResult{Name: "Sandbox", Status: "FAIL", Message: fmt.Sprintf("docker daemon unreachable: %v", err)}
	}
	return CheckResult{Name: "Sandbox", Status: "PASS", Message: fmt.Sprintf("docker ready, image %s", cfg.Security.DockerImage)}
}
