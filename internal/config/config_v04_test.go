package config

import (
	"os"
	"path/filepath"
	"testing"
)

// TestParseSharedFileRoots verifies per-user shared-file discovery roots
// parse from nested YAML the way the shared-file poller expects them.
func TestParseSharedFileRoots(t *testing.T) {
	yaml := `
resources:
  shared_file_roots:
    - user_id: alice
      root: /data/alice/inbox
      resource_type: document
      permissions: read-write
    - user_id: bob
      root: /data/bob/inbox
      resource_type: receipt
      permissions: read-only
`
	home := filepath.Join(t.TempDir(), "home")
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ISTOTA_HOME", home)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if len(cfg.Resources.SharedFileRoots) != 2 {
		t.Fatalf("expected 2 shared_file_roots, got %d", len(cfg.Resources.SharedFileRoots))
	}
	alice := cfg.Resources.SharedFileRoots[0]
	if alice.UserID != "alice" || alice.Root != "/data/alice/inbox" || alice.ResourceType != "document" || alice.Permissions != "read-write" {
		t.Errorf("unexpected alice root: %+v", alice)
	}
	bob := cfg.Resources.SharedFileRoots[1]
	if bob.UserID != "bob" || bob.Permissions != "read-only" {
		t.Errorf("unexpected bob root: %+v", bob)
	}
}

// TestParseSecurityAgentCommand verifies the agent_command list and
// sandbox settings parse from nested YAML under security.
func TestParseSecurityAgentCommand(t *testing.T) {
	yaml := `
security:
  mode: restricted
  agent_command: ["istota-agent", "--flag"]
  allowed_tools: ["read_file", "write_file"]
  docker_image: istota/agent:latest
  docker_memory_mb: 1024
  docker_network_mode: bridge
`
	home := filepath.Join(t.TempDir(), "home")
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ISTOTA_HOME", home)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Security.Mode != "restricted" {
		t.Errorf("expected mode=restricted, got %s", cfg.Security.Mode)
	}
	if len(cfg.Security.AgentCommand) != 2 || cfg.Security.AgentCommand[1] != "--flag" {
		t.Errorf("unexpected agent_command: %v", cfg.Security.AgentCommand)
	}
	if len(cfg.Security.AllowedTools) != 2 {
		t.Errorf("expected 2 allowed_tools, got %d", len(cfg.Security.AllowedTools))
	}
	if cfg.Security.DockerMemoryMB != 1024 {
		t.Errorf("expected docker_memory_mb=1024, got %d", cfg.Security.DockerMemoryMB)
	}
	if cfg.Security.DockerNetworkMode != "bridge" {
		t.Errorf("expected docker_network_mode=bridge, got %s", cfg.Security.DockerNetworkMode)
	}
}

// TestParseRetentionWindows verifies the retention sub-config parses and
// that normalize() leaves explicitly-set values untouched.
func TestParseRetentionWindows(t *testing.T) {
	yaml := `
retention:
  task_retention_days: 14
  audit_log_retention_days: 400
  message_retention_days: 7
`
	home := filepath.Join(t.TempDir(), "home")
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ISTOTA_HOME", home)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Retention.TaskRetentionDays != 14 {
		t.Errorf("expected task_retention_days=14, got %d", cfg.Retention.TaskRetentionDays)
	}
	if cfg.Retention.AuditLogRetentionDays != 400 {
		t.Errorf("expected audit_log_retention_days=400, got %d", cfg.Retention.AuditLogRetentionDays)
	}
	if cfg.Retention.MessageRetentionDays != 7 {
		t.Errorf("expected message_retention_days=7, got %d", cfg.Retention.MessageRetentionDays)
	}
}
