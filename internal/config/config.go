// Package config loads the root YAML configuration document: a set of
// named sub-configs for logging, inbound channels, worker sizing,
// retention windows, security mode, per-user resources, and feature
// toggles, with named environment variables overriding the file. Uses a
// three-pass load/override/normalize structure so defaults, file
// values, and env overrides each have one clear precedence.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LoggingConfig controls the root slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // "text" (TTY-friendly) or "json"
}

// TelegramConfig configures the Telegram chat channel.
type TelegramConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
}

// EmailConfig configures the pull-based IMAP/SMTP email channel.
type EmailConfig struct {
	Enabled      bool   `yaml:"enabled"`
	IMAPHost     string `yaml:"imap_host"`
	IMAPUsername string `yaml:"imap_username"`
	IMAPPassword string `yaml:"imap_password"` // app password; overridable from env
	SMTPHost     string `yaml:"smtp_host"`
	FromAddress  string `yaml:"from_address"`
}

// PushConfig configures the WebSocket push delivery sink.
type PushConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BindAddr string `yaml:"bind_addr"`
}

// ChannelsConfig groups every inbound/outbound channel's settings.
type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Email    EmailConfig    `yaml:"email"`
	Push     PushConfig     `yaml:"push"`
}

// WorkerConfig sizes the two-tier worker pool (C5).
type WorkerConfig struct {
	MaxForegroundWorkers     int `yaml:"max_foreground_workers"`
	MaxBackgroundWorkers     int `yaml:"max_background_workers"`
	DefaultUserForegroundCap int `yaml:"default_user_foreground_cap"`
	DefaultUserBackgroundCap int `yaml:"default_user_background_cap"`
	WorkerIdleTimeoutSeconds int `yaml:"worker_idle_timeout_seconds"`
	LeaseDurationMinutes     int `yaml:"lease_duration_minutes"`
	TaskTimeoutMinutes       int `yaml:"task_timeout_minutes"`
	ShutdownTimeoutSeconds   int `yaml:"shutdown_timeout_seconds"`
	PollIntervalSeconds      int `yaml:"poll_interval_seconds"`
}

// RetentionConfig controls the Cleanup poller's purge windows.
type RetentionConfig struct {
	TaskRetentionDays     int `yaml:"task_retention_days"`
	AuditLogRetentionDays int `yaml:"audit_log_retention_days"`
	MessageRetentionDays  int `yaml:"message_retention_days"`
}

// SecurityConfig controls how the Executor launches the agent subprocess.
type SecurityConfig struct {
	Mode               string   `yaml:"mode"` // "restricted" or "permissive"
	AgentCommand       []string `yaml:"agent_command"`
	AllowedTools       []string `yaml:"allowed_tools"`
	CredentialEnvNames []string `yaml:"credential_env_names"`
	DockerImage        string   `yaml:"docker_image"`
	DockerMemoryMB     int64    `yaml:"docker_memory_mb"`
	DockerNetworkMode  string   `yaml:"docker_network_mode"`
}

// ResourcesConfig lists shared-file discovery roots watched on behalf of
// users (spec.md §4.4's Shared-file discovery poller).
type ResourcesConfig struct {
	ScratchRoot      string           `yaml:"scratch_root"`
	SharedFileRoots  []SharedFileRoot `yaml:"shared_file_roots"`
	SkillsProjectDir string           `yaml:"skills_project_dir"`
	SkillsUserDir    string           `yaml:"skills_user_dir"`
}

// SharedFileRoot names one directory a user's files are discovered from.
type SharedFileRoot struct {
	UserID       string `yaml:"user_id"`
	Root         string `yaml:"root"`
	ResourceType string `yaml:"resource_type"`
	Permissions  string `yaml:"permissions"`
}

// FeatureConfig toggles optional behavior.
type FeatureConfig struct {
	BriefingsEnabled   bool `yaml:"briefings_enabled"`
	SleepCycleEnabled  bool `yaml:"sleep_cycle_enabled"`
	TracingEnabled     bool `yaml:"tracing_enabled"`
}

// Config is the root configuration document.
type Config struct {
	HomeDir string `yaml:"-"`

	AdminUserIDs []string `yaml:"admin_user_ids"`
	Persona      string   `yaml:"-"` // loaded from PERSONA.md alongside config.yaml
	DBPath       string   `yaml:"db_path"`

	Logging   LoggingConfig   `yaml:"logging"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Worker    WorkerConfig    `yaml:"worker"`
	Retention RetentionConfig `yaml:"retention"`
	Security  SecurityConfig  `yaml:"security"`
	Resources ResourcesConfig `yaml:"resources"`
	Features  FeatureConfig   `yaml:"features"`

	NeedsGenesis bool `yaml:"-"`
}

// IsAdmin reports whether userID is in the configured admin set.
func (c Config) IsAdmin(userID string) bool {
	for _, id := range c.AdminUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// AdminUserIDSet returns AdminUserIDs as a lookup set, for components
// (internal/prompt, internal/deferred) that take admin gating as a map.
func (c Config) AdminUserIDSet() map[string]bool {
	out := make(map[string]bool, len(c.AdminUserIDs))
	for _, id := range c.AdminUserIDs {
		out[id] = true
	}
	return out
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the active config, so a running
// daemon can detect a meaningful change on hot reload.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "fg=%d|bg=%d|timeout=%d|security=%s|scratch=%s|channels=%v",
		c.Worker.MaxForegroundWorkers, c.Worker.MaxBackgroundWorkers, c.Worker.TaskTimeoutMinutes,
		c.Security.Mode, c.Resources.ScratchRoot, c.Channels.Telegram.Enabled)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		DBPath: "istota.db",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Worker: WorkerConfig{
			MaxForegroundWorkers:     5,
			MaxBackgroundWorkers:     3,
			DefaultUserForegroundCap: 2,
			DefaultUserBackgroundCap: 1,
			WorkerIdleTimeoutSeconds: 60,
			LeaseDurationMinutes:     30,
			TaskTimeoutMinutes:       30,
			ShutdownTimeoutSeconds:   10,
			PollIntervalSeconds:      2,
		},
		Retention: RetentionConfig{
			TaskRetentionDays:     90,
			AuditLogRetentionDays: 365,
			MessageRetentionDays:  90,
		},
		Security: SecurityConfig{
			Mode:              "permissive",
			AgentCommand:      []string{"istota-agent"},
			DockerImage:       "golang:alpine",
			DockerMemoryMB:    512,
			DockerNetworkMode: "none",
		},
		Resources: ResourcesConfig{
			ScratchRoot:      "./scratch",
			SkillsProjectDir: "./skills",
		},
		Features: FeatureConfig{
			BriefingsEnabled:  true,
			SleepCycleEnabled: true,
			TracingEnabled:    true,
		},
	}
}

// HomeDir returns the directory config.yaml and its companion files
// live in, honoring an ISTOTA_HOME override when set.
func HomeDir() string {
	if override := os.Getenv("ISTOTA_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".istota")
}

// Load reads config.yaml from HomeDir, applies environment overrides, and
// fills in defaults for anything left unset.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create istota home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	loadTextFiles(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	def := defaultConfig()
	if cfg.DBPath == "" {
		cfg.DBPath = def.DBPath
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = def.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = def.Logging.Format
	}
	if cfg.Worker.MaxForegroundWorkers <= 0 {
		cfg.Worker.MaxForegroundWorkers = def.Worker.MaxForegroundWorkers
	}
	if cfg.Worker.MaxBackgroundWorkers <= 0 {
		cfg.Worker.MaxBackgroundWorkers = def.Worker.MaxBackgroundWorkers
	}
	if cfg.Worker.DefaultUserForegroundCap <= 0 {
		cfg.Worker.DefaultUserForegroundCap = def.Worker.DefaultUserForegroundCap
	}
	if cfg.Worker.DefaultUserBackgroundCap <= 0 {
		cfg.Worker.DefaultUserBackgroundCap = def.Worker.DefaultUserBackgroundCap
	}
	if cfg.Worker.WorkerIdleTimeoutSeconds <= 0 {
		cfg.Worker.WorkerIdleTimeoutSeconds = def.Worker.WorkerIdleTimeoutSeconds
	}
	if cfg.Worker.LeaseDurationMinutes <= 0 {
		cfg.Worker.LeaseDurationMinutes = def.Worker.LeaseDurationMinutes
	}
	if cfg.Worker.TaskTimeoutMinutes <= 0 {
		cfg.Worker.TaskTimeoutMinutes = def.Worker.TaskTimeoutMinutes
	}
	if cfg.Worker.ShutdownTimeoutSeconds <= 0 {
		cfg.Worker.ShutdownTimeoutSeconds = def.Worker.ShutdownTimeoutSeconds
	}
	if cfg.Worker.PollIntervalSeconds <= 0 {
		cfg.Worker.PollIntervalSeconds = def.Worker.PollIntervalSeconds
	}
	if cfg.Retention.TaskRetentionDays <= 0 {
		cfg.Retention.TaskRetentionDays = def.Retention.TaskRetentionDays
	}
	if cfg.Retention.AuditLogRetentionDays <= 0 {
		cfg.Retention.AuditLogRetentionDays = def.Retention.AuditLogRetentionDays
	}
	if cfg.Retention.MessageRetentionDays <= 0 {
		cfg.Retention.MessageRetentionDays = def.Retention.MessageRetentionDays
	}
	if cfg.Security.Mode == "" {
		cfg.Security.Mode = def.Security.Mode
	}
	if len(cfg.Security.AgentCommand) == 0 {
		cfg.Security.AgentCommand = def.Security.AgentCommand
	}
	if cfg.Security.DockerImage == "" {
		cfg.Security.DockerImage = def.Security.DockerImage
	}
	if cfg.Security.DockerMemoryMB <= 0 {
		cfg.Security.DockerMemoryMB = def.Security.DockerMemoryMB
	}
	if cfg.Security.DockerNetworkMode == "" {
		cfg.Security.DockerNetworkMode = def.Security.DockerNetworkMode
	}
	if cfg.Resources.ScratchRoot == "" {
		cfg.Resources.ScratchRoot = def.Resources.ScratchRoot
	}
	if cfg.Resources.SkillsProjectDir == "" {
		cfg.Resources.SkillsProjectDir = def.Resources.SkillsProjectDir
	}
}

func (c Config) TaskTimeout() time.Duration {
	return time.Duration(c.Worker.TaskTimeoutMinutes) * time.Minute
}

func (c Config) LeaseDuration() time.Duration {
	return time.Duration(c.Worker.LeaseDurationMinutes) * time.Minute
}

func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Worker.PollIntervalSeconds) * time.Second
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("ISTOTA_LOG_LEVEL"); raw != "" {
		cfg.Logging.Level = raw
	}
	if raw := os.Getenv("ISTOTA_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("ISTOTA_MAX_FOREGROUND_WORKERS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Worker.MaxForegroundWorkers = v
		}
	}
	if raw := os.Getenv("ISTOTA_MAX_BACKGROUND_WORKERS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Worker.MaxBackgroundWorkers = v
		}
	}
	if raw := os.Getenv("ISTOTA_TASK_TIMEOUT_MINUTES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Worker.TaskTimeoutMinutes = v
		}
	}
	if raw := os.Getenv("ISTOTA_SECURITY_MODE"); raw != "" {
		cfg.Security.Mode = raw
	}
	if raw := os.Getenv("ISTOTA_SCRATCH_ROOT"); raw != "" {
		cfg.Resources.ScratchRoot = raw
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
	}
	if raw := os.Getenv("ISTOTA_IMAP_PASSWORD"); raw != "" {
		cfg.Channels.Email.IMAPPassword = raw
	}
	if raw := os.Getenv("ISTOTA_ADMIN_USER_IDS"); raw != "" {
		cfg.AdminUserIDs = strings.Split(raw, ",")
	}
}

func loadTextFiles(cfg *Config) {
	personaPath := filepath.Join(cfg.HomeDir, "PERSONA.md")
	if b, err := os.ReadFile(personaPath); err == nil {
		cfg.Persona = string(b)
	}
}
