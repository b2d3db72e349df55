// Package config defines all configuration structures for the devbridge
// daemon and loads them from YAML with environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full bridge configuration.
type Config struct {
	// AdminChat is the chat identity allowed to issue administrative
	// commands. Compared after normalization (see command.NormalizeName).
	AdminChat string `yaml:"admin_chat"`

	// ProjectsDir is the base directory under which derived workspaces
	// are created.
	ProjectsDir string `yaml:"projects_dir"`

	// SessionsFile is the path of the durable session record.
	SessionsFile string `yaml:"sessions_file"`

	// HistoryLog is the path of the append-only chat interaction log.
	HistoryLog string `yaml:"history_log"`

	// Agent configures the external AI process invocation.
	Agent AgentConfig `yaml:"agent"`

	// Bridge configures the orchestrator loop.
	Bridge BridgeConfig `yaml:"bridge"`

	// WhatsApp configures the WhatsApp adapter.
	WhatsApp WhatsAppConfig `yaml:"whatsapp"`

	// WebUI configures the admin dashboard.
	WebUI WebUIConfig `yaml:"webui"`

	// Scheduler configures recurring prompts.
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Logging configures the slog handler.
	Logging LoggingConfig `yaml:"logging"`
}

// AgentConfig configures the external AI coding-agent CLI.
type AgentConfig struct {
	// Bin is the agent binary plus any fixed leading arguments.
	Bin []string `yaml:"bin"`

	// Model is the default model selector. "auto" lets the agent decide.
	Model string `yaml:"model"`

	// TimeoutMinutes bounds each phase invocation. Zero means the
	// default of 15 minutes; there is always a timeout.
	TimeoutMinutes int `yaml:"timeout_minutes"`

	// RepairSystemPrompt is an optional path to a system prompt file used
	// for crash-repair invocations.
	RepairSystemPrompt string `yaml:"repair_system_prompt"`
}

// Timeout returns the per-phase invocation bound.
func (a AgentConfig) Timeout() time.Duration {
	if a.TimeoutMinutes <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(a.TimeoutMinutes) * time.Minute
}

// BridgeConfig configures the orchestrator's polling and rate limiting.
type BridgeConfig struct {
	// PollIntervalSeconds is the sleep between polling cycles.
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`

	// GlobalCooldownSeconds is the minimum interval between any two
	// outbound sends, across all chats.
	GlobalCooldownSeconds int `yaml:"global_cooldown_seconds"`

	// ChatCooldownSeconds is the minimum interval between two sends to
	// the same chat.
	ChatCooldownSeconds int `yaml:"chat_cooldown_seconds"`

	// HistoryLimit is how many messages are fetched per history poll.
	HistoryLimit int `yaml:"history_limit"`

	// LoginTimeoutSeconds bounds the initial login (QR scan window).
	LoginTimeoutSeconds int `yaml:"login_timeout_seconds"`
}

func (b BridgeConfig) PollInterval() time.Duration {
	if b.PollIntervalSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(b.PollIntervalSeconds) * time.Second
}

func (b BridgeConfig) GlobalCooldown() time.Duration {
	if b.GlobalCooldownSeconds <= 0 {
		return 20 * time.Second
	}
	return time.Duration(b.GlobalCooldownSeconds) * time.Second
}

func (b BridgeConfig) ChatCooldown() time.Duration {
	if b.ChatCooldownSeconds <= 0 {
		return 45 * time.Second
	}
	return time.Duration(b.ChatCooldownSeconds) * time.Second
}

func (b BridgeConfig) LoginTimeout() time.Duration {
	if b.LoginTimeoutSeconds <= 0 {
		return 90 * time.Second
	}
	return time.Duration(b.LoginTimeoutSeconds) * time.Second
}

// WhatsAppConfig configures the whatsmeow-backed adapter.
type WhatsAppConfig struct {
	// DatabasePath is the SQLite file holding the WhatsApp session keys.
	DatabasePath string `yaml:"database_path"`

	// DeviceName is shown in the phone's linked-devices list.
	DeviceName string `yaml:"device_name"`

	// HistoryDepth is how many messages are buffered per chat.
	HistoryDepth int `yaml:"history_depth"`

	// MaxMediaSizeMB caps media downloads.
	MaxMediaSizeMB int `yaml:"max_media_size_mb"`
}

// WebUIConfig configures the admin dashboard server.
type WebUIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// SchedulerConfig configures recurring scheduled prompts.
type SchedulerConfig struct {
	Enabled bool           `yaml:"enabled"`
	Jobs    []ScheduledJob `yaml:"jobs"`
}

// ScheduledJob is one recurring prompt dispatched as a normal task.
type ScheduledJob struct {
	// Schedule is a cron expression or shorthand (@daily, @every 2h, ...).
	Schedule string `yaml:"schedule"`

	// Chat is the target chat; must be a registered session at fire time.
	Chat string `yaml:"chat"`

	// Prompt is the task text dispatched on each fire.
	Prompt string `yaml:"prompt"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	// Level is "debug", "info", "warn" or "error".
	Level string `yaml:"level"`

	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// Default returns a Config with working defaults rooted at dir.
func Default(dir string) Config {
	return Config{
		ProjectsDir:  filepath.Join(dir, "projects"),
		SessionsFile: filepath.Join(dir, "sessions.json"),
		HistoryLog:   filepath.Join(dir, "chat_history.log"),
		Agent: AgentConfig{
			Bin:   []string{"gemini"},
			Model: "auto",
		},
		Bridge: BridgeConfig{
			HistoryLimit: 10,
		},
		WhatsApp: WhatsAppConfig{
			DatabasePath:   filepath.Join(dir, "whatsapp.db"),
			DeviceName:     "devbridge",
			HistoryDepth:   100,
			MaxMediaSizeMB: 16,
		},
		WebUI: WebUIConfig{
			Enabled: true,
			Address: "127.0.0.1:8800",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the YAML config at path, layered over defaults rooted at the
// config file's directory.
func Load(path string) (Config, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("resolving config path: %w", err)
	}

	cfg := Default(filepath.Dir(abs))

	data, err := os.ReadFile(abs)
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.AdminChat == "" {
		cfg.AdminChat = os.Getenv("DEVBRIDGE_ADMIN_CHAT")
	}
	if cfg.AdminChat == "" {
		return Config{}, fmt.Errorf("admin_chat is required (config or DEVBRIDGE_ADMIN_CHAT)")
	}
	if len(cfg.Agent.Bin) == 0 {
		return Config{}, fmt.Errorf("agent.bin is required")
	}

	return cfg, nil
}
