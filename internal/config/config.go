// Package config defines the on-disk configuration document for claude-watch:
// bot credentials, the index/search/database sections consumed by the session
// catalogue, and the map of watched sessions with their destinations.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// Config is the root of the configuration document.
type Config struct {
	Bots     BotsConfig     `yaml:"bots"`
	Index    IndexConfig    `yaml:"index"`
	Search   SearchConfig   `yaml:"search"`
	Database DatabaseConfig `yaml:"database"`
	Sessions SessionMap     `yaml:"sessions"`
}

// BotsConfig holds credentials for the supported platforms.
type BotsConfig struct {
	Telegram TelegramBotConfig `yaml:"tg"`
	Slack    SlackBotConfig    `yaml:"sl"`
}

// TelegramBotConfig configures the Telegram bot. Mode selects how inbound
// updates arrive; webhook mode requires a public URL.
type TelegramBotConfig struct {
	Token         string `yaml:"token"`
	Mode          string `yaml:"mode"` // "webhook" or "polling"
	WebhookURL    string `yaml:"webhook_url,omitempty"`
	WebhookSecret string `yaml:"webhook_secret,omitempty"`
}

// SlackBotConfig configures the Slack bot.
type SlackBotConfig struct {
	Token         string `yaml:"token"`
	SigningSecret string `yaml:"signing_secret"`
}

// IndexConfig configures the transcript index consumed by the external
// session catalogue.
type IndexConfig struct {
	Paths           []string `yaml:"paths"`
	RefreshInterval int      `yaml:"refresh_interval"` // seconds
}

// SearchConfig configures the external search layer.
type SearchConfig struct {
	Enabled    bool `yaml:"enabled"`
	MaxResults int  `yaml:"max_results"`
}

// DatabaseConfig configures durable state: the state directory used for
// per-session checkpoints and the catalogue database settings.
type DatabaseConfig struct {
	StateDir           string       `yaml:"state_dir"`
	CheckpointInterval int          `yaml:"checkpoint_interval"` // seconds
	VacuumOnStartup    bool         `yaml:"vacuum_on_startup"`
	Backup             BackupConfig `yaml:"backup"`
}

// BackupConfig configures catalogue backups.
type BackupConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Path      string `yaml:"path"`
	KeepCount int    `yaml:"keep_count"`
}

// SessionConfig is one watched session: the transcript path and the
// destinations its live message is mirrored to.
type SessionConfig struct {
	Path         string       `yaml:"path"`
	Destinations Destinations `yaml:"destinations"`
}

// Destinations lists the attached destinations per platform.
type Destinations struct {
	Telegram []TelegramDestination `yaml:"TG,omitempty"`
	Slack    []SlackDestination    `yaml:"SL,omitempty"`
}

// TelegramDestination is a chat, optionally scoped to a forum topic.
type TelegramDestination struct {
	ChatID   string `yaml:"chat_id"`
	ThreadID *int   `yaml:"thread_id,omitempty"`
}

// SlackDestination is a channel.
type SlackDestination struct {
	Channel string `yaml:"channel"`
}

// SessionMap maps session id to its configuration. Two serialized shapes are
// accepted on read: the current map form and a legacy list form
// [{id, path}, ...]. The list form is normalised here and the map form is
// always used on write.
type SessionMap map[string]SessionConfig

func (m *SessionMap) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.MappingNode:
		var plain map[string]SessionConfig
		if err := value.Decode(&plain); err != nil {
			return err
		}
		*m = plain
		return nil
	case yaml.SequenceNode:
		var legacy []struct {
			ID   string `yaml:"id"`
			Path string `yaml:"path"`
		}
		if err := value.Decode(&legacy); err != nil {
			return err
		}
		out := make(SessionMap, len(legacy))
		for _, s := range legacy {
			out[s.ID] = SessionConfig{Path: s.Path}
		}
		*m = out
		return nil
	}
	return fmt.Errorf("sessions: unsupported YAML node kind %d", value.Kind)
}

// Default returns a configuration with all optional sections filled in.
func Default() *Config {
	return &Config{
		Index: IndexConfig{
			Paths:           []string{"~/.claude/projects"},
			RefreshInterval: 300,
		},
		Search: SearchConfig{
			Enabled:    true,
			MaxResults: 50,
		},
		Database: DatabaseConfig{
			StateDir:           "~/.claude-watch",
			CheckpointInterval: 30,
			Backup: BackupConfig{
				Path:      "~/.claude-watch/backups",
				KeepCount: 5,
			},
		},
		Sessions: SessionMap{},
	}
}

// Load reads the configuration document at path. A missing file yields the
// default configuration; a corrupt file is logged and treated the same way.
// Missing index/search/database sections are filled with defaults, and the
// documented environment overrides are applied last.
func Load(path string) *Config {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// First run.
	case err != nil:
		slog.Warn("config unreadable, starting empty", "path", path, "error", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			slog.Warn("config corrupt, starting empty", "path", path, "error", err)
			cfg = Default()
		}
	}

	fillDefaults(cfg)
	applyEnv(cfg)
	return cfg
}

// Marshal serialises the configuration in its canonical (map-form) shape.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Validate checks invariants that must hold before the service starts.
func (c *Config) Validate() error {
	switch c.Bots.Telegram.Mode {
	case "", "polling":
	case "webhook":
		if c.Bots.Telegram.WebhookURL == "" {
			return fmt.Errorf("bots.tg: mode is webhook but webhook_url is empty")
		}
	default:
		return fmt.Errorf("bots.tg: unknown mode %q", c.Bots.Telegram.Mode)
	}
	return nil
}

// TelegramConfigured reports whether Telegram credentials are present.
func (c *Config) TelegramConfigured() bool { return c.Bots.Telegram.Token != "" }

// SlackConfigured reports whether Slack credentials are present.
func (c *Config) SlackConfigured() bool { return c.Bots.Slack.Token != "" }

func fillDefaults(cfg *Config) {
	def := Default()
	if len(cfg.Index.Paths) == 0 {
		cfg.Index.Paths = def.Index.Paths
	}
	if cfg.Index.RefreshInterval <= 0 {
		cfg.Index.RefreshInterval = def.Index.RefreshInterval
	}
	if cfg.Search.MaxResults <= 0 {
		cfg.Search.MaxResults = def.Search.MaxResults
	}
	if cfg.Database.StateDir == "" {
		cfg.Database.StateDir = def.Database.StateDir
	}
	if cfg.Database.CheckpointInterval <= 0 {
		cfg.Database.CheckpointInterval = def.Database.CheckpointInterval
	}
	if cfg.Database.Backup.Path == "" {
		cfg.Database.Backup.Path = def.Database.Backup.Path
	}
	if cfg.Database.Backup.KeepCount <= 0 {
		cfg.Database.Backup.KeepCount = def.Database.Backup.KeepCount
	}
	if cfg.Sessions == nil {
		cfg.Sessions = SessionMap{}
	}
}

// applyEnv applies the documented environment overrides on top of the file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("CLAUDE_INDEX_PATHS"); v != "" {
		var paths []string
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				paths = append(paths, p)
			}
		}
		if len(paths) > 0 {
			cfg.Index.Paths = paths
		}
	}
	if v := os.Getenv("CLAUDE_INDEX_REFRESH_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Index.RefreshInterval = n
		} else {
			slog.Warn("ignoring invalid CLAUDE_INDEX_REFRESH_INTERVAL", "value", v)
		}
	}
	if v := os.Getenv("TELEGRAM_WEBHOOK_URL"); v != "" {
		cfg.Bots.Telegram.WebhookURL = v
	}
	if v := os.Getenv("CLAUDE_STATE_DIR"); v != "" {
		cfg.Database.StateDir = v
	}
	if v := os.Getenv("CLAUDE_DB_CHECKPOINT_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Database.CheckpointInterval = n
		} else {
			slog.Warn("ignoring invalid CLAUDE_DB_CHECKPOINT_INTERVAL", "value", v)
		}
	}
}
