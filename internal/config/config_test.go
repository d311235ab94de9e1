package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))

	if cfg.Index.RefreshInterval != 300 {
		t.Errorf("refresh_interval default = %d, want 300", cfg.Index.RefreshInterval)
	}
	if cfg.Database.CheckpointInterval != 30 {
		t.Errorf("checkpoint_interval default = %d, want 30", cfg.Database.CheckpointInterval)
	}
	if cfg.Sessions == nil {
		t.Error("sessions map should be initialised")
	}
}

func TestLoadCorruptFileYieldsDefaults(t *testing.T) {
	path := writeConfig(t, "{{{{not yaml")
	cfg := Load(path)
	if len(cfg.Sessions) != 0 || cfg.Search.MaxResults != 50 {
		t.Fatalf("corrupt config should fall back to defaults: %+v", cfg)
	}
}

func TestLoadMapFormSessions(t *testing.T) {
	path := writeConfig(t, `
bots:
  tg:
    token: "123:abc"
sessions:
  sess-a:
    path: /tmp/a.jsonl
    destinations:
      TG:
        - chat_id: "-100123"
          thread_id: 7
      SL:
        - channel: C012345
`)
	cfg := Load(path)

	sess, ok := cfg.Sessions["sess-a"]
	if !ok {
		t.Fatal("sess-a missing")
	}
	if sess.Path != "/tmp/a.jsonl" {
		t.Errorf("path = %q", sess.Path)
	}
	if len(sess.Destinations.Telegram) != 1 || sess.Destinations.Telegram[0].ChatID != "-100123" {
		t.Fatalf("telegram destinations: %+v", sess.Destinations.Telegram)
	}
	if sess.Destinations.Telegram[0].ThreadID == nil || *sess.Destinations.Telegram[0].ThreadID != 7 {
		t.Fatal("thread_id not preserved")
	}
	if len(sess.Destinations.Slack) != 1 || sess.Destinations.Slack[0].Channel != "C012345" {
		t.Fatalf("slack destinations: %+v", sess.Destinations.Slack)
	}
	if !cfg.TelegramConfigured() || cfg.SlackConfigured() {
		t.Error("bot configuration flags wrong")
	}
}

// The old list shape [{id, path}] is accepted on read and written back in
// map form.
func TestLoadLegacyListSessions(t *testing.T) {
	path := writeConfig(t, `
sessions:
  - id: old-one
    path: /tmp/old.jsonl
  - id: old-two
    path: /tmp/two.jsonl
`)
	cfg := Load(path)

	if len(cfg.Sessions) != 2 {
		t.Fatalf("expected 2 migrated sessions, got %d", len(cfg.Sessions))
	}
	if cfg.Sessions["old-one"].Path != "/tmp/old.jsonl" {
		t.Fatalf("migration lost path: %+v", cfg.Sessions)
	}

	// Round-trip: the write side always produces the map form.
	data, err := cfg.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	rewritten := writeConfig(t, string(data))
	cfg2 := Load(rewritten)
	if cfg2.Sessions["old-two"].Path != "/tmp/two.jsonl" {
		t.Fatalf("round trip lost session: %+v", cfg2.Sessions)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CLAUDE_INDEX_PATHS", "/a, /b ,")
	t.Setenv("CLAUDE_INDEX_REFRESH_INTERVAL", "600")
	t.Setenv("TELEGRAM_WEBHOOK_URL", "https://example.com/hook")
	t.Setenv("CLAUDE_STATE_DIR", "/var/lib/claude-watch")
	t.Setenv("CLAUDE_DB_CHECKPOINT_INTERVAL", "5")

	cfg := Load(filepath.Join(t.TempDir(), "missing.yaml"))

	if len(cfg.Index.Paths) != 2 || cfg.Index.Paths[0] != "/a" || cfg.Index.Paths[1] != "/b" {
		t.Fatalf("index paths = %v", cfg.Index.Paths)
	}
	if cfg.Index.RefreshInterval != 600 {
		t.Errorf("refresh interval = %d", cfg.Index.RefreshInterval)
	}
	if cfg.Bots.Telegram.WebhookURL != "https://example.com/hook" {
		t.Errorf("webhook url = %q", cfg.Bots.Telegram.WebhookURL)
	}
	if cfg.Database.StateDir != "/var/lib/claude-watch" {
		t.Errorf("state dir = %q", cfg.Database.StateDir)
	}
	if cfg.Database.CheckpointInterval != 5 {
		t.Errorf("checkpoint interval = %d", cfg.Database.CheckpointInterval)
	}
}

func TestEnvOverridesInvalidIntIgnored(t *testing.T) {
	t.Setenv("CLAUDE_INDEX_REFRESH_INTERVAL", "not-a-number")
	cfg := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if cfg.Index.RefreshInterval != 300 {
		t.Fatalf("invalid env should keep default, got %d", cfg.Index.RefreshInterval)
	}
}

func TestValidateWebhookMode(t *testing.T) {
	cfg := Default()
	cfg.Bots.Telegram.Mode = "webhook"
	if err := cfg.Validate(); err == nil {
		t.Fatal("webhook mode without URL should fail validation")
	}
	cfg.Bots.Telegram.WebhookURL = "https://example.com/tg"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("webhook mode with URL should validate: %v", err)
	}

	cfg.Bots.Telegram.Mode = "carrier-pigeon"
	if err := cfg.Validate(); err == nil {
		t.Fatal("unknown mode should fail validation")
	}
}
