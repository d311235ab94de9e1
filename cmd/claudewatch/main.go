package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joestump/claude-watch/internal/config"
	"github.com/joestump/claude-watch/internal/debounce"
	"github.com/joestump/claude-watch/internal/events"
	"github.com/joestump/claude-watch/internal/orchestrator"
	"github.com/joestump/claude-watch/internal/platform"
	"github.com/joestump/claude-watch/internal/registry"
	"github.com/joestump/claude-watch/internal/render"
	"github.com/joestump/claude-watch/internal/state"
	"github.com/joestump/claude-watch/internal/web"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "claudewatch",
		Short: "Streams live transcript updates to Telegram, Slack and SSE subscribers",
		RunE:  run,
	}

	f := rootCmd.Flags()
	f.String("host", "127.0.0.1", "HTTP listen host")
	f.Int("port", 8420, "HTTP listen port")
	f.String("config", "", "path to the configuration file (default <state-dir>/config.yaml)")
	f.String("state-dir", "", "directory for checkpoints and durable state")
	f.Int("keepalive", 60, "seconds a session survives after its last detach")
	f.String("log-level", "INFO", "log level: DEBUG, INFO, WARNING, ERROR, CRITICAL")

	// Bind flags to viper so CLAUDE_WATCH_HOST, CLAUDE_WATCH_STATE_DIR etc.
	// override the defaults; explicit flags still win.
	bindFlag := func(viperKey, flagName string) {
		_ = viper.BindPFlag(viperKey, f.Lookup(flagName))
	}
	bindFlag("host", "host")
	bindFlag("port", "port")
	bindFlag("config", "config")
	bindFlag("state_dir", "state-dir")
	bindFlag("keepalive", "keepalive")
	bindFlag("log_level", "log-level")

	viper.SetEnvPrefix("CLAUDE_WATCH")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// parseLogLevel maps the documented level names onto slog. CRITICAL sits
// above ERROR so it still prints at the ERROR threshold.
func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO":
		return slog.LevelInfo, nil
	case "WARNING", "WARN":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	case "CRITICAL":
		return slog.LevelError + 4, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

func run(cmd *cobra.Command, args []string) error {
	level, err := parseLogLevel(viper.GetString("log_level"))
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	stateDir := viper.GetString("state_dir")
	if stateDir == "" {
		stateDir = os.Getenv("CLAUDE_STATE_DIR")
	}
	if stateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolve home directory: %w", err)
		}
		stateDir = filepath.Join(home, ".claude-watch")
	}

	configPath := viper.GetString("config")
	if configPath == "" {
		configPath = filepath.Join(stateDir, "config.yaml")
	}

	cfg := config.Load(configPath)
	cfg.Database.StateDir = stateDir
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	slog.Info("claude-watch starting", "version", config.Version,
		"config", configPath, "state_dir", stateDir,
		"telegram", cfg.TelegramConfigured(), "slack", cfg.SlackConfigured())

	store, err := state.New(stateDir, configPath)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}

	clients := make(map[platform.Variant]platform.Client)
	if cfg.TelegramConfigured() {
		clients[platform.VariantTelegram] = platform.NewTelegramClient(cfg.Bots.Telegram.Token)
	}
	if cfg.SlackConfigured() {
		clients[platform.VariantSlack] = platform.NewSlackClient(cfg.Bots.Slack.Token)
	}

	buf := events.NewBuffer(0)
	hub := events.NewHub(buf)
	cache := render.NewCache()
	deb := debounce.New()
	keepAlive := time.Duration(viper.GetInt("keepalive")) * time.Second
	reg := registry.New(cfg, store, keepAlive)

	orch, err := orchestrator.New(cfg, store, buf, hub, cache, deb, reg, clients)
	if err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}
	orch.Start()

	webServer := web.New(cfg, orch, viper.GetString("host"), viper.GetInt("port"))
	webErr := make(chan error, 1)
	go func() {
		webErr <- webServer.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig.String())
	case err := <-webErr:
		if err != nil {
			orch.Shutdown()
			return fmt.Errorf("web server: %w", err)
		}
	}

	// HTTP ingress stops first so no new attachments race the drain.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := webServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("web server shutdown", "error", err)
	}
	orch.Shutdown()
	return nil
}
