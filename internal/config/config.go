package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the routing hub. Values come from
// defaults, then an optional YAML file, then environment variables —
// later sources win.
type Config struct {
	Port     int    `yaml:"port"`
	DataDir  string `yaml:"dataDir"`
	// RouterURL is the hub base URL used by the CLI and by external
	// delivery processes, not by the daemon itself.
	RouterURL string         `yaml:"routerUrl"`
	SelfURL   string         `yaml:"selfUrl"`
	LogLevel  string         `yaml:"logLevel"`
	ACS       ACSConfig      `yaml:"acs"`
	Telegram  TelegramConfig `yaml:"telegram"`
	Discord   DiscordConfig  `yaml:"discord"`
}

// ACSConfig configures the external agent-execution trigger. An empty
// JobName disables the trigger entirely.
type ACSConfig struct {
	JobName string `yaml:"jobName"`
	URL     string `yaml:"url"`
}

// TelegramConfig holds the bot token for the telegram delivery adapter.
type TelegramConfig struct {
	Token string `yaml:"token"`
}

// DiscordConfig holds the bot token for the discord delivery adapter.
type DiscordConfig struct {
	Token string `yaml:"token"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Port:      3100,
		DataDir:   "./data",
		RouterURL: "http://localhost:3100",
		LogLevel:  "info",
		ACS: ACSConfig{
			URL: "http://127.0.0.1:8377",
		},
	}
}

// Load builds the effective configuration. The YAML file named by
// CHAT_ROUTER_CONFIG is applied over the defaults when set; environment
// variables override both.
func Load() (*Config, error) {
	cfg := Defaults()

	if path := os.Getenv("CHAT_ROUTER_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if cfg.SelfURL == "" {
		cfg.SelfURL = fmt.Sprintf("http://localhost:%d", cfg.Port)
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("CHAT_ROUTER_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CHAT_ROUTER_PORT: %q is not a number", v)
		}
		c.Port = port
	}
	if v := os.Getenv("CHAT_ROUTER_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("CHAT_ROUTER_URL"); v != "" {
		c.RouterURL = v
	}
	if v := os.Getenv("ROUTER_SELF_URL"); v != "" {
		c.SelfURL = v
	}
	if v := os.Getenv("CHAT_ROUTER_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("ACS_JOB_NAME"); v != "" {
		c.ACS.JobName = v
	}
	if v := os.Getenv("ACS_URL"); v != "" {
		c.ACS.URL = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		c.Telegram.Token = v
	}
	if v := os.Getenv("DISCORD_BOT_TOKEN"); v != "" {
		c.Discord.Token = v
	}
	return nil
}

// DBPath is the database file inside the data directory.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "chat-router.db")
}

// TriggerEnabled reports whether the external trigger is configured.
func (c *Config) TriggerEnabled() bool {
	return c.ACS.JobName != ""
}

// StreamURL converts the router base URL into the ws:// endpoint.
func (c *Config) StreamURL() string {
	url := c.RouterURL
	switch {
	case strings.HasPrefix(url, "https://"):
		url = "wss://" + strings.TrimPrefix(url, "https://")
	case strings.HasPrefix(url, "http://"):
		url = "ws://" + strings.TrimPrefix(url, "http://")
	}
	return strings.TrimRight(url, "/") + "/ws"
}

// SlogLevel maps the configured level name onto slog.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
