// Package config loads server configuration from defaults, an optional JSON
// config file, and BANTHAN_* environment variable overrides, in that order.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

type Config struct {
	Server   ServerConfig   `json:"server"`
	Storage  StorageConfig  `json:"storage"`
	Log      LogConfig      `json:"log"`
	Gemini   GeminiConfig   `json:"gemini"`
	Chat     ChatConfig     `json:"chat"`
	Schedule ScheduleConfig `json:"schedule"`
	Push     PushConfig     `json:"push"`
	MCP      MCPConfig      `json:"mcp"`
}

type ServerConfig struct {
	Port int `json:"port"`
}

type StorageConfig struct {
	DataDir string `json:"dataDir"`
}

type LogConfig struct {
	Level string `json:"level"`
}

type GeminiConfig struct {
	APIKey       string `json:"apiKey"`
	DefaultModel string `json:"defaultModel"`
}

type ChatConfig struct {
	RetentionCap int `json:"retentionCap"`
}

type ScheduleConfig struct {
	// Timezone resolves bare HH:mm trigger times to wall-clock firings.
	Timezone string `json:"timezone"`
}

type PushConfig struct {
	VAPIDPublicKey  string `json:"vapidPublicKey"`
	VAPIDPrivateKey string `json:"vapidPrivateKey"`
	Subscriber      string `json:"subscriber"`
}

type MCPConfig struct {
	// UserID is the operator account the stdio MCP surface acts as. Empty
	// disables the MCP server.
	UserID string `json:"userId"`
}

func defaults() Config {
	return Config{
		Server:   ServerConfig{Port: 5050},
		Storage:  StorageConfig{DataDir: defaultDataDir()},
		Log:      LogConfig{Level: "info"},
		Gemini:   GeminiConfig{DefaultModel: "gemini-2.5-flash-lite"},
		Chat:     ChatConfig{RetentionCap: 1000},
		Schedule: ScheduleConfig{Timezone: "Asia/Ho_Chi_Minh"},
	}
}

func defaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "banthan")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "banthan-data"
	}
	return filepath.Join(home, ".local", "share", "banthan")
}

func defaultConfigPath() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "banthan", "config.json")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "banthan", "config.json")
}

// Load reads configuration from the default file location and the process
// environment.
func Load() (Config, error) {
	return loadWith(defaultConfigPath(), os.Getenv)
}

func loadWith(path string, getenv func(string) string) (Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := json.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// No config file is fine; defaults + env cover it.
		default:
			return Config{}, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg, getenv)

	if cfg.Gemini.APIKey == "" {
		return Config{}, fmt.Errorf("missing required config: Gemini API key. " +
			"Set it via BANTHAN_GEMINI_API_KEY or gemini.apiKey in the config file")
	}
	if _, err := time.LoadLocation(cfg.Schedule.Timezone); err != nil {
		return Config{}, fmt.Errorf("invalid schedule timezone %q: %w", cfg.Schedule.Timezone, err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config, getenv func(string) string) {
	setString := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	setInt("BANTHAN_PORT", &cfg.Server.Port)
	setString("BANTHAN_DATA_DIR", &cfg.Storage.DataDir)
	setString("BANTHAN_LOG_LEVEL", &cfg.Log.Level)
	setString("BANTHAN_GEMINI_API_KEY", &cfg.Gemini.APIKey)
	setString("BANTHAN_DEFAULT_MODEL", &cfg.Gemini.DefaultModel)
	setInt("BANTHAN_RETENTION_CAP", &cfg.Chat.RetentionCap)
	setString("BANTHAN_TIMEZONE", &cfg.Schedule.Timezone)
	setString("BANTHAN_VAPID_PUBLIC_KEY", &cfg.Push.VAPIDPublicKey)
	setString("BANTHAN_VAPID_PRIVATE_KEY", &cfg.Push.VAPIDPrivateKey)
	setString("BANTHAN_PUSH_SUBSCRIBER", &cfg.Push.Subscriber)
	setString("BANTHAN_MCP_USER_ID", &cfg.MCP.UserID)

	// GEMINI_API_KEY is the SDK's conventional variable; honor it as a
	// fallback.
	if cfg.Gemini.APIKey == "" {
		cfg.Gemini.APIKey = getenv("GEMINI_API_KEY")
	}
}
