// Package config loads replyqueue settings from an optional YAML file and
// environment overrides. Environment values win over the file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Settings SettingsConfig `yaml:"settings"`
	Graph    GraphConfig    `yaml:"graph"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	LLM      LLMConfig      `yaml:"llm"`
	Worker   WorkerConfig   `yaml:"worker"`
	Notify   NotifyConfig   `yaml:"notify"`
	Log      LogConfig      `yaml:"log"`
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
	// Profile fills DSN when it is empty: memory, durable-local or production.
	Profile string `yaml:"profile"`
	DataDir string `yaml:"data_dir"`
}

type SettingsConfig struct {
	DSN         string `yaml:"dsn"`
	DefaultMode string `yaml:"default_mode"`
}

type GraphConfig struct {
	Token   string        `yaml:"token"`
	Version string        `yaml:"version"`
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type WebhookConfig struct {
	Addr            string        `yaml:"addr"`
	AppSecret       string        `yaml:"app_secret"`
	VerifyToken     string        `yaml:"verify_token"`
	AdminToken      string        `yaml:"admin_token"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	RateLimitMax    int           `yaml:"rate_limit_max"`
	RateLimitWindow time.Duration `yaml:"rate_limit_window"`
}

type LLMConfig struct {
	APIKey               string        `yaml:"api_key"`
	Model                string        `yaml:"model"`
	BaseURL              string        `yaml:"base_url"`
	SystemPrompt         string        `yaml:"system_prompt"`
	MemorySize           int           `yaml:"memory_size"`
	RateLimitMaxRequests int           `yaml:"rate_limit_max_requests"`
	RateLimitWindow      time.Duration `yaml:"rate_limit_window"`
	MaxInputChars        int           `yaml:"max_input_chars"`
	MaxOutputChars       int           `yaml:"max_output_chars"`
	Timeout              time.Duration `yaml:"timeout"`
	MaxUsers             int           `yaml:"max_users"`
	ReplyLanguage        string        `yaml:"reply_language"`
}

type WorkerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	PollJitter   float64       `yaml:"poll_jitter"`
	IdleLogEvery int           `yaml:"idle_log_every"`
}

type NotifyConfig struct {
	AMQPURL  string `yaml:"amqp_url"`
	Exchange string `yaml:"exchange"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() Config {
	return Config{
		Database: DatabaseConfig{DataDir: ".replyqueue"},
		Settings: SettingsConfig{DefaultMode: "draft"},
		Graph: GraphConfig{
			Version: "v25.0",
			BaseURL: "https://graph.facebook.com",
			Timeout: 30 * time.Second,
		},
		Webhook: WebhookConfig{
			Addr:            ":8080",
			MaxBodyBytes:    1 << 20,
			RateLimitWindow: time.Minute,
		},
		LLM: LLMConfig{
			Model:                "gpt-4o-mini",
			BaseURL:              "https://api.openai.com/v1",
			MemorySize:           8,
			RateLimitMaxRequests: 5,
			RateLimitWindow:      60 * time.Second,
			MaxInputChars:        1500,
			MaxOutputChars:       1200,
			Timeout:              30 * time.Second,
			MaxUsers:             10000,
			ReplyLanguage:        "English",
		},
		Worker: WorkerConfig{
			PollInterval: 3 * time.Second,
			IdleLogEvery: 20,
		},
		Notify: NotifyConfig{Exchange: "replyqueue.events"},
		Log:    LogConfig{Level: "info", Format: "auto"},
	}
}

// Load reads path (if non-empty) over the defaults, then applies environment
// overrides and resolves the backend profile.
func Load(path string) (Config, error) {
	cfg := Default()
	path = strings.TrimSpace(path)
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.resolveProfile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Database.DSN = stringEnv("DATABASE_URL", stringEnv("DABASE_URL", c.Database.DSN))
	c.Database.Profile = stringEnv("REPLYQUEUE_BACKEND_PROFILE", c.Database.Profile)
	c.Database.DataDir = stringEnv("REPLYQUEUE_DATA_DIR", c.Database.DataDir)

	c.Settings.DSN = stringEnv("REPLYQUEUE_SETTINGS_DSN", c.Settings.DSN)
	c.Settings.DefaultMode = stringEnv("IG_REPLY_MODE", c.Settings.DefaultMode)

	c.Graph.Token = stringEnv("META_TOKEN", c.Graph.Token)
	c.Graph.Version = stringEnv("META_GRAPH_VERSION", c.Graph.Version)
	c.Graph.BaseURL = stringEnv("META_GRAPH_BASE_URL", c.Graph.BaseURL)
	c.Graph.Timeout = durationEnv("META_GRAPH_TIMEOUT", c.Graph.Timeout)

	c.Webhook.Addr = stringEnv("REPLYQUEUE_ADDR", c.Webhook.Addr)
	c.Webhook.AppSecret = stringEnv("META_APP_SECRET", c.Webhook.AppSecret)
	c.Webhook.VerifyToken = stringEnv("META_VERIFY_TOKEN", c.Webhook.VerifyToken)
	c.Webhook.AdminToken = stringEnv("REPLYQUEUE_ADMIN_TOKEN", c.Webhook.AdminToken)
	c.Webhook.MaxBodyBytes = int64Env("REPLYQUEUE_MAX_BODY_BYTES", c.Webhook.MaxBodyBytes)
	c.Webhook.RateLimitMax = intEnv("REPLYQUEUE_RATE_LIMIT_MAX", c.Webhook.RateLimitMax)
	c.Webhook.RateLimitWindow = durationEnv("REPLYQUEUE_RATE_LIMIT_WINDOW", c.Webhook.RateLimitWindow)

	c.LLM.APIKey = stringEnv("OPENAI_API_KEY", c.LLM.APIKey)
	c.LLM.Model = stringEnv("OPENAI_MODEL", c.LLM.Model)
	c.LLM.BaseURL = stringEnv("OPENAI_BASE_URL", c.LLM.BaseURL)
	c.LLM.SystemPrompt = stringEnv("LLM_SYSTEM_PROMPT", c.LLM.SystemPrompt)
	c.LLM.MemorySize = intEnv("LLM_MEMORY_SIZE", c.LLM.MemorySize)
	c.LLM.RateLimitMaxRequests = intEnv("LLM_RATE_LIMIT_MAX_REQUESTS", c.LLM.RateLimitMaxRequests)
	c.LLM.RateLimitWindow = secondsEnv("LLM_RATE_LIMIT_WINDOW_SECONDS", c.LLM.RateLimitWindow)
	c.LLM.MaxInputChars = intEnv("LLM_MAX_INPUT_CHARS", c.LLM.MaxInputChars)
	c.LLM.MaxOutputChars = intEnv("LLM_MAX_OUTPUT_CHARS", c.LLM.MaxOutputChars)
	c.LLM.Timeout = durationEnv("LLM_TIMEOUT", c.LLM.Timeout)
	c.LLM.MaxUsers = intEnv("LLM_MAX_USERS", c.LLM.MaxUsers)
	c.LLM.ReplyLanguage = stringEnv("REPLY_LANGUAGE", c.LLM.ReplyLanguage)

	c.Worker.PollInterval = secondsEnv("IG_WORKER_POLL_SECONDS", c.Worker.PollInterval)
	c.Worker.PollJitter = floatEnv("IG_WORKER_POLL_JITTER", c.Worker.PollJitter)
	c.Worker.IdleLogEvery = intEnv("IG_WORKER_IDLE_LOG_EVERY", c.Worker.IdleLogEvery)
	if c.Worker.PollInterval < time.Second {
		c.Worker.PollInterval = time.Second
	}
	if c.Worker.IdleLogEvery < 1 {
		c.Worker.IdleLogEvery = 1
	}

	c.Notify.AMQPURL = stringEnv("REPLYQUEUE_AMQP_URL", c.Notify.AMQPURL)
	c.Notify.Exchange = stringEnv("REPLYQUEUE_AMQP_EXCHANGE", c.Notify.Exchange)

	c.Log.Level = stringEnv("REPLYQUEUE_LOG_LEVEL", c.Log.Level)
	c.Log.Format = stringEnv("REPLYQUEUE_LOG_FORMAT", c.Log.Format)
}

func (c *Config) resolveProfile() error {
	if strings.TrimSpace(c.Database.DSN) != "" {
		return nil
	}
	profile := strings.ToLower(strings.TrimSpace(c.Database.Profile))
	dataDir := strings.TrimSpace(c.Database.DataDir)
	if dataDir == "" {
		dataDir = ".replyqueue"
	}
	switch profile {
	case "", "custom":
		return nil
	case "memory", "inmemory":
		c.Database.DSN = "memory://"
	case "durable-local", "local-durable":
		c.Database.DSN = "sqlite://" + filepath.Join(dataDir, "replyqueue.db")
		if strings.TrimSpace(c.Settings.DSN) == "" {
			c.Settings.DSN = "file://" + filepath.Join(dataDir, "settings.yaml")
		}
	case "production", "prod":
		productionDSN := strings.TrimSpace(os.Getenv("REPLYQUEUE_POSTGRES_DSN"))
		if productionDSN == "" {
			return fmt.Errorf("DATABASE_URL or REPLYQUEUE_POSTGRES_DSN is required when backend profile is %s", profile)
		}
		c.Database.DSN = productionDSN
	default:
		return fmt.Errorf("unsupported backend profile: %s", profile)
	}
	return nil
}

// LLMEnabled reports whether a reply adapter can be built. Without a key the
// worker falls back to a fixed reply.
func (c Config) LLMEnabled() bool {
	return strings.TrimSpace(c.LLM.APIKey) != ""
}

// ValidateWorker fails fast on settings the worker cannot run without.
func (c Config) ValidateWorker() error {
	var errs []error
	if strings.TrimSpace(c.Database.DSN) == "" {
		errs = append(errs, errors.New("database dsn is required (DATABASE_URL)"))
	}
	if strings.TrimSpace(c.Graph.Token) == "" {
		errs = append(errs, errors.New("graph token is required (META_TOKEN)"))
	}
	return errors.Join(errs...)
}

// ValidateServer fails fast on settings the webhook server cannot run without.
func (c Config) ValidateServer() error {
	var errs []error
	if strings.TrimSpace(c.Database.DSN) == "" {
		errs = append(errs, errors.New("database dsn is required (DATABASE_URL)"))
	}
	if strings.TrimSpace(c.Webhook.VerifyToken) == "" {
		errs = append(errs, errors.New("webhook verify token is required (META_VERIFY_TOKEN)"))
	}
	return errors.Join(errs...)
}

// ValidateStore is the minimum for commands that only touch the database.
func (c Config) ValidateStore() error {
	if strings.TrimSpace(c.Database.DSN) == "" {
		return errors.New("database dsn is required (DATABASE_URL)")
	}
	return nil
}

func stringEnv(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("invalid integer env, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		slog.Warn("invalid integer env, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		slog.Warn("invalid float env, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("invalid duration env, using fallback", "name", name, "value", raw, "fallback", fallback.String())
		return fallback
	}
	return value
}

// secondsEnv reads a whole number of seconds.
func secondsEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("invalid seconds env, using fallback", "name", name, "value", raw, "fallback", fallback.String())
		return fallback
	}
	return time.Duration(seconds) * time.Second
}
