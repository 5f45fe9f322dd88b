// Package config provides YAML-based configuration loading for consult.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/zulandar/consult/internal/db"
	"gopkg.in/yaml.v3"
)

// Environment variables that override file values.
const (
	EnvAPIToken   = "CONSULT_API_TOKEN"
	EnvBackendURL = "CONSULT_BACKEND_URL"
	EnvStoreDSN   = "CONSULT_STORE_DSN"
)

// Transports.
const (
	TransportSSE       = "sse"
	TransportWebSocket = "websocket"
)

// Store drivers. sqlite and mysql reuse the db package names.
const (
	StoreSQLite = db.DriverSQLite
	StoreMySQL  = db.DriverMySQL
	StoreRedis  = "redis"
	StoreFile   = "file"
	StoreMemory = "memory"
)

// Config is the top-level consult configuration, loaded from consult.yaml.
type Config struct {
	Backend   BackendConfig   `yaml:"backend"`
	Store     StoreConfig     `yaml:"store"`
	Voice     VoiceConfig     `yaml:"voice"`
	Summary   SummaryConfig   `yaml:"summary"`
	Engine    EngineConfig    `yaml:"engine"`
	Logging   LoggingConfig   `yaml:"logging"`
	Dashboard DashboardConfig `yaml:"dashboard"`
}

// BackendConfig points at the consultation service.
type BackendConfig struct {
	BaseURL      string `yaml:"base_url"`
	Transport    string `yaml:"transport"`
	APIToken     string `yaml:"api_token"`
	HistoryLimit int    `yaml:"history_limit"`
	AgentType    string `yaml:"agent_type"`
}

// StoreConfig selects where the active-session record lives.
type StoreConfig struct {
	Driver        string `yaml:"driver"`
	Path          string `yaml:"path"`
	DSN           string `yaml:"dsn"`
	URL           string `yaml:"url"`
	PruneSchedule string `yaml:"prune_schedule"`
	RetentionDays int    `yaml:"retention_days"`
}

// Retention is RetentionDays as a duration.
func (s StoreConfig) Retention() time.Duration {
	return time.Duration(s.RetentionDays) * 24 * time.Hour
}

// VoiceConfig tunes barge-in detection.
type VoiceConfig struct {
	EnergyThreshold float64 `yaml:"energy_threshold"`
	SustainMS       int     `yaml:"sustain_ms"`
	PartialBargeIn  *bool   `yaml:"partial_barge_in"`
	MinPartialChars int     `yaml:"min_partial_chars"`
}

// Sustain is SustainMS as a duration.
func (v VoiceConfig) Sustain() time.Duration {
	return time.Duration(v.SustainMS) * time.Millisecond
}

// PartialBargeInEnabled reports the partial barge-in switch, on by default.
func (v VoiceConfig) PartialBargeInEnabled() bool {
	return v.PartialBargeIn == nil || *v.PartialBargeIn
}

// SummaryConfig is the engagement threshold for summaries.
type SummaryConfig struct {
	MinMessages     int `yaml:"min_messages"`
	MinUserMessages int `yaml:"min_user_messages"`
}

// EngineConfig holds orchestrator options.
type EngineConfig struct {
	FallbackReply   string `yaml:"fallback_reply"`
	ErrorRecoveryMS int    `yaml:"error_recovery_ms"`
}

// ErrorRecovery is ErrorRecoveryMS as a duration. Zero disables it.
func (e EngineConfig) ErrorRecovery() time.Duration {
	return time.Duration(e.ErrorRecoveryMS) * time.Millisecond
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	File       string `yaml:"file"`
	Production bool   `yaml:"production"`
	Debug      bool   `yaml:"debug"`
}

// DashboardConfig configures the HTTP adapter.
type DashboardConfig struct {
	Port int `yaml:"port"`
}

// Load reads a YAML config file from path and returns a validated Config.
// A .env file next to it is loaded first; variables already set win.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("config: load %s: %w", path, err)
	}
	return nil
}

// Parse unmarshals YAML bytes into a validated Config. Environment
// overrides are applied before validation.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyEnv(os.Getenv)
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv(EnvAPIToken); v != "" {
		c.Backend.APIToken = v
	}
	if v := getenv(EnvBackendURL); v != "" {
		c.Backend.BaseURL = v
	}
	if v := getenv(EnvStoreDSN); v != "" {
		switch c.Store.Driver {
		case StoreRedis:
			c.Store.URL = v
		case StoreSQLite, StoreFile, "":
			c.Store.Path = v
		default:
			c.Store.DSN = v
		}
	}
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Backend.Transport == "" {
		c.Backend.Transport = TransportSSE
	}
	if c.Backend.HistoryLimit == 0 {
		c.Backend.HistoryLimit = 50
	}
	if c.Backend.AgentType == "" {
		c.Backend.AgentType = "general"
	}
	if c.Store.Driver == "" {
		c.Store.Driver = StoreSQLite
	}
	if c.Store.Path == "" {
		switch c.Store.Driver {
		case StoreSQLite:
			c.Store.Path = "consult.db"
		case StoreFile:
			c.Store.Path = "consult-sessions.toml"
		}
	}
	if c.Store.PruneSchedule == "" {
		c.Store.PruneSchedule = "0 * * * *"
	}
	if c.Store.RetentionDays == 0 {
		c.Store.RetentionDays = 30
	}
	if c.Voice.EnergyThreshold == 0 {
		c.Voice.EnergyThreshold = 0.05
	}
	if c.Voice.SustainMS == 0 {
		c.Voice.SustainMS = 300
	}
	if c.Voice.MinPartialChars == 0 {
		c.Voice.MinPartialChars = 3
	}
	if c.Summary.MinMessages == 0 {
		c.Summary.MinMessages = 5
	}
	if c.Summary.MinUserMessages == 0 {
		c.Summary.MinUserMessages = 3
	}
	if c.Dashboard.Port == 0 {
		c.Dashboard.Port = 8080
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Backend.BaseURL == "" {
		errs = append(errs, "backend.base_url is required")
	} else if !strings.HasPrefix(c.Backend.BaseURL, "http://") && !strings.HasPrefix(c.Backend.BaseURL, "https://") {
		errs = append(errs, "backend.base_url must start with http:// or https://")
	}
	switch c.Backend.Transport {
	case TransportSSE, TransportWebSocket:
	default:
		errs = append(errs, fmt.Sprintf("backend.transport %q must be sse or websocket", c.Backend.Transport))
	}
	if c.Backend.HistoryLimit < 0 {
		errs = append(errs, "backend.history_limit must not be negative")
	}

	switch c.Store.Driver {
	case StoreSQLite, StoreFile:
	case StoreMySQL:
		if c.Store.DSN == "" {
			errs = append(errs, "store.dsn is required for mysql")
		} else if err := db.ValidateDSN(db.DriverMySQL, c.Store.DSN); err != nil {
			errs = append(errs, "store.dsn: "+err.Error())
		}
	case StoreRedis:
		if c.Store.URL == "" {
			errs = append(errs, "store.url is required for redis")
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported", c.Store.Driver))
	}
	if _, err := cron.ParseStandard(c.Store.PruneSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("store.prune_schedule %q: %v", c.Store.PruneSchedule, err))
	}
	if c.Store.RetentionDays < 0 {
		errs = append(errs, "store.retention_days must not be negative")
	}

	if c.Voice.EnergyThreshold < 0 || c.Voice.EnergyThreshold > 1 {
		errs = append(errs, "voice.energy_threshold must be between 0 and 1")
	}
	if c.Voice.SustainMS < 0 {
		errs = append(errs, "voice.sustain_ms must not be negative")
	}
	if c.Summary.MinMessages < 0 || c.Summary.MinUserMessages < 0 {
		errs = append(errs, "summary thresholds must not be negative")
	}
	if c.Summary.MinUserMessages > c.Summary.MinMessages {
		errs = append(errs, "summary.min_user_messages must not exceed summary.min_messages")
	}
	if c.Engine.ErrorRecoveryMS < 0 {
		errs = append(errs, "engine.error_recovery_ms must not be negative")
	}
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		errs = append(errs, fmt.Sprintf("dashboard.port %d is out of range", c.Dashboard.Port))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
