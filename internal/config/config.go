// Package config loads vaultbot configuration.
//
// Values are layered: built-in defaults, then an optional YAML file, then
// environment variables with the VAULT_ prefix (for example
// VAULT_STORAGE_DSN or VAULT_BACKENDS_FAST_MODEL). OPENAI_API_KEY and
// ANTHROPIC_API_KEY are honored when no key is configured for a backend of
// that provider.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/internal/backup"
	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/internal/contextbuilder"
	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/internal/dispatcher"
	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/internal/engine"
	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/internal/llm"
	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/internal/logging"
	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/internal/response"
	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/internal/storage"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "VAULT_"

// Security modes for the admin server.
const (
	SecurityDevelopment = "development"
	SecurityProduction  = "production"
)

// Config holds all configuration settings for vaultbot.
type Config struct {
	Log         logging.Config        `yaml:"log" envPrefix:"LOG_"`
	Storage     StorageConfig         `yaml:"storage" envPrefix:"STORAGE_"`
	Context     contextbuilder.Config `yaml:"context" envPrefix:"CONTEXT_"`
	Dispatch    dispatcher.Config     `yaml:"dispatch" envPrefix:"DISPATCH_"`
	Backends    BackendsConfig        `yaml:"backends" envPrefix:"BACKENDS_"`
	Response    response.Config       `yaml:"response" envPrefix:"RESPONSE_"`
	Persistence engine.Config         `yaml:"persistence" envPrefix:"PERSISTENCE_"`
	RulesFile   string                `yaml:"rules_file" env:"RULES_FILE"`
	Maintenance MaintenanceConfig     `yaml:"maintenance" envPrefix:"MAINTENANCE_"`
	Telegram    TelegramConfig        `yaml:"telegram" envPrefix:"TELEGRAM_"`
	Server      ServerConfig          `yaml:"server" envPrefix:"SERVER_"`
}

// StorageConfig selects the Memory Store backend and its caps.
type StorageConfig struct {
	Driver          string        `yaml:"driver" env:"DRIVER"` // sqlite or postgres
	DSN             string        `yaml:"dsn" env:"DSN"`
	MaxFactsPerUser int           `yaml:"max_facts_per_user" env:"MAX_FACTS_PER_USER"`
	MaxTurnsPerUser int           `yaml:"max_turns_per_user" env:"MAX_TURNS_PER_USER"`
	UsageRetention  time.Duration `yaml:"usage_retention" env:"USAGE_RETENTION"`
}

// Limits returns the per-user caps enforced on write.
func (s StorageConfig) Limits() storage.Limits {
	return storage.Limits{MaxFactsPerUser: s.MaxFactsPerUser, MaxTurnsPerUser: s.MaxTurnsPerUser}
}

// RetentionPolicy returns the policy applied by scheduled maintenance.
func (s StorageConfig) RetentionPolicy() storage.RetentionPolicy {
	return storage.RetentionPolicy{
		MaxFactsPerUser: s.MaxFactsPerUser,
		MaxTurnsPerUser: s.MaxTurnsPerUser,
		UsageRetention:  s.UsageRetention,
	}
}

// BackendsConfig configures the two generation backends.
type BackendsConfig struct {
	Fast      llm.BackendConfig `yaml:"fast" envPrefix:"FAST_"`
	Reasoning llm.BackendConfig `yaml:"reasoning" envPrefix:"REASONING_"`
}

// MaintenanceConfig schedules retention enforcement.
type MaintenanceConfig struct {
	// Schedule is a cron expression or descriptor such as "@every 1h".
	// Empty disables maintenance.
	Schedule string `yaml:"schedule" env:"SCHEDULE"`

	// Backup snapshots the SQLite store after each run when Dir is set.
	Backup backup.Config `yaml:"backup" envPrefix:"BACKUP_"`
}

// TelegramConfig configures the Telegram transport. An empty token disables
// it.
type TelegramConfig struct {
	Token       string        `yaml:"token" env:"TOKEN"`
	PollTimeout time.Duration `yaml:"poll_timeout" env:"POLL_TIMEOUT"`
}

// ServerConfig contains admin HTTP server configuration.
type ServerConfig struct {
	Host              string  `yaml:"host" env:"HOST"`
	Port              int     `yaml:"port" env:"PORT"` // 0 disables the server
	APIToken          string  `yaml:"api_token" env:"API_TOKEN"`
	SecurityMode      string  `yaml:"security_mode" env:"SECURITY_MODE"`
	RequestsPerSecond float64 `yaml:"requests_per_second" env:"RPS"`
	Burst             int     `yaml:"burst" env:"BURST"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Default returns the built-in configuration.
func Default() *Config {
	limits := storage.DefaultLimits()
	return &Config{
		Log: logging.DefaultConfig(),
		Storage: StorageConfig{
			Driver:          "sqlite",
			DSN:             "./data/vault.db",
			MaxFactsPerUser: limits.MaxFactsPerUser,
			MaxTurnsPerUser: limits.MaxTurnsPerUser,
			UsageRetention:  720 * time.Hour,
		},
		Context:  contextbuilder.DefaultConfig(),
		Dispatch: dispatcher.DefaultConfig(),
		Backends: BackendsConfig{
			Fast: llm.BackendConfig{
				Provider:          "openai",
				Model:             "gpt-4o-mini",
				Timeout:           30 * time.Second,
				Temperature:       0.7,
				RequestsPerSecond: 5,
				Burst:             10,
				Breaker:           llm.DefaultCircuitBreakerConfig(),
			},
			Reasoning: llm.BackendConfig{
				Provider:          "anthropic",
				Model:             "claude-sonnet-4-5",
				Timeout:           45 * time.Second,
				Temperature:       0.4,
				RequestsPerSecond: 2,
				Burst:             4,
				Breaker:           llm.DefaultCircuitBreakerConfig(),
			},
		},
		Response:    response.DefaultConfig(),
		Persistence: engine.DefaultConfig(),
		Maintenance: MaintenanceConfig{Schedule: "@every 1h", Backup: backup.Config{Keep: 24}},
		Telegram:    TelegramConfig{PollTimeout: 30 * time.Second},
		Server: ServerConfig{
			Host:              "127.0.0.1",
			Port:              6363,
			SecurityMode:      SecurityDevelopment,
			RequestsPerSecond: 10,
			Burst:             20,
		},
	}
}

// Load builds the configuration. path may be empty, in which case only
// defaults and the environment apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}

	cfg.applyProviderKeys()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyProviderKeys fills empty backend keys from the provider SDKs' usual
// environment variables.
func (c *Config) applyProviderKeys() {
	for _, b := range []*llm.BackendConfig{&c.Backends.Fast, &c.Backends.Reasoning} {
		if b.APIKey != "" {
			continue
		}
		switch b.Provider {
		case "openai":
			b.APIKey = os.Getenv("OPENAI_API_KEY")
		case "anthropic":
			b.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		}
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}

	switch c.Storage.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("storage.driver must be sqlite or postgres, got %q", c.Storage.Driver))
	}
	if strings.TrimSpace(c.Storage.DSN) == "" {
		errs = append(errs, errors.New("storage.dsn is required"))
	}
	if c.Storage.MaxFactsPerUser < 1 {
		errs = append(errs, fmt.Errorf("storage.max_facts_per_user must be >= 1, got %d", c.Storage.MaxFactsPerUser))
	}
	if c.Storage.MaxTurnsPerUser < 1 {
		errs = append(errs, fmt.Errorf("storage.max_turns_per_user must be >= 1, got %d", c.Storage.MaxTurnsPerUser))
	}
	if c.Storage.UsageRetention < 0 {
		errs = append(errs, fmt.Errorf("storage.usage_retention must be >= 0, got %v", c.Storage.UsageRetention))
	}

	if c.Context.RecentTurns < 0 || c.Context.MaxFacts < 0 {
		errs = append(errs, errors.New("context.recent_turns and context.max_facts must be >= 0"))
	}

	if c.Dispatch.OuterDeadline < 0 {
		errs = append(errs, fmt.Errorf("dispatch.outer_deadline must be >= 0, got %v", c.Dispatch.OuterDeadline))
	}

	for name, b := range map[string]llm.BackendConfig{"fast": c.Backends.Fast, "reasoning": c.Backends.Reasoning} {
		if b.Provider == "" {
			continue // backend disabled
		}
		switch b.Provider {
		case "openai", "anthropic":
		default:
			errs = append(errs, fmt.Errorf("backends.%s.provider must be openai or anthropic, got %q", name, b.Provider))
		}
		if b.Model == "" {
			errs = append(errs, fmt.Errorf("backends.%s.model is required", name))
		}
	}

	if c.Response.SafetyMargin < 0 || c.Response.SafetyMargin > 1 {
		errs = append(errs, fmt.Errorf("response.safety_margin must be within [0, 1], got %v", c.Response.SafetyMargin))
	}

	if err := c.Persistence.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("persistence: %w", err))
	}

	if c.Maintenance.Backup.Dir != "" && c.Storage.Driver != "sqlite" {
		errs = append(errs, errors.New("maintenance.backup requires the sqlite storage driver"))
	}

	switch c.Server.SecurityMode {
	case SecurityDevelopment:
	case SecurityProduction:
		if c.Server.Port != 0 && c.Server.APIToken == "" {
			errs = append(errs, errors.New("server.api_token is required in production mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("server.security_mode must be development or production, got %q", c.Server.SecurityMode))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: invalid: %w", errors.Join(errs...))
	}
	return nil
}
