package config

import (
	"encoding/json"
	"fmt"
)

// Config represents the main mnemo configuration
type Config struct {
	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Session storage
	Storage StorageConfig `json:"storage" mapstructure:"storage"`

	// Gateway server
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Tracing
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`

	// Store maintenance
	Maintenance MaintenanceConfig `json:"maintenance" mapstructure:"maintenance"`

	// Agent defaults
	Agent AgentConfig `json:"agent" mapstructure:"agent"`

	// AI configuration
	AI AIConfig `json:"ai" mapstructure:"ai"`

	// SourcePath is the file this config was loaded from. Empty for
	// configs built in memory. Not persisted.
	SourcePath string `json:"-" mapstructure:"-"`
}

// StorageConfig selects the session history backend
type StorageConfig struct {
	// Backend: disabled, memory, file, sqlite, blob, redis
	Backend string `json:"backend" mapstructure:"backend"`
	// Path is the database file (sqlite, blob) or directory (file)
	Path  string      `json:"path" mapstructure:"path"`
	Redis RedisConfig `json:"redis" mapstructure:"redis"`
}

// RedisConfig holds redis backend connection settings
type RedisConfig struct {
	Addr     string `json:"addr" mapstructure:"addr"`
	Password string `json:"password" mapstructure:"password"`
	DB       int    `json:"db" mapstructure:"db"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Enabled             bool   `json:"enabled" mapstructure:"enabled"`
	Port                int    `json:"port" mapstructure:"port"`
	Host                string `json:"host" mapstructure:"host"`
	SharedSecret        string `json:"shared_secret" mapstructure:"shared_secret"`
	TickIntervalSeconds int    `json:"tick_interval_seconds" mapstructure:"tick_interval_seconds"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// TracingConfig holds OpenTelemetry configuration
type TracingConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	ServiceName string `json:"service_name" mapstructure:"service_name"`
}

// MaintenanceConfig holds scheduled store upkeep configuration
type MaintenanceConfig struct {
	Enabled bool `json:"enabled" mapstructure:"enabled"`
	// Schedule is a 5-field cron expression
	Schedule string `json:"schedule" mapstructure:"schedule"`
}

// AgentConfig holds defaults for conversational turns
type AgentConfig struct {
	Model        string  `json:"model" mapstructure:"model"`
	Temperature  float64 `json:"temperature" mapstructure:"temperature"`
	MaxTokens    int     `json:"max_tokens" mapstructure:"max_tokens"`
	SystemPrompt string  `json:"system_prompt" mapstructure:"system_prompt"`
	MaxRetries   int     `json:"max_retries" mapstructure:"max_retries"`
}

// AIConfig holds AI provider configuration
type AIConfig struct {
	Profiles []AIProfile `json:"profiles" mapstructure:"profiles"`
}

// AIProfile represents an AI provider profile
type AIProfile struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"` // anthropic, openai
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	Priority int    `json:"priority" mapstructure:"priority"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		DataDir: "",
		Storage: StorageConfig{
			Backend: "sqlite",
			Redis: RedisConfig{
				Addr: "localhost:6379",
			},
		},
		Gateway: GatewayConfig{
			Enabled:             true,
			Port:                8080,
			Host:                "0.0.0.0",
			SharedSecret:        "",
			TickIntervalSeconds: 30,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "mnemo-daemon",
		},
		Maintenance: MaintenanceConfig{
			Enabled:  true,
			Schedule: "0 3 * * *",
		},
		Agent: AgentConfig{
			Model:       "claude-3-5-sonnet-20241022",
			Temperature: 0.7,
			MaxTokens:   4096,
			MaxRetries:  3,
		},
		AI: AIConfig{
			Profiles: []AIProfile{},
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

var validBackends = map[string]bool{
	"disabled": true,
	"memory":   true,
	"file":     true,
	"sqlite":   true,
	"blob":     true,
	"redis":    true,
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Storage.Backend != "" && !validBackends[c.Storage.Backend] {
		return fmt.Errorf("invalid storage backend %q (must be: disabled, memory, file, sqlite, blob, redis)", c.Storage.Backend)
	}
	if c.Storage.Backend == "redis" && c.Storage.Redis.Addr == "" {
		return fmt.Errorf("storage backend redis requires redis.addr")
	}

	if c.Gateway.Enabled {
		if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
			return fmt.Errorf("invalid gateway port %d", c.Gateway.Port)
		}
		if c.Gateway.SharedSecret == "" {
			return fmt.Errorf("gateway shared_secret is required when the gateway is enabled")
		}

		// The gateway serves turns, so it needs credentials.
		if len(c.AI.Profiles) == 0 {
			return fmt.Errorf("no AI credentials configured: at least one AI profile is required")
		}
	}

	for i, profile := range c.AI.Profiles {
		if profile.ID == "" {
			return fmt.Errorf("AI profile %d: ID is required", i)
		}
		if profile.Provider != "anthropic" && profile.Provider != "openai" {
			return fmt.Errorf("AI profile %s: invalid provider %q (must be: anthropic, openai)", profile.ID, profile.Provider)
		}
		if profile.APIKey == "" {
			return fmt.Errorf("AI profile %s: api_key is required", profile.ID)
		}
	}

	if c.Agent.Temperature < 0 || c.Agent.Temperature > 1 {
		return fmt.Errorf("agent temperature must be between 0 and 1, got %f", c.Agent.Temperature)
	}
	if c.Agent.MaxTokens < 0 {
		return fmt.Errorf("agent max_tokens must be >= 0")
	}
	if c.Agent.MaxRetries < 0 {
		return fmt.Errorf("agent max_retries must be >= 0")
	}

	if c.Maintenance.Enabled && c.Maintenance.Schedule == "" {
		return fmt.Errorf("maintenance schedule is required when maintenance is enabled")
	}

	if c.Logging.Level != "" {
		switch c.Logging.Level {
		case "debug", "info", "warn", "error":
		default:
			return fmt.Errorf("invalid log level %q (must be: debug, info, warn, error)", c.Logging.Level)
		}
	}

	return nil
}
