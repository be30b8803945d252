// Package config holds bridge settings: defaults, a YAML file, then
// BRIDGE_-prefixed environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. BRIDGE_GATEWAY_PORT.
const EnvPrefix = "BRIDGE_"

// Config is the full bridge configuration.
type Config struct {
	Gateway     GatewayConfig     `yaml:"gateway" envPrefix:"GATEWAY_"`
	Router      RouterConfig      `yaml:"router" envPrefix:"ROUTER_"`
	Dispatch    DispatchConfig    `yaml:"dispatch" envPrefix:"DISPATCH_"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics" envPrefix:"DIAGNOSTICS_"`
	Engine      EngineConfig      `yaml:"engine" envPrefix:"ENGINE_"`
	Log         LogConfig         `yaml:"log" envPrefix:"LOG_"`
}

// GatewayConfig controls the HTTP/WebSocket listener.
type GatewayConfig struct {
	Host           string   `yaml:"host" env:"HOST"`
	Port           int      `yaml:"port" env:"PORT"`
	APIKey         string   `yaml:"api_key" env:"API_KEY"`
	AllowedOrigins []string `yaml:"allowed_origins" env:"ALLOWED_ORIGINS"`
	SendBuffer     int      `yaml:"send_buffer" env:"SEND_BUFFER"` // per-connection outbound frames
	MaxMessageSize int64    `yaml:"max_message_size" env:"MAX_MESSAGE_SIZE"`
}

// RouterConfig controls consumer roles.
type RouterConfig struct {
	Roles       []string `yaml:"roles" env:"ROLES"`
	DefaultRole string   `yaml:"default_role" env:"DEFAULT_ROLE"`
}

// DispatchConfig controls outbound classification.
type DispatchConfig struct {
	// TelemetryTypes go to diagnostics only, never to consumers.
	TelemetryTypes []string `yaml:"telemetry_types" env:"TELEMETRY_TYPES"`
}

// DiagnosticsConfig controls the traffic mirror.
type DiagnosticsConfig struct {
	Enabled      bool          `yaml:"enabled" env:"ENABLED"`
	Sinks        []string      `yaml:"sinks" env:"SINKS"` // ws, journal, hub
	Endpoint     string        `yaml:"endpoint" env:"ENDPOINT"`
	JournalPath  string        `yaml:"journal_path" env:"JOURNAL_PATH"`
	Buffer       int           `yaml:"buffer" env:"BUFFER"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ReconnectMin time.Duration `yaml:"reconnect_min" env:"RECONNECT_MIN"`
	ReconnectMax time.Duration `yaml:"reconnect_max" env:"RECONNECT_MAX"`
}

// EngineConfig controls the built-in demo engine used for local runs.
type EngineConfig struct {
	Demo         bool          `yaml:"demo" env:"DEMO"`
	PollInterval time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	MaxUpdates   int64         `yaml:"max_updates" env:"MAX_UPDATES"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level string `yaml:"level" env:"LEVEL"`
	JSON  bool   `yaml:"json" env:"JSON"`
}

// DefaultConfig returns the settings used when nothing overrides them.
func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:           "127.0.0.1",
			Port:           18790,
			SendBuffer:     256,
			MaxMessageSize: 1 << 20,
		},
		Router: RouterConfig{
			Roles:       []string{"ui", "console"},
			DefaultRole: "ui",
		},
		Dispatch: DispatchConfig{
			TelemetryTypes: []string{"update", "debug"},
		},
		Diagnostics: DiagnosticsConfig{
			Enabled:      false,
			Sinks:        []string{"hub"},
			Buffer:       1024,
			WriteTimeout: 2 * time.Second,
			ReconnectMin: 500 * time.Millisecond,
			ReconnectMax: 30 * time.Second,
		},
		Engine: EngineConfig{
			PollInterval: 20 * time.Millisecond,
			MaxUpdates:   1000,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load returns defaults plus environment overrides, reading path first when
// it is non-empty.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := DefaultConfig()
		if err := applyEnv(cfg); err != nil {
			return nil, err
		}
		return cfg, cfg.Validate()
	}
	return LoadFromFile(path)
}

// LoadFromFile loads config from a specific file path.
func LoadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer f.Close()
	return LoadFromReader(f)
}

// LoadFromReader loads YAML config from r, applying defaults and env overrides.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	return nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Gateway.Port < 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port %d out of range", c.Gateway.Port)
	}
	if c.Gateway.SendBuffer <= 0 {
		return fmt.Errorf("gateway.send_buffer must be positive")
	}
	if c.Gateway.MaxMessageSize <= 0 {
		return fmt.Errorf("gateway.max_message_size must be positive")
	}
	if len(c.Router.Roles) == 0 {
		return fmt.Errorf("router.roles must not be empty")
	}
	if !c.HasRole(c.Router.DefaultRole) {
		return fmt.Errorf("router.default_role %q is not in router.roles %v", c.Router.DefaultRole, c.Router.Roles)
	}
	if c.Diagnostics.Enabled {
		if c.Diagnostics.Buffer <= 0 {
			return fmt.Errorf("diagnostics.buffer must be positive")
		}
		for _, s := range c.Diagnostics.Sinks {
			switch strings.TrimSpace(s) {
			case "ws":
				if c.Diagnostics.Endpoint == "" {
					return fmt.Errorf("diagnostics sink ws requires diagnostics.endpoint")
				}
			case "journal":
				if c.Diagnostics.JournalPath == "" {
					return fmt.Errorf("diagnostics sink journal requires diagnostics.journal_path")
				}
			}
		}
		if c.Diagnostics.ReconnectMax < c.Diagnostics.ReconnectMin {
			return fmt.Errorf("diagnostics.reconnect_max is below reconnect_min")
		}
	}
	return nil
}

// HasRole reports whether role is configured.
func (c *Config) HasRole(role string) bool {
	for _, r := range c.Router.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Addr returns the gateway listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Gateway.Host, c.Gateway.Port)
}
