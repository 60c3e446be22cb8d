package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of environment variables that override file values.
// A double underscore separates nesting levels: TUNNELHOOK_SERVER__PORT.
const EnvPrefix = "TUNNELHOOK_"

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Tunnel    TunnelConfig    `koanf:"tunnel"`
	Storage   StorageConfig   `koanf:"storage"`
	Logging   LoggingConfig   `koanf:"logging"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Webhooks  []WebhookConfig `koanf:"webhooks"`
}

type ServerConfig struct {
	Host           string        `koanf:"host"`
	Port           int           `koanf:"port"`
	MaxBodyBytes   int64         `koanf:"max_body_bytes"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

// Addr returns the listen address.
func (c ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

type TunnelConfig struct {
	Provider string        `koanf:"provider"` // static, ngrok, localtunnel, tunnelmole
	Timeout  time.Duration `koanf:"timeout"`
	// Options are passed through to the provider untouched.
	Options map[string]any `koanf:"options"`
}

type StorageConfig struct {
	Type   string       `koanf:"type"` // memory, sqlite, none
	SQLite SQLiteConfig `koanf:"sqlite"`
	Memory MemoryConfig `koanf:"memory"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

type MemoryConfig struct {
	MaxPerWebhook int `koanf:"max_per_webhook"`
}

type LoggingConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // json, text
}

type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

// WebhookConfig declares a webhook created once the server is ready.
type WebhookConfig struct {
	ID   string `koanf:"id"`
	Data any    `koanf:"data"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

var defaults = map[string]any{
	"server.port":                    3000,
	"server.max_body_bytes":          1 << 20,
	"server.request_timeout":         "30s",
	"tunnel.provider":                "localtunnel",
	"tunnel.timeout":                 "30s",
	"storage.type":                   "memory",
	"storage.sqlite.path":            "./data/tunnelhook.db",
	"storage.memory.max_per_webhook": 100,
	"logging.level":                  "info",
	"logging.format":                 "json",
	"telemetry.service_name":         "tunnelhook",
}

// Load reads the YAML file at path, applies environment overrides and
// defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("load %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	for key, value := range defaults {
		if !k.Exists(key) {
			k.Set(key, value)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	// Substitute environment variables in tunnel options (auth tokens, hosts)
	cfg.Tunnel.Options = substituteOptions(cfg.Tunnel.Options)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           3000,
			MaxBodyBytes:   1 << 20,
			RequestTimeout: 30 * time.Second,
		},
		Tunnel: TunnelConfig{
			Provider: "localtunnel",
			Timeout:  30 * time.Second,
		},
		Storage: StorageConfig{
			Type:   "memory",
			SQLite: SQLiteConfig{Path: "./data/tunnelhook.db"},
			Memory: MemoryConfig{MaxPerWebhook: 100},
		},
		Logging:   LoggingConfig{Level: "info", Format: "json"},
		Telemetry: TelemetryConfig{ServiceName: "tunnelhook"},
	}
}

// Validate checks values that cannot be fixed by defaults.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	if c.Tunnel.Provider == "" {
		return fmt.Errorf("tunnel.provider is required")
	}
	switch c.Storage.Type {
	case "", "memory", "sqlite", "none":
	default:
		return fmt.Errorf("unknown storage.type %q (want memory, sqlite or none)", c.Storage.Type)
	}
	seen := make(map[string]bool, len(c.Webhooks))
	for i, wh := range c.Webhooks {
		if wh.ID == "" {
			return fmt.Errorf("webhooks[%d]: id is required", i)
		}
		if seen[wh.ID] {
			return fmt.Errorf("webhooks[%d]: duplicate id %q", i, wh.ID)
		}
		seen[wh.ID] = true
	}
	return nil
}

func substituteOptions(opts map[string]any) map[string]any {
	for key, value := range opts {
		switch v := value.(type) {
		case string:
			opts[key] = substituteEnvVars(v)
		case map[string]any:
			opts[key] = substituteOptions(v)
		}
	}
	return opts
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
