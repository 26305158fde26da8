// Package config provides configuration structures and loading logic for the secure transport.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/polisai/bey-transport/pkg/domain"
)

// Config holds the global configuration for a transport instance.
type Config struct {
	Mtls      MtlsConfig         `yaml:"mtls" json:"mtls"`
	Pool      PoolConfig         `yaml:"pool" json:"pool"`
	Policy    PolicyEngineConfig `yaml:"policy" json:"policy"`
	Telemetry TelemetryConfig    `yaml:"telemetry" json:"telemetry"`
	Logging   LoggingConfig      `yaml:"logging" json:"logging"`
	Admin     AdminConfig        `yaml:"admin" json:"admin"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	ServiceName  string `yaml:"service_name" json:"service_name"`
	OTLPEndpoint string `yaml:"otlp_endpoint" json:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure" json:"insecure"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// AdminConfig holds configuration for the admin HTTP listener of `serve`.
type AdminConfig struct {
	Address string `yaml:"address" json:"address"`
}

// Default returns a configuration populated with every documented default.
func Default() Config {
	return Config{
		Mtls:   DefaultMtlsConfig(),
		Pool:   DefaultPoolConfig(),
		Policy: DefaultPolicyEngineConfig(),
		Telemetry: TelemetryConfig{
			ServiceName: "bey-transport",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Admin: AdminConfig{
			Address: ":19090",
		},
	}
}

// Load reads configuration from a file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("BEY_CERTS_DIR"); val != "" {
		cfg.Mtls.CertificatesDir = val
	}
	if val := os.Getenv("BEY_MTLS_ENABLED"); val != "" {
		cfg.Mtls.Enabled = val == "true"
	}
	if val := os.Getenv("BEY_DEVICE_ID_PREFIX"); val != "" {
		cfg.Mtls.DeviceIDPrefix = val
	}

	if val := os.Getenv("BEY_POOL_MAX_CONNECTIONS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			cfg.Pool.MaxConnections = n
		}
	}
	if val := os.Getenv("BEY_POOL_MAX_PER_ADDR"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			cfg.Pool.MaxConnectionsPerAddr = n
		}
	}
	if val := os.Getenv("BEY_POOL_CONNECT_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Pool.ConnectTimeout = d
		}
	}
	if val := os.Getenv("BEY_POOL_STRATEGY"); val != "" {
		cfg.Pool.LoadBalanceStrategy = LoadBalanceStrategy(val)
	}

	if val := os.Getenv("BEY_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("BEY_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}

	if val := os.Getenv("BEY_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("BEY_ADMIN_ADDR"); val != "" {
		cfg.Admin.Address = val
	}
}

// Validate performs validation of the entire configuration
func (c *Config) Validate() error {
	if err := c.Mtls.Validate(); err != nil {
		return fmt.Errorf("mtls configuration: %w", err)
	}

	if err := c.Pool.Validate(); err != nil {
		return fmt.Errorf("pool configuration: %w", err)
	}

	if err := c.Policy.Validate(); err != nil {
		return fmt.Errorf("policy configuration: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}

	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		c.Telemetry.ServiceName = "bey-transport"
	}

	return nil
}

// Validate performs validation of logging configuration
func (c *LoggingConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}

	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level
	default:
		return invalidConfig("level", c.Level, "supported levels: debug, info, warn, error")
	}

	switch strings.ToLower(c.Format) {
	case "", "text":
		c.Format = "text"
	case "json":
		c.Format = "json"
	default:
		return invalidConfig("format", c.Format, "supported formats: text, json")
	}

	return nil
}

func invalidConfig(field string, value any, reason string) error {
	return domain.NewError(domain.CodeInvalidConfig, fmt.Sprintf("invalid configuration field '%s': %s", field, reason)).
		WithContext("field", field).
		WithContext("value", value)
}
