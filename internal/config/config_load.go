package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:            "0.0.0.0",
			Port:            18420,
			MaxMessageChars: 8000,
			RateLimitRPM:    60,
		},
		Database: DatabaseConfig{
			SQLitePath: "relay.db",
		},
		Telemetry: TelemetryConfig{
			Protocol: "grpc",
			Service:  "relay",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error: defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	envStr("RELAY_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("RELAY_SQLITE_PATH", &c.Database.SQLitePath)
	envStr("RELAY_GATEWAY_TOKEN", &c.Gateway.AuthToken)
	envStr("RELAY_GATEWAY_HOST", &c.Gateway.Host)
	envInt("RELAY_GATEWAY_PORT", &c.Gateway.Port)
	envInt("RELAY_MAX_MESSAGE_CHARS", &c.Gateway.MaxMessageChars)
	envStr("RELAY_OTLP_ENDPOINT", &c.Telemetry.Endpoint)
}
