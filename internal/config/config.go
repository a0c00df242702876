// Package config holds the relay configuration: a JSON5 file overlaid with
// RELAY_* environment variables. Secrets (DSN, gateway token) are env-only
// and never written to the config file.
package config

import (
	"sync"
)

// Config is the root configuration for the relay gateway.
type Config struct {
	Gateway     GatewayConfig     `json:"gateway"`
	Database    DatabaseConfig    `json:"database,omitempty"`
	Maintenance MaintenanceConfig `json:"maintenance,omitempty"`
	Telemetry   TelemetryConfig   `json:"telemetry,omitempty"`

	// OnReload, when set, is invoked with the new limits after a hot reload
	// applies. Set before calling Watch.
	OnReload func(Limits) `json:"-"`

	mu sync.RWMutex
}

// GatewayConfig configures the HTTP/WebSocket gateway.
type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`

	// AuthToken is the static bearer token for the REST/WS surface.
	// Env-only (RELAY_GATEWAY_TOKEN); empty disables auth (dev mode).
	AuthToken string `json:"-"`

	// MaxMessageChars bounds message bodies; oversized sends fail validation
	// before any network call.
	MaxMessageChars int `json:"max_message_chars"`

	// RateLimitRPM is the per-connection send budget per minute.
	RateLimitRPM int `json:"rate_limit_rpm"`
}

// DatabaseConfig selects the storage backend.
// PostgresDSN is NEVER read from the config file (secret) — only from env
// RELAY_POSTGRES_DSN. When set, the gateway runs in managed mode.
type DatabaseConfig struct {
	PostgresDSN string `json:"-"`
	SQLitePath  string `json:"sqlite_path,omitempty"` // standalone mode database file
}

// IsManagedMode reports whether the gateway runs against Postgres.
func (c *Config) IsManagedMode() bool {
	return c.Database.PostgresDSN != ""
}

// MaintenanceConfig schedules the denormalized-counter reconciliation sweep.
type MaintenanceConfig struct {
	// RecountSchedule is a cron expression; empty disables the sweeper.
	RecountSchedule string `json:"recount_schedule,omitempty"`
}

// TelemetryConfig configures OTLP trace export.
type TelemetryConfig struct {
	Enabled  bool   `json:"enabled,omitempty"`
	Endpoint string `json:"endpoint,omitempty"` // host:port of the OTLP collector
	Protocol string `json:"protocol,omitempty"` // "grpc" (default) or "http"
	Service  string `json:"service,omitempty"`  // service.name resource attribute
}

// Limits are the hot-reloadable settings handed to OnReload: the gateway
// request limits and the maintenance schedule.
type Limits struct {
	Gateway     GatewayConfig
	Maintenance MaintenanceConfig
}

// Snapshot returns a copy of the mutable gateway limits under the config
// lock. Hot-reload rewrites these; readers must not cache them.
func (c *Config) Snapshot() GatewayConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Gateway
}

// applyLimits overwrites the hot-reloadable fields from a freshly loaded
// config. Host/port and backend selection require a restart and are ignored.
func (c *Config) applyLimits(next *Config) {
	c.mu.Lock()
	if next.Gateway.MaxMessageChars > 0 {
		c.Gateway.MaxMessageChars = next.Gateway.MaxMessageChars
	}
	if next.Gateway.RateLimitRPM > 0 {
		c.Gateway.RateLimitRPM = next.Gateway.RateLimitRPM
	}
	c.Maintenance = next.Maintenance
	lim := Limits{Gateway: c.Gateway, Maintenance: c.Maintenance}
	onReload := c.OnReload
	c.mu.Unlock()

	if onReload != nil {
		onReload(lim)
	}
}
