package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Gateway.Port != 18420 {
		t.Errorf("port = %d, want default 18420", cfg.Gateway.Port)
	}
	if cfg.Gateway.MaxMessageChars != 8000 {
		t.Errorf("max message chars = %d, want 8000", cfg.Gateway.MaxMessageChars)
	}
	if cfg.IsManagedMode() {
		t.Error("no DSN means standalone mode")
	}
}

func TestLoad_JSON5File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
		// comments are allowed
		gateway: {
			host: "127.0.0.1",
			port: 9000,
			max_message_chars: 2000,
			rate_limit_rpm: 30,
		},
		maintenance: {
			recount_schedule: "0 3 * * *",
		},
	}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Gateway.Host != "127.0.0.1" || cfg.Gateway.Port != 9000 {
		t.Errorf("listen = %s:%d", cfg.Gateway.Host, cfg.Gateway.Port)
	}
	if cfg.Gateway.MaxMessageChars != 2000 {
		t.Errorf("max message chars = %d", cfg.Gateway.MaxMessageChars)
	}
	if cfg.Gateway.RateLimitRPM != 30 {
		t.Errorf("rate limit = %d", cfg.Gateway.RateLimitRPM)
	}
	if cfg.Maintenance.RecountSchedule != "0 3 * * *" {
		t.Errorf("recount schedule = %q", cfg.Maintenance.RecountSchedule)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("RELAY_POSTGRES_DSN", "postgres://relay@localhost/relay")
	t.Setenv("RELAY_GATEWAY_TOKEN", "tok")
	t.Setenv("RELAY_GATEWAY_PORT", "7777")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if !cfg.IsManagedMode() {
		t.Error("DSN in env should select managed mode")
	}
	if cfg.Gateway.AuthToken != "tok" {
		t.Errorf("auth token = %q", cfg.Gateway.AuthToken)
	}
	if cfg.Gateway.Port != 7777 {
		t.Errorf("port = %d, want 7777", cfg.Gateway.Port)
	}
}

func TestLoad_SecretsNeverFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	// A DSN or token in the file must be ignored: those fields only bind
	// from the environment.
	content := `{
		database: { PostgresDSN: "postgres://leak" },
		gateway: { AuthToken: "leak" },
	}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.PostgresDSN != "" {
		t.Error("DSN must not load from the config file")
	}
	if cfg.Gateway.AuthToken != "" {
		t.Error("auth token must not load from the config file")
	}
}

func TestApplyLimits_HotReload(t *testing.T) {
	cfg := Default()

	var reloaded []Limits
	cfg.OnReload = func(lim Limits) { reloaded = append(reloaded, lim) }

	next := Default()
	next.Gateway.MaxMessageChars = 500
	next.Gateway.RateLimitRPM = 10
	next.Gateway.Port = 1 // not hot-reloadable
	next.Maintenance.RecountSchedule = "0 4 * * *"
	cfg.applyLimits(next)

	snap := cfg.Snapshot()
	if snap.MaxMessageChars != 500 {
		t.Errorf("max message chars = %d, want 500", snap.MaxMessageChars)
	}
	if snap.RateLimitRPM != 10 {
		t.Errorf("rate limit = %d, want 10", snap.RateLimitRPM)
	}
	if snap.Port != Default().Gateway.Port {
		t.Error("port must not change on hot reload")
	}

	if len(reloaded) != 1 {
		t.Fatalf("OnReload fired %d times, want 1", len(reloaded))
	}
	if reloaded[0].Gateway.RateLimitRPM != 10 {
		t.Errorf("callback saw rate %d, want 10", reloaded[0].Gateway.RateLimitRPM)
	}
	if reloaded[0].Maintenance.RecountSchedule != "0 4 * * *" {
		t.Errorf("callback saw schedule %q, want the reloaded one", reloaded[0].Maintenance.RecountSchedule)
	}
}

func TestApplyLimits_IgnoresZeroValues(t *testing.T) {
	cfg := Default()
	next := &Config{} // everything zero

	cfg.applyLimits(next)
	snap := cfg.Snapshot()
	if snap.MaxMessageChars != Default().Gateway.MaxMessageChars {
		t.Error("zero max chars must not clobber the running value")
	}
	if snap.RateLimitRPM != Default().Gateway.RateLimitRPM {
		t.Error("zero rate must not clobber the running value")
	}
}
