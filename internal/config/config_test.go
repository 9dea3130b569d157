package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validConfig() Config {
	cfg := Defaults()
	cfg.Binance.APIKey = "key"
	cfg.Binance.APISecret = "secret"
	return cfg
}

func TestDefaultsValidateWithCredentials(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing api key", func(c *Config) { c.Binance.APIKey = "" }},
		{"missing secret and key path", func(c *Config) {
			c.Binance.APISecret = ""
			c.Binance.EncryptedKeyPath = ""
		}},
		{"zero request budget", func(c *Config) { c.Dispatcher.PerMinuteLimit = 0 }},
		{"empty tier table", func(c *Config) { c.Engine.Tiers = nil }},
		{"nonpositive trigger", func(c *Config) { c.Engine.Tiers[0].TriggerPct = 0 }},
		{"non-ascending triggers", func(c *Config) { c.Engine.Tiers[1].TriggerPct = 0.5 }},
		{"trailing before last tier", func(c *Config) { c.Engine.Tiers[0].TrailingPct = 1 }},
		{"partial fraction out of range", func(c *Config) { c.Engine.PartialCloseFrac = 1 }},
		{"unknown log level", func(c *Config) { c.LogLevel = "verbose" }},
		{"unknown mode", func(c *Config) { c.Mode = "panic" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestDefaultTierTable(t *testing.T) {
	cfg := Defaults()
	tiers := cfg.Engine.Tiers
	if len(tiers) != 4 {
		t.Fatalf("tier table has %d rungs", len(tiers))
	}
	if tiers[0].TriggerPct != 0.6 || tiers[0].StopPct != 0.3 {
		t.Fatalf("tier 0 = %+v", tiers[0])
	}
	last := tiers[len(tiers)-1]
	if last.TriggerPct != 5.0 || last.TrailingPct != 2.0 {
		t.Fatalf("trailing tier = %+v", last)
	}
	for _, mid := range tiers[:len(tiers)-1] {
		if mid.TrailingPct != 0 {
			t.Fatalf("non-last tier marked trailing: %+v", mid)
		}
	}
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
log_level = "debug"

[binance]
api_key = "file-key"
api_secret = "file-secret"

[engine]
usdt_per_trade = 25.0
cooldown_minutes = 90
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Binance.APIKey != "file-key" {
		t.Fatalf("api key = %q", cfg.Binance.APIKey)
	}
	if cfg.Engine.USDTPerTrade != 25 {
		t.Fatalf("usdt per trade = %v", cfg.Engine.USDTPerTrade)
	}
	if cfg.Engine.Cooldown() != 90*time.Minute {
		t.Fatalf("cooldown = %v", cfg.Engine.Cooldown())
	}
	// Untouched fields keep their defaults.
	if cfg.Dispatcher.PerMinuteLimit != 110 {
		t.Fatalf("per-minute limit = %d", cfg.Dispatcher.PerMinuteLimit)
	}
	if cfg.Binance.RESTHost != "https://fapi.binance.com" {
		t.Fatalf("rest host = %q", cfg.Binance.RESTHost)
	}
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
[binance]
api_key = "file-key"
api_secret = "file-secret"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("IRONGUARD_MODE", "reconcile")
	t.Setenv("IRONGUARD_BINANCE_API_KEY", "env-key")
	t.Setenv("IRONGUARD_ENGINE_USDT_PER_TRADE", "42.5")
	t.Setenv("IRONGUARD_SIGNALS_URLS", "https://a.example/sig, https://b.example/sig")
	t.Setenv("IRONGUARD_POSTGRES_RUN_MIGRATIONS", "true")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Mode != "reconcile" {
		t.Fatalf("mode = %q", cfg.Mode)
	}
	if cfg.Binance.APIKey != "env-key" {
		t.Fatalf("api key = %q", cfg.Binance.APIKey)
	}
	if cfg.Engine.USDTPerTrade != 42.5 {
		t.Fatalf("usdt per trade = %v", cfg.Engine.USDTPerTrade)
	}
	if len(cfg.Signals.URLs) != 2 || cfg.Signals.URLs[1] != "https://b.example/sig" {
		t.Fatalf("signal urls = %v", cfg.Signals.URLs)
	}
	if !cfg.Postgres.RunMigrations {
		t.Fatal("run_migrations override lost")
	}
}

func TestEnvOverrideIgnoresMalformedNumbers(t *testing.T) {
	t.Setenv("IRONGUARD_ENGINE_USDT_PER_TRADE", "not-a-number")
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Engine.USDTPerTrade != 10 {
		t.Fatalf("usdt per trade = %v, want the default", cfg.Engine.USDTPerTrade)
	}
}
