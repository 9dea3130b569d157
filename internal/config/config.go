// Package config defines the top-level configuration for the ironguard
// engine and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by IRONGUARD_* environment
// variables.
type Config struct {
	Mode       string           `toml:"mode"`
	Binance    BinanceConfig    `toml:"binance"`
	Signals    SignalsConfig    `toml:"signals"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Dispatcher DispatcherConfig `toml:"dispatcher"`
	Engine     EngineConfig     `toml:"engine"`
	Gate       GateConfig       `toml:"gate"`
	Archive    ArchiveConfig    `toml:"archive"`
	Notify     NotifyConfig     `toml:"notify"`
	LogLevel   string           `toml:"log_level"`
}

// BinanceConfig holds exchange API endpoints and credentials. The secret may
// be given raw or as a path to an encrypted blob plus password.
type BinanceConfig struct {
	APIKey           string `toml:"api_key"`
	APISecret        string `toml:"api_secret"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
	Testnet          bool   `toml:"testnet"`
	RESTHost         string `toml:"rest_host"`
	StreamHost       string `toml:"stream_host"`
	RecvWindowMs     int    `toml:"recv_window_ms"`
}

// SignalsConfig holds the external signal source endpoints and acceptance
// rules.
type SignalsConfig struct {
	URLs            []string `toml:"urls"`
	FetchIntervalMs int      `toml:"fetch_interval_ms"`
	MaxAgeMinutes   int      `toml:"max_age_minutes"`
	Blacklist       []string `toml:"blacklist"`
	QuoteAsset      string   `toml:"quote_asset"`
	MaxPerLoop      int      `toml:"max_per_loop"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for history
// archival.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// DispatcherConfig bounds the signed-request dispatcher.
type DispatcherConfig struct {
	PerMinuteLimit int `toml:"per_minute_limit"`
	MinIntervalMs  int `toml:"min_interval_ms"`
	MaxRetries     int `toml:"max_retries"`
	QueueSize      int `toml:"queue_size"`
	StatsEverySec  int `toml:"stats_every_sec"`
}

// TierConfig is one rung of the trailing-stop ladder. TrailingPct > 0 marks
// the trailing (last) tier; otherwise StopPct is a fixed offset from entry.
type TierConfig struct {
	TriggerPct  float64 `toml:"trigger_pct"`
	StopPct     float64 `toml:"stop_pct"`
	TrailingPct float64 `toml:"trailing_pct"`
}

// EngineConfig holds position lifecycle parameters.
type EngineConfig struct {
	USDTPerTrade           float64      `toml:"usdt_per_trade"`
	USDTIsMargin           bool         `toml:"usdt_is_margin"`
	DefaultLeverage        int          `toml:"default_leverage"`
	MaxNotionalUSDT        float64      `toml:"max_notional_usdt"`
	StopLossPct            float64      `toml:"stop_loss_pct"`
	MaxHoldMinutes         int          `toml:"max_hold_minutes"`
	MaxExtendMinutes       int          `toml:"max_extend_minutes"`
	CooldownMinutes        int          `toml:"cooldown_minutes"`
	PartialCloseFrac       float64      `toml:"partial_close_frac"`
	PartialCloseOn         bool         `toml:"partial_close_on"`
	BreakevenBufferPct     float64      `toml:"breakeven_buffer_pct"`
	QuickProtectEnterPct   float64      `toml:"quick_protect_enter_pct"`
	QuickProtectCloseToPct float64      `toml:"quick_protect_close_to_pct"`
	CheckIntervalMs        int          `toml:"check_interval_ms"`
	EntryWaitSeconds       int          `toml:"entry_wait_seconds"`
	MaxDrawdownPct         float64      `toml:"max_drawdown_pct"`
	ATRStopMultiplier      float64      `toml:"atr_stop_multiplier"`
	Tiers                  []TierConfig `toml:"tiers"`
	TierBufferPct          float64      `toml:"tier_buffer_pct"`
	HistoryKeep            int          `toml:"history_keep"`
}

// GateConfig holds parameters for the gating collaborators.
type GateConfig struct {
	BTCFilter        bool    `toml:"btc_filter"`
	BTCSymbol        string  `toml:"btc_symbol"`
	BTCCacheSeconds  int     `toml:"btc_cache_seconds"`
	ScoreFilter      bool    `toml:"score_filter"`
	VolSizing        bool    `toml:"vol_sizing"`
	TargetVolatility float64 `toml:"target_volatility"`
	MinScale         float64 `toml:"min_scale"`
	MaxScale         float64 `toml:"max_scale"`
}

// ArchiveConfig bounds the history-to-S3 archival pipeline.
type ArchiveConfig struct {
	RetentionDays   int `toml:"retention_days"`
	IntervalMinutes int `toml:"interval_minutes"`
}

// NotifyConfig holds notification channel credentials and the event filter.
type NotifyConfig struct {
	TelegramToken  string   `toml:"telegram_token"`
	TelegramChatID string   `toml:"telegram_chat_id"`
	DiscordWebhook string   `toml:"discord_webhook"`
	Events         []string `toml:"events"`
}

// Defaults returns the built-in configuration. The tier table and dispatcher
// bounds match the engine's production defaults.
func Defaults() Config {
	return Config{
		Mode: "trade",
		Binance: BinanceConfig{
			RESTHost:     "https://fapi.binance.com",
			StreamHost:   "wss://fstream.binance.com",
			RecvWindowMs: 60000,
		},
		Signals: SignalsConfig{
			FetchIntervalMs: 60000,
			MaxAgeMinutes:   15,
			QuoteAsset:      "USDT",
			MaxPerLoop:      50,
		},
		Postgres: PostgresConfig{
			SSLMode:      "disable",
			PoolMaxConns: 8,
			PoolMinConns: 1,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 8,
		},
		Dispatcher: DispatcherConfig{
			PerMinuteLimit: 110,
			MinIntervalMs:  120,
			MaxRetries:     3,
			QueueSize:      256,
			StatsEverySec:  30,
		},
		Engine: EngineConfig{
			USDTPerTrade:           10,
			DefaultLeverage:        10,
			MaxNotionalUSDT:        500,
			StopLossPct:            2.5,
			MaxHoldMinutes:         60,
			MaxExtendMinutes:       60,
			CooldownMinutes:        60,
			PartialCloseFrac:       0.5,
			PartialCloseOn:         true,
			BreakevenBufferPct:     0.3,
			QuickProtectEnterPct:   1.2,
			QuickProtectCloseToPct: 0.3,
			CheckIntervalMs:        15000,
			EntryWaitSeconds:       5,
			MaxDrawdownPct:         20,
			ATRStopMultiplier:      2.0,
			TierBufferPct:          0.1,
			HistoryKeep:            2000,
			Tiers: []TierConfig{
				{TriggerPct: 0.6, StopPct: 0.3},
				{TriggerPct: 1.5, StopPct: 1.0},
				{TriggerPct: 3.0, StopPct: 2.0},
				{TriggerPct: 5.0, TrailingPct: 2.0},
			},
		},
		Gate: GateConfig{
			BTCFilter:        true,
			BTCSymbol:        "BTCUSDT",
			BTCCacheSeconds:  60,
			ScoreFilter:      true,
			VolSizing:        true,
			TargetVolatility: 2.0,
			MinScale:         0.5,
			MaxScale:         2.0,
		},
		Archive: ArchiveConfig{
			RetentionDays:   30,
			IntervalMinutes: 60,
		},
		LogLevel: "info",
	}
}

// Validate checks invariants that would otherwise surface as confusing
// runtime failures.
func (c *Config) Validate() error {
	if c.Binance.APIKey == "" {
		return fmt.Errorf("config: binance.api_key is required")
	}
	if c.Binance.APISecret == "" && c.Binance.EncryptedKeyPath == "" {
		return fmt.Errorf("config: binance.api_secret or binance.encrypted_key_path is required")
	}
	if c.Dispatcher.PerMinuteLimit <= 0 {
		return fmt.Errorf("config: dispatcher.per_minute_limit must be positive")
	}
	if len(c.Engine.Tiers) == 0 {
		return fmt.Errorf("config: engine.tiers must not be empty")
	}
	for i, t := range c.Engine.Tiers {
		if t.TriggerPct <= 0 {
			return fmt.Errorf("config: engine.tiers[%d].trigger_pct must be positive", i)
		}
		if i > 0 && t.TriggerPct <= c.Engine.Tiers[i-1].TriggerPct {
			return fmt.Errorf("config: engine.tiers must have ascending trigger_pct")
		}
		if t.TrailingPct > 0 && i != len(c.Engine.Tiers)-1 {
			return fmt.Errorf("config: only the last tier may be trailing")
		}
	}
	if c.Engine.PartialCloseFrac <= 0 || c.Engine.PartialCloseFrac >= 1 {
		return fmt.Errorf("config: engine.partial_close_frac must be in (0, 1)")
	}
	if c.Signals.QuoteAsset == "" {
		return fmt.Errorf("config: signals.quote_asset is required")
	}
	switch strings.ToLower(c.Mode) {
	case "", "trade", "reconcile", "close-all":
	default:
		return fmt.Errorf("config: unknown mode %q", c.Mode)
	}
	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log_level %q", c.LogLevel)
	}
	return nil
}

// CheckInterval returns the risk-check cadence as a duration.
func (c *EngineConfig) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalMs) * time.Millisecond
}

// Cooldown returns the same-direction reopen cooldown as a duration.
func (c *EngineConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownMinutes) * time.Minute
}

// MaxSignalAge returns the signal age ceiling as a duration.
func (c *SignalsConfig) MaxSignalAge() time.Duration {
	return time.Duration(c.MaxAgeMinutes) * time.Minute
}
