package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies IRONGUARD_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known IRONGUARD_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Mode, "IRONGUARD_MODE")

	setStr(&cfg.Binance.APIKey, "IRONGUARD_BINANCE_API_KEY")
	setStr(&cfg.Binance.APISecret, "IRONGUARD_BINANCE_API_SECRET")
	setStr(&cfg.Binance.EncryptedKeyPath, "IRONGUARD_BINANCE_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Binance.KeyPassword, "IRONGUARD_BINANCE_KEY_PASSWORD")
	setBool(&cfg.Binance.Testnet, "IRONGUARD_BINANCE_TESTNET")
	setStr(&cfg.Binance.RESTHost, "IRONGUARD_BINANCE_REST_HOST")
	setStr(&cfg.Binance.StreamHost, "IRONGUARD_BINANCE_STREAM_HOST")

	setList(&cfg.Signals.URLs, "IRONGUARD_SIGNALS_URLS")
	setInt(&cfg.Signals.FetchIntervalMs, "IRONGUARD_SIGNALS_FETCH_INTERVAL_MS")
	setInt(&cfg.Signals.MaxAgeMinutes, "IRONGUARD_SIGNALS_MAX_AGE_MINUTES")
	setList(&cfg.Signals.Blacklist, "IRONGUARD_SIGNALS_BLACKLIST")

	setStr(&cfg.Postgres.DSN, "IRONGUARD_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "IRONGUARD_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "IRONGUARD_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "IRONGUARD_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "IRONGUARD_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "IRONGUARD_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "IRONGUARD_POSTGRES_SSL_MODE")
	setBool(&cfg.Postgres.RunMigrations, "IRONGUARD_POSTGRES_RUN_MIGRATIONS")

	setStr(&cfg.Redis.Addr, "IRONGUARD_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "IRONGUARD_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "IRONGUARD_REDIS_DB")
	setBool(&cfg.Redis.TLSEnabled, "IRONGUARD_REDIS_TLS_ENABLED")

	setBool(&cfg.S3.Enabled, "IRONGUARD_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "IRONGUARD_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "IRONGUARD_S3_REGION")
	setStr(&cfg.S3.Bucket, "IRONGUARD_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "IRONGUARD_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "IRONGUARD_S3_SECRET_KEY")

	setInt(&cfg.Dispatcher.PerMinuteLimit, "IRONGUARD_DISPATCHER_PER_MINUTE_LIMIT")
	setInt(&cfg.Dispatcher.MinIntervalMs, "IRONGUARD_DISPATCHER_MIN_INTERVAL_MS")
	setInt(&cfg.Dispatcher.MaxRetries, "IRONGUARD_DISPATCHER_MAX_RETRIES")

	setFloat64(&cfg.Engine.USDTPerTrade, "IRONGUARD_ENGINE_USDT_PER_TRADE")
	setBool(&cfg.Engine.USDTIsMargin, "IRONGUARD_ENGINE_USDT_IS_MARGIN")
	setInt(&cfg.Engine.DefaultLeverage, "IRONGUARD_ENGINE_DEFAULT_LEVERAGE")
	setFloat64(&cfg.Engine.MaxNotionalUSDT, "IRONGUARD_ENGINE_MAX_NOTIONAL_USDT")
	setInt(&cfg.Engine.CooldownMinutes, "IRONGUARD_ENGINE_COOLDOWN_MINUTES")
	setInt(&cfg.Engine.MaxHoldMinutes, "IRONGUARD_ENGINE_MAX_HOLD_MINUTES")

	setStr(&cfg.Notify.TelegramToken, "IRONGUARD_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "IRONGUARD_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhook, "IRONGUARD_NOTIFY_DISCORD_WEBHOOK")

	setStr(&cfg.LogLevel, "IRONGUARD_LOG_LEVEL")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setList(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				out = append(out, s)
			}
		}
		*dst = out
	}
}
