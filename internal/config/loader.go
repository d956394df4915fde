package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies ALGOBOT_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known ALGOBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.LogLevel, "ALGOBOT_LOG_LEVEL")

	// ── Ledger ──
	setStr(&cfg.Ledger.DataDir, "ALGOBOT_LEDGER_DATA_DIR")
	setStr(&cfg.Ledger.BackupDir, "ALGOBOT_LEDGER_BACKUP_DIR")
	setInt(&cfg.Ledger.MaxBackups, "ALGOBOT_LEDGER_MAX_BACKUPS")
	setDuration(&cfg.Ledger.BackupRetention, "ALGOBOT_LEDGER_BACKUP_RETENTION")
	setBool(&cfg.Ledger.HedgeMode, "ALGOBOT_LEDGER_HEDGE_MODE")
	setInt(&cfg.Ledger.MaxRetries, "ALGOBOT_LEDGER_MAX_RETRIES")

	// ── Lock ──
	setStr(&cfg.Lock.Backend, "ALGOBOT_LOCK_BACKEND")
	setStr(&cfg.Lock.Dir, "ALGOBOT_LOCK_DIR")
	setDuration(&cfg.Lock.WriteTimeout, "ALGOBOT_LOCK_WRITE_TIMEOUT")
	setDuration(&cfg.Lock.ReadTimeout, "ALGOBOT_LOCK_READ_TIMEOUT")

	// ── Trading ──
	setFloat64(&cfg.Trading.DefaultTradeAmount, "ALGOBOT_TRADING_DEFAULT_TRADE_AMOUNT")
	setFloat64(&cfg.Trading.MaxTradeAmount, "ALGOBOT_TRADING_MAX_TRADE_AMOUNT")
	setFloat64(&cfg.Trading.StopLossPct, "ALGOBOT_TRADING_STOP_LOSS_PCT")
	setInt(&cfg.Trading.DefaultTakeProfitStages, "ALGOBOT_TRADING_DEFAULT_TAKE_PROFIT_STAGES")
	setBool(&cfg.Trading.AllowLong, "ALGOBOT_TRADING_ALLOW_LONG")
	setBool(&cfg.Trading.AllowShort, "ALGOBOT_TRADING_ALLOW_SHORT")
	setBool(&cfg.Trading.CloseOppositeOnEntry, "ALGOBOT_TRADING_CLOSE_OPPOSITE_ON_ENTRY")

	// ── Safety ──
	setBool(&cfg.Safety.Enabled, "ALGOBOT_SAFETY_ENABLED")
	setDuration(&cfg.Safety.Interval, "ALGOBOT_SAFETY_INTERVAL")
	setFloat64(&cfg.Safety.MaxStopLossPct, "ALGOBOT_SAFETY_MAX_STOP_LOSS_PCT")
	setDuration(&cfg.Safety.MaxAge, "ALGOBOT_SAFETY_MAX_AGE")

	// ── Reconcile / Shutdown ──
	setBool(&cfg.Reconcile.Enabled, "ALGOBOT_RECONCILE_ENABLED")
	setDuration(&cfg.Reconcile.Interval, "ALGOBOT_RECONCILE_INTERVAL")
	setBool(&cfg.Shutdown.ClosePositions, "ALGOBOT_SHUTDOWN_CLOSE_POSITIONS")
	setStr(&cfg.Shutdown.CloseMethod, "ALGOBOT_SHUTDOWN_CLOSE_METHOD")

	// ── Exchange ──
	setStr(&cfg.Exchange.Broker, "ALGOBOT_EXCHANGE_BROKER")
	setStr(&cfg.Exchange.PriceSource, "ALGOBOT_EXCHANGE_PRICE_SOURCE")
	setStr(&cfg.Exchange.BridgeURL, "ALGOBOT_EXCHANGE_BRIDGE_URL")
	setStr(&cfg.Exchange.BridgeAPIKey, "ALGOBOT_EXCHANGE_BRIDGE_API_KEY")
	setStr(&cfg.Exchange.PriceURL, "ALGOBOT_EXCHANGE_PRICE_URL")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "ALGOBOT_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "ALGOBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "ALGOBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ALGOBOT_REDIS_DB")
	setBool(&cfg.Redis.TLSEnabled, "ALGOBOT_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.Namespace, "ALGOBOT_REDIS_NAMESPACE")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "ALGOBOT_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "ALGOBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "ALGOBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "ALGOBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "ALGOBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "ALGOBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "ALGOBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "ALGOBOT_POSTGRES_SSL_MODE")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "ALGOBOT_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "ALGOBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "ALGOBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "ALGOBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "ALGOBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "ALGOBOT_S3_SECRET_KEY")
	setStr(&cfg.S3.ArchiveCron, "ALGOBOT_S3_ARCHIVE_CRON")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "ALGOBOT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "ALGOBOT_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "ALGOBOT_SERVER_API_KEY")
	setStr(&cfg.Server.WebhookSecret, "ALGOBOT_SERVER_WEBHOOK_SECRET")
	setStringSlice(&cfg.Server.CORSOrigins, "ALGOBOT_SERVER_CORS_ORIGINS")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "ALGOBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "ALGOBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "ALGOBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "ALGOBOT_NOTIFY_EVENTS")
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

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
