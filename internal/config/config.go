// Package config defines the top-level configuration for algobot and provides
// validation helpers.
package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by ALGOBOT_* environment variables.
type Config struct {
	Ledger    LedgerConfig    `toml:"ledger"`
	Lock      LockConfig      `toml:"lock"`
	Trading   TradingConfig   `toml:"trading"`
	Safety    SafetyConfig    `toml:"safety"`
	Reconcile ReconcileConfig `toml:"reconcile"`
	Shutdown  ShutdownConfig  `toml:"shutdown"`
	Exchange  ExchangeConfig  `toml:"exchange"`
	Redis     RedisConfig     `toml:"redis"`
	Postgres  PostgresConfig  `toml:"postgres"`
	S3        S3Config        `toml:"s3"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	LogLevel  string          `toml:"log_level"`
	// ReloadInterval bounds how often the runtime provider stats the file.
	ReloadInterval duration `toml:"reload_interval"`
}

// LedgerConfig controls the file-backed position store and the repository
// sitting on top of it.
type LedgerConfig struct {
	DataDir         string   `toml:"data_dir"`
	ActiveFile      string   `toml:"active_file"`
	ClosedFile      string   `toml:"closed_file"`
	BackupDir       string   `toml:"backup_dir"`
	BackupRetention duration `toml:"backup_retention"`
	MaxBackups      int      `toml:"max_backups"`
	Fsync           bool     `toml:"fsync"`
	// HedgeMode allows several active positions per (symbol, side).
	HedgeMode    bool     `toml:"hedge_mode"`
	MaxRetries   int      `toml:"max_retries"`
	RetryBackoff duration `toml:"retry_backoff"`
}

// LockConfig controls the lock coordinator.
type LockConfig struct {
	Backend       string   `toml:"backend"` // "file" or "redis"
	Dir           string   `toml:"dir"`
	WriteTimeout  duration `toml:"write_timeout"`
	ReadTimeout   duration `toml:"read_timeout"`
	RetryInterval duration `toml:"retry_interval"`
	LeaseTTL      duration `toml:"lease_ttl"`
}

// TradingConfig holds sizing and take-profit parameters. These are re-read on
// every signal.
type TradingConfig struct {
	DefaultTradeAmount       float64              `toml:"default_trade_amount"`
	MaxTradeAmount           float64              `toml:"max_trade_amount"`
	StopLossPct              float64              `toml:"stop_loss_pct"`
	DefaultTakeProfitStages  int                  `toml:"default_take_profit_stages"`
	TakeProfitLevels         map[string][]float64 `toml:"take_profit_levels"`
	AllowLong                bool                 `toml:"allow_long"`
	AllowShort               bool                 `toml:"allow_short"`
	CloseOppositeOnEntry     bool                 `toml:"close_opposite_on_entry"`
	BreakevenAfterTakeProfit bool                 `toml:"breakeven_after_take_profit"`
	OrderTimeout             duration             `toml:"order_timeout"`
	QuantityPrecision        int32                `toml:"quantity_precision"`
}

// Levels returns the cumulative take-profit percentages configured for the
// given stage count, or nil when none are configured.
func (t TradingConfig) Levels(stages int) []float64 {
	return t.TakeProfitLevels[strconv.Itoa(stages)]
}

// SafetyConfig holds the guardrail scanner parameters.
type SafetyConfig struct {
	Enabled  bool     `toml:"enabled"`
	Interval duration `toml:"interval"`
	// MaxStopLossPct suppresses auto-close when the adverse move is beyond it
	// (flash-crash guard). Zero disables the guard.
	MaxStopLossPct float64  `toml:"max_stop_loss_pct"`
	MaxAge         duration `toml:"max_age"`
	Concurrency    int      `toml:"concurrency"`
	PriceTimeout   duration `toml:"price_timeout"`
}

// ReconcileConfig controls the ledger repair pass.
type ReconcileConfig struct {
	Enabled   bool     `toml:"enabled"`
	OnStartup bool     `toml:"on_startup"`
	Interval  duration `toml:"interval"`
}

// ShutdownConfig controls what happens to open positions when the bot stops.
type ShutdownConfig struct {
	ClosePositions bool     `toml:"close_positions"`
	CloseMethod    string   `toml:"close_method"` // "virtual" or "market"
	Timeout        duration `toml:"timeout"`
}

// ExchangeConfig selects the order capability and price source.
type ExchangeConfig struct {
	Broker        string             `toml:"broker"`       // "paper" or "bridge"
	PriceSource   string             `toml:"price_source"` // "paper", "rest" or "redis"
	BridgeURL     string             `toml:"bridge_url"`
	BridgeAPIKey  string             `toml:"bridge_api_key"`
	PriceURL      string             `toml:"price_url"`
	PriceCacheTTL duration           `toml:"price_cache_ttl"`
	PaperPrices   map[string]float64 `toml:"paper_prices"`
	Timeout       duration           `toml:"timeout"`
	RetryCount    int                `toml:"retry_count"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	// Namespace prefixes every key, so several bots can share a database.
	Namespace string `toml:"namespace"`
	// EventChannel is the pub/sub channel ledger events are published on;
	// StreamMaxLen caps the stream of the same name.
	EventChannel string `toml:"event_channel"`
	StreamMaxLen int64  `toml:"stream_max_len"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
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

// S3Config holds S3-compatible object storage parameters used for off-site
// ledger backups.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	ForcePathStyle bool   `toml:"force_path_style"`
	ArchiveCron    string `toml:"archive_cron"`
	// KeepRemote bounds the archived backups kept per partition.
	KeepRemote int `toml:"keep_remote"`
	// SSE and StorageClass are applied to every upload when set.
	SSE          string `toml:"sse"`
	StorageClass string `toml:"storage_class"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled         bool     `toml:"enabled"`
	Host            string   `toml:"host"`
	Port            int      `toml:"port"`
	APIKey          string   `toml:"api_key"`
	CORSOrigins     []string `toml:"cors_origins"`
	RateLimit       int      `toml:"rate_limit"`
	RateLimitWindow duration `toml:"rate_limit_window"`
	// WebhookSecret, when set, requires an HMAC-SHA256 X-Signature header on
	// every signal.
	WebhookSecret string `toml:"webhook_secret"`
	// ReplayWindow drops a signal identical to one received this recently.
	ReplayWindow duration `toml:"replay_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	QueueSize         int      `toml:"queue_size"`
	SendTimeout       duration `toml:"send_timeout"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Dur builds a duration value; it lets other packages fill config structs in tests.
func Dur(d time.Duration) duration {
	return duration{Duration: d}
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Ledger: LedgerConfig{
			DataDir:         "data",
			ActiveFile:      "positions_open.json",
			ClosedFile:      "positions_closed.json",
			BackupDir:       "backups",
			BackupRetention: duration{7 * 24 * time.Hour},
			MaxBackups:      500,
			Fsync:           true,
			MaxRetries:      3,
			RetryBackoff:    duration{200 * time.Millisecond},
		},
		Lock: LockConfig{
			Backend:       "file",
			Dir:           "data/locks",
			WriteTimeout:  duration{30 * time.Second},
			ReadTimeout:   duration{10 * time.Second},
			RetryInterval: duration{100 * time.Millisecond},
			LeaseTTL:      duration{60 * time.Second},
		},
		Trading: TradingConfig{
			DefaultTradeAmount:      1000,
			MaxTradeAmount:          1000,
			StopLossPct:             3,
			DefaultTakeProfitStages: 3,
			TakeProfitLevels: map[string][]float64{
				"1": {100},
				"2": {50, 100},
				"3": {33, 50, 100},
				"4": {25, 33, 50, 100},
			},
			AllowLong:            true,
			AllowShort:           true,
			CloseOppositeOnEntry: true,
			OrderTimeout:         duration{15 * time.Second},
			QuantityPrecision:    8,
		},
		Safety: SafetyConfig{
			Enabled:        true,
			Interval:       duration{60 * time.Second},
			MaxStopLossPct: 10,
			MaxAge:         duration{72 * time.Hour},
			Concurrency:    4,
			PriceTimeout:   duration{10 * time.Second},
		},
		Reconcile: ReconcileConfig{
			Enabled:   true,
			OnStartup: true,
			Interval:  duration{15 * time.Minute},
		},
		Shutdown: ShutdownConfig{
			ClosePositions: false,
			CloseMethod:    "virtual",
			Timeout:        duration{60 * time.Second},
		},
		Exchange: ExchangeConfig{
			Broker:        "paper",
			PriceSource:   "paper",
			BridgeURL:     "http://127.0.0.1:8787",
			PriceURL:      "https://api.binance.com",
			PriceCacheTTL: duration{5 * time.Second},
			PaperPrices:   map[string]float64{},
			Timeout:       duration{15 * time.Second},
			RetryCount:    2,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     10,
			MaxRetries:   3,
			Namespace:    "algobot",
			EventChannel: "positions",
			StreamMaxLen: 10000,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "algobot",
			User:          "algobot",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  1,
			RunMigrations: true,
		},
		S3: S3Config{
			Region:      "us-east-1",
			Prefix:      "ledger-backups",
			ArchiveCron: "0 4 * * *",
			KeepRemote:  200,
		},
		Server: ServerConfig{
			Enabled:         true,
			Host:            "0.0.0.0",
			Port:            8080,
			RateLimit:       120,
			RateLimitWindow: duration{time.Minute},
			ReplayWindow:    duration{5 * time.Second},
		},
		Notify: NotifyConfig{
			QueueSize:   256,
			SendTimeout: duration{10 * time.Second},
		},
		LogLevel:       "info",
		ReloadInterval: duration{5 * time.Second},
	}
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Ledger
	if strings.TrimSpace(c.Ledger.DataDir) == "" {
		errs = append(errs, "ledger: data_dir must not be empty")
	}
	if c.Ledger.ActiveFile == "" || c.Ledger.ClosedFile == "" {
		errs = append(errs, "ledger: active_file and closed_file must not be empty")
	}
	if c.Ledger.ActiveFile == c.Ledger.ClosedFile {
		errs = append(errs, "ledger: active_file and closed_file must differ")
	}
	if c.Ledger.MaxBackups < 1 {
		errs = append(errs, "ledger: max_backups must be >= 1")
	}
	if c.Ledger.BackupRetention.Duration <= 0 {
		errs = append(errs, "ledger: backup_retention must be positive")
	}
	if c.Ledger.MaxRetries < 0 {
		errs = append(errs, "ledger: max_retries must be >= 0")
	}

	// Lock
	switch c.Lock.Backend {
	case "file":
	case "redis":
		if !c.Redis.Enabled {
			errs = append(errs, "lock: backend \"redis\" requires redis.enabled")
		}
	default:
		errs = append(errs, fmt.Sprintf("lock: unknown backend %q (valid: file, redis)", c.Lock.Backend))
	}
	if c.Lock.Dir == "" {
		errs = append(errs, "lock: dir must not be empty")
	}
	if c.Lock.WriteTimeout.Duration <= 0 || c.Lock.ReadTimeout.Duration <= 0 {
		errs = append(errs, "lock: write_timeout and read_timeout must be positive")
	}
	if c.Lock.RetryInterval.Duration <= 0 {
		errs = append(errs, "lock: retry_interval must be positive")
	}

	errs = append(errs, c.Trading.validate()...)

	// Safety
	if c.Safety.Enabled && c.Safety.Interval.Duration <= 0 {
		errs = append(errs, "safety: interval must be positive")
	}
	if c.Safety.MaxStopLossPct < 0 {
		errs = append(errs, "safety: max_stop_loss_pct must be >= 0")
	}
	if c.Safety.MaxStopLossPct > 0 && c.Safety.MaxStopLossPct < c.Trading.StopLossPct {
		errs = append(errs, "safety: max_stop_loss_pct must be >= trading.stop_loss_pct")
	}
	if c.Safety.Concurrency < 1 {
		errs = append(errs, "safety: concurrency must be >= 1")
	}

	if c.Reconcile.Enabled && c.Reconcile.Interval.Duration <= 0 {
		errs = append(errs, "reconcile: interval must be positive")
	}

	switch c.Shutdown.CloseMethod {
	case "virtual", "market":
	default:
		errs = append(errs, fmt.Sprintf("shutdown: unknown close_method %q (valid: virtual, market)", c.Shutdown.CloseMethod))
	}

	// Exchange
	switch c.Exchange.Broker {
	case "paper":
	case "bridge":
		if c.Exchange.BridgeURL == "" {
			errs = append(errs, "exchange: bridge_url is required for broker \"bridge\"")
		}
	default:
		errs = append(errs, fmt.Sprintf("exchange: unknown broker %q (valid: paper, bridge)", c.Exchange.Broker))
	}
	switch c.Exchange.PriceSource {
	case "paper":
	case "rest":
		if c.Exchange.PriceURL == "" {
			errs = append(errs, "exchange: price_url is required for price_source \"rest\"")
		}
	case "redis":
		if !c.Redis.Enabled {
			errs = append(errs, "exchange: price_source \"redis\" requires redis.enabled")
		}
	default:
		errs = append(errs, fmt.Sprintf("exchange: unknown price_source %q (valid: paper, rest, redis)", c.Exchange.PriceSource))
	}

	// Redis
	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}

	// Postgres
	if c.Postgres.Enabled && strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.ArchiveCron == "" {
			errs = append(errs, "s3: archive_cron must not be empty")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
		if c.Server.ReplayWindow.Duration < 0 {
			errs = append(errs, "server: replay_window must be >= 0")
		}
	}

	if c.Notify.QueueSize < 1 {
		errs = append(errs, "notify: queue_size must be >= 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func (t TradingConfig) validate() []string {
	var errs []string
	if t.DefaultTradeAmount <= 0 {
		errs = append(errs, "trading: default_trade_amount must be positive")
	}
	if t.MaxTradeAmount < t.DefaultTradeAmount {
		errs = append(errs, "trading: max_trade_amount must be >= default_trade_amount")
	}
	if t.StopLossPct < 0 || t.StopLossPct >= 100 {
		errs = append(errs, "trading: stop_loss_pct must be in [0, 100)")
	}
	if t.DefaultTakeProfitStages < 1 {
		errs = append(errs, "trading: default_take_profit_stages must be >= 1")
	}
	if t.Levels(t.DefaultTakeProfitStages) == nil {
		errs = append(errs, fmt.Sprintf("trading: take_profit_levels has no entry for default stage count %d", t.DefaultTakeProfitStages))
	}
	keys := make([]string, 0, len(t.TakeProfitLevels))
	for k := range t.TakeProfitLevels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := ValidateLevels(t.TakeProfitLevels[k]); err != nil {
			errs = append(errs, fmt.Sprintf("trading: take_profit_levels[%s]: %v", k, err))
			continue
		}
		if n, err := strconv.Atoi(k); err != nil || n != len(t.TakeProfitLevels[k]) {
			errs = append(errs, fmt.Sprintf("trading: take_profit_levels[%s] must list exactly %s levels", k, k))
		}
	}
	if !t.AllowLong && !t.AllowShort {
		errs = append(errs, "trading: at least one of allow_long or allow_short must be true")
	}
	if t.OrderTimeout.Duration <= 0 {
		errs = append(errs, "trading: order_timeout must be positive")
	}
	return errs
}

// ValidateLevels checks a cumulative take-profit table: strictly increasing,
// within (0, 100], ending at 100.
func ValidateLevels(levels []float64) error {
	if len(levels) == 0 {
		return fmt.Errorf("no levels")
	}
	prev := 0.0
	for i, l := range levels {
		if l <= prev || l > 100 {
			return fmt.Errorf("level %d (%v) must be greater than %v and at most 100", i+1, l, prev)
		}
		prev = l
	}
	if prev != 100 {
		return fmt.Errorf("last level must be 100, got %v", prev)
	}
	return nil
}
