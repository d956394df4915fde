package app

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	s3blob "github.com/BB13/algobot-public/internal/blob/s3"
	"github.com/BB13/algobot-public/internal/cache/redis"
	"github.com/BB13/algobot-public/internal/config"
	"github.com/BB13/algobot-public/internal/domain"
	"github.com/BB13/algobot-public/internal/exchange"
	"github.com/BB13/algobot-public/internal/ledger"
	"github.com/BB13/algobot-public/internal/lifecycle"
	"github.com/BB13/algobot-public/internal/lock"
	"github.com/BB13/algobot-public/internal/notify"
	"github.com/BB13/algobot-public/internal/reconcile"
	"github.com/BB13/algobot-public/internal/safety"
	"github.com/BB13/algobot-public/internal/server/handler"
	"github.com/BB13/algobot-public/internal/server/ws"
	"github.com/BB13/algobot-public/internal/store/file"
	"github.com/BB13/algobot-public/internal/store/journal"
	"github.com/BB13/algobot-public/internal/store/postgres"
)

// OutcomeJournal records and lists trade outcomes.
type OutcomeJournal interface {
	domain.OutcomeStore
	handler.OutcomeLister
}

// Dependencies bundles every component the modes need. It is built once by
// Wire and torn down by the cleanup function Wire returns.
type Dependencies struct {
	Store      *file.Store
	Ledger     *ledger.Repository
	Engine     *lifecycle.Engine
	Safety     *safety.Scheduler
	Reconciler *reconcile.Reconciler
	Dispatcher *notify.Dispatcher
	Hub        *ws.Hub
	// Archiver is nil unless S3 is enabled.
	Archiver *s3blob.Archiver

	Broker   domain.Broker
	Prices   domain.PriceSource
	Audit    domain.AuditStore
	Outcomes OutcomeJournal

	// RateLimiter is nil unless Redis is enabled.
	RateLimiter domain.RateLimiter
	Health      map[string]handler.CheckFunc
}

// Wire constructs the concrete implementations from cfg. Thresholds are read
// through provider on every use; cfg only decides which backends exist.
func Wire(ctx context.Context, cfg *config.Config, provider config.Source, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{Health: map[string]handler.CheckFunc{}}

	// --- Audit and outcomes: Postgres or local fallbacks ---
	if cfg.Postgres.Enabled {
		pg, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pg.Close)
		if cfg.Postgres.RunMigrations {
			if err := pg.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}
		deps.Audit = postgres.NewAuditStore(pg.Pool())
		deps.Outcomes = postgres.NewOutcomeStore(pg.Pool())
		deps.Health["postgres"] = pg.Ping
	} else {
		outcomes, err := journal.NewCSVOutcomes(filepath.Join(cfg.Ledger.DataDir, "trade_outcomes.csv"))
		if err != nil {
			return fail(fmt.Errorf("wire: journal: %w", err))
		}
		deps.Audit = journal.NewLogAudit(logger)
		deps.Outcomes = outcomes
	}

	// --- Redis: price cache, rate limiter, event bus, optional key locks ---
	var (
		rc  *redis.Client
		bus domain.EventBus
	)
	if cfg.Redis.Enabled {
		var err error
		rc, err = redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			Namespace:  cfg.Redis.Namespace,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = rc.Close() })
		bus = redis.NewEventBus(rc, cfg.Redis.StreamMaxLen)
		deps.RateLimiter = redis.NewRateLimiter(rc)
		deps.Health["redis"] = rc.Ping
	}

	// --- Locks: the store lease is always a file lock ---
	fileLocks, err := lock.NewFileLocker(cfg.Lock.Dir, cfg.Lock.RetryInterval.Duration, logger)
	if err != nil {
		return fail(fmt.Errorf("wire: lock: %w", err))
	}
	var keyLocks domain.LockManager = fileLocks
	if cfg.Lock.Backend == "redis" {
		keyLocks = redis.NewLockManager(rc, cfg.Lock.LeaseTTL.Duration, cfg.Lock.RetryInterval.Duration, logger)
	}

	// --- Position store ---
	store, err := file.New(file.Options{
		Dir:             cfg.Ledger.DataDir,
		ActiveFile:      cfg.Ledger.ActiveFile,
		ClosedFile:      cfg.Ledger.ClosedFile,
		BackupDir:       cfg.Ledger.BackupDir,
		BackupRetention: cfg.Ledger.BackupRetention.Duration,
		MaxBackups:      cfg.Ledger.MaxBackups,
		Fsync:           cfg.Ledger.Fsync,
		LockTimeout:     cfg.Lock.WriteTimeout.Duration,
		ReadLockTimeout: cfg.Lock.ReadTimeout.Duration,
		Audit:           deps.Audit,
	}, fileLocks, logger)
	if err != nil {
		return fail(fmt.Errorf("wire: store: %w", err))
	}
	deps.Store = store
	deps.Health["ledger"] = func(ctx context.Context) error {
		_, err := store.ListActive(ctx)
		return err
	}

	// --- S3 archive, also the store's last-resort restore source ---
	if cfg.S3.Enabled {
		bucket, err := s3blob.Open(ctx, s3blob.Config{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			ForcePathStyle: cfg.S3.ForcePathStyle,
			SSE:            cfg.S3.SSE,
			StorageClass:   cfg.S3.StorageClass,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.Archiver = s3blob.NewArchiver(bucket, bucket, store, s3blob.ArchiverOptions{
			Prefix:  cfg.S3.Prefix,
			Keep:    cfg.S3.KeepRemote,
			Deleter: bucket,
			Audit:   deps.Audit,
		}, logger)
		store.SetRemote(deps.Archiver)
		deps.Health["s3"] = bucket.Health
	}

	report, err := store.CheckIntegrity(ctx)
	if err != nil {
		return fail(fmt.Errorf("wire: ledger integrity: %w", err))
	}
	for _, p := range report.Restored {
		logger.Warn("wire: ledger partition restored at startup",
			slog.String("partition", string(p)),
			slog.String("source", report.Source[p]),
		)
	}

	// --- Prices and broker ---
	switch cfg.Exchange.PriceSource {
	case "rest":
		deps.Prices = exchange.NewRESTPriceSource(cfg.Exchange.PriceURL, cfg.Exchange.Timeout.Duration, cfg.Exchange.RetryCount)
	case "redis":
		rest := exchange.NewRESTPriceSource(cfg.Exchange.PriceURL, cfg.Exchange.Timeout.Duration, cfg.Exchange.RetryCount)
		deps.Prices = exchange.NewCachedPriceSource(redis.NewPriceCache(rc, time.Hour), rest, cfg.Exchange.PriceCacheTTL.Duration, logger)
	default:
		deps.Prices = exchange.NewStaticPriceSource(cfg.Exchange.PaperPrices)
	}
	switch cfg.Exchange.Broker {
	case "bridge":
		deps.Broker = exchange.NewBridgeBroker(exchange.BridgeConfig{
			BaseURL: cfg.Exchange.BridgeURL,
			APIKey:  cfg.Exchange.BridgeAPIKey,
			Timeout: cfg.Exchange.Timeout.Duration,
			Retries: cfg.Exchange.RetryCount,
		}, logger)
	default:
		deps.Broker = exchange.NewPaperBroker(deps.Prices, logger)
	}

	// --- Ledger and notification fan-out ---
	deps.Ledger = ledger.New(store, keyLocks, provider, logger)

	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID, cfg.Notify.SendTimeout.Duration))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL, cfg.Notify.SendTimeout.Duration))
	}
	var notifier *notify.Notifier
	if len(senders) > 0 {
		notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)
	}

	hubCfg := ws.Config{
		ActiveCount: func(ctx context.Context) (int, error) {
			ps, err := deps.Ledger.ListActive(ctx)
			return len(ps), err
		},
	}
	var sinks []notify.Sink
	if bus != nil {
		// Every process publishes to the bus; the hub relays it, so events
		// raised by worker processes reach dashboards too.
		sinks = append(sinks, notify.NewBusSink(bus, cfg.Redis.EventChannel))
		hubCfg.Bus, hubCfg.Channel = bus, cfg.Redis.EventChannel
	}
	deps.Hub = ws.NewHub(hubCfg, logger)
	if bus == nil {
		sinks = append(sinks, deps.Hub)
	}
	deps.Dispatcher = notify.NewDispatcher(notifier, sinks, cfg.Notify.QueueSize, cfg.Notify.SendTimeout.Duration, logger)

	// --- Core ---
	deps.Engine = lifecycle.New(lifecycle.Deps{
		Ledger:   deps.Ledger,
		Broker:   deps.Broker,
		Config:   provider,
		Events:   deps.Dispatcher,
		Audit:    deps.Audit,
		Outcomes: deps.Outcomes,
	}, logger)
	deps.Safety = safety.New(deps.Ledger, deps.Engine, deps.Prices, provider, deps.Dispatcher, logger)
	deps.Reconciler = reconcile.New(deps.Ledger, provider, deps.Audit, deps.Dispatcher, logger)

	logger.Info("wire: dependencies ready",
		slog.String("broker", cfg.Exchange.Broker),
		slog.String("price_source", cfg.Exchange.PriceSource),
		slog.String("lock_backend", cfg.Lock.Backend),
		slog.Bool("postgres", cfg.Postgres.Enabled),
		slog.Bool("redis", cfg.Redis.Enabled),
		slog.Bool("s3", cfg.S3.Enabled),
		slog.Int("senders", len(senders)),
	)
	return deps, cleanup, nil
}
