package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	s3blob "github.com/triplewz/ironguard/internal/blob/s3"
	"github.com/triplewz/ironguard/internal/cache/redis"
	"github.com/triplewz/ironguard/internal/config"
	"github.com/triplewz/ironguard/internal/crypto"
	"github.com/triplewz/ironguard/internal/dispatch"
	"github.com/triplewz/ironguard/internal/domain"
	"github.com/triplewz/ironguard/internal/engine"
	"github.com/triplewz/ironguard/internal/feed"
	"github.com/triplewz/ironguard/internal/gate"
	"github.com/triplewz/ironguard/internal/notify"
	"github.com/triplewz/ironguard/internal/pipeline"
	"github.com/triplewz/ironguard/internal/platform/binance"
	"github.com/triplewz/ironguard/internal/store/postgres"
)

// Dependencies bundles everything the run loops need. Constructed by Wire
// and torn down by the returned cleanup function.
type Dependencies struct {
	Dispatcher *dispatch.Dispatcher
	Exchange   *binance.Client
	Engine     *engine.Engine

	Positions domain.PositionStore
	History   domain.HistoryStore

	UserStream   *feed.UserStream
	MarketStream *feed.MarketStream
	SignalPoller *feed.SignalPoller

	Archiver *pipeline.Archiver
	Notifier *notify.Notifier
}

// Wire constructs all concrete dependencies from the configuration.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
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

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
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
	closers = append(closers, pgClient.Close)
	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			return fail(fmt.Errorf("wire: postgres migrations: %w", err))
		}
	}
	positions := postgres.NewPositionStore(pgClient.Pool())
	history := postgres.NewHistoryStore(pgClient.Pool())

	// --- Redis ---
	rdClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		return fail(fmt.Errorf("wire: redis: %w", err))
	}
	closers = append(closers, func() { _ = rdClient.Close() })
	stopCache := redis.NewStopOrderCache(rdClient)
	dirCache := redis.NewDirectionCache(rdClient)
	locks := redis.NewLockManager(rdClient)

	// --- Exchange client behind the dispatcher ---
	secret, err := crypto.LoadSecret(crypto.SecretConfig{
		RawSecret:     cfg.Binance.APISecret,
		EncryptedPath: cfg.Binance.EncryptedKeyPath,
		Password:      cfg.Binance.KeyPassword,
	})
	if err != nil {
		return fail(fmt.Errorf("wire: api secret: %w", err))
	}
	disp := dispatch.New(dispatch.Config{
		PerMinuteLimit: cfg.Dispatcher.PerMinuteLimit,
		MinInterval:    time.Duration(cfg.Dispatcher.MinIntervalMs) * time.Millisecond,
		QueueSize:      cfg.Dispatcher.QueueSize,
		StatsEvery:     time.Duration(cfg.Dispatcher.StatsEverySec) * time.Second,
	}, dispatch.DefaultPolicy(cfg.Dispatcher.MaxRetries), dispatch.RealClock(), logger)

	exch := binance.NewClient(binance.Config{
		RESTHost:   cfg.Binance.RESTHost,
		APIKey:     cfg.Binance.APIKey,
		RecvWindow: time.Duration(cfg.Binance.RecvWindowMs) * time.Millisecond,
	}, crypto.NewSigner(secret), disp, logger)

	// --- Notifier ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhook != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhook))
	}
	notifier := notify.NewNotifier(senders, cfg.Notify.Events, logger)

	// --- Gates ---
	var gates []interface {
		Check(ctx context.Context, sig domain.Signal) (domain.GateResult, error)
	}
	if cfg.Gate.BTCFilter {
		gates = append(gates, gate.NewBTCGate(exch, dirCache, cfg.Gate.BTCSymbol,
			time.Duration(cfg.Gate.BTCCacheSeconds)*time.Second, logger))
	}
	if cfg.Gate.ScoreFilter {
		gates = append(gates, gate.NewScoreGate(exch, 40, logger))
	}
	if cfg.Gate.VolSizing {
		gates = append(gates, gate.NewVolSizer(exch, cfg.Gate.TargetVolatility,
			cfg.Gate.MinScale, cfg.Gate.MaxScale, logger))
	}
	chain := gate.NewChain(cfg.Gate.MinScale, cfg.Gate.MaxScale, gates...)

	// --- Engine ---
	stops := engine.NewStopOrders(exch, stopCache, logger)
	acct := engine.NewAccountant(history, cfg.Engine.HistoryKeep, logger)
	eng := engine.New(cfg.Engine, exch, positions, stops, acct, locks, chain, notifier, logger)

	// --- Feeds ---
	deps := &Dependencies{
		Dispatcher:   disp,
		Exchange:     exch,
		Engine:       eng,
		Positions:    positions,
		History:      history,
		UserStream:   feed.NewUserStream(exch, eng, cfg.Binance.StreamHost, logger),
		MarketStream: feed.NewMarketStream(positions, eng, cfg.Binance.StreamHost, logger),
		SignalPoller: feed.NewSignalPoller(cfg.Signals, eng, logger),
		Notifier:     notifier,
	}

	// --- Archiver (optional) ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.Archiver = pipeline.NewArchiver(history, s3blob.NewWriter(s3Client),
			cfg.Archive.RetentionDays, logger)
	}

	return deps, cleanup, nil
}
