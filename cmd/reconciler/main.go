// Command reconciler keeps the trade ledger in step with the broker account:
// it closes, resizes and detects trades, settles expired options and
// advances watchlist entries on a fixed cycle.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/eddiefleurent/ledgerkeeper/internal/broker"
	"github.com/eddiefleurent/ledgerkeeper/internal/cache"
	"github.com/eddiefleurent/ledgerkeeper/internal/config"
	"github.com/eddiefleurent/ledgerkeeper/internal/expiration"
	"github.com/eddiefleurent/ledgerkeeper/internal/notify"
	"github.com/eddiefleurent/ledgerkeeper/internal/reconciler"
	"github.com/eddiefleurent/ledgerkeeper/internal/server"
	"github.com/eddiefleurent/ledgerkeeper/internal/settings"
	"github.com/eddiefleurent/ledgerkeeper/internal/storage"
	"github.com/eddiefleurent/ledgerkeeper/internal/trigger"
	"github.com/eddiefleurent/ledgerkeeper/internal/watchlist"
)

func main() {
	var (
		configPath string
		once       bool
	)
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.BoolVar(&once, "once", false, "Run a single cycle and exit")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Environment.LogLevel)
	if err := run(cfg, logger, once); err != nil {
		logger.WithError(err).Fatal("reconciler stopped with error")
	}
	logger.Info("reconciler stopped")
}

func newLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)
	return logger
}

func run(cfg *config.Config, logger *logrus.Logger, once bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mode := "LIVE"
	if cfg.IsPaperTrading() {
		mode = "PAPER"
	}
	logger.WithFields(logrus.Fields{
		"mode":     mode,
		"provider": cfg.Broker.Provider,
		"storage":  cfg.Storage.DSN,
	}).Info("starting reconciler")

	store, err := storage.NewStorage(cfg.Storage.DSN)
	if err != nil {
		return fmt.Errorf("opening ledger: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.WithError(err).Warn("closing ledger")
		}
	}()

	brk := newBroker(cfg, logger)

	quotes, closeCache, err := newQuoteCache(ctx, cfg, brk, logger)
	if err != nil {
		return err
	}
	defer closeCache()

	sink, err := newSink(cfg, logger)
	if err != nil {
		return err
	}
	dcfg := notify.DefaultDispatcherConfig()
	dcfg.QueueSize = cfg.Notifications.QueueSize
	dcfg.RatePerSecond = cfg.Notifications.RatePerSecond
	dispatcher := notify.NewDispatcher(sink, dcfg, logger)

	provider, err := settings.NewFileProvider(cfg.SettingsPath, logger)
	if err != nil {
		return fmt.Errorf("loading settings: %w", err)
	}
	initial := provider.Current()
	engine := trigger.NewEngine(initial.TriggerTolerancePct, initial.SupportHoldPeriods, trigger.WithLogger(logger))

	positions := reconciler.New(store, brk, quotes, dispatcher, provider, reconciler.WithLogger(logger))
	expiry := expiration.New(store, brk, quotes, dispatcher, provider, expiration.WithLogger(logger))
	monitor := watchlist.NewMonitor(store, quotes, engine, dispatcher, provider, watchlist.WithLogger(logger))

	cycle := NewCycle(positions, expiry, monitor, cfg.GetCheckInterval(), cfg.ShouldRunCycle, logger)

	if once {
		delivered := make(chan error, 1)
		go func() { delivered <- dispatcher.Run(ctx) }()
		st := cycle.RunOnce(ctx)
		dispatcher.Close()
		<-delivered
		if st.LastError != "" {
			return errors.New(st.LastError)
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error {
		defer dispatcher.Close()
		return cycle.Loop(gctx)
	})
	if cfg.ServerEnabled() {
		srv := server.NewServer(server.Config{Addr: cfg.Server.Addr, AuthToken: cfg.Server.AuthToken},
			store, cycle, expiry, logger)
		g.Go(func() error { return srv.Run(gctx) })
	}
	return g.Wait()
}

// newBroker builds the broker behind a circuit breaker. The json provider
// reads positions from a generic feed and quotes from Tradier.
func newBroker(cfg *config.Config, logger logrus.FieldLogger) broker.Broker {
	tradier := broker.NewTradierAPI(cfg.Broker.APIKey, cfg.Broker.AccountID, cfg.Broker.Sandbox, cfg.Broker.BaseURL).
		WithTimeout(cfg.GetBrokerTimeout()).
		WithLogger(logger)

	var b broker.Broker = tradier
	if cfg.Broker.Provider == "json" {
		b = broker.Combined{
			PositionFeed: broker.NewJSONFeed(cfg.Broker.FeedURL, cfg.Broker.FeedToken, logger),
			QuoteSource:  tradier,
		}
	}
	return broker.NewCircuitBreakerBroker(b, logger)
}

// newQuoteCache shares quotes across the three reconcilers, in Redis when
// configured and in process memory otherwise.
func newQuoteCache(ctx context.Context, cfg *config.Config, src broker.QuoteSource, logger logrus.FieldLogger) (*cache.QuoteCache, func(), error) {
	ttl := cfg.GetQuoteCacheTTL()
	if cfg.Redis.Addr == "" {
		return cache.NewQuoteCache(src, cache.NewMemoryStore(), ttl, logger), func() {}, nil
	}
	rs, err := cache.NewRedisStore(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to redis: %w", err)
	}
	closer := func() {
		if err := rs.Close(); err != nil {
			logger.WithError(err).Warn("closing redis")
		}
	}
	return cache.NewQuoteCache(src, rs, ttl, logger), closer, nil
}

func newSink(cfg *config.Config, logger logrus.FieldLogger) (notify.Sink, error) {
	logSink := notify.LogSink{Logger: logger}
	if cfg.Notifications.TelegramToken == "" {
		return logSink, nil
	}
	tg, err := notify.NewTelegramSink(cfg.Notifications.TelegramToken, cfg.Notifications.TelegramChatID)
	if err != nil {
		return nil, fmt.Errorf("creating telegram sink: %w", err)
	}
	return notify.MultiSink{logSink, tg}, nil
}
