package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/jmoiron/sqlx"

	"market_watcher/internal/alert"
	"market_watcher/internal/config"
	"market_watcher/internal/httpapi"
	"market_watcher/internal/publisher"
	"market_watcher/internal/scheduler"
	"market_watcher/internal/service"
	"market_watcher/internal/source/marketplace"
	"market_watcher/internal/storage/postgres"
	"market_watcher/internal/storage/sqlite"
)

type options struct {
	Config      string `short:"c" long:"config" env:"WATCHER_CONFIG" default:"config.yaml" description:"Path to config file"`
	LogLevel    string `long:"log-level" env:"WATCHER_LOG_LEVEL" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Override log level from config"`
	MigrateOnly bool   `long:"migrate-only" description:"Apply database schema and exit"`
}

type subscriptionStore interface {
	service.SubscriptionStore
	httpapi.SubscriptionStore
}

type stores struct {
	db            *sqlx.DB
	subscriptions subscriptionStore
	seen          service.SeenStore
}

func main() {
	var opts options
	if _, err := flags.NewParser(&opts, flags.Default).Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			return
		}
		os.Exit(2)
	}

	logger := setupLogger("info")

	cfg, err := config.Load(opts.Config)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if opts.LogLevel != "" {
		cfg.LogLevel = opts.LogLevel
	}
	logger = setupLogger(cfg.LogLevel)

	st, err := openStores(cfg.Database, logger)
	if err != nil {
		logger.Error("failed to open database", "driver", cfg.Database.Driver, "error", err)
		os.Exit(1)
	}
	defer st.db.Close()

	if opts.MigrateOnly {
		logger.Info("schema is up to date, exiting")
		return
	}

	if err := run(cfg, st, logger); err != nil {
		logger.Error("watcher stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, st *stores, logger *slog.Logger) error {
	dispatcher, err := newDispatcher(cfg.Delivery, logger)
	if err != nil {
		return err
	}
	defer dispatcher.Close()

	loc, err := time.LoadLocation(cfg.Watch.Timezone)
	if err != nil {
		return fmt.Errorf("load timezone: %w", err)
	}

	formatter, err := alert.NewFormatter(alert.Config{
		HomeCurrency:       cfg.Watch.HomeCurrency,
		HomeCurrencySymbol: cfg.Watch.HomeCurrencySymbol,
		Location:           loc,
	})
	if err != nil {
		return fmt.Errorf("create formatter: %w", err)
	}

	source := marketplace.New(marketplace.Config{
		BaseURL:        cfg.Source.BaseURL,
		UserAgent:      cfg.Source.UserAgent,
		Timeout:        cfg.Source.Timeout,
		MaxAttempts:    cfg.Source.Retry.MaxAttempts,
		InitialBackoff: cfg.Source.Retry.InitialBackoff,
		MaxBackoff:     cfg.Source.Retry.MaxBackoff,
	}, logger)

	watchService := service.NewWatchService(
		source,
		st.subscriptions,
		st.seen,
		formatter,
		dispatcher,
		logger,
		service.Config{
			PageSize:         cfg.Source.PageSize,
			MinFeedbackCount: cfg.Watch.MinFeedbackCount,
			CallTimeout:      cfg.Watch.CallTimeout,
			DeliveryRetry:    cfg.Delivery.Retry,
		},
	)

	sched := scheduler.NewScheduler(watchService, cfg.Watch.Interval, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	subs, err := st.subscriptions.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           httpapi.NewServer(httpapi.NewHandler(st.subscriptions, sched, logger), cfg.HTTP.APIKey, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			cancel()
		}
	}()

	logger.Info("starting market watcher",
		"source", source.Name(),
		"delivery", cfg.Delivery.Driver,
		"subscriptions", len(subs),
		"interval", cfg.Watch.Interval,
		"http_addr", cfg.HTTP.Addr,
	)

	err = sched.Start(ctx)

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Warn("http server shutdown", "error", shutdownErr)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("scheduler: %w", err)
	}

	logger.Info("market watcher stopped")
	return nil
}

func openStores(cfg config.DatabaseConfig, logger *slog.Logger) (*stores, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		db, err := sqlite.Open(cfg.Path)
		if err != nil {
			return nil, err
		}
		logger.Info("opened sqlite database", "path", cfg.Path)
		return &stores{
			db:            db,
			subscriptions: sqlite.NewSubscriptionStore(db),
			seen:          sqlite.NewSeenStore(db),
		}, nil
	default:
		version, err := postgres.Migrate(cfg.DSN())
		if err != nil {
			return nil, err
		}
		db, err := postgres.Connect(cfg.DSN())
		if err != nil {
			return nil, err
		}
		logger.Info("connected to database", "schema_version", version)
		return &stores{
			db:            db,
			subscriptions: postgres.NewSubscriptionStore(db),
			seen:          postgres.NewSeenStore(db),
		}, nil
	}
}

func newDispatcher(cfg config.DeliveryConfig, logger *slog.Logger) (service.Dispatcher, error) {
	switch cfg.Driver {
	case config.DeliveryRabbitMQ:
		rabbitMQ, err := publisher.NewRabbitMQ(publisher.Config{
			URL:      cfg.RabbitMQ.URL,
			Exchange: cfg.RabbitMQ.Exchange,
		}, logger)
		if err != nil {
			return nil, err
		}
		return rabbitMQ, nil
	default:
		return publisher.NewDiscord(publisher.DiscordConfig{
			BaseURL: cfg.Discord.BaseURL,
			Token:   cfg.Discord.Token,
			Timeout: cfg.Discord.Timeout,
		}, logger), nil
	}
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	handler := slog.NewJSONHandler(os.Stdout, opts)
	return slog.New(handler)
}
