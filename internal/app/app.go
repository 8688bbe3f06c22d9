package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"whalewatch/internal/alerting"
	"whalewatch/internal/api"
	"whalewatch/internal/config"
	"whalewatch/internal/fetcher"
	"whalewatch/internal/scheduler"
	"whalewatch/internal/service"
	"whalewatch/internal/storage"
	"whalewatch/internal/stream"
	"whalewatch/internal/threshold"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newOpenInterestFetcher() fetcher.OpenInterestFetcher {
	return fetcher.NewOpenInterest(fetcher.OpenInterestOptions{
		BaseURL:     a.Config.OpenInterest.BaseURL,
		Symbol:      a.Config.OpenInterest.Symbol,
		Timeout:     a.Config.OpenInterest.RequestTimeout,
		MinInterval: a.Config.OpenInterest.MinRequestInterval,
	}, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

func (a *App) newDispatcher() *alerting.Dispatcher {
	if !a.Config.Alerting.Enabled {
		return nil
	}
	notifier := a.newNotifier()
	if notifier == nil {
		a.Logger.Warn().Msg("alerting enabled but no channel configured; alerts disabled")
		return nil
	}
	cfg := a.Config.Alerting
	return alerting.NewDispatcher(notifier, cfg.Symbol, decimal.NewFromFloat(cfg.MinQuantity), cfg.QueueSize, a.Logger)
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// ensureSchema retries schema creation a bounded number of times before giving up.
func (a *App) ensureSchema(ctx context.Context, store *storage.Store) error {
	attempts := a.Config.Database.SchemaAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = store.EnsureSchema(ctx); err == nil {
			return nil
		}
		a.Logger.Warn().Err(err).Int("attempt", attempt).Int("attempts", attempts).Msg("ensure schema failed")
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(a.Config.Database.SchemaRetryDelay):
		}
	}
	return fmt.Errorf("ensure schema after %d attempts: %w", attempts, err)
}

// Run executes the long-running ingestion pipeline and API.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn not configured; cannot run without storage")
	}
	defer closeStore()

	if err := a.ensureSchema(ctx, store); err != nil {
		return err
	}

	registry := threshold.New(a.Config.Threshold.Key, decimal.NewFromFloat(a.Config.Threshold.Default), store, a.Logger)
	if err := registry.Initialize(ctx); err != nil {
		a.Logger.Warn().Err(err).Str("threshold", registry.Current().String()).
			Msg("threshold not loaded from storage; running with configured default")
	}

	dispatcher := a.newDispatcher()
	var onPersisted func(storage.Trade)
	if dispatcher != nil {
		onPersisted = func(t storage.Trade) { dispatcher.HandleTrade(t) }
	}

	ingester := stream.New(stream.Options{
		URL:              a.Config.Stream.URL,
		ReconnectDelay:   a.Config.Stream.ReconnectDelay,
		HandshakeTimeout: a.Config.Stream.HandshakeTimeout,
		ReadTimeout:      a.Config.Stream.ReadTimeout,
		WriteTimeout:     a.Config.Stream.WriteTimeout,
		QueueSize:        a.Config.Stream.QueueSize,
		DrainTimeout:     a.Config.Stream.DrainTimeout,
		OnPersisted:      onPersisted,
	}, registry, store, a.Logger)

	sched := scheduler.New(scheduler.Options{
		Interval:       a.Config.Scheduler.Interval,
		AlignToStart:   a.Config.Scheduler.AlignToBucket,
		StartupDelay:   a.Config.Scheduler.StartupDelay,
		RunImmediately: a.Config.Scheduler.RunImmediately,
		OnSkip:         service.RecordOverlap,
	}, a.Logger)
	poller := service.New(sched, a.newOpenInterestFetcher(), store, a.Config.Scheduler.AdvisoryLockKey, a.Logger)

	server := api.NewServer(api.Options{
		Address:           a.Config.API.Address,
		TradesLimit:       a.Config.API.TradesLimit,
		OpenInterestLimit: a.Config.API.OpenInterestLimit,
		StaticDir:         a.Config.API.StaticDir,
		ShutdownTimeout:   a.Config.API.ShutdownTimeout,
		QueryTimeout:      a.Config.API.QueryTimeout,
		IngesterState:     func() string { return ingester.State().String() },
	}, store, store, registry, a.Logger)

	a.Logger.Info().Str("threshold", registry.Current().String()).Msg("starting whalewatch")

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return ingester.Run(groupCtx) })
	group.Go(func() error { return poller.Run(groupCtx) })
	group.Go(func() error { return server.Run(groupCtx) })
	if dispatcher != nil {
		group.Go(func() error { return dispatcher.Run(groupCtx) })
	}

	err = group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("whalewatch terminated with error")
		return err
	}

	a.Logger.Info().Msg("whalewatch stopped")
	return nil
}

// ExportOptions hold parameters for exporting history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}
