package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"parkwatch/internal/activity"
	"parkwatch/internal/api"
	"parkwatch/internal/capture"
	"parkwatch/internal/config"
	"parkwatch/internal/engine"
	"parkwatch/internal/ingest"
	"parkwatch/internal/logging"
	"parkwatch/internal/metrics"
	"parkwatch/internal/model"
	"parkwatch/internal/notify"
	"parkwatch/internal/storage"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "parkwatch.yaml", "path to YAML or JSON config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "parkwatch: %v\n", err)
		os.Exit(1)
	}
}

func run(path string) error {
	mgr, err := loadConfig(config.ResolvePath(path))
	if err != nil {
		return err
	}
	cfg := mgr.Get()
	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if mgr.Path() == "" {
		logger.Warn("config file not found, running with defaults", "path", path)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = store.Init(initCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}

	metricsStore := metrics.NewStore()
	activityStore := activity.NewStore(cfg.Activity.StoreLimit)

	dispatcher := notify.NewDispatcher(
		notify.New(cfg.Notify, logger),
		cfg.Notify.Workers,
		cfg.Notify.QueueSize,
		cfg.Notify.SendTimeout,
		logger,
		metricsStore,
	)
	dispatcher.Start(ctx)
	defer dispatcher.Close()

	capturer, err := capture.New(cfg.Capture)
	if err != nil {
		return fmt.Errorf("capture client: %w", err)
	}

	eng := engine.NewEngine(cfg, engine.Deps{
		Logger:   logger,
		Metrics:  metricsStore,
		Activity: activityStore,
		Store:    store,
		Outbox:   dispatcher,
		Capturer: capturer,
	})
	if _, err := eng.Recover(ctx); err != nil {
		return fmt.Errorf("recover open violations: %w", err)
	}

	events := make(chan model.TagEvent, cfg.Ingest.ChannelBuffer)
	sink := ingest.NewSink(mgr, events, logger, metricsStore)
	ingest.StartREST(ctx, mgr, sink, logger)
	ingest.StartTCPStream(ctx, mgr, sink, logger)
	ingest.StartUDP(ctx, mgr, sink, logger)
	ingest.StartFileTail(ctx, mgr, sink, logger)
	ingest.StartKafka(ctx, mgr, sink, logger)

	api.Start(ctx, api.NewServer(api.Options{
		Config:   mgr,
		Metrics:  metricsStore,
		Activity: activityStore,
		Store:    store,
		Engine:   eng,
		Logger:   logger,
		Version:  version,
	}))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return eng.Run(gctx, events)
	})
	g.Go(func() error {
		mgr.Watch(3*time.Second, func(next *config.Config) {
			logger.Info("config reloaded", "path", mgr.Path())
			eng.UpdateConfig(next)
		}, func(err error) {
			logger.Warn("config reload failed", "err", err)
		}, gctx.Done())
		return nil
	})

	logger.Info("parkwatch started",
		slog.String("version", version),
		slog.String("mode", cfg.Violation.Mode),
		slog.String("restricted_zone", cfg.Violation.RestrictedZone),
		slog.String("storage", cfg.Storage.Driver),
	)
	err = g.Wait()
	logger.Info("parkwatch stopped")
	return err
}

func loadConfig(path string) (*config.Manager, error) {
	mgr, err := config.NewManager(path)
	if errors.Is(err, fs.ErrNotExist) {
		return config.NewStaticManager(config.DefaultConfig()), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return mgr, nil
}
