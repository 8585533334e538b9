package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/skypro1111/podcast-desilence-service/internal/config"
	"github.com/skypro1111/podcast-desilence-service/internal/desilence"
	"github.com/skypro1111/podcast-desilence-service/internal/library"
	"github.com/skypro1111/podcast-desilence-service/internal/metrics"
	"github.com/skypro1111/podcast-desilence-service/internal/notify"
	"github.com/skypro1111/podcast-desilence-service/internal/server"
	"github.com/skypro1111/podcast-desilence-service/internal/stream"
	"github.com/skypro1111/podcast-desilence-service/internal/watch"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "podcast-desilence-service"
	serviceVersion    = "1.0.0"

	webhookDrainTimeout = 30 * time.Second
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := cfg.Logging.NewLogger()
	defer logCloser.Close()

	if err := run(cfg, logger, *configPath); err != nil {
		logger.Error("Service failed", slog.String("error", err.Error()))
		logCloser.Close()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger, configPath string) error {
	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", configPath),
	)
	logger.Info("Configuration loaded",
		slog.Int("udp_port", cfg.Server.UDPPort),
		slog.String("bind_address", cfg.Server.BindAddress),
		slog.Int("max_concurrent_streams", cfg.Server.MaxConcurrentStreams),
		slog.Int("frame_duration_ms", cfg.Audio.FrameDurationMs),
		slog.Int("padding_duration_ms", cfg.Audio.PaddingDurationMs),
		slog.String("classifier", cfg.VAD.Classifier),
		slog.Int("aggressiveness", cfg.VAD.Aggressiveness),
		slog.String("library_dir", cfg.Library.Dir),
		slog.String("log_level", cfg.Logging.Level),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	appMetrics := metrics.NewMetrics(nil)
	logger.Info("Prometheus metrics initialized")

	classifier, err := cfg.VAD.ClassifierFactory()
	if err != nil {
		return fmt.Errorf("failed to create classifier: %w", err)
	}

	lib, err := library.Open(cfg.Library.Dir, logger, appMetrics)
	if err != nil {
		return fmt.Errorf("failed to open library: %w", err)
	}
	logger.Info("Library opened",
		slog.String("dir", lib.Dir()),
		slog.Int("episodes", lib.Count()),
	)

	// Subscribed before anything can save, so every episode is announced.
	var (
		webhook       *notify.Client
		unsubscribe   = func() {}
		webhookDone   chan struct{}
		webhookCancel context.CancelFunc = func() {}
	)
	if cfg.Webhook.Enabled() {
		webhook, err = notify.NewClient(notify.Config{
			URL:            cfg.Webhook.URL,
			APIKey:         cfg.Webhook.APIKey,
			Timeout:        cfg.Webhook.GetTimeoutDuration(),
			MaxRetries:     cfg.Webhook.MaxRetries,
			MaxConcurrent:  cfg.Webhook.MaxConcurrent,
			ServiceName:    serviceName,
			ServiceVersion: serviceVersion,
		}, logger, appMetrics)
		if err != nil {
			return fmt.Errorf("failed to create webhook client: %w", err)
		}

		var events <-chan library.Event
		events, unsubscribe = lib.Subscribe()
		var webhookCtx context.Context
		webhookCtx, webhookCancel = context.WithCancel(context.Background())
		webhookDone = make(chan struct{})
		go func() {
			defer close(webhookDone)
			webhook.Run(webhookCtx, events)
		}()
	}
	defer webhookCancel()
	defer unsubscribe()

	newProcessor := func(source string) (*desilence.Processor, error) {
		return desilence.NewProcessor(desilence.Options{
			FrameDurationMs:   cfg.Audio.FrameDurationMs,
			PaddingDurationMs: cfg.Audio.PaddingDurationMs,
			Classifier:        classifier,
			Source:            source,
		}, logger, appMetrics)
	}

	streamMgr, err := stream.NewManager(logger, cfg.Audio.GetStreamTimeoutDuration(), stream.Config{
		FrameDurationMs:   cfg.Audio.FrameDurationMs,
		PaddingDurationMs: cfg.Audio.PaddingDurationMs,
		Classifier:        classifier,
		MaxSessions:       cfg.Server.MaxConcurrentStreams,
		MaxGap:            uint32(cfg.Audio.MaxGap),
	}, lib, appMetrics)
	if err != nil {
		return fmt.Errorf("failed to create stream manager: %w", err)
	}
	defer streamMgr.Stop()
	logger.Info("Stream manager initialized",
		slog.Duration("stream_timeout", cfg.Audio.GetStreamTimeoutDuration()),
	)

	udpServer := server.NewUDPServer(&cfg.Server, logger, streamMgr, appMetrics)

	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpProcessor, err := newProcessor("http")
		if err != nil {
			return fmt.Errorf("failed to create processor: %w", err)
		}
		httpServer = server.NewHTTPServer(cfg.HTTP, logger, server.HTTPDeps{
			Config:    cfg,
			Streams:   streamMgr,
			UDP:       udpServer,
			Library:   lib,
			Processor: httpProcessor,
			Metrics:   appMetrics,
			Webhook:   webhook,
		})
	}

	// Stays nil, and never ready, when the inbox is not watched.
	var watcherDone chan error
	if cfg.Library.WatchInbox {
		inboxProcessor, err := newProcessor("inbox")
		if err != nil {
			return fmt.Errorf("failed to create processor: %w", err)
		}
		watcher, err := watch.New(watch.Config{
			InboxDir:          cfg.Library.InboxDir,
			MaxConcurrentJobs: cfg.Library.MaxConcurrentJobs,
			SettleDelay:       cfg.Library.GetSettleDelay(),
		}, inboxProcessor, lib, logger)
		if err != nil {
			return fmt.Errorf("failed to create inbox watcher: %w", err)
		}
		watcherDone = make(chan error, 1)
		go func() { watcherDone <- watcher.Run(ctx) }()
	}

	if err := udpServer.Start(); err != nil {
		return err
	}

	if httpServer != nil {
		if err := httpServer.Start(); err != nil {
			udpServer.Stop()
			return err
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("udp_address", udpServer.Addr().String()),
	)

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case err := <-watcherDone:
		if err != nil {
			logger.Error("Inbox watcher failed", slog.String("error", err.Error()))
		}
		watcherDone = nil
	}

	logger.Info("Starting graceful shutdown...")

	// Stop intake first, then let in-flight work finish.
	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
	}

	if err := udpServer.Stop(); err != nil {
		logger.Error("Error stopping UDP server", slog.String("error", err.Error()))
	}

	cancel()
	if watcherDone != nil {
		<-watcherDone
	}

	// Saves every open stream.
	streamMgr.Stop()

	if webhookDone != nil {
		unsubscribe()
		select {
		case <-webhookDone:
		case <-time.After(webhookDrainTimeout):
			logger.Warn("Webhook deliveries still pending, abandoning them")
			webhookCancel()
			<-webhookDone
		}
	}

	stats := udpServer.GetStatistics()
	logger.Info("Final server statistics",
		slog.Uint64("packets_received", stats.PacketsReceived),
		slog.Uint64("packets_processed", stats.PacketsProcessed),
		slog.Uint64("parse_errors", stats.ParseErrors),
		slog.Uint64("active_streams", stats.ActiveStreams),
		slog.Int("episodes", lib.Count()),
	)

	return nil
}
