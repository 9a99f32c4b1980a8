package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"exam-proctor/internal/api"
	"exam-proctor/internal/config"
	"exam-proctor/internal/monitor"
	"exam-proctor/internal/proctor"
	"exam-proctor/internal/session"
	"exam-proctor/internal/storage"
)

func main() {
	// Structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := monitor.NewMetrics()
	var tracer *monitor.Tracer
	if cfg.Tracing.Enabled {
		tracer = monitor.NewTracer()
	}

	// Database is optional; without it closed sessions live only in memory
	// and reviews are unavailable.
	var db *storage.DB
	if cfg.Database.DSN != "" {
		db, err = storage.New(ctx, cfg.Database)
		if err != nil {
			log.Warn().Err(err).Msg("database unavailable, archive and reviews disabled")
			db = nil
		} else {
			defer db.Close()
			if err := db.EnsureSchema(ctx); err != nil {
				log.Fatal().Err(err).Msg("failed to apply schema")
			}
		}
	}

	var natsPub *storage.NATSPublisher
	if cfg.NATS.URL != "" {
		natsPub, err = storage.ConnectNATS(cfg.NATS)
		if err != nil {
			log.Warn().Err(err).Msg("NATS unavailable, termination fan-out disabled")
			natsPub = nil
		} else {
			defer natsPub.Close()
		}
	}

	events, closeEvents, err := openEventStore(cfg, db, natsPub)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Sink.Backend).Msg("failed to open event sink")
	}
	forwarder := storage.NewForwarder(events, cfg.Sink.BufferSize, cfg.Sink.MaxRetries, metrics)
	forwarder.Start()

	keys := monitor.NewKeyMonitor(monitor.CombosFromConfig(cfg.Proctor.ForbiddenKeys))
	hub := api.NewHub(cfg.Stream, cfg.Proctor, metrics)

	detector := monitor.NewDefaultDetector(keys)
	log.Info().Strs("monitors", detector.Monitors()).Int("forbidden_combos", len(keys.Combos())).Msg("detector configured")

	opts := proctor.Options{
		Sink:                    forwarder,
		Detector:                detector,
		Notifiers:               []proctor.Notifier{hub},
		Metrics:                 metrics,
		Tracer:                  tracer,
		AllowConcurrentAttempts: cfg.Proctor.AllowConcurrentAttempts,
		RetainClosed:            cfg.Proctor.RetainClosed,
		SweepInterval:           cfg.Proctor.SweepInterval,
		FeedBuffer:              cfg.Proctor.FeedBuffer,
	}
	if db != nil {
		opts.Archive = db
	}
	if natsPub != nil {
		opts.Notifiers = append(opts.Notifiers, natsPub)
	}
	registry := proctor.New(session.NewStore(), opts)
	hub.Bind(registry)
	go registry.Run(ctx)

	if _, statErr := os.Stat(configPath); statErr == nil {
		go func() {
			err := config.Watch(ctx, configPath, func(next *config.Config) {
				keys.SetCombos(monitor.CombosFromConfig(next.Proctor.ForbiddenKeys))
				log.Info().Int("combos", len(keys.Combos())).Msg("forbidden key table updated")
			})
			if err != nil {
				log.Warn().Err(err).Msg("config watch stopped")
			}
		}()
	}

	deps := api.Dependencies{
		Registry:   registry,
		Authorizer: api.NewKeyAuthorizer(cfg.Security.Invigilators),
		Hub:        hub,
		Events:     events,
		Sink:       forwarder,
		Metrics:    metrics,
	}
	if db != nil {
		deps.Reviews = db
		deps.History = db
		deps.Database = db
	}
	server := api.NewServer(ctx, cfg, deps)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}
		if err := registry.Close(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("registry shutdown incomplete")
		}
		forwarder.Flush(10 * time.Second)
		if err := closeEvents(); err != nil {
			log.Error().Err(err).Msg("event sink close error")
		}

		cancel()
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Str("sink", cfg.Sink.Backend).
		Bool("db_enabled", db != nil).
		Bool("nats_enabled", natsPub != nil).
		Msg("server starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}

	<-ctx.Done()
	log.Info().Msg("server stopped")
}

// openEventStore picks the durable destination for session events. The
// returned close func only owns the file log; shared connections are closed
// by main.
func openEventStore(cfg *config.Config, db *storage.DB, natsPub *storage.NATSPublisher) (storage.EventStore, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Sink.Backend {
	case "postgres":
		if db == nil {
			return nil, nil, errors.New("postgres sink requires a reachable database")
		}
		return db, noop, nil
	case "nats":
		if natsPub == nil {
			return nil, nil, errors.New("nats sink requires a reachable NATS server")
		}
		return natsPub, noop, nil
	case "none":
		return storage.Discard{}, noop, nil
	default:
		fl, err := storage.OpenFileLog(cfg.Sink.FilePath)
		if err != nil {
			return nil, nil, err
		}
		return fl, fl.Close, nil
	}
}
