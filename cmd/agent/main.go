package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/example/safety-net/internal/api"
	"github.com/example/safety-net/internal/app"
	"github.com/example/safety-net/internal/auth"
	"github.com/example/safety-net/internal/config"
	"github.com/example/safety-net/internal/geo"
	httpapi "github.com/example/safety-net/internal/http"
	"github.com/example/safety-net/internal/ingest"
	"github.com/example/safety-net/internal/logging"
	"github.com/example/safety-net/internal/notify"
	"github.com/example/safety-net/internal/storage"
)

func main() {
	cfg, err := config.LoadAgentConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	session := auth.NewSession(cfg.Token)
	client := api.NewClient(cfg.APIBaseURL, cfg.APITimeout, session, logging.Component(logger, "api"))

	src := &geo.FixedSource{Lat: cfg.DeviceLat, Lng: cfg.DeviceLng, Configured: cfg.DevicePositionSet, Interval: cfg.GeoWatchInterval}
	sensor := geo.NewSensor(src, cfg.GeoSampleTimeout, logging.Component(logger, "geo"))

	var index geo.Index = geo.NewIndex()
	if cfg.RedisAddr != "" {
		ri := geo.NewRedisIndex(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisPresenceKey)
		defer ri.Close()
		index = ri
		logger.Info("presence mirror on redis", "addr", cfg.RedisAddr, "key", cfg.RedisPresenceKey)
	}

	var store storage.AlertStore = storage.NewMemoryStore()
	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres unavailable, alert log kept in memory", "error", err)
		} else {
			defer pg.Close()
			if cfg.RunMigrations {
				if err := pg.Migrate(ctx); err != nil {
					logger.Error("migration failed", "error", err)
				} else {
					logger.Info("migrations applied")
				}
			}
			store = pg
		}
	}

	var publisher app.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		producer := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic, cfg.KafkaAlertTopic)
		defer producer.Close()
		publisher = producer
	}

	hub := notify.NewHub(logging.Component(logger, "hub"), httpapi.OriginChecker(cfg.CORSOrigins))
	defer hub.Close()
	notifiers := notify.Multi{notify.LogNotifier{Logger: logging.Component(logger, "notice")}, hub}
	if cfg.AlertWebhookURL != "" {
		notifiers = append(notifiers, notify.NewWebhook(cfg.AlertWebhookURL, cfg.AlertWebhookKey))
	}
	cues := notify.Cues{notify.NoticeCue{Notifier: hub}}
	if cfg.AlertBell {
		cues = append(cues, notify.NewBellCue(os.Stderr))
	}

	a := app.New(app.Options{
		Session:        session,
		API:            client,
		Sensor:         sensor,
		Index:          index,
		Notifier:       notifiers,
		Cue:            cues,
		Store:          store,
		Publisher:      publisher,
		Logger:         logger,
		RealtimeURL:    cfg.RealtimeURL,
		ReconnectDelay: cfg.ReconnectDelay,
		Threshold:      cfg.DistanceThreshold,
		MaxAttempts:    cfg.GeoMaxAttempts,
		InitialDelay:   cfg.GeoInitialDelay,
		CallTimeout:    cfg.APITimeout,
	})
	defer a.Close()

	if cfg.Token != "" {
		if _, err := a.Login(ctx, ""); err != nil {
			logger.Warn("startup login failed, waiting for POST /api/v1/session", "error", err)
		}
	}

	srv := &http.Server{
		Addr:         cfg.ControlAddr,
		Handler:      httpapi.NewServer(a, hub, httpapi.Options{CORSOrigins: cfg.CORSOrigins, NearbyLimit: cfg.NearbyLimit, Logger: logging.Component(logger, "http")}),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("safety-net agent listening", "addr", cfg.ControlAddr, "api", cfg.APIBaseURL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		logger.Error("control server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}
