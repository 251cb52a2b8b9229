package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"github.com/example/safety-net/internal/config"
	"github.com/example/safety-net/internal/logging"
	"github.com/example/safety-net/internal/models"
	"github.com/example/safety-net/internal/storage"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_alerts_consumed_total",
		Help: "Total alert audit messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_alerts_invalid_total",
		Help: "Total invalid alert messages received",
	})
	storeWrites = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_store_writes_total",
		Help: "Total alerts written to the alert log",
	})
	storeErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_store_errors_total",
		Help: "Total alert log write failures",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, storeWrites, storeErrors)
}

type pinger interface {
	Ping(ctx context.Context) error
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "address to serve prometheus metrics on")
	flag.Parse()

	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store storage.AlertStore = storage.NewMemoryStore()
	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres unavailable", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		if cfg.RunMigrations {
			if err := pg.Migrate(ctx); err != nil {
				logger.Error("migration failed", "error", err)
				os.Exit(1)
			}
			logger.Info("migrations applied")
		}
		store = pg
	} else {
		logger.Warn("PG_DSN not set, alerts are kept in memory only")
	}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if p, ok := store.(pinger); ok {
				if err := p.Ping(r.Context()); err != nil {
					http.Error(w, "store not ready", 503)
					return
				}
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 1, MaxBytes: 10e6})
	defer r.Close()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			if !sleep(ctx, backoff) {
				return
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		msgsConsumed.Inc()

		a, err := decodeAlert(m.Value)
		if err != nil {
			msgsInvalid.Inc()
			logger.Warn("invalid alert message", "error", err, "offset", m.Offset)
			continue
		}

		if err := saveWithRetry(ctx, store, a, 3, 200*time.Millisecond); err != nil {
			storeErrors.Inc()
			logger.Error("alert log write failed", "alert_id", a.ID, "error", err)
			continue
		}
		storeWrites.Inc()
		logger.Debug("alert recorded", "alert_id", a.ID, "originator_id", a.OriginatorID)
	}
}

var errMissingOriginator = errors.New("alert has no originator")

func decodeAlert(b []byte) (models.AlertEvent, error) {
	var a models.AlertEvent
	if err := json.Unmarshal(b, &a); err != nil {
		return a, err
	}
	if a.OriginatorID == "" {
		return a, errMissingOriginator
	}
	if a.IssuedAt.IsZero() {
		a.IssuedAt = time.Now().UTC()
	}
	return a, nil
}

// saveWithRetry writes a to the store, doubling delay between failed attempts.
func saveWithRetry(ctx context.Context, store storage.AlertStore, a models.AlertEvent, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = store.SaveAlert(ctx, a); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		if !sleep(ctx, delay) {
			return ctx.Err()
		}
		delay *= 2
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
