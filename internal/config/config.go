package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// AgentConfig captures every tunable of the client agent process.
// Values come from the environment, optionally seeded from a .env file,
// with defaults that run against a local backend.
type AgentConfig struct {
	ControlAddr     string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	CORSOrigins     []string

	APIBaseURL     string
	RealtimeURL    string
	APITimeout     time.Duration
	Token          string
	ReconnectDelay time.Duration

	GeoMaxAttempts    int
	GeoInitialDelay   time.Duration
	GeoSampleTimeout  time.Duration
	GeoWatchInterval  time.Duration
	DeviceLat         float64
	DeviceLng         float64
	DevicePositionSet bool
	DistanceThreshold float64
	NearbyLimit       int

	AlertWebhookURL string
	AlertWebhookKey string
	AlertBell       bool

	RedisAddr        string
	RedisPassword    string
	RedisPresenceKey string

	KafkaBrokers       []string
	KafkaLocationTopic string
	KafkaAlertTopic    string

	PGDSN string

	LogLevel      string
	RunMigrations bool
}

func defaultAgentConfig() AgentConfig {
	return AgentConfig{
		ControlAddr:        "127.0.0.1:8090",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       10 * time.Second,
		IdleTimeout:        120 * time.Second,
		ShutdownTimeout:    15 * time.Second,
		CORSOrigins:        []string{"http://localhost:3000"},
		APIBaseURL:         "http://localhost:8000",
		APITimeout:         10 * time.Second,
		ReconnectDelay:     time.Second,
		GeoMaxAttempts:     3,
		GeoInitialDelay:    time.Second,
		GeoSampleTimeout:   5 * time.Second,
		GeoWatchInterval:   5 * time.Second,
		DistanceThreshold:  10,
		NearbyLimit:        20,
		AlertBell:          true,
		RedisPresenceKey:   "presence_geo",
		KafkaLocationTopic: "user-locations",
		KafkaAlertTopic:    "emergency-alerts",
		LogLevel:           "info",
	}
}

func LoadAgentConfig() (AgentConfig, error) {
	_ = godotenv.Load()
	cfg := defaultAgentConfig()
	var errs []error

	setStringFromEnv(&cfg.ControlAddr, "CONTROL_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitAndTrim(v)
	}

	setStringFromEnv(&cfg.APIBaseURL, "API_BASE_URL")
	cfg.APIBaseURL = strings.TrimRight(cfg.APIBaseURL, "/")
	setStringFromEnv(&cfg.RealtimeURL, "REALTIME_URL")
	if cfg.RealtimeURL == "" {
		u, err := RealtimeURLFor(cfg.APIBaseURL)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid API_BASE_URL: %w", err))
		}
		cfg.RealtimeURL = u
	}
	setDurationFromEnv(&cfg.APITimeout, "API_TIMEOUT", &errs)
	cfg.Token = strings.TrimSpace(os.Getenv("SAFETYNET_TOKEN"))
	setDurationFromEnv(&cfg.ReconnectDelay, "RECONNECT_DELAY", &errs)

	setIntFromEnv(&cfg.GeoMaxAttempts, "GEO_MAX_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.GeoInitialDelay, "GEO_INITIAL_DELAY", &errs)
	setDurationFromEnv(&cfg.GeoSampleTimeout, "GEO_SAMPLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.GeoWatchInterval, "GEO_WATCH_INTERVAL", &errs)
	latSet := setFloatFromEnv(&cfg.DeviceLat, "DEVICE_LAT", &errs)
	lngSet := setFloatFromEnv(&cfg.DeviceLng, "DEVICE_LNG", &errs)
	cfg.DevicePositionSet = latSet && lngSet
	setFloatFromEnv(&cfg.DistanceThreshold, "DISTANCE_THRESHOLD_METERS", &errs)
	setIntFromEnv(&cfg.NearbyLimit, "NEARBY_LIMIT", &errs)

	cfg.AlertWebhookURL = strings.TrimSpace(os.Getenv("ALERT_WEBHOOK_URL"))
	cfg.AlertWebhookKey = os.Getenv("ALERT_WEBHOOK_KEY")
	setBoolFromEnv(&cfg.AlertBell, "ALERT_BELL", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisPresenceKey, "REDIS_PRESENCE_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaLocationTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.KafkaAlertTopic, "KAFKA_ALERT_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.GeoMaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("GEO_MAX_ATTEMPTS must be > 0"))
	}
	if cfg.DistanceThreshold < 0 {
		errs = append(errs, fmt.Errorf("DISTANCE_THRESHOLD_METERS must be >= 0"))
	}
	if cfg.NearbyLimit <= 0 {
		errs = append(errs, fmt.Errorf("NEARBY_LIMIT must be > 0"))
	}
	if latSet != lngSet {
		errs = append(errs, fmt.Errorf("DEVICE_LAT and DEVICE_LNG must be set together"))
	}
	if cfg.DevicePositionSet && (cfg.DeviceLat < -90 || cfg.DeviceLat > 90 || cfg.DeviceLng < -180 || cfg.DeviceLng > 180) {
		errs = append(errs, fmt.Errorf("DEVICE_LAT/DEVICE_LNG out of range"))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig configures the alert audit consumer.
type ConsumerConfig struct {
	MetricsAddr  string
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string
	PGDSN        string
	LogLevel     string

	RunMigrations bool
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	_ = godotenv.Load()
	cfg := ConsumerConfig{
		MetricsAddr:  ":2112",
		KafkaBrokers: []string{"localhost:9092"},
		KafkaTopic:   "emergency-alerts",
		KafkaGroup:   "alert-audit",
		LogLevel:     "info",
	}
	var errs []error

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_ALERT_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	cfg.PGDSN = os.Getenv("PG_DSN")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must name at least one broker"))
	}
	return cfg, errors.Join(errs...)
}

// RealtimeURLFor derives the realtime endpoint from the REST base URL:
// http becomes ws, https becomes wss, and the path is /socket.
func RealtimeURLFor(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/socket"
	return u.String(), nil
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) bool {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return false
		}
		*target = f
		return true
	}
	return false
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setBoolFromEnv(target *bool, key string, errs *[]error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = b
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
