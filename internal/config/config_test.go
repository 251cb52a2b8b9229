package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadAgentConfigDefaults(t *testing.T) {
	t.Setenv("API_BASE_URL", "https://api.example.org/")
	cfg, err := LoadAgentConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ControlAddr != "127.0.0.1:8090" || cfg.GeoMaxAttempts != 3 || cfg.GeoInitialDelay != time.Second {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.APIBaseURL != "https://api.example.org" {
		t.Fatalf("base url = %q", cfg.APIBaseURL)
	}
	if cfg.RealtimeURL != "wss://api.example.org/socket" {
		t.Fatalf("realtime url = %q", cfg.RealtimeURL)
	}
	if cfg.DevicePositionSet {
		t.Fatal("device position set without env")
	}
}

func TestLoadAgentConfigOverrides(t *testing.T) {
	t.Setenv("GEO_MAX_ATTEMPTS", "5")
	t.Setenv("GEO_INITIAL_DELAY", "250ms")
	t.Setenv("DEVICE_LAT", "51.5")
	t.Setenv("DEVICE_LNG", "-0.12")
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092")
	t.Setenv("ALERT_BELL", "false")
	t.Setenv("REALTIME_URL", "ws://rt:9000/socket")

	cfg, err := LoadAgentConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.GeoMaxAttempts != 5 || cfg.GeoInitialDelay != 250*time.Millisecond {
		t.Fatalf("geo overrides not applied %+v", cfg)
	}
	if !cfg.DevicePositionSet || cfg.DeviceLat != 51.5 {
		t.Fatal("device position not applied")
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "b:9092" {
		t.Fatalf("brokers %v", cfg.KafkaBrokers)
	}
	if cfg.AlertBell || cfg.RealtimeURL != "ws://rt:9000/socket" {
		t.Fatalf("bell=%v realtime=%q", cfg.AlertBell, cfg.RealtimeURL)
	}
}

func TestLoadAgentConfigValidation(t *testing.T) {
	t.Setenv("GEO_MAX_ATTEMPTS", "0")
	t.Setenv("NEARBY_LIMIT", "x")
	t.Setenv("DEVICE_LAT", "12")
	_, err := LoadAgentConfig()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"GEO_MAX_ATTEMPTS", "NEARBY_LIMIT", "DEVICE_LAT and DEVICE_LNG"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q missing %s", err, want)
		}
	}
}

func TestRealtimeURLFor(t *testing.T) {
	got, err := RealtimeURLFor("http://localhost:8000")
	if err != nil || got != "ws://localhost:8000/socket" {
		t.Fatalf("got %q err %v", got, err)
	}
	if _, err := RealtimeURLFor("ftp://x"); err == nil {
		t.Fatal("expected scheme error")
	}
}

func TestLoadConsumerConfig(t *testing.T) {
	t.Setenv("KAFKA_ALERT_TOPIC", "alerts-test")
	cfg, err := LoadConsumerConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.KafkaTopic != "alerts-test" || cfg.KafkaGroup != "alert-audit" || cfg.MetricsAddr != ":2112" {
		t.Fatalf("unexpected %+v", cfg)
	}
}
