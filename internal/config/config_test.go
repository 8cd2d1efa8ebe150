package config

import (
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if cfg.FreshnessWindow != 3*time.Minute {
		t.Errorf("FreshnessWindow = %v", cfg.FreshnessWindow)
	}
	if cfg.TransitionTimeout != 3*time.Second {
		t.Errorf("TransitionTimeout = %v", cfg.TransitionTimeout)
	}
	if cfg.MatchTimeout != 800*time.Millisecond {
		t.Errorf("MatchTimeout = %v", cfg.MatchTimeout)
	}
	if cfg.KafkaTopic != "driver-status-events" {
		t.Errorf("KafkaTopic = %q", cfg.KafkaTopic)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("FRESHNESS_WINDOW", "90s")
	t.Setenv("KAFKA_BROKERS", "b1:9092, b2:9092 ,")
	t.Setenv("MATCHER_LIMIT", "5")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":9090" {
		t.Errorf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if cfg.FreshnessWindow != 90*time.Second {
		t.Errorf("FreshnessWindow = %v", cfg.FreshnessWindow)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "b2:9092" {
		t.Errorf("KafkaBrokers = %v", cfg.KafkaBrokers)
	}
	if cfg.MatcherLimit != 5 {
		t.Errorf("MatcherLimit = %d", cfg.MatcherLimit)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
}

func TestInvalidValuesJoinErrors(t *testing.T) {
	t.Setenv("FRESHNESS_WINDOW", "soon")
	t.Setenv("MATCHER_LIMIT", "many")

	_, err := LoadServerConfig()
	if err == nil {
		t.Fatal("expected validation errors")
	}
}
