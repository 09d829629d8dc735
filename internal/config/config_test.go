package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Fatalf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Fusion.Weights != DefaultWeights() {
		t.Fatalf("weights = %+v", cfg.Fusion.Weights)
	}
	if cfg.Severity.Base != DefaultLadder() {
		t.Fatalf("base ladder = %+v", cfg.Severity.Base)
	}
}

func TestLoadOverridesOnTopOfDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hazardfuse.yaml")
	yaml := `
server:
  addr: ":9090"
  request_ttl: 2m
fusion:
  weights:
    location: 0
  include_absent_modalities: true
severity:
  per_type:
    pothole:
      low: 0.1
      medium: 0.2
      high: 0.3
      critical: 0.4
evidence:
  audio:
    pothole:
      decibel: 80
      frequency: 90
logging:
  format: json
activation:
  sinks:
    - type: sqlite
      path: /var/lib/hazardfuse/events.db
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":9090" || cfg.Server.RequestTTL != 2*time.Minute {
		t.Fatalf("server = %+v", cfg.Server)
	}
	// Explicit zero survives, untouched keys keep their defaults.
	if cfg.Fusion.Weights.Location != 0 || cfg.Fusion.Weights.Accelerometer != 0.3 {
		t.Fatalf("weights = %+v", cfg.Fusion.Weights)
	}
	if !cfg.Fusion.IncludeAbsentModalities {
		t.Fatal("include_absent_modalities not applied")
	}
	if got := cfg.Severity.PerType["pothole"]; got.Critical != 0.4 {
		t.Fatalf("pothole ladder = %+v", got)
	}
	if got := cfg.Severity.PerType["debris"]; got != DefaultTypeLadders()["debris"] {
		t.Fatalf("debris ladder lost its default: %+v", got)
	}
	if got := cfg.Evidence.Audio["pothole"]; got.Decibel != 80 {
		t.Fatalf("audio pothole = %+v", got)
	}
	if _, ok := cfg.Evidence.Audio["speed_breaker"]; !ok {
		t.Fatal("speed_breaker audio default lost")
	}
	if cfg.Logging.Format != "json" || cfg.Logging.Level != "info" {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if len(cfg.Activation.Sinks) != 1 || cfg.Activation.Sinks[0].Type != "sqlite" {
		t.Fatalf("sinks = %+v", cfg.Activation.Sinks)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("server: [unterminated"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestWeightsOf(t *testing.T) {
	w := DefaultWeights()
	if w.Of("camera") != 0.4 || w.Of("audio") != 0.2 || w.Of("sonar") != 0 {
		t.Fatalf("unexpected weights lookup for %+v", w)
	}
}
