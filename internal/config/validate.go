package config

import (
	"errors"
	"fmt"
	"math"
	"net"
	"net/url"
	"strings"

	"github.com/straja-ai/hazardfuse/internal/hazard"
)

// Validate checks the loaded config for required fields and safe values.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	if strings.TrimSpace(cfg.Server.Addr) == "" {
		return errors.New("server.addr must be set")
	}
	if cfg.Server.MaxInFlightRequests < 0 {
		return errors.New("server.max_in_flight_requests must not be negative")
	}
	if cfg.Server.MaxCandidates < 0 {
		return errors.New("server.max_candidates must not be negative")
	}

	seenKeys := map[string]string{}
	for _, c := range cfg.Clients {
		if strings.TrimSpace(c.ID) == "" {
			return errors.New("client id must be set")
		}
		if len(c.APIKeys) == 0 {
			return fmt.Errorf("client %q must define at least one api_keys entry", c.ID)
		}
		for _, k := range c.APIKeys {
			if strings.TrimSpace(k) == "" {
				return fmt.Errorf("client %q has an empty api key", c.ID)
			}
			if owner, dup := seenKeys[k]; dup && owner != c.ID {
				return fmt.Errorf("api key shared by clients %q and %q", owner, c.ID)
			}
			seenKeys[k] = c.ID
		}
	}

	if err := validateFusionConfig(cfg.Fusion); err != nil {
		return err
	}
	if err := validateSeverityConfig(cfg.Severity); err != nil {
		return err
	}
	if err := validateEvidenceConfig(cfg.Evidence); err != nil {
		return err
	}
	if err := validateDedupConfig(cfg.Dedup); err != nil {
		return err
	}
	if err := validateLoggingConfig(cfg.Logging); err != nil {
		return err
	}
	if err := validateActivationConfig(cfg.Activation); err != nil {
		return err
	}
	if err := validateTelemetryConfig(cfg.Telemetry); err != nil {
		return err
	}

	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func unit(field string, v float64) error {
	if !finite(v) || v < 0 || v > 1 {
		return fmt.Errorf("%s must be within [0, 1], got %v", field, v)
	}
	return nil
}

func validateFusionConfig(f FusionConfig) error {
	w := f.Weights
	for _, item := range []struct {
		field string
		v     float64
	}{
		{"fusion.weights.camera", w.Camera},
		{"fusion.weights.accelerometer", w.Accelerometer},
		{"fusion.weights.audio", w.Audio},
		{"fusion.weights.location", w.Location},
	} {
		if !finite(item.v) || item.v < 0 {
			return fmt.Errorf("%s must be a non-negative number, got %v", item.field, item.v)
		}
	}
	return nil
}

// ValidateLadder reports whether l is strictly increasing within [0, 1].
func ValidateLadder(field string, l Ladder) error {
	steps := []struct {
		name string
		v    float64
	}{
		{"low", l.Low},
		{"medium", l.Medium},
		{"high", l.High},
		{"critical", l.Critical},
	}
	for i, s := range steps {
		if err := unit(field+"."+s.name, s.v); err != nil {
			return err
		}
		if i > 0 && s.v <= steps[i-1].v {
			return fmt.Errorf("%s.%s must be greater than %s.%s", field, s.name, field, steps[i-1].name)
		}
	}
	return nil
}

func validateSeverityConfig(s SeverityConfig) error {
	if err := ValidateLadder("severity.base", s.Base); err != nil {
		return err
	}
	for name, l := range s.PerType {
		if err := validateHazardKey("severity.per_type", name); err != nil {
			return err
		}
		if err := ValidateLadder("severity.per_type."+name, l); err != nil {
			return err
		}
	}
	if !finite(s.SensorBoost) || s.SensorBoost < 0 {
		return fmt.Errorf("severity.sensor_boost must be a non-negative number, got %v", s.SensorBoost)
	}
	if err := unit("severity.boost_score", s.BoostScore); err != nil {
		return err
	}
	if err := unit("severity.threshold_floor", s.ThresholdFloor); err != nil {
		return err
	}
	return nil
}

func validateHazardKey(field, name string) error {
	t, err := hazard.ParseType(name)
	if err != nil || !t.IsHazard() {
		return fmt.Errorf("%s has unknown hazard type %q", field, name)
	}
	return nil
}

func validateEvidenceConfig(e EvidenceConfig) error {
	for name, th := range e.Accelerometer {
		if err := validateHazardKey("evidence.accelerometer", name); err != nil {
			return err
		}
		if !finite(th.Magnitude) || th.Magnitude <= 0 {
			return fmt.Errorf("evidence.accelerometer.%s.magnitude must be positive", name)
		}
		if !finite(th.Duration) || th.Duration < 0 {
			return fmt.Errorf("evidence.accelerometer.%s.duration must not be negative", name)
		}
	}
	for name, th := range e.Audio {
		if err := validateHazardKey("evidence.audio", name); err != nil {
			return err
		}
		if !finite(th.Decibel) || th.Decibel <= 0 {
			return fmt.Errorf("evidence.audio.%s.decibel must be positive", name)
		}
		if !finite(th.Frequency) || th.Frequency <= 0 {
			return fmt.Errorf("evidence.audio.%s.frequency must be positive", name)
		}
	}
	if !finite(e.DefaultMagnitude) || e.DefaultMagnitude <= 0 {
		return errors.New("evidence.default_magnitude must be positive")
	}
	if !finite(e.DefaultDecibel) || e.DefaultDecibel <= 0 {
		return errors.New("evidence.default_decibel must be positive")
	}
	if !finite(e.DefaultFrequency) || e.DefaultFrequency <= 0 {
		return errors.New("evidence.default_frequency must be positive")
	}
	return nil
}

func validateDedupConfig(d DedupConfig) error {
	if err := unit("dedup.confidence_threshold", d.ConfidenceThreshold); err != nil {
		return err
	}
	if err := unit("dedup.iou_threshold", d.IoUThreshold); err != nil {
		return err
	}
	if err := unit("dedup.face_overlap", d.FaceOverlap); err != nil {
		return err
	}
	return unit("dedup.region_overlap", d.RegionOverlap)
}

func validateLoggingConfig(l LoggingConfig) error {
	switch strings.ToLower(strings.TrimSpace(l.Level)) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", l.Level)
	}
	switch strings.ToLower(strings.TrimSpace(l.Format)) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", l.Format)
	}
	return nil
}

func validateActivationConfig(a ActivationConfig) error {
	for i, s := range a.Sinks {
		switch strings.ToLower(strings.TrimSpace(s.Type)) {
		case "file_jsonl":
			if strings.TrimSpace(s.Path) == "" {
				return fmt.Errorf("activation sink %d (file_jsonl) missing path", i)
			}
		case "sqlite":
			if strings.TrimSpace(s.Path) == "" {
				return fmt.Errorf("activation sink %d (sqlite) missing path", i)
			}
		case "webhook":
			if strings.TrimSpace(s.URL) == "" {
				return fmt.Errorf("activation sink %d (webhook) missing url", i)
			}
			u, err := url.Parse(s.URL)
			if err != nil || u.Scheme == "" || u.Host == "" {
				return fmt.Errorf("activation sink %d (webhook) has invalid url", i)
			}
			if u.Scheme != "http" && u.Scheme != "https" {
				return fmt.Errorf("activation sink %d (webhook) url must be http or https", i)
			}
			if err := blockPrivateHost(u.Host, s.AllowPrivateNetworks); err != nil {
				return fmt.Errorf("activation sink %d (webhook) url blocked: %w", i, err)
			}
		default:
			return fmt.Errorf("activation sink %d has unknown type %q", i, s.Type)
		}
	}
	return nil
}

func validateTelemetryConfig(t TelemetryConfig) error {
	if !t.Enabled {
		return nil
	}
	if strings.TrimSpace(t.Endpoint) == "" {
		return errors.New("telemetry enabled but endpoint is empty")
	}
	if t.Protocol != "" {
		switch strings.ToLower(strings.TrimSpace(t.Protocol)) {
		case "grpc", "http":
		default:
			return fmt.Errorf("telemetry.protocol must be grpc or http, got %q", t.Protocol)
		}
	}
	return nil
}

func blockPrivateHost(hostport string, allowPrivate bool) error {
	if allowPrivate {
		return nil
	}
	host := hostport
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		host = h
	}
	if strings.EqualFold(strings.TrimSpace(host), "localhost") {
		return errors.New("private network host localhost blocked")
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() {
			return fmt.Errorf("private network IP %s blocked", ip.String())
		}
	}
	return nil
}
