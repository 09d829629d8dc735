package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/straja-ai/hazardfuse/internal/hazard"
)

// Config holds hazardfuse configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Clients    []ClientConfig   `yaml:"clients"`
	Fusion     FusionConfig     `yaml:"fusion"`
	Severity   SeverityConfig   `yaml:"severity"`
	Evidence   EvidenceConfig   `yaml:"evidence"`
	Dedup      DedupConfig      `yaml:"dedup"`
	Logging    LoggingConfig    `yaml:"logging"`
	Activation ActivationConfig `yaml:"activation"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

type ServerConfig struct {
	Addr                string        `yaml:"addr"` // HTTP listen address, e.g. ":8080"
	MaxRequestBodyBytes int64         `yaml:"max_request_body_bytes"`
	MaxInFlightRequests int           `yaml:"max_in_flight_requests"`
	MaxCandidates       int           `yaml:"max_candidates"` // per fuse request
	RequestTTL          time.Duration `yaml:"request_ttl"`    // how long results stay queryable
	ReadHeaderTimeout   time.Duration `yaml:"read_header_timeout"`
	ReadTimeout         time.Duration `yaml:"read_timeout"`
	WriteTimeout        time.Duration `yaml:"write_timeout"`
	IdleTimeout         time.Duration `yaml:"idle_timeout"`
}

// ClientConfig is an upstream producer allowed to submit detections.
type ClientConfig struct {
	ID      string   `yaml:"id"`
	APIKeys []string `yaml:"api_keys"`
}

// Weights are per-modality fusion coefficients. Camera is reported for
// completeness; only sensor modalities enter the weighted sensor score.
type Weights struct {
	Camera        float64 `yaml:"camera" json:"camera"`
	Accelerometer float64 `yaml:"accelerometer" json:"accelerometer"`
	Audio         float64 `yaml:"audio" json:"audio"`
	Location      float64 `yaml:"location" json:"location"`
}

// Of returns the weight configured for m.
func (w Weights) Of(m hazard.Modality) float64 {
	switch m {
	case hazard.Camera:
		return w.Camera
	case hazard.Accelerometer:
		return w.Accelerometer
	case hazard.Audio:
		return w.Audio
	case hazard.Location:
		return w.Location
	}
	return 0
}

type FusionConfig struct {
	Weights Weights `yaml:"weights"`
	// IncludeAbsentModalities divides the sensor score by the weights of
	// every modality, supplied or not. Off by default.
	IncludeAbsentModalities bool `yaml:"include_absent_modalities"`
}

// Ladder holds the minimum confidence for each severity tier.
type Ladder struct {
	Low      float64 `yaml:"low" json:"low"`
	Medium   float64 `yaml:"medium" json:"medium"`
	High     float64 `yaml:"high" json:"high"`
	Critical float64 `yaml:"critical" json:"critical"`
}

type SeverityConfig struct {
	Base    Ladder            `yaml:"base"`
	PerType map[string]Ladder `yaml:"per_type"` // raw (unfused) classification
	// SensorBoost is subtracted from every threshold for each modality
	// whose evidence score is above BoostScore.
	SensorBoost         float64 `yaml:"sensor_boost"`
	BoostScore          float64 `yaml:"boost_score"`
	ThresholdFloor      float64 `yaml:"threshold_floor"`
	UnboundedAdjustment bool    `yaml:"unbounded_adjustment"`
}

type AccelerometerThreshold struct {
	Magnitude float64 `yaml:"magnitude" json:"magnitude"`
	Duration  float64 `yaml:"duration" json:"duration"`
}

type AudioThreshold struct {
	Decibel   float64 `yaml:"decibel" json:"decibel"`
	Frequency float64 `yaml:"frequency" json:"frequency"`
}

type EvidenceConfig struct {
	Accelerometer    map[string]AccelerometerThreshold `yaml:"accelerometer"`
	Audio            map[string]AudioThreshold         `yaml:"audio"`
	DefaultMagnitude float64                           `yaml:"default_magnitude"`
	DefaultDecibel   float64                           `yaml:"default_decibel"`
	DefaultFrequency float64                           `yaml:"default_frequency"`
}

type DedupConfig struct {
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	IoUThreshold        float64 `yaml:"iou_threshold"`
	FaceOverlap         float64 `yaml:"face_overlap"`
	RegionOverlap       float64 `yaml:"region_overlap"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

type ActivationConfig struct {
	QueueSize       int           `yaml:"queue_size"`
	Workers         int           `yaml:"workers"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	DeliveryTimeout time.Duration `yaml:"delivery_timeout"` // per sink delivery
	Sinks           []SinkConfig  `yaml:"sinks"`
}

type SinkConfig struct {
	Type    string            `yaml:"type"` // file_jsonl | webhook | sqlite
	Path    string            `yaml:"path"` // file_jsonl, sqlite
	URL     string            `yaml:"url"`  // webhook
	Headers map[string]string `yaml:"headers"`
	// HeaderEnv maps a header name to the environment variable holding its value.
	HeaderEnv map[string]string `yaml:"header_env"`
	Timeout   time.Duration     `yaml:"timeout"`
	// AllowPrivateNetworks permits webhook urls on loopback or private ranges.
	AllowPrivateNetworks bool `yaml:"allow_private_networks"`
}

type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Protocol string `yaml:"protocol"` // grpc | http
	Service  string `yaml:"service"`
}

// Load reads configuration from a YAML file on top of the defaults.
// If the file doesn't exist, it returns a default config and no error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyDefaults(cfg)

	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:                ":8080",
			MaxRequestBodyBytes: 1 << 20,
			MaxInFlightRequests: 64,
			MaxCandidates:       256,
			RequestTTL:          15 * time.Minute,
			ReadHeaderTimeout:   5 * time.Second,
			ReadTimeout:         15 * time.Second,
			WriteTimeout:        15 * time.Second,
			IdleTimeout:         60 * time.Second,
		},
		Clients: []ClientConfig{},
		Fusion: FusionConfig{
			Weights: DefaultWeights(),
		},
		Severity: SeverityConfig{
			Base:           DefaultLadder(),
			PerType:        DefaultTypeLadders(),
			SensorBoost:    0.05,
			BoostScore:     0.7,
			ThresholdFloor: 0,
		},
		Evidence: DefaultEvidence(),
		Dedup: DedupConfig{
			ConfidenceThreshold: 0.5,
			IoUThreshold:        0.4,
			FaceOverlap:         0.3,
			RegionOverlap:       0.5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Activation: ActivationConfig{
			QueueSize:       1000,
			Workers:         1,
			ShutdownTimeout: 2 * time.Second,
			DeliveryTimeout: 10 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Protocol: "grpc",
			Service:  "hazardfuse",
		},
	}
}

func DefaultWeights() Weights {
	return Weights{Camera: 0.4, Accelerometer: 0.3, Audio: 0.2, Location: 0.1}
}

func DefaultLadder() Ladder {
	return Ladder{Low: 0.3, Medium: 0.6, High: 0.8, Critical: 0.95}
}

func DefaultTypeLadders() map[string]Ladder {
	return map[string]Ladder{
		string(hazard.Pothole):        {Low: 0.3, Medium: 0.6, High: 0.8, Critical: 0.95},
		string(hazard.Debris):         {Low: 0.4, Medium: 0.7, High: 0.9, Critical: 0.98},
		string(hazard.SpeedBreaker):   {Low: 0.2, Medium: 0.5, High: 0.8, Critical: 0.95},
		string(hazard.StalledVehicle): {Low: 0.3, Medium: 0.6, High: 0.85, Critical: 0.95},
		string(hazard.Construction):   {Low: 0.2, Medium: 0.5, High: 0.8, Critical: 0.9},
		string(hazard.Flooding):       {Low: 0.4, Medium: 0.7, High: 0.9, Critical: 0.98},
	}
}

func DefaultEvidence() EvidenceConfig {
	return EvidenceConfig{
		Accelerometer: map[string]AccelerometerThreshold{
			string(hazard.Pothole):      {Magnitude: 2.0, Duration: 0.1},
			string(hazard.SpeedBreaker): {Magnitude: 1.5, Duration: 0.2},
			string(hazard.Debris):       {Magnitude: 1.0, Duration: 0.05},
		},
		Audio: map[string]AudioThreshold{
			string(hazard.Pothole):      {Decibel: 75, Frequency: 100},
			string(hazard.SpeedBreaker): {Decibel: 70, Frequency: 80},
			string(hazard.Debris):       {Decibel: 65, Frequency: 120},
		},
		DefaultMagnitude: 1.0,
		DefaultDecibel:   60,
		DefaultFrequency: 100,
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.MaxRequestBodyBytes <= 0 {
		cfg.Server.MaxRequestBodyBytes = 1 << 20
	}
	if cfg.Server.RequestTTL <= 0 {
		cfg.Server.RequestTTL = 15 * time.Minute
	}

	if cfg.Severity.PerType == nil {
		cfg.Severity.PerType = DefaultTypeLadders()
	}
	if cfg.Evidence.Accelerometer == nil {
		cfg.Evidence.Accelerometer = map[string]AccelerometerThreshold{}
	}
	if cfg.Evidence.Audio == nil {
		cfg.Evidence.Audio = map[string]AudioThreshold{}
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}

	if cfg.Activation.QueueSize <= 0 {
		cfg.Activation.QueueSize = 1000
	}
	if cfg.Activation.Workers <= 0 {
		cfg.Activation.Workers = 1
	}

	if cfg.Telemetry.Service == "" {
		cfg.Telemetry.Service = "hazardfuse"
	}
}
