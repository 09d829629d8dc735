package fusion

import (
	"context"
	"log/slog"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/straja-ai/hazardfuse/internal/config"
	"github.com/straja-ai/hazardfuse/internal/dedup"
	"github.com/straja-ai/hazardfuse/internal/evidence"
	"github.com/straja-ai/hazardfuse/internal/fallback"
	"github.com/straja-ai/hazardfuse/internal/hazard"
	hlog "github.com/straja-ai/hazardfuse/internal/log"
	"github.com/straja-ai/hazardfuse/internal/severity"
)

// Rejection records a candidate dropped before deduplication.
type Rejection struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// Result is the outcome of one Process call.
type Result struct {
	Detections []hazard.Detection `json:"detections"`
	Rejected   []Rejection        `json:"rejected,omitempty"`
	// Fallback is true when the detections came from sensors alone.
	Fallback bool `json:"fallback"`
}

// Engine runs dedupe, evidence, fusion and severity for a request. It holds
// no per-request state and is safe for concurrent use.
type Engine struct {
	analyzer   *evidence.Analyzer
	classifier *severity.Classifier
	dedup      dedup.Options

	weights       config.Weights
	includeAbsent bool

	tracer trace.Tracer
	logger *slog.Logger
}

// Option customises an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithTracer sets the tracer; the global provider is used otherwise.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// NewEngine builds an Engine from a validated config.
func NewEngine(cfg *config.Config, opts ...Option) *Engine {
	e := &Engine{
		classifier: severity.New(cfg.Severity),
		dedup: dedup.Options{
			ConfidenceThreshold: cfg.Dedup.ConfidenceThreshold,
			IoUThreshold:        cfg.Dedup.IoUThreshold,
		},
		weights:       cfg.Fusion.Weights,
		includeAbsent: cfg.Fusion.IncludeAbsentModalities,
	}
	for _, o := range opts {
		o(e)
	}
	if e.logger == nil {
		e.logger = hlog.L()
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer("hazardfuse/fusion")
	}
	e.analyzer = evidence.New(cfg.Evidence).WithLogger(e.logger)
	return e
}

// Classifier exposes the severity classifier for raw classification.
func (e *Engine) Classifier() *severity.Classifier { return e.classifier }

// Process turns upstream candidates and sensor readings into a ranked
// detection list. Malformed candidates are rejected individually; when no
// candidate survives deduplication the sensor-only fallback runs instead.
// Process never fails as a whole.
func (e *Engine) Process(ctx context.Context, cands []hazard.Candidate, readings hazard.Readings) Result {
	_, span := e.tracer.Start(ctx, "fusion.process")
	defer span.End()

	res := Result{Detections: []hazard.Detection{}}

	valid := make([]hazard.Candidate, 0, len(cands))
	for i, c := range cands {
		if err := c.Validate(); err != nil {
			res.Rejected = append(res.Rejected, Rejection{Index: i, Reason: err.Error()})
			continue
		}
		valid = append(valid, c)
	}

	survivors := dedup.Suppress(valid, e.dedup)
	span.SetAttributes(
		attribute.Int("hazardfuse.candidates", len(cands)),
		attribute.Int("hazardfuse.rejected", len(res.Rejected)),
		attribute.Int("hazardfuse.survivors", len(survivors)),
	)

	if len(survivors) == 0 {
		res.Fallback = true
		res.Detections = fallback.Detect(readings)
		span.SetAttributes(
			attribute.Bool("hazardfuse.fallback", true),
			attribute.Int("hazardfuse.detections", len(res.Detections)),
		)
		return res
	}

	// Survivors passed Validate, so their confidences are finite, and
	// evidence scores are clamped; fuseOne does not fail on them. The guard
	// stays so a future scorer that leaks NaN keeps the detection.
	for _, c := range survivors {
		d, err := e.fuseOne(c, readings)
		if err != nil {
			e.logger.Warn("fusion failed; keeping input confidence",
				slog.String("hazard_type", string(c.Type)),
				slog.String("error", err.Error()),
			)
		}
		res.Detections = append(res.Detections, d)
	}

	sort.SliceStable(res.Detections, func(i, j int) bool {
		return res.Detections[i].Confidence > res.Detections[j].Confidence
	})

	span.SetAttributes(
		attribute.Bool("hazardfuse.fallback", false),
		attribute.Int("hazardfuse.detections", len(res.Detections)),
	)
	return res
}

// fuseOne never drops c: on error it carries c's own confidence and raw
// severity, without a fusion method.
func (e *Engine) fuseOne(c hazard.Candidate, readings hazard.Readings) (hazard.Detection, error) {
	ev := e.analyzer.Analyze(c.Type, readings)

	fused, err := Fuse(c.Confidence, ev, e.weights, e.includeAbsent)
	if err != nil {
		out := c.WithConfidence(c.Confidence)
		return hazard.Detection{
			Candidate: out,
			Severity:  e.classifier.Raw(c.Type, out.Confidence),
			Evidence:  &ev,
		}, err
	}

	out := c.WithConfidence(fused)
	return hazard.Detection{
		Candidate:    out,
		Severity:     e.classifier.Fused(out.Confidence, ev),
		Evidence:     &ev,
		FusionMethod: hazard.FusionMultiModal,
	}, nil
}

// Info describes the active fusion settings.
type Info struct {
	Weights                 config.Weights           `json:"weights"`
	IncludeAbsentModalities bool                     `json:"include_absent_modalities"`
	SeverityThresholds      config.Ladder            `json:"severity_thresholds"`
	TypeThresholds          map[string]config.Ladder `json:"type_thresholds"`
	SensorBoost             float64                  `json:"sensor_boost"`
	BoostScore              float64                  `json:"boost_score"`
	ConfidenceThreshold     float64                  `json:"confidence_threshold"`
	IoUThreshold            float64                  `json:"iou_threshold"`
	Evidence                EvidenceInfo             `json:"evidence_thresholds"`
	HazardTypes             []hazard.Type            `json:"hazard_types"`
	Ready                   bool                     `json:"ready"`
}

// EvidenceInfo lists the effective per-type evidence thresholds, defaults
// included.
type EvidenceInfo struct {
	Accelerometer map[string]float64               `json:"accelerometer"`
	Audio         map[string]config.AudioThreshold `json:"audio"`
}

// Info reports the weights, thresholds and options the engine runs with.
func (e *Engine) Info() Info {
	boost, boostScore := e.classifier.SensorBoost()
	info := Info{
		Weights:                 e.weights,
		IncludeAbsentModalities: e.includeAbsent,
		SeverityThresholds:      e.classifier.Base(),
		TypeThresholds:          map[string]config.Ladder{},
		SensorBoost:             boost,
		BoostScore:              boostScore,
		ConfidenceThreshold:     e.dedup.ConfidenceThreshold,
		IoUThreshold:            e.dedup.IoUThreshold,
		Evidence: EvidenceInfo{
			Accelerometer: map[string]float64{},
			Audio:         map[string]config.AudioThreshold{},
		},
		HazardTypes: append([]hazard.Type(nil), hazard.HazardTypes...),
		Ready:       true,
	}
	for _, t := range hazard.HazardTypes {
		if l, ok := e.classifier.Ladder(t); ok {
			info.TypeThresholds[string(t)] = l
		}
		info.Evidence.Accelerometer[string(t)] = e.analyzer.MagnitudeThreshold(t)
		db, f := e.analyzer.AudioThresholds(t)
		info.Evidence.Audio[string(t)] = config.AudioThreshold{Decibel: db, Frequency: f}
	}
	return info
}
