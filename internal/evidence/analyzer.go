// Package evidence scores how strongly each sensor reading supports a
// detected hazard type.
package evidence

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/straja-ai/hazardfuse/internal/config"
	"github.com/straja-ai/hazardfuse/internal/hazard"
	hlog "github.com/straja-ai/hazardfuse/internal/log"
)

// ErrDegenerateReading is returned when a reading or threshold cannot be
// scored, e.g. a NaN field or a zero threshold.
var ErrDegenerateReading = errors.New("degenerate sensor reading")

// Impact patterns reported in accelerometer details.
const (
	PatternNone     = "none"
	PatternVertical = "vertical"
	PatternLateralX = "lateral_x"
	PatternLateralY = "lateral_y"
	PatternMixed    = "mixed"
)

// RoadTypeUnknown is reported for every location; no map data is consulted.
const RoadTypeUnknown = "unknown"

// Analyzer turns raw readings into per-modality evidence. It is immutable
// after construction and safe for concurrent use.
type Analyzer struct {
	accel map[hazard.Type]config.AccelerometerThreshold
	audio map[hazard.Type]config.AudioThreshold

	defaultMagnitude float64
	defaultDecibel   float64
	defaultFrequency float64

	logger *slog.Logger
}

// New builds an Analyzer from the evidence section of the config. Keys that
// do not name a hazard type are ignored.
func New(cfg config.EvidenceConfig) *Analyzer {
	a := &Analyzer{
		accel:            make(map[hazard.Type]config.AccelerometerThreshold, len(cfg.Accelerometer)),
		audio:            make(map[hazard.Type]config.AudioThreshold, len(cfg.Audio)),
		defaultMagnitude: cfg.DefaultMagnitude,
		defaultDecibel:   cfg.DefaultDecibel,
		defaultFrequency: cfg.DefaultFrequency,
	}
	for k, v := range cfg.Accelerometer {
		if t, err := hazard.ParseType(k); err == nil {
			a.accel[t] = v
		}
	}
	for k, v := range cfg.Audio {
		if t, err := hazard.ParseType(k); err == nil {
			a.audio[t] = v
		}
	}
	return a
}

// WithLogger returns a copy of a that reports scorer failures to l.
func (a *Analyzer) WithLogger(l *slog.Logger) *Analyzer {
	cp := *a
	cp.logger = l
	return &cp
}

func (a *Analyzer) log() *slog.Logger {
	if a.logger != nil {
		return a.logger
	}
	return hlog.L()
}

// Analyze scores every modality whose reading is present. Absent modalities
// keep the empty record; a modality whose scorer fails falls back to it too.
func (a *Analyzer) Analyze(t hazard.Type, r hazard.Readings) hazard.EvidenceSet {
	set := hazard.NewEvidenceSet()

	if r.Accelerometer != nil {
		ev, err := a.Accelerometer(t, *r.Accelerometer)
		set.Set(hazard.Accelerometer, a.orEmpty(hazard.Accelerometer, t, ev, err))
	}
	if r.Audio != nil {
		ev, err := a.Audio(t, *r.Audio)
		set.Set(hazard.Audio, a.orEmpty(hazard.Audio, t, ev, err))
	}
	if r.Location != nil {
		ev, err := a.Location(t, *r.Location)
		set.Set(hazard.Location, a.orEmpty(hazard.Location, t, ev, err))
	}
	return set
}

func (a *Analyzer) orEmpty(m hazard.Modality, t hazard.Type, ev hazard.Evidence, err error) hazard.Evidence {
	if err == nil {
		return ev
	}
	a.log().Warn("evidence analysis failed",
		slog.String("modality", string(m)),
		slog.String("hazard_type", string(t)),
		slog.String("error", err.Error()),
	)
	empty := hazard.EmptyEvidence()
	empty.Present = true
	return empty
}

// MagnitudeThreshold returns the accelerometer threshold for t.
func (a *Analyzer) MagnitudeThreshold(t hazard.Type) float64 {
	if th, ok := a.accel[t]; ok {
		return th.Magnitude
	}
	return a.defaultMagnitude
}

// AudioThresholds returns the decibel and frequency thresholds for t.
func (a *Analyzer) AudioThresholds(t hazard.Type) (decibel, frequency float64) {
	if th, ok := a.audio[t]; ok {
		return th.Decibel, th.Frequency
	}
	return a.defaultDecibel, a.defaultFrequency
}

// Accelerometer scores an impact against the magnitude threshold for t.
// At or above the threshold the score grows towards 1 at twice the
// threshold; below it the score is at most 0.5.
func (a *Analyzer) Accelerometer(t hazard.Type, r hazard.AccelerometerReading) (hazard.Evidence, error) {
	threshold := a.MagnitudeThreshold(t)
	if !finite(threshold) || threshold <= 0 {
		return hazard.Evidence{}, fmt.Errorf("%w: accelerometer threshold %v for %s", ErrDegenerateReading, threshold, t)
	}

	magnitude, _ := r.TotalMagnitude()
	x, y, z := r.Axes()
	if !finite(magnitude) || !finite(x) || !finite(y) || !finite(z) {
		return hazard.Evidence{}, fmt.Errorf("%w: non-finite accelerometer value", ErrDegenerateReading)
	}

	var score float64
	if magnitude >= threshold {
		score = math.Min(1, magnitude/(2*threshold))
	} else {
		score = magnitude / threshold * 0.5
	}

	return hazard.Evidence{
		Score:   hazard.Clamp01(score),
		Present: true,
		Details: map[string]any{
			"magnitude":      magnitude,
			"threshold":      threshold,
			"impact_pattern": ImpactPattern(x, y, z),
			"direction":      map[string]float64{"x": x, "y": y, "z": z},
		},
	}, nil
}

// Audio scores loudness against the decibel threshold for t and the
// dominant frequency against the expected one. A missing or zero
// frequency scores a neutral 0.5.
func (a *Analyzer) Audio(t hazard.Type, r hazard.AudioReading) (hazard.Evidence, error) {
	dbThreshold, freqThreshold := a.AudioThresholds(t)
	if !finite(dbThreshold) || dbThreshold <= 0 || !finite(freqThreshold) || freqThreshold <= 0 {
		return hazard.Evidence{}, fmt.Errorf("%w: audio thresholds %v/%v for %s", ErrDegenerateReading, dbThreshold, freqThreshold, t)
	}

	db := hazard.Value(r.DecibelLevel)
	freq := hazard.Value(r.Frequency)
	duration := hazard.Value(r.Duration)
	if !finite(db) || !finite(freq) || !finite(duration) {
		return hazard.Evidence{}, fmt.Errorf("%w: non-finite audio value", ErrDegenerateReading)
	}

	var dbScore float64
	if db >= dbThreshold {
		dbScore = math.Min(1, db/(1.5*dbThreshold))
	} else {
		dbScore = db / dbThreshold * 0.3
	}

	freqScore := 0.5
	if freq > 0 {
		freqScore = hazard.Clamp01(1 - math.Abs(freq-freqThreshold)/freqThreshold)
	}

	return hazard.Evidence{
		Score:   hazard.Clamp01(0.7*dbScore + 0.3*freqScore),
		Present: true,
		Details: map[string]any{
			"decibel_level":       db,
			"frequency":           freq,
			"duration":            duration,
			"decibel_threshold":   dbThreshold,
			"frequency_threshold": freqThreshold,
		},
	}, nil
}

// Location starts from a neutral 0.5 and adds up to 0.3 for speed,
// saturating at 60 km/h. The hazard type is not consulted yet.
func (a *Analyzer) Location(_ hazard.Type, r hazard.LocationReading) (hazard.Evidence, error) {
	lat, lng, speed := hazard.Value(r.Lat), hazard.Value(r.Lng), hazard.Value(r.Speed)
	if !finite(lat) || !finite(lng) || !finite(speed) {
		return hazard.Evidence{}, fmt.Errorf("%w: non-finite location value", ErrDegenerateReading)
	}

	score := 0.5
	if speed > 0 {
		score += math.Min(1, speed/60) * 0.3
	}

	return hazard.Evidence{
		Score:   hazard.Clamp01(score),
		Present: true,
		Details: map[string]any{
			"latitude":  lat,
			"longitude": lng,
			"speed":     speed,
			"road_type": RoadTypeUnknown,
		},
	}, nil
}

// ImpactPattern names the axis that strictly dominates an impact.
func ImpactPattern(x, y, z float64) string {
	total := math.Sqrt(x*x + y*y + z*z)
	if total == 0 || !finite(total) {
		return PatternNone
	}
	xn, yn, zn := math.Abs(x)/total, math.Abs(y)/total, math.Abs(z)/total
	switch {
	case zn > xn && zn > yn:
		return PatternVertical
	case xn > yn && xn > zn:
		return PatternLateralX
	case yn > xn && yn > zn:
		return PatternLateralY
	default:
		return PatternMixed
	}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
