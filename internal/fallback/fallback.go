// Package fallback derives hazards from raw sensor readings when no vision
// candidate survives. Each modality is matched against an ordered rule list
// and the first matching rule wins; the order is significant because the
// rule ranges overlap.
package fallback

import (
	"math"
	"sort"

	"github.com/straja-ai/hazardfuse/internal/hazard"
)

// Sample is the reading a rule is evaluated against. Value is the
// accelerometer magnitude or the audio decibel level.
type Sample struct {
	Value   float64
	X, Y, Z float64
}

// Vertical reports whether |z| strictly dominates both other axes.
func (s Sample) Vertical() bool {
	return math.Abs(s.Z) > math.Abs(s.X) && math.Abs(s.Z) > math.Abs(s.Y)
}

// Lateral reports whether either horizontal axis is stronger than z.
func (s Sample) Lateral() bool {
	return math.Abs(s.X) > math.Abs(s.Z) || math.Abs(s.Y) > math.Abs(s.Z)
}

// Rule is one guarded classification.
type Rule struct {
	Name       string
	Type       hazard.Type
	When       func(Sample) bool
	Confidence func(Sample) float64
	Severity   func(Sample) hazard.Severity
}

func fixed(s hazard.Severity) func(Sample) hazard.Severity {
	return func(Sample) hazard.Severity { return s }
}

// AccelerometerRules are evaluated in order against the impact magnitude.
var AccelerometerRules = []Rule{
	{
		Name: "vertical_impact",
		Type: hazard.Pothole,
		When: func(s Sample) bool { return s.Value > 2.0 && s.Vertical() },
		Confidence: func(s Sample) float64 {
			return math.Min(0.9, s.Value/3.0)
		},
		Severity: func(s Sample) hazard.Severity {
			if s.Value > 3.0 {
				return hazard.High
			}
			return hazard.Medium
		},
	},
	{
		Name:       "moderate_impact",
		Type:       hazard.SpeedBreaker,
		When:       func(s Sample) bool { return s.Value > 1.5 && s.Value < 2.5 },
		Confidence: func(s Sample) float64 { return math.Min(0.8, s.Value/2.5) },
		Severity:   fixed(hazard.Medium),
	},
	{
		Name:       "lateral_impact",
		Type:       hazard.Debris,
		When:       func(s Sample) bool { return s.Value > 1.0 && s.Lateral() },
		Confidence: func(s Sample) float64 { return math.Min(0.7, s.Value/2.0) },
		Severity:   fixed(hazard.Low),
	},
}

// AudioRules are evaluated in order against the decibel level.
var AudioRules = []Rule{
	{
		Name:       "loud_impact",
		Type:       hazard.Pothole,
		When:       func(s Sample) bool { return s.Value > 80 },
		Confidence: func(s Sample) float64 { return math.Min(0.8, s.Value/100) },
		Severity: func(s Sample) hazard.Severity {
			if s.Value > 90 {
				return hazard.High
			}
			return hazard.Medium
		},
	},
	{
		Name:       "medium_impact",
		Type:       hazard.Debris,
		When:       func(s Sample) bool { return s.Value > 70 },
		Confidence: func(s Sample) float64 { return math.Min(0.6, s.Value/80) },
		Severity:   fixed(hazard.Medium),
	},
}

// Match returns the detection produced by the first rule matching s.
func Match(rules []Rule, source hazard.Modality, s Sample) (hazard.Detection, bool) {
	if !finite(s.Value) || !finite(s.X) || !finite(s.Y) || !finite(s.Z) {
		return hazard.Detection{}, false
	}
	for _, r := range rules {
		if !r.When(s) {
			continue
		}
		return hazard.Detection{
			Candidate: hazard.Candidate{
				Type:       r.Type,
				Confidence: hazard.Clamp01(r.Confidence(s)),
				Method:     hazard.SensorDerived,
			},
			Severity: r.Severity(s),
			Source:   source,
		}, true
	}
	return hazard.Detection{}, false
}

// Detect evaluates accelerometer then audio readings, keeps the most
// confident detection per hazard type and returns them by descending
// confidence. No readings or no match yields an empty slice.
func Detect(r hazard.Readings) []hazard.Detection {
	var found []hazard.Detection

	if r.Accelerometer != nil {
		m, _ := r.Accelerometer.TotalMagnitude()
		x, y, z := r.Accelerometer.Axes()
		if d, ok := Match(AccelerometerRules, hazard.Accelerometer, Sample{Value: m, X: x, Y: y, Z: z}); ok {
			found = append(found, d)
		}
	}
	if r.Audio != nil {
		if d, ok := Match(AudioRules, hazard.Audio, Sample{Value: hazard.Value(r.Audio.DecibelLevel)}); ok {
			found = append(found, d)
		}
	}

	return Dedupe(found)
}

// Dedupe keeps the highest-confidence detection per type. The first of
// equally confident detections wins. Output is stably sorted by descending
// confidence.
func Dedupe(ds []hazard.Detection) []hazard.Detection {
	out := make([]hazard.Detection, 0, len(ds))
	index := make(map[hazard.Type]int, len(ds))
	for _, d := range ds {
		i, seen := index[d.Type]
		if !seen {
			index[d.Type] = len(out)
			out = append(out, d)
			continue
		}
		if d.Confidence > out[i].Confidence {
			out[i] = d
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Confidence > out[j].Confidence
	})
	return out
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
