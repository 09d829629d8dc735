// Package hazard holds the data model shared by the fusion engine, its
// deduplicator and the sensor-only fallback: hazard types, severities,
// candidates, sensor readings and per-modality evidence.
package hazard

import (
	"fmt"
	"math"
	"strings"
)

// Type is a road hazard label produced by an upstream detector.
type Type string

const (
	Pothole        Type = "pothole"
	Debris         Type = "debris"
	SpeedBreaker   Type = "speed_breaker"
	StalledVehicle Type = "stalled_vehicle"
	Construction   Type = "construction"
	Flooding       Type = "flooding"
	Other          Type = "other"

	// Reserved for the privacy subsystem; never part of fused output.
	Person       Type = "person"
	LicensePlate Type = "license_plate"
)

// HazardTypes lists every type allowed in fused output, in declaration order.
var HazardTypes = []Type{Pothole, Debris, SpeedBreaker, StalledVehicle, Construction, Flooding, Other}

// ParseType normalizes s and returns the matching Type. Reserved privacy
// labels parse successfully; use IsHazard to exclude them.
func ParseType(s string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	if t.IsHazard() || t.IsReserved() {
		return t, nil
	}
	return "", fmt.Errorf("unknown hazard type %q", s)
}

// IsHazard reports whether t may appear in fused hazard output.
func (t Type) IsHazard() bool {
	for _, h := range HazardTypes {
		if t == h {
			return true
		}
	}
	return false
}

// IsReserved reports whether t is a privacy label.
func (t Type) IsReserved() bool {
	return t == Person || t == LicensePlate
}

// Severity is an ordered hazard tier; larger values are more severe.
type Severity int

const (
	Low Severity = iota
	Medium
	High
	Critical
)

var severityNames = [...]string{"low", "medium", "high", "critical"}

func (s Severity) String() string {
	if s < Low || s > Critical {
		return fmt.Sprintf("severity(%d)", int(s))
	}
	return severityNames[s]
}

// ParseSeverity parses a severity name.
func ParseSeverity(s string) (Severity, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range severityNames {
		if n == name {
			return Severity(i), nil
		}
	}
	return Low, fmt.Errorf("unknown severity %q", s)
}

func (s Severity) MarshalText() ([]byte, error) {
	if s < Low || s > Critical {
		return nil, fmt.Errorf("invalid severity %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Method records which producer emitted a candidate.
type Method string

const (
	VisionPrimary   Method = "vision_primary"
	VisionSecondary Method = "vision_secondary"
	SensorDerived   Method = "sensor_derived"
)

// Valid reports whether m is a known producer method.
func (m Method) Valid() bool {
	switch m {
	case VisionPrimary, VisionSecondary, SensorDerived:
		return true
	}
	return false
}

// Modality is one evidence channel.
type Modality string

const (
	Camera        Modality = "camera"
	Accelerometer Modality = "accelerometer"
	Audio         Modality = "audio"
	Location      Modality = "location"
)

// SensorModalities are the modalities that carry evidence records.
var SensorModalities = []Modality{Accelerometer, Audio, Location}

// FusionMultiModal marks detections whose confidence went through fusion.
const FusionMultiModal = "multi_modal"

// Clamp01 limits v to [0,1]. NaN maps to 0.
func Clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
