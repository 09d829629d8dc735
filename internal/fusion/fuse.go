// Package fusion combines vision confidence with sensor evidence and runs
// the full dedupe, fuse and classify pipeline for one request.
package fusion

import (
	"errors"
	"fmt"
	"math"

	"github.com/straja-ai/hazardfuse/internal/config"
	"github.com/straja-ai/hazardfuse/internal/hazard"
)

// ErrNonFinite is returned when an input or intermediate score is NaN or
// infinite.
var ErrNonFinite = errors.New("non-finite fusion input")

const (
	neutralScore = 0.5
	boostRate    = 0.3
	penaltyRate  = 0.2
)

// SensorScore is the weighted mean of the evidence scores. Only modalities
// with a positive weight count, and only present ones unless includeAbsent
// is set. ok is false when no modality qualifies.
func SensorScore(ev hazard.EvidenceSet, w config.Weights, includeAbsent bool) (score float64, ok bool) {
	var sum, total float64
	ev.Each(func(m hazard.Modality, e hazard.Evidence) {
		weight := w.Of(m)
		if weight <= 0 {
			return
		}
		if !e.Present && !includeAbsent {
			return
		}
		sum += weight * e.Score
		total += weight
	})
	if total <= 0 {
		return 0, false
	}
	return sum / total, true
}

// Fuse adjusts a camera confidence by the sensor score: above the neutral
// 0.5 it is boosted by 0.3 per unit of deviation, below it penalised by
// 0.2. With no usable evidence the camera confidence is returned as is. On
// error the camera confidence is returned unchanged alongside the error.
func Fuse(camera float64, ev hazard.EvidenceSet, w config.Weights, includeAbsent bool) (float64, error) {
	if !finite(camera) {
		return camera, fmt.Errorf("%w: camera confidence %v", ErrNonFinite, camera)
	}

	s, ok := SensorScore(ev, w, includeAbsent)
	if !ok {
		return camera, nil
	}
	if !finite(s) {
		return camera, fmt.Errorf("%w: sensor score %v", ErrNonFinite, s)
	}

	if s > neutralScore {
		return hazard.Clamp01(math.Min(1, camera+(s-neutralScore)*boostRate)), nil
	}
	return hazard.Clamp01(math.Max(0, camera-(neutralScore-s)*penaltyRate)), nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
