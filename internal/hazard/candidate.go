package hazard

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidCandidate is wrapped by every Candidate.Validate failure.
var ErrInvalidCandidate = errors.New("invalid candidate")

// BoundingBox is a pixel rectangle with its origin at the top-left corner.
type BoundingBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Valid reports whether the box encloses a non-empty area.
func (b BoundingBox) Valid() bool {
	return b.Width > 0 && b.Height > 0
}

// Corners returns the box as (x1, y1, x2, y2).
func (b BoundingBox) Corners() (x1, y1, x2, y2 int) {
	return b.X, b.Y, b.X + b.Width, b.Y + b.Height
}

// Candidate is a single detection as produced upstream. Values are treated
// as immutable: every stage returns new candidates instead of editing them.
type Candidate struct {
	Type       Type         `json:"type"`
	Confidence float64      `json:"confidence"`
	Box        *BoundingBox `json:"bounding_box,omitempty"`
	Method     Method       `json:"method"`
}

// HasBox reports whether the candidate carries a usable bounding box.
// Degenerate boxes count as absent.
func (c Candidate) HasBox() bool {
	return c.Box != nil && c.Box.Valid()
}

// Validate rejects candidates that cannot enter fusion.
func (c Candidate) Validate() error {
	if c.Type == "" {
		return fmt.Errorf("%w: missing type", ErrInvalidCandidate)
	}
	if !c.Type.IsHazard() {
		return fmt.Errorf("%w: type %q is not a hazard", ErrInvalidCandidate, c.Type)
	}
	if !c.Method.Valid() {
		return fmt.Errorf("%w: unknown method %q", ErrInvalidCandidate, c.Method)
	}
	if math.IsNaN(c.Confidence) || math.IsInf(c.Confidence, 0) {
		return fmt.Errorf("%w: confidence is not finite", ErrInvalidCandidate)
	}
	if c.Confidence < 0 || c.Confidence > 1 {
		return fmt.Errorf("%w: confidence %.3f outside [0,1]", ErrInvalidCandidate, c.Confidence)
	}
	return nil
}

// WithConfidence returns a copy of c with a new, clamped confidence.
func (c Candidate) WithConfidence(v float64) Candidate {
	out := c
	out.Confidence = Clamp01(v)
	if c.Box != nil {
		b := *c.Box
		out.Box = &b
	}
	return out
}

// Detection is a candidate after fusion and classification.
type Detection struct {
	Candidate
	Severity     Severity     `json:"severity"`
	Evidence     *EvidenceSet `json:"sensor_evidence,omitempty"`
	FusionMethod string       `json:"fusion_method,omitempty"`
	// Source names the modality that produced a sensor-derived detection.
	Source Modality `json:"source,omitempty"`
}
