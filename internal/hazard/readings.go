package hazard

import "math"

// AccelerometerReading is one impact sample. Every field is optional.
type AccelerometerReading struct {
	X         *float64 `json:"x,omitempty"`
	Y         *float64 `json:"y,omitempty"`
	Z         *float64 `json:"z,omitempty"`
	Magnitude *float64 `json:"magnitude,omitempty"`
}

// AudioReading is a summary of the cabin microphone around the event.
type AudioReading struct {
	DecibelLevel *float64 `json:"decibelLevel,omitempty"`
	Frequency    *float64 `json:"frequency,omitempty"`
	Duration     *float64 `json:"duration,omitempty"`
}

// LocationReading is the vehicle position and speed in km/h.
type LocationReading struct {
	Lat   *float64 `json:"lat,omitempty"`
	Lng   *float64 `json:"lng,omitempty"`
	Speed *float64 `json:"speed,omitempty"`
}

// Readings groups the optional sensor inputs of one request.
type Readings struct {
	Accelerometer *AccelerometerReading `json:"accelerometer,omitempty"`
	Audio         *AudioReading         `json:"audio,omitempty"`
	Location      *LocationReading      `json:"location,omitempty"`
}

// Has reports whether a reading for m was supplied.
func (r Readings) Has(m Modality) bool {
	switch m {
	case Accelerometer:
		return r.Accelerometer != nil
	case Audio:
		return r.Audio != nil
	case Location:
		return r.Location != nil
	}
	return false
}

// Empty reports whether no reading was supplied at all.
func (r Readings) Empty() bool {
	return r.Accelerometer == nil && r.Audio == nil && r.Location == nil
}

// Axes returns the three components, treating missing ones as zero.
func (a AccelerometerReading) Axes() (x, y, z float64) {
	return Value(a.X), Value(a.Y), Value(a.Z)
}

// TotalMagnitude returns the reported magnitude. When it is missing but at
// least one axis is present, the euclidean norm of the axes is used.
func (a AccelerometerReading) TotalMagnitude() (float64, bool) {
	if a.Magnitude != nil {
		return *a.Magnitude, true
	}
	if a.X == nil && a.Y == nil && a.Z == nil {
		return 0, false
	}
	x, y, z := a.Axes()
	return math.Sqrt(x*x + y*y + z*z), true
}

// Float returns a pointer to v, for building readings in code and tests.
func Float(v float64) *float64 { return &v }

// Value dereferences p, mapping nil to zero.
func Value(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}
