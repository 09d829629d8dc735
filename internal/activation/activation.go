package activation

import (
	"crypto/rand"
	"encoding/hex"
	"sort"
	"time"

	"github.com/straja-ai/hazardfuse/internal/fusion"
	"github.com/straja-ai/hazardfuse/internal/hazard"
	hlog "github.com/straja-ai/hazardfuse/internal/log"
	"github.com/straja-ai/hazardfuse/internal/redact"
)

// EventVersion is bumped whenever the event shape changes incompatibly.
const EventVersion = "1"

// Summary condenses the detections of one event.
type Summary struct {
	Count       int      `json:"count"`
	MaxSeverity string   `json:"max_severity,omitempty"`
	Types       []string `json:"types,omitempty"`
	Fallback    bool     `json:"fallback"`
}

// Location is the coarsened vehicle position attached to an event.
type Location struct {
	Lat   float64  `json:"lat"`
	Lng   float64  `json:"lng"`
	Speed *float64 `json:"speed,omitempty"`
}

type TimingMs struct {
	Fusion float64 `json:"fusion"`
	Total  float64 `json:"total"`
}

// Event is the canonical hazard payload delivered to sinks.
type Event struct {
	Version    string             `json:"version"`
	Timestamp  time.Time          `json:"timestamp"`
	RequestID  string             `json:"request_id"`
	ClientID   string             `json:"client_id,omitempty"`
	Summary    Summary            `json:"summary"`
	Detections []hazard.Detection `json:"detections"`
	Rejected   int                `json:"rejected,omitempty"`
	Location   *Location          `json:"location,omitempty"`
	TimingMs   TimingMs           `json:"timing_ms"`
}

// BuildParams collects inputs needed to assemble a hazard event.
type BuildParams struct {
	Result    fusion.Result
	Readings  hazard.Readings
	RequestID string
	ClientID  string
	Fusion    time.Duration
	Total     time.Duration
}

// BuildEvent creates an event from an engine result. It returns nil when the
// result holds no detections, since there is nothing to report downstream.
func BuildEvent(params BuildParams) *Event {
	if len(params.Result.Detections) == 0 {
		return nil
	}

	dets := make([]hazard.Detection, len(params.Result.Detections))
	for i, d := range params.Result.Detections {
		dets[i] = coarsenEvidence(d)
	}

	return &Event{
		Version:    EventVersion,
		Timestamp:  time.Now().UTC(),
		RequestID:  ensureRequestID(params.RequestID),
		ClientID:   params.ClientID,
		Summary:    summarize(dets, params.Result.Fallback),
		Detections: dets,
		Rejected:   len(params.Result.Rejected),
		Location:   coarseLocation(params.Readings.Location),
		TimingMs: TimingMs{
			Fusion: durationMillis(params.Fusion),
			Total:  durationMillis(params.Total),
		},
	}
}

// LogEvent writes a one-line summary of the event. Coordinates are already
// coarsened on the event itself.
func LogEvent(ev *Event) {
	if ev == nil {
		return
	}
	hlog.Info("hazard event",
		"request_id", ev.RequestID,
		"client_id", ev.ClientID,
		"count", ev.Summary.Count,
		"max_severity", ev.Summary.MaxSeverity,
		"types", ev.Summary.Types,
		"fallback", ev.Summary.Fallback,
	)
}

func summarize(dets []hazard.Detection, fallback bool) Summary {
	s := Summary{Count: len(dets), Fallback: fallback}
	if len(dets) == 0 {
		return s
	}
	maxSev := hazard.Low
	seen := make(map[string]struct{}, len(dets))
	for _, d := range dets {
		if d.Severity > maxSev {
			maxSev = d.Severity
		}
		seen[string(d.Type)] = struct{}{}
	}
	s.MaxSeverity = maxSev.String()
	s.Types = make([]string, 0, len(seen))
	for t := range seen {
		s.Types = append(s.Types, t)
	}
	sort.Strings(s.Types)
	return s
}

func coarseLocation(loc *hazard.LocationReading) *Location {
	if loc == nil || loc.Lat == nil || loc.Lng == nil {
		return nil
	}
	out := &Location{
		Lat: redact.Coordinate(*loc.Lat),
		Lng: redact.Coordinate(*loc.Lng),
	}
	if loc.Speed != nil {
		v := *loc.Speed
		out.Speed = &v
	}
	return out
}

// coarsenEvidence returns d with location evidence rounded the same way as
// the event location. The engine's own result is left untouched.
func coarsenEvidence(d hazard.Detection) hazard.Detection {
	if d.Evidence == nil {
		return d
	}
	ev := *d.Evidence
	details := make(map[string]any, len(ev.Location.Details))
	for k, v := range ev.Location.Details {
		if f, ok := v.(float64); ok && (k == "latitude" || k == "longitude") {
			v = redact.Coordinate(f)
		}
		details[k] = v
	}
	ev.Location.Details = details
	d.Evidence = &ev
	return d
}

func ensureRequestID(id string) string {
	if id != "" {
		return id
	}
	var buf [16]byte
	_, _ = rand.Read(buf[:])
	return hex.EncodeToString(buf[:])
}

func durationMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
