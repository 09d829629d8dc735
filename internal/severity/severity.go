// Package severity maps confidences to severity tiers through threshold
// ladders, optionally lowered by corroborating sensor evidence.
package severity

import (
	"math"

	"github.com/straja-ai/hazardfuse/internal/config"
	"github.com/straja-ai/hazardfuse/internal/hazard"
)

// Classify evaluates l top-down. The low threshold is informational; any
// confidence below medium is low.
func Classify(l config.Ladder, confidence float64) hazard.Severity {
	switch {
	case confidence >= l.Critical:
		return hazard.Critical
	case confidence >= l.High:
		return hazard.High
	case confidence >= l.Medium:
		return hazard.Medium
	default:
		return hazard.Low
	}
}

// Lower subtracts delta from every threshold. Unless unbounded is set the
// results are floored at floor, so the ladder never drops below it.
func Lower(l config.Ladder, delta, floor float64, unbounded bool) config.Ladder {
	adjust := func(v float64) float64 {
		v -= delta
		if !unbounded {
			v = math.Max(v, floor)
		}
		return v
	}
	return config.Ladder{
		Low:      adjust(l.Low),
		Medium:   adjust(l.Medium),
		High:     adjust(l.High),
		Critical: adjust(l.Critical),
	}
}

// Classifier holds the ladders and boost settings from config.
type Classifier struct {
	base    config.Ladder
	perType map[hazard.Type]config.Ladder

	boost      float64
	boostScore float64
	floor      float64
	unbounded  bool
}

// New builds a Classifier. Per-type keys that do not name a hazard type are
// ignored.
func New(cfg config.SeverityConfig) *Classifier {
	c := &Classifier{
		base:       cfg.Base,
		perType:    make(map[hazard.Type]config.Ladder, len(cfg.PerType)),
		boost:      cfg.SensorBoost,
		boostScore: cfg.BoostScore,
		floor:      cfg.ThresholdFloor,
		unbounded:  cfg.UnboundedAdjustment,
	}
	for k, l := range cfg.PerType {
		if t, err := hazard.ParseType(k); err == nil && t.IsHazard() {
			c.perType[t] = l
		}
	}
	return c
}

// Boost returns how far the ladder is lowered for ev: SensorBoost for each
// modality scoring above BoostScore.
func (c *Classifier) Boost(ev hazard.EvidenceSet) float64 {
	var total float64
	ev.Each(func(_ hazard.Modality, e hazard.Evidence) {
		if e.Score > c.boostScore {
			total += c.boost
		}
	})
	return total
}

// Adjusted returns the base ladder lowered for ev.
func (c *Classifier) Adjusted(ev hazard.EvidenceSet) config.Ladder {
	return Lower(c.base, c.Boost(ev), c.floor, c.unbounded)
}

// Fused classifies a fused confidence against the evidence-adjusted base
// ladder. Boosts only lower thresholds, so corroboration can never make a
// tier harder to reach.
func (c *Classifier) Fused(confidence float64, ev hazard.EvidenceSet) hazard.Severity {
	return Classify(c.Adjusted(ev), confidence)
}

// Raw classifies an unfused confidence with the ladder for t. Types without
// a ladder are always low.
func (c *Classifier) Raw(t hazard.Type, confidence float64) hazard.Severity {
	l, ok := c.perType[t]
	if !ok {
		return hazard.Low
	}
	return Classify(l, confidence)
}

// SensorBoost returns the per-modality reduction and the score a modality
// must exceed to earn it.
func (c *Classifier) SensorBoost() (boost, score float64) {
	return c.boost, c.boostScore
}

// Base returns the unadjusted ladder.
func (c *Classifier) Base() config.Ladder { return c.base }

// Ladder returns the raw ladder for t, if any.
func (c *Classifier) Ladder(t hazard.Type) (config.Ladder, bool) {
	l, ok := c.perType[t]
	return l, ok
}
