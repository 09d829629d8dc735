package dedup

import (
	"sort"

	"github.com/straja-ai/hazardfuse/internal/geometry"
	"github.com/straja-ai/hazardfuse/internal/hazard"
)

// Options tunes Suppress.
type Options struct {
	// ConfidenceThreshold drops candidates scoring below it before NMS.
	ConfidenceThreshold float64
	// IoUThreshold suppresses boxes overlapping a kept box by more than it.
	IoUThreshold float64
}

// DefaultOptions mirrors the detector defaults.
func DefaultOptions() Options {
	return Options{ConfidenceThreshold: 0.5, IoUThreshold: 0.4}
}

// Suppress filters low-confidence candidates, runs non-maximum suppression
// over the boxed ones and merges boxless candidates back afterwards. A
// boxless candidate is dropped when a surviving primary-vision box already
// confirmed its type. Survivors come first in confidence order, followed by
// boxless candidates in input order.
func Suppress(cands []hazard.Candidate, opts Options) []hazard.Candidate {
	var boxed, boxless []hazard.Candidate
	for _, c := range cands {
		if c.Confidence < opts.ConfidenceThreshold {
			continue
		}
		if c.HasBox() {
			boxed = append(boxed, c)
		} else {
			boxless = append(boxless, c)
		}
	}

	out := NMS(boxed, opts.IoUThreshold)

	confirmed := make(map[hazard.Type]bool, len(out))
	for _, c := range out {
		if c.Method == hazard.VisionPrimary {
			confirmed[c.Type] = true
		}
	}
	for _, c := range boxless {
		if confirmed[c.Type] {
			continue
		}
		out = append(out, c)
	}
	return out
}

// NMS runs greedy non-maximum suppression. Candidates must all carry a
// valid box; ties in confidence keep input order.
func NMS(cands []hazard.Candidate, iouThreshold float64) []hazard.Candidate {
	if len(cands) == 0 {
		return []hazard.Candidate{}
	}

	boxes := make([]hazard.Candidate, len(cands))
	copy(boxes, cands)
	sort.SliceStable(boxes, func(i, j int) bool {
		return boxes[i].Confidence > boxes[j].Confidence
	})

	rects := make([]geometry.Rect, len(boxes))
	for i, c := range boxes {
		rects[i] = geometry.FromBox(*c.Box)
	}

	suppressed := make([]bool, len(boxes))
	kept := make([]hazard.Candidate, 0, len(boxes))
	for i := range boxes {
		if suppressed[i] {
			continue
		}
		kept = append(kept, boxes[i])
		for j := i + 1; j < len(boxes); j++ {
			if suppressed[j] {
				continue
			}
			if geometry.OverlapRatio(rects[i], rects[j]) > iouThreshold {
				suppressed[j] = true
			}
		}
	}
	return kept
}
