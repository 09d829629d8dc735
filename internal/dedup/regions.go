// Package dedup removes duplicate detections: greedy largest-area-first
// suppression for unscored regions and score-ordered non-maximum
// suppression for boxed hazard candidates.
package dedup

import (
	"sort"

	"github.com/straja-ai/hazardfuse/internal/geometry"
)

// Default overlap thresholds for UniqueRegions.
const (
	FaceOverlap   = 0.3
	RegionOverlap = 0.5
)

// UniqueRegions keeps regions largest first, dropping any region whose
// overlap with an already kept region exceeds threshold. Equal areas keep
// their input order. Applying it to its own output is a no-op.
func UniqueRegions(regions []geometry.Rect, threshold float64) []geometry.Rect {
	if len(regions) == 0 {
		return []geometry.Rect{}
	}

	ordered := make([]geometry.Rect, len(regions))
	copy(ordered, regions)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Area() > ordered[j].Area()
	})

	kept := make([]geometry.Rect, 0, len(ordered))
	for _, r := range ordered {
		duplicate := false
		for _, k := range kept {
			if geometry.OverlapRatio(r, k) > threshold {
				duplicate = true
				break
			}
		}
		if !duplicate {
			kept = append(kept, r)
		}
	}
	return kept
}
