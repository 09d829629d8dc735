// Package privacy merges face and licence plate regions reported by
// upstream detectors into the minimal set of areas to blur.
package privacy

import (
	"github.com/straja-ai/hazardfuse/internal/config"
	"github.com/straja-ai/hazardfuse/internal/dedup"
	"github.com/straja-ai/hazardfuse/internal/geometry"
	"github.com/straja-ai/hazardfuse/internal/hazard"
)

// Plate shape limits for contour-derived candidates.
const (
	MinPlateAspect = 2.0
	MaxPlateAspect = 6.0
	MinPlateWidth  = 50
	MinPlateHeight = 15
)

// Input is one frame's worth of raw privacy regions.
type Input struct {
	Faces []hazard.BoundingBox `json:"faces"`
	// Plates come from a dedicated plate detector and are trusted as is.
	Plates []hazard.BoundingBox `json:"license_plates"`
	// Contours are generic edge regions; only plate-shaped ones are kept.
	Contours []hazard.BoundingBox `json:"contours,omitempty"`
	// Image size, when known, clips regions to the frame.
	ImageWidth  int `json:"image_width,omitempty"`
	ImageHeight int `json:"image_height,omitempty"`
}

// Regions are the merged areas to blur.
type Regions struct {
	Faces  []hazard.BoundingBox `json:"faces"`
	Plates []hazard.BoundingBox `json:"license_plates"`
}

// Merger deduplicates privacy regions.
type Merger struct {
	faceOverlap   float64
	regionOverlap float64
}

// NewMerger uses the overlap thresholds from the dedup config.
func NewMerger(cfg config.DedupConfig) *Merger {
	return &Merger{faceOverlap: cfg.FaceOverlap, regionOverlap: cfg.RegionOverlap}
}

// Merge drops degenerate regions, clips to the frame and removes
// duplicates, largest first.
func (m *Merger) Merge(in Input) Regions {
	plates := append([]hazard.BoundingBox(nil), in.Plates...)
	for _, c := range in.Contours {
		if PlateShaped(c) {
			plates = append(plates, c)
		}
	}
	return Regions{
		Faces:  m.unique(in.Faces, m.faceOverlap, in.ImageWidth, in.ImageHeight),
		Plates: m.unique(plates, m.regionOverlap, in.ImageWidth, in.ImageHeight),
	}
}

func (m *Merger) unique(boxes []hazard.BoundingBox, threshold float64, w, h int) []hazard.BoundingBox {
	rects := make([]geometry.Rect, 0, len(boxes))
	for _, b := range boxes {
		if w > 0 && h > 0 {
			b = Clip(b, w, h)
		}
		if !b.Valid() {
			continue
		}
		rects = append(rects, geometry.FromBox(b))
	}

	kept := dedup.UniqueRegions(rects, threshold)
	out := make([]hazard.BoundingBox, 0, len(kept))
	for _, r := range kept {
		out = append(out, r.Box())
	}
	return out
}

// PlateShaped reports whether b has the proportions of a licence plate.
func PlateShaped(b hazard.BoundingBox) bool {
	if b.Height <= 0 {
		return false
	}
	aspect := float64(b.Width) / float64(b.Height)
	return aspect >= MinPlateAspect && aspect <= MaxPlateAspect &&
		b.Width > MinPlateWidth && b.Height > MinPlateHeight
}

// Clip limits b to a width x height frame. The result may be degenerate
// when b lies outside the frame.
func Clip(b hazard.BoundingBox, width, height int) hazard.BoundingBox {
	x1, y1, x2, y2 := b.Corners()
	x1, y1 = max(0, x1), max(0, y1)
	x2, y2 = min(width, x2), min(height, y2)
	return geometry.Rect{X1: x1, Y1: y1, X2: x2, Y2: y2}.Box()
}
