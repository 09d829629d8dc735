package fusion

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/straja-ai/hazardfuse/internal/hazard"
)

// DecodeCandidates decodes each entry on its own so that one bad entry never
// spoils the rest. An entry whose only problem is its bounding box is kept
// without a box. Any other decode failure becomes a Rejection at that entry's
// index. index maps each returned candidate back to its position in raws.
func DecodeCandidates(raws []json.RawMessage) (cands []hazard.Candidate, index []int, rejected []Rejection) {
	cands = make([]hazard.Candidate, 0, len(raws))
	index = make([]int, 0, len(raws))
	for i, raw := range raws {
		c, err := decodeCandidate(raw)
		if err != nil {
			rejected = append(rejected, Rejection{
				Index:  i,
				Reason: fmt.Errorf("%w: %v", hazard.ErrInvalidCandidate, err).Error(),
			})
			continue
		}
		cands = append(cands, c)
		index = append(index, i)
	}
	return cands, index, rejected
}

func decodeCandidate(raw json.RawMessage) (hazard.Candidate, error) {
	var c hazard.Candidate
	err := json.Unmarshal(raw, &c)
	if err == nil {
		return c, nil
	}

	// Retry with the box captured raw. The outer field shadows the embedded
	// one for the bounding_box key.
	var boxless struct {
		hazard.Candidate
		Box json.RawMessage `json:"bounding_box"`
	}
	if json.Unmarshal(raw, &boxless) != nil {
		return hazard.Candidate{}, err
	}
	out := boxless.Candidate
	out.Box = nil
	return out, nil
}

// ProcessJSON is Process over undecoded candidates. Rejection indexes refer
// to positions in raws, whether the entry failed to decode or to validate.
func (e *Engine) ProcessJSON(ctx context.Context, raws []json.RawMessage, readings hazard.Readings) Result {
	cands, index, decodeRejected := DecodeCandidates(raws)

	res := e.Process(ctx, cands, readings)
	for i := range res.Rejected {
		res.Rejected[i].Index = index[res.Rejected[i].Index]
	}
	if len(decodeRejected) > 0 {
		res.Rejected = append(res.Rejected, decodeRejected...)
		sort.SliceStable(res.Rejected, func(i, j int) bool {
			return res.Rejected[i].Index < res.Rejected[j].Index
		})
	}
	return res
}
