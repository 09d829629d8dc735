package fusion

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/straja-ai/hazardfuse/internal/config"
	"github.com/straja-ai/hazardfuse/internal/hazard"
)

func rawList(entries ...string) []json.RawMessage {
	out := make([]json.RawMessage, len(entries))
	for i, e := range entries {
		out[i] = json.RawMessage(e)
	}
	return out
}

func TestDecodeCandidates(t *testing.T) {
	raws := rawList(
		`{"type":"pothole","confidence":0.7,"method":"vision_primary","bounding_box":{"x":"ten","y":0,"width":10,"height":10}}`,
		`{"type":"debris","confidence":"high","method":"vision_primary"}`,
		`{"type":"debris","confidence":0.8,"method":"vision_secondary","bounding_box":{"x":1,"y":2,"width":3,"height":4}}`,
		`"not an object"`,
	)
	cands, index, rejected := DecodeCandidates(raws)

	if len(cands) != 2 || len(index) != 2 || index[0] != 0 || index[1] != 2 {
		t.Fatalf("unexpected candidates %+v index %v", cands, index)
	}
	if cands[0].Type != hazard.Pothole || cands[0].Box != nil || cands[0].Confidence != 0.7 {
		t.Fatalf("bad box should leave a boxless candidate, got %+v", cands[0])
	}
	if cands[1].Box == nil || cands[1].Box.Width != 3 {
		t.Fatalf("valid box lost: %+v", cands[1])
	}
	if len(rejected) != 2 || rejected[0].Index != 1 || rejected[1].Index != 3 {
		t.Fatalf("unexpected rejections %+v", rejected)
	}
	if !strings.HasPrefix(rejected[0].Reason, hazard.ErrInvalidCandidate.Error()) {
		t.Fatalf("reason should name the invalid candidate: %q", rejected[0].Reason)
	}
}

func TestProcessJSONKeepsInputIndexes(t *testing.T) {
	e := NewEngine(config.Default())
	raws := rawList(
		`{"type":"pothole","confidence":[],"method":"vision_primary"}`,
		`{"type":"person","confidence":0.9,"method":"vision_primary"}`,
		`{"type":"debris","confidence":0.8,"method":"vision_secondary"}`,
		`{"type":"flooding","confidence":0.9,"method":"radar"}`,
	)
	res := e.ProcessJSON(context.Background(), raws, hazard.Readings{})

	if len(res.Detections) != 1 || res.Detections[0].Type != hazard.Debris {
		t.Fatalf("unexpected detections %+v", res.Detections)
	}
	if len(res.Rejected) != 3 {
		t.Fatalf("expected 3 rejections, got %+v", res.Rejected)
	}
	for i, want := range []int{0, 1, 3} {
		if res.Rejected[i].Index != want {
			t.Fatalf("rejection %d index = %d, want %d", i, res.Rejected[i].Index, want)
		}
	}
}
