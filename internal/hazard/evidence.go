package hazard

// Evidence is the score one sensor modality contributes to a detection.
type Evidence struct {
	Score float64 `json:"score"`
	// Present is false when the reading for this modality was not supplied.
	Present bool           `json:"present"`
	Details map[string]any `json:"details"`
}

// EmptyEvidence is the record used for absent or failed modalities.
func EmptyEvidence() Evidence {
	return Evidence{Score: 0, Details: map[string]any{}}
}

// EvidenceSet carries one record per sensor modality. The shape is fixed so
// that consumers can rely on every key being present.
type EvidenceSet struct {
	Accelerometer Evidence `json:"accelerometer"`
	Audio         Evidence `json:"audio"`
	Location      Evidence `json:"location"`
}

// NewEvidenceSet returns a set with every modality absent.
func NewEvidenceSet() EvidenceSet {
	return EvidenceSet{
		Accelerometer: EmptyEvidence(),
		Audio:         EmptyEvidence(),
		Location:      EmptyEvidence(),
	}
}

// Get returns the record for m. Camera has no record and yields an empty one.
func (s EvidenceSet) Get(m Modality) Evidence {
	switch m {
	case Accelerometer:
		return s.Accelerometer
	case Audio:
		return s.Audio
	case Location:
		return s.Location
	}
	return EmptyEvidence()
}

// Set stores e under m. Unknown modalities are ignored.
func (s *EvidenceSet) Set(m Modality, e Evidence) {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	switch m {
	case Accelerometer:
		s.Accelerometer = e
	case Audio:
		s.Audio = e
	case Location:
		s.Location = e
	}
}

// Each calls fn for every sensor modality in fixed order.
func (s EvidenceSet) Each(fn func(Modality, Evidence)) {
	for _, m := range SensorModalities {
		fn(m, s.Get(m))
	}
}
