package telemetry

import (
	"testing"
)

func TestSafeAttributesFiltersSecretsAndCoordinates(t *testing.T) {
	kvs := map[string]any{
		"api_key":              "hf-123",
		"token":                "abc",
		"authorization":        "secret",
		"hazardfuse.lat":       37.77,
		"hazardfuse.longitude": -122.4,
		"location":             "37.77,-122.42",
		"plate_text":           "AB12CDE",
		"long_string":          string(make([]byte, 600)),
		"empty":                "",
		"latency_ms":           12.5,
		"hazardfuse.route":     "/v1/fuse",
		"relocated":            true,
	}

	attrs := SafeAttributes(kvs)
	kept := map[string]bool{}
	for _, a := range attrs {
		kept[string(a.Key)] = true
	}

	for _, bad := range []string{"api_key", "token", "authorization", "hazardfuse.lat", "hazardfuse.longitude", "location", "plate_text", "long_string", "empty"} {
		if kept[bad] {
			t.Fatalf("unexpected unsafe attribute %s", bad)
		}
	}
	for _, good := range []string{"latency_ms", "hazardfuse.route", "relocated"} {
		if !kept[good] {
			t.Fatalf("expected attribute %s to be kept", good)
		}
	}
}

func TestSafeAttributesEmpty(t *testing.T) {
	if attrs := SafeAttributes(nil); attrs != nil {
		t.Fatalf("expected nil, got %v", attrs)
	}
}
