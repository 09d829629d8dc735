package redact

import (
	"strings"
	"testing"
)

func TestStringRedaction(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		disallow []string
		require  []string
	}{
		{
			name:     "bearer header",
			input:    "Authorization: Bearer hf-secret-123",
			disallow: []string{"hf-secret-123"},
			require:  []string{"[REDACTED]"},
		},
		{
			name:     "api keys slice",
			input:    "api_keys=[dashcam-key-1 dashcam-key-2]",
			disallow: []string{"dashcam-key-1", "dashcam-key-2"},
			require:  []string{"api_keys=[REDACTED]"},
		},
		{
			name:     "webhook url",
			input:    "webhook_url=https://hooks.example.com/services/T000/notify?sig=abc123",
			disallow: []string{"T000", "sig=abc123"},
			require:  []string{"https://hooks.example.com/notify"},
		},
		{
			name:     "mixed token",
			input:    "Bearer abc key=supersecret token=anotherone base=https://sink.example.test/files/base/",
			disallow: []string{"abc", "supersecret", "anotherone", "files/base/"},
			require:  []string{"[REDACTED]", "https://sink.example.test/[REDACTED_PATH]"},
		},
		{
			name:     "coordinates",
			input:    "fix lat=37.774929 lng=-122.419418 speed=42.5",
			disallow: []string{"37.774929", "122.419418"},
			require:  []string{"lat=37.77", "lng=-122.42", "speed=42.5"},
		},
		{
			name:     "json coordinates",
			input:    `{"lat": 51.507351, "lng": -0.127758}`,
			disallow: []string{"51.507351", "0.127758"},
			require:  []string{`"lat": 51.51`, `"lng": -0.13`},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := String(tc.input)
			for _, bad := range tc.disallow {
				if bad != "" && contains(out, bad) {
					t.Fatalf("output still contains %q: %s", bad, out)
				}
			}
			for _, want := range tc.require {
				if want == "" {
					continue
				}
				if !contains(out, want) {
					t.Fatalf("output missing required substring %q: %s", want, out)
				}
			}
		})
	}
}

func TestCoordinate(t *testing.T) {
	if got := Coordinate(12.34567); got != 12.35 {
		t.Fatalf("Coordinate = %v", got)
	}
	if got := Coordinate(-0.004); got != 0 {
		t.Fatalf("Coordinate = %v", got)
	}
}

func contains(s, sub string) bool {
	return s != "" && sub != "" && strings.Contains(s, sub)
}
