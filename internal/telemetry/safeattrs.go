package telemetry

import (
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// denyKeys drop any attribute whose key contains them.
var denyKeys = []string{
	"authorization",
	"api_key",
	"token",
	"secret",
	"image",
	"plate",
	"face",
}

// denyTokens drop attributes with a key segment equal to them. Matching
// whole segments keeps keys such as latency_ms.
var denyTokens = []string{
	"lat",
	"lng",
	"lon",
	"latitude",
	"longitude",
	"location",
}

// SafeAttributes filters out unsafe keys and values and returns OTEL attributes.
// Empty strings are dropped too.
func SafeAttributes(values map[string]any) []attribute.KeyValue {
	if len(values) == 0 {
		return nil
	}
	var attrs []attribute.KeyValue
	for k, v := range values {
		if denied(k) {
			continue
		}
		switch val := v.(type) {
		case string:
			if val == "" || len(val) > 512 {
				continue
			}
			attrs = append(attrs, attribute.String(k, val))
		case bool:
			attrs = append(attrs, attribute.Bool(k, val))
		case int:
			attrs = append(attrs, attribute.Int(k, val))
		case int64:
			attrs = append(attrs, attribute.Int64(k, val))
		case float64:
			attrs = append(attrs, attribute.Float64(k, val))
		case []string:
			attrs = append(attrs, attribute.StringSlice(k, truncateStrings(val, 32)))
		default:
			// unsupported types ignored
		}
	}
	return attrs
}

func denied(key string) bool {
	lk := strings.ToLower(key)
	for _, bad := range denyKeys {
		if strings.Contains(lk, bad) {
			return true
		}
	}
	segments := strings.FieldsFunc(lk, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	for _, seg := range segments {
		for _, bad := range denyTokens {
			if seg == bad {
				return true
			}
		}
	}
	return false
}

func truncateStrings(in []string, limit int) []string {
	if len(in) <= limit {
		return in
	}
	return in[:limit]
}
