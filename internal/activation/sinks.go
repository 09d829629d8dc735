package activation

import (
	"context"
	"fmt"
	"strings"

	"github.com/straja-ai/hazardfuse/internal/config"
)

// BuildSinks creates the sinks listed in cfg. On error every sink opened so
// far is closed again.
func BuildSinks(cfg config.ActivationConfig) ([]Sink, error) {
	sinks := make([]Sink, 0, len(cfg.Sinks))
	for i, sc := range cfg.Sinks {
		s, err := buildSink(sc)
		if err != nil {
			for _, opened := range sinks {
				_ = opened.Close(context.Background())
			}
			return nil, fmt.Errorf("activation sink %d (%s): %w", i, sc.Type, err)
		}
		sinks = append(sinks, s)
	}
	return sinks, nil
}

func buildSink(sc config.SinkConfig) (Sink, error) {
	switch strings.ToLower(strings.TrimSpace(sc.Type)) {
	case "file_jsonl":
		return NewFileSink(sc.Path)
	case "sqlite":
		return NewSQLiteSink(sc.Path)
	case "webhook":
		return NewWebhookSink(WebhookConfig{
			URL:       sc.URL,
			Headers:   sc.Headers,
			HeaderEnv: sc.HeaderEnv,
			Timeout:   sc.Timeout,
		})
	default:
		return nil, fmt.Errorf("unknown sink type %q", sc.Type)
	}
}
