package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/straja-ai/hazardfuse/internal/activation"
)

func TestReceiverAcceptsWebhookEvents(t *testing.T) {
	ts := httptest.NewServer(newHandler("secret"))
	defer ts.Close()

	sink, err := activation.NewWebhookSink(activation.WebhookConfig{
		URL:     ts.URL + "/events",
		Headers: map[string]string{"Authorization": "Bearer secret"},
	})
	if err != nil {
		t.Fatalf("webhook sink: %v", err)
	}
	defer sink.Close(context.Background())

	ev := &activation.Event{
		Version:   activation.EventVersion,
		RequestID: "req-1",
		Summary:   activation.Summary{Count: 1, MaxSeverity: "high", Types: []string{"pothole"}},
	}
	if err := sink.Deliver(context.Background(), ev); err != nil {
		t.Fatalf("deliver: %v", err)
	}
}

func TestReceiverRejects(t *testing.T) {
	h := newHandler("secret")

	cases := []struct {
		name string
		auth string
		body string
		code int
	}{
		{"missing token", "", `{}`, http.StatusUnauthorized},
		{"invalid json", "Bearer secret", `{`, http.StatusBadRequest},
		{"ok", "Bearer secret", `{"version":"1"}`, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/events", strings.NewReader(tc.body))
			if tc.auth != "" {
				req.Header.Set("Authorization", tc.auth)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			if rr.Code != tc.code {
				t.Fatalf("expected %d, got %d", tc.code, rr.Code)
			}
		})
	}
}
