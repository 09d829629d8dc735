// Command event-receiver accepts hazard events from the webhook sink and
// logs a one-line summary per event. It is meant for local testing.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/straja-ai/hazardfuse/internal/activation"
	hlog "github.com/straja-ai/hazardfuse/internal/log"
)

func main() {
	addr := flag.String("addr", ":8099", "listen address for the event receiver")
	token := flag.String("token", "", "require this bearer token when set")
	verbose := flag.Bool("v", false, "log full event bodies")
	flag.Parse()

	level := "info"
	if *verbose {
		level = "debug"
	}
	hlog.Init(level, "text")

	srv := &http.Server{
		Addr:              *addr,
		Handler:           newHandler(*token),
		ReadHeaderTimeout: 5 * time.Second,
	}

	hlog.Info("event receiver listening", "addr", *addr, "path", "/events")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		hlog.Error("receiver error", "error", err)
		os.Exit(1)
	}
}

func newHandler(token string) http.Handler {
	mux := http.NewServeMux()
	h := eventHandler(token)
	mux.HandleFunc("POST /events", h)
	mux.HandleFunc("POST /", h)
	return mux
}

func eventHandler(token string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
			http.Error(w, `{"status":"unauthorized"}`, http.StatusUnauthorized)
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 4<<20))
		_ = r.Body.Close()
		if err != nil {
			http.Error(w, `{"status":"too_large"}`, http.StatusRequestEntityTooLarge)
			return
		}

		var ev activation.Event
		if err := json.Unmarshal(body, &ev); err != nil {
			hlog.Warn("invalid event body", "len", len(body), "error", err)
			http.Error(w, `{"status":"invalid"}`, http.StatusBadRequest)
			return
		}

		hlog.Info("received hazard event",
			slog.String("request_id", ev.RequestID),
			slog.String("header_request_id", r.Header.Get("X-Request-Id")),
			slog.String("client_id", ev.ClientID),
			slog.Int("count", ev.Summary.Count),
			slog.String("max_severity", ev.Summary.MaxSeverity),
			slog.String("types", strings.Join(ev.Summary.Types, ",")),
			slog.Bool("fallback", ev.Summary.Fallback),
		)
		hlog.Debug("event body", "body", string(body))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintln(w, `{"status":"ok"}`)
	}
}
