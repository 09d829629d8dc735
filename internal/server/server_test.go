package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/straja-ai/hazardfuse/internal/activation"
	"github.com/straja-ai/hazardfuse/internal/auth"
	"github.com/straja-ai/hazardfuse/internal/config"
	"github.com/straja-ai/hazardfuse/internal/fusion"
	"github.com/straja-ai/hazardfuse/internal/hazard"
)

const fuseBody = `{
	"detections": [
		{"type": "pothole", "confidence": 0.7, "method": "vision_primary",
		 "bounding_box": {"x": 10, "y": 10, "width": 40, "height": 20}}
	],
	"sensor_data": {"accelerometer": {"magnitude": 3.0, "z": 3.0}}
}`

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg := config.Default()
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Server.MaxRequestBodyBytes = 4096
	cfg.Server.MaxInFlightRequests = 5
	cfg.Clients = []config.ClientConfig{
		{ID: "p1", APIKeys: []string{"test-key"}},
		{ID: "p2", APIKeys: []string{"other-key"}},
	}
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("config: %v", err)
	}
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config, opts ...Option) *Server {
	t.Helper()

	authz, err := auth.NewFromConfig(cfg)
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	return New(cfg, authz, opts...)
}

func do(t *testing.T, s *Server, method, path, key, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("invalid json %q: %v", rr.Body.String(), err)
	}
	return v
}

func TestHealthzOK(t *testing.T) {
	srv := newTestServer(t, newTestConfig(t))

	rr := do(t, srv, http.MethodGet, "/healthz", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	h := decode[healthResponse](t, rr)
	if h.Status != "healthy" || !h.Components["sensor_fusion"] {
		t.Fatalf("unexpected health %+v", h)
	}
}

func TestFuseRequiresAPIKey(t *testing.T) {
	srv := newTestServer(t, newTestConfig(t))

	if rr := do(t, srv, http.MethodPost, "/v1/fuse", "", fuseBody); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if rr := do(t, srv, http.MethodPost, "/v1/fuse", "wrong", fuseBody); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestFuseFusesAndStoresResult(t *testing.T) {
	srv := newTestServer(t, newTestConfig(t))

	rr := do(t, srv, http.MethodPost, "/v1/fuse", "test-key", fuseBody)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	resp := decode[fuseResponse](t, rr)
	if !resp.Success || resp.Fallback || len(resp.Data) != 1 {
		t.Fatalf("unexpected response %+v", resp)
	}
	d := resp.Data[0]
	if d.Type != hazard.Pothole || math.Abs(d.Confidence-0.775) > 1e-9 || d.Severity != hazard.High {
		t.Fatalf("unexpected detection %+v", d)
	}
	if d.FusionMethod != hazard.FusionMultiModal || d.Evidence == nil || !d.Evidence.Accelerometer.Present {
		t.Fatalf("missing fusion metadata %+v", d)
	}
	if rr.Header().Get("X-Request-Id") != resp.RequestID || resp.RequestID == "" {
		t.Fatalf("request id header %q vs body %q", rr.Header().Get("X-Request-Id"), resp.RequestID)
	}

	got := do(t, srv, http.MethodGet, "/v1/requests/"+resp.RequestID, "test-key", "")
	if got.Code != http.StatusOK {
		t.Fatalf("expected 200 for stored request, got %d", got.Code)
	}
	stored := decode[requestStatusResponse](t, got)
	if len(stored.Data) != 1 || stored.Event == nil || stored.Event.ClientID != "p1" {
		t.Fatalf("unexpected stored result %+v", stored)
	}

	if other := do(t, srv, http.MethodGet, "/v1/requests/"+resp.RequestID, "other-key", ""); other.Code != http.StatusNotFound {
		t.Fatalf("other client should get 404, got %d", other.Code)
	}
	if missing := do(t, srv, http.MethodGet, "/v1/requests/nope", "test-key", ""); missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", missing.Code)
	}
}

func TestFuseReusesCallerRequestID(t *testing.T) {
	srv := newTestServer(t, newTestConfig(t))

	const id = "6f1c2f5e-8a4b-4c53-9a43-2a9d3f1b7e10"
	req := httptest.NewRequest(http.MethodPost, "/v1/fuse", strings.NewReader(fuseBody))
	req.Header.Set("Authorization", "Bearer test-key")
	req.Header.Set("X-Request-Id", id)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	if resp := decode[fuseResponse](t, rr); resp.RequestID != id {
		t.Fatalf("request id = %q", resp.RequestID)
	}
}

func TestFuseFallsBackToSensors(t *testing.T) {
	srv := newTestServer(t, newTestConfig(t))

	body := `{"detections": [], "sensor_data": {"accelerometer": {"magnitude": 2.5, "z": 2.5}}}`
	rr := do(t, srv, http.MethodPost, "/v1/fuse", "test-key", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	resp := decode[fuseResponse](t, rr)
	if !resp.Fallback || len(resp.Data) != 1 {
		t.Fatalf("unexpected response %+v", resp)
	}
	d := resp.Data[0]
	if d.Type != hazard.Pothole || d.Method != hazard.SensorDerived || d.Severity != hazard.Medium || d.Source != hazard.Accelerometer {
		t.Fatalf("unexpected fallback detection %+v", d)
	}
}

func TestFuseRejectsMalformedCandidates(t *testing.T) {
	srv := newTestServer(t, newTestConfig(t))

	body := `{"detections": [
		{"type": "debris", "confidence": 0.8, "method": "vision_secondary"},
		{"type": "person", "confidence": 0.9, "method": "vision_primary"},
		{"type": "pothole", "confidence": 1.5, "method": "vision_primary"}
	]}`
	rr := do(t, srv, http.MethodPost, "/v1/fuse", "test-key", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	resp := decode[fuseResponse](t, rr)
	if len(resp.Data) != 1 || resp.Data[0].Type != hazard.Debris {
		t.Fatalf("unexpected data %+v", resp.Data)
	}
	if len(resp.Rejected) != 2 || resp.Rejected[0].Index != 1 || resp.Rejected[1].Index != 2 {
		t.Fatalf("unexpected rejections %+v", resp.Rejected)
	}
	// No sensor data: confidence passes through unchanged.
	if resp.Data[0].Confidence != 0.8 {
		t.Fatalf("confidence = %v", resp.Data[0].Confidence)
	}
}

func TestFuseIsolatesUndecodableCandidates(t *testing.T) {
	srv := newTestServer(t, newTestConfig(t))
	debris := `{"type": "debris", "confidence": 0.8, "method": "vision_secondary"}`

	t.Run("bad bounding box", func(t *testing.T) {
		body := `{"detections": [
			{"type": "pothole", "confidence": 0.7, "method": "vision_primary",
			 "bounding_box": {"x": "ten", "y": 0, "width": 10, "height": 10}},
			` + debris + `
		]}`
		rr := do(t, srv, http.MethodPost, "/v1/fuse", "test-key", body)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
		}
		resp := decode[fuseResponse](t, rr)
		if len(resp.Rejected) != 0 || len(resp.Data) != 2 {
			t.Fatalf("unexpected response %+v", resp)
		}
		if resp.Data[0].Type != hazard.Debris || resp.Data[1].Type != hazard.Pothole || resp.Data[1].Box != nil {
			t.Fatalf("pothole should be kept without a box: %+v", resp.Data)
		}
	})

	t.Run("bad confidence", func(t *testing.T) {
		body := `{"detections": [
			{"type": "pothole", "confidence": "high", "method": "vision_primary"},
			` + debris + `
		]}`
		rr := do(t, srv, http.MethodPost, "/v1/fuse", "test-key", body)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
		}
		resp := decode[fuseResponse](t, rr)
		if len(resp.Data) != 1 || resp.Data[0].Type != hazard.Debris {
			t.Fatalf("debris should survive, got %+v", resp.Data)
		}
		if len(resp.Rejected) != 1 || resp.Rejected[0].Index != 0 {
			t.Fatalf("unexpected rejections %+v", resp.Rejected)
		}
	})
}

func TestFuseRequestValidation(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Server.MaxCandidates = 1
	srv := newTestServer(t, cfg)

	cases := []struct {
		name string
		body string
		code int
	}{
		{"missing detections", `{"sensor_data": {}}`, http.StatusBadRequest},
		{"invalid json", `{"detections": [`, http.StatusBadRequest},
		{"too many candidates", `{"detections": [{"type":"debris","confidence":0.6,"method":"vision_primary"},{"type":"pothole","confidence":0.6,"method":"vision_primary"}]}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if rr := do(t, srv, http.MethodPost, "/v1/fuse", "test-key", tc.body); rr.Code != tc.code {
				t.Fatalf("expected %d, got %d", tc.code, rr.Code)
			}
		})
	}
}

func TestRequestBodyLimitReturns413(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Server.MaxRequestBodyBytes = 10
	srv := newTestServer(t, cfg)

	if rr := do(t, srv, http.MethodPost, "/v1/fuse", "test-key", fuseBody); rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rr.Code)
	}
}

func TestConcurrencyLimiterReturns429(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Server.MaxInFlightRequests = 1
	srv := newTestServer(t, cfg)

	// Occupy the only slot as a long-running request would.
	srv.inFlight <- struct{}{}
	if rr := do(t, srv, http.MethodPost, "/v1/fuse", "test-key", fuseBody); rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	<-srv.inFlight

	if rr := do(t, srv, http.MethodPost, "/v1/fuse", "test-key", fuseBody); rr.Code != http.StatusOK {
		t.Fatalf("expected 200 once the slot is free, got %d", rr.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	srv := newTestServer(t, newTestConfig(t))
	if rr := do(t, srv, http.MethodGet, "/v1/fuse", "test-key", ""); rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}

func TestClassify(t *testing.T) {
	srv := newTestServer(t, newTestConfig(t))

	rr := do(t, srv, http.MethodPost, "/v1/classify", "test-key", `{"type": "pothole", "confidence": 0.72}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	resp := decode[classifyResponse](t, rr)
	if resp.Data.Severity != hazard.Medium || resp.Data.Thresholds == nil || resp.Data.Thresholds.High != 0.8 {
		t.Fatalf("unexpected classification %+v", resp.Data)
	}

	rr = do(t, srv, http.MethodPost, "/v1/classify", "test-key", `{"type": "other", "confidence": 0.99}`)
	if resp := decode[classifyResponse](t, rr); resp.Data.Severity != hazard.Low || resp.Data.Thresholds != nil {
		t.Fatalf("type without ladder should be low, got %+v", resp.Data)
	}

	for _, body := range []string{`{"type": "license_plate", "confidence": 0.5}`, `{"type": "pothole", "confidence": 2}`} {
		if rr := do(t, srv, http.MethodPost, "/v1/classify", "test-key", body); rr.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 for %s, got %d", body, rr.Code)
		}
	}
}

func TestPrivacyRegions(t *testing.T) {
	srv := newTestServer(t, newTestConfig(t))

	body := `{
		"faces": [{"x": 10, "y": 10, "width": 100, "height": 100}, {"x": 12, "y": 12, "width": 100, "height": 100}],
		"license_plates": [{"x": 300, "y": 300, "width": 120, "height": 30}],
		"contours": [{"x": 500, "y": 500, "width": 20, "height": 20}]
	}`
	rr := do(t, srv, http.MethodPost, "/v1/privacy/regions", "test-key", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	resp := decode[privacyResponse](t, rr)
	if len(resp.Data.Faces) != 1 || len(resp.Data.Plates) != 1 {
		t.Fatalf("unexpected regions %+v", resp.Data)
	}
}

func TestFusionInfo(t *testing.T) {
	srv := newTestServer(t, newTestConfig(t))

	rr := do(t, srv, http.MethodGet, "/v1/fusion/info", "test-key", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	resp := decode[infoResponse](t, rr)
	if resp.Data.Weights.Camera != 0.4 || !resp.Data.Ready || len(resp.Data.HazardTypes) != len(hazard.HazardTypes) {
		t.Fatalf("unexpected info %+v", resp.Data)
	}
}

type recordingSink struct {
	events chan *activation.Event
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Deliver(_ context.Context, ev *activation.Event) error {
	s.events <- ev
	return nil
}

func (s *recordingSink) Close(context.Context) error { return nil }

func TestFuseEmitsEvent(t *testing.T) {
	sink := &recordingSink{events: make(chan *activation.Event, 4)}
	em := activation.NewEmitter(activation.EmitterConfig{QueueSize: 4}, []activation.Sink{sink})
	defer em.Close(context.Background())

	srv := newTestServer(t, newTestConfig(t), WithEmitter(em))
	body := `{
		"detections": [{"type": "pothole", "confidence": 0.9, "method": "vision_primary"}],
		"sensor_data": {"location": {"lat": 48.858370, "lng": 2.294481, "speed": 30}}
	}`
	if rr := do(t, srv, http.MethodPost, "/v1/fuse", "test-key", body); rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	select {
	case ev := <-sink.events:
		if ev.ClientID != "p1" || ev.Summary.Count != 1 || ev.Location == nil || ev.Location.Lat != 48.86 {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}

	// Nothing detected, nothing emitted.
	if rr := do(t, srv, http.MethodPost, "/v1/fuse", "test-key", `{"detections": []}`); rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	select {
	case ev := <-sink.events:
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStreamDeliversLiveEvents(t *testing.T) {
	hub := activation.NewHub("test", nil)
	defer hub.Close(context.Background())
	em := activation.NewEmitter(activation.EmitterConfig{QueueSize: 4}, []activation.Sink{hub})
	defer em.Close(context.Background())

	srv := newTestServer(t, newTestConfig(t), WithEmitter(em), WithHub(hub))
	ts := newHTTPTestServer(t, srv.Handler())
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/stream"

	if _, resp, err := websocket.DefaultDialer.Dial(wsURL, nil); err == nil {
		t.Fatal("expected unauthenticated dial to fail")
	} else if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", resp)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Authorization": {"Bearer test-key"}})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/v1/fuse", strings.NewReader(fuseBody))
	req.Header.Set("Authorization", "Bearer test-key")
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("fuse: %v", err)
	}
	resp.Body.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev activation.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Summary.MaxSeverity != "high" || ev.Detections[0].Type != hazard.Pothole {
		t.Fatalf("unexpected streamed event %+v", ev)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	srv := newTestServer(t, newTestConfig(t))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("skipping: cannot open listener: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestRequestStoreExpires(t *testing.T) {
	store := newRequestStore(time.Minute)
	now := time.Now()
	store.now = func() time.Time { return now }

	store.Put("a", "p1", fusion.Result{}, nil)
	if _, ok := store.Get("a"); !ok {
		t.Fatal("expected entry")
	}
	now = now.Add(2 * time.Minute)
	if _, ok := store.Get("a"); ok {
		t.Fatal("expected entry to expire")
	}
	if store.Len() != 0 {
		t.Fatalf("expired entries not cleaned up: %d", store.Len())
	}
}

func newHTTPTestServer(t *testing.T, h http.Handler) *httptest.Server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("skipping: cannot open listener: %v", err)
	}
	srv := httptest.NewUnstartedServer(h)
	srv.Listener = ln
	srv.Start()
	t.Cleanup(srv.Close)
	return srv
}

func TestEventsListsCallerEventsNewestFirst(t *testing.T) {
	store, err := activation.NewSQLiteSink(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("sqlite sink: %v", err)
	}
	t.Cleanup(func() { _ = store.Close(context.Background()) })

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, c := range []struct{ id, client string }{
		{"req-old", "p1"},
		{"req-other", "p2"},
		{"req-new", "p1"},
	} {
		ev := &activation.Event{
			Version:   activation.EventVersion,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			RequestID: c.id,
			ClientID:  c.client,
			Summary:   activation.Summary{Count: 1, MaxSeverity: "medium", Types: []string{"pothole"}},
			Detections: []hazard.Detection{{
				Candidate: hazard.Candidate{Type: hazard.Pothole, Confidence: 0.7, Method: hazard.VisionPrimary},
				Severity:  hazard.Medium,
			}},
		}
		if err := store.Deliver(context.Background(), ev); err != nil {
			t.Fatalf("deliver %s: %v", c.id, err)
		}
	}

	srv := newTestServer(t, newTestConfig(t), WithEventStore(store))

	rr := do(t, srv, http.MethodGet, "/v1/events", "test-key", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	resp := decode[eventsResponse](t, rr)
	if !resp.Success || len(resp.Data) != 2 {
		t.Fatalf("expected 2 events for p1, got %+v", resp)
	}
	if resp.Data[0].RequestID != "req-new" || resp.Data[1].RequestID != "req-old" {
		t.Fatalf("unexpected order: %s, %s", resp.Data[0].RequestID, resp.Data[1].RequestID)
	}

	rr = do(t, srv, http.MethodGet, "/v1/events?limit=1", "test-key", "")
	if got := decode[eventsResponse](t, rr); len(got.Data) != 1 || got.Data[0].RequestID != "req-new" {
		t.Fatalf("limit=1: unexpected %+v", got.Data)
	}

	for _, q := range []string{"abc", "0", "501"} {
		if rr := do(t, srv, http.MethodGet, "/v1/events?limit="+q, "test-key", ""); rr.Code != http.StatusBadRequest {
			t.Fatalf("limit=%s: expected 400, got %d", q, rr.Code)
		}
	}

	if rr := do(t, srv, http.MethodGet, "/v1/events", "", ""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", rr.Code)
	}
}

func TestEventsRouteNeedsStore(t *testing.T) {
	srv := newTestServer(t, newTestConfig(t))
	if rr := do(t, srv, http.MethodGet, "/v1/events", "test-key", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without an event store, got %d", rr.Code)
	}
}
