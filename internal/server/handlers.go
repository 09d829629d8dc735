package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mdobak/go-xerrors"

	"github.com/straja-ai/hazardfuse/internal/activation"
	"github.com/straja-ai/hazardfuse/internal/config"
	"github.com/straja-ai/hazardfuse/internal/fusion"
	"github.com/straja-ai/hazardfuse/internal/hazard"
	"github.com/straja-ai/hazardfuse/internal/privacy"
)

// fuseRequest keeps detections undecoded so that one malformed entry is
// rejected on its own instead of failing the request.
type fuseRequest struct {
	Detections []json.RawMessage `json:"detections"`
	SensorData hazard.Readings   `json:"sensor_data"`
}

type fuseResponse struct {
	Success   bool               `json:"success"`
	RequestID string             `json:"request_id"`
	Data      []hazard.Detection `json:"data"`
	Rejected  []fusion.Rejection `json:"rejected,omitempty"`
	Fallback  bool               `json:"fallback"`
}

func (s *Server) handleFuse(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	var req fuseRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Detections == nil {
		writeError(w, http.StatusBadRequest, "detections are required", "invalid_request_error")
		return
	}
	if limit := s.cfg.Server.MaxCandidates; limit > 0 && len(req.Detections) > limit {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("too many detections (max %d)", limit), "invalid_request_error")
		return
	}

	requestID := requestIDFrom(r)
	client := clientFrom(ctx)

	fuseStart := time.Now()
	res := s.engine.ProcessJSON(ctx, req.Detections, req.SensorData)
	fuseDur := time.Since(fuseStart)
	s.telemetry.RecordFusion(ctx, res, float64(fuseDur)/float64(time.Millisecond))

	if len(res.Rejected) > 0 {
		s.logger.Warn("rejected candidates",
			"request_id", requestID,
			"client_id", client.ID,
			"rejected", len(res.Rejected),
			"first_reason", res.Rejected[0].Reason,
		)
	}

	ev := activation.BuildEvent(activation.BuildParams{
		Result:    res,
		Readings:  req.SensorData,
		RequestID: requestID,
		ClientID:  client.ID,
		Fusion:    fuseDur,
		Total:     time.Since(start),
	})
	if ev != nil {
		activation.LogEvent(ev)
		s.emitter.Emit(ctx, ev)
	}
	s.requestStore.Put(requestID, client.ID, res, ev)

	w.Header().Set("X-Request-Id", requestID)
	writeJSON(ctx, s.logger, w, http.StatusOK, fuseResponse{
		Success:   true,
		RequestID: requestID,
		Data:      res.Detections,
		Rejected:  res.Rejected,
		Fallback:  res.Fallback,
	})
}

type privacyResponse struct {
	Success bool            `json:"success"`
	Data    privacy.Regions `json:"data"`
}

func (s *Server) handlePrivacyRegions(w http.ResponseWriter, r *http.Request) {
	var in privacy.Input
	if !s.decodeBody(w, r, &in) {
		return
	}
	if in.ImageWidth < 0 || in.ImageHeight < 0 {
		writeError(w, http.StatusBadRequest, "image size must not be negative", "invalid_request_error")
		return
	}
	writeJSON(r.Context(), s.logger, w, http.StatusOK, privacyResponse{Success: true, Data: s.privacy.Merge(in)})
}

type classifyRequest struct {
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
}

type classifyResult struct {
	Type       hazard.Type     `json:"type"`
	Confidence float64         `json:"confidence"`
	Severity   hazard.Severity `json:"severity"`
	Thresholds *config.Ladder  `json:"thresholds,omitempty"`
}

type classifyResponse struct {
	Success bool           `json:"success"`
	Data    classifyResult `json:"data"`
}

// handleClassify maps a detector confidence to a severity using the raw
// per-type ladder, without sensor evidence.
func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	var req classifyRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	t, err := hazard.ParseType(req.Type)
	if err != nil || !t.IsHazard() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown hazard type %q", req.Type), "invalid_request_error")
		return
	}
	if math.IsNaN(req.Confidence) || req.Confidence < 0 || req.Confidence > 1 {
		writeError(w, http.StatusBadRequest, "confidence must be within [0, 1]", "invalid_request_error")
		return
	}

	cls := s.engine.Classifier()
	out := classifyResult{
		Type:       t,
		Confidence: req.Confidence,
		Severity:   cls.Raw(t, req.Confidence),
	}
	if l, ok := cls.Ladder(t); ok {
		out.Thresholds = &l
	}
	writeJSON(r.Context(), s.logger, w, http.StatusOK, classifyResponse{Success: true, Data: out})
}

type infoResponse struct {
	Success bool        `json:"success"`
	Data    fusion.Info `json:"data"`
}

func (s *Server) handleFusionInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), s.logger, w, http.StatusOK, infoResponse{Success: true, Data: s.engine.Info()})
}

type requestStatusResponse struct {
	Success   bool               `json:"success"`
	RequestID string             `json:"request_id"`
	CreatedAt time.Time          `json:"created_at"`
	Data      []hazard.Detection `json:"data"`
	Rejected  []fusion.Rejection `json:"rejected,omitempty"`
	Fallback  bool               `json:"fallback"`
	Event     *activation.Event  `json:"event,omitempty"`
}

// handleRequestStatus returns a stored result. Results belong to the client
// that produced them; other clients get 404.
func (s *Server) handleRequestStatus(w http.ResponseWriter, r *http.Request) {
	requestID := strings.TrimSpace(r.PathValue("id"))
	entry, ok := s.requestStore.Get(requestID)
	if !ok || entry.clientID != clientFrom(r.Context()).ID {
		writeError(w, http.StatusNotFound, "request not found", "not_found_error")
		return
	}
	writeJSON(r.Context(), s.logger, w, http.StatusOK, requestStatusResponse{
		Success:   true,
		RequestID: requestID,
		CreatedAt: entry.createdAt.UTC(),
		Data:      entry.result.Detections,
		Rejected:  entry.result.Rejected,
		Fallback:  entry.result.Fallback,
		Event:     entry.event,
	})
}

const (
	defaultEventLimit = 50
	maxEventLimit     = 500
)

type eventsResponse struct {
	Success bool                `json:"success"`
	Data    []*activation.Event `json:"data"`
}

// handleEvents lists the caller's most recent stored events, newest first.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := defaultEventLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxEventLimit {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("limit must be between 1 and %d", maxEventLimit), "invalid_request_error")
			return
		}
		limit = n
	}

	ctx := r.Context()
	rows, err := s.events.Recent(ctx, clientFrom(ctx).ID, limit)
	if err != nil {
		s.logger.ErrorContext(ctx, "event store query failed", slog.Any("error", xerrors.New(err)))
		writeError(w, http.StatusInternalServerError, "event store unavailable", "server_error")
		return
	}

	out := make([]*activation.Event, 0, len(rows))
	for i := range rows {
		out = append(out, &rows[i].Event)
	}
	writeJSON(ctx, s.logger, w, http.StatusOK, eventsResponse{Success: true, Data: out})
}
