// Package http exposes the ingestion and query API. The TCP port handles
// device hardware; this surface handles integrators posting normalized
// positions and clients reading fleet state.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"geotrack/internal/domain"
	"geotrack/internal/history"
	"geotrack/internal/metrics"
	"geotrack/internal/pipeline"
)

// Ingestor is the pipeline surface the API needs.
type Ingestor interface {
	IngestOne(ctx context.Context, in *pipeline.PositionInput) (*domain.Position, []*domain.Event, error)
	IngestBatch(ctx context.Context, inputs []*pipeline.PositionInput) (*pipeline.BatchResult, error)
	LatestPositions(ctx context.Context, deviceIDs []int64) ([]*domain.Position, error)
}

// HistoryStore serves the range query behind the history endpoint.
type HistoryStore interface {
	PositionsRange(ctx context.Context, deviceID int64, from, to time.Time) ([]*domain.Position, error)
}

// Pinger reports backend liveness for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

type API struct {
	log     zerolog.Logger
	ingest  Ingestor
	history HistoryStore
	pingers []Pinger
}

func NewAPI(log zerolog.Logger, ingest Ingestor, hist HistoryStore, pingers ...Pinger) *API {
	return &API{
		log:     log.With().Str("component", "api").Logger(),
		ingest:  ingest,
		history: hist,
		pingers: pingers,
	}
}

// Router mounts the API. Ingestion and query routes sit behind the API-key
// middleware; health and metrics stay open for probes and scrapers.
func (a *API) Router(requireKey func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.handleHealth)
	r.Get("/metrics", metrics.HandleMetrics)

	r.Route("/api", func(r chi.Router) {
		if requireKey != nil {
			r.Use(requireKey)
		}
		r.Post("/positions", a.handleIngestOne)
		r.Post("/positions/batch", a.handleIngestBatch)
		r.Get("/positions/latest", a.handleLatest)
		r.Get("/positions/history", a.handleHistory)
	})
	return r
}

// positionRequest is the integrator-facing position payload.
type positionRequest struct {
	DeviceID   int64          `json:"deviceId"`
	UniqueID   string         `json:"uniqueId"`
	Protocol   string         `json:"protocol"`
	Latitude   *float64       `json:"latitude"`
	Longitude  *float64       `json:"longitude"`
	Altitude   float64        `json:"altitude"`
	Speed      float64        `json:"speed"`
	Course     float64        `json:"course"`
	Timestamp  *time.Time     `json:"timestamp"`
	Attributes map[string]any `json:"attributes"`
}

func (req *positionRequest) input() *pipeline.PositionInput {
	in := &pipeline.PositionInput{
		DeviceID:   req.DeviceID,
		UniqueID:   req.UniqueID,
		Protocol:   req.Protocol,
		Latitude:   req.Latitude,
		Longitude:  req.Longitude,
		Altitude:   req.Altitude,
		Speed:      req.Speed,
		Course:     req.Course,
		Valid:      true,
		Attributes: req.Attributes,
	}
	if req.Timestamp != nil {
		in.DeviceTime = *req.Timestamp
	}
	return in
}

func (a *API) handleIngestOne(w http.ResponseWriter, r *http.Request) {
	var req positionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	pos, alerts, err := a.ingest.IngestOne(r.Context(), req.input())
	if err != nil {
		a.writeIngestError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"data":   pos,
		"alerts": alerts,
	})
}

func (a *API) handleIngestBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Positions []positionRequest `json:"positions"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Positions) == 0 {
		writeError(w, http.StatusBadRequest, "positions array is empty")
		return
	}

	inputs := make([]*pipeline.PositionInput, len(req.Positions))
	for i := range req.Positions {
		inputs[i] = req.Positions[i].input()
	}

	res, err := a.ingest.IngestBatch(r.Context(), inputs)
	if err != nil {
		a.log.Error().Err(err).Msg("batch ingest failed")
		writeError(w, http.StatusInternalServerError, "batch persist failed")
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (a *API) handleLatest(w http.ResponseWriter, r *http.Request) {
	ids, err := parseDeviceIDs(r.URL.Query().Get("deviceIds"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "deviceIds must be comma-separated integers")
		return
	}
	if len(ids) == 0 {
		writeError(w, http.StatusBadRequest, "deviceIds is required")
		return
	}

	positions, err := a.ingest.LatestPositions(r.Context(), ids)
	if err != nil {
		a.log.Error().Err(err).Msg("latest positions query failed")
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": positions})
}

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	deviceID, err := strconv.ParseInt(q.Get("deviceId"), 10, 64)
	if err != nil || deviceID <= 0 {
		writeError(w, http.StatusBadRequest, "deviceId must be a positive integer")
		return
	}
	from, err := time.Parse(time.RFC3339, q.Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "from must be RFC3339")
		return
	}
	to, err := time.Parse(time.RFC3339, q.Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "to must be RFC3339")
		return
	}
	if !to.After(from) {
		writeError(w, http.StatusBadRequest, "to must be after from")
		return
	}

	positions, err := a.history.PositionsRange(r.Context(), deviceID, from, to)
	if err != nil {
		a.log.Error().Err(err).Int64("deviceId", deviceID).Msg("history query failed")
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}

	sampled := history.Sample(positions, from, to)
	stats := history.Compute(sampled)

	if q.Get("includeAttributes") != "true" {
		for _, p := range sampled {
			p.Attributes = nil
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":       sampled,
		"statistics": stats,
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	for _, p := range a.pingers {
		if err := p.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) writeIngestError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrMalformedInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrDeviceNotFound):
		writeError(w, http.StatusNotFound, "device not found")
	case errors.Is(err, domain.ErrDeviceDisabled):
		writeError(w, http.StatusForbidden, "device is disabled")
	default:
		a.log.Error().Err(err).Msg("ingest failed")
		writeError(w, http.StatusInternalServerError, "persist failed")
	}
}

func parseDeviceIDs(raw string) ([]int64, error) {
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	ids := make([]int64, 0, len(parts))
	for _, part := range parts {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
