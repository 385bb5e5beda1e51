package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/apex/log"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"emergency-orchestrator/internal/emergency"
	"emergency-orchestrator/internal/ingest"
)

const maxBodyBytes = 1 << 20

type Ingestor interface {
	SubmitDetected(ctx context.Context, d ingest.DetectedReport) (ingest.Outcome, error)
	SubmitDetectedBatch(ctx context.Context, batch []ingest.DetectedReport) []ingest.Outcome
	SubmitRequested(ctx context.Context, f ingest.FamilyRequest) (ingest.Outcome, error)
}

type CaseService interface {
	GetStatus(ctx context.Context, id uuid.UUID) (*emergency.EmergencyCase, error)
	ListActive(ctx context.Context) ([]*emergency.EmergencyCase, error)
	ReleaseCorridor(ctx context.Context, id uuid.UUID) (*emergency.EmergencyCase, error)
}

type Handler struct {
	ingest Ingestor
	cases  CaseService
}

func NewHandler(in Ingestor, cases CaseService) *Handler {
	return &Handler{ingest: in, cases: cases}
}

func (h *Handler) SubmitDetected(w http.ResponseWriter, r *http.Request) {
	var req ingest.DetectedReport
	if !decode(w, r, &req) {
		return
	}
	out, err := h.ingest.SubmitDetected(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, out)
}

func (h *Handler) SubmitDetectedBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Accidents []ingest.DetectedReport `json:"accidents"`
	}
	if !decode(w, r, &req) {
		return
	}
	if len(req.Accidents) == 0 {
		http.Error(w, "Empty batch", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"outcomes": h.ingest.SubmitDetectedBatch(r.Context(), req.Accidents),
	})
}

func (h *Handler) SubmitRequested(w http.ResponseWriter, r *http.Request) {
	var req ingest.FamilyRequest
	if !decode(w, r, &req) {
		return
	}
	out, err := h.ingest.SubmitRequested(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, out)
}

func (h *Handler) GetCase(w http.ResponseWriter, r *http.Request) {
	id, ok := caseID(w, r)
	if !ok {
		return
	}
	c, err := h.cases.GetStatus(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) ListActive(w http.ResponseWriter, r *http.Request) {
	cases, err := h.cases.ListActive(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if cases == nil {
		cases = []*emergency.EmergencyCase{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"cases": cases})
}

func (h *Handler) ReleaseCorridor(w http.ResponseWriter, r *http.Request) {
	id, ok := caseID(w, r)
	if !ok {
		return
	}
	c, err := h.cases.ReleaseCorridor(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func RegisterRoutes(r chi.Router, h *Handler) {
	r.Post("/incidents/detected", h.SubmitDetected)
	r.Post("/incidents/detected/batch", h.SubmitDetectedBatch)
	r.Post("/incidents/requested", h.SubmitRequested)
	r.Get("/cases", h.ListActive)
	r.Get("/cases/{caseID}", h.GetCase)
	r.Post("/cases/{caseID}/corridor/release", h.ReleaseCorridor)
}

func caseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "caseID"))
	if err != nil {
		http.Error(w, "Invalid case ID", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, emergency.ErrInvalidIncident):
		status = http.StatusBadRequest
	case errors.Is(err, emergency.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, emergency.ErrDuplicateIncident), errors.Is(err, emergency.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		log.WithError(err).Error("request failed")
		http.Error(w, "Internal error", status)
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("failed to encode response")
	}
}
