package agent

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/agentfi/npcsched/internal/auth"
)

// Handler provides HTTP handlers for agent schedule endpoints.
type Handler struct {
	svc *Service
}

// NewHandler creates a new agent handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Routes returns a chi.Router with all agent routes mounted. Starting a
// routine requires the operator role.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/{id}/schedule", h.HandleSchedule)
	r.Get("/{id}/events", h.HandleEvents)
	r.With(auth.RequireOperator).Post("/{id}/routines", h.HandleStart)
	return r
}

// HandleSchedule handles GET /api/agents/{id}/schedule.
func (h *Handler) HandleSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid agent id")
		return
	}

	resp, err := h.svc.Schedule(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleStart handles POST /api/agents/{id}/routines.
func (h *Handler) HandleStart(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid agent id")
		return
	}

	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body")
		return
	}

	resp, err := h.svc.Start(r.Context(), id, req)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	by := ""
	if claims := auth.ClaimsFromContext(r.Context()); claims != nil {
		by = claims.Subject
	}
	slog.Info("agent: routine started",
		slog.String("agent_id", id.String()),
		slog.String("routine", req.Routine),
		slog.Bool("force", req.Force),
		slog.String("by", by),
	)
	writeJSON(w, http.StatusOK, resp)
}

// HandleEvents handles GET /api/agents/{id}/events.
func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid agent id")
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "limit must be a positive integer")
			return
		}
		limit = n
	}

	events, err := h.svc.Events(r.Context(), id, limit)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, eventsResponse{Data: events})
}

// --- response types ---

type eventsResponse struct {
	Data any `json:"data"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: msg}})
}

func handleServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "agent not found")
	case errors.Is(err, ErrConflict):
		writeError(w, http.StatusConflict, "CONFLICT", err.Error())
	case errors.Is(err, ErrValidation):
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
	default:
		slog.Error("agent handler error", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal server error")
	}
}
