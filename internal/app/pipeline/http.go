package pipeline

import (
	"encoding/json"
	"errors"
	"net/http"

	"atelier-system/internal/common/logger"
	"atelier-system/internal/domain"
	"atelier-system/internal/stage"
)

// Handler is the thin JSON surface over the composed core. Rendering is
// someone else's problem; this only exposes snapshots and transitions.
type Handler struct {
	svc *Services
	log *logger.Logger
}

func NewHandler(svc *Services, log *logger.Logger) *Handler {
	return &Handler{svc: svc, log: log}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.health)
	mux.HandleFunc("GET /orders", h.listOrders)
	mux.HandleFunc("POST /orders/{id}/transition", h.transition)
	mux.HandleFunc("POST /orders/{id}/checked", h.markChecked)
	return mux
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	views := make(map[string]any, len(h.svc.Views))
	for _, v := range h.svc.Views {
		views[v.Name()] = map[string]any{
			"state":    string(v.State()),
			"count":    v.Count(),
			"degraded": v.Degraded(),
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "views": views})
}

func (h *Handler) listOrders(w http.ResponseWriter, r *http.Request) {
	stageName := r.URL.Query().Get("stage")
	v := stage.ByStage(h.svc.Views, domain.Stage(stageName))
	if v == nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unknown stage: " + stageName})
		return
	}
	orders := v.FilterByCustomer(r.URL.Query().Get("q"))
	writeJSON(w, http.StatusOK, map[string]any{
		"stage":  stageName,
		"state":  string(v.State()),
		"orders": orders,
	})
}

type transitionRequest struct {
	From  string         `json:"from"`
	To    string         `json:"to"`
	Extra map[string]any `json:"extra,omitempty"`
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON body"})
		return
	}
	order, err := h.svc.Coordinator.Transition(r.Context(),
		r.PathValue("id"), domain.Stage(req.From), domain.Stage(req.To), req.Extra)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

type checkedRequest struct {
	Checked bool `json:"checked"`
}

func (h *Handler) markChecked(w http.ResponseWriter, r *http.Request) {
	var req checkedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON body"})
		return
	}
	order, err := h.svc.Coordinator.MarkChecked(r.Context(), r.PathValue("id"), req.Checked)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// writeError maps the pipeline error taxonomy onto HTTP statuses so a
// caller can tell "already moved" from "rejected" from "try again".
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrConstraintViolation):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrTransientIO):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
