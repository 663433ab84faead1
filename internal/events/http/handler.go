package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"dispatchd/internal/events"
)

// Lister queries recorded audit events.
type Lister interface {
	List(ctx context.Context, filter events.Filter) ([]events.Event, error)
}

// Handler serves GET /api/v1/events with command/agent/type filters.
type Handler struct {
	lister Lister
}

// NewHandler constructs a handler.
func NewHandler(lister Lister) (*Handler, error) {
	if lister == nil {
		return nil, errors.New("events handler: nil lister")
	}
	return &Handler{lister: lister}, nil
}

// ServeHTTP handles the event query endpoint.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	filter := events.Filter{
		CommandID: r.URL.Query().Get("command_id"),
		AgentID:   r.URL.Query().Get("agent_id"),
		Type:      r.URL.Query().Get("type"),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		filter.Limit = limit
	}

	list, err := h.lister.List(r.Context(), filter)
	if err != nil {
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []events.Event{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(list)
}
