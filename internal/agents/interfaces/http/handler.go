package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	agentsapp "dispatchd/internal/agents/application"
	agents "dispatchd/internal/agents/domain"
)

// Handler provides the operator-facing agent registry endpoints.
type Handler struct {
	service *agentsapp.Service
}

// NewHandler constructs a handler.
func NewHandler(service *agentsapp.Service) (*Handler, error) {
	if service == nil {
		return nil, errors.New("agents handler: nil service")
	}
	return &Handler{service: service}, nil
}

// ServeHTTP handles POST/GET /api/v1/agents.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handlePost(w, r)
	case http.MethodGet:
		h.handleList(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body error", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var req agentsapp.CreateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	resp, err := h.service.Create(r.Context(), req)
	if err != nil {
		respondAgentError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.List(r.Context())
	if err != nil {
		respondAgentError(w, err)
		return
	}
	if list == nil {
		list = []agents.Agent{}
	}
	writeJSON(w, http.StatusOK, list)
}

// ItemHandler serves the per-agent operator routes under /api/v1/agents/{id}.
type ItemHandler struct {
	service *agentsapp.Service
	prefix  string
}

// NewItemHandler constructs an item handler for the given route prefix.
func NewItemHandler(service *agentsapp.Service, prefix string) (*ItemHandler, error) {
	if service == nil {
		return nil, errors.New("agents item handler: nil service")
	}
	if prefix == "" {
		prefix = "/api/v1/agents/"
	}
	return &ItemHandler{service: service, prefix: prefix}, nil
}

// ServeHTTP dispatches GET {id} and POST {id}/deactivate.
func (h *ItemHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, h.prefix)
	agentID, action, _ := strings.Cut(rest, "/")
	if agentID == "" {
		http.Error(w, "agent id required", http.StatusBadRequest)
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		agent, err := h.service.Get(r.Context(), agentID)
		if err != nil {
			respondAgentError(w, err)
			return
		}
		if agent == nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, agent)
	case action == "deactivate" && r.Method == http.MethodPost:
		if err := h.service.Deactivate(r.Context(), agentID); err != nil {
			respondAgentError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

func respondAgentError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, agents.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, agents.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, agents.ErrTokenInactive):
		http.Error(w, "token inactive", http.StatusConflict)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
