package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"dispatchd/internal/auth"
	commandsapp "dispatchd/internal/commands/application"
	commands "dispatchd/internal/commands/domain"
)

// Handler provides the operator-facing command collection endpoints.
type Handler struct {
	service *commandsapp.Service
}

// NewHandler constructs a handler.
func NewHandler(service *commandsapp.Service) (*Handler, error) {
	if service == nil {
		return nil, errors.New("commands handler: nil service")
	}
	return &Handler{service: service}, nil
}

// ServeHTTP handles POST/GET /api/v1/commands.
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

	var req commandsapp.CreateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	cmd, err := h.service.Create(r.Context(), auth.SubjectFromContext(r.Context()), req)
	if err != nil {
		respondCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cmd)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	filter := commands.ListFilter{
		AgentID: r.URL.Query().Get("agent_id"),
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status, ok := commands.NormalizeStatus(raw)
		if !ok {
			http.Error(w, fmt.Sprintf("unknown status %q", raw), http.StatusBadRequest)
			return
		}
		filter.Status = status
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		filter.Limit = limit
	}

	list, err := h.service.List(r.Context(), filter)
	if err != nil {
		respondCommandError(w, err)
		return
	}
	if list == nil {
		list = []commands.Command{}
	}
	writeJSON(w, http.StatusOK, list)
}

// ItemHandler serves the per-command operator routes under
// /api/v1/commands/{id}: the command itself, its result chunks, cancel, and
// the live stream.
type ItemHandler struct {
	service *commandsapp.Service
	stream  http.Handler
	prefix  string
}

// NewItemHandler constructs an item handler for the given route prefix. The
// stream handler may be nil, in which case {id}/stream is not served.
func NewItemHandler(service *commandsapp.Service, stream http.Handler, prefix string) (*ItemHandler, error) {
	if service == nil {
		return nil, errors.New("commands item handler: nil service")
	}
	if prefix == "" {
		prefix = "/api/v1/commands/"
	}
	return &ItemHandler{service: service, stream: stream, prefix: prefix}, nil
}

// ServeHTTP dispatches GET {id}, GET {id}/results, POST {id}/cancel and
// GET {id}/stream.
func (h *ItemHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, h.prefix)
	commandID, action, _ := strings.Cut(rest, "/")
	if commandID == "" {
		http.Error(w, "command id required", http.StatusBadRequest)
		return
	}

	switch {
	case action == "stream" && h.stream != nil:
		h.stream.ServeHTTP(w, r)
	case action == "" && r.Method == http.MethodGet:
		cmd, err := h.service.Get(r.Context(), commandID)
		if err != nil {
			respondCommandError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, cmd)
	case action == "results" && r.Method == http.MethodGet:
		results, err := h.service.Results(r.Context(), commandID)
		if err != nil {
			respondCommandError(w, err)
			return
		}
		if results == nil {
			results = []commands.Result{}
		}
		writeJSON(w, http.StatusOK, results)
	case action == "cancel" && r.Method == http.MethodPost:
		cmd, err := h.service.Cancel(r.Context(), commandID, auth.SubjectFromContext(r.Context()))
		if err != nil {
			respondCommandError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, cmd)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}
