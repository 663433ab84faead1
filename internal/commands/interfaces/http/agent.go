package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"dispatchd/internal/auth"
	commandsapp "dispatchd/internal/commands/application"
	commands "dispatchd/internal/commands/domain"
)

// AgentHandler serves the agent-facing command routes: the long-poll claim
// endpoint plus per-command progress, results, fail, lease, and release. The
// acting agent id always comes from the authenticated request context, never
// from the body.
type AgentHandler struct {
	service *commandsapp.Service
	claims  *commandsapp.ClaimService
	prefix  string
}

// NewAgentHandler constructs an agent handler for the given route prefix.
func NewAgentHandler(service *commandsapp.Service, claims *commandsapp.ClaimService, prefix string) (*AgentHandler, error) {
	if service == nil {
		return nil, errors.New("agent handler: nil service")
	}
	if claims == nil {
		return nil, errors.New("agent handler: nil claim service")
	}
	if prefix == "" {
		prefix = "/api/v1/agent/"
	}
	return &AgentHandler{service: service, claims: claims, prefix: prefix}, nil
}

type failRequest struct {
	Error string `json:"error"`
}

type claimResponse struct {
	Commands []commands.Command `json:"commands"`
}

// ServeHTTP dispatches POST claims and POST commands/{id}/{action}.
func (h *AgentHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	agentID := auth.AgentIDFromContext(r.Context())
	if agentID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, h.prefix)
	if rest == "claims" {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleClaim(w, r, agentID)
		return
	}

	rest, found := strings.CutPrefix(rest, "commands/")
	if !found {
		http.NotFound(w, r)
		return
	}
	commandID, action, _ := strings.Cut(rest, "/")
	if commandID == "" || action == "" {
		http.Error(w, "command id and action required", http.StatusBadRequest)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	switch action {
	case "progress":
		h.handleProgress(w, r, commandID, agentID)
	case "results":
		h.handleResult(w, r, commandID, agentID)
	case "fail":
		h.handleFail(w, r, commandID, agentID)
	case "lease":
		h.handleLease(w, r, commandID, agentID)
	case "release":
		h.handleRelease(w, r, commandID, agentID)
	default:
		http.NotFound(w, r)
	}
}

func (h *AgentHandler) handleClaim(w http.ResponseWriter, r *http.Request, agentID string) {
	var req commandsapp.ClaimRequest
	if !decodeBody(w, r, &req) {
		return
	}
	claimed, err := h.claims.Claim(r.Context(), agentID, req)
	if err != nil {
		respondCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, claimResponse{Commands: claimed})
}

func (h *AgentHandler) handleProgress(w http.ResponseWriter, r *http.Request, commandID, agentID string) {
	var req commandsapp.ProgressRequest
	if !decodeBody(w, r, &req) {
		return
	}
	cmd, err := h.service.Progress(r.Context(), commandID, agentID, req)
	if err != nil {
		respondCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

func (h *AgentHandler) handleResult(w http.ResponseWriter, r *http.Request, commandID, agentID string) {
	var req commandsapp.ResultRequest
	if !decodeBody(w, r, &req) {
		return
	}
	cmd, err := h.service.AppendResult(r.Context(), commandID, agentID, req)
	if err != nil {
		respondCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

func (h *AgentHandler) handleFail(w http.ResponseWriter, r *http.Request, commandID, agentID string) {
	var req failRequest
	if !decodeBody(w, r, &req) {
		return
	}
	cmd, err := h.service.Fail(r.Context(), commandID, agentID, req.Error)
	if err != nil {
		respondCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

func (h *AgentHandler) handleLease(w http.ResponseWriter, r *http.Request, commandID, agentID string) {
	var req commandsapp.ExtendRequest
	if !decodeBody(w, r, &req) {
		return
	}
	cmd, err := h.claims.ExtendLease(r.Context(), commandID, agentID, req)
	if err != nil {
		respondCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

func (h *AgentHandler) handleRelease(w http.ResponseWriter, r *http.Request, commandID, agentID string) {
	var req commandsapp.ReleaseRequest
	if !decodeBody(w, r, &req) {
		return
	}
	cmd, err := h.claims.Release(r.Context(), commandID, agentID, req)
	if err != nil {
		respondCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

// decodeBody reads and unmarshals a JSON body; an empty body decodes to the
// zero request. It writes the error response itself and reports success.
func decodeBody(w http.ResponseWriter, r *http.Request, target any) bool {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body error", http.StatusBadRequest)
		return false
	}
	defer r.Body.Close()
	if len(body) == 0 {
		return true
	}
	if err := json.Unmarshal(body, target); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return false
	}
	return true
}
