package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	agentsapp "dispatchd/internal/agents/application"
	"dispatchd/internal/auth"
)

// SelfServiceHandler serves the agent-facing registry routes: register and
// heartbeat. The agent id comes from the authenticated token, so an agent can
// only ever mutate its own record.
type SelfServiceHandler struct {
	service *agentsapp.Service
}

// NewSelfServiceHandler constructs a self-service handler.
func NewSelfServiceHandler(service *agentsapp.Service) (*SelfServiceHandler, error) {
	if service == nil {
		return nil, errors.New("agent self-service handler: nil service")
	}
	return &SelfServiceHandler{service: service}, nil
}

// Register handles POST /api/v1/agent/register.
func (h *SelfServiceHandler) Register(w http.ResponseWriter, r *http.Request) {
	agentID, ok := h.requirePost(w, r)
	if !ok {
		return
	}
	var req agentsapp.RegisterRequest
	if !h.decode(w, r, &req) {
		return
	}
	agent, err := h.service.Register(r.Context(), agentID, req)
	if err != nil {
		respondAgentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

// Heartbeat handles POST /api/v1/agent/heartbeat.
func (h *SelfServiceHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	agentID, ok := h.requirePost(w, r)
	if !ok {
		return
	}
	var req agentsapp.HeartbeatRequest
	if !h.decode(w, r, &req) {
		return
	}
	agent, err := h.service.Heartbeat(r.Context(), agentID, req)
	if err != nil {
		respondAgentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (h *SelfServiceHandler) requirePost(w http.ResponseWriter, r *http.Request) (string, bool) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return "", false
	}
	agentID := auth.AgentIDFromContext(r.Context())
	if agentID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return "", false
	}
	return agentID, true
}

func (h *SelfServiceHandler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
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
