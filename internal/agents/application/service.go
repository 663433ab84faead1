package application

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	agents "dispatchd/internal/agents/domain"
	"dispatchd/internal/auth"
	"dispatchd/internal/events"
	"dispatchd/internal/hub"
	"dispatchd/internal/observability/metrics"

	"github.com/google/uuid"
)

// CreateRequest creates a new agent identity.
type CreateRequest struct {
	Name       string          `json:"name"`
	ExternalID string          `json:"external_id"`
	Token      string          `json:"token,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}

// CreateResponse returns the agent plus the raw bearer token. The token is
// shown exactly once; only its hash is stored.
type CreateResponse struct {
	AgentID   string    `json:"agent_id"`
	Name      string    `json:"name"`
	Token     string    `json:"token"`
	TokenHint string    `json:"token_hint"`
	CreatedAt time.Time `json:"created_at"`
}

// RegisterRequest binds runtime metadata to an agent identity.
type RegisterRequest struct {
	Capabilities []string        `json:"capabilities,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
}

// HeartbeatRequest updates liveness and status.
type HeartbeatRequest struct {
	Status   string          `json:"status,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// Service manages the agent registry.
type Service struct {
	repo     agents.Repository
	recorder events.Recorder
	notifier *hub.Hub
}

// NewService constructs an agent service.
func NewService(repo agents.Repository, recorder events.Recorder, notifier *hub.Hub) (*Service, error) {
	if repo == nil {
		return nil, errors.New("agents: nil repo")
	}
	if recorder == nil {
		return nil, errors.New("agents: nil recorder")
	}
	return &Service{repo: repo, recorder: recorder, notifier: notifier}, nil
}

// Create registers a new agent identity and issues its bearer token.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*CreateResponse, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, fmt.Errorf("%w: name required", agents.ErrValidation)
	}
	if len(req.Metadata) > 0 && !json.Valid(req.Metadata) {
		return nil, fmt.Errorf("%w: invalid metadata", agents.ErrValidation)
	}
	token := req.Token
	if token == "" {
		token = "agt_" + uuid.NewString()
	}

	now := time.Now().UTC()
	agent := &agents.Agent{
		AgentID:     "agent-" + uuid.NewString(),
		Name:        req.Name,
		ExternalID:  req.ExternalID,
		Status:      agents.StatusOffline,
		TokenHash:   HashToken(token),
		TokenHint:   tokenHint(token),
		TokenActive: true,
		Metadata:    req.Metadata,
		CreatedAt:   now,
	}
	if err := s.repo.Create(ctx, agent); err != nil {
		return nil, err
	}
	if err := s.record(ctx, events.TypeAgentCreated, agent.AgentID, map[string]any{
		"name":        agent.Name,
		"external_id": agent.ExternalID,
	}); err != nil {
		return nil, err
	}
	metrics.IncAgentRegistrations(string(agents.StatusOffline))

	return &CreateResponse{
		AgentID:   agent.AgentID,
		Name:      agent.Name,
		Token:     token,
		TokenHint: agent.TokenHint,
		CreatedAt: now,
	}, nil
}

// Register marks an agent online and binds its runtime capabilities.
func (s *Service) Register(ctx context.Context, agentID string, req RegisterRequest) (*agents.Agent, error) {
	if len(req.Metadata) > 0 && !json.Valid(req.Metadata) {
		return nil, fmt.Errorf("%w: invalid metadata", agents.ErrValidation)
	}
	now := time.Now().UTC()
	if err := s.repo.UpdateRuntime(ctx, agentID, agents.StatusOnline, now, req.Metadata, req.Capabilities); err != nil {
		return nil, err
	}
	if err := s.record(ctx, events.TypeAgentRegistered, agentID, map[string]any{
		"capabilities": req.Capabilities,
	}); err != nil {
		return nil, err
	}
	metrics.IncAgentRegistrations(string(agents.StatusOnline))
	s.notify(agentID, agents.StatusOnline, now)
	return s.repo.Get(ctx, agentID)
}

// Heartbeat refreshes liveness; status is last-writer-wins.
func (s *Service) Heartbeat(ctx context.Context, agentID string, req HeartbeatRequest) (*agents.Agent, error) {
	status := agents.StatusOnline
	if req.Status != "" {
		normalized, ok := agents.NormalizeStatus(req.Status)
		if !ok {
			return nil, fmt.Errorf("%w: invalid status %q", agents.ErrValidation, req.Status)
		}
		status = normalized
	}
	if len(req.Metadata) > 0 && !json.Valid(req.Metadata) {
		return nil, fmt.Errorf("%w: invalid metadata", agents.ErrValidation)
	}

	now := time.Now().UTC()
	if err := s.repo.UpdateRuntime(ctx, agentID, status, now, req.Metadata, nil); err != nil {
		return nil, err
	}
	if err := s.record(ctx, events.TypeAgentHeartbeat, agentID, map[string]any{
		"status": string(status),
	}); err != nil {
		return nil, err
	}
	s.notify(agentID, status, now)
	return s.repo.Get(ctx, agentID)
}

// Get fetches an agent by id.
func (s *Service) Get(ctx context.Context, agentID string) (*agents.Agent, error) {
	return s.repo.Get(ctx, agentID)
}

// List returns all agents.
func (s *Service) List(ctx context.Context) ([]agents.Agent, error) {
	return s.repo.List(ctx)
}

// Deactivate disables an agent's bearer token.
func (s *Service) Deactivate(ctx context.Context, agentID string) error {
	ok, err := s.repo.SetTokenActive(ctx, agentID, false)
	if err != nil {
		return err
	}
	if !ok {
		return agents.ErrNotFound
	}
	return s.record(ctx, events.TypeAgentDeactivated, agentID, map[string]any{
		"token_active": false,
	})
}

func (s *Service) record(ctx context.Context, eventType, agentID string, payload map[string]any) error {
	data, _ := json.Marshal(payload)
	return s.recorder.Record(ctx, events.Event{
		Type:    eventType,
		Level:   events.LevelInfo,
		AgentID: agentID,
		Payload: data,
	})
}

func (s *Service) notify(agentID string, status agents.AgentStatus, at time.Time) {
	if s.notifier == nil {
		return
	}
	s.notifier.Publish(hub.AgentTopic(agentID), map[string]any{
		"agent_id": agentID,
		"status":   string(status),
		"seen_at":  at.Format(time.RFC3339Nano),
		"kind":     "agent",
	})
}

// VerifyAgentToken resolves a raw bearer token to an agent id. It implements
// auth.AgentVerifier: unknown and deactivated tokens both surface as
// auth.ErrInvalidToken so callers cannot distinguish them.
func (s *Service) VerifyAgentToken(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", auth.ErrInvalidToken
	}
	agent, err := s.repo.FindByTokenHash(ctx, HashToken(token))
	if err != nil {
		return "", err
	}
	if agent == nil || !agent.TokenActive {
		return "", auth.ErrInvalidToken
	}
	return agent.AgentID, nil
}

// HashToken returns the hex SHA-256 digest used to store and look up tokens.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func tokenHint(token string) string {
	if len(token) <= 4 {
		return token
	}
	return "..." + token[len(token)-4:]
}
