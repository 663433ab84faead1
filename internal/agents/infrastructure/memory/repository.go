package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	agents "dispatchd/internal/agents/domain"
)

// AgentRepository is an in-memory repository for tests and demos.
type AgentRepository struct {
	mu   sync.RWMutex
	data map[string]*agents.Agent
}

// NewAgentRepository constructs a repository.
func NewAgentRepository() *AgentRepository {
	return &AgentRepository{data: make(map[string]*agents.Agent)}
}

// Create inserts an agent.
func (r *AgentRepository) Create(ctx context.Context, agent *agents.Agent) error {
	_ = ctx
	if agent == nil {
		return agents.ErrNotFound
	}
	clone := *agent
	r.mu.Lock()
	r.data[agent.AgentID] = &clone
	r.mu.Unlock()
	return nil
}

// Get fetches an agent by id.
func (r *AgentRepository) Get(ctx context.Context, agentID string) (*agents.Agent, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent := r.data[agentID]
	if agent == nil {
		return nil, nil
	}
	clone := *agent
	return &clone, nil
}

// FindByTokenHash fetches an agent by token hash.
func (r *AgentRepository) FindByTokenHash(ctx context.Context, tokenHash string) (*agents.Agent, error) {
	_ = ctx
	if tokenHash == "" {
		return nil, nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, agent := range r.data {
		if agent.TokenHash == tokenHash {
			clone := *agent
			return &clone, nil
		}
	}
	return nil, nil
}

// List returns all agents ordered by creation time.
func (r *AgentRepository) List(ctx context.Context) ([]agents.Agent, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]agents.Agent, 0, len(r.data))
	for _, agent := range r.data {
		result = append(result, *agent)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// UpdateRuntime applies registration/heartbeat state.
func (r *AgentRepository) UpdateRuntime(ctx context.Context, agentID string, status agents.AgentStatus, heartbeat time.Time, metadata json.RawMessage, capabilities []string) error {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	agent := r.data[agentID]
	if agent == nil {
		return agents.ErrNotFound
	}
	agent.Status = status
	agent.LastHeartbeat = heartbeat
	if len(metadata) > 0 {
		agent.Metadata = metadata
	}
	if len(capabilities) > 0 {
		agent.Capabilities = capabilities
	}
	return nil
}

// SetTokenActive toggles the token-active flag.
func (r *AgentRepository) SetTokenActive(ctx context.Context, agentID string, active bool) (bool, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	agent := r.data[agentID]
	if agent == nil {
		return false, nil
	}
	agent.TokenActive = active
	return true, nil
}
