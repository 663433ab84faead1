package auth

import (
	"context"
	"errors"
	"net/http"
)

// AgentVerifier resolves a raw bearer token to an agent identity. The
// implementation hashes the token and looks up the stored digest; the raw
// token is never persisted.
type AgentVerifier interface {
	VerifyAgentToken(ctx context.Context, token string) (agentID string, err error)
}

// AgentMiddleware authenticates agent-facing endpoints with static bearer
// tokens.
type AgentMiddleware struct {
	verifier AgentVerifier
}

// NewAgentMiddleware constructs agent auth middleware.
func NewAgentMiddleware(verifier AgentVerifier) *AgentMiddleware {
	return &AgentMiddleware{verifier: verifier}
}

// Wrap enforces agent token validation and stores the agent id in context.
func (m *AgentMiddleware) Wrap(next http.Handler) http.Handler {
	if m == nil || m.verifier == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "agent auth not configured", http.StatusUnauthorized)
		})
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := ExtractBearer(r)
		if token == "" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		agentID, err := m.verifier.VerifyAgentToken(r.Context(), token)
		if err != nil {
			if errors.Is(err, ErrInvalidToken) {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			http.Error(w, "auth check failed", http.StatusInternalServerError)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithAgent(r.Context(), agentID)))
	})
}
