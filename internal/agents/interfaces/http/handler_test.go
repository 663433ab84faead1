package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	agentsapp "dispatchd/internal/agents/application"
	agents "dispatchd/internal/agents/domain"
	agentsmemory "dispatchd/internal/agents/infrastructure/memory"
	eventsmemory "dispatchd/internal/events/memory"
	"dispatchd/internal/hub"
)

func newHandlerService(t *testing.T, repo agents.Repository) *agentsapp.Service {
	t.Helper()
	service, err := agentsapp.NewService(repo, eventsmemory.NewEventRecorder(), hub.New())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return service
}

func TestCreateAgentRejectsBadInput(t *testing.T) {
	handler, err := NewHandler(newHandlerService(t, agentsmemory.NewAgentRepository()))
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/agents", strings.NewReader(`{"name":"  "}`)))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank name, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "name required") {
		t.Fatalf("expected validation detail in body, got %q", rr.Body.String())
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/agents", strings.NewReader(`{`)))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad json, got %d", rr.Code)
	}
}

// failingAgentRepo simulates a broken store underneath the service.
type failingAgentRepo struct{ err error }

func (f *failingAgentRepo) Create(ctx context.Context, agent *agents.Agent) error {
	return f.err
}

func (f *failingAgentRepo) Get(ctx context.Context, agentID string) (*agents.Agent, error) {
	return nil, f.err
}

func (f *failingAgentRepo) FindByTokenHash(ctx context.Context, tokenHash string) (*agents.Agent, error) {
	return nil, f.err
}

func (f *failingAgentRepo) List(ctx context.Context) ([]agents.Agent, error) {
	return nil, f.err
}

func (f *failingAgentRepo) UpdateRuntime(ctx context.Context, agentID string, status agents.AgentStatus, heartbeat time.Time, metadata json.RawMessage, capabilities []string) error {
	return f.err
}

func (f *failingAgentRepo) SetTokenActive(ctx context.Context, agentID string, active bool) (bool, error) {
	return false, f.err
}

func TestStoreFailureIsOpaque(t *testing.T) {
	service := newHandlerService(t, &failingAgentRepo{err: errors.New("agent repo: connection reset")})
	handler, err := NewHandler(service)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/agents", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 for store failure, got %d", rr.Code)
	}
	if strings.Contains(rr.Body.String(), "connection reset") {
		t.Fatalf("store detail leaked to the client: %q", rr.Body.String())
	}
	if strings.TrimSpace(rr.Body.String()) != "internal error" {
		t.Fatalf("expected opaque body, got %q", rr.Body.String())
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/agents", strings.NewReader(`{"name":"edge-probe"}`)))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 when create hits the store failure, got %d", rr.Code)
	}
}

func TestGetAgentNotFound(t *testing.T) {
	item, err := NewItemHandler(newHandlerService(t, agentsmemory.NewAgentRepository()), "/api/v1/agents/")
	if err != nil {
		t.Fatalf("new item handler: %v", err)
	}

	rr := httptest.NewRecorder()
	item.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/agents/agent-missing", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}
