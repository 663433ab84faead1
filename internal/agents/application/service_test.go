package application

import (
	"context"
	"errors"
	"strings"
	"testing"

	agents "dispatchd/internal/agents/domain"
	agentsmemory "dispatchd/internal/agents/infrastructure/memory"
	"dispatchd/internal/auth"
	"dispatchd/internal/events"
	eventsmemory "dispatchd/internal/events/memory"
	"dispatchd/internal/hub"
)

func newTestService(t *testing.T) (*Service, *eventsmemory.EventRecorder) {
	t.Helper()
	recorder := eventsmemory.NewEventRecorder()
	service, err := NewService(agentsmemory.NewAgentRepository(), recorder, hub.New())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return service, recorder
}

func TestCreateIssuesTokenOnce(t *testing.T) {
	service, recorder := newTestService(t)

	resp, err := service.Create(context.Background(), CreateRequest{Name: "edge-probe"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if resp.Token == "" || !strings.HasPrefix(resp.Token, "agt_") {
		t.Fatalf("expected issued token, got %q", resp.Token)
	}
	if !strings.HasSuffix(resp.Token, strings.TrimPrefix(resp.TokenHint, "...")) {
		t.Fatalf("hint %q does not match token", resp.TokenHint)
	}

	agent, err := service.Get(context.Background(), resp.AgentID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if agent.TokenHash == resp.Token {
		t.Fatal("raw token must not be stored")
	}
	if agent.TokenHash != HashToken(resp.Token) {
		t.Fatal("stored hash does not match token")
	}
	if agent.Status != agents.StatusOffline {
		t.Fatalf("new agents start offline, got %s", agent.Status)
	}
	if got := recorder.CountByType(events.TypeAgentCreated); got != 1 {
		t.Fatalf("expected 1 created event, got %d", got)
	}
}

func TestCreateValidation(t *testing.T) {
	service, _ := newTestService(t)
	if _, err := service.Create(context.Background(), CreateRequest{Name: "  "}); !errors.Is(err, agents.ErrValidation) {
		t.Fatalf("expected validation error for blank name, got %v", err)
	}
	if _, err := service.Create(context.Background(), CreateRequest{Name: "x", Metadata: []byte("{")}); !errors.Is(err, agents.ErrValidation) {
		t.Fatalf("expected validation error for invalid metadata, got %v", err)
	}
}

func TestRegisterAndHeartbeat(t *testing.T) {
	service, recorder := newTestService(t)
	resp, err := service.Create(context.Background(), CreateRequest{Name: "edge-probe"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	agent, err := service.Register(context.Background(), resp.AgentID, RegisterRequest{Capabilities: []string{"shell", "diag"}})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if agent.Status != agents.StatusOnline {
		t.Fatalf("expected online after register, got %s", agent.Status)
	}
	if len(agent.Capabilities) != 2 {
		t.Fatalf("expected capabilities stored, got %v", agent.Capabilities)
	}

	agent, err = service.Heartbeat(context.Background(), resp.AgentID, HeartbeatRequest{Status: "busy"})
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if agent.Status != agents.StatusBusy {
		t.Fatalf("expected busy, got %s", agent.Status)
	}
	if agent.LastHeartbeat.IsZero() {
		t.Fatal("heartbeat not recorded")
	}
	if _, err := service.Heartbeat(context.Background(), resp.AgentID, HeartbeatRequest{Status: "sleeping"}); err == nil {
		t.Fatal("expected error for unknown status")
	}
	if _, err := service.Heartbeat(context.Background(), "agent-missing", HeartbeatRequest{}); !errors.Is(err, agents.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if got := recorder.CountByType(events.TypeAgentHeartbeat); got != 1 {
		t.Fatalf("expected 1 heartbeat event, got %d", got)
	}
}

func TestVerifyAgentToken(t *testing.T) {
	service, _ := newTestService(t)
	resp, err := service.Create(context.Background(), CreateRequest{Name: "edge-probe"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	agentID, err := service.VerifyAgentToken(context.Background(), resp.Token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if agentID != resp.AgentID {
		t.Fatalf("expected %s, got %s", resp.AgentID, agentID)
	}

	if _, err := service.VerifyAgentToken(context.Background(), "agt_bogus"); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}
	if _, err := service.VerifyAgentToken(context.Background(), ""); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expected invalid token for empty credential, got %v", err)
	}

	if err := service.Deactivate(context.Background(), resp.AgentID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, err := service.VerifyAgentToken(context.Background(), resp.Token); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("deactivated token must be invalid, got %v", err)
	}
}

func TestDeactivateRecordsEvent(t *testing.T) {
	service, recorder := newTestService(t)
	resp, err := service.Create(context.Background(), CreateRequest{Name: "edge-probe"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := service.Deactivate(context.Background(), resp.AgentID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if got := recorder.CountByType(events.TypeAgentDeactivated); got != 1 {
		t.Fatalf("expected 1 deactivated event, got %d", got)
	}
}

func TestDeactivateMissingAgent(t *testing.T) {
	service, _ := newTestService(t)
	if err := service.Deactivate(context.Background(), "agent-missing"); !errors.Is(err, agents.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
