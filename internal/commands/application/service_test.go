package application

import (
	"context"
	"errors"
	"testing"
	"time"

	agents "dispatchd/internal/agents/domain"
	agentsmemory "dispatchd/internal/agents/infrastructure/memory"
	commands "dispatchd/internal/commands/domain"
	commandsmemory "dispatchd/internal/commands/infrastructure/memory"
	"dispatchd/internal/events"
	eventsmemory "dispatchd/internal/events/memory"
	"dispatchd/internal/hub"
)

type fixture struct {
	repo      *commandsmemory.CommandRepository
	agentRepo *agentsmemory.AgentRepository
	recorder  *eventsmemory.EventRecorder
	broker    *hub.Hub
	service   *Service
	claims    *ClaimService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := commandsmemory.NewCommandRepository()
	agentRepo := agentsmemory.NewAgentRepository()
	recorder := eventsmemory.NewEventRecorder()
	broker := hub.New()

	service, err := NewService(repo, agentRepo, recorder, broker)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	claims, err := NewClaimService(repo, recorder, broker, DefaultClaimConfig())
	if err != nil {
		t.Fatalf("new claim service: %v", err)
	}
	return &fixture{repo: repo, agentRepo: agentRepo, recorder: recorder, broker: broker, service: service, claims: claims}
}

func (f *fixture) seedAgent(t *testing.T, agentID string) {
	t.Helper()
	err := f.agentRepo.Create(context.Background(), &agents.Agent{
		AgentID:     agentID,
		Name:        agentID,
		Status:      agents.StatusOnline,
		TokenHash:   "hash-" + agentID,
		TokenActive: true,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed agent: %v", err)
	}
}

func (f *fixture) createCommand(t *testing.T, agentID string, priority int) *commands.Command {
	t.Helper()
	cmd, err := f.service.Create(context.Background(), "operator-1", CreateRequest{
		AgentID:     agentID,
		Instruction: "collect-diagnostics",
		Priority:    priority,
	})
	if err != nil {
		t.Fatalf("create command: %v", err)
	}
	return cmd
}

func (f *fixture) claimOne(t *testing.T, agentID string) commands.Command {
	t.Helper()
	claimed, err := f.claims.Claim(context.Background(), agentID, ClaimRequest{MaxClaims: 1})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("expected 1 claimed command, got %d", len(claimed))
	}
	return claimed[0]
}

func TestCreateCommand(t *testing.T) {
	f := newFixture(t)
	f.seedAgent(t, "agent-1")

	cmd := f.createCommand(t, "agent-1", 5)
	if cmd.Status != commands.StatusQueued {
		t.Fatalf("expected queued, got %s", cmd.Status)
	}
	if cmd.Priority != 5 {
		t.Fatalf("expected priority 5, got %d", cmd.Priority)
	}
	if cmd.RequestedBy != "operator-1" {
		t.Fatalf("expected requested_by operator-1, got %s", cmd.RequestedBy)
	}
	if got := f.recorder.CountByType(events.TypeCommandCreated); got != 1 {
		t.Fatalf("expected 1 created event, got %d", got)
	}
}

func TestCreateCommandValidation(t *testing.T) {
	f := newFixture(t)
	f.seedAgent(t, "agent-1")

	cases := []struct {
		name string
		req  CreateRequest
	}{
		{"missing agent", CreateRequest{Instruction: "x"}},
		{"missing instruction", CreateRequest{AgentID: "agent-1"}},
		{"priority too high", CreateRequest{AgentID: "agent-1", Instruction: "x", Priority: 11}},
		{"priority too low", CreateRequest{AgentID: "agent-1", Instruction: "x", Priority: -1}},
		{"bad payload", CreateRequest{AgentID: "agent-1", Instruction: "x", Payload: []byte("{")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := f.service.Create(context.Background(), "op", tc.req); !errors.Is(err, commands.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}

	if _, err := f.service.Create(context.Background(), "op", CreateRequest{AgentID: "agent-missing", Instruction: "x"}); !errors.Is(err, agents.ErrNotFound) {
		t.Fatalf("expected agent not found, got %v", err)
	}
}

func TestCommandLifecycleHappyPath(t *testing.T) {
	f := newFixture(t)
	f.seedAgent(t, "agent-1")
	created := f.createCommand(t, "agent-1", 1)

	claimed := f.claimOne(t, "agent-1")
	if claimed.CommandID != created.CommandID {
		t.Fatalf("claimed wrong command")
	}
	if claimed.Status != commands.StatusDispatching {
		t.Fatalf("expected dispatching after claim, got %s", claimed.Status)
	}

	cmd, err := f.service.Progress(context.Background(), created.CommandID, "agent-1", ProgressRequest{Status: "executing"})
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if cmd.Status != commands.StatusExecuting || cmd.StartedAt.IsZero() {
		t.Fatalf("expected executing with started_at, got %s %v", cmd.Status, cmd.StartedAt)
	}

	// Re-reporting executing is idempotent and must not restamp started_at.
	started := cmd.StartedAt
	cmd, err = f.service.Progress(context.Background(), created.CommandID, "agent-1", ProgressRequest{Status: "executing"})
	if err != nil {
		t.Fatalf("re-progress: %v", err)
	}
	if !cmd.StartedAt.Equal(started) {
		t.Fatalf("started_at changed on re-entry")
	}

	if _, err := f.service.AppendResult(context.Background(), created.CommandID, "agent-1", ResultRequest{ChunkIndex: 0, Output: "partial"}); err != nil {
		t.Fatalf("append chunk: %v", err)
	}
	cmd, err = f.service.AppendResult(context.Background(), created.CommandID, "agent-1", ResultRequest{ChunkIndex: 1, Output: "done", IsFinal: true})
	if err != nil {
		t.Fatalf("append final: %v", err)
	}
	if cmd.Status != commands.StatusCompleted || cmd.CompletedAt.IsZero() {
		t.Fatalf("expected completed, got %s", cmd.Status)
	}

	results, err := f.service.Results(context.Background(), created.CommandID)
	if err != nil {
		t.Fatalf("results: %v", err)
	}
	if len(results) != 2 || results[0].ChunkIndex != 0 || !results[1].IsFinal {
		t.Fatalf("unexpected results: %+v", results)
	}
	if got := f.recorder.CountByType(events.TypeCommandCompleted); got != 1 {
		t.Fatalf("expected 1 completed event, got %d", got)
	}
}

func TestProgressRejectsInvalidStatus(t *testing.T) {
	f := newFixture(t)
	f.seedAgent(t, "agent-1")
	cmd := f.createCommand(t, "agent-1", 1)
	f.claimOne(t, "agent-1")

	if _, err := f.service.Progress(context.Background(), cmd.CommandID, "agent-1", ProgressRequest{Status: "completed"}); !errors.Is(err, commands.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := f.service.Progress(context.Background(), cmd.CommandID, "agent-1", ProgressRequest{Status: "bogus"}); !errors.Is(err, commands.ErrValidation) {
		t.Fatalf("expected validation error for unknown status, got %v", err)
	}
}

func TestProgressOwnership(t *testing.T) {
	f := newFixture(t)
	f.seedAgent(t, "agent-1")
	cmd := f.createCommand(t, "agent-1", 1)
	f.claimOne(t, "agent-1")

	if _, err := f.service.Progress(context.Background(), cmd.CommandID, "agent-2", ProgressRequest{Status: "executing"}); !errors.Is(err, commands.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, err := f.service.Progress(context.Background(), "cmd-missing", "agent-1", ProgressRequest{Status: "executing"}); !errors.Is(err, commands.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestFinalChunkPersistsWhenFinalizeRejected(t *testing.T) {
	f := newFixture(t)
	f.seedAgent(t, "agent-1")
	cmd := f.createCommand(t, "agent-1", 1)
	f.claimOne(t, "agent-1")

	// dispatching -> completed is not a legal transition, so the finalize is
	// rejected after the chunk has already been written.
	_, err := f.service.AppendResult(context.Background(), cmd.CommandID, "agent-1", ResultRequest{ChunkIndex: 0, Output: "out", IsFinal: true})
	if !errors.Is(err, commands.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}

	results, err := f.service.Results(context.Background(), cmd.CommandID)
	if err != nil {
		t.Fatalf("results: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected rejected finalize to keep the chunk, got %d chunks", len(results))
	}
	got, err := f.service.Get(context.Background(), cmd.CommandID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != commands.StatusDispatching {
		t.Fatalf("status should stay dispatching, got %s", got.Status)
	}
}

func TestAuditFailureAbortsMutation(t *testing.T) {
	f := newFixture(t)
	f.seedAgent(t, "agent-1")

	f.recorder.FailNext = errors.New("audit store down")
	if _, err := f.service.Create(context.Background(), "op", CreateRequest{AgentID: "agent-1", Instruction: "x"}); err == nil {
		t.Fatal("expected create to surface the audit failure")
	}
}

func TestFail(t *testing.T) {
	f := newFixture(t)
	f.seedAgent(t, "agent-1")
	cmd := f.createCommand(t, "agent-1", 1)
	f.claimOne(t, "agent-1")

	if _, err := f.service.Fail(context.Background(), cmd.CommandID, "agent-1", "  "); !errors.Is(err, commands.ErrValidation) {
		t.Fatalf("expected validation error for blank message, got %v", err)
	}

	failed, err := f.service.Fail(context.Background(), cmd.CommandID, "agent-1", "device unreachable")
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if failed.Status != commands.StatusFailed || failed.ErrorMessage != "device unreachable" {
		t.Fatalf("unexpected failed command: %+v", failed)
	}

	// Terminal states reject further transitions.
	if _, err := f.service.Fail(context.Background(), cmd.CommandID, "agent-1", "again"); !errors.Is(err, commands.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	f.seedAgent(t, "agent-1")
	cmd := f.createCommand(t, "agent-1", 1)

	cancelled, err := f.service.Cancel(context.Background(), cmd.CommandID, "operator-2")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != commands.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}
	if _, err := f.service.Cancel(context.Background(), cmd.CommandID, "operator-2"); !errors.Is(err, commands.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition on double cancel, got %v", err)
	}
	if _, err := f.service.Cancel(context.Background(), "cmd-missing", "operator-2"); !errors.Is(err, commands.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestTerminalTransitionsClearClaim(t *testing.T) {
	f := newFixture(t)
	f.seedAgent(t, "agent-1")

	assertUnclaimed := func(t *testing.T, got *commands.Command) {
		t.Helper()
		if got.ClaimedByAgentID != "" {
			t.Fatalf("terminal command still claims %q", got.ClaimedByAgentID)
		}
		if !got.ClaimedAt.IsZero() || !got.LeaseExpiresAt.IsZero() {
			t.Fatalf("terminal command still carries claim timestamps: %+v", got)
		}
	}
	check := func(t *testing.T, returned *commands.Command) {
		t.Helper()
		assertUnclaimed(t, returned)
		stored, err := f.service.Get(context.Background(), returned.CommandID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		assertUnclaimed(t, stored)
	}

	t.Run("fail", func(t *testing.T) {
		cmd := f.createCommand(t, "agent-1", 1)
		f.claimOne(t, "agent-1")
		failed, err := f.service.Fail(context.Background(), cmd.CommandID, "agent-1", "device unreachable")
		if err != nil {
			t.Fatalf("fail: %v", err)
		}
		check(t, failed)
	})

	t.Run("complete", func(t *testing.T) {
		cmd := f.createCommand(t, "agent-1", 1)
		f.claimOne(t, "agent-1")
		if _, err := f.service.Progress(context.Background(), cmd.CommandID, "agent-1", ProgressRequest{Status: "executing"}); err != nil {
			t.Fatalf("progress: %v", err)
		}
		completed, err := f.service.AppendResult(context.Background(), cmd.CommandID, "agent-1", ResultRequest{ChunkIndex: 0, Output: "done", IsFinal: true})
		if err != nil {
			t.Fatalf("append final: %v", err)
		}
		check(t, completed)
	})

	t.Run("cancel", func(t *testing.T) {
		cmd := f.createCommand(t, "agent-1", 1)
		f.claimOne(t, "agent-1")
		cancelled, err := f.service.Cancel(context.Background(), cmd.CommandID, "operator-2")
		if err != nil {
			t.Fatalf("cancel: %v", err)
		}
		check(t, cancelled)
	})
}

func TestStatusNotificationsReachSubscribers(t *testing.T) {
	f := newFixture(t)
	f.seedAgent(t, "agent-1")
	cmd := f.createCommand(t, "agent-1", 1)

	ch, cancel := f.broker.Subscribe(hub.CommandTopic(cmd.CommandID))
	defer cancel()

	if _, err := f.service.Cancel(context.Background(), cmd.CommandID, "op"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	select {
	case payload := <-ch:
		if len(payload) == 0 {
			t.Fatal("empty notification payload")
		}
	case <-time.After(time.Second):
		t.Fatal("no notification delivered")
	}
}
