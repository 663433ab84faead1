package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	agents "dispatchd/internal/agents/domain"
	commands "dispatchd/internal/commands/domain"
	"dispatchd/internal/events"
	"dispatchd/internal/hub"
	"dispatchd/internal/observability/metrics"

	"github.com/google/uuid"
)

// CreateRequest submits a new command for an agent.
type CreateRequest struct {
	AgentID     string          `json:"agent_id"`
	Instruction string          `json:"instruction"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Priority    int             `json:"priority,omitempty"`
}

// ProgressRequest reports an agent-side status transition.
type ProgressRequest struct {
	Status  string          `json:"status"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ResultRequest appends one output chunk, optionally finalizing the command.
type ResultRequest struct {
	ChunkIndex int             `json:"chunk_index"`
	Output     string          `json:"output"`
	IsFinal    bool            `json:"is_final"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}

// Service orchestrates the command lifecycle: every mutation applies the
// state change, writes one audit event, then publishes one hub notification,
// in that order. The notification is best effort; the audit write is not.
type Service struct {
	repo      commands.Repository
	agentRepo agents.Repository
	recorder  events.Recorder
	notifier  *hub.Hub
}

// NewService constructs a command service.
func NewService(repo commands.Repository, agentRepo agents.Repository, recorder events.Recorder, notifier *hub.Hub) (*Service, error) {
	if repo == nil {
		return nil, errors.New("commands: nil repo")
	}
	if agentRepo == nil {
		return nil, errors.New("commands: nil agent repo")
	}
	if recorder == nil {
		return nil, errors.New("commands: nil recorder")
	}
	return &Service{repo: repo, agentRepo: agentRepo, recorder: recorder, notifier: notifier}, nil
}

// Create validates and persists a new command with status queued.
func (s *Service) Create(ctx context.Context, requestedBy string, req CreateRequest) (*commands.Command, error) {
	if err := validateCreate(req); err != nil {
		return nil, err
	}
	agent, err := s.agentRepo.Get(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, agents.ErrNotFound
	}

	priority := req.Priority
	if priority == 0 {
		priority = commands.MinPriority
	}
	payload := req.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	now := time.Now().UTC()
	cmd := &commands.Command{
		CommandID:   "cmd-" + uuid.NewString(),
		AgentID:     req.AgentID,
		Instruction: req.Instruction,
		Payload:     payload,
		Priority:    priority,
		RequestedBy: requestedBy,
		Status:      commands.StatusQueued,
		CreatedAt:   now,
	}
	if err := s.repo.Create(ctx, cmd); err != nil {
		return nil, err
	}
	if err := s.record(ctx, events.TypeCommandCreated, cmd, map[string]any{
		"priority":     cmd.Priority,
		"requested_by": requestedBy,
	}); err != nil {
		return nil, err
	}
	metrics.IncCommandCreated()
	s.notifyStatus(cmd)
	return cmd, nil
}

// Get fetches one command.
func (s *Service) Get(ctx context.Context, commandID string) (*commands.Command, error) {
	cmd, err := s.repo.Get(ctx, commandID)
	if err != nil {
		return nil, err
	}
	if cmd == nil {
		return nil, commands.ErrNotFound
	}
	return cmd, nil
}

// List returns commands matching the filter.
func (s *Service) List(ctx context.Context, filter commands.ListFilter) ([]commands.Command, error) {
	return s.repo.List(ctx, filter)
}

// Results returns the ordered result chunks of a command.
func (s *Service) Results(ctx context.Context, commandID string) ([]commands.Result, error) {
	cmd, err := s.repo.Get(ctx, commandID)
	if err != nil {
		return nil, err
	}
	if cmd == nil {
		return nil, commands.ErrNotFound
	}
	return s.repo.ListResults(ctx, commandID)
}

// Progress applies an agent-reported transition into dispatching or executing.
func (s *Service) Progress(ctx context.Context, commandID, agentID string, req ProgressRequest) (*commands.Command, error) {
	next, ok := commands.NormalizeStatus(req.Status)
	if !ok || (next != commands.StatusDispatching && next != commands.StatusExecuting) {
		return nil, fmt.Errorf("%w: progress status must be dispatching or executing", commands.ErrValidation)
	}
	if len(req.Payload) > 0 && !json.Valid(req.Payload) {
		return nil, fmt.Errorf("%w: invalid payload", commands.ErrValidation)
	}

	cmd, err := s.ownedCommand(ctx, commandID, agentID)
	if err != nil {
		return nil, err
	}
	if !commands.CanTransition(cmd.Status, next) {
		return nil, fmt.Errorf("%w: %s -> %s", commands.ErrInvalidTransition, cmd.Status, next)
	}

	patch := commands.StatusPatch{}
	now := time.Now().UTC()
	if next == commands.StatusExecuting && cmd.Status != commands.StatusExecuting {
		patch.StartedAt = &now
	}
	applied, err := s.repo.UpdateStatus(ctx, commandID, cmd.Status, next, patch)
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, commands.ErrConflictingUpdate
	}

	cmd.Status = next
	if patch.StartedAt != nil {
		cmd.StartedAt = now
	}
	if err := s.record(ctx, events.TypeCommandProgress, cmd, map[string]any{
		"status":  string(next),
		"payload": rawOrEmpty(req.Payload),
	}); err != nil {
		return nil, err
	}
	metrics.IncCommandTransition(string(next))
	s.notifyStatus(cmd)
	return cmd, nil
}

// AppendResult persists a result chunk and, when final, completes the
// command. The chunk write is deliberately not guarded by the finalize
// transition check: a rejected finalize leaves the chunk persisted and
// surfaces as a conflict.
func (s *Service) AppendResult(ctx context.Context, commandID, agentID string, req ResultRequest) (*commands.Command, error) {
	if req.ChunkIndex < 0 {
		return nil, fmt.Errorf("%w: chunk_index must be >= 0", commands.ErrValidation)
	}
	if len(req.Metadata) > 0 && !json.Valid(req.Metadata) {
		return nil, fmt.Errorf("%w: invalid metadata", commands.ErrValidation)
	}

	cmd, err := s.ownedCommand(ctx, commandID, agentID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	result := &commands.Result{
		ResultID:   "res-" + uuid.NewString(),
		CommandID:  commandID,
		ChunkIndex: req.ChunkIndex,
		Output:     req.Output,
		IsFinal:    req.IsFinal,
		Metadata:   req.Metadata,
		CreatedAt:  now,
	}
	if err := s.repo.AppendResult(ctx, result); err != nil {
		return nil, err
	}
	if err := s.record(ctx, events.TypeCommandResult, cmd, map[string]any{
		"chunk_index": req.ChunkIndex,
		"is_final":    req.IsFinal,
	}); err != nil {
		return nil, err
	}
	s.notifyResult(cmd, result)

	if !req.IsFinal {
		return cmd, nil
	}

	if !commands.CanTransition(cmd.Status, commands.StatusCompleted) {
		return nil, fmt.Errorf("%w: %s -> %s", commands.ErrInvalidTransition, cmd.Status, commands.StatusCompleted)
	}
	applied, err := s.repo.UpdateStatus(ctx, commandID, cmd.Status, commands.StatusCompleted, commands.StatusPatch{CompletedAt: &now})
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, commands.ErrConflictingUpdate
	}

	cmd.Status = commands.StatusCompleted
	cmd.CompletedAt = now
	clearClaim(cmd)
	if err := s.record(ctx, events.TypeCommandCompleted, cmd, map[string]any{
		"final_chunk_index": req.ChunkIndex,
	}); err != nil {
		return nil, err
	}
	metrics.IncCommandTransition(string(commands.StatusCompleted))
	s.notifyStatus(cmd)
	return cmd, nil
}

// Fail marks a command failed with an error message.
func (s *Service) Fail(ctx context.Context, commandID, agentID, message string) (*commands.Command, error) {
	if strings.TrimSpace(message) == "" {
		return nil, fmt.Errorf("%w: error message required", commands.ErrValidation)
	}
	cmd, err := s.ownedCommand(ctx, commandID, agentID)
	if err != nil {
		return nil, err
	}
	if !commands.CanTransition(cmd.Status, commands.StatusFailed) {
		return nil, fmt.Errorf("%w: %s -> %s", commands.ErrInvalidTransition, cmd.Status, commands.StatusFailed)
	}

	now := time.Now().UTC()
	applied, err := s.repo.UpdateStatus(ctx, commandID, cmd.Status, commands.StatusFailed, commands.StatusPatch{
		CompletedAt:  &now,
		ErrorMessage: &message,
	})
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, commands.ErrConflictingUpdate
	}

	cmd.Status = commands.StatusFailed
	cmd.CompletedAt = now
	cmd.ErrorMessage = message
	clearClaim(cmd)
	if err := s.record(ctx, events.TypeCommandFailed, cmd, map[string]any{
		"error": message,
	}); err != nil {
		return nil, err
	}
	metrics.IncCommandTransition(string(commands.StatusFailed))
	s.notifyStatus(cmd)
	return cmd, nil
}

// Cancel is operator initiated and carries no agent-ownership check.
func (s *Service) Cancel(ctx context.Context, commandID, cancelledBy string) (*commands.Command, error) {
	cmd, err := s.repo.Get(ctx, commandID)
	if err != nil {
		return nil, err
	}
	if cmd == nil {
		return nil, commands.ErrNotFound
	}
	if !commands.CanTransition(cmd.Status, commands.StatusCancelled) {
		return nil, fmt.Errorf("%w: %s -> %s", commands.ErrInvalidTransition, cmd.Status, commands.StatusCancelled)
	}

	now := time.Now().UTC()
	applied, err := s.repo.UpdateStatus(ctx, commandID, cmd.Status, commands.StatusCancelled, commands.StatusPatch{CompletedAt: &now})
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, commands.ErrConflictingUpdate
	}

	cmd.Status = commands.StatusCancelled
	cmd.CompletedAt = now
	clearClaim(cmd)
	if err := s.record(ctx, events.TypeCommandCancelled, cmd, map[string]any{
		"cancelled_by": cancelledBy,
	}); err != nil {
		return nil, err
	}
	metrics.IncCommandTransition(string(commands.StatusCancelled))
	s.notifyStatus(cmd)
	return cmd, nil
}

// ownedCommand loads a command and enforces agent ownership. Ownership and
// existence are checked before any mutation.
func (s *Service) ownedCommand(ctx context.Context, commandID, agentID string) (*commands.Command, error) {
	cmd, err := s.repo.Get(ctx, commandID)
	if err != nil {
		return nil, err
	}
	if cmd == nil {
		return nil, commands.ErrNotFound
	}
	if cmd.AgentID != agentID {
		return nil, commands.ErrForbidden
	}
	return cmd, nil
}

// clearClaim mirrors the repository behavior on terminal transitions: a
// finished command carries no claimant and no lease.
func clearClaim(cmd *commands.Command) {
	cmd.ClaimedByAgentID = ""
	cmd.ClaimedAt = time.Time{}
	cmd.LeaseExpiresAt = time.Time{}
}

func (s *Service) record(ctx context.Context, eventType string, cmd *commands.Command, payload map[string]any) error {
	data, _ := json.Marshal(payload)
	return s.recorder.Record(ctx, events.Event{
		Type:      eventType,
		Level:     events.LevelInfo,
		AgentID:   cmd.AgentID,
		CommandID: cmd.CommandID,
		Payload:   data,
	})
}

func (s *Service) notifyStatus(cmd *commands.Command) {
	if s.notifier == nil {
		return
	}
	notification := StatusNotification{
		Kind:      "status",
		CommandID: cmd.CommandID,
		AgentID:   cmd.AgentID,
		Status:    string(cmd.Status),
	}
	s.notifier.Publish(hub.CommandTopic(cmd.CommandID), notification)
	s.notifier.Publish(hub.AgentTopic(cmd.AgentID), notification)
}

func (s *Service) notifyResult(cmd *commands.Command, result *commands.Result) {
	if s.notifier == nil {
		return
	}
	notification := ResultNotification{
		Kind:       "result",
		CommandID:  cmd.CommandID,
		AgentID:    cmd.AgentID,
		ChunkIndex: result.ChunkIndex,
		Output:     result.Output,
		IsFinal:    result.IsFinal,
	}
	s.notifier.Publish(hub.CommandTopic(cmd.CommandID), notification)
	s.notifier.Publish(hub.AgentTopic(cmd.AgentID), notification)
}

// StatusNotification is the hub payload for a status mutation.
type StatusNotification struct {
	Kind      string `json:"kind"`
	CommandID string `json:"command_id"`
	AgentID   string `json:"agent_id"`
	Status    string `json:"status"`
}

// ResultNotification is the hub payload for an appended result chunk.
type ResultNotification struct {
	Kind       string `json:"kind"`
	CommandID  string `json:"command_id"`
	AgentID    string `json:"agent_id"`
	ChunkIndex int    `json:"chunk_index"`
	Output     string `json:"output"`
	IsFinal    bool   `json:"is_final"`
}

func validateCreate(req CreateRequest) error {
	if strings.TrimSpace(req.AgentID) == "" {
		return fmt.Errorf("%w: agent_id required", commands.ErrValidation)
	}
	if strings.TrimSpace(req.Instruction) == "" {
		return fmt.Errorf("%w: instruction required", commands.ErrValidation)
	}
	if req.Priority != 0 && (req.Priority < commands.MinPriority || req.Priority > commands.MaxPriority) {
		return fmt.Errorf("%w: priority must be between %d and %d", commands.ErrValidation, commands.MinPriority, commands.MaxPriority)
	}
	if len(req.Payload) > 0 && !json.Valid(req.Payload) {
		return fmt.Errorf("%w: invalid payload", commands.ErrValidation)
	}
	return nil
}

func rawOrEmpty(payload json.RawMessage) json.RawMessage {
	if len(payload) == 0 {
		return json.RawMessage("{}")
	}
	return payload
}
