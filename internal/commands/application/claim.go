package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	commands "dispatchd/internal/commands/domain"
	"dispatchd/internal/events"
	"dispatchd/internal/hub"
	"dispatchd/internal/observability/metrics"
)

// ClaimRequest is an agent's long-poll claim call.
type ClaimRequest struct {
	MaxClaims    int `json:"max_claims,omitempty"`
	LeaseSeconds int `json:"lease_seconds,omitempty"`
	WaitMs       int `json:"wait_ms,omitempty"`
}

// ExtendRequest moves a lease deadline forward.
type ExtendRequest struct {
	LeaseSeconds int `json:"lease_seconds,omitempty"`
}

// ReleaseRequest returns a claimed command to the queue.
type ReleaseRequest struct {
	Reason string `json:"reason,omitempty"`
}

// ClaimService is the lease claim engine: it atomically assigns queued
// commands to the requesting agent under time-bounded leases, long-polling
// when nothing is claimable.
type ClaimService struct {
	repo     commands.Repository
	recorder events.Recorder
	notifier *hub.Hub
	cfg      ClaimConfig
}

// NewClaimService constructs a claim service.
func NewClaimService(repo commands.Repository, recorder events.Recorder, notifier *hub.Hub, cfg ClaimConfig) (*ClaimService, error) {
	if repo == nil {
		return nil, errors.New("claims: nil repo")
	}
	if recorder == nil {
		return nil, errors.New("claims: nil recorder")
	}
	cfg = cfg.withDefaults()
	return &ClaimService{repo: repo, recorder: recorder, notifier: notifier, cfg: cfg}, nil
}

// Claim atomically assigns up to MaxClaims claimable commands to agentID.
// When nothing is claimable and WaitMs > 0 it retries on a bounded interval
// until the wait budget elapses, then returns an empty batch. Only the
// calling request waits; the retry loop yields between attempts.
func (s *ClaimService) Claim(ctx context.Context, agentID string, req ClaimRequest) ([]commands.Command, error) {
	if agentID == "" {
		return nil, fmt.Errorf("%w: agent id required", commands.ErrValidation)
	}
	maxClaims, leaseFor, wait, err := s.normalizeClaim(req)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(wait)
	for {
		now := time.Now().UTC()
		claimed, err := s.repo.ClaimQueued(ctx, agentID, maxClaims, leaseFor, now)
		if err != nil {
			return nil, err
		}
		if len(claimed) > 0 {
			for i := range claimed {
				if err := s.recordClaim(ctx, &claimed[i]); err != nil {
					return nil, err
				}
				s.notifyClaim(&claimed[i])
			}
			metrics.AddCommandsClaimed(len(claimed))
			return claimed, nil
		}
		if wait <= 0 || !time.Now().Add(s.cfg.PollInterval).Before(deadline) {
			return []commands.Command{}, nil
		}
		metrics.IncClaimPolls()
		timer := time.NewTimer(s.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// ExtendLease pushes the lease deadline out for a command currently claimed
// by agentID.
func (s *ClaimService) ExtendLease(ctx context.Context, commandID, agentID string, req ExtendRequest) (*commands.Command, error) {
	leaseSeconds := req.LeaseSeconds
	if leaseSeconds == 0 {
		leaseSeconds = s.cfg.DefaultLeaseSeconds
	}
	if leaseSeconds < s.cfg.MinLeaseSeconds || leaseSeconds > s.cfg.MaxLeaseSeconds {
		return nil, fmt.Errorf("%w: lease_seconds must be between %d and %d",
			commands.ErrValidation, s.cfg.MinLeaseSeconds, s.cfg.MaxLeaseSeconds)
	}

	cmd, err := s.claimedCommand(ctx, commandID, agentID)
	if err != nil {
		return nil, err
	}

	until := time.Now().UTC().Add(time.Duration(leaseSeconds) * time.Second)
	applied, err := s.repo.ExtendLease(ctx, commandID, agentID, until)
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, commands.ErrNotClaimed
	}

	cmd.LeaseExpiresAt = until
	if err := s.record(ctx, events.TypeLeaseExtended, cmd, map[string]any{
		"lease_expires_at": until.Format(time.RFC3339Nano),
	}); err != nil {
		return nil, err
	}
	metrics.IncLeaseExtensions()
	s.notifyStatus(cmd)
	return cmd, nil
}

// Release returns a claimed command to the queue, clearing all claim fields.
// The command is immediately reclaimable, including by the releaser.
func (s *ClaimService) Release(ctx context.Context, commandID, agentID string, req ReleaseRequest) (*commands.Command, error) {
	cmd, err := s.claimedCommand(ctx, commandID, agentID)
	if err != nil {
		return nil, err
	}

	applied, err := s.repo.ReleaseClaim(ctx, commandID, agentID, req.Reason)
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, commands.ErrNotClaimed
	}

	cmd.Status = commands.StatusQueued
	cmd.ClaimedByAgentID = ""
	cmd.ClaimedAt = time.Time{}
	cmd.LeaseExpiresAt = time.Time{}
	cmd.LastClaimError = req.Reason
	if err := s.record(ctx, events.TypeLeaseReleased, cmd, map[string]any{
		"reason": req.Reason,
	}); err != nil {
		return nil, err
	}
	metrics.IncLeaseReleases()
	s.notifyStatus(cmd)
	return cmd, nil
}

// claimedCommand enforces the shared extend/release precondition: the command
// exists, is owned by the caller, and currently carries the caller's claim in
// a dispatching or executing state.
func (s *ClaimService) claimedCommand(ctx context.Context, commandID, agentID string) (*commands.Command, error) {
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
	if !cmd.Claimed() || cmd.ClaimedByAgentID != agentID {
		return nil, commands.ErrNotClaimed
	}
	return cmd, nil
}

func (s *ClaimService) normalizeClaim(req ClaimRequest) (maxClaims int, leaseFor, wait time.Duration, err error) {
	maxClaims = req.MaxClaims
	if maxClaims == 0 {
		maxClaims = 1
	}
	if maxClaims < 1 || maxClaims > s.cfg.MaxClaimBatch {
		return 0, 0, 0, fmt.Errorf("%w: max_claims must be between 1 and %d", commands.ErrValidation, s.cfg.MaxClaimBatch)
	}
	leaseSeconds := req.LeaseSeconds
	if leaseSeconds == 0 {
		leaseSeconds = s.cfg.DefaultLeaseSeconds
	}
	if leaseSeconds < s.cfg.MinLeaseSeconds || leaseSeconds > s.cfg.MaxLeaseSeconds {
		return 0, 0, 0, fmt.Errorf("%w: lease_seconds must be between %d and %d",
			commands.ErrValidation, s.cfg.MinLeaseSeconds, s.cfg.MaxLeaseSeconds)
	}
	if req.WaitMs < 0 || req.WaitMs > s.cfg.MaxWaitMs {
		return 0, 0, 0, fmt.Errorf("%w: wait_ms must be between 0 and %d", commands.ErrValidation, s.cfg.MaxWaitMs)
	}
	return maxClaims, time.Duration(leaseSeconds) * time.Second, time.Duration(req.WaitMs) * time.Millisecond, nil
}

func (s *ClaimService) recordClaim(ctx context.Context, cmd *commands.Command) error {
	return s.record(ctx, events.TypeCommandClaimed, cmd, map[string]any{
		"attempt":          cmd.AttemptCount,
		"lease_expires_at": cmd.LeaseExpiresAt.Format(time.RFC3339Nano),
	})
}

func (s *ClaimService) record(ctx context.Context, eventType string, cmd *commands.Command, payload map[string]any) error {
	data, _ := json.Marshal(payload)
	return s.recorder.Record(ctx, events.Event{
		Type:      eventType,
		Level:     events.LevelInfo,
		AgentID:   cmd.AgentID,
		CommandID: cmd.CommandID,
		Payload:   data,
	})
}

func (s *ClaimService) notifyClaim(cmd *commands.Command) {
	s.notifyStatus(cmd)
}

func (s *ClaimService) notifyStatus(cmd *commands.Command) {
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
