package dispatch

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/opszero/hive/pkg/fleet"
	"github.com/opszero/hive/pkg/policy"
)

// CommandRequest is an operator's request to queue a command.
type CommandRequest struct {
	CommandType    fleet.CommandType `json:"command_type"`
	Parameters     json.RawMessage   `json:"parameters,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	InitiatedBy    string            `json:"-"`
}

// EnqueueCommand queues a command for an agent after checking the agent is
// active and its profile permits the command type. Identical requests are
// not deduplicated; each call creates an independent entry.
func (s *Service) EnqueueCommand(ctx context.Context, orgID, agentID string, req CommandRequest) (*fleet.Command, error) {
	ctx, span := s.tracer.Start(ctx, "dispatch.enqueue")
	defer span.End()

	if !req.CommandType.Valid() {
		return nil, fleet.Errorf(fleet.ReasonInvalidRequest, "unknown command type %q", req.CommandType)
	}

	agent, err := s.agentInOrg(ctx, orgID, agentID)
	if err != nil {
		return nil, err
	}
	if !agent.IsActive {
		return nil, fleet.ErrAgentInactive
	}
	if agent.ProfileID == nil || *agent.ProfileID == "" {
		return nil, fleet.ErrProfileMissing
	}
	profile, err := s.store.GetProfile(ctx, *agent.ProfileID)
	if err != nil {
		if fleet.ReasonOf(err) == fleet.ReasonProfileNotFound {
			return nil, fleet.ErrProfileMissing
		}
		return nil, err
	}
	if !profile.IsActive {
		return nil, fleet.ErrProfileDisabled
	}
	if err := policy.AuthorizeCommand(profile, req.CommandType); err != nil {
		return nil, err
	}

	params, err := fleet.ParseParameters(req.CommandType, req.Parameters)
	if err != nil {
		return nil, err
	}
	encoded, err := fleet.EncodeParameters(params)
	if err != nil {
		return nil, fleet.Errorf(fleet.ReasonInvalidParameters, "encode parameters: %v", err)
	}

	timeout, err := s.resolveTimeout(req.TimeoutSeconds)
	if err != nil {
		return nil, err
	}

	now := s.now()
	cmd := &fleet.Command{
		ID:             newID(),
		OrganizationID: agent.OrganizationID,
		AgentID:        agent.ID,
		CommandType:    req.CommandType,
		Parameters:     encoded,
		TimeoutSeconds: int(timeout / time.Second),
		Status:         fleet.CommandPending,
		InitiatedBy:    req.InitiatedBy,
		CreatedAt:      now,
		ExpiresAt:      now.Add(timeout),
		UpdatedAt:      now,
	}
	if err := s.store.InsertCommand(ctx, cmd); err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(
		attribute.String("hive.command_id", cmd.ID),
		attribute.String("hive.command_type", string(cmd.CommandType)),
		attribute.String("hive.agent_id", agent.ID),
	)
	s.metrics.CommandsEnqueued.Add(ctx, 1, metric.WithAttributes(attribute.String("command_type", string(cmd.CommandType))))
	s.log.Info().
		Str("command_id", cmd.ID).
		Str("agent_id", agent.ID).
		Str("command_type", string(cmd.CommandType)).
		Int("timeout_s", cmd.TimeoutSeconds).
		Str("initiated_by", cmd.InitiatedBy).
		Msg("command enqueued")

	return cmd, nil
}

func (s *Service) resolveTimeout(seconds int) (time.Duration, error) {
	if seconds == 0 {
		return s.opts.DefaultTimeout, nil
	}
	timeout := time.Duration(seconds) * time.Second
	if timeout < s.opts.MinTimeout || timeout > s.opts.MaxTimeout {
		return 0, fleet.Errorf(fleet.ReasonInvalidRequest, "timeout_seconds must be between %d and %d",
			int(s.opts.MinTimeout/time.Second), int(s.opts.MaxTimeout/time.Second))
	}
	return timeout, nil
}

// PendingCommands hands the agent its next command. Pending commands are
// tried oldest-first and the first one that can be moved to executing is
// returned; nothing is returned while another command is still executing.
// Delivery is at-least-once: a lost response leaves the command executing
// until it is acknowledged or reaped by the timeout sweep.
func (s *Service) PendingCommands(ctx context.Context, agentID string) ([]fleet.Command, error) {
	ctx, span := s.tracer.Start(ctx, "dispatch.dequeue")
	defer span.End()

	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if !agent.IsActive {
		return nil, fleet.ErrAgentInactive
	}

	now := s.now()
	pending, err := s.store.ListPendingCommands(ctx, agentID, now)
	if err != nil {
		return nil, err
	}

	for i := range pending {
		cmd := pending[i]
		ok, err := s.store.DispatchCommand(ctx, cmd.ID, agentID, now)
		if err != nil {
			return nil, err
		}
		if !ok {
			// Either the agent is busy or another poll won this command; the
			// next candidate can only succeed in the second case.
			continue
		}
		cmd.Status = fleet.CommandExecuting
		cmd.ExecutingAt = &now
		cmd.UpdatedAt = now
		span.SetAttributes(attribute.String("hive.command_id", cmd.ID))
		s.log.Debug().
			Str("command_id", cmd.ID).
			Str("agent_id", agentID).
			Str("command_type", string(cmd.CommandType)).
			Msg("command dispatched")
		return []fleet.Command{cmd}, nil
	}
	return []fleet.Command{}, nil
}

// AckRequest is the agent's report on a command it executed.
type AckRequest struct {
	AgentID      string              `json:"agent_id"`
	Status       fleet.CommandStatus `json:"status"`
	Output       string              `json:"output,omitempty"`
	ErrorMessage string              `json:"error_message,omitempty"`
	ExitCode     *int                `json:"exit_code,omitempty"`
}

// AckResult tells the agent whether its report changed anything.
type AckResult struct {
	Applied bool                `json:"applied"`
	Status  fleet.CommandStatus `json:"status"`
}

// Acknowledge moves an executing command to completed or failed. Reports for
// a command that already left executing are accepted without effect and
// logged as late acks, so agents do not retry them.
func (s *Service) Acknowledge(ctx context.Context, commandID string, req AckRequest) (*AckResult, error) {
	ctx, span := s.tracer.Start(ctx, "dispatch.ack")
	defer span.End()
	span.SetAttributes(attribute.String("hive.command_id", commandID), attribute.String("hive.ack_status", string(req.Status)))

	if strings.TrimSpace(req.AgentID) == "" {
		return nil, fleet.Errorf(fleet.ReasonInvalidRequest, "agent_id is required")
	}

	switch req.Status {
	case fleet.CommandCompleted, fleet.CommandFailed:
	case fleet.CommandExecuting:
		cmd, err := s.ownedCommand(ctx, commandID, req.AgentID)
		if err != nil {
			return nil, err
		}
		return &AckResult{Applied: false, Status: cmd.Status}, nil
	default:
		return nil, fleet.Errorf(fleet.ReasonInvalidRequest, "status must be completed or failed, got %q", req.Status)
	}

	cmd, err := s.ownedCommand(ctx, commandID, req.AgentID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	patch := fleet.CommandPatch{
		Status:     req.Status,
		ExitCode:   req.ExitCode,
		TerminalAt: &now,
		UpdatedAt:  now,
	}
	if req.Output != "" {
		output := req.Output
		patch.Output = &output
	}
	if req.ErrorMessage != "" {
		msg := req.ErrorMessage
		patch.ErrorMessage = &msg
	}

	applied, err := s.store.ConditionalTransitionCommand(ctx, commandID, []fleet.CommandStatus{fleet.CommandExecuting}, patch)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if !applied {
		current, err := s.store.GetCommand(ctx, commandID)
		if err != nil {
			return nil, err
		}
		s.metrics.LateAcks.Add(ctx, 1)
		s.log.Warn().
			Str("command_id", commandID).
			Str("agent_id", req.AgentID).
			Str("reported_status", string(req.Status)).
			Str("current_status", string(current.Status)).
			Msg("late ack ignored")
		return &AckResult{Applied: false, Status: current.Status}, nil
	}

	s.metrics.CommandsAcknowledged.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(req.Status))))
	s.log.Info().
		Str("command_id", commandID).
		Str("agent_id", req.AgentID).
		Str("command_type", string(cmd.CommandType)).
		Str("status", string(req.Status)).
		Msg("command acknowledged")

	if req.Status == fleet.CommandCompleted {
		s.applyCommandEffect(ctx, cmd, now)
	}
	return &AckResult{Applied: true, Status: req.Status}, nil
}

// ownedCommand loads the command and hides commands addressed to other agents.
func (s *Service) ownedCommand(ctx context.Context, commandID, agentID string) (*fleet.Command, error) {
	cmd, err := s.store.GetCommand(ctx, commandID)
	if err != nil {
		return nil, err
	}
	if cmd.AgentID != agentID {
		return nil, fleet.ErrCommandNotFound
	}
	return cmd, nil
}

// applyCommandEffect cascades a completed lock, unlock, shutdown or restart
// into the agent's status. Wake has no effect here; the woken agent shows up
// through its own heartbeat. Failures are logged because the command itself
// has already been recorded as completed.
func (s *Service) applyCommandEffect(ctx context.Context, cmd *fleet.Command, now time.Time) {
	filter := fleet.AgentFilter{IDs: []string{cmd.AgentID}}
	var status fleet.AgentStatus
	switch cmd.CommandType {
	case fleet.CommandLock:
		status = fleet.AgentLocked
	case fleet.CommandShutdown:
		status = fleet.AgentShutdown
	case fleet.CommandRestart:
		status = fleet.AgentOffline
	case fleet.CommandUnlock:
		status = fleet.AgentOnline
		filter.Status = fleet.AgentLocked
	default:
		return
	}

	if _, err := s.store.ConditionalUpdateAgents(ctx, filter, fleet.AgentPatch{Status: status, UpdatedAt: now}); err != nil {
		s.log.Error().Err(err).
			Str("agent_id", cmd.AgentID).
			Str("command_id", cmd.ID).
			Msg("failed to apply command side effect")
	}
}

// CancelCommand cancels a pending command. Commands already handed to the
// agent cannot be recalled.
func (s *Service) CancelCommand(ctx context.Context, orgID, commandID string) (*fleet.Command, error) {
	if _, err := s.commandInOrg(ctx, orgID, commandID); err != nil {
		return nil, err
	}

	now := s.now()
	ok, err := s.store.ConditionalTransitionCommand(ctx, commandID, []fleet.CommandStatus{fleet.CommandPending}, fleet.CommandPatch{
		Status:     fleet.CommandCancelled,
		TerminalAt: &now,
		UpdatedAt:  now,
	})
	if err != nil {
		return nil, err
	}
	cmd, err := s.store.GetCommand(ctx, commandID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fleet.Errorf(fleet.ReasonCommandNotCancellable, "command %s is %s; only pending commands can be cancelled", commandID, cmd.Status)
	}
	s.log.Info().Str("command_id", commandID).Str("agent_id", cmd.AgentID).Msg("command cancelled")
	return cmd, nil
}

func (s *Service) GetCommand(ctx context.Context, orgID, commandID string) (*fleet.Command, error) {
	return s.commandInOrg(ctx, orgID, commandID)
}

// ListCommands returns an agent's command history, newest first.
func (s *Service) ListCommands(ctx context.Context, orgID, agentID string) ([]fleet.Command, error) {
	agent, err := s.agentInOrg(ctx, orgID, agentID)
	if err != nil {
		return nil, err
	}
	return s.store.ListCommands(ctx, agent.OrganizationID, agentID)
}
