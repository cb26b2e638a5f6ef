package dispatch

import (
	"context"

	"github.com/opszero/hive/pkg/fleet"
)

// Heartbeat marks the agent online (or locked, when it reports being
// locked), stamps last_heartbeat and folds in the reported telemetry. Unset
// telemetry fields keep their stored values, so replays are harmless.
func (s *Service) Heartbeat(ctx context.Context, agentID string, t fleet.Telemetry) (*fleet.Agent, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}

	now := s.now()
	patch := fleet.AgentPatch{
		Status:        t.Status(),
		LastHeartbeat: &now,
		BatteryLevel:  t.BatteryLevel,
		IsCharging:    t.IsCharging,
		UpdatedAt:     now,
	}
	if t.IPAddress != "" {
		ip := t.IPAddress
		patch.IPAddress = &ip
	}

	n, err := s.store.ConditionalUpdateAgents(ctx, fleet.AgentFilter{IDs: []string{agentID}, ActiveOnly: true}, patch)
	if err != nil {
		return nil, err
	}

	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if n == 0 && !agent.IsActive {
		return nil, fleet.ErrAgentInactive
	}
	return agent, nil
}

// ListAgents returns the organization's agents, most recently seen first.
func (s *Service) ListAgents(ctx context.Context, orgID string) ([]fleet.Agent, error) {
	return s.store.ListAgents(ctx, orgID)
}

func (s *Service) GetAgent(ctx context.Context, orgID, agentID string) (*fleet.Agent, error) {
	return s.agentInOrg(ctx, orgID, agentID)
}

// DeactivateAgent soft-deletes an agent: it stops being accepted on the
// agent endpoints and its pending commands are cancelled. Re-enrolling the
// same device reactivates it.
func (s *Service) DeactivateAgent(ctx context.Context, orgID, agentID string) (*fleet.Agent, error) {
	if _, err := s.agentInOrg(ctx, orgID, agentID); err != nil {
		return nil, err
	}

	now := s.now()
	inactive := false
	if _, err := s.store.ConditionalUpdateAgents(ctx, fleet.AgentFilter{IDs: []string{agentID}}, fleet.AgentPatch{
		IsActive:  &inactive,
		UpdatedAt: now,
	}); err != nil {
		return nil, err
	}

	cancelled, err := s.store.ConditionalUpdateCommands(ctx, fleet.CommandFilter{
		AgentIDs: []string{agentID},
		Statuses: []fleet.CommandStatus{fleet.CommandPending},
	}, fleet.CommandPatch{
		Status:     fleet.CommandCancelled,
		TerminalAt: &now,
		UpdatedAt:  now,
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("agent_id", agentID).
		Str("organization_id", orgID).
		Int64("commands_cancelled", cancelled).
		Msg("agent deactivated")

	return s.store.GetAgent(ctx, agentID)
}
