package dispatch

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/datatypes"

	"github.com/opszero/hive/pkg/auth"
	"github.com/opszero/hive/pkg/fleet"
	"github.com/opszero/hive/pkg/policy"
)

// EnrollResult reports the enrolled agent and whether it was newly created.
type EnrollResult struct {
	Agent   *fleet.Agent
	Created bool
}

// Enroll validates the key against its profile and upserts the agent by
// (organization, device). A known device keeps its agent id and is
// reactivated; its liveness state is left to the next heartbeat.
func (s *Service) Enroll(ctx context.Context, req auth.EnrollmentRequest, clientIP string) (*EnrollResult, error) {
	ctx, span := s.tracer.Start(ctx, "dispatch.enroll")
	defer span.End()

	if err := req.Validate(); err != nil {
		return nil, err
	}

	profile, err := s.store.GetProfileByKeyHash(ctx, s.opts.Hasher.Hash(req.EnrollmentKey))
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("hive.organization_id", profile.OrganizationID),
		attribute.String("hive.profile_id", profile.ID),
	)

	now := s.now()
	eval := s.rules.Evaluate(profile, policy.Attempt{
		ClientIP:     clientIP,
		AgentVersion: req.AgentVersion,
		At:           now,
	})
	if err := eval.Err(); err != nil {
		s.log.Warn().
			Str("profile_id", profile.ID).
			Str("device_id", req.DeviceID).
			Str("client_ip", clientIP).
			Str("evaluation", eval.String()).
			Msg("enrollment rejected")
		span.SetStatus(codes.Error, eval.String())
		return nil, err
	}

	profileID := profile.ID
	agent := &fleet.Agent{
		ID:             newID(),
		OrganizationID: profile.OrganizationID,
		DeviceID:       req.DeviceID,
		ProfileID:      &profileID,
		DeviceName:     req.DeviceName,
		Hostname:       req.Hostname,
		SerialNumber:   req.SerialNumber,
		Model:          req.Model,
		OSVersion:      req.OSVersion,
		Architecture:   req.Architecture,
		MACAddress:     req.MACAddress,
		AgentVersion:   req.AgentVersion,
		IPAddress:      clientIP,
		Status:         fleet.AgentOffline,
		IsActive:       true,
		EnrolledAt:     now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if len(req.Metadata) > 0 {
		agent.Metadata = datatypes.JSONMap(req.Metadata)
	}

	created, err := s.store.UpsertAgent(ctx, agent)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.String("hive.agent_id", agent.ID), attribute.Bool("hive.created", created))

	s.log.Info().
		Str("agent_id", agent.ID).
		Str("organization_id", agent.OrganizationID).
		Str("device_id", agent.DeviceID).
		Bool("created", created).
		Msg("agent enrolled")

	return &EnrollResult{Agent: agent, Created: created}, nil
}
