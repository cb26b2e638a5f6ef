package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opszero/hive/pkg/fleet"
)

func TestHeartbeatMarksOnlineAndIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	agent := env.enrolledAgent(t)

	battery := 80
	charging := true
	telemetry := fleet.Telemetry{BatteryLevel: &battery, IsCharging: &charging, IPAddress: "10.0.0.42"}

	first, err := env.svc.Heartbeat(ctx, agent.ID, telemetry)
	require.NoError(t, err)
	require.Equal(t, fleet.AgentOnline, first.Status)
	require.NotNil(t, first.LastHeartbeat)

	env.clock.Advance(30 * time.Second)
	var last *fleet.Agent
	for i := 0; i < 3; i++ {
		last, err = env.svc.Heartbeat(ctx, agent.ID, telemetry)
		require.NoError(t, err)
	}

	require.Equal(t, first.Status, last.Status)
	require.Equal(t, *first.BatteryLevel, *last.BatteryLevel)
	require.Equal(t, *first.IsCharging, *last.IsCharging)
	require.Equal(t, first.IPAddress, last.IPAddress)
	require.True(t, last.LastHeartbeat.After(*first.LastHeartbeat))
}

func TestHeartbeatKeepsUnreportedTelemetry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	agent := env.enrolledAgent(t)

	battery := 40
	_, err := env.svc.Heartbeat(ctx, agent.ID, fleet.Telemetry{BatteryLevel: &battery})
	require.NoError(t, err)

	got, err := env.svc.Heartbeat(ctx, agent.ID, fleet.Telemetry{})
	require.NoError(t, err)
	require.Equal(t, 40, *got.BatteryLevel)
}

func TestHeartbeatLockedTelemetry(t *testing.T) {
	env := newTestEnv(t)
	agent := env.enrolledAgent(t)

	got, err := env.svc.Heartbeat(context.Background(), agent.ID, fleet.Telemetry{Locked: true})
	require.NoError(t, err)
	require.Equal(t, fleet.AgentLocked, got.Status)
}

func TestHeartbeatRejections(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.Heartbeat(ctx, "missing", fleet.Telemetry{})
	require.True(t, errors.Is(err, fleet.ErrUnknownAgent))

	agent := env.enrolledAgent(t)
	bad := 150
	_, err = env.svc.Heartbeat(ctx, agent.ID, fleet.Telemetry{BatteryLevel: &bad})
	require.True(t, errors.Is(err, fleet.ErrInvalidTelemetry))

	_, err = env.svc.DeactivateAgent(ctx, testOrg, agent.ID)
	require.NoError(t, err)
	_, err = env.svc.Heartbeat(ctx, agent.ID, fleet.Telemetry{})
	require.True(t, errors.Is(err, fleet.ErrAgentInactive))

	got, err := env.svc.GetAgent(ctx, testOrg, agent.ID)
	require.NoError(t, err)
	require.Nil(t, got.LastHeartbeat, "rejected heartbeat must not be recorded")
}

func TestDeactivateAgentCancelsPendingCommands(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	agent := env.enrolledAgent(t)
	executing := env.enqueue(t, agent.ID, fleet.CommandLock, "")
	env.clock.Advance(time.Second)
	pending := env.enqueue(t, agent.ID, fleet.CommandRestart, "")
	_, err := env.svc.PendingCommands(ctx, agent.ID)
	require.NoError(t, err)

	got, err := env.svc.DeactivateAgent(ctx, testOrg, agent.ID)
	require.NoError(t, err)
	require.False(t, got.IsActive)

	cmd, err := env.svc.GetCommand(ctx, testOrg, pending.ID)
	require.NoError(t, err)
	require.Equal(t, fleet.CommandCancelled, cmd.Status)

	cmd, err = env.svc.GetCommand(ctx, testOrg, executing.ID)
	require.NoError(t, err)
	require.Equal(t, fleet.CommandExecuting, cmd.Status, "in-flight commands are left to the timeout sweep")

	_, err = env.svc.DeactivateAgent(ctx, "org-2", agent.ID)
	require.True(t, errors.Is(err, fleet.ErrUnknownAgent))
}

func TestListAgentsOrderedByLastHeartbeat(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	profile := env.createProfile(t, ProfileInput{})
	quiet := env.enroll(t, profile.EnrollmentKey, "quiet")
	older := env.enroll(t, profile.EnrollmentKey, "older")
	newer := env.enroll(t, profile.EnrollmentKey, "newer")

	_, err := env.svc.Heartbeat(ctx, older.ID, fleet.Telemetry{})
	require.NoError(t, err)
	env.clock.Advance(time.Minute)
	_, err = env.svc.Heartbeat(ctx, newer.ID, fleet.Telemetry{})
	require.NoError(t, err)

	agents, err := env.svc.ListAgents(ctx, testOrg)
	require.NoError(t, err)
	require.Len(t, agents, 3)
	require.Equal(t, newer.ID, agents[0].ID)
	require.Equal(t, older.ID, agents[1].ID)
	require.Equal(t, quiet.ID, agents[2].ID)

	others, err := env.svc.ListAgents(ctx, "org-2")
	require.NoError(t, err)
	require.Empty(t, others)
}
