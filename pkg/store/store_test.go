package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/opszero/hive/pkg/fleet"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:store-test-%d?mode=memory&cache=shared", time.Now().UnixNano())
	s, err := Open("sqlite", dsn, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

var baseTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func seedProfile(t *testing.T, s *Store, org string) *fleet.EnrollmentProfile {
	t.Helper()
	profile := &fleet.EnrollmentProfile{
		ID:                  uuid.NewString(),
		OrganizationID:      org,
		Name:                "default",
		ProfileType:         "macos",
		AllowRemoteCommands: true,
		AllowLockDevice:     true,
		EnrollmentKeyHash:   uuid.NewString(),
		IsActive:            true,
		CreatedAt:           baseTime,
		UpdatedAt:           baseTime,
	}
	require.NoError(t, s.CreateProfile(context.Background(), profile))
	return profile
}

func seedAgent(t *testing.T, s *Store, org, device string, profileID *string) *fleet.Agent {
	t.Helper()
	agent := &fleet.Agent{
		ID:             uuid.NewString(),
		OrganizationID: org,
		DeviceID:       device,
		ProfileID:      profileID,
		DeviceName:     device,
		Status:         fleet.AgentOffline,
		IsActive:       true,
		EnrolledAt:     baseTime,
	}
	created, err := s.UpsertAgent(context.Background(), agent)
	require.NoError(t, err)
	require.True(t, created)
	return agent
}

func seedCommand(t *testing.T, s *Store, agent *fleet.Agent, createdAt time.Time, timeout time.Duration) *fleet.Command {
	t.Helper()
	cmd := &fleet.Command{
		ID:             uuid.NewString(),
		OrganizationID: agent.OrganizationID,
		AgentID:        agent.ID,
		CommandType:    fleet.CommandLock,
		TimeoutSeconds: int(timeout.Seconds()),
		Status:         fleet.CommandPending,
		CreatedAt:      createdAt,
		ExpiresAt:      createdAt.Add(timeout),
		UpdatedAt:      createdAt,
	}
	require.NoError(t, s.InsertCommand(context.Background(), cmd))
	return cmd
}

func TestUpsertAgentReenrollKeepsIdentity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	first := seedAgent(t, s, "org-1", "device-1", nil)

	_, err := s.ConditionalUpdateAgents(ctx, fleet.AgentFilter{IDs: []string{first.ID}}, fleet.AgentPatch{
		IsActive:  boolPtr(false),
		UpdatedAt: baseTime,
	})
	require.NoError(t, err)

	again := &fleet.Agent{
		ID:             uuid.NewString(),
		OrganizationID: "org-1",
		DeviceID:       "device-1",
		DeviceName:     "renamed",
		Status:         fleet.AgentOffline,
		IsActive:       true,
		EnrolledAt:     baseTime.Add(time.Hour),
	}
	created, err := s.UpsertAgent(ctx, again)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, again.ID)
	require.Equal(t, "renamed", again.DeviceName)
	require.True(t, again.IsActive)

	other := seedAgent(t, s, "org-2", "device-1", nil)
	require.NotEqual(t, first.ID, other.ID)
}

func TestGetAgentUnknown(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetAgent(context.Background(), "missing")
	require.True(t, errors.Is(err, fleet.ErrUnknownAgent))
}

func TestConditionalUpdateAgentsRespectsPredicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	stale := seedAgent(t, s, "org-1", "stale", nil)
	fresh := seedAgent(t, s, "org-1", "fresh", nil)

	staleBeat := baseTime.Add(-5 * time.Minute)
	freshBeat := baseTime.Add(-30 * time.Second)
	for id, beat := range map[string]time.Time{stale.ID: staleBeat, fresh.ID: freshBeat} {
		beat := beat
		n, err := s.ConditionalUpdateAgents(ctx, fleet.AgentFilter{IDs: []string{id}}, fleet.AgentPatch{
			Status:        fleet.AgentOnline,
			LastHeartbeat: &beat,
			UpdatedAt:     beat,
		})
		require.NoError(t, err)
		require.EqualValues(t, 1, n)
	}

	n, err := s.ConditionalUpdateAgents(ctx, fleet.AgentFilter{
		Status:          fleet.AgentOnline,
		HeartbeatBefore: baseTime.Add(-2 * time.Minute),
	}, fleet.AgentPatch{Status: fleet.AgentOffline, UpdatedAt: baseTime})
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	got, err := s.GetAgent(ctx, stale.ID)
	require.NoError(t, err)
	require.Equal(t, fleet.AgentOffline, got.Status)

	got, err = s.GetAgent(ctx, fresh.ID)
	require.NoError(t, err)
	require.Equal(t, fleet.AgentOnline, got.Status)

	_, err = s.ConditionalUpdateAgents(ctx, fleet.AgentFilter{}, fleet.AgentPatch{Status: fleet.AgentOffline})
	require.Error(t, err)
}

func TestListPendingCommandsFIFOAndExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	agent := seedAgent(t, s, "org-1", "device-1", nil)

	second := seedCommand(t, s, agent, baseTime.Add(time.Second), 5*time.Minute)
	first := seedCommand(t, s, agent, baseTime, 5*time.Minute)
	seedCommand(t, s, agent, baseTime.Add(-time.Hour), time.Minute)

	pending, err := s.ListPendingCommands(ctx, agent.ID, baseTime.Add(2*time.Second))
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, first.ID, pending[0].ID)
	require.Equal(t, second.ID, pending[1].ID)
}

func TestDispatchCommandSingleExecuting(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	agent := seedAgent(t, s, "org-1", "device-1", nil)
	first := seedCommand(t, s, agent, baseTime, 5*time.Minute)
	second := seedCommand(t, s, agent, baseTime.Add(time.Second), 5*time.Minute)
	now := baseTime.Add(10 * time.Second)

	ok, err := s.DispatchCommand(ctx, first.ID, agent.ID, now)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.DispatchCommand(ctx, first.ID, agent.ID, now)
	require.NoError(t, err)
	require.False(t, ok, "already executing")

	ok, err = s.DispatchCommand(ctx, second.ID, agent.ID, now)
	require.NoError(t, err)
	require.False(t, ok, "agent busy with another command")

	done, err := s.ConditionalTransitionCommand(ctx, first.ID, []fleet.CommandStatus{fleet.CommandExecuting}, fleet.CommandPatch{
		Status:     fleet.CommandCompleted,
		TerminalAt: &now,
		UpdatedAt:  now,
	})
	require.NoError(t, err)
	require.True(t, done)

	ok, err = s.DispatchCommand(ctx, second.ID, agent.ID, now)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := s.GetCommand(ctx, second.ID)
	require.NoError(t, err)
	require.Equal(t, fleet.CommandExecuting, got.Status)
	require.NotNil(t, got.ExecutingAt)
}

func TestDispatchCommandConcurrentClaims(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	agent := seedAgent(t, s, "org-1", "device-1", nil)
	var cmds []*fleet.Command
	for i := 0; i < 5; i++ {
		cmds = append(cmds, seedCommand(t, s, agent, baseTime.Add(time.Duration(i)*time.Second), 5*time.Minute))
	}
	now := baseTime.Add(10 * time.Second)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(cmd *fleet.Command) {
			defer wg.Done()
			ok, err := s.DispatchCommand(ctx, cmd.ID, agent.ID, now)
			require.NoError(t, err)
			if ok {
				mu.Lock()
				claimed++
				mu.Unlock()
			}
		}(cmds[i%len(cmds)])
	}
	wg.Wait()
	require.Equal(t, 1, claimed)

	all, err := s.ListCommands(ctx, "org-1", agent.ID)
	require.NoError(t, err)
	executing := 0
	for _, c := range all {
		if c.Status == fleet.CommandExecuting {
			executing++
		}
	}
	require.Equal(t, 1, executing)
}

func TestDispatchCommandUnknownAgent(t *testing.T) {
	s := newTestStore(t)
	ok, err := s.DispatchCommand(context.Background(), "cmd-1", "missing", baseTime)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDispatchCommandRejectsExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	agent := seedAgent(t, s, "org-1", "device-1", nil)
	cmd := seedCommand(t, s, agent, baseTime, time.Minute)

	ok, err := s.DispatchCommand(ctx, cmd.ID, agent.ID, baseTime.Add(2*time.Minute))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestConditionalTransitionCommandTerminalIsFinal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	agent := seedAgent(t, s, "org-1", "device-1", nil)
	cmd := seedCommand(t, s, agent, baseTime, time.Minute)

	n, err := s.ConditionalUpdateCommands(ctx, fleet.CommandFilter{
		Statuses:      []fleet.CommandStatus{fleet.CommandPending, fleet.CommandExecuting},
		ExpiresBefore: baseTime.Add(2 * time.Minute),
	}, fleet.CommandPatch{Status: fleet.CommandTimeout, UpdatedAt: baseTime})
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	output := "late"
	ok, err := s.ConditionalTransitionCommand(ctx, cmd.ID, []fleet.CommandStatus{fleet.CommandExecuting}, fleet.CommandPatch{
		Status:    fleet.CommandCompleted,
		Output:    &output,
		UpdatedAt: baseTime,
	})
	require.NoError(t, err)
	require.False(t, ok)

	got, err := s.GetCommand(ctx, cmd.ID)
	require.NoError(t, err)
	require.Equal(t, fleet.CommandTimeout, got.Status)
	require.Empty(t, got.Output)
}

func TestDeleteProfileInUse(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	profile := seedProfile(t, s, "org-1")
	agent := seedAgent(t, s, "org-1", "device-1", &profile.ID)
	cmd := seedCommand(t, s, agent, baseTime, time.Hour)

	err := s.DeleteProfile(ctx, profile.ID, false, baseTime)
	require.True(t, errors.Is(err, fleet.ErrProfileInUse))

	require.NoError(t, s.DeleteProfile(ctx, profile.ID, true, baseTime))

	_, err = s.GetProfile(ctx, profile.ID)
	require.True(t, errors.Is(err, fleet.ErrProfileNotFound))

	got, err := s.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	require.False(t, got.IsActive)
	require.Nil(t, got.ProfileID)

	gotCmd, err := s.GetCommand(ctx, cmd.ID)
	require.NoError(t, err)
	require.Equal(t, fleet.CommandCancelled, gotCmd.Status)
}

func TestUpdateProfileAndLookupByHash(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	profile := seedProfile(t, s, "org-1")

	profile.Name = "kiosks"
	profile.AllowLockDevice = false
	profile.SetIPRanges([]string{"10.0.0.0/8"})
	require.NoError(t, s.UpdateProfile(ctx, profile))

	got, err := s.GetProfileByKeyHash(ctx, profile.EnrollmentKeyHash)
	require.NoError(t, err)
	require.Equal(t, "kiosks", got.Name)
	require.False(t, got.AllowLockDevice)
	require.Equal(t, []string{"10.0.0.0/8"}, got.IPRanges())

	_, err = s.GetProfileByKeyHash(ctx, "nope")
	require.True(t, errors.Is(err, fleet.ErrInvalidEnrollmentKey))

	require.NoError(t, s.Ping(ctx))
}

func boolPtr(v bool) *bool { return &v }
