package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opszero/hive/pkg/auth"
	"github.com/opszero/hive/pkg/fleet"
)

func TestCreateProfileDefaults(t *testing.T) {
	env := newTestEnv(t)
	created := env.createProfile(t, ProfileInput{Name: "kiosks", ProfileType: "linux"})

	p := created.Profile
	require.Len(t, created.EnrollmentKey, auth.EnrollmentKeyBytes*2)
	require.NotEqual(t, created.EnrollmentKey, p.EnrollmentKeyHash)
	require.True(t, p.AllowRemoteCommands)
	require.True(t, p.AllowLockDevice)
	require.False(t, p.AllowShutdown)
	require.True(t, p.AllowRestart)
	require.True(t, p.AllowWakeOnLan)
	require.Equal(t, 3600, p.MaxSessionDuration)
	require.True(t, p.IsActive)
	require.Equal(t, "admin", p.CreatedBy)
}

func TestCreateProfileValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tests := []struct {
		name string
		in   ProfileInput
	}{
		{name: "missing name", in: ProfileInput{ProfileType: "macos"}},
		{name: "unknown type", in: ProfileInput{Name: "x", ProfileType: "beos"}},
		{name: "session too short", in: ProfileInput{Name: "x", ProfileType: "macos", MaxSessionDuration: 60}},
		{name: "bad ip range", in: ProfileInput{Name: "x", ProfileType: "macos", AllowedIPRanges: []string{"10.0.0.0/99"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.CreateProfile(ctx, testOrg, "admin", tt.in)
			require.Equal(t, fleet.ReasonInvalidRequest, fleet.ReasonOf(err))
		})
	}
}

func TestRotateEnrollmentKey(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	created := env.createProfile(t, ProfileInput{})
	agent := env.enroll(t, created.EnrollmentKey, "device-1")

	rotated, err := env.svc.RotateEnrollmentKey(ctx, testOrg, created.Profile.ID)
	require.NoError(t, err)
	require.NotEqual(t, created.EnrollmentKey, rotated.EnrollmentKey)

	_, err = env.svc.Enroll(ctx, auth.EnrollmentRequest{EnrollmentKey: created.EnrollmentKey, DeviceID: "device-2", DeviceName: "d2"}, "10.0.0.5")
	require.True(t, errors.Is(err, fleet.ErrInvalidEnrollmentKey))

	again := env.enroll(t, rotated.EnrollmentKey, "device-1")
	require.Equal(t, agent.ID, again.ID)
}

func TestProfilesAreScopedToOrganization(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	created := env.createProfile(t, ProfileInput{})

	_, err := env.svc.GetProfile(ctx, "org-2", created.Profile.ID)
	require.True(t, errors.Is(err, fleet.ErrProfileNotFound))

	err = env.svc.DeleteProfile(ctx, "org-2", created.Profile.ID, true)
	require.True(t, errors.Is(err, fleet.ErrProfileNotFound))

	list, err := env.svc.ListProfiles(ctx, testOrg)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestDeleteProfilePolicy(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	created := env.createProfile(t, ProfileInput{})
	agent := env.enroll(t, created.EnrollmentKey, "device-1")
	cmd := env.enqueue(t, agent.ID, fleet.CommandLock, "")

	err := env.svc.DeleteProfile(ctx, testOrg, created.Profile.ID, false)
	require.True(t, errors.Is(err, fleet.ErrProfileInUse))

	require.NoError(t, env.svc.DeleteProfile(ctx, testOrg, created.Profile.ID, true))

	got, err := env.svc.GetAgent(ctx, testOrg, agent.ID)
	require.NoError(t, err)
	require.False(t, got.IsActive)
	require.Nil(t, got.ProfileID)

	gotCmd, err := env.svc.GetCommand(ctx, testOrg, cmd.ID)
	require.NoError(t, err)
	require.Equal(t, fleet.CommandCancelled, gotCmd.Status)

	unused := env.createProfile(t, ProfileInput{Name: "unused"})
	require.NoError(t, env.svc.DeleteProfile(ctx, testOrg, unused.Profile.ID, false))
}

func TestUpdateProfileReplacesFlags(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	created := env.createProfile(t, ProfileInput{AllowShutdown: boolPtr(true)})

	updated, err := env.svc.UpdateProfile(ctx, testOrg, created.Profile.ID, ProfileInput{
		Name:            "renamed",
		ProfileType:     "windows",
		AllowLockDevice: boolPtr(false),
		AllowedIPRanges: []string{"10.0.0.0/8"},
	})
	require.NoError(t, err)
	require.Equal(t, "renamed", updated.Name)
	require.False(t, updated.AllowLockDevice)
	require.False(t, updated.AllowShutdown, "omitted flags revert to defaults")

	got, err := env.svc.GetProfile(ctx, testOrg, created.Profile.ID)
	require.NoError(t, err)
	require.Equal(t, "windows", got.ProfileType)
	require.Equal(t, []string{"10.0.0.0/8"}, got.IPRanges())
	require.Equal(t, created.Profile.EnrollmentKeyHash, got.EnrollmentKeyHash)
}
