package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/opszero/hive/pkg/auth"
	"github.com/opszero/hive/pkg/fleet"
	"github.com/opszero/hive/pkg/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	svc   *Service
	store *store.Store
	clock *fakeClock
}

const testOrg = "org-1"

func newTestEnv(t *testing.T, mutate ...func(*Options)) *testEnv {
	t.Helper()
	dsn := fmt.Sprintf("file:dispatch-test-%d?mode=memory&cache=shared", time.Now().UnixNano())
	st, err := store.Open("sqlite", dsn, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	opts := Options{
		Hasher: auth.NewKeyHasher([]byte("test-salt")),
		Now:    clock.Now,
		Logger: zerolog.Nop(),
	}
	for _, m := range mutate {
		m(&opts)
	}
	return &testEnv{svc: New(st, opts), store: st, clock: clock}
}

func boolPtr(v bool) *bool { return &v }

func (e *testEnv) createProfile(t *testing.T, in ProfileInput) *CreatedProfile {
	t.Helper()
	if in.Name == "" {
		in.Name = "laptops"
	}
	if in.ProfileType == "" {
		in.ProfileType = "macos"
	}
	created, err := e.svc.CreateProfile(context.Background(), testOrg, "admin", in)
	require.NoError(t, err)
	return created
}

func (e *testEnv) enroll(t *testing.T, key, deviceID string) *fleet.Agent {
	t.Helper()
	res, err := e.svc.Enroll(context.Background(), auth.EnrollmentRequest{
		EnrollmentKey: key,
		DeviceID:      deviceID,
		DeviceName:    "device " + deviceID,
		Architecture:  "arm64",
		AgentVersion:  "1.0.0",
	}, "10.0.0.5")
	require.NoError(t, err)
	return res.Agent
}

// enrolledAgent sets up a permissive profile and one enrolled agent.
func (e *testEnv) enrolledAgent(t *testing.T) *fleet.Agent {
	t.Helper()
	profile := e.createProfile(t, ProfileInput{AllowShutdown: boolPtr(true)})
	return e.enroll(t, profile.EnrollmentKey, "device-1")
}

func (e *testEnv) enqueue(t *testing.T, agentID string, cmdType fleet.CommandType, params string) *fleet.Command {
	t.Helper()
	req := CommandRequest{CommandType: cmdType, InitiatedBy: "admin"}
	if params != "" {
		req.Parameters = []byte(params)
	}
	cmd, err := e.svc.EnqueueCommand(context.Background(), testOrg, agentID, req)
	require.NoError(t, err)
	return cmd
}
