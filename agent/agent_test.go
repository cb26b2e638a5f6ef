package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/opszero/hive/pkg/auth"
	"github.com/opszero/hive/pkg/config"
	"github.com/opszero/hive/pkg/dispatch"
	"github.com/opszero/hive/pkg/fleet"
)

// fakeHive is an in-memory stand-in for the agent half of the server API.
type fakeHive struct {
	mu          sync.Mutex
	enrollKey   string
	enrolls     []auth.EnrollmentRequest
	known       map[string]bool
	heartbeats  []fleet.Telemetry
	pending     []fleet.Command
	acks        map[string]dispatch.AckRequest
	enrollError int
}

func newFakeHive(t *testing.T) (*fakeHive, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	f := &fakeHive{
		enrollKey: "enroll-key",
		known:     map[string]bool{},
		acks:      map[string]dispatch.AckRequest{},
	}

	r := gin.New()
	r.GET("/v1/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"healthy": true}) })
	r.POST("/v1/enroll", func(c *gin.Context) {
		var req auth.EnrollmentRequest
		require.NoError(t, c.ShouldBindJSON(&req))
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.enrollError != 0 {
			c.JSON(f.enrollError, gin.H{"error": "invalid enrollment key", "code": "invalid_enrollment_key"})
			return
		}
		if req.EnrollmentKey != f.enrollKey {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid enrollment key", "code": "invalid_enrollment_key"})
			return
		}
		f.enrolls = append(f.enrolls, req)
		id := fmt.Sprintf("agent-%d", len(f.enrolls))
		f.known[id] = true
		c.JSON(http.StatusCreated, auth.EnrollmentResponse{
			AgentID:        id,
			OrganizationID: "org-1",
			Status:         fleet.AgentOnline,
		})
	})
	r.POST("/v1/agents/:id/heartbeat", func(c *gin.Context) {
		var tel fleet.Telemetry
		require.NoError(t, c.ShouldBindJSON(&tel))
		f.mu.Lock()
		defer f.mu.Unlock()
		if !f.known[c.Param("id")] {
			c.JSON(http.StatusNotFound, gin.H{"error": "agent not found", "code": "unknown_agent"})
			return
		}
		f.heartbeats = append(f.heartbeats, tel)
		c.JSON(http.StatusOK, gin.H{"status": "ok", "agent_status": tel.Status(), "poll_interval_seconds": 10})
	})
	r.GET("/v1/agents/:id/commands/pending", func(c *gin.Context) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if !f.known[c.Param("id")] {
			c.JSON(http.StatusNotFound, gin.H{"error": "agent not found", "code": "unknown_agent"})
			return
		}
		out := []fleet.Command{}
		if len(f.pending) > 0 {
			out = append(out, f.pending[0])
			f.pending = f.pending[1:]
		}
		c.JSON(http.StatusOK, out)
	})
	r.PUT("/v1/commands/:id/status", func(c *gin.Context) {
		var req dispatch.AckRequest
		require.NoError(t, c.ShouldBindJSON(&req))
		f.mu.Lock()
		defer f.mu.Unlock()
		f.acks[c.Param("id")] = req
		c.JSON(http.StatusOK, dispatch.AckResult{Applied: true, Status: req.Status})
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return f, srv
}

type fakeRunner struct {
	mu    sync.Mutex
	calls [][]string
	out   string
	code  int
	err   error
}

func (r *fakeRunner) run(_ context.Context, argv []string) ([]byte, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, argv)
	return []byte(r.out), r.code, r.err
}

func newTestAgent(t *testing.T, serverURL string, runner *fakeRunner) (*Agent, *config.AgentConfig) {
	t.Helper()
	cfg := config.DefaultAgentConfig()
	cfg.Server.URL = serverURL
	cfg.Server.EnrollmentKey = "enroll-key"
	cfg.Server.RetryMaxRetries = 0
	cfg.Agent.StatePath = filepath.Join(t.TempDir(), "agent.json")
	cfg.Agent.HeartbeatInterval = 1
	cfg.Agent.PollInterval = 1
	cfg.Agent.Jitter = 0
	require.NoError(t, cfg.Validate())

	exec := newExecutor(cfg.Actions, "linux", zerolog.Nop())
	exec.run = runner.run
	a := newAgent(cfg, exec, zerolog.Nop())
	a.facts = func(context.Context) deviceFacts {
		return deviceFacts{DeviceID: "device-1", Hostname: "host-1", IPAddress: "10.0.0.5", Architecture: "amd64"}
	}
	return a, cfg
}

func TestAgentEnrollsOnceAndPersistsState(t *testing.T) {
	hive, srv := newFakeHive(t)
	a, cfg := newTestAgent(t, srv.URL, &fakeRunner{})
	ctx := context.Background()

	require.NoError(t, a.ensureEnrolled(ctx))
	require.Equal(t, "agent-1", a.agentID())
	require.Len(t, hive.enrolls, 1)
	require.Equal(t, "device-1", hive.enrolls[0].DeviceID)
	require.Equal(t, "host-1", hive.enrolls[0].DeviceName)

	st, err := loadState(cfg.Agent.StatePath)
	require.NoError(t, err)
	require.Equal(t, "agent-1", st.AgentID)
	require.Equal(t, "org-1", st.OrganizationID)

	// A restarted agent reuses the stored identity.
	restarted := newAgent(cfg, a.exec, zerolog.Nop())
	require.NoError(t, restarted.ensureEnrolled(ctx))
	require.Equal(t, "agent-1", restarted.agentID())
	require.Len(t, hive.enrolls, 1)
}

func TestAgentWithoutEnrollmentKey(t *testing.T) {
	_, srv := newFakeHive(t)
	a, cfg := newTestAgent(t, srv.URL, &fakeRunner{})
	cfg.Server.EnrollmentKey = ""

	err := a.Run(context.Background())
	require.ErrorIs(t, err, errNoEnrollmentKey)
}

func TestAgentEnrollmentKeyFile(t *testing.T) {
	_, srv := newFakeHive(t)
	a, cfg := newTestAgent(t, srv.URL, &fakeRunner{})
	cfg.Server.EnrollmentKey = ""
	cfg.Server.EnrollmentKeyFile = filepath.Join(t.TempDir(), "key")
	require.NoError(t, os.WriteFile(cfg.Server.EnrollmentKeyFile, []byte("enroll-key\n"), 0o600))

	require.NoError(t, a.ensureEnrolled(context.Background()))
	require.Equal(t, "agent-1", a.agentID())
}

func TestAgentRunStopsOnRejectedKey(t *testing.T) {
	hive, srv := newFakeHive(t)
	hive.enrollError = http.StatusUnauthorized
	a, _ := newTestAgent(t, srv.URL, &fakeRunner{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := a.Run(ctx)
	require.Error(t, err)
	require.True(t, hasCode(err, fleet.ReasonInvalidEnrollmentKey))
}

func TestAgentExecutesLockAndReportsLocked(t *testing.T) {
	hive, srv := newFakeHive(t)
	runner := &fakeRunner{out: "locked"}
	a, _ := newTestAgent(t, srv.URL, runner)
	ctx := context.Background()
	require.NoError(t, a.ensureEnrolled(ctx))

	hive.pending = []fleet.Command{{ID: "cmd-1", AgentID: "agent-1", CommandType: fleet.CommandLock, TimeoutSeconds: 60}}
	require.NoError(t, a.poll(ctx))

	require.Equal(t, [][]string{{"loginctl", "lock-sessions"}}, runner.calls)
	ack := hive.acks["cmd-1"]
	require.Equal(t, fleet.CommandCompleted, ack.Status)
	require.Equal(t, "agent-1", ack.AgentID)
	require.Equal(t, "locked", ack.Output)
	require.NotNil(t, ack.ExitCode)
	require.Zero(t, *ack.ExitCode)

	require.NoError(t, a.heartbeat(ctx))
	require.Len(t, hive.heartbeats, 1)
	require.True(t, hive.heartbeats[0].Locked)
	require.Equal(t, "10.0.0.5", hive.heartbeats[0].IPAddress)

	hive.pending = []fleet.Command{{ID: "cmd-2", AgentID: "agent-1", CommandType: fleet.CommandUnlock, TimeoutSeconds: 60}}
	require.NoError(t, a.poll(ctx))
	require.NoError(t, a.heartbeat(ctx))
	require.False(t, hive.heartbeats[1].Locked)
}

func TestAgentKeepsLockStateAcrossRestart(t *testing.T) {
	hive, srv := newFakeHive(t)
	a, cfg := newTestAgent(t, srv.URL, &fakeRunner{})
	ctx := context.Background()
	require.NoError(t, a.ensureEnrolled(ctx))

	hive.pending = []fleet.Command{{ID: "cmd-1", AgentID: "agent-1", CommandType: fleet.CommandLock, TimeoutSeconds: 60}}
	require.NoError(t, a.poll(ctx))

	st, err := loadState(cfg.Agent.StatePath)
	require.NoError(t, err)
	require.True(t, st.Locked)

	restarted := newAgent(cfg, a.exec, zerolog.Nop())
	restarted.facts = a.facts
	require.NoError(t, restarted.ensureEnrolled(ctx))
	require.NoError(t, restarted.heartbeat(ctx))
	require.True(t, hive.heartbeats[len(hive.heartbeats)-1].Locked)

	hive.pending = []fleet.Command{{ID: "cmd-2", AgentID: "agent-1", CommandType: fleet.CommandUnlock, TimeoutSeconds: 60}}
	require.NoError(t, restarted.poll(ctx))
	st, err = loadState(cfg.Agent.StatePath)
	require.NoError(t, err)
	require.False(t, st.Locked)
}

func TestAgentReportsFailedCommand(t *testing.T) {
	hive, srv := newFakeHive(t)
	a, _ := newTestAgent(t, srv.URL, &fakeRunner{})
	a.exec.actions.AllowCustom = false
	ctx := context.Background()
	require.NoError(t, a.ensureEnrolled(ctx))

	hive.pending = []fleet.Command{{
		ID:             "cmd-1",
		CommandType:    fleet.CommandCustom,
		Parameters:     []byte(`{"command":"uptime"}`),
		TimeoutSeconds: 60,
	}}
	require.NoError(t, a.poll(ctx))

	ack := hive.acks["cmd-1"]
	require.Equal(t, fleet.CommandFailed, ack.Status)
	require.Contains(t, ack.ErrorMessage, "disabled")
}

func TestAgentReenrollsWhenForgotten(t *testing.T) {
	hive, srv := newFakeHive(t)
	a, cfg := newTestAgent(t, srv.URL, &fakeRunner{})
	ctx := context.Background()
	require.NoError(t, a.ensureEnrolled(ctx))

	hive.mu.Lock()
	hive.known = map[string]bool{}
	hive.mu.Unlock()

	require.NoError(t, a.heartbeat(ctx))
	require.Equal(t, "agent-2", a.agentID())
	require.Len(t, hive.enrolls, 2)
	require.Equal(t, hive.enrolls[0].DeviceID, hive.enrolls[1].DeviceID)

	st, err := loadState(cfg.Agent.StatePath)
	require.NoError(t, err)
	require.Equal(t, "agent-2", st.AgentID)
}

func TestAgentRunLoops(t *testing.T) {
	hive, srv := newFakeHive(t)
	a, _ := newTestAgent(t, srv.URL, &fakeRunner{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		hive.mu.Lock()
		defer hive.mu.Unlock()
		return len(hive.heartbeats) > 0
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not stop")
	}
}
