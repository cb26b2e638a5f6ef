package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/opszero/hive/pkg/auth"
	"github.com/opszero/hive/pkg/config"
	"github.com/opszero/hive/pkg/dispatch"
	"github.com/opszero/hive/pkg/fleet"
	"github.com/opszero/hive/pkg/health"
)

var errNoEnrollmentKey = errors.New("agent is not enrolled and no enrollment key is configured")

// Agent enrolls with the server, sends heartbeats and executes commands.
type Agent struct {
	cfg    *config.AgentConfig
	client *apiClient
	probe  *http.Client
	exec   *executor
	facts  func(context.Context) deviceFacts
	log    zerolog.Logger

	mu    sync.Mutex
	state *agentState

	locked atomic.Bool
}

func newAgent(cfg *config.AgentConfig, exec *executor, logger zerolog.Logger) *Agent {
	httpClient := &http.Client{Timeout: time.Duration(cfg.Server.RequestTimeout) * time.Second}
	retry := newRetrier(cfg.Server.RetryInitialMs, cfg.Server.RetryMaxMs, cfg.Server.RetryMaxRetries, logger)
	return &Agent{
		cfg:    cfg,
		client: newAPIClient(cfg.Server.URL, httpClient, retry, logger),
		probe:  httpClient,
		exec:   exec,
		facts:  collectFacts,
		log:    logger,
	}
}

// Run blocks until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	if err := health.ProbeServer(ctx, a.probe, a.cfg.Server.URL); err != nil {
		a.log.Warn().Err(err).Str("server", a.cfg.Server.URL).Msg("server health probe failed")
	}

	for {
		err := a.ensureEnrolled(ctx)
		if err == nil {
			break
		}
		if errors.Is(err, errNoEnrollmentKey) || isPermanent(err) {
			return err
		}
		a.log.Error().Err(err).Msg("enrollment failed")
		if !sleepCtx(ctx, a.cfg.HeartbeatEvery()) {
			return nil
		}
	}
	a.log.Info().Str("agent_id", a.agentID()).Msg("agent ready")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.loop(ctx, a.cfg.HeartbeatEvery(), a.heartbeat)
	}()
	go func() {
		defer wg.Done()
		a.loop(ctx, a.cfg.PollEvery(), a.poll)
	}()
	wg.Wait()
	return nil
}

// loop runs fn immediately and then every interval plus jitter.
func (a *Agent) loop(ctx context.Context, every time.Duration, fn func(context.Context) error) {
	jitter := time.Duration(a.cfg.Agent.Jitter) * time.Second
	for {
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			a.log.Error().Err(err).Msg("agent cycle failed")
		}
		wait := every
		if jitter > 0 {
			wait += time.Duration(rand.Int63n(int64(jitter)))
		}
		if !sleepCtx(ctx, wait) {
			return
		}
	}
}

func (a *Agent) agentID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == nil {
		return ""
	}
	return a.state.AgentID
}

// ensureEnrolled loads the state file and enrolls when it holds no agent id.
func (a *Agent) ensureEnrolled(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state == nil {
		st, err := loadState(a.cfg.Agent.StatePath)
		if err != nil {
			return fmt.Errorf("load state: %w", err)
		}
		a.state = st
		a.locked.Store(st.Locked)
	}
	if a.state.enrolled() {
		return nil
	}
	return a.enrollLocked(ctx)
}

func (a *Agent) enrollLocked(ctx context.Context) error {
	key, err := a.enrollmentKey()
	if err != nil {
		return err
	}

	facts := a.facts(ctx)
	if a.state.DeviceID == "" {
		a.state.DeviceID = facts.DeviceID
	}
	name := a.cfg.Agent.DeviceName
	if name == "" {
		name = facts.Hostname
	}

	resp, err := a.client.Enroll(ctx, auth.EnrollmentRequest{
		EnrollmentKey: key,
		DeviceID:      a.state.DeviceID,
		DeviceName:    name,
		Hostname:      facts.Hostname,
		OSVersion:     facts.OSVersion,
		Architecture:  facts.Architecture,
		MACAddress:    facts.MACAddress,
		AgentVersion:  Version,
	})
	if err != nil {
		return err
	}

	a.state.AgentID = resp.AgentID
	a.state.OrganizationID = resp.OrganizationID
	a.state.EnrolledAt = time.Now().UTC()
	if err := saveState(a.cfg.Agent.StatePath, a.state); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	a.log.Info().
		Str("agent_id", resp.AgentID).
		Str("organization_id", resp.OrganizationID).
		Bool("reenrolled", resp.Reenrolled).
		Msg("enrolled")
	return nil
}

func (a *Agent) enrollmentKey() (string, error) {
	if key := strings.TrimSpace(a.cfg.Server.EnrollmentKey); key != "" {
		return key, nil
	}
	if a.cfg.Server.EnrollmentKeyFile != "" {
		data, err := os.ReadFile(a.cfg.Server.EnrollmentKeyFile)
		if err != nil {
			return "", fmt.Errorf("read enrollment key: %w", err)
		}
		if key := strings.TrimSpace(string(data)); key != "" {
			return key, nil
		}
	}
	return "", errNoEnrollmentKey
}

// reenroll discards the agent id the server no longer recognizes. The device
// id is kept so the server can match the existing record.
func (a *Agent) reenroll(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.log.Warn().Str("agent_id", a.state.AgentID).Msg("server does not recognize agent, re-enrolling")
	a.state.AgentID = ""
	return a.enrollLocked(ctx)
}

func (a *Agent) telemetry(ctx context.Context) fleet.Telemetry {
	facts := a.facts(ctx)
	level, charging := readBattery()
	return fleet.Telemetry{
		BatteryLevel: level,
		IsCharging:   charging,
		IPAddress:    facts.IPAddress,
		Locked:       a.locked.Load(),
	}
}

func (a *Agent) heartbeat(ctx context.Context) error {
	resp, err := a.client.Heartbeat(ctx, a.agentID(), a.telemetry(ctx))
	if err != nil {
		if hasCode(err, fleet.ReasonUnknownAgent) {
			return a.reenroll(ctx)
		}
		return fmt.Errorf("heartbeat: %w", err)
	}
	a.log.Debug().Str("agent_status", string(resp.AgentStatus)).Msg("heartbeat accepted")
	return nil
}

// poll fetches and runs the next dispatched command, if any.
func (a *Agent) poll(ctx context.Context) error {
	cmds, err := a.client.Pending(ctx, a.agentID())
	if err != nil {
		if hasCode(err, fleet.ReasonUnknownAgent) {
			return a.reenroll(ctx)
		}
		return fmt.Errorf("poll: %w", err)
	}
	for _, cmd := range cmds {
		a.handle(ctx, cmd)
	}
	return nil
}

func (a *Agent) handle(ctx context.Context, cmd fleet.Command) {
	logger := a.log.With().Str("command_id", cmd.ID).Str("command_type", string(cmd.CommandType)).Logger()
	logger.Info().Msg("executing command")

	res := a.exec.Execute(ctx, cmd)
	if res.Status == fleet.CommandCompleted {
		switch cmd.CommandType {
		case fleet.CommandLock:
			a.setLocked(true)
		case fleet.CommandUnlock:
			a.setLocked(false)
		}
	}

	ack, err := a.client.Ack(ctx, cmd.ID, dispatch.AckRequest{
		AgentID:      a.agentID(),
		Status:       res.Status,
		Output:       res.Output,
		ErrorMessage: res.ErrorMessage,
		ExitCode:     res.ExitCode,
	})
	if err != nil {
		logger.Error().Err(err).Msg("acknowledge failed")
		return
	}
	if !ack.Applied {
		logger.Warn().Str("server_status", string(ack.Status)).Msg("acknowledgement was not applied")
		return
	}
	logger.Info().Str("status", string(res.Status)).Msg("command finished")
}

// setLocked records the lock state and persists it so a restarted agent
// keeps reporting a locked device as locked.
func (a *Agent) setLocked(v bool) {
	a.locked.Store(v)
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == nil || a.state.Locked == v {
		return
	}
	a.state.Locked = v
	if err := saveState(a.cfg.Agent.StatePath, a.state); err != nil {
		a.log.Warn().Err(err).Msg("failed to persist lock state")
	}
}

func hasCode(err error, code fleet.Reason) bool {
	var apiErr *apiError
	return errors.As(err, &apiErr) && apiErr.Code == string(code)
}

// isPermanent reports errors retrying cannot fix, such as a revoked key.
func isPermanent(err error) bool {
	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.Status {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusGone, http.StatusBadRequest:
		return true
	}
	return false
}
