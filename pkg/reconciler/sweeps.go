package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/opszero/hive/pkg/fleet"
	"github.com/opszero/hive/pkg/telemetry"
)

const (
	LivenessName       = "liveness"
	CommandTimeoutName = "command_timeout"
)

// Liveness flips online agents whose last heartbeat is older than the
// offline threshold to offline. Agents that never came online, and agents
// held in locked or shutdown, are not touched.
type Liveness struct {
	store     fleet.Store
	threshold time.Duration
	metrics   *telemetry.Instruments
}

func NewLiveness(store fleet.Store, threshold time.Duration, inst *telemetry.Instruments) *Liveness {
	if inst == nil {
		inst = telemetry.NoopInstruments()
	}
	return &Liveness{store: store, threshold: threshold, metrics: inst}
}

// Sweep issues one conditional update so a heartbeat landing mid-sweep is
// never overwritten.
func (l *Liveness) Sweep(ctx context.Context, now time.Time) (int64, error) {
	n, err := l.store.ConditionalUpdateAgents(ctx, fleet.AgentFilter{
		Status:          fleet.AgentOnline,
		HeartbeatBefore: now.Add(-l.threshold),
	}, fleet.AgentPatch{
		Status:    fleet.AgentOffline,
		UpdatedAt: now,
	})
	if err != nil {
		return 0, fmt.Errorf("mark stale agents offline: %w", err)
	}
	if n > 0 {
		l.metrics.AgentsMarkedOffline.Add(ctx, n)
	}
	return n, nil
}

// CommandTimeouts moves pending and executing commands past their
// expires_at to timeout.
type CommandTimeouts struct {
	store   fleet.Store
	metrics *telemetry.Instruments
}

func NewCommandTimeouts(store fleet.Store, inst *telemetry.Instruments) *CommandTimeouts {
	if inst == nil {
		inst = telemetry.NoopInstruments()
	}
	return &CommandTimeouts{store: store, metrics: inst}
}

func (c *CommandTimeouts) Sweep(ctx context.Context, now time.Time) (int64, error) {
	n, err := c.store.ConditionalUpdateCommands(ctx, fleet.CommandFilter{
		Statuses:      []fleet.CommandStatus{fleet.CommandPending, fleet.CommandExecuting},
		ExpiresBefore: now,
	}, fleet.CommandPatch{
		Status:     fleet.CommandTimeout,
		TerminalAt: &now,
		UpdatedAt:  now,
	})
	if err != nil {
		return 0, fmt.Errorf("expire overdue commands: %w", err)
	}
	if n > 0 {
		c.metrics.CommandsTimedOut.Add(ctx, n)
	}
	return n, nil
}

// Set groups the two reconcilers so the process can start and stop them
// together.
type Set struct {
	Liveness       *Runner
	CommandTimeout *Runner
}

// NewSet builds both runners over store.
func NewSet(store fleet.Store, livenessEvery, offlineThreshold, timeoutEvery time.Duration, opts Options) *Set {
	return &Set{
		Liveness: NewRunner(LivenessName, livenessEvery,
			NewLiveness(store, offlineThreshold, opts.Instruments).Sweep, opts),
		CommandTimeout: NewRunner(CommandTimeoutName, timeoutEvery,
			NewCommandTimeouts(store, opts.Instruments).Sweep, opts),
	}
}

func (s *Set) Runners() []*Runner {
	return []*Runner{s.Liveness, s.CommandTimeout}
}

func (s *Set) Start(ctx context.Context) error {
	for _, r := range s.Runners() {
		if err := r.Start(ctx); err != nil {
			s.Stop()
			return err
		}
	}
	return nil
}

func (s *Set) Stop() {
	for _, r := range s.Runners() {
		r.Stop()
	}
}
