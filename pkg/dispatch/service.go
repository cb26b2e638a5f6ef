// Package dispatch implements the request-path operations of the fleet:
// enrollment, heartbeats, command enqueue, dequeue, acknowledgement and
// cancellation, plus the operator views over agents, profiles and commands.
package dispatch

import (
	"context"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/opszero/hive/pkg/auth"
	"github.com/opszero/hive/pkg/fleet"
	"github.com/opszero/hive/pkg/policy"
	"github.com/opszero/hive/pkg/telemetry"
)

// Options tunes the service. Zero values fall back to the defaults below.
type Options struct {
	DefaultTimeout  time.Duration
	MinTimeout      time.Duration
	MaxTimeout      time.Duration
	MinAgentVersion *semver.Version
	Hasher          auth.KeyHasher
	Now             func() time.Time
	Logger          zerolog.Logger
	Instruments     *telemetry.Instruments
	Tracer          trace.Tracer
}

const (
	defaultCommandTimeout = 300 * time.Second
	minCommandTimeout     = 30 * time.Second
	maxCommandTimeout     = 3600 * time.Second
)

// Service owns no state of its own; every operation reads and writes through
// the store so several server replicas can share one database.
type Service struct {
	store   fleet.Store
	opts    Options
	rules   policy.Rules
	log     zerolog.Logger
	metrics *telemetry.Instruments
	tracer  trace.Tracer
}

func New(store fleet.Store, opts Options) *Service {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = defaultCommandTimeout
	}
	if opts.MinTimeout <= 0 {
		opts.MinTimeout = minCommandTimeout
	}
	if opts.MaxTimeout <= 0 {
		opts.MaxTimeout = maxCommandTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Instruments == nil {
		opts.Instruments = telemetry.NoopInstruments()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("github.com/opszero/hive/pkg/dispatch")
	}
	return &Service{
		store:   store,
		opts:    opts,
		rules:   policy.Rules{MinAgentVersion: opts.MinAgentVersion},
		log:     opts.Logger.With().Str("component", "dispatch").Logger(),
		metrics: opts.Instruments,
		tracer:  opts.Tracer,
	}
}

// now returns the injected clock in UTC so persisted timestamps compare
// consistently across drivers.
func (s *Service) now() time.Time {
	return s.opts.Now().UTC()
}

func newID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

// agentInOrg loads the agent and hides agents that belong to another tenant.
func (s *Service) agentInOrg(ctx context.Context, orgID, agentID string) (*fleet.Agent, error) {
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if orgID != "" && agent.OrganizationID != orgID {
		return nil, fleet.ErrUnknownAgent
	}
	return agent, nil
}

func (s *Service) profileInOrg(ctx context.Context, orgID, profileID string) (*fleet.EnrollmentProfile, error) {
	profile, err := s.store.GetProfile(ctx, profileID)
	if err != nil {
		return nil, err
	}
	if orgID != "" && profile.OrganizationID != orgID {
		return nil, fleet.ErrProfileNotFound
	}
	return profile, nil
}

func (s *Service) commandInOrg(ctx context.Context, orgID, commandID string) (*fleet.Command, error) {
	cmd, err := s.store.GetCommand(ctx, commandID)
	if err != nil {
		return nil, err
	}
	if orgID != "" && cmd.OrganizationID != orgID {
		return nil, fleet.ErrCommandNotFound
	}
	return cmd, nil
}
