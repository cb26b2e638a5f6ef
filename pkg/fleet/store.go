package fleet

import (
	"context"
	"time"
)

// AgentFilter selects agents for a conditional update. Zero-valued fields
// are ignored; at least one field must be set.
type AgentFilter struct {
	IDs             []string
	OrganizationID  string
	ProfileID       string
	Status          AgentStatus
	HeartbeatBefore time.Time
	ActiveOnly      bool
}

// Empty reports whether the filter would match every row.
func (f AgentFilter) Empty() bool {
	return len(f.IDs) == 0 && f.OrganizationID == "" && f.ProfileID == "" &&
		f.Status == "" && f.HeartbeatBefore.IsZero() && !f.ActiveOnly
}

// AgentPatch lists the columns a conditional update writes. Nil or zero
// fields are left unchanged. UpdatedAt is always written.
type AgentPatch struct {
	Status        AgentStatus
	LastHeartbeat *time.Time
	BatteryLevel  *int
	IsCharging    *bool
	IPAddress     *string
	IsActive      *bool
	ClearProfile  bool
	UpdatedAt     time.Time
}

// CommandFilter selects commands for a conditional update.
type CommandFilter struct {
	IDs            []string
	AgentIDs       []string
	OrganizationID string
	Statuses       []CommandStatus
	ExpiresBefore  time.Time
}

// Empty reports whether the filter would match every row.
func (f CommandFilter) Empty() bool {
	return len(f.IDs) == 0 && len(f.AgentIDs) == 0 && f.OrganizationID == "" &&
		len(f.Statuses) == 0 && f.ExpiresBefore.IsZero()
}

// CommandPatch lists the columns a command transition writes.
type CommandPatch struct {
	Status       CommandStatus
	Output       *string
	ErrorMessage *string
	ExitCode     *int
	ExecutingAt  *time.Time
	TerminalAt   *time.Time
	UpdatedAt    time.Time
}

// Store persists fleet state. Every state change that can race with another
// writer is expressed as a conditional update whose predicate is evaluated
// atomically by the backing database; callers learn whether they won from
// the returned count or flag.
type Store interface {
	// UpsertAgent inserts the agent or, when (organization, device) already
	// exists, refreshes its enrollment metadata and reactivates it. The agent
	// is overwritten with the stored row. created reports an insert.
	UpsertAgent(ctx context.Context, agent *Agent) (created bool, err error)
	GetAgent(ctx context.Context, id string) (*Agent, error)
	ListAgents(ctx context.Context, organizationID string) ([]Agent, error)
	ConditionalUpdateAgents(ctx context.Context, filter AgentFilter, patch AgentPatch) (int64, error)

	InsertCommand(ctx context.Context, cmd *Command) error
	GetCommand(ctx context.Context, id string) (*Command, error)
	ListCommands(ctx context.Context, organizationID, agentID string) ([]Command, error)
	// ListPendingCommands returns unexpired pending commands for the agent in
	// FIFO order.
	ListPendingCommands(ctx context.Context, agentID string, now time.Time) ([]Command, error)
	// DispatchCommand moves a pending, unexpired command to executing, provided
	// the agent has no other executing command.
	DispatchCommand(ctx context.Context, id, agentID string, now time.Time) (bool, error)
	ConditionalTransitionCommand(ctx context.Context, id string, from []CommandStatus, patch CommandPatch) (bool, error)
	ConditionalUpdateCommands(ctx context.Context, filter CommandFilter, patch CommandPatch) (int64, error)

	CreateProfile(ctx context.Context, profile *EnrollmentProfile) error
	GetProfile(ctx context.Context, id string) (*EnrollmentProfile, error)
	GetProfileByKeyHash(ctx context.Context, keyHash string) (*EnrollmentProfile, error)
	ListProfiles(ctx context.Context, organizationID string) ([]EnrollmentProfile, error)
	UpdateProfile(ctx context.Context, profile *EnrollmentProfile) error
	// DeleteProfile removes the profile. With active agents attached it fails
	// with ErrProfileInUse unless cascade is set, in which case those agents
	// are deactivated and detached and their pending commands cancelled.
	DeleteProfile(ctx context.Context, id string, cascade bool, now time.Time) error

	Ping(ctx context.Context) error
}
