// Package fleet defines the agents, enrollment profiles and commands managed by
// the hive server, together with the persistence contract they are stored through.
package fleet

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// AgentStatus is the liveness state of an enrolled agent.
type AgentStatus string

const (
	AgentOnline   AgentStatus = "online"
	AgentOffline  AgentStatus = "offline"
	AgentLocked   AgentStatus = "locked"
	AgentShutdown AgentStatus = "shutdown"
)

// Agent is a managed endpoint enrolled into an organization.
type Agent struct {
	ID             string            `gorm:"primaryKey;size:36" json:"id"`
	OrganizationID string            `gorm:"size:64;not null;uniqueIndex:idx_agents_org_device" json:"organization_id"`
	DeviceID       string            `gorm:"size:191;not null;uniqueIndex:idx_agents_org_device" json:"device_id"`
	ProfileID      *string           `gorm:"size:36;index" json:"profile_id,omitempty"`
	DeviceName     string            `gorm:"size:255" json:"device_name"`
	Hostname       string            `gorm:"size:255" json:"hostname,omitempty"`
	SerialNumber   string            `gorm:"size:128" json:"serial_number,omitempty"`
	Model          string            `gorm:"size:128" json:"model,omitempty"`
	OSVersion      string            `gorm:"size:128" json:"os_version,omitempty"`
	Architecture   string            `gorm:"size:16" json:"architecture,omitempty"`
	MACAddress     string            `gorm:"size:32" json:"mac_address,omitempty"`
	AgentVersion   string            `gorm:"size:32" json:"agent_version,omitempty"`
	IPAddress      string            `gorm:"size:64" json:"ip_address,omitempty"`
	Status         AgentStatus       `gorm:"size:16;not null;index:idx_agents_status_heartbeat,priority:1" json:"status"`
	LastHeartbeat  *time.Time        `gorm:"index:idx_agents_status_heartbeat,priority:2" json:"last_heartbeat,omitempty"`
	BatteryLevel   *int              `json:"battery_level,omitempty"`
	IsCharging     *bool             `json:"is_charging,omitempty"`
	Metadata       datatypes.JSONMap `json:"metadata,omitempty"`
	IsActive       bool              `gorm:"not null;index" json:"is_active"`
	EnrolledAt     time.Time         `json:"enrolled_at"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// EnrollmentProfile is the policy bundle an agent enrolls against. The raw
// enrollment key is never stored, only its salted hash.
type EnrollmentProfile struct {
	ID                  string         `gorm:"primaryKey;size:36" json:"id"`
	OrganizationID      string         `gorm:"size:64;not null;index" json:"organization_id"`
	Name                string         `gorm:"size:255;not null" json:"name"`
	Description         string         `gorm:"type:text" json:"description,omitempty"`
	ProfileType         string         `gorm:"size:16;not null" json:"profile_type"`
	AllowRemoteCommands bool           `json:"allow_remote_commands"`
	AllowLockDevice     bool           `json:"allow_lock_device"`
	AllowShutdown       bool           `json:"allow_shutdown"`
	AllowRestart        bool           `json:"allow_restart"`
	AllowWakeOnLan      bool           `json:"allow_wake_on_lan"`
	MaxSessionDuration  int            `json:"max_session_duration"`
	AllowedIPRanges     datatypes.JSON `json:"allowed_ip_ranges,omitempty"`
	EnrollmentKeyHash   string         `gorm:"size:128;not null;uniqueIndex" json:"-"`
	EnrollmentExpiresAt *time.Time     `json:"enrollment_expires_at,omitempty"`
	IsActive            bool           `gorm:"not null" json:"is_active"`
	CreatedBy           string         `gorm:"size:128" json:"created_by,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// IPRanges decodes the allowed ranges column. A malformed column yields no ranges.
func (p *EnrollmentProfile) IPRanges() []string {
	if len(p.AllowedIPRanges) == 0 {
		return nil
	}
	var ranges []string
	if err := json.Unmarshal(p.AllowedIPRanges, &ranges); err != nil {
		return nil
	}
	return ranges
}

// SetIPRanges encodes ranges into the allowed ranges column.
func (p *EnrollmentProfile) SetIPRanges(ranges []string) {
	if len(ranges) == 0 {
		p.AllowedIPRanges = nil
		return
	}
	data, _ := json.Marshal(ranges)
	p.AllowedIPRanges = datatypes.JSON(data)
}

// CommandType names an imperative instruction an agent can execute.
type CommandType string

const (
	CommandLock     CommandType = "lock"
	CommandUnlock   CommandType = "unlock"
	CommandShutdown CommandType = "shutdown"
	CommandRestart  CommandType = "restart"
	CommandWake     CommandType = "wake"
	CommandCustom   CommandType = "custom"
)

// Valid reports whether t is one of the known command types.
func (t CommandType) Valid() bool {
	switch t {
	case CommandLock, CommandUnlock, CommandShutdown, CommandRestart, CommandWake, CommandCustom:
		return true
	}
	return false
}

// CommandStatus is the lifecycle state of a queued command. Transitions only
// move forward; terminal states are never left.
type CommandStatus string

const (
	CommandPending   CommandStatus = "pending"
	CommandExecuting CommandStatus = "executing"
	CommandCompleted CommandStatus = "completed"
	CommandFailed    CommandStatus = "failed"
	CommandTimeout   CommandStatus = "timeout"
	CommandCancelled CommandStatus = "cancelled"
)

// Terminal reports whether no further transition is permitted from s.
func (s CommandStatus) Terminal() bool {
	switch s {
	case CommandCompleted, CommandFailed, CommandTimeout, CommandCancelled:
		return true
	}
	return false
}

// Command is an operator-issued instruction queued for a single agent.
type Command struct {
	ID             string         `gorm:"primaryKey;size:36" json:"id"`
	OrganizationID string         `gorm:"size:64;not null;index" json:"organization_id"`
	AgentID        string         `gorm:"size:36;not null;index:idx_commands_agent_status,priority:1" json:"agent_id"`
	CommandType    CommandType    `gorm:"size:16;not null" json:"command_type"`
	Parameters     datatypes.JSON `json:"parameters,omitempty"`
	TimeoutSeconds int            `gorm:"not null" json:"timeout_seconds"`
	Status         CommandStatus  `gorm:"size:16;not null;index:idx_commands_agent_status,priority:2;index:idx_commands_status_expiry,priority:1" json:"status"`
	Output         string         `gorm:"type:text" json:"output,omitempty"`
	ErrorMessage   string         `gorm:"type:text" json:"error_message,omitempty"`
	ExitCode       *int           `json:"exit_code,omitempty"`
	InitiatedBy    string         `gorm:"size:128" json:"initiated_by,omitempty"`
	CreatedAt      time.Time      `gorm:"index:idx_commands_agent_status,priority:3" json:"created_at"`
	ExpiresAt      time.Time      `gorm:"index:idx_commands_status_expiry,priority:2" json:"expires_at"`
	ExecutingAt    *time.Time     `json:"executing_at,omitempty"`
	TerminalAt     *time.Time     `json:"terminal_at,omitempty"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// DecodeParameters parses the stored parameters into the variant for the command type.
func (c *Command) DecodeParameters() (CommandParameters, error) {
	return ParseParameters(c.CommandType, json.RawMessage(c.Parameters))
}
