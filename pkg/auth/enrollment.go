package auth

import (
	"strings"

	"github.com/opszero/hive/pkg/fleet"
)

// Supported values for EnrollmentRequest.Architecture.
var architectures = map[string]bool{"arm64": true, "x86_64": true, "amd64": true}

// EnrollmentRequest is what an agent presents to join an organization.
type EnrollmentRequest struct {
	EnrollmentKey string         `json:"enrollment_key"`
	DeviceID      string         `json:"device_id"`
	DeviceName    string         `json:"device_name"`
	Hostname      string         `json:"hostname,omitempty"`
	SerialNumber  string         `json:"serial_number,omitempty"`
	Model         string         `json:"model,omitempty"`
	OSVersion     string         `json:"os_version,omitempty"`
	Architecture  string         `json:"architecture,omitempty"`
	MACAddress    string         `json:"mac_address,omitempty"`
	AgentVersion  string         `json:"agent_version,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Validate checks the fields required before the key is looked up.
func (r *EnrollmentRequest) Validate() error {
	if strings.TrimSpace(r.EnrollmentKey) == "" {
		return fleet.Errorf(fleet.ReasonInvalidRequest, "enrollment_key is required")
	}
	if strings.TrimSpace(r.DeviceID) == "" {
		return fleet.Errorf(fleet.ReasonInvalidRequest, "device_id is required")
	}
	if strings.TrimSpace(r.DeviceName) == "" {
		return fleet.Errorf(fleet.ReasonInvalidRequest, "device_name is required")
	}
	if r.Architecture != "" && !architectures[r.Architecture] {
		return fleet.Errorf(fleet.ReasonInvalidRequest, "unsupported architecture %q", r.Architecture)
	}
	return nil
}

// EnrollmentResponse tells the agent who it is and how often to check in.
type EnrollmentResponse struct {
	AgentID           string            `json:"agent_id"`
	OrganizationID    string            `json:"organization_id"`
	Status            fleet.AgentStatus `json:"status"`
	Reenrolled        bool              `json:"reenrolled"`
	HeartbeatInterval int               `json:"heartbeat_interval_seconds"`
	ServerVersion     string            `json:"server_version"`
	Agent             *fleet.Agent      `json:"agent"`
}
