package fleet

import (
	"bytes"
	"encoding/json"
	"net"
)

// Telemetry is the optional device state reported with a heartbeat. Nil
// fields leave the stored value untouched.
type Telemetry struct {
	BatteryLevel *int   `json:"battery_level,omitempty"`
	IsCharging   *bool  `json:"is_charging,omitempty"`
	IPAddress    string `json:"ip_address,omitempty"`
	Locked       bool   `json:"locked,omitempty"`
}

// Validate rejects out-of-range values.
func (t Telemetry) Validate() error {
	if t.BatteryLevel != nil && (*t.BatteryLevel < 0 || *t.BatteryLevel > 100) {
		return Errorf(ReasonInvalidTelemetry, "battery_level must be between 0 and 100")
	}
	if t.IPAddress != "" && net.ParseIP(t.IPAddress) == nil {
		return Errorf(ReasonInvalidTelemetry, "ip_address %q is not an IP address", t.IPAddress)
	}
	return nil
}

// Status is the liveness state a heartbeat carrying this telemetry implies.
func (t Telemetry) Status() AgentStatus {
	if t.Locked {
		return AgentLocked
	}
	return AgentOnline
}

// DecodeTelemetry parses a heartbeat body. An empty body is an empty report;
// unknown fields are rejected.
func DecodeTelemetry(raw []byte) (Telemetry, error) {
	var t Telemetry
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return t, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&t); err != nil {
		return Telemetry{}, Errorf(ReasonInvalidTelemetry, "decode telemetry: %v", err)
	}
	return t, t.Validate()
}
