package fleet

import (
	"bytes"
	"encoding/json"
	"net"
	"regexp"
	"strings"

	"gorm.io/datatypes"
)

// CommandParameters is the typed payload carried by a command. Each command
// type has exactly one parameter variant.
type CommandParameters interface {
	Validate() error
}

// LockParameters configures a lock command.
type LockParameters struct {
	Message string `json:"message,omitempty"`
	PIN     string `json:"pin,omitempty"`
}

var pinPattern = regexp.MustCompile(`^[0-9]{4,8}$`)

func (p *LockParameters) Validate() error {
	if p.PIN != "" && !pinPattern.MatchString(p.PIN) {
		return Errorf(ReasonInvalidParameters, "pin must be 4 to 8 digits")
	}
	if len(p.Message) > 512 {
		return Errorf(ReasonInvalidParameters, "message exceeds 512 characters")
	}
	return nil
}

// UnlockParameters is empty; unlock takes no arguments.
type UnlockParameters struct{}

func (p *UnlockParameters) Validate() error { return nil }

// PowerParameters configures shutdown and restart.
type PowerParameters struct {
	DelaySeconds int  `json:"delay_seconds,omitempty"`
	Force        bool `json:"force,omitempty"`
}

func (p *PowerParameters) Validate() error {
	if p.DelaySeconds < 0 || p.DelaySeconds > 3600 {
		return Errorf(ReasonInvalidParameters, "delay_seconds must be between 0 and 3600")
	}
	return nil
}

// WakeParameters identifies the interface to wake.
type WakeParameters struct {
	MACAddress string `json:"mac_address"`
	Broadcast  string `json:"broadcast,omitempty"`
}

func (p *WakeParameters) Validate() error {
	if strings.TrimSpace(p.MACAddress) == "" {
		return Errorf(ReasonInvalidParameters, "mac_address is required")
	}
	hw, err := net.ParseMAC(p.MACAddress)
	if err != nil || len(hw) != 6 {
		return Errorf(ReasonInvalidParameters, "mac_address %q is not a valid 48-bit address", p.MACAddress)
	}
	if p.Broadcast != "" && net.ParseIP(p.Broadcast) == nil {
		return Errorf(ReasonInvalidParameters, "broadcast %q is not an IP address", p.Broadcast)
	}
	return nil
}

// CustomParameters is an operator-defined program invocation.
type CustomParameters struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
}

func (p *CustomParameters) Validate() error {
	if strings.TrimSpace(p.Command) == "" {
		return Errorf(ReasonInvalidParameters, "command is required")
	}
	return nil
}

// newParameters returns the zero variant for t.
func newParameters(t CommandType) (CommandParameters, bool) {
	switch t {
	case CommandLock:
		return &LockParameters{}, true
	case CommandUnlock:
		return &UnlockParameters{}, true
	case CommandShutdown, CommandRestart:
		return &PowerParameters{}, true
	case CommandWake:
		return &WakeParameters{}, true
	case CommandCustom:
		return &CustomParameters{}, true
	}
	return nil, false
}

// ParseParameters decodes raw into the variant for t. Unknown fields, a
// payload that is not an object and values failing validation are rejected.
// An empty or null payload decodes to the zero variant, which is then validated.
func ParseParameters(t CommandType, raw json.RawMessage) (CommandParameters, error) {
	params, ok := newParameters(t)
	if !ok {
		return nil, Errorf(ReasonInvalidRequest, "unknown command type %q", t)
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.DisallowUnknownFields()
		if err := dec.Decode(params); err != nil {
			return nil, Errorf(ReasonInvalidParameters, "invalid %s parameters: %v", t, err)
		}
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return params, nil
}

// EncodeParameters serializes params for storage.
func EncodeParameters(params CommandParameters) (datatypes.JSON, error) {
	if params == nil {
		return nil, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(data), nil
}
