package fleet

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseParameters(t *testing.T) {
	tests := []struct {
		name     string
		cmdType  CommandType
		raw      string
		wantErr  Reason
		validate func(t *testing.T, p CommandParameters)
	}{
		{
			name:    "lock with message and pin",
			cmdType: CommandLock,
			raw:     `{"message":"Returned to IT","pin":"123456"}`,
			validate: func(t *testing.T, p CommandParameters) {
				lock := p.(*LockParameters)
				require.Equal(t, "Returned to IT", lock.Message)
				require.Equal(t, "123456", lock.PIN)
			},
		},
		{name: "lock without payload", cmdType: CommandLock, raw: ``},
		{name: "lock with null payload", cmdType: CommandLock, raw: `null`},
		{name: "lock short pin", cmdType: CommandLock, raw: `{"pin":"12"}`, wantErr: ReasonInvalidParameters},
		{name: "lock alphabetic pin", cmdType: CommandLock, raw: `{"pin":"abcd"}`, wantErr: ReasonInvalidParameters},
		{name: "unlock rejects fields", cmdType: CommandUnlock, raw: `{"message":"hi"}`, wantErr: ReasonInvalidParameters},
		{name: "unlock empty object", cmdType: CommandUnlock, raw: `{}`},
		{
			name:    "restart delay",
			cmdType: CommandRestart,
			raw:     `{"delay_seconds":60,"force":true}`,
			validate: func(t *testing.T, p CommandParameters) {
				power := p.(*PowerParameters)
				require.Equal(t, 60, power.DelaySeconds)
				require.True(t, power.Force)
			},
		},
		{name: "shutdown negative delay", cmdType: CommandShutdown, raw: `{"delay_seconds":-1}`, wantErr: ReasonInvalidParameters},
		{name: "shutdown delay too long", cmdType: CommandShutdown, raw: `{"delay_seconds":7200}`, wantErr: ReasonInvalidParameters},
		{name: "wake requires mac", cmdType: CommandWake, raw: `{}`, wantErr: ReasonInvalidParameters},
		{name: "wake malformed mac", cmdType: CommandWake, raw: `{"mac_address":"zz:zz"}`, wantErr: ReasonInvalidParameters},
		{name: "wake valid", cmdType: CommandWake, raw: `{"mac_address":"aa:bb:cc:dd:ee:ff","broadcast":"192.168.1.255"}`},
		{name: "custom requires command", cmdType: CommandCustom, raw: `{"args":["-l"]}`, wantErr: ReasonInvalidParameters},
		{
			name:    "custom with args",
			cmdType: CommandCustom,
			raw:     `{"command":"ls","args":["-l","/tmp"]}`,
			validate: func(t *testing.T, p CommandParameters) {
				custom := p.(*CustomParameters)
				require.Equal(t, "ls", custom.Command)
				require.Equal(t, []string{"-l", "/tmp"}, custom.Args)
			},
		},
		{name: "unknown field", cmdType: CommandCustom, raw: `{"command":"ls","shell":true}`, wantErr: ReasonInvalidParameters},
		{name: "not an object", cmdType: CommandLock, raw: `["x"]`, wantErr: ReasonInvalidParameters},
		{name: "unknown type", cmdType: CommandType("format"), raw: `{}`, wantErr: ReasonInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params, err := ParseParameters(tt.cmdType, json.RawMessage(tt.raw))
			if tt.wantErr != "" {
				require.Error(t, err)
				require.Equal(t, tt.wantErr, ReasonOf(err))
				return
			}
			require.NoError(t, err)
			require.NotNil(t, params)
			if tt.validate != nil {
				tt.validate(t, params)
			}
		})
	}
}

func TestCommandDecodeParametersRoundTrip(t *testing.T) {
	params := &WakeParameters{MACAddress: "aa:bb:cc:dd:ee:ff"}
	encoded, err := EncodeParameters(params)
	require.NoError(t, err)

	cmd := Command{CommandType: CommandWake, Parameters: encoded}
	decoded, err := cmd.DecodeParameters()
	require.NoError(t, err)
	require.Equal(t, params, decoded)
}

func TestErrorMatchesByCode(t *testing.T) {
	err := Errorf(ReasonUnknownAgent, "agent %s not found", "a-1")
	require.True(t, errors.Is(err, ErrUnknownAgent))
	require.False(t, errors.Is(err, ErrAgentInactive))
	require.Equal(t, ReasonUnknownAgent, ReasonOf(err))
	require.Equal(t, Reason(""), ReasonOf(errors.New("boom")))
}

func TestTelemetryValidate(t *testing.T) {
	level := 101
	require.Error(t, Telemetry{BatteryLevel: &level}.Validate())

	level = 55
	require.NoError(t, Telemetry{BatteryLevel: &level, IPAddress: "10.0.0.4"}.Validate())
	require.Equal(t, ReasonInvalidTelemetry, ReasonOf(Telemetry{IPAddress: "not-an-ip"}.Validate()))

	require.Equal(t, AgentLocked, Telemetry{Locked: true}.Status())
	require.Equal(t, AgentOnline, Telemetry{}.Status())
}

func TestDecodeTelemetry(t *testing.T) {
	got, err := DecodeTelemetry(nil)
	require.NoError(t, err)
	require.Nil(t, got.BatteryLevel)

	got, err = DecodeTelemetry([]byte(`{"battery_level":80,"is_charging":false,"locked":true}`))
	require.NoError(t, err)
	require.Equal(t, 80, *got.BatteryLevel)
	require.False(t, *got.IsCharging)
	require.True(t, got.Locked)

	_, err = DecodeTelemetry([]byte(`{"cpu":12}`))
	require.Equal(t, ReasonInvalidTelemetry, ReasonOf(err))

	_, err = DecodeTelemetry([]byte(`{"battery_level":-1}`))
	require.Equal(t, ReasonInvalidTelemetry, ReasonOf(err))
}
