package fleet

import (
	"errors"
	"fmt"
)

// Reason is a stable, machine-readable code attached to request-path errors.
type Reason string

const (
	ReasonUnknownAgent            Reason = "unknown_agent"
	ReasonAgentInactive           Reason = "agent_inactive"
	ReasonProfileNotFound         Reason = "profile_not_found"
	ReasonProfileMissing          Reason = "profile_missing"
	ReasonProfileDisabled         Reason = "profile_disabled"
	ReasonProfileInUse            Reason = "profile_in_use"
	ReasonCommandNotAllowed       Reason = "command_not_allowed"
	ReasonInvalidEnrollmentKey    Reason = "invalid_enrollment_key"
	ReasonEnrollmentExpired       Reason = "enrollment_expired"
	ReasonIPNotAllowed            Reason = "ip_not_allowed"
	ReasonAgentVersionUnsupported Reason = "agent_version_unsupported"
	ReasonInvalidRequest          Reason = "invalid_request"
	ReasonInvalidParameters       Reason = "invalid_parameters"
	ReasonInvalidTelemetry        Reason = "invalid_telemetry"
	ReasonCommandNotFound         Reason = "command_not_found"
	ReasonCommandNotCancellable   Reason = "command_not_cancellable"
)

// Error is a validation or policy failure surfaced synchronously to callers.
type Error struct {
	Code    Reason
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Is matches any *Error carrying the same code, so detailed errors built with
// Errorf still satisfy errors.Is against the sentinels below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Errorf builds an *Error with the given code and a formatted message.
func Errorf(code Reason, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

var (
	ErrUnknownAgent            = &Error{ReasonUnknownAgent, "agent not found"}
	ErrAgentInactive           = &Error{ReasonAgentInactive, "agent is deactivated"}
	ErrProfileNotFound         = &Error{ReasonProfileNotFound, "enrollment profile not found"}
	ErrProfileMissing          = &Error{ReasonProfileMissing, "agent has no enrollment profile"}
	ErrProfileDisabled         = &Error{ReasonProfileDisabled, "enrollment profile is disabled"}
	ErrProfileInUse            = &Error{ReasonProfileInUse, "enrollment profile has active agents"}
	ErrCommandNotAllowed       = &Error{ReasonCommandNotAllowed, "command not allowed by profile"}
	ErrInvalidEnrollmentKey    = &Error{ReasonInvalidEnrollmentKey, "invalid enrollment key"}
	ErrEnrollmentExpired       = &Error{ReasonEnrollmentExpired, "enrollment profile has expired"}
	ErrIPNotAllowed            = &Error{ReasonIPNotAllowed, "address not in allowed ranges"}
	ErrAgentVersionUnsupported = &Error{ReasonAgentVersionUnsupported, "agent version not supported"}
	ErrInvalidRequest          = &Error{ReasonInvalidRequest, "invalid request"}
	ErrInvalidParameters       = &Error{ReasonInvalidParameters, "invalid command parameters"}
	ErrInvalidTelemetry        = &Error{ReasonInvalidTelemetry, "invalid telemetry"}
	ErrCommandNotFound         = &Error{ReasonCommandNotFound, "command not found"}
	ErrCommandNotCancellable   = &Error{ReasonCommandNotCancellable, "only pending commands can be cancelled"}
)

// ReasonOf extracts the reason code from err, or "" when err is not an *Error.
func ReasonOf(err error) Reason {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}
