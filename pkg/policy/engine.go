// Package policy decides whether an enrollment attempt or a command is
// permitted by an enrollment profile.
package policy

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/opszero/hive/pkg/fleet"
)

// Attempt describes an agent trying to enroll against a profile.
type Attempt struct {
	ClientIP     string
	AgentVersion string
	At           time.Time
}

// Violation is a single failed rule.
type Violation struct {
	Rule   string
	Reason fleet.Reason
	Detail string
}

type Evaluation struct {
	Allowed    bool
	Violations []Violation
}

// Rules bundles the server-wide enrollment requirements layered on top of
// each profile.
type Rules struct {
	MinAgentVersion *semver.Version
}

// Evaluate checks every enrollment rule against the profile. Rules run in a
// fixed order so the first violation is stable across calls.
func (r Rules) Evaluate(profile *fleet.EnrollmentProfile, attempt Attempt) *Evaluation {
	eval := &Evaluation{Allowed: true}
	fail := func(rule string, reason fleet.Reason, format string, args ...any) {
		eval.Allowed = false
		eval.Violations = append(eval.Violations, Violation{Rule: rule, Reason: reason, Detail: fmt.Sprintf(format, args...)})
	}

	if !profile.IsActive {
		fail("profile_active", fleet.ReasonProfileDisabled, "profile %s is disabled", profile.ID)
	}

	if profile.EnrollmentExpiresAt != nil && !attempt.At.Before(*profile.EnrollmentExpiresAt) {
		fail("enrollment_window", fleet.ReasonEnrollmentExpired, "enrollment closed at %s", profile.EnrollmentExpiresAt.UTC().Format(time.RFC3339))
	}

	if ranges := profile.IPRanges(); len(ranges) > 0 {
		ok, err := AddressAllowed(attempt.ClientIP, ranges)
		if err != nil {
			fail("ip_ranges", fleet.ReasonIPNotAllowed, "%v", err)
		} else if !ok {
			fail("ip_ranges", fleet.ReasonIPNotAllowed, "address %s not in allowed ranges", attempt.ClientIP)
		}
	}

	if r.MinAgentVersion != nil {
		v, err := semver.NewVersion(strings.TrimSpace(attempt.AgentVersion))
		switch {
		case err != nil:
			fail("agent_version", fleet.ReasonAgentVersionUnsupported, "agent version %q is not a semantic version", attempt.AgentVersion)
		case v.LessThan(r.MinAgentVersion):
			fail("agent_version", fleet.ReasonAgentVersionUnsupported, "agent version %s is older than %s", v, r.MinAgentVersion)
		}
	}

	return eval
}

// Err converts the first violation into a reason-coded error, or nil when allowed.
func (e *Evaluation) Err() error {
	if e.Allowed || len(e.Violations) == 0 {
		return nil
	}
	v := e.Violations[0]
	return &fleet.Error{Code: v.Reason, Message: v.Detail}
}

func (e *Evaluation) String() string {
	if e.Allowed {
		return "allowed"
	}
	rules := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		rules = append(rules, v.Rule)
	}
	return fmt.Sprintf("denied: %s", strings.Join(rules, ", "))
}

// ParseRange accepts a CIDR prefix or a bare address, which is treated as a
// single-host prefix.
func ParseRange(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		prefix, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("invalid ip range %q", s)
		}
		return prefix.Masked(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid ip range %q", s)
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// ValidateRanges rejects any entry ParseRange cannot parse.
func ValidateRanges(ranges []string) error {
	for _, r := range ranges {
		if _, err := ParseRange(r); err != nil {
			return err
		}
	}
	return nil
}

// AddressAllowed reports whether ip falls inside any of ranges.
func AddressAllowed(ip string, ranges []string) (bool, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false, fmt.Errorf("client address %q is not an IP address", ip)
	}
	addr = addr.Unmap()
	for _, r := range ranges {
		prefix, err := ParseRange(r)
		if err != nil {
			return false, err
		}
		if prefix.Contains(addr) {
			return true, nil
		}
	}
	return false, nil
}

// CommandPermission maps a command type to the profile flag that gates it.
func CommandPermission(profile *fleet.EnrollmentProfile, t fleet.CommandType) (flag string, allowed bool) {
	switch t {
	case fleet.CommandLock, fleet.CommandUnlock:
		return "allow_lock_device", profile.AllowLockDevice
	case fleet.CommandShutdown:
		return "allow_shutdown", profile.AllowShutdown
	case fleet.CommandRestart:
		return "allow_restart", profile.AllowRestart
	case fleet.CommandWake:
		return "allow_wake_on_lan", profile.AllowWakeOnLan
	case fleet.CommandCustom:
		return "allow_remote_commands", profile.AllowRemoteCommands
	}
	return "", false
}

// AuthorizeCommand returns ErrCommandNotAllowed-coded error when the profile
// does not permit t.
func AuthorizeCommand(profile *fleet.EnrollmentProfile, t fleet.CommandType) error {
	flag, ok := CommandPermission(profile, t)
	if ok {
		return nil
	}
	if flag == "" {
		return fleet.Errorf(fleet.ReasonInvalidRequest, "unknown command type %q", t)
	}
	return fleet.Errorf(fleet.ReasonCommandNotAllowed, "%s commands require %s on profile %s", t, flag, profile.ID)
}
