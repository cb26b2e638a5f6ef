package dispatch

import (
	"context"
	"strings"
	"time"

	"github.com/opszero/hive/pkg/auth"
	"github.com/opszero/hive/pkg/fleet"
	"github.com/opszero/hive/pkg/policy"
)

var profileTypes = map[string]bool{"macos": true, "windows": true, "ios": true, "android": true, "linux": true}

const (
	defaultSessionDuration = 3600
	minSessionDuration     = 300
	maxSessionDuration     = 86400
)

// ProfileInput is the operator-editable part of an enrollment profile. Nil
// flags take their defaults; updates replace the whole editable set.
type ProfileInput struct {
	Name                string     `json:"name"`
	Description         string     `json:"description,omitempty"`
	ProfileType         string     `json:"profile_type"`
	AllowRemoteCommands *bool      `json:"allow_remote_commands,omitempty"`
	AllowLockDevice     *bool      `json:"allow_lock_device,omitempty"`
	AllowShutdown       *bool      `json:"allow_shutdown,omitempty"`
	AllowRestart        *bool      `json:"allow_restart,omitempty"`
	AllowWakeOnLan      *bool      `json:"allow_wake_on_lan,omitempty"`
	MaxSessionDuration  int        `json:"max_session_duration,omitempty"`
	AllowedIPRanges     []string   `json:"allowed_ip_ranges,omitempty"`
	EnrollmentExpiresAt *time.Time `json:"enrollment_expires_at,omitempty"`
	IsActive            *bool      `json:"is_active,omitempty"`
}

func flagOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func (in ProfileInput) validate() error {
	if strings.TrimSpace(in.Name) == "" {
		return fleet.Errorf(fleet.ReasonInvalidRequest, "name is required")
	}
	if len(in.Name) > 255 {
		return fleet.Errorf(fleet.ReasonInvalidRequest, "name exceeds 255 characters")
	}
	if !profileTypes[in.ProfileType] {
		return fleet.Errorf(fleet.ReasonInvalidRequest, "profile_type must be one of macos, windows, ios, android, linux")
	}
	if in.MaxSessionDuration != 0 && (in.MaxSessionDuration < minSessionDuration || in.MaxSessionDuration > maxSessionDuration) {
		return fleet.Errorf(fleet.ReasonInvalidRequest, "max_session_duration must be between %d and %d", minSessionDuration, maxSessionDuration)
	}
	if err := policy.ValidateRanges(in.AllowedIPRanges); err != nil {
		return fleet.Errorf(fleet.ReasonInvalidRequest, "%v", err)
	}
	return nil
}

func (in ProfileInput) apply(p *fleet.EnrollmentProfile) {
	p.Name = strings.TrimSpace(in.Name)
	p.Description = in.Description
	p.ProfileType = in.ProfileType
	p.AllowRemoteCommands = flagOr(in.AllowRemoteCommands, true)
	p.AllowLockDevice = flagOr(in.AllowLockDevice, true)
	p.AllowShutdown = flagOr(in.AllowShutdown, false)
	p.AllowRestart = flagOr(in.AllowRestart, true)
	p.AllowWakeOnLan = flagOr(in.AllowWakeOnLan, true)
	p.MaxSessionDuration = in.MaxSessionDuration
	if p.MaxSessionDuration == 0 {
		p.MaxSessionDuration = defaultSessionDuration
	}
	p.SetIPRanges(in.AllowedIPRanges)
	if in.EnrollmentExpiresAt != nil {
		at := in.EnrollmentExpiresAt.UTC()
		p.EnrollmentExpiresAt = &at
	} else {
		p.EnrollmentExpiresAt = nil
	}
	p.IsActive = flagOr(in.IsActive, true)
}

// CreatedProfile carries the raw enrollment key, which is only ever
// returned at creation or rotation time.
type CreatedProfile struct {
	Profile       *fleet.EnrollmentProfile `json:"profile"`
	EnrollmentKey string                   `json:"enrollment_key"`
}

func (s *Service) CreateProfile(ctx context.Context, orgID, createdBy string, in ProfileInput) (*CreatedProfile, error) {
	if strings.TrimSpace(orgID) == "" {
		return nil, fleet.Errorf(fleet.ReasonInvalidRequest, "organization is required")
	}
	if err := in.validate(); err != nil {
		return nil, err
	}

	key, err := auth.GenerateEnrollmentKey()
	if err != nil {
		return nil, err
	}

	now := s.now()
	profile := &fleet.EnrollmentProfile{
		ID:                newID(),
		OrganizationID:    orgID,
		EnrollmentKeyHash: s.opts.Hasher.Hash(key),
		CreatedBy:         createdBy,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	in.apply(profile)

	if err := s.store.CreateProfile(ctx, profile); err != nil {
		return nil, err
	}
	s.log.Info().Str("profile_id", profile.ID).Str("organization_id", orgID).Msg("enrollment profile created")
	return &CreatedProfile{Profile: profile, EnrollmentKey: key}, nil
}

func (s *Service) UpdateProfile(ctx context.Context, orgID, profileID string, in ProfileInput) (*fleet.EnrollmentProfile, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	profile, err := s.profileInOrg(ctx, orgID, profileID)
	if err != nil {
		return nil, err
	}
	in.apply(profile)
	profile.UpdatedAt = s.now()
	if err := s.store.UpdateProfile(ctx, profile); err != nil {
		return nil, err
	}
	return profile, nil
}

// RotateEnrollmentKey issues a new key for the profile; the old key stops
// working immediately. Enrolled agents are unaffected.
func (s *Service) RotateEnrollmentKey(ctx context.Context, orgID, profileID string) (*CreatedProfile, error) {
	profile, err := s.profileInOrg(ctx, orgID, profileID)
	if err != nil {
		return nil, err
	}
	key, err := auth.GenerateEnrollmentKey()
	if err != nil {
		return nil, err
	}
	profile.EnrollmentKeyHash = s.opts.Hasher.Hash(key)
	profile.UpdatedAt = s.now()
	if err := s.store.UpdateProfile(ctx, profile); err != nil {
		return nil, err
	}
	s.log.Info().Str("profile_id", profile.ID).Msg("enrollment key rotated")
	return &CreatedProfile{Profile: profile, EnrollmentKey: key}, nil
}

func (s *Service) GetProfile(ctx context.Context, orgID, profileID string) (*fleet.EnrollmentProfile, error) {
	return s.profileInOrg(ctx, orgID, profileID)
}

func (s *Service) ListProfiles(ctx context.Context, orgID string) ([]fleet.EnrollmentProfile, error) {
	return s.store.ListProfiles(ctx, orgID)
}

// DeleteProfile removes a profile. Profiles with active agents are only
// removed when cascade is set; see fleet.Store.DeleteProfile.
func (s *Service) DeleteProfile(ctx context.Context, orgID, profileID string, cascade bool) error {
	if _, err := s.profileInOrg(ctx, orgID, profileID); err != nil {
		return err
	}
	if err := s.store.DeleteProfile(ctx, profileID, cascade, s.now()); err != nil {
		return err
	}
	s.log.Info().Str("profile_id", profileID).Bool("cascade", cascade).Msg("enrollment profile deleted")
	return nil
}
