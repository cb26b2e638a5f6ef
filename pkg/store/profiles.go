package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/opszero/hive/pkg/fleet"
)

func (s *Store) CreateProfile(ctx context.Context, profile *fleet.EnrollmentProfile) error {
	if err := s.db.WithContext(ctx).Create(profile).Error; err != nil {
		return fmt.Errorf("create profile: %w", err)
	}
	return nil
}

func (s *Store) GetProfile(ctx context.Context, id string) (*fleet.EnrollmentProfile, error) {
	var profile fleet.EnrollmentProfile
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&profile).Error; err != nil {
		return nil, notFound(err, fleet.ErrProfileNotFound)
	}
	return &profile, nil
}

func (s *Store) GetProfileByKeyHash(ctx context.Context, keyHash string) (*fleet.EnrollmentProfile, error) {
	var profile fleet.EnrollmentProfile
	if err := s.db.WithContext(ctx).Where("enrollment_key_hash = ?", keyHash).First(&profile).Error; err != nil {
		return nil, notFound(err, fleet.ErrInvalidEnrollmentKey)
	}
	return &profile, nil
}

func (s *Store) ListProfiles(ctx context.Context, organizationID string) ([]fleet.EnrollmentProfile, error) {
	var profiles []fleet.EnrollmentProfile
	err := s.db.WithContext(ctx).
		Where("organization_id = ?", organizationID).
		Order("created_at DESC").
		Find(&profiles).Error
	return profiles, err
}

func (s *Store) UpdateProfile(ctx context.Context, profile *fleet.EnrollmentProfile) error {
	res := s.db.WithContext(ctx).Model(&fleet.EnrollmentProfile{}).
		Where("id = ?", profile.ID).
		Select("*").
		Omit("id", "organization_id", "created_by", "created_at").
		Updates(profile)
	if res.Error != nil {
		return fmt.Errorf("update profile: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fleet.ErrProfileNotFound
	}
	return nil
}

func (s *Store) DeleteProfile(ctx context.Context, id string, cascade bool, now time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var profile fleet.EnrollmentProfile
		if err := tx.Where("id = ?", id).First(&profile).Error; err != nil {
			return notFound(err, fleet.ErrProfileNotFound)
		}

		var active int64
		if err := tx.Model(&fleet.Agent{}).
			Where("profile_id = ? AND is_active = ?", id, true).
			Count(&active).Error; err != nil {
			return err
		}
		if active > 0 && !cascade {
			return fleet.Errorf(fleet.ReasonProfileInUse, "enrollment profile has %d active agents", active)
		}

		attached := tx.Model(&fleet.Agent{}).Select("id").Where("profile_id = ?", id)
		if err := tx.Model(&fleet.Command{}).
			Where("status = ? AND agent_id IN (?)", fleet.CommandPending, attached).
			Updates(map[string]any{
				"status":      fleet.CommandCancelled,
				"terminal_at": now,
				"updated_at":  now,
			}).Error; err != nil {
			return fmt.Errorf("cancel pending commands: %w", err)
		}

		if err := tx.Model(&fleet.Agent{}).
			Where("profile_id = ?", id).
			Updates(map[string]any{
				"is_active":  false,
				"profile_id": gorm.Expr("NULL"),
				"updated_at": now,
			}).Error; err != nil {
			return fmt.Errorf("detach agents: %w", err)
		}

		if err := tx.Delete(&fleet.EnrollmentProfile{}, "id = ?", id).Error; err != nil {
			return fmt.Errorf("delete profile: %w", err)
		}
		return nil
	})
}
