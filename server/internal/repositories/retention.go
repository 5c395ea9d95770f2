package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/fabrice-guiot/shuttersense/server/internal/db"
)

// gormRetentionPolicyRepository is the GORM implementation of RetentionPolicyRepository.
type gormRetentionPolicyRepository struct {
	db *gorm.DB
}

// NewRetentionPolicyRepository returns a RetentionPolicyRepository backed by the provided *gorm.DB.
func NewRetentionPolicyRepository(db *gorm.DB) RetentionPolicyRepository {
	return &gormRetentionPolicyRepository{db: db}
}

// GetForTeam returns the team's retention policy, inserting the default row
// on first access so the sweep always has something to read.
func (r *gormRetentionPolicyRepository) GetForTeam(ctx context.Context, teamID uuid.UUID) (*db.RetentionPolicy, error) {
	var policy db.RetentionPolicy
	err := r.db.WithContext(ctx).First(&policy, "team_id = ?", teamID).Error
	if err == nil {
		return &policy, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("retention: get for team: %w", err)
	}

	policy = db.RetentionPolicy{
		TeamID:                teamID,
		JobCompletedDays:      2,
		JobFailedDays:         7,
		ResultCompletedDays:   0,
		PreservePerCollection: 1,
	}
	if err := r.db.WithContext(ctx).Create(&policy).Error; err != nil {
		// Another request may have inserted the default concurrently.
		var existing db.RetentionPolicy
		if err2 := r.db.WithContext(ctx).First(&existing, "team_id = ?", teamID).Error; err2 == nil {
			return &existing, nil
		}
		return nil, fmt.Errorf("retention: create default: %w", err)
	}
	return &policy, nil
}

// Update persists all fields of an existing retention policy.
func (r *gormRetentionPolicyRepository) Update(ctx context.Context, policy *db.RetentionPolicy) error {
	result := r.db.WithContext(ctx).Save(policy)
	if result.Error != nil {
		return fmt.Errorf("retention: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
