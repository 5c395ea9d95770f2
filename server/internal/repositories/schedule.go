package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/fabrice-guiot/shuttersense/server/internal/db"
)

// gormScheduleRepository is the GORM implementation of ScheduleRepository.
type gormScheduleRepository struct {
	db *gorm.DB
}

// NewScheduleRepository returns a ScheduleRepository backed by the provided *gorm.DB.
func NewScheduleRepository(db *gorm.DB) ScheduleRepository {
	return &gormScheduleRepository{db: db}
}

// Create inserts a new schedule record into the database.
func (r *gormScheduleRepository) Create(ctx context.Context, schedule *db.Schedule) error {
	if err := r.db.WithContext(ctx).Create(schedule).Error; err != nil {
		return fmt.Errorf("schedules: create: %w", err)
	}
	return nil
}

// GetByGUID retrieves a schedule by its external GUID.
// Returns ErrNotFound if no record exists.
func (r *gormScheduleRepository) GetByGUID(ctx context.Context, guid string) (*db.Schedule, error) {
	var schedule db.Schedule
	err := r.db.WithContext(ctx).First(&schedule, "guid = ?", guid).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("schedules: get by guid: %w", err)
	}
	return &schedule, nil
}

// Update persists all fields of an existing schedule record.
func (r *gormScheduleRepository) Update(ctx context.Context, schedule *db.Schedule) error {
	result := r.db.WithContext(ctx).Save(schedule)
	if result.Error != nil {
		return fmt.Errorf("schedules: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a schedule. Jobs it already enqueued are untouched.
func (r *gormScheduleRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.Schedule{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("schedules: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns a paginated list of the team's schedules and the total count.
func (r *gormScheduleRepository) List(ctx context.Context, teamID uuid.UUID, opts ListOptions) ([]db.Schedule, int64, error) {
	var schedules []db.Schedule
	var total int64

	if err := r.db.WithContext(ctx).
		Model(&db.Schedule{}).
		Where("team_id = ?", teamID).
		Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("schedules: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Where("team_id = ?", teamID).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at ASC").
		Find(&schedules).Error; err != nil {
		return nil, 0, fmt.Errorf("schedules: list: %w", err)
	}

	return schedules, total, nil
}

// ListDue returns enabled schedules whose next fire time has passed, or
// that have never computed one.
func (r *gormScheduleRepository) ListDue(ctx context.Context, now time.Time) ([]db.Schedule, error) {
	var schedules []db.Schedule
	err := r.db.WithContext(ctx).
		Where("enabled = ?", true).
		Where("next_fire_at IS NULL OR next_fire_at <= ?", now).
		Find(&schedules).Error
	if err != nil {
		return nil, fmt.Errorf("schedules: list due: %w", err)
	}
	return schedules, nil
}

// MarkFired records one firing and the next computed fire time.
func (r *gormScheduleRepository) MarkFired(ctx context.Context, id uuid.UUID, firedAt, nextFireAt time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.Schedule{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"last_fired_at": firedAt,
			"next_fire_at":  nextFireAt,
		})
	if result.Error != nil {
		return fmt.Errorf("schedules: mark fired: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
