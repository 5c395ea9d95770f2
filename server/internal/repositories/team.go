package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/fabrice-guiot/shuttersense/server/internal/db"
)

// gormTeamRepository is the GORM implementation of TeamRepository.
type gormTeamRepository struct {
	db *gorm.DB
}

// NewTeamRepository returns a TeamRepository backed by the provided *gorm.DB.
func NewTeamRepository(db *gorm.DB) TeamRepository {
	return &gormTeamRepository{db: db}
}

// Create inserts a new team record into the database.
func (r *gormTeamRepository) Create(ctx context.Context, team *db.Team) error {
	if err := r.db.WithContext(ctx).Create(team).Error; err != nil {
		return fmt.Errorf("teams: create: %w", err)
	}
	return nil
}

// GetByID retrieves a team by its UUID.
// Returns ErrNotFound if no record exists.
func (r *gormTeamRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Team, error) {
	var team db.Team
	err := r.db.WithContext(ctx).First(&team, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("teams: get by id: %w", err)
	}
	return &team, nil
}

// GetByGUID retrieves a team by its external GUID.
func (r *gormTeamRepository) GetByGUID(ctx context.Context, guid string) (*db.Team, error) {
	var team db.Team
	err := r.db.WithContext(ctx).First(&team, "guid = ?", guid).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("teams: get by guid: %w", err)
	}
	return &team, nil
}

// ListAll returns every team, oldest first.
func (r *gormTeamRepository) ListAll(ctx context.Context) ([]db.Team, error) {
	var teams []db.Team
	if err := r.db.WithContext(ctx).Order("created_at ASC").Find(&teams).Error; err != nil {
		return nil, fmt.Errorf("teams: list all: %w", err)
	}
	return teams, nil
}

// UpdateConfig replaces the team's tool configuration document.
func (r *gormTeamRepository) UpdateConfig(ctx context.Context, id uuid.UUID, configJSON string) error {
	result := r.db.WithContext(ctx).
		Model(&db.Team{}).
		Where("id = ?", id).
		Update("config_json", configJSON)
	if result.Error != nil {
		return fmt.Errorf("teams: update config: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
