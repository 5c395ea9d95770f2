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

// gormResultRepository is the GORM implementation of ResultRepository.
type gormResultRepository struct {
	db *gorm.DB
}

// NewResultRepository returns a ResultRepository backed by the provided *gorm.DB.
func NewResultRepository(db *gorm.DB) ResultRepository {
	return &gormResultRepository{db: db}
}

// Create inserts a new analysis result record into the database.
func (r *gormResultRepository) Create(ctx context.Context, result *db.AnalysisResult) error {
	if err := r.db.WithContext(ctx).Create(result).Error; err != nil {
		return fmt.Errorf("results: create: %w", err)
	}
	return nil
}

// GetByID retrieves a result by its UUID.
// Returns ErrNotFound if no record exists.
func (r *gormResultRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.AnalysisResult, error) {
	var result db.AnalysisResult
	err := r.db.WithContext(ctx).First(&result, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("results: get by id: %w", err)
	}
	return &result, nil
}

// GetByGUID retrieves a result by its external GUID.
func (r *gormResultRepository) GetByGUID(ctx context.Context, guid string) (*db.AnalysisResult, error) {
	var result db.AnalysisResult
	err := r.db.WithContext(ctx).First(&result, "guid = ?", guid).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("results: get by guid: %w", err)
	}
	return &result, nil
}

// Update persists all fields of an existing result record.
func (r *gormResultRepository) Update(ctx context.Context, result *db.AnalysisResult) error {
	res := r.db.WithContext(ctx).Save(result)
	if res.Error != nil {
		return fmt.Errorf("results: update: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete hard-deletes a result. Results have no soft-delete tier; once the
// retention sweep removes one it is gone.
func (r *gormResultRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.AnalysisResult{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("results: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByTarget returns a paginated list of results for one target entity,
// newest first, plus the total count.
func (r *gormResultRepository) ListByTarget(ctx context.Context, teamID uuid.UUID, targetGUID string, opts ListOptions) ([]db.AnalysisResult, int64, error) {
	var results []db.AnalysisResult
	var total int64

	if err := r.db.WithContext(ctx).
		Model(&db.AnalysisResult{}).
		Where("team_id = ? AND target_entity_guid = ?", teamID, targetGUID).
		Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("results: list by target count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Where("team_id = ? AND target_entity_guid = ?", teamID, targetGUID).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&results).Error; err != nil {
		return nil, 0, fmt.Errorf("results: list by target: %w", err)
	}

	return results, total, nil
}

// FindCanonicalByInputState returns the newest non-copy result for the same
// (target, tool) pair carrying the given input-state hash, or (nil, nil)
// when none exists. An empty hash never matches.
func (r *gormResultRepository) FindCanonicalByInputState(ctx context.Context, targetGUID, tool, inputStateHash string) (*db.AnalysisResult, error) {
	if inputStateHash == "" {
		return nil, nil
	}
	var result db.AnalysisResult
	err := r.db.WithContext(ctx).
		Where("target_entity_guid = ? AND tool = ?", targetGUID, tool).
		Where("input_state_hash = ?", inputStateHash).
		Where("no_change_copy = ?", false).
		Order("created_at DESC").
		First(&result).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("results: find canonical by input state: %w", err)
	}
	return &result, nil
}

// ListDependentCopies returns the no-change copies whose report download
// resolves through the given canonical result.
func (r *gormResultRepository) ListDependentCopies(ctx context.Context, canonicalID uuid.UUID) ([]db.AnalysisResult, error) {
	var copies []db.AnalysisResult
	err := r.db.WithContext(ctx).
		Where("download_report_from = ?", canonicalID).
		Order("created_at ASC").
		Find(&copies).Error
	if err != nil {
		return nil, fmt.Errorf("results: list dependent copies: %w", err)
	}
	return copies, nil
}

// ListSweepCandidates returns the team's results created before cutoff,
// oldest first, so the retention sweep considers the most expired rows
// before fresher ones.
func (r *gormResultRepository) ListSweepCandidates(ctx context.Context, teamID uuid.UUID, cutoff time.Time) ([]db.AnalysisResult, error) {
	var results []db.AnalysisResult
	err := r.db.WithContext(ctx).
		Where("team_id = ?", teamID).
		Where("created_at < ?", cutoff).
		Order("created_at ASC").
		Find(&results).Error
	if err != nil {
		return nil, fmt.Errorf("results: list sweep candidates: %w", err)
	}
	return results, nil
}

// CountNewerForTargetTool counts results for the same (target, tool) created
// strictly after t.
func (r *gormResultRepository) CountNewerForTargetTool(ctx context.Context, targetGUID, tool string, t time.Time) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).
		Model(&db.AnalysisResult{}).
		Where("target_entity_guid = ? AND tool = ?", targetGUID, tool).
		Where("created_at > ?", t).
		Count(&total).Error
	if err != nil {
		return 0, fmt.Errorf("results: count newer for target tool: %w", err)
	}
	return total, nil
}
