package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/fabrice-guiot/shuttersense/server/internal/db"
)

// gormCollectionRepository is the GORM implementation of CollectionRepository.
type gormCollectionRepository struct {
	db *gorm.DB
}

// NewCollectionRepository returns a CollectionRepository backed by the provided *gorm.DB.
func NewCollectionRepository(db *gorm.DB) CollectionRepository {
	return &gormCollectionRepository{db: db}
}

// Create inserts a new collection record into the database.
func (r *gormCollectionRepository) Create(ctx context.Context, collection *db.Collection) error {
	if err := r.db.WithContext(ctx).Create(collection).Error; err != nil {
		return fmt.Errorf("collections: create: %w", err)
	}
	return nil
}

// GetByID retrieves a collection by its UUID. Soft-deleted collections are
// excluded. Returns ErrNotFound if no record exists.
func (r *gormCollectionRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Collection, error) {
	var collection db.Collection
	err := r.db.WithContext(ctx).First(&collection, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("collections: get by id: %w", err)
	}
	return &collection, nil
}

// GetByGUID retrieves a collection by its external GUID.
func (r *gormCollectionRepository) GetByGUID(ctx context.Context, guid string) (*db.Collection, error) {
	var collection db.Collection
	err := r.db.WithContext(ctx).First(&collection, "guid = ?", guid).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("collections: get by guid: %w", err)
	}
	return &collection, nil
}

// Update persists all fields of an existing collection record.
func (r *gormCollectionRepository) Update(ctx context.Context, collection *db.Collection) error {
	result := r.db.WithContext(ctx).Save(collection)
	if result.Error != nil {
		return fmt.Errorf("collections: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete soft-deletes a collection. Its results stay queryable by GUID.
func (r *gormCollectionRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.Collection{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("collections: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns a paginated list of the team's collections and the total count.
func (r *gormCollectionRepository) List(ctx context.Context, teamID uuid.UUID, opts ListOptions) ([]db.Collection, int64, error) {
	var collections []db.Collection
	var total int64

	if err := r.db.WithContext(ctx).
		Model(&db.Collection{}).
		Where("team_id = ?", teamID).
		Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("collections: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Where("team_id = ?", teamID).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at ASC").
		Find(&collections).Error; err != nil {
		return nil, 0, fmt.Errorf("collections: list: %w", err)
	}

	return collections, total, nil
}

// CountLiveByConnector counts non-archived collections that still reference
// a connector.
func (r *gormCollectionRepository) CountLiveByConnector(ctx context.Context, connectorID uuid.UUID) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).
		Model(&db.Collection{}).
		Where("connector_id = ?", connectorID).
		Where("state = ?", "live").
		Count(&total).Error
	if err != nil {
		return 0, fmt.Errorf("collections: count live by connector: %w", err)
	}
	return total, nil
}
