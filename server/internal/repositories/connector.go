package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/fabrice-guiot/shuttersense/server/internal/db"
)

// gormConnectorRepository is the GORM implementation of ConnectorRepository.
type gormConnectorRepository struct {
	db *gorm.DB
}

// NewConnectorRepository returns a ConnectorRepository backed by the provided *gorm.DB.
func NewConnectorRepository(db *gorm.DB) ConnectorRepository {
	return &gormConnectorRepository{db: db}
}

// Create inserts a new connector record into the database.
func (r *gormConnectorRepository) Create(ctx context.Context, connector *db.Connector) error {
	if err := r.db.WithContext(ctx).Create(connector).Error; err != nil {
		return fmt.Errorf("connectors: create: %w", err)
	}
	return nil
}

// GetByID retrieves a connector by its UUID. Soft-deleted connectors are
// excluded. Returns ErrNotFound if no record exists.
func (r *gormConnectorRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Connector, error) {
	var connector db.Connector
	err := r.db.WithContext(ctx).First(&connector, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("connectors: get by id: %w", err)
	}
	return &connector, nil
}

// GetByGUID retrieves a connector by its external GUID.
func (r *gormConnectorRepository) GetByGUID(ctx context.Context, guid string) (*db.Connector, error) {
	var connector db.Connector
	err := r.db.WithContext(ctx).First(&connector, "guid = ?", guid).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("connectors: get by guid: %w", err)
	}
	return &connector, nil
}

// Update persists all fields of an existing connector record.
func (r *gormConnectorRepository) Update(ctx context.Context, connector *db.Connector) error {
	result := r.db.WithContext(ctx).Save(connector)
	if result.Error != nil {
		return fmt.Errorf("connectors: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete soft-deletes a connector. The delete is refused with
// ErrConnectorInUse while live collections still reference it, so a
// collection can never lose its credential source silently.
func (r *gormConnectorRepository) Delete(ctx context.Context, id uuid.UUID) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var inUse int64
		if err := tx.Model(&db.Collection{}).
			Where("connector_id = ?", id).
			Where("state = ?", "live").
			Count(&inUse).Error; err != nil {
			return err
		}
		if inUse > 0 {
			return fmt.Errorf("%w: %d collections", ErrConnectorInUse, inUse)
		}

		result := tx.Delete(&db.Connector{}, "id = ?", id)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConnectorInUse) {
			return err
		}
		return fmt.Errorf("connectors: delete: %w", err)
	}
	return nil
}

// List returns a paginated list of the team's connectors and the total count.
func (r *gormConnectorRepository) List(ctx context.Context, teamID uuid.UUID, opts ListOptions) ([]db.Connector, int64, error) {
	var connectors []db.Connector
	var total int64

	if err := r.db.WithContext(ctx).
		Model(&db.Connector{}).
		Where("team_id = ?", teamID).
		Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("connectors: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Where("team_id = ?", teamID).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at ASC").
		Find(&connectors).Error; err != nil {
		return nil, 0, fmt.Errorf("connectors: list: %w", err)
	}

	return connectors, total, nil
}

// SetCredentialLocation updates where the connector's credentials live
// ("server", "agent", or "pending"). Agent-held credentials clear any
// server-side copy in the same write.
func (r *gormConnectorRepository) SetCredentialLocation(ctx context.Context, id uuid.UUID, location string) error {
	updates := map[string]interface{}{"credential_location": location}
	if location == "agent" || location == "pending" {
		updates["credentials"] = nil
	}
	result := r.db.WithContext(ctx).
		Model(&db.Connector{}).
		Where("id = ?", id).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("connectors: set credential location: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
