package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fabrice-guiot/shuttersense/server/internal/db"
)

// gormAgentRepository is the GORM implementation of AgentRepository.
type gormAgentRepository struct {
	db *gorm.DB
}

// NewAgentRepository returns an AgentRepository backed by the provided *gorm.DB.
func NewAgentRepository(db *gorm.DB) AgentRepository {
	return &gormAgentRepository{db: db}
}

// Create inserts a new agent record into the database.
func (r *gormAgentRepository) Create(ctx context.Context, agent *db.Agent) error {
	if err := r.db.WithContext(ctx).Create(agent).Error; err != nil {
		return fmt.Errorf("agents: create: %w", err)
	}
	return nil
}

// GetByID retrieves an agent by its UUID. Soft-deleted agents are excluded.
// Returns ErrNotFound if no record exists.
func (r *gormAgentRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Agent, error) {
	var agent db.Agent
	err := r.db.WithContext(ctx).First(&agent, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("agents: get by id: %w", err)
	}
	return &agent, nil
}

// GetByGUID retrieves an agent by its external GUID.
func (r *gormAgentRepository) GetByGUID(ctx context.Context, guid string) (*db.Agent, error) {
	var agent db.Agent
	err := r.db.WithContext(ctx).First(&agent, "guid = ?", guid).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("agents: get by guid: %w", err)
	}
	return &agent, nil
}

// GetByAPIKeyHash is the authentication lookup. Revoked agents are returned
// as well; the auth middleware needs them to answer with the revocation code
// instead of a generic credential failure.
func (r *gormAgentRepository) GetByAPIKeyHash(ctx context.Context, hash string) (*db.Agent, error) {
	var agent db.Agent
	err := r.db.WithContext(ctx).First(&agent, "api_key_hash = ?", hash).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("agents: get by api key hash: %w", err)
	}
	return &agent, nil
}

// Revoke marks the agent as revoked. The record stays so the revocation is
// reported to the agent on its next request instead of a bare 401.
func (r *gormAgentRepository) Revoke(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).
		Model(&db.Agent{}).
		Where("id = ?", id).
		Update("revoked", true)
	if result.Error != nil {
		return fmt.Errorf("agents: revoke: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns a paginated list of the team's agents and the total count.
// Soft-deleted agents are excluded from results.
func (r *gormAgentRepository) List(ctx context.Context, teamID uuid.UUID, opts ListOptions) ([]db.Agent, int64, error) {
	var agents []db.Agent
	var total int64

	base := r.db.WithContext(ctx).Model(&db.Agent{}).Where("team_id = ?", teamID)
	if err := base.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("agents: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Where("team_id = ?", teamID).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at ASC").
		Find(&agents).Error; err != nil {
		return nil, 0, fmt.Errorf("agents: list: %w", err)
	}

	return agents, total, nil
}

// UpsertRuntime writes the heartbeat row for an agent, creating it on first
// contact. Conflict resolution keys on agent_id so repeated heartbeats keep
// updating the same narrow row.
func (r *gormAgentRepository) UpsertRuntime(ctx context.Context, runtime *db.AgentRuntime) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "agent_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"updated_at",
				"status",
				"last_heartbeat_at",
				"capabilities_json",
				"authorized_roots_json",
				"cpu_percent",
				"mem_percent",
				"disk_free_gb",
			}),
		}).
		Create(runtime).Error
	if err != nil {
		return fmt.Errorf("agents: upsert runtime: %w", err)
	}
	return nil
}

// GetRuntime returns the liveness row for an agent, or ErrNotFound when the
// agent has never sent a heartbeat.
func (r *gormAgentRepository) GetRuntime(ctx context.Context, agentID uuid.UUID) (*db.AgentRuntime, error) {
	var runtime db.AgentRuntime
	err := r.db.WithContext(ctx).First(&runtime, "agent_id = ?", agentID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("agents: get runtime: %w", err)
	}
	return &runtime, nil
}

// SetRuntimeStatus updates only the status column of a runtime row.
func (r *gormAgentRepository) SetRuntimeStatus(ctx context.Context, agentID uuid.UUID, status string) error {
	result := r.db.WithContext(ctx).
		Model(&db.AgentRuntime{}).
		Where("agent_id = ?", agentID).
		Update("status", status)
	if result.Error != nil {
		return fmt.Errorf("agents: set runtime status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSilentOnline returns runtime rows still marked online whose last
// heartbeat predates cutoff, or that never recorded one.
func (r *gormAgentRepository) ListSilentOnline(ctx context.Context, cutoff time.Time) ([]db.AgentRuntime, error) {
	var runtimes []db.AgentRuntime
	err := r.db.WithContext(ctx).
		Where("status = ?", "online").
		Where("last_heartbeat_at IS NULL OR last_heartbeat_at < ?", cutoff).
		Find(&runtimes).Error
	if err != nil {
		return nil, fmt.Errorf("agents: list silent online: %w", err)
	}
	return runtimes, nil
}

// CountOnline counts runtime rows currently marked online.
func (r *gormAgentRepository) CountOnline(ctx context.Context) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).
		Model(&db.AgentRuntime{}).
		Where("status = ?", "online").
		Count(&total).Error
	if err != nil {
		return 0, fmt.Errorf("agents: count online: %w", err)
	}
	return total, nil
}

// EnqueueCommand appends one command to the agent's delivery queue.
func (r *gormAgentRepository) EnqueueCommand(ctx context.Context, agentID uuid.UUID, command string) error {
	cmd := db.AgentCommand{AgentID: agentID, Command: command}
	if err := r.db.WithContext(ctx).Create(&cmd).Error; err != nil {
		return fmt.Errorf("agents: enqueue command: %w", err)
	}
	return nil
}

// TakeCommands drains the agent's pending commands in enqueue order. Rows
// are deleted inside the same transaction so each command is delivered to
// exactly one heartbeat response.
func (r *gormAgentRepository) TakeCommands(ctx context.Context, agentID uuid.UUID) ([]string, error) {
	var commands []string
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []db.AgentCommand
		if err := tx.Where("agent_id = ?", agentID).Order("created_at ASC").Find(&rows).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		ids := make([]uuid.UUID, 0, len(rows))
		for _, row := range rows {
			commands = append(commands, row.Command)
			ids = append(ids, row.ID)
		}
		return tx.Delete(&db.AgentCommand{}, "id IN ?", ids).Error
	})
	if err != nil {
		return nil, fmt.Errorf("agents: take commands: %w", err)
	}
	return commands, nil
}
