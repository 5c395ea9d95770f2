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

// gormJobRepository is the GORM implementation of JobRepository.
type gormJobRepository struct {
	db *gorm.DB
}

// NewJobRepository returns a JobRepository backed by the provided *gorm.DB.
func NewJobRepository(db *gorm.DB) JobRepository {
	return &gormJobRepository{db: db}
}

// Create inserts a new job record into the database.
func (r *gormJobRepository) Create(ctx context.Context, job *db.Job) error {
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("jobs: create: %w", err)
	}
	return nil
}

// GetByID retrieves a job by its UUID.
// Returns ErrNotFound if no record exists.
func (r *gormJobRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Job, error) {
	var job db.Job
	err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("jobs: get by id: %w", err)
	}
	return &job, nil
}

// GetByGUID retrieves a job by its external GUID.
func (r *gormJobRepository) GetByGUID(ctx context.Context, guid string) (*db.Job, error) {
	var job db.Job
	err := r.db.WithContext(ctx).First(&job, "guid = ?", guid).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("jobs: get by guid: %w", err)
	}
	return &job, nil
}

// Update persists all fields of an existing job record.
func (r *gormJobRepository) Update(ctx context.Context, job *db.Job) error {
	result := r.db.WithContext(ctx).Save(job)
	if result.Error != nil {
		return fmt.Errorf("jobs: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns a paginated list of the team's jobs and the total count,
// ordered by creation time descending (most recent first). An empty status
// matches all statuses.
func (r *gormJobRepository) List(ctx context.Context, teamID uuid.UUID, status string, opts ListOptions) ([]db.Job, int64, error) {
	var jobs []db.Job
	var total int64

	query := r.db.WithContext(ctx).Model(&db.Job{}).Where("team_id = ?", teamID)
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: list count: %w", err)
	}

	find := r.db.WithContext(ctx).Where("team_id = ?", teamID)
	if status != "" {
		find = find.Where("status = ?", status)
	}
	if err := find.
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&jobs).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: list: %w", err)
	}

	return jobs, total, nil
}

// ClaimNext atomically assigns the best matching queued job to the filter's
// agent: highest priority first, oldest first within a priority. The claim
// stamps claimed_at, stores the agent and the freshly generated signing
// secret, and moves the job to "claimed" in one transaction.
//
// On postgres the candidate row is locked with FOR UPDATE SKIP LOCKED so
// concurrent claimers never race on the same job. sqlite runs the whole
// transaction on its single write connection, which gives the same
// at-most-once guarantee without the clause.
//
// Returns (nil, nil) when no queued job matches the filter.
func (r *gormJobRepository) ClaimNext(ctx context.Context, filter ClaimFilter, signingSecret string) (*db.Job, error) {
	if len(filter.Tools) == 0 {
		return nil, nil
	}

	var claimed *db.Job
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx.
			Where("team_id = ?", filter.TeamID).
			Where("status = ?", "queued").
			Where("tool IN ?", filter.Tools).
			Order("priority DESC").
			Order("created_at ASC")

		// Jobs may be pinned to one agent (local collections bound to the
		// agent that can reach the path). Unpinned jobs go to anyone.
		query = query.Where("agent_id IS NULL OR agent_id = ?", filter.AgentID)

		if r.db.Dialector.Name() == "postgres" {
			query = query.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}

		var candidates []db.Job
		if err := query.Limit(20).Find(&candidates).Error; err != nil {
			return err
		}

		for i := range candidates {
			job := &candidates[i]
			if !r.agentCanRun(tx, job, filter) {
				continue
			}

			now := time.Now().UTC()
			agentID := filter.AgentID
			job.Status = "claimed"
			job.AgentID = &agentID
			job.ClaimedAt = &now
			job.SigningSecret = db.EncryptedString(signingSecret)

			result := tx.Model(&db.Job{}).
				Where("id = ? AND status = ?", job.ID, "queued").
				Updates(map[string]interface{}{
					"status":         job.Status,
					"agent_id":       job.AgentID,
					"claimed_at":     job.ClaimedAt,
					"signing_secret": job.SigningSecret,
				})
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				// Lost the race on this row, try the next candidate.
				continue
			}
			claimed = job
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("jobs: claim next: %w", err)
	}
	return claimed, nil
}

// agentCanRun checks the credential side of the match: jobs on
// connector-backed collections dispatch only to agents that hold the
// connector's credentials, unless the credentials are server-held.
func (r *gormJobRepository) agentCanRun(tx *gorm.DB, job *db.Job, filter ClaimFilter) bool {
	var collection db.Collection
	if job.TargetEntityType != "collection" {
		return true
	}
	if err := tx.First(&collection, "id = ?", job.TargetEntityID).Error; err != nil {
		return false
	}
	if collection.ConnectorID == nil {
		return true
	}

	var connector db.Connector
	if err := tx.First(&connector, "id = ?", *collection.ConnectorID).Error; err != nil {
		return false
	}
	if connector.CredentialLocation == "server" {
		return true
	}
	for _, guid := range filter.ConnectorGUIDs {
		if guid == connector.GUID {
			return true
		}
	}
	return false
}

// Requeue returns a claimed or running job to the queue after its agent went
// silent, bumping retry_count and clearing the claim. A job targeting a
// bound local collection stays pinned to that agent. When retries are
// exhausted the job is failed instead and ErrRetriesExhausted is returned
// along with the resulting status.
func (r *gormJobRepository) Requeue(ctx context.Context, jobID uuid.UUID) (string, error) {
	var status string
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job db.Job
		if err := tx.First(&job, "id = ?", jobID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if job.Status != "claimed" && job.Status != "running" {
			status = job.Status
			return nil
		}

		if job.RetryCount+1 > job.MaxRetries {
			now := time.Now().UTC()
			status = "failed"
			return tx.Model(&db.Job{}).
				Where("id = ?", job.ID).
				Updates(map[string]interface{}{
					"status":        status,
					"completed_at":  &now,
					"error_message": "agent went offline and retries are exhausted",
				}).Error
		}

		// Jobs on bound local collections keep their pin across a requeue;
		// clearing agent_id outright would let any agent claim a job whose
		// path only the bound agent can reach.
		var pin *uuid.UUID
		if job.TargetEntityType == "collection" {
			var collection db.Collection
			if err := tx.First(&collection, "id = ?", job.TargetEntityID).Error; err == nil {
				pin = collection.BoundAgentID
			}
		}

		status = "queued"
		return tx.Model(&db.Job{}).
			Where("id = ?", job.ID).
			Updates(map[string]interface{}{
				"status":         status,
				"agent_id":       pin,
				"claimed_at":     nil,
				"signing_secret": nil,
				"retry_count":    job.RetryCount + 1,
			}).Error
	})
	if err != nil {
		return "", fmt.Errorf("jobs: requeue: %w", err)
	}
	if status == "failed" {
		return status, ErrRetriesExhausted
	}
	return status, nil
}

// ListActiveByAgent returns the claimed and running jobs currently held by
// an agent. The liveness monitor walks this list when the agent goes silent.
func (r *gormJobRepository) ListActiveByAgent(ctx context.Context, agentID uuid.UUID) ([]db.Job, error) {
	var jobs []db.Job
	err := r.db.WithContext(ctx).
		Where("agent_id = ?", agentID).
		Where("status IN ?", []string{"claimed", "running"}).
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("jobs: list active by agent: %w", err)
	}
	return jobs, nil
}

// CountByStatus returns the number of jobs in the given status across all
// teams. Feeds the queue-depth metrics.
func (r *gormJobRepository) CountByStatus(ctx context.Context, status string) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).
		Model(&db.Job{}).
		Where("status = ?", status).
		Count(&total).Error
	if err != nil {
		return 0, fmt.Errorf("jobs: count by status: %w", err)
	}
	return total, nil
}

// DeleteTerminalOlderThan hard-deletes terminal jobs of one status completed
// before cutoff and returns the number of rows removed. Used by the
// retention sweep.
func (r *gormJobRepository) DeleteTerminalOlderThan(ctx context.Context, teamID uuid.UUID, status string, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("team_id = ?", teamID).
		Where("status = ?", status).
		Where("completed_at IS NOT NULL AND completed_at < ?", cutoff).
		Delete(&db.Job{})
	if result.Error != nil {
		return 0, fmt.Errorf("jobs: delete terminal older than: %w", result.Error)
	}
	return result.RowsAffected, nil
}
