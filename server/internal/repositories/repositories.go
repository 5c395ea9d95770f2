// Package repositories is the data-access layer: one repository interface
// per aggregate, each backed by a GORM implementation. Every query that
// touches tenant data filters on team, so cross-team reads are impossible
// to express at a call site.
package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/fabrice-guiot/shuttersense/server/internal/db"
)

// -----------------------------------------------------------------------------
// Common
// -----------------------------------------------------------------------------

// ListOptions contains common pagination options for list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// -----------------------------------------------------------------------------
// TeamRepository
// -----------------------------------------------------------------------------

type TeamRepository interface {
	Create(ctx context.Context, team *db.Team) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Team, error)
	GetByGUID(ctx context.Context, guid string) (*db.Team, error)
	UpdateConfig(ctx context.Context, id uuid.UUID, configJSON string) error

	// ListAll returns every team. Used by the background sweeps, which run
	// across tenants.
	ListAll(ctx context.Context) ([]db.Team, error)
}

// -----------------------------------------------------------------------------
// AgentRepository
// -----------------------------------------------------------------------------

type AgentRepository interface {
	Create(ctx context.Context, agent *db.Agent) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Agent, error)
	GetByGUID(ctx context.Context, guid string) (*db.Agent, error)

	// GetByAPIKeyHash is the authentication lookup: it returns the agent
	// whose stored hash matches, including revoked agents — the caller
	// distinguishes "unknown key" from "revoked agent".
	GetByAPIKeyHash(ctx context.Context, hash string) (*db.Agent, error)

	Revoke(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, teamID uuid.UUID, opts ListOptions) ([]db.Agent, int64, error)

	// Runtime rows: written on every heartbeat, never touching the Agent row.
	UpsertRuntime(ctx context.Context, runtime *db.AgentRuntime) error
	GetRuntime(ctx context.Context, agentID uuid.UUID) (*db.AgentRuntime, error)
	SetRuntimeStatus(ctx context.Context, agentID uuid.UUID, status string) error

	// ListSilentOnline returns agents still marked online whose last
	// heartbeat predates cutoff. Used by the liveness monitor.
	ListSilentOnline(ctx context.Context, cutoff time.Time) ([]db.AgentRuntime, error)

	// CountOnline counts runtime rows currently marked online.
	CountOnline(ctx context.Context) (int64, error)

	// Command queue, drained on heartbeat.
	EnqueueCommand(ctx context.Context, agentID uuid.UUID, command string) error
	TakeCommands(ctx context.Context, agentID uuid.UUID) ([]string, error)
}

// -----------------------------------------------------------------------------
// JobRepository
// -----------------------------------------------------------------------------

// ClaimFilter describes what the claiming agent can run.
type ClaimFilter struct {
	TeamID  uuid.UUID
	AgentID uuid.UUID

	// Tools the agent's capabilities advertise.
	Tools []string

	// ConnectorGUIDs the agent holds credentials for ("connector:<guid>"
	// capabilities). Jobs on connector-backed collections match only when
	// the collection's connector is in this set or its credentials are
	// server-held.
	ConnectorGUIDs []string
}

type JobRepository interface {
	Create(ctx context.Context, job *db.Job) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Job, error)
	GetByGUID(ctx context.Context, guid string) (*db.Job, error)
	Update(ctx context.Context, job *db.Job) error
	List(ctx context.Context, teamID uuid.UUID, status string, opts ListOptions) ([]db.Job, int64, error)

	// ClaimNext atomically claims the best queued job matching the filter:
	// highest priority first, oldest first within a priority. On postgres
	// the candidate row is locked with FOR UPDATE SKIP LOCKED; on sqlite
	// the single-writer connection provides the same at-most-once claim.
	// Returns (nil, nil) when nothing matches.
	ClaimNext(ctx context.Context, filter ClaimFilter, signingSecret string) (*db.Job, error)

	// Requeue returns a claimed/running job to the queue after its agent
	// went silent, bumping retry_count. When retries are exhausted the job
	// is failed instead. Returns the resulting status.
	Requeue(ctx context.Context, jobID uuid.UUID) (string, error)

	// ListActiveByAgent returns claimed/running jobs held by an agent.
	ListActiveByAgent(ctx context.Context, agentID uuid.UUID) ([]db.Job, error)

	CountByStatus(ctx context.Context, status string) (int64, error)
	DeleteTerminalOlderThan(ctx context.Context, teamID uuid.UUID, status string, cutoff time.Time) (int64, error)
}

// -----------------------------------------------------------------------------
// ResultRepository
// -----------------------------------------------------------------------------

type ResultRepository interface {
	Create(ctx context.Context, result *db.AnalysisResult) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.AnalysisResult, error)
	GetByGUID(ctx context.Context, guid string) (*db.AnalysisResult, error)
	Update(ctx context.Context, result *db.AnalysisResult) error
	Delete(ctx context.Context, id uuid.UUID) error
	ListByTarget(ctx context.Context, teamID uuid.UUID, targetGUID string, opts ListOptions) ([]db.AnalysisResult, int64, error)

	// FindCanonicalByInputState returns the newest non-copy result for the
	// same (target, tool) carrying the given input-state hash, or nil.
	FindCanonicalByInputState(ctx context.Context, targetGUID, tool, inputStateHash string) (*db.AnalysisResult, error)

	// ListDependentCopies returns no-change copies pointing at canonical.
	ListDependentCopies(ctx context.Context, canonicalID uuid.UUID) ([]db.AnalysisResult, error)

	// ListSweepCandidates returns completed results for a team older than
	// cutoff, oldest first.
	ListSweepCandidates(ctx context.Context, teamID uuid.UUID, cutoff time.Time) ([]db.AnalysisResult, error)

	// CountNewerForTargetTool counts results for the same (target, tool)
	// created after t. The retention sweep uses it to honor the
	// preserve-per-collection floor.
	CountNewerForTargetTool(ctx context.Context, targetGUID, tool string, t time.Time) (int64, error)
}

// -----------------------------------------------------------------------------
// ConnectorRepository
// -----------------------------------------------------------------------------

type ConnectorRepository interface {
	Create(ctx context.Context, connector *db.Connector) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Connector, error)
	GetByGUID(ctx context.Context, guid string) (*db.Connector, error)
	Update(ctx context.Context, connector *db.Connector) error

	// Delete refuses to remove a connector still referenced by live
	// collections; the returned error carries the count.
	Delete(ctx context.Context, id uuid.UUID) error

	List(ctx context.Context, teamID uuid.UUID, opts ListOptions) ([]db.Connector, int64, error)
	SetCredentialLocation(ctx context.Context, id uuid.UUID, location string) error
}

// -----------------------------------------------------------------------------
// CollectionRepository
// -----------------------------------------------------------------------------

type CollectionRepository interface {
	Create(ctx context.Context, collection *db.Collection) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Collection, error)
	GetByGUID(ctx context.Context, guid string) (*db.Collection, error)
	Update(ctx context.Context, collection *db.Collection) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, teamID uuid.UUID, opts ListOptions) ([]db.Collection, int64, error)
	CountLiveByConnector(ctx context.Context, connectorID uuid.UUID) (int64, error)
}

// -----------------------------------------------------------------------------
// UploadSessionRepository
// -----------------------------------------------------------------------------

type UploadSessionRepository interface {
	Create(ctx context.Context, session *db.UploadSession) error
	GetByUploadID(ctx context.Context, uploadID string) (*db.UploadSession, error)

	// MarkChunkReceived sets bit index within a single row transaction.
	// Returns false when the bit was already set (duplicate delivery).
	MarkChunkReceived(ctx context.Context, uploadID string, index int) (bool, error)

	MarkFinalized(ctx context.Context, uploadID string) error

	// ListFinalizedByJob returns the job's finalized sessions of one upload
	// type, newest first. The completion path attaches their blobs to the
	// result.
	ListFinalizedByJob(ctx context.Context, jobID uuid.UUID, uploadType string) ([]db.UploadSession, error)
	Delete(ctx context.Context, uploadID string) error
	ListExpired(ctx context.Context, now time.Time) ([]db.UploadSession, error)
	CountOpenByAgent(ctx context.Context, agentID uuid.UUID) (int64, error)
	CountOpen(ctx context.Context) (int64, error)
}

// -----------------------------------------------------------------------------
// RetentionPolicyRepository
// -----------------------------------------------------------------------------

type RetentionPolicyRepository interface {
	// GetForTeam returns the team's policy, creating the default row on
	// first access.
	GetForTeam(ctx context.Context, teamID uuid.UUID) (*db.RetentionPolicy, error)
	Update(ctx context.Context, policy *db.RetentionPolicy) error
}

// -----------------------------------------------------------------------------
// ScheduleRepository
// -----------------------------------------------------------------------------

type ScheduleRepository interface {
	Create(ctx context.Context, schedule *db.Schedule) error
	GetByGUID(ctx context.Context, guid string) (*db.Schedule, error)
	Update(ctx context.Context, schedule *db.Schedule) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, teamID uuid.UUID, opts ListOptions) ([]db.Schedule, int64, error)
	ListDue(ctx context.Context, now time.Time) ([]db.Schedule, error)
	MarkFired(ctx context.Context, id uuid.UUID, firedAt, nextFireAt time.Time) error
}
