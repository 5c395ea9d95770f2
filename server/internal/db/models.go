package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Base contains the common fields shared by all models. It must stay
// exported: GORM ignores unexported embedded structs, which would drop
// the ID and timestamp columns from every insert.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing; the same
// UUID is the body of the row's external GUID, so the two never diverge.
type Base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
func (b *Base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// SoftDelete extends Base with a nullable DeletedAt field for soft deletion.
// GORM filters soft-deleted records from all queries unless Unscoped() is
// used explicitly.
type SoftDelete struct {
	Base
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

// -----------------------------------------------------------------------------
// Teams
// -----------------------------------------------------------------------------

// Team is the tenancy unit. Every agent, collection, connector, job, and
// result belongs to exactly one team; cross-team access is impossible by
// construction because every repository query filters on team.
type Team struct {
	Base
	GUID string `gorm:"uniqueIndex;not null"` // tea_…
	Name string `gorm:"not null"`

	// ConfigJSON is the tenant configuration handed to tools at execution
	// time (photo extensions, sidecar rules, camera mappings, pipeline).
	ConfigJSON string `gorm:"type:text;not null;default:'{}'"`
}

// -----------------------------------------------------------------------------
// Agents
// -----------------------------------------------------------------------------

// Agent is a registered analysis agent. The API key is stored only as a
// SHA-256 hash; the raw key is returned exactly once, at registration.
// Liveness and capability data live in AgentRuntime so the heartbeat path
// never writes this row.
type Agent struct {
	SoftDelete
	GUID     string    `gorm:"uniqueIndex;not null"` // agt_…
	TeamID   uuid.UUID `gorm:"type:text;not null;index"`
	Name     string    `gorm:"not null"`
	Platform string    `gorm:"not null;default:''"` // e.g. "linux/amd64"

	// BinaryChecksum is the self-reported build attestation from registration.
	BinaryChecksum string `gorm:"not null;default:''"`
	APIKeyHash     string `gorm:"uniqueIndex;not null"` // SHA-256 hex of the raw key
	Revoked        bool   `gorm:"not null;default:false"`
}

// AgentRuntime is the mutable liveness row for one agent, written on every
// heartbeat. Separated from Agent so the high-frequency path touches a
// single narrow row and never races operator edits.
type AgentRuntime struct {
	Base
	AgentID         uuid.UUID `gorm:"type:text;not null;uniqueIndex"`
	Status          string    `gorm:"not null;default:'offline'"` // "online", "offline", "error"
	LastHeartbeatAt *time.Time
	CapabilitiesJSON    string  `gorm:"type:text;not null;default:'[]'"` // JSON array of capability strings
	AuthorizedRootsJSON string  `gorm:"type:text;not null;default:'[]'"` // JSON array of absolute paths
	CPUPercent          float64 `gorm:"not null;default:0"`
	MemPercent          float64 `gorm:"not null;default:0"`
	DiskFreeGB          float64 `gorm:"not null;default:0"`
}

// AgentCommand is one pending command for an agent, delivered (and deleted)
// on its next heartbeat. Commands are opaque strings, e.g. "cancel_job:<guid>".
type AgentCommand struct {
	Base
	AgentID uuid.UUID `gorm:"type:text;not null;index"`
	Command string    `gorm:"not null"`
}

// -----------------------------------------------------------------------------
// Connectors & Collections
// -----------------------------------------------------------------------------

// Connector is a named binding to a remote storage system. Credentials held
// on the server are encrypted at rest; agent-held credentials never reach
// the server at all — the server only records that some agent has them.
type Connector struct {
	SoftDelete
	GUID   string    `gorm:"uniqueIndex;not null"` // con_…
	TeamID uuid.UUID `gorm:"type:text;not null;index"`
	Name   string    `gorm:"not null"`
	Type   string    `gorm:"not null"` // "s3", "gcs", "smb"

	// CredentialLocation is "server", "agent", or "pending".
	CredentialLocation   string          `gorm:"not null;default:'pending'"`
	CredentialSchemaJSON string          `gorm:"type:text;not null;default:'[]'"`
	Credentials          EncryptedString `gorm:"type:text"` // JSON, only when server-held
}

// Collection is a named photo data source. For remote types the connector
// supplies credentials; for local collections a specific agent must have
// the location under its authorized roots, recorded as the bound agent.
type Collection struct {
	SoftDelete
	GUID        string     `gorm:"uniqueIndex;not null"` // col_…
	TeamID      uuid.UUID  `gorm:"type:text;not null;index"`
	Name        string     `gorm:"not null"`
	Type        string     `gorm:"not null"` // "local", "s3", "gcs", "smb"
	Location    string     `gorm:"not null"`
	ConnectorID *uuid.UUID `gorm:"type:text;index"`
	State       string     `gorm:"not null;default:'live'"` // "live", "archived"

	IsAccessible bool   `gorm:"not null;default:false"`
	LastError    string `gorm:"type:text;default:''"`
	StorageBytes *int64
	FileCount    *int64
	ImageCount   *int64

	// BoundAgentID pins local collections to the one agent that can reach
	// the path. Null for remote collections.
	BoundAgentID *uuid.UUID `gorm:"type:text;index"`
}

// -----------------------------------------------------------------------------
// Jobs & Results
// -----------------------------------------------------------------------------

// Job is one analysis invocation. Status transitions:
// queued -> claimed -> running -> completed | failed | cancelled, with
// claimed jobs re-queued when their agent goes silent.
//
// The target is polymorphic: listings and lookups go through the
// target_entity_* columns, never per-entity foreign keys.
type Job struct {
	Base
	GUID     string    `gorm:"uniqueIndex;not null"` // job_…
	TeamID   uuid.UUID `gorm:"type:text;not null;index"`
	Tool     string    `gorm:"not null"`
	Status   string    `gorm:"not null;default:'queued';index"`
	Priority int       `gorm:"not null;default:0"`

	TargetEntityType string    `gorm:"not null"` // "collection", "connector", "pipeline"
	TargetEntityID   uuid.UUID `gorm:"type:text;not null;index"`
	TargetEntityGUID string    `gorm:"not null;index"`
	TargetEntityName string    `gorm:"not null;default:''"`
	ContextJSON      string    `gorm:"type:text;not null;default:'{}'"`

	AgentID *uuid.UUID `gorm:"type:text;index"`

	// SigningSecret is generated at claim time and verifies the terminal
	// payload. Encrypted at rest; rotated on every (re-)claim.
	SigningSecret EncryptedString `gorm:"type:text"`

	RetryCount int `gorm:"not null;default:0"`
	MaxRetries int `gorm:"not null;default:3"`

	ScheduleID   *uuid.UUID `gorm:"type:text;index"`
	ClaimedAt    *time.Time
	CompletedAt  *time.Time
	ErrorMessage string `gorm:"type:text;default:''"`
}

// AnalysisResult is the persisted outcome of a completed job. Large blobs
// (results JSON over the inline limit, HTML reports) arrive via chunked
// upload. A no-change copy stores no blob of its own; DownloadReportFrom
// points at the canonical result carrying it.
type AnalysisResult struct {
	Base
	GUID   string    `gorm:"uniqueIndex;not null"` // res_…
	TeamID uuid.UUID `gorm:"type:text;not null;index"`
	JobID  uuid.UUID `gorm:"type:text;not null;index"`
	Tool   string    `gorm:"not null"`

	TargetEntityType string    `gorm:"not null"`
	TargetEntityID   uuid.UUID `gorm:"type:text;not null;index"`
	TargetEntityGUID string    `gorm:"not null;index"`
	TargetEntityName string    `gorm:"not null;default:''"`

	ResultsJSON  string `gorm:"type:text;default:''"`
	ReportHTML   string `gorm:"type:text;default:''"`
	FilesScanned int    `gorm:"not null;default:0"`
	IssuesFound  int    `gorm:"not null;default:0"`

	InputStateHash     string     `gorm:"index;default:''"`
	NoChangeCopy       bool       `gorm:"not null;default:false"`
	DownloadReportFrom *uuid.UUID `gorm:"type:text;index"`
}

// -----------------------------------------------------------------------------
// Upload sessions
// -----------------------------------------------------------------------------

// UploadSession tracks one chunked upload. Chunk bytes live on disk under
// the chunk store, keyed by (upload_id, chunk_index); this row only tracks
// which chunks arrived. ReceivedBits is a hex-encoded bitset so the column
// stays portable between sqlite and postgres.
type UploadSession struct {
	Base
	UploadID   string    `gorm:"uniqueIndex;not null"` // opaque
	JobID      uuid.UUID `gorm:"type:text;not null;index"`
	AgentID    uuid.UUID `gorm:"type:text;not null;index"`
	UploadType string    `gorm:"not null"` // "results_json", "report_html"

	ExpectedSize  int64  `gorm:"not null"`
	ChunkSize     int64  `gorm:"not null"`
	TotalChunks   int    `gorm:"not null"`
	ReceivedBits  string `gorm:"type:text;not null;default:''"`
	ReceivedCount int    `gorm:"not null;default:0"`

	Finalized bool      `gorm:"not null;default:false"`
	ExpiresAt time.Time `gorm:"not null;index"`
}

// -----------------------------------------------------------------------------
// Retention & schedules
// -----------------------------------------------------------------------------

// RetentionPolicy is the per-team sweep configuration. Zero for a days
// field means unlimited retention for that class.
type RetentionPolicy struct {
	Base
	TeamID                uuid.UUID `gorm:"type:text;not null;uniqueIndex"`
	JobCompletedDays      int       `gorm:"not null;default:2"`
	JobFailedDays         int       `gorm:"not null;default:7"`
	ResultCompletedDays   int       `gorm:"not null;default:0"`
	PreservePerCollection int       `gorm:"not null;default:1"`
}

// Schedule enqueues a recurring analysis of one collection. CronExpr uses
// standard five-field cron syntax, validated at write time.
type Schedule struct {
	Base
	GUID         string    `gorm:"uniqueIndex;not null"` // rel_…
	TeamID       uuid.UUID `gorm:"type:text;not null;index"`
	CollectionID uuid.UUID `gorm:"type:text;not null;index"`
	Tool         string    `gorm:"not null"`
	CronExpr     string    `gorm:"not null"`
	// No column default: gorm would skip a false value on insert and the
	// default would silently re-enable the schedule.
	Enabled      bool      `gorm:"not null"`
	LastFiredAt  *time.Time
	NextFireAt   *time.Time `gorm:"index"`
}
