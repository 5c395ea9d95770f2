// Package types defines shared domain types used by both server and agent.
package types

// ─── Agent ───────────────────────────────────────────────────────────────────

// AgentStatus represents the current liveness state of an agent.
type AgentStatus string

const (
	AgentStatusOnline  AgentStatus = "online"
	AgentStatusOffline AgentStatus = "offline"
	AgentStatusError   AgentStatus = "error"
	AgentStatusRevoked AgentStatus = "revoked"
)

// AgentMetrics is the host resource snapshot included in every heartbeat.
type AgentMetrics struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemPercent float64 `json:"mem_percent"`
	DiskFreeGB float64 `json:"disk_free_gb"`
}

// ─── Job ─────────────────────────────────────────────────────────────────────

// JobStatus represents the current execution state of a job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusClaimed   JobStatus = "claimed"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is a final state.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Tool identifies an analysis tool. Tools are invoked on the agent through a
// stable interface; the server only uses the name for capability matching.
type Tool string

const (
	ToolPhotoStats         Tool = "photostats"
	ToolPhotoPairing       Tool = "photo_pairing"
	ToolPipelineValidation Tool = "pipeline_validation"
)

// KnownTools lists every tool the server will accept on job creation.
var KnownTools = []Tool{ToolPhotoStats, ToolPhotoPairing, ToolPipelineValidation}

// ValidTool reports whether t names a known analysis tool.
func ValidTool(t Tool) bool {
	for _, k := range KnownTools {
		if t == k {
			return true
		}
	}
	return false
}

// ─── Targets ─────────────────────────────────────────────────────────────────

// TargetEntityType identifies the kind of entity a job or result is about.
type TargetEntityType string

const (
	TargetCollection TargetEntityType = "collection"
	TargetConnector  TargetEntityType = "connector"
	TargetPipeline   TargetEntityType = "pipeline"
)

// Target is the polymorphic address of the entity a job produces results for.
// Name is denormalized for fast listing; lookups go through GUID. Database
// row IDs never cross this boundary.
type Target struct {
	EntityType TargetEntityType `json:"entity_type"`
	EntityGUID string           `json:"entity_guid"`
	EntityName string           `json:"entity_name"`
}

// ─── Collections & Connectors ────────────────────────────────────────────────

// CollectionType identifies the storage backend a collection lives on.
type CollectionType string

const (
	CollectionLocal CollectionType = "local"
	CollectionS3    CollectionType = "s3"
	CollectionGCS   CollectionType = "gcs"
	CollectionSMB   CollectionType = "smb"
)

// CollectionState distinguishes live collections from archived ones.
type CollectionState string

const (
	CollectionLive     CollectionState = "live"
	CollectionArchived CollectionState = "archived"
)

// ConnectorType identifies the remote storage system a connector binds to.
type ConnectorType string

const (
	ConnectorS3  ConnectorType = "s3"
	ConnectorGCS ConnectorType = "gcs"
	ConnectorSMB ConnectorType = "smb"
)

// CredentialLocation records where a connector's credentials are held.
// Agent-held credentials never leave the agent; the server only learns
// "some agent has them" through capability reports.
type CredentialLocation string

const (
	CredentialServer  CredentialLocation = "server"
	CredentialAgent   CredentialLocation = "agent"
	CredentialPending CredentialLocation = "pending"
)

// CredentialField describes one field of a connector's credential schema.
type CredentialField struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Required    bool   `json:"required"`
	Description string `json:"description,omitempty"`
}

// ─── Agent↔Server wire bodies ────────────────────────────────────────────────

// RegisterRequest is the body of POST /agents/register. Token is a
// short-lived registration token issued by an operator.
type RegisterRequest struct {
	Name         string   `json:"name"`
	Token        string   `json:"token"`
	Platform     string   `json:"platform"`
	Checksum     string   `json:"checksum"`
	Capabilities []string `json:"capabilities"`
}

// RegisterResponse returns the agent's permanent identity and API key.
type RegisterResponse struct {
	GUID     string `json:"guid"`
	APIKey   string `json:"api_key"`
	Name     string `json:"name"`
	TeamGUID string `json:"team_guid"`
}

// HeartbeatRequest is the body of POST /agents/heartbeat.
type HeartbeatRequest struct {
	Capabilities    []string     `json:"capabilities"`
	AuthorizedRoots []string     `json:"authorized_roots"`
	Metrics         AgentMetrics `json:"metrics"`
}

// HeartbeatResponse carries pending commands back to the agent. Commands are
// opaque strings; unknown commands are logged and ignored by the agent.
// Defined commands: "cancel_job:<job_guid>".
type HeartbeatResponse struct {
	PendingCommands []string `json:"pending_commands"`
}

// ClaimRequest is the body of POST /jobs/claim.
type ClaimRequest struct {
	Capabilities []string `json:"capabilities"`
}

// ClaimedJob is the job description handed to an agent at claim time.
type ClaimedJob struct {
	GUID        string `json:"guid"`
	Tool        Tool   `json:"tool"`
	Target      Target `json:"target"`
	ContextJSON string `json:"context_json,omitempty"`
	Priority    int    `json:"priority"`
}

// ClaimResponse is the 200 body of POST /jobs/claim. SigningSecret is 32
// random bytes, hex-encoded, valid for this claim only.
type ClaimResponse struct {
	Job           ClaimedJob `json:"job"`
	SigningSecret string     `json:"signing_secret"`
}

// ProgressReport is the body of POST /jobs/{guid}/progress.
// Optional fields are omitted when the tool did not supply them.
type ProgressReport struct {
	Stage        string   `json:"stage"`
	Percentage   *float64 `json:"percentage,omitempty"`
	FilesScanned *int     `json:"files_scanned,omitempty"`
	TotalFiles   *int     `json:"total_files,omitempty"`
	CurrentFile  *string  `json:"current_file,omitempty"`
	Message      *string  `json:"message,omitempty"`
}

// CompleteRequest is the body of POST /jobs/{guid}/complete.
// Results is inlined for small payloads; for large ones UploadID references a
// finalized chunked upload and Results is omitted.
type CompleteRequest struct {
	Results        map[string]any `json:"results,omitempty"`
	ReportHTML     string         `json:"report_html,omitempty"`
	FilesScanned   int            `json:"files_scanned"`
	IssuesFound    int            `json:"issues_found"`
	InputStateHash string         `json:"input_state_hash,omitempty"`
	Signature      string         `json:"signature"`
	UploadID       string         `json:"upload_id,omitempty"`
}

// CompleteResponse returns the GUID of the persisted result.
type CompleteResponse struct {
	ResultGUID string `json:"result_guid"`
}

// FailRequest is the body of POST /jobs/{guid}/fail. A cooperative
// cancellation reports ErrorMessage == "cancelled" and the server records the
// job as cancelled rather than failed.
type FailRequest struct {
	ErrorMessage string `json:"error_message"`
	Signature    string `json:"signature"`
}

// InitiateUploadRequest is the body of POST /jobs/{guid}/uploads/initiate.
type InitiateUploadRequest struct {
	UploadType   UploadType `json:"upload_type"`
	ExpectedSize int64      `json:"expected_size"`
	ChunkSize    int64      `json:"chunk_size"`
}

// InitiateUploadResponse echoes the (possibly rounded) chunk size the client
// MUST use for every chunk PUT.
type InitiateUploadResponse struct {
	UploadID    string `json:"upload_id"`
	ChunkSize   int64  `json:"chunk_size"`
	TotalChunks int    `json:"total_chunks"`
}

// UploadType distinguishes the two large artifacts a job can produce.
type UploadType string

const (
	UploadResultsJSON UploadType = "results_json"
	UploadReportHTML  UploadType = "report_html"
)

// ChunkResponse is the 200 body of PUT /uploads/{id}/{i}. Received is
// false when the chunk had already been stored — the client treats both as
// success.
type ChunkResponse struct {
	Received bool `json:"received"`
}

// FinalizeUploadRequest carries the hex SHA-256 of the full content.
type FinalizeUploadRequest struct {
	Checksum string `json:"checksum"`
}

// FinalizeUploadResponse acknowledges a verified upload.
type FinalizeUploadResponse struct {
	Success bool `json:"success"`
}

// ReportCapabilityRequest is the body of POST /connectors/{guid}/report-capability.
type ReportCapabilityRequest struct {
	HasCredentials bool `json:"has_credentials"`
}

// ReportCapabilityResponse acknowledges the report and tells the agent
// whether the server flipped the connector's credential location.
type ReportCapabilityResponse struct {
	Acknowledged              bool `json:"acknowledged"`
	CredentialLocationUpdated bool `json:"credential_location_updated"`
}

// ─── Team configuration ──────────────────────────────────────────────────────

// CameraMapping names a physical camera body for report display.
type CameraMapping struct {
	Name   string `json:"name"`
	Serial string `json:"serial"`
}

// TeamConfig is the per-tenant configuration handed to tools at execution
// time. Tools are pure functions of (collection, TeamConfig).
type TeamConfig struct {
	PhotoExtensions    []string                 `json:"photo_extensions"`
	MetadataExtensions []string                 `json:"metadata_extensions"`
	RequireSidecar     []string                 `json:"require_sidecar"`
	CameraMappings     map[string]CameraMapping `json:"camera_mappings"`
	ProcessingMethods  map[string]string        `json:"processing_methods"`
	DefaultPipeline    string                   `json:"default_pipeline,omitempty"`
}

// ─── Commands ────────────────────────────────────────────────────────────────

// CommandCancelJobPrefix is the prefix of the cancel command delivered via
// heartbeat: "cancel_job:<job_guid>".
const CommandCancelJobPrefix = "cancel_job:"

// ─── Pagination ──────────────────────────────────────────────────────────────

// Page holds pagination parameters for list queries.
type Page struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// PagedResult wraps a list result with total count for pagination.
type PagedResult[T any] struct {
	Items []T   `json:"items"`
	Total int64 `json:"total"`
	Page  Page  `json:"page"`
}
