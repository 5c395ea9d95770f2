package api

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/fabrice-guiot/shuttersense/server/internal/auth"
	"github.com/fabrice-guiot/shuttersense/server/internal/db"
	"github.com/fabrice-guiot/shuttersense/server/internal/dispatcher"
	"github.com/fabrice-guiot/shuttersense/server/internal/repositories"
	"github.com/fabrice-guiot/shuttersense/server/internal/uploads"
	"github.com/fabrice-guiot/shuttersense/shared/signing"
	"github.com/fabrice-guiot/shuttersense/shared/types"
)

// newTestServer wires the full stack against a throwaway sqlite database and
// returns the running httptest server.
func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	require.NoError(t, db.InitEncryption([]byte("0123456789abcdef0123456789abcdef")))

	database, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      filepath.Join(t.TempDir(), "test.db"),
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)

	repos := repositories.New(database)
	store, err := uploads.NewDiskStore(filepath.Join(t.TempDir(), "chunks"))
	require.NoError(t, err)
	uploadSvc := uploads.NewService(repos.Uploads, store, zap.NewNop())
	disp := dispatcher.New(repos, uploadSvc, nil, zap.NewNop())
	tokens, err := auth.NewTokenManagerGenerated("shuttersense-test")
	require.NoError(t, err)

	router := NewRouter(RouterConfig{
		Repos:      repos,
		Dispatcher: disp,
		Uploads:    uploadSvc,
		Tokens:     tokens,
		Logger:     zap.NewNop(),
	})

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server
}

// call sends a JSON request and decodes the envelope. The returned map is
// the "data" object, or nil for bodyless responses.
func call(t *testing.T, server *httptest.Server, method, path, bearer string, body any) (int, map[string]any) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequest(method, server.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) == 0 {
		return resp.StatusCode, nil
	}

	var envelope struct {
		Data  map[string]any `json:"data"`
		Error map[string]any `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		// Non-envelope bodies (report downloads) come back raw.
		return resp.StatusCode, map[string]any{"raw": string(raw)}
	}
	if envelope.Error != nil {
		return resp.StatusCode, envelope.Error
	}
	return resp.StatusCode, envelope.Data
}

// bootstrapAgent provisions a team, mints a registration token, and
// registers one agent. Returns the team GUID, agent GUID and raw API key.
func bootstrapAgent(t *testing.T, server *httptest.Server, agentName string) (teamGUID, agentGUID, apiKey string) {
	t.Helper()

	status, team := call(t, server, http.MethodPost, "/api/v1/teams", "", map[string]string{"name": "studio"})
	require.Equal(t, http.StatusCreated, status)
	teamGUID = team["guid"].(string)

	status, tok := call(t, server, http.MethodPost, "/api/v1/teams/"+teamGUID+"/registration-token", "", nil)
	require.Equal(t, http.StatusCreated, status)

	status, reg := call(t, server, http.MethodPost, "/api/v1/agents/register", "", types.RegisterRequest{
		Name:     agentName,
		Token:    tok["token"].(string),
		Platform: "linux/amd64",
		Checksum: "deadbeef",
	})
	require.Equal(t, http.StatusCreated, status)

	agentGUID = reg["guid"].(string)
	apiKey = reg["api_key"].(string)
	require.True(t, strings.HasPrefix(agentGUID, "agt_"))
	require.True(t, strings.HasPrefix(apiKey, "ssk_"))
	assert.Equal(t, teamGUID, reg["team_guid"])
	return teamGUID, agentGUID, apiKey
}

// createLocalCollection registers a local collection bound to the agent.
func createLocalCollection(t *testing.T, server *httptest.Server, teamGUID, agentGUID string) string {
	t.Helper()
	status, col := call(t, server, http.MethodPost, "/api/v1/collections", "", map[string]any{
		"team_guid":        teamGUID,
		"name":             "archive-2026",
		"type":             "local",
		"location":         "/photos/archive-2026",
		"bound_agent_guid": agentGUID,
	})
	require.Equal(t, http.StatusCreated, status)
	return col["guid"].(string)
}

func enqueueJob(t *testing.T, server *httptest.Server, collectionGUID string) string {
	t.Helper()
	status, job := call(t, server, http.MethodPost, "/api/v1/jobs", "", map[string]any{
		"collection_guid": collectionGUID,
		"tool":            "photostats",
	})
	require.Equal(t, http.StatusCreated, status)
	return job["guid"].(string)
}

func TestRegisterRejectsBadToken(t *testing.T) {
	server := newTestServer(t)

	status, body := call(t, server, http.MethodPost, "/api/v1/agents/register", "", types.RegisterRequest{
		Name:  "rogue",
		Token: "not-a-token",
	})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "token_invalid", body["code"])
}

func TestRegisterRejectsDuplicateName(t *testing.T) {
	server := newTestServer(t)
	teamGUID, _, _ := bootstrapAgent(t, server, "basement-nas")

	status, tok := call(t, server, http.MethodPost, "/api/v1/teams/"+teamGUID+"/registration-token", "", nil)
	require.Equal(t, http.StatusCreated, status)

	status, _ = call(t, server, http.MethodPost, "/api/v1/agents/register", "", types.RegisterRequest{
		Name:  "basement-nas",
		Token: tok["token"].(string),
	})
	assert.Equal(t, http.StatusConflict, status)
}

func TestAgentAuth(t *testing.T) {
	server := newTestServer(t)
	_, agentGUID, apiKey := bootstrapAgent(t, server, "studio-box")

	heartbeat := types.HeartbeatRequest{Capabilities: []string{"tool:photostats:1.0"}}

	status, body := call(t, server, http.MethodPost, "/api/v1/agents/heartbeat", "", heartbeat)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "bad_credential", body["code"])

	status, body = call(t, server, http.MethodPost, "/api/v1/agents/heartbeat", "ssk_bogus", heartbeat)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "bad_credential", body["code"])

	status, _ = call(t, server, http.MethodPost, "/api/v1/agents/heartbeat", apiKey, heartbeat)
	assert.Equal(t, http.StatusOK, status)

	// Revocation keeps the key resolvable but answers with the dedicated code.
	status, _ = call(t, server, http.MethodDelete, "/api/v1/agents/"+agentGUID, "", nil)
	require.Equal(t, http.StatusNoContent, status)

	status, body = call(t, server, http.MethodPost, "/api/v1/agents/heartbeat", apiKey, heartbeat)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "agent_revoked", body["code"])
}

func TestClaimAndCompleteOverHTTP(t *testing.T) {
	server := newTestServer(t)
	teamGUID, agentGUID, apiKey := bootstrapAgent(t, server, "studio-box")
	collectionGUID := createLocalCollection(t, server, teamGUID, agentGUID)
	jobGUID := enqueueJob(t, server, collectionGUID)

	claimBody := types.ClaimRequest{Capabilities: []string{"tool:photostats:1.0"}}
	status, claim := call(t, server, http.MethodPost, "/api/v1/jobs/claim", apiKey, claimBody)
	require.Equal(t, http.StatusOK, status)

	secret := claim["signing_secret"].(string)
	require.Len(t, secret, 64)
	claimedJob := claim["job"].(map[string]any)
	assert.Equal(t, jobGUID, claimedJob["guid"])

	// Empty queue answers 204.
	status, _ = call(t, server, http.MethodPost, "/api/v1/jobs/claim", apiKey, claimBody)
	assert.Equal(t, http.StatusNoContent, status)

	complete := types.CompleteRequest{
		Results:        map[string]any{"total_files": float64(42)},
		ReportHTML:     "<html>report</html>",
		FilesScanned:   42,
		IssuesFound:    1,
		InputStateHash: "abc123",
	}
	sig, err := signing.SignCompletion(secret, complete)
	require.NoError(t, err)
	complete.Signature = sig

	status, done := call(t, server, http.MethodPost, "/api/v1/jobs/"+jobGUID+"/complete", apiKey, complete)
	require.Equal(t, http.StatusOK, status)
	resultGUID := done["result_guid"].(string)
	require.True(t, strings.HasPrefix(resultGUID, "res_"))

	status, job := call(t, server, http.MethodGet, "/api/v1/jobs/"+jobGUID, "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "completed", job["status"])

	status, result := call(t, server, http.MethodGet, "/api/v1/results/"+resultGUID, "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, result["no_change_copy"])
	assert.Equal(t, float64(42), result["files_scanned"])

	// The report is served as a raw HTML attachment.
	resp, err := server.Client().Get(server.URL + "/api/v1/results/" + resultGUID + "/download")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "<html>report</html>", string(raw))
}

func TestCompleteRejectsBadSignatureOverHTTP(t *testing.T) {
	server := newTestServer(t)
	teamGUID, agentGUID, apiKey := bootstrapAgent(t, server, "studio-box")
	collectionGUID := createLocalCollection(t, server, teamGUID, agentGUID)
	jobGUID := enqueueJob(t, server, collectionGUID)

	status, _ := call(t, server, http.MethodPost, "/api/v1/jobs/claim", apiKey,
		types.ClaimRequest{Capabilities: []string{"tool:photostats:1.0"}})
	require.Equal(t, http.StatusOK, status)

	status, body := call(t, server, http.MethodPost, "/api/v1/jobs/"+jobGUID+"/complete", apiKey, types.CompleteRequest{
		Results:   map[string]any{"total_files": 1},
		Signature: strings.Repeat("0", 64),
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body["message"], "signature")
}

func TestGUIDValidation(t *testing.T) {
	server := newTestServer(t)
	teamGUID, agentGUID, _ := bootstrapAgent(t, server, "studio-box")
	collectionGUID := createLocalCollection(t, server, teamGUID, agentGUID)

	// Numeric legacy identifier.
	status, body := call(t, server, http.MethodGet, "/api/v1/collections/123", "", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body["message"], "Numeric IDs are no longer supported")

	// Well-formed GUID of the wrong entity.
	wrongPrefix := "con_" + collectionGUID[4:]
	status, body = call(t, server, http.MethodGet, "/api/v1/collections/"+wrongPrefix, "", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body["message"], "prefix mismatch")

	// Uppercase input is accepted and canonicalized.
	status, body = call(t, server, http.MethodGet, "/api/v1/collections/"+strings.ToUpper(collectionGUID), "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, collectionGUID, body["guid"])
}

func TestUploadProtocolOverHTTP(t *testing.T) {
	server := newTestServer(t)
	teamGUID, agentGUID, apiKey := bootstrapAgent(t, server, "studio-box")
	collectionGUID := createLocalCollection(t, server, teamGUID, agentGUID)
	jobGUID := enqueueJob(t, server, collectionGUID)

	status, _ := call(t, server, http.MethodPost, "/api/v1/jobs/claim", apiKey,
		types.ClaimRequest{Capabilities: []string{"tool:photostats:1.0"}})
	require.Equal(t, http.StatusOK, status)

	content := []byte(strings.Repeat("<tr><td>photo</td></tr>", 1000))
	status, initiated := call(t, server, http.MethodPost, "/api/v1/jobs/"+jobGUID+"/uploads/initiate", apiKey,
		types.InitiateUploadRequest{
			UploadType:   types.UploadReportHTML,
			ExpectedSize: int64(len(content)),
		})
	require.Equal(t, http.StatusCreated, status)
	uploadID := initiated["upload_id"].(string)
	require.Equal(t, float64(1), initiated["total_chunks"])

	putChunk := func() (int, map[string]any) {
		req, err := http.NewRequest(http.MethodPut,
			fmt.Sprintf("%s/api/v1/uploads/%s/0", server.URL, uploadID), bytes.NewReader(content))
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+apiKey)
		req.Header.Set("Content-Type", "application/octet-stream")
		resp, err := server.Client().Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		var envelope struct {
			Data map[string]any `json:"data"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
		return resp.StatusCode, envelope.Data
	}

	status, chunk := putChunk()
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, chunk["received"])

	// Duplicate delivery still succeeds but reports received=false.
	status, chunk = putChunk()
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, chunk["received"])

	sum := sha256.Sum256(content)
	status, finalized := call(t, server, http.MethodPost, "/api/v1/uploads/"+uploadID+"/finalize", apiKey,
		types.FinalizeUploadRequest{Checksum: hex.EncodeToString(sum[:])})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, finalized["success"])

	// Finalizing twice conflicts.
	status, _ = call(t, server, http.MethodPost, "/api/v1/uploads/"+uploadID+"/finalize", apiKey,
		types.FinalizeUploadRequest{Checksum: hex.EncodeToString(sum[:])})
	assert.Equal(t, http.StatusConflict, status)
}

func TestReportCapabilityFlipsPendingConnector(t *testing.T) {
	server := newTestServer(t)
	teamGUID, _, apiKey := bootstrapAgent(t, server, "studio-box")

	status, connector := call(t, server, http.MethodPost, "/api/v1/connectors", "", map[string]any{
		"team_guid": teamGUID,
		"name":      "wedding-bucket",
		"type":      "s3",
	})
	require.Equal(t, http.StatusCreated, status)
	connectorGUID := connector["guid"].(string)
	require.Equal(t, "pending", connector["credential_location"])

	status, report := call(t, server, http.MethodPost, "/api/v1/connectors/"+connectorGUID+"/report-capability", apiKey,
		types.ReportCapabilityRequest{HasCredentials: true})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, report["acknowledged"])
	assert.Equal(t, true, report["credential_location_updated"])

	// Second report is a no-op acknowledgement.
	status, report = call(t, server, http.MethodPost, "/api/v1/connectors/"+connectorGUID+"/report-capability", apiKey,
		types.ReportCapabilityRequest{HasCredentials: true})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, report["credential_location_updated"])

	status, connector = call(t, server, http.MethodGet, "/api/v1/connectors/"+connectorGUID, "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "agent", connector["credential_location"])
}

func TestDeleteConnectorInUseReportsCount(t *testing.T) {
	server := newTestServer(t)
	teamGUID, _, _ := bootstrapAgent(t, server, "studio-box")

	status, connector := call(t, server, http.MethodPost, "/api/v1/connectors", "", map[string]any{
		"team_guid": teamGUID,
		"name":      "wedding-bucket",
		"type":      "s3",
	})
	require.Equal(t, http.StatusCreated, status)
	connectorGUID := connector["guid"].(string)

	status, _ = call(t, server, http.MethodPost, "/api/v1/collections", "", map[string]any{
		"team_guid":      teamGUID,
		"name":           "cloud-archive",
		"type":           "s3",
		"location":       "s3://bucket/photos",
		"connector_guid": connectorGUID,
	})
	require.Equal(t, http.StatusCreated, status)

	status, body := call(t, server, http.MethodDelete, "/api/v1/connectors/"+connectorGUID, "", nil)
	assert.Equal(t, http.StatusConflict, status)
	// The refusal names how many live collections block the delete.
	assert.Contains(t, body["message"], "1 collections")
}

func TestRetentionPolicyRoundTrip(t *testing.T) {
	server := newTestServer(t)
	teamGUID, _, _ := bootstrapAgent(t, server, "studio-box")

	status, policy := call(t, server, http.MethodGet, "/api/v1/teams/"+teamGUID+"/retention", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(2), policy["job_completed_days"])
	assert.Equal(t, float64(7), policy["job_failed_days"])

	status, policy = call(t, server, http.MethodPut, "/api/v1/teams/"+teamGUID+"/retention", "", map[string]int{
		"job_completed_days":      5,
		"job_failed_days":         14,
		"result_completed_days":   90,
		"preserve_per_collection": 2,
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(90), policy["result_completed_days"])
}

func TestCancelQueuedJob(t *testing.T) {
	server := newTestServer(t)
	teamGUID, agentGUID, _ := bootstrapAgent(t, server, "studio-box")
	collectionGUID := createLocalCollection(t, server, teamGUID, agentGUID)
	jobGUID := enqueueJob(t, server, collectionGUID)

	status, _ := call(t, server, http.MethodPost, "/api/v1/jobs/"+jobGUID+"/cancel", "", nil)
	require.Equal(t, http.StatusOK, status)

	status, job := call(t, server, http.MethodGet, "/api/v1/jobs/"+jobGUID, "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "cancelled", job["status"])

	// A second cancel finds no active job.
	status, _ = call(t, server, http.MethodPost, "/api/v1/jobs/"+jobGUID+"/cancel", "", nil)
	assert.Equal(t, http.StatusConflict, status)
}

func TestScheduleValidation(t *testing.T) {
	server := newTestServer(t)
	teamGUID, agentGUID, _ := bootstrapAgent(t, server, "studio-box")
	collectionGUID := createLocalCollection(t, server, teamGUID, agentGUID)

	status, body := call(t, server, http.MethodPost, "/api/v1/schedules", "", map[string]any{
		"collection_guid": collectionGUID,
		"tool":            "photostats",
		"cron_expr":       "not a cron",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Contains(t, body["message"], "cron")

	status, schedule := call(t, server, http.MethodPost, "/api/v1/schedules", "", map[string]any{
		"collection_guid": collectionGUID,
		"tool":            "photostats",
		"cron_expr":       "0 3 * * *",
	})
	require.Equal(t, http.StatusCreated, status)
	assert.True(t, strings.HasPrefix(schedule["guid"].(string), "rel_"))
	assert.NotEmpty(t, schedule["next_fire_at"])
}
