// Package client implements the typed HTTP client for the agent↔server API.
// All authenticated calls carry "Authorization: Bearer <api_key>"; the one
// exception is Register, which presents a short-lived registration token in
// its body instead.
//
// Errors are normalized to the sentinel values in errors.go so the polling
// loop can branch on failure class (connection vs auth vs revoked) without
// inspecting HTTP status codes.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense/shared/types"
)

// Per-operation timeouts. Claim is the longest because the server may hold
// the request while scanning candidates; chunk PUTs move real data.
const (
	timeoutClaim     = 30 * time.Second
	timeoutHeartbeat = 15 * time.Second
	timeoutDefault   = 30 * time.Second
	timeoutChunk     = 60 * time.Second
	timeoutFinalize  = 60 * time.Second
)

// Client talks to the control server. It is safe for concurrent use: the
// progress reporter and the executor share one instance.
type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
	logger  *zap.Logger
}

// New creates a Client. apiKey may be empty for a not-yet-registered agent;
// Register is the only call that works in that state.
func New(baseURL, apiKey string, logger *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpc:   &http.Client{},
		logger:  logger.Named("client"),
	}
}

// SetAPIKey installs the key returned by registration so subsequent calls
// authenticate as the registered agent.
func (c *Client) SetAPIKey(key string) { c.apiKey = key }

// Register exchanges the one-time registration token for the agent's
// permanent identity and API key.
func (c *Client) Register(ctx context.Context, req types.RegisterRequest) (*types.RegisterResponse, error) {
	var resp types.RegisterResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/agents/register", req, &resp, timeoutDefault); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Heartbeat reports liveness and capabilities, returning any pending
// commands the server has queued for this agent.
func (c *Client) Heartbeat(ctx context.Context, req types.HeartbeatRequest) (*types.HeartbeatResponse, error) {
	var resp types.HeartbeatResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/agents/heartbeat", req, &resp, timeoutHeartbeat); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ClaimJob asks the server for work. Returns (nil, nil) when the server
// has nothing matching this agent (204).
func (c *Client) ClaimJob(ctx context.Context, req types.ClaimRequest) (*types.ClaimResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, timeoutClaim)
	defer cancel()

	httpResp, err := c.roundTrip(ctx, http.MethodPost, "/api/v1/jobs/claim", req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	var resp types.ClaimResponse
	if err := c.decode(httpResp, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ReportProgress posts a stage update for a running job. Callers treat
// errors as non-fatal.
func (c *Client) ReportProgress(ctx context.Context, jobGUID string, report types.ProgressReport) error {
	return c.do(ctx, http.MethodPost, "/api/v1/jobs/"+jobGUID+"/progress", report, nil, timeoutDefault)
}

// CompleteJob submits the signed completion payload for a job.
func (c *Client) CompleteJob(ctx context.Context, jobGUID string, req types.CompleteRequest) (*types.CompleteResponse, error) {
	var resp types.CompleteResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/jobs/"+jobGUID+"/complete", req, &resp, timeoutDefault); err != nil {
		return nil, err
	}
	return &resp, nil
}

// FailJob submits a signed failure (or cancellation) payload for a job.
func (c *Client) FailJob(ctx context.Context, jobGUID string, req types.FailRequest) error {
	return c.do(ctx, http.MethodPost, "/api/v1/jobs/"+jobGUID+"/fail", req, nil, timeoutDefault)
}

// InitiateUpload opens a chunked upload session for a job and returns the
// chunking parameters the client must honor.
func (c *Client) InitiateUpload(ctx context.Context, jobGUID string, req types.InitiateUploadRequest) (*types.InitiateUploadResponse, error) {
	var resp types.InitiateUploadResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/jobs/"+jobGUID+"/uploads/initiate", req, &resp, timeoutDefault); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PutChunk sends one chunk as a raw octet-stream body. A 409 (duplicate
// chunk) is reported as success with received=false; resends are harmless.
func (c *Client) PutChunk(ctx context.Context, uploadID string, index int, data []byte) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, timeoutChunk)
	defer cancel()

	url := fmt.Sprintf("%s/api/v1/uploads/%s/%d", c.baseURL, uploadID, index)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		return false, fmt.Errorf("client: build chunk request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/octet-stream")
	c.authorize(httpReq)

	httpResp, err := c.httpc.Do(httpReq)
	if err != nil {
		return false, connectionError(err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusConflict {
		return false, nil
	}
	var resp types.ChunkResponse
	if err := c.decode(httpResp, &resp); err != nil {
		return false, err
	}
	return resp.Received, nil
}

// FinalizeUpload closes an upload session with the full-content checksum.
func (c *Client) FinalizeUpload(ctx context.Context, uploadID, checksum string) error {
	req := types.FinalizeUploadRequest{Checksum: checksum}
	return c.do(ctx, http.MethodPost, "/api/v1/uploads/"+uploadID+"/finalize", req, nil, timeoutFinalize)
}

// CancelUpload abandons an upload session. Best-effort: callers swallow
// the error because an orphaned session expires on its own.
func (c *Client) CancelUpload(ctx context.Context, uploadID string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/uploads/"+uploadID, nil, nil, timeoutDefault)
}

// ReportConnectorCapability tells the server whether the vault holds
// credentials for a connector, after a store or delete.
func (c *Client) ReportConnectorCapability(ctx context.Context, connectorGUID string, has bool) (*types.ReportCapabilityResponse, error) {
	req := types.ReportCapabilityRequest{HasCredentials: has}
	var resp types.ReportCapabilityResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/connectors/"+connectorGUID+"/report-capability", req, &resp, timeoutDefault); err != nil {
		return nil, err
	}
	return &resp, nil
}

// TeamConfig fetches the tenant configuration tools execute against.
func (c *Client) TeamConfig(ctx context.Context) (*types.TeamConfig, error) {
	var resp types.TeamConfig
	if err := c.do(ctx, http.MethodGet, "/api/v1/teams/config", nil, &resp, timeoutDefault); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ─── internals ───────────────────────────────────────────────────────────────

// do executes a JSON request/response exchange with the given timeout and
// decodes the enveloped payload into out (when out is non-nil).
func (c *Client) do(ctx context.Context, method, path string, body, out any, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpResp, err := c.roundTrip(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()
	return c.decode(httpResp, out)
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("client: marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("client: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, connectionError(err)
	}
	return resp, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// decode maps non-2xx responses to sentinel errors and unwraps the {"data": …}
// envelope for successful ones.
func (c *Client) decode(resp *http.Response, out any) error {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errorFromResponse(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("client: decode response: %w", err)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("client: decode payload: %w", err)
	}
	return nil
}
