package executor

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense/agent/internal/storage"
	"github.com/fabrice-guiot/shuttersense/agent/internal/tools"
	"github.com/fabrice-guiot/shuttersense/agent/internal/vault"
	"github.com/fabrice-guiot/shuttersense/shared/signing"
	"github.com/fabrice-guiot/shuttersense/shared/types"
)

const testJobGUID = "job_0123456789abcdefghjkmnpqrstv"

// fakeAPI records the terminal report a job execution produces.
type fakeAPI struct {
	mu        sync.Mutex
	config    types.TeamConfig
	completed *types.CompleteRequest
	failed    *types.FailRequest
	progress  []types.ProgressReport
}

func (f *fakeAPI) TeamConfig(context.Context) (*types.TeamConfig, error) {
	cfg := f.config
	return &cfg, nil
}

func (f *fakeAPI) ReportProgress(_ context.Context, _ string, report types.ProgressReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress = append(f.progress, report)
	return nil
}

func (f *fakeAPI) CompleteJob(_ context.Context, _ string, req types.CompleteRequest) (*types.CompleteResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = &req
	return &types.CompleteResponse{ResultGUID: "res_0123456789abcdefghjkmnpqrstv"}, nil
}

func (f *fakeAPI) FailJob(_ context.Context, _ string, req types.FailRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = &req
	return nil
}

func (f *fakeAPI) InitiateUpload(_ context.Context, _ string, req types.InitiateUploadRequest) (*types.InitiateUploadResponse, error) {
	return &types.InitiateUploadResponse{UploadID: "up-1", ChunkSize: req.ChunkSize}, nil
}

func (f *fakeAPI) PutChunk(context.Context, string, int, []byte) (bool, error) { return true, nil }
func (f *fakeAPI) FinalizeUpload(context.Context, string, string) error       { return nil }
func (f *fakeAPI) CancelUpload(context.Context, string) error                 { return nil }

// blockingTool parks until its context is cancelled.
type blockingTool struct{ started chan struct{} }

func (t *blockingTool) Name() types.Tool { return types.Tool("blocking") }
func (t *blockingTool) Version() string  { return "1.0" }

func (t *blockingTool) Run(ctx context.Context, _ []storage.FileInfo, _ types.TeamConfig, _ tools.ProgressFunc) (*tools.Result, error) {
	close(t.started)
	<-ctx.Done()
	return nil, ctx.Err()
}

func newTestExecutor(t *testing.T, api *fakeAPI, root string) *Executor {
	t.Helper()
	return New(api, vault.New(filepath.Join(t.TempDir(), "vault")), tools.NewRegistry(), []string{root}, zap.NewNop())
}

func localClaim(location string, tool types.Tool) *types.ClaimResponse {
	secret, _ := signing.NewSecret()
	return &types.ClaimResponse{
		Job: types.ClaimedJob{
			GUID:        testJobGUID,
			Tool:        tool,
			Target:      types.Target{EntityType: types.TargetCollection, EntityGUID: "col_0123456789abcdefghjkmnpqrstv"},
			ContextJSON: `{"collection_type":"local","location":"` + filepath.ToSlash(location) + `"}`,
		},
		SigningSecret: secret,
	}
}

func TestExecuteCompletesLocalJob(t *testing.T) {
	root := t.TempDir()
	collection := filepath.Join(root, "shoot")
	require.NoError(t, os.MkdirAll(collection, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(collection, "IMG_0001.cr3"), []byte("raw"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(collection, "IMG_0001.xmp"), []byte("x"), 0o644))

	api := &fakeAPI{config: types.TeamConfig{
		PhotoExtensions:    []string{".cr3"},
		MetadataExtensions: []string{".xmp"},
		RequireSidecar:     []string{".cr3"},
	}}
	e := newTestExecutor(t, api, root)

	claim := localClaim(collection, types.ToolPhotoStats)
	require.NoError(t, e.Execute(context.Background(), claim))

	require.NotNil(t, api.completed)
	assert.Nil(t, api.failed)
	assert.Equal(t, 2, api.completed.FilesScanned)
	assert.Zero(t, api.completed.IssuesFound)
	assert.NotEmpty(t, api.completed.InputStateHash)
	assert.True(t, signing.VerifyCompletion(claim.SigningSecret, *api.completed))
	assert.Empty(t, e.CurrentJob())
}

func TestExecuteReportsFailureForUnknownTool(t *testing.T) {
	root := t.TempDir()
	api := &fakeAPI{}
	e := newTestExecutor(t, api, root)

	claim := localClaim(root, types.Tool("no_such_tool"))
	require.Error(t, e.Execute(context.Background(), claim))

	require.NotNil(t, api.failed)
	assert.Nil(t, api.completed)
	assert.True(t, signing.VerifyFailure(claim.SigningSecret, *api.failed))
}

func TestExecuteReportsFailureForMissingLocation(t *testing.T) {
	root := t.TempDir()
	api := &fakeAPI{}
	e := newTestExecutor(t, api, root)

	claim := localClaim(filepath.Join(root, "absent"), types.ToolPhotoStats)
	require.Error(t, e.Execute(context.Background(), claim))

	require.NotNil(t, api.failed)
	assert.Contains(t, api.failed.ErrorMessage, "not_found")
}

func TestCancelTransitionsToCancelled(t *testing.T) {
	root := t.TempDir()
	api := &fakeAPI{}

	tool := &blockingTool{started: make(chan struct{})}
	registry := tools.NewRegistry()
	registry.Register(tool)
	e := New(api, vault.New(filepath.Join(t.TempDir(), "vault")), registry, []string{root}, zap.NewNop())

	claim := localClaim(root, tool.Name())
	done := make(chan error, 1)
	go func() { done <- e.Execute(context.Background(), claim) }()

	<-tool.started
	assert.Equal(t, testJobGUID, e.CurrentJob())
	require.True(t, e.Cancel(testJobGUID))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("execution did not finish after cancel")
	}

	require.NotNil(t, api.failed)
	assert.Equal(t, "cancelled", api.failed.ErrorMessage)
	assert.True(t, signing.VerifyFailure(claim.SigningSecret, *api.failed))
}

func TestCancelForOtherJobIsDropped(t *testing.T) {
	e := newTestExecutor(t, &fakeAPI{}, t.TempDir())
	assert.False(t, e.Cancel(testJobGUID))
}
