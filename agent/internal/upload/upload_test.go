package upload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense/agent/internal/client"
	"github.com/fabrice-guiot/shuttersense/shared/types"
)

// fakeServer implements Client against an in-memory chunk store.
type fakeServer struct {
	mu        sync.Mutex
	chunkSize int64
	chunks    map[int][]byte
	finalized string
	cancelled bool

	failChunk     int   // index that fails, -1 for none
	failTimes     int   // how many attempts fail before succeeding
	chunkAttempts map[int]int
	putErr        error // error returned for failing attempts
}

func newFakeServer(chunkSize int64) *fakeServer {
	return &fakeServer{
		chunkSize:     chunkSize,
		chunks:        map[int][]byte{},
		failChunk:     -1,
		chunkAttempts: map[int]int{},
		putErr:        client.ErrConnection,
	}
}

func (f *fakeServer) InitiateUpload(_ context.Context, _ string, req types.InitiateUploadRequest) (*types.InitiateUploadResponse, error) {
	total := int((req.ExpectedSize + f.chunkSize - 1) / f.chunkSize)
	return &types.InitiateUploadResponse{UploadID: "up-1", ChunkSize: f.chunkSize, TotalChunks: total}, nil
}

func (f *fakeServer) PutChunk(_ context.Context, _ string, index int, data []byte) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunkAttempts[index]++
	if index == f.failChunk && f.chunkAttempts[index] <= f.failTimes {
		return false, f.putErr
	}
	f.chunks[index] = append([]byte(nil), data...)
	return true, nil
}

func (f *fakeServer) FinalizeUpload(_ context.Context, _, checksum string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalized = checksum
	return nil
}

func (f *fakeServer) CancelUpload(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = true
	return nil
}

func (f *fakeServer) assembled() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []byte
	for i := 0; i < len(f.chunks); i++ {
		out = append(out, f.chunks[i]...)
	}
	return out
}

func newTestUploader(srv *fakeServer) *Uploader {
	u := New(srv, zap.NewNop())
	u.retryInterval = time.Millisecond
	return u
}

func payload(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func TestUploadSplitsAndFinalizes(t *testing.T) {
	srv := newFakeServer(16)
	u := newTestUploader(srv)
	data := payload(40) // 3 chunks: 16+16+8

	id, err := u.Upload(context.Background(), "job_0123456789abcdefghjkmnpqrstv", types.UploadResultsJSON, data)
	require.NoError(t, err)
	assert.Equal(t, "up-1", id)

	require.Len(t, srv.chunks, 3)
	assert.Equal(t, data, srv.assembled())

	sum := sha256.Sum256(data)
	assert.Equal(t, hex.EncodeToString(sum[:]), srv.finalized)
	assert.False(t, srv.cancelled)
}

func TestUploadRetriesTransientChunkFailure(t *testing.T) {
	srv := newFakeServer(16)
	srv.failChunk = 1
	srv.failTimes = 2
	u := newTestUploader(srv)

	_, err := u.Upload(context.Background(), "job_0123456789abcdefghjkmnpqrstv", types.UploadReportHTML, payload(40))
	require.NoError(t, err)
	assert.Equal(t, 3, srv.chunkAttempts[1])
}

func TestUploadAbandonsAfterRetryBudget(t *testing.T) {
	srv := newFakeServer(16)
	srv.failChunk = 0
	srv.failTimes = 10
	u := newTestUploader(srv)

	_, err := u.Upload(context.Background(), "job_0123456789abcdefghjkmnpqrstv", types.UploadResultsJSON, payload(40))
	require.Error(t, err)
	assert.Equal(t, chunkRetries, srv.chunkAttempts[0])
	assert.True(t, srv.cancelled)
	assert.Empty(t, srv.finalized)
}

func TestUploadDoesNotRetryPermanentErrors(t *testing.T) {
	for _, sentinel := range []error{client.ErrAuthRejected, client.ErrNotFound, client.ErrForbidden} {
		srv := newFakeServer(16)
		srv.failChunk = 0
		srv.failTimes = 10
		srv.putErr = sentinel
		u := newTestUploader(srv)

		_, err := u.Upload(context.Background(), "job_0123456789abcdefghjkmnpqrstv", types.UploadResultsJSON, payload(8))
		require.ErrorIs(t, err, sentinel)
		assert.Equal(t, 1, srv.chunkAttempts[0], "no retry for %v", sentinel)
		assert.True(t, srv.cancelled)
	}
}

func TestUploadTreatsBadRequestAsPermanent(t *testing.T) {
	srv := newFakeServer(16)
	srv.failChunk = 0
	srv.failTimes = 10
	srv.putErr = &client.APIError{Status: 400, Code: "chunk_size_mismatch", Message: "wrong size"}
	u := newTestUploader(srv)

	_, err := u.Upload(context.Background(), "job_0123456789abcdefghjkmnpqrstv", types.UploadResultsJSON, payload(8))
	require.Error(t, err)
	var apiErr *client.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 1, srv.chunkAttempts[0])
}
