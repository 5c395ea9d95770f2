package uploads

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/fabrice-guiot/shuttersense/server/internal/db"
	"github.com/fabrice-guiot/shuttersense/server/internal/repositories"
	"github.com/fabrice-guiot/shuttersense/shared/types"
)

func newTestService(t *testing.T) (*Service, repositories.UploadSessionRepository, *gorm.DB) {
	t.Helper()
	require.NoError(t, db.InitEncryption([]byte("0123456789abcdef0123456789abcdef")))

	database, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      filepath.Join(t.TempDir(), "test.db"),
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)

	store, err := NewDiskStore(filepath.Join(t.TempDir(), "chunks"))
	require.NoError(t, err)

	repo := repositories.NewUploadSessionRepository(database)
	return NewService(repo, store, zap.NewNop()), repo, database
}

func checksumOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// uploadAll pushes content through the full protocol with the given chunk size.
func uploadAll(t *testing.T, svc *Service, jobID, agentID uuid.UUID, uploadType types.UploadType, content []byte, chunkSize int64) string {
	t.Helper()
	ctx := context.Background()

	resp, err := svc.Initiate(ctx, jobID, agentID, types.InitiateUploadRequest{
		UploadType:   uploadType,
		ExpectedSize: int64(len(content)),
		ChunkSize:    chunkSize,
	})
	require.NoError(t, err)

	for i := 0; i < resp.TotalChunks; i++ {
		start := int64(i) * resp.ChunkSize
		end := start + resp.ChunkSize
		if end > int64(len(content)) {
			end = int64(len(content))
		}
		fresh, err := svc.PutChunk(ctx, agentID, resp.UploadID, i, bytes.NewReader(content[start:end]))
		require.NoError(t, err)
		assert.True(t, fresh)
	}

	require.NoError(t, svc.Finalize(ctx, agentID, resp.UploadID, checksumOf(content)))
	return resp.UploadID
}

func TestUploadRoundTrip(t *testing.T) {
	svc, _, _ := newTestService(t)
	jobID, agentID := uuid.New(), uuid.New()
	content := bytes.Repeat([]byte("shuttersense report content "), 10000)

	uploadID := uploadAll(t, svc, jobID, agentID, types.UploadReportHTML, content, minChunkSize)

	session, blob, err := svc.FinalizedBlob(context.Background(), uploadID)
	require.NoError(t, err)
	assert.Equal(t, content, blob)
	assert.Equal(t, string(types.UploadReportHTML), session.UploadType)

	latest, blob2, err := svc.LatestFinalizedForJob(context.Background(), jobID, types.UploadReportHTML)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, uploadID, latest.UploadID)
	assert.Equal(t, content, blob2)
}

func TestDuplicateChunkIsIdempotent(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	agentID := uuid.New()
	content := []byte("small payload")

	resp, err := svc.Initiate(ctx, uuid.New(), agentID, types.InitiateUploadRequest{
		UploadType:   types.UploadResultsJSON,
		ExpectedSize: int64(len(content)),
	})
	require.NoError(t, err)
	require.Equal(t, 1, resp.TotalChunks)

	fresh, err := svc.PutChunk(ctx, agentID, resp.UploadID, 0, bytes.NewReader(content))
	require.NoError(t, err)
	assert.True(t, fresh)

	// Same chunk again: stored bytes are identical, the bit is already set.
	fresh, err = svc.PutChunk(ctx, agentID, resp.UploadID, 0, bytes.NewReader(content))
	require.NoError(t, err)
	assert.False(t, fresh)

	require.NoError(t, svc.Finalize(ctx, agentID, resp.UploadID, checksumOf(content)))
}

func TestDuplicateChunkDoesNotOverwriteBytes(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	agentID := uuid.New()
	content := []byte("the canonical payload")

	resp, err := svc.Initiate(ctx, uuid.New(), agentID, types.InitiateUploadRequest{
		UploadType:   types.UploadResultsJSON,
		ExpectedSize: int64(len(content)),
	})
	require.NoError(t, err)

	fresh, err := svc.PutChunk(ctx, agentID, resp.UploadID, 0, bytes.NewReader(content))
	require.NoError(t, err)
	require.True(t, fresh)

	// A resend carrying different bytes must leave the stored chunk alone;
	// finalizing against the original checksum proves the first write won.
	fresh, err = svc.PutChunk(ctx, agentID, resp.UploadID, 0, bytes.NewReader([]byte("corrupted resend bytes")))
	require.NoError(t, err)
	assert.False(t, fresh)

	require.NoError(t, svc.Finalize(ctx, agentID, resp.UploadID, checksumOf(content)))

	_, blob, err := svc.FinalizedBlob(ctx, resp.UploadID)
	require.NoError(t, err)
	assert.Equal(t, content, blob)
}

func TestFinalizeIncomplete(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	agentID := uuid.New()
	content := bytes.Repeat([]byte("x"), 2*minChunkSize)

	resp, err := svc.Initiate(ctx, uuid.New(), agentID, types.InitiateUploadRequest{
		UploadType:   types.UploadResultsJSON,
		ExpectedSize: int64(len(content)),
		ChunkSize:    minChunkSize,
	})
	require.NoError(t, err)
	require.Equal(t, 2, resp.TotalChunks)

	_, err = svc.PutChunk(ctx, agentID, resp.UploadID, 0, bytes.NewReader(content[:minChunkSize]))
	require.NoError(t, err)

	err = svc.Finalize(ctx, agentID, resp.UploadID, checksumOf(content))
	assert.ErrorIs(t, err, ErrIncomplete)
}

func TestFinalizeChecksumMismatchLeavesSessionOpen(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	agentID := uuid.New()
	content := []byte("the real content")

	resp, err := svc.Initiate(ctx, uuid.New(), agentID, types.InitiateUploadRequest{
		UploadType:   types.UploadResultsJSON,
		ExpectedSize: int64(len(content)),
	})
	require.NoError(t, err)
	_, err = svc.PutChunk(ctx, agentID, resp.UploadID, 0, bytes.NewReader(content))
	require.NoError(t, err)

	err = svc.Finalize(ctx, agentID, resp.UploadID, checksumOf([]byte("other content")))
	assert.ErrorIs(t, err, ErrChecksumMismatch)

	// The session stays open: a correct retry succeeds.
	require.NoError(t, svc.Finalize(ctx, agentID, resp.UploadID, checksumOf(content)))
}

func TestChunkOwnershipEnforced(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	owner, intruder := uuid.New(), uuid.New()
	content := []byte("private bytes")

	resp, err := svc.Initiate(ctx, uuid.New(), owner, types.InitiateUploadRequest{
		UploadType:   types.UploadResultsJSON,
		ExpectedSize: int64(len(content)),
	})
	require.NoError(t, err)

	_, err = svc.PutChunk(ctx, intruder, resp.UploadID, 0, bytes.NewReader(content))
	assert.ErrorIs(t, err, ErrForbidden)

	err = svc.Finalize(ctx, intruder, resp.UploadID, checksumOf(content))
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestSweepExpiredReclaimsAbandonedSessions(t *testing.T) {
	svc, repo, database := newTestService(t)
	ctx := context.Background()
	agentID := uuid.New()

	resp, err := svc.Initiate(ctx, uuid.New(), agentID, types.InitiateUploadRequest{
		UploadType:   types.UploadResultsJSON,
		ExpectedSize: 100,
	})
	require.NoError(t, err)

	// Nothing to reclaim while the session is inside its TTL.
	removed, err := svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)

	// Force the deadline into the past.
	require.NoError(t, database.Model(&db.UploadSession{}).
		Where("upload_id = ?", resp.UploadID).
		Update("expires_at", time.Now().UTC().Add(-time.Hour)).Error)

	removed, err = svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = repo.GetByUploadID(ctx, resp.UploadID)
	assert.ErrorIs(t, err, repositories.ErrNotFound)
}
