// Package upload implements the agent side of the chunked upload protocol
// for large job artifacts (results JSON over the inline limit, HTML reports).
package upload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense/agent/internal/client"
	"github.com/fabrice-guiot/shuttersense/shared/types"
)

// DefaultChunkSize is the chunk size the agent proposes at initiation. The
// server may answer with a different one and the agent must honor it.
const DefaultChunkSize int64 = 4 << 20

// chunkRetries is how many attempts each chunk PUT gets before the whole
// upload is abandoned.
const chunkRetries = 3

// Client is the subset of the API client the uploader needs.
type Client interface {
	InitiateUpload(ctx context.Context, jobGUID string, req types.InitiateUploadRequest) (*types.InitiateUploadResponse, error)
	PutChunk(ctx context.Context, uploadID string, index int, data []byte) (bool, error)
	FinalizeUpload(ctx context.Context, uploadID, checksum string) error
	CancelUpload(ctx context.Context, uploadID string) error
}

// Uploader pushes one artifact through initiate → chunks → finalize.
type Uploader struct {
	client        Client
	logger        *zap.Logger
	retryInterval time.Duration
}

// New returns an Uploader.
func New(c Client, logger *zap.Logger) *Uploader {
	return &Uploader{client: c, logger: logger.Named("upload"), retryInterval: time.Second}
}

// Upload transfers data as a chunked upload for the given job and returns the
// upload ID to reference from the completion payload. On failure the session
// is cancelled best-effort; the server expires orphans on its own.
func (u *Uploader) Upload(ctx context.Context, jobGUID string, uploadType types.UploadType, data []byte) (string, error) {
	sum := sha256.Sum256(data)
	checksum := hex.EncodeToString(sum[:])

	resp, err := u.client.InitiateUpload(ctx, jobGUID, types.InitiateUploadRequest{
		UploadType:   uploadType,
		ExpectedSize: int64(len(data)),
		ChunkSize:    DefaultChunkSize,
	})
	if err != nil {
		return "", fmt.Errorf("upload: initiate: %w", err)
	}
	chunkSize := resp.ChunkSize
	if chunkSize <= 0 {
		return "", fmt.Errorf("upload: server returned chunk size %d", chunkSize)
	}

	u.logger.Debug("upload initiated",
		zap.String("upload_id", resp.UploadID),
		zap.String("type", string(uploadType)),
		zap.Int64("size", int64(len(data))),
		zap.Int("total_chunks", resp.TotalChunks))

	for index := 0; int64(index)*chunkSize < int64(len(data)); index++ {
		start := int64(index) * chunkSize
		end := min(start+chunkSize, int64(len(data)))

		if err := u.putChunk(ctx, resp.UploadID, index, data[start:end]); err != nil {
			u.cancel(resp.UploadID)
			return "", fmt.Errorf("upload: chunk %d: %w", index, err)
		}
	}

	if err := u.client.FinalizeUpload(ctx, resp.UploadID, checksum); err != nil {
		u.cancel(resp.UploadID)
		return "", fmt.Errorf("upload: finalize: %w", err)
	}
	return resp.UploadID, nil
}

// putChunk retries transient failures; auth rejections and missing sessions
// are permanent.
func (u *Uploader) putChunk(ctx context.Context, uploadID string, index int, data []byte) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(newChunkBackoff(u.retryInterval), chunkRetries-1), ctx)

	return backoff.Retry(func() error {
		_, err := u.client.PutChunk(ctx, uploadID, index, data)
		if err == nil {
			return nil
		}
		if permanent(err) {
			return backoff.Permanent(err)
		}
		u.logger.Debug("chunk retry",
			zap.String("upload_id", uploadID),
			zap.Int("index", index),
			zap.Error(err))
		return err
	}, policy)
}

func (u *Uploader) cancel(uploadID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := u.client.CancelUpload(ctx, uploadID); err != nil {
		u.logger.Debug("upload cancel failed", zap.String("upload_id", uploadID), zap.Error(err))
	}
}

// permanent reports whether retrying the same request can ever succeed.
func permanent(err error) bool {
	if errors.Is(err, client.ErrAuthRejected) ||
		errors.Is(err, client.ErrRevoked) ||
		errors.Is(err, client.ErrForbidden) ||
		errors.Is(err, client.ErrNotFound) {
		return true
	}
	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 400 && apiErr.Status < 500
	}
	return false
}

func newChunkBackoff(initial time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	return b
}
