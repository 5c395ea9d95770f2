// Package uploads implements the server half of the chunked upload
// protocol: initiate a session, accept idempotent chunk PUTs, and finalize
// with checksum verification. Chunk bytes live in a DiskStore; session
// bookkeeping lives in the upload_sessions table.
package uploads

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense/server/internal/db"
	"github.com/fabrice-guiot/shuttersense/server/internal/repositories"
	"github.com/fabrice-guiot/shuttersense/shared/types"
)

const (
	// sessionTTL is how long an open session survives before the expiry
	// sweep reclaims it.
	sessionTTL = 24 * time.Hour

	// Chunk size bounds. The initiate response echoes the clamped size and
	// the client must use it for every chunk.
	minChunkSize = 64 << 10
	maxChunkSize = 16 << 20
	defaultChunk = 4 << 20

	// maxOpenPerAgent caps concurrent open sessions per agent so a
	// misbehaving agent cannot fill the disk with abandoned chunks.
	maxOpenPerAgent = 16
)

// Sentinel errors mapped to HTTP statuses by the transport layer.
var (
	ErrNotFound         = errors.New("uploads: session not found")
	ErrForbidden        = errors.New("uploads: session belongs to another agent")
	ErrFinalized        = errors.New("uploads: session already finalized")
	ErrIncomplete       = errors.New("uploads: not all chunks received")
	ErrChecksumMismatch = errors.New("uploads: checksum mismatch")
	ErrTooManyOpen      = errors.New("uploads: too many open sessions")
)

// Service coordinates upload sessions.
type Service struct {
	repo   repositories.UploadSessionRepository
	store  *DiskStore
	logger *zap.Logger
}

// NewService creates an upload Service.
func NewService(repo repositories.UploadSessionRepository, store *DiskStore, logger *zap.Logger) *Service {
	return &Service{repo: repo, store: store, logger: logger.Named("uploads")}
}

// Initiate opens a session for one artifact of a job the agent holds.
func (s *Service) Initiate(ctx context.Context, jobID, agentID uuid.UUID, req types.InitiateUploadRequest) (*types.InitiateUploadResponse, error) {
	if req.UploadType != types.UploadResultsJSON && req.UploadType != types.UploadReportHTML {
		return nil, fmt.Errorf("uploads: unknown upload type %q", req.UploadType)
	}
	if req.ExpectedSize <= 0 {
		return nil, fmt.Errorf("uploads: expected_size must be positive")
	}

	open, err := s.repo.CountOpenByAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if open >= maxOpenPerAgent {
		return nil, ErrTooManyOpen
	}

	chunkSize := req.ChunkSize
	if chunkSize <= 0 {
		chunkSize = defaultChunk
	}
	if chunkSize < minChunkSize {
		chunkSize = minChunkSize
	}
	if chunkSize > maxChunkSize {
		chunkSize = maxChunkSize
	}
	totalChunks := int((req.ExpectedSize + chunkSize - 1) / chunkSize)

	session := &db.UploadSession{
		UploadID:     uuid.NewString(),
		JobID:        jobID,
		AgentID:      agentID,
		UploadType:   string(req.UploadType),
		ExpectedSize: req.ExpectedSize,
		ChunkSize:    chunkSize,
		TotalChunks:  totalChunks,
		ExpiresAt:    time.Now().UTC().Add(sessionTTL),
	}
	if err := s.repo.Create(ctx, session); err != nil {
		return nil, err
	}

	s.logger.Info("upload session opened",
		zap.String("upload_id", session.UploadID),
		zap.String("type", session.UploadType),
		zap.Int64("expected_size", session.ExpectedSize),
		zap.Int("total_chunks", session.TotalChunks))

	return &types.InitiateUploadResponse{
		UploadID:    session.UploadID,
		ChunkSize:   chunkSize,
		TotalChunks: totalChunks,
	}, nil
}

// PutChunk stores one chunk. Returns false without error on duplicate
// delivery so retried PUTs stay idempotent.
func (s *Service) PutChunk(ctx context.Context, agentID uuid.UUID, uploadID string, index int, body io.Reader) (bool, error) {
	session, err := s.getOwned(ctx, agentID, uploadID)
	if err != nil {
		return false, err
	}
	if session.Finalized {
		return false, ErrFinalized
	}
	if index < 0 || index >= session.TotalChunks {
		return false, fmt.Errorf("uploads: chunk index %d out of range [0,%d)", index, session.TotalChunks)
	}
	if repositories.ChunkReceived(session, index) {
		// Duplicate delivery. The stored bytes already passed the mark, so
		// the resent body must not overwrite them.
		return false, nil
	}

	// Bytes land on disk before the bit flips; a crash between the two
	// leaves an unmarked chunk the agent will simply re-send.
	n, err := s.store.WriteChunk(uploadID, index, io.LimitReader(body, session.ChunkSize))
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, fmt.Errorf("uploads: empty chunk %d", index)
	}

	fresh, err := s.repo.MarkChunkReceived(ctx, uploadID, index)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return false, ErrNotFound
		}
		if errors.Is(err, repositories.ErrConflict) {
			return false, ErrFinalized
		}
		return false, err
	}
	return fresh, nil
}

// Finalize verifies the full content against the agent's checksum and seals
// the session. A mismatch leaves the session open so the agent can re-send
// the bad chunks.
func (s *Service) Finalize(ctx context.Context, agentID uuid.UUID, uploadID, checksum string) error {
	session, err := s.getOwned(ctx, agentID, uploadID)
	if err != nil {
		return err
	}
	if session.Finalized {
		return ErrFinalized
	}
	if !repositories.AllChunksReceived(session) {
		return fmt.Errorf("%w: %d of %d", ErrIncomplete, session.ReceivedCount, session.TotalChunks)
	}

	actual, size, err := s.store.Assemble(uploadID, session.TotalChunks)
	if err != nil {
		return err
	}
	if actual != checksum || size != session.ExpectedSize {
		s.store.RemoveBlob(uploadID)
		s.logger.Warn("upload verification failed",
			zap.String("upload_id", uploadID),
			zap.Int64("size", size),
			zap.Int64("expected_size", session.ExpectedSize))
		return ErrChecksumMismatch
	}

	if err := s.repo.MarkFinalized(ctx, uploadID); err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			return ErrFinalized
		}
		return err
	}
	s.store.RemoveChunks(uploadID, session.TotalChunks)

	s.logger.Info("upload finalized",
		zap.String("upload_id", uploadID),
		zap.String("type", session.UploadType),
		zap.Int64("size", size))
	return nil
}

// Cancel abandons a session and reclaims its disk space.
func (s *Service) Cancel(ctx context.Context, agentID uuid.UUID, uploadID string) error {
	session, err := s.getOwned(ctx, agentID, uploadID)
	if err != nil {
		return err
	}
	if session.Finalized {
		return ErrFinalized
	}
	s.store.RemoveAll(uploadID)
	if err := s.repo.Delete(ctx, uploadID); err != nil && !errors.Is(err, repositories.ErrNotFound) {
		return err
	}
	return nil
}

// FinalizedBlob returns the verified content of a finalized session, looked
// up by upload id.
func (s *Service) FinalizedBlob(ctx context.Context, uploadID string) (*db.UploadSession, []byte, error) {
	session, err := s.repo.GetByUploadID(ctx, uploadID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, err
	}
	if !session.Finalized {
		return nil, nil, ErrIncomplete
	}
	blob, err := s.store.ReadBlob(uploadID)
	if err != nil {
		return nil, nil, err
	}
	return session, blob, nil
}

// LatestFinalizedForJob returns the newest finalized blob of one type for a
// job, or (nil, nil, nil) when the job uploaded none.
func (s *Service) LatestFinalizedForJob(ctx context.Context, jobID uuid.UUID, uploadType types.UploadType) (*db.UploadSession, []byte, error) {
	sessions, err := s.repo.ListFinalizedByJob(ctx, jobID, string(uploadType))
	if err != nil {
		return nil, nil, err
	}
	if len(sessions) == 0 {
		return nil, nil, nil
	}
	blob, err := s.store.ReadBlob(sessions[0].UploadID)
	if err != nil {
		return nil, nil, err
	}
	return &sessions[0], blob, nil
}

// Release drops the session rows and disk space for a job's uploads once
// their content has been copied into the result row.
func (s *Service) Release(ctx context.Context, jobID uuid.UUID) {
	for _, t := range []types.UploadType{types.UploadResultsJSON, types.UploadReportHTML} {
		sessions, err := s.repo.ListFinalizedByJob(ctx, jobID, string(t))
		if err != nil {
			continue
		}
		for _, session := range sessions {
			s.store.RemoveAll(session.UploadID)
			s.repo.Delete(ctx, session.UploadID)
		}
	}
}

// SweepExpired reclaims open sessions whose deadline passed. Returns the
// number of sessions removed.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	expired, err := s.repo.ListExpired(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, session := range expired {
		s.store.RemoveAll(session.UploadID)
		if err := s.repo.Delete(ctx, session.UploadID); err != nil {
			s.logger.Warn("expired session not removed",
				zap.String("upload_id", session.UploadID), zap.Error(err))
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("expired upload sessions reclaimed", zap.Int("count", removed))
	}
	return removed, nil
}

func (s *Service) getOwned(ctx context.Context, agentID uuid.UUID, uploadID string) (*db.UploadSession, error) {
	session, err := s.repo.GetByUploadID(ctx, uploadID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if session.AgentID != agentID {
		return nil, ErrForbidden
	}
	return session, nil
}
