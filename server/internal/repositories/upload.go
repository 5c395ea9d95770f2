package repositories

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/fabrice-guiot/shuttersense/server/internal/db"
)

// gormUploadSessionRepository is the GORM implementation of UploadSessionRepository.
type gormUploadSessionRepository struct {
	db *gorm.DB
}

// NewUploadSessionRepository returns an UploadSessionRepository backed by the provided *gorm.DB.
func NewUploadSessionRepository(db *gorm.DB) UploadSessionRepository {
	return &gormUploadSessionRepository{db: db}
}

// Create inserts a new upload session record into the database.
func (r *gormUploadSessionRepository) Create(ctx context.Context, session *db.UploadSession) error {
	if err := r.db.WithContext(ctx).Create(session).Error; err != nil {
		return fmt.Errorf("uploads: create: %w", err)
	}
	return nil
}

// GetByUploadID retrieves a session by its opaque upload identifier.
// Returns ErrNotFound if no record exists.
func (r *gormUploadSessionRepository) GetByUploadID(ctx context.Context, uploadID string) (*db.UploadSession, error) {
	var session db.UploadSession
	err := r.db.WithContext(ctx).First(&session, "upload_id = ?", uploadID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("uploads: get by upload id: %w", err)
	}
	return &session, nil
}

// MarkChunkReceived sets the bit for one chunk inside a transaction and
// returns whether the bit was newly set. A false return with a nil error is
// a duplicate delivery, which the transport layer reports as a conflict
// without failing the upload.
func (r *gormUploadSessionRepository) MarkChunkReceived(ctx context.Context, uploadID string, index int) (bool, error) {
	var fresh bool
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var session db.UploadSession
		if err := tx.First(&session, "upload_id = ?", uploadID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if session.Finalized {
			return ErrConflict
		}
		if index < 0 || index >= session.TotalChunks {
			return fmt.Errorf("chunk index %d out of range [0,%d)", index, session.TotalChunks)
		}

		bits, err := decodeChunkBits(session.ReceivedBits, session.TotalChunks)
		if err != nil {
			return err
		}
		byteIdx, mask := index/8, byte(1<<(index%8))
		if bits[byteIdx]&mask != 0 {
			fresh = false
			return nil
		}
		bits[byteIdx] |= mask
		fresh = true

		return tx.Model(&db.UploadSession{}).
			Where("upload_id = ?", uploadID).
			Updates(map[string]interface{}{
				"received_bits":  hex.EncodeToString(bits),
				"received_count": session.ReceivedCount + 1,
			}).Error
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) {
			return false, err
		}
		return false, fmt.Errorf("uploads: mark chunk received: %w", err)
	}
	return fresh, nil
}

// MarkFinalized flips the session to finalized. Finalizing twice returns
// ErrConflict.
func (r *gormUploadSessionRepository) MarkFinalized(ctx context.Context, uploadID string) error {
	result := r.db.WithContext(ctx).
		Model(&db.UploadSession{}).
		Where("upload_id = ? AND finalized = ?", uploadID, false).
		Update("finalized", true)
	if result.Error != nil {
		return fmt.Errorf("uploads: mark finalized: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		var count int64
		r.db.WithContext(ctx).Model(&db.UploadSession{}).Where("upload_id = ?", uploadID).Count(&count)
		if count > 0 {
			return ErrConflict
		}
		return ErrNotFound
	}
	return nil
}

// ListFinalizedByJob returns the job's finalized sessions of one upload
// type, newest first.
func (r *gormUploadSessionRepository) ListFinalizedByJob(ctx context.Context, jobID uuid.UUID, uploadType string) ([]db.UploadSession, error) {
	var sessions []db.UploadSession
	err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Where("upload_type = ?", uploadType).
		Where("finalized = ?", true).
		Order("created_at DESC").
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("uploads: list finalized by job: %w", err)
	}
	return sessions, nil
}

// Delete removes a session row. Chunk bytes on disk are the chunk store's
// responsibility.
func (r *gormUploadSessionRepository) Delete(ctx context.Context, uploadID string) error {
	result := r.db.WithContext(ctx).Delete(&db.UploadSession{}, "upload_id = ?", uploadID)
	if result.Error != nil {
		return fmt.Errorf("uploads: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListExpired returns open sessions whose deadline has passed.
func (r *gormUploadSessionRepository) ListExpired(ctx context.Context, now time.Time) ([]db.UploadSession, error) {
	var sessions []db.UploadSession
	err := r.db.WithContext(ctx).
		Where("finalized = ?", false).
		Where("expires_at < ?", now).
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("uploads: list expired: %w", err)
	}
	return sessions, nil
}

// CountOpenByAgent counts the agent's non-finalized sessions.
func (r *gormUploadSessionRepository) CountOpenByAgent(ctx context.Context, agentID uuid.UUID) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).
		Model(&db.UploadSession{}).
		Where("agent_id = ?", agentID).
		Where("finalized = ?", false).
		Count(&total).Error
	if err != nil {
		return 0, fmt.Errorf("uploads: count open by agent: %w", err)
	}
	return total, nil
}

// CountOpen counts all non-finalized sessions across agents.
func (r *gormUploadSessionRepository) CountOpen(ctx context.Context) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).
		Model(&db.UploadSession{}).
		Where("finalized = ?", false).
		Count(&total).Error
	if err != nil {
		return 0, fmt.Errorf("uploads: count open: %w", err)
	}
	return total, nil
}

// decodeChunkBits decodes the hex bitset, growing it to cover totalChunks
// when the session has not recorded any chunk yet.
func decodeChunkBits(encoded string, totalChunks int) ([]byte, error) {
	want := (totalChunks + 7) / 8
	if encoded == "" {
		return make([]byte, want), nil
	}
	bits, err := hex.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("corrupt chunk bitset: %w", err)
	}
	if len(bits) < want {
		grown := make([]byte, want)
		copy(grown, bits)
		bits = grown
	}
	return bits, nil
}

// ChunkReceived reports whether the session's bitset already records the
// chunk at index.
func ChunkReceived(session *db.UploadSession, index int) bool {
	if index < 0 || index >= session.TotalChunks {
		return false
	}
	bits, err := decodeChunkBits(session.ReceivedBits, session.TotalChunks)
	if err != nil {
		return false
	}
	return bits[index/8]&(1<<(index%8)) != 0
}

// AllChunksReceived reports whether a session's bitset covers every chunk.
func AllChunksReceived(session *db.UploadSession) bool {
	if session.ReceivedCount != session.TotalChunks {
		return false
	}
	bits, err := decodeChunkBits(session.ReceivedBits, session.TotalChunks)
	if err != nil {
		return false
	}
	for i := 0; i < session.TotalChunks; i++ {
		if bits[i/8]&(1<<(i%8)) == 0 {
			return false
		}
	}
	return true
}
