package uploads

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
)

// DiskStore keeps chunk bytes and assembled blobs on the local filesystem,
// one directory per upload. The session row in the database is the source
// of truth for which chunks arrived; the store only holds bytes.
type DiskStore struct {
	root string
}

// NewDiskStore creates the store root if needed.
func NewDiskStore(root string) (*DiskStore, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("uploads: create store root: %w", err)
	}
	return &DiskStore{root: root}, nil
}

func (s *DiskStore) dir(uploadID string) string {
	return filepath.Join(s.root, uploadID)
}

func (s *DiskStore) chunkPath(uploadID string, index int) string {
	return filepath.Join(s.dir(uploadID), strconv.Itoa(index)+".chunk")
}

func (s *DiskStore) blobPath(uploadID string) string {
	return filepath.Join(s.dir(uploadID), "blob")
}

// WriteChunk stores one chunk's bytes. The write goes to a temp file first
// and is renamed into place so a crashed request never leaves a torn chunk.
func (s *DiskStore) WriteChunk(uploadID string, index int, body io.Reader) (int64, error) {
	dir := s.dir(uploadID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return 0, fmt.Errorf("uploads: create upload dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".chunk-*")
	if err != nil {
		return 0, fmt.Errorf("uploads: create temp chunk: %w", err)
	}
	n, err := io.Copy(tmp, body)
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("uploads: write chunk: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("uploads: close chunk: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.chunkPath(uploadID, index)); err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("uploads: place chunk: %w", err)
	}
	return n, nil
}

// Assemble concatenates all chunks in order into the blob file, streaming
// the SHA-256 as it goes, and returns the hex digest and total size. Chunk
// files stay in place until RemoveChunks so a failed verification can retry.
func (s *DiskStore) Assemble(uploadID string, totalChunks int) (checksum string, size int64, err error) {
	blob, err := os.CreateTemp(s.dir(uploadID), ".blob-*")
	if err != nil {
		return "", 0, fmt.Errorf("uploads: create blob: %w", err)
	}
	defer func() {
		if err != nil {
			blob.Close()
			os.Remove(blob.Name())
		}
	}()

	hasher := sha256.New()
	out := io.MultiWriter(blob, hasher)
	for i := 0; i < totalChunks; i++ {
		f, openErr := os.Open(s.chunkPath(uploadID, i))
		if openErr != nil {
			err = fmt.Errorf("uploads: open chunk %d: %w", i, openErr)
			return "", 0, err
		}
		n, copyErr := io.Copy(out, f)
		f.Close()
		if copyErr != nil {
			err = fmt.Errorf("uploads: assemble chunk %d: %w", i, copyErr)
			return "", 0, err
		}
		size += n
	}

	if err = blob.Close(); err != nil {
		err = fmt.Errorf("uploads: close blob: %w", err)
		return "", 0, err
	}
	if err = os.Rename(blob.Name(), s.blobPath(uploadID)); err != nil {
		err = fmt.Errorf("uploads: place blob: %w", err)
		return "", 0, err
	}
	return hex.EncodeToString(hasher.Sum(nil)), size, nil
}

// ReadBlob returns the assembled content of a finalized upload.
func (s *DiskStore) ReadBlob(uploadID string) ([]byte, error) {
	data, err := os.ReadFile(s.blobPath(uploadID))
	if err != nil {
		return nil, fmt.Errorf("uploads: read blob: %w", err)
	}
	return data, nil
}

// RemoveBlob deletes only the assembled blob, used when verification fails.
func (s *DiskStore) RemoveBlob(uploadID string) {
	os.Remove(s.blobPath(uploadID))
}

// RemoveChunks deletes the chunk files, keeping the blob.
func (s *DiskStore) RemoveChunks(uploadID string, totalChunks int) {
	for i := 0; i < totalChunks; i++ {
		os.Remove(s.chunkPath(uploadID, i))
	}
}

// RemoveAll deletes everything the store holds for one upload.
func (s *DiskStore) RemoveAll(uploadID string) {
	os.RemoveAll(s.dir(uploadID))
}
