// Package vault implements the agent-local encrypted credential store.
// Connector credentials stored here never leave the agent; the server only
// learns of their existence through capability reports.
//
// On-disk layout under the vault base directory:
//
//	master.key              32 random bytes, 0600
//	credentials/
//	  <connector_guid>.blob secretbox ciphertext of the credential record
//
// Encryption is NaCl secretbox (XSalsa20-Poly1305) with a random 24-byte
// nonce prepended to each blob. The master key is generated lazily on first
// write and never rotated by this package — rotation is an operator
// procedure (decrypt all, re-encrypt all).
package vault

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/fabrice-guiot/shuttersense/shared/guid"
	"github.com/fabrice-guiot/shuttersense/shared/signing"
)

const (
	keySize   = 32
	nonceSize = 24

	masterKeyFile  = "master.key"
	credentialsDir = "credentials"
	blobExt        = ".blob"

	dirMode  = 0o700
	fileMode = 0o600
)

// ErrInvalidConnectorGUID is returned when the identifier does not carry the
// connector prefix.
var ErrInvalidConnectorGUID = errors.New("vault: invalid connector guid")

// record is the plaintext structure sealed into each blob.
type record struct {
	ConnectorGUID string            `json:"connector_guid"`
	Credentials   map[string]string `json:"credentials"`
	Metadata      map[string]string `json:"metadata"`
	StoredAt      time.Time         `json:"stored_at"`
}

// Store is the encrypted on-disk credential vault.
type Store struct {
	base string
}

// New returns a Store rooted at base. Directories are created on first use,
// not here, so constructing a Store is side-effect free.
func New(base string) *Store {
	return &Store{base: base}
}

// Store persists credentials for a connector, replacing any existing blob.
// The write is atomic (temp file + rename) so a crash never leaves a
// half-written blob behind.
func (s *Store) Store(connectorGUID string, credentials, metadata map[string]string) error {
	canonical, err := s.checkGUID(connectorGUID)
	if err != nil {
		return err
	}

	key, err := s.loadOrCreateKey()
	if err != nil {
		return err
	}

	plaintext, err := signing.CanonicalJSON(record{
		ConnectorGUID: canonical,
		Credentials:   credentials,
		Metadata:      metadata,
		StoredAt:      time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("vault: encode record: %w", err)
	}

	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return fmt.Errorf("vault: generate nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], plaintext, &nonce, key)

	dir := filepath.Join(s.base, credentialsDir)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return fmt.Errorf("vault: create credentials dir: %w", err)
	}
	return atomicWrite(filepath.Join(dir, canonical+blobExt), sealed)
}

// Get returns the credentials for a connector, or nil when no blob exists or
// the blob cannot be deciphered (wrong key, corruption). Undecipherable
// blobs are treated as absent rather than fatal so a damaged vault degrades
// to "re-enter credentials".
func (s *Store) Get(connectorGUID string) (map[string]string, error) {
	rec, err := s.open(connectorGUID)
	if err != nil || rec == nil {
		return nil, err
	}
	return rec.Credentials, nil
}

// GetMetadata returns the stored metadata for a connector, or nil.
func (s *Store) GetMetadata(connectorGUID string) (map[string]string, error) {
	rec, err := s.open(connectorGUID)
	if err != nil || rec == nil {
		return nil, err
	}
	return rec.Metadata, nil
}

// Delete removes the blob for a connector. Idempotent: deleting a connector
// that has no blob is a no-op.
func (s *Store) Delete(connectorGUID string) error {
	canonical, err := s.checkGUID(connectorGUID)
	if err != nil {
		return err
	}
	err = os.Remove(filepath.Join(s.base, credentialsDir, canonical+blobExt))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("vault: delete blob: %w", err)
	}
	return nil
}

// List returns the connector GUIDs that have a stored blob.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.base, credentialsDir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("vault: read credentials dir: %w", err)
	}

	var guids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, blobExt) {
			continue
		}
		id := strings.TrimSuffix(name, blobExt)
		if _, err := guid.Validate(id, guid.PrefixConnector); err != nil {
			continue
		}
		guids = append(guids, id)
	}
	return guids, nil
}

// Capabilities renders the stored connectors as capability strings for
// heartbeat reporting: "connector:<guid>".
func (s *Store) Capabilities() ([]string, error) {
	guids, err := s.List()
	if err != nil {
		return nil, err
	}
	caps := make([]string, len(guids))
	for i, g := range guids {
		caps[i] = "connector:" + g
	}
	return caps, nil
}

// ─── internals ───────────────────────────────────────────────────────────────

func (s *Store) checkGUID(connectorGUID string) (string, error) {
	canonical, err := guid.Validate(connectorGUID, guid.PrefixConnector)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidConnectorGUID, connectorGUID)
	}
	return canonical, nil
}

// open decrypts and decodes a blob. Returns (nil, nil) for absent or
// undecipherable blobs.
func (s *Store) open(connectorGUID string) (*record, error) {
	canonical, err := s.checkGUID(connectorGUID)
	if err != nil {
		return nil, err
	}

	sealed, err := os.ReadFile(filepath.Join(s.base, credentialsDir, canonical+blobExt))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("vault: read blob: %w", err)
	}
	if len(sealed) < nonceSize {
		return nil, nil
	}

	key, err := s.loadKey()
	if err != nil || key == nil {
		return nil, err
	}

	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	plaintext, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, key)
	if !ok {
		return nil, nil
	}

	var rec record
	if err := json.Unmarshal(plaintext, &rec); err != nil {
		return nil, nil
	}
	return &rec, nil
}

// loadKey reads the master key, returning nil when it does not exist yet.
func (s *Store) loadKey() (*[keySize]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.base, masterKeyFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("vault: read master key: %w", err)
	}
	if len(data) != keySize {
		return nil, fmt.Errorf("vault: master key is %d bytes, want %d", len(data), keySize)
	}
	var key [keySize]byte
	copy(key[:], data)
	return &key, nil
}

// loadOrCreateKey returns the master key, generating it on first write.
func (s *Store) loadOrCreateKey() (*[keySize]byte, error) {
	if key, err := s.loadKey(); err != nil || key != nil {
		return key, err
	}

	var key [keySize]byte
	if _, err := rand.Read(key[:]); err != nil {
		return nil, fmt.Errorf("vault: generate master key: %w", err)
	}
	if err := os.MkdirAll(s.base, dirMode); err != nil {
		return nil, fmt.Errorf("vault: create base dir: %w", err)
	}
	if err := atomicWrite(filepath.Join(s.base, masterKeyFile), key[:]); err != nil {
		return nil, err
	}
	return &key, nil
}

// atomicWrite writes data to path via a 0600 temp file and rename.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".vault.*.tmp")
	if err != nil {
		return fmt.Errorf("vault: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()
	if err := tmp.Chmod(fileMode); err != nil {
		tmp.Close()
		return fmt.Errorf("vault: chmod temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("vault: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("vault: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("vault: rename into place: %w", err)
	}
	ok = true
	return nil
}
