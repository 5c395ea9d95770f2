package vault

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabrice-guiot/shuttersense/shared/guid"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(t.TempDir())
}

func TestStoreAndGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	g := guid.MustNew(guid.PrefixConnector)

	creds := map[string]string{"access_key": "AKIA123", "secret_key": "shh"}
	meta := map[string]string{"region": "eu-west-1"}
	require.NoError(t, s.Store(g, creds, meta))

	got, err := s.Get(g)
	require.NoError(t, err)
	assert.Equal(t, creds, got)

	gotMeta, err := s.GetMetadata(g)
	require.NoError(t, err)
	assert.Equal(t, meta, gotMeta)
}

func TestGetAbsentReturnsNil(t *testing.T) {
	s := newTestStore(t)
	got, err := s.Get(guid.MustNew(guid.PrefixConnector))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStoreRejectsWrongPrefix(t *testing.T) {
	s := newTestStore(t)
	err := s.Store(guid.MustNew(guid.PrefixCollection), map[string]string{"k": "v"}, nil)
	assert.ErrorIs(t, err, ErrInvalidConnectorGUID)
}

func TestStoreOverwrites(t *testing.T) {
	s := newTestStore(t)
	g := guid.MustNew(guid.PrefixConnector)

	require.NoError(t, s.Store(g, map[string]string{"v": "1"}, nil))
	require.NoError(t, s.Store(g, map[string]string{"v": "2"}, nil))

	got, err := s.Get(g)
	require.NoError(t, err)
	assert.Equal(t, "2", got["v"])
}

func TestDeleteIdempotent(t *testing.T) {
	s := newTestStore(t)
	g := guid.MustNew(guid.PrefixConnector)

	require.NoError(t, s.Store(g, map[string]string{"k": "v"}, nil))
	require.NoError(t, s.Delete(g))
	require.NoError(t, s.Delete(g))

	got, err := s.Get(g)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestListReturnsStoredConnectors(t *testing.T) {
	s := newTestStore(t)
	a := guid.MustNew(guid.PrefixConnector)
	b := guid.MustNew(guid.PrefixConnector)

	require.NoError(t, s.Store(a, map[string]string{"k": "v"}, nil))
	require.NoError(t, s.Store(b, map[string]string{"k": "v"}, nil))

	guids, err := s.List()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a, b}, guids)

	caps, err := s.Capabilities()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"connector:" + a, "connector:" + b}, caps)
}

func TestCorruptBlobTreatedAsAbsent(t *testing.T) {
	base := t.TempDir()
	s := New(base)
	g := guid.MustNew(guid.PrefixConnector)
	require.NoError(t, s.Store(g, map[string]string{"k": "v"}, nil))

	blob := filepath.Join(base, credentialsDir, g+blobExt)
	require.NoError(t, os.WriteFile(blob, []byte("garbage"), 0o600))

	got, err := s.Get(g)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMasterKeyPermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("POSIX permissions not applicable")
	}
	base := t.TempDir()
	s := New(base)
	require.NoError(t, s.Store(guid.MustNew(guid.PrefixConnector), map[string]string{"k": "v"}, nil))

	info, err := os.Stat(filepath.Join(base, masterKeyFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	keyData, err := os.ReadFile(filepath.Join(base, masterKeyFile))
	require.NoError(t, err)
	assert.Len(t, keyData, keySize)
}
