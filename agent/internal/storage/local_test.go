package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newCollectionDir creates root/photos with a small file tree and returns
// both paths.
func newCollectionDir(t *testing.T) (root, collection string) {
	t.Helper()
	root = t.TempDir()
	collection = filepath.Join(root, "photos")

	require.NoError(t, os.MkdirAll(filepath.Join(collection, "2024"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(collection, "IMG_0001.cr3"), []byte("raw"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(collection, "2024", "IMG_0002.cr3"), []byte("rawraw"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(collection, "2024", "IMG_0002.xmp"), []byte("x"), 0o644))
	return root, collection
}

func TestLocalListFilesWithMetadata(t *testing.T) {
	root, collection := newCollectionDir(t)
	a := NewLocal([]string{root})

	infos, err := a.ListFilesWithMetadata(context.Background(), collection)
	require.NoError(t, err)
	require.Len(t, infos, 3)

	byPath := map[string]FileInfo{}
	for _, fi := range infos {
		byPath[fi.Path] = fi
	}
	assert.Contains(t, byPath, "IMG_0001.cr3")
	assert.Contains(t, byPath, "2024/IMG_0002.cr3")
	assert.Contains(t, byPath, "2024/IMG_0002.xmp")

	assert.Equal(t, int64(6), byPath["2024/IMG_0002.cr3"].Size)
	assert.WithinDuration(t, time.Now(), byPath["IMG_0001.cr3"].ModTime, time.Minute)
	assert.NotZero(t, byPath["IMG_0001.cr3"].MtimeUnix())
}

func TestLocalRejectsPathOutsideAuthorizedRoots(t *testing.T) {
	root, _ := newCollectionDir(t)
	other := t.TempDir()
	a := NewLocal([]string{root})

	_, err := a.ListFiles(context.Background(), other)
	require.Error(t, err)
	assert.Equal(t, KindInvalidLocation, KindOf(err))
}

func TestLocalRejectsTraversalEscape(t *testing.T) {
	root, _ := newCollectionDir(t)
	a := NewLocal([]string{filepath.Join(root, "photos")})

	_, err := a.ListFiles(context.Background(), filepath.Join(root, "photos", "..", ".."))
	require.Error(t, err)
	assert.Equal(t, KindInvalidLocation, KindOf(err))
}

func TestLocalRejectsMissingDirectory(t *testing.T) {
	root, _ := newCollectionDir(t)
	a := NewLocal([]string{root})

	_, err := a.ListFiles(context.Background(), filepath.Join(root, "nope"))
	require.Error(t, err)
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestLocalRejectsFileLocation(t *testing.T) {
	root, collection := newCollectionDir(t)
	a := NewLocal([]string{root})

	_, err := a.ListFiles(context.Background(), filepath.Join(collection, "IMG_0001.cr3"))
	require.Error(t, err)
	assert.Equal(t, KindInvalidLocation, KindOf(err))
}

func TestLocalRejectsRelativeLocation(t *testing.T) {
	root, _ := newCollectionDir(t)
	a := NewLocal([]string{root})

	_, err := a.ListFiles(context.Background(), "photos")
	require.Error(t, err)
	assert.Equal(t, KindInvalidLocation, KindOf(err))
}

func TestLocalTestConnection(t *testing.T) {
	root, _ := newCollectionDir(t)

	ok, msg := NewLocal([]string{root}).TestConnection(context.Background())
	assert.True(t, ok)
	assert.NotEmpty(t, msg)

	ok, _ = NewLocal(nil).TestConnection(context.Background())
	assert.False(t, ok)

	ok, _ = NewLocal([]string{filepath.Join(root, "missing")}).TestConnection(context.Background())
	assert.False(t, ok)
}

func TestSplitBucketLocation(t *testing.T) {
	bucket, prefix, err := splitBucketLocation("s3://photos-bucket/raw/2024")
	require.NoError(t, err)
	assert.Equal(t, "photos-bucket", bucket)
	assert.Equal(t, "raw/2024", prefix)

	bucket, prefix, err = splitBucketLocation("photos-bucket")
	require.NoError(t, err)
	assert.Equal(t, "photos-bucket", bucket)
	assert.Empty(t, prefix)

	_, _, err = splitBucketLocation("")
	require.Error(t, err)
	assert.Equal(t, KindInvalidLocation, KindOf(err))
}

func TestSplitShareLocation(t *testing.T) {
	share, sub, err := splitShareLocation("smb://archive/photos/2024")
	require.NoError(t, err)
	assert.Equal(t, "archive", share)
	assert.Equal(t, "photos/2024", sub)

	_, _, err = splitShareLocation("//")
	require.Error(t, err)
}
