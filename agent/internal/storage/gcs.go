package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	gcstorage "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSCreds is the credential variant for GCS connectors.
type GCSCreds struct {
	// ServiceAccountJSON is the full service-account key file contents.
	ServiceAccountJSON string
}

// GCSCredsFromMap builds GCSCreds from a vault credential map.
func GCSCredsFromMap(m map[string]string) GCSCreds {
	return GCSCreds{ServiceAccountJSON: m["service_account_json"]}
}

// GCSAdapter lists objects in Google Cloud Storage buckets. Locations are
// "bucket" or "bucket/prefix".
type GCSAdapter struct {
	client     *gcstorage.Client
	testBucket string
}

// NewGCS builds a GCSAdapter from a service-account key.
func NewGCS(ctx context.Context, creds GCSCreds, testBucket string) (*GCSAdapter, error) {
	var opts []option.ClientOption
	if creds.ServiceAccountJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(creds.ServiceAccountJSON)))
	}
	client, err := gcstorage.NewClient(ctx, opts...)
	if err != nil {
		return nil, newError(KindConnectionFailure, "gcs: new client", err)
	}
	return &GCSAdapter{client: client, testBucket: testBucket}, nil
}

// Close releases the underlying client.
func (a *GCSAdapter) Close() error { return a.client.Close() }

// ListFiles implements Adapter.
func (a *GCSAdapter) ListFiles(ctx context.Context, location string) ([]string, error) {
	infos, err := a.ListFilesWithMetadata(ctx, location)
	if err != nil {
		return nil, err
	}
	paths := make([]string, len(infos))
	for i, fi := range infos {
		paths[i] = fi.Path
	}
	return paths, nil
}

// ListFilesWithMetadata implements Adapter.
func (a *GCSAdapter) ListFilesWithMetadata(ctx context.Context, location string) ([]FileInfo, error) {
	bucket, prefix, err := splitBucketLocation(location)
	if err != nil {
		return nil, err
	}

	query := &gcstorage.Query{}
	if prefix != "" {
		query.Prefix = prefix + "/"
	}

	var files []FileInfo
	listOnce := func() error {
		files = files[:0]
		it := a.client.Bucket(bucket).Objects(ctx, query)
		for {
			attrs, err := it.Next()
			if errors.Is(err, iterator.Done) {
				return nil
			}
			if err != nil {
				return a.classify("gcs: list objects", err)
			}
			rel := attrs.Name
			if prefix != "" {
				rel = rel[len(prefix)+1:]
			}
			if rel == "" {
				continue
			}
			files = append(files, FileInfo{
				Path:    rel,
				Size:    attrs.Size,
				ModTime: attrs.Updated,
			})
		}
	}

	if err := withRetry(ctx, listOnce); err != nil {
		return nil, err
	}
	return files, nil
}

// TestConnection implements Adapter.
func (a *GCSAdapter) TestConnection(ctx context.Context) (bool, string) {
	if a.testBucket == "" {
		return true, "credentials loaded (no bucket probe configured)"
	}
	_, err := a.client.Bucket(a.testBucket).Attrs(ctx)
	if err != nil {
		return false, fmt.Sprintf("bucket %s attrs failed: %v", a.testBucket, err)
	}
	return true, fmt.Sprintf("bucket %s reachable", a.testBucket)
}

// classify maps a GCS SDK error to a normalized Error. Forbidden and
// not-found are terminal; everything else is treated as transient.
func (a *GCSAdapter) classify(op string, err error) error {
	if errors.Is(err, gcstorage.ErrBucketNotExist) || errors.Is(err, gcstorage.ErrObjectNotExist) {
		return newError(KindNotFound, op, err)
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusForbidden, http.StatusUnauthorized:
			return newError(KindPermissionDenied, op, err)
		case http.StatusNotFound:
			return newError(KindNotFound, op, err)
		}
	}
	return newError(KindConnectionFailure, op, err)
}
