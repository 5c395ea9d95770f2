// Package storage provides a uniform listing interface over the four
// collection backends: local filesystem, S3, GCS, and SMB.
//
// Every adapter normalizes its backend's failure modes into the four
// categories of Error so callers (the executor, the CLI test command) can
// branch on failure class without backend-specific knowledge. Transient
// errors are retried inside the adapter with bounded exponential backoff;
// permission and not-found errors are terminal and surface immediately.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Kind classifies a normalized adapter error.
type Kind int

const (
	// KindPermissionDenied: the credential was rejected or lacks access.
	KindPermissionDenied Kind = iota
	// KindNotFound: the location (bucket, share, directory) does not exist.
	KindNotFound
	// KindConnectionFailure: the backend was unreachable after retries.
	KindConnectionFailure
	// KindInvalidLocation: the location string is malformed or disallowed
	// (e.g. a local path outside the authorized roots).
	KindInvalidLocation
)

func (k Kind) String() string {
	switch k {
	case KindPermissionDenied:
		return "permission_denied"
	case KindNotFound:
		return "not_found"
	case KindConnectionFailure:
		return "connection_failure"
	case KindInvalidLocation:
		return "invalid_location"
	default:
		return "unknown"
	}
}

// Error is the normalized adapter error.
type Error struct {
	Kind Kind
	Op   string // e.g. "s3: list objects"
	Err  error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("storage: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("storage: %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// newError builds a normalized Error.
func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the Kind from err, defaulting to KindConnectionFailure for
// errors that did not originate in an adapter.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindConnectionFailure
}

// FileInfo describes one file in a collection listing. ModTime is the zero
// time when the backend does not supply modification times; input-state
// hashing then records mtime 0.
type FileInfo struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// MtimeUnix returns the modification time as Unix seconds, 0 when unknown.
func (f FileInfo) MtimeUnix() int64 {
	if f.ModTime.IsZero() {
		return 0
	}
	return f.ModTime.Unix()
}

// Adapter is the uniform listing interface over all backends.
type Adapter interface {
	// ListFiles returns the relative paths of all files under location.
	ListFiles(ctx context.Context, location string) ([]string, error)

	// ListFilesWithMetadata returns paths with size and (where available)
	// modification time.
	ListFilesWithMetadata(ctx context.Context, location string) ([]FileInfo, error)

	// TestConnection probes the backend with the adapter's credentials.
	// The message is human-readable and shown by the CLI test command.
	TestConnection(ctx context.Context) (bool, string)
}

// Retry parameters shared by the remote adapters: 3 attempts, 1 s initial
// interval, doubling.
const (
	maxRetries      = 3
	retryInitial    = 1 * time.Second
	retryMultiplier = 2.0
)

// withRetry runs op up to maxRetries times with exponential backoff. A
// *Error return is treated as permanent unless its Kind is
// KindConnectionFailure; raw errors are retried.
func withRetry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryInitial
	bo.Multiplier = retryMultiplier
	bo.RandomizationFactor = 0

	attempt := func() error {
		err := op()
		if err == nil {
			return nil
		}
		var se *Error
		if errors.As(err, &se) && se.Kind != KindConnectionFailure {
			return backoff.Permanent(err)
		}
		return err
	}

	return backoff.Retry(attempt, backoff.WithContext(
		backoff.WithMaxRetries(bo, maxRetries-1), ctx))
}
