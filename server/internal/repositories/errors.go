package repositories

import "errors"

// ErrNotFound is returned by repository methods when the requested record
// does not exist in the database. Callers should check for this error
// explicitly using errors.Is to distinguish missing records from other
// database errors.
//
//	job, err := repo.GetByGUID(ctx, guid)
//	if errors.Is(err, repositories.ErrNotFound) {
//	    handle not found
//	}
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when an insert or update violates a unique or
// state constraint, for example finalizing an upload session twice.
var ErrConflict = errors.New("record conflict")

// ErrConnectorInUse is returned when deleting a connector that live
// collections still reference.
var ErrConnectorInUse = errors.New("connector still referenced by live collections")

// ErrRetriesExhausted is returned by Requeue when a job has no retries left
// and was marked failed instead of re-queued.
var ErrRetriesExhausted = errors.New("job retries exhausted")
