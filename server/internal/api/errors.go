package api

import (
	"errors"
	"net/http"

	"github.com/fabrice-guiot/shuttersense/server/internal/dispatcher"
	"github.com/fabrice-guiot/shuttersense/server/internal/repositories"
	"github.com/fabrice-guiot/shuttersense/server/internal/uploads"
)

// domainError translates sentinel errors from the service layer into the
// HTTP vocabulary of this API. Unknown errors become an opaque 500 — their
// detail stays in the server log.
func domainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repositories.ErrNotFound), errors.Is(err, uploads.ErrNotFound):
		ErrNotFound(w)

	case errors.Is(err, dispatcher.ErrBadSignature):
		ErrBadRequest(w, "signature verification failed")

	case errors.Is(err, dispatcher.ErrNotJobAgent), errors.Is(err, uploads.ErrForbidden):
		ErrForbidden(w)

	case errors.Is(err, dispatcher.ErrJobNotActive):
		ErrConflict(w, "job is not active")

	case errors.Is(err, dispatcher.ErrNoEligibleAgent):
		ErrUnprocessable(w, "collection has no bound agent")

	case errors.Is(err, repositories.ErrConnectorInUse):
		// The repository error carries the live-collection count; pass it
		// through so the operator sees how many references block the delete.
		ErrConflict(w, err.Error())

	case errors.Is(err, uploads.ErrFinalized):
		ErrConflict(w, "upload session already finalized")

	case errors.Is(err, uploads.ErrIncomplete):
		ErrBadRequest(w, "not all chunks received")

	case errors.Is(err, uploads.ErrChecksumMismatch):
		ErrBadRequest(w, "checksum mismatch")

	case errors.Is(err, uploads.ErrTooManyOpen):
		errJSON(w, http.StatusTooManyRequests, "too many open upload sessions", "too_many_sessions")

	default:
		ErrInternal(w)
	}
}
