package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/fabrice-guiot/shuttersense/server/internal/repositories"
	"github.com/fabrice-guiot/shuttersense/shared/guid"
)

// guidParam extracts and validates a GUID URL parameter against the expected
// entity prefix. Input is case-insensitive; the returned GUID is canonical
// lowercase. On failure it writes the error response and returns ok=false:
// numeric identifiers get the dedicated legacy-ID message, well-formed GUIDs
// of another entity get "prefix mismatch".
func guidParam(w http.ResponseWriter, r *http.Request, name, wantPrefix string) (string, bool) {
	raw := chi.URLParam(r, name)
	canonical, err := guid.Validate(raw, wantPrefix)
	if err != nil {
		switch {
		case errors.Is(err, guid.ErrNumericID):
			ErrBadRequest(w, "Numeric IDs are no longer supported")
		case errors.Is(err, guid.ErrPrefixMismatch):
			ErrBadRequest(w, "prefix mismatch: expected "+wantPrefix+"_ identifier")
		default:
			ErrBadRequest(w, "malformed identifier")
		}
		return "", false
	}
	return canonical, true
}

// pageParams reads limit/offset query parameters with sane bounds.
func pageParams(r *http.Request) repositories.ListOptions {
	opts := repositories.ListOptions{Limit: 50}
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v <= 500 {
		opts.Limit = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v > 0 {
		opts.Offset = v
	}
	return opts
}
