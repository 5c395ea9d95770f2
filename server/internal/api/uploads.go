package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense/server/internal/dispatcher"
	"github.com/fabrice-guiot/shuttersense/server/internal/uploads"
	"github.com/fabrice-guiot/shuttersense/shared/guid"
	"github.com/fabrice-guiot/shuttersense/shared/types"
)

// UploadHandler serves the chunked upload protocol: initiate, chunk PUT,
// finalize, cancel. Chunk bodies are raw octet streams; everything else is
// the usual JSON envelope.
type UploadHandler struct {
	uploads  *uploads.Service
	resolver *dispatcher.Service
	logger   *zap.Logger
}

// NewUploadHandler creates an UploadHandler.
func NewUploadHandler(up *uploads.Service, disp *dispatcher.Service, logger *zap.Logger) *UploadHandler {
	return &UploadHandler{uploads: up, resolver: disp, logger: logger}
}

// Initiate opens an upload session for a job the calling agent holds.
//
// POST /api/v1/jobs/{guid}/uploads/initiate
func (h *UploadHandler) Initiate(w http.ResponseWriter, r *http.Request) {
	agent := agentFromCtx(r.Context())
	jobGUID, ok := guidParam(w, r, "guid", guid.PrefixJob)
	if !ok {
		return
	}

	job, err := h.resolver.ActiveJobForAgent(r.Context(), agent, jobGUID)
	if err != nil {
		domainError(w, err)
		return
	}

	var req types.InitiateUploadRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	resp, err := h.uploads.Initiate(r.Context(), job.ID, agent.ID, req)
	if err != nil {
		domainError(w, err)
		return
	}
	Created(w, resp)
}

// PutChunk stores one raw chunk. Duplicate delivery answers 200 with
// received=false; both count as success for the client.
//
// PUT /api/v1/uploads/{id}/{index}
func (h *UploadHandler) PutChunk(w http.ResponseWriter, r *http.Request) {
	agent := agentFromCtx(r.Context())
	uploadID := chi.URLParam(r, "id")

	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || index < 0 {
		ErrBadRequest(w, "invalid chunk index")
		return
	}

	fresh, err := h.uploads.PutChunk(r.Context(), agent.ID, uploadID, index, r.Body)
	if err != nil {
		domainError(w, err)
		return
	}
	Ok(w, types.ChunkResponse{Received: fresh})
}

// Finalize verifies the assembled content against the agent's checksum.
// A mismatch leaves the session open for chunk re-sends.
//
// POST /api/v1/uploads/{id}/finalize
func (h *UploadHandler) Finalize(w http.ResponseWriter, r *http.Request) {
	agent := agentFromCtx(r.Context())
	uploadID := chi.URLParam(r, "id")

	var req types.FinalizeUploadRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.uploads.Finalize(r.Context(), agent.ID, uploadID, req.Checksum); err != nil {
		domainError(w, err)
		return
	}
	Ok(w, types.FinalizeUploadResponse{Success: true})
}

// Cancel abandons a session and reclaims its disk space.
//
// DELETE /api/v1/uploads/{id}
func (h *UploadHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	agent := agentFromCtx(r.Context())
	uploadID := chi.URLParam(r, "id")

	if err := h.uploads.Cancel(r.Context(), agent.ID, uploadID); err != nil {
		domainError(w, err)
		return
	}
	h.logger.Debug("upload cancelled", zap.String("upload_id", uploadID))
	NoContent(w)
}
