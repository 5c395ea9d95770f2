package api

import (
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense/server/internal/db"
	"github.com/fabrice-guiot/shuttersense/server/internal/dispatcher"
	"github.com/fabrice-guiot/shuttersense/server/internal/repositories"
	"github.com/fabrice-guiot/shuttersense/shared/guid"
	"github.com/fabrice-guiot/shuttersense/shared/types"
)

// JobHandler serves the agent polling loop (claim, progress, terminal
// reports) and the operator-facing job endpoints.
type JobHandler struct {
	repos      *repositories.Repositories
	dispatcher *dispatcher.Service
	logger     *zap.Logger
}

// NewJobHandler creates a JobHandler.
func NewJobHandler(repos *repositories.Repositories, disp *dispatcher.Service, logger *zap.Logger) *JobHandler {
	return &JobHandler{repos: repos, dispatcher: disp, logger: logger}
}

// Claim hands the best matching queued job to the calling agent. 204 means
// nothing is eligible and the agent should back off to its poll interval.
//
// POST /api/v1/jobs/claim
func (h *JobHandler) Claim(w http.ResponseWriter, r *http.Request) {
	agent := agentFromCtx(r.Context())

	var req types.ClaimRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	resp, err := h.dispatcher.Claim(r.Context(), agent, req)
	if err != nil {
		domainError(w, err)
		return
	}
	if resp == nil {
		NoContent(w)
		return
	}
	claimsTotal.Inc()
	Ok(w, resp)
}

// Progress relays a progress report for a job the agent holds.
//
// POST /api/v1/jobs/{guid}/progress
func (h *JobHandler) Progress(w http.ResponseWriter, r *http.Request) {
	agent := agentFromCtx(r.Context())
	jobGUID, ok := guidParam(w, r, "guid", guid.PrefixJob)
	if !ok {
		return
	}

	var report types.ProgressReport
	if !decodeJSON(w, r, &report) {
		return
	}
	if err := h.dispatcher.Progress(r.Context(), agent, jobGUID, report); err != nil {
		domainError(w, err)
		return
	}
	Ok(w, map[string]bool{"accepted": true})
}

// Complete persists a signed completion.
//
// POST /api/v1/jobs/{guid}/complete
func (h *JobHandler) Complete(w http.ResponseWriter, r *http.Request) {
	agent := agentFromCtx(r.Context())
	jobGUID, ok := guidParam(w, r, "guid", guid.PrefixJob)
	if !ok {
		return
	}

	var req types.CompleteRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	resp, err := h.dispatcher.Complete(r.Context(), agent, jobGUID, req)
	if err != nil {
		domainError(w, err)
		return
	}
	completionsTotal.Inc()
	Ok(w, resp)
}

// Fail records a signed failure, or a cancellation when the agent reports
// error_message "cancelled".
//
// POST /api/v1/jobs/{guid}/fail
func (h *JobHandler) Fail(w http.ResponseWriter, r *http.Request) {
	agent := agentFromCtx(r.Context())
	jobGUID, ok := guidParam(w, r, "guid", guid.PrefixJob)
	if !ok {
		return
	}

	var req types.FailRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.dispatcher.Fail(r.Context(), agent, jobGUID, req); err != nil {
		domainError(w, err)
		return
	}
	failuresTotal.Inc()
	Ok(w, map[string]bool{"accepted": true})
}

// jobView is the operator-facing projection of a job.
type jobView struct {
	GUID         string       `json:"guid"`
	Tool         string       `json:"tool"`
	Status       string       `json:"status"`
	Priority     int          `json:"priority"`
	Target       types.Target `json:"target"`
	RetryCount   int          `json:"retry_count"`
	MaxRetries   int          `json:"max_retries"`
	ErrorMessage string       `json:"error_message,omitempty"`
	ClaimedAt    *time.Time   `json:"claimed_at,omitempty"`
	CompletedAt  *time.Time   `json:"completed_at,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

func jobToView(job *db.Job) jobView {
	return jobView{
		GUID:     job.GUID,
		Tool:     job.Tool,
		Status:   job.Status,
		Priority: job.Priority,
		Target: types.Target{
			EntityType: types.TargetEntityType(job.TargetEntityType),
			EntityGUID: job.TargetEntityGUID,
			EntityName: job.TargetEntityName,
		},
		RetryCount:   job.RetryCount,
		MaxRetries:   job.MaxRetries,
		ErrorMessage: job.ErrorMessage,
		ClaimedAt:    job.ClaimedAt,
		CompletedAt:  job.CompletedAt,
		CreatedAt:    job.CreatedAt,
	}
}

// Enqueue creates a queued analysis job for a collection.
//
// POST /api/v1/jobs
func (h *JobHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CollectionGUID string `json:"collection_guid"`
		Tool           string `json:"tool"`
		Priority       int    `json:"priority"`
		MaxRetries     int    `json:"max_retries"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	canonical, err := guid.Validate(req.CollectionGUID, guid.PrefixCollection)
	if err != nil {
		ErrBadRequest(w, "invalid collection_guid")
		return
	}
	collection, err := h.repos.Collections.GetByGUID(r.Context(), canonical)
	if err != nil {
		domainError(w, err)
		return
	}

	job, err := h.dispatcher.EnqueueForCollection(r.Context(), collection, types.Tool(req.Tool), dispatcher.EnqueueOptions{
		Priority:   req.Priority,
		MaxRetries: req.MaxRetries,
	})
	if err != nil {
		if errors.Is(err, dispatcher.ErrNoEligibleAgent) {
			domainError(w, err)
			return
		}
		ErrUnprocessable(w, err.Error())
		return
	}
	Created(w, jobToView(job))
}

// GetByGUID returns one job.
//
// GET /api/v1/jobs/{guid}
func (h *JobHandler) GetByGUID(w http.ResponseWriter, r *http.Request) {
	jobGUID, ok := guidParam(w, r, "guid", guid.PrefixJob)
	if !ok {
		return
	}
	job, err := h.repos.Jobs.GetByGUID(r.Context(), jobGUID)
	if err != nil {
		domainError(w, err)
		return
	}
	Ok(w, jobToView(job))
}

// List returns a team's jobs, optionally filtered by status.
//
// GET /api/v1/jobs?team=<tea_guid>&status=queued
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	team, ok := teamFromQuery(w, r, h.repos)
	if !ok {
		return
	}

	jobs, total, err := h.repos.Jobs.List(r.Context(), team.ID, r.URL.Query().Get("status"), pageParams(r))
	if err != nil {
		ErrInternal(w)
		return
	}
	views := make([]jobView, 0, len(jobs))
	for i := range jobs {
		views = append(views, jobToView(&jobs[i]))
	}
	Ok(w, map[string]any{"items": views, "total": total})
}

// Cancel requests cooperative cancellation of a job.
//
// POST /api/v1/jobs/{guid}/cancel
func (h *JobHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	jobGUID, ok := guidParam(w, r, "guid", guid.PrefixJob)
	if !ok {
		return
	}
	job, err := h.repos.Jobs.GetByGUID(r.Context(), jobGUID)
	if err != nil {
		domainError(w, err)
		return
	}
	if err := h.dispatcher.CancelJob(r.Context(), job.TeamID, job.GUID); err != nil {
		domainError(w, err)
		return
	}
	h.logger.Info("cancellation requested", zap.String("job", job.GUID))
	Ok(w, map[string]bool{"accepted": true})
}
