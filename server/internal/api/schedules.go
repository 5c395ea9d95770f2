package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense/server/internal/db"
	"github.com/fabrice-guiot/shuttersense/server/internal/repositories"
	"github.com/fabrice-guiot/shuttersense/shared/guid"
	"github.com/fabrice-guiot/shuttersense/shared/types"
)

// ScheduleHandler serves recurring-analysis schedule CRUD. Cron expressions
// are validated at write time; the scheduler consumes next_fire_at.
type ScheduleHandler struct {
	repos  *repositories.Repositories
	logger *zap.Logger
}

// NewScheduleHandler creates a ScheduleHandler.
func NewScheduleHandler(repos *repositories.Repositories, logger *zap.Logger) *ScheduleHandler {
	return &ScheduleHandler{repos: repos, logger: logger}
}

type scheduleView struct {
	GUID           string     `json:"guid"`
	CollectionGUID string     `json:"collection_guid"`
	Tool           string     `json:"tool"`
	CronExpr       string     `json:"cron_expr"`
	Enabled        bool       `json:"enabled"`
	LastFiredAt    *time.Time `json:"last_fired_at,omitempty"`
	NextFireAt     *time.Time `json:"next_fire_at,omitempty"`
}

func (h *ScheduleHandler) toView(r *http.Request, s *db.Schedule) scheduleView {
	view := scheduleView{
		GUID:        s.GUID,
		Tool:        s.Tool,
		CronExpr:    s.CronExpr,
		Enabled:     s.Enabled,
		LastFiredAt: s.LastFiredAt,
		NextFireAt:  s.NextFireAt,
	}
	if collection, err := h.repos.Collections.GetByID(r.Context(), s.CollectionID); err == nil {
		view.CollectionGUID = collection.GUID
	}
	return view
}

// Create registers a recurring analysis of one collection.
//
// POST /api/v1/schedules
func (h *ScheduleHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CollectionGUID string `json:"collection_guid"`
		Tool           string `json:"tool"`
		CronExpr       string `json:"cron_expr"`
		Enabled        *bool  `json:"enabled,omitempty"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if !types.ValidTool(types.Tool(req.Tool)) {
		ErrUnprocessable(w, "unknown tool")
		return
	}

	cronSchedule, err := cron.ParseStandard(req.CronExpr)
	if err != nil {
		ErrUnprocessable(w, "invalid cron expression: "+err.Error())
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

	id, err := uuid.NewV7()
	if err != nil {
		ErrInternal(w)
		return
	}
	scheduleGUID, err := guid.FromUUID(guid.PrefixRelease, id)
	if err != nil {
		ErrInternal(w)
		return
	}

	next := cronSchedule.Next(time.Now().UTC())
	schedule := &db.Schedule{
		GUID:         scheduleGUID,
		TeamID:       collection.TeamID,
		CollectionID: collection.ID,
		Tool:         req.Tool,
		CronExpr:     req.CronExpr,
		Enabled:      req.Enabled == nil || *req.Enabled,
		NextFireAt:   &next,
	}
	schedule.ID = id
	if err := h.repos.Schedules.Create(r.Context(), schedule); err != nil {
		ErrInternal(w)
		return
	}
	h.logger.Info("schedule created",
		zap.String("schedule", schedule.GUID),
		zap.String("collection", collection.GUID),
		zap.String("cron", schedule.CronExpr))
	Created(w, h.toView(r, schedule))
}

// List returns a team's schedules.
//
// GET /api/v1/schedules?team=<tea_guid>
func (h *ScheduleHandler) List(w http.ResponseWriter, r *http.Request) {
	team, ok := teamFromQuery(w, r, h.repos)
	if !ok {
		return
	}
	schedules, total, err := h.repos.Schedules.List(r.Context(), team.ID, pageParams(r))
	if err != nil {
		ErrInternal(w)
		return
	}
	views := make([]scheduleView, 0, len(schedules))
	for i := range schedules {
		views = append(views, h.toView(r, &schedules[i]))
	}
	Ok(w, map[string]any{"items": views, "total": total})
}

// Update changes a schedule's cron expression or enabled flag.
//
// PATCH /api/v1/schedules/{guid}
func (h *ScheduleHandler) Update(w http.ResponseWriter, r *http.Request) {
	scheduleGUID, ok := guidParam(w, r, "guid", guid.PrefixRelease)
	if !ok {
		return
	}
	schedule, err := h.repos.Schedules.GetByGUID(r.Context(), scheduleGUID)
	if err != nil {
		domainError(w, err)
		return
	}

	var req struct {
		CronExpr *string `json:"cron_expr,omitempty"`
		Enabled  *bool   `json:"enabled,omitempty"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.CronExpr != nil {
		cronSchedule, err := cron.ParseStandard(*req.CronExpr)
		if err != nil {
			ErrUnprocessable(w, "invalid cron expression: "+err.Error())
			return
		}
		schedule.CronExpr = *req.CronExpr
		next := cronSchedule.Next(time.Now().UTC())
		schedule.NextFireAt = &next
	}
	if req.Enabled != nil {
		schedule.Enabled = *req.Enabled
	}
	if err := h.repos.Schedules.Update(r.Context(), schedule); err != nil {
		domainError(w, err)
		return
	}
	Ok(w, h.toView(r, schedule))
}

// Delete removes a schedule.
//
// DELETE /api/v1/schedules/{guid}
func (h *ScheduleHandler) Delete(w http.ResponseWriter, r *http.Request) {
	scheduleGUID, ok := guidParam(w, r, "guid", guid.PrefixRelease)
	if !ok {
		return
	}
	schedule, err := h.repos.Schedules.GetByGUID(r.Context(), scheduleGUID)
	if err != nil {
		domainError(w, err)
		return
	}
	if err := h.repos.Schedules.Delete(r.Context(), schedule.ID); err != nil {
		domainError(w, err)
		return
	}
	NoContent(w)
}
