package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense/server/internal/auth"
	"github.com/fabrice-guiot/shuttersense/server/internal/db"
	"github.com/fabrice-guiot/shuttersense/server/internal/repositories"
	"github.com/fabrice-guiot/shuttersense/shared/guid"
)

// TeamHandler serves tenant administration: team creation, registration
// tokens, the tool configuration document, and the retention policy.
type TeamHandler struct {
	repos  *repositories.Repositories
	tokens *auth.TokenManager
	logger *zap.Logger
}

// NewTeamHandler creates a TeamHandler.
func NewTeamHandler(repos *repositories.Repositories, tokens *auth.TokenManager, logger *zap.Logger) *TeamHandler {
	return &TeamHandler{repos: repos, tokens: tokens, logger: logger}
}

// teamFromQuery resolves the mandatory ?team=<tea_guid> query parameter of
// team-scoped list endpoints.
func teamFromQuery(w http.ResponseWriter, r *http.Request, repos *repositories.Repositories) (*db.Team, bool) {
	raw := r.URL.Query().Get("team")
	if raw == "" {
		ErrBadRequest(w, "team query parameter is required")
		return nil, false
	}
	canonical, err := guid.Validate(raw, guid.PrefixTeam)
	if err != nil {
		if errors.Is(err, guid.ErrNumericID) {
			ErrBadRequest(w, "Numeric IDs are no longer supported")
		} else {
			ErrBadRequest(w, "malformed team identifier")
		}
		return nil, false
	}
	team, err := repos.Teams.GetByGUID(r.Context(), canonical)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
		} else {
			ErrInternal(w)
		}
		return nil, false
	}
	return team, true
}

type teamView struct {
	GUID string `json:"guid"`
	Name string `json:"name"`
}

// Create provisions a new tenant.
//
// POST /api/v1/teams
func (h *TeamHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		ErrUnprocessable(w, "name is required")
		return
	}

	team := &db.Team{
		GUID:       guid.MustNew(guid.PrefixTeam),
		Name:       req.Name,
		ConfigJSON: "{}",
	}
	if err := h.repos.Teams.Create(r.Context(), team); err != nil {
		ErrInternal(w)
		return
	}
	h.logger.Info("team created", zap.String("team", team.GUID), zap.String("name", team.Name))
	Created(w, teamView{GUID: team.GUID, Name: team.Name})
}

// GetByGUID returns one team.
//
// GET /api/v1/teams/{guid}
func (h *TeamHandler) GetByGUID(w http.ResponseWriter, r *http.Request) {
	teamGUID, ok := guidParam(w, r, "guid", guid.PrefixTeam)
	if !ok {
		return
	}
	team, err := h.repos.Teams.GetByGUID(r.Context(), teamGUID)
	if err != nil {
		domainError(w, err)
		return
	}
	Ok(w, teamView{GUID: team.GUID, Name: team.Name})
}

// RegistrationToken mints a short-lived token an operator hands to a new
// agent for registration.
//
// POST /api/v1/teams/{guid}/registration-token
func (h *TeamHandler) RegistrationToken(w http.ResponseWriter, r *http.Request) {
	teamGUID, ok := guidParam(w, r, "guid", guid.PrefixTeam)
	if !ok {
		return
	}
	team, err := h.repos.Teams.GetByGUID(r.Context(), teamGUID)
	if err != nil {
		domainError(w, err)
		return
	}

	token, err := h.tokens.GenerateRegistrationToken(team.GUID)
	if err != nil {
		ErrInternal(w)
		return
	}
	Created(w, map[string]string{"token": token})
}

// GetConfig returns the raw tool configuration document.
//
// GET /api/v1/teams/{guid}/config
func (h *TeamHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	teamGUID, ok := guidParam(w, r, "guid", guid.PrefixTeam)
	if !ok {
		return
	}
	team, err := h.repos.Teams.GetByGUID(r.Context(), teamGUID)
	if err != nil {
		domainError(w, err)
		return
	}
	Ok(w, json.RawMessage(team.ConfigJSON))
}

// PutConfig replaces the tool configuration document. The body must be a
// JSON object; tools receive it verbatim at execution time.
//
// PUT /api/v1/teams/{guid}/config
func (h *TeamHandler) PutConfig(w http.ResponseWriter, r *http.Request) {
	teamGUID, ok := guidParam(w, r, "guid", guid.PrefixTeam)
	if !ok {
		return
	}
	team, err := h.repos.Teams.GetByGUID(r.Context(), teamGUID)
	if err != nil {
		domainError(w, err)
		return
	}

	var doc map[string]any
	if !decodeJSONLoose(w, r, &doc) {
		return
	}
	encoded, err := json.Marshal(doc)
	if err != nil {
		ErrBadRequest(w, "configuration must be a JSON object")
		return
	}
	if err := h.repos.Teams.UpdateConfig(r.Context(), team.ID, string(encoded)); err != nil {
		domainError(w, err)
		return
	}
	Ok(w, json.RawMessage(encoded))
}

// AgentConfig returns the calling agent's team configuration. This is the
// executor's "configuring" fetch, so it lives on the agent-authed router.
//
// GET /api/v1/teams/config
func (h *TeamHandler) AgentConfig(w http.ResponseWriter, r *http.Request) {
	agent := agentFromCtx(r.Context())
	team, err := h.repos.Teams.GetByID(r.Context(), agent.TeamID)
	if err != nil {
		domainError(w, err)
		return
	}
	Ok(w, json.RawMessage(team.ConfigJSON))
}

// retentionView mirrors the RetentionPolicy row without its row ID.
type retentionView struct {
	JobCompletedDays      int `json:"job_completed_days"`
	JobFailedDays         int `json:"job_failed_days"`
	ResultCompletedDays   int `json:"result_completed_days"`
	PreservePerCollection int `json:"preserve_per_collection"`
}

// GetRetention returns the team's retention policy, materializing the
// default row on first read.
//
// GET /api/v1/teams/{guid}/retention
func (h *TeamHandler) GetRetention(w http.ResponseWriter, r *http.Request) {
	teamGUID, ok := guidParam(w, r, "guid", guid.PrefixTeam)
	if !ok {
		return
	}
	team, err := h.repos.Teams.GetByGUID(r.Context(), teamGUID)
	if err != nil {
		domainError(w, err)
		return
	}
	policy, err := h.repos.Retention.GetForTeam(r.Context(), team.ID)
	if err != nil {
		domainError(w, err)
		return
	}
	Ok(w, retentionView{
		JobCompletedDays:      policy.JobCompletedDays,
		JobFailedDays:         policy.JobFailedDays,
		ResultCompletedDays:   policy.ResultCompletedDays,
		PreservePerCollection: policy.PreservePerCollection,
	})
}

// PutRetention replaces the team's retention policy. Zero for a days field
// means unlimited retention for that class.
//
// PUT /api/v1/teams/{guid}/retention
func (h *TeamHandler) PutRetention(w http.ResponseWriter, r *http.Request) {
	teamGUID, ok := guidParam(w, r, "guid", guid.PrefixTeam)
	if !ok {
		return
	}
	team, err := h.repos.Teams.GetByGUID(r.Context(), teamGUID)
	if err != nil {
		domainError(w, err)
		return
	}

	var req retentionView
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.JobCompletedDays < 0 || req.JobFailedDays < 0 ||
		req.ResultCompletedDays < 0 || req.PreservePerCollection < 0 {
		ErrUnprocessable(w, "retention values must not be negative")
		return
	}

	policy, err := h.repos.Retention.GetForTeam(r.Context(), team.ID)
	if err != nil {
		domainError(w, err)
		return
	}
	policy.JobCompletedDays = req.JobCompletedDays
	policy.JobFailedDays = req.JobFailedDays
	policy.ResultCompletedDays = req.ResultCompletedDays
	policy.PreservePerCollection = req.PreservePerCollection
	if err := h.repos.Retention.Update(r.Context(), policy); err != nil {
		domainError(w, err)
		return
	}
	Ok(w, req)
}
