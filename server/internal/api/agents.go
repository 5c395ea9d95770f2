package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense/server/internal/auth"
	"github.com/fabrice-guiot/shuttersense/server/internal/db"
	"github.com/fabrice-guiot/shuttersense/server/internal/dispatcher"
	"github.com/fabrice-guiot/shuttersense/server/internal/repositories"
	"github.com/fabrice-guiot/shuttersense/shared/guid"
	"github.com/fabrice-guiot/shuttersense/shared/types"
)

// AgentHandler serves agent registration, heartbeat, and the operator-facing
// agent listing and revocation.
type AgentHandler struct {
	repos      *repositories.Repositories
	dispatcher *dispatcher.Service
	tokens     *auth.TokenManager
	logger     *zap.Logger
}

// NewAgentHandler creates an AgentHandler.
func NewAgentHandler(repos *repositories.Repositories, disp *dispatcher.Service, tokens *auth.TokenManager, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{repos: repos, dispatcher: disp, tokens: tokens, logger: logger}
}

// Register redeems a registration token for a permanent agent identity.
// The raw API key appears in this response and nowhere else.
//
// POST /api/v1/agents/register
func (h *AgentHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req types.RegisterRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		ErrUnprocessable(w, "name is required")
		return
	}

	claims, err := h.tokens.ValidateRegistrationToken(req.Token)
	if err != nil {
		if errors.Is(err, auth.ErrTokenExpired) {
			errJSON(w, http.StatusUnauthorized, "registration token expired", "token_expired")
			return
		}
		errJSON(w, http.StatusUnauthorized, "invalid registration token", "token_invalid")
		return
	}

	team, err := h.repos.Teams.GetByGUID(r.Context(), claims.TeamGUID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			errJSON(w, http.StatusUnauthorized, "registration token references an unknown team", "token_invalid")
			return
		}
		ErrInternal(w)
		return
	}

	existing, _, err := h.repos.Agents.List(r.Context(), team.ID, repositories.ListOptions{Limit: 1000})
	if err != nil {
		ErrInternal(w)
		return
	}
	for _, a := range existing {
		if a.Name == req.Name && !a.Revoked {
			ErrConflict(w, "an agent with this name is already registered")
			return
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		ErrInternal(w)
		return
	}
	agentGUID, err := guid.FromUUID(guid.PrefixAgent, id)
	if err != nil {
		ErrInternal(w)
		return
	}
	rawKey, keyHash, err := auth.GenerateAPIKey()
	if err != nil {
		ErrInternal(w)
		return
	}

	agent := &db.Agent{
		GUID:           agentGUID,
		TeamID:         team.ID,
		Name:           req.Name,
		Platform:       req.Platform,
		BinaryChecksum: req.Checksum,
		APIKeyHash:     keyHash,
	}
	agent.ID = id
	if err := h.repos.Agents.Create(r.Context(), agent); err != nil {
		ErrInternal(w)
		return
	}

	h.logger.Info("agent registered",
		zap.String("agent", agent.GUID),
		zap.String("team", team.GUID),
		zap.String("platform", agent.Platform))

	Created(w, types.RegisterResponse{
		GUID:     agent.GUID,
		APIKey:   rawKey,
		Name:     agent.Name,
		TeamGUID: team.GUID,
	})
}

// Heartbeat records liveness and returns pending commands.
//
// POST /api/v1/agents/heartbeat
func (h *AgentHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	agent := agentFromCtx(r.Context())

	var req types.HeartbeatRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	resp, err := h.dispatcher.Heartbeat(r.Context(), agent, req)
	if err != nil {
		domainError(w, err)
		return
	}
	Ok(w, resp)
}

// agentView is the operator-facing projection of an agent and its runtime.
type agentView struct {
	GUID            string     `json:"guid"`
	Name            string     `json:"name"`
	Platform        string     `json:"platform"`
	Status          string     `json:"status"`
	Revoked         bool       `json:"revoked"`
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty"`
	Capabilities    []string   `json:"capabilities"`
	Metrics         types.AgentMetrics `json:"metrics"`
	CreatedAt       time.Time  `json:"created_at"`
}

func (h *AgentHandler) toView(r *http.Request, agent *db.Agent) agentView {
	view := agentView{
		GUID:         agent.GUID,
		Name:         agent.Name,
		Platform:     agent.Platform,
		Status:       string(types.AgentStatusOffline),
		Revoked:      agent.Revoked,
		Capabilities: []string{},
		CreatedAt:    agent.CreatedAt,
	}
	if agent.Revoked {
		view.Status = string(types.AgentStatusRevoked)
	}

	runtime, err := h.repos.Agents.GetRuntime(r.Context(), agent.ID)
	if err != nil {
		return view
	}
	if !agent.Revoked {
		view.Status = runtime.Status
	}
	view.LastHeartbeatAt = runtime.LastHeartbeatAt
	view.Metrics = types.AgentMetrics{
		CPUPercent: runtime.CPUPercent,
		MemPercent: runtime.MemPercent,
		DiskFreeGB: runtime.DiskFreeGB,
	}
	_ = json.Unmarshal([]byte(runtime.CapabilitiesJSON), &view.Capabilities)
	return view
}

// List returns a team's agents with their runtime state.
//
// GET /api/v1/agents?team=<tea_guid>
func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	team, ok := teamFromQuery(w, r, h.repos)
	if !ok {
		return
	}

	agents, total, err := h.repos.Agents.List(r.Context(), team.ID, pageParams(r))
	if err != nil {
		ErrInternal(w)
		return
	}

	views := make([]agentView, 0, len(agents))
	for i := range agents {
		views = append(views, h.toView(r, &agents[i]))
	}
	Ok(w, map[string]any{"items": views, "total": total})
}

// GetByGUID returns one agent.
//
// GET /api/v1/agents/{guid}
func (h *AgentHandler) GetByGUID(w http.ResponseWriter, r *http.Request) {
	agentGUID, ok := guidParam(w, r, "guid", guid.PrefixAgent)
	if !ok {
		return
	}
	agent, err := h.repos.Agents.GetByGUID(r.Context(), agentGUID)
	if err != nil {
		domainError(w, err)
		return
	}
	Ok(w, h.toView(r, agent))
}

// Revoke permanently locks an agent out. Its API key keeps resolving so the
// next request can answer with the revocation code instead of a generic 401.
//
// DELETE /api/v1/agents/{guid}
func (h *AgentHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	agentGUID, ok := guidParam(w, r, "guid", guid.PrefixAgent)
	if !ok {
		return
	}
	agent, err := h.repos.Agents.GetByGUID(r.Context(), agentGUID)
	if err != nil {
		domainError(w, err)
		return
	}
	if err := h.repos.Agents.Revoke(r.Context(), agent.ID); err != nil {
		domainError(w, err)
		return
	}
	h.logger.Info("agent revoked", zap.String("agent", agent.GUID))
	NoContent(w)
}
