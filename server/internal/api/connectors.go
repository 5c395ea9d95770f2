package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense/server/internal/db"
	"github.com/fabrice-guiot/shuttersense/server/internal/repositories"
	"github.com/fabrice-guiot/shuttersense/shared/guid"
	"github.com/fabrice-guiot/shuttersense/shared/types"
)

// ConnectorHandler serves connector CRUD and the agent capability report
// that flips credential_location from pending to agent.
type ConnectorHandler struct {
	repos  *repositories.Repositories
	logger *zap.Logger
}

// NewConnectorHandler creates a ConnectorHandler.
func NewConnectorHandler(repos *repositories.Repositories, logger *zap.Logger) *ConnectorHandler {
	return &ConnectorHandler{repos: repos, logger: logger}
}

// connectorView never carries credentials, server-held or otherwise.
type connectorView struct {
	GUID               string                  `json:"guid"`
	Name               string                  `json:"name"`
	Type               string                  `json:"type"`
	CredentialLocation string                  `json:"credential_location"`
	CredentialSchema   []types.CredentialField `json:"credential_schema"`
	CreatedAt          time.Time               `json:"created_at"`
}

func connectorToView(c *db.Connector) connectorView {
	view := connectorView{
		GUID:               c.GUID,
		Name:               c.Name,
		Type:               c.Type,
		CredentialLocation: c.CredentialLocation,
		CredentialSchema:   []types.CredentialField{},
		CreatedAt:          c.CreatedAt,
	}
	_ = json.Unmarshal([]byte(c.CredentialSchemaJSON), &view.CredentialSchema)
	return view
}

func validConnectorType(t string) bool {
	switch types.ConnectorType(t) {
	case types.ConnectorS3, types.ConnectorGCS, types.ConnectorSMB:
		return true
	}
	return false
}

// Create registers a connector. Supplying credentials inline stores them
// encrypted and marks them server-held; otherwise the connector starts
// pending until some agent stores them in its vault and reports back.
//
// POST /api/v1/connectors
func (h *ConnectorHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TeamGUID         string                  `json:"team_guid"`
		Name             string                  `json:"name"`
		Type             string                  `json:"type"`
		CredentialSchema []types.CredentialField `json:"credential_schema"`
		Credentials      map[string]string       `json:"credentials,omitempty"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		ErrUnprocessable(w, "name is required")
		return
	}
	if !validConnectorType(req.Type) {
		ErrUnprocessable(w, "type must be one of s3, gcs, smb")
		return
	}

	canonical, err := guid.Validate(req.TeamGUID, guid.PrefixTeam)
	if err != nil {
		ErrBadRequest(w, "invalid team_guid")
		return
	}
	team, err := h.repos.Teams.GetByGUID(r.Context(), canonical)
	if err != nil {
		domainError(w, err)
		return
	}

	schemaJSON, err := json.Marshal(req.CredentialSchema)
	if err != nil {
		ErrBadRequest(w, "invalid credential_schema")
		return
	}

	id, err := uuid.NewV7()
	if err != nil {
		ErrInternal(w)
		return
	}
	connectorGUID, err := guid.FromUUID(guid.PrefixConnector, id)
	if err != nil {
		ErrInternal(w)
		return
	}

	connector := &db.Connector{
		GUID:                 connectorGUID,
		TeamID:               team.ID,
		Name:                 req.Name,
		Type:                 req.Type,
		CredentialLocation:   string(types.CredentialPending),
		CredentialSchemaJSON: string(schemaJSON),
	}
	connector.ID = id

	if len(req.Credentials) > 0 {
		credJSON, err := json.Marshal(req.Credentials)
		if err != nil {
			ErrBadRequest(w, "invalid credentials")
			return
		}
		connector.CredentialLocation = string(types.CredentialServer)
		connector.Credentials = db.EncryptedString(credJSON)
	}

	if err := h.repos.Connectors.Create(r.Context(), connector); err != nil {
		ErrInternal(w)
		return
	}
	h.logger.Info("connector created",
		zap.String("connector", connector.GUID),
		zap.String("type", connector.Type),
		zap.String("credential_location", connector.CredentialLocation))
	Created(w, connectorToView(connector))
}

// GetByGUID returns one connector.
//
// GET /api/v1/connectors/{guid}
func (h *ConnectorHandler) GetByGUID(w http.ResponseWriter, r *http.Request) {
	connectorGUID, ok := guidParam(w, r, "guid", guid.PrefixConnector)
	if !ok {
		return
	}
	connector, err := h.repos.Connectors.GetByGUID(r.Context(), connectorGUID)
	if err != nil {
		domainError(w, err)
		return
	}
	Ok(w, connectorToView(connector))
}

// List returns a team's connectors.
//
// GET /api/v1/connectors?team=<tea_guid>
func (h *ConnectorHandler) List(w http.ResponseWriter, r *http.Request) {
	team, ok := teamFromQuery(w, r, h.repos)
	if !ok {
		return
	}
	connectors, total, err := h.repos.Connectors.List(r.Context(), team.ID, pageParams(r))
	if err != nil {
		ErrInternal(w)
		return
	}
	views := make([]connectorView, 0, len(connectors))
	for i := range connectors {
		views = append(views, connectorToView(&connectors[i]))
	}
	Ok(w, map[string]any{"items": views, "total": total})
}

// Update renames a connector or replaces its schema.
//
// PATCH /api/v1/connectors/{guid}
func (h *ConnectorHandler) Update(w http.ResponseWriter, r *http.Request) {
	connectorGUID, ok := guidParam(w, r, "guid", guid.PrefixConnector)
	if !ok {
		return
	}
	connector, err := h.repos.Connectors.GetByGUID(r.Context(), connectorGUID)
	if err != nil {
		domainError(w, err)
		return
	}

	var req struct {
		Name             *string                  `json:"name,omitempty"`
		CredentialSchema *[]types.CredentialField `json:"credential_schema,omitempty"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name != nil {
		connector.Name = *req.Name
	}
	if req.CredentialSchema != nil {
		schemaJSON, err := json.Marshal(*req.CredentialSchema)
		if err != nil {
			ErrBadRequest(w, "invalid credential_schema")
			return
		}
		connector.CredentialSchemaJSON = string(schemaJSON)
	}
	if err := h.repos.Connectors.Update(r.Context(), connector); err != nil {
		domainError(w, err)
		return
	}
	Ok(w, connectorToView(connector))
}

// Delete removes a connector unless live collections still reference it.
//
// DELETE /api/v1/connectors/{guid}
func (h *ConnectorHandler) Delete(w http.ResponseWriter, r *http.Request) {
	connectorGUID, ok := guidParam(w, r, "guid", guid.PrefixConnector)
	if !ok {
		return
	}
	connector, err := h.repos.Connectors.GetByGUID(r.Context(), connectorGUID)
	if err != nil {
		domainError(w, err)
		return
	}
	if err := h.repos.Connectors.Delete(r.Context(), connector.ID); err != nil {
		domainError(w, err)
		return
	}
	NoContent(w)
}

// ReportCapability is how an agent announces whether its vault holds this
// connector's credentials. A pending connector flips to agent-held; all
// other states only acknowledge.
//
// POST /api/v1/connectors/{guid}/report-capability
func (h *ConnectorHandler) ReportCapability(w http.ResponseWriter, r *http.Request) {
	agent := agentFromCtx(r.Context())
	connectorGUID, ok := guidParam(w, r, "guid", guid.PrefixConnector)
	if !ok {
		return
	}

	connector, err := h.repos.Connectors.GetByGUID(r.Context(), connectorGUID)
	if err != nil {
		domainError(w, err)
		return
	}
	// Tenant isolation: agents never learn about other teams' connectors.
	if connector.TeamID != agent.TeamID {
		ErrNotFound(w)
		return
	}

	var req types.ReportCapabilityRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	updated := false
	if req.HasCredentials && connector.CredentialLocation == string(types.CredentialPending) {
		if err := h.repos.Connectors.SetCredentialLocation(r.Context(), connector.ID, string(types.CredentialAgent)); err != nil {
			domainError(w, err)
			return
		}
		updated = true
		h.logger.Info("connector credentials now agent-held",
			zap.String("connector", connector.GUID),
			zap.String("agent", agent.GUID))
	}

	Ok(w, types.ReportCapabilityResponse{
		Acknowledged:              true,
		CredentialLocationUpdated: updated,
	})
}
