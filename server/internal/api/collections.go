package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense/server/internal/db"
	"github.com/fabrice-guiot/shuttersense/server/internal/repositories"
	"github.com/fabrice-guiot/shuttersense/shared/guid"
	"github.com/fabrice-guiot/shuttersense/shared/types"
)

// CollectionHandler serves collection CRUD.
type CollectionHandler struct {
	repos  *repositories.Repositories
	logger *zap.Logger
}

// NewCollectionHandler creates a CollectionHandler.
func NewCollectionHandler(repos *repositories.Repositories, logger *zap.Logger) *CollectionHandler {
	return &CollectionHandler{repos: repos, logger: logger}
}

type collectionView struct {
	GUID          string    `json:"guid"`
	Name          string    `json:"name"`
	Type          string    `json:"type"`
	Location      string    `json:"location"`
	State         string    `json:"state"`
	ConnectorGUID string    `json:"connector_guid,omitempty"`
	BoundAgentGUID string   `json:"bound_agent_guid,omitempty"`
	IsAccessible  bool      `json:"is_accessible"`
	LastError     string    `json:"last_error,omitempty"`
	StorageBytes  *int64    `json:"storage_bytes,omitempty"`
	FileCount     *int64    `json:"file_count,omitempty"`
	ImageCount    *int64    `json:"image_count,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

func (h *CollectionHandler) toView(r *http.Request, c *db.Collection) collectionView {
	view := collectionView{
		GUID:         c.GUID,
		Name:         c.Name,
		Type:         c.Type,
		Location:     c.Location,
		State:        c.State,
		IsAccessible: c.IsAccessible,
		LastError:    c.LastError,
		StorageBytes: c.StorageBytes,
		FileCount:    c.FileCount,
		ImageCount:   c.ImageCount,
		CreatedAt:    c.CreatedAt,
	}
	if c.ConnectorID != nil {
		if connector, err := h.repos.Connectors.GetByID(r.Context(), *c.ConnectorID); err == nil {
			view.ConnectorGUID = connector.GUID
		}
	}
	if c.BoundAgentID != nil {
		if agent, err := h.repos.Agents.GetByID(r.Context(), *c.BoundAgentID); err == nil {
			view.BoundAgentGUID = agent.GUID
		}
	}
	return view
}

func validCollectionType(t string) bool {
	switch types.CollectionType(t) {
	case types.CollectionLocal, types.CollectionS3, types.CollectionGCS, types.CollectionSMB:
		return true
	}
	return false
}

// Create registers a collection. Local collections must name the bound
// agent that can reach the path; remote ones name their connector.
//
// POST /api/v1/collections
func (h *CollectionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TeamGUID       string `json:"team_guid"`
		Name           string `json:"name"`
		Type           string `json:"type"`
		Location       string `json:"location"`
		ConnectorGUID  string `json:"connector_guid,omitempty"`
		BoundAgentGUID string `json:"bound_agent_guid,omitempty"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" || req.Location == "" {
		ErrUnprocessable(w, "name and location are required")
		return
	}
	if !validCollectionType(req.Type) {
		ErrUnprocessable(w, "type must be one of local, s3, gcs, smb")
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

	id, err := uuid.NewV7()
	if err != nil {
		ErrInternal(w)
		return
	}
	collectionGUID, err := guid.FromUUID(guid.PrefixCollection, id)
	if err != nil {
		ErrInternal(w)
		return
	}

	collection := &db.Collection{
		GUID:     collectionGUID,
		TeamID:   team.ID,
		Name:     req.Name,
		Type:     req.Type,
		Location: req.Location,
		State:    string(types.CollectionLive),
	}
	collection.ID = id

	if req.Type == string(types.CollectionLocal) {
		if req.BoundAgentGUID == "" {
			ErrUnprocessable(w, "local collections require bound_agent_guid")
			return
		}
		agentGUID, err := guid.Validate(req.BoundAgentGUID, guid.PrefixAgent)
		if err != nil {
			ErrBadRequest(w, "invalid bound_agent_guid")
			return
		}
		agent, err := h.repos.Agents.GetByGUID(r.Context(), agentGUID)
		if err != nil {
			domainError(w, err)
			return
		}
		if agent.TeamID != team.ID {
			ErrUnprocessable(w, "bound agent belongs to another team")
			return
		}
		agentID := agent.ID
		collection.BoundAgentID = &agentID
	} else if req.ConnectorGUID != "" {
		connectorGUID, err := guid.Validate(req.ConnectorGUID, guid.PrefixConnector)
		if err != nil {
			ErrBadRequest(w, "invalid connector_guid")
			return
		}
		connector, err := h.repos.Connectors.GetByGUID(r.Context(), connectorGUID)
		if err != nil {
			domainError(w, err)
			return
		}
		if connector.TeamID != team.ID {
			ErrUnprocessable(w, "connector belongs to another team")
			return
		}
		connectorID := connector.ID
		collection.ConnectorID = &connectorID
	}

	if err := h.repos.Collections.Create(r.Context(), collection); err != nil {
		ErrInternal(w)
		return
	}
	h.logger.Info("collection created",
		zap.String("collection", collection.GUID),
		zap.String("type", collection.Type))
	Created(w, h.toView(r, collection))
}

// GetByGUID returns one collection. Input GUIDs are case-insensitive and
// come back canonical lowercase.
//
// GET /api/v1/collections/{guid}
func (h *CollectionHandler) GetByGUID(w http.ResponseWriter, r *http.Request) {
	collectionGUID, ok := guidParam(w, r, "guid", guid.PrefixCollection)
	if !ok {
		return
	}
	collection, err := h.repos.Collections.GetByGUID(r.Context(), collectionGUID)
	if err != nil {
		domainError(w, err)
		return
	}
	Ok(w, h.toView(r, collection))
}

// List returns a team's collections.
//
// GET /api/v1/collections?team=<tea_guid>
func (h *CollectionHandler) List(w http.ResponseWriter, r *http.Request) {
	team, ok := teamFromQuery(w, r, h.repos)
	if !ok {
		return
	}
	collections, total, err := h.repos.Collections.List(r.Context(), team.ID, pageParams(r))
	if err != nil {
		ErrInternal(w)
		return
	}
	views := make([]collectionView, 0, len(collections))
	for i := range collections {
		views = append(views, h.toView(r, &collections[i]))
	}
	Ok(w, map[string]any{"items": views, "total": total})
}

// Update changes mutable collection fields.
//
// PATCH /api/v1/collections/{guid}
func (h *CollectionHandler) Update(w http.ResponseWriter, r *http.Request) {
	collectionGUID, ok := guidParam(w, r, "guid", guid.PrefixCollection)
	if !ok {
		return
	}
	collection, err := h.repos.Collections.GetByGUID(r.Context(), collectionGUID)
	if err != nil {
		domainError(w, err)
		return
	}

	var req struct {
		Name     *string `json:"name,omitempty"`
		Location *string `json:"location,omitempty"`
		State    *string `json:"state,omitempty"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name != nil {
		collection.Name = *req.Name
	}
	if req.Location != nil {
		collection.Location = *req.Location
	}
	if req.State != nil {
		if *req.State != string(types.CollectionLive) && *req.State != string(types.CollectionArchived) {
			ErrUnprocessable(w, "state must be live or archived")
			return
		}
		collection.State = *req.State
	}
	if err := h.repos.Collections.Update(r.Context(), collection); err != nil {
		domainError(w, err)
		return
	}
	Ok(w, h.toView(r, collection))
}

// Delete removes a collection.
//
// DELETE /api/v1/collections/{guid}
func (h *CollectionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	collectionGUID, ok := guidParam(w, r, "guid", guid.PrefixCollection)
	if !ok {
		return
	}
	collection, err := h.repos.Collections.GetByGUID(r.Context(), collectionGUID)
	if err != nil {
		domainError(w, err)
		return
	}
	if err := h.repos.Collections.Delete(r.Context(), collection.ID); err != nil {
		domainError(w, err)
		return
	}
	NoContent(w)
}
