package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense/server/internal/db"
	"github.com/fabrice-guiot/shuttersense/shared/guid"
	"github.com/fabrice-guiot/shuttersense/shared/types"
)

// jobContext is the execution context serialized into Job.ContextJSON for
// collection targets. The agent decodes it to pick a storage adapter.
type jobContext struct {
	CollectionType types.CollectionType `json:"collection_type"`
	Location       string               `json:"location"`
	ConnectorGUID  string               `json:"connector_guid,omitempty"`
}

// EnqueueOptions carries the optional knobs of job creation.
type EnqueueOptions struct {
	Priority   int
	MaxRetries int
	ScheduleID *uuid.UUID
}

// EnqueueForCollection creates a queued job analyzing one collection. Local
// collections pin the job to the collection's bound agent; remote ones leave
// it open and rely on capability matching at claim time.
func (s *Service) EnqueueForCollection(ctx context.Context, collection *db.Collection, tool types.Tool, opts EnqueueOptions) (*db.Job, error) {
	if !types.ValidTool(tool) {
		return nil, fmt.Errorf("dispatcher: unknown tool %q", tool)
	}

	jc := jobContext{
		CollectionType: types.CollectionType(collection.Type),
		Location:       collection.Location,
	}

	var pinned *uuid.UUID
	if collection.Type == string(types.CollectionLocal) {
		if collection.BoundAgentID == nil {
			return nil, ErrNoEligibleAgent
		}
		agentID := *collection.BoundAgentID
		pinned = &agentID
	} else if collection.ConnectorID != nil {
		connector, err := s.repos.Connectors.GetByID(ctx, *collection.ConnectorID)
		if err != nil {
			return nil, err
		}
		jc.ConnectorGUID = connector.GUID
	}

	contextJSON, err := json.Marshal(jc)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: encode job context: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("dispatcher: new job id: %w", err)
	}
	jobGUID, err := guid.FromUUID(guid.PrefixJob, id)
	if err != nil {
		return nil, err
	}

	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	job := &db.Job{
		GUID:             jobGUID,
		TeamID:           collection.TeamID,
		Tool:             string(tool),
		Status:           string(types.JobStatusQueued),
		Priority:         opts.Priority,
		TargetEntityType: string(types.TargetCollection),
		TargetEntityID:   collection.ID,
		TargetEntityGUID: collection.GUID,
		TargetEntityName: collection.Name,
		ContextJSON:      string(contextJSON),
		AgentID:          pinned,
		MaxRetries:       maxRetries,
		ScheduleID:       opts.ScheduleID,
	}
	job.ID = id

	if err := s.repos.Jobs.Create(ctx, job); err != nil {
		return nil, err
	}

	s.logger.Info("job enqueued",
		zap.String("job", job.GUID),
		zap.String("tool", job.Tool),
		zap.String("collection", collection.GUID),
		zap.Int("priority", job.Priority))
	s.publishJobStatus(job, "")
	return job, nil
}
