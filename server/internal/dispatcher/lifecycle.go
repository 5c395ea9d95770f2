package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense/server/internal/db"
	"github.com/fabrice-guiot/shuttersense/server/internal/events"
	"github.com/fabrice-guiot/shuttersense/shared/guid"
	"github.com/fabrice-guiot/shuttersense/shared/signing"
	"github.com/fabrice-guiot/shuttersense/shared/types"
)

// Heartbeat records the agent's liveness snapshot and drains its pending
// commands. This is the only write path for runtime rows, so operator edits
// to the Agent record never race the 30-second heartbeat cadence.
func (s *Service) Heartbeat(ctx context.Context, agent *db.Agent, req types.HeartbeatRequest) (*types.HeartbeatResponse, error) {
	capsJSON, err := json.Marshal(req.Capabilities)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: encode capabilities: %w", err)
	}
	rootsJSON, err := json.Marshal(req.AuthorizedRoots)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: encode roots: %w", err)
	}

	now := time.Now().UTC()
	runtime := &db.AgentRuntime{
		AgentID:             agent.ID,
		Status:              string(types.AgentStatusOnline),
		LastHeartbeatAt:     &now,
		CapabilitiesJSON:    string(capsJSON),
		AuthorizedRootsJSON: string(rootsJSON),
		CPUPercent:          req.Metrics.CPUPercent,
		MemPercent:          req.Metrics.MemPercent,
		DiskFreeGB:          req.Metrics.DiskFreeGB,
	}
	if err := s.repos.Agents.UpsertRuntime(ctx, runtime); err != nil {
		return nil, err
	}

	commands, err := s.repos.Agents.TakeCommands(ctx, agent.ID)
	if err != nil {
		return nil, err
	}

	if s.hub != nil {
		s.hub.Publish(events.AgentTopic(agent.GUID), events.Message{
			Type:  events.MsgAgentMetrics,
			Topic: events.AgentTopic(agent.GUID),
			Payload: map[string]any{
				"cpu_percent":  req.Metrics.CPUPercent,
				"mem_percent":  req.Metrics.MemPercent,
				"disk_free_gb": req.Metrics.DiskFreeGB,
			},
		})
	}

	return &types.HeartbeatResponse{PendingCommands: commands}, nil
}

// Progress relays a running job's progress report. The first report after a
// claim moves the job to running.
func (s *Service) Progress(ctx context.Context, agent *db.Agent, jobGUID string, report types.ProgressReport) error {
	job, err := s.ActiveJobForAgent(ctx, agent, jobGUID)
	if err != nil {
		return err
	}

	if job.Status == string(types.JobStatusClaimed) {
		job.Status = string(types.JobStatusRunning)
		if err := s.repos.Jobs.Update(ctx, job); err != nil {
			return err
		}
		s.publishJobStatus(job, agent.GUID)
	}

	if s.hub != nil {
		s.hub.Publish(events.JobTopic(job.GUID), events.Message{
			Type:    events.MsgJobProgress,
			Topic:   events.JobTopic(job.GUID),
			Payload: report,
		})
	}
	return nil
}

// Complete verifies a signed completion, persists the analysis result, and
// closes the job. When the input-state hash matches a previous canonical
// result for the same (target, tool), the new result is stored as a
// no-change copy pointing at the canonical report instead of duplicating
// the blobs.
func (s *Service) Complete(ctx context.Context, agent *db.Agent, jobGUID string, req types.CompleteRequest) (*types.CompleteResponse, error) {
	job, err := s.ActiveJobForAgent(ctx, agent, jobGUID)
	if err != nil {
		return nil, err
	}
	if !signing.VerifyCompletion(string(job.SigningSecret), req) {
		return nil, ErrBadSignature
	}

	resultsJSON, reportHTML, err := s.collectArtifacts(ctx, job, req)
	if err != nil {
		return nil, err
	}

	result, err := s.buildResult(ctx, job, req, resultsJSON, reportHTML)
	if err != nil {
		return nil, err
	}
	if err := s.repos.Results.Create(ctx, result); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	job.Status = string(types.JobStatusCompleted)
	job.CompletedAt = &now
	if err := s.repos.Jobs.Update(ctx, job); err != nil {
		return nil, err
	}

	if s.uploads != nil {
		s.uploads.Release(ctx, job.ID)
	}

	s.logger.Info("job completed",
		zap.String("job", job.GUID),
		zap.String("result", result.GUID),
		zap.Bool("no_change_copy", result.NoChangeCopy),
		zap.Int("files_scanned", result.FilesScanned),
		zap.Int("issues_found", result.IssuesFound))
	s.publishJobStatus(job, agent.GUID)
	s.publishResultCreated(job, result)

	return &types.CompleteResponse{ResultGUID: result.GUID}, nil
}

// collectArtifacts resolves the results JSON and report HTML from the
// request body and any finalized chunked uploads for the job.
func (s *Service) collectArtifacts(ctx context.Context, job *db.Job, req types.CompleteRequest) (resultsJSON, reportHTML string, err error) {
	switch {
	case req.Results != nil:
		encoded, mErr := json.Marshal(req.Results)
		if mErr != nil {
			return "", "", fmt.Errorf("dispatcher: encode results: %w", mErr)
		}
		resultsJSON = string(encoded)

	case req.UploadID != "" && s.uploads != nil:
		session, blob, uErr := s.uploads.FinalizedBlob(ctx, req.UploadID)
		if uErr != nil {
			return "", "", uErr
		}
		if session.JobID != job.ID || session.UploadType != string(types.UploadResultsJSON) {
			return "", "", fmt.Errorf("dispatcher: upload %s does not carry this job's results", req.UploadID)
		}
		resultsJSON = string(blob)
	}

	reportHTML = req.ReportHTML
	if reportHTML == "" && s.uploads != nil {
		if _, blob, uErr := s.uploads.LatestFinalizedForJob(ctx, job.ID, types.UploadReportHTML); uErr == nil && blob != nil {
			reportHTML = string(blob)
		}
	}
	return resultsJSON, reportHTML, nil
}

// buildResult assembles the AnalysisResult row, applying input-state
// deduplication when a canonical result already carries this fingerprint.
func (s *Service) buildResult(ctx context.Context, job *db.Job, req types.CompleteRequest, resultsJSON, reportHTML string) (*db.AnalysisResult, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("dispatcher: new result id: %w", err)
	}
	resultGUID, err := guid.FromUUID(guid.PrefixResult, id)
	if err != nil {
		return nil, err
	}

	result := &db.AnalysisResult{
		GUID:             resultGUID,
		TeamID:           job.TeamID,
		JobID:            job.ID,
		Tool:             job.Tool,
		TargetEntityType: job.TargetEntityType,
		TargetEntityID:   job.TargetEntityID,
		TargetEntityGUID: job.TargetEntityGUID,
		TargetEntityName: job.TargetEntityName,
		FilesScanned:     req.FilesScanned,
		IssuesFound:      req.IssuesFound,
		InputStateHash:   req.InputStateHash,
	}
	result.ID = id

	canonical, err := s.repos.Results.FindCanonicalByInputState(ctx, job.TargetEntityGUID, job.Tool, req.InputStateHash)
	if err != nil {
		return nil, err
	}
	if canonical != nil {
		result.NoChangeCopy = true
		canonicalID := canonical.ID
		result.DownloadReportFrom = &canonicalID
		return result, nil
	}

	result.ResultsJSON = resultsJSON
	result.ReportHTML = reportHTML
	return result, nil
}

// Fail verifies a signed failure report and closes the job. A report with
// error_message "cancelled" records the job as cancelled rather than failed.
// Neither outcome writes an analysis result.
func (s *Service) Fail(ctx context.Context, agent *db.Agent, jobGUID string, req types.FailRequest) error {
	job, err := s.ActiveJobForAgent(ctx, agent, jobGUID)
	if err != nil {
		return err
	}
	if !signing.VerifyFailure(string(job.SigningSecret), req) {
		return ErrBadSignature
	}

	now := time.Now().UTC()
	if req.ErrorMessage == "cancelled" {
		job.Status = string(types.JobStatusCancelled)
	} else {
		job.Status = string(types.JobStatusFailed)
	}
	job.CompletedAt = &now
	job.ErrorMessage = req.ErrorMessage
	if err := s.repos.Jobs.Update(ctx, job); err != nil {
		return err
	}

	if s.uploads != nil {
		s.uploads.Release(ctx, job.ID)
	}

	s.logger.Info("job closed without result",
		zap.String("job", job.GUID),
		zap.String("status", job.Status),
		zap.String("error", req.ErrorMessage))
	s.publishJobStatus(job, agent.GUID)
	return nil
}

// CancelJob asks for cooperative cancellation. A queued job is cancelled
// immediately; a claimed or running one gets a cancel command delivered on
// its agent's next heartbeat. Terminal jobs return ErrJobNotActive.
func (s *Service) CancelJob(ctx context.Context, teamID uuid.UUID, jobGUID string) error {
	job, err := s.repos.Jobs.GetByGUID(ctx, jobGUID)
	if err != nil {
		return err
	}
	if job.TeamID != teamID {
		return errors.New("dispatcher: job belongs to another team")
	}

	switch types.JobStatus(job.Status) {
	case types.JobStatusQueued:
		now := time.Now().UTC()
		job.Status = string(types.JobStatusCancelled)
		job.CompletedAt = &now
		if err := s.repos.Jobs.Update(ctx, job); err != nil {
			return err
		}
		s.logger.Info("queued job cancelled", zap.String("job", job.GUID))
		s.publishJobStatus(job, "")
		return nil

	case types.JobStatusClaimed, types.JobStatusRunning:
		if job.AgentID == nil {
			return ErrJobNotActive
		}
		command := types.CommandCancelJobPrefix + job.GUID
		if err := s.repos.Agents.EnqueueCommand(ctx, *job.AgentID, command); err != nil {
			return err
		}
		s.logger.Info("cancel command queued", zap.String("job", job.GUID))
		return nil

	default:
		return ErrJobNotActive
	}
}

func (s *Service) publishResultCreated(job *db.Job, result *db.AnalysisResult) {
	if s.hub == nil {
		return
	}
	teamGUID, err := guid.FromUUID(guid.PrefixTeam, job.TeamID)
	if err != nil {
		return
	}
	s.hub.Publish(events.TeamTopic(teamGUID), events.Message{
		Type:  events.MsgResultCreated,
		Topic: events.TeamTopic(teamGUID),
		Payload: map[string]any{
			"result_guid":    result.GUID,
			"job_guid":       job.GUID,
			"target_guid":    result.TargetEntityGUID,
			"tool":           result.Tool,
			"no_change_copy": result.NoChangeCopy,
		},
	})
}
