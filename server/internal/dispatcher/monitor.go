package dispatcher

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense/server/internal/events"
	"github.com/fabrice-guiot/shuttersense/server/internal/repositories"
	"github.com/fabrice-guiot/shuttersense/shared/guid"
	"github.com/fabrice-guiot/shuttersense/shared/types"
)

// HeartbeatTimeout is how long an agent may stay silent before the liveness
// monitor marks it offline and reclaims its jobs. Three missed beats at the
// agent's 30-second cadence.
const HeartbeatTimeout = 90 * time.Second

// SweepLiveness finds agents that went silent, marks them offline, and
// returns their claimed or running jobs to the queue. Jobs out of retries
// are failed. Returns the number of agents transitioned.
func (s *Service) SweepLiveness(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-HeartbeatTimeout)
	silent, err := s.repos.Agents.ListSilentOnline(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	for _, runtime := range silent {
		if err := s.repos.Agents.SetRuntimeStatus(ctx, runtime.AgentID, string(types.AgentStatusOffline)); err != nil {
			s.logger.Warn("agent not marked offline", zap.Error(err))
			continue
		}

		agent, err := s.repos.Agents.GetByID(ctx, runtime.AgentID)
		if err != nil {
			// Soft-deleted agents still leave a runtime row behind; their
			// jobs are reclaimed below either way.
			agent = nil
		}

		agentGUID := ""
		if agent != nil {
			agentGUID = agent.GUID
		} else if g, gErr := guid.FromUUID(guid.PrefixAgent, runtime.AgentID); gErr == nil {
			agentGUID = g
		}
		s.logger.Warn("agent went silent", zap.String("agent", agentGUID))

		if s.hub != nil && agentGUID != "" {
			s.hub.Publish(events.AgentTopic(agentGUID), events.Message{
				Type:    events.MsgAgentStatus,
				Topic:   events.AgentTopic(agentGUID),
				Payload: map[string]any{"status": string(types.AgentStatusOffline)},
			})
		}

		s.reclaimJobs(ctx, runtime.AgentID, agentGUID)
	}
	return len(silent), nil
}

// reclaimJobs requeues every active job held by a silent agent.
func (s *Service) reclaimJobs(ctx context.Context, agentID uuid.UUID, agentGUID string) {
	jobs, err := s.repos.Jobs.ListActiveByAgent(ctx, agentID)
	if err != nil {
		s.logger.Warn("active jobs not listed for silent agent", zap.Error(err))
		return
	}

	for _, job := range jobs {
		status, err := s.repos.Jobs.Requeue(ctx, job.ID)
		if err != nil && !errors.Is(err, repositories.ErrRetriesExhausted) {
			s.logger.Warn("job not requeued",
				zap.String("job", job.GUID), zap.Error(err))
			continue
		}

		s.logger.Info("job reclaimed from silent agent",
			zap.String("job", job.GUID),
			zap.String("agent", agentGUID),
			zap.String("status", status))

		job.Status = status
		s.publishJobStatus(&job, "")
	}
}
