// Package dispatcher owns the server side of the job lifecycle: enqueueing,
// capability-matched claiming, progress, signed completion and failure,
// cooperative cancellation, and the liveness monitor that reclaims jobs
// from silent agents.
package dispatcher

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense/server/internal/db"
	"github.com/fabrice-guiot/shuttersense/server/internal/events"
	"github.com/fabrice-guiot/shuttersense/server/internal/repositories"
	"github.com/fabrice-guiot/shuttersense/server/internal/uploads"
	"github.com/fabrice-guiot/shuttersense/shared/types"
)

// Sentinel errors mapped to HTTP statuses by the transport layer.
var (
	// ErrBadSignature is returned when a terminal request's HMAC does not
	// verify against the claim's signing secret.
	ErrBadSignature = errors.New("dispatcher: bad signature")

	// ErrNotJobAgent is returned when an agent touches a job claimed by a
	// different agent.
	ErrNotJobAgent = errors.New("dispatcher: job belongs to another agent")

	// ErrJobNotActive is returned when a terminal or progress request
	// arrives for a job that is not claimed or running.
	ErrJobNotActive = errors.New("dispatcher: job is not active")

	// ErrNoEligibleAgent is returned on job creation when a local
	// collection has no bound agent to pin the job to.
	ErrNoEligibleAgent = errors.New("dispatcher: collection has no bound agent")
)

// Service coordinates jobs between the HTTP handlers, the repositories, the
// upload store, and the event hub.
type Service struct {
	repos   *repositories.Repositories
	uploads *uploads.Service
	hub     *events.Hub
	logger  *zap.Logger
}

// New creates a dispatcher Service. hub may be nil in tests; events are then
// dropped.
func New(repos *repositories.Repositories, up *uploads.Service, hub *events.Hub, logger *zap.Logger) *Service {
	return &Service{
		repos:   repos,
		uploads: up,
		hub:     hub,
		logger:  logger.Named("dispatcher"),
	}
}

// ─── Capabilities ────────────────────────────────────────────────────────────

// AgentCapabilities is the parsed form of an agent's capability strings.
type AgentCapabilities struct {
	// Tools the agent can run, by name.
	Tools []string

	// ConnectorGUIDs the agent holds vault credentials for.
	ConnectorGUIDs []string
}

// ParseCapabilities splits the advertised capability strings into tool names
// and connector GUIDs. Strings it does not recognize are ignored so newer
// agents can advertise capabilities this server predates.
func ParseCapabilities(caps []string) AgentCapabilities {
	var parsed AgentCapabilities
	for _, c := range caps {
		switch {
		case strings.HasPrefix(c, "tool:"):
			// "tool:<name>:<version>"
			rest := strings.TrimPrefix(c, "tool:")
			if name, _, ok := strings.Cut(rest, ":"); ok && name != "" {
				parsed.Tools = append(parsed.Tools, name)
			}
		case strings.HasPrefix(c, "connector:"):
			if guid := strings.TrimPrefix(c, "connector:"); guid != "" {
				parsed.ConnectorGUIDs = append(parsed.ConnectorGUIDs, guid)
			}
		}
	}
	return parsed
}

// ─── Claiming ────────────────────────────────────────────────────────────────

// Claim hands the best matching queued job to the agent, or returns
// (nil, nil) when nothing is eligible. The signing secret is rotated on
// every claim and returned to the agent exactly once.
func (s *Service) Claim(ctx context.Context, agent *db.Agent, req types.ClaimRequest) (*types.ClaimResponse, error) {
	caps := ParseCapabilities(req.Capabilities)
	if len(caps.Tools) == 0 {
		return nil, nil
	}

	secret, err := newSigningSecret()
	if err != nil {
		return nil, err
	}

	job, err := s.repos.Jobs.ClaimNext(ctx, repositories.ClaimFilter{
		TeamID:         agent.TeamID,
		AgentID:        agent.ID,
		Tools:          caps.Tools,
		ConnectorGUIDs: caps.ConnectorGUIDs,
	}, secret)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, nil
	}

	s.logger.Info("job claimed",
		zap.String("job", job.GUID),
		zap.String("tool", job.Tool),
		zap.String("agent", agent.GUID))
	s.publishJobStatus(job, agent.GUID)

	return &types.ClaimResponse{
		Job: types.ClaimedJob{
			GUID: job.GUID,
			Tool: types.Tool(job.Tool),
			Target: types.Target{
				EntityType: types.TargetEntityType(job.TargetEntityType),
				EntityGUID: job.TargetEntityGUID,
				EntityName: job.TargetEntityName,
			},
			ContextJSON: job.ContextJSON,
			Priority:    job.Priority,
		},
		SigningSecret: secret,
	}, nil
}

// newSigningSecret returns 32 random bytes, hex-encoded.
func newSigningSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("dispatcher: generate signing secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// ActiveJobForAgent loads a job by GUID and checks the calling agent holds
// it in a non-terminal state. The upload initiation path uses it to
// authorize new sessions against the job owner.
func (s *Service) ActiveJobForAgent(ctx context.Context, agent *db.Agent, jobGUID string) (*db.Job, error) {
	job, err := s.repos.Jobs.GetByGUID(ctx, jobGUID)
	if err != nil {
		return nil, err
	}
	if job.AgentID == nil || *job.AgentID != agent.ID {
		return nil, ErrNotJobAgent
	}
	if job.Status != string(types.JobStatusClaimed) && job.Status != string(types.JobStatusRunning) {
		return nil, ErrJobNotActive
	}
	return job, nil
}

func (s *Service) publishJobStatus(job *db.Job, agentGUID string) {
	if s.hub == nil {
		return
	}
	payload := map[string]any{"status": job.Status}
	if agentGUID != "" {
		payload["agent_guid"] = agentGUID
	}
	if job.ErrorMessage != "" {
		payload["error_message"] = job.ErrorMessage
	}
	s.hub.Publish(events.JobTopic(job.GUID), events.Message{
		Type:    events.MsgJobStatus,
		Topic:   events.JobTopic(job.GUID),
		Payload: payload,
	})
}
