package dispatcher

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/fabrice-guiot/shuttersense/server/internal/db"
	"github.com/fabrice-guiot/shuttersense/server/internal/repositories"
	"github.com/fabrice-guiot/shuttersense/shared/guid"
	"github.com/fabrice-guiot/shuttersense/shared/signing"
	"github.com/fabrice-guiot/shuttersense/shared/types"
)

func newTestService(t *testing.T) (*Service, *repositories.Repositories) {
	t.Helper()
	require.NoError(t, db.InitEncryption([]byte("0123456789abcdef0123456789abcdef")))

	database, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      filepath.Join(t.TempDir(), "test.db"),
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)

	repos := repositories.New(database)
	return New(repos, nil, nil, zap.NewNop()), repos
}

func seedTeam(t *testing.T, repos *repositories.Repositories) *db.Team {
	t.Helper()
	team := &db.Team{GUID: guid.MustNew(guid.PrefixTeam), Name: "studio", ConfigJSON: "{}"}
	require.NoError(t, repos.Teams.Create(context.Background(), team))
	return team
}

func seedAgent(t *testing.T, repos *repositories.Repositories, team *db.Team) *db.Agent {
	t.Helper()
	agent := &db.Agent{
		GUID:       guid.MustNew(guid.PrefixAgent),
		TeamID:     team.ID,
		Name:       "studio-imac",
		APIKeyHash: guid.MustNew(guid.PrefixAgent), // any unique string
	}
	require.NoError(t, repos.Agents.Create(context.Background(), agent))
	return agent
}

func seedLocalCollection(t *testing.T, repos *repositories.Repositories, team *db.Team, boundTo *db.Agent) *db.Collection {
	t.Helper()
	collection := &db.Collection{
		GUID:     guid.MustNew(guid.PrefixCollection),
		TeamID:   team.ID,
		Name:     "archive-2025",
		Type:     string(types.CollectionLocal),
		Location: "/photos/archive-2025",
	}
	if boundTo != nil {
		id := boundTo.ID
		collection.BoundAgentID = &id
	}
	require.NoError(t, repos.Collections.Create(context.Background(), collection))
	return collection
}

var photostatsCaps = types.ClaimRequest{Capabilities: []string{"tool:photostats:1.0"}}

func TestParseCapabilities(t *testing.T) {
	caps := ParseCapabilities([]string{
		"tool:photostats:1.0",
		"tool:photo_pairing:1.0",
		"connector:con_0123456789abcdefghjkmnpqrstv",
		"something:new",
	})
	assert.Equal(t, []string{"photostats", "photo_pairing"}, caps.Tools)
	assert.Equal(t, []string{"con_0123456789abcdefghjkmnpqrstv"}, caps.ConnectorGUIDs)
}

func TestClaimAndComplete(t *testing.T) {
	svc, repos := newTestService(t)
	ctx := context.Background()
	team := seedTeam(t, repos)
	agent := seedAgent(t, repos, team)
	collection := seedLocalCollection(t, repos, team, agent)

	job, err := svc.EnqueueForCollection(ctx, collection, types.ToolPhotoStats, EnqueueOptions{})
	require.NoError(t, err)
	assert.Equal(t, string(types.JobStatusQueued), job.Status)

	claim, err := svc.Claim(ctx, agent, photostatsCaps)
	require.NoError(t, err)
	require.NotNil(t, claim)
	assert.Equal(t, job.GUID, claim.Job.GUID)
	assert.Equal(t, collection.GUID, claim.Job.Target.EntityGUID)
	assert.Len(t, claim.SigningSecret, 64)
	assert.Contains(t, claim.Job.ContextJSON, "/photos/archive-2025")

	// A second claim has nothing left.
	second, err := svc.Claim(ctx, agent, photostatsCaps)
	require.NoError(t, err)
	assert.Nil(t, second)

	req := types.CompleteRequest{
		Results:        map[string]any{"total_files": 10},
		FilesScanned:   10,
		IssuesFound:    1,
		InputStateHash: "aaaa",
	}
	req.Signature, err = signing.SignCompletion(claim.SigningSecret, req)
	require.NoError(t, err)

	resp, err := svc.Complete(ctx, agent, job.GUID, req)
	require.NoError(t, err)

	result, err := repos.Results.GetByGUID(ctx, resp.ResultGUID)
	require.NoError(t, err)
	assert.Equal(t, 10, result.FilesScanned)
	assert.False(t, result.NoChangeCopy)
	assert.Contains(t, result.ResultsJSON, "total_files")

	done, err := repos.Jobs.GetByGUID(ctx, job.GUID)
	require.NoError(t, err)
	assert.Equal(t, string(types.JobStatusCompleted), done.Status)
	assert.NotNil(t, done.CompletedAt)
}

func TestCompleteRejectsBadSignature(t *testing.T) {
	svc, repos := newTestService(t)
	ctx := context.Background()
	team := seedTeam(t, repos)
	agent := seedAgent(t, repos, team)
	collection := seedLocalCollection(t, repos, team, agent)

	job, err := svc.EnqueueForCollection(ctx, collection, types.ToolPhotoStats, EnqueueOptions{})
	require.NoError(t, err)
	_, err = svc.Claim(ctx, agent, photostatsCaps)
	require.NoError(t, err)

	req := types.CompleteRequest{FilesScanned: 1, Signature: "0000"}
	_, err = svc.Complete(ctx, agent, job.GUID, req)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestCompleteDeduplicatesByInputState(t *testing.T) {
	svc, repos := newTestService(t)
	ctx := context.Background()
	team := seedTeam(t, repos)
	agent := seedAgent(t, repos, team)
	collection := seedLocalCollection(t, repos, team, agent)

	runOnce := func() string {
		job, err := svc.EnqueueForCollection(ctx, collection, types.ToolPhotoStats, EnqueueOptions{})
		require.NoError(t, err)
		claim, err := svc.Claim(ctx, agent, photostatsCaps)
		require.NoError(t, err)
		require.NotNil(t, claim)
		require.Equal(t, job.GUID, claim.Job.GUID)

		req := types.CompleteRequest{
			Results:        map[string]any{"total_files": 10},
			FilesScanned:   10,
			InputStateHash: "same-fingerprint",
		}
		req.Signature, err = signing.SignCompletion(claim.SigningSecret, req)
		require.NoError(t, err)
		resp, err := svc.Complete(ctx, agent, job.GUID, req)
		require.NoError(t, err)
		return resp.ResultGUID
	}

	first := runOnce()
	second := runOnce()

	canonical, err := repos.Results.GetByGUID(ctx, first)
	require.NoError(t, err)
	assert.False(t, canonical.NoChangeCopy)

	copyResult, err := repos.Results.GetByGUID(ctx, second)
	require.NoError(t, err)
	assert.True(t, copyResult.NoChangeCopy)
	require.NotNil(t, copyResult.DownloadReportFrom)
	assert.Equal(t, canonical.ID, *copyResult.DownloadReportFrom)
	assert.Empty(t, copyResult.ResultsJSON)
}

func TestFailRecordsCancelledStatus(t *testing.T) {
	svc, repos := newTestService(t)
	ctx := context.Background()
	team := seedTeam(t, repos)
	agent := seedAgent(t, repos, team)
	collection := seedLocalCollection(t, repos, team, agent)

	job, err := svc.EnqueueForCollection(ctx, collection, types.ToolPhotoStats, EnqueueOptions{})
	require.NoError(t, err)
	claim, err := svc.Claim(ctx, agent, photostatsCaps)
	require.NoError(t, err)

	req := types.FailRequest{ErrorMessage: "cancelled"}
	req.Signature, err = signing.SignFailure(claim.SigningSecret, req)
	require.NoError(t, err)
	require.NoError(t, svc.Fail(ctx, agent, job.GUID, req))

	closed, err := repos.Jobs.GetByGUID(ctx, job.GUID)
	require.NoError(t, err)
	assert.Equal(t, string(types.JobStatusCancelled), closed.Status)

	// No result row is written for a cancelled job.
	results, total, err := repos.Results.ListByTarget(ctx, team.ID, collection.GUID, repositories.ListOptions{Limit: 10})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, results)
}

func TestClaimHonorsPinnedAgent(t *testing.T) {
	svc, repos := newTestService(t)
	ctx := context.Background()
	team := seedTeam(t, repos)
	owner := seedAgent(t, repos, team)
	other := seedAgent(t, repos, team)
	collection := seedLocalCollection(t, repos, team, owner)

	_, err := svc.EnqueueForCollection(ctx, collection, types.ToolPhotoStats, EnqueueOptions{})
	require.NoError(t, err)

	claim, err := svc.Claim(ctx, other, photostatsCaps)
	require.NoError(t, err)
	assert.Nil(t, claim)

	claim, err = svc.Claim(ctx, owner, photostatsCaps)
	require.NoError(t, err)
	assert.NotNil(t, claim)
}

func TestClaimSkipsToolsOutsideCapabilities(t *testing.T) {
	svc, repos := newTestService(t)
	ctx := context.Background()
	team := seedTeam(t, repos)
	agent := seedAgent(t, repos, team)
	collection := seedLocalCollection(t, repos, team, agent)

	_, err := svc.EnqueueForCollection(ctx, collection, types.ToolPhotoPairing, EnqueueOptions{})
	require.NoError(t, err)

	claim, err := svc.Claim(ctx, agent, photostatsCaps)
	require.NoError(t, err)
	assert.Nil(t, claim)
}

func TestCancelJobQueuedAndRunning(t *testing.T) {
	svc, repos := newTestService(t)
	ctx := context.Background()
	team := seedTeam(t, repos)
	agent := seedAgent(t, repos, team)
	collection := seedLocalCollection(t, repos, team, agent)

	// Queued job cancels immediately.
	queued, err := svc.EnqueueForCollection(ctx, collection, types.ToolPhotoStats, EnqueueOptions{})
	require.NoError(t, err)
	require.NoError(t, svc.CancelJob(ctx, team.ID, queued.GUID))
	cancelled, err := repos.Jobs.GetByGUID(ctx, queued.GUID)
	require.NoError(t, err)
	assert.Equal(t, string(types.JobStatusCancelled), cancelled.Status)

	// Claimed job gets a cancel command for its agent instead.
	claimedJob, err := svc.EnqueueForCollection(ctx, collection, types.ToolPhotoStats, EnqueueOptions{})
	require.NoError(t, err)
	_, err = svc.Claim(ctx, agent, photostatsCaps)
	require.NoError(t, err)
	require.NoError(t, svc.CancelJob(ctx, team.ID, claimedJob.GUID))

	resp, err := svc.Heartbeat(ctx, agent, types.HeartbeatRequest{})
	require.NoError(t, err)
	require.Len(t, resp.PendingCommands, 1)
	assert.Equal(t, types.CommandCancelJobPrefix+claimedJob.GUID, resp.PendingCommands[0])

	// Commands are delivered exactly once.
	resp, err = svc.Heartbeat(ctx, agent, types.HeartbeatRequest{})
	require.NoError(t, err)
	assert.Empty(t, resp.PendingCommands)
}

func TestSweepLivenessRequeuesSilentAgentJobs(t *testing.T) {
	svc, repos := newTestService(t)
	ctx := context.Background()
	team := seedTeam(t, repos)
	agent := seedAgent(t, repos, team)
	collection := seedLocalCollection(t, repos, team, agent)

	job, err := svc.EnqueueForCollection(ctx, collection, types.ToolPhotoStats, EnqueueOptions{})
	require.NoError(t, err)
	_, err = svc.Claim(ctx, agent, photostatsCaps)
	require.NoError(t, err)

	// Plant a heartbeat older than the timeout.
	stale := time.Now().UTC().Add(-2 * HeartbeatTimeout)
	require.NoError(t, repos.Agents.UpsertRuntime(ctx, &db.AgentRuntime{
		AgentID:             agent.ID,
		Status:              string(types.AgentStatusOnline),
		LastHeartbeatAt:     &stale,
		CapabilitiesJSON:    "[]",
		AuthorizedRootsJSON: "[]",
	}))

	transitioned, err := svc.SweepLiveness(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, transitioned)

	runtime, err := repos.Agents.GetRuntime(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, string(types.AgentStatusOffline), runtime.Status)

	requeued, err := repos.Jobs.GetByGUID(ctx, job.GUID)
	require.NoError(t, err)
	assert.Equal(t, string(types.JobStatusQueued), requeued.Status)
	assert.Equal(t, 1, requeued.RetryCount)
	// Bound local collection, so the requeued job stays pinned.
	require.NotNil(t, requeued.AgentID)
	assert.Equal(t, agent.ID, *requeued.AgentID)
}

func TestRequeueKeepsBoundCollectionPin(t *testing.T) {
	svc, repos := newTestService(t)
	ctx := context.Background()
	team := seedTeam(t, repos)
	owner := seedAgent(t, repos, team)
	other := seedAgent(t, repos, team)
	collection := seedLocalCollection(t, repos, team, owner)

	job, err := svc.EnqueueForCollection(ctx, collection, types.ToolPhotoStats, EnqueueOptions{})
	require.NoError(t, err)

	claim, err := svc.Claim(ctx, owner, photostatsCaps)
	require.NoError(t, err)
	require.NotNil(t, claim)

	status, err := repos.Jobs.Requeue(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, string(types.JobStatusQueued), status)

	// The requeued job still belongs to the bound agent: another agent
	// cannot claim a job whose path only the owner can reach.
	stolen, err := svc.Claim(ctx, other, photostatsCaps)
	require.NoError(t, err)
	assert.Nil(t, stolen)

	reclaimed, err := svc.Claim(ctx, owner, photostatsCaps)
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, job.GUID, reclaimed.Job.GUID)
}

func TestRequeueExhaustedRetriesFailsJob(t *testing.T) {
	svc, repos := newTestService(t)
	ctx := context.Background()
	team := seedTeam(t, repos)
	agent := seedAgent(t, repos, team)
	collection := seedLocalCollection(t, repos, team, agent)

	job, err := svc.EnqueueForCollection(ctx, collection, types.ToolPhotoStats, EnqueueOptions{MaxRetries: 1})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		claim, err := svc.Claim(ctx, agent, photostatsCaps)
		require.NoError(t, err)
		require.NotNil(t, claim, "claim %d", i)
		_, err = repos.Jobs.Requeue(ctx, job.ID)
		if i == 0 {
			require.NoError(t, err)
		} else {
			require.ErrorIs(t, err, repositories.ErrRetriesExhausted)
		}
	}

	failed, err := repos.Jobs.GetByGUID(ctx, job.GUID)
	require.NoError(t, err)
	assert.Equal(t, string(types.JobStatusFailed), failed.Status)
}

func TestEnqueueLocalCollectionWithoutAgent(t *testing.T) {
	svc, repos := newTestService(t)
	ctx := context.Background()
	team := seedTeam(t, repos)
	collection := seedLocalCollection(t, repos, team, nil)

	_, err := svc.EnqueueForCollection(ctx, collection, types.ToolPhotoStats, EnqueueOptions{})
	assert.ErrorIs(t, err, ErrNoEligibleAgent)
}

func TestProgressMovesJobToRunning(t *testing.T) {
	svc, repos := newTestService(t)
	ctx := context.Background()
	team := seedTeam(t, repos)
	agent := seedAgent(t, repos, team)
	collection := seedLocalCollection(t, repos, team, agent)

	job, err := svc.EnqueueForCollection(ctx, collection, types.ToolPhotoStats, EnqueueOptions{})
	require.NoError(t, err)
	_, err = svc.Claim(ctx, agent, photostatsCaps)
	require.NoError(t, err)

	require.NoError(t, svc.Progress(ctx, agent, job.GUID, types.ProgressReport{Stage: "scanning"}))
	running, err := repos.Jobs.GetByGUID(ctx, job.GUID)
	require.NoError(t, err)
	assert.Equal(t, string(types.JobStatusRunning), running.Status)

	// Another agent cannot report on this job.
	intruder := seedAgent(t, repos, team)
	err = svc.Progress(ctx, intruder, job.GUID, types.ProgressReport{Stage: "scanning"})
	assert.ErrorIs(t, err, ErrNotJobAgent)
}

func TestClaimConnectorBackedCollection(t *testing.T) {
	svc, repos := newTestService(t)
	ctx := context.Background()
	team := seedTeam(t, repos)
	agent := seedAgent(t, repos, team)

	connector := &db.Connector{
		GUID:               guid.MustNew(guid.PrefixConnector),
		TeamID:             team.ID,
		Name:               "studio-s3",
		Type:               string(types.ConnectorS3),
		CredentialLocation: string(types.CredentialAgent),
	}
	require.NoError(t, repos.Connectors.Create(ctx, connector))

	connectorID := connector.ID
	collection := &db.Collection{
		GUID:        guid.MustNew(guid.PrefixCollection),
		TeamID:      team.ID,
		Name:        "cloud-archive",
		Type:        string(types.CollectionS3),
		Location:    "s3://bucket/photos",
		ConnectorID: &connectorID,
	}
	require.NoError(t, repos.Collections.Create(ctx, collection))

	_, err := svc.EnqueueForCollection(ctx, collection, types.ToolPhotoStats, EnqueueOptions{})
	require.NoError(t, err)

	// Without the connector capability the job stays queued.
	claim, err := svc.Claim(ctx, agent, photostatsCaps)
	require.NoError(t, err)
	assert.Nil(t, claim)

	withCreds := types.ClaimRequest{Capabilities: []string{
		"tool:photostats:1.0",
		"connector:" + connector.GUID,
	}}
	claim, err = svc.Claim(ctx, agent, withCreds)
	require.NoError(t, err)
	require.NotNil(t, claim)
	assert.Contains(t, claim.Job.ContextJSON, connector.GUID)
}
