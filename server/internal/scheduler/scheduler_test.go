package scheduler

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
	"github.com/fabrice-guiot/shuttersense/server/internal/dispatcher"
	"github.com/fabrice-guiot/shuttersense/server/internal/repositories"
	"github.com/fabrice-guiot/shuttersense/server/internal/retention"
	"github.com/fabrice-guiot/shuttersense/server/internal/uploads"
	"github.com/fabrice-guiot/shuttersense/shared/guid"
	"github.com/fabrice-guiot/shuttersense/shared/types"
)

func newTestScheduler(t *testing.T) (*Scheduler, *repositories.Repositories) {
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
	store, err := uploads.NewDiskStore(filepath.Join(t.TempDir(), "chunks"))
	require.NoError(t, err)
	uploadSvc := uploads.NewService(repos.Uploads, store, zap.NewNop())
	disp := dispatcher.New(repos, uploadSvc, nil, zap.NewNop())
	sweeper := retention.NewSweeper(repos, zap.NewNop())

	sched, err := New(repos, disp, uploadSvc, sweeper, Intervals{}, zap.NewNop())
	require.NoError(t, err)
	return sched, repos
}

func seedTeam(t *testing.T, repos *repositories.Repositories) *db.Team {
	t.Helper()
	team := &db.Team{GUID: guid.MustNew(guid.PrefixTeam), Name: "studio", ConfigJSON: "{}"}
	require.NoError(t, repos.Teams.Create(context.Background(), team))
	return team
}

func seedBoundCollection(t *testing.T, repos *repositories.Repositories, team *db.Team) *db.Collection {
	t.Helper()
	ctx := context.Background()
	agent := &db.Agent{
		GUID:       guid.MustNew(guid.PrefixAgent),
		TeamID:     team.ID,
		Name:       "studio-imac",
		APIKeyHash: guid.MustNew(guid.PrefixAgent), // any unique string
	}
	require.NoError(t, repos.Agents.Create(ctx, agent))

	collection := &db.Collection{
		GUID:         guid.MustNew(guid.PrefixCollection),
		TeamID:       team.ID,
		Name:         "archive-2025",
		Type:         string(types.CollectionLocal),
		Location:     "/photos/archive-2025",
		BoundAgentID: &agent.ID,
	}
	require.NoError(t, repos.Collections.Create(ctx, collection))
	return collection
}

func seedSchedule(t *testing.T, repos *repositories.Repositories, team *db.Team, collection *db.Collection, cronExpr string, enabled bool) *db.Schedule {
	t.Helper()
	schedule := &db.Schedule{
		GUID:         guid.MustNew(guid.PrefixRelease),
		TeamID:       team.ID,
		CollectionID: collection.ID,
		Tool:         string(types.ToolPhotoStats),
		CronExpr:     cronExpr,
		Enabled:      enabled,
	}
	require.NoError(t, repos.Schedules.Create(context.Background(), schedule))
	return schedule
}

func TestFireDueEnqueuesAndAdvances(t *testing.T) {
	sched, repos := newTestScheduler(t)
	ctx := context.Background()
	team := seedTeam(t, repos)
	collection := seedBoundCollection(t, repos, team)

	// next_fire_at is NULL, so the schedule counts as due immediately.
	schedule := seedSchedule(t, repos, team, collection, "0 3 * * *", true)

	now := time.Now().UTC()
	fired, err := sched.FireDue(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	jobs, total, err := repos.Jobs.List(ctx, team.ID, "", repositories.ListOptions{Limit: 10})
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	assert.Equal(t, string(types.JobStatusQueued), jobs[0].Status)
	assert.Equal(t, collection.GUID, jobs[0].TargetEntityGUID)
	require.NotNil(t, jobs[0].ScheduleID)
	assert.Equal(t, schedule.ID, *jobs[0].ScheduleID)

	updated, err := repos.Schedules.GetByGUID(ctx, schedule.GUID)
	require.NoError(t, err)
	require.NotNil(t, updated.LastFiredAt)
	require.NotNil(t, updated.NextFireAt)
	assert.True(t, updated.NextFireAt.After(now))

	// The advanced fire time keeps it out of the next scan.
	fired, err = sched.FireDue(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, fired)
}

func TestFireDueSkipsDisabled(t *testing.T) {
	sched, repos := newTestScheduler(t)
	ctx := context.Background()
	team := seedTeam(t, repos)
	collection := seedBoundCollection(t, repos, team)
	seedSchedule(t, repos, team, collection, "0 3 * * *", false)

	fired, err := sched.FireDue(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Zero(t, fired)

	_, total, err := repos.Jobs.List(ctx, team.ID, "", repositories.ListOptions{Limit: 10})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestFireDueDisablesMalformedCron(t *testing.T) {
	sched, repos := newTestScheduler(t)
	ctx := context.Background()
	team := seedTeam(t, repos)
	collection := seedBoundCollection(t, repos, team)
	schedule := seedSchedule(t, repos, team, collection, "not a cron", true)

	fired, err := sched.FireDue(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Zero(t, fired)

	updated, err := repos.Schedules.GetByGUID(ctx, schedule.GUID)
	require.NoError(t, err)
	assert.False(t, updated.Enabled)
}

func TestFireDueSkipsArchivedCollections(t *testing.T) {
	sched, repos := newTestScheduler(t)
	ctx := context.Background()
	team := seedTeam(t, repos)
	collection := seedBoundCollection(t, repos, team)
	collection.State = string(types.CollectionArchived)
	require.NoError(t, repos.Collections.Update(ctx, collection))
	schedule := seedSchedule(t, repos, team, collection, "0 3 * * *", true)

	now := time.Now().UTC()
	fired, err := sched.FireDue(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, fired)

	_, total, err := repos.Jobs.List(ctx, team.ID, "", repositories.ListOptions{Limit: 10})
	require.NoError(t, err)
	assert.Zero(t, total)

	// The fire time still advances so the scan does not revisit it.
	updated, err := repos.Schedules.GetByGUID(ctx, schedule.GUID)
	require.NoError(t, err)
	require.NotNil(t, updated.NextFireAt)
	assert.True(t, updated.NextFireAt.After(now))
}

func TestStartAndStop(t *testing.T) {
	sched, _ := newTestScheduler(t)
	require.NoError(t, sched.Start())
	require.NoError(t, sched.Stop())
}
