package retention

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/gorm"

	"github.com/fabrice-guiot/shuttersense/server/internal/db"
	"github.com/fabrice-guiot/shuttersense/server/internal/repositories"
	"github.com/fabrice-guiot/shuttersense/shared/guid"
	"github.com/fabrice-guiot/shuttersense/shared/types"
)

func newTestSweeper(t *testing.T) (*Sweeper, *repositories.Repositories, *gorm.DB) {
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
	return NewSweeper(repos, zap.NewNop()), repos, database
}

func seedTeam(t *testing.T, repos *repositories.Repositories) *db.Team {
	t.Helper()
	team := &db.Team{GUID: guid.MustNew(guid.PrefixTeam), Name: "studio", ConfigJSON: "{}"}
	require.NoError(t, repos.Teams.Create(context.Background(), team))
	return team
}

// seedJob inserts a terminal job and backdates completed_at by age.
func seedJob(t *testing.T, repos *repositories.Repositories, team *db.Team, status string, age time.Duration) *db.Job {
	t.Helper()
	ctx := context.Background()
	done := time.Now().UTC().Add(-age)
	job := &db.Job{
		GUID:             guid.MustNew(guid.PrefixJob),
		TeamID:           team.ID,
		Tool:             string(types.ToolPhotoStats),
		Status:           status,
		TargetEntityType: string(types.TargetCollection),
		TargetEntityGUID: guid.MustNew(guid.PrefixCollection),
		TargetEntityName: "archive",
		CompletedAt:      &done,
	}
	require.NoError(t, repos.Jobs.Create(ctx, job))
	return job
}

// seedResult inserts a result and backdates created_at by age.
func seedResult(t *testing.T, repos *repositories.Repositories, database *gorm.DB, team *db.Team, targetGUID string, age time.Duration, canonical *db.AnalysisResult) *db.AnalysisResult {
	t.Helper()
	ctx := context.Background()
	result := &db.AnalysisResult{
		GUID:             guid.MustNew(guid.PrefixResult),
		TeamID:           team.ID,
		JobID:            team.ID, // any uuid, jobs may already be swept
		Tool:             string(types.ToolPhotoStats),
		TargetEntityType: string(types.TargetCollection),
		TargetEntityGUID: targetGUID,
		TargetEntityName: "archive",
		InputStateHash:   "hash",
	}
	if canonical != nil {
		id := canonical.ID
		result.NoChangeCopy = true
		result.DownloadReportFrom = &id
	} else {
		result.ResultsJSON = `{"total_files":10}`
		result.ReportHTML = "<html>report</html>"
	}
	require.NoError(t, repos.Results.Create(ctx, result))

	backdated := time.Now().UTC().Add(-age)
	require.NoError(t, database.Model(&db.AnalysisResult{}).
		Where("id = ?", result.ID).
		Update("created_at", backdated).Error)
	result.CreatedAt = backdated
	return result
}

func TestSweepRemovesExpiredJobs(t *testing.T) {
	sweeper, repos, _ := newTestSweeper(t)
	ctx := context.Background()
	team := seedTeam(t, repos)

	old := seedJob(t, repos, team, string(types.JobStatusCompleted), 72*time.Hour)
	fresh := seedJob(t, repos, team, string(types.JobStatusCompleted), time.Hour)
	oldFailed := seedJob(t, repos, team, string(types.JobStatusFailed), 8*24*time.Hour)
	freshFailed := seedJob(t, repos, team, string(types.JobStatusFailed), 24*time.Hour)

	jobsRemoved, _, err := sweeper.SweepTeam(ctx, team)
	require.NoError(t, err)
	assert.EqualValues(t, 2, jobsRemoved)

	_, err = repos.Jobs.GetByGUID(ctx, old.GUID)
	assert.ErrorIs(t, err, repositories.ErrNotFound)
	_, err = repos.Jobs.GetByGUID(ctx, oldFailed.GUID)
	assert.ErrorIs(t, err, repositories.ErrNotFound)

	_, err = repos.Jobs.GetByGUID(ctx, fresh.GUID)
	assert.NoError(t, err)
	_, err = repos.Jobs.GetByGUID(ctx, freshFailed.GUID)
	assert.NoError(t, err)
}

func TestSweepPreservesNewestResultPerTarget(t *testing.T) {
	sweeper, repos, database := newTestSweeper(t)
	ctx := context.Background()
	team := seedTeam(t, repos)

	policy, err := repos.Retention.GetForTeam(ctx, team.ID)
	require.NoError(t, err)
	policy.ResultCompletedDays = 30
	require.NoError(t, repos.Retention.Update(ctx, policy))

	target := guid.MustNew(guid.PrefixCollection)
	older := seedResult(t, repos, database, team, target, 90*24*time.Hour, nil)
	newest := seedResult(t, repos, database, team, target, 60*24*time.Hour, nil)

	_, resultsRemoved, err := sweeper.SweepTeam(ctx, team)
	require.NoError(t, err)
	assert.EqualValues(t, 1, resultsRemoved)

	_, err = repos.Results.GetByGUID(ctx, older.GUID)
	assert.ErrorIs(t, err, repositories.ErrNotFound)

	// The newest result survives the floor even though it is expired.
	_, err = repos.Results.GetByGUID(ctx, newest.GUID)
	assert.NoError(t, err)
}

func TestSweepPromotesDependentCopy(t *testing.T) {
	sweeper, repos, database := newTestSweeper(t)
	ctx := context.Background()
	team := seedTeam(t, repos)

	policy, err := repos.Retention.GetForTeam(ctx, team.ID)
	require.NoError(t, err)
	policy.ResultCompletedDays = 30
	require.NoError(t, repos.Retention.Update(ctx, policy))

	target := guid.MustNew(guid.PrefixCollection)
	canonical := seedResult(t, repos, database, team, target, 90*24*time.Hour, nil)
	copy1 := seedResult(t, repos, database, team, target, 50*24*time.Hour, canonical)
	copy2 := seedResult(t, repos, database, team, target, 40*24*time.Hour, canonical)

	_, resultsRemoved, err := sweeper.SweepTeam(ctx, team)
	require.NoError(t, err)

	// Canonical and the older copy expire; the report cascades down the
	// promotion chain until it lands on the surviving newest copy.
	assert.EqualValues(t, 2, resultsRemoved)

	_, err = repos.Results.GetByGUID(ctx, canonical.GUID)
	assert.ErrorIs(t, err, repositories.ErrNotFound)
	_, err = repos.Results.GetByGUID(ctx, copy1.GUID)
	assert.ErrorIs(t, err, repositories.ErrNotFound)

	heir, err := repos.Results.GetByGUID(ctx, copy2.GUID)
	require.NoError(t, err)
	assert.False(t, heir.NoChangeCopy)
	assert.Nil(t, heir.DownloadReportFrom)
	assert.Equal(t, "<html>report</html>", heir.ReportHTML)
}

func TestZeroDaysMeansKeepForever(t *testing.T) {
	sweeper, repos, database := newTestSweeper(t)
	ctx := context.Background()
	team := seedTeam(t, repos)

	// Default policy keeps results forever (result_completed_days = 0).
	target := guid.MustNew(guid.PrefixCollection)
	ancient := seedResult(t, repos, database, team, target, 365*24*time.Hour, nil)

	_, resultsRemoved, err := sweeper.SweepTeam(ctx, team)
	require.NoError(t, err)
	assert.Zero(t, resultsRemoved)

	_, err = repos.Results.GetByGUID(ctx, ancient.GUID)
	assert.NoError(t, err)
}
