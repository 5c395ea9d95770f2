// Package retention implements the per-team cleanup sweep for terminal jobs
// and analysis results. Policies are stored per team; zero for a days field
// means that class is kept forever.
package retention

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense/server/internal/db"
	"github.com/fabrice-guiot/shuttersense/server/internal/repositories"
	"github.com/fabrice-guiot/shuttersense/shared/types"
)

// Sweeper applies retention policies across all teams.
type Sweeper struct {
	repos  *repositories.Repositories
	logger *zap.Logger
}

// NewSweeper creates a Sweeper.
func NewSweeper(repos *repositories.Repositories, logger *zap.Logger) *Sweeper {
	return &Sweeper{repos: repos, logger: logger.Named("retention")}
}

// SweepAll applies every team's policy once.
func (s *Sweeper) SweepAll(ctx context.Context) error {
	teams, err := s.repos.Teams.ListAll(ctx)
	if err != nil {
		return err
	}
	for i := range teams {
		if _, _, err := s.SweepTeam(ctx, &teams[i]); err != nil {
			s.logger.Warn("team sweep failed",
				zap.String("team", teams[i].GUID), zap.Error(err))
		}
	}
	return nil
}

// SweepTeam applies the team's policy once. Returns counts of removed jobs
// and results.
func (s *Sweeper) SweepTeam(ctx context.Context, team *db.Team) (jobsRemoved, resultsRemoved int64, err error) {
	policy, err := s.repos.Retention.GetForTeam(ctx, team.ID)
	if err != nil {
		return 0, 0, err
	}
	now := time.Now().UTC()

	if policy.JobCompletedDays > 0 {
		cutoff := now.AddDate(0, 0, -policy.JobCompletedDays)
		n, err := s.repos.Jobs.DeleteTerminalOlderThan(ctx, team.ID, string(types.JobStatusCompleted), cutoff)
		if err != nil {
			return jobsRemoved, resultsRemoved, err
		}
		jobsRemoved += n

		// Cancelled jobs age out on the completed schedule.
		n, err = s.repos.Jobs.DeleteTerminalOlderThan(ctx, team.ID, string(types.JobStatusCancelled), cutoff)
		if err != nil {
			return jobsRemoved, resultsRemoved, err
		}
		jobsRemoved += n
	}

	if policy.JobFailedDays > 0 {
		cutoff := now.AddDate(0, 0, -policy.JobFailedDays)
		n, err := s.repos.Jobs.DeleteTerminalOlderThan(ctx, team.ID, string(types.JobStatusFailed), cutoff)
		if err != nil {
			return jobsRemoved, resultsRemoved, err
		}
		jobsRemoved += n
	}

	if policy.ResultCompletedDays > 0 {
		cutoff := now.AddDate(0, 0, -policy.ResultCompletedDays)
		n, err := s.sweepResults(ctx, team, policy, cutoff)
		if err != nil {
			return jobsRemoved, resultsRemoved, err
		}
		resultsRemoved += n
	}

	if jobsRemoved > 0 || resultsRemoved > 0 {
		s.logger.Info("retention sweep",
			zap.String("team", team.GUID),
			zap.Int64("jobs_removed", jobsRemoved),
			zap.Int64("results_removed", resultsRemoved))
	}
	return jobsRemoved, resultsRemoved, nil
}

// sweepResults deletes expired results while honoring two constraints: at
// least PreservePerCollection newest results survive per (target, tool), and
// a canonical result that no-change copies still point at hands its report
// to the oldest copy before going away.
func (s *Sweeper) sweepResults(ctx context.Context, team *db.Team, policy *db.RetentionPolicy, cutoff time.Time) (int64, error) {
	candidates, err := s.repos.Results.ListSweepCandidates(ctx, team.ID, cutoff)
	if err != nil {
		return 0, err
	}

	var removed int64
	for i := range candidates {
		// Promotion mutates rows later in the candidate list, so reload
		// each one before deciding.
		result, err := s.repos.Results.GetByID(ctx, candidates[i].ID)
		if err != nil {
			if errors.Is(err, repositories.ErrNotFound) {
				continue
			}
			return removed, err
		}

		newer, err := s.repos.Results.CountNewerForTargetTool(ctx, result.TargetEntityGUID, result.Tool, result.CreatedAt)
		if err != nil {
			return removed, err
		}
		if newer < int64(policy.PreservePerCollection) {
			continue
		}

		if !result.NoChangeCopy {
			if err := s.promoteDependents(ctx, result); err != nil {
				return removed, err
			}
		}

		if err := s.repos.Results.Delete(ctx, result.ID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// promoteDependents rehomes a doomed canonical result's report: the oldest
// surviving no-change copy receives the blobs and becomes canonical, and the
// remaining copies are re-pointed at it. Copies never dangle.
func (s *Sweeper) promoteDependents(ctx context.Context, canonical *db.AnalysisResult) error {
	copies, err := s.repos.Results.ListDependentCopies(ctx, canonical.ID)
	if err != nil {
		return err
	}
	if len(copies) == 0 {
		return nil
	}

	heir := &copies[0]
	heir.ResultsJSON = canonical.ResultsJSON
	heir.ReportHTML = canonical.ReportHTML
	heir.NoChangeCopy = false
	heir.DownloadReportFrom = nil
	if err := s.repos.Results.Update(ctx, heir); err != nil {
		return err
	}

	for i := 1; i < len(copies); i++ {
		c := &copies[i]
		heirID := heir.ID
		c.DownloadReportFrom = &heirID
		if err := s.repos.Results.Update(ctx, c); err != nil {
			return err
		}
	}

	s.logger.Info("canonical report promoted",
		zap.String("from", canonical.GUID),
		zap.String("to", heir.GUID),
		zap.Int("repointed", len(copies)-1))
	return nil
}
