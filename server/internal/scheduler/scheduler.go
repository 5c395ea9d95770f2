// Package scheduler drives the server's recurring work: firing analysis
// schedules and running the maintenance sweeps (agent liveness, expired
// upload sessions, retention). It wraps gocron; each concern is one
// singleton-mode periodic job, so a slow sweep never overlaps itself.
//
// Schedule firing is poll-based rather than one-gocron-job-per-schedule:
// a single tick scans for due schedules and enqueues a job for each. That
// keeps schedule CRUD free of scheduler bookkeeping and survives restarts
// without a reload step, at the cost of up to one poll interval of firing
// latency.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense/server/internal/db"
	"github.com/fabrice-guiot/shuttersense/server/internal/dispatcher"
	"github.com/fabrice-guiot/shuttersense/server/internal/repositories"
	"github.com/fabrice-guiot/shuttersense/server/internal/retention"
	"github.com/fabrice-guiot/shuttersense/server/internal/uploads"
	"github.com/fabrice-guiot/shuttersense/shared/types"
)

// Sweep outcome counters, exported at /metrics through the default registry.
var (
	schedulesFiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shuttersense_schedules_fired_total",
		Help: "Jobs enqueued by the schedule scan.",
	})

	livenessRequeuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shuttersense_liveness_requeued_total",
		Help: "Jobs requeued or failed because their agent went silent.",
	})

	uploadsReclaimedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shuttersense_upload_sessions_reclaimed_total",
		Help: "Expired upload sessions removed by the sweep.",
	})
)

// Intervals holds the tick periods for each recurring concern. Zero values
// fall back to the defaults below.
type Intervals struct {
	FireDue   time.Duration // scan for due schedules
	Liveness  time.Duration // mark silent agents offline, requeue their jobs
	Uploads   time.Duration // reclaim expired upload sessions
	Retention time.Duration // apply per-team retention policies
}

func (iv *Intervals) applyDefaults() {
	if iv.FireDue <= 0 {
		iv.FireDue = 30 * time.Second
	}
	if iv.Liveness <= 0 {
		iv.Liveness = 30 * time.Second
	}
	if iv.Uploads <= 0 {
		iv.Uploads = 10 * time.Minute
	}
	if iv.Retention <= 0 {
		iv.Retention = time.Hour
	}
}

// Scheduler owns the gocron instance and the tick handlers. The zero value
// is not usable; create instances with New.
type Scheduler struct {
	cron       gocron.Scheduler
	repos      *repositories.Repositories
	dispatcher *dispatcher.Service
	uploads    *uploads.Service
	retention  *retention.Sweeper
	intervals  Intervals
	logger     *zap.Logger
}

// New creates a Scheduler. Call Start to begin ticking.
func New(
	repos *repositories.Repositories,
	disp *dispatcher.Service,
	up *uploads.Service,
	sweeper *retention.Sweeper,
	intervals Intervals,
	logger *zap.Logger,
) (*Scheduler, error) {
	g, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("scheduler: create gocron scheduler: %w", err)
	}
	intervals.applyDefaults()

	return &Scheduler{
		cron:       g,
		repos:      repos,
		dispatcher: disp,
		uploads:    up,
		retention:  sweeper,
		intervals:  intervals,
		logger:     logger.Named("scheduler"),
	}, nil
}

// Start registers the periodic jobs and starts ticking. Call once at server
// startup, after the database connection is established.
func (s *Scheduler) Start() error {
	ticks := []struct {
		name     string
		interval time.Duration
		run      func(context.Context)
	}{
		{"fire_due", s.intervals.FireDue, s.tickFireDue},
		{"liveness", s.intervals.Liveness, s.tickLiveness},
		{"uploads", s.intervals.Uploads, s.tickUploads},
		{"retention", s.intervals.Retention, s.tickRetention},
	}

	for _, tick := range ticks {
		tick := tick
		_, err := s.cron.NewJob(
			gocron.DurationJob(tick.interval),
			gocron.NewTask(func() {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
				defer cancel()
				tick.run(ctx)
			}),
			gocron.WithName(tick.name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return fmt.Errorf("scheduler: register %s job: %w", tick.name, err)
		}
	}

	s.cron.Start()
	s.logger.Info("scheduler started",
		zap.Duration("fire_due", s.intervals.FireDue),
		zap.Duration("liveness", s.intervals.Liveness),
		zap.Duration("uploads", s.intervals.Uploads),
		zap.Duration("retention", s.intervals.Retention))
	return nil
}

// Stop shuts the gocron scheduler down, waiting for running tick functions
// to finish.
func (s *Scheduler) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("scheduler: shutdown: %w", err)
	}
	s.logger.Info("scheduler stopped")
	return nil
}

// FireDue scans for schedules whose next fire time has passed and enqueues
// one job per schedule. Returns the number of jobs enqueued. Exposed so an
// operator endpoint or test can force a scan without waiting for the tick.
func (s *Scheduler) FireDue(ctx context.Context, now time.Time) (int, error) {
	due, err := s.repos.Schedules.ListDue(ctx, now)
	if err != nil {
		return 0, err
	}

	fired := 0
	for i := range due {
		schedule := &due[i]
		enqueued, err := s.fireOne(ctx, schedule, now)
		if err != nil {
			s.logger.Error("schedule firing failed",
				zap.String("schedule", schedule.GUID),
				zap.Error(err))
			continue
		}
		if enqueued {
			fired++
		}
	}
	return fired, nil
}

// fireOne enqueues the job for one due schedule and advances its fire
// times. A malformed cron expression disables the schedule instead of
// firing it on every scan forever.
func (s *Scheduler) fireOne(ctx context.Context, schedule *db.Schedule, now time.Time) (bool, error) {
	cronSchedule, err := cron.ParseStandard(schedule.CronExpr)
	if err != nil {
		s.logger.Warn("disabling schedule with malformed cron expression",
			zap.String("schedule", schedule.GUID),
			zap.String("cron", schedule.CronExpr),
			zap.Error(err))
		schedule.Enabled = false
		return false, s.repos.Schedules.Update(ctx, schedule)
	}

	collection, err := s.repos.Collections.GetByID(ctx, schedule.CollectionID)
	if err != nil {
		return false, fmt.Errorf("scheduler: load collection for schedule %s: %w", schedule.GUID, err)
	}
	if collection.State == string(types.CollectionArchived) {
		// Archived collections keep their schedules but stop producing
		// jobs. Advance the fire time so the scan moves on.
		return false, s.repos.Schedules.MarkFired(ctx, schedule.ID, now, cronSchedule.Next(now))
	}

	scheduleID := schedule.ID
	job, err := s.dispatcher.EnqueueForCollection(ctx, collection, types.Tool(schedule.Tool), dispatcher.EnqueueOptions{
		ScheduleID: &scheduleID,
	})
	if err != nil {
		return false, err
	}

	if err := s.repos.Schedules.MarkFired(ctx, schedule.ID, now, cronSchedule.Next(now)); err != nil {
		return false, err
	}
	s.logger.Info("schedule fired",
		zap.String("schedule", schedule.GUID),
		zap.String("job", job.GUID),
		zap.String("tool", schedule.Tool))
	return true, nil
}

func (s *Scheduler) tickFireDue(ctx context.Context) {
	fired, err := s.FireDue(ctx, time.Now().UTC())
	if err != nil {
		s.logger.Error("schedule scan failed", zap.Error(err))
		return
	}
	if fired > 0 {
		schedulesFiredTotal.Add(float64(fired))
		s.logger.Info("schedules fired", zap.Int("count", fired))
	}
}

func (s *Scheduler) tickLiveness(ctx context.Context) {
	transitioned, err := s.dispatcher.SweepLiveness(ctx)
	if err != nil {
		s.logger.Error("liveness sweep failed", zap.Error(err))
		return
	}
	livenessRequeuedTotal.Add(float64(transitioned))
}

func (s *Scheduler) tickUploads(ctx context.Context) {
	removed, err := s.uploads.SweepExpired(ctx)
	if err != nil {
		s.logger.Error("upload sweep failed", zap.Error(err))
		return
	}
	uploadsReclaimedTotal.Add(float64(removed))
}

func (s *Scheduler) tickRetention(ctx context.Context) {
	if err := s.retention.SweepAll(ctx); err != nil {
		s.logger.Error("retention sweep failed", zap.Error(err))
	}
}
