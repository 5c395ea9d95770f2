// Package progress delivers tool progress to the server at a bounded rate.
//
// Tools report progress as often as they like; the Reporter coalesces bursts
// so the server sees at most one update per interval, always the most recent
// one. Delivery is best-effort: a failed send is logged and dropped, never
// surfaced to the running tool.
package progress

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense/shared/types"
)

// minInterval is the floor between two progress sends for one job.
const minInterval = time.Second

// sendTimeout bounds a single delivery attempt.
const sendTimeout = 10 * time.Second

// Sender is the one client call the Reporter needs.
type Sender interface {
	ReportProgress(ctx context.Context, jobGUID string, report types.ProgressReport) error
}

// Reporter rate-limits and coalesces progress updates for a single job.
// Safe for concurrent use.
type Reporter struct {
	sender   Sender
	jobGUID  string
	interval time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	pending *types.ProgressReport
	closed  bool

	wake    chan struct{}
	done    chan struct{}
	stopped chan struct{}
}

// New starts a Reporter for the given job. Callers must Close it when the
// job reaches a terminal state.
func New(sender Sender, jobGUID string, logger *zap.Logger) *Reporter {
	return newWithInterval(sender, jobGUID, minInterval, logger)
}

func newWithInterval(sender Sender, jobGUID string, interval time.Duration, logger *zap.Logger) *Reporter {
	r := &Reporter{
		sender:   sender,
		jobGUID:  jobGUID,
		interval: interval,
		logger:   logger.Named("progress"),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go r.loop()
	return r
}

// Report queues an update. The latest queued update wins; earlier ones that
// were never sent are discarded.
func (r *Reporter) Report(report types.ProgressReport) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.pending = &report
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Close stops the delivery loop and synchronously sends any update still
// pending, so the server's last known progress matches the tool's.
func (r *Reporter) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	close(r.done)
	<-r.stopped

	r.mu.Lock()
	last := r.pending
	r.pending = nil
	r.mu.Unlock()
	if last != nil {
		r.send(*last)
	}
}

func (r *Reporter) loop() {
	defer close(r.stopped)
	for {
		select {
		case <-r.done:
			return
		case <-r.wake:
		}

		for {
			r.mu.Lock()
			next := r.pending
			r.pending = nil
			r.mu.Unlock()
			if next == nil {
				break
			}
			r.send(*next)

			// Rate-limit the next send; updates arriving in the
			// meantime pile up in pending and coalesce.
			select {
			case <-r.done:
				return
			case <-time.After(r.interval):
			}
		}
	}
}

func (r *Reporter) send(report types.ProgressReport) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	if err := r.sender.ReportProgress(ctx, r.jobGUID, report); err != nil {
		r.logger.Debug("progress send failed",
			zap.String("job", r.jobGUID),
			zap.String("stage", report.Stage),
			zap.Error(err))
	}
}
