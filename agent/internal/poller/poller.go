// Package poller runs the agent's main loop: claim work, execute it, report,
// repeat. A separate heartbeat goroutine keeps the server's liveness view
// current and carries commands (job cancellation) back to the loop.
//
// The loop is deliberately boring: one job at a time, no queue, no local
// scheduling. The server decides what runs where; the agent only polls.
package poller

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense/agent/internal/client"
	"github.com/fabrice-guiot/shuttersense/agent/internal/metrics"
	"github.com/fabrice-guiot/shuttersense/shared/types"
)

// Exit codes Run returns; main passes them straight to os.Exit.
const (
	ExitClean        = 0
	ExitRevoked      = 2
	ExitAuthRejected = 3
	ExitFatal        = 4
)

// heartbeatInterval is how often the agent reports liveness. It must be well
// under the server's 90 s timeout so one lost heartbeat does not mark the
// agent offline.
const heartbeatInterval = 30 * time.Second

// API is the server surface the loop needs. *client.Client satisfies it.
type API interface {
	ClaimJob(ctx context.Context, req types.ClaimRequest) (*types.ClaimResponse, error)
	Heartbeat(ctx context.Context, req types.HeartbeatRequest) (*types.HeartbeatResponse, error)
}

// JobRunner is the executor surface the loop needs.
type JobRunner interface {
	Execute(ctx context.Context, claim *types.ClaimResponse) error
	Cancel(jobGUID string) bool
	CurrentJob() string
}

// Loop is the polling loop.
type Loop struct {
	api          API
	runner       JobRunner
	capabilities func() []string
	roots        []string
	diskPath     string
	pollInterval time.Duration
	maxFailures  int
	logger       *zap.Logger

	shutdownOnce sync.Once
	shutdown     chan struct{}
	fatal        chan int
}

// New creates a Loop. capabilities is evaluated on every claim and heartbeat
// so a freshly configured connector is advertised without a restart.
func New(api API, runner JobRunner, capabilities func() []string, roots []string, diskPath string, pollInterval time.Duration, maxFailures int, logger *zap.Logger) *Loop {
	return &Loop{
		api:          api,
		runner:       runner,
		capabilities: capabilities,
		roots:        roots,
		diskPath:     diskPath,
		pollInterval: pollInterval,
		maxFailures:  maxFailures,
		logger:       logger.Named("poller"),
		shutdown:     make(chan struct{}),
		fatal:        make(chan int, 1),
	}
}

// RequestShutdown asks the loop to exit cleanly. Idempotent; unblocks a
// waiting sleep. A job in flight runs to its terminal state first.
func (l *Loop) RequestShutdown() {
	l.shutdownOnce.Do(func() { close(l.shutdown) })
}

// RequestJobCancellation signals the executor to cancel jobGUID if it is the
// one running. Cancels for anything else are dropped.
func (l *Loop) RequestJobCancellation(jobGUID string) {
	if l.runner.Cancel(jobGUID) {
		l.logger.Info("job cancellation requested", zap.String("job", jobGUID))
	} else {
		l.logger.Debug("cancel for job not running, dropped", zap.String("job", jobGUID))
	}
}

// CurrentJob returns the GUID of the executing job, or "".
func (l *Loop) CurrentJob() string { return l.runner.CurrentJob() }

// Run blocks until shutdown or a terminal condition and returns the exit
// code. ctx cancellation is equivalent to RequestShutdown.
func (l *Loop) Run(ctx context.Context) int {
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go l.heartbeatLoop(hbCtx)

	l.logger.Info("polling loop started", zap.Duration("poll_interval", l.pollInterval))
	failures := 0

	for {
		select {
		case code := <-l.fatal:
			return code
		case <-l.shutdown:
			l.logger.Info("shutdown requested, exiting")
			return ExitClean
		case <-ctx.Done():
			return ExitClean
		default:
		}

		claim, err := l.api.ClaimJob(ctx, types.ClaimRequest{Capabilities: l.capabilities()})
		switch {
		case err == nil && claim == nil:
			failures = 0
			if !l.waitForNextPoll() {
				return ExitClean
			}

		case err == nil:
			failures = 0
			if execErr := l.runner.Execute(ctx, claim); execErr != nil {
				l.logger.Warn("job execution failed",
					zap.String("job", claim.Job.GUID), zap.Error(execErr))
			}
			// Retry immediately: if more work is queued, drain it.

		case errors.Is(err, client.ErrRevoked):
			l.logger.Error("agent revoked by server")
			return ExitRevoked

		case errors.Is(err, client.ErrAuthRejected):
			l.logger.Error("authentication rejected by server")
			return ExitAuthRejected

		default:
			failures++
			l.logger.Warn("claim failed",
				zap.Int("consecutive_failures", failures),
				zap.Int("max", l.maxFailures),
				zap.Error(err))
			if failures >= l.maxFailures {
				l.logger.Error("max consecutive failures reached, giving up")
				return ExitFatal
			}
			if !l.waitForNextPoll() {
				return ExitClean
			}
		}
	}
}

// waitForNextPoll sleeps for the poll interval. Returns false when shutdown
// was requested during the sleep. Job cancellation never interrupts it.
func (l *Loop) waitForNextPoll() bool {
	select {
	case <-l.shutdown:
		return false
	case <-time.After(l.pollInterval):
		return true
	}
}

// heartbeatLoop reports liveness and dispatches server commands until its
// context is cancelled. It runs independently of the claim loop so a
// long-running job never starves liveness.
func (l *Loop) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	l.beat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.beat(ctx)
		}
	}
}

func (l *Loop) beat(ctx context.Context) {
	resp, err := l.api.Heartbeat(ctx, types.HeartbeatRequest{
		Capabilities:    l.capabilities(),
		AuthorizedRoots: l.roots,
		Metrics:         metrics.Collect(l.diskPath),
	})
	if err != nil {
		if errors.Is(err, client.ErrRevoked) {
			select {
			case l.fatal <- ExitRevoked:
			default:
			}
			return
		}
		l.logger.Warn("heartbeat failed", zap.Error(err))
		return
	}

	for _, cmd := range resp.PendingCommands {
		l.dispatchCommand(cmd)
	}
}

// dispatchCommand handles one server command. Unknown commands are logged
// and ignored so old agents tolerate new servers.
func (l *Loop) dispatchCommand(cmd string) {
	switch {
	case strings.HasPrefix(cmd, types.CommandCancelJobPrefix):
		l.RequestJobCancellation(strings.TrimPrefix(cmd, types.CommandCancelJobPrefix))
	default:
		l.logger.Warn("unknown command ignored", zap.String("command", cmd))
	}
}
