package poller

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense/agent/internal/client"
	"github.com/fabrice-guiot/shuttersense/shared/types"
)

// scriptedAPI returns one scripted claim outcome per call, then 204s forever.
type scriptedAPI struct {
	mu      sync.Mutex
	claims  []claimStep
	calls   int
	hbResps []types.HeartbeatResponse
}

type claimStep struct {
	resp *types.ClaimResponse
	err  error
}

func (s *scriptedAPI) ClaimJob(_ context.Context, _ types.ClaimRequest) (*types.ClaimResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls < len(s.claims) {
		step := s.claims[s.calls]
		s.calls++
		return step.resp, step.err
	}
	s.calls++
	return nil, nil
}

func (s *scriptedAPI) Heartbeat(_ context.Context, _ types.HeartbeatRequest) (*types.HeartbeatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.hbResps) > 0 {
		resp := s.hbResps[0]
		s.hbResps = s.hbResps[1:]
		return &resp, nil
	}
	return &types.HeartbeatResponse{}, nil
}

type recordingRunner struct {
	mu        sync.Mutex
	executed  []string
	cancelled []string
	current   string
}

func (r *recordingRunner) Execute(_ context.Context, claim *types.ClaimResponse) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executed = append(r.executed, claim.Job.GUID)
	return nil
}

func (r *recordingRunner) Cancel(jobGUID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = append(r.cancelled, jobGUID)
	return r.current == jobGUID
}

func (r *recordingRunner) CurrentJob() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

func newTestLoop(api API, runner JobRunner, maxFailures int) *Loop {
	caps := func() []string { return []string{"tool:photostats:1.0"} }
	return New(api, runner, caps, nil, ".", 5*time.Millisecond, maxFailures, zap.NewNop())
}

func claimFor(jobGUID string) *types.ClaimResponse {
	return &types.ClaimResponse{
		Job:           types.ClaimedJob{GUID: jobGUID, Tool: types.ToolPhotoStats},
		SigningSecret: "secret",
	}
}

func TestRunExitsCleanOnShutdown(t *testing.T) {
	l := newTestLoop(&scriptedAPI{}, &recordingRunner{}, 10)

	done := make(chan int, 1)
	go func() { done <- l.Run(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	l.RequestShutdown()
	l.RequestShutdown() // idempotent

	select {
	case code := <-done:
		assert.Equal(t, ExitClean, code)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit after shutdown")
	}
}

func TestRunExitsOnRevocation(t *testing.T) {
	api := &scriptedAPI{claims: []claimStep{{err: client.ErrRevoked}}}
	assert.Equal(t, ExitRevoked, newTestLoop(api, &recordingRunner{}, 10).Run(context.Background()))
}

func TestRunExitsOnAuthRejection(t *testing.T) {
	api := &scriptedAPI{claims: []claimStep{{err: client.ErrAuthRejected}}}
	assert.Equal(t, ExitAuthRejected, newTestLoop(api, &recordingRunner{}, 10).Run(context.Background()))
}

func TestRunGivesUpAfterMaxConsecutiveFailures(t *testing.T) {
	api := &scriptedAPI{claims: []claimStep{
		{err: client.ErrConnection},
		{err: client.ErrConnection},
		{err: client.ErrConnection},
	}}
	assert.Equal(t, ExitFatal, newTestLoop(api, &recordingRunner{}, 3).Run(context.Background()))
}

func TestSuccessfulClaimResetsFailureCounter(t *testing.T) {
	api := &scriptedAPI{claims: []claimStep{
		{err: client.ErrConnection},
		{err: client.ErrConnection},
		{resp: claimFor("job_aaaaaaaaaaaaaaaaaaaaaaaaaa")},
		{err: client.ErrConnection},
		{err: client.ErrConnection},
		{err: client.ErrConnection},
	}}
	runner := &recordingRunner{}
	assert.Equal(t, ExitFatal, newTestLoop(api, runner, 3).Run(context.Background()))
	assert.Equal(t, []string{"job_aaaaaaaaaaaaaaaaaaaaaaaaaa"}, runner.executed)
}

func TestRunDrainsQueuedWorkWithoutWaiting(t *testing.T) {
	api := &scriptedAPI{claims: []claimStep{
		{resp: claimFor("job_aaaaaaaaaaaaaaaaaaaaaaaaaa")},
		{resp: claimFor("job_bbbbbbbbbbbbbbbbbbbbbbbbbb")},
	}}
	runner := &recordingRunner{}
	l := newTestLoop(api, runner, 10)

	done := make(chan int, 1)
	go func() { done <- l.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		runner.mu.Lock()
		defer runner.mu.Unlock()
		return len(runner.executed) == 2
	}, 2*time.Second, 5*time.Millisecond)

	l.RequestShutdown()
	<-done
	assert.Equal(t, []string{"job_aaaaaaaaaaaaaaaaaaaaaaaaaa", "job_bbbbbbbbbbbbbbbbbbbbbbbbbb"}, runner.executed)
}

func TestCancelCommandReachesRunner(t *testing.T) {
	runner := &recordingRunner{current: "job_aaaaaaaaaaaaaaaaaaaaaaaaaa"}
	l := newTestLoop(&scriptedAPI{}, runner, 10)

	l.dispatchCommand("cancel_job:job_aaaaaaaaaaaaaaaaaaaaaaaaaa")
	assert.Equal(t, []string{"job_aaaaaaaaaaaaaaaaaaaaaaaaaa"}, runner.cancelled)

	// Unknown commands are ignored.
	assert.NotPanics(t, func() { l.dispatchCommand("reboot_now") })
}
