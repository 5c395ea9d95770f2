package progress

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense/shared/types"
)

type captureSender struct {
	mu      sync.Mutex
	reports []types.ProgressReport
	err     error
}

func (s *captureSender) ReportProgress(_ context.Context, _ string, report types.ProgressReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, report)
	return s.err
}

func (s *captureSender) sent() []types.ProgressReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.ProgressReport(nil), s.reports...)
}

func TestReporterCoalescesBursts(t *testing.T) {
	sender := &captureSender{}
	r := newWithInterval(sender, "job_0123456789abcdefghjkmnpqrstv", 50*time.Millisecond, zap.NewNop())

	for i := 0; i < 100; i++ {
		r.Report(types.ProgressReport{Stage: "scanning", FilesScanned: intp(i)})
	}
	r.Close()

	sent := sender.sent()
	require.NotEmpty(t, sent)
	assert.Less(t, len(sent), 100, "bursts must coalesce")
	last := sent[len(sent)-1]
	assert.Equal(t, 99, *last.FilesScanned, "latest update wins")
}

func TestReporterCloseFlushesPending(t *testing.T) {
	sender := &captureSender{}
	r := newWithInterval(sender, "job_0123456789abcdefghjkmnpqrstv", time.Hour, zap.NewNop())

	r.Report(types.ProgressReport{Stage: "scanning"})
	// Give the loop time to take the first send, then queue one that can
	// only go out through Close's flush.
	time.Sleep(20 * time.Millisecond)
	r.Report(types.ProgressReport{Stage: "finalizing"})
	r.Close()

	sent := sender.sent()
	require.NotEmpty(t, sent)
	assert.Equal(t, "finalizing", sent[len(sent)-1].Stage)
}

func TestReporterSwallowsSendErrors(t *testing.T) {
	sender := &captureSender{err: errors.New("boom")}
	r := newWithInterval(sender, "job_0123456789abcdefghjkmnpqrstv", 10*time.Millisecond, zap.NewNop())

	assert.NotPanics(t, func() {
		r.Report(types.ProgressReport{Stage: "scanning"})
		r.Close()
	})
	require.NotEmpty(t, sender.sent())
}

func TestReporterIgnoresReportsAfterClose(t *testing.T) {
	sender := &captureSender{}
	r := newWithInterval(sender, "job_0123456789abcdefghjkmnpqrstv", 10*time.Millisecond, zap.NewNop())
	r.Close()
	n := len(sender.sent())

	r.Report(types.ProgressReport{Stage: "late"})
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, sender.sent(), n)
	assert.NotPanics(t, r.Close)
}

func intp(v int) *int { return &v }
