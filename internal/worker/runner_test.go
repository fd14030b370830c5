package worker

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/homecare-billing/internal/repository/memory"
	"github.com/jwalitptl/homecare-billing/pkg/logger"
)

// stubJob counts its runs and can block until released.
type stubJob struct {
	name  string
	runs  atomic.Int32
	hold  chan struct{}
	err   error
	items int
}

func (j *stubJob) Name() string { return j.name }

func (j *stubJob) Run(ctx context.Context, opts Options) (*Summary, error) {
	j.runs.Add(1)
	if j.hold != nil {
		select {
		case <-j.hold:
		case <-ctx.Done():
		}
	}
	if j.err != nil {
		return nil, j.err
	}
	s := newSummary(j.name, opts)
	for i := 0; i < j.items; i++ {
		s.processed("item", decimal.NewFromInt(10), "")
	}
	return s, nil
}

func TestRunner_RunsByNameAndRecordsMetrics(t *testing.T) {
	deps := newDeps(t, memory.NewStore(), newFakeGateway(), time.Now())
	job := &stubJob{name: "stub", items: 3}
	runner := NewRunner(deps, job)

	summary, err := runner.Run(context.Background(), "stub", Options{})
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Processed)
	assert.Equal(t, float64(1), testutil.ToFloat64(deps.Metrics.JobRuns.WithLabelValues("stub", "success")))
	assert.Equal(t, float64(3), testutil.ToFloat64(deps.Metrics.ItemsProcessed.WithLabelValues("stub", ResultProcessed)))
	assert.Equal(t, float64(30), testutil.ToFloat64(deps.Metrics.AmountTotal.WithLabelValues("stub")))

	_, err = runner.Run(context.Background(), "stub", Options{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, float64(30), testutil.ToFloat64(deps.Metrics.AmountTotal.WithLabelValues("stub")))
}

func TestRunner_UnknownJob(t *testing.T) {
	runner := NewRunner(newDeps(t, memory.NewStore(), newFakeGateway(), time.Now()))
	_, err := runner.Run(context.Background(), "nope", Options{})
	assert.ErrorIs(t, err, ErrUnknownJob)
}

func TestRunner_LogsUnderCallerRequestID(t *testing.T) {
	deps := newDeps(t, memory.NewStore(), newFakeGateway(), time.Now())
	runner := NewRunner(deps, &stubJob{name: "stub"})

	var buf bytes.Buffer
	scoped := logger.NewLogger(&logger.Config{Level: logger.InfoLevel, Output: &buf, JSON: true}).
		WithFields(map[string]interface{}{"request_id": "req-42"})
	ctx := logger.NewContext(context.Background(), scoped)

	_, err := runner.Run(ctx, "stub", Options{})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	for _, line := range lines {
		assert.Contains(t, line, `"request_id":"req-42"`)
		assert.Contains(t, line, `"job":"stub"`)
		assert.Contains(t, line, `"run_id":`)
	}
}

func TestRunner_JobErrorIsReturned(t *testing.T) {
	deps := newDeps(t, memory.NewStore(), newFakeGateway(), time.Now())
	runner := NewRunner(deps, &stubJob{name: "stub", err: errors.New("database unavailable")})

	_, err := runner.Run(context.Background(), "stub", Options{})
	assert.EqualError(t, err, "database unavailable")
	assert.Equal(t, float64(1), testutil.ToFloat64(deps.Metrics.JobRuns.WithLabelValues("stub", "error")))

	// The lock is released after a failed run.
	_, err = runner.Run(context.Background(), "stub", Options{})
	assert.NotErrorIs(t, err, ErrJobRunning)
}

func TestRunner_RefusesConcurrentRun(t *testing.T) {
	deps := newDeps(t, memory.NewStore(), newFakeGateway(), time.Now())
	job := &stubJob{name: "stub", hold: make(chan struct{})}
	runner := NewRunner(deps, job)

	done := make(chan error, 1)
	go func() {
		_, err := runner.Run(context.Background(), "stub", Options{})
		done <- err
	}()
	require.Eventually(t, func() bool { return job.runs.Load() == 1 }, time.Second, 5*time.Millisecond)

	_, err := runner.Run(context.Background(), "stub", Options{})
	assert.ErrorIs(t, err, ErrJobRunning)
	assert.Equal(t, float64(1), testutil.ToFloat64(deps.Metrics.JobRuns.WithLabelValues("stub", "locked")))

	close(job.hold)
	require.NoError(t, <-done)
	assert.Equal(t, int32(1), job.runs.Load())
}

func TestRunner_NamesAreSorted(t *testing.T) {
	deps := newDeps(t, memory.NewStore(), newFakeGateway(), time.Now())
	runner := NewRunner(deps, NewJobs(deps)...)
	assert.Equal(t, []string{
		JobClockOut,
		JobPayouts,
		JobRecurring,
		JobSnapshot,
		JobWebhookCleanup,
		JobWebhookRetry,
	}, runner.Names())
}

func TestScheduler_RunsOnEachTickUntilCancelled(t *testing.T) {
	deps := newDeps(t, memory.NewStore(), newFakeGateway(), time.Now())
	fast := &stubJob{name: "fast"}
	idle := &stubJob{name: "idle"}
	scheduler := NewScheduler(NewRunner(deps, fast, idle), map[string]time.Duration{
		"fast":    10 * time.Millisecond,
		"idle":    0,
		"missing": time.Millisecond,
	}, deps.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		scheduler.Start(ctx)
		close(stopped)
	}()

	require.Eventually(t, func() bool { return fast.runs.Load() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.Equal(t, int32(0), idle.runs.Load())
}

func TestSummary_HeadlineAndRender(t *testing.T) {
	s := newSummary("payouts", Options{}).describe("pay", "contractors")
	s.processed("u1", decimal.RequireFromString("120.5"), "2 entries")
	s.skipped("u2", "no pending earnings")
	s.failed("u3", decimal.NewFromInt(40), "card declined")
	s.note("due: %s", "weekly")

	assert.Equal(t, "payouts: 1 processed, 1 skipped, 1 failed, $120.50 total", s.Headline())

	var buf bytes.Buffer
	require.NoError(t, s.Render(&buf))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 7)
	assert.Equal(t, "  due: weekly", lines[1])
	assert.True(t, strings.HasPrefix(lines[3], "ID"))
	assert.Contains(t, lines[6], "card declined")

	preview := newSummary("payouts", Options{DryRun: true}).describe("pay", "contractors")
	preview.processed("u1", decimal.NewFromInt(75), "")
	assert.Equal(t, "payouts (dry run): would pay 1 contractors, $75.00 total; 0 skipped", preview.Headline())
}
