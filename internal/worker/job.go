package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jwalitptl/homecare-billing/internal/config"
	"github.com/jwalitptl/homecare-billing/internal/gateway"
	"github.com/jwalitptl/homecare-billing/internal/lock"
	"github.com/jwalitptl/homecare-billing/internal/repository"
	"github.com/jwalitptl/homecare-billing/internal/service/notification"
	"github.com/jwalitptl/homecare-billing/internal/webhook"
	"github.com/jwalitptl/homecare-billing/pkg/logger"
	"github.com/jwalitptl/homecare-billing/pkg/metrics"
)

// Job names as used on the command line, in scheduler config and in the
// admin trigger route.
const (
	JobSnapshot       = "snapshot"
	JobRecurring      = "recurring"
	JobPayouts        = "payouts"
	JobWebhookRetry   = "webhooks:retry"
	JobWebhookCleanup = "webhooks:cleanup"
	JobClockOut       = "clockout"
)

const (
	defaultRunLockTTL  = 30 * time.Minute
	defaultItemLockTTL = 5 * time.Minute
)

var (
	ErrUnknownJob = errors.New("unknown job")
	// ErrJobRunning is returned when another process holds the job's run lock.
	ErrJobRunning = errors.New("job is already running")
)

// Deps is everything the jobs share.
type Deps struct {
	Bookings    repository.BookingRepository
	Assignments repository.AssignmentRepository
	Users       repository.UserRepository
	TimeEntries repository.TimeTrackingRepository
	Payments    repository.PaymentRepository
	Payouts     repository.PayoutRepository
	Snapshots   repository.SnapshotRepository
	Webhooks    repository.WebhookRepository

	Gateway  gateway.Gateway
	Notifier notification.Service
	Locker   lock.Locker
	Registry *webhook.Registry

	Policy   config.Policy
	Queue    config.WebhookConfig
	LockTTL  time.Duration
	Location *time.Location

	Logger  *logger.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

func (d *Deps) now() time.Time {
	if d.Now == nil {
		return time.Now().In(d.location())
	}
	return d.Now().In(d.location())
}

func (d *Deps) location() *time.Location {
	if d.Location == nil {
		return time.UTC
	}
	return d.Location
}

// today is the current calendar date in the configured time zone.
func (d *Deps) today() time.Time {
	y, m, day := d.now().Date()
	return time.Date(y, m, day, 0, 0, 0, 0, d.location())
}

func (d *Deps) lockTTL() time.Duration {
	if d.LockTTL <= 0 {
		return defaultRunLockTTL
	}
	return d.LockTTL
}

// Options are the per-run switches shared by the CLI, the admin route and the
// scheduler. Jobs ignore the ones that do not apply to them.
type Options struct {
	DryRun      bool       `json:"dry_run"`
	Force       bool       `json:"force"`
	Limit       int        `json:"limit,omitempty"`
	Days        int        `json:"days,omitempty"`
	Date        *time.Time `json:"date,omitempty"`
	SkipGateway bool       `json:"skip_gateway"`
	Frequency   string     `json:"frequency,omitempty"`
}

// Job is one scheduled unit of work. Run returns an error only when the job
// could not start or its input could not be loaded; per-item failures are
// reported through the summary.
type Job interface {
	Name() string
	Run(ctx context.Context, opts Options) (*Summary, error)
}

// NewJobs builds every job over the same dependencies.
func NewJobs(d *Deps) []Job {
	return []Job{
		NewSnapshotJob(d),
		NewRecurringJob(d),
		NewPayoutJob(d),
		NewWebhookRetryJob(d),
		NewWebhookCleanupJob(d),
		NewClockOutJob(d),
	}
}

// Runner runs jobs by name under a run lock and records metrics for them.
type Runner struct {
	deps *Deps
	jobs map[string]Job
}

func NewRunner(d *Deps, jobs ...Job) *Runner {
	r := &Runner{deps: d, jobs: make(map[string]Job, len(jobs))}
	for _, j := range jobs {
		r.jobs[j.Name()] = j
	}
	return r
}

func (r *Runner) Has(name string) bool {
	_, ok := r.jobs[name]
	return ok
}

func (r *Runner) Names() []string {
	names := make([]string, 0, len(r.jobs))
	for name := range r.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Runner) Run(ctx context.Context, name string, opts Options) (*Summary, error) {
	job, ok := r.jobs[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrUnknownJob)
	}

	// Manual runs inherit the request_id of the call that started them.
	log := logger.FromContext(ctx, r.deps.Logger).WithFields(map[string]interface{}{
		"job":    name,
		"run_id": uuid.NewString(),
	})

	release, err := r.deps.Locker.Acquire(ctx, "job:"+name, r.deps.lockTTL())
	if errors.Is(err, lock.ErrHeld) {
		r.deps.Metrics.JobRuns.WithLabelValues(name, "locked").Inc()
		return nil, fmt.Errorf("%s: %w", name, ErrJobRunning)
	}
	if err != nil {
		r.deps.Metrics.JobRuns.WithLabelValues(name, "error").Inc()
		return nil, fmt.Errorf("failed to acquire run lock for %s: %w", name, err)
	}
	defer func() {
		// The run context may already be cancelled; the lock must still go.
		if err := release(context.Background()); err != nil {
			log.Error(err, "Failed to release run lock")
		}
	}()

	log.Info("Starting job", "dry_run", opts.DryRun, "force", opts.Force)
	timer := prometheus.NewTimer(r.deps.Metrics.JobDuration.WithLabelValues(name))
	summary, err := job.Run(ctx, opts)
	elapsed := timer.ObserveDuration()

	if err != nil {
		r.deps.Metrics.JobRuns.WithLabelValues(name, "error").Inc()
		log.Error(err, "Job failed", "duration", elapsed.String())
		return summary, err
	}

	r.deps.Metrics.JobRuns.WithLabelValues(name, "success").Inc()
	r.deps.Metrics.ItemsProcessed.WithLabelValues(name, ResultProcessed).Add(float64(summary.Processed))
	r.deps.Metrics.ItemsProcessed.WithLabelValues(name, ResultSkipped).Add(float64(summary.Skipped))
	r.deps.Metrics.ItemsProcessed.WithLabelValues(name, ResultFailed).Add(float64(summary.Failed))
	if !summary.DryRun {
		amount, _ := summary.Amount.Float64()
		r.deps.Metrics.AmountTotal.WithLabelValues(name).Add(amount)
	}

	log.Info("Job finished",
		"duration", elapsed.String(),
		"processed", summary.Processed,
		"skipped", summary.Skipped,
		"failed", summary.Failed,
		"amount", summary.Amount.StringFixed(2))
	return summary, nil
}
