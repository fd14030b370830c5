package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/jwalitptl/homecare-billing/internal/model"
)

// SnapshotJob records the platform's financial position as of the end of a
// day and reconciles it against the gateway balance.
type SnapshotJob struct {
	*Deps
}

func NewSnapshotJob(d *Deps) *SnapshotJob {
	return &SnapshotJob{Deps: d}
}

func (j *SnapshotJob) Name() string { return JobSnapshot }

func (j *SnapshotJob) Run(ctx context.Context, opts Options) (*Summary, error) {
	summary := newSummary(j.Name(), opts).describe("record", "snapshot")

	date := j.today().AddDate(0, 0, -1)
	if opts.Date != nil {
		y, m, d := opts.Date.Date()
		date = time.Date(y, m, d, 0, 0, 0, 0, j.location())
	}
	cutoff := model.EndOfDay(date)

	totals, err := j.Snapshots.Totals(ctx, cutoff)
	if err != nil {
		j.Metrics.DatabaseOperations.WithLabelValues("snapshot_totals", "error").Inc()
		return nil, fmt.Errorf("failed to compute totals as of %s: %w", date.Format("2006-01-02"), err)
	}
	j.Metrics.DatabaseOperations.WithLabelValues("snapshot_totals", "success").Inc()

	snap := &model.DailyBalanceSnapshot{
		SnapshotDate:    date,
		FinancialTotals: *totals,
		PlatformRevenue: totals.NetRevenue(),
		Discrepancies:   []string{},
	}

	if opts.SkipGateway {
		summary.note("gateway reconciliation skipped")
	} else {
		j.reconcile(ctx, snap, summary)
	}

	summary.figure("Total revenue", totals.TotalRevenue)
	summary.figure("Caregivers paid", totals.CaregiversPaid)
	summary.figure("Marketing paid", totals.MarketingPaid)
	summary.figure("Training paid", totals.TrainingPaid)
	summary.figure("Caregivers payable", totals.CaregiversPayable)
	summary.figure("Marketing payable", totals.MarketingPayable)
	summary.figure("Training payable", totals.TrainingPayable)
	summary.figure("Platform revenue", snap.PlatformRevenue)
	if snap.GatewayAvailable != nil {
		summary.figure("Gateway available", *snap.GatewayAvailable)
		summary.figure("Gateway pending", *snap.GatewayPending)
	}
	for _, d := range snap.Discrepancies {
		summary.note("discrepancy: %s", d)
	}

	id := date.Format("2006-01-02")
	if opts.DryRun {
		summary.processed(id, snap.PlatformRevenue, "not saved")
		return summary, nil
	}

	now := j.now()
	snap.CreatedAt = now
	snap.UpdatedAt = now
	if err := j.Snapshots.Upsert(ctx, snap); err != nil {
		j.Metrics.DatabaseOperations.WithLabelValues("snapshot_upsert", "error").Inc()
		return nil, fmt.Errorf("failed to save snapshot for %s: %w", id, err)
	}
	j.Metrics.DatabaseOperations.WithLabelValues("snapshot_upsert", "success").Inc()

	detail := "reconciled"
	if !snap.GatewayReconciled {
		detail = "not reconciled"
	}
	summary.processed(id, snap.PlatformRevenue, detail)
	return summary, nil
}

// reconcile compares the gateway balance with what the ledger says should be
// left on it: completed revenue less everything paid out to each party.
func (j *SnapshotJob) reconcile(ctx context.Context, snap *model.DailyBalanceSnapshot, summary *Summary) {
	balance, err := j.Gateway.GetBalance(ctx)
	if err != nil {
		j.Logger.Error(err, "Failed to fetch gateway balance", "date", snap.SnapshotDate.Format("2006-01-02"))
		summary.note("gateway balance unavailable: %v", err)
		snap.GatewayReconciled = false
		return
	}

	available, pending := balance.Available, balance.Pending
	snap.GatewayAvailable = &available
	snap.GatewayPending = &pending
	snap.GatewayReconciled = true

	actual := balance.Total()
	expected := snap.TotalRevenue.Sub(snap.TotalPaid())
	diff := actual.Sub(expected)
	if diff.Abs().GreaterThan(j.Policy.ReconcileTolerance) {
		snap.Discrepancies = append(snap.Discrepancies, fmt.Sprintf(
			"gateway balance %s differs from revenue %s less payouts (caregivers %s, marketing %s, training %s) by %s",
			actual.StringFixed(2),
			snap.TotalRevenue.StringFixed(2),
			snap.CaregiversPaid.StringFixed(2),
			snap.MarketingPaid.StringFixed(2),
			snap.TrainingPaid.StringFixed(2),
			diff.StringFixed(2)))
	}
}
