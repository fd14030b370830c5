package model

import (
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// FinancialTotals are the ledger sums as of a cutoff instant.
type FinancialTotals struct {
	TotalRevenue      decimal.Decimal `db:"total_revenue"`
	CaregiversPaid    decimal.Decimal `db:"caregivers_paid"`
	MarketingPaid     decimal.Decimal `db:"marketing_paid"`
	TrainingPaid      decimal.Decimal `db:"training_paid"`
	CaregiversPayable decimal.Decimal `db:"caregivers_payable"`
	MarketingPayable  decimal.Decimal `db:"marketing_payable"`
	TrainingPayable   decimal.Decimal `db:"training_payable"`
}

func (t *FinancialTotals) TotalPaid() decimal.Decimal {
	return t.CaregiversPaid.Add(t.MarketingPaid).Add(t.TrainingPaid)
}

func (t *FinancialTotals) TotalPayable() decimal.Decimal {
	return t.CaregiversPayable.Add(t.MarketingPayable).Add(t.TrainingPayable)
}

// NetRevenue is what the platform keeps once every party is paid.
func (t *FinancialTotals) NetRevenue() decimal.Decimal {
	return t.TotalRevenue.Sub(t.TotalPaid()).Sub(t.TotalPayable())
}

// DailyBalanceSnapshot is the reconciliation state for one calendar date.
type DailyBalanceSnapshot struct {
	Base
	SnapshotDate time.Time `json:"snapshot_date" db:"snapshot_date"`
	FinancialTotals
	PlatformRevenue   decimal.Decimal  `json:"platform_revenue" db:"platform_revenue"`
	GatewayAvailable  *decimal.Decimal `json:"gateway_available,omitempty" db:"gateway_available"`
	GatewayPending    *decimal.Decimal `json:"gateway_pending,omitempty" db:"gateway_pending"`
	GatewayReconciled bool             `json:"gateway_reconciled" db:"gateway_reconciled"`
	Discrepancies     pq.StringArray   `json:"discrepancies" db:"discrepancies"`
}
