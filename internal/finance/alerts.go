package finance

import (
	"time"

	"github.com/shopspring/decimal"

	"economat/internal/core"
)

const (
	AlertNegativeCapital = "negative_capital"
	AlertLowCapital      = "low_capital"
	AlertCriticalFlow    = "critical_monthly_flow"
	AlertHighExpenses    = "high_expenses"
)

const (
	LowCapitalThreshold   core.Money = 500_000
	CriticalFlowThreshold core.Money = -1_000_000
)

var expenseRatioLimit = decimal.RequireFromString("1.2")

// Alerts evaluates every rule in order. Rules are independent and all
// matching rules fire.
func Alerts(s core.CapitalSnapshot) []core.Alert {
	var out []core.Alert

	if s.Balance < 0 {
		out = append(out, core.Alert{
			Type:     AlertNegativeCapital,
			Severity: core.SeverityCritical,
			Message:  "Capital négatif",
			Action:   "Suspendre les dépenses non essentielles et régulariser la trésorerie",
			Metric:   "balance",
			Value:    s.Balance,
		})
	}
	if s.Balance >= 0 && s.Balance < LowCapitalThreshold {
		out = append(out, core.Alert{
			Type:     AlertLowCapital,
			Severity: core.SeverityMedium,
			Message:  "Capital faible",
			Action:   "Reporter les dépenses importantes et relancer les encaissements",
			Metric:   "balance",
			Value:    s.Balance,
		})
	}
	if s.MonthlyFlow < CriticalFlowThreshold {
		out = append(out, core.Alert{
			Type:     AlertCriticalFlow,
			Severity: core.SeverityHigh,
			Message:  "Flux mensuel critique",
			Action:   "Analyser les sorties du mois et geler les engagements en attente",
			Metric:   "monthly_flow",
			Value:    s.MonthlyFlow,
		})
	}
	if s.TotalExpenses.Decimal().GreaterThan(s.TotalIncome.Decimal().Mul(expenseRatioLimit)) {
		out = append(out, core.Alert{
			Type:     AlertHighExpenses,
			Severity: core.SeverityMedium,
			Message:  "Dépenses élevées",
			Action:   "Revoir les catégories de dépenses les plus lourdes",
			Metric:   "total_expenses",
			Value:    s.TotalExpenses,
		})
	}
	return out
}

// Report is a scored snapshot with its breakdown and alerts.
type Report struct {
	Snapshot  core.CapitalSnapshot
	Breakdown Breakdown
	Alerts    []core.Alert
}

// Evaluate runs Aggregate, ScoreBreakdown and Alerts in sequence.
func Evaluate(txs []core.Transaction, now time.Time) Report {
	snap := Aggregate(txs, now)
	b := ScoreBreakdown(snap)
	return Report{Snapshot: snap, Breakdown: b, Alerts: Alerts(snap)}
}
