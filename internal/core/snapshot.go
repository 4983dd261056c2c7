package core

import "time"

const (
	LevelExcellent HealthLevel = "excellent"
	LevelGood      HealthLevel = "good"
	LevelWarning   HealthLevel = "warning"
	LevelCritical  HealthLevel = "critical"
)

const (
	TrendUp     TrendDirection = "up"
	TrendDown   TrendDirection = "down"
	TrendStable TrendDirection = "stable"
)

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
)

type (
	HealthLevel string

	TrendDirection string

	Severity string

	// Trend compares a metric with the same metric over the prior period.
	Trend struct {
		Current   Money
		Previous  Money
		ChangePct float64
		Direction TrendDirection
	}

	// CapitalSnapshot is derived from the ledger on every fetch and is never
	// stored beyond the transport cache TTL.
	CapitalSnapshot struct {
		Balance       Money
		TotalIncome   Money
		TotalExpenses Money
		MonthlyFlow   Money
		MonthlyIncome Money
		MonthlySpend  Money
		IncomeTrend   Trend
		ExpenseTrend  Trend
		FlowTrend     Trend
		Score         int
		Level         HealthLevel
		GeneratedAt   time.Time
	}

	// Alert is regenerated with each snapshot.
	Alert struct {
		Type     string
		Severity Severity
		Message  string
		Action   string
		Metric   string
		Value    Money
	}
)

// Rank orders severities, CRITICAL first.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityHigh:
		return 1
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 3
	}
	return 4
}
