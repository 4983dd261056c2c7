package finance

import (
	"github.com/shopspring/decimal"

	"economat/internal/core"
)

const (
	MaxCapitalScore   = 40
	MaxFlowScore      = 30
	MaxRatioScore     = 20
	MaxStabilityScore = 10
)

var (
	ratioExcellent = decimal.RequireFromString("1.5")
	ratioGood      = decimal.RequireFromString("1.2")
	ratioBalanced  = decimal.RequireFromString("1.0")
	ratioWeak      = decimal.RequireFromString("0.8")
)

// Breakdown exposes each sub-score next to the total.
type Breakdown struct {
	Capital   int
	Flow      int
	Ratio     int
	Stability int
	Total     int
	Level     core.HealthLevel

	// IncomeExpenseRatio is meaningful only when RatioDefined is true.
	// Income with no expenses is defined and unbounded; it is reported as zero.
	IncomeExpenseRatio decimal.Decimal
	RatioDefined       bool
}

// Score returns the 0-100 health score and its level.
func Score(s core.CapitalSnapshot) (int, core.HealthLevel) {
	b := ScoreBreakdown(s)
	return b.Total, b.Level
}

// ScoreBreakdown computes the four independent sub-scores.
func ScoreBreakdown(s core.CapitalSnapshot) Breakdown {
	b := Breakdown{
		Capital:   clamp(capitalScore(s.Balance), 0, MaxCapitalScore),
		Flow:      clamp(flowScore(s.MonthlyFlow), 0, MaxFlowScore),
		Stability: clamp(stabilityScore(s.Balance, s.MonthlyFlow), 0, MaxStabilityScore),
	}

	ratio, score, defined := ratioScore(s.TotalIncome, s.TotalExpenses)
	b.Ratio = clamp(score, 0, MaxRatioScore)
	b.IncomeExpenseRatio = ratio
	b.RatioDefined = defined

	b.Total = clamp(b.Capital+b.Flow+b.Ratio+b.Stability, 0, 100)
	b.Level = LevelFor(b.Total)
	return b
}

// LevelFor maps a score to its health level.
func LevelFor(score int) core.HealthLevel {
	switch {
	case score >= 85:
		return core.LevelExcellent
	case score >= 70:
		return core.LevelGood
	case score >= 50:
		return core.LevelWarning
	default:
		return core.LevelCritical
	}
}

func capitalScore(balance core.Money) int {
	switch {
	case balance >= 5_000_000:
		return 40
	case balance >= 2_000_000:
		return 32
	case balance >= 1_000_000:
		return 24
	case balance >= 0:
		return 16
	default:
		return 0
	}
}

func flowScore(flow core.Money) int {
	switch {
	case flow > 1_000_000:
		return 30
	case flow > 500_000:
		return 24
	case flow > 0:
		return 18
	case flow > -500_000:
		return 10
	default:
		return 0
	}
}

func ratioScore(income, expenses core.Money) (decimal.Decimal, int, bool) {
	if expenses == 0 {
		if income == 0 {
			return decimal.Zero, 0, false
		}
		return decimal.Zero, 20, true
	}
	inc, exp := income.Decimal(), expenses.Decimal()
	ratio := inc.Div(exp)
	// Compare income against expenses*threshold so the tiers stay exact.
	atLeast := func(t decimal.Decimal) bool { return inc.GreaterThanOrEqual(exp.Mul(t)) }
	switch {
	case atLeast(ratioExcellent):
		return ratio, 20, true
	case atLeast(ratioGood):
		return ratio, 16, true
	case atLeast(ratioBalanced):
		return ratio, 12, true
	case atLeast(ratioWeak):
		return ratio, 8, true
	default:
		return ratio, 0, true
	}
}

func stabilityScore(balance, flow core.Money) int {
	pos := 0
	if balance > 0 {
		pos++
	}
	if flow > 0 {
		pos++
	}
	switch pos {
	case 2:
		return 10
	case 1:
		return 5
	default:
		return 0
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
