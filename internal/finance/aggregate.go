// Package finance derives the capital snapshot, its health score and the
// alerts from a list of ledger transactions. Everything here is pure.
package finance

import (
	"time"

	"github.com/shopspring/decimal"

	"economat/internal/core"
)

// trendThresholdPct is the change, in percent, beyond which a metric moves.
const trendThresholdPct = 5

// TrendThreshold returns the ±band, in percent, inside which a trend is stable.
func TrendThreshold() decimal.Decimal {
	return decimal.NewFromInt(trendThresholdPct)
}

var hundred = decimal.NewFromInt(100)

type periodTotals struct {
	income   core.Money
	expenses core.Money
}

func (p periodTotals) flow() core.Money { return p.income - p.expenses }

// Aggregate computes balance, totals, the flow of the calendar month holding
// now and the trends against the previous calendar month. Only transactions
// that impact capital count. The snapshot comes back scored, so an empty list
// yields zero amounts at the critical level.
func Aggregate(txs []core.Transaction, now time.Time) core.CapitalSnapshot {
	snap := core.CapitalSnapshot{GeneratedAt: now}
	if len(txs) == 0 {
		return scored(snap)
	}

	curStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	nextStart := curStart.AddDate(0, 1, 0)
	prevStart := curStart.AddDate(0, -1, 0)

	var cur, prev periodTotals
	for _, tx := range txs {
		if !tx.ImpactsCapital {
			continue
		}
		switch tx.Type {
		case core.TypeIncome:
			snap.TotalIncome += tx.Amount
		case core.TypeExpense:
			snap.TotalExpenses += tx.Amount
		default:
			continue
		}

		d := tx.Date.In(now.Location())
		var bucket *periodTotals
		switch {
		case !d.Before(curStart) && d.Before(nextStart):
			bucket = &cur
		case !d.Before(prevStart) && d.Before(curStart):
			bucket = &prev
		}
		if bucket == nil {
			continue
		}
		if tx.Type == core.TypeIncome {
			bucket.income += tx.Amount
		} else {
			bucket.expenses += tx.Amount
		}
	}

	snap.Balance = snap.TotalIncome - snap.TotalExpenses
	snap.MonthlyIncome = cur.income
	snap.MonthlySpend = cur.expenses
	snap.MonthlyFlow = cur.flow()
	snap.IncomeTrend = NewTrend(cur.income, prev.income)
	snap.ExpenseTrend = NewTrend(cur.expenses, prev.expenses)
	snap.FlowTrend = NewTrend(cur.flow(), prev.flow())
	return scored(snap)
}

func scored(snap core.CapitalSnapshot) core.CapitalSnapshot {
	b := ScoreBreakdown(snap)
	snap.Score = b.Total
	snap.Level = b.Level
	return snap
}

// NewTrend classifies the change from previous to current. A zero previous
// value yields 0% when current is also zero and ±100% otherwise.
func NewTrend(current, previous core.Money) core.Trend {
	t := core.Trend{Current: current, Previous: previous}

	var pct decimal.Decimal
	switch {
	case previous == 0 && current == 0:
		pct = decimal.Zero
	case previous == 0 && current > 0:
		pct = hundred
	case previous == 0:
		pct = hundred.Neg()
	default:
		diff := current.Decimal().Sub(previous.Decimal())
		pct = diff.Div(previous.Decimal().Abs()).Mul(hundred)
	}

	t.ChangePct = pct.Round(2).InexactFloat64()
	band := TrendThreshold()
	switch {
	case pct.GreaterThan(band):
		t.Direction = core.TrendUp
	case pct.LessThan(band.Neg()):
		t.Direction = core.TrendDown
	default:
		t.Direction = core.TrendStable
	}
	return t
}
