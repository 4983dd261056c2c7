package http

import (
	"time"

	"economat/internal/audit"
	"economat/internal/bulk"
	"economat/internal/capital"
	"economat/internal/core"
	"economat/internal/expense"
	"economat/internal/finance"
)

const dateLayout = "2006-01-02"

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(dateLayout)
}

type trendJSON struct {
	Current   int64   `json:"current"`
	Previous  int64   `json:"previous"`
	ChangePct float64 `json:"change_pct"`
	Direction string  `json:"direction"`
}

func newTrendJSON(t core.Trend) trendJSON {
	return trendJSON{
		Current:   int64(t.Current),
		Previous:  int64(t.Previous),
		ChangePct: t.ChangePct,
		Direction: string(t.Direction),
	}
}

type breakdownJSON struct {
	Capital   int    `json:"capital"`
	Flow      int    `json:"flow"`
	Ratio     int    `json:"ratio"`
	Stability int    `json:"stability"`
	Total     int    `json:"total"`
	Level     string `json:"level"`
	// IncomeExpenseRatio is empty when there were no expenses.
	IncomeExpenseRatio string `json:"income_expense_ratio,omitempty"`
}

func newBreakdownJSON(b finance.Breakdown) breakdownJSON {
	out := breakdownJSON{
		Capital:   b.Capital,
		Flow:      b.Flow,
		Ratio:     b.Ratio,
		Stability: b.Stability,
		Total:     b.Total,
		Level:     string(b.Level),
	}
	if b.RatioDefined {
		out.IncomeExpenseRatio = b.IncomeExpenseRatio.StringFixed(2)
	}
	return out
}

type alertJSON struct {
	Type     string `json:"type"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
	Action   string `json:"action"`
	Metric   string `json:"metric"`
	Value    int64  `json:"value"`
}

type dashboardJSON struct {
	Balance         int64         `json:"balance"`
	TotalIncome     int64         `json:"total_income"`
	TotalExpenses   int64         `json:"total_expenses"`
	MonthlyFlow     int64         `json:"monthly_flow"`
	MonthlyIncome   int64         `json:"monthly_income"`
	MonthlySpend    int64         `json:"monthly_expenses"`
	IncomeTrend     trendJSON     `json:"income_trend"`
	ExpenseTrend    trendJSON     `json:"expense_trend"`
	FlowTrend       trendJSON     `json:"flow_trend"`
	Score           int           `json:"score"`
	Level           string        `json:"level"`
	Breakdown       breakdownJSON `json:"breakdown"`
	Alerts          []alertJSON   `json:"alerts"`
	PendingExpenses int           `json:"pending_expenses"`
	RemoteBalance   *int64        `json:"remote_balance,omitempty"`
	Drift           int64         `json:"drift"`
	Transactions    int           `json:"transactions"`
	GeneratedAt     time.Time     `json:"generated_at"`
}

func newDashboardJSON(d capital.Dashboard) dashboardJSON {
	s := d.Snapshot
	out := dashboardJSON{
		Balance:         int64(s.Balance),
		TotalIncome:     int64(s.TotalIncome),
		TotalExpenses:   int64(s.TotalExpenses),
		MonthlyFlow:     int64(s.MonthlyFlow),
		MonthlyIncome:   int64(s.MonthlyIncome),
		MonthlySpend:    int64(s.MonthlySpend),
		IncomeTrend:     newTrendJSON(s.IncomeTrend),
		ExpenseTrend:    newTrendJSON(s.ExpenseTrend),
		FlowTrend:       newTrendJSON(s.FlowTrend),
		Score:           s.Score,
		Level:           string(s.Level),
		Breakdown:       newBreakdownJSON(d.Breakdown),
		Alerts:          make([]alertJSON, 0, len(d.Alerts)),
		PendingExpenses: d.PendingExpenses,
		Drift:           int64(d.Drift),
		Transactions:    d.Transactions,
		GeneratedAt:     s.GeneratedAt,
	}
	if d.RemoteBalance != nil {
		v := int64(*d.RemoteBalance)
		out.RemoteBalance = &v
	}
	for _, a := range d.Alerts {
		out.Alerts = append(out.Alerts, alertJSON{
			Type:     a.Type,
			Severity: string(a.Severity),
			Message:  a.Message,
			Action:   a.Action,
			Metric:   a.Metric,
			Value:    int64(a.Value),
		})
	}
	return out
}

type expenseJSON struct {
	ID             string `json:"id"`
	Description    string `json:"description"`
	Amount         int64  `json:"amount"`
	CategoryID     string `json:"category_id"`
	ResponsibleID  string `json:"responsible_id"`
	Status         string `json:"status"`
	Date           string `json:"date"`
	Supplier       string `json:"supplier,omitempty"`
	ValidationNote string `json:"validation_note,omitempty"`
	ValidatorID    string `json:"validator_id,omitempty"`
}

func newExpenseJSON(e core.Expense) expenseJSON {
	return expenseJSON{
		ID:             e.ID,
		Description:    e.Description,
		Amount:         int64(e.Amount),
		CategoryID:     e.CategoryID,
		ResponsibleID:  e.ResponsibleID,
		Status:         string(e.Status),
		Date:           formatDate(e.Date),
		Supplier:       e.Supplier,
		ValidationNote: e.ValidationNote,
		ValidatorID:    e.ValidatorID,
	}
}

type expenseViewJSON struct {
	expenseJSON
	CategoryName    string `json:"category_name"`
	CategoryColor   string `json:"category_color"`
	CategoryIcon    string `json:"category_icon"`
	StatusLabel     string `json:"status_label"`
	StatusColor     string `json:"status_color"`
	ResponsibleName string `json:"responsible_name"`
	EnrichedBy      string `json:"enriched_by"`
	Deletable       bool   `json:"deletable"`
	DeleteReason    string `json:"delete_reason,omitempty"`
	Editable        bool   `json:"editable"`
	Validatable     bool   `json:"validatable"`
}

func newExpenseViewJSON(v expense.View) expenseViewJSON {
	return expenseViewJSON{
		expenseJSON:     newExpenseJSON(v.Expense),
		CategoryName:    v.CategoryName,
		CategoryColor:   v.CategoryColor,
		CategoryIcon:    v.CategoryIcon,
		StatusLabel:     v.StatusLabel,
		StatusColor:     v.StatusColor,
		ResponsibleName: v.ResponsibleName,
		EnrichedBy:      string(v.EnrichedBy),
		Deletable:       v.Deletable,
		DeleteReason:    v.DeleteReason,
		Editable:        v.Editable,
		Validatable:     v.Validatable,
	}
}

type expensePageJSON struct {
	Items    []expenseViewJSON `json:"items"`
	Page     int               `json:"page"`
	LastPage int               `json:"last_page"`
	Total    int               `json:"total"`
}

type transactionJSON struct {
	ID             string `json:"id"`
	Type           string `json:"type"`
	Amount         int64  `json:"amount"`
	Category       string `json:"category,omitempty"`
	Counterparty   string `json:"counterparty,omitempty"`
	Date           string `json:"date"`
	PaymentMethod  string `json:"payment_method,omitempty"`
	Description    string `json:"description"`
	ImpactsCapital bool   `json:"impacts_capital"`
	Manual         bool   `json:"manual"`
}

func newTransactionJSON(t core.Transaction) transactionJSON {
	return transactionJSON{
		ID:             t.ID,
		Type:           string(t.Type),
		Amount:         int64(t.Amount),
		Category:       t.Category,
		Counterparty:   t.Counterparty,
		Date:           formatDate(t.Date),
		PaymentMethod:  t.PaymentMethod,
		Description:    t.Note,
		ImpactsCapital: t.ImpactsCapital,
		Manual:         t.Manual,
	}
}

type bulkResultJSON struct {
	Action    string            `json:"action"`
	Succeeded []string          `json:"succeeded"`
	Failed    []itemFailureJSON `json:"failed"`
	Skipped   []itemFailureJSON `json:"skipped"`
	Partial   bool              `json:"partial"`
}

func newBulkResultJSON(r bulk.Result) bulkResultJSON {
	succeeded := r.Succeeded
	if succeeded == nil {
		succeeded = []string{}
	}
	return bulkResultJSON{
		Action:    r.Action,
		Succeeded: succeeded,
		Failed:    failuresJSON(r.Failed),
		Skipped:   failuresJSON(r.Skipped),
		Partial:   r.Partial(),
	}
}

type decisionJSON struct {
	ID        string            `json:"id"`
	Action    string            `json:"action"`
	ActorID   string            `json:"actor_id"`
	Role      string            `json:"role"`
	Targets   []string          `json:"targets"`
	Succeeded []string          `json:"succeeded"`
	Failed    []itemFailureJSON `json:"failed"`
	Skipped   []itemFailureJSON `json:"skipped"`
	Amount    int64             `json:"amount"`
	Note      string            `json:"note,omitempty"`
	At        time.Time         `json:"at"`
}

func newDecisionJSON(d audit.Decision) decisionJSON {
	return decisionJSON{
		ID:        d.ID,
		Action:    string(d.Action),
		ActorID:   d.ActorID,
		Role:      string(d.Role),
		Targets:   d.Targets,
		Succeeded: d.Succeeded,
		Failed:    failuresJSON(d.Failed),
		Skipped:   failuresJSON(d.Skipped),
		Amount:    int64(d.Amount),
		Note:      d.Note,
		At:        d.At,
	}
}
