package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"economat/internal/core"
)

// Amount is a wire amount. It decodes from a JSON number or string and always
// encodes as a string so no float ever carries money.
type Amount core.Money

func (a *Amount) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*a = 0
		return nil
	}
	var d decimal.Decimal
	if err := d.UnmarshalJSON(b); err != nil {
		return fmt.Errorf("amount %s: %w", b, core.ErrInvalidAmount)
	}
	m, err := core.MoneyFromDecimal(d)
	if err != nil {
		return fmt.Errorf("amount %s: %w", b, err)
	}
	*a = Amount(m)
	return nil
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(strconv.FormatInt(int64(a), 10))
}

// SignedAmount is like Amount but accepts negatives (balances, flows).
type SignedAmount core.Money

func (a *SignedAmount) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*a = 0
		return nil
	}
	var d decimal.Decimal
	if err := d.UnmarshalJSON(b); err != nil {
		return fmt.Errorf("amount %s: %w", b, core.ErrInvalidAmount)
	}
	m, err := core.MoneyFromDecimal(d.Abs())
	if err != nil {
		return fmt.Errorf("amount %s: %w", b, err)
	}
	if d.IsNegative() {
		m = -m
	}
	*a = SignedAmount(m)
	return nil
}

// ID accepts numeric or string identifiers.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("identifier %s: %w", b, err)
	}
	*id = ID(n.String())
	return nil
}

const dateLayout = "2006-01-02"

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", dateLayout} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", s)
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(dateLayout)
}

type wireTransaction struct {
	ID             ID     `json:"id"`
	Type           string `json:"type"`
	Amount         Amount `json:"amount"`
	Category       string `json:"category"`
	Counterparty   string `json:"counterparty"`
	Date           string `json:"transaction_date"`
	RecordedAt     string `json:"recorded_at"`
	PaymentMethod  string `json:"payment_method"`
	Description    string `json:"description"`
	ImpactsCapital *bool  `json:"impacts_capital"`
	Manual         bool   `json:"is_manual"`
}

func (w wireTransaction) toCore() (core.Transaction, error) {
	typ, err := core.ParseTransactionType(w.Type)
	if err != nil {
		return core.Transaction{}, fmt.Errorf("transaction %s: %w", w.ID, err)
	}
	date, err := parseTime(w.Date)
	if err != nil {
		return core.Transaction{}, fmt.Errorf("transaction %s: %w", w.ID, err)
	}
	recorded, err := parseTime(w.RecordedAt)
	if err != nil {
		return core.Transaction{}, fmt.Errorf("transaction %s: %w", w.ID, err)
	}
	impacts := true
	if w.ImpactsCapital != nil {
		impacts = *w.ImpactsCapital
	}
	return core.Transaction{
		ID:             string(w.ID),
		Type:           typ,
		Amount:         core.Money(w.Amount),
		Category:       w.Category,
		Counterparty:   w.Counterparty,
		Date:           date,
		RecordedAt:     recorded,
		PaymentMethod:  w.PaymentMethod,
		Note:           w.Description,
		ImpactsCapital: impacts,
		Manual:         w.Manual,
	}, nil
}

type wireTransactionBody struct {
	Type           string `json:"type"`
	Amount         Amount `json:"amount"`
	Description    string `json:"description"`
	Category       string `json:"category,omitempty"`
	Counterparty   string `json:"counterparty,omitempty"`
	Date           string `json:"transaction_date,omitempty"`
	PaymentMethod  string `json:"payment_method,omitempty"`
	ImpactsCapital bool   `json:"impacts_capital"`
}

type wirePage[T any] struct {
	Items    []T `json:"items"`
	Page     int `json:"page"`
	LastPage int `json:"last_page"`
	Total    int `json:"total"`
}

type wireCategory struct {
	ID    ID     `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
	Icon  string `json:"icon"`
}

type wireStatus struct {
	Code  string `json:"code"`
	Label string `json:"label"`
	Color string `json:"color"`
}

type wireUser struct {
	ID   ID     `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
}

type wireExpense struct {
	ID             ID            `json:"id"`
	Description    string        `json:"description"`
	Amount         Amount        `json:"amount"`
	CategoryID     ID            `json:"category_id"`
	ResponsibleID  ID            `json:"responsible_id"`
	Status         string        `json:"status"`
	Date           string        `json:"expense_date"`
	Supplier       string        `json:"supplier"`
	ValidationNote string        `json:"validation_note"`
	ValidatorID    ID            `json:"validator_id"`
	Category       *wireCategory `json:"category"`
	StatusInfo     *wireStatus   `json:"status_info"`
	Responsible    *wireUser     `json:"responsible"`
}

func (w wireExpense) toRecord() (ExpenseRecord, error) {
	status, err := core.ParseExpenseStatus(w.Status)
	if err != nil {
		return ExpenseRecord{}, fmt.Errorf("expense %s: %w", w.ID, err)
	}
	date, err := parseTime(w.Date)
	if err != nil {
		return ExpenseRecord{}, fmt.Errorf("expense %s: %w", w.ID, err)
	}
	rec := ExpenseRecord{
		Expense: core.Expense{
			ID:             string(w.ID),
			Description:    w.Description,
			Amount:         core.Money(w.Amount),
			CategoryID:     string(w.CategoryID),
			ResponsibleID:  string(w.ResponsibleID),
			Status:         status,
			Date:           date,
			Supplier:       w.Supplier,
			ValidationNote: w.ValidationNote,
			ValidatorID:    string(w.ValidatorID),
		},
	}
	if w.Category != nil {
		c := w.Category.toRef()
		rec.Category = &c
		if rec.Expense.CategoryID == "" {
			rec.Expense.CategoryID = c.ID
		}
	}
	if w.StatusInfo != nil {
		rec.StatusInfo = &StatusRef{Code: w.StatusInfo.Code, Label: w.StatusInfo.Label, Color: w.StatusInfo.Color}
	}
	if w.Responsible != nil {
		u := w.Responsible.toRef()
		rec.Responsible = &u
		if rec.Expense.ResponsibleID == "" {
			rec.Expense.ResponsibleID = u.ID
		}
	}
	return rec, nil
}

func (w wireCategory) toRef() CategoryRef {
	return CategoryRef{ID: string(w.ID), Name: w.Name, Color: w.Color, Icon: w.Icon}
}

func (w wireUser) toRef() UserRef {
	return UserRef{ID: string(w.ID), Name: w.Name, Role: core.Role(strings.ToLower(w.Role))}
}

type wireExpenseBody struct {
	Description    string `json:"description"`
	Amount         Amount `json:"amount"`
	CategoryID     string `json:"category_id,omitempty"`
	ResponsibleID  string `json:"responsible_id,omitempty"`
	Status         string `json:"status,omitempty"`
	Date           string `json:"expense_date,omitempty"`
	Supplier       string `json:"supplier,omitempty"`
	ValidationNote string `json:"validation_note,omitempty"`
	ValidatorID    string `json:"validator_id,omitempty"`
}

type wireDashboard struct {
	Balance         SignedAmount `json:"balance"`
	TotalIncome     Amount       `json:"total_income"`
	TotalExpenses   Amount       `json:"total_expenses"`
	MonthlyFlow     SignedAmount `json:"monthly_flow"`
	PendingExpenses int          `json:"pending_expenses"`
	GeneratedAt     string       `json:"generated_at"`
}

type wireBalance struct {
	Balance SignedAmount `json:"balance"`
	AsOf    string       `json:"as_of"`
}

type wireBulkBody struct {
	IDs         []string `json:"expense_ids"`
	Action      string   `json:"action"`
	Note        string   `json:"validation_note,omitempty"`
	ValidatorID string   `json:"validator_id"`
}

type wireBulkFailure struct {
	ID     ID     `json:"id"`
	Reason string `json:"reason"`
}

type wireBulkResult struct {
	Succeeded []ID              `json:"succeeded"`
	Failed    []wireBulkFailure `json:"failed"`
}
