package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"economat/internal/core"
)

// RemoteDashboard is the aggregate the ledger computes server side.
type RemoteDashboard struct {
	Balance         core.Money
	TotalIncome     core.Money
	TotalExpenses   core.Money
	MonthlyFlow     core.Money
	PendingExpenses int
	GeneratedAt     time.Time
}

// Balance is the ledger's current capital position.
type Balance struct {
	Amount core.Money
	AsOf   time.Time
}

// TransactionFilter narrows a transaction listing. Zero values are omitted.
type TransactionFilter struct {
	Page    int
	PerPage int
	From    time.Time
	To      time.Time
	Type    core.TransactionType
}

func (f TransactionFilter) query() url.Values {
	q := url.Values{}
	if f.Page > 0 {
		q.Set("page", strconv.Itoa(f.Page))
	}
	if f.PerPage > 0 {
		q.Set("per_page", strconv.Itoa(f.PerPage))
	}
	if !f.From.IsZero() {
		q.Set("from", formatDate(f.From))
	}
	if !f.To.IsZero() {
		q.Set("to", formatDate(f.To))
	}
	if f.Type != "" {
		q.Set("type", string(f.Type))
	}
	return q
}

// Page is one page of a paginated listing.
type Page[T any] struct {
	Items    []T
	Page     int
	LastPage int
	Total    int
}

// TransactionInput is the body of a manual transaction.
type TransactionInput struct {
	Type           core.TransactionType
	Amount         core.Money
	Description    string
	Category       string
	Counterparty   string
	Date           time.Time
	PaymentMethod  string
	ImpactsCapital bool
}

func (in TransactionInput) body() wireTransactionBody {
	return wireTransactionBody{
		Type:           string(in.Type),
		Amount:         Amount(in.Amount),
		Description:    in.Description,
		Category:       in.Category,
		Counterparty:   in.Counterparty,
		Date:           formatDate(in.Date),
		PaymentMethod:  in.PaymentMethod,
		ImpactsCapital: in.ImpactsCapital,
	}
}

// CategoryRef, StatusRef and UserRef are the lookup objects a pre-enriched
// expense carries.
type CategoryRef struct {
	ID    string
	Name  string
	Color string
	Icon  string
}

type StatusRef struct {
	Code  string
	Label string
	Color string
}

type UserRef struct {
	ID   string
	Name string
	Role core.Role
}

// ExpenseRecord is an expense as returned by the ledger. The reference
// pointers are nil when the backend did not enrich the record.
type ExpenseRecord struct {
	Expense     core.Expense
	Category    *CategoryRef
	StatusInfo  *StatusRef
	Responsible *UserRef
}

// Enriched reports whether the backend supplied every lookup object.
func (r ExpenseRecord) Enriched() bool {
	return r.Category != nil && r.StatusInfo != nil && r.Responsible != nil
}

// ExpenseFilter narrows an expense listing.
type ExpenseFilter struct {
	Status  core.ExpenseStatus
	Page    int
	PerPage int
}

func (f ExpenseFilter) query() url.Values {
	q := url.Values{}
	if f.Status != "" {
		q.Set("status", string(f.Status))
	}
	if f.Page > 0 {
		q.Set("page", strconv.Itoa(f.Page))
	}
	if f.PerPage > 0 {
		q.Set("per_page", strconv.Itoa(f.PerPage))
	}
	return q
}

// ExpenseInput is the writable part of an expense.
type ExpenseInput struct {
	Description    string
	Amount         core.Money
	CategoryID     string
	ResponsibleID  string
	Status         core.ExpenseStatus
	Date           time.Time
	Supplier       string
	ValidationNote string
	ValidatorID    string
}

func ExpenseInputFrom(e core.Expense) ExpenseInput {
	return ExpenseInput{
		Description:    e.Description,
		Amount:         e.Amount,
		CategoryID:     e.CategoryID,
		ResponsibleID:  e.ResponsibleID,
		Status:         e.Status,
		Date:           e.Date,
		Supplier:       e.Supplier,
		ValidationNote: e.ValidationNote,
		ValidatorID:    e.ValidatorID,
	}
}

func (in ExpenseInput) body() wireExpenseBody {
	return wireExpenseBody{
		Description:    in.Description,
		Amount:         Amount(in.Amount),
		CategoryID:     in.CategoryID,
		ResponsibleID:  in.ResponsibleID,
		Status:         string(in.Status),
		Date:           formatDate(in.Date),
		Supplier:       in.Supplier,
		ValidationNote: in.ValidationNote,
		ValidatorID:    in.ValidatorID,
	}
}

// BulkAction is the decision applied by a bulk validation.
type BulkAction string

const (
	ActionApprove BulkAction = "approve"
	ActionReject  BulkAction = "reject"
)

func (a BulkAction) Valid() bool { return a == ActionApprove || a == ActionReject }

// TargetStatus is the status an expense ends in after the action.
func (a BulkAction) TargetStatus() core.ExpenseStatus {
	if a == ActionApprove {
		return core.StatusPaid
	}
	return core.StatusRejected
}

// BulkValidateInput is one bulk decision over eligible expenses.
type BulkValidateInput struct {
	IDs            []string
	Action         BulkAction
	Note           string
	ValidatorID    string
	IdempotencyKey string
}

// BulkOutcome is the per-id result reported by the ledger.
type BulkOutcome struct {
	Succeeded []string
	Failed    []core.ItemFailure
}

func decode[T any](endpoint string, data json.RawMessage) (T, error) {
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("decode %s: %w", endpoint, err)
	}
	return out, nil
}

func idParams(id string) map[string]string {
	return map[string]string{"id": id}
}

// FetchDashboard returns the server-side aggregate.
func (c *Client) FetchDashboard(ctx context.Context) (RemoteDashboard, error) {
	data, err := c.Do(ctx, EndpointDashboard, Options{})
	if err != nil {
		return RemoteDashboard{}, err
	}
	w, err := decode[wireDashboard](EndpointDashboard, data)
	if err != nil {
		return RemoteDashboard{}, err
	}
	generated, err := parseTime(w.GeneratedAt)
	if err != nil {
		return RemoteDashboard{}, fmt.Errorf("decode %s: %w", EndpointDashboard, err)
	}
	return RemoteDashboard{
		Balance:         core.Money(w.Balance),
		TotalIncome:     core.Money(w.TotalIncome),
		TotalExpenses:   core.Money(w.TotalExpenses),
		MonthlyFlow:     core.Money(w.MonthlyFlow),
		PendingExpenses: w.PendingExpenses,
		GeneratedAt:     generated,
	}, nil
}

// FetchBalance returns the current capital balance.
func (c *Client) FetchBalance(ctx context.Context) (Balance, error) {
	data, err := c.Do(ctx, EndpointBalance, Options{})
	if err != nil {
		return Balance{}, err
	}
	w, err := decode[wireBalance](EndpointBalance, data)
	if err != nil {
		return Balance{}, err
	}
	asOf, err := parseTime(w.AsOf)
	if err != nil {
		return Balance{}, fmt.Errorf("decode %s: %w", EndpointBalance, err)
	}
	return Balance{Amount: core.Money(w.Balance), AsOf: asOf}, nil
}

// ListTransactions fetches one page of transactions.
func (c *Client) ListTransactions(ctx context.Context, f TransactionFilter) (Page[core.Transaction], error) {
	data, err := c.Do(ctx, EndpointTransactions, Options{Query: f.query()})
	if err != nil {
		return Page[core.Transaction]{}, err
	}
	w, err := decode[wirePage[wireTransaction]](EndpointTransactions, data)
	if err != nil {
		return Page[core.Transaction]{}, err
	}
	page := Page[core.Transaction]{Page: w.Page, LastPage: w.LastPage, Total: w.Total}
	page.Items = make([]core.Transaction, 0, len(w.Items))
	for _, item := range w.Items {
		tx, err := item.toCore()
		if err != nil {
			return Page[core.Transaction]{}, fmt.Errorf("decode %s: %w", EndpointTransactions, err)
		}
		page.Items = append(page.Items, tx)
	}
	return page, nil
}

// AllTransactions walks every page of the listing.
func (c *Client) AllTransactions(ctx context.Context, f TransactionFilter) ([]core.Transaction, error) {
	if f.PerPage == 0 {
		f.PerPage = 200
	}
	f.Page = 1
	var all []core.Transaction
	for {
		page, err := c.ListTransactions(ctx, f)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Items...)
		if page.LastPage <= f.Page || len(page.Items) == 0 {
			return all, nil
		}
		f.Page++
	}
}

// InjectTransaction appends a manual transaction. idempotencyKey may be empty.
func (c *Client) InjectTransaction(ctx context.Context, in TransactionInput, idempotencyKey string) (core.Transaction, error) {
	data, err := c.Do(ctx, EndpointInjectTransaction, Options{Body: in.body(), IdempotencyKey: idempotencyKey})
	if err != nil {
		return core.Transaction{}, err
	}
	return decodeTransaction(EndpointInjectTransaction, data)
}

// GetManualTransaction fetches a manually injected transaction.
func (c *Client) GetManualTransaction(ctx context.Context, id string) (core.Transaction, error) {
	data, err := c.Do(ctx, EndpointGetManualTransaction, Options{Params: idParams(id)})
	if err != nil {
		return core.Transaction{}, err
	}
	return decodeTransaction(EndpointGetManualTransaction, data)
}

// UpdateManualTransaction replaces a manual transaction.
func (c *Client) UpdateManualTransaction(ctx context.Context, id string, in TransactionInput) (core.Transaction, error) {
	data, err := c.Do(ctx, EndpointUpdateManualTransaction, Options{Params: idParams(id), Body: in.body()})
	if err != nil {
		return core.Transaction{}, err
	}
	return decodeTransaction(EndpointUpdateManualTransaction, data)
}

// DeleteManualTransaction removes a manual transaction.
func (c *Client) DeleteManualTransaction(ctx context.Context, id string) error {
	_, err := c.Do(ctx, EndpointDeleteManualTransaction, Options{Params: idParams(id)})
	return err
}

func decodeTransaction(endpoint string, data json.RawMessage) (core.Transaction, error) {
	w, err := decode[wireTransaction](endpoint, data)
	if err != nil {
		return core.Transaction{}, err
	}
	tx, err := w.toCore()
	if err != nil {
		return core.Transaction{}, fmt.Errorf("decode %s: %w", endpoint, err)
	}
	return tx, nil
}

// BulkValidateExpenses sends one approve/reject decision for many expenses.
func (c *Client) BulkValidateExpenses(ctx context.Context, in BulkValidateInput) (BulkOutcome, error) {
	body := wireBulkBody{IDs: in.IDs, Action: string(in.Action), Note: in.Note, ValidatorID: in.ValidatorID}
	data, err := c.Do(ctx, EndpointBulkValidate, Options{Body: body, IdempotencyKey: in.IdempotencyKey})
	if err != nil {
		return BulkOutcome{}, err
	}
	w, err := decode[wireBulkResult](EndpointBulkValidate, data)
	if err != nil {
		return BulkOutcome{}, err
	}
	out := BulkOutcome{Succeeded: make([]string, 0, len(w.Succeeded))}
	for _, id := range w.Succeeded {
		out.Succeeded = append(out.Succeeded, string(id))
	}
	for _, f := range w.Failed {
		out.Failed = append(out.Failed, core.ItemFailure{ID: string(f.ID), Reason: f.Reason})
	}
	return out, nil
}

// ListExpenses fetches one page of expenses.
func (c *Client) ListExpenses(ctx context.Context, f ExpenseFilter) (Page[ExpenseRecord], error) {
	data, err := c.Do(ctx, EndpointExpenses, Options{Query: f.query()})
	if err != nil {
		return Page[ExpenseRecord]{}, err
	}
	w, err := decode[wirePage[wireExpense]](EndpointExpenses, data)
	if err != nil {
		return Page[ExpenseRecord]{}, err
	}
	page := Page[ExpenseRecord]{Page: w.Page, LastPage: w.LastPage, Total: w.Total}
	page.Items = make([]ExpenseRecord, 0, len(w.Items))
	for _, item := range w.Items {
		rec, err := item.toRecord()
		if err != nil {
			return Page[ExpenseRecord]{}, fmt.Errorf("decode %s: %w", EndpointExpenses, err)
		}
		page.Items = append(page.Items, rec)
	}
	return page, nil
}

// GetExpense fetches one expense.
func (c *Client) GetExpense(ctx context.Context, id string) (ExpenseRecord, error) {
	data, err := c.Do(ctx, EndpointGetExpense, Options{Params: idParams(id)})
	if err != nil {
		return ExpenseRecord{}, err
	}
	return decodeExpense(EndpointGetExpense, data)
}

// CreateExpense records a new expense.
func (c *Client) CreateExpense(ctx context.Context, in ExpenseInput) (ExpenseRecord, error) {
	data, err := c.Do(ctx, EndpointCreateExpense, Options{Body: in.body()})
	if err != nil {
		return ExpenseRecord{}, err
	}
	return decodeExpense(EndpointCreateExpense, data)
}

// UpdateExpense replaces the writable fields of an expense.
func (c *Client) UpdateExpense(ctx context.Context, id string, in ExpenseInput) (ExpenseRecord, error) {
	data, err := c.Do(ctx, EndpointUpdateExpense, Options{Params: idParams(id), Body: in.body()})
	if err != nil {
		return ExpenseRecord{}, err
	}
	return decodeExpense(EndpointUpdateExpense, data)
}

// DeleteExpense removes an expense.
func (c *Client) DeleteExpense(ctx context.Context, id string) error {
	_, err := c.Do(ctx, EndpointDeleteExpense, Options{Params: idParams(id)})
	return err
}

func decodeExpense(endpoint string, data json.RawMessage) (ExpenseRecord, error) {
	w, err := decode[wireExpense](endpoint, data)
	if err != nil {
		return ExpenseRecord{}, err
	}
	rec, err := w.toRecord()
	if err != nil {
		return ExpenseRecord{}, fmt.Errorf("decode %s: %w", endpoint, err)
	}
	return rec, nil
}

// ListCategories returns the expense categories, used for manual enrichment.
func (c *Client) ListCategories(ctx context.Context) ([]CategoryRef, error) {
	data, err := c.Do(ctx, EndpointCategories, Options{})
	if err != nil {
		return nil, err
	}
	w, err := decode[[]wireCategory](EndpointCategories, data)
	if err != nil {
		return nil, err
	}
	out := make([]CategoryRef, 0, len(w))
	for _, cat := range w {
		out = append(out, cat.toRef())
	}
	return out, nil
}

// ListUsers returns the users that can be responsible for an expense.
func (c *Client) ListUsers(ctx context.Context) ([]UserRef, error) {
	data, err := c.Do(ctx, EndpointUsers, Options{})
	if err != nil {
		return nil, err
	}
	w, err := decode[[]wireUser](EndpointUsers, data)
	if err != nil {
		return nil, err
	}
	out := make([]UserRef, 0, len(w))
	for _, u := range w {
		out = append(out, u.toRef())
	}
	return out, nil
}

// HealthCheck calls the anonymous health endpoint.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.Do(ctx, EndpointHealth, Options{})
	return err
}
