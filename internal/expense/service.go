package expense

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"economat/internal/audit"
	"economat/internal/core"
	"economat/internal/ledger"
	applog "economat/internal/log"
)

// Ledger is the part of the ledger client the service needs.
type Ledger interface {
	ListExpenses(ctx context.Context, f ledger.ExpenseFilter) (ledger.Page[ledger.ExpenseRecord], error)
	GetExpense(ctx context.Context, id string) (ledger.ExpenseRecord, error)
	CreateExpense(ctx context.Context, in ledger.ExpenseInput) (ledger.ExpenseRecord, error)
	UpdateExpense(ctx context.Context, id string, in ledger.ExpenseInput) (ledger.ExpenseRecord, error)
	DeleteExpense(ctx context.Context, id string) error
	BulkValidateExpenses(ctx context.Context, in ledger.BulkValidateInput) (ledger.BulkOutcome, error)
	ListCategories(ctx context.Context) ([]ledger.CategoryRef, error)
	ListUsers(ctx context.Context) ([]ledger.UserRef, error)
}

// Draft is the user-supplied part of an expense.
type Draft struct {
	Description string
	Amount      core.Money
	CategoryID  string
	Date        time.Time
	Supplier    string
}

// Service applies the lifecycle rules around ledger calls.
type Service struct {
	ledger   Ledger
	recorder audit.Recorder
	logger   *applog.Logger
	now      func() time.Time
}

// NewService creates the expense service. recorder may be nil.
func NewService(l Ledger, recorder audit.Recorder, logger *applog.Logger) *Service {
	if logger == nil {
		logger = applog.Discard()
	}
	if recorder == nil {
		recorder = audit.Nop{}
	}
	return &Service{
		ledger:   l,
		recorder: recorder,
		logger:   logger.WithComponent(applog.ComponentExpense),
		now:      time.Now,
	}
}

func validateDraft(d Draft) error {
	verr := &core.ValidationError{}
	if strings.TrimSpace(d.Description) == "" {
		verr.Add("description", "la description est requise")
	} else if len(d.Description) > 500 {
		verr.Add("description", "500 caractères maximum")
	}
	if d.Amount <= 0 {
		verr.Add("amount", "le montant doit être positif")
	}
	return verr.OrNil()
}

// Create records a new Pending expense with actor as responsible.
func (s *Service) Create(ctx context.Context, actor core.Actor, d Draft) (core.Expense, error) {
	if err := actor.Validate(); err != nil {
		return core.Expense{}, &core.PermissionError{Action: "create", Role: actor.Role}
	}
	if err := validateDraft(d); err != nil {
		return core.Expense{}, err
	}
	date := d.Date
	if date.IsZero() {
		date = s.now()
	}
	e := core.Expense{
		Description:   strings.TrimSpace(d.Description),
		Amount:        d.Amount,
		CategoryID:    d.CategoryID,
		ResponsibleID: actor.UserID,
		Status:        core.StatusPending,
		Date:          date,
		Supplier:      d.Supplier,
	}
	rec, err := s.ledger.CreateExpense(ctx, ledger.ExpenseInputFrom(e))
	if err != nil {
		return core.Expense{}, fmt.Errorf("create expense: %w", err)
	}

	s.logger.InfoContext(ctx, "Expense created",
		applog.FieldExpenseID, rec.Expense.ID,
		applog.FieldActor, actor.UserID,
		applog.FieldAmount, int64(e.Amount))
	dec := audit.New(audit.ActionCreate, actor, rec.Expense.ID)
	dec.Succeeded = []string{rec.Expense.ID}
	dec.Amount = e.Amount
	audit.Emit(ctx, s.logger, s.recorder, dec)
	return rec.Expense, nil
}

// Get fetches one expense.
func (s *Service) Get(ctx context.Context, id string) (ledger.ExpenseRecord, error) {
	rec, err := s.ledger.GetExpense(ctx, id)
	if err != nil {
		return ledger.ExpenseRecord{}, fmt.Errorf("get expense %s: %w", id, err)
	}
	return rec, nil
}

// List fetches one page of expenses.
func (s *Service) List(ctx context.Context, f ledger.ExpenseFilter) (ledger.Page[ledger.ExpenseRecord], error) {
	page, err := s.ledger.ListExpenses(ctx, f)
	if err != nil {
		return page, fmt.Errorf("list expenses: %w", err)
	}
	return page, nil
}

// Update applies d to expense id if actor may edit it.
func (s *Service) Update(ctx context.Context, actor core.Actor, id string, d Draft) (core.Expense, error) {
	if err := validateDraft(d); err != nil {
		return core.Expense{}, err
	}
	rec, err := s.Get(ctx, id)
	if err != nil {
		return core.Expense{}, err
	}
	current := rec.Expense

	next := current
	next.Description = strings.TrimSpace(d.Description)
	next.Amount = d.Amount
	next.CategoryID = d.CategoryID
	next.Supplier = d.Supplier
	if !d.Date.IsZero() {
		next.Date = d.Date
	}
	if err := CanApplyEdit(current, next, actor); err != nil {
		return core.Expense{}, err
	}

	updated, err := s.ledger.UpdateExpense(ctx, id, ledger.ExpenseInputFrom(next))
	if err != nil {
		return core.Expense{}, fmt.Errorf("update expense %s: %w", id, err)
	}
	dec := audit.New(audit.ActionUpdate, actor, id)
	dec.Succeeded = []string{id}
	dec.Amount = next.Amount
	audit.Emit(ctx, s.logger, s.recorder, dec)
	return updated.Expense, nil
}

// Delete removes expense id if its status and actor's role allow it.
func (s *Service) Delete(ctx context.Context, actor core.Actor, id string) error {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := CanDelete(rec.Expense, actor); err != nil {
		return err
	}
	if err := s.ledger.DeleteExpense(ctx, id); err != nil {
		return fmt.Errorf("delete expense %s: %w", id, err)
	}

	s.logger.InfoContext(ctx, "Expense deleted",
		applog.FieldExpenseID, id,
		applog.FieldActor, actor.UserID,
		applog.FieldRole, string(actor.Role))
	dec := audit.New(audit.ActionDelete, actor, id)
	dec.Succeeded = []string{id}
	audit.Emit(ctx, s.logger, s.recorder, dec)
	return nil
}

// Validate approves or rejects a single expense.
func (s *Service) Validate(ctx context.Context, actor core.Actor, id string, action ledger.BulkAction, note string) (core.Expense, error) {
	if !action.Valid() {
		return core.Expense{}, &core.ValidationError{Fields: []core.FieldError{{Field: "action", Message: "approve ou reject"}}}
	}
	rec, err := s.Get(ctx, id)
	if err != nil {
		return core.Expense{}, err
	}
	next, err := Transition(rec.Expense, action.TargetStatus(), actor, note)
	if err != nil {
		return core.Expense{}, err
	}

	out, err := s.ledger.BulkValidateExpenses(ctx, ledger.BulkValidateInput{
		IDs:         []string{id},
		Action:      action,
		Note:        note,
		ValidatorID: actor.UserID,
	})
	if err != nil {
		return core.Expense{}, fmt.Errorf("validate expense %s: %w", id, err)
	}
	if len(out.Failed) > 0 || len(out.Succeeded) == 0 {
		reason := "aucune réponse du grand livre"
		if len(out.Failed) > 0 {
			reason = out.Failed[0].Reason
		}
		return core.Expense{}, &core.StateConflictError{ID: id, Status: rec.Expense.Status, Action: string(action), Reason: reason}
	}

	dec := audit.New(auditAction(action), actor, id)
	dec.Succeeded = out.Succeeded
	dec.Amount = next.Amount
	dec.Note = note
	audit.Emit(ctx, s.logger, s.recorder, dec)
	return next, nil
}

func auditAction(a ledger.BulkAction) audit.Action {
	if a == ledger.ActionApprove {
		return audit.ActionApprove
	}
	return audit.ActionReject
}

// Views enriches records for actor. Pre-enriched records keep the backend's
// display data; bare ones go through the fallback path with reference data
// fetched once. A failed lookup degrades to defaults instead of failing.
func (s *Service) Views(ctx context.Context, actor core.Actor, records []ledger.ExpenseRecord) []View {
	views := make([]View, len(records))
	var bare []int
	for i, rec := range records {
		if rec.Enriched() {
			views[i] = withPermissions(FromBackend(rec), actor)
			continue
		}
		bare = append(bare, i)
	}
	if len(bare) == 0 {
		return views
	}

	lookups := s.lookups(ctx)
	for _, i := range bare {
		views[i] = withPermissions(Fallback(records[i], lookups), actor)
	}
	return views
}

func (s *Service) lookups(ctx context.Context) Lookups {
	var (
		categories []ledger.CategoryRef
		users      []ledger.UserRef
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		categories, err = s.ledger.ListCategories(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		users, err = s.ledger.ListUsers(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		s.logger.WarnContext(ctx, "Reference lookup failed, using default display values", applog.FieldError, err)
	}
	return NewLookups(categories, users)
}
