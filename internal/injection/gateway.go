// Package injection submits manual capital adjustments that bypass the
// expense approval workflow.
package injection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"economat/internal/audit"
	"economat/internal/core"
	"economat/internal/ledger"
	applog "economat/internal/log"
)

// MaxAmount is the largest single manual entry accepted.
const MaxAmount core.Money = 100_000_000

// Ledger is the part of the ledger client the gateway needs.
type Ledger interface {
	InjectTransaction(ctx context.Context, in ledger.TransactionInput, idempotencyKey string) (core.Transaction, error)
	GetManualTransaction(ctx context.Context, id string) (core.Transaction, error)
	UpdateManualTransaction(ctx context.Context, id string, in ledger.TransactionInput) (core.Transaction, error)
	DeleteManualTransaction(ctx context.Context, id string) error
}

// Request is a manual income or expense entry.
type Request struct {
	Type        string     `validate:"required,oneof=INCOME EXPENSE"`
	Amount      core.Money `validate:"gt=0,lte=100000000"`
	Description string     `validate:"required,min=5"`
	Category    string
	// Entity is the counterparty name, optional.
	Entity        string `validate:"omitempty,min=2"`
	PaymentMethod string
	Date          time.Time
	// ImpactsCapital defaults to true when nil.
	ImpactsCapital *bool
	// IdempotencyKey is reused by the caller to resubmit the same entry.
	IdempotencyKey string
}

func (r Request) normalized() Request {
	r.Type = strings.ToUpper(strings.TrimSpace(r.Type))
	r.Description = strings.TrimSpace(r.Description)
	r.Entity = strings.TrimSpace(r.Entity)
	r.Category = strings.TrimSpace(r.Category)
	return r
}

func (r Request) input() ledger.TransactionInput {
	impacts := true
	if r.ImpactsCapital != nil {
		impacts = *r.ImpactsCapital
	}
	date := r.Date
	if date.IsZero() {
		date = time.Now()
	}
	return ledger.TransactionInput{
		Type:           core.TransactionType(r.Type),
		Amount:         r.Amount,
		Description:    r.Description,
		Category:       r.Category,
		Counterparty:   r.Entity,
		Date:           date,
		PaymentMethod:  r.PaymentMethod,
		ImpactsCapital: impacts,
	}
}

var fieldNames = map[string]string{
	"Type":        "type",
	"Amount":      "amount",
	"Description": "description",
	"Entity":      "entity",
}

func message(fe validator.FieldError) string {
	switch fe.Field() {
	case "Type":
		return "le type doit être INCOME ou EXPENSE"
	case "Amount":
		if fe.Tag() == "lte" {
			return fmt.Sprintf("le montant ne peut pas dépasser %d", MaxAmount)
		}
		return "le montant doit être supérieur à zéro"
	case "Description":
		return "la description doit contenir au moins 5 caractères"
	case "Entity":
		return "le nom de l'entité doit contenir au moins 2 caractères"
	}
	return fe.Error()
}

// Gateway validates manual entries and writes them to the ledger.
type Gateway struct {
	ledger   Ledger
	validate *validator.Validate
	recorder audit.Recorder
	logger   *applog.Logger
}

// NewGateway creates a gateway. recorder and logger may be nil.
func NewGateway(l Ledger, recorder audit.Recorder, logger *applog.Logger) *Gateway {
	if recorder == nil {
		recorder = audit.Nop{}
	}
	if logger == nil {
		logger = applog.Discard()
	}
	return &Gateway{
		ledger:   l,
		validate: validator.New(),
		recorder: recorder,
		logger:   logger.WithComponent(applog.ComponentInjection),
	}
}

// Validate returns a *core.ValidationError listing every invalid field, or nil.
func (g *Gateway) Validate(r Request) error {
	r = r.normalized()
	err := g.validate.Struct(r)
	if err == nil {
		return nil
	}
	var fields validator.ValidationErrors
	if !errors.As(err, &fields) {
		return fmt.Errorf("validate injection: %w", err)
	}
	verr := &core.ValidationError{}
	for _, fe := range fields {
		verr.Add(fieldNames[fe.Field()], message(fe))
	}
	return verr.OrNil()
}

func authorize(actor core.Actor, action string) error {
	if actor.Validate() != nil || !actor.Role.Privileged() {
		return &core.PermissionError{Action: action, Role: actor.Role}
	}
	return nil
}

// Inject submits a manual entry. Nothing is sent when the request is invalid.
func (g *Gateway) Inject(ctx context.Context, actor core.Actor, r Request) (core.Transaction, error) {
	if err := authorize(actor, "inject"); err != nil {
		return core.Transaction{}, err
	}
	r = r.normalized()
	if err := g.Validate(r); err != nil {
		return core.Transaction{}, err
	}

	tx, err := g.ledger.InjectTransaction(ctx, r.input(), r.IdempotencyKey)
	if err != nil {
		g.logger.WarnContext(ctx, "Manual transaction rejected",
			applog.FieldActor, actor.UserID,
			applog.FieldAmount, int64(r.Amount),
			applog.FieldError, err)
		return core.Transaction{}, fmt.Errorf("inject %s of %d: %w", r.Type, r.Amount, err)
	}

	g.logger.InfoContext(ctx, "Manual transaction recorded",
		"transaction_id", tx.ID,
		applog.FieldActor, actor.UserID,
		applog.FieldAmount, int64(tx.Amount))
	dec := audit.New(audit.ActionInject, actor, tx.ID)
	dec.Succeeded = []string{tx.ID}
	dec.Amount = tx.Amount
	dec.Note = r.Description
	audit.Emit(ctx, g.logger, g.recorder, dec)
	return tx, nil
}

// Update replaces a manual entry. Transactions that did not come from an
// injection cannot be changed.
func (g *Gateway) Update(ctx context.Context, actor core.Actor, id string, r Request) (core.Transaction, error) {
	if err := authorize(actor, "update injection"); err != nil {
		return core.Transaction{}, err
	}
	r = r.normalized()
	if err := g.Validate(r); err != nil {
		return core.Transaction{}, err
	}
	if err := g.requireManual(ctx, id, "update"); err != nil {
		return core.Transaction{}, err
	}

	tx, err := g.ledger.UpdateManualTransaction(ctx, id, r.input())
	if err != nil {
		return core.Transaction{}, fmt.Errorf("update manual transaction %s: %w", id, err)
	}

	g.logger.InfoContext(ctx, "Manual transaction updated",
		"transaction_id", id,
		applog.FieldActor, actor.UserID,
		applog.FieldAmount, int64(tx.Amount))
	dec := audit.New(audit.ActionUpdateInjection, actor, id)
	dec.Succeeded = []string{id}
	dec.Amount = tx.Amount
	audit.Emit(ctx, g.logger, g.recorder, dec)
	return tx, nil
}

// Delete removes a manual entry.
func (g *Gateway) Delete(ctx context.Context, actor core.Actor, id string) error {
	if err := authorize(actor, "delete injection"); err != nil {
		return err
	}
	if err := g.requireManual(ctx, id, "delete"); err != nil {
		return err
	}
	if err := g.ledger.DeleteManualTransaction(ctx, id); err != nil {
		return fmt.Errorf("delete manual transaction %s: %w", id, err)
	}

	g.logger.InfoContext(ctx, "Manual transaction deleted",
		"transaction_id", id,
		applog.FieldActor, actor.UserID)
	dec := audit.New(audit.ActionDeleteInjection, actor, id)
	dec.Succeeded = []string{id}
	audit.Emit(ctx, g.logger, g.recorder, dec)
	return nil
}

func (g *Gateway) requireManual(ctx context.Context, id, action string) error {
	if strings.TrimSpace(id) == "" {
		return &core.ValidationError{Fields: []core.FieldError{{Field: "id", Message: "identifiant requis"}}}
	}
	tx, err := g.ledger.GetManualTransaction(ctx, id)
	if err != nil {
		return fmt.Errorf("fetch manual transaction %s: %w", id, err)
	}
	if !tx.Manual {
		return &core.StateConflictError{ID: id, Action: action + " non-manual transaction"}
	}
	return nil
}
