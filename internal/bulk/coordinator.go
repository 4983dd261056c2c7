// Package bulk approves, rejects and deletes many expenses in one call while
// keeping each item's outcome separate.
package bulk

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"economat/internal/audit"
	"economat/internal/core"
	"economat/internal/expense"
	"economat/internal/ledger"
	applog "economat/internal/log"
)

// Skip reasons reported for items filtered out before submission.
const (
	ReasonNotFound     = "introuvable"
	ReasonNotPending   = "non validable: statut %s"
	ReasonDuplicate    = "identifiant en double"
	ReasonLookupFailed = "statut indisponible: %v"
)

// Ledger is the part of the ledger client the coordinator needs.
type Ledger interface {
	GetExpense(ctx context.Context, id string) (ledger.ExpenseRecord, error)
	BulkValidateExpenses(ctx context.Context, in ledger.BulkValidateInput) (ledger.BulkOutcome, error)
	DeleteExpense(ctx context.Context, id string) error
}

// Result is the per-item accounting of a bulk call.
type Result struct {
	Action    string
	Succeeded []string
	Failed    []core.ItemFailure
	Skipped   []core.ItemFailure
}

// Partial reports whether some items succeeded and some failed.
func (r Result) Partial() bool {
	return len(r.Succeeded) > 0 && len(r.Failed) > 0
}

// Err returns a PartialBatchFailure when some items succeeded and some
// failed, a BatchFailure when every submitted item failed, nil otherwise.
// Skipped items are not failures.
func (r Result) Err() error {
	switch {
	case r.Partial():
		return &core.PartialBatchFailure{Action: r.Action, Succeeded: r.Succeeded, Failed: r.Failed}
	case len(r.Failed) > 0:
		return &core.BatchFailure{Action: r.Action, Failed: r.Failed}
	}
	return nil
}

// Config tunes the coordinator.
type Config struct {
	// Concurrency bounds parallel status fetches and deletions (default: 4)
	Concurrency int
}

// Coordinator runs bulk operations. It is safe for concurrent use.
type Coordinator struct {
	ledger   Ledger
	recorder audit.Recorder
	logger   *applog.Logger
	cfg      Config
}

// NewCoordinator creates a coordinator. recorder may be nil.
func NewCoordinator(l Ledger, recorder audit.Recorder, logger *applog.Logger, cfg Config) *Coordinator {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 4
	}
	if recorder == nil {
		recorder = audit.Nop{}
	}
	if logger == nil {
		logger = applog.Discard()
	}
	return &Coordinator{
		ledger:   l,
		recorder: recorder,
		logger:   logger.WithComponent(applog.ComponentBulk),
		cfg:      cfg,
	}
}

type fetched struct {
	expense core.Expense
	err     error
}

// fetch loads every expense concurrently. Lookup errors are kept per id; only
// a cancelled context fails the whole fetch.
func (c *Coordinator) fetch(ctx context.Context, ids []string) (map[string]fetched, error) {
	var mu sync.Mutex
	out := make(map[string]fetched, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)
	for _, id := range ids {
		g.Go(func() error {
			rec, err := c.ledger.GetExpense(gctx, id)
			if err != nil && ctx.Err() != nil {
				return ctx.Err()
			}
			mu.Lock()
			out[id] = fetched{expense: rec.Expense, err: err}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// dedupe drops empty and repeated ids, keeping the first occurrence.
func dedupe(ids []string) (unique []string, skipped []core.ItemFailure) {
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if seen[id] {
			skipped = append(skipped, core.ItemFailure{ID: id, Reason: ReasonDuplicate})
			continue
		}
		seen[id] = true
		unique = append(unique, id)
	}
	return unique, skipped
}

func skipReason(f fetched) string {
	if errors.Is(f.err, core.ErrNotFound) {
		return ReasonNotFound
	}
	return fmt.Sprintf(ReasonLookupFailed, f.err)
}

// Validate approves or rejects ids. Only Pending expenses are submitted, as a
// single ledger request; the others are reported in Result.Skipped. The
// ledger client drops cached capital figures once the request is applied.
func (c *Coordinator) Validate(ctx context.Context, actor core.Actor, ids []string, action ledger.BulkAction, note string) (Result, error) {
	res := Result{Action: string(action)}
	if !action.Valid() {
		return res, &core.ValidationError{Fields: []core.FieldError{{Field: "action", Message: "approve ou reject"}}}
	}
	if !actor.Role.Privileged() {
		return res, &core.PermissionError{Action: string(action), Role: actor.Role}
	}

	unique, dup := dedupe(ids)
	res.Skipped = append(res.Skipped, dup...)
	if len(unique) == 0 {
		return res, nil
	}

	states, err := c.fetch(ctx, unique)
	if err != nil {
		return res, fmt.Errorf("fetch expense statuses: %w", err)
	}

	var eligible []string
	var amount core.Money
	for _, id := range unique {
		f := states[id]
		if f.err != nil {
			res.Skipped = append(res.Skipped, core.ItemFailure{ID: id, Reason: skipReason(f)})
			continue
		}
		if err := expense.CanValidate(f.expense, actor); err != nil {
			res.Skipped = append(res.Skipped, core.ItemFailure{ID: id, Reason: fmt.Sprintf(ReasonNotPending, f.expense.Status)})
			continue
		}
		eligible = append(eligible, id)
		amount += f.expense.Amount
	}
	if len(eligible) == 0 {
		c.logOutcome(ctx, actor, res)
		return res, nil
	}

	out, err := c.ledger.BulkValidateExpenses(ctx, ledger.BulkValidateInput{
		IDs:         eligible,
		Action:      action,
		Note:        note,
		ValidatorID: actor.UserID,
	})
	if err != nil {
		return res, fmt.Errorf("bulk %s of %d expenses: %w", action, len(eligible), err)
	}
	res.Succeeded = out.Succeeded
	res.Failed = out.Failed

	// Items the server neither confirmed nor refused are failures, never dropped.
	reported := make(map[string]bool, len(out.Succeeded)+len(out.Failed))
	for _, id := range out.Succeeded {
		reported[id] = true
	}
	for _, f := range out.Failed {
		reported[f.ID] = true
	}
	for _, id := range eligible {
		if !reported[id] {
			res.Failed = append(res.Failed, core.ItemFailure{ID: id, Reason: "aucune réponse du grand livre"})
		}
	}

	c.logOutcome(ctx, actor, res)
	dec := audit.New(auditAction(action), actor, unique...)
	dec.Succeeded, dec.Failed, dec.Skipped = res.Succeeded, res.Failed, res.Skipped
	dec.Note = note
	if action == ledger.ActionApprove {
		dec.Amount = c.succeededAmount(states, res.Succeeded, amount, len(eligible))
	}
	audit.Emit(ctx, c.logger, c.recorder, dec)

	if len(res.Succeeded) == 0 {
		return res, res.Err()
	}
	return res, nil
}

func (c *Coordinator) succeededAmount(states map[string]fetched, succeeded []string, total core.Money, eligible int) core.Money {
	if len(succeeded) == eligible {
		return total
	}
	var sum core.Money
	for _, id := range succeeded {
		sum += states[id].expense.Amount
	}
	return sum
}

// Delete removes ids that CanDelete allows, concurrently. A refused item is
// skipped with the lifecycle's own message.
func (c *Coordinator) Delete(ctx context.Context, actor core.Actor, ids []string) (Result, error) {
	res := Result{Action: "delete"}
	if !actor.Role.Privileged() {
		return res, &core.PermissionError{Action: "delete", Role: actor.Role}
	}

	unique, dup := dedupe(ids)
	res.Skipped = append(res.Skipped, dup...)
	if len(unique) == 0 {
		return res, nil
	}

	states, err := c.fetch(ctx, unique)
	if err != nil {
		return res, fmt.Errorf("fetch expense statuses: %w", err)
	}

	var eligible []string
	for _, id := range unique {
		f := states[id]
		if f.err != nil {
			res.Skipped = append(res.Skipped, core.ItemFailure{ID: id, Reason: skipReason(f)})
			continue
		}
		if err := expense.CanDelete(f.expense, actor); err != nil {
			reason := err.Error()
			var dna *core.DeletionNotAllowed
			if errors.As(err, &dna) {
				reason = dna.Message()
			}
			res.Skipped = append(res.Skipped, core.ItemFailure{ID: id, Reason: reason})
			continue
		}
		eligible = append(eligible, id)
	}

	var (
		mu   sync.Mutex
		errs = make(map[string]error)
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)
	for _, id := range eligible {
		g.Go(func() error {
			err := c.ledger.DeleteExpense(gctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs[id] = err
				res.Failed = append(res.Failed, core.ItemFailure{ID: id, Reason: err.Error()})
				return nil
			}
			res.Succeeded = append(res.Succeeded, id)
			return nil
		})
	}
	_ = g.Wait()
	sort.Strings(res.Succeeded)
	sort.Slice(res.Failed, func(i, j int) bool { return res.Failed[i].ID < res.Failed[j].ID })

	if len(eligible) > 0 && len(res.Succeeded) == 0 {
		c.logOutcome(ctx, actor, res)
		return res, &core.BatchFailure{Action: res.Action, Failed: res.Failed, Err: errs[res.Failed[0].ID]}
	}

	c.logOutcome(ctx, actor, res)
	dec := audit.New(audit.ActionDelete, actor, unique...)
	dec.Succeeded, dec.Failed, dec.Skipped = res.Succeeded, res.Failed, res.Skipped
	audit.Emit(ctx, c.logger, c.recorder, dec)
	return res, nil
}

func (c *Coordinator) logOutcome(ctx context.Context, actor core.Actor, res Result) {
	fields := applog.NewFields().
		WithOperation(res.Action).
		WithActor(actor.UserID, string(actor.Role)).
		WithBatch(len(res.Succeeded), len(res.Failed), len(res.Skipped))
	if len(res.Failed) > 0 {
		c.logger.WarnContext(ctx, "Bulk operation completed with failures", fields.ToSlice()...)
		return
	}
	c.logger.InfoContext(ctx, "Bulk operation completed", fields.ToSlice()...)
}

func auditAction(a ledger.BulkAction) audit.Action {
	if a == ledger.ActionApprove {
		return audit.ActionApprove
	}
	return audit.ActionReject
}
