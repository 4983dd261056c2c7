// Package expense enforces the expense lifecycle: who may create, edit,
// validate and delete an expense, and from which status.
package expense

import (
	"time"

	"economat/internal/core"
)

// AllowedTransitions lists the status changes an expense may go through.
// Paid, Rejected and InProgress are terminal for validation.
func AllowedTransitions() map[core.ExpenseStatus][]core.ExpenseStatus {
	return map[core.ExpenseStatus][]core.ExpenseStatus{
		core.StatusPending:    {core.StatusPaid, core.StatusRejected},
		core.StatusInProgress: {},
		core.StatusPaid:       {},
		core.StatusRejected:   {},
	}
}

// IsValidTransition reports whether from may move to to.
func IsValidTransition(from, to core.ExpenseStatus) bool {
	for _, s := range AllowedTransitions()[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CanDelete reports why e cannot be deleted by actor, or nil. Paid and
// InProgress expenses are never deletable, whatever the role.
func CanDelete(e core.Expense, actor core.Actor) error {
	switch e.Status {
	case core.StatusPaid:
		return &core.DeletionNotAllowed{ID: e.ID, Status: e.Status, Reason: core.ReasonPaidArchived}
	case core.StatusInProgress:
		return &core.DeletionNotAllowed{ID: e.ID, Status: e.Status, Reason: core.ReasonInProgress}
	case core.StatusPending, core.StatusRejected:
		if !actor.Role.Privileged() {
			return &core.PermissionError{Action: "delete", Role: actor.Role}
		}
		return nil
	default:
		return &core.DeletionNotAllowed{ID: e.ID, Status: e.Status, Reason: core.ReasonWrongStatus}
	}
}

// CanEdit: the creator may edit while Pending, a privileged role at any time.
func CanEdit(e core.Expense, actor core.Actor) error {
	if actor.Role.Privileged() {
		return nil
	}
	if e.ResponsibleID == "" || e.ResponsibleID != actor.UserID {
		return &core.PermissionError{Action: "edit", Role: actor.Role}
	}
	if e.Status != core.StatusPending {
		return &core.StateConflictError{ID: e.ID, Status: e.Status, Action: "edit"}
	}
	return nil
}

// CanApplyEdit checks CanEdit and then the change itself: a Paid expense
// keeps its amount and date, and no edit changes the status.
func CanApplyEdit(current, next core.Expense, actor core.Actor) error {
	if err := CanEdit(current, actor); err != nil {
		return err
	}
	if next.Status != "" && next.Status != current.Status {
		return &core.StateConflictError{ID: current.ID, Status: current.Status, Action: "change the status of"}
	}
	if current.Status == core.StatusPaid {
		if next.Amount != current.Amount || !sameDay(next.Date, current.Date) {
			return &core.StateConflictError{ID: current.ID, Status: current.Status, Action: "change the amount or date of"}
		}
	}
	return nil
}

// CanValidate reports whether actor may approve or reject e.
func CanValidate(e core.Expense, actor core.Actor) error {
	if !actor.Role.Privileged() {
		return &core.PermissionError{Action: "validate", Role: actor.Role}
	}
	if e.Status != core.StatusPending {
		return &core.StateConflictError{ID: e.ID, Status: e.Status, Action: "validate"}
	}
	return nil
}

// Transition returns e moved to status to, stamped with the validator and note.
func Transition(e core.Expense, to core.ExpenseStatus, actor core.Actor, note string) (core.Expense, error) {
	if err := CanValidate(e, actor); err != nil {
		return e, err
	}
	if !IsValidTransition(e.Status, to) {
		return e, &core.StateConflictError{ID: e.ID, Status: e.Status, Action: "move to " + string(to)}
	}
	e.Status = to
	e.ValidatorID = actor.UserID
	e.ValidationNote = note
	return e, nil
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
