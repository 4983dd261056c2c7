package expense

import (
	"errors"
	"testing"
	"time"

	"economat/internal/core"
)

var (
	director = core.Actor{UserID: "dir-1", Role: core.RoleDirector}
	creator  = core.Actor{UserID: "staff-1", Role: core.RoleStaff}
	other    = core.Actor{UserID: "staff-2", Role: core.RoleTeacher}
)

func expenseIn(status core.ExpenseStatus) core.Expense {
	return core.Expense{
		ID:            "e-1",
		Description:   "Cartouches d'encre",
		Amount:        45_000,
		ResponsibleID: creator.UserID,
		Status:        status,
		Date:          time.Date(2024, 5, 3, 0, 0, 0, 0, time.UTC),
	}
}

func TestCanDelete(t *testing.T) {
	tests := []struct {
		name       string
		status     core.ExpenseStatus
		actor      core.Actor
		wantReason core.DeletionReason
		wantPerm   bool
	}{
		{name: "pending by director", status: core.StatusPending, actor: director},
		{name: "rejected by director", status: core.StatusRejected, actor: director},
		{name: "pending by creator", status: core.StatusPending, actor: creator, wantPerm: true},
		{name: "paid by director", status: core.StatusPaid, actor: director, wantReason: core.ReasonPaidArchived},
		{name: "paid by staff", status: core.StatusPaid, actor: creator, wantReason: core.ReasonPaidArchived},
		{name: "in progress", status: core.StatusInProgress, actor: director, wantReason: core.ReasonInProgress},
		{name: "unknown status", status: "Archived", actor: director, wantReason: core.ReasonWrongStatus},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CanDelete(expenseIn(tt.status), tt.actor)

			var dna *core.DeletionNotAllowed
			var perm *core.PermissionError
			switch {
			case tt.wantReason != "":
				if !errors.As(err, &dna) {
					t.Fatalf("CanDelete() error = %v, want DeletionNotAllowed", err)
				}
				if dna.Reason != tt.wantReason {
					t.Errorf("CanDelete() reason = %v, want %v", dna.Reason, tt.wantReason)
				}
			case tt.wantPerm:
				if !errors.As(err, &perm) {
					t.Fatalf("CanDelete() error = %v, want PermissionError", err)
				}
			default:
				if err != nil {
					t.Errorf("CanDelete() error = %v, want nil", err)
				}
			}
		})
	}
}

func TestCanDelete_DistinctMessages(t *testing.T) {
	paid := CanDelete(expenseIn(core.StatusPaid), director).(*core.DeletionNotAllowed)
	busy := CanDelete(expenseIn(core.StatusInProgress), director).(*core.DeletionNotAllowed)

	if paid.Message() == busy.Message() {
		t.Errorf("paid and in-progress refusals share the message %q", paid.Message())
	}
}

func TestCanEdit(t *testing.T) {
	tests := []struct {
		name      string
		status    core.ExpenseStatus
		actor     core.Actor
		wantPerm  bool
		wantState bool
	}{
		{name: "creator while pending", status: core.StatusPending, actor: creator},
		{name: "creator after rejection", status: core.StatusRejected, actor: creator, wantState: true},
		{name: "other staff", status: core.StatusPending, actor: other, wantPerm: true},
		{name: "director on paid", status: core.StatusPaid, actor: director},
		{name: "director on in progress", status: core.StatusInProgress, actor: director},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CanEdit(expenseIn(tt.status), tt.actor)
			var perm *core.PermissionError
			var conflict *core.StateConflictError
			switch {
			case tt.wantPerm:
				if !errors.As(err, &perm) {
					t.Errorf("CanEdit() error = %v, want PermissionError", err)
				}
			case tt.wantState:
				if !errors.As(err, &conflict) {
					t.Errorf("CanEdit() error = %v, want StateConflictError", err)
				}
			default:
				if err != nil {
					t.Errorf("CanEdit() error = %v, want nil", err)
				}
			}
		})
	}
}

func TestCanApplyEdit_PaidKeepsFinancialFields(t *testing.T) {
	current := expenseIn(core.StatusPaid)

	relabel := current
	relabel.Description = "Cartouches d'encre (bureau)"
	if err := CanApplyEdit(current, relabel, director); err != nil {
		t.Errorf("relabelling a paid expense: %v", err)
	}

	reprice := current
	reprice.Amount = 50_000
	var conflict *core.StateConflictError
	if err := CanApplyEdit(current, reprice, director); !errors.As(err, &conflict) {
		t.Errorf("changing a paid amount: error = %v, want StateConflictError", err)
	}

	redate := current
	redate.Date = current.Date.AddDate(0, 0, 1)
	if err := CanApplyEdit(current, redate, director); !errors.As(err, &conflict) {
		t.Errorf("changing a paid date: error = %v, want StateConflictError", err)
	}

	reopen := current
	reopen.Status = core.StatusPending
	if err := CanApplyEdit(current, reopen, director); !errors.As(err, &conflict) {
		t.Errorf("reopening a paid expense: error = %v, want StateConflictError", err)
	}
}

func TestTransition(t *testing.T) {
	t.Run("pending to paid without privilege", func(t *testing.T) {
		_, err := Transition(expenseIn(core.StatusPending), core.StatusPaid, creator, "")
		var perm *core.PermissionError
		if !errors.As(err, &perm) {
			t.Fatalf("Transition() error = %v, want PermissionError", err)
		}
	})

	t.Run("pending to paid by director", func(t *testing.T) {
		got, err := Transition(expenseIn(core.StatusPending), core.StatusPaid, director, "facture jointe")
		if err != nil {
			t.Fatalf("Transition() error = %v", err)
		}
		if got.Status != core.StatusPaid || got.ValidatorID != director.UserID || got.ValidationNote != "facture jointe" {
			t.Errorf("Transition() = %+v", got)
		}
	})

	t.Run("rejected is terminal", func(t *testing.T) {
		_, err := Transition(expenseIn(core.StatusRejected), core.StatusPaid, director, "")
		var conflict *core.StateConflictError
		if !errors.As(err, &conflict) {
			t.Fatalf("Transition() error = %v, want StateConflictError", err)
		}
	})

	t.Run("pending to in progress is not a validation", func(t *testing.T) {
		_, err := Transition(expenseIn(core.StatusPending), core.StatusInProgress, director, "")
		var conflict *core.StateConflictError
		if !errors.As(err, &conflict) {
			t.Fatalf("Transition() error = %v, want StateConflictError", err)
		}
	})
}

func TestIsValidTransition(t *testing.T) {
	for from, tos := range AllowedTransitions() {
		for _, to := range tos {
			if !IsValidTransition(from, to) {
				t.Errorf("IsValidTransition(%s, %s) = false", from, to)
			}
		}
	}
	if IsValidTransition(core.StatusPaid, core.StatusRejected) {
		t.Error("paid expenses cannot be rejected")
	}
}
