package core

import (
	"errors"
	"testing"
	"time"
)

func TestParseExpenseStatus(t *testing.T) {
	cases := map[string]ExpenseStatus{
		"Pending":     StatusPending,
		"en attente":  StatusPending,
		"in_progress": StatusInProgress,
		"Payé":        StatusPaid,
		"paid":        StatusPaid,
		"Rejeté":      StatusRejected,
	}
	for in, want := range cases {
		got, err := ParseExpenseStatus(in)
		if err != nil || got != want {
			t.Fatalf("%q expected %s, got %s (err=%v)", in, want, got, err)
		}
	}
	if _, err := ParseExpenseStatus("archived"); !errors.Is(err, ErrUnknownStatus) {
		t.Fatalf("expected ErrUnknownStatus, got %v", err)
	}
}

func TestParseTransactionType(t *testing.T) {
	if got, _ := ParseTransactionType("income"); got != TypeIncome {
		t.Fatalf("expected INCOME, got %s", got)
	}
	if got, _ := ParseTransactionType("EXPENSE"); got != TypeExpense {
		t.Fatalf("expected EXPENSE, got %s", got)
	}
	if _, err := ParseTransactionType("TRANSFER"); err == nil {
		t.Fatal("expected error for unknown type")
	}
}

func TestRolePrivileged(t *testing.T) {
	for _, r := range []Role{RoleAdmin, RoleDirector, RoleAccountant} {
		if !r.Privileged() {
			t.Fatalf("%s should be privileged", r)
		}
	}
	for _, r := range []Role{RoleStaff, RoleTeacher, Role("")} {
		if r.Privileged() {
			t.Fatalf("%q should not be privileged", r)
		}
	}
}

func TestTransactionSigned(t *testing.T) {
	in := Transaction{Type: TypeIncome, Amount: 300}
	out := Transaction{Type: TypeExpense, Amount: 300}
	if in.Signed() != 300 || out.Signed() != -300 {
		t.Fatalf("unexpected signs: %d %d", in.Signed(), out.Signed())
	}
}

func TestExpenseValidate(t *testing.T) {
	good := Expense{
		Description: "Achat craies",
		Amount:      15000,
		Status:      StatusPending,
		Date:        time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	if err := good.Validate(); err != nil {
		t.Fatalf("expected ok, got %v", err)
	}

	bads := []Expense{
		{Description: "", Amount: 1, Status: StatusPending},
		{Description: "a", Amount: 0, Status: StatusPending},
		{Description: "a", Amount: 1, Status: "Archived"},
	}
	for i, e := range bads {
		if err := e.Validate(); err == nil {
			t.Fatalf("case %d expected error", i)
		}
	}
}
