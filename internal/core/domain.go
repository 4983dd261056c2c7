package core

import (
	"errors"
	"strings"
	"time"
)

const (
	TypeIncome  TransactionType = "INCOME"
	TypeExpense TransactionType = "EXPENSE"
)

const (
	StatusPending    ExpenseStatus = "Pending"
	StatusInProgress ExpenseStatus = "InProgress"
	StatusPaid       ExpenseStatus = "Paid"
	StatusRejected   ExpenseStatus = "Rejected"
)

const (
	RoleAdmin      Role = "admin"
	RoleDirector   Role = "director"
	RoleAccountant Role = "accountant"
	RoleStaff      Role = "staff"
	RoleTeacher    Role = "teacher"
)

type (
	TransactionType string

	ExpenseStatus string

	// Role is the backend role name attached to an authenticated user.
	Role string

	// Actor is the identity context every mutating operation receives.
	// It replaces any notion of a "current user" held in global state.
	Actor struct {
		UserID string
		Role   Role
	}

	// Transaction is a ledger line. It is owned by the remote ledger and never
	// mutated client side; manual entries can only be updated or deleted
	// through an explicit call against their own ID.
	Transaction struct {
		ID             string
		Type           TransactionType
		Amount         Money
		Category       string
		Counterparty   string
		Date           time.Time
		RecordedAt     time.Time
		PaymentMethod  string
		Note           string
		ImpactsCapital bool
		Manual         bool
	}

	// Expense is the mutable record layered over transactions. A Paid expense
	// is merged into the ledger and can no longer change.
	Expense struct {
		ID             string
		Description    string
		Amount         Money
		CategoryID     string
		ResponsibleID  string
		Status         ExpenseStatus
		Date           time.Time
		Supplier       string
		ValidationNote string
		ValidatorID    string
	}
)

var (
	ErrEmptyDescription = errors.New("empty description")
	ErrUnknownType      = errors.New("unknown transaction type")
	ErrUnknownStatus    = errors.New("unknown expense status")
	ErrEmptyActor       = errors.New("actor user id required")
)

func (t TransactionType) Valid() bool {
	return t == TypeIncome || t == TypeExpense
}

// ParseTransactionType accepts the backend spellings, case-insensitive.
func ParseTransactionType(s string) (TransactionType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "INCOME", "ENTREE", "REVENU":
		return TypeIncome, nil
	case "EXPENSE", "SORTIE", "DEPENSE":
		return TypeExpense, nil
	}
	return "", ErrUnknownType
}

func (s ExpenseStatus) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusPaid, StatusRejected:
		return true
	}
	return false
}

// ParseExpenseStatus normalises the status labels the backend emits.
func ParseExpenseStatus(s string) (ExpenseStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending", "en attente":
		return StatusPending, nil
	case "inprogress", "in_progress", "en cours":
		return StatusInProgress, nil
	case "paid", "payé", "paye", "payee", "payée":
		return StatusPaid, nil
	case "rejected", "rejeté", "rejete", "rejetée", "rejetee":
		return StatusRejected, nil
	}
	return "", ErrUnknownStatus
}

// Privileged reports whether the role may validate, reject and delete expenses.
func (r Role) Privileged() bool {
	switch r {
	case RoleAdmin, RoleDirector, RoleAccountant:
		return true
	}
	return false
}

func (a Actor) Validate() error {
	if strings.TrimSpace(a.UserID) == "" {
		return ErrEmptyActor
	}
	return nil
}

// Signed returns the amount with the sign it contributes to the balance.
func (t Transaction) Signed() Money {
	if t.Type == TypeExpense {
		return -t.Amount
	}
	return t.Amount
}

func (e Expense) Validate() error {
	if len(strings.TrimSpace(e.Description)) == 0 {
		return ErrEmptyDescription
	}
	if len(e.Description) > 500 {
		return errors.New("description too long (max 500 characters)")
	}
	if err := e.Amount.Validate(); err != nil {
		return err
	}
	if !e.Status.Valid() {
		return ErrUnknownStatus
	}
	return nil
}
