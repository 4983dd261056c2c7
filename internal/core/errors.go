package core

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrNotFound indicates the ledger has no record for the requested ID.
	ErrNotFound = errors.New("not found")
	// ErrOffline is matched by every TransportError.
	ErrOffline = errors.New("ledger unreachable")
)

// AuthError is returned when a credential is missing or refused. Never retried.
type AuthError struct {
	Endpoint string
	Status   int
	Reason   string
}

func (e *AuthError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("auth error on %s (status %d): %s", e.Endpoint, e.Status, e.Reason)
	}
	return fmt.Sprintf("auth error on %s: %s", e.Endpoint, e.Reason)
}

// RateLimitError is surfaced after the single delayed retry of a 429 failed too.
type RateLimitError struct {
	Endpoint   string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited on %s (retry after %s)", e.Endpoint, e.RetryAfter)
}

// TransportError is a network or timeout failure after retries were exhausted.
type TransportError struct {
	Endpoint string
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error on %s after %d attempt(s): %v", e.Endpoint, e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrOffline }

// FieldError is one field-level validation message.
type FieldError struct {
	Field   string
	Message string
}

func (f FieldError) String() string {
	return f.Field + ": " + f.Message
}

// ValidationError is produced client side (never reaches the network) or
// decoded from a 400/422 response.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Messages(), "; ")
}

// Messages returns the field errors as display strings.
func (e *ValidationError) Messages() []string {
	out := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		out = append(out, f.String())
	}
	return out
}

// Add appends a field error.
func (e *ValidationError) Add(field, message string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: message})
}

// OrNil returns nil when no field error was recorded.
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}

// PermissionError means the actor's role does not allow the action.
type PermissionError struct {
	Action string
	Role   Role
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("permission denied: role %q cannot %s", e.Role, e.Action)
}

// StateConflictError means the record is in a state the action cannot start from.
// Reason, when set, is the ledger's own explanation of the refusal.
type StateConflictError struct {
	ID     string
	Status ExpenseStatus
	Action string
	Reason string
}

func (e *StateConflictError) Error() string {
	msg := fmt.Sprintf("cannot %s expense %s in status %s", e.Action, e.ID, e.Status)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// DeletionReason tells callers which message to display for a refused deletion.
type DeletionReason string

const (
	ReasonPaidArchived DeletionReason = "paid_archived"
	ReasonInProgress   DeletionReason = "in_progress"
	ReasonWrongStatus  DeletionReason = "wrong_status"
	ReasonNotPermitted DeletionReason = "not_permitted"
)

// DeletionNotAllowed carries the specific reason a deletion was refused.
type DeletionNotAllowed struct {
	ID     string
	Status ExpenseStatus
	Reason DeletionReason
}

func (e *DeletionNotAllowed) Error() string {
	return fmt.Sprintf("expense %s cannot be deleted: %s", e.ID, e.Message())
}

// Message is the human-readable reason shown to the user.
func (e *DeletionNotAllowed) Message() string {
	switch e.Reason {
	case ReasonPaidArchived:
		return "dépense payée et archivée dans le grand livre"
	case ReasonInProgress:
		return "dépense en cours de traitement"
	case ReasonNotPermitted:
		return "rôle insuffisant pour supprimer"
	default:
		return fmt.Sprintf("statut %s non supprimable", e.Status)
	}
}

// ItemFailure is one rejected ID in a batch.
type ItemFailure struct {
	ID     string
	Reason string
}

// PartialBatchFailure reports a batch where some items succeeded and some
// failed. It is informational, not a hard failure.
type PartialBatchFailure struct {
	Action    string
	Succeeded []string
	Failed    []ItemFailure
}

func (e *PartialBatchFailure) Error() string {
	return fmt.Sprintf("%s partially failed: %d succeeded, %d failed", e.Action, len(e.Succeeded), len(e.Failed))
}

// BatchFailure reports a batch where no submitted item succeeded. Err is the
// cause shared by the failures when the ledger could not be reached.
type BatchFailure struct {
	Action string
	Failed []ItemFailure
	Err    error
}

func (e *BatchFailure) Error() string {
	msg := fmt.Sprintf("%s failed for all %d item(s)", e.Action, len(e.Failed))
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	if len(e.Failed) > 0 {
		return msg + ": " + e.Failed[0].Reason
	}
	return msg
}

func (e *BatchFailure) Unwrap() error { return e.Err }

// RemoteError is a non-2xx response, or a 2xx response without an explicit
// success flag, that fits no other category.
type RemoteError struct {
	Endpoint string
	Status   int
	Message  string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("ledger %s returned %d: %s", e.Endpoint, e.Status, e.Message)
}

func (e *RemoteError) Is(target error) bool {
	return target == ErrNotFound && e.Status == http.StatusNotFound
}
