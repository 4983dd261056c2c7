// Package audit defines the decision record written after every mutating
// engine operation, and the sinks that receive it.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"economat/internal/core"
	applog "economat/internal/log"
)

// Action names the kind of decision.
type Action string

const (
	ActionApprove         Action = "APPROVE"
	ActionReject          Action = "REJECT"
	ActionDelete          Action = "DELETE"
	ActionCreate          Action = "CREATE"
	ActionUpdate          Action = "UPDATE"
	ActionInject          Action = "INJECT"
	ActionUpdateInjection Action = "UPDATE_INJECTION"
	ActionDeleteInjection Action = "DELETE_INJECTION"
)

// Decision is one audited operation with its per-item outcome.
type Decision struct {
	ID        string
	Action    Action
	ActorID   string
	Role      core.Role
	Targets   []string
	Succeeded []string
	Failed    []core.ItemFailure
	Skipped   []core.ItemFailure
	Amount    core.Money
	Note      string
	At        time.Time
}

// New stamps a decision with an id and the current time.
func New(action Action, actor core.Actor, targets ...string) Decision {
	return Decision{
		ID:      uuid.NewString(),
		Action:  action,
		ActorID: actor.UserID,
		Role:    actor.Role,
		Targets: targets,
		At:      time.Now().UTC(),
	}
}

// Recorder receives decisions.
type Recorder interface {
	Record(ctx context.Context, d Decision) error
}

// Fanout sends a decision to every recorder and joins their errors.
type Fanout []Recorder

func (f Fanout) Record(ctx context.Context, d Decision) error {
	var errs []error
	for _, r := range f {
		if r == nil {
			continue
		}
		if err := r.Record(ctx, d); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards decisions.
type Nop struct{}

func (Nop) Record(context.Context, Decision) error { return nil }

// Emit records d and logs a failure. The operation being audited already
// happened on the ledger, so a recorder error never fails it.
func Emit(ctx context.Context, logger *applog.Logger, r Recorder, d Decision) {
	if r == nil {
		return
	}
	if err := r.Record(ctx, d); err != nil {
		if logger == nil {
			logger = applog.Discard()
		}
		logger.WarnContext(ctx, "Failed to record decision",
			"decision_id", d.ID,
			"action", d.Action,
			applog.FieldError, err)
	}
}
