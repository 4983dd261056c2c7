package events

import (
	"encoding/json"
	"time"

	"economat/internal/audit"
	"economat/internal/core"
)

// SchemaVersion is bumped when DecisionEvent changes incompatibly.
const SchemaVersion = 1

// ItemFailure is one refused or skipped id in an event.
type ItemFailure struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// DecisionEvent is the message published for every audited decision.
type DecisionEvent struct {
	Version   int           `json:"version"`
	EventID   string        `json:"event_id"`
	Action    string        `json:"action"`
	ActorID   string        `json:"actor_id"`
	Role      string        `json:"role"`
	Targets   []string      `json:"targets"`
	Succeeded []string      `json:"succeeded"`
	Failed    []ItemFailure `json:"failed,omitempty"`
	Skipped   []ItemFailure `json:"skipped,omitempty"`
	// Amount is a decimal string, never a float.
	Amount    string    `json:"amount,omitempty"`
	Note      string    `json:"note,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func failures(in []core.ItemFailure) []ItemFailure {
	if len(in) == 0 {
		return nil
	}
	out := make([]ItemFailure, len(in))
	for i, f := range in {
		out[i] = ItemFailure{ID: f.ID, Reason: f.Reason}
	}
	return out
}

// NewDecisionEvent converts an audit decision into its wire message.
func NewDecisionEvent(d audit.Decision) *DecisionEvent {
	ev := &DecisionEvent{
		Version:   SchemaVersion,
		EventID:   d.ID,
		Action:    string(d.Action),
		ActorID:   d.ActorID,
		Role:      string(d.Role),
		Targets:   d.Targets,
		Succeeded: d.Succeeded,
		Failed:    failures(d.Failed),
		Skipped:   failures(d.Skipped),
		Note:      d.Note,
		Timestamp: d.At,
	}
	if d.Amount != 0 {
		ev.Amount = d.Amount.String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	return ev
}

// ToJSON converts the event to JSON bytes
func (e *DecisionEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// DecisionEventFromJSON parses an event body.
func DecisionEventFromJSON(data []byte) (*DecisionEvent, error) {
	var ev DecisionEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// RoutingKey is the per-action routing key, e.g. "decision.approve".
func (e *DecisionEvent) RoutingKey() string {
	return routingKey(e.Action)
}
