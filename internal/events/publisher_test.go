package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"economat/internal/audit"
	"economat/internal/core"
)

type published struct {
	exchange, key string
	msg           amqp091.Publishing
}

type fakeChannel struct {
	mu         sync.Mutex
	sent       []published
	err        error
	deliveries chan amqp091.Delivery
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp091.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, published{exchange: exchange, key: key, msg: msg})
	return nil
}

func (f *fakeChannel) Consume(string, string, bool, bool, bool, bool, amqp091.Table) (<-chan amqp091.Delivery, error) {
	return f.deliveries, nil
}

func (f *fakeChannel) Close() error { return nil }

type fakeAck struct{ acks, nacks, requeues int32 }

func (a *fakeAck) Ack(uint64, bool) error { atomic.AddInt32(&a.acks, 1); return nil }
func (a *fakeAck) Nack(_ uint64, _ bool, requeue bool) error {
	atomic.AddInt32(&a.nacks, 1)
	if requeue {
		atomic.AddInt32(&a.requeues, 1)
	}
	return nil
}
func (a *fakeAck) Reject(uint64, bool) error { return nil }

func approval() audit.Decision {
	d := audit.New(audit.ActionApprove, core.Actor{UserID: "dir-1", Role: core.RoleDirector}, "a", "b")
	d.Succeeded = []string{"a"}
	d.Failed = []core.ItemFailure{{ID: "b", Reason: "budget clos"}}
	d.Amount = 50_000
	return d
}

func TestPublisher_Record(t *testing.T) {
	ch := &fakeChannel{}
	p := newPublisher(ch, "economat", "economat.decisions", nil)

	d := approval()
	if err := p.Record(context.Background(), d); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	if len(ch.sent) != 1 {
		t.Fatalf("published %d messages, want 1", len(ch.sent))
	}
	got := ch.sent[0]
	if got.exchange != "economat" || got.key != "decision.approve" {
		t.Errorf("published to %s/%s, want economat/decision.approve", got.exchange, got.key)
	}
	if got.msg.DeliveryMode != amqp091.Persistent {
		t.Error("message should be persistent")
	}
	if got.msg.MessageId != d.ID {
		t.Errorf("MessageId = %q, want %q", got.msg.MessageId, d.ID)
	}
	ev, err := DecisionEventFromJSON(got.msg.Body)
	if err != nil {
		t.Fatalf("DecisionEventFromJSON() error = %v", err)
	}
	if ev.Amount != "50000" || ev.Version != SchemaVersion || len(ev.Failed) != 1 {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestPublisher_NilIsNoop(t *testing.T) {
	var p *Publisher
	if err := p.Record(context.Background(), approval()); err != nil {
		t.Errorf("nil Record() error = %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("nil Close() error = %v", err)
	}
}

func TestPublisher_RespectsCancelledContext(t *testing.T) {
	ch := &fakeChannel{}
	p := newPublisher(ch, "x", "q", nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := p.Record(ctx, approval()); !errors.Is(err, context.Canceled) {
		t.Errorf("Record() error = %v, want context.Canceled", err)
	}
	if len(ch.sent) != 0 {
		t.Error("nothing should be published")
	}
}

func TestPublisher_CircuitBreaker(t *testing.T) {
	ch := &fakeChannel{err: errors.New("write: broken pipe")}
	p := newPublisher(ch, "x", "q", nil)
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	for i := 0; i < maxFailures; i++ {
		if err := p.Record(context.Background(), approval()); err == nil {
			t.Fatal("Record() should fail while the broker is down")
		}
	}
	if atomic.LoadInt32(&p.state) != StateOpen {
		t.Fatal("circuit should be open after max failures")
	}

	err := p.Record(context.Background(), approval())
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Record() error = %v, want ErrCircuitOpen", err)
	}

	ch.err = nil
	now = now.Add(openTimeout + time.Second)
	if err := p.Record(context.Background(), approval()); err != nil {
		t.Fatalf("Record() after timeout error = %v", err)
	}
	if atomic.LoadInt32(&p.state) != StateClosed || atomic.LoadInt64(&p.failureCount) != 0 {
		t.Error("success should close the circuit and reset failures")
	}
}

func TestPublisher_NonConnectionErrorsKeepCircuitClosed(t *testing.T) {
	ch := &fakeChannel{err: errors.New("exchange not found")}
	p := newPublisher(ch, "x", "q", nil)

	for i := 0; i < maxFailures+1; i++ {
		_ = p.Record(context.Background(), approval())
	}
	if p.isCircuitOpen() {
		t.Error("circuit should stay closed")
	}
}

func TestIsConnectionError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil error", nil, false},
		{"closed channel", amqp091.ErrClosed, true},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"EOF", errors.New("unexpected EOF"), true},
		{"broken pipe", errors.New("write: broken pipe"), true},
		{"other", errors.New("invalid input"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isConnectionError(tt.err); got != tt.want {
				t.Errorf("isConnectionError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestPublisher_Consume(t *testing.T) {
	deliveries := make(chan amqp091.Delivery, 3)
	ch := &fakeChannel{deliveries: deliveries}
	p := newPublisher(ch, "x", "q", nil)
	ack := &fakeAck{}

	good, _ := NewDecisionEvent(approval()).ToJSON()
	deliveries <- amqp091.Delivery{Acknowledger: ack, Body: good}
	deliveries <- amqp091.Delivery{Acknowledger: ack, Body: []byte(`{"version":"x"}`)}
	deliveries <- amqp091.Delivery{Acknowledger: ack, Body: good}

	ctx, cancel := context.WithCancel(context.Background())
	var handled int32
	err := p.Consume(ctx, func(ev *DecisionEvent) error {
		if atomic.AddInt32(&handled, 1) == 2 {
			cancel()
			return errors.New("handler busy")
		}
		return nil
	})

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Consume() error = %v, want context.Canceled", err)
	}
	if ack.acks != 1 || ack.nacks != 2 || ack.requeues != 1 {
		t.Errorf("acks=%d nacks=%d requeues=%d, want 1/2/1", ack.acks, ack.nacks, ack.requeues)
	}
}

func TestNewDecisionEvent(t *testing.T) {
	d := audit.New(audit.ActionDelete, core.Actor{UserID: "u"}, "e1")
	ev := NewDecisionEvent(d)

	if ev.Amount != "" {
		t.Errorf("zero amount should be omitted, got %q", ev.Amount)
	}
	if ev.RoutingKey() != "decision.delete" {
		t.Errorf("RoutingKey() = %q", ev.RoutingKey())
	}
	if !ev.Timestamp.Equal(d.At) {
		t.Errorf("Timestamp = %v, want %v", ev.Timestamp, d.At)
	}
}

func TestDecisionEvent_InvalidJSON(t *testing.T) {
	if _, err := DecisionEventFromJSON([]byte(`{"targets": 3}`)); err == nil {
		t.Error("DecisionEventFromJSON() should fail with invalid JSON")
	}
}
