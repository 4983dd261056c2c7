package audit

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"economat/internal/core"
)

type memRecorder struct {
	got []Decision
	err error
}

func (m *memRecorder) Record(_ context.Context, d Decision) error {
	m.got = append(m.got, d)
	return m.err
}

func TestNew(t *testing.T) {
	d := New(ActionApprove, core.Actor{UserID: "u1", Role: core.RoleDirector}, "e1", "e2")

	assert.NotEmpty(t, d.ID)
	assert.Equal(t, "u1", d.ActorID)
	assert.Equal(t, core.RoleDirector, d.Role)
	assert.Equal(t, []string{"e1", "e2"}, d.Targets)
	assert.False(t, d.At.IsZero())
}

func TestFanout(t *testing.T) {
	ok := &memRecorder{}
	failing := &memRecorder{err: errors.New("disk full")}
	f := Fanout{ok, nil, failing}

	err := f.Record(context.Background(), New(ActionDelete, core.Actor{UserID: "u"}))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Len(t, ok.got, 1)
	assert.Len(t, failing.got, 1)
}

func TestEmit_NeverFails(t *testing.T) {
	Emit(context.Background(), nil, nil, Decision{})
	Emit(context.Background(), nil, Nop{}, Decision{})
}

func TestEmit_LogsRecorderError(t *testing.T) {
	rec := &memRecorder{err: errors.New("broker down")}
	Emit(context.Background(), nil, rec, New(ActionInject, core.Actor{UserID: "u"}))
	assert.Len(t, rec.got, 1)
}
