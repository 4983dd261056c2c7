package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"economat/internal/audit"
	"economat/internal/core"
)

func openJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := NewJournal(filepath.Join(t.TempDir(), "data", "journal.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func decisionAt(action audit.Action, actor string, at time.Time, targets ...string) audit.Decision {
	d := audit.New(action, core.Actor{UserID: actor, Role: core.RoleDirector}, targets...)
	d.At = at
	return d
}

func TestJournal_RecordAndGet(t *testing.T) {
	ctx := context.Background()
	j := openJournal(t)
	at := time.Date(2024, 3, 14, 9, 30, 0, 123, time.UTC)

	d := decisionAt(audit.ActionApprove, "dir-1", at, "a", "b", "c", "d")
	d.Succeeded = []string{"a", "b"}
	d.Failed = []core.ItemFailure{{ID: "c", Reason: "budget clos"}}
	d.Skipped = []core.ItemFailure{{ID: "d", Reason: "non validable: statut Paid"}}
	d.Amount = 20_000
	d.Note = "conseil du 14 mars"
	require.NoError(t, j.Record(ctx, d))

	got, err := j.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, d, got)
}

func TestJournal_GetUnknown(t *testing.T) {
	j := openJournal(t)

	_, err := j.Get(context.Background(), "missing")

	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestJournal_RecordDuplicateFails(t *testing.T) {
	ctx := context.Background()
	j := openJournal(t)
	d := decisionAt(audit.ActionDelete, "dir-1", time.Now(), "x")

	require.NoError(t, j.Record(ctx, d))
	assert.Error(t, j.Record(ctx, d))
}

func TestJournal_List(t *testing.T) {
	ctx := context.Background()
	j := openJournal(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	approve := decisionAt(audit.ActionApprove, "dir-1", base.Add(time.Hour), "e1", "e2")
	inject := decisionAt(audit.ActionInject, "acc-1", base.Add(2*time.Hour), "tx1")
	reject := decisionAt(audit.ActionReject, "dir-1", base.Add(3*time.Hour), "e2")
	for _, d := range []audit.Decision{approve, inject, reject} {
		require.NoError(t, j.Record(ctx, d))
	}

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{name: "all newest first", filter: Filter{}, want: []string{reject.ID, inject.ID, approve.ID}},
		{name: "by action", filter: Filter{Action: audit.ActionInject}, want: []string{inject.ID}},
		{name: "by actor", filter: Filter{ActorID: "dir-1"}, want: []string{reject.ID, approve.ID}},
		{name: "by item", filter: Filter{ItemID: "e2"}, want: []string{reject.ID, approve.ID}},
		{name: "since", filter: Filter{Since: base.Add(2 * time.Hour)}, want: []string{reject.ID, inject.ID}},
		{name: "limit", filter: Filter{Limit: 1}, want: []string{reject.ID}},
		{name: "no match", filter: Filter{ActorID: "nobody"}, want: []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := j.List(ctx, tt.filter)
			require.NoError(t, err)
			ids := []string{}
			for _, d := range got {
				ids = append(ids, d.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestJournal_Prune(t *testing.T) {
	ctx := context.Background()
	j := openJournal(t)
	old := decisionAt(audit.ActionApprove, "dir-1", time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), "e1")
	recent := decisionAt(audit.ActionApprove, "dir-1", time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), "e1")
	require.NoError(t, j.Record(ctx, old))
	require.NoError(t, j.Record(ctx, recent))

	n, err := j.Prune(ctx, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	got, err := j.List(ctx, Filter{ItemID: "e1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, recent.ID, got[0].ID)
}

func TestJournal_ReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "journal.db")

	j, err := NewJournal(path, nil)
	require.NoError(t, err)
	d := decisionAt(audit.ActionInject, "acc-1", time.Now(), "tx1")
	require.NoError(t, j.Record(ctx, d))
	require.NoError(t, j.Close())

	j, err = NewJournal(path, nil)
	require.NoError(t, err)
	defer j.Close()
	_, err = j.Get(ctx, d.ID)
	assert.NoError(t, err)
}

func TestRunMigrations_Version(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")

	v, err := RunMigrations(path)
	require.NoError(t, err)
	assert.EqualValues(t, 1, v)

	v, err = RunMigrations(path)
	require.NoError(t, err)
	assert.EqualValues(t, 1, v)
}

func TestJournal_NilIsNoop(t *testing.T) {
	var j *Journal
	assert.NoError(t, j.Record(context.Background(), audit.Decision{}))
	assert.NoError(t, j.Close())
}
