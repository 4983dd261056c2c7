package storage

import (
	"context"
	"database/sql"
	"strings"
)

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...any) *sql.Row
}

type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx}
}

type DecisionRow struct {
	ID        string
	Action    string
	ActorID   string
	Role      string
	Amount    int64
	Note      string
	CreatedAt string
}

type DecisionItemRow struct {
	DecisionID string
	Position   int64
	ItemID     string
	Outcome    string
	Reason     string
}

const insertDecision = `INSERT INTO decisions (id, action, actor_id, role, amount, note, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`

func (q *Queries) InsertDecision(ctx context.Context, arg DecisionRow) error {
	_, err := q.db.ExecContext(ctx, insertDecision,
		arg.ID, arg.Action, arg.ActorID, arg.Role, arg.Amount, arg.Note, arg.CreatedAt)
	return err
}

const insertDecisionItem = `INSERT INTO decision_items (decision_id, position, item_id, outcome, reason)
VALUES (?, ?, ?, ?, ?)`

func (q *Queries) InsertDecisionItem(ctx context.Context, arg DecisionItemRow) error {
	_, err := q.db.ExecContext(ctx, insertDecisionItem,
		arg.DecisionID, arg.Position, arg.ItemID, arg.Outcome, arg.Reason)
	return err
}

const getDecision = `SELECT id, action, actor_id, role, amount, note, created_at
FROM decisions WHERE id = ?`

func (q *Queries) GetDecision(ctx context.Context, id string) (DecisionRow, error) {
	var r DecisionRow
	err := q.db.QueryRowContext(ctx, getDecision, id).Scan(
		&r.ID, &r.Action, &r.ActorID, &r.Role, &r.Amount, &r.Note, &r.CreatedAt)
	return r, err
}

type ListDecisionsParams struct {
	Action  string
	ActorID string
	ItemID  string
	Since   string
	Limit   int64
}

// ListDecisions returns decisions newest first. Empty parameters do not filter.
func (q *Queries) ListDecisions(ctx context.Context, arg ListDecisionsParams) ([]DecisionRow, error) {
	var (
		where []string
		args  []any
	)
	if arg.Action != "" {
		where = append(where, "action = ?")
		args = append(args, arg.Action)
	}
	if arg.ActorID != "" {
		where = append(where, "actor_id = ?")
		args = append(args, arg.ActorID)
	}
	if arg.ItemID != "" {
		where = append(where, "id IN (SELECT decision_id FROM decision_items WHERE item_id = ?)")
		args = append(args, arg.ItemID)
	}
	if arg.Since != "" {
		where = append(where, "created_at >= ?")
		args = append(args, arg.Since)
	}
	query := "SELECT id, action, actor_id, role, amount, note, created_at FROM decisions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id LIMIT ?"
	args = append(args, arg.Limit)

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []DecisionRow
	for rows.Next() {
		var r DecisionRow
		if err := rows.Scan(&r.ID, &r.Action, &r.ActorID, &r.Role, &r.Amount, &r.Note, &r.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, r)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	return items, rows.Err()
}

const listDecisionItems = `SELECT decision_id, position, item_id, outcome, reason
FROM decision_items WHERE decision_id = ? ORDER BY outcome, position`

func (q *Queries) ListDecisionItems(ctx context.Context, decisionID string) ([]DecisionItemRow, error) {
	rows, err := q.db.QueryContext(ctx, listDecisionItems, decisionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []DecisionItemRow
	for rows.Next() {
		var r DecisionItemRow
		if err := rows.Scan(&r.DecisionID, &r.Position, &r.ItemID, &r.Outcome, &r.Reason); err != nil {
			return nil, err
		}
		items = append(items, r)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	return items, rows.Err()
}

const deleteDecisionItemsBefore = `DELETE FROM decision_items
WHERE decision_id IN (SELECT id FROM decisions WHERE created_at < ?)`

func (q *Queries) DeleteDecisionItemsBefore(ctx context.Context, before string) error {
	_, err := q.db.ExecContext(ctx, deleteDecisionItemsBefore, before)
	return err
}

const deleteDecisionsBefore = `DELETE FROM decisions WHERE created_at < ?`

func (q *Queries) DeleteDecisionsBefore(ctx context.Context, before string) (int64, error) {
	res, err := q.db.ExecContext(ctx, deleteDecisionsBefore, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
