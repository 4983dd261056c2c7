// Package storage keeps a local SQLite journal of every audited decision.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"economat/internal/audit"
	"economat/internal/core"
	applog "economat/internal/log"
)

// timeLayout sorts lexicographically in time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const (
	outcomeTarget    = "target"
	outcomeSucceeded = "succeeded"
	outcomeFailed    = "failed"
	outcomeSkipped   = "skipped"
)

// DefaultListLimit caps List when Filter.Limit is zero.
const DefaultListLimit = 100

// Filter narrows a journal listing. Zero values do not filter.
type Filter struct {
	Action  audit.Action
	ActorID string
	// ItemID matches decisions that touched this expense or transaction.
	ItemID string
	Since  time.Time
	Limit  int
}

// Journal is a SQLite-backed audit.Recorder.
type Journal struct {
	db      *sql.DB
	queries *Queries
	logger  *applog.Logger
}

var _ audit.Recorder = (*Journal)(nil)

// NewJournal opens (creating if needed) the journal at dbPath and migrates it.
func NewJournal(dbPath string, logger *applog.Logger) (*Journal, error) {
	if logger == nil {
		logger = applog.Discard()
	}
	logger = logger.WithComponent(applog.ComponentStorage)

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// One writer at a time; SQLite serialises writes anyway.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	version, err := RunMigrations(dbPath)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("Decision journal ready", "path", dbPath, "schema_version", version)

	return &Journal{db: db, queries: New(db), logger: logger}, nil
}

func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Record stores d and its per-item outcome in a single transaction. A nil
// journal records nothing.
func (j *Journal) Record(ctx context.Context, d audit.Decision) error {
	if j == nil {
		return nil
	}
	at := d.At
	if at.IsZero() {
		at = time.Now()
	}

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin journal transaction: %w", err)
	}
	defer tx.Rollback()
	q := j.queries.WithTx(tx)

	err = q.InsertDecision(ctx, DecisionRow{
		ID:        d.ID,
		Action:    string(d.Action),
		ActorID:   d.ActorID,
		Role:      string(d.Role),
		Amount:    int64(d.Amount),
		Note:      d.Note,
		CreatedAt: at.UTC().Format(timeLayout),
	})
	if err != nil {
		return fmt.Errorf("insert decision %s: %w", d.ID, err)
	}

	insert := func(outcome string, pos int, id, reason string) error {
		err := q.InsertDecisionItem(ctx, DecisionItemRow{
			DecisionID: d.ID,
			Position:   int64(pos),
			ItemID:     id,
			Outcome:    outcome,
			Reason:     reason,
		})
		if err != nil {
			return fmt.Errorf("insert %s item %s: %w", outcome, id, err)
		}
		return nil
	}
	for i, id := range d.Targets {
		if err := insert(outcomeTarget, i, id, ""); err != nil {
			return err
		}
	}
	for i, id := range d.Succeeded {
		if err := insert(outcomeSucceeded, i, id, ""); err != nil {
			return err
		}
	}
	for i, f := range d.Failed {
		if err := insert(outcomeFailed, i, f.ID, f.Reason); err != nil {
			return err
		}
	}
	for i, f := range d.Skipped {
		if err := insert(outcomeSkipped, i, f.ID, f.Reason); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit decision %s: %w", d.ID, err)
	}

	j.logger.DebugContext(ctx, "Decision journaled",
		"decision_id", d.ID,
		applog.FieldOperation, string(d.Action),
		applog.FieldActor, d.ActorID)
	return nil
}

// Get returns one decision. A missing id matches core.ErrNotFound.
func (j *Journal) Get(ctx context.Context, id string) (audit.Decision, error) {
	row, err := j.queries.GetDecision(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return audit.Decision{}, fmt.Errorf("decision %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return audit.Decision{}, fmt.Errorf("get decision %s: %w", id, err)
	}
	return j.hydrate(ctx, row)
}

// List returns decisions newest first.
func (j *Journal) List(ctx context.Context, f Filter) ([]audit.Decision, error) {
	params := ListDecisionsParams{
		Action:  string(f.Action),
		ActorID: f.ActorID,
		ItemID:  f.ItemID,
		Limit:   int64(f.Limit),
	}
	if params.Limit <= 0 {
		params.Limit = DefaultListLimit
	}
	if !f.Since.IsZero() {
		params.Since = f.Since.UTC().Format(timeLayout)
	}

	rows, err := j.queries.ListDecisions(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	out := make([]audit.Decision, 0, len(rows))
	for _, row := range rows {
		d, err := j.hydrate(ctx, row)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// Prune deletes decisions recorded before cutoff and returns how many went.
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	before := cutoff.UTC().Format(timeLayout)

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin prune: %w", err)
	}
	defer tx.Rollback()
	q := j.queries.WithTx(tx)

	if err := q.DeleteDecisionItemsBefore(ctx, before); err != nil {
		return 0, fmt.Errorf("prune decision items: %w", err)
	}
	n, err := q.DeleteDecisionsBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("prune decisions: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit prune: %w", err)
	}

	if n > 0 {
		j.logger.InfoContext(ctx, "Journal pruned", "removed", n, "before", before)
	}
	return n, nil
}

func (j *Journal) hydrate(ctx context.Context, row DecisionRow) (audit.Decision, error) {
	at, err := time.Parse(timeLayout, row.CreatedAt)
	if err != nil {
		return audit.Decision{}, fmt.Errorf("decision %s: bad timestamp %q: %w", row.ID, row.CreatedAt, err)
	}
	d := audit.Decision{
		ID:      row.ID,
		Action:  audit.Action(row.Action),
		ActorID: row.ActorID,
		Role:    core.Role(row.Role),
		Amount:  core.Money(row.Amount),
		Note:    row.Note,
		At:      at,
	}

	items, err := j.queries.ListDecisionItems(ctx, row.ID)
	if err != nil {
		return audit.Decision{}, fmt.Errorf("list items of decision %s: %w", row.ID, err)
	}
	for _, it := range items {
		switch it.Outcome {
		case outcomeTarget:
			d.Targets = append(d.Targets, it.ItemID)
		case outcomeSucceeded:
			d.Succeeded = append(d.Succeeded, it.ItemID)
		case outcomeFailed:
			d.Failed = append(d.Failed, core.ItemFailure{ID: it.ItemID, Reason: it.Reason})
		case outcomeSkipped:
			d.Skipped = append(d.Skipped, core.ItemFailure{ID: it.ItemID, Reason: it.Reason})
		}
	}
	return d, nil
}
