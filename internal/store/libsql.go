package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/weaveflow/weave/pkg/schema"
)

// LibSQLStore implements Store on libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path, e.g.
// "file:/var/lib/weave/runs.db", and applies pending migrations.
func NewLibSQLStore(ctx context.Context, dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows, so QueryRow instead of Exec.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	s := &LibSQLStore{db: db}
	if err := ensureSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *LibSQLStore) Close() error { return s.db.Close() }

// Vacuum reclaims space after run pruning.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

func (s *LibSQLStore) SaveRun(ctx context.Context, run *Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, workflow_id, workflow_name, status, definition, inputs, snapshot, error, created_at, started_at, ended_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(id) DO UPDATE SET
		   status=excluded.status, snapshot=excluded.snapshot, error=excluded.error,
		   started_at=excluded.started_at, ended_at=excluded.ended_at, updated_at=CURRENT_TIMESTAMP`,
		run.ID, run.WorkflowID, nullStr(run.WorkflowName), string(run.Status),
		string(run.Definition), nullRaw(run.Inputs), nullRaw(run.Snapshot), nullRaw(run.Error),
		timeOrNow(run.CreatedAt), nullTime(run.StartedAt), nullTime(run.EndedAt),
	)
	return err
}

const runColumns = `id, workflow_id, workflow_name, status, definition, inputs, snapshot, error, created_at, started_at, ended_at, updated_at`

func scanRun(scan func(dest ...any) error) (*Run, error) {
	run := &Run{}
	var (
		name                    sql.NullString
		defJSON                 string
		inputs, snapshot, rferr sql.NullString
		startedAt, endedAt      sql.NullTime
		status                  string
	)
	if err := scan(&run.ID, &run.WorkflowID, &name, &status, &defJSON,
		&inputs, &snapshot, &rferr, &run.CreatedAt, &startedAt, &endedAt, &run.UpdatedAt); err != nil {
		return nil, err
	}
	run.WorkflowName = name.String
	run.Status = schema.RunStatus(status)
	run.Definition = []byte(defJSON)
	run.Inputs = rawOrNil(inputs)
	run.Snapshot = rawOrNil(snapshot)
	run.Error = rawOrNil(rferr)
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if endedAt.Valid {
		run.EndedAt = &endedAt.Time
	}
	return run, nil
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row.Scan)
	if err == sql.ErrNoRows {
		return nil, notFound("run", id)
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var where []string
	var args []any
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// AppendEvent assigns the next per-run sequence inside a transaction so
// concurrent appenders cannot interleave sequence reads and writes.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE run_id = ?`, event.RunID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("next sequence: %w", err)
	}
	event.Sequence = seq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (run_id, step_id, event_type, attempt, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.RunID, nullStr(event.StepID), event.Type, event.Attempt,
		nullRaw(event.Payload), event.Timestamp, seq,
	); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return tx.Commit()
}

func (s *LibSQLStore) ListEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, step_id, event_type, attempt, payload, timestamp, sequence
		 FROM events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`,
		runID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		ev := &Event{}
		var stepID, payload sql.NullString
		if err := rows.Scan(&ev.ID, &ev.RunID, &stepID, &ev.Type, &ev.Attempt,
			&payload, &ev.Timestamp, &ev.Sequence); err != nil {
			return nil, err
		}
		ev.StepID = stepID.String
		ev.Payload = rawOrNil(payload)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// PruneRuns deletes runs (and their events) that ended before the cutoff.
func (s *LibSQLStore) PruneRuns(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM runs WHERE ended_at IS NOT NULL AND ended_at < ?`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
