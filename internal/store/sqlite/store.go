package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"agent_ensemble/internal/domain"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	pattern TEXT NOT NULL,
	status TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT '',
	result TEXT NOT NULL DEFAULT '',
	last_error TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	finished_at INTEGER NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at);

CREATE TABLE IF NOT EXISTS outcomes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	task_id TEXT NOT NULL,
	agent_id TEXT NOT NULL DEFAULT '',
	value TEXT NOT NULL DEFAULT '',
	confidence REAL NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	attempt INTEGER NOT NULL DEFAULT 0,
	fault TEXT NOT NULL DEFAULT '',
	last_error TEXT NOT NULL DEFAULT '',
	elapsed_ms INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	FOREIGN KEY(run_id) REFERENCES runs(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_outcomes_run ON outcomes(run_id, id);

CREATE TABLE IF NOT EXISTS run_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	actor TEXT NOT NULL DEFAULT '',
	detail TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	FOREIGN KEY(run_id) REFERENCES runs(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_run_events_run ON run_events(run_id, id);
`

type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *Store) CreateRun(ctx context.Context, rec domain.RunRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.Status == "" {
		rec.Status = domain.RunStatusRunning
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO runs(id, pattern, status, payload, result, last_error, created_at, finished_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, string(rec.Pattern), string(rec.Status), string(rec.Payload), string(rec.Result),
		rec.LastError, rec.CreatedAt.Unix(), nullableUnix(rec.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

func (s *Store) FinishRun(ctx context.Context, runID string, status domain.RunStatus, result json.RawMessage, lastError string) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE runs SET status = ?, result = ?, last_error = ?, finished_at = ? WHERE id = ?`,
		string(status), string(result), lastError, time.Now().UTC().Unix(), runID,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (domain.RunRecord, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, pattern, status, payload, result, last_error, created_at, finished_at
		FROM runs WHERE id = ?`,
		runID,
	)
	rec, err := scanRun(row.Scan)
	if err != nil {
		return domain.RunRecord{}, fmt.Errorf("get run: %w", err)
	}
	return rec, nil
}

func (s *Store) ListRuns(ctx context.Context, limit int) ([]domain.RunRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, pattern, status, payload, result, last_error, created_at, finished_at
		FROM runs ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	result := make([]domain.RunRecord, 0)
	for rows.Next() {
		rec, err := scanRun(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return result, nil
}

func (s *Store) AppendOutcome(ctx context.Context, runID string, o domain.Outcome) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO outcomes(
			run_id, task_id, agent_id, value, confidence, status, attempt,
			fault, last_error, elapsed_ms, created_at
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, o.TaskID, o.AgentID, string(o.Value), o.Confidence, string(o.Status), o.Attempt,
		string(o.Fault), o.Err, o.ElapsedMS, time.Now().UTC().Unix(),
	)
	if err != nil {
		return fmt.Errorf("append outcome: %w", err)
	}
	return nil
}

func (s *Store) ListRunOutcomes(ctx context.Context, runID string, limit int) ([]domain.Outcome, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT task_id, agent_id, value, confidence, status, attempt, fault, last_error, elapsed_ms
		FROM outcomes WHERE run_id = ? ORDER BY id ASC LIMIT ?`,
		runID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list run outcomes: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Outcome, 0)
	for rows.Next() {
		var o domain.Outcome
		var value, status, fault string
		if err := rows.Scan(
			&o.TaskID, &o.AgentID, &value, &o.Confidence, &status, &o.Attempt,
			&fault, &o.Err, &o.ElapsedMS,
		); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		o.Value = rawOrNil(value)
		o.Status = domain.OutcomeStatus(status)
		o.Fault = domain.FaultKind(fault)
		result = append(result, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outcomes: %w", err)
	}
	return result, nil
}

func (s *Store) AppendRunEvent(ctx context.Context, ev domain.RunEvent) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO run_events(run_id, kind, actor, detail, payload, created_at)
		VALUES(?, ?, ?, ?, ?, ?)`,
		ev.RunID, ev.Kind, ev.Actor, ev.Detail, string(ev.Payload), ev.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("append run event: %w", err)
	}
	return nil
}

func (s *Store) ListRunEvents(ctx context.Context, runID string, limit int) ([]domain.RunEvent, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, run_id, kind, actor, detail, payload, created_at
		FROM run_events WHERE run_id = ? ORDER BY id ASC LIMIT ?`,
		runID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list run events: %w", err)
	}
	defer rows.Close()

	result := make([]domain.RunEvent, 0)
	for rows.Next() {
		var ev domain.RunEvent
		var payload string
		var created int64
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.Kind, &ev.Actor, &ev.Detail, &payload, &created); err != nil {
			return nil, fmt.Errorf("scan run event: %w", err)
		}
		ev.Payload = rawOrNil(payload)
		ev.CreatedAt = unixToTime(created)
		result = append(result, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run events: %w", err)
	}
	return result, nil
}

// PruneRuns deletes finished runs created before the cutoff along with
// their outcomes and events. The children are deleted explicitly because
// the foreign_keys pragma is per-connection and the pool may hand the
// delete to a connection that never saw it.
func (s *Store) PruneRuns(ctx context.Context, before time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("prune runs begin: %w", err)
	}
	defer tx.Rollback()

	cutoff := before.UTC().Unix()
	const doomed = `SELECT id FROM runs WHERE created_at < ? AND finished_at IS NOT NULL`
	if _, err := tx.ExecContext(ctx, `DELETE FROM outcomes WHERE run_id IN (`+doomed+`)`, cutoff); err != nil {
		return 0, fmt.Errorf("prune outcomes: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM run_events WHERE run_id IN (`+doomed+`)`, cutoff); err != nil {
		return 0, fmt.Errorf("prune run events: %w", err)
	}
	res, err := tx.ExecContext(
		ctx,
		`DELETE FROM runs WHERE created_at < ? AND finished_at IS NOT NULL`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune runs rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("prune runs commit: %w", err)
	}
	return n, nil
}

func scanRun(scan func(dest ...any) error) (domain.RunRecord, error) {
	var rec domain.RunRecord
	var pattern, status, payload, result string
	var created int64
	var finished sql.NullInt64
	if err := scan(
		&rec.ID, &pattern, &status, &payload, &result, &rec.LastError, &created, &finished,
	); err != nil {
		return domain.RunRecord{}, err
	}
	rec.Pattern = domain.Pattern(pattern)
	rec.Status = domain.RunStatus(status)
	rec.Payload = rawOrNil(payload)
	rec.Result = rawOrNil(result)
	rec.CreatedAt = unixToTime(created)
	rec.FinishedAt = int64ToTimePtr(finished)
	return rec, nil
}

func rawOrNil(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	return json.RawMessage(s)
}

func nullableUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Unix()
}

func unixToTime(v int64) time.Time {
	return time.Unix(v, 0).UTC()
}

func int64ToTimePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}
