package oplog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteWriter appends events to an operation_log table.
type SQLiteWriter struct {
	db *sql.DB
}

// NewSQLiteWriter opens (creating if needed) the operation log database
// at dbPath.
func NewSQLiteWriter(dbPath string) (*SQLiteWriter, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open operation log database: %w", err)
	}

	w := &SQLiteWriter{db: db}
	if err := w.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate operation log schema: %w", err)
	}
	return w, nil
}

// Close closes the database connection.
func (w *SQLiteWriter) Close() error {
	return w.db.Close()
}

func (w *SQLiteWriter) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS operation_log (
		event_id    TEXT PRIMARY KEY,
		created_at  TEXT NOT NULL,
		event_type  TEXT NOT NULL,
		source      TEXT NOT NULL,
		action      TEXT NOT NULL,
		method      TEXT,
		path        TEXT,
		status_code INTEGER,
		duration_ms REAL,
		trace_id    TEXT,
		success     INTEGER,
		detail      TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_oplog_created ON operation_log(created_at);
	CREATE INDEX IF NOT EXISTS idx_oplog_trace ON operation_log(trace_id);
	`
	_, err := w.db.Exec(schema)
	return err
}

// Write inserts a batch of events in one transaction.
func (w *SQLiteWriter) Write(ctx context.Context, events []Event) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin operation log tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO operation_log
		(event_id, created_at, event_type, source, action, method, path,
		 status_code, duration_ms, trace_id, success, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare operation log insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		var success sql.NullBool
		if e.Success != nil {
			success = sql.NullBool{Bool: *e.Success, Valid: true}
		}
		var detail sql.NullString
		if e.Detail != nil {
			raw, err := json.Marshal(e.Detail)
			if err != nil {
				return fmt.Errorf("encode detail for %s: %w", e.EventID, err)
			}
			detail = sql.NullString{String: string(raw), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx,
			e.EventID,
			e.CreatedAt.UTC().Format(time.RFC3339Nano),
			e.EventType,
			e.Source,
			e.Action,
			e.Method,
			e.Path,
			e.StatusCode,
			e.DurationMS,
			e.TraceID,
			success,
			detail,
		); err != nil {
			return fmt.Errorf("insert operation log event: %w", err)
		}
	}
	return tx.Commit()
}

// Recent returns up to limit events, newest first. An empty traceID
// matches every event.
func (w *SQLiteWriter) Recent(ctx context.Context, traceID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := w.db.QueryContext(ctx, `SELECT
		event_id, created_at, event_type, source, action, method, path,
		status_code, duration_ms, trace_id, success, detail
		FROM operation_log
		WHERE (? = '' OR trace_id = ?)
		ORDER BY created_at DESC
		LIMIT ?`, traceID, traceID, limit)
	if err != nil {
		return nil, fmt.Errorf("query operation log: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e         Event
			createdAt string
			method    sql.NullString
			path      sql.NullString
			status    sql.NullInt64
			duration  sql.NullFloat64
			trace     sql.NullString
			success   sql.NullBool
			detail    sql.NullString
		)
		if err := rows.Scan(&e.EventID, &createdAt, &e.EventType, &e.Source, &e.Action,
			&method, &path, &status, &duration, &trace, &success, &detail); err != nil {
			return nil, fmt.Errorf("scan operation log row: %w", err)
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		e.Method = method.String
		e.Path = path.String
		e.StatusCode = int(status.Int64)
		e.DurationMS = duration.Float64
		e.TraceID = trace.String
		if success.Valid {
			e.Success = Bool(success.Bool)
		}
		if detail.Valid && detail.String != "" {
			if err := json.Unmarshal([]byte(detail.String), &e.Detail); err != nil {
				e.Detail = map[string]any{"raw": detail.String}
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
