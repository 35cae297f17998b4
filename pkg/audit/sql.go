package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq" // Postgres driver
	_ "modernc.org/sqlite"
)

// Dialect selects placeholder syntax and DDL.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLLogger persists audit events to a SQL table.
type SQLLogger struct {
	db      *sql.DB
	dialect Dialect
	clock   func() time.Time
}

// OpenSQL opens dsn and prepares the audit table. postgres:// and
// postgresql:// URLs use lib/pq; anything else is a SQLite path, optionally
// prefixed with sqlite://.
func OpenSQL(ctx context.Context, dsn string) (*SQLLogger, error) {
	driver, dialect, source := parseDSN(dsn)
	db, err := sql.Open(driver, source)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	if dialect == DialectSQLite {
		// SQLite serializes writers anyway.
		db.SetMaxOpenConns(1)
	}
	l, err := NewSQLLogger(ctx, db, dialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

func parseDSN(dsn string) (driver string, dialect Dialect, source string) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return "postgres", DialectPostgres, dsn
	default:
		return "sqlite", DialectSQLite, strings.TrimPrefix(dsn, "sqlite://")
	}
}

// NewSQLLogger wraps an open database and creates the table if needed.
func NewSQLLogger(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLLogger, error) {
	l := &SQLLogger{db: db, dialect: dialect, clock: time.Now}
	if err := l.migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate audit db: %w", err)
	}
	return l, nil
}

func (l *SQLLogger) migrate(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS audit_events (
		id TEXT PRIMARY KEY,
		request_id TEXT NOT NULL DEFAULT '',
		operator TEXT NOT NULL DEFAULT '',
		decision TEXT NOT NULL,
		action TEXT NOT NULL,
		target TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		metadata TEXT
	)`)
	return err
}

func (l *SQLLogger) bind(query string) string {
	if l.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Record implements Logger.
func (l *SQLLogger) Record(ctx context.Context, decision Decision, action, target string, metadata map[string]any) error {
	ev := newEvent(ctx, l.clock(), decision, action, target, metadata)

	var meta sql.NullString
	if len(metadata) > 0 {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("encode audit metadata: %w", err)
		}
		meta = sql.NullString{String: string(raw), Valid: true}
	}

	_, err := l.db.ExecContext(ctx, l.bind(`
		INSERT INTO audit_events (id, request_id, operator, decision, action, target, created_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		ev.ID, ev.RequestID, ev.Operator, string(ev.Decision), ev.Action, ev.Target, ev.Timestamp, meta)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// Recent returns up to limit events, newest first.
func (l *SQLLogger) Recent(ctx context.Context, limit int) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx, l.bind(`
		SELECT id, request_id, operator, decision, action, target, created_at, metadata
		FROM audit_events
		ORDER BY created_at DESC
		LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		var (
			ev       Event
			decision string
			meta     sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ev.RequestID, &ev.Operator, &decision, &ev.Action, &ev.Target, &ev.Timestamp, &meta); err != nil {
			return nil, err
		}
		ev.Decision = Decision(decision)
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &ev.Metadata); err != nil {
				return nil, fmt.Errorf("decode audit metadata for %s: %w", ev.ID, err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Close closes the database.
func (l *SQLLogger) Close() error {
	return l.db.Close()
}
