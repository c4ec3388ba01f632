package collector

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"  // postgres driver
	_ "modernc.org/sqlite" // CGO-free SQLite
)

// Dialect selects placeholder style and schema.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS log_entries(
  id          INTEGER PRIMARY KEY,
  batch_id    TEXT    NOT NULL,
  seq         INTEGER NOT NULL,
  received_at TEXT    NOT NULL,
  remote      TEXT,
  session     TEXT,
  kind        TEXT,
  payload     TEXT    NOT NULL CHECK (json_valid(payload))
);
CREATE INDEX IF NOT EXISTS idx_log_entries_session ON log_entries(session);
CREATE INDEX IF NOT EXISTS idx_log_entries_kind    ON log_entries(kind);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS log_entries (
  id          BIGSERIAL PRIMARY KEY,
  batch_id    TEXT        NOT NULL,
  seq         INTEGER     NOT NULL,
  received_at TIMESTAMPTZ NOT NULL,
  remote      TEXT,
  session     TEXT,
  kind        TEXT,
  payload     JSONB       NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_log_entries_session ON log_entries(session);
CREATE INDEX IF NOT EXISTS idx_log_entries_kind ON log_entries(kind);
`

// SQLSink stores each entry as one row.
type SQLSink struct {
	db      *sql.DB
	dialect Dialect
}

// OpenSQLite opens (creating if needed) a sqlite database at path.
func OpenSQLite(path string) (*SQLSink, error) {
	// WAL + busy timeout to avoid "database is locked"
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	sink, err := NewSQLSink(db, DialectSQLite)
	if err != nil {
		db.Close()
		return nil, err
	}
	return sink, nil
}

// OpenPostgres connects to dsn.
func OpenPostgres(ctx context.Context, dsn string) (*SQLSink, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	sink, err := NewSQLSink(db, DialectPostgres)
	if err != nil {
		db.Close()
		return nil, err
	}
	return sink, nil
}

// NewSQLSink wraps db and creates the schema.
func NewSQLSink(db *sql.DB, dialect Dialect) (*SQLSink, error) {
	if db == nil {
		return nil, errors.New("sql sink requires a database")
	}
	var schema string
	switch dialect {
	case DialectSQLite:
		schema = sqliteSchema
	case DialectPostgres:
		schema = postgresSchema
	default:
		return nil, fmt.Errorf("unsupported dialect %q", dialect)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create log_entries table: %w", err)
	}
	return &SQLSink{db: db, dialect: dialect}, nil
}

func (s *SQLSink) insertStatement() string {
	if s.dialect == DialectPostgres {
		return `INSERT INTO log_entries(batch_id, seq, received_at, remote, session, kind, payload) VALUES($1,$2,$3,$4,$5,$6,$7)`
	}
	return `INSERT INTO log_entries(batch_id, seq, received_at, remote, session, kind, payload) VALUES(?,?,?,?,?,?,json(?))`
}

// Store inserts the batch in one transaction.
func (s *SQLSink) Store(ctx context.Context, batch Batch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, s.insertStatement())
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	var receivedAt any = batch.ReceivedAt.UTC()
	if s.dialect == DialectSQLite {
		receivedAt = batch.ReceivedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00")
	}
	for i, entry := range batch.Entries {
		if _, err := stmt.ExecContext(ctx, batch.ID, i, receivedAt, batch.Remote, entry.Session, entry.Kind, string(entry.Raw)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert entry %d: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

// Count returns the number of stored entries.
func (s *SQLSink) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM log_entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return n, nil
}

// Close closes the database.
func (s *SQLSink) Close() error {
	return s.db.Close()
}

var _ Sink = (*SQLSink)(nil)
