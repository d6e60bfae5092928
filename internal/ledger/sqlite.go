package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS chain_events (
	id               TEXT    PRIMARY KEY,
	chain_key        TEXT    NOT NULL,
	sequence         INTEGER NOT NULL CHECK (sequence > 0),
	previous_hash    TEXT,
	type             TEXT    NOT NULL,
	actor_user_id    TEXT    NOT NULL,
	actor_role       TEXT    NOT NULL,
	actor_email      TEXT    NOT NULL DEFAULT '',
	occurred_at      INTEGER NOT NULL,
	payload          TEXT    NOT NULL,
	payload_hash     TEXT    NOT NULL,
	entry_hash       TEXT    NOT NULL,
	schema_version   INTEGER NOT NULL,
	integrity_status TEXT    NOT NULL DEFAULT 'unverified',
	lookup           TEXT    NOT NULL DEFAULT '{}',
	recorded_at      INTEGER NOT NULL,
	UNIQUE (chain_key, sequence)
);

CREATE INDEX IF NOT EXISTS idx_chain_events_type ON chain_events (chain_key, type, sequence);

CREATE TRIGGER IF NOT EXISTS chain_events_no_delete
BEFORE DELETE ON chain_events
BEGIN
	SELECT RAISE(ABORT, 'chain_events is append-only');
END;

CREATE TRIGGER IF NOT EXISTS chain_events_no_update
BEFORE UPDATE OF id, chain_key, sequence, previous_hash, type, actor_user_id, actor_role,
	actor_email, occurred_at, payload, payload_hash, entry_hash, schema_version, lookup, recorded_at
ON chain_events
BEGIN
	SELECT RAISE(ABORT, 'chain_events is append-only');
END;
`

// OpenSQLite opens (creating if needed) the SQLite database at path and
// applies the schema. ":memory:" yields a private in-memory database.
// The pool is limited to one connection: SQLite has a single writer anyway
// and an in-memory database exists per connection.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return db, nil
}

// SQLiteStore persists chain events to SQLite. It implements Store.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLiteStore creates a SQLiteStore on an opened database (see OpenSQLite).
func NewSQLiteStore(db *sql.DB, logger *zap.Logger) *SQLiteStore {
	return &SQLiteStore{db: db, logger: logger}
}

// Tail implements Store.
func (s *SQLiteStore) Tail(ctx context.Context, chainKey string) (*ChainEvent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM chain_events
		 WHERE chain_key = ? ORDER BY sequence DESC LIMIT 1`, chainKey)
	e, err := scanSQLiteEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read chain tail: %w", err)
	}
	return e, nil
}

// Insert implements Store. The tail re-read and insert share one
// transaction; the unique (chain_key, sequence) constraint and a busy
// database both surface as ErrConcurrencyConflict so the Service retries.
func (s *SQLiteStore) Insert(ctx context.Context, e *ChainEvent) error {
	lookup, err := marshalLookup(e.Lookup)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		if isSQLiteBusy(err) {
			return ErrConcurrencyConflict
		}
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var tailSeq int64
	var tailHash string
	err = tx.QueryRowContext(ctx,
		"SELECT sequence, entry_hash FROM chain_events WHERE chain_key = ? ORDER BY sequence DESC LIMIT 1",
		e.ChainKey,
	).Scan(&tailSeq, &tailHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read chain tail: %w", err)
	}
	if !tailMatches(e, tailSeq, tailHash) {
		return ErrConcurrencyConflict
	}

	id := uuid.NewString()
	now := time.Now().UTC().Truncate(time.Millisecond)
	var prev sql.NullString
	if e.PreviousHash != nil {
		prev = sql.NullString{String: *e.PreviousHash, Valid: true}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO chain_events (`+eventColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, e.ChainKey, e.Sequence, prev, e.Type,
		e.Actor.UserID, e.Actor.Role, e.Actor.Email, e.OccurredAt,
		string(e.Payload), e.PayloadHash, e.EntryHash, e.SchemaVersion,
		string(e.IntegrityStatus), lookup, now.UnixMilli(),
	); err != nil {
		if isSQLiteConstraint(err) || isSQLiteBusy(err) {
			return ErrConcurrencyConflict
		}
		return fmt.Errorf("insert chain event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		if isSQLiteBusy(err) {
			return ErrConcurrencyConflict
		}
		return fmt.Errorf("commit chain event: %w", err)
	}

	e.ID = id
	e.RecordedAt = now
	return nil
}

// Query implements Store.
func (s *SQLiteStore) Query(ctx context.Context, chainKey string, f Filter) ([]*ChainEvent, error) {
	query, args := buildQuery(dialectSQLite, chainKey, f)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query chain events: %w", err)
	}
	defer rows.Close()

	var out []*ChainEvent
	for rows.Next() {
		e, err := scanSQLiteEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chain event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, chainKey string, sequence int64) (*ChainEvent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM chain_events WHERE chain_key = ? AND sequence = ?`,
		chainKey, sequence)
	e, err := scanSQLiteEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get chain event %s/%d: %w", chainKey, sequence, err)
	}
	return e, nil
}

// Count implements Store.
func (s *SQLiteStore) Count(ctx context.Context, chainKey string) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM chain_events WHERE chain_key = ?", chainKey,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count chain events: %w", err)
	}
	return n, nil
}

// MarkIntegrity implements Store.
func (s *SQLiteStore) MarkIntegrity(ctx context.Context, chainKey string, from, to int64, status IntegrityStatus) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE chain_events SET integrity_status = ?
		 WHERE chain_key = ? AND sequence BETWEEN ? AND ? AND integrity_status <> ?`,
		string(status), chainKey, from, to, string(status),
	); err != nil {
		return fmt.Errorf("mark integrity: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteEvent(row rowScanner) (*ChainEvent, error) {
	var (
		e          ChainEvent
		prev       sql.NullString
		payload    string
		lookup     string
		status     string
		recordedAt int64
	)
	if err := row.Scan(
		&e.ID, &e.ChainKey, &e.Sequence, &prev, &e.Type,
		&e.Actor.UserID, &e.Actor.Role, &e.Actor.Email, &e.OccurredAt,
		&payload, &e.PayloadHash, &e.EntryHash, &e.SchemaVersion,
		&status, &lookup, &recordedAt,
	); err != nil {
		return nil, err
	}
	m, err := unmarshalLookup([]byte(lookup))
	if err != nil {
		return nil, err
	}
	if prev.Valid {
		h := prev.String
		e.PreviousHash = &h
	}
	e.Payload = []byte(payload)
	e.IntegrityStatus = IntegrityStatus(status)
	e.Lookup = m
	e.RecordedAt = time.UnixMilli(recordedAt).UTC()
	return &e, nil
}

func isSQLiteConstraint(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

func isSQLiteBusy(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
}
