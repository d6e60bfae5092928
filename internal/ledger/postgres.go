package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// pgUniqueViolation is the SQLSTATE raised when (chain_key, sequence) collides.
const pgUniqueViolation = "23505"

// PostgresStore persists chain events to PostgreSQL. It implements Store.
// The schema lives in migrations/ and is applied by cmd/migrate.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a PostgresStore backed by the given connection pool.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

// Tail implements Store.
func (p *PostgresStore) Tail(ctx context.Context, chainKey string) (*ChainEvent, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM chain_events
		 WHERE chain_key = $1 ORDER BY sequence DESC LIMIT 1`, chainKey)
	e, err := scanPostgresEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read chain tail: %w", err)
	}
	return e, nil
}

// Insert implements Store.
// It takes a transaction-scoped advisory lock derived from the chain key,
// re-reads the tail and inserts only if e still extends it. The unique
// (chain_key, sequence) constraint backs this up for writers that bypass
// the lock.
func (p *PostgresStore) Insert(ctx context.Context, e *ChainEvent) error {
	lookup, err := marshalLookup(e.Lookup)
	if err != nil {
		return err
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// The lock is automatically released when the transaction commits or rolls back.
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtextextended($1, 0))", e.ChainKey); err != nil {
		return fmt.Errorf("acquire advisory lock: %w", err)
	}

	var tailSeq int64
	var tailHash string
	err = tx.QueryRow(ctx,
		"SELECT sequence, entry_hash FROM chain_events WHERE chain_key = $1 ORDER BY sequence DESC LIMIT 1",
		e.ChainKey,
	).Scan(&tailSeq, &tailHash)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("read chain tail: %w", err)
	}
	if !tailMatches(e, tailSeq, tailHash) {
		return ErrConcurrencyConflict
	}

	id := uuid.New()
	now := time.Now().UTC().Truncate(time.Microsecond)
	if _, err := tx.Exec(ctx,
		`INSERT INTO chain_events (`+eventColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb, $11, $12, $13, $14, $15::jsonb, $16)`,
		id, e.ChainKey, e.Sequence, e.PreviousHash, e.Type,
		e.Actor.UserID, e.Actor.Role, e.Actor.Email, e.OccurredAt,
		string(e.Payload), e.PayloadHash, e.EntryHash, e.SchemaVersion,
		string(e.IntegrityStatus), lookup, now,
	); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrConcurrencyConflict
		}
		return fmt.Errorf("insert chain event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit chain event: %w", err)
	}

	e.ID = id.String()
	e.RecordedAt = now
	p.logger.Debug("chain event inserted",
		zap.String("chain_key", e.ChainKey),
		zap.Int64("sequence", e.Sequence),
	)
	return nil
}

// Query implements Store.
func (p *PostgresStore) Query(ctx context.Context, chainKey string, f Filter) ([]*ChainEvent, error) {
	query, args := buildQuery(dialectPostgres, chainKey, f)
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query chain events: %w", err)
	}
	defer rows.Close()

	var out []*ChainEvent
	for rows.Next() {
		e, err := scanPostgresEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chain event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Get implements Store.
func (p *PostgresStore) Get(ctx context.Context, chainKey string, sequence int64) (*ChainEvent, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM chain_events WHERE chain_key = $1 AND sequence = $2`,
		chainKey, sequence)
	e, err := scanPostgresEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get chain event %s/%d: %w", chainKey, sequence, err)
	}
	return e, nil
}

// Count implements Store.
func (p *PostgresStore) Count(ctx context.Context, chainKey string) (int64, error) {
	var n int64
	if err := p.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM chain_events WHERE chain_key = $1", chainKey,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count chain events: %w", err)
	}
	return n, nil
}

// MarkIntegrity implements Store.
func (p *PostgresStore) MarkIntegrity(ctx context.Context, chainKey string, from, to int64, status IntegrityStatus) error {
	if _, err := p.pool.Exec(ctx,
		`UPDATE chain_events SET integrity_status = $4
		 WHERE chain_key = $1 AND sequence BETWEEN $2 AND $3 AND integrity_status <> $4`,
		chainKey, from, to, string(status),
	); err != nil {
		return fmt.Errorf("mark integrity: %w", err)
	}
	return nil
}

func scanPostgresEvent(row pgx.Row) (*ChainEvent, error) {
	var (
		e       ChainEvent
		id      uuid.UUID
		payload []byte
		lookup  []byte
		status  string
	)
	if err := row.Scan(
		&id, &e.ChainKey, &e.Sequence, &e.PreviousHash, &e.Type,
		&e.Actor.UserID, &e.Actor.Role, &e.Actor.Email, &e.OccurredAt,
		&payload, &e.PayloadHash, &e.EntryHash, &e.SchemaVersion,
		&status, &lookup, &e.RecordedAt,
	); err != nil {
		return nil, err
	}
	m, err := unmarshalLookup(lookup)
	if err != nil {
		return nil, err
	}
	e.ID = id.String()
	e.Payload = payload
	e.IntegrityStatus = IntegrityStatus(status)
	e.Lookup = m
	e.RecordedAt = e.RecordedAt.UTC()
	return &e, nil
}
