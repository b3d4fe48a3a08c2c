// Package postgres provides a PostgreSQL-backed [pattern.Backend].
//
// Patterns live in a single learned_patterns table. Save upserts every
// pattern in one statement by unnesting column arrays, so a batch of N
// patterns costs one round trip.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/editlearn/pkg/pattern"
)

// Schema is the SQL DDL for the learned_patterns table. Execute it via
// [Backend.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS learned_patterns (
    id            TEXT PRIMARY KEY,
    document_type TEXT NOT NULL DEFAULT '',
    original_text TEXT NOT NULL,
    edited_text   TEXT NOT NULL,
    frequency     INTEGER NOT NULL DEFAULT 1 CHECK (frequency >= 1),
    first_seen    TIMESTAMPTZ NOT NULL,
    last_seen     TIMESTAMPTZ NOT NULL,
    confidence    DOUBLE PRECISION NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_learned_patterns_doctype ON learned_patterns(document_type);
CREATE INDEX IF NOT EXISTS idx_learned_patterns_prune ON learned_patterns(last_seen, confidence);
`

// DB is the database interface used by [Backend]. Both *pgxpool.Pool and
// *pgx.Conn satisfy this interface.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Compile-time interface check.
var _ pattern.Backend = (*Backend)(nil)

// Backend is a [pattern.Backend] backed by PostgreSQL.
type Backend struct {
	db    DB
	close func()
}

// New returns a Backend on top of an existing connection or pool. The caller
// owns db and is responsible for calling [Backend.Migrate].
func New(db DB) *Backend {
	return &Backend{db: db, close: func() {}}
}

// Open creates a connection pool for dsn, verifies connectivity and runs
// [Backend.Migrate]. Close releases the pool.
func Open(ctx context.Context, dsn string) (*Backend, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	b := &Backend{db: pool, close: pool.Close}
	if err := b.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return b, nil
}

// Migrate executes the [Schema] DDL.
func (b *Backend) Migrate(ctx context.Context) error {
	if _, err := b.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

// Load implements [pattern.Backend].
func (b *Backend) Load(ctx context.Context) ([]pattern.Pattern, error) {
	const query = `
		SELECT id, document_type, original_text, edited_text,
		       frequency, first_seen, last_seen, confidence
		FROM learned_patterns
		ORDER BY first_seen`

	rows, err := b.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: load: %w", err)
	}
	defer rows.Close()

	var out []pattern.Pattern
	for rows.Next() {
		var p pattern.Pattern
		if err := rows.Scan(
			&p.ID, &p.DocumentType, &p.OriginalText, &p.EditedText,
			&p.Frequency, &p.FirstSeen, &p.LastSeen, &p.Confidence,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: load: %w", err)
	}
	return out, nil
}

// Save implements [pattern.Backend].
func (b *Backend) Save(ctx context.Context, patterns ...pattern.Pattern) error {
	if len(patterns) == 0 {
		return nil
	}

	n := len(patterns)
	var (
		ids       = make([]string, n)
		docTypes  = make([]string, n)
		originals = make([]string, n)
		edits     = make([]string, n)
		freqs     = make([]int32, n)
		firsts    = make([]time.Time, n)
		lasts     = make([]time.Time, n)
		confs     = make([]float64, n)
	)
	for i, p := range patterns {
		ids[i] = p.ID
		docTypes[i] = p.DocumentType
		originals[i] = p.OriginalText
		edits[i] = p.EditedText
		freqs[i] = int32(p.Frequency)
		firsts[i] = p.FirstSeen
		lasts[i] = p.LastSeen
		confs[i] = p.Confidence
	}

	const query = `
		INSERT INTO learned_patterns (
			id, document_type, original_text, edited_text,
			frequency, first_seen, last_seen, confidence
		)
		SELECT * FROM unnest(
			$1::text[], $2::text[], $3::text[], $4::text[],
			$5::int[], $6::timestamptz[], $7::timestamptz[], $8::float8[]
		)
		ON CONFLICT (id) DO UPDATE SET
			document_type = EXCLUDED.document_type,
			original_text = EXCLUDED.original_text,
			edited_text   = EXCLUDED.edited_text,
			frequency     = EXCLUDED.frequency,
			first_seen    = EXCLUDED.first_seen,
			last_seen     = EXCLUDED.last_seen,
			confidence    = EXCLUDED.confidence`

	if _, err := b.db.Exec(ctx, query, ids, docTypes, originals, edits, freqs, firsts, lasts, confs); err != nil {
		return fmt.Errorf("postgres: save: %w", err)
	}
	return nil
}

// Delete implements [pattern.Backend].
func (b *Backend) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := b.db.Exec(ctx, `DELETE FROM learned_patterns WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("postgres: delete: %w", err)
	}
	return nil
}

// Ping implements [pattern.Backend].
func (b *Backend) Ping(ctx context.Context) error {
	if _, err := b.db.Exec(ctx, "SELECT 1"); err != nil {
		return fmt.Errorf("postgres: ping: %w", err)
	}
	return nil
}

// Close implements [pattern.Backend]. It closes the pool when the backend
// was created by [Open].
func (b *Backend) Close() error {
	b.close()
	return nil
}
