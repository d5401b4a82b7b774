package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/studymate/pkg/vectorindex"
)

var _ vectorindex.Store = (*Store)(nil)

// Store is a PostgreSQL-backed vectorindex.Store. It is safe for concurrent
// use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn, installs the pgvector extension, registers its
// types on every pooled connection, and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	// The extension has to exist before any connection can register its
	// types, so it is created over a plain connection first.
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: connect: %w", err)
	}
	_, err = conn.Exec(ctx, ddlExtension)
	conn.Close(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create extension: %w", err)
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() { s.pool.Close() }

// Ping reports whether the database is reachable. It backs a readiness check.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Save replaces the stored snapshot in a single transaction. Readers see
// either the previous snapshot or the new one.
func (s *Store) Save(ctx context.Context, snap *vectorindex.Snapshot) error {
	if snap == nil || snap.Index == nil || snap.Index.Len() != len(snap.Meta.Texts) {
		return fmt.Errorf("postgres store: save: %w", vectorindex.ErrMalformedSnapshot)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `TRUNCATE index_chunks`); err != nil {
		return fmt.Errorf("postgres store: clear chunks: %w", err)
	}
	const upsertMeta = `
		INSERT INTO index_meta (meta_id, build_id, model_name, dimension, chunk_count, created_at)
		VALUES (1, $1, $2, $3, $4, $5)
		ON CONFLICT (meta_id) DO UPDATE SET
			build_id    = EXCLUDED.build_id,
			model_name  = EXCLUDED.model_name,
			dimension   = EXCLUDED.dimension,
			chunk_count = EXCLUDED.chunk_count,
			created_at  = EXCLUDED.created_at`
	m := snap.Meta
	if _, err := tx.Exec(ctx, upsertMeta, m.BuildID, m.ModelName, m.Dimension, len(m.Texts), m.CreatedAt); err != nil {
		return fmt.Errorf("postgres store: write meta: %w", err)
	}

	rows := make([][]any, len(m.Texts))
	for i, text := range m.Texts {
		rows[i] = []any{i, text, pgvector.NewVector(snap.Index.Row(i))}
	}
	n, err := tx.CopyFrom(ctx,
		pgx.Identifier{"index_chunks"},
		[]string{"ordinal", "text", "embedding"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("postgres store: copy chunks: %w", err)
	}
	if int(n) != len(rows) {
		return fmt.Errorf("postgres store: copied %d of %d chunks", n, len(rows))
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres store: commit: %w", err)
	}
	return nil
}

// Load reads the stored snapshot back into memory. It returns
// vectorindex.ErrIndexNotFound when nothing has been saved yet.
func (s *Store) Load(ctx context.Context) (*vectorindex.Snapshot, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("postgres store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		meta      vectorindex.Meta
		count     int
		createdAt time.Time
	)
	err = tx.QueryRow(ctx,
		`SELECT build_id, model_name, dimension, chunk_count, created_at FROM index_meta WHERE meta_id = 1`,
	).Scan(&meta.BuildID, &meta.ModelName, &meta.Dimension, &count, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("postgres store: %w", vectorindex.ErrIndexNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: read meta: %w", err)
	}
	meta.CreatedAt = createdAt.UTC()

	rows, err := tx.Query(ctx, `SELECT ordinal, text, embedding FROM index_chunks ORDER BY ordinal`)
	if err != nil {
		return nil, fmt.Errorf("postgres store: read chunks: %w", err)
	}
	defer rows.Close()

	meta.Texts = make([]string, 0, count)
	vectors := make([][]float32, 0, count)
	for rows.Next() {
		var (
			ordinal int
			text    string
			vec     pgvector.Vector
		)
		if err := rows.Scan(&ordinal, &text, &vec); err != nil {
			return nil, fmt.Errorf("postgres store: scan chunk: %w", err)
		}
		if ordinal != len(meta.Texts) {
			return nil, fmt.Errorf("%w: ordinal %d where %d was expected", vectorindex.ErrMalformedSnapshot, ordinal, len(meta.Texts))
		}
		meta.Texts = append(meta.Texts, text)
		vectors = append(vectors, vec.Slice())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres store: read chunks: %w", err)
	}
	if len(vectors) != count {
		return nil, fmt.Errorf("%w: meta lists %d chunks, found %d", vectorindex.ErrMalformedSnapshot, count, len(vectors))
	}

	idx, err := vectorindex.Build(vectors)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", vectorindex.ErrMalformedSnapshot, err)
	}
	if idx.Dimension() != meta.Dimension {
		return nil, fmt.Errorf("%w: meta dimension %d, rows have %d", vectorindex.ErrMalformedSnapshot, meta.Dimension, idx.Dimension())
	}
	return &vectorindex.Snapshot{Index: idx, Meta: meta}, nil
}
