// Package postgres stores vectorindex snapshots in PostgreSQL.
//
// A snapshot is one metadata row plus one row per chunk holding its text and
// normalised embedding in a pgvector column. Search stays in process: Load
// reads every row back into a [vectorindex.Index]. Keeping the snapshot in the
// database lets several serving hosts share one build without copying files.
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//	err = store.Save(ctx, snapshot)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlExtension = `CREATE EXTENSION IF NOT EXISTS vector;`

// The embedding column is declared without a fixed size so a rebuild with a
// different encoder needs no schema change. meta_id pins index_meta to a
// single row.
const ddlSnapshot = `
CREATE TABLE IF NOT EXISTS index_meta (
    meta_id     SMALLINT     PRIMARY KEY DEFAULT 1 CHECK (meta_id = 1),
    build_id    TEXT         NOT NULL,
    model_name  TEXT         NOT NULL,
    dimension   INTEGER      NOT NULL,
    chunk_count INTEGER      NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL
);

CREATE TABLE IF NOT EXISTS index_chunks (
    ordinal    INTEGER  PRIMARY KEY,
    text       TEXT     NOT NULL,
    embedding  vector   NOT NULL
);
`

// Migrate creates the snapshot tables. It is idempotent and runs on every
// NewStore. The vector extension must already exist; NewStore installs it.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlSnapshot); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}
