// Package analytics records per-chunk pipeline outcomes. Rows carry timings
// and counts only, never transcript or translation text.
package analytics

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Row is one processed chunk.
type Row struct {
	SessionID      string
	Seq            uint64
	Reason         string
	Outcome        string
	FailedStage    string
	SourceLanguage string
	Targets        int
	Delivered      int
	GrammarFailed  bool
	Chars          int
	Grammar        time.Duration
	Translation    time.Duration
	Dispatch       time.Duration
	Total          time.Duration
	FlushedAt      time.Time
}

// Store persists batches of rows.
type Store interface {
	InsertChunks(ctx context.Context, rows []Row) error
}

// Postgres is a Store backed by a pgx pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// Open connects to dsn and applies pending migrations.
func Open(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect analytics database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping analytics database: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Postgres{pool: pool}, nil
}

// Migrate applies the embedded schema migrations.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	dir, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, dir)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

const insertChunk = `INSERT INTO chunk_outcomes (
	session_id, seq, reason, outcome, failed_stage, source_language,
	target_count, delivered_count, grammar_failed, chars,
	grammar_ms, translation_ms, dispatch_ms, total_ms, flushed_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

func (p *Postgres) InsertChunks(ctx context.Context, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(insertChunk,
			r.SessionID, int64(r.Seq), r.Reason, r.Outcome, r.FailedStage, r.SourceLanguage,
			r.Targets, r.Delivered, r.GrammarFailed, r.Chars,
			r.Grammar.Milliseconds(), r.Translation.Milliseconds(), r.Dispatch.Milliseconds(), r.Total.Milliseconds(),
			r.FlushedAt,
		)
	}
	if err := p.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert %d chunk rows: %w", len(rows), err)
	}
	return nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}
