package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres persists session documents in a single key/value table.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pgx connection pool and ensures the schema exists.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	p := &Postgres{pool: pool}
	if err := p.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

func (p *Postgres) ensureSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS session_documents (
			session_id TEXT PRIMARY KEY,
			doc        JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure session_documents table: %w", err)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, sessionID string) ([]byte, error) {
	var doc []byte
	row := p.pool.QueryRow(ctx, `
		SELECT doc FROM session_documents WHERE session_id=$1
	`, sessionID)
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	return doc, nil
}

func (p *Postgres) Put(ctx context.Context, sessionID string, doc []byte) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO session_documents (session_id, doc, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (session_id) DO UPDATE
		SET doc = EXCLUDED.doc, updated_at = now()
	`, sessionID, doc)
	if err != nil {
		return fmt.Errorf("persist session %s: %w", sessionID, err)
	}
	return nil
}

// Close releases the underlying pool.
func (p *Postgres) Close() {
	p.pool.Close()
}
