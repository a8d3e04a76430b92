package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lmarchetti/parley/internal/chat"
)

// PostgresRecorder stores one durable record per conversation key in
// PostgreSQL.
type PostgresRecorder struct {
	pool *pgxpool.Pool
}

func NewPostgresRecorder(ctx context.Context, databaseURL string) (*PostgresRecorder, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresRecorder{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chat_records (
			key TEXT PRIMARY KEY,
			record JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (r *PostgresRecorder) Save(ctx context.Context, key string, rec chat.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO chat_records (key, record, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (key) DO UPDATE SET record = EXCLUDED.record, updated_at = now()`,
		key, data,
	)
	if err != nil {
		return fmt.Errorf("save record: %w", err)
	}
	return nil
}

func (r *PostgresRecorder) Load(ctx context.Context, key string) (chat.Record, bool, error) {
	var data []byte
	err := r.pool.QueryRow(ctx,
		`SELECT record FROM chat_records WHERE key = $1`, key,
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return chat.Record{}, false, nil
	}
	if err != nil {
		return chat.Record{}, false, fmt.Errorf("load record: %w", err)
	}

	var rec chat.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return chat.Record{}, false, fmt.Errorf("unmarshal record: %w", err)
	}
	return rec, true, nil
}

func (r *PostgresRecorder) Close() error {
	r.pool.Close()
	return nil
}
