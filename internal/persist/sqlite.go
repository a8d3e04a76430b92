package persist

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/lmarchetti/parley/internal/chat"
)

// SQLiteRecorder stores durable records in a single local SQLite file. Suited
// to single-host deployments next to a local model.
type SQLiteRecorder struct {
	db *sql.DB
}

func NewSQLiteRecorder(dbPath string) (*SQLiteRecorder, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create sqlite dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	const schema = `CREATE TABLE IF NOT EXISTS chat_records (
		key TEXT PRIMARY KEY,
		record TEXT NOT NULL,
		updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}

	return &SQLiteRecorder{db: db}, nil
}

func (r *SQLiteRecorder) Save(ctx context.Context, key string, rec chat.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO chat_records (key, record, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)`,
		key, string(data),
	)
	if err != nil {
		return fmt.Errorf("save record: %w", err)
	}
	return nil
}

func (r *SQLiteRecorder) Load(ctx context.Context, key string) (chat.Record, bool, error) {
	var data string
	err := r.db.QueryRowContext(ctx,
		`SELECT record FROM chat_records WHERE key = ?`, key,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Record{}, false, nil
	}
	if err != nil {
		return chat.Record{}, false, fmt.Errorf("load record: %w", err)
	}

	var rec chat.Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return chat.Record{}, false, fmt.Errorf("unmarshal record: %w", err)
	}
	return rec, true, nil
}

func (r *SQLiteRecorder) Close() error {
	return r.db.Close()
}
