package persist

import (
	"context"
	"strings"

	"github.com/lmarchetti/parley/internal/chat"
)

// NewRecorder picks a backend from configuration: postgres when a database URL
// is set, sqlite when a file path is set, otherwise in-memory.
func NewRecorder(ctx context.Context, databaseURL, sqlitePath string) (chat.Recorder, error) {
	if strings.TrimSpace(databaseURL) != "" {
		return NewPostgresRecorder(ctx, databaseURL)
	}
	if strings.TrimSpace(sqlitePath) != "" {
		return NewSQLiteRecorder(sqlitePath)
	}
	return NewMemoryRecorder(), nil
}
