package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/lmarchetti/parley/internal/chat"
)

// MemoryRecorder keeps serialized records in process memory. Used for
// local/dev runs and tests; nothing survives a restart.
type MemoryRecorder struct {
	mu      sync.RWMutex
	records map[string][]byte
}

func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{records: make(map[string][]byte)}
}

func (r *MemoryRecorder) Save(_ context.Context, key string, rec chat.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[key] = data
	return nil
}

func (r *MemoryRecorder) Load(_ context.Context, key string) (chat.Record, bool, error) {
	r.mu.RLock()
	data, ok := r.records[key]
	r.mu.RUnlock()
	if !ok {
		return chat.Record{}, false, nil
	}
	var rec chat.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return chat.Record{}, false, fmt.Errorf("unmarshal record: %w", err)
	}
	return rec, true, nil
}

func (r *MemoryRecorder) Close() error { return nil }
