package chat

import (
	"context"
	"log"
	"sync"
)

// Turn is one speaker-attributed message within a conversation.
type Turn struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

// Record is the durable snapshot of one conversation's full state.
type Record struct {
	Messages   []Turn `json:"messages"`
	Summary    string `json:"summary"`
	MaxEntries int    `json:"max_entries,omitempty"`
}

// Recorder persists one Record per conversation key.
type Recorder interface {
	Save(ctx context.Context, key string, rec Record) error
	Load(ctx context.Context, key string) (Record, bool, error)
	Close() error
}

// conversation owns the single lock serializing all writes for its key.
// The lock is created with the conversation and lives for the process lifetime.
type conversation struct {
	mu         sync.Mutex
	messages   []Turn
	summary    string
	maxEntries int // 0 means unbounded
}

// Manager is the authoritative in-memory home for all conversation state.
// Unrelated conversations never contend on each other's locks; the table
// mutex guards only lookup and lazy creation.
type Manager struct {
	mu       sync.RWMutex
	chats    map[string]*conversation
	recorder Recorder

	onPersistError func(op string, err error)
}

func NewManager(recorder Recorder) *Manager {
	return &Manager{
		chats:    make(map[string]*conversation),
		recorder: recorder,
	}
}

// SetPersistErrorHook registers a callback fired whenever a durable save or
// load fails. Persistence failures are logged and swallowed; the hook exists
// so callers can count them.
func (m *Manager) SetPersistErrorHook(hook func(op string, err error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onPersistError = hook
}

func (m *Manager) lookup(key string) *conversation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.chats[key]
}

// getOrCreate returns the conversation for key, creating it with maxEntries
// if absent. Two concurrent first-accesses to the same key resolve to the
// same conversation (and therefore the same lock) via the table write lock.
func (m *Manager) getOrCreate(key string, maxEntries int) *conversation {
	if c := m.lookup(key); c != nil {
		return c
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.chats[key]; ok {
		return c
	}
	c := &conversation{maxEntries: maxEntries}
	m.chats[key] = c
	return c
}

// Initialize creates the conversation if absent. It never overwrites an
// existing conversation, including its capacity.
func (m *Manager) Initialize(key string, maxEntries int) {
	m.getOrCreate(key, maxEntries)
}

// Append adds a turn, auto-initializing an unbounded conversation for an
// unknown key. When a capacity is set, the oldest turns are evicted until the
// count is back at capacity.
func (m *Manager) Append(key, name, text string) {
	c := m.getOrCreate(key, 0)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, Turn{Name: name, Text: text})
	if c.maxEntries > 0 && len(c.messages) > c.maxEntries {
		excess := len(c.messages) - c.maxEntries
		c.messages = append([]Turn(nil), c.messages[excess:]...)
	}
}

// Transcript renders all turns in order as "Name: text" joined by newlines.
// Turns spoken by aiName get a single space and the stop marker appended.
// Unknown keys render as the empty string.
func (m *Manager) Transcript(key, aiName, stop string) string {
	c := m.lookup(key)
	if c == nil {
		return ""
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var b []byte
	for i, t := range c.messages {
		if i > 0 {
			b = append(b, '\n')
		}
		b = append(b, t.Name...)
		b = append(b, ": "...)
		b = append(b, t.Text...)
		if stop != "" && t.Name == aiName {
			b = append(b, ' ')
			b = append(b, stop...)
		}
	}
	return string(b)
}

// Messages returns a copy of the turn sequence, oldest first.
func (m *Manager) Messages(key string) []Turn {
	c := m.lookup(key)
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Turn(nil), c.messages...)
}

// Summary returns the rolling summary, empty for unknown keys.
func (m *Manager) Summary(key string) string {
	c := m.lookup(key)
	if c == nil {
		return ""
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.summary
}

// Clear empties the turn sequence, or keeps only the last retain turns when
// retain > 0. No-op on unknown keys.
func (m *Manager) Clear(key string, retain int) {
	c := m.lookup(key)
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if retain > 0 && retain < len(c.messages) {
		c.messages = append([]Turn(nil), c.messages[len(c.messages)-retain:]...)
	} else if retain <= 0 {
		c.messages = nil
	}
}

// ClearSummary resets the summary to empty. No-op on unknown keys.
func (m *Manager) ClearSummary(key string) {
	c := m.lookup(key)
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.summary = ""
}

// Size returns the current turn count. Unknown keys report 0, which callers
// cannot distinguish from an empty conversation.
func (m *Manager) Size(key string) int {
	c := m.lookup(key)
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

// MaxSize returns the configured capacity, 0 for unknown or unbounded keys.
func (m *Manager) MaxSize(key string) int {
	c := m.lookup(key)
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxEntries
}

// IsFull reports whether the turn count has reached capacity. Conversations
// without a capacity are never full.
func (m *Manager) IsFull(key string) bool {
	c := m.lookup(key)
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxEntries > 0 && len(c.messages) >= c.maxEntries
}

// Count returns the number of conversations tracked in memory.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.chats)
}

// ApplySummary replaces the summary with digest, truncates the turn sequence
// to the last retain entries, and persists — all under the key's lock so no
// concurrent append can interleave between the three steps.
func (m *Manager) ApplySummary(ctx context.Context, key, digest string, retain int) {
	c := m.lookup(key)
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.summary = digest
	if retain >= 0 && retain < len(c.messages) {
		c.messages = append([]Turn(nil), c.messages[len(c.messages)-retain:]...)
	}
	m.saveLocked(ctx, key, c)
}

// Save writes the conversation's durable record under its lock so the record
// is always a consistent snapshot. Failures are logged, never returned.
func (m *Manager) Save(ctx context.Context, key string) {
	c := m.lookup(key)
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	m.saveLocked(ctx, key, c)
}

func (m *Manager) saveLocked(ctx context.Context, key string, c *conversation) {
	if m.recorder == nil {
		return
	}
	rec := Record{
		Messages:   append([]Turn(nil), c.messages...),
		Summary:    c.summary,
		MaxEntries: c.maxEntries,
	}
	if err := m.recorder.Save(ctx, key, rec); err != nil {
		log.Printf("chat %q: save failed: %v", key, err)
		m.persistError("save", err)
	}
}

// Load restores the conversation from its durable record. A missing record
// leaves state untouched. A capacity configured on an already-initialized
// conversation overrides whatever the record stored: capacity is process
// configuration, not durable state.
func (m *Manager) Load(ctx context.Context, key string) {
	if m.recorder == nil {
		return
	}
	rec, ok, err := m.recorder.Load(ctx, key)
	if err != nil {
		log.Printf("chat %q: load failed: %v", key, err)
		m.persistError("load", err)
		return
	}
	if !ok {
		return
	}
	if c := m.lookup(key); c != nil {
		c.mu.Lock()
		c.messages = append([]Turn(nil), rec.Messages...)
		c.summary = rec.Summary
		c.mu.Unlock()
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.chats[key]; exists {
		return
	}
	m.chats[key] = &conversation{
		messages:   append([]Turn(nil), rec.Messages...),
		summary:    rec.Summary,
		maxEntries: rec.MaxEntries,
	}
}

func (m *Manager) persistError(op string, err error) {
	m.mu.RLock()
	hook := m.onPersistError
	m.mu.RUnlock()
	if hook != nil {
		hook(op, err)
	}
}
