package relaycache

import (
	"sync"

	"github.com/eljojo/relaycache/types"
)

// TombstoneTracker keeps a per-entity deletion watermark.
// Watermarks only move forward.
type TombstoneTracker struct {
	marks map[types.EntityKey]int64
	mu    sync.RWMutex
}

func NewTombstoneTracker() *TombstoneTracker {
	return &TombstoneTracker{marks: make(map[types.EntityKey]int64)}
}

// Record raises the watermark for key to createdAt if it is higher.
// Returns true when the watermark moved.
func (t *TombstoneTracker) Record(key types.EntityKey, createdAt int64) bool {
	if key == "" || createdAt <= 0 {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.marks[key]; ok && existing >= createdAt {
		return false
	}
	t.marks[key] = createdAt
	return true
}

// IsTombstoned reports whether a record created at createdAt is at or below
// the watermark for key.
func (t *TombstoneTracker) IsTombstoned(key types.EntityKey, createdAt int64) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	mark, ok := t.marks[key]
	return ok && createdAt <= mark
}

// Watermark returns the current watermark, 0 when none.
func (t *TombstoneTracker) Watermark(key types.EntityKey) int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.marks[key]
}

// Snapshot copies every watermark, for persistence.
func (t *TombstoneTracker) Snapshot() map[types.EntityKey]int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[types.EntityKey]int64, len(t.marks))
	for k, v := range t.marks {
		out[k] = v
	}
	return out
}

func (t *TombstoneTracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.marks)
}

func (t *TombstoneTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.marks = make(map[types.EntityKey]int64)
}
