package relaycache

import (
	"sort"
	"sync"

	"github.com/eljojo/relaycache/types"
)

// IngestOutcome says what Ingest did with a record.
type IngestOutcome int

const (
	// IngestDuplicate: the event id was already known.
	IngestDuplicate IngestOutcome = iota
	// IngestStored: kept in history, an existing record stays active.
	IngestStored
	// IngestActivated: the record is now the entity's active revision.
	IngestActivated
	// IngestTombstoned: the record won resolution but sits at or below the
	// entity's tombstone, so the entity stays deleted.
	IngestTombstoned
)

func (o IngestOutcome) String() string {
	switch o {
	case IngestDuplicate:
		return "duplicate"
	case IngestStored:
		return "stored"
	case IngestActivated:
		return "activated"
	case IngestTombstoned:
		return "tombstoned"
	}
	return "unknown"
}

// Changed reports whether the outcome altered the active view.
func (o IngestOutcome) Changed() bool {
	return o == IngestActivated || o == IngestTombstoned
}

// LedgerListener is called after a record is ingested, outside the ledger lock.
type LedgerListener func(record *VideoRecord, outcome IngestOutcome)

type videoEntity struct {
	active  *VideoRecord
	history []*VideoRecord
}

// VideoLedger stores every video revision seen and resolves one active
// revision per entity key.
//
// The active record is the maximum over all records of the entity by
// (CreatedAt, smallest id), so the final state does not depend on the order
// records arrive in. An entity is hidden when its active record is flagged
// deleted or a tombstone covers it.
type VideoLedger struct {
	MaxRecords int // 0 = unbounded

	entities   map[types.EntityKey]*videoEntity
	byID       map[types.EventID]*VideoRecord
	reverted   map[types.EventID]bool
	tombstones *TombstoneTracker
	count      int
	version    int64 // increments on every mutation
	mu         sync.RWMutex

	listeners   []LedgerListener
	listenersMu sync.RWMutex

	log *ServiceLog
}

// NewVideoLedger creates a ledger. maxRecords caps the number of stored
// revisions; 0 disables the cap.
func NewVideoLedger(maxRecords int) *VideoLedger {
	return &VideoLedger{
		MaxRecords: maxRecords,
		entities:   make(map[types.EntityKey]*videoEntity),
		byID:       make(map[types.EventID]*VideoRecord),
		reverted:   make(map[types.EventID]bool),
		tombstones: NewTombstoneTracker(),
		log:        Log("ledger"),
	}
}

// AddListener registers a callback invoked after every ingest.
func (l *VideoLedger) AddListener(listener LedgerListener) {
	l.listenersMu.Lock()
	defer l.listenersMu.Unlock()
	l.listeners = append(l.listeners, listener)
}

func (l *VideoLedger) notifyListeners(record *VideoRecord, outcome IngestOutcome) {
	l.listenersMu.RLock()
	listeners := l.listeners
	l.listenersMu.RUnlock()

	for _, listener := range listeners {
		listener(record, outcome)
	}
}

// Tombstones exposes the ledger's tombstone tracker.
func (l *VideoLedger) Tombstones() *TombstoneTracker {
	return l.tombstones
}

// resolveCandidate is the resolution rule: returns the record that should be
// active for an entity given the current active record and a newcomer.
func resolveCandidate(candidate, current *VideoRecord) *VideoRecord {
	if current == nil || newerThan(candidate, current) {
		return candidate
	}
	return current
}

// Ingest stores a record and re-resolves its entity.
func (l *VideoLedger) Ingest(record *VideoRecord) IngestOutcome {
	if record == nil || record.ID == "" || record.EntityKey == "" {
		return IngestDuplicate
	}

	l.mu.Lock()
	if _, seen := l.byID[record.ID]; seen {
		l.mu.Unlock()
		return IngestDuplicate
	}

	if record.Deleted {
		l.tombstones.Record(record.EntityKey, record.CreatedAt)
	}

	entity := l.entities[record.EntityKey]
	if entity == nil {
		entity = &videoEntity{}
		l.entities[record.EntityKey] = entity
	}
	entity.history = append(entity.history, record)
	l.byID[record.ID] = record
	l.count++
	l.version++

	outcome := IngestStored
	if next := resolveCandidate(record, entity.active); next == record {
		entity.active = record
		outcome = IngestActivated
		if !record.Deleted && l.tombstones.IsTombstoned(record.EntityKey, record.CreatedAt) {
			outcome = IngestTombstoned
		}
	}

	if l.MaxRecords > 0 && l.count > l.MaxRecords {
		l.pruneLocked()
	}
	l.mu.Unlock()

	l.log.Debug("%s %s (%s) → %s", record.EntityKey, record.ID, record.Title, outcome)
	l.notifyListeners(record, outcome)
	return outcome
}

// RecordTombstone raises the watermark for an entity without a delete record,
// e.g. when restoring persisted state.
func (l *VideoLedger) RecordTombstone(key types.EntityKey, createdAt int64) bool {
	moved := l.tombstones.Record(key, createdAt)
	if moved {
		l.mu.Lock()
		l.version++
		l.mu.Unlock()
	}
	return moved
}

// pruneLocked drops the oldest superseded revisions until the ledger fits.
// Active records are never dropped. Caller holds l.mu.
func (l *VideoLedger) pruneLocked() {
	var candidates []*VideoRecord
	for _, entity := range l.entities {
		for _, r := range entity.history {
			if r != entity.active {
				candidates = append(candidates, r)
			}
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].CreatedAt != candidates[j].CreatedAt {
			return candidates[i].CreatedAt < candidates[j].CreatedAt
		}
		return candidates[i].ID > candidates[j].ID
	})

	excess := l.count - l.MaxRecords
	if excess > len(candidates) {
		excess = len(candidates)
	}
	drop := make(map[types.EventID]bool, excess)
	for _, r := range candidates[:excess] {
		drop[r.ID] = true
	}
	if len(drop) == 0 {
		return
	}

	for _, entity := range l.entities {
		kept := entity.history[:0]
		for _, r := range entity.history {
			if drop[r.ID] {
				continue
			}
			kept = append(kept, r)
		}
		entity.history = kept
	}
	for id := range drop {
		delete(l.byID, id)
		delete(l.reverted, id)
	}
	l.count -= len(drop)
	l.version++
	l.log.Info("pruned %d superseded revisions (cap %d)", len(drop), l.MaxRecords)
}

// isHiddenLocked reports whether an entity's active record must not be shown.
func (l *VideoLedger) isHiddenLocked(entity *videoEntity) bool {
	if entity == nil || entity.active == nil {
		return true
	}
	return entity.active.Deleted || l.tombstones.IsTombstoned(entity.active.EntityKey, entity.active.CreatedAt)
}

// Active returns the visible active revision for key.
func (l *VideoLedger) Active(key types.EntityKey) (*VideoRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	entity := l.entities[key]
	if l.isHiddenLocked(entity) {
		return nil, false
	}
	return entity.active, true
}

// IsDeleted reports whether the entity exists but resolves to deleted.
func (l *VideoLedger) IsDeleted(key types.EntityKey) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	entity := l.entities[key]
	if entity == nil || entity.active == nil {
		return l.tombstones.Watermark(key) > 0
	}
	return l.isHiddenLocked(entity)
}

// ActiveVideos returns every visible active revision, newest first.
func (l *VideoLedger) ActiveVideos() []*VideoRecord {
	l.mu.RLock()
	out := make([]*VideoRecord, 0, len(l.entities))
	for _, entity := range l.entities {
		if !l.isHiddenLocked(entity) {
			out = append(out, entity.active)
		}
	}
	l.mu.RUnlock()

	sortNewestFirst(out)
	return out
}

// Get returns any stored revision by id, deleted or not.
func (l *VideoLedger) Get(id types.EventID) (*VideoRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.byID[id]
	return r, ok
}

// History returns every stored revision of an entity, newest first.
func (l *VideoLedger) History(key types.EntityKey) []*VideoRecord {
	l.mu.RLock()
	entity := l.entities[key]
	var out []*VideoRecord
	if entity != nil {
		out = append(out, entity.history...)
	}
	l.mu.RUnlock()

	sortNewestFirst(out)
	return out
}

// Related returns revisions that belong to the same video as target: same
// root, same author and d tag, or revisions whose root is target's legacy id.
func (l *VideoLedger) Related(target *VideoRecord) []*VideoRecord {
	root := target.RootID()

	l.mu.RLock()
	var out []*VideoRecord
	for _, entity := range l.entities {
		for _, r := range entity.history {
			switch {
			case r.RootID() == root:
			case target.DTag != "" && r.DTag == target.DTag && r.Pubkey == target.Pubkey:
			case r.ID.String() == root:
			default:
				continue
			}
			out = append(out, r)
		}
	}
	l.mu.RUnlock()

	sortNewestFirst(out)
	return out
}

// MarkReverted flags revisions as superseded by a revert. History display only.
func (l *VideoLedger) MarkReverted(ids []types.EventID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range ids {
		if _, ok := l.byID[id]; ok {
			l.reverted[id] = true
		}
	}
	l.version++
}

func (l *VideoLedger) IsReverted(id types.EventID) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.reverted[id]
}

// Records returns every stored revision, for persistence.
func (l *VideoLedger) Records() []*VideoRecord {
	l.mu.RLock()
	out := make([]*VideoRecord, 0, l.count)
	for _, r := range l.byID {
		out = append(out, r)
	}
	l.mu.RUnlock()

	sortNewestFirst(out)
	return out
}

// Len returns the number of stored revisions.
func (l *VideoLedger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.count
}

// Version changes whenever the ledger is mutated; projections compare it to
// decide whether to rebuild.
func (l *VideoLedger) Version() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.version
}

// Reset clears every record and tombstone.
func (l *VideoLedger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entities = make(map[types.EntityKey]*videoEntity)
	l.byID = make(map[types.EventID]*VideoRecord)
	l.reverted = make(map[types.EventID]bool)
	l.tombstones.Reset()
	l.count = 0
	l.version++
}
