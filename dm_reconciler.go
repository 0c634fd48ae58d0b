package relaycache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/eljojo/relaycache/snapshot"
	"github.com/eljojo/relaycache/types"
	"github.com/eljojo/relaycache/utilities"
)

// HydrateState tracks where the in-memory DM list came from.
type HydrateState int

const (
	HydrateEmpty     HydrateState = iota // nothing loaded
	HydrateHydrating                     // a snapshot load is in flight
	HydrateHydrated                      // list comes from the snapshot
	HydrateReplaced                      // live messages have arrived
)

func (s HydrateState) String() string {
	switch s {
	case HydrateEmpty:
		return "empty"
	case HydrateHydrating:
		return "hydrating"
	case HydrateHydrated:
		return "hydrated"
	case HydrateReplaced:
		return "replaced"
	}
	return "unknown"
}

// ErrNoActor is returned by operations that need an actor before SetActor.
var ErrNoActor = errors.New("no dm actor set")

// DirectMessageReconciler keeps the actor's DM list: live messages merged
// with the persisted per-conversation snapshot.
//
// All mutations hold mu; persistence runs as background tasks in submission
// order so a newer snapshot is never overwritten by an older one.
type DirectMessageReconciler struct {
	gateway snapshot.Gateway
	emitter *Emitter
	persist *utilities.Tracker
	now     func() time.Time

	actor      types.Pubkey
	generation int64 // bumps on actor switch, clear and reset; stale loads compare it
	messages   []*DirectMessageRecord
	byID       map[types.EventID]*DirectMessageRecord
	state      HydrateState
	mu         sync.Mutex

	log *ServiceLog
}

// NewDirectMessageReconciler creates a reconciler. gateway and emitter may
// be nil.
func NewDirectMessageReconciler(gateway snapshot.Gateway, emitter *Emitter) *DirectMessageReconciler {
	if emitter == nil {
		emitter = NewEmitter()
	}
	return &DirectMessageReconciler{
		gateway: gateway,
		emitter: emitter,
		persist: utilities.NewTracker(30 * time.Second),
		now:     time.Now,
		byID:    make(map[types.EventID]*DirectMessageRecord),
		log:     Log("dm"),
	}
}

func (r *DirectMessageReconciler) Emitter() *Emitter { return r.emitter }

// Actor returns the current actor.
func (r *DirectMessageReconciler) Actor() types.Pubkey {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.actor
}

// State returns the hydrate state.
func (r *DirectMessageReconciler) State() HydrateState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Messages returns a copy of the list, newest first.
func (r *DirectMessageReconciler) Messages() []DirectMessageRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]DirectMessageRecord, len(r.messages))
	for i, m := range r.messages {
		out[i] = *m
	}
	return out
}

// Summaries returns the one-row-per-conversation projection that gets
// persisted.
func (r *DirectMessageReconciler) Summaries() []snapshot.ConversationSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return summarize(r.messages)
}

// clearLocked drops the in-memory list. Caller holds mu.
func (r *DirectMessageReconciler) clearLocked() {
	r.messages = nil
	r.byID = make(map[types.EventID]*DirectMessageRecord)
	r.state = HydrateEmpty
}

// SetActor switches identity. A different actor discards the in-memory list
// and force-hydrates from the gateway; the same actor is a no-op.
func (r *DirectMessageReconciler) SetActor(ctx context.Context, actor string) (*utilities.Task, error) {
	normalized := types.NormalizePubkey(actor)
	if normalized == "" {
		return nil, snapshot.ErrInvalidActor
	}

	r.mu.Lock()
	if normalized == r.actor {
		r.mu.Unlock()
		return utilities.Completed("dm-set-actor", nil), nil
	}
	previous := r.actor
	r.actor = normalized
	r.generation++
	r.clearLocked()
	r.mu.Unlock()

	if previous != "" {
		r.log.Info("actor switched %s → %s", previous.Short(), normalized.Short())
		r.emitter.Emit(Notification{Name: EventDMCleared, Reason: "actor-switch"})
	}
	return r.Hydrate(ctx, true), nil
}

// Hydrate loads the actor's snapshot in the background. The loaded rows
// replace the list only when forced, when the list is empty, or when it came
// entirely from an earlier hydration. Live rows always survive.
func (r *DirectMessageReconciler) Hydrate(ctx context.Context, force bool) *utilities.Task {
	r.mu.Lock()
	actor := r.actor
	generation := r.generation
	if actor == "" {
		r.mu.Unlock()
		return utilities.Completed("dm-hydrate", ErrNoActor)
	}
	if r.gateway == nil {
		r.mu.Unlock()
		return utilities.Completed("dm-hydrate", nil)
	}
	prevState := r.state
	if r.state == HydrateEmpty {
		r.state = HydrateHydrating
	}
	defer r.mu.Unlock()

	return r.persist.Go("dm-hydrate", func(taskCtx context.Context) error {
		loadCtx, cancel := mergeDone(ctx, taskCtx)
		rows, err := r.gateway.Load(loadCtx, actor.String())
		cancel()

		r.mu.Lock()
		if generation != r.generation {
			r.mu.Unlock()
			r.log.Debug("discarding stale hydration for %s", actor.Short())
			return nil
		}
		if err != nil {
			if r.state == HydrateHydrating {
				r.state = prevState
			}
			r.mu.Unlock()
			r.log.Warn("loading snapshot for %s: %v", actor.Short(), err)
			return err
		}

		if !force && r.hasLiveLocked() {
			r.mu.Unlock()
			r.log.Debug("live messages present, keeping them over snapshot")
			return nil
		}
		r.applySnapshotLocked(rows)
		count := len(r.messages)
		r.mu.Unlock()

		r.log.Info("hydrated %d conversations for %s", len(rows), actor.Short())
		r.emitter.Emit(Notification{Name: EventDMHydrated, Payload: count})
		return nil
	})
}

func (r *DirectMessageReconciler) hasLiveLocked() bool {
	for _, m := range r.messages {
		if !m.FromSnapshot {
			return true
		}
	}
	return false
}

// applySnapshotLocked replaces snapshot rows with rows, keeping live
// messages and skipping snapshot rows for conversations that have them.
func (r *DirectMessageReconciler) applySnapshotLocked(rows []snapshot.ConversationSummary) {
	live := make(map[types.ConversationID]bool)
	var kept []*DirectMessageRecord
	byID := make(map[types.EventID]*DirectMessageRecord)
	for _, m := range r.messages {
		if m.FromSnapshot {
			continue
		}
		live[m.ConversationID] = true
		kept = append(kept, m)
		byID[m.EventID] = m
	}

	for _, row := range rows {
		remote := types.Pubkey(row.RemotePubkey)
		conversation := ConversationIDFor(r.actor, remote)
		if live[conversation] {
			continue
		}
		record := &DirectMessageRecord{
			EventID:        types.EventID("snapshot:" + row.RemotePubkey),
			ConversationID: conversation,
			RemotePubkey:   remote,
			Timestamp:      row.LatestTimestamp,
			Preview:        row.Preview,
			Direction:      DirectionUnknown,
			FromSnapshot:   true,
		}
		kept = append(kept, record)
		byID[record.EventID] = record
	}

	sortMessages(kept)
	r.messages = kept
	r.byID = byID
	if len(live) > 0 {
		r.state = HydrateReplaced
	} else {
		r.state = HydrateHydrated
	}
}

// ApplyMessage merges one decrypted message. It is idempotent per event id
// and returns nil when the message was ignored; otherwise the returned task
// tracks the snapshot write.
func (r *DirectMessageReconciler) ApplyMessage(raw *RawDirectMessage) *utilities.Task {
	if raw == nil || !raw.OK {
		return nil
	}
	id := raw.eventID()
	if id == "" {
		return nil
	}

	r.mu.Lock()
	if r.actor == "" {
		r.mu.Unlock()
		r.log.Debug("ignoring %s: no actor", id)
		return nil
	}
	remote, strategy := ResolveRemote(raw, r.actor)
	if remote == "" {
		r.mu.Unlock()
		r.log.Debug("ignoring %s: no remote party", id)
		return nil
	}

	ts, ok := raw.timestamp()
	record := &DirectMessageRecord{
		EventID:                id,
		ConversationID:         ConversationIDFor(r.actor, remote),
		RemotePubkey:           remote,
		Timestamp:              ts,
		Preview:                raw.preview(),
		Direction:              ParseDirection(raw.Direction),
		LowConfidenceTimestamp: !ok,
	}
	if existing, seen := r.byID[id]; seen {
		if !ok {
			// a wall-clock fallback never replaces a stored timestamp
			record.Timestamp = existing.Timestamp
			record.LowConfidenceTimestamp = existing.LowConfidenceTimestamp
		}
		if sameMessage(existing, record) {
			r.mu.Unlock()
			return nil
		}
	} else if !ok {
		record.Timestamp = r.now().Unix()
	}

	// Live data for a conversation replaces its snapshot placeholder.
	kept := r.messages[:0:0]
	for _, m := range r.messages {
		if m.EventID == id {
			continue
		}
		if m.FromSnapshot && m.ConversationID == record.ConversationID {
			delete(r.byID, m.EventID)
			continue
		}
		kept = append(kept, m)
	}
	kept = append(kept, record)
	sortMessages(kept)
	r.messages = kept
	r.byID[id] = record
	r.state = HydrateReplaced

	summaries := summarize(r.messages)
	task := r.saveLocked(summaries)
	r.mu.Unlock()

	r.log.Debug("applied %s in %s (remote via %s)", id, record.ConversationID, strategy)
	r.emitter.Emit(Notification{Name: EventDMMessage, Payload: *record})
	r.emitter.Emit(Notification{Name: EventDMUpdated, Payload: len(summaries)})
	return task
}

func sameMessage(a, b *DirectMessageRecord) bool {
	return a.ConversationID == b.ConversationID &&
		a.RemotePubkey == b.RemotePubkey &&
		a.Timestamp == b.Timestamp &&
		a.Preview == b.Preview &&
		a.Direction == b.Direction &&
		a.LowConfidenceTimestamp == b.LowConfidenceTimestamp &&
		!a.FromSnapshot
}

// saveLocked queues a snapshot write. Caller holds mu so writes are queued
// in the same order as the mutations they capture.
func (r *DirectMessageReconciler) saveLocked(summaries []snapshot.ConversationSummary) *utilities.Task {
	if r.gateway == nil {
		return utilities.Completed("dm-save", nil)
	}
	actor := r.actor
	return r.persist.Go("dm-save", func(ctx context.Context) error {
		if err := r.gateway.Save(ctx, actor.String(), summaries); err != nil {
			r.log.Warn("saving snapshot for %s: %v", actor.Short(), err)
			return err
		}
		return nil
	})
}

// ClearConversations wipes the actor's list and its persisted snapshot.
func (r *DirectMessageReconciler) ClearConversations(ctx context.Context) *utilities.Task {
	r.mu.Lock()
	actor := r.actor
	r.generation++
	r.clearLocked()
	task := utilities.Completed("dm-clear", nil)
	if actor != "" && r.gateway != nil {
		task = r.persist.Go("dm-clear", func(taskCtx context.Context) error {
			clearCtx, cancel := mergeDone(ctx, taskCtx)
			defer cancel()
			if err := r.gateway.Clear(clearCtx, actor.String()); err != nil {
				r.log.Warn("clearing snapshot for %s: %v", actor.Short(), err)
				return err
			}
			return nil
		})
	}
	r.mu.Unlock()

	r.emitter.Emit(Notification{Name: EventDMCleared, Reason: "user"})
	return task
}

// Reset forgets the actor and the list without touching storage.
func (r *DirectMessageReconciler) Reset() {
	r.mu.Lock()
	r.actor = ""
	r.generation++
	r.clearLocked()
	r.mu.Unlock()
}

// WaitPersisted blocks until every scheduled load and save has finished.
func (r *DirectMessageReconciler) WaitPersisted(ctx context.Context) error {
	return r.persist.WaitAll(ctx)
}

// mergeDone returns a context cancelled when either parent is done.
func mergeDone(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(b)
	stop := context.AfterFunc(a, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
