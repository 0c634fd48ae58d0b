package relaycache

import (
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// DefaultFlushDebounce is how long live events are batched before ingest.
const DefaultFlushDebounce = time.Second

// FlushStats summarizes one buffer flush.
type FlushStats struct {
	Processed int
	Invalid   int
	Changed   []*VideoRecord // records that altered the active view
}

// ingestFunc normalizes and stores one event.
type ingestFunc func(ev *nostr.Event) (NormalizeResult, IngestOutcome)

// VideoEventBuffer batches live subscription events so a burst of relay
// traffic produces one update instead of hundreds. EOSE flushes immediately.
type VideoEventBuffer struct {
	debounce time.Duration
	ingest   ingestFunc
	onFlush  func(stats FlushStats)

	pending []*nostr.Event
	timer   *time.Timer
	stopped bool
	invalid int
	mu      sync.Mutex

	flushMu sync.Mutex // serializes flushes
}

func NewVideoEventBuffer(debounce time.Duration, ingest ingestFunc, onFlush func(FlushStats)) *VideoEventBuffer {
	if debounce <= 0 {
		debounce = DefaultFlushDebounce
	}
	return &VideoEventBuffer{
		debounce: debounce,
		ingest:   ingest,
		onFlush:  onFlush,
	}
}

// Push queues an event and arms the debounce timer.
func (b *VideoEventBuffer) Push(ev *nostr.Event) {
	if ev == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	b.pending = append(b.pending, ev)
	if b.timer == nil {
		b.timer = time.AfterFunc(b.debounce, b.Flush)
	}
}

// Pending returns the number of queued events.
func (b *VideoEventBuffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// InvalidCount returns how many events were rejected across all flushes.
func (b *VideoEventBuffer) InvalidCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.invalid
}

// Flush ingests everything queued so far.
func (b *VideoEventBuffer) Flush() {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	stats := FlushStats{Processed: len(batch)}
	for _, ev := range batch {
		res, outcome := b.ingest(ev)
		if res.IsInvalid() {
			stats.Invalid++
			continue
		}
		if res.Video != nil && outcome.Changed() {
			stats.Changed = append(stats.Changed, res.Video)
		}
	}

	b.mu.Lock()
	b.invalid += stats.Invalid
	b.mu.Unlock()

	if stats.Invalid > 0 {
		Log("buffer").Debug("flushed %d events, %d invalid", stats.Processed, stats.Invalid)
	}
	if b.onFlush != nil {
		b.onFlush(stats)
	}
}

// Stop flushes what is queued and ignores further pushes.
func (b *VideoEventBuffer) Stop() {
	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()
	b.Flush()
}

// Restart re-enables a stopped buffer.
func (b *VideoEventBuffer) Restart() {
	b.mu.Lock()
	b.stopped = false
	b.mu.Unlock()
}
