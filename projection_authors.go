package relaycache

import (
	"sync"

	"github.com/eljojo/relaycache/types"
)

// AuthorIndex is a read model over the ledger: visible active videos grouped
// by author, newest first.
//
// It is a disposable cache. It remembers the ledger version it was built
// from and rebuilds in full on the next read after any ledger mutation.
type AuthorIndex struct {
	ledger      *VideoLedger
	byAuthor    map[types.Pubkey][]*VideoRecord
	lastVersion int64 // -1 = never built
	dirty       bool
	rebuilds    int
	mu          sync.Mutex
}

func NewAuthorIndex(ledger *VideoLedger) *AuthorIndex {
	return &AuthorIndex{
		ledger:      ledger,
		byAuthor:    make(map[types.Pubkey][]*VideoRecord),
		lastVersion: -1,
		dirty:       true,
	}
}

// MarkDirty forces a rebuild on the next read.
func (a *AuthorIndex) MarkDirty() {
	a.mu.Lock()
	a.dirty = true
	a.mu.Unlock()
}

// Reset drops the index contents.
func (a *AuthorIndex) Reset() {
	a.mu.Lock()
	a.byAuthor = make(map[types.Pubkey][]*VideoRecord)
	a.lastVersion = -1
	a.dirty = true
	a.mu.Unlock()
}

// Ensure returns the index, rebuilding it first when the ledger changed.
// Callers must not modify the returned slices.
func (a *AuthorIndex) Ensure() map[types.Pubkey][]*VideoRecord {
	a.mu.Lock()
	defer a.mu.Unlock()

	version := a.ledger.Version()
	if !a.dirty && version == a.lastVersion {
		return a.byAuthor
	}

	byAuthor := make(map[types.Pubkey][]*VideoRecord)
	// ActiveVideos is already newest first, so per-author slices are too.
	for _, video := range a.ledger.ActiveVideos() {
		byAuthor[video.Pubkey] = append(byAuthor[video.Pubkey], video)
	}
	a.byAuthor = byAuthor
	a.lastVersion = version
	a.dirty = false
	a.rebuilds++
	return a.byAuthor
}

// Rebuilds returns how many times the index has been rebuilt.
func (a *AuthorIndex) Rebuilds() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rebuilds
}

// AuthorQueryOptions narrows GetActiveVideosByAuthors.
type AuthorQueryOptions struct {
	Limit  int // 0 = no limit
	Filter FilterOptions
}

// perAuthorCap bounds how many videos each author contributes before the
// global sort, leaving room for ones the filter drops.
func perAuthorCap(limit int) int {
	if limit <= 0 {
		return 0
	}
	if limit*2 > limit+5 {
		return limit * 2
	}
	return limit + 5
}

// Query collects the active videos of authors, filters them and returns the
// newest first.
func (a *AuthorIndex) Query(authors []types.Pubkey, opts AuthorQueryOptions, pipeline *FilterPipeline) []*VideoRecord {
	index := a.Ensure()
	capPer := perAuthorCap(opts.Limit)

	seen := make(map[types.EventID]bool)
	var out []*VideoRecord
	for _, raw := range authors {
		author := types.NormalizeLoose(raw.String())
		videos := index[author]
		if capPer > 0 && len(videos) > capPer {
			videos = videos[:capPer]
		}
		for _, video := range videos {
			if seen[video.ID] {
				continue
			}
			seen[video.ID] = true
			if pipeline != nil && !pipeline.ShouldInclude(video, opts.Filter) {
				continue
			}
			out = append(out, video)
		}
	}

	sortNewestFirst(out)
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out
}
