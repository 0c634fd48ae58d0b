package relaycache

import (
	"sort"

	"github.com/eljojo/relaycache/types"
	"github.com/nbd-wtf/go-nostr"
)

const (
	// KindVideo is the addressable kind carrying video notes.
	KindVideo = 30078
	// VideoTopic is the `t` tag value marking an event as a video note.
	VideoTopic = "video"
	// MinVideoVersion is the oldest content schema still accepted.
	MinVideoVersion = 2
)

// VideoRecord is one normalized revision of a video note.
//
// Records are immutable once built; a newer revision for the same entity key
// replaces the active pointer, it never edits the old record.
type VideoRecord struct {
	ID        types.EventID
	Pubkey    types.Pubkey
	CreatedAt int64
	Kind      int
	Tags      nostr.Tags
	Content   string // raw JSON, replayed verbatim on revert

	EntityKey   types.EntityKey
	VideoRootID string
	DTag        string
	Version     int
	Deleted     bool

	Title          string
	URL            string
	Magnet         string
	InfoHash       string
	Thumbnail      string
	Description    string
	Mode           string
	WS             string
	XS             string
	IsPrivate      bool
	IsNSFW         bool
	IsForKids      bool
	EnableComments bool
}

// RootID returns the id shared by every revision of this video.
// Notes that never named a root are their own root.
func (r *VideoRecord) RootID() string {
	if r.VideoRootID != "" {
		return r.VideoRootID
	}
	return r.ID.String()
}

// EntityKeyFor derives the logical identity of a revision:
// ROOT:<root> when the content names a root, <pubkey>:<d> when a d tag is
// present, LEGACY:<id> otherwise.
func EntityKeyFor(videoRootID string, pubkey types.Pubkey, dTag string, id types.EventID) types.EntityKey {
	if videoRootID != "" {
		return types.EntityKey("ROOT:" + videoRootID)
	}
	if dTag != "" {
		return types.EntityKey(pubkey.String() + ":" + dTag)
	}
	return types.EntityKey("LEGACY:" + id.String())
}

// firstTagValue returns the value of the first tag with the given name.
func firstTagValue(tags nostr.Tags, name string) string {
	for _, tag := range tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}
	return ""
}

// newerThan reports whether a should be active over b.
// Equal timestamps resolve to the lexicographically smaller event id so the
// outcome does not depend on arrival order.
func newerThan(a, b *VideoRecord) bool {
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt > b.CreatedAt
	}
	return a.ID < b.ID
}

// sortNewestFirst orders records by CreatedAt descending, id ascending on ties.
func sortNewestFirst(records []*VideoRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		return newerThan(records[i], records[j])
	})
}
