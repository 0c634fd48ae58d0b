package relaycache

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/eljojo/relaycache/types"
	"github.com/nbd-wtf/go-nostr"
)

const (
	KindComment       = 1111
	KindLegacyComment = 1
)

const InvalidMissingTarget = "missing comment target"

// CommentRecord is a normalized comment on a video.
type CommentRecord struct {
	ID         types.EventID
	Pubkey     types.Pubkey
	CreatedAt  int64
	Kind       int
	Content    string
	VideoID    types.EventID // E (or e on legacy comments)
	Address    string        // A/a, "30078:<pubkey>:<d>"
	Identifier string        // I
	ParentID   types.EventID // reply target when it is not the video itself
}

// ThreadKey is the key comments are grouped by: the address when present,
// otherwise the video event id.
func (c *CommentRecord) ThreadKey() string {
	if c.Address != "" {
		return c.Address
	}
	if c.VideoID != "" {
		return c.VideoID.String()
	}
	return c.Identifier
}

func normalizeComment(ev *nostr.Event, id types.EventID, pubkey types.Pubkey) NormalizeResult {
	c := &CommentRecord{
		ID:        id,
		Pubkey:    pubkey,
		CreatedAt: int64(ev.CreatedAt),
		Kind:      ev.Kind,
		Content:   ev.Content,
	}

	var lowerE []string
	for _, tag := range ev.Tags {
		if len(tag) < 2 || tag[1] == "" {
			continue
		}
		switch tag[0] {
		case "E":
			if c.VideoID == "" {
				c.VideoID = types.EventID(strings.ToLower(tag[1]))
			}
		case "e":
			lowerE = append(lowerE, strings.ToLower(tag[1]))
		case "A", "a":
			if c.Address == "" {
				c.Address = tag[1]
			}
		case "I":
			if c.Identifier == "" {
				c.Identifier = tag[1]
			}
		}
	}

	// Legacy kind 1 comments only carry lowercase e tags: the first is the
	// video, the last is the reply target.
	if c.VideoID == "" && ev.Kind == KindLegacyComment && len(lowerE) > 0 {
		c.VideoID = types.EventID(lowerE[0])
	}
	if len(lowerE) > 0 {
		parent := types.EventID(lowerE[len(lowerE)-1])
		if parent != c.VideoID {
			c.ParentID = parent
		}
	}

	if c.VideoID == "" && c.Address == "" && c.Identifier == "" {
		return invalid(id, InvalidMissingTarget)
	}
	return NormalizeResult{EventID: id, Comment: c}
}

// VideoAddress is the addressable coordinate of a video, or "" when the
// record has no d tag.
func VideoAddress(video *VideoRecord) string {
	if video.DTag == "" {
		return ""
	}
	return fmt.Sprintf("%d:%s:%s", KindVideo, video.Pubkey, video.DTag)
}

// CommentFilters returns the relay filters matching comments on video,
// covering both the addressable and the legacy comment formats.
func CommentFilters(video *VideoRecord, limit int) []nostr.Filter {
	filters := []nostr.Filter{
		{Kinds: []int{KindComment}, Tags: nostr.TagMap{"E": {video.ID.String()}}, Limit: limit},
		{Kinds: []int{KindLegacyComment}, Tags: nostr.TagMap{"e": {video.ID.String()}}, Limit: limit},
	}
	if addr := VideoAddress(video); addr != "" {
		filters = append(filters, nostr.Filter{Kinds: []int{KindComment}, Tags: nostr.TagMap{"A": {addr}}, Limit: limit})
	}
	return filters
}

// CommentCache keeps comment threads per video, deduplicated by id.
type CommentCache struct {
	threads map[string][]*CommentRecord
	seen    map[types.EventID]bool
	mu      sync.RWMutex
}

func NewCommentCache() *CommentCache {
	return &CommentCache{
		threads: make(map[string][]*CommentRecord),
		seen:    make(map[types.EventID]bool),
	}
}

// Add stores a comment. Returns false for duplicates.
func (c *CommentCache) Add(comment *CommentRecord) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if comment == nil || c.seen[comment.ID] {
		return false
	}
	c.seen[comment.ID] = true
	key := comment.ThreadKey()
	c.threads[key] = append(c.threads[key], comment)
	return true
}

// Thread returns the comments for a video, oldest first. Comments filed under
// either the video's address or its event id are merged.
func (c *CommentCache) Thread(video *VideoRecord) []*CommentRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []*CommentRecord
	out = append(out, c.threads[video.ID.String()]...)
	if addr := VideoAddress(video); addr != "" {
		out = append(out, c.threads[addr]...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (c *CommentCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.threads = make(map[string][]*CommentRecord)
	c.seen = make(map[types.EventID]bool)
}
