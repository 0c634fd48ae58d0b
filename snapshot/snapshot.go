// Package snapshot persists the local state that must survive a restart:
// one summary row per DM conversation, and the video cache.
package snapshot

import (
	"context"
	"errors"
	"sort"
	"strings"
	"unicode"

	"github.com/eljojo/relaycache/types"
	"github.com/nbd-wtf/go-nostr"
)

// PreviewMaxRunes caps stored message previews.
const PreviewMaxRunes = 160

const (
	dmKeyPrefix    = "dmSnapshot:"
	videoCacheKey  = "videoCache:v1"
	storageVersion = 1
)

// ErrInvalidActor is returned when the actor is neither 64-hex nor an npub.
var ErrInvalidActor = errors.New("invalid pubkey for dm snapshot storage")

// ConversationSummary is the persisted row for one conversation: the latest
// message only.
type ConversationSummary struct {
	RemotePubkey    string `json:"remotePubkey"`
	LatestTimestamp int64  `json:"latestTimestamp"`
	Preview         string `json:"preview"`
}

// Gateway loads and stores DM snapshots per actor.
type Gateway interface {
	Load(ctx context.Context, actor string) ([]ConversationSummary, error)
	Save(ctx context.Context, actor string, summaries []ConversationSummary) error
	Clear(ctx context.Context, actor string) error
}

// VideoState is the persisted video cache: raw events plus tombstone
// watermarks, re-normalized on restore.
type VideoState struct {
	Version    int              `json:"version"`
	Events     []*nostr.Event   `json:"events"`
	Tombstones map[string]int64 `json:"tombstones"`
	SavedAt    int64            `json:"savedAt"`
}

// VideoStore loads and stores the video cache.
type VideoStore interface {
	LoadVideos(ctx context.Context) (*VideoState, error)
	SaveVideos(ctx context.Context, state *VideoState) error
}

// StorageKey returns the key a DM snapshot for actor is stored under.
func StorageKey(actor string) (string, error) {
	normalized := types.NormalizePubkey(actor)
	if normalized == "" {
		return "", ErrInvalidActor
	}
	return dmKeyPrefix + normalized.String(), nil
}

// TruncatePreview collapses whitespace runs to single spaces and caps the
// result at PreviewMaxRunes, appending an ellipsis when cut.
func TruncatePreview(raw string) string {
	preview := strings.Join(strings.FieldsFunc(raw, unicode.IsSpace), " ")
	runes := []rune(preview)
	if len(runes) <= PreviewMaxRunes {
		return preview
	}
	return strings.TrimRightFunc(string(runes[:PreviewMaxRunes]), unicode.IsSpace) + "…"
}

// NormalizeSummaries cleans a list read from storage or about to be written:
// rows without a valid remote are dropped, a remote seen twice keeps its
// newest row, and the result is sorted newest first.
func NormalizeSummaries(raw []ConversationSummary) []ConversationSummary {
	index := make(map[string]int)
	out := make([]ConversationSummary, 0, len(raw))

	for _, entry := range raw {
		remote := types.NormalizePubkey(entry.RemotePubkey)
		if remote == "" {
			continue
		}
		ts := entry.LatestTimestamp
		if ts < 0 {
			ts = 0
		}
		row := ConversationSummary{
			RemotePubkey:    remote.String(),
			LatestTimestamp: ts,
			Preview:         TruncatePreview(entry.Preview),
		}

		if i, ok := index[row.RemotePubkey]; ok {
			if row.LatestTimestamp > out[i].LatestTimestamp {
				out[i] = row
			}
			continue
		}
		index[row.RemotePubkey] = len(out)
		out = append(out, row)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LatestTimestamp > out[j].LatestTimestamp
	})
	return out
}
