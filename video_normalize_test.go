package relaycache

import (
	"testing"

	"github.com/eljojo/relaycache/types"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testInfoHash = "0123456789abcdef0123456789abcdef01234567"

func TestNormalizeRejectsMalformedEvents(t *testing.T) {
	tests := []struct {
		name   string
		event  *nostr.Event
		reason string
	}{
		{"nil", nil, InvalidMissingID},
		{"no id", videoEvent("", alice, 1, videoContent("x")), InvalidMissingID},
		{"no pubkey", videoEvent("e1", "", 1, videoContent("x")), InvalidMissingPubkey},
		{"wrong kind", &nostr.Event{ID: "e1", PubKey: alice.String(), Kind: 7}, InvalidUnsupportedKind},
		{"no video tag", &nostr.Event{ID: "e1", PubKey: alice.String(), Kind: KindVideo, Content: `{"title":"x","url":"https://x"}`}, InvalidNotVideo},
		{"no source", videoEvent("e1", alice, 1, map[string]any{"title": "x"}), InvalidMissingSource},
		{"bad magnet only", videoEvent("e1", alice, 1, map[string]any{"title": "x", "magnet": "http://not-a-magnet"}), InvalidMissingSource},
		{"no title", videoEvent("e1", alice, 1, map[string]any{"url": "https://x"}), InvalidMissingTitle},
		{"old version", videoEvent("e1", alice, 1, map[string]any{"title": "x", "url": "https://x", "version": 1}), "unsupported version 1"},
		{"garbage version", videoEvent("e1", alice, 1, map[string]any{"title": "x", "url": "https://x", "version": "two"}), "unsupported version 1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := NormalizeEvent(tt.event)
			assert.True(t, res.IsInvalid())
			assert.Equal(t, tt.reason, res.Invalid)
			assert.Nil(t, res.Video)
		})
	}
}

func TestNormalizeUnparseableContentHasNoSource(t *testing.T) {
	ev := &nostr.Event{
		ID:      "e1",
		PubKey:  alice.String(),
		Kind:    KindVideo,
		Tags:    nostr.Tags{{"t", VideoTopic}},
		Content: "{not json",
	}
	assert.Equal(t, InvalidMissingSource, NormalizeEvent(ev).Invalid)

	ev.Content = `{"url": "https://x", "title": ""`
	assert.Equal(t, InvalidMissingSource, NormalizeEvent(ev).Invalid, "truncated json carries nothing")

	ev.Content = `["https://x"]`
	ev.Tags = append(ev.Tags, nostr.Tag{"title", "from tag"})
	assert.Equal(t, InvalidMissingSource, NormalizeEvent(ev).Invalid)
}

func TestNormalizeVideoFields(t *testing.T) {
	magnet := "magnet:?xt=urn:btih:" + testInfoHash + "&ws=https%3A%2F%2Fseed.example%2Fv.mp4&xs=https%3A%2F%2Fx.example%2Fv.torrent"
	ev := videoEvent("E1", alice, 1234, map[string]any{
		"version":     3,
		"title":       "  Hello  ",
		"magnet":      magnet,
		"thumbnail":   "https://img.example/t.jpg",
		"description": "desc",
		"isNsfw":      true,
		"isForKids":   true,
		"isPrivate":   "true",
		"videoRootId": "root-1",
	}, nostr.Tag{"d", "root-1"})

	res := NormalizeEvent(ev)
	require.False(t, res.IsInvalid(), res.Invalid)
	v := res.Video

	assert.Equal(t, types.EventID("e1"), v.ID, "ids are lowercased")
	assert.Equal(t, "Hello", v.Title)
	assert.Equal(t, magnet, v.Magnet)
	assert.Equal(t, testInfoHash, v.InfoHash, "info hash comes from the magnet")
	assert.Equal(t, "https://seed.example/v.mp4", v.WS)
	assert.Equal(t, "https://x.example/v.torrent", v.XS)
	assert.True(t, v.IsNSFW)
	assert.False(t, v.IsForKids, "nsfw videos are never for kids")
	assert.False(t, v.IsPrivate, "only a literal true counts")
	assert.Equal(t, "live", v.Mode)
	assert.True(t, v.EnableComments)
	assert.Equal(t, 3, v.Version)
	assert.Equal(t, types.EntityKey("ROOT:root-1"), v.EntityKey)
	assert.Equal(t, int64(1234), v.CreatedAt)
}

func TestNormalizeDefaults(t *testing.T) {
	ev := videoEvent("e1", alice, 1, map[string]any{
		"url":            "https://x",
		"enableComments": false,
		"mode":           "dev",
	}, nostr.Tag{"title", "tag title"})

	v := NormalizeEvent(ev).Video
	require.NotNil(t, v)
	assert.Equal(t, "tag title", v.Title)
	assert.Equal(t, MinVideoVersion, v.Version, "missing version means current schema")
	assert.False(t, v.EnableComments)
	assert.Equal(t, "dev", v.Mode)
	assert.Empty(t, v.InfoHash)
	assert.Equal(t, types.EntityKey("LEGACY:e1"), v.EntityKey)
}

func TestNormalizeDeletionMarkerNeedsNoSource(t *testing.T) {
	v := NormalizeEvent(deletedVideo("e9", alice, 10, "root-1")).Video
	require.NotNil(t, v)
	assert.True(t, v.Deleted)
	assert.Empty(t, v.URL)
}

func TestNormalizeComments(t *testing.T) {
	video := mustVideo(t, rootedVideo("vid", alice, 10, "root-1", "v"))

	modern := &nostr.Event{
		ID: "c1", PubKey: bob.String(), CreatedAt: 20, Kind: KindComment, Content: "nice",
		Tags: nostr.Tags{{"E", "VID"}, {"A", VideoAddress(video)}, {"e", "c0"}},
	}
	res := NormalizeEvent(modern)
	require.NotNil(t, res.Comment)
	assert.Equal(t, types.EventID("vid"), res.Comment.VideoID)
	assert.Equal(t, types.EventID("c0"), res.Comment.ParentID)
	assert.Equal(t, VideoAddress(video), res.Comment.ThreadKey())

	legacy := &nostr.Event{
		ID: "c2", PubKey: carol.String(), CreatedAt: 15, Kind: KindLegacyComment, Content: "first",
		Tags: nostr.Tags{{"e", "vid"}},
	}
	res = NormalizeEvent(legacy)
	require.NotNil(t, res.Comment)
	assert.Equal(t, types.EventID("vid"), res.Comment.VideoID)
	assert.Empty(t, res.Comment.ParentID)

	orphan := &nostr.Event{ID: "c3", PubKey: carol.String(), Kind: KindComment}
	assert.Equal(t, InvalidMissingTarget, NormalizeEvent(orphan).Invalid)
}

func TestCommentCacheThreads(t *testing.T) {
	video := mustVideo(t, rootedVideo("vid", alice, 10, "root-1", "v"))
	cache := NewCommentCache()

	byAddress := &CommentRecord{ID: "c1", CreatedAt: 30, Address: VideoAddress(video)}
	byID := &CommentRecord{ID: "c2", CreatedAt: 20, VideoID: "vid"}
	other := &CommentRecord{ID: "c3", CreatedAt: 10, VideoID: "other"}

	assert.True(t, cache.Add(byAddress))
	assert.True(t, cache.Add(byID))
	assert.True(t, cache.Add(other))
	assert.False(t, cache.Add(byID), "duplicates are dropped")

	thread := cache.Thread(video)
	require.Len(t, thread, 2)
	assert.Equal(t, types.EventID("c2"), thread[0].ID)
	assert.Equal(t, types.EventID("c1"), thread[1].ID)

	filters := CommentFilters(video, 20)
	assert.Len(t, filters, 3)

	cache.Reset()
	assert.Empty(t, cache.Thread(video))
}
