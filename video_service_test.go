package relaycache

import (
	"context"
	"testing"
	"time"

	"github.com/eljojo/relaycache/snapshot"
	"github.com/eljojo/relaycache/types"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ingestAllEvents(svc *VideoService, events ...*nostr.Event) {
	for _, ev := range events {
		svc.IngestEvent(ev)
	}
}

func TestRevertVideoRepublishesOlderRevision(t *testing.T) {
	ctx := context.Background()
	pub := &fakePublisher{}
	svc := NewVideoService(VideoServiceConfig{Publisher: pub, Now: fixedClock(150)})
	events := record(svc.Emitter())

	ingestAllEvents(svc,
		rootedVideo("e1", alice, 100, "root-1", "v1"),
		rootedVideo("e2", alice, 200, "root-1", "v2"),
	)

	reverted, err := svc.RevertVideo(ctx, alice, "e1")
	require.NoError(t, err)
	assert.Equal(t, "v1", reverted.Title)
	assert.Equal(t, int64(201), reverted.CreatedAt, "revert must sort after every known revision")
	assert.Equal(t, types.EntityKey("ROOT:root-1"), reverted.EntityKey)

	active, ok := svc.Ledger().Active("ROOT:root-1")
	require.True(t, ok)
	assert.Equal(t, reverted.ID, active.ID)
	assert.True(t, svc.Ledger().IsReverted("e2"))
	assert.False(t, svc.Ledger().IsReverted("e1"))

	original, _ := svc.Ledger().Get("e1")
	require.Len(t, pub.published, 1)
	assert.Equal(t, original.Content, pub.published[0].Content)
	_, ok = events.last(EventVideosReverted)
	assert.True(t, ok)
}

func TestRevertVideoErrors(t *testing.T) {
	ctx := context.Background()
	svc := NewVideoService(VideoServiceConfig{Publisher: &fakePublisher{}})
	ingestAllEvents(svc,
		rootedVideo("e1", alice, 100, "root-1", "v1"),
		deletedVideo("e2", alice, 200, "root-1"),
		videoEvent("legacy", alice, 50, videoContent("old")),
	)

	_, err := svc.RevertVideo(ctx, alice, "missing")
	assert.ErrorIs(t, err, ErrUnknownRevision)
	_, err = svc.RevertVideo(ctx, bob, "e1")
	assert.ErrorIs(t, err, ErrNotYourVideo)
	_, err = svc.RevertVideo(ctx, alice, "e2")
	assert.ErrorIs(t, err, ErrRevisionDeleted)
	_, err = svc.RevertVideo(ctx, alice, "legacy")
	assert.ErrorIs(t, err, ErrNoHistory)

	noPublisher := NewVideoService(VideoServiceConfig{})
	noPublisher.IngestEvent(rootedVideo("e1", alice, 100, "root-1", "v1"))
	_, err = noPublisher.RevertVideo(ctx, alice, "e1")
	assert.ErrorIs(t, err, ErrNoPublisher)

	failing := NewVideoService(VideoServiceConfig{Publisher: &fakePublisher{err: errBoom}})
	failing.IngestEvent(rootedVideo("e1", alice, 100, "root-1", "v1"))
	_, err = failing.RevertVideo(ctx, alice, "e1")
	assert.ErrorIs(t, err, errBoom)
}

func TestDeleteAllVersionsCoversLegacyRoots(t *testing.T) {
	ctx := context.Background()
	pub := &fakePublisher{}
	svc := NewVideoService(VideoServiceConfig{Publisher: pub, Now: fixedClock(10)})
	events := record(svc.Emitter())

	ingestAllEvents(svc,
		videoEvent("legacy-1", alice, 50, videoContent("original")),
		rootedVideo("e1", alice, 100, "legacy-1", "edit"),
		rootedVideo("x1", bob, 100, "other", "bob's"),
	)

	assert.ErrorIs(t, svc.DeleteAllVersions(ctx, bob, "e1"), ErrNotYourVideo)
	require.NoError(t, svc.DeleteAllVersions(ctx, alice, "e1"))

	visible := svc.ActiveVideos(FilterOptions{})
	require.Len(t, visible, 1)
	assert.Equal(t, types.EventID("x1"), visible[0].ID)
	assert.True(t, svc.Ledger().IsDeleted("LEGACY:legacy-1"))
	assert.True(t, svc.Ledger().IsDeleted("ROOT:legacy-1"))

	require.Len(t, pub.published, 1)
	marker := mustVideo(t, pub.published[0])
	assert.True(t, marker.Deleted)
	assert.Equal(t, int64(101), marker.CreatedAt)

	n, ok := events.last(EventVideosDeleted)
	require.True(t, ok)
	assert.Len(t, n.Payload, 2)

	_, err := svc.GetOldEventByID(ctx, marker.ID)
	assert.ErrorIs(t, err, ErrNotFound, "deletion markers are never served as old revisions")
	old, err := svc.GetOldEventByID(ctx, "legacy-1")
	require.NoError(t, err)
	assert.Equal(t, "original", old.Title)
}

func TestCacheVideosAndRestore(t *testing.T) {
	ctx := context.Background()
	store := snapshot.NewMemoryStore()

	first := NewVideoService(VideoServiceConfig{Store: store})
	events := record(first.Emitter())
	ingestAllEvents(first,
		rootedVideo("e1", alice, 100, "root-1", "v1"),
		rootedVideo("e2", alice, 200, "root-1", "v2"),
		rootedVideo("x1", bob, 150, "root-b", "bob's"),
	)
	first.Ledger().RecordTombstone("ROOT:root-b", 150)

	require.NoError(t, first.CacheVideos().Wait(ctx))
	n, ok := events.last(EventVideosCache)
	require.True(t, ok)
	assert.Equal(t, CacheStats{Size: 3, Tombstones: 1}, n.Payload)

	second := NewVideoService(VideoServiceConfig{Store: store})
	require.NoError(t, second.Restore(ctx))
	assert.Equal(t, 3, second.Ledger().Len())

	visible := second.ActiveVideos(FilterOptions{})
	require.Len(t, visible, 1)
	assert.Equal(t, types.EventID("e2"), visible[0].ID)
	assert.True(t, second.Ledger().IsDeleted("ROOT:root-b"), "tombstones survive a restart")
}

func TestLoadVideosSubscribesOnce(t *testing.T) {
	ctx := context.Background()
	sub := &fakeSubscriber{}
	svc := NewVideoService(VideoServiceConfig{Subscriber: sub, FlushDebounce: time.Hour})
	events := record(svc.Emitter())
	svc.IngestEvent(rootedVideo("e1", alice, 100, "root-1", "cached"))

	videos := svc.LoadVideos(ctx, LoadOptions{Subscribe: true})
	require.Len(t, videos, 1)
	n, ok := events.last(EventVideosUpdated)
	require.True(t, ok)
	assert.Equal(t, "cache", n.Reason)
	assert.Len(t, events.named(EventSubscriptionStarted), 1)

	svc.LoadVideos(ctx, LoadOptions{Subscribe: true})
	assert.Equal(t, 1, sub.opened)
	assert.Len(t, events.named(EventSubscriptionStarted), 1)

	// events wait in the buffer until EOSE
	sub.onEvent(rootedVideo("e2", alice, 200, "root-1", "live"))
	sub.onEvent(&nostr.Event{ID: "junk", PubKey: bob.String(), Kind: KindVideo})
	assert.Equal(t, 2, svc.Buffer().Pending())
	sub.onEOSE()
	assert.Equal(t, 0, svc.Buffer().Pending())
	assert.Equal(t, 1, svc.Buffer().InvalidCount())
	assert.Equal(t, 1, svc.InvalidCounts()[InvalidNotVideo])

	n, _ = events.last(EventVideosUpdated)
	assert.Equal(t, "subscription", n.Reason)
	live := n.Payload.([]*VideoRecord)
	require.Len(t, live, 1)
	assert.Equal(t, "live", live[0].Title)

	require.NoError(t, svc.Close(ctx))
	assert.Equal(t, 1, sub.closed)
}

func TestSubscribeDialsWithoutHoldingTheService(t *testing.T) {
	ctx := context.Background()
	gate := make(chan struct{})
	sub := &fakeSubscriber{gate: gate}
	svc := NewVideoService(VideoServiceConfig{Subscriber: sub, FlushDebounce: time.Hour})

	errs := make(chan error, 1)
	go func() { errs <- svc.Subscribe(ctx) }()
	require.True(t, waitForCondition(t, func() bool {
		sub.mu.Lock()
		defer sub.mu.Unlock()
		return sub.opened == 1
	}, time.Second, "subscription dialing"))

	// relays are still connecting
	svc.IngestEvent(&nostr.Event{ID: "junk", PubKey: bob.String(), Kind: KindVideo})
	assert.Equal(t, 1, svc.InvalidCounts()[InvalidNotVideo])
	require.NoError(t, svc.Subscribe(ctx), "a second call while dialing is a no-op")

	close(gate)
	require.NoError(t, <-errs)
	sub.mu.Lock()
	assert.Equal(t, 1, sub.opened)
	sub.mu.Unlock()

	require.NoError(t, svc.Close(ctx))
	assert.Equal(t, 1, sub.closed)
}

func TestBufferFlushesAfterDebounce(t *testing.T) {
	var flushed []FlushStats
	done := make(chan struct{}, 1)
	svc := NewVideoService(VideoServiceConfig{})
	buffer := NewVideoEventBuffer(50*time.Millisecond, svc.ingestEvent, func(stats FlushStats) {
		flushed = append(flushed, stats)
		done <- struct{}{}
	})

	buffer.Push(rootedVideo("e1", alice, 100, "root-1", "v1"))
	buffer.Push(rootedVideo("e2", alice, 200, "root-1", "v2"))
	buffer.Push(rootedVideo("e0", alice, 50, "root-1", "v0"))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("buffer never flushed")
	}
	require.Len(t, flushed, 1)
	assert.Equal(t, 3, flushed[0].Processed)
	assert.Len(t, flushed[0].Changed, 2, "the late older revision changes nothing")

	buffer.Stop()
	buffer.Push(rootedVideo("e3", alice, 300, "root-1", "v3"))
	assert.Equal(t, 0, buffer.Pending(), "stopped buffers drop pushes")
	buffer.Restart()
	buffer.Push(rootedVideo("e3", alice, 300, "root-1", "v3"))
	assert.Equal(t, 1, buffer.Pending())
	buffer.Stop()
}

func TestFanOutIsolatesFailingRelays(t *testing.T) {
	shared := rootedVideo("e1", alice, 100, "root-1", "v1")
	fetcher := newFakeFetcher().
		add("wss://a", shared, rootedVideo("e2", bob, 100, "root-2", "v2")).
		add("wss://b", shared).
		fail("wss://down", errBoom)

	res := FanOut(context.Background(), fetcher, VideoFilter(10))
	assert.Len(t, res.Events, 2, "duplicates across relays collapse")
	require.Contains(t, res.Failed, "wss://down")
	assert.ErrorIs(t, res.Failed["wss://down"], errBoom)

	empty := FanOut(context.Background(), nil, VideoFilter(10))
	assert.Empty(t, empty.Events)
}

func TestFetchVideosFiltersAndEmits(t *testing.T) {
	fetcher := newFakeFetcher().add("wss://a",
		rootedVideo("e1", alice, 100, "root-1", "v1"),
		videoEvent("nsfw", bob, 200, map[string]any{"title": "spicy", "url": "https://x", "isNsfw": true}),
	)
	svc := NewVideoService(VideoServiceConfig{Fetcher: fetcher})
	events := record(svc.Emitter())

	videos := svc.FetchVideos(context.Background(), LoadOptions{Filter: FilterOptions{NSFWPolicy: NSFWBlock}, Limit: 10})
	require.Len(t, videos, 1)
	assert.Equal(t, types.EventID("e1"), videos[0].ID)
	assert.Len(t, events.named(EventVideosFetched), 1)
	assert.Equal(t, 10, fetcher.lastFilter().Limit)
}

func TestLoadOlderVideosPagesBeforeTimestamp(t *testing.T) {
	fetcher := newFakeFetcher().add("wss://a",
		rootedVideo("o1", alice, 80, "root-1", "older"),
		rootedVideo("o2", bob, 60, "root-2", "old edit"),
	)
	svc := NewVideoService(VideoServiceConfig{Fetcher: fetcher, OlderPageLimit: 25})
	// root-2 already has a revision newer than the page
	svc.IngestEvent(rootedVideo("n2", bob, 500, "root-2", "current"))

	videos := svc.LoadOlderVideos(context.Background(), 100, FilterOptions{})
	require.Len(t, videos, 1)
	assert.Equal(t, types.EventID("o1"), videos[0].ID)

	filter := fetcher.lastFilter()
	require.NotNil(t, filter.Until)
	assert.Equal(t, nostr.Timestamp(99), *filter.Until)
	assert.Equal(t, 25, filter.Limit)

	assert.Nil(t, svc.LoadOlderVideos(context.Background(), 1, FilterOptions{}))
}

func TestHydrateHistoryFetchesMissingRevisions(t *testing.T) {
	fetcher := newFakeFetcher().add("wss://a",
		videoEvent("h1", alice, 100, videoContent("first"), nostr.Tag{"d", "clip"}),
		videoEvent("h2", alice, 200, videoContent("second"), nostr.Tag{"d", "clip"}),
	)
	svc := NewVideoService(VideoServiceConfig{Fetcher: fetcher})
	current := mustVideo(t, videoEvent("h2", alice, 200, videoContent("second"), nostr.Tag{"d", "clip"}))
	svc.Ledger().Ingest(current)

	history := svc.HydrateHistory(context.Background(), current)
	require.Len(t, history, 2)
	assert.Equal(t, types.EventID("h2"), history[0].ID)
	assert.Equal(t, types.EventID("h1"), history[1].ID)
	assert.Equal(t, []string{"clip"}, []string(fetcher.lastFilter().Tags["d"]))
}

func TestGetActiveVideosByAuthors(t *testing.T) {
	svc := NewVideoService(VideoServiceConfig{})
	ingestAllEvents(svc,
		rootedVideo("a1", alice, 100, "ra1", "a1"),
		rootedVideo("a2", alice, 200, "ra2", "a2"),
		rootedVideo("a3", alice, 300, "ra3", "a3"),
		rootedVideo("b1", bob, 250, "rb1", "b1"),
		rootedVideo("c1", carol, 400, "rc1", "c1"),
	)

	videos := svc.GetActiveVideosByAuthors([]types.Pubkey{alice, bob, alice}, AuthorQueryOptions{Limit: 3})
	require.Len(t, videos, 3)
	assert.Equal(t, []types.EventID{"a3", "b1", "a2"}, []types.EventID{videos[0].ID, videos[1].ID, videos[2].ID})

	rebuilds := svc.authors.Rebuilds()
	svc.GetActiveVideosByAuthors([]types.Pubkey{carol}, AuthorQueryOptions{})
	assert.Equal(t, rebuilds, svc.authors.Rebuilds(), "no rebuild without ledger changes")

	svc.IngestEvent(rootedVideo("c2", carol, 500, "rc2", "c2"))
	videos = svc.GetActiveVideosByAuthors([]types.Pubkey{carol}, AuthorQueryOptions{})
	assert.Len(t, videos, 2)
	assert.Equal(t, rebuilds+1, svc.authors.Rebuilds())

	assert.Equal(t, 6, perAuthorCap(1))
	assert.Equal(t, 20, perAuthorCap(10))
	assert.Equal(t, 0, perAuthorCap(0))
}

func TestListComments(t *testing.T) {
	video := mustVideo(t, rootedVideo("vid", alice, 10, "root-1", "v"))
	fetcher := newFakeFetcher().add("wss://a",
		&nostr.Event{ID: "c1", PubKey: bob.String(), CreatedAt: 20, Kind: KindComment, Tags: nostr.Tags{{"E", "vid"}}},
		&nostr.Event{ID: "c2", PubKey: carol.String(), CreatedAt: 30, Kind: KindLegacyComment, Tags: nostr.Tags{{"e", "vid"}}},
	)
	svc := NewVideoService(VideoServiceConfig{Fetcher: fetcher})

	thread := svc.ListComments(context.Background(), video, 50)
	require.Len(t, thread, 2)
	assert.Equal(t, types.EventID("c1"), thread[0].ID)
}

func TestEmitterRecoversFromPanickingListener(t *testing.T) {
	e := NewEmitter()
	called := false
	e.On(EventVideosUpdated, func(Notification) { panic("listener bug") })
	e.On(EventVideosUpdated, func(Notification) { called = true })

	assert.NotPanics(t, func() { e.Emit(Notification{Name: EventVideosUpdated}) })
	assert.True(t, called)
}

func TestResetDropsEverything(t *testing.T) {
	svc := NewVideoService(VideoServiceConfig{})
	svc.IngestEvent(rootedVideo("e1", alice, 100, "root-1", "v1"))
	svc.IngestEvent(&nostr.Event{ID: "bad", PubKey: alice.String(), Kind: 5})
	svc.Reset()

	assert.Equal(t, 0, svc.Ledger().Len())
	assert.Empty(t, svc.InvalidCounts())
	require.NoError(t, svc.WaitPersisted(context.Background()))
}
