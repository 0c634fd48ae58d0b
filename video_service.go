package relaycache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/eljojo/relaycache/snapshot"
	"github.com/eljojo/relaycache/types"
	"github.com/eljojo/relaycache/utilities"
	"github.com/nbd-wtf/go-nostr"
)

// DefaultOlderPageLimit is the page size of LoadOlderVideos.
const DefaultOlderPageLimit = 150

var (
	ErrNotFound     = errors.New("video not found")
	ErrNoPublisher  = errors.New("no publisher configured")
	ErrNotYourVideo = errors.New("video belongs to another author")
)

// VideoServiceConfig wires a VideoService. Every dependency is optional; a
// service without relays only serves what was restored or ingested.
type VideoServiceConfig struct {
	Fetcher    RelayFetcher
	Subscriber RelaySubscriber
	Publisher  Publisher
	Access     AccessControl
	Store      snapshot.VideoStore

	MaxRecords     int
	OlderPageLimit int
	FlushDebounce  time.Duration
	SaveTimeout    time.Duration
	Now            func() time.Time
}

// LoadOptions control LoadVideos and FetchVideos.
type LoadOptions struct {
	Filter    FilterOptions
	Limit     int
	Subscribe bool
}

// CacheStats is the payload of videos:cache.
type CacheStats struct {
	Size       int
	Tombstones int
}

// VideoService is the application-facing video cache: it ingests relay
// events, resolves revisions and serves filtered views.
type VideoService struct {
	ledger   *VideoLedger
	authors  *AuthorIndex
	pipeline *FilterPipeline
	comments *CommentCache
	emitter  *Emitter
	buffer   *VideoEventBuffer
	persist  *utilities.Tracker

	fetcher    RelayFetcher
	subscriber RelaySubscriber
	publisher  Publisher
	store      snapshot.VideoStore

	olderLimit int
	now        func() time.Time

	subscription io.Closer
	subscribing  bool // a Subscribe call is dialing the relays
	invalid      map[string]int
	lastFilter   FilterOptions
	mu           sync.Mutex

	log *ServiceLog
}

func NewVideoService(cfg VideoServiceConfig) *VideoService {
	s := &VideoService{
		ledger:     NewVideoLedger(cfg.MaxRecords),
		pipeline:   NewFilterPipeline(cfg.Access),
		comments:   NewCommentCache(),
		emitter:    NewEmitter(),
		persist:    utilities.NewTracker(cfg.SaveTimeout),
		fetcher:    cfg.Fetcher,
		subscriber: cfg.Subscriber,
		publisher:  cfg.Publisher,
		store:      cfg.Store,
		olderLimit: cfg.OlderPageLimit,
		now:        cfg.Now,
		invalid:    make(map[string]int),
		log:        Log("videos"),
	}
	if s.olderLimit <= 0 {
		s.olderLimit = DefaultOlderPageLimit
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.authors = NewAuthorIndex(s.ledger)
	s.ledger.AddListener(func(_ *VideoRecord, outcome IngestOutcome) {
		if outcome != IngestDuplicate {
			s.authors.MarkDirty()
		}
	})
	s.buffer = NewVideoEventBuffer(cfg.FlushDebounce, s.ingestEvent, s.onFlush)
	return s
}

func (s *VideoService) Ledger() *VideoLedger { return s.ledger }
func (s *VideoService) Emitter() *Emitter { return s.emitter }
func (s *VideoService) Comments() *CommentCache { return s.comments }
func (s *VideoService) Buffer() *VideoEventBuffer { return s.buffer }

// IngestEvent normalizes and stores one relay event synchronously.
func (s *VideoService) IngestEvent(ev *nostr.Event) NormalizeResult {
	res, _ := s.ingestEvent(ev)
	return res
}

func (s *VideoService) ingestEvent(ev *nostr.Event) (NormalizeResult, IngestOutcome) {
	res := NormalizeEvent(ev)
	switch {
	case res.IsInvalid():
		s.mu.Lock()
		s.invalid[res.Invalid]++
		s.mu.Unlock()
		s.log.Debug("dropping %s: %s", res.EventID, res.Invalid)
		return res, IngestDuplicate
	case res.Comment != nil:
		s.comments.Add(res.Comment)
		return res, IngestStored
	default:
		return res, s.ledger.Ingest(res.Video)
	}
}

// InvalidCounts returns rejected events per reason.
func (s *VideoService) InvalidCounts() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.invalid))
	for k, v := range s.invalid {
		out[k] = v
	}
	return out
}

func (s *VideoService) currentFilter() FilterOptions {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFilter
}

func (s *VideoService) onFlush(stats FlushStats) {
	if len(stats.Changed) > 0 {
		s.emitter.Emit(Notification{
			Name:    EventVideosUpdated,
			Reason:  "subscription",
			Payload: s.ActiveVideos(s.currentFilter()),
		})
	}
	if stats.Processed > 0 {
		s.CacheVideos()
	}
}

// ActiveVideos returns visible active videos passing the filter, newest first.
func (s *VideoService) ActiveVideos(opts FilterOptions) []*VideoRecord {
	return s.pipeline.Filter(s.ledger.ActiveVideos(), opts)
}

// ShouldIncludeVideo runs the filter pipeline on one video.
func (s *VideoService) ShouldIncludeVideo(video *VideoRecord, opts FilterOptions) bool {
	return s.pipeline.ShouldInclude(video, opts)
}

// GetActiveVideosByAuthors serves an author feed from the author index.
func (s *VideoService) GetActiveVideosByAuthors(authors []types.Pubkey, opts AuthorQueryOptions) []*VideoRecord {
	return s.authors.Query(authors, opts, s.pipeline)
}

func limitVideos(videos []*VideoRecord, limit int) []*VideoRecord {
	if limit > 0 && len(videos) > limit {
		return videos[:limit]
	}
	return videos
}

// LoadVideos serves what is cached right away (videos:updated, reason
// "cache") and, when asked, starts the live subscription once.
func (s *VideoService) LoadVideos(ctx context.Context, opts LoadOptions) []*VideoRecord {
	s.mu.Lock()
	s.lastFilter = opts.Filter
	s.mu.Unlock()

	videos := limitVideos(s.ActiveVideos(opts.Filter), opts.Limit)
	s.emitter.Emit(Notification{Name: EventVideosUpdated, Reason: "cache", Payload: videos})

	if opts.Subscribe {
		if err := s.Subscribe(ctx); err != nil {
			s.log.Warn("subscribe failed: %v", err)
		}
	}
	return videos
}

// Subscribe opens the live video subscription if it is not open yet.
func (s *VideoService) Subscribe(ctx context.Context) error {
	if s.subscriber == nil {
		return nil
	}
	s.mu.Lock()
	if s.subscription != nil || s.subscribing {
		s.mu.Unlock()
		return nil
	}
	s.subscribing = true
	s.mu.Unlock()

	s.buffer.Restart()
	sub, err := s.subscriber.Subscribe(ctx, VideoFilter(0), s.buffer.Push, s.buffer.Flush)

	s.mu.Lock()
	abandoned := !s.subscribing
	s.subscribing = false
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("subscribe: %w", err)
	}
	if abandoned {
		s.mu.Unlock()
		return sub.Close()
	}
	s.subscription = sub
	s.mu.Unlock()

	s.log.Info("live subscription started")
	s.emitter.Emit(Notification{Name: EventSubscriptionStarted})
	return nil
}

// Unsubscribe closes the live subscription and flushes the buffer.
func (s *VideoService) Unsubscribe() {
	s.mu.Lock()
	sub := s.subscription
	s.subscription = nil
	s.subscribing = false
	s.mu.Unlock()

	if sub != nil {
		if err := sub.Close(); err != nil {
			s.log.Warn("closing subscription: %v", err)
		}
	}
	s.buffer.Stop()
}

func (s *VideoService) ingestAll(events []*nostr.Event) []*VideoRecord {
	var videos []*VideoRecord
	for _, ev := range events {
		if res := s.IngestEvent(ev); res.Video != nil {
			videos = append(videos, res.Video)
		}
	}
	return videos
}

// FetchVideos queries every relay, ingests the results and emits
// videos:fetched with the filtered view.
func (s *VideoService) FetchVideos(ctx context.Context, opts LoadOptions) []*VideoRecord {
	res := FanOut(ctx, s.fetcher, VideoFilter(opts.Limit))
	s.ingestAll(res.Events)
	if len(res.Events) > 0 {
		s.CacheVideos()
	}

	videos := limitVideos(s.ActiveVideos(opts.Filter), opts.Limit)
	s.emitter.Emit(Notification{Name: EventVideosFetched, Payload: videos})
	return videos
}

// LoadOlderVideos fetches the page of videos created before lastTimestamp.
// It returns the visible active revisions the page touched.
func (s *VideoService) LoadOlderVideos(ctx context.Context, lastTimestamp int64, opts FilterOptions) []*VideoRecord {
	until := lastTimestamp - 1
	if until <= 0 {
		return nil
	}

	filter := VideoFilter(s.olderLimit)
	ts := nostr.Timestamp(until)
	filter.Until = &ts

	res := FanOut(ctx, s.fetcher, filter)
	page := s.ingestAll(res.Events)

	seen := make(map[types.EntityKey]bool)
	var videos []*VideoRecord
	for _, v := range page {
		if seen[v.EntityKey] {
			continue
		}
		seen[v.EntityKey] = true
		active, ok := s.ledger.Active(v.EntityKey)
		if !ok || active.CreatedAt > until {
			continue
		}
		if s.pipeline.ShouldInclude(active, opts) {
			videos = append(videos, active)
		}
	}
	sortNewestFirst(videos)

	if len(res.Events) > 0 {
		s.CacheVideos()
	}
	s.emitter.Emit(Notification{Name: EventVideosOlder, Payload: videos})
	return videos
}

// HydrateHistory returns every known revision of video, newest first. When
// at most one live revision is known locally and the video is addressable,
// every relay is asked for the rest of its history.
func (s *VideoService) HydrateHistory(ctx context.Context, video *VideoRecord) []*VideoRecord {
	if video == nil {
		return nil
	}
	related := s.ledger.Related(video)

	live := 0
	for _, r := range related {
		if !r.Deleted {
			live++
		}
	}
	if live <= 1 && video.DTag != "" && s.fetcher != nil {
		filter := nostr.Filter{
			Kinds:   []int{KindVideo},
			Authors: []string{video.Pubkey.String()},
			Tags:    nostr.TagMap{"d": {video.DTag}},
		}
		res := FanOut(ctx, s.fetcher, filter)
		if len(s.ingestAll(res.Events)) > 0 {
			s.CacheVideos()
		}
		related = s.ledger.Related(video)
	}
	return related
}

// GetOldEventByID returns a revision by id from the ledger, falling back to
// the relays. Deletion markers are never returned.
func (s *VideoService) GetOldEventByID(ctx context.Context, id types.EventID) (*VideoRecord, error) {
	if r, ok := s.ledger.Get(id); ok {
		if r.Deleted {
			return nil, ErrNotFound
		}
		return r, nil
	}

	res := FanOut(ctx, s.fetcher, nostr.Filter{IDs: []string{id.String()}})
	for _, ev := range res.Events {
		if ev.ID != id.String() {
			continue
		}
		if r := s.IngestEvent(ev); r.Video != nil && !r.Video.Deleted {
			return r.Video, nil
		}
	}
	return nil, ErrNotFound
}

// ListComments fetches comments for video from every relay and returns the
// cached thread, oldest first.
func (s *VideoService) ListComments(ctx context.Context, video *VideoRecord, limit int) []*CommentRecord {
	for _, filter := range CommentFilters(video, limit) {
		res := FanOut(ctx, s.fetcher, filter)
		for _, ev := range res.Events {
			s.IngestEvent(ev)
		}
	}
	return s.comments.Thread(video)
}

func (s *VideoService) publishAndIngest(ctx context.Context, template nostr.Event) (*VideoRecord, error) {
	if s.publisher == nil {
		return nil, ErrNoPublisher
	}
	signed, err := s.publisher.Publish(ctx, template)
	if err != nil {
		return nil, fmt.Errorf("publish: %w", err)
	}
	res := s.IngestEvent(signed)
	if res.Video == nil {
		return nil, fmt.Errorf("published event rejected: %s", res.Invalid)
	}
	return res.Video, nil
}

// RevertVideo republishes an older revision as the newest one. actor must be
// the video's author.
func (s *VideoService) RevertVideo(ctx context.Context, actor types.Pubkey, targetID types.EventID) (*VideoRecord, error) {
	plan, err := s.ledger.PlanRevert(targetID, s.now().Unix())
	if err != nil {
		return nil, err
	}
	if plan.Target.Pubkey != types.NormalizeLoose(actor.String()) {
		return nil, ErrNotYourVideo
	}

	record, err := s.publishAndIngest(ctx, plan.Template)
	if err != nil {
		return nil, err
	}
	s.ledger.MarkReverted(plan.Superseded)
	s.CacheVideos()

	s.log.Info("reverted %s to %s (%d superseded)", record.EntityKey, targetID, len(plan.Superseded))
	s.emitter.Emit(Notification{Name: EventVideosReverted, Payload: record})
	return record, nil
}

// DeleteAllVersions publishes a deletion marker and tombstones every entity
// the video's revisions live under.
func (s *VideoService) DeleteAllVersions(ctx context.Context, actor types.Pubkey, targetID types.EventID) error {
	target, ok := s.ledger.Get(targetID)
	if !ok {
		return ErrUnknownRevision
	}
	if target.Pubkey != types.NormalizeLoose(actor.String()) {
		return ErrNotYourVideo
	}
	plan, err := s.ledger.PlanDeletion(targetID, s.now().Unix())
	if err != nil {
		return err
	}

	record, err := s.publishAndIngest(ctx, plan.Template)
	if err != nil {
		return err
	}
	for _, key := range plan.EntityKeys() {
		s.ledger.RecordTombstone(key, record.CreatedAt)
	}
	s.CacheVideos()

	s.log.Info("deleted %d revisions of %s", len(plan.Targets), record.RootID())
	s.emitter.Emit(Notification{Name: EventVideosDeleted, Payload: plan.EntityKeys()})
	return nil
}

// CacheVideos persists the ledger in the background and emits videos:cache.
func (s *VideoService) CacheVideos() *utilities.Task {
	if s.store == nil {
		return utilities.Completed("cache-videos", nil)
	}

	records := s.ledger.Records()
	events := make([]*nostr.Event, 0, len(records))
	for _, r := range records {
		events = append(events, &nostr.Event{
			ID:        r.ID.String(),
			PubKey:    r.Pubkey.String(),
			CreatedAt: nostr.Timestamp(r.CreatedAt),
			Kind:      r.Kind,
			Tags:      r.Tags,
			Content:   r.Content,
		})
	}
	tombstones := make(map[string]int64)
	for k, v := range s.ledger.Tombstones().Snapshot() {
		tombstones[k.String()] = v
	}
	state := &snapshot.VideoState{
		Events:     events,
		Tombstones: tombstones,
		SavedAt:    s.now().Unix(),
	}

	return s.persist.Go("cache-videos", func(ctx context.Context) error {
		if err := s.store.SaveVideos(ctx, state); err != nil {
			s.log.Warn("saving video cache: %v", err)
			return err
		}
		s.emitter.Emit(Notification{
			Name:    EventVideosCache,
			Payload: CacheStats{Size: len(state.Events), Tombstones: len(state.Tombstones)},
		})
		return nil
	})
}

// Restore loads the persisted video cache into the ledger.
func (s *VideoService) Restore(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	state, err := s.store.LoadVideos(ctx)
	if err != nil {
		return fmt.Errorf("load video cache: %w", err)
	}
	if state == nil {
		return nil
	}

	for key, mark := range state.Tombstones {
		s.ledger.RecordTombstone(types.EntityKey(key), mark)
	}
	restored := len(s.ingestAll(state.Events))
	s.log.Info("restored %d revisions, %d tombstones", restored, len(state.Tombstones))
	return nil
}

// Flush forces the live buffer to ingest what it holds.
func (s *VideoService) Flush() {
	s.buffer.Flush()
}

// WaitPersisted blocks until every scheduled save has finished.
func (s *VideoService) WaitPersisted(ctx context.Context) error {
	return s.persist.WaitAll(ctx)
}

// Reset drops every cached record, tombstone and comment.
func (s *VideoService) Reset() {
	s.Unsubscribe()
	s.ledger.Reset()
	s.authors.Reset()
	s.comments.Reset()
	s.mu.Lock()
	s.invalid = make(map[string]int)
	s.mu.Unlock()
}

// Close stops the subscription and waits for pending saves.
func (s *VideoService) Close(ctx context.Context) error {
	s.Unsubscribe()
	return s.WaitPersisted(ctx)
}
