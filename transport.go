package relaycache

import (
	"context"
	"io"
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/sync/errgroup"
)

// RelayFetcher queries relays one at a time; each relay fails independently.
type RelayFetcher interface {
	Relays() []string
	FetchFrom(ctx context.Context, relay string, filter nostr.Filter) ([]*nostr.Event, error)
}

// RelaySubscriber opens a live subscription. onEOSE is called once stored
// events have been delivered.
type RelaySubscriber interface {
	Subscribe(ctx context.Context, filter nostr.Filter, onEvent func(*nostr.Event), onEOSE func()) (io.Closer, error)
}

// Publisher signs and publishes a template, returning the signed event.
type Publisher interface {
	Publish(ctx context.Context, template nostr.Event) (*nostr.Event, error)
}

// FanOutResult collects what every relay returned.
type FanOutResult struct {
	Events []*nostr.Event   // deduplicated by id, first seen wins
	Failed map[string]error // relay → error
}

// FanOut queries every relay in parallel. A failing relay is logged and
// contributes nothing; it never fails the whole call.
func FanOut(ctx context.Context, fetcher RelayFetcher, filter nostr.Filter) FanOutResult {
	result := FanOutResult{Failed: make(map[string]error)}
	if fetcher == nil {
		return result
	}

	var mu sync.Mutex
	seen := make(map[string]bool)
	g, gctx := errgroup.WithContext(ctx)
	for _, relay := range fetcher.Relays() {
		relay := relay
		g.Go(func() error {
			events, err := fetcher.FetchFrom(gctx, relay, filter)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				Log("relay").Warn("%s: %v", relay, err)
				result.Failed[relay] = err
				return nil
			}
			for _, ev := range events {
				if ev == nil || seen[ev.ID] {
					continue
				}
				seen[ev.ID] = true
				result.Events = append(result.Events, ev)
			}
			return nil
		})
	}
	_ = g.Wait()
	return result
}

// VideoFilter matches video notes.
func VideoFilter(limit int) nostr.Filter {
	return nostr.Filter{
		Kinds: []int{KindVideo},
		Tags:  nostr.TagMap{"t": {VideoTopic}},
		Limit: limit,
	}
}
