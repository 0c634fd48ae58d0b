package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/eljojo/relaycache"
	"github.com/eljojo/relaycache/relay"
	"github.com/eljojo/relaycache/snapshot"
	"github.com/eljojo/relaycache/utilities"
	"github.com/nbd-wtf/go-nostr"
	"github.com/sirupsen/logrus"
)

func dumpVideosCmd(args []string) {
	fs := flag.NewFlagSet("dump-videos", flag.ExitOnError)
	from := fs.String("from", "relays", "source: relays or snapshot")
	relays := fs.String("relays", "", "comma separated relay urls (default: the built-in list)")
	limit := fs.Int("limit", 500, "max events requested per relay")
	backend := fs.String("snapshot-backend", "sqlite", "snapshot store: sqlite or badger")
	path := fs.String("snapshot-path", "", "snapshot file (sqlite) or directory (badger)")
	secret := fs.String("snapshot-secret", os.Getenv("SNAPSHOT_SECRET"), "snapshot encryption key, 64 hex chars")
	verbose := fs.Bool("verbose", false, "show progress on stderr")
	timeout := fs.Duration("timeout", 2*time.Minute, "total operation timeout")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: relaycache-backup dump-videos [options]

Fetches video notes from every relay (or reads a local snapshot store) and
writes them to stdout in JSON Lines format, one signed event per line,
oldest first.

Options:
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	configureLogging(*verbose)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var events []*nostr.Event
	switch *from {
	case "relays":
		events = dumpFromRelays(ctx, *relays, *limit)
	case "snapshot":
		events = dumpFromSnapshot(ctx, *backend, *path, *secret)
	default:
		fmt.Fprintf(os.Stderr, "Error: -from must be relays or snapshot\n\n")
		fs.Usage()
		os.Exit(1)
	}

	if len(events) == 0 {
		logrus.Info("📭 No events collected")
		return
	}

	sort.Slice(events, func(i, j int) bool {
		if events[i].CreatedAt != events[j].CreatedAt {
			return events[i].CreatedAt < events[j].CreatedAt
		}
		return events[i].ID < events[j].ID
	})

	logrus.Info("💾 Writing events to stdout...")
	encoder := json.NewEncoder(os.Stdout)
	for _, event := range events {
		if err := encoder.Encode(event); err != nil {
			logrus.Fatalf("❌ Failed to encode event: %v", err)
		}
	}
	logrus.Infof("✅ Dump complete: %d events", len(events))
}

func dumpFromRelays(ctx context.Context, rawRelays string, limit int) []*nostr.Event {
	urls := relaycache.ParseList(rawRelays)
	if len(urls) == 0 {
		urls = relaycache.DefaultConfig().Relays
	}
	pool := relay.NewPool(urls, "")
	defer pool.Close()

	unique := make(map[string]*nostr.Event)
	for i, url := range urls {
		logrus.Infof("📥 [%d/%d] Fetching videos from %s...", i+1, len(urls), url)
		events, err := pool.FetchFrom(ctx, url, relaycache.VideoFilter(limit))
		if err != nil {
			logrus.Warnf("⚠️  Failed to fetch from %s: %v", url, err)
			continue
		}

		before := len(unique)
		for _, ev := range events {
			if ev.ID != "" {
				unique[ev.ID] = ev
			}
		}
		logrus.Infof("✅ Got %d events from %s (%d new, %d total unique)", len(events), url, len(unique)-before, len(unique))
	}

	out := make([]*nostr.Event, 0, len(unique))
	for _, ev := range unique {
		out = append(out, ev)
	}
	return out
}

func dumpFromSnapshot(ctx context.Context, backend, path, secret string) []*nostr.Event {
	store := openStore(backend, path, secret)
	defer store.Close()

	state, err := store.LoadVideos(ctx)
	if err != nil {
		logrus.Fatalf("❌ Failed to read video cache: %v", err)
	}
	if state == nil {
		return nil
	}
	logrus.Infof("📦 Snapshot saved %s holds %d events", time.Unix(state.SavedAt, 0).Format(time.RFC3339), len(state.Events))
	return state.Events
}

func openStore(backend, path, secret string) *snapshot.Store {
	enc, err := utilities.NewEncryptorFromHex(secret)
	if err != nil {
		logrus.Fatalf("❌ Invalid snapshot secret: %v", err)
	}
	store, err := snapshot.Open(backend, path, enc)
	if err != nil {
		logrus.Fatalf("❌ Failed to open %s store: %v", backend, err)
	}
	return store
}
