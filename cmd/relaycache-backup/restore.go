package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/eljojo/relaycache"
	"github.com/nbd-wtf/go-nostr"
	"github.com/sirupsen/logrus"
)

func restoreVideosCmd(args []string) {
	fs := flag.NewFlagSet("restore-videos", flag.ExitOnError)
	backend := fs.String("snapshot-backend", "sqlite", "snapshot store: sqlite or badger")
	path := fs.String("snapshot-path", "", "snapshot file (sqlite) or directory (badger)")
	secret := fs.String("snapshot-secret", os.Getenv("SNAPSHOT_SECRET"), "snapshot encryption key, 64 hex chars")
	timeout := fs.Duration("timeout", 2*time.Minute, "operation timeout")
	verbose := fs.Bool("verbose", false, "show progress on stderr")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: relaycache-backup restore-videos -snapshot-path <path> [options] < videos.jsonl

Reads video notes from stdin (JSON Lines format), merges them with whatever
the store already holds and saves the result. Deletions and tombstones in
the store are respected.

Options:
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if *path == "" {
		fmt.Fprintf(os.Stderr, "Error: -snapshot-path is required\n\n")
		fs.Usage()
		os.Exit(1)
	}
	configureLogging(*verbose)

	store := openStore(*backend, *path, *secret)
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	videos := relaycache.NewVideoService(relaycache.VideoServiceConfig{Store: store})
	if err := videos.Restore(ctx); err != nil {
		logrus.Fatalf("❌ Failed to read existing cache: %v", err)
	}
	before := videos.Ledger().Len()

	logrus.Info("📖 Reading events from stdin...")
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNum, comments := 0, 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var event nostr.Event
		if err := json.Unmarshal(line, &event); err != nil {
			logrus.Fatalf("❌ Failed to parse event on line %d: %v", lineNum, err)
		}
		if res := videos.IngestEvent(&event); res.Comment != nil {
			comments++
		}
	}
	if err := scanner.Err(); err != nil {
		logrus.Fatalf("❌ Failed to read stdin: %v", err)
	}

	imported := videos.Ledger().Len() - before
	if imported == 0 {
		logrus.Info("📭 Nothing new to restore")
		return
	}

	if err := videos.CacheVideos().Wait(ctx); err != nil {
		logrus.Fatalf("❌ Failed to save video cache: %v", err)
	}

	invalid := 0
	for _, n := range videos.InvalidCounts() {
		invalid += n
	}
	if invalid > 0 || comments > 0 {
		logrus.Warnf("⚠️  Restored %d revisions; skipped %d invalid events and %d comments", imported, invalid, comments)
	} else {
		logrus.Infof("✅ Restored %d revisions (%d total)", imported, videos.Ledger().Len())
	}
}
