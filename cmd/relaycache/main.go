package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bugsnag/bugsnag-go"
	"github.com/eljojo/relaycache"
	"github.com/eljojo/relaycache/relay"
	"github.com/eljojo/relaycache/snapshot"
	"github.com/eljojo/relaycache/utilities"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

func main() {
	configPtr := flag.String("config", getEnv("RELAYCACHE_CONFIG", "relaycache.yaml"), "path to yaml config")
	relaysPtr := flag.String("relays", getEnv("RELAYS", ""), "comma separated relay urls")
	viewerPtr := flag.String("viewer", getEnv("VIEWER", ""), "viewer pubkey (hex or npub)")
	nsfwPtr := flag.String("nsfw", getEnv("NSFW_POLICY", ""), "nsfw policy: allow or block")
	backendPtr := flag.String("snapshot-backend", getEnv("SNAPSHOT_BACKEND", ""), "snapshot store: memory, sqlite or badger")
	snapshotPathPtr := flag.String("snapshot-path", getEnv("SNAPSHOT_PATH", ""), "snapshot file (sqlite) or directory (badger)")
	snapshotSecretPtr := flag.String("snapshot-secret", getEnv("SNAPSHOT_SECRET", ""), "64 hex chars; encrypts snapshots at rest")
	memoryPtr := flag.String("memory", getEnv("MEMORY_MODE", ""), "memory mode: auto, short, medium, hog")
	mqttHostPtr := flag.String("mqtt-host", getEnv("MQTT_HOST", ""), "mqtt broker url, empty disables the bridge")
	mqttUserPtr := flag.String("mqtt-user", getEnv("MQTT_USER", ""), "mqtt username")
	mqttPassPtr := flag.String("mqtt-pass", getEnv("MQTT_PASS", ""), "mqtt password")
	limitPtr := flag.Int("limit", 50, "videos to show")
	watchPtr := flag.Bool("watch", false, "keep a live subscription open until interrupted")
	verbosePtr := flag.Bool("verbose", false, "log debug stuff")

	flag.Parse()

	if *verbosePtr {
		logrus.SetLevel(logrus.DebugLevel)
	}

	cfg, err := relaycache.LoadConfig(*configPtr)
	if err != nil {
		logrus.Fatalf("config: %v", err)
	}
	overlay(&cfg.NSFWPolicy, *nsfwPtr)
	overlay(&cfg.Viewer, *viewerPtr)
	overlay(&cfg.SnapshotBackend, *backendPtr)
	overlay(&cfg.SnapshotPath, *snapshotPathPtr)
	overlay(&cfg.SnapshotSecret, *snapshotSecretPtr)
	overlay(&cfg.MemoryMode, *memoryPtr)
	overlay(&cfg.MQTTHost, *mqttHostPtr)
	overlay(&cfg.MQTTUser, *mqttUserPtr)
	overlay(&cfg.MQTTPass, *mqttPassPtr)
	overlay(&cfg.BugsnagKey, os.Getenv("BUGSNAG_API_KEY"))
	if relays := relaycache.ParseList(*relaysPtr); len(relays) > 0 {
		cfg.Relays = relays
	}
	if err := cfg.Validate(); err != nil {
		logrus.Fatalf("config: %v", err)
	}

	if cfg.BugsnagKey != "" {
		bugsnag.Configure(bugsnag.Configuration{
			APIKey:          cfg.BugsnagKey,
			ProjectPackages: []string{"main", "github.com/eljojo/relaycache"},
		})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *limitPtr, *watchPtr); err != nil {
		logrus.Fatalf("relaycache: %v", err)
	}
}

func run(ctx context.Context, cfg relaycache.Config, limit int, watch bool) error {
	profile := relaycache.ResolveMemoryProfile(cfg.MemoryMode, cfg.MaxHistory)
	logrus.Infof("🧠 memory mode %s, keeping up to %d revisions", profile.Mode, profile.MaxHistoryRecords)

	enc, err := utilities.NewEncryptorFromHex(cfg.SnapshotSecret)
	if err != nil {
		return err
	}
	store, err := snapshot.Open(cfg.SnapshotBackend, cfg.SnapshotPath, enc)
	if err != nil {
		return err
	}
	defer store.Close()

	debounce, _ := cfg.Debounce()
	pool := relay.NewPool(cfg.Relays, cfg.SecretKey)
	defer pool.Close()

	videos := relaycache.NewVideoService(relaycache.VideoServiceConfig{
		Fetcher:        pool,
		Subscriber:     pool,
		Publisher:      pool,
		Access:         cfg.AccessControl(),
		Store:          store,
		MaxRecords:     profile.MaxHistoryRecords,
		OlderPageLimit: cfg.OlderPageLimit,
		FlushDebounce:  debounce,
		SaveTimeout:    30 * time.Second,
	})
	if err := videos.Restore(ctx); err != nil {
		logrus.Warnf("💾 %v", err)
	}

	dms := relaycache.NewDirectMessageReconciler(store, videos.Emitter())
	if cfg.Viewer != "" {
		task, err := dms.SetActor(ctx, cfg.Viewer)
		if err != nil {
			return err
		}
		if err := task.Wait(ctx); err != nil {
			logrus.Warnf("💬 %v", err)
		}
	}

	if cfg.MQTTHost != "" {
		bridge := relaycache.NewMQTTBridge("relaycache-"+uuid.NewString()[:8], cfg.MQTTHost, cfg.MQTTUser, cfg.MQTTPass, cfg.MQTTPrefix, dms)
		bridge.Attach(videos.Emitter())
		if err := bridge.Connect(10 * time.Second); err != nil {
			logrus.Warnf("📡 %v", err)
		} else {
			defer bridge.Disconnect()
		}
	}

	filter := cfg.FilterOptions()
	fetched := videos.FetchVideos(ctx, relaycache.LoadOptions{Filter: filter, Limit: limit})
	printVideos(fetched, videos.Ledger())
	printInvalid(videos.InvalidCounts())
	if cfg.Viewer != "" {
		printConversations(dms.Conversations())
	}

	if watch {
		videos.Emitter().On(relaycache.EventVideosUpdated, func(n relaycache.Notification) {
			if n.Reason != "subscription" {
				return
			}
			if list, ok := n.Payload.([]*relaycache.VideoRecord); ok {
				if limit > 0 && len(list) > limit {
					list = list[:limit]
				}
				printVideos(list, videos.Ledger())
			}
		})
		videos.LoadVideos(ctx, relaycache.LoadOptions{Filter: filter, Limit: limit, Subscribe: true})
		logrus.Info("👀 watching for new videos, ctrl-c to stop")
		<-ctx.Done()
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := dms.WaitPersisted(closeCtx); err != nil {
		logrus.Warnf("💬 %v", err)
	}
	return videos.Close(closeCtx)
}

func overlay(dst *string, value string) {
	if strings.TrimSpace(value) != "" {
		*dst = value
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
