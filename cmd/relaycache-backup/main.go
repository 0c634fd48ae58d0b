package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "dump-videos":
		dumpVideosCmd(os.Args[2:])
	case "restore-videos":
		restoreVideosCmd(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// configureLogging keeps stdout clean for JSON Lines.
func configureLogging(verbose bool) {
	logrus.SetOutput(os.Stderr)
	if verbose {
		logrus.SetLevel(logrus.InfoLevel)
	} else {
		logrus.SetLevel(logrus.WarnLevel)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `relaycache-backup - video cache backup and restore tool

Usage:
  relaycache-backup <command> [options]

Commands:
  dump-videos      Dump video notes from relays or a snapshot store to stdout (JSONL format)
  restore-videos   Load video notes from stdin into a snapshot store

Examples:
  # Dump everything the relays have to a file
  relaycache-backup dump-videos -relays wss://nos.lol,wss://relay.damus.io > videos.jsonl

  # Dump the local cache instead
  relaycache-backup dump-videos -from snapshot -snapshot-backend sqlite -snapshot-path cache.db > videos.jsonl

  # Seed a fresh cache (duplicates are handled automatically)
  relaycache-backup restore-videos -snapshot-backend sqlite -snapshot-path cache.db < videos.jsonl

For more information on each command, use:
  relaycache-backup <command> -help
`)
}
