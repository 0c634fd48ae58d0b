package main

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/eljojo/relaycache"
	"github.com/kataras/tablewriter"
	"github.com/lensesio/tableprinter"
)

type videoRow struct {
	Title    string `header:"title"`
	Author   string `header:"author"`
	Created  string `header:"created"`
	Source   string `header:"source"`
	Versions int    `header:"versions"`
	Flags    string `header:"flags"`
}

type conversationRow struct {
	Remote   string `header:"remote"`
	Latest   string `header:"latest"`
	Messages int    `header:"messages"`
	Preview  string `header:"preview"`
}

type invalidRow struct {
	Reason string `header:"reason"`
	Count  int    `header:"count"`
}

func newPrinter() *tableprinter.Printer {
	printer := tableprinter.New(os.Stdout)

	// Optionally, customize the table, import of the underline 'tablewriter' package is required for that.
	printer.BorderTop, printer.BorderBottom, printer.BorderLeft, printer.BorderRight = true, true, true, true
	printer.CenterSeparator = "│"
	printer.ColumnSeparator = "│"
	printer.RowSeparator = "─"
	printer.HeaderBgColor = tablewriter.BgBlackColor
	printer.HeaderFgColor = tablewriter.FgGreenColor
	return printer
}

func ago(unix int64) string {
	if unix <= 0 {
		return "-"
	}
	return humanize.Time(time.Unix(unix, 0))
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func printVideos(videos []*relaycache.VideoRecord, ledger *relaycache.VideoLedger) {
	rows := make([]videoRow, 0, len(videos))
	for _, v := range videos {
		source := "url"
		if v.Magnet != "" {
			source = "magnet"
			if v.URL != "" {
				source = "url+magnet"
			}
		}
		flags := ""
		if v.IsNSFW {
			flags += "nsfw "
		}
		if v.IsForKids {
			flags += "kids "
		}
		if !v.EnableComments {
			flags += "no-comments"
		}
		rows = append(rows, videoRow{
			Title:    clip(v.Title, 48),
			Author:   v.Pubkey.Short(),
			Created:  ago(v.CreatedAt),
			Source:   source,
			Versions: len(ledger.History(v.EntityKey)),
			Flags:    flags,
		})
	}
	newPrinter().Print(rows)
}

func printConversations(conversations []relaycache.Conversation) {
	rows := make([]conversationRow, 0, len(conversations))
	for _, c := range conversations {
		latest := ago(c.Latest.Timestamp)
		if c.Latest.FromSnapshot {
			latest += " (cached)"
		}
		rows = append(rows, conversationRow{
			Remote:   c.RemotePubkey.Short(),
			Latest:   latest,
			Messages: c.Count,
			Preview:  clip(c.Latest.Preview, 40),
		})
	}
	newPrinter().Print(rows)
}

func printInvalid(counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	rows := make([]invalidRow, 0, len(counts))
	for reason, count := range counts {
		rows = append(rows, invalidRow{Reason: reason, Count: count})
	}
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].Count > rows[j].Count
	})
	fmt.Println("dropped events:")
	newPrinter().Print(rows)
}
