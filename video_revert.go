package relaycache

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/eljojo/relaycache/types"
	"github.com/nbd-wtf/go-nostr"
)

var (
	ErrUnknownRevision = errors.New("unknown revision")
	ErrRevisionDeleted = errors.New("revision is a deletion marker")
	ErrNoHistory       = errors.New("legacy notes have no revision history")
)

// RevertPlan describes the event that brings an older revision back.
// Template is unsigned; once signed and published it goes through Ingest
// like any other event.
type RevertPlan struct {
	Target     *VideoRecord
	Template   nostr.Event
	Superseded []types.EventID // revisions newer than Target, shown as reverted
}

// DeletionPlan describes the deletion marker that hides every revision of a
// video.
type DeletionPlan struct {
	Targets  []*VideoRecord
	Template nostr.Event
}

// EntityKeys returns the distinct entity keys covered by the plan.
func (p DeletionPlan) EntityKeys() []types.EntityKey {
	seen := make(map[types.EntityKey]bool)
	var keys []types.EntityKey
	for _, r := range p.Targets {
		if !seen[r.EntityKey] {
			seen[r.EntityKey] = true
			keys = append(keys, r.EntityKey)
		}
	}
	return keys
}

// nextCreatedAt returns a timestamp strictly newer than every known revision.
func nextCreatedAt(history []*VideoRecord, now int64) int64 {
	createdAt := now
	for _, r := range history {
		if r.CreatedAt >= createdAt {
			createdAt = r.CreatedAt + 1
		}
	}
	return createdAt
}

func cloneTags(tags nostr.Tags) nostr.Tags {
	out := make(nostr.Tags, 0, len(tags))
	for _, tag := range tags {
		out = append(out, append(nostr.Tag{}, tag...))
	}
	return out
}

// PlanRevert builds a new revision that replays targetID's content.
func (l *VideoLedger) PlanRevert(targetID types.EventID, now int64) (RevertPlan, error) {
	target, ok := l.Get(targetID)
	if !ok {
		return RevertPlan{}, ErrUnknownRevision
	}
	if target.Deleted {
		return RevertPlan{}, ErrRevisionDeleted
	}
	if strings.HasPrefix(target.EntityKey.String(), "LEGACY:") {
		return RevertPlan{}, ErrNoHistory
	}

	history := l.History(target.EntityKey)
	var superseded []types.EventID
	for _, r := range history {
		if newerThan(r, target) {
			superseded = append(superseded, r.ID)
		}
	}

	return RevertPlan{
		Target: target,
		Template: nostr.Event{
			PubKey:    target.Pubkey.String(),
			CreatedAt: nostr.Timestamp(nextCreatedAt(history, now)),
			Kind:      KindVideo,
			Tags:      cloneTags(target.Tags),
			Content:   target.Content,
		},
		Superseded: superseded,
	}, nil
}

type deletionContent struct {
	VideoRootID string `json:"videoRootId,omitempty"`
	Version     int    `json:"version"`
	Deleted     bool   `json:"deleted"`
	IsPrivate   bool   `json:"isPrivate"`
	IsNSFW      bool   `json:"isNsfw"`
	IsForKids   bool   `json:"isForKids"`
	Title       string `json:"title"`
	URL         string `json:"url"`
	Magnet      string `json:"magnet"`
	Thumbnail   string `json:"thumbnail"`
	Description string `json:"description"`
	Mode        string `json:"mode"`
}

// PlanDeletion builds a deletion marker for the video targetID belongs to.
// Every related revision is listed so the caller can tombstone entities the
// marker's own key does not cover (legacy notes).
func (l *VideoLedger) PlanDeletion(targetID types.EventID, now int64) (DeletionPlan, error) {
	target, ok := l.Get(targetID)
	if !ok {
		return DeletionPlan{}, ErrUnknownRevision
	}

	related := l.Related(target)
	content, err := json.Marshal(deletionContent{
		VideoRootID: target.VideoRootID,
		Version:     target.Version,
		Deleted:     true,
		IsPrivate:   target.IsPrivate,
		IsNSFW:      target.IsNSFW,
		IsForKids:   target.IsForKids,
		Title:       target.Title,
		Description: "This video was deleted by the creator.",
		Mode:        target.Mode,
	})
	if err != nil {
		return DeletionPlan{}, err
	}

	return DeletionPlan{
		Targets: related,
		Template: nostr.Event{
			PubKey:    target.Pubkey.String(),
			CreatedAt: nostr.Timestamp(nextCreatedAt(related, now)),
			Kind:      KindVideo,
			Tags:      cloneTags(target.Tags),
			Content:   string(content),
		},
	}, nil
}
