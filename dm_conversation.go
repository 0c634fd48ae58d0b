package relaycache

import (
	"sort"

	"github.com/eljojo/relaycache/snapshot"
	"github.com/eljojo/relaycache/types"
)

// ConversationIDFor is symmetric: both parties compute the same id.
func ConversationIDFor(a, b types.Pubkey) types.ConversationID {
	pair := []string{a.String(), b.String()}
	sort.Strings(pair)
	return types.ConversationID("dm:" + pair[0] + ":" + pair[1])
}

// sortMessages orders newest first, event id ascending on ties.
func sortMessages(messages []*DirectMessageRecord) {
	sort.SliceStable(messages, func(i, j int) bool {
		if messages[i].Timestamp != messages[j].Timestamp {
			return messages[i].Timestamp > messages[j].Timestamp
		}
		return messages[i].EventID < messages[j].EventID
	})
}

// summarize keeps the latest message of each conversation. messages must be
// sorted newest first.
func summarize(messages []*DirectMessageRecord) []snapshot.ConversationSummary {
	seen := make(map[types.ConversationID]bool)
	var out []snapshot.ConversationSummary
	for _, m := range messages {
		if seen[m.ConversationID] {
			continue
		}
		seen[m.ConversationID] = true
		out = append(out, snapshot.ConversationSummary{
			RemotePubkey:    m.RemotePubkey.String(),
			LatestTimestamp: m.Timestamp,
			Preview:         m.Preview,
		})
	}
	return out
}

// Conversation is a thread as shown in a conversation list.
type Conversation struct {
	ID           types.ConversationID
	RemotePubkey types.Pubkey
	Latest       DirectMessageRecord
	Count        int
}

// Conversations groups the current list by conversation, most recently
// active first.
func (r *DirectMessageReconciler) Conversations() []Conversation {
	r.mu.Lock()
	defer r.mu.Unlock()

	index := make(map[types.ConversationID]int)
	var out []Conversation
	for _, m := range r.messages {
		if i, ok := index[m.ConversationID]; ok {
			out[i].Count++
			continue
		}
		index[m.ConversationID] = len(out)
		out = append(out, Conversation{
			ID:           m.ConversationID,
			RemotePubkey: m.RemotePubkey,
			Latest:       *m,
			Count:        1,
		})
	}
	return out
}

// MessagesFor returns one conversation's messages, oldest first.
func (r *DirectMessageReconciler) MessagesFor(id types.ConversationID) []DirectMessageRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []DirectMessageRecord
	for i := len(r.messages) - 1; i >= 0; i-- {
		if r.messages[i].ConversationID == id {
			out = append(out, *r.messages[i])
		}
	}
	return out
}
