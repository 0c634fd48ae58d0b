package relaycache

import (
	"strings"

	"github.com/eljojo/relaycache/snapshot"
	"github.com/eljojo/relaycache/types"
	"github.com/nbd-wtf/go-nostr"
)

// Direction of a direct message relative to the actor.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
	DirectionUnknown  Direction = "unknown"
)

// ParseDirection accepts any casing; unknown values map to DirectionUnknown.
func ParseDirection(raw string) Direction {
	switch Direction(strings.ToLower(strings.TrimSpace(raw))) {
	case DirectionIncoming:
		return DirectionIncoming
	case DirectionOutgoing:
		return DirectionOutgoing
	default:
		return DirectionUnknown
	}
}

// DecryptedMessage is the inner message after decryption upstream.
type DecryptedMessage struct {
	ID        string
	Pubkey    string
	CreatedAt int64
	Content   string
}

// RawDirectMessage is what the decryption layer hands over. Fields are
// optional and resolved in a fixed order of preference.
type RawDirectMessage struct {
	OK           bool
	ID           string
	Event        *nostr.Event
	Message      *DecryptedMessage
	Direction    string
	Sender       string
	Recipients   []string
	RemotePubkey string
	Snapshot     *snapshot.ConversationSummary
	Timestamp    int64
	Plaintext    string
}

// eventID resolves the message's event id: explicit, then the wrapping
// event, then the inner message.
func (m *RawDirectMessage) eventID() types.EventID {
	candidates := []string{m.ID}
	if m.Event != nil {
		candidates = append(candidates, m.Event.ID)
	}
	if m.Message != nil {
		candidates = append(candidates, m.Message.ID)
	}
	for _, candidate := range candidates {
		if c := strings.ToLower(strings.TrimSpace(candidate)); c != "" {
			return types.EventID(c)
		}
	}
	return ""
}

// timestamp resolves explicit, message created_at, event created_at. The
// second return is false when none was usable.
func (m *RawDirectMessage) timestamp() (int64, bool) {
	if m.Timestamp > 0 {
		return m.Timestamp, true
	}
	if m.Message != nil && m.Message.CreatedAt > 0 {
		return m.Message.CreatedAt, true
	}
	if m.Event != nil && m.Event.CreatedAt > 0 {
		return int64(m.Event.CreatedAt), true
	}
	return 0, false
}

func (m *RawDirectMessage) preview() string {
	if m.Plaintext != "" {
		return snapshot.TruncatePreview(m.Plaintext)
	}
	if m.Message != nil {
		return snapshot.TruncatePreview(m.Message.Content)
	}
	return ""
}

// DirectMessageRecord is one message in the reconciled list.
type DirectMessageRecord struct {
	EventID                types.EventID
	ConversationID         types.ConversationID
	RemotePubkey           types.Pubkey
	Timestamp              int64
	Preview                string
	Direction              Direction
	FromSnapshot           bool
	LowConfidenceTimestamp bool
}
