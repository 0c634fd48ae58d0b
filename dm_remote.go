package relaycache

import "github.com/eljojo/relaycache/types"

// remoteStrategy proposes candidates for the other party of a message.
type remoteStrategy struct {
	name       string
	candidates func(m *RawDirectMessage, dir Direction) []string
}

// remoteStrategies run in order; the first candidate that is a valid key and
// not the actor wins.
var remoteStrategies = []remoteStrategy{
	{"explicit", func(m *RawDirectMessage, _ Direction) []string {
		return []string{m.RemotePubkey}
	}},
	{"snapshot", func(m *RawDirectMessage, _ Direction) []string {
		if m.Snapshot == nil {
			return nil
		}
		return []string{m.Snapshot.RemotePubkey}
	}},
	{"incoming-sender", func(m *RawDirectMessage, dir Direction) []string {
		if dir != DirectionIncoming {
			return nil
		}
		return []string{m.Sender}
	}},
	{"recipients", func(m *RawDirectMessage, _ Direction) []string {
		return m.Recipients
	}},
	{"outgoing-sender", func(m *RawDirectMessage, dir Direction) []string {
		if dir != DirectionOutgoing {
			return nil
		}
		return []string{m.Sender}
	}},
	{"message-pubkey", func(m *RawDirectMessage, _ Direction) []string {
		if m.Message == nil {
			return nil
		}
		return []string{m.Message.Pubkey}
	}},
	{"event-pubkey", func(m *RawDirectMessage, _ Direction) []string {
		if m.Event == nil {
			return nil
		}
		return []string{m.Event.PubKey}
	}},
	{"sender", func(m *RawDirectMessage, _ Direction) []string {
		return []string{m.Sender}
	}},
}

// ResolveRemote finds the other party of a message from actor's point of
// view. It returns "" when nothing resolves or the message is not OK.
func ResolveRemote(m *RawDirectMessage, actor types.Pubkey) (types.Pubkey, string) {
	if m == nil || !m.OK {
		return "", ""
	}
	actor = types.NormalizeLoose(actor.String())
	dir := ParseDirection(m.Direction)

	for _, strategy := range remoteStrategies {
		for _, raw := range strategy.candidates(m, dir) {
			candidate := types.NormalizePubkey(raw)
			if candidate != "" && candidate != actor {
				return candidate, strategy.name
			}
		}
	}
	return "", ""
}
