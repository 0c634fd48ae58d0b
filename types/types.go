package types

import (
	"regexp"
	"strings"

	"github.com/nbd-wtf/go-nostr/nip19"
)

// Pubkey is a type-safe wrapper for hex-encoded author identities
type Pubkey string

// EventID is a type-safe wrapper for signed event ids
type EventID string

// EntityKey groups every revision of the same logical video
type EntityKey string

// ConversationID is the order-independent id of a two-party DM thread
type ConversationID string

// String converts Pubkey to string
func (p Pubkey) String() string {
	return string(p)
}

// Short returns the first 8 characters, for logs.
func (p Pubkey) Short() string {
	if len(p) <= 8 {
		return string(p)
	}
	return string(p[:8])
}

// String converts EventID to string
func (id EventID) String() string {
	return string(id)
}

// String converts EntityKey to string
func (k EntityKey) String() string {
	return string(k)
}

// String converts ConversationID to string
func (c ConversationID) String() string {
	return string(c)
}

var hex64 = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)

// NormalizePubkey accepts a 64-char hex key or an npub and returns the
// lowercase hex form. Anything else normalizes to "".
func NormalizePubkey(raw string) Pubkey {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	if hex64.MatchString(trimmed) {
		return Pubkey(strings.ToLower(trimmed))
	}
	if strings.HasPrefix(trimmed, "npub1") {
		prefix, value, err := nip19.Decode(trimmed)
		if err != nil || prefix != "npub" {
			return ""
		}
		hex, ok := value.(string)
		if !ok || !hex64.MatchString(hex) {
			return ""
		}
		return Pubkey(strings.ToLower(hex))
	}
	return ""
}

// NormalizeLoose lowercases and trims without validating the format.
// Used for identities coming from trusted local callers.
func NormalizeLoose(raw string) Pubkey {
	if p := NormalizePubkey(raw); p != "" {
		return p
	}
	return Pubkey(strings.ToLower(strings.TrimSpace(raw)))
}
