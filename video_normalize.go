package relaycache

import (
	"encoding/json"
	"math"
	neturl "net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/eljojo/relaycache/types"
	"github.com/nbd-wtf/go-nostr"
)

// Reasons attached to rejected events. They end up in debug logs and in the
// buffer's invalid counters.
const (
	InvalidMissingID       = "missing id"
	InvalidMissingPubkey   = "missing pubkey"
	InvalidNotVideo        = "not a video note"
	InvalidMissingSource   = "missing playable source"
	InvalidMissingTitle    = "missing title"
	InvalidUnsupportedKind = "unsupported kind"
)

var (
	infoHashPattern   = regexp.MustCompile(`^[0-9a-f]{40}$`)
	magnetBtihPattern = regexp.MustCompile(`(?i)xt=urn:btih:([0-9a-z]+)`)
)

// NormalizeResult is the outcome of NormalizeEvent: exactly one of Video,
// Comment or Invalid is set.
type NormalizeResult struct {
	EventID types.EventID
	Video   *VideoRecord
	Comment *CommentRecord
	Invalid string
}

// IsInvalid reports whether the event was rejected.
func (r NormalizeResult) IsInvalid() bool {
	return r.Invalid != ""
}

func invalid(id types.EventID, reason string) NormalizeResult {
	return NormalizeResult{EventID: id, Invalid: reason}
}

// NormalizeEvent turns a raw relay event into a typed record.
// It never fails loudly: malformed input comes back with Invalid set.
func NormalizeEvent(ev *nostr.Event) NormalizeResult {
	if ev == nil {
		return invalid("", InvalidMissingID)
	}
	id := types.EventID(strings.ToLower(strings.TrimSpace(ev.ID)))
	if id == "" {
		return invalid(id, InvalidMissingID)
	}
	pubkey := types.NormalizeLoose(ev.PubKey)
	if pubkey == "" {
		return invalid(id, InvalidMissingPubkey)
	}

	switch ev.Kind {
	case KindVideo:
		return normalizeVideo(ev, id, pubkey)
	case KindComment, KindLegacyComment:
		return normalizeComment(ev, id, pubkey)
	default:
		return invalid(id, InvalidUnsupportedKind)
	}
}

func normalizeVideo(ev *nostr.Event, id types.EventID, pubkey types.Pubkey) NormalizeResult {
	if !hasVideoTopic(ev.Tags) {
		return invalid(id, InvalidNotVideo)
	}

	// Unparseable or non-object content is treated as empty.
	content := map[string]any{}
	if ev.Content != "" {
		var parsed any
		if err := json.Unmarshal([]byte(ev.Content), &parsed); err == nil {
			if m, ok := parsed.(map[string]any); ok {
				content = m
			}
		}
	}

	url := stringField(content, "url")
	magnet := stringField(content, "magnet")
	if !strings.HasPrefix(strings.ToLower(magnet), "magnet:?") {
		magnet = ""
	}
	// Deletion markers carry no source; they only need to be identifiable.
	deleted := boolField(content, "deleted")
	if url == "" && magnet == "" && !deleted {
		return invalid(id, InvalidMissingSource)
	}

	title := stringField(content, "title")
	if title == "" {
		title = strings.TrimSpace(firstTagValue(ev.Tags, "title"))
	}
	if title == "" {
		return invalid(id, InvalidMissingTitle)
	}

	version := contentVersion(content)
	if version < MinVideoVersion {
		return invalid(id, "unsupported version "+strconv.Itoa(version))
	}

	isNSFW := boolField(content, "isNsfw")
	dTag := firstTagValue(ev.Tags, "d")
	rootID := stringField(content, "videoRootId")

	mode := stringField(content, "mode")
	if mode == "" {
		mode = "live"
	}

	infoHash := normalizeInfoHash(stringField(content, "infoHash"))
	if infoHash == "" && magnet != "" {
		if m := magnetBtihPattern.FindStringSubmatch(magnet); len(m) == 2 {
			infoHash = normalizeInfoHash(m[1])
		}
	}

	ws := stringField(content, "ws")
	xs := stringField(content, "xs")
	if magnet != "" && (ws == "" || xs == "") {
		hintWS, hintXS := magnetHints(magnet)
		if ws == "" {
			ws = hintWS
		}
		if xs == "" {
			xs = hintXS
		}
	}

	enableComments := true
	if v, ok := content["enableComments"].(bool); ok && !v {
		enableComments = false
	}

	return NormalizeResult{
		EventID: id,
		Video: &VideoRecord{
			ID:             id,
			Pubkey:         pubkey,
			CreatedAt:      int64(ev.CreatedAt),
			Kind:           ev.Kind,
			Tags:           ev.Tags,
			Content:        ev.Content,
			EntityKey:      EntityKeyFor(rootID, pubkey, dTag, id),
			VideoRootID:    rootID,
			DTag:           dTag,
			Version:        version,
			Deleted:        deleted,
			Title:          title,
			URL:            url,
			Magnet:         magnet,
			InfoHash:       infoHash,
			Thumbnail:      stringField(content, "thumbnail"),
			Description:    stringField(content, "description"),
			Mode:           mode,
			WS:             ws,
			XS:             xs,
			IsPrivate:      boolField(content, "isPrivate"),
			IsNSFW:         isNSFW,
			IsForKids:      boolField(content, "isForKids") && !isNSFW,
			EnableComments: enableComments,
		},
	}
}

func hasVideoTopic(tags nostr.Tags) bool {
	for _, tag := range tags {
		if len(tag) >= 2 && tag[0] == "t" && tag[1] == VideoTopic {
			return true
		}
	}
	return false
}

func stringField(content map[string]any, key string) string {
	s, _ := content[key].(string)
	return strings.TrimSpace(s)
}

// boolField only accepts a literal true; "true" strings and numbers do not count.
func boolField(content map[string]any, key string) bool {
	b, _ := content[key].(bool)
	return b
}

// contentVersion defaults a missing version to the current schema and
// treats anything unparseable as the legacy schema.
func contentVersion(content map[string]any) int {
	raw, ok := content["version"]
	if !ok {
		return MinVideoVersion
	}
	var f float64
	switch v := raw.(type) {
	case float64:
		f = v
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 1
		}
		f = parsed
	case bool:
		if v {
			f = 1
		}
	case nil:
		f = 0
	default:
		return 1
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 1
	}
	return int(f)
}

func normalizeInfoHash(candidate string) string {
	candidate = strings.ToLower(strings.TrimSpace(candidate))
	if infoHashPattern.MatchString(candidate) {
		return candidate
	}
	return ""
}

// magnetHints pulls the first ws (web seed) and xs (exact source) params.
func magnetHints(magnet string) (ws, xs string) {
	query := magnet[strings.Index(magnet, "?")+1:]
	for _, part := range strings.Split(query, "&") {
		key, value, found := strings.Cut(part, "=")
		if !found {
			continue
		}
		switch strings.ToLower(key) {
		case "ws":
			if ws == "" {
				ws = unescapeParam(value)
			}
		case "xs":
			if xs == "" {
				xs = unescapeParam(value)
			}
		}
	}
	return ws, xs
}

func unescapeParam(value string) string {
	if decoded, err := neturl.QueryUnescape(value); err == nil {
		return decoded
	}
	return value
}
