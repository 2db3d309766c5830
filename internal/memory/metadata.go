package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

const (
	kindMessage = "message"
	kindSummary = "summary"

	keyKind             = "kind"
	keySessionID        = "session_id"
	keyChatID           = "chat_id"
	keyMessageID        = "message_id"
	keySenderID         = "sender_id"
	keySenderNameHash   = "sender_name_hash"
	keyIsOutgoing       = "is_outgoing"
	keyDate             = "date"
	keyTimestamp        = "timestamp"
	keyDay              = "day"
	keyTextLength       = "text_length"
	keyTextHash         = "text_hash"
	keyLanguage         = "language"
	keyHasMedia         = "has_media"
	keyIsReply          = "is_reply"
	keyRetentionExpires = "retention_expires"
	keyText             = "text"

	keySummary      = "summary"
	keyStartDay     = "start_day"
	keyEndDay       = "end_day"
	keyDays         = "days"
	keyMessageCount = "message_count"
	keyCreatedAt    = "created_at"
	keyRolling      = "rolling"

	RelevanceHigh   = "high"
	RelevanceMedium = "medium"
	RelevanceLow    = "low"
)

// pointNamespace seeds deterministic point ids.
var pointNamespace = uuid.MustParse("5f0c7a2e-8d1b-4c59-9a7e-3b2f61d0c4a8")

// PointID derives the stable id of a message point, so re-ingesting the same
// message is an upsert.
func PointID(scope Scope, messageID, timestamp string) string {
	key := strings.Join([]string{scope.SessionID, scope.ChatID, messageID, timestamp}, "|")
	return uuid.NewSHA1(pointNamespace, []byte(key)).String()
}

func summaryPointID(scope Scope, startDay, endDay string, rolling bool) string {
	key := strings.Join([]string{scope.SessionID, scope.ChatID, kindSummary, startDay, endDay, fmt.Sprint(rolling)}, "|")
	return uuid.NewSHA1(pointNamespace, []byte(key)).String()
}

func hashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

var englishMarkers = map[string]struct{}{
	"the": {}, "and": {}, "is": {}, "to": {}, "a": {}, "in": {}, "it": {}, "you": {}, "that": {},
}

// DetectLanguage is a coarse ru/en/unknown guess.
func DetectLanguage(text string) string {
	for _, r := range text {
		if unicode.Is(unicode.Cyrillic, r) {
			return "ru"
		}
	}
	for _, word := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r)
	}) {
		if _, ok := englishMarkers[word]; ok {
			return "en"
		}
	}
	return "unknown"
}

func relevanceTier(score float64) string {
	switch {
	case score >= 0.85:
		return RelevanceHigh
	case score >= 0.75:
		return RelevanceMedium
	default:
		return RelevanceLow
	}
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromUnixSeconds(v float64) time.Time {
	if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return time.Time{}
	}
	sec, frac := math.Modf(v)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

func payloadString(payload map[string]any, key string) string {
	switch v := payload[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func payloadFloat(payload map[string]any, key string) float64 {
	switch v := payload[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}

func payloadInt(payload map[string]any, key string) int {
	return int(payloadFloat(payload, key))
}

func payloadBool(payload map[string]any, key string) bool {
	v, _ := payload[key].(bool)
	return v
}

func payloadStrings(payload map[string]any, key string) []string {
	switch v := payload[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// messageFromPayload decodes a message point. The payload date keeps the
// original offset, so rendering shows the sender's wall clock.
func messageFromPayload(id string, payload map[string]any) StoredMessage {
	msg := StoredMessage{
		PointID:    id,
		MessageID:  payloadString(payload, keyMessageID),
		SenderID:   payloadString(payload, keySenderID),
		IsOutgoing: payloadBool(payload, keyIsOutgoing),
		Text:       payloadString(payload, keyText),
		Day:        payloadString(payload, keyDay),
		Language:   payloadString(payload, keyLanguage),
		TextLength: payloadInt(payload, keyTextLength),
		TextHash:   payloadString(payload, keyTextHash),
	}
	if parsed, err := time.Parse(time.RFC3339Nano, payloadString(payload, keyDate)); err == nil {
		msg.Time = parsed
	} else {
		msg.Time = fromUnixSeconds(payloadFloat(payload, keyTimestamp))
	}
	if msg.Day == "" && !msg.Time.IsZero() {
		msg.Day = DayBucket(msg.Time)
	}
	return msg
}

func summaryFromPayload(id string, payload map[string]any) SummaryChunk {
	return SummaryChunk{
		ID:           id,
		Summary:      payloadString(payload, keySummary),
		StartDay:     payloadString(payload, keyStartDay),
		EndDay:       payloadString(payload, keyEndDay),
		Days:         payloadStrings(payload, keyDays),
		MessageCount: payloadInt(payload, keyMessageCount),
		CreatedAt:    fromUnixSeconds(payloadFloat(payload, keyCreatedAt)),
		Rolling:      payloadBool(payload, keyRolling),
	}
}

// timestampSeconds orders stored messages by time.
func timestampSeconds(m StoredMessage) float64 {
	if m.Time.IsZero() {
		return 0
	}
	return unixSeconds(m.Time)
}
