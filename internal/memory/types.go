package memory

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stellarlinkco/mimic/internal/vectorstore"
)

var (
	ErrTextTooShort  = errors.New("message text is empty or too short")
	ErrScopeRequired = errors.New("conversation scope requires session and chat id")
)

// Scope partitions every stored point. All reads and writes carry both
// equality conditions.
type Scope struct {
	SessionID string
	ChatID    string
}

func NewScope(sessionID, chatID string) (Scope, error) {
	s := Scope{SessionID: strings.TrimSpace(sessionID), ChatID: strings.TrimSpace(chatID)}
	if !s.Valid() {
		return Scope{}, ErrScopeRequired
	}
	return s, nil
}

func (s Scope) Valid() bool {
	return strings.TrimSpace(s.SessionID) != "" && strings.TrimSpace(s.ChatID) != ""
}

func (s Scope) String() string {
	return s.SessionID + "/" + s.ChatID
}

// filter returns the mandatory scope conditions. An invalid scope is a
// programming error, so it panics instead of producing an unscoped query.
func (s Scope) filter() vectorstore.Filter {
	s.mustValid()
	return vectorstore.Filter{}.And(
		vectorstore.Eq(keySessionID, s.SessionID),
		vectorstore.Eq(keyChatID, s.ChatID),
	)
}

func (s Scope) mustValid() {
	if !s.Valid() {
		panic(fmt.Sprintf("memory: unscoped query: %v", ErrScopeRequired))
	}
}

// owns reports whether a decoded payload belongs to the scope.
func (s Scope) owns(payload map[string]any) bool {
	return payloadString(payload, keySessionID) == s.SessionID && payloadString(payload, keyChatID) == s.ChatID
}

// Message is an inbound chat message as delivered by a transport.
// Timestamp is kept raw and parsed by the TimestampParser.
type Message struct {
	ID         string `json:"id"`
	SenderID   string `json:"sender_id,omitempty"`
	SenderName string `json:"sender_name,omitempty"`
	Text       string `json:"text"`
	Timestamp  string `json:"date,omitempty"`
	IsOutgoing bool   `json:"is_outgoing,omitempty"`
	HasMedia   bool   `json:"has_media,omitempty"`
	ReplyToID  string `json:"reply_to_id,omitempty"`
}

// StoredMessage is a message point read back from the store. Text is empty
// unless raw text storage is enabled.
type StoredMessage struct {
	PointID    string
	MessageID  string
	SenderID   string
	IsOutgoing bool
	Text       string
	Time       time.Time
	Day        string
	Language   string
	TextLength int
	TextHash   string
}

type SimilarMessage struct {
	StoredMessage
	Score     float64
	Relevance string
	Hint      string
}

// SummaryChunk is a compressed block of messages covering one or more days.
type SummaryChunk struct {
	ID           string
	Summary      string
	StartDay     string
	EndDay       string
	Days         []string
	MessageCount int
	CreatedAt    time.Time
	Rolling      bool
}

type ChatStats struct {
	Messages  int            `json:"messages"`
	Outgoing  int            `json:"outgoing"`
	Incoming  int            `json:"incoming"`
	Languages map[string]int `json:"languages"`
	OldestDay string         `json:"oldest_day,omitempty"`
	NewestDay string         `json:"newest_day,omitempty"`
	Summaries int            `json:"summaries"`
}
