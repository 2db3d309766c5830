package bus

import (
	"strings"
	"time"
)

// InboundMessage is one chat message received by a channel.
type InboundMessage struct {
	Channel    string
	MessageID  string
	SenderID   string
	SenderName string
	ChatID     string
	Content    string
	Timestamp  time.Time
	IsOutgoing bool
	HasMedia   bool
	ReplyToID  string
	Metadata   map[string]any
}

func (m *InboundMessage) SessionKey() string {
	return m.Channel + ":" + m.ChatID
}

// Command returns the slash command the message starts with ("/suggest"),
// without any "@botname" suffix, and the remaining text.
func (m *InboundMessage) Command() (string, string) {
	text := strings.TrimSpace(m.Content)
	if !strings.HasPrefix(text, "/") {
		return "", text
	}
	name, rest, _ := strings.Cut(text, " ")
	if at := strings.IndexByte(name, '@'); at > 0 {
		name = name[:at]
	}
	return strings.ToLower(name), strings.TrimSpace(rest)
}

type OutboundMessage struct {
	Channel  string
	ChatID   string
	Content  string
	ReplyTo  string
	Metadata map[string]any
}
