package channel

import (
	"sync"

	"github.com/stellarlinkco/mimic/internal/bus"
)

// Neither bot API can fetch chat history, so channels remember what they
// received.
const defaultHistorySize = 200

// History keeps the last size messages of every chat.
type History struct {
	mu    sync.Mutex
	size  int
	chats map[string]*ring
}

type ring struct {
	items []bus.InboundMessage
	next  int
	full  bool
}

func NewHistory(size int) *History {
	if size <= 0 {
		size = defaultHistorySize
	}
	return &History{size: size, chats: make(map[string]*ring)}
}

func (h *History) Add(msg bus.InboundMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r := h.chats[msg.ChatID]
	if r == nil {
		r = &ring{items: make([]bus.InboundMessage, h.size)}
		h.chats[msg.ChatID] = r
	}
	r.items[r.next] = msg
	r.next = (r.next + 1) % h.size
	if r.next == 0 {
		r.full = true
	}
}

// Recent returns up to limit messages of chatID in arrival order. A
// non-positive limit returns everything kept.
func (h *History) Recent(chatID string, limit int) []bus.InboundMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	r := h.chats[chatID]
	if r == nil {
		return nil
	}
	var ordered []bus.InboundMessage
	if r.full {
		ordered = append(ordered, r.items[r.next:]...)
	}
	ordered = append(ordered, r.items[:r.next]...)
	if limit > 0 && len(ordered) > limit {
		ordered = ordered[len(ordered)-limit:]
	}
	return ordered
}
