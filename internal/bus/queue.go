package bus

import (
	"context"
	"sync"

	"github.com/stellarlinkco/mimic/internal/logger"
)

// MessageBus decouples channels from the gateway loop. Channels push to
// Inbound; the gateway pushes to Outbound and DispatchOutbound routes each
// message to the subscribers of its channel.
type MessageBus struct {
	Inbound  chan InboundMessage
	Outbound chan OutboundMessage

	mu          sync.RWMutex
	subscribers map[string][]func(OutboundMessage)
	log         *logger.Logger
}

func NewMessageBus(bufSize int) *MessageBus {
	if bufSize < 0 {
		bufSize = 0
	}
	return &MessageBus{
		Inbound:     make(chan InboundMessage, bufSize),
		Outbound:    make(chan OutboundMessage, bufSize),
		subscribers: make(map[string][]func(OutboundMessage)),
		log:         logger.Nop(),
	}
}

// SetLogger replaces the bus logger; nil keeps the current one.
func (b *MessageBus) SetLogger(log *logger.Logger) {
	if log != nil {
		b.log = log.Named("bus")
	}
}

func (b *MessageBus) SubscribeOutbound(channel string, fn func(OutboundMessage)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[channel] = append(b.subscribers[channel], fn)
}

// Publish queues msg for the gateway or gives up when ctx ends first.
func (b *MessageBus) Publish(ctx context.Context, msg InboundMessage) bool {
	select {
	case b.Inbound <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

// DispatchOutbound runs until ctx is cancelled.
func (b *MessageBus) DispatchOutbound(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-b.Outbound:
			b.mu.RLock()
			subs := b.subscribers[msg.Channel]
			b.mu.RUnlock()
			if len(subs) == 0 {
				b.log.Warn("no subscriber for outbound message", "channel", msg.Channel, "chat_id", msg.ChatID)
				continue
			}
			for _, fn := range subs {
				fn(msg)
			}
		}
	}
}
