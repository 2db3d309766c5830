package channel

import (
	"context"

	"github.com/stellarlinkco/mimic/internal/bus"
	"github.com/stellarlinkco/mimic/internal/logger"
)

// Channel is a chat network connection managed by the ChannelManager.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Send(msg bus.OutboundMessage) error
}

// Transport is what the rest of mimic needs from a chat network: the latest
// messages of a chat and a way to post text into it.
type Transport interface {
	Name() string
	RecentMessages(ctx context.Context, chatID string, limit int) ([]bus.InboundMessage, error)
	SendText(ctx context.Context, chatID, text string) error
}

// BaseChannel carries the sender allow-list, the bus and the received
// message history shared by every channel.
type BaseChannel struct {
	name      string
	bus       *bus.MessageBus
	allowFrom map[string]struct{}
	history   *History
	lg        *logger.Logger
}

func NewBaseChannel(name string, b *bus.MessageBus, allowFrom []string) BaseChannel {
	allowed := make(map[string]struct{}, len(allowFrom))
	for _, id := range allowFrom {
		allowed[id] = struct{}{}
	}
	return BaseChannel{
		name:      name,
		bus:       b,
		allowFrom: allowed,
		history:   NewHistory(defaultHistorySize),
		lg:        logger.Nop().Named(name),
	}
}

func (c *BaseChannel) Name() string { return c.name }

// SetLogger names log after the channel.
func (c *BaseChannel) SetLogger(log *logger.Logger) {
	if log != nil {
		c.lg = log.Named(c.name)
	}
}

func (c *BaseChannel) log() *logger.Logger {
	if c.lg == nil {
		c.lg = logger.Nop()
	}
	return c.lg
}

// IsAllowed reports whether senderID may talk to the bot. An empty
// allow-list admits everyone.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowFrom) == 0 {
		return true
	}
	_, ok := c.allowFrom[senderID]
	return ok
}

// RecentMessages returns up to limit messages of chatID, oldest first.
func (c *BaseChannel) RecentMessages(_ context.Context, chatID string, limit int) ([]bus.InboundMessage, error) {
	return c.history.Recent(chatID, limit), nil
}

// publish records msg and hands it to the gateway.
func (c *BaseChannel) publish(msg bus.InboundMessage) {
	if c.history == nil {
		c.history = NewHistory(defaultHistorySize)
	}
	c.history.Add(msg)
	if c.bus == nil {
		return
	}
	c.bus.Inbound <- msg
}
