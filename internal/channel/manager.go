package channel

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/stellarlinkco/mimic/internal/bus"
	"github.com/stellarlinkco/mimic/internal/config"
	"github.com/stellarlinkco/mimic/internal/logger"
)

type ChannelManager struct {
	mu       sync.RWMutex
	channels map[string]Channel
	bus      *bus.MessageBus
	log      *logger.Logger
}

// NewChannelManager creates the enabled channels and subscribes each to
// its outbound messages.
func NewChannelManager(cfg config.ChannelsConfig, b *bus.MessageBus, log *logger.Logger) (*ChannelManager, error) {
	if log == nil {
		log = logger.Nop()
	}
	m := &ChannelManager{
		channels: make(map[string]Channel),
		bus:      b,
		log:      log.Named("channel-mgr"),
	}

	if cfg.Telegram.Enabled {
		ch, err := NewTelegramChannel(cfg.Telegram, b)
		if err != nil {
			return nil, fmt.Errorf("init telegram channel: %w", err)
		}
		ch.SetLogger(log)
		m.Register(ch)
	}

	if cfg.WhatsApp.Enabled {
		ch, err := NewWhatsApp(cfg.WhatsApp, b)
		if err != nil {
			return nil, fmt.Errorf("create whatsapp channel: %w", err)
		}
		ch.SetLogger(log)
		m.Register(ch)
	}

	return m, nil
}

// Register adds ch and routes outbound messages for its name to it.
func (m *ChannelManager) Register(ch Channel) {
	m.mu.Lock()
	m.channels[ch.Name()] = ch
	m.mu.Unlock()
	if m.bus == nil {
		return
	}
	m.bus.SubscribeOutbound(ch.Name(), func(msg bus.OutboundMessage) {
		if err := ch.Send(msg); err != nil {
			m.log.Warn("send failed", "channel", ch.Name(), "chat_id", msg.ChatID, "error", err)
		}
	})
}

// Transport returns the named channel when it can list and send messages.
func (m *ChannelManager) Transport(name string) (Transport, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tr, ok := m.channels[name].(Transport)
	return tr, ok
}

func (m *ChannelManager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	channels := make(map[string]Channel, len(m.channels))
	for name, ch := range m.channels {
		channels[name] = ch
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	errCh := make(chan error, len(channels))

	for name, ch := range channels {
		wg.Add(1)
		go func(name string, ch Channel) {
			defer wg.Done()
			m.log.Info("starting channel", "channel", name)
			if err := ch.Start(ctx); err != nil {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}(name, ch)
	}

	wg.Wait()
	close(errCh)

	for err := range errCh {
		return err
	}
	return nil
}

// StopAll stops every channel. Stop errors are logged, not returned.
func (m *ChannelManager) StopAll() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, ch := range m.channels {
		m.log.Info("stopping channel", "channel", name)
		if err := ch.Stop(); err != nil {
			m.log.Warn("stop failed", "channel", name, "error", err)
		}
	}
	return nil
}

func (m *ChannelManager) EnabledChannels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
