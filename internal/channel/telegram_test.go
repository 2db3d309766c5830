package channel

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/stellarlinkco/mimic/internal/bus"
	"github.com/stellarlinkco/mimic/internal/config"
)

// mockTelegramBot implements TelegramBot interface for testing
type mockTelegramBot struct {
	mu          sync.Mutex
	updatesChan chan tgbotapi.Update
	stopped     bool
	sentMsgs    []tgbotapi.MessageConfig
	sendErr     error
	failFirst   bool
	block       chan struct{}
	self        tgbotapi.User
}

func newMockBot() *mockTelegramBot {
	return &mockTelegramBot{
		updatesChan: make(chan tgbotapi.Update, 10),
		self:        tgbotapi.User{UserName: "testbot"},
	}
}

func (m *mockTelegramBot) GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return m.updatesChan
}

func (m *mockTelegramBot) StopReceivingUpdates() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
}

func (m *mockTelegramBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, _ := c.(tgbotapi.MessageConfig)
	m.sentMsgs = append(m.sentMsgs, msg)
	if m.failFirst && len(m.sentMsgs) == 1 {
		return tgbotapi.Message{}, fmt.Errorf("HTML parse error")
	}
	if m.sendErr != nil {
		return tgbotapi.Message{}, m.sendErr
	}
	return tgbotapi.Message{MessageID: 1}, nil
}

func (m *mockTelegramBot) GetSelf() tgbotapi.User {
	return m.self
}

func (m *mockTelegramBot) sent() []tgbotapi.MessageConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]tgbotapi.MessageConfig(nil), m.sentMsgs...)
}

func newTestTelegram(t *testing.T, cfg config.TelegramConfig, b *bus.MessageBus, bot *mockTelegramBot) *TelegramChannel {
	t.Helper()
	if cfg.Token == "" {
		cfg.Token = "fake-token"
	}
	ch, err := NewTelegramChannelWithFactory(cfg, b, func(token, apiEndpoint string, client *http.Client) (TelegramBot, error) {
		if bot == nil {
			return nil, fmt.Errorf("auth failed")
		}
		return bot, nil
	})
	if err != nil {
		t.Fatalf("NewTelegramChannelWithFactory error: %v", err)
	}
	return ch
}

func TestNewTelegramChannel(t *testing.T) {
	b := bus.NewMessageBus(10)
	if _, err := NewTelegramChannel(config.TelegramConfig{}, b); err == nil {
		t.Error("expected error for empty token")
	}

	ch, err := NewTelegramChannel(config.TelegramConfig{Token: "fake-token", Proxy: "http://proxy.local:8080"}, b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ch.Name() != "telegram" {
		t.Errorf("Name = %q, want telegram", ch.Name())
	}
	if ch.proxy != "http://proxy.local:8080" {
		t.Errorf("proxy = %q", ch.proxy)
	}
	if err := ch.Stop(); err != nil {
		t.Errorf("Stop before Start: %v", err)
	}
}

func TestTelegramChannel_InitBot(t *testing.T) {
	b := bus.NewMessageBus(10)

	ok := newTestTelegram(t, config.TelegramConfig{}, b, newMockBot())
	if err := ok.initBot(); err != nil || ok.bot == nil {
		t.Errorf("initBot = %v, bot = %v", err, ok.bot)
	}

	failing := newTestTelegram(t, config.TelegramConfig{}, b, nil)
	if err := failing.initBot(); err == nil {
		t.Error("expected error from initBot")
	}

	badProxy, _ := NewTelegramChannelWithFactory(config.TelegramConfig{Token: "fake-token", Proxy: "://invalid-url"}, b, defaultBotFactory)
	if err := badProxy.initBot(); err == nil {
		t.Error("expected error for invalid proxy URL")
	}
}

func TestTelegramChannel_HandleMessage(t *testing.T) {
	tests := []struct {
		name      string
		allowFrom []string
		msg       *tgbotapi.Message
		want      *bus.InboundMessage
	}{
		{
			name: "text",
			msg: &tgbotapi.Message{
				MessageID: 77,
				From:      &tgbotapi.User{ID: 123, FirstName: "Ann", LastName: "Lee", UserName: "ann"},
				Chat:      &tgbotapi.Chat{ID: 456},
				Text:      "hello",
				Date:      1234567890,
				ReplyToMessage: &tgbotapi.Message{
					MessageID: 70,
				},
			},
			want: &bus.InboundMessage{
				Channel: "telegram", MessageID: "77", SenderID: "123", SenderName: "Ann Lee",
				ChatID: "456", Content: "hello", Timestamp: time.Unix(1234567890, 0), ReplyToID: "70",
			},
		},
		{
			name: "caption with photo",
			msg: &tgbotapi.Message{
				MessageID: 5,
				From:      &tgbotapi.User{ID: 123, UserName: "ann"},
				Chat:      &tgbotapi.Chat{ID: 456},
				Caption:   "image caption",
				Photo:     []tgbotapi.PhotoSize{{FileID: "p"}},
			},
			want: &bus.InboundMessage{
				Channel: "telegram", MessageID: "5", SenderID: "123", SenderName: "ann",
				ChatID: "456", Content: "image caption", Timestamp: time.Unix(0, 0), HasMedia: true,
			},
		},
		{
			name:      "rejected sender",
			allowFrom: []string{"999"},
			msg: &tgbotapi.Message{
				From: &tgbotapi.User{ID: 123},
				Chat: &tgbotapi.Chat{ID: 456},
				Text: "hello",
			},
		},
		{
			name: "empty text",
			msg: &tgbotapi.Message{
				From: &tgbotapi.User{ID: 123},
				Chat: &tgbotapi.Chat{ID: 456},
			},
		},
		{
			name: "channel post without sender",
			msg:  &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: 456}, Text: "news"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := bus.NewMessageBus(10)
			ch := newTestTelegram(t, config.TelegramConfig{AllowFrom: tt.allowFrom}, b, newMockBot())
			ch.handleMessage(tt.msg)

			select {
			case got := <-b.Inbound:
				if tt.want == nil {
					t.Fatalf("unexpected inbound message %+v", got)
				}
				if got.Channel != tt.want.Channel || got.MessageID != tt.want.MessageID ||
					got.SenderID != tt.want.SenderID || got.SenderName != tt.want.SenderName ||
					got.ChatID != tt.want.ChatID || got.Content != tt.want.Content ||
					!got.Timestamp.Equal(tt.want.Timestamp) || got.HasMedia != tt.want.HasMedia ||
					got.ReplyToID != tt.want.ReplyToID {
					t.Fatalf("inbound = %+v, want %+v", got, *tt.want)
				}
				recent, _ := ch.RecentMessages(context.Background(), tt.want.ChatID, 5)
				if len(recent) != 1 {
					t.Errorf("history holds %d messages, want 1", len(recent))
				}
			default:
				if tt.want != nil {
					t.Fatal("expected inbound message")
				}
			}
		})
	}
}

func TestTelegramChannel_Start(t *testing.T) {
	b := bus.NewMessageBus(10)
	bot := newMockBot()
	ch := newTestTelegram(t, config.TelegramConfig{}, b, bot)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := ch.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	bot.updatesChan <- tgbotapi.Update{Message: nil}
	bot.updatesChan <- tgbotapi.Update{Message: &tgbotapi.Message{
		From: &tgbotapi.User{ID: 123},
		Chat: &tgbotapi.Chat{ID: 456},
		Text: "test message",
	}}

	select {
	case inbound := <-b.Inbound:
		if inbound.Content != "test message" {
			t.Errorf("content = %q, want 'test message'", inbound.Content)
		}
	case <-time.After(time.Second):
		t.Fatal("expected inbound message")
	}

	_ = ch.Stop()
	bot.mu.Lock()
	stopped := bot.stopped
	bot.mu.Unlock()
	if !stopped {
		t.Error("bot should be stopped")
	}

	failing := newTestTelegram(t, config.TelegramConfig{}, b, nil)
	if err := failing.Start(context.Background()); err == nil {
		t.Error("expected error from Start")
	}
}

func TestTelegramChannel_Send(t *testing.T) {
	b := bus.NewMessageBus(10)

	ch := newTestTelegram(t, config.TelegramConfig{}, b, nil)
	if err := ch.Send(bus.OutboundMessage{ChatID: "123", Content: "test"}); err == nil {
		t.Error("expected error when bot is nil")
	}

	bot := newMockBot()
	ch.SetBot(bot)
	if err := ch.Send(bus.OutboundMessage{ChatID: "not-a-number", Content: "test"}); err == nil {
		t.Error("expected error for invalid chat ID")
	}
	if err := ch.Send(bus.OutboundMessage{ChatID: "123", Content: "**hi**"}); err != nil {
		t.Fatalf("Send error: %v", err)
	}
	sent := bot.sent()
	if len(sent) != 1 || sent[0].Text != "<b>hi</b>" || sent[0].ParseMode != tgbotapi.ModeHTML {
		t.Fatalf("sent = %+v", sent)
	}
}

func TestTelegramChannel_Send_Splits(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"with newlines", strings.Repeat("This is a long line of text that will be repeated.\n", 100)},
		{"without newlines", strings.Repeat("x", 5000)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bot := newMockBot()
			ch := newTestTelegram(t, config.TelegramConfig{}, bus.NewMessageBus(1), bot)
			ch.SetBot(bot)
			if err := ch.Send(bus.OutboundMessage{ChatID: "123", Content: tt.content}); err != nil {
				t.Fatalf("Send error: %v", err)
			}
			sent := bot.sent()
			if len(sent) < 2 {
				t.Fatalf("expected multiple messages, got %d", len(sent))
			}
			for _, m := range sent {
				if len(m.Text) > telegramMaxLen {
					t.Errorf("chunk of %d bytes exceeds limit", len(m.Text))
				}
			}
		})
	}
}

func TestTelegramChannel_Send_RetriesPlainText(t *testing.T) {
	bot := newMockBot()
	bot.failFirst = true
	ch := newTestTelegram(t, config.TelegramConfig{}, bus.NewMessageBus(1), bot)
	ch.SetBot(bot)

	if err := ch.Send(bus.OutboundMessage{ChatID: "123", Content: "a <b"}); err != nil {
		t.Fatalf("Send should succeed after retry: %v", err)
	}
	sent := bot.sent()
	if len(sent) != 2 || sent[1].ParseMode != "" || sent[1].Text != "a <b" {
		t.Fatalf("retry = %+v", sent)
	}

	failing := newMockBot()
	failing.sendErr = fmt.Errorf("send failed")
	ch.SetBot(failing)
	if err := ch.Send(bus.OutboundMessage{ChatID: "123", Content: "test"}); err == nil {
		t.Error("expected error when both sends fail")
	}
}

func TestTelegramChannel_SendTextHonoursContext(t *testing.T) {
	bot := newMockBot()
	bot.block = make(chan struct{})
	defer close(bot.block)
	ch := newTestTelegram(t, config.TelegramConfig{}, bus.NewMessageBus(1), bot)
	ch.SetBot(bot)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := ch.SendText(ctx, "123", "hi")
	if err == nil || !strings.Contains(err.Error(), "deadline exceeded") {
		t.Fatalf("SendText = %v, want deadline error", err)
	}
}

func TestToTelegramHTML(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain", "hello", "hello"},
		{"bold", "**bold**", "<b>bold</b>"},
		{"inline code", "`code`", "<code>code</code>"},
		{"entities", "a & <tag>", "a &amp; &lt;tag&gt;"},
		{"code block with language", "```go\nfunc main() {}\n```", "<pre>func main() {}\n</pre>"},
		{"code block without language", "```\ncode here\n```", "<pre>\ncode here\n</pre>"},
		{"mixed bold and italic", "**bold** and *italic*", "<b>bold</b> and <i>italic</i>"},
		{"unclosed inline code", "`code", "`code"},
		{"unclosed italic", "*italic", "*italic"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := toTelegramHTML(tt.input); got != tt.want {
				t.Errorf("toTelegramHTML(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
