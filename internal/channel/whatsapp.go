package channel

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	qrterminal "github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
	_ "modernc.org/sqlite"

	"github.com/stellarlinkco/mimic/internal/bus"
	"github.com/stellarlinkco/mimic/internal/config"
)

const whatsappChannelName = "whatsapp"

const whatsappSendTimeout = 30 * time.Second

type WhatsAppChannel struct {
	BaseChannel
	cfg            config.WhatsAppConfig
	client         *whatsmeow.Client
	storeContainer *sqlstore.Container
	cancel         context.CancelFunc
	handlerID      uint32
	qrOut          io.Writer
}

func NewWhatsApp(cfg config.WhatsAppConfig, msgBus *bus.MessageBus) (*WhatsAppChannel, error) {
	storePath := strings.TrimSpace(cfg.StorePath)
	if storePath == "" {
		storePath = filepath.Join(config.ConfigDir(), "whatsapp-store.db")
	}

	if err := os.MkdirAll(filepath.Dir(storePath), 0755); err != nil {
		return nil, fmt.Errorf("create whatsapp store dir: %w", err)
	}

	storeDSN := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)", filepath.ToSlash(storePath))
	container, err := sqlstore.New(context.Background(), "sqlite", storeDSN, waLog.Noop)
	if err != nil {
		return nil, fmt.Errorf("init whatsapp session store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(context.Background())
	if err != nil {
		_ = container.Close()
		return nil, fmt.Errorf("get whatsapp device: %w", err)
	}

	client := whatsmeow.NewClient(deviceStore, waLog.Noop)

	ch := &WhatsAppChannel{
		BaseChannel:    NewBaseChannel(whatsappChannelName, msgBus, cfg.AllowFrom),
		cfg:            cfg,
		client:         client,
		storeContainer: container,
		qrOut:          os.Stdout,
	}
	ch.handlerID = ch.client.AddEventHandler(ch.handleEvent)

	return ch, nil
}

func (w *WhatsAppChannel) Name() string {
	return whatsappChannelName
}

func (w *WhatsAppChannel) Start(ctx context.Context) error {
	if w.client == nil {
		return fmt.Errorf("whatsapp client not initialized")
	}

	ctx, w.cancel = context.WithCancel(ctx)

	if w.client.Store.ID == nil {
		qrChan, err := w.client.GetQRChannel(ctx)
		if err != nil {
			w.cancel()
			return fmt.Errorf("get whatsapp qr channel: %w", err)
		}
		go w.consumeQR(ctx, qrChan)
	}

	if err := w.client.Connect(); err != nil {
		w.cancel()
		return fmt.Errorf("connect whatsapp: %w", err)
	}

	go func() {
		<-ctx.Done()
		w.client.Disconnect()
	}()

	w.log().Info("connected")
	return nil
}

func (w *WhatsAppChannel) Stop() error {
	if w.cancel != nil {
		w.cancel()
	}

	if w.client != nil {
		if w.handlerID != 0 {
			w.client.RemoveEventHandler(w.handlerID)
			w.handlerID = 0
		}
		w.client.Disconnect()
	}

	if w.storeContainer != nil {
		if err := w.storeContainer.Close(); err != nil {
			return fmt.Errorf("close whatsapp store: %w", err)
		}
		w.storeContainer = nil
	}

	w.log().Info("stopped")
	return nil
}

func (w *WhatsAppChannel) Send(msg bus.OutboundMessage) error {
	return w.send(context.Background(), msg.ChatID, msg.Content)
}

// SendText posts text to chatID, bounded by the send timeout.
func (w *WhatsAppChannel) SendText(ctx context.Context, chatID, text string) error {
	return w.send(ctx, chatID, text)
}

func (w *WhatsAppChannel) send(ctx context.Context, rawChatID, text string) error {
	if w.client == nil {
		return fmt.Errorf("whatsapp client not initialized")
	}

	chatID := strings.TrimSpace(rawChatID)
	if chatID == "" {
		chatID = strings.TrimSpace(w.cfg.JID)
	}
	if chatID == "" {
		return fmt.Errorf("whatsapp chat id is required")
	}

	chatJID, err := parseWhatsAppJID(chatID)
	if err != nil {
		return fmt.Errorf("parse whatsapp chat id %q: %w", chatID, err)
	}

	content := strings.TrimSpace(text)
	if content == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, whatsappSendTimeout)
	defer cancel()

	_, err = w.client.SendMessage(ctx, chatJID, &waE2E.Message{
		Conversation: proto.String(content),
	})
	if err != nil {
		return fmt.Errorf("send whatsapp message: %w", err)
	}

	return nil
}

func (w *WhatsAppChannel) consumeQR(ctx context.Context, qrChan <-chan whatsmeow.QRChannelItem) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-qrChan:
			if !ok {
				return
			}

			switch evt.Event {
			case whatsmeow.QRChannelEventCode:
				w.log().Info("scan the QR code below to login")
				qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, w.qrOut)
			default:
				if evt.Error != nil {
					w.log().Warn("login event", "event", evt.Event, "error", evt.Error)
				} else {
					w.log().Info("login event", "event", evt.Event)
				}
			}
		}
	}
}

func (w *WhatsAppChannel) handleEvent(evt interface{}) {
	switch e := evt.(type) {
	case *events.Message:
		w.handleMessage(e)
	}
}

// handleMessage publishes chat messages. Messages sent from the linked
// account itself are kept as outgoing so the persona sees the user's own
// writing.
func (w *WhatsAppChannel) handleMessage(evt *events.Message) {
	if evt == nil || evt.Message == nil {
		return
	}

	rawSender := evt.Info.Sender.String()
	sender := evt.Info.Sender.ToNonAD().String()
	if !evt.Info.IsFromMe && !w.IsAllowed(sender) && !w.IsAllowed(rawSender) {
		w.log().Warn("rejected message", "sender_id", sender)
		return
	}

	content, hasMedia := extractContent(evt.Message)
	if content == "" && !hasMedia {
		return
	}

	replyTo := ""
	if info := evt.Message.GetExtendedTextMessage().GetContextInfo(); info != nil {
		replyTo = info.GetStanzaID()
	}

	w.publish(bus.InboundMessage{
		Channel:    whatsappChannelName,
		MessageID:  evt.Info.ID,
		SenderID:   sender,
		SenderName: evt.Info.PushName,
		ChatID:     evt.Info.Chat.String(),
		Content:    content,
		Timestamp:  evt.Info.Timestamp,
		IsOutgoing: evt.Info.IsFromMe,
		HasMedia:   hasMedia,
		ReplyToID:  replyTo,
		Metadata: map[string]any{
			"chat_jid":   evt.Info.Chat.String(),
			"sender_jid": rawSender,
		},
	})
}

func extractContent(msg *waE2E.Message) (string, bool) {
	content := strings.TrimSpace(msg.GetConversation())
	if content == "" && msg.GetExtendedTextMessage() != nil {
		content = strings.TrimSpace(msg.GetExtendedTextMessage().GetText())
	}

	hasMedia := false
	if image := msg.GetImageMessage(); image != nil {
		hasMedia = true
		if content == "" {
			content = strings.TrimSpace(image.GetCaption())
		}
	}
	if video := msg.GetVideoMessage(); video != nil {
		hasMedia = true
		if content == "" {
			content = strings.TrimSpace(video.GetCaption())
		}
	}
	if msg.GetDocumentMessage() != nil || msg.GetAudioMessage() != nil {
		hasMedia = true
	}
	return content, hasMedia
}

func parseWhatsAppJID(raw string) (types.JID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return types.EmptyJID, fmt.Errorf("empty jid")
	}

	if strings.Contains(raw, "@") {
		return types.ParseJID(raw)
	}

	user := strings.TrimPrefix(raw, "+")
	if isDigitsOnly(user) {
		return types.NewJID(user, types.DefaultUserServer), nil
	}

	return types.ParseJID(raw)
}

func isDigitsOnly(val string) bool {
	if val == "" {
		return false
	}
	for _, r := range val {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
