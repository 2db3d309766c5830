package gateway

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/stellarlinkco/mimic/internal/bus"
	"github.com/stellarlinkco/mimic/internal/channel"
	"github.com/stellarlinkco/mimic/internal/config"
	"github.com/stellarlinkco/mimic/internal/cron"
	"github.com/stellarlinkco/mimic/internal/llm"
	"github.com/stellarlinkco/mimic/internal/logger"
	"github.com/stellarlinkco/mimic/internal/memory"
	"github.com/stellarlinkco/mimic/internal/vectorstore"
)

const (
	cmdSuggest = "/suggest"
	cmdSync    = "/sync"
	cmdForget  = "/forget"
	cmdStats   = "/stats"

	syncLimit      = 200
	lookbackLimit  = 20
	deliverTimeout = 5 * time.Second
)

// Options for creating a Gateway. Providers left nil are built from config.
type Options struct {
	Logger    *logger.Logger
	Vectors   vectorstore.Store
	Embedder  memory.Embedder
	Completer llm.Completer
	Clock     memory.Clock
	// Channels are registered next to the configured ones.
	Channels      []channel.Channel
	CronStorePath string
	SignalChan    chan os.Signal // for testing signal handling
}

type Gateway struct {
	cfg        *config.Config
	log        *logger.Logger
	svc        *Services
	bus        *bus.MessageBus
	channels   *channel.ChannelManager
	cron       *cron.Service
	signalChan chan os.Signal
	inflight   sync.WaitGroup
}

// New creates a Gateway with default options
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates a Gateway with injected providers and channels.
func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	g := &Gateway{cfg: cfg, log: log.Named("gateway"), signalChan: opts.SignalChan}

	svc, err := NewServices(cfg, ServiceOptions{
		Logger:    log,
		Vectors:   opts.Vectors,
		Embedder:  opts.Embedder,
		Completer: opts.Completer,
		Clock:     opts.Clock,
	})
	if err != nil {
		return nil, err
	}
	g.svc = svc

	g.bus = bus.NewMessageBus(config.DefaultBufSize)
	g.bus.SetLogger(log)

	chMgr, err := channel.NewChannelManager(cfg.Channels, g.bus, log)
	if err != nil {
		svc.Close()
		return nil, fmt.Errorf("create channel manager: %w", err)
	}
	for _, ch := range opts.Channels {
		chMgr.Register(ch)
	}
	g.channels = chMgr

	cronStorePath := opts.CronStorePath
	if cronStorePath == "" {
		cronStorePath = filepath.Join(config.ConfigDir(), "data", "cron", "jobs.json")
	}
	g.cron = cron.NewService(cronStorePath, log)
	g.cron.OnJob = g.runJob

	return g, nil
}

// Services exposes the memory and suggestion stack.
func (g *Gateway) Services() *Services { return g.svc }

func (g *Gateway) ensureInternalJobs() error {
	jobs := []struct {
		id, name, expr, action string
	}{
		{cron.SweepJobID, "memory retention sweep", g.cfg.Cron.SweepExpr, cron.ActionSweep},
		{cron.SummariesJobID, "memory daily summaries", g.cfg.Cron.SummaryExpr, cron.ActionSummaries},
	}
	for _, j := range jobs {
		expr := strings.TrimSpace(j.expr)
		if expr == "" {
			continue
		}
		if _, err := g.cron.EnsureJob(j.id, j.name, cron.Schedule{Kind: cron.KindCron, Expr: expr}, cron.Payload{Action: j.action}); err != nil {
			return fmt.Errorf("ensure %s: %w", j.id, err)
		}
	}
	return nil
}

func (g *Gateway) runJob(ctx context.Context, job cron.CronJob) (string, error) {
	switch job.Payload.Action {
	case cron.ActionSweep:
		return fmt.Sprintf("removed %d expired points", g.svc.Store.SweepExpired(ctx)), nil
	case cron.ActionSummaries:
		return fmt.Sprintf("summarized %d chats", g.svc.Summarizer.SummarizeYesterday(ctx)), nil
	case cron.ActionMessage, "":
		if job.Payload.Channel == "" || job.Payload.To == "" {
			return "", fmt.Errorf("job %s has no delivery target", job.Name)
		}
		if !g.deliver(ctx, job.Payload.Channel, job.Payload.To, job.Payload.Message) {
			return "", fmt.Errorf("deliver job %s: outbound queue full", job.Name)
		}
		return "sent", nil
	default:
		return "", fmt.Errorf("unknown job action %q", job.Payload.Action)
	}
}

func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go g.bus.DispatchOutbound(ctx)

	if err := g.channels.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	g.log.Info("channels started", "channels", g.channels.EnabledChannels())

	if err := g.cron.Start(ctx); err != nil {
		g.log.Warn("cron start failed", "error", err)
	}
	if err := g.ensureInternalJobs(); err != nil {
		g.log.Warn("ensure internal jobs failed", "error", err)
	}

	go g.processLoop(ctx)

	g.log.Info("running", "auto_reply", g.cfg.Suggest.AutoReply, "stages", g.svc.Chief.StageNames())

	// Use injected signal channel for testing, or create default
	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	g.log.Info("shutting down")
	return g.Shutdown()
}

func (g *Gateway) processLoop(ctx context.Context) {
	for {
		select {
		case msg := <-g.bus.Inbound:
			g.handleInbound(ctx, msg)
		case <-ctx.Done():
			return
		}
	}
}

// handleInbound stores chat messages and answers commands. Suggestions run
// in the background so that ingestion never waits on the pipeline.
func (g *Gateway) handleInbound(ctx context.Context, msg bus.InboundMessage) {
	g.log.Debug("inbound", "channel", msg.Channel, "chat_id", msg.ChatID, "sender_id", msg.SenderID, "outgoing", msg.IsOutgoing)

	scope, err := g.svc.Scope(msg.Channel, msg.ChatID)
	if err != nil {
		g.log.Warn("message without scope dropped", "channel", msg.Channel, "error", err)
		return
	}

	cmd, rest := msg.Command()
	switch cmd {
	case cmdSuggest:
		g.goSuggest(ctx, msg, scope, rest)
	case cmdSync:
		n := g.syncChat(ctx, msg, scope)
		g.reply(ctx, msg, fmt.Sprintf("Synced %d messages.", n))
	case cmdForget:
		g.svc.Suggest.Forget(scope)
		if g.svc.Store.Clear(ctx, scope) {
			g.reply(ctx, msg, "Memory cleared for this chat.")
		} else {
			g.reply(ctx, msg, "Could not clear memory for this chat.")
		}
	case cmdStats:
		g.reply(ctx, msg, formatStats(g.svc.Store.ChatStats(ctx, scope)))
	case "":
		g.svc.Store.Store(ctx, scope, toMemoryMessage(msg))
		if g.cfg.Suggest.AutoReply && !msg.IsOutgoing && strings.TrimSpace(msg.Content) != "" {
			g.goSuggest(ctx, msg, scope, msg.Content)
		}
	default:
		// unknown commands are chat text like any other
		g.svc.Store.Store(ctx, scope, toMemoryMessage(msg))
	}
}

func (g *Gateway) goSuggest(ctx context.Context, msg bus.InboundMessage, scope memory.Scope, query string) {
	g.inflight.Add(1)
	go func() {
		defer g.inflight.Done()
		g.suggestReply(ctx, msg, scope, query)
	}()
}

func (g *Gateway) suggestReply(ctx context.Context, msg bus.InboundMessage, scope memory.Scope, query string) {
	recent := g.transportHistory(ctx, msg.Channel, msg.ChatID)
	query = strings.TrimSpace(query)
	if query == "" {
		query = lastIncoming(recent)
	}
	if query == "" {
		g.notify(ctx, msg, "Nothing to reply to yet.")
		return
	}

	res, err := g.svc.Suggest.Suggest(ctx, scope, query, toHistory(recent))
	if err != nil {
		g.log.Error("suggestion failed", "channel", msg.Channel, "chat_id", msg.ChatID, "error", err)
		g.notify(ctx, msg, "Could not generate a suggestion: "+err.Error())
		return
	}
	g.log.Info("suggestion ready", "chat_id", msg.ChatID, "cached", res.Cached, "stages", res.Stages)
	g.notify(ctx, msg, "Suggested reply:\n"+res.Reply)
}

// transportHistory returns the chat's latest plain messages as remembered by
// the transport, oldest first. Commands are left out.
func (g *Gateway) transportHistory(ctx context.Context, channelName, chatID string) []bus.InboundMessage {
	tr, ok := g.channels.Transport(channelName)
	if !ok {
		return nil
	}
	recent, err := tr.RecentMessages(ctx, chatID, lookbackLimit)
	if err != nil {
		g.log.Warn("recent messages failed", "channel", channelName, "chat_id", chatID, "error", err)
		return nil
	}
	out := make([]bus.InboundMessage, 0, len(recent))
	for _, m := range recent {
		if cmd, _ := m.Command(); cmd != "" {
			continue
		}
		out = append(out, m)
	}
	return out
}

// lastIncoming returns the newest text from the other side of the chat.
func lastIncoming(recent []bus.InboundMessage) string {
	for i := len(recent) - 1; i >= 0; i-- {
		if recent[i].IsOutgoing {
			continue
		}
		if text := strings.TrimSpace(recent[i].Content); text != "" {
			return text
		}
	}
	return ""
}

func toHistory(recent []bus.InboundMessage) []memory.StoredMessage {
	out := make([]memory.StoredMessage, 0, len(recent))
	for _, m := range recent {
		sm := memory.StoredMessage{
			MessageID:  m.MessageID,
			SenderID:   m.SenderID,
			IsOutgoing: m.IsOutgoing,
			Text:       strings.TrimSpace(m.Content),
			Time:       m.Timestamp,
		}
		if !m.Timestamp.IsZero() {
			sm.Day = memory.DayBucket(m.Timestamp)
		}
		out = append(out, sm)
	}
	return out
}

// syncChat re-ingests what the transport remembers for the chat. Storing
// is idempotent, so messages seen before are only overwritten.
func (g *Gateway) syncChat(ctx context.Context, msg bus.InboundMessage, scope memory.Scope) int {
	tr, ok := g.channels.Transport(msg.Channel)
	if !ok {
		return 0
	}
	recent, err := tr.RecentMessages(ctx, msg.ChatID, syncLimit)
	if err != nil {
		g.log.Warn("recent messages failed", "channel", msg.Channel, "chat_id", msg.ChatID, "error", err)
		return 0
	}
	batch := make([]memory.Message, 0, len(recent))
	for _, m := range recent {
		if cmd, _ := m.Command(); cmd != "" {
			continue
		}
		batch = append(batch, toMemoryMessage(m))
	}
	return g.svc.Store.StoreBatch(ctx, scope, batch)
}

// notify sends a suggestion to the configured notify chat, or back to the
// chat it is about.
func (g *Gateway) notify(ctx context.Context, msg bus.InboundMessage, text string) {
	chatID := msg.ChatID
	if target := strings.TrimSpace(g.cfg.Suggest.NotifyChatID); target != "" {
		chatID = target
	}
	g.deliver(ctx, msg.Channel, chatID, text)
}

func (g *Gateway) reply(ctx context.Context, msg bus.InboundMessage, text string) {
	g.deliver(ctx, msg.Channel, msg.ChatID, text)
}

func (g *Gateway) deliver(ctx context.Context, channelName, chatID, text string) bool {
	out := bus.OutboundMessage{Channel: channelName, ChatID: chatID, Content: text}
	timer := time.NewTimer(deliverTimeout)
	defer timer.Stop()
	select {
	case g.bus.Outbound <- out:
		return true
	case <-ctx.Done():
	case <-timer.C:
	}
	g.log.Warn("outbound message dropped", "channel", channelName, "chat_id", chatID)
	return false
}

func (g *Gateway) Shutdown() error {
	g.cron.Stop()
	if err := g.channels.StopAll(); err != nil {
		g.log.Warn("stop channels failed", "error", err)
	}
	g.inflight.Wait()
	g.svc.Close()
	g.log.Info("shutdown complete")
	g.log.Sync()
	return nil
}

func toMemoryMessage(msg bus.InboundMessage) memory.Message {
	m := memory.Message{
		ID:         msg.MessageID,
		SenderID:   msg.SenderID,
		SenderName: msg.SenderName,
		Text:       msg.Content,
		IsOutgoing: msg.IsOutgoing,
		HasMedia:   msg.HasMedia,
		ReplyToID:  msg.ReplyToID,
	}
	if !msg.Timestamp.IsZero() {
		m.Timestamp = msg.Timestamp.Format(time.RFC3339Nano)
	}
	if m.ID == "" && !msg.Timestamp.IsZero() {
		m.ID = fmt.Sprintf("%s-%d", msg.SenderID, msg.Timestamp.UnixNano())
	}
	return m
}

func formatStats(st memory.ChatStats) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Messages: %d (%d incoming, %d outgoing)\n", st.Messages, st.Incoming, st.Outgoing)
	fmt.Fprintf(&sb, "Summaries: %d", st.Summaries)
	if st.OldestDay != "" {
		fmt.Fprintf(&sb, "\nPeriod: %s .. %s", st.OldestDay, st.NewestDay)
	}
	return sb.String()
}
