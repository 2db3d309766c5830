// Package memory is the scoped message store and the context it feeds to the
// reply pipeline: ingestion with safe metadata, similarity and period
// retrieval, summaries, and prompt assembly.
package memory

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/stellarlinkco/mimic/internal/logger"
	"github.com/stellarlinkco/mimic/internal/vectorstore"
)

const (
	DefaultMessagesCollection  = "messages"
	DefaultSummariesCollection = "summaries"

	defaultSimilarLimit = 5
	defaultCallTimeout  = 15 * time.Second
	// maxScopeScan bounds one scroll; see window.go for larger scopes.
	maxScopeScan = 10000
)

type StoreOptions struct {
	Vectors  vectorstore.Store
	Embedder Embedder
	Logger   *logger.Logger
	Clock    Clock
	Parser   *TimestampParser

	RetentionDays int
	MinTextLength int
	MaxChars      int
	StoreRawText  bool

	MessagesCollection  string
	SummariesCollection string
	CallTimeout         time.Duration
}

// StoredHook runs after messages of a scope were persisted.
type StoredHook func(ctx context.Context, scope Scope, count int)

// Store is the only path to the vector store. Provider failures never
// surface as errors: operations log and return an empty result.
type Store struct {
	vectors  vectorstore.Store
	embedder Embedder
	log      *logger.Logger
	clock    Clock
	parser   *TimestampParser

	retentionDays int
	minTextLength int
	maxChars      int
	storeRawText  bool
	messages      string
	summaries     string
	callTimeout   time.Duration

	mu       sync.Mutex
	onStored []StoredHook

	ensureMu sync.Mutex
	ready    map[string]bool
}

type SimilarOptions struct {
	Limit          int
	ScoreThreshold float64
	// Days restricts results to these day buckets when set.
	Days []string
}

func NewStore(opts StoreOptions) *Store {
	s := &Store{
		vectors:       opts.Vectors,
		embedder:      opts.Embedder,
		log:           opts.Logger,
		clock:         opts.Clock,
		parser:        opts.Parser,
		retentionDays: opts.RetentionDays,
		minTextLength: opts.MinTextLength,
		maxChars:      opts.MaxChars,
		storeRawText:  opts.StoreRawText,
		messages:      opts.MessagesCollection,
		summaries:     opts.SummariesCollection,
		callTimeout:   opts.CallTimeout,
		ready:         make(map[string]bool),
	}
	if s.log == nil {
		s.log = logger.Nop()
	}
	s.log = s.log.Named("memory")
	if s.clock == nil {
		s.clock = SystemClock()
	}
	if s.parser == nil {
		s.parser = NewTimestampParser(s.clock)
	}
	if s.retentionDays <= 0 {
		s.retentionDays = 30
	}
	if s.minTextLength <= 0 {
		s.minTextLength = 3
	}
	if s.messages == "" {
		s.messages = DefaultMessagesCollection
	}
	if s.summaries == "" {
		s.summaries = DefaultSummariesCollection
	}
	if s.callTimeout <= 0 {
		s.callTimeout = defaultCallTimeout
	}
	return s
}

func (s *Store) Clock() Clock { return s.clock }

// KeepsText reports whether message text is persisted in payloads.
func (s *Store) KeepsText() bool { return s.storeRawText }

// OnStored registers a hook called after successful writes.
func (s *Store) OnStored(hook StoredHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStored = append(s.onStored, hook)
}

func (s *Store) available(op string) bool {
	if s.vectors == nil {
		s.log.Warn("vector store unavailable", "op", op)
		return false
	}
	return true
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.callTimeout)
}

func (s *Store) ensure(ctx context.Context, collection string, dim int) bool {
	s.ensureMu.Lock()
	defer s.ensureMu.Unlock()
	if s.ready[collection] {
		return true
	}
	cctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.vectors.EnsureCollection(cctx, collection, dim); err != nil {
		s.log.Warn("ensure collection failed", "collection", collection, "error", err)
		return false
	}
	s.ready[collection] = true
	return true
}

func (s *Store) embed(ctx context.Context, text string) ([]float32, bool) {
	if s.embedder == nil {
		s.log.Warn("embedder unavailable")
		return nil, false
	}
	cctx, cancel := s.withTimeout(ctx)
	defer cancel()
	vector, err := s.embedder.Embed(cctx, truncateRunes(text, s.maxChars))
	if err != nil {
		s.log.Warn("embedding failed", "error", err)
		return nil, false
	}
	return vector, true
}

func (s *Store) acceptable(text string) bool {
	trimmed := strings.TrimSpace(text)
	return trimmed != "" && len([]rune(trimmed)) >= s.minTextLength
}

// Store embeds and upserts one message. It reports false when the text is
// too short or any provider call fails.
func (s *Store) Store(ctx context.Context, scope Scope, msg Message) bool {
	scope.mustValid()
	if !s.acceptable(msg.Text) {
		return false
	}
	if !s.available("store") {
		return false
	}
	vector, ok := s.embed(ctx, msg.Text)
	if !ok {
		return false
	}
	point := s.messagePoint(scope, msg, vector)
	if !s.upsert(ctx, s.messages, []vectorstore.Point{point}) {
		return false
	}
	s.notify(ctx, scope, 1)
	return true
}

// StoreBatch ingests messages with one batched embedding call, falling back
// to per-message Store when the batch call fails. It returns the number stored.
func (s *Store) StoreBatch(ctx context.Context, scope Scope, msgs []Message) int {
	scope.mustValid()
	accepted := make([]Message, 0, len(msgs))
	texts := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		if s.acceptable(msg.Text) {
			accepted = append(accepted, msg)
			texts = append(texts, truncateRunes(msg.Text, s.maxChars))
		}
	}
	if len(accepted) == 0 || !s.available("store_batch") || s.embedder == nil {
		return 0
	}

	cctx, cancel := s.withTimeout(ctx)
	vectors, err := s.embedder.EmbedBatch(cctx, texts)
	cancel()
	if err != nil || len(vectors) != len(accepted) {
		s.log.Warn("batch embedding failed, storing one by one", "count", len(accepted), "error", err)
		stored := 0
		for _, msg := range accepted {
			if s.Store(ctx, scope, msg) {
				stored++
			}
		}
		return stored
	}

	points := make([]vectorstore.Point, len(accepted))
	for i, msg := range accepted {
		points[i] = s.messagePoint(scope, msg, vectors[i])
	}
	if !s.upsert(ctx, s.messages, points) {
		return 0
	}
	s.notify(ctx, scope, len(points))
	return len(points)
}

func (s *Store) messagePoint(scope Scope, msg Message, vector []float32) vectorstore.Point {
	t := s.parser.ParseOrNow(msg.Timestamp)
	now := s.clock.Now()
	text := strings.TrimSpace(msg.Text)

	payload := map[string]any{
		keyKind:             kindMessage,
		keySessionID:        scope.SessionID,
		keyChatID:           scope.ChatID,
		keyMessageID:        msg.ID,
		keySenderID:         msg.SenderID,
		keyIsOutgoing:       msg.IsOutgoing,
		keyDate:             t.Format(time.RFC3339Nano),
		keyTimestamp:        unixSeconds(t),
		keyDay:              DayBucket(t),
		keyTextLength:       len([]rune(text)),
		keyTextHash:         hashText(text),
		keyLanguage:         DetectLanguage(text),
		keyHasMedia:         msg.HasMedia,
		keyIsReply:          strings.TrimSpace(msg.ReplyToID) != "",
		keyRetentionExpires: unixSeconds(now.AddDate(0, 0, s.retentionDays)),
	}
	if name := strings.TrimSpace(msg.SenderName); name != "" {
		payload[keySenderNameHash] = hashText(name)[:16]
	}
	if s.storeRawText {
		payload[keyText] = text
	}
	return vectorstore.Point{
		ID:      PointID(scope, msg.ID, msg.Timestamp),
		Vector:  vector,
		Payload: payload,
	}
}

func (s *Store) upsert(ctx context.Context, collection string, points []vectorstore.Point) bool {
	if !s.ensure(ctx, collection, len(points[0].Vector)) {
		return false
	}
	cctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.vectors.Upsert(cctx, collection, points); err != nil {
		s.log.Warn("upsert failed", "collection", collection, "count", len(points), "error", err)
		return false
	}
	return true
}

func (s *Store) notify(ctx context.Context, scope Scope, count int) {
	s.mu.Lock()
	hooks := append([]StoredHook(nil), s.onStored...)
	s.mu.Unlock()
	for _, hook := range hooks {
		hook(ctx, scope, count)
	}
}

// FindSimilar returns the scope's messages nearest to query.
func (s *Store) FindSimilar(ctx context.Context, scope Scope, query string, opts SimilarOptions) []SimilarMessage {
	filter := scope.filter()
	if strings.TrimSpace(query) == "" || !s.available("find_similar") {
		return nil
	}
	if len(opts.Days) > 0 {
		filter = filter.And(vectorstore.In(keyDay, opts.Days...))
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultSimilarLimit
	}
	vector, ok := s.embed(ctx, query)
	if !ok {
		return nil
	}

	cctx, cancel := s.withTimeout(ctx)
	defer cancel()
	hits, err := s.vectors.Search(cctx, s.messages, vector, filter, limit, opts.ScoreThreshold)
	if err != nil {
		s.log.Warn("similarity search failed", "error", err)
		return nil
	}

	out := make([]SimilarMessage, 0, len(hits))
	for _, hit := range hits {
		if !scope.owns(hit.Payload) {
			s.log.Error("search returned point from another scope", "point_id", hit.ID)
			continue
		}
		msg := messageFromPayload(hit.ID, hit.Payload)
		out = append(out, SimilarMessage{
			StoredMessage: msg,
			Score:         hit.Score,
			Relevance:     relevanceTier(hit.Score),
			Hint:          similarHint(msg),
		})
	}
	return out
}

func similarHint(msg StoredMessage) string {
	date := "unknown"
	if !msg.Time.IsZero() {
		date = msg.Time.Format(time.RFC3339)
	}
	return "Message from " + date + " (" + strconv.Itoa(msg.TextLength) + " chars)"
}

// GetRecent returns the newest messages of the scope, newest first.
func (s *Store) GetRecent(ctx context.Context, scope Scope, limit int) []StoredMessage {
	filter := scope.filter()
	if !s.available("get_recent") {
		return nil
	}
	msgs, err := s.scrollMessages(ctx, s.bounded(ctx, filter, s.newestWindow))
	if err != nil {
		s.log.Warn("recent scroll failed", "error", err)
		return nil
	}
	sortNewestFirst(msgs)
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs
}

// GetForPeriod returns the scope's messages whose day bucket is in days,
// oldest first. If the backend rejects the day set it is queried one day at
// a time.
func (s *Store) GetForPeriod(ctx context.Context, scope Scope, days []string) []StoredMessage {
	filter := scope.filter()
	if len(days) == 0 || !s.available("get_for_period") {
		return nil
	}
	msgs, err := s.scrollMessages(ctx, filter.And(vectorstore.In(keyDay, days...)))
	if err != nil {
		s.log.Warn("period filter failed, querying day by day", "error", err)
		msgs = msgs[:0]
		for _, day := range days {
			dayMsgs, err := s.scrollMessages(ctx, filter.And(vectorstore.Eq(keyDay, day)))
			if err != nil {
				s.log.Warn("day scroll failed", "day", day, "error", err)
				continue
			}
			msgs = append(msgs, dayMsgs...)
		}
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		return timestampSeconds(msgs[i]) < timestampSeconds(msgs[j])
	})
	return msgs
}

// bounded applies window to filter, falling back to the plain filter when
// the window cannot be computed.
func (s *Store) bounded(ctx context.Context, filter vectorstore.Filter, window func(context.Context, vectorstore.Filter) (vectorstore.Filter, error)) vectorstore.Filter {
	narrowed, err := window(ctx, filter)
	if err != nil {
		s.log.Warn("scan window failed, scrolling unbounded", "error", err)
		return filter
	}
	return narrowed
}

func sortNewestFirst(msgs []StoredMessage) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return timestampSeconds(msgs[i]) > timestampSeconds(msgs[j])
	})
}

func (s *Store) scrollMessages(ctx context.Context, filter vectorstore.Filter) ([]StoredMessage, error) {
	cctx, cancel := s.withTimeout(ctx)
	defer cancel()
	points, err := s.vectors.Scroll(cctx, s.messages, filter, maxScopeScan)
	if err != nil {
		return nil, err
	}
	if len(points) == maxScopeScan {
		s.log.Warn("scroll hit the scan cap, results may be incomplete", "limit", maxScopeScan)
	}
	out := make([]StoredMessage, 0, len(points))
	for _, p := range points {
		out = append(out, messageFromPayload(p.ID, p.Payload))
	}
	return out, nil
}

// Clear deletes every message and summary of the scope.
func (s *Store) Clear(ctx context.Context, scope Scope) bool {
	filter := scope.filter()
	if !s.available("clear") {
		return false
	}
	ok := true
	for _, collection := range []string{s.messages, s.summaries} {
		cctx, cancel := s.withTimeout(ctx)
		err := s.vectors.Delete(cctx, collection, filter)
		cancel()
		if err != nil {
			s.log.Warn("clear failed", "collection", collection, "scope", scope.String(), "error", err)
			ok = false
		}
	}
	if ok {
		s.log.Info("scope cleared", "session_id", scope.SessionID, "chat_id", scope.ChatID)
	}
	return ok
}

// SweepExpired removes points past their retention deadline in both
// collections and returns how many were removed.
func (s *Store) SweepExpired(ctx context.Context) int {
	if !s.available("sweep") {
		return 0
	}
	filter := vectorstore.Filter{}.And(vectorstore.LessThan(keyRetentionExpires, unixSeconds(s.clock.Now())))
	removed := 0
	for _, collection := range []string{s.messages, s.summaries} {
		cctx, cancel := s.withTimeout(ctx)
		n, err := s.vectors.Count(cctx, collection, filter)
		if err == nil && n > 0 {
			err = s.vectors.Delete(cctx, collection, filter)
		}
		cancel()
		if err != nil {
			s.log.Warn("sweep failed", "collection", collection, "error", err)
			continue
		}
		removed += n
	}
	if removed > 0 {
		s.log.Info("expired points removed", "count", removed)
	}
	return removed
}

// ChatStats summarizes what is stored for one scope. Counts are exact;
// Languages is tallied over the newest messages when the scope is larger
// than one scroll.
func (s *Store) ChatStats(ctx context.Context, scope Scope) ChatStats {
	filter := scope.filter()
	stats := ChatStats{Languages: map[string]int{}}
	if !s.available("chat_stats") {
		return stats
	}
	total, err := s.count(ctx, s.messages, filter)
	if err != nil {
		s.log.Warn("stats count failed", "error", err)
		return stats
	}
	outgoing, err := s.count(ctx, s.messages, filter.And(vectorstore.Eq(keyIsOutgoing, true)))
	if err != nil {
		s.log.Warn("stats count failed", "error", err)
		return stats
	}
	stats.Messages, stats.Outgoing, stats.Incoming = total, outgoing, total-outgoing

	newest, err := s.scrollMessages(ctx, s.bounded(ctx, filter, s.newestWindow))
	if err != nil {
		s.log.Warn("stats scroll failed", "error", err)
		return stats
	}
	for _, m := range newest {
		lang := m.Language
		if lang == "" {
			lang = "unknown"
		}
		stats.Languages[lang]++
	}
	stats.OldestDay, stats.NewestDay = messageDayRange(newest)
	if total > len(newest) {
		oldest, err := s.scrollMessages(ctx, s.bounded(ctx, filter, s.oldestWindow))
		if err != nil {
			s.log.Warn("stats scroll failed", "error", err)
		} else if first, _ := messageDayRange(oldest); first != "" {
			stats.OldestDay = first
		}
	}

	if n, err := s.count(ctx, s.summaries, filter); err == nil {
		stats.Summaries = n
	}
	return stats
}

func messageDayRange(msgs []StoredMessage) (oldest, newest string) {
	for _, m := range msgs {
		if m.Day == "" {
			continue
		}
		if oldest == "" || m.Day < oldest {
			oldest = m.Day
		}
		if m.Day > newest {
			newest = m.Day
		}
	}
	return oldest, newest
}

// Statistics returns point counts per collection.
func (s *Store) Statistics(ctx context.Context) map[string]int {
	out := map[string]int{}
	if !s.available("statistics") {
		return out
	}
	for _, collection := range []string{s.messages, s.summaries} {
		cctx, cancel := s.withTimeout(ctx)
		n, err := s.vectors.Count(cctx, collection, vectorstore.Filter{})
		cancel()
		if err != nil {
			s.log.Warn("count failed", "collection", collection, "error", err)
			continue
		}
		out[collection] = n
	}
	return out
}
