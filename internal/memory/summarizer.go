package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/stellarlinkco/mimic/internal/llm"
	"github.com/stellarlinkco/mimic/internal/logger"
)

const (
	dailyDigestPrompt = `Summarize one day of a private chat between me and a contact.
Cover the main topics, the emotional tone and any concrete facts (dates, plans, names, numbers).
Write plain prose in the language of the conversation, at most %d tokens. Do not invent anything.

Day: %s
Messages:
%s`

	rollingDigestPrompt = `Summarize the latest stretch of a private chat between me and a contact.
Cover the main topics, the emotional tone and any open questions or commitments.
Write plain prose in the language of the conversation, at most %d tokens. Do not invent anything.

Messages:
%s`

	summarySystemPrompt = "You write short, factual conversation digests."
	summaryTemperature  = 0.3
	defaultRollingEvery = 40
	defaultDigestTokens = 200
	rollingTimeout      = 2 * time.Minute
)

type SummarizerOptions struct {
	Store           *Store
	Completer       llm.Completer
	Logger          *logger.Logger
	DigestMaxTokens int
	RollingEvery    int
	RollingWindow   int
}

// Summarizer compresses message history into summary chunks. Digests of
// past days are written once and reused; today is digested on every request
// and never stored. Nothing is summarized when the store keeps no text.
type Summarizer struct {
	store     *Store
	completer llm.Completer
	log       *logger.Logger
	maxTokens int
	every     int
	window    int

	mu       sync.Mutex
	counters map[Scope]int
	active   map[Scope]bool
	seen     map[Scope]struct{}
	wg       sync.WaitGroup

	textlessOnce sync.Once
}

func NewSummarizer(opts SummarizerOptions) *Summarizer {
	s := &Summarizer{
		store:     opts.Store,
		completer: opts.Completer,
		log:       opts.Logger,
		maxTokens: opts.DigestMaxTokens,
		every:     opts.RollingEvery,
		window:    opts.RollingWindow,
		counters:  make(map[Scope]int),
		active:    make(map[Scope]bool),
		seen:      make(map[Scope]struct{}),
	}
	if s.log == nil {
		s.log = logger.Nop()
	}
	s.log = s.log.Named("summarizer")
	if s.completer == nil {
		s.completer = llm.Unavailable{}
	}
	if s.maxTokens <= 0 {
		s.maxTokens = defaultDigestTokens
	}
	if s.every <= 0 {
		s.every = defaultRollingEvery
	}
	if s.window <= 0 {
		s.window = s.every
	}
	if s.store != nil {
		s.store.OnStored(s.Observe)
	}
	return s
}

// SummarizePeriod returns a digest of the given days, one section per day
// that had messages and produced a digest. Each past day is digested once and
// kept as its own chunk, so overlapping periods reuse it; days that failed
// or include today are digested again next time.
func (s *Summarizer) SummarizePeriod(ctx context.Context, scope Scope, days []string) (string, bool) {
	days = normalizeDays(days)
	if len(days) == 0 {
		return "", false
	}
	cached := s.store.DayDigests(ctx, scope, days)

	var missing []string
	for _, day := range days {
		if _, ok := cached[day]; !ok {
			missing = append(missing, day)
		}
	}
	byDay := make(map[string][]StoredMessage)
	if len(missing) > 0 && s.canDigest() {
		for _, m := range s.store.GetForPeriod(ctx, scope, missing) {
			byDay[m.Day] = append(byDay[m.Day], m)
		}
	}

	today := DayBucket(s.store.clock.Now())
	sections := make([]string, 0, len(days))
	for _, day := range days {
		if chunk, ok := cached[day]; ok {
			sections = append(sections, daySection(day, chunk.Summary))
			continue
		}
		dayMsgs := byDay[day]
		transcript := transcriptOf(dayMsgs)
		if transcript == "" {
			continue
		}
		digest, err := s.completer.Complete(ctx, llm.Request{
			System:      summarySystemPrompt,
			Prompt:      fmt.Sprintf(dailyDigestPrompt, s.maxTokens, day, transcript),
			Temperature: summaryTemperature,
			MaxTokens:   s.maxTokens,
		})
		digest = strings.TrimSpace(digest)
		if err != nil || digest == "" {
			s.log.Warn("daily digest failed, skipping day", "day", day, "error", err)
			continue
		}
		sections = append(sections, daySection(day, digest))
		if day < today {
			s.store.StoreSummary(ctx, scope, SummaryChunk{
				Summary:      digest,
				StartDay:     day,
				EndDay:       day,
				Days:         []string{day},
				MessageCount: len(dayMsgs),
			})
		}
	}
	if len(sections) == 0 {
		return "", false
	}
	return strings.Join(sections, "\n\n"), true
}

func daySection(day, digest string) string {
	return "=== " + day + " ===\n" + strings.TrimSpace(digest)
}

// canDigest reports whether stored messages carry text to summarize.
func (s *Summarizer) canDigest() bool {
	if s.store.KeepsText() {
		return true
	}
	s.textlessOnce.Do(func() {
		s.log.Warn("summaries disabled: messages are stored without text; enable memory.storeRawText")
	})
	return false
}

// SummarizeRecent digests the latest window of messages into a rolling chunk.
func (s *Summarizer) SummarizeRecent(ctx context.Context, scope Scope) (SummaryChunk, bool) {
	if !s.canDigest() {
		return SummaryChunk{}, false
	}
	recent := s.store.GetRecent(ctx, scope, s.window)
	if len(recent) == 0 {
		return SummaryChunk{}, false
	}
	chronological := make([]StoredMessage, len(recent))
	for i, m := range recent {
		chronological[len(recent)-1-i] = m
	}
	transcript := transcriptOf(chronological)
	if transcript == "" {
		return SummaryChunk{}, false
	}

	digest, err := s.completer.Complete(ctx, llm.Request{
		System:      summarySystemPrompt,
		Prompt:      fmt.Sprintf(rollingDigestPrompt, s.maxTokens, transcript),
		Temperature: summaryTemperature,
		MaxTokens:   s.maxTokens,
	})
	if err != nil || strings.TrimSpace(digest) == "" {
		s.log.Warn("rolling digest failed", "error", err)
		return SummaryChunk{}, false
	}

	dayList := make([]string, 0, len(chronological))
	for _, m := range chronological {
		dayList = append(dayList, m.Day)
	}
	dayList = normalizeDays(dayList)
	chunk := SummaryChunk{
		Summary:      strings.TrimSpace(digest),
		StartDay:     dayList[0],
		EndDay:       dayList[len(dayList)-1],
		Days:         dayList,
		MessageCount: len(chronological),
		Rolling:      true,
	}
	if !s.store.StoreSummary(ctx, scope, chunk) {
		return chunk, false
	}
	return chunk, true
}

// Observe counts stored messages per scope and starts a rolling summary
// every RollingEvery messages.
func (s *Summarizer) Observe(ctx context.Context, scope Scope, count int) {
	if !s.store.KeepsText() {
		return
	}
	s.mu.Lock()
	s.seen[scope] = struct{}{}
	s.counters[scope] += count
	if s.counters[scope] < s.every || s.active[scope] {
		s.mu.Unlock()
		return
	}
	s.counters[scope] = 0
	s.active[scope] = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.active, scope)
			s.mu.Unlock()
		}()
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollingTimeout)
		defer cancel()
		if _, ok := s.SummarizeRecent(rctx, scope); ok {
			s.log.Info("rolling summary stored", "session_id", scope.SessionID, "chat_id", scope.ChatID)
		}
	}()
}

// SummarizeYesterday writes yesterday's period summary for every scope that
// received messages since the previous run.
func (s *Summarizer) SummarizeYesterday(ctx context.Context) int {
	s.mu.Lock()
	scopes := make([]Scope, 0, len(s.seen))
	for scope := range s.seen {
		scopes = append(scopes, scope)
	}
	s.seen = make(map[Scope]struct{})
	s.mu.Unlock()

	yesterday := DayBucket(s.store.clock.Now().AddDate(0, 0, -1))
	done := 0
	for _, scope := range scopes {
		if _, ok := s.SummarizePeriod(ctx, scope, []string{yesterday}); ok {
			done++
		}
	}
	return done
}

// Wait blocks until in-flight rolling summaries finish.
func (s *Summarizer) Wait() {
	s.wg.Wait()
}

func transcriptOf(msgs []StoredMessage) string {
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if strings.TrimSpace(m.Text) == "" {
			continue
		}
		lines = append(lines, formatLine(m))
	}
	return strings.Join(lines, "\n")
}

func normalizeDays(days []string) []string {
	set := make(map[string]struct{}, len(days))
	out := make([]string, 0, len(days))
	for _, d := range days {
		d = strings.TrimSpace(d)
		if d == "" {
			continue
		}
		if _, ok := set[d]; ok {
			continue
		}
		set[d] = struct{}{}
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}
