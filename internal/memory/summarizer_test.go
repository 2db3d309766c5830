package memory

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stellarlinkco/mimic/internal/llm"
	"github.com/stellarlinkco/mimic/internal/vectorstore"
)

type countingCompleter struct {
	mu      sync.Mutex
	calls   int
	prompts []string
	reply   func(prompt string) (string, error)
}

func (c *countingCompleter) Complete(_ context.Context, req llm.Request) (string, error) {
	c.mu.Lock()
	c.calls++
	c.prompts = append(c.prompts, req.Prompt)
	c.mu.Unlock()
	if c.reply != nil {
		return c.reply(req.Prompt)
	}
	return "they talked about the release", nil
}

func (c *countingCompleter) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func seedTwoDays(t *testing.T, store *Store, scope Scope) {
	t.Helper()
	n := store.StoreBatch(context.Background(), scope, []Message{
		{ID: "1", Text: "release is on friday", Timestamp: "2024-03-04T09:00:00"},
		{ID: "2", Text: "ok I will prepare notes", Timestamp: "2024-03-04T09:05:00", IsOutgoing: true},
		{ID: "3", Text: "release moved to monday", Timestamp: "2024-03-05T11:00:00"},
	})
	if n != 3 {
		t.Fatalf("seeded %d messages", n)
	}
}

func TestSummarizePeriodStoresPastDaysOnce(t *testing.T) {
	store := newTestStore(t, nil)
	scope := mustScope(t, "s1", "42")
	seedTwoDays(t, store, scope)
	completer := &countingCompleter{}
	s := NewSummarizer(SummarizerOptions{Store: store, Completer: completer})
	ctx := context.Background()

	first, ok := s.SummarizePeriod(ctx, scope, []string{"2024-03-04"})
	if !ok {
		t.Fatal("expected a summary")
	}
	if !strings.HasPrefix(first, "=== 2024-03-04 ===\n") {
		t.Fatalf("summary = %q", first)
	}
	if !strings.Contains(completer.prompts[0], "Me: ok I will prepare notes") {
		t.Fatalf("transcript missing from prompt: %q", completer.prompts[0])
	}

	second, ok := s.SummarizePeriod(ctx, scope, []string{"2024-03-04"})
	if !ok || second != first {
		t.Fatalf("reuse mismatch: %q vs %q", second, first)
	}
	if got := completer.Calls(); got != 1 {
		t.Fatalf("completer calls = %d, want 1", got)
	}
	if chunk, ok := store.DayDigests(ctx, scope, []string{"2024-03-04"})["2024-03-04"]; !ok || chunk.MessageCount != 2 {
		t.Fatalf("stored chunk = %+v ok=%v", chunk, ok)
	}
}

func TestSummarizePeriodReusesDayDigestsAcrossWindows(t *testing.T) {
	store := newTestStore(t, nil)
	scope := mustScope(t, "s1", "42")
	seedTwoDays(t, store, scope)
	completer := &countingCompleter{}
	s := NewSummarizer(SummarizerOptions{Store: store, Completer: completer})
	ctx := context.Background()

	single, ok := s.SummarizePeriod(ctx, scope, []string{"2024-03-04"})
	if !ok {
		t.Fatal("expected a summary")
	}
	week, ok := s.SummarizePeriod(ctx, scope, []string{"2024-03-02", "2024-03-03", "2024-03-04"})
	if !ok || week != single {
		t.Fatalf("window summary = %q, want %q", week, single)
	}
	if got := completer.Calls(); got != 1 {
		t.Fatalf("completer calls = %d, want 1", got)
	}
}

func TestSummarizePeriodIncludingTodayIsNotStored(t *testing.T) {
	store := newTestStore(t, nil)
	scope := mustScope(t, "s1", "42")
	seedTwoDays(t, store, scope)
	completer := &countingCompleter{}
	s := NewSummarizer(SummarizerOptions{Store: store, Completer: completer})
	ctx := context.Background()
	days := []string{"2024-03-05", "2024-03-04"}

	summary, ok := s.SummarizePeriod(ctx, scope, days)
	if !ok {
		t.Fatal("expected a summary")
	}
	if strings.Index(summary, "2024-03-04") > strings.Index(summary, "2024-03-05") {
		t.Fatalf("days out of order: %q", summary)
	}
	digests := store.DayDigests(ctx, scope, days)
	if _, ok := digests["2024-03-05"]; ok {
		t.Fatal("today's digest must not be persisted")
	}
	if _, ok := digests["2024-03-04"]; !ok {
		t.Fatal("yesterday's digest should be persisted")
	}
	again, _ := s.SummarizePeriod(ctx, scope, days)
	if again != summary {
		t.Fatalf("second summary = %q, want %q", again, summary)
	}
	if got := completer.Calls(); got != 3 {
		t.Fatalf("completer calls = %d, want 3", got)
	}
}

func TestSummarizePeriodRetriesFailedDays(t *testing.T) {
	store := newTestStore(t, nil)
	scope := mustScope(t, "s1", "42")
	seedTwoDays(t, store, scope)
	failed := false
	completer := &countingCompleter{reply: func(prompt string) (string, error) {
		if strings.Contains(prompt, "Day: 2024-03-04") && !failed {
			failed = true
			return "", errors.New("rate limited")
		}
		return "release moved", nil
	}}
	s := NewSummarizer(SummarizerOptions{Store: store, Completer: completer})
	ctx := context.Background()
	days := []string{"2024-03-04", "2024-03-05"}

	summary, ok := s.SummarizePeriod(ctx, scope, days)
	if !ok {
		t.Fatal("expected a partial summary")
	}
	if summary != "=== 2024-03-05 ===\nrelease moved" {
		t.Fatalf("summary = %q", summary)
	}
	if _, ok := store.DayDigests(ctx, scope, days)["2024-03-04"]; ok {
		t.Fatal("a failed day must not be stored as covered")
	}

	summary, ok = s.SummarizePeriod(ctx, scope, days)
	if !ok {
		t.Fatal("expected a summary")
	}
	want := "=== 2024-03-04 ===\nrelease moved\n\n=== 2024-03-05 ===\nrelease moved"
	if summary != want {
		t.Fatalf("summary = %q, want %q", summary, want)
	}
}

func TestSummarizerNeedsStoredText(t *testing.T) {
	store := NewStore(StoreOptions{
		Vectors:  vectorstore.NewMemory(),
		Embedder: NewHashEmbedder(512),
		Clock:    fixedClock(testNow),
	})
	scope := mustScope(t, "s1", "42")
	completer := &countingCompleter{}
	s := NewSummarizer(SummarizerOptions{Store: store, Completer: completer, RollingEvery: 1})
	seedTwoDays(t, store, scope)
	s.Wait()

	if summary, ok := s.SummarizePeriod(context.Background(), scope, []string{"2024-03-04"}); ok || summary != "" {
		t.Fatalf("expected no summary, got %q", summary)
	}
	if got := completer.Calls(); got != 0 {
		t.Fatalf("completer calls = %d, want 0", got)
	}
}

func TestSummarizePeriodWithoutCompleter(t *testing.T) {
	store := newTestStore(t, nil)
	scope := mustScope(t, "s1", "42")
	seedTwoDays(t, store, scope)
	s := NewSummarizer(SummarizerOptions{Store: store})

	if summary, ok := s.SummarizePeriod(context.Background(), scope, []string{"2024-03-04"}); ok || summary != "" {
		t.Fatalf("expected no summary, got %q", summary)
	}
	if summary, ok := s.SummarizePeriod(context.Background(), scope, []string{"2023-01-01"}); ok || summary != "" {
		t.Fatalf("expected no summary for empty day, got %q", summary)
	}
}

func TestRollingSummaryEveryN(t *testing.T) {
	store := newTestStore(t, nil)
	scope := mustScope(t, "s1", "42")
	completer := &countingCompleter{}
	s := NewSummarizer(SummarizerOptions{Store: store, Completer: completer, RollingEvery: 3})
	ctx := context.Background()

	store.Store(ctx, scope, Message{ID: "1", Text: "first message", Timestamp: "2024-03-05T08:00:00"})
	store.Store(ctx, scope, Message{ID: "2", Text: "second message", Timestamp: "2024-03-05T08:01:00"})
	s.Wait()
	if got := completer.Calls(); got != 0 {
		t.Fatalf("rolling summary ran early: %d calls", got)
	}

	store.Store(ctx, scope, Message{ID: "3", Text: "third message", Timestamp: "2024-03-05T08:02:00"})
	s.Wait()
	if got := completer.Calls(); got != 1 {
		t.Fatalf("completer calls = %d, want 1", got)
	}
	chunks := store.RecentSummaries(ctx, scope, 5)
	if len(chunks) != 1 || !chunks[0].Rolling || chunks[0].MessageCount != 3 {
		t.Fatalf("chunks = %+v", chunks)
	}
	if !strings.Contains(completer.prompts[0], "first message") {
		t.Fatalf("rolling prompt = %q", completer.prompts[0])
	}
}

func TestSummarizeYesterdayVisitsActiveScopes(t *testing.T) {
	store := newTestStore(t, nil)
	a := mustScope(t, "s1", "42")
	b := mustScope(t, "s1", "43")
	completer := &countingCompleter{}
	s := NewSummarizer(SummarizerOptions{Store: store, Completer: completer})
	ctx := context.Background()

	store.Store(ctx, a, Message{ID: "1", Text: "yesterday in chat a", Timestamp: "2024-03-04T10:00:00"})
	store.Store(ctx, b, Message{ID: "1", Text: "today in chat b", Timestamp: "2024-03-05T10:00:00"})

	if done := s.SummarizeYesterday(ctx); done != 1 {
		t.Fatalf("summarized scopes = %d, want 1", done)
	}
	if _, ok := store.DayDigests(ctx, a, []string{"2024-03-04"})["2024-03-04"]; !ok {
		t.Fatal("yesterday summary missing for scope a")
	}
	if done := s.SummarizeYesterday(ctx); done != 0 {
		t.Fatalf("second run should have no active scopes, got %d", done)
	}
}
