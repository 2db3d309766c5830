package memory

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/stellarlinkco/mimic/internal/logger"
)

const (
	defaultRecentLimit        = 30
	defaultSummaryLimit       = 3
	defaultFallbackDays       = 7
	defaultPeriodMessageLimit = 60

	noTextPlaceholder = "[no text stored]"
)

var tracer = otel.Tracer("github.com/stellarlinkco/mimic/internal/memory")

type AssemblerOptions struct {
	RecentLimit      int
	SimilarLimit     int
	SimilarThreshold float64
	SummaryLimit     int
	FallbackDays     int
	// PeriodMessageLimit keeps only the newest messages of a period block.
	PeriodMessageLimit int
}

// Assembler builds the context prompt for one query from the scope's
// memory. Every source is best effort; a failing source is simply absent.
type Assembler struct {
	store      *Store
	summarizer *Summarizer
	log        *logger.Logger
	opts       AssemblerOptions
}

func NewAssembler(store *Store, summarizer *Summarizer, log *logger.Logger, opts AssemblerOptions) *Assembler {
	if log == nil {
		log = logger.Nop()
	}
	if opts.RecentLimit <= 0 {
		opts.RecentLimit = defaultRecentLimit
	}
	if opts.SimilarLimit <= 0 {
		opts.SimilarLimit = defaultSimilarLimit
	}
	if opts.SummaryLimit <= 0 {
		opts.SummaryLimit = defaultSummaryLimit
	}
	if opts.FallbackDays <= 0 {
		opts.FallbackDays = defaultFallbackDays
	}
	if opts.PeriodMessageLimit <= 0 {
		opts.PeriodMessageLimit = defaultPeriodMessageLimit
	}
	return &Assembler{store: store, summarizer: summarizer, log: log.Named("assembler"), opts: opts}
}

// Sources is everything retrieved for one query, before rendering.
type Sources struct {
	Range         *TimeRange
	PeriodSummary string
	Period        []StoredMessage
	Summaries     []SummaryChunk
	Similar       []SimilarMessage
	// Recent is newest first, as returned by the store.
	Recent []StoredMessage
}

type Assembled struct {
	Prompt        string
	TokenEstimate int
	Counts        map[string]int
	TimeRange     *TimeRange
}

// Assemble retrieves the sources for query and renders the prompt.
func (a *Assembler) Assemble(ctx context.Context, scope Scope, query string) Assembled {
	ctx, span := tracer.Start(ctx, "memory.assemble",
		trace.WithAttributes(attribute.String("session_id", scope.SessionID), attribute.String("chat_id", scope.ChatID)))
	defer span.End()

	src := a.Fetch(ctx, scope, query)
	out := Render(query, src)
	span.SetAttributes(
		attribute.Int("recent", out.Counts["recent"]),
		attribute.Int("similar", out.Counts["similar"]),
		attribute.Int("summaries", out.Counts["summaries"]),
		attribute.Int("period", out.Counts["period"]),
	)
	a.log.Debug("context assembled", "session_id", scope.SessionID, "chat_id", scope.ChatID,
		"tokens", out.TokenEstimate, "recent", out.Counts["recent"], "similar", out.Counts["similar"])
	return out
}

// Fetch queries every source concurrently. Explicit time ranges get a full
// period summary; the fallback window only summarizes days before today so
// the digests are written once and reused.
func (a *Assembler) Fetch(ctx context.Context, scope Scope, query string) Sources {
	scope.mustValid()
	var src Sources
	if a == nil || a.store == nil {
		return src
	}

	if tr, ok := DetectTimeRange(query, a.store.Clock().Now(), a.opts.FallbackDays); ok {
		src.Range = &tr
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sctx, span := tracer.Start(gctx, "memory.recent")
		defer span.End()
		src.Recent = a.store.GetRecent(sctx, scope, a.opts.RecentLimit)
		return nil
	})
	g.Go(func() error {
		sctx, span := tracer.Start(gctx, "memory.similar")
		defer span.End()
		src.Similar = a.store.FindSimilar(sctx, scope, query, SimilarOptions{
			Limit:          a.opts.SimilarLimit,
			ScoreThreshold: a.opts.SimilarThreshold,
		})
		return nil
	})
	g.Go(func() error {
		sctx, span := tracer.Start(gctx, "memory.summaries")
		defer span.End()
		src.Summaries = a.store.SearchSummaries(sctx, scope, query, a.opts.SummaryLimit)
		return nil
	})
	if src.Range != nil {
		tr := *src.Range
		g.Go(func() error {
			sctx, span := tracer.Start(gctx, "memory.period", trace.WithAttributes(
				attribute.String("label", tr.Label), attribute.Bool("explicit", tr.Explicit)))
			defer span.End()
			period := a.store.GetForPeriod(sctx, scope, tr.Days)
			if len(period) > a.opts.PeriodMessageLimit {
				period = period[len(period)-a.opts.PeriodMessageLimit:]
			}
			src.Period = period
			if a.summarizer == nil || len(period) == 0 {
				return nil
			}
			days := tr.Days
			if !tr.Explicit {
				days = pastDays(days, DayBucket(a.store.Clock().Now()))
			}
			if len(days) > 0 {
				src.PeriodSummary, _ = a.summarizer.SummarizePeriod(sctx, scope, days)
			}
			return nil
		})
	}
	_ = g.Wait()
	return src
}

// Render lays out the blocks in a fixed order and always ends with the
// question line.
func Render(query string, src Sources) Assembled {
	var blocks []string
	label := ""
	if src.Range != nil {
		label = src.Range.Label
	}

	if s := strings.TrimSpace(src.PeriodSummary); s != "" {
		blocks = append(blocks, fmt.Sprintf("PERIOD SUMMARY (%s):\n%s", label, s))
	}
	if len(src.Period) > 0 {
		blocks = append(blocks, fmt.Sprintf("PERIOD MESSAGES (%s):\n%s", label, formatLines(src.Period)))
	}
	if len(src.Summaries) > 0 {
		lines := make([]string, 0, len(src.Summaries))
		for _, c := range src.Summaries {
			span := c.StartDay
			if c.EndDay != "" && c.EndDay != c.StartDay {
				span += ".." + c.EndDay
			}
			lines = append(lines, fmt.Sprintf("- [%s] %s", span, strings.TrimSpace(c.Summary)))
		}
		blocks = append(blocks, "RELEVANT EXCERPTS:\n"+strings.Join(lines, "\n"))
	}
	if len(src.Similar) > 0 {
		lines := make([]string, 0, len(src.Similar))
		for _, m := range src.Similar {
			lines = append(lines, fmt.Sprintf("%s (score %.2f, %s)", formatLine(m.StoredMessage), m.Score, m.Relevance))
		}
		blocks = append(blocks, "SIMILAR MESSAGES:\n"+strings.Join(lines, "\n"))
	}
	if len(src.Recent) > 0 {
		chronological := make([]StoredMessage, len(src.Recent))
		for i, m := range src.Recent {
			chronological[len(src.Recent)-1-i] = m
		}
		blocks = append(blocks, "RECENT MESSAGES:\n"+formatLines(chronological))
	}

	question := "QUESTION: " + strings.TrimSpace(query) + "\nANSWER:"
	prompt := question
	if len(blocks) > 0 {
		prompt = strings.Join(blocks, "\n\n") + "\n\n" + question
	}
	return Assembled{
		Prompt:        prompt,
		TokenEstimate: len(prompt) / 4,
		Counts: map[string]int{
			"recent":    len(src.Recent),
			"similar":   len(src.Similar),
			"summaries": len(src.Summaries),
			"period":    len(src.Period),
		},
		TimeRange: src.Range,
	}
}

func formatLines(msgs []StoredMessage) string {
	lines := make([]string, len(msgs))
	for i, m := range msgs {
		lines[i] = formatLine(m)
	}
	return strings.Join(lines, "\n")
}

// formatLine renders "[2006-01-02 15:04] Me: text".
func formatLine(m StoredMessage) string {
	when := m.Day
	if !m.Time.IsZero() {
		when = m.Time.Format("2006-01-02 15:04")
	}
	if when == "" {
		when = "unknown time"
	}
	who := "Them"
	if m.IsOutgoing {
		who = "Me"
	}
	text := strings.TrimSpace(m.Text)
	if text == "" {
		text = noTextPlaceholder
	}
	return "[" + when + "] " + who + ": " + text
}

func pastDays(days []string, today string) []string {
	out := make([]string, 0, len(days))
	for _, d := range days {
		if d < today {
			out = append(out, d)
		}
	}
	return out
}
