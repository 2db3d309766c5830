package agents

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stellarlinkco/mimic/internal/llm"
	"github.com/stellarlinkco/mimic/internal/logger"
	"github.com/stellarlinkco/mimic/internal/memory"
)

type StageKind string

const (
	KindAnalyze   StageKind = "analyze"
	KindRetrieve  StageKind = "retrieve"
	KindRelevance StageKind = "filter-relevance"
	KindDraft     StageKind = "draft"
	KindCritique  StageKind = "critique"
)

// canonicalOrder is the only order stages run in.
var canonicalOrder = []StageKind{KindAnalyze, KindRetrieve, KindRelevance, KindDraft, KindCritique}

// Stage is one step of the pipeline. Run reads and writes its own State
// fields and returns an error to stop the run.
type Stage struct {
	Kind StageKind
	Name string
	Run  func(ctx context.Context, st *State) error
}

// ContextSource assembles the retrieval prompt for a query.
type ContextSource interface {
	Assemble(ctx context.Context, scope memory.Scope, query string) memory.Assembled
}

// SimilarSource finds messages close to a query.
type SimilarSource interface {
	FindSimilar(ctx context.Context, scope memory.Scope, query string, opts memory.SimilarOptions) []memory.SimilarMessage
}

const (
	defaultWriterTemperature = 0.8
	defaultCriticTemperature = 0.3
	defaultReplyTokens       = 400
	previewLimit             = 3
	historyLines             = 20
	relevanceMinWords        = 4
)

// Deps is what the stages call out to. Context and Similar may be nil;
// retrieval then degrades to whatever is left.
type Deps struct {
	Completer         llm.Completer
	Context           ContextSource
	Similar           SimilarSource
	Logger            *logger.Logger
	WriterTemperature float64
	CriticTemperature float64
	MaxTokens         int
}

func (d Deps) normalized() Deps {
	if d.Completer == nil {
		d.Completer = llm.Unavailable{}
	}
	if d.Logger == nil {
		d.Logger = logger.Nop()
	}
	if d.WriterTemperature <= 0 {
		d.WriterTemperature = defaultWriterTemperature
	}
	if d.CriticTemperature <= 0 {
		d.CriticTemperature = defaultCriticTemperature
	}
	if d.MaxTokens <= 0 {
		d.MaxTokens = defaultReplyTokens
	}
	return d
}

// DefaultStages returns Analyst, ContextRetrieval, Relevance (when enabled),
// Writer and Critic.
func DefaultStages(deps Deps, withRelevance bool) []Stage {
	stages, _ := StagesFor(nil, deps, withRelevance)
	return stages
}

// StagesFor builds the stages named by kinds in canonical order. An empty
// kinds list means all of them. Unknown kinds are rejected.
func StagesFor(kinds []string, deps Deps, withRelevance bool) ([]Stage, error) {
	deps = deps.normalized()
	all := map[StageKind]Stage{
		KindAnalyze:   {Kind: KindAnalyze, Name: "Analyst", Run: deps.analyst},
		KindRetrieve:  {Kind: KindRetrieve, Name: "ContextRetrieval", Run: deps.retrieve},
		KindRelevance: {Kind: KindRelevance, Name: "Relevance", Run: deps.relevance},
		KindDraft:     {Kind: KindDraft, Name: "Writer", Run: deps.writer},
		KindCritique:  {Kind: KindCritique, Name: "Critic", Run: deps.critic},
	}

	wanted := make(map[StageKind]bool, len(canonicalOrder))
	if len(kinds) == 0 {
		for _, k := range canonicalOrder {
			wanted[k] = true
		}
	}
	for _, raw := range kinds {
		kind := StageKind(strings.ToLower(strings.TrimSpace(raw)))
		if _, ok := all[kind]; !ok {
			return nil, fmt.Errorf("unknown pipeline stage %q", raw)
		}
		wanted[kind] = true
	}
	if !withRelevance {
		delete(wanted, KindRelevance)
	}

	stages := make([]Stage, 0, len(wanted))
	for _, kind := range canonicalOrder {
		if wanted[kind] {
			stages = append(stages, all[kind])
		}
	}
	return stages, nil
}

func (d Deps) analyst(ctx context.Context, st *State) error {
	samples := st.userTexts()
	complaint, complained := DetectStyleComplaint(samples)
	defer func() {
		if complained {
			st.Persona.Formality = complaint
		}
	}()

	if len(st.History) == 0 {
		st.Persona = DefaultPersona()
		return nil
	}

	raw, err := d.Completer.Complete(ctx, llm.Request{
		System:    analystSystemPrompt,
		Prompt:    fmt.Sprintf(analystUserPrompt, transcript(st.History, 0)),
		MaxTokens: d.MaxTokens,
		ForceJSON: true,
	})
	if err == nil {
		var persona Persona
		if err = llm.DecodeJSON(raw, &persona); err == nil {
			st.Persona = persona.withDefaults()
			return nil
		}
	}
	d.Logger.Warn("persona inference failed, using heuristics", "error", err)
	st.Persona = PersonaFromStyle(Analyze(samples), samples)
	return nil
}

func (d Deps) retrieve(ctx context.Context, st *State) error {
	if d.Context != nil {
		if assembled := d.Context.Assemble(ctx, st.Scope, st.Query); retrievedAny(assembled) {
			st.Context = assembled.Prompt
		}
	}
	if d.Similar != nil {
		st.Similar = d.Similar.FindSimilar(ctx, st.Scope, st.Query, memory.SimilarOptions{Limit: previewLimit})
		if st.Context == "" && len(st.Similar) > 0 {
			lines := make([]string, 0, len(st.Similar))
			for _, m := range st.Similar {
				lines = append(lines, "Similar message from the past: "+previewText(m))
			}
			st.Context = strings.Join(lines, "\n")
		}
	}
	st.ContextRelevant = strings.TrimSpace(st.Context) != ""
	return nil
}

// retrievedAny reports whether the assembled prompt carries anything besides
// the question itself.
func retrievedAny(a memory.Assembled) bool {
	for _, n := range a.Counts {
		if n > 0 {
			return true
		}
	}
	return false
}

func (d Deps) relevance(ctx context.Context, st *State) error {
	if strings.TrimSpace(st.Context) == "" {
		st.ContextRelevant = false
		return nil
	}
	if len(strings.Fields(st.Query)) < relevanceMinWords && !strings.Contains(st.Query, "?") {
		st.ContextRelevant = false
		st.Context = irrelevantContextMarker
		return nil
	}

	raw, err := d.Completer.Complete(ctx, llm.Request{
		System:    relevanceSystemPrompt,
		Prompt:    fmt.Sprintf(relevanceUserPrompt, st.Query, st.Context),
		MaxTokens: 20,
		ForceJSON: true,
	})
	var verdict struct {
		IsRelevant *bool `json:"is_relevant"`
	}
	if err == nil {
		err = llm.DecodeJSON(raw, &verdict)
	}
	if err != nil || verdict.IsRelevant == nil {
		d.Logger.Warn("relevance check inconclusive, keeping context", "error", err)
		st.ContextRelevant = true
		return nil
	}
	st.ContextRelevant = *verdict.IsRelevant
	if !st.ContextRelevant {
		st.Context = irrelevantContextMarker
	}
	return nil
}

func (d Deps) writer(ctx context.Context, st *State) error {
	background := strings.TrimSpace(st.Context)
	if background == "" {
		background = "No relevant history."
	}
	raw, err := d.Completer.Complete(ctx, llm.Request{
		System:      writerSystemPrompt,
		Prompt:      fmt.Sprintf(writerUserPrompt, st.Persona.Describe(), background, transcript(st.History, historyLines), st.Query),
		Temperature: d.WriterTemperature,
		MaxTokens:   d.MaxTokens,
	})
	if err != nil {
		return fmt.Errorf("draft reply: %w", err)
	}
	st.Draft = CleanReply(raw)
	if st.Draft == "" {
		return errors.New("draft reply: empty completion")
	}
	return nil
}

func (d Deps) critic(ctx context.Context, st *State) error {
	if st.Draft == "" {
		return errors.New("critique: no draft to review")
	}
	raw, err := d.Completer.Complete(ctx, llm.Request{
		System:      criticSystemPrompt,
		Prompt:      fmt.Sprintf(criticUserPrompt, st.Persona.Describe(), recentOwnMessages(st.History), st.Draft),
		Temperature: d.CriticTemperature,
		MaxTokens:   d.MaxTokens,
	})
	final := ""
	if err == nil {
		final = CleanReply(raw)
	}
	if final == "" {
		d.Logger.Warn("critique unavailable, keeping draft", "error", err)
		final = st.Draft
	}
	st.Final = final
	return nil
}

// transcript renders history as "Me:"/"Them:" lines; limit keeps the last
// lines only when positive.
func transcript(history []memory.StoredMessage, limit int) string {
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	lines := make([]string, 0, len(history))
	for _, m := range history {
		text := strings.TrimSpace(m.Text)
		if text == "" {
			continue
		}
		who := "Them"
		if m.IsOutgoing {
			who = "Me"
		}
		lines = append(lines, who+": "+text)
	}
	if len(lines) == 0 {
		return "(no messages)"
	}
	return strings.Join(lines, "\n")
}

func recentOwnMessages(history []memory.StoredMessage) string {
	var own []memory.StoredMessage
	for _, m := range history {
		if m.IsOutgoing {
			own = append(own, m)
		}
	}
	return transcript(own, 5)
}

func previewText(m memory.SimilarMessage) string {
	if text := strings.TrimSpace(m.Text); text != "" {
		return text
	}
	return m.Hint
}
