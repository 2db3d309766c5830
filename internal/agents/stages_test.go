package agents

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/mimic/internal/llm"
	"github.com/stellarlinkco/mimic/internal/memory"
)

func TestAnalystComplaintOverridesModel(t *testing.T) {
	completer := newScriptedCompleter()
	completer.replies["analyst"] = reply(`Sure! Here is the profile: {"formality":"very_formal","language":"en","tone":"stiff"} hope it helps`)
	deps := Deps{Completer: completer}.normalized()

	st := &State{History: []memory.StoredMessage{
		{Text: "Dear colleague, I appreciate your message.", IsOutgoing: true},
		{Text: "ok", IsOutgoing: false},
		{Text: "stop being so formal, it's me", IsOutgoing: true},
	}}
	require.NoError(t, deps.analyst(context.Background(), st))
	assert.Equal(t, FormalityInformal, st.Persona.Formality)
	assert.Equal(t, "stiff", st.Persona.Tone)
}

func TestAnalystComplaintWording(t *testing.T) {
	deps := Deps{Completer: llm.CompleterFunc(func(context.Context, llm.Request) (string, error) {
		return `{"formality":"formal","language":"en"}`, nil
	})}.normalized()
	st := &State{History: []memory.StoredMessage{
		{Text: "Good afternoon. Kind regards.", IsOutgoing: true},
		{Text: "stop talking so formally please", IsOutgoing: true},
	}}
	require.NoError(t, deps.analyst(context.Background(), st))
	assert.Equal(t, FormalityInformal, st.Persona.Formality)
}

func TestAnalystOppositeComplaint(t *testing.T) {
	deps := Deps{Completer: newScriptedCompleter()}.normalized()
	st := &State{History: []memory.StoredMessage{
		{Text: "ты пишешь слишком фамильярно", IsOutgoing: true},
	}}
	require.NoError(t, deps.analyst(context.Background(), st))
	assert.Equal(t, FormalityFormal, st.Persona.Formality)
}

func TestAnalystFallsBackToHeuristics(t *testing.T) {
	completer := newScriptedCompleter()
	completer.replies["analyst"] = reply("I cannot produce JSON today")
	deps := Deps{Completer: completer}.normalized()

	st := &State{History: []memory.StoredMessage{
		{Text: "haha yo that was wild!", IsOutgoing: true},
		{Text: "omg lol 😂", IsOutgoing: true},
	}}
	require.NoError(t, deps.analyst(context.Background(), st))
	assert.Equal(t, FormalityInformal, st.Persona.Formality)
	assert.True(t, st.Persona.UsesEmoji)
	assert.Equal(t, []string{"lol", "omg"}, st.Persona.SlangExamples)
}

func TestAnalystInvalidFieldsGetDefaults(t *testing.T) {
	completer := newScriptedCompleter()
	completer.replies["analyst"] = reply(`{"formality":"sloppy","tone":"  "}`)
	deps := Deps{Completer: completer}.normalized()
	st := &State{History: []memory.StoredMessage{{Text: "hello", IsOutgoing: true}}}
	require.NoError(t, deps.analyst(context.Background(), st))
	assert.Equal(t, DefaultPersona(), st.Persona)
}

func TestRelevanceShortMessageSkipsModel(t *testing.T) {
	completer := newScriptedCompleter()
	deps := Deps{Completer: completer}.normalized()
	st := &State{Query: "ok thanks", Context: "RECENT MESSAGES:\n[...]"}

	require.NoError(t, deps.relevance(context.Background(), st))
	assert.False(t, st.ContextRelevant)
	assert.Equal(t, irrelevantContextMarker, st.Context)
	assert.Equal(t, 0, completer.count("relevance"))
}

func TestRelevanceVerdicts(t *testing.T) {
	tests := []struct {
		name         string
		reply        string
		err          error
		wantRelevant bool
	}{
		{"relevant", `{"is_relevant": true}`, nil, true},
		{"irrelevant", `sure: {"is_relevant": false}`, nil, false},
		{"unparseable keeps context", "maybe", nil, true},
		{"missing key keeps context", `{"relevant": false}`, nil, true},
		{"call failure keeps context", "", errors.New("timeout"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			completer := newScriptedCompleter()
			completer.replies["relevance"] = func(llm.Request) (string, error) { return tt.reply, tt.err }
			deps := Deps{Completer: completer}.normalized()
			st := &State{Query: "what did we decide about the trip?", Context: "PERIOD MESSAGES:\n..."}

			require.NoError(t, deps.relevance(context.Background(), st))
			assert.Equal(t, tt.wantRelevant, st.ContextRelevant)
			if tt.wantRelevant {
				assert.Equal(t, "PERIOD MESSAGES:\n...", st.Context)
			} else {
				assert.Equal(t, irrelevantContextMarker, st.Context)
			}
			assert.Equal(t, 1, completer.count("relevance"))
		})
	}
}

type fixedSimilar []memory.SimilarMessage

func (f fixedSimilar) FindSimilar(context.Context, memory.Scope, string, memory.SimilarOptions) []memory.SimilarMessage {
	return f
}

func TestRetrieveUsesSimilarWhenNoAssembler(t *testing.T) {
	deps := Deps{Similar: fixedSimilar{
		{StoredMessage: memory.StoredMessage{Text: "finished the RAG pipeline"}, Score: 0.8},
		{Hint: "Message from 2024-03-05T10:00:00Z (12 chars)"},
	}}.normalized()
	st := &State{Query: "project status", Scope: testScope}

	require.NoError(t, deps.retrieve(context.Background(), st))
	assert.Len(t, st.Similar, 2)
	assert.True(t, st.ContextRelevant)
	assert.Equal(t, "Similar message from the past: finished the RAG pipeline\n"+
		"Similar message from the past: Message from 2024-03-05T10:00:00Z (12 chars)", st.Context)
}

func TestRetrieveWithNothingIsNotAnError(t *testing.T) {
	deps := Deps{Context: fixedContext("")}.normalized()
	st := &State{Query: "hi"}
	require.NoError(t, deps.retrieve(context.Background(), st))
	assert.False(t, st.ContextRelevant)
}

func TestEmptyRetrievalSkipsRelevanceModel(t *testing.T) {
	completer := newScriptedCompleter()
	deps := Deps{Completer: completer, Context: fixedContext("")}.normalized()
	st := &State{Query: "what did we decide about the trip?", Scope: testScope}

	require.NoError(t, deps.retrieve(context.Background(), st))
	assert.Empty(t, st.Context)
	require.NoError(t, deps.relevance(context.Background(), st))
	assert.False(t, st.ContextRelevant)
	assert.Equal(t, 0, completer.count("relevance"))
}

func TestWriterPromptCarriesPersonaAndContext(t *testing.T) {
	var captured llm.Request
	completer := newScriptedCompleter()
	completer.replies["writer"] = func(req llm.Request) (string, error) {
		captured = req
		return "Reply: see you there", nil
	}
	deps := Deps{Completer: completer}.normalized()
	st := &State{Query: "dinner at 7?", Persona: DefaultPersona(), Context: "RECENT MESSAGES:\nx", History: sampleHistory()}

	require.NoError(t, deps.writer(context.Background(), st))
	assert.Equal(t, "see you there", st.Draft)
	assert.Equal(t, 0.8, captured.Temperature)
	assert.Contains(t, captured.Prompt, "Formality: neutral")
	assert.Contains(t, captured.Prompt, "RECENT MESSAGES:\nx")
	assert.Contains(t, captured.Prompt, "Me: yeah lol, 7 works")
	assert.True(t, strings.HasSuffix(captured.Prompt, "Write Me's reply."))
}

func TestWriterEmptyDraftIsAnError(t *testing.T) {
	completer := newScriptedCompleter()
	completer.replies["writer"] = reply(` "" `)
	deps := Deps{Completer: completer}.normalized()
	err := deps.writer(context.Background(), &State{Query: "hi", Persona: DefaultPersona()})
	require.Error(t, err)
}

func TestCriticKeepsDraftOnFailure(t *testing.T) {
	completer := newScriptedCompleter()
	completer.replies["critic"] = func(req llm.Request) (string, error) {
		assert.Equal(t, 0.3, req.Temperature)
		return "", errors.New("overloaded")
	}
	deps := Deps{Completer: completer}.normalized()
	st := &State{Draft: "see you at 7", Persona: DefaultPersona()}
	require.NoError(t, deps.critic(context.Background(), st))
	assert.Equal(t, "see you at 7", st.Final)
}
