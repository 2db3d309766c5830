package agents

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAnalyze(t *testing.T) {
	tests := []struct {
		name     string
		messages []string
		want     StyleProfile
	}{
		{
			name: "empty",
			want: DefaultStyleProfile(),
		},
		{
			name:     "casual",
			messages: []string{"lol ok", "haha sure"},
			want:     StyleProfile{Style: StyleCasual, AvgLength: 7, UsesSlang: true, Punctuation: PunctuationMinimal},
		},
		{
			name:     "formal",
			messages: []string{"Thank you for the update.", "Please send the report."},
			want:     StyleProfile{Style: StyleFormal, AvgLength: 24, Punctuation: PunctuationStandard},
		},
		{
			name:     "yo inside you is not casual",
			messages: []string{"Are you there?"},
			want:     StyleProfile{Style: StyleNeutral, AvgLength: 14, Punctuation: PunctuationExpressive},
		},
		{
			name:     "emoji",
			messages: []string{"see you 👍"},
			want:     StyleProfile{Style: StyleCasual, AvgLength: 9, UsesEmoji: true, Punctuation: PunctuationMinimal},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Analyze(tt.messages))
		})
	}
}

func TestPersonaFromStyle(t *testing.T) {
	formal := PersonaFromStyle(StyleProfile{Style: StyleFormal}, []string{"Добрый день, коллеги."})
	assert.Equal(t, FormalityFormal, formal.Formality)
	assert.Equal(t, "polite", formal.Tone)
	assert.Equal(t, "ru", formal.Language)

	neutral := PersonaFromStyle(DefaultStyleProfile(), nil)
	assert.Equal(t, DefaultPersona(), neutral)
}

func TestDetectStyleComplaint(t *testing.T) {
	tests := []struct {
		name   string
		texts  []string
		want   string
		wantOK bool
	}{
		{"none", []string{"see you tomorrow", "ok"}, "", false},
		{"too formal", []string{"hey", "you sound too formal"}, FormalityInformal, true},
		{"too casual russian", []string{"Слишком фамильярно, давай серьёзнее"}, FormalityFormal, true},
		{"latest wins", []string{"be more formal please", "ugh, now it's too formal"}, FormalityInformal, true},
		{"too informal is not too formal", []string{"that was too informal"}, FormalityFormal, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := DetectStyleComplaint(tt.texts)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
