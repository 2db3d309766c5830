package agents

import (
	"fmt"
	"strings"
)

const (
	FormalityVeryFormal   = "very_formal"
	FormalityFormal       = "formal"
	FormalityNeutral      = "neutral"
	FormalityInformal     = "informal"
	FormalityVeryInformal = "very_informal"
)

var formalityLevels = map[string]struct{}{
	FormalityVeryFormal:   {},
	FormalityFormal:       {},
	FormalityNeutral:      {},
	FormalityInformal:     {},
	FormalityVeryInformal: {},
}

// Persona describes how the user writes. It is the only persona shape used
// by producers and consumers.
type Persona struct {
	Formality     string   `json:"formality"`
	Language      string   `json:"language"`
	Tone          string   `json:"tone"`
	SlangExamples []string `json:"slang_examples"`
	UsesEmoji     bool     `json:"uses_emoji"`
	Greetings     []string `json:"greetings"`
	SignOffs      []string `json:"sign_offs"`
}

func DefaultPersona() Persona {
	return Persona{
		Formality: FormalityNeutral,
		Language:  "en",
		Tone:      "friendly",
	}
}

// withDefaults fills empty or invalid fields from DefaultPersona.
func (p Persona) withDefaults() Persona {
	def := DefaultPersona()
	p.Formality = strings.ToLower(strings.TrimSpace(p.Formality))
	if _, ok := formalityLevels[p.Formality]; !ok {
		p.Formality = def.Formality
	}
	if p.Language = strings.TrimSpace(p.Language); p.Language == "" {
		p.Language = def.Language
	}
	if p.Tone = strings.TrimSpace(p.Tone); p.Tone == "" {
		p.Tone = def.Tone
	}
	p.SlangExamples = compactStrings(p.SlangExamples)
	p.Greetings = compactStrings(p.Greetings)
	p.SignOffs = compactStrings(p.SignOffs)
	return p
}

// Describe renders the persona for prompts.
func (p Persona) Describe() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Formality: %s\n", p.Formality)
	fmt.Fprintf(&b, "Language: %s\n", p.Language)
	fmt.Fprintf(&b, "Tone: %s\n", p.Tone)
	fmt.Fprintf(&b, "Uses emoji: %t\n", p.UsesEmoji)
	fmt.Fprintf(&b, "Slang examples: %s\n", listOrNone(p.SlangExamples))
	fmt.Fprintf(&b, "Greetings: %s\n", listOrNone(p.Greetings))
	fmt.Fprintf(&b, "Sign-offs: %s", listOrNone(p.SignOffs))
	return b.String()
}

func listOrNone(items []string) string {
	if len(items) == 0 {
		return "none"
	}
	return strings.Join(items, ", ")
}

func compactStrings(items []string) []string {
	var out []string
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
