package agents

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/stellarlinkco/mimic/internal/memory"
)

const (
	StyleCasual  = "casual"
	StyleFormal  = "formal"
	StyleNeutral = "neutral"

	PunctuationExpressive = "expressive"
	PunctuationStandard   = "standard"
	PunctuationMinimal    = "minimal"
)

// StyleProfile is the model-free summary of how someone writes.
type StyleProfile struct {
	Style       string
	AvgLength   int
	UsesEmoji   bool
	UsesSlang   bool
	Punctuation string
}

func DefaultStyleProfile() StyleProfile {
	return StyleProfile{Style: StyleNeutral, AvgLength: 50, Punctuation: PunctuationStandard}
}

var (
	casualMarkers = []string{"lol", "haha", "😂", "👍", "yo", "hey", "sup", "omg", "wtf"}
	formalMarkers = []string{"thank you", "please", "regards", "sincerely", "appreciate"}
	slangMarkers  = []string{"lol", "omg", "wtf", "brb", "tbh"}
)

// Analyze scores casual against formal markers over messages.
func Analyze(messages []string) StyleProfile {
	texts := compactStrings(messages)
	if len(texts) == 0 {
		return DefaultStyleProfile()
	}

	var casual, formal float64
	var totalRunes, exclaimed, unpunctuated int
	profile := StyleProfile{}
	for _, text := range texts {
		lower := strings.ToLower(text)
		if containsMarker(lower, casualMarkers) {
			casual++
		}
		if containsMarker(lower, formalMarkers) {
			formal++
		}
		if strings.HasSuffix(lower, "!") || strings.Contains(lower, "...") {
			casual += 0.5
		}
		if first, _ := utf8.DecodeRuneInString(text); unicode.IsUpper(first) && strings.HasSuffix(text, ".") {
			formal += 0.5
		}

		totalRunes += utf8.RuneCountInString(text)
		if strings.ContainsAny(text, "!?") {
			exclaimed++
		}
		if last, _ := utf8.DecodeLastRuneInString(text); !unicode.IsPunct(last) {
			unpunctuated++
		}
		if !profile.UsesEmoji && containsEmoji(text) {
			profile.UsesEmoji = true
		}
		if !profile.UsesSlang && containsWord(lower, slangMarkers) {
			profile.UsesSlang = true
		}
	}

	switch {
	case casual > formal:
		profile.Style = StyleCasual
	case formal > casual:
		profile.Style = StyleFormal
	default:
		profile.Style = StyleNeutral
	}
	profile.AvgLength = totalRunes / len(texts)
	switch {
	case float64(exclaimed)/float64(len(texts)) > 0.3:
		profile.Punctuation = PunctuationExpressive
	case unpunctuated == len(texts):
		profile.Punctuation = PunctuationMinimal
	default:
		profile.Punctuation = PunctuationStandard
	}
	return profile
}

// PersonaFromStyle turns a heuristic profile into a Persona. The language
// comes from the sample texts.
func PersonaFromStyle(profile StyleProfile, samples []string) Persona {
	p := DefaultPersona()
	switch profile.Style {
	case StyleCasual:
		p.Formality = FormalityInformal
		p.Tone = "casual"
	case StyleFormal:
		p.Formality = FormalityFormal
		p.Tone = "polite"
	}
	p.UsesEmoji = profile.UsesEmoji
	if lang := memory.DetectLanguage(strings.Join(samples, " ")); lang != "unknown" {
		p.Language = lang
	}
	if profile.UsesSlang {
		for _, word := range slangMarkers {
			for _, s := range samples {
				if containsWord(strings.ToLower(s), []string{word}) {
					p.SlangExamples = append(p.SlangExamples, word)
					break
				}
			}
		}
	}
	return p
}

// containsMarker matches single words on word boundaries ("yo" is not in
// "you") and everything else as a substring.
func containsMarker(text string, markers []string) bool {
	for _, m := range markers {
		if isWord(m) {
			if containsWord(text, []string{m}) {
				return true
			}
		} else if strings.Contains(text, m) {
			return true
		}
	}
	return false
}

func isWord(s string) bool {
	for _, r := range s {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return s != ""
}

func containsAny(text string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(text, m) {
			return true
		}
	}
	return false
}

func containsWord(text string, words []string) bool {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, f := range fields {
		for _, w := range words {
			if f == w {
				return true
			}
		}
	}
	return false
}

func containsEmoji(text string) bool {
	for _, r := range text {
		switch {
		case r >= 0x1F300 && r <= 0x1FAFF,
			r >= 0x2600 && r <= 0x27BF,
			r >= 0x1F1E6 && r <= 0x1F1FF:
			return true
		}
	}
	return false
}
