package agents

import (
	"strings"
	"unicode/utf8"
)

var fillerPrefixes = []string{
	"here's a suggestion:",
	"here is a suggestion:",
	"you could say:",
	"how about:",
	"try:",
	"suggested response:",
	"suggested reply:",
	"reply:",
	"response:",
}

var quotePairs = [][2]string{
	{`"`, `"`},
	{`'`, `'`},
	{"«", "»"},
	{"“", "”"},
}

// CleanReply strips filler prefixes and wrapping quotes that models add
// despite being told not to.
func CleanReply(text string) string {
	text = strings.TrimSpace(text)
	for {
		before := text
		lower := strings.ToLower(text)
		for _, prefix := range fillerPrefixes {
			if strings.HasPrefix(lower, prefix) {
				text = strings.TrimSpace(text[len(prefix):])
				break
			}
		}
		for _, pair := range quotePairs {
			if utf8.RuneCountInString(text) >= 2 && strings.HasPrefix(text, pair[0]) && strings.HasSuffix(text, pair[1]) {
				text = strings.TrimSpace(text[len(pair[0]) : len(text)-len(pair[1])])
				break
			}
		}
		if text == before {
			return text
		}
	}
}
