package chat

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// WordFilter masks listed words in legacy post content.
type WordFilter struct {
	re *regexp.Regexp
}

// NewWordFilter returns nil when words is empty.
func NewWordFilter(words []string) *WordFilter {
	quoted := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.TrimSpace(w)
		if w != "" {
			quoted = append(quoted, regexp.QuoteMeta(w))
		}
	}
	if len(quoted) == 0 {
		return nil
	}
	return &WordFilter{re: regexp.MustCompile(`(?i)\b(?:` + strings.Join(quoted, "|") + `)\b`)}
}

func (f *WordFilter) Apply(s string) string {
	if f == nil {
		return s
	}
	return f.re.ReplaceAllStringFunc(s, func(m string) string {
		return strings.Repeat("*", utf8.RuneCountInString(m))
	})
}
