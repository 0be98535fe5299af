package module

import (
	"sort"
	"strings"
	"unicode"

	"github.com/plexmem/plexmem/pkg/models"
)

// stopwords are dropped from derived keywords.
var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"but": {}, "by": {}, "for": {}, "from": {}, "had": {}, "has": {},
	"have": {}, "he": {}, "her": {}, "his": {}, "i": {}, "in": {},
	"is": {}, "it": {}, "its": {}, "my": {}, "no": {}, "not": {}, "of": {}, "on": {},
	"or": {}, "our": {}, "she": {}, "so": {}, "that": {}, "the": {},
	"their": {}, "them": {}, "then": {}, "there": {}, "they": {},
	"this": {}, "to": {}, "was": {}, "we": {}, "were": {}, "what": {},
	"when": {}, "which": {}, "will": {}, "with": {}, "you": {}, "your": {},
}

// DeriveTitle takes the first line of content, clipped to the CMI
// title limit on a word boundary where possible.
func DeriveTitle(content string) string {
	line := content
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	return clipWords(line, models.MaxTitleLen)
}

// DeriveSummary takes the leading sentence or two of content, clipped
// to the CMI summary limit.
func DeriveSummary(content string) string {
	text := strings.Join(strings.Fields(content), " ")
	return clipWords(text, models.MaxSummaryLen)
}

// DeriveKeywords extracts up to max distinct significant words, most
// frequent first, ties alphabetical so the derivation is stable.
func DeriveKeywords(content string, max int) []string {
	freq := make(map[string]int)
	for _, word := range splitWords(content) {
		if len(word) < 3 {
			continue
		}
		if _, skip := stopwords[word]; skip {
			continue
		}
		freq[word]++
	}
	if len(freq) == 0 {
		return nil
	}

	words := make([]string, 0, len(freq))
	for w := range freq {
		words = append(words, w)
	}
	sort.Slice(words, func(i, j int) bool {
		if freq[words[i]] != freq[words[j]] {
			return freq[words[i]] > freq[words[j]]
		}
		return words[i] < words[j]
	})
	if len(words) > max {
		words = words[:max]
	}
	return words
}

// ContainsAny reports whether content mentions any of the given terms,
// case-insensitively.
func ContainsAny(content string, terms ...string) bool {
	lower := strings.ToLower(content)
	for _, term := range terms {
		if strings.Contains(lower, term) {
			return true
		}
	}
	return false
}

// splitWords lowercases and splits on anything that is not a letter,
// digit, or intra-word hyphen.
func splitWords(content string) []string {
	return strings.FieldsFunc(strings.ToLower(content), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-'
	})
}

// clipWords truncates s to maxLen, preferring a word boundary when one
// falls in the final third.
func clipWords(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := s[:maxLen]
	if i := strings.LastIndexByte(cut, ' '); i > maxLen*2/3 {
		cut = cut[:i]
	}
	return cut
}
