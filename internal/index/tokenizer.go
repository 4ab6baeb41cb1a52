// Package index builds the crawl's inverted index. Documents accumulate in
// an open generation; full generations are sealed into shard files whose
// posting ranges are recorded in the tiered dictionary.
package index

import (
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"by": {}, "for": {}, "from": {}, "in": {}, "is": {}, "it": {}, "its": {},
	"of": {}, "on": {}, "or": {}, "that": {}, "the": {}, "this": {}, "to": {},
	"was": {}, "were": {}, "will": {}, "with": {},
}

// Token is a normalized term and its word position in the document.
type Token struct {
	Term     string
	Position uint32
}

// Tokenize lowercases text, splits it on anything that is not a letter or
// digit, drops stop words and single characters, and stems the rest.
// Positions continue from start so several fields share one position space.
func Tokenize(text string, start uint32) []Token {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make([]Token, 0, len(words))
	pos := start
	for _, w := range words {
		if len([]rune(w)) < 2 {
			continue
		}
		if _, stop := stopWords[w]; stop {
			continue
		}
		out = append(out, Token{Term: Stem(w), Position: pos})
		pos++
	}
	return out
}

var suffixes = []struct {
	suffix, repl string
	keep         int
}{
	{"ational", "ate", 2},
	{"fulness", "ful", 2},
	{"iveness", "ive", 2},
	{"ization", "ize", 2},
	{"ingly", "", 3},
	{"ments", "ment", 2},
	{"ness", "", 3},
	{"ies", "y", 2},
	{"ing", "", 3},
	{"edly", "", 3},
	{"ed", "", 3},
	{"ly", "", 3},
	{"s", "", 3},
}

// Stem strips one common English suffix when enough of the word remains.
func Stem(word string) string {
	if strings.HasSuffix(word, "ss") {
		return word
	}
	for _, s := range suffixes {
		if strings.HasSuffix(word, s.suffix) && len(word)-len(s.suffix) >= s.keep {
			return word[:len(word)-len(s.suffix)] + s.repl
		}
	}
	return word
}

// WordHash is the dictionary key of a normalized term.
func WordHash(term string) uint64 {
	return xxhash.Sum64String(term)
}

// QueryHash normalizes a single query word and returns its hash. ok is false
// when the word normalizes away.
func QueryHash(word string) (uint64, bool) {
	toks := Tokenize(word, 0)
	if len(toks) == 0 {
		return 0, false
	}
	return WordHash(toks[0].Term), true
}
