// Package moderation screens chat text for blocked terms and spam patterns.
// It is used by the moderator service, which flags persisted messages after
// the fact; nothing here sits on the relay path.
package moderation

import (
	"strings"
	"unicode"
)

// FilterResult is the outcome of screening one piece of text.
type FilterResult struct {
	Blocked bool
	Reason  string // "blocked_keyword" or "spam_pattern"
	Term    string // matched term, or the name of the spam check
}

// Filter matches text against single-word terms and multi-word phrases.
// A Filter is read-only after construction and safe for concurrent use.
type Filter struct {
	words   map[string]struct{}
	phrases []string // space-joined token sequences
}

// defaultTerms covers abuse and the scams that show up in advisory chats:
// advance-fee payments and fake input offers.
var defaultTerms = []string{
	// abuse
	"fuck", "fucking", "shit", "bitch", "bastard", "asshole", "cunt",
	"whore", "slut", "retard", "moron",
	"kill yourself", "go die", "i will kill you", "burn your farm",
	"bomb threat",
	// sexual
	"send nudes", "child porn", "nude pics",
	// scams
	"free bitcoin", "crypto giveaway", "wire the deposit",
	"western union", "moneygram", "gift card payment",
	"pay the release fee", "guaranteed double yield",
	"miracle fertilizer", "registration fee first",
}

// NewFilter returns a filter loaded with the built-in term list.
func NewFilter() *Filter {
	return NewFilterWithTerms(defaultTerms)
}

// NewFilterWithTerms returns a filter for the given terms. Terms are matched
// case-insensitively on whole words; a term with several words is matched as
// a phrase. Blank terms are ignored.
func NewFilterWithTerms(terms []string) *Filter {
	f := &Filter{words: make(map[string]struct{})}
	for _, term := range terms {
		tokens := tokenizePlain(strings.ToLower(term))
		switch len(tokens) {
		case 0:
			continue
		case 1:
			f.words[tokens[0]] = struct{}{}
		default:
			f.phrases = append(f.phrases, strings.Join(tokens, " "))
		}
	}
	return f
}

// Check screens text. Blocked terms take precedence over spam patterns.
func (f *Filter) Check(text string) FilterResult {
	if text == "" {
		return FilterResult{}
	}
	lower := strings.ToLower(text)

	plain := tokenizePlain(lower)
	if r := f.matchTokens(plain); r.Blocked {
		return r
	}

	leet := tokenizeLeet(lower)
	for i, tok := range leet {
		leet[i] = normalizeLeet(tok)
	}
	if r := f.matchTokens(leet); r.Blocked {
		return r
	}

	return f.checkSpamPatterns(text)
}

func (f *Filter) matchTokens(tokens []string) FilterResult {
	for _, tok := range tokens {
		if _, ok := f.words[tok]; ok {
			return FilterResult{Blocked: true, Reason: "blocked_keyword", Term: tok}
		}
	}
	if len(f.phrases) == 0 || len(tokens) < 2 {
		return FilterResult{}
	}
	joined := " " + strings.Join(tokens, " ") + " "
	for _, p := range f.phrases {
		if strings.Contains(joined, " "+p+" ") {
			return FilterResult{Blocked: true, Reason: "blocked_keyword", Term: p}
		}
	}
	return FilterResult{}
}

// tokenizePlain splits on anything that is not a letter or digit.
func tokenizePlain(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// tokenizeLeet splits like tokenizePlain but keeps the symbols that stand in
// for letters, so "b@dw0rd" survives as one token.
func tokenizeLeet(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		if _, ok := leetMap[r]; ok {
			return false
		}
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

var leetMap = map[rune]rune{
	'0': 'o',
	'1': 'i',
	'3': 'e',
	'4': 'a',
	'5': 's',
	'7': 't',
	'@': 'a',
	'$': 's',
	'!': 'i',
}

func normalizeLeet(s string) string {
	return strings.Map(func(r rune) rune {
		if m, ok := leetMap[r]; ok {
			return m
		}
		return unicode.ToLower(r)
	}, s)
}
