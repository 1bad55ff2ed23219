package moderation

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	// Bare domains only count with a path, so "v2.0" and "3.14" stay clean.
	urlPattern = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+|\S+\.(com|net|org|io|co|xyz|info|biz|ru|cn|tk|ml|ga|cf)/\S*)`)

	// Phone numbers move the conversation off the platform, which is where
	// advance-fee scams on farmers usually continue. Anchored on whitespace so
	// quantities like "2500 kg" do not match.
	phonePattern = regexp.MustCompile(`(?:^|\s)(\+?\d{1,3}[-.\s]?)?\(?\d{2,4}\)?[-.\s]?\d{3,4}[-.\s]?\d{3,4}(?:\s|$)`)
)

const (
	charFloodRun = 5 // identical characters in a row
	wordFloodRun = 3 // identical words in a row
)

// spamChecks run in order; the first match wins.
var spamChecks = []struct {
	name  string
	match func(string) bool
}{
	{"url", urlPattern.MatchString},
	{"phone", phonePattern.MatchString},
	{"char_flood", hasCharFlood},
	{"word_flood", hasWordFlood},
}

// RE2 has no backreferences, so both flood checks are plain scans.
func hasCharFlood(text string) bool {
	run := 0
	prev := rune(-1)
	for _, r := range text {
		if r != prev {
			prev, run = r, 1
			continue
		}
		run++
		if run >= charFloodRun {
			return true
		}
	}
	return false
}

func hasWordFlood(text string) bool {
	words := strings.FieldsFunc(text, unicode.IsSpace)
	if len(words) < wordFloodRun {
		return false
	}
	run := 0
	prev := ""
	for _, w := range words {
		w = strings.ToLower(w)
		if w != prev {
			prev, run = w, 1
			continue
		}
		run++
		if run >= wordFloodRun {
			return true
		}
	}
	return false
}

func (f *Filter) checkSpamPatterns(text string) FilterResult {
	for _, sc := range spamChecks {
		if sc.match(text) {
			return FilterResult{Blocked: true, Reason: "spam_pattern", Term: sc.name}
		}
	}
	return FilterResult{}
}
