package moderation

import "testing"

func TestSpamPatterns(t *testing.T) {
	f := NewFilterWithTerms(nil)

	tests := []struct {
		name  string
		input string
		check string // expected spam check, empty for clean
	}{
		{"http link", "buy seeds at http://cheap-seed.com", "url"},
		{"https link", "https://grants.example/apply", "url"},
		{"www host", "details on www.agri-grants.info", "url"},
		{"bare domain with path", "apply at subsidy.xyz/form", "url"},
		{"bare org domain with path", "grants.org/apply now", "url"},

		{"international number", "+254-712-345-678", "phone"},
		{"spaced local number", "call 0712 345 678 for fertiliser", "phone"},
		{"area code in parens", "(020) 555-1234", "phone"},
		{"dotted number", "555.123.4567", "phone"},

		{"stretched word", "noooooo the hail", "char_flood"},
		{"punctuation run", "help!!!!!", "char_flood"},
		{"exactly five", "aaaaa", "char_flood"},

		{"repeated word", "urgent urgent urgent", "word_flood"},
		{"repeated word any case", "Sell SELL sell", "word_flood"},

		{"harvest quantity", "we harvested 2500 kg of maize", ""},
		{"dosage", "spray 3.5 litres per acre", ""},
		{"price", "urea costs $5.99 a bag", ""},
		{"ph value", "soil ph of 6.5", ""},
		{"version", "update the app to v2.0", ""},
		{"year", "planted in 2025", ""},
		{"three letters", "sooo dry this week", ""},
		{"four letters", "aaaa", ""},
		{"two repeats", "very very dry", ""},
		{"excited", "wow!!! that's great!!", ""},
		{"sentences", "ok. sure. fine.", ""},
		{"multiline", "rain\ntomorrow", ""},
		{"spaces", "   ", ""},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := f.Check(tt.input)
			if tt.check == "" {
				if got.Blocked {
					t.Errorf("Check(%q) = %+v, want clean", tt.input, got)
				}
				return
			}
			if !got.Blocked || got.Reason != "spam_pattern" || got.Term != tt.check {
				t.Errorf("Check(%q) = %+v, want spam_pattern/%s", tt.input, got, tt.check)
			}
		})
	}
}

func TestKeywordBeforeSpam(t *testing.T) {
	f := NewFilterWithTerms([]string{"moneygram"})

	got := f.Check("moneygram moneygram moneygram")
	if got.Reason != "blocked_keyword" || got.Term != "moneygram" {
		t.Errorf("keyword and flood: got %+v, want blocked_keyword", got)
	}

	got = f.Check("see http://example.com/offer")
	if got.Reason != "spam_pattern" || got.Term != "url" {
		t.Errorf("link only: got %+v, want spam_pattern/url", got)
	}
}
