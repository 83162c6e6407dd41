package prompt

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// excerptRunes bounds a citation excerpt.
const excerptRunes = 200

// excerpt returns the one or two sentences of text that share the most
// significant words with the answer. Without any overlap it falls back to
// the leading excerptRunes runes.
func excerpt(text string, answerWords map[string]bool) string {
	text = strings.TrimSpace(text)
	if s := bestSentences(text, answerWords); s != "" {
		return s
	}
	if utf8.RuneCountInString(text) <= excerptRunes {
		return text
	}
	return string([]rune(text)[:excerptRunes]) + "..."
}

func bestSentences(text string, answerWords map[string]bool) string {
	if len(answerWords) == 0 || text == "" {
		return ""
	}
	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return ""
	}

	scores := make([]int, len(sentences))
	best := 0
	for i, s := range sentences {
		for w := range significantWords(s) {
			if answerWords[w] {
				scores[i]++
			}
		}
		if scores[i] > scores[best] {
			best = i
		}
	}
	if scores[best] == 0 || utf8.RuneCountInString(sentences[best]) > excerptRunes {
		return ""
	}

	result := sentences[best]
	adj, adjScore := -1, 0
	for _, d := range []int{1, -1} {
		if i := best + d; i >= 0 && i < len(sentences) && scores[i] > adjScore {
			adj, adjScore = i, scores[i]
		}
	}
	if adj >= 0 {
		combined := result + " " + sentences[adj]
		if adj < best {
			combined = sentences[adj] + " " + result
		}
		if utf8.RuneCountInString(combined) <= excerptRunes {
			result = combined
		}
	}
	return result
}

// significantWords returns the lowercased words of at least four letters
// that are not stop words, plus every Han character bigram.
func significantWords(text string) map[string]bool {
	words := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if han := []rune(w); unicode.Is(unicode.Han, han[0]) {
			for i := 1; i < len(han); i++ {
				words[string(han[i-1:i+1])] = true
			}
			continue
		}
		if utf8.RuneCountInString(w) >= 4 && !stopWords[w] {
			words[w] = true
		}
	}
	return words
}

// splitSentences splits at . ? ! followed by whitespace or the end, and
// after the full-width terminators 。？！.
func splitSentences(text string) []string {
	var (
		out []string
		cur strings.Builder
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}
	runes := []rune(text)
	for i, r := range runes {
		cur.WriteRune(r)
		switch r {
		case '。', '？', '！':
			flush()
		case '.', '?', '!':
			if i+1 >= len(runes) || unicode.IsSpace(runes[i+1]) {
				flush()
			}
		}
	}
	flush()
	return out
}

var stopWords = map[string]bool{
	"that": true, "this": true, "with": true, "from": true,
	"have": true, "been": true, "were": true, "they": true,
	"their": true, "will": true, "would": true, "could": true,
	"should": true, "about": true, "which": true, "there": true,
	"these": true, "those": true, "then": true, "than": true,
	"them": true, "what": true, "when": true, "where": true,
	"your": true, "more": true, "some": true, "such": true,
	"only": true, "also": true, "very": true, "just": true,
	"into": true, "over": true, "each": true, "does": true,
	"most": true, "after": true, "before": true, "other": true,
	"being": true, "same": true, "both": true, "between": true,
	"shall": true, "under": true, "upon": true, "said": true,
}
