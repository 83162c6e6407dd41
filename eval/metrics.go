package eval

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"unicode"

	"github.com/brunobiangulo/caselaw"
	"github.com/brunobiangulo/caselaw/llm"
)

// normalizeLLMText normalizes Unicode characters commonly inserted by LLMs
// so that substring matching works reliably:
//   - Unicode whitespace becomes an ASCII space (U+202F, U+00A0, etc.)
//   - Unicode hyphens become an ASCII hyphen (U+2010 to U+2014)
//   - zero-width characters are stripped (U+200B, U+200C, U+200D, U+FEFF)
func normalizeLLMText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case unicode.IsSpace(r):
			b.WriteByte(' ')
		case r >= '\u2010' && r <= '\u2014':
			b.WriteByte('-')
		case r == '\u200B' || r == '\u200C' || r == '\u200D' || r == '\uFEFF':
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// matcher finds expected facts in a body of text, tolerating spacing and
// hyphenation differences ("5 %" vs "5%", "fill-level" vs "fill level").
type matcher struct {
	normalized, spaceless, hyphenless string
}

func newMatcher(text string) matcher {
	n := normalizeLLMText(strings.ToLower(text))
	return matcher{
		normalized: n,
		spaceless:  strings.ReplaceAll(n, " ", ""),
		hyphenless: strings.ReplaceAll(strings.ReplaceAll(n, "-", ""), " ", ""),
	}
}

// has reports whether any pipe-separated alternative of fact occurs.
func (m matcher) has(fact string) bool {
	for _, alt := range strings.Split(fact, "|") {
		alt = strings.TrimSpace(alt)
		if alt == "" {
			continue
		}
		n := normalizeLLMText(strings.ToLower(alt))
		if strings.Contains(m.normalized, n) ||
			strings.Contains(m.spaceless, strings.ReplaceAll(n, " ", "")) ||
			strings.Contains(m.hyphenless, strings.ReplaceAll(strings.ReplaceAll(n, "-", ""), " ", "")) {
			return true
		}
	}
	return false
}

// computeAccuracy returns the fraction of expected facts found verbatim in
// the answer.
func computeAccuracy(answer string, expectedFacts []string) float64 {
	if answer == "" || len(expectedFacts) == 0 {
		return 0
	}
	m := newMatcher(answer)
	found := 0
	for _, fact := range expectedFacts {
		if m.has(fact) {
			found++
		}
	}
	return float64(found) / float64(len(expectedFacts))
}

// computeAccuracyLLM asks a judge model which expected facts the answer
// conveys, allowing paraphrase. All facts go into one call.
func computeAccuracyLLM(ctx context.Context, judge llm.Provider, model, answer string, expectedFacts []string) (float64, error) {
	if answer == "" || len(expectedFacts) == 0 {
		return 0, nil
	}

	var facts strings.Builder
	for i, fact := range expectedFacts {
		alternatives := strings.Split(fact, "|")
		fmt.Fprintf(&facts, "%d. %s", i+1, strings.TrimSpace(alternatives[0]))
		var alts []string
		for _, a := range alternatives[1:] {
			if a = strings.TrimSpace(a); a != "" {
				alts = append(alts, a)
			}
		}
		if len(alts) > 0 {
			fmt.Fprintf(&facts, " (alternatives: %s)", strings.Join(alts, ", "))
		}
		facts.WriteByte('\n')
	}

	prompt := fmt.Sprintf(`You are an evaluation judge for a legal question-answering system. Determine which expected facts are semantically covered by the answer.

A fact is "covered" if the answer conveys the same core information, even if paraphrased or summarized.
A fact is NOT covered if the answer contradicts it, omits it, or gets key details (numbers, names, dates, article numbers) wrong.

Answer:
%s

Expected Facts:
%s
Respond with JSON only: {"covered": [true, false, ...]} with one boolean per fact, in order.`, answer, facts.String())

	resp, err := judge.Chat(ctx, llm.ChatRequest{
		Model:       model,
		Messages:    []llm.Message{{Role: "user", Content: prompt}},
		Temperature: 0,
	})
	if err != nil {
		return 0, fmt.Errorf("judge LLM call failed: %w", err)
	}

	var result struct {
		Covered []bool `json:"covered"`
	}
	if err := json.Unmarshal([]byte(jsonObject(resp.Content)), &result); err != nil {
		return 0, fmt.Errorf("judge response parse error: %w (response: %s)", err, truncate(resp.Content, 200))
	}
	if len(result.Covered) != len(expectedFacts) {
		slog.Warn("eval: judge returned wrong number of booleans",
			"expected", len(expectedFacts),
			"got", len(result.Covered))
		if len(result.Covered) > len(expectedFacts) {
			result.Covered = result.Covered[:len(expectedFacts)]
		}
	}

	covered := 0
	for _, c := range result.Covered {
		if c {
			covered++
		}
	}
	return float64(covered) / float64(len(expectedFacts)), nil
}

// jsonObject trims prose or code fences around the first JSON object.
func jsonObject(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return s
	}
	return s[start : end+1]
}

// citedLabel reports whether a citation label starts with the expected
// prefix, ignoring case.
func citedLabel(label, expected string) bool {
	return strings.HasPrefix(strings.ToLower(label), strings.ToLower(strings.TrimSpace(expected)))
}

// computeCitationRecall is the fraction of expected citations the answer
// cites.
func computeCitationRecall(citations []caselaw.Citation, expected []string) float64 {
	if len(expected) == 0 {
		return 0
	}
	found := 0
	for _, want := range expected {
		for _, c := range citations {
			if citedLabel(c.Label, want) {
				found++
				break
			}
		}
	}
	return float64(found) / float64(len(expected))
}

// computeCitationPrecision is the fraction of the answer's citations that
// match an expected citation.
func computeCitationPrecision(citations []caselaw.Citation, expected []string) float64 {
	if len(citations) == 0 || len(expected) == 0 {
		return 0
	}
	relevant := 0
	for _, c := range citations {
		for _, want := range expected {
			if citedLabel(c.Label, want) {
				relevant++
				break
			}
		}
	}
	return float64(relevant) / float64(len(citations))
}

var stopWords = map[string]bool{
	"the": true, "are": true, "was": true, "were": true,
	"for": true, "with": true, "from": true, "under": true,
	"what": true, "which": true, "who": true, "how": true, "where": true,
	"when": true, "that": true, "this": true, "and": true,
	"shall": true, "been": true, "have": true, "has": true,
}

func significantWords(text string) []string {
	var words []string
	for _, w := range strings.Fields(text) {
		w = strings.Trim(strings.ToLower(w), ".,;:!?\"'()[]")
		if len(w) > 2 && !stopWords[w] {
			words = append(words, w)
		}
	}
	return words
}

// numberPattern matches integers and decimals (e.g. "120", "3.14", "1.2").
var numberPattern = regexp.MustCompile(`\b\d+(?:\.\d+)?\b`)

// citationTag matches the bracketed source tags left in answers.
var citationTag = regexp.MustCompile(`(?i)\[[CS]\d+(?:[\s,;]+[CS]\d+)*\]`)

// answerTerms returns the answer's significant words and numbers, each
// once. Citation tags are not claims and are removed first.
func answerTerms(answer string) []string {
	lower := citationTag.ReplaceAllString(strings.ToLower(answer), " ")
	seen := make(map[string]struct{})
	var terms []string
	for _, w := range significantWords(lower) {
		if _, ok := seen[w]; !ok {
			seen[w] = struct{}{}
			terms = append(terms, w)
		}
	}
	for _, num := range numberPattern.FindAllString(lower, -1) {
		if _, ok := seen[num]; !ok {
			seen[num] = struct{}{}
			terms = append(terms, num)
		}
	}
	return terms
}

// computeClaimGrounding is the fraction of the answer's significant terms
// that occur in the material the engine had: the case documents plus the
// cited excerpts.
func computeClaimGrounding(answer, material string) float64 {
	if answer == "" || material == "" {
		return 0
	}
	terms := answerTerms(answer)
	if len(terms) == 0 {
		return 1.0
	}
	corpus := strings.ToLower(material)
	grounded := 0
	for _, term := range terms {
		if strings.Contains(corpus, term) {
			grounded++
		}
	}
	return clamp(float64(grounded) / float64(len(terms)))
}

// computeHallucinationScore penalizes numbers and long terms absent from
// the material. 1.0 is clean, 0.0 is fully fabricated.
func computeHallucinationScore(answer, material string) float64 {
	if answer == "" {
		return 0
	}
	if material == "" {
		return 0.5
	}
	corpus := strings.ToLower(material)
	lower := citationTag.ReplaceAllString(strings.ToLower(answer), " ")

	trivialNumbers := map[string]bool{
		"0": true, "1": true, "2": true, "3": true, "4": true,
		"5": true, "6": true, "7": true, "8": true, "9": true, "10": true,
	}

	checks, penalties, maxPenalties := 0, 0.0, 0.0
	for _, num := range numberPattern.FindAllString(lower, -1) {
		if trivialNumbers[num] {
			continue
		}
		checks++
		maxPenalties += 1.0
		if !strings.Contains(corpus, num) {
			penalties += 1.0
		}
	}
	for _, w := range significantWords(lower) {
		if len(w) <= 5 {
			continue
		}
		checks++
		maxPenalties += 0.5
		if !strings.Contains(corpus, w) {
			penalties += 0.5
		}
	}

	if checks == 0 {
		return 1.0
	}
	return clamp(1.0 - penalties/maxPenalties)
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
