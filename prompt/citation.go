package prompt

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/brunobiangulo/caselaw/retrieval"
)

const quotePrefixRunes = 50

// Citation is a passage an answer relies on.
type Citation struct {
	Tag        string           `json:"tag"`
	Source     retrieval.Source `json:"source"`
	ChunkID    string           `json:"chunk_id"`
	DocumentID string           `json:"document_id"`
	Label      string           `json:"label"`
	Excerpt    string           `json:"excerpt"`
}

var (
	bracketGroup = regexp.MustCompile(`\[([^\[\]]{1,40})\]`)
	tagToken     = regexp.MustCompile(`^[CS][0-9]+$`)
	tagSplit     = regexp.MustCompile(`[\s,;]+`)
)

// Cite resolves the citations of answer against the passages the prompt
// included. Passages whose tags appear in the answer are cited; failing
// that, passages whose first 50 characters the answer quotes; failing that,
// every included passage. Unknown tags are ignored. An answer that states
// no basis was found and cites nothing gets no citations.
func Cite(answer string, included []Tagged) []Citation {
	out := []Citation{}
	if len(included) == 0 {
		return out
	}
	words := significantWords(answer)

	tags := answerTags(answer)
	for _, t := range included {
		if tags[t.Tag] {
			out = append(out, citation(t, words))
		}
	}
	if len(out) > 0 {
		return out
	}

	for _, t := range included {
		if prefix := quotePrefix(t.Text); prefix != "" && strings.Contains(answer, prefix) {
			out = append(out, citation(t, words))
		}
	}
	if len(out) > 0 {
		return out
	}

	if strings.Contains(answer, NoBasisAnswer) {
		return out
	}
	for _, t := range included {
		out = append(out, citation(t, words))
	}
	return out
}

// answerTags collects the tags written inside brackets, e.g. "[C1]",
// "[C1, S2]" or "[S3; C2]".
func answerTags(answer string) map[string]bool {
	tags := make(map[string]bool)
	for _, m := range bracketGroup.FindAllStringSubmatch(answer, -1) {
		for _, tok := range tagSplit.Split(strings.TrimSpace(m[1]), -1) {
			if tagToken.MatchString(tok) {
				tags[tok] = true
			}
		}
	}
	return tags
}

func quotePrefix(text string) string {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) > quotePrefixRunes {
		text = string([]rune(text)[:quotePrefixRunes])
	}
	return text
}

func citation(t Tagged, answerWords map[string]bool) Citation {
	return Citation{
		Tag:        t.Tag,
		Source:     t.Source,
		ChunkID:    t.ChunkID,
		DocumentID: t.DocumentID,
		Label:      t.Label,
		Excerpt:    excerpt(t.Text, answerWords),
	}
}
