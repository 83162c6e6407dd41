package retrieval

import (
	"sort"
	"strings"
	"unicode"
)

// merge applies the selection pipeline: score floor, ordering,
// deduplication, passage count and token budget, in that order.
func (o *Orchestrator) merge(caseHits, statuteHits []Passage, trace *Trace) []Passage {
	all := make([]Passage, 0, len(caseHits)+len(statuteHits))
	for _, group := range [][]Passage{caseHits, statuteHits} {
		for _, p := range group {
			if p.Score < o.cfg.MinScore {
				trace.BelowMinScore++
				continue
			}
			all = append(all, p)
		}
	}

	sortPassages(all)

	kept := dedupe(all, o.cfg.DedupOverlap)
	trace.Duplicates = len(all) - len(kept)

	if len(kept) > o.cfg.MaxPassages {
		trace.OverLimit = len(kept) - o.cfg.MaxPassages
		kept = kept[:o.cfg.MaxPassages]
	}

	used := 0
	for i := range kept {
		kept[i].Tokens = o.counter.Count(kept[i].Text)
		if o.cfg.MaxPassageTokens > 0 && used+kept[i].Tokens > o.cfg.MaxPassageTokens {
			trace.OverBudget = len(kept) - i
			kept = kept[:i]
			break
		}
		used += kept[i].Tokens
	}
	trace.PassageTokens = used
	return kept
}

// sortPassages orders by score, then case before statute, then earlier
// document, then earlier chunk.
func sortPassages(ps []Passage) {
	sort.SliceStable(ps, func(i, j int) bool {
		a, b := ps[i], ps[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Source != b.Source {
			return a.Source == SourceCase
		}
		if a.DocOrdinal != b.DocOrdinal {
			return a.DocOrdinal < b.DocOrdinal
		}
		return a.Ordinal < b.Ordinal
	})
}

// dedupe drops a passage when a higher-ranked one has the same normalised
// text, or comes from the same document with a span overlapping by at
// least minOverlap of the shorter span.
func dedupe(ps []Passage, minOverlap float64) []Passage {
	var (
		out  []Passage
		seen = make(map[string]bool, len(ps))
	)
	for _, p := range ps {
		norm := normalizeText(p.Text)
		if seen[norm] {
			continue
		}
		dup := false
		for _, q := range out {
			if q.DocumentID == p.DocumentID && spanOverlap(p, q) >= minOverlap {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		seen[norm] = true
		out = append(out, p)
	}
	return out
}

// spanOverlap returns the overlap of two spans as a fraction of the shorter.
func spanOverlap(a, b Passage) float64 {
	lo := max(a.Start, b.Start)
	hi := min(a.End, b.End)
	if hi <= lo {
		return 0
	}
	shorter := min(a.End-a.Start, b.End-b.Start)
	if shorter <= 0 {
		return 0
	}
	return float64(hi-lo) / float64(shorter)
}

// normalizeText lowercases and collapses whitespace.
func normalizeText(s string) string {
	return strings.Join(strings.FieldsFunc(strings.ToLower(s), unicode.IsSpace), " ")
}
