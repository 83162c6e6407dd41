// Package prompt turns retrieved passages, recent conversation and a
// question into the message list sent to the model, within a token ceiling.
package prompt

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/brunobiangulo/caselaw/llm"
	"github.com/brunobiangulo/caselaw/retrieval"
	"github.com/brunobiangulo/caselaw/tokenizer"
)

// NoBasisAnswer is the sentence the model is told to use when the material
// does not answer the question.
const NoBasisAnswer = "No basis was found in the provided material."

// messageOverhead approximates the per-message framing tokens of chat APIs.
const messageOverhead = 4

const systemPrompt = `You are a precise legal analysis assistant. Answer the user's question about their case using ONLY the material supplied in this conversation.
Rules:
1. Every statement must be supported by the supplied case documents or statutes. Do not invent facts, dates or provisions.
2. Cite the passages you rely on by their bracketed tags, for example [C1] or [S2].
3. Preserve exact legal terminology, article numbers and quoted wording.
4. If the material does not answer the question, reply exactly: "` + NoBasisAnswer + `"
5. End the answer with a "Citations:" line listing the tags used.
6. Remain objective and neutral.`

// Config controls prompt assembly.
type Config struct {
	MaxPromptTokens int // ceiling for all messages (default 6000)
	HistoryTurns    int // most recent exchanges included (default 4)
}

// Exchange is one earlier question and its answer.
type Exchange struct {
	Question string
	Answer   string
}

// Tagged is a passage with the tag it carries in the prompt.
type Tagged struct {
	Tag string `json:"tag"`
	retrieval.Passage
}

// Prompt is an assembled request.
type Prompt struct {
	Messages []llm.Message
	Included []Tagged
	Turns    int // exchanges included
	Tokens   int // estimated prompt tokens

	DroppedTurns    int
	DroppedPassages int
	// Overflow is set when the question alone exceeds the ceiling. The
	// prompt then carries only the system instructions and the question.
	Overflow bool
}

// Assembler builds prompts.
type Assembler struct {
	counter tokenizer.Counter
	cfg     Config
}

// New creates an Assembler. Zero config fields take their defaults.
func New(counter tokenizer.Counter, cfg Config) *Assembler {
	if counter == nil {
		counter = tokenizer.Heuristic{}
	}
	if cfg.MaxPromptTokens <= 0 {
		cfg.MaxPromptTokens = 6000
	}
	if cfg.HistoryTurns < 0 {
		cfg.HistoryTurns = 0
	} else if cfg.HistoryTurns == 0 {
		cfg.HistoryTurns = 4
	}
	return &Assembler{counter: counter, cfg: cfg}
}

// Config returns the effective configuration.
func (a *Assembler) Config() Config { return a.cfg }

// Assemble builds the prompt for question. passages must be ranked best
// first and history ordered oldest first. When the ceiling is exceeded the
// oldest exchanges are dropped first, then the lowest-ranked passages; the
// question is never truncated.
func (a *Assembler) Assemble(question string, passages []retrieval.Passage, history []Exchange) *Prompt {
	if len(history) > a.cfg.HistoryTurns {
		history = history[len(history)-a.cfg.HistoryTurns:]
	}

	turns, kept := len(history), len(passages)
	for {
		p := a.build(question, passages[:kept], history[len(history)-turns:])
		if p.Tokens <= a.cfg.MaxPromptTokens {
			p.DroppedTurns = len(history) - turns
			p.DroppedPassages = len(passages) - kept
			return p
		}
		switch {
		case turns > 0:
			turns--
		case kept > 0:
			kept--
		default:
			p = a.bare(question)
			p.DroppedTurns = len(history)
			p.DroppedPassages = len(passages)
			p.Overflow = true
			return p
		}
	}
}

func (a *Assembler) build(question string, passages []retrieval.Passage, history []Exchange) *Prompt {
	tagged := Tag(passages)
	msgs := []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt},
		{Role: llm.RoleUser, Content: material(tagged)},
	}
	for _, ex := range history {
		msgs = append(msgs,
			llm.Message{Role: llm.RoleUser, Content: ex.Question},
			llm.Message{Role: llm.RoleAssistant, Content: ex.Answer},
		)
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: questionMessage(question)})
	return &Prompt{
		Messages: msgs,
		Included: tagged,
		Turns:    len(history),
		Tokens:   a.count(msgs),
	}
}

func (a *Assembler) bare(question string) *Prompt {
	msgs := []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt},
		{Role: llm.RoleUser, Content: questionMessage(question)},
	}
	return &Prompt{Messages: msgs, Included: []Tagged{}, Tokens: a.count(msgs)}
}

func (a *Assembler) count(msgs []llm.Message) int {
	n := 0
	for _, m := range msgs {
		n += a.counter.Count(m.Content) + messageOverhead
	}
	return n
}

// Tag numbers case passages C1, C2, ... and statute passages S1, S2, ...
// in rank order.
func Tag(passages []retrieval.Passage) []Tagged {
	out := make([]Tagged, len(passages))
	var c, s int
	for i, p := range passages {
		if p.Source == retrieval.SourceStatute {
			s++
			out[i] = Tagged{Tag: "S" + strconv.Itoa(s), Passage: p}
		} else {
			c++
			out[i] = Tagged{Tag: "C" + strconv.Itoa(c), Passage: p}
		}
	}
	return out
}

// Heading renders the line introducing a passage, e.g.
// "[C1] Case document: judgment.pdf, page 2".
func (t Tagged) Heading() string {
	kind := "Case document"
	if t.Source == retrieval.SourceStatute {
		kind = "Statute"
	}
	return fmt.Sprintf("[%s] %s: %s", t.Tag, kind, t.Label)
}

func material(tagged []Tagged) string {
	if len(tagged) == 0 {
		return "No case documents or statutes matched this question."
	}
	var b strings.Builder
	b.WriteString("Material for this question:\n")
	for _, t := range tagged {
		b.WriteString("\n")
		b.WriteString(t.Heading())
		b.WriteString("\n")
		b.WriteString(t.Text)
		b.WriteString("\n")
	}
	return b.String()
}

func questionMessage(question string) string {
	return "Question: " + question + "\n\nAnswer from the material above and cite the tags you rely on."
}
