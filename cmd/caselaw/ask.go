package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/brunobiangulo/caselaw"
)

func (c *cli) newAskCmd() *cobra.Command {
	var showTrace bool
	cmd := &cobra.Command{
		Use:   "ask <case-id> <question>...",
		Short: "Ask a question about a case",
		Long: `Answer a question from the case's documents and the statute corpus.
The answer cites its sources and the exchange is added to the case history.

Examples:
  caselaw ask 3f1c... "When was the employee dismissed?"
  caselaw ask 3f1c... --trace "Which article sets the notice period?"`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			question := strings.Join(args[1:], " ")
			return c.run(cmd, func(e caselaw.Engine) error {
				answer, err := e.Ask(cmd.Context(), args[0], question)
				if err != nil {
					return err
				}
				return c.emit(cmd.OutOrStdout(), answer, func(w io.Writer) {
					printAnswer(w, answer, showTrace)
				})
			})
		},
	}
	cmd.Flags().BoolVar(&showTrace, "trace", false, "Print retrieval statistics")
	return cmd
}

func (c *cli) newHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <case-id>",
		Short: "Print a case's conversation, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(e caselaw.Engine) error {
				turns, err := e.History(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return c.emit(cmd.OutOrStdout(), turns, func(w io.Writer) {
					if len(turns) == 0 {
						fmt.Fprintln(w, "No questions asked yet")
						return
					}
					for _, t := range turns {
						fmt.Fprintf(w, "#%d  %s\n", t.Seq, t.CreatedAt.Format(time.DateTime))
						fmt.Fprintf(w, "Q: %s\n", t.Question)
						fmt.Fprintf(w, "A: %s\n", t.Answer)
						printCitations(w, t.Citations)
						fmt.Fprintln(w)
					}
				})
			})
		},
	}
}

func printAnswer(w io.Writer, a *caselaw.Answer, trace bool) {
	fmt.Fprintln(w, a.Text)
	fmt.Fprintln(w)
	printCitations(w, a.Citations)
	if !a.Grounded {
		fmt.Fprintln(w, "(no case document or statute matched this question)")
	}
	if !a.StatuteAvailable {
		fmt.Fprintln(w, "(statute index unavailable; answered from case documents only)")
	}
	if a.PromptOverflow {
		fmt.Fprintln(w, "(prompt exceeded the token ceiling; material was dropped)")
	}
	if trace && a.RetrievalTrace != nil {
		t := a.RetrievalTrace
		fmt.Fprintf(w, "Retrieval: %d case hits, %d statute hits, %d below min score, %d duplicates, %d over limit, %d over budget\n",
			t.CaseHits, t.StatuteHits, t.BelowMinScore, t.Duplicates, t.OverLimit, t.OverBudget)
		fmt.Fprintf(w, "Model: %s, tokens %d prompt + %d completion, %dms\n",
			a.ModelUsed, a.PromptTokens, a.CompletionTokens, a.ElapsedMs)
	}
}

func printCitations(w io.Writer, cs []caselaw.Citation) {
	for _, c := range cs {
		fmt.Fprintf(w, "  [%s] %s\n", c.Tag, c.Label)
		if c.Excerpt != "" {
			fmt.Fprintf(w, "       %q\n", c.Excerpt)
		}
	}
}
