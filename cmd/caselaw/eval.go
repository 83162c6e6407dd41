package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/brunobiangulo/caselaw"
	"github.com/brunobiangulo/caselaw/eval"
	"github.com/brunobiangulo/caselaw/llm"
)

func (c *cli) newEvalCmd() *cobra.Command {
	var (
		judgeProvider string
		judgeModel    string
		judgeBaseURL  string
		judgeAPIKey   string
		outputFile    string
		keepCases     bool
	)
	cmd := &cobra.Command{
		Use:   "eval <dataset>",
		Short: "Score answers against a dataset of case fixtures",
		Long: `Run an evaluation dataset (JSON or YAML). Each fixture's documents are
uploaded into a fresh case, its questions are asked in order, and the
answers are scored for expected facts, expected citations and grounding.
Fixture cases are deleted afterwards unless --keep-cases is set.

With --judge-provider, a second model decides which expected facts an
answer conveys, so paraphrased answers count.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ds, err := eval.LoadDataset(args[0])
			if err != nil {
				return err
			}

			return c.run(cmd, func(e caselaw.Engine) error {
				ev := eval.NewEvaluator(e)
				ev.KeepCases(keepCases)
				if judgeProvider != "" {
					judge, err := llm.NewProvider(llm.Config{
						Provider: judgeProvider,
						Model:    judgeModel,
						BaseURL:  judgeBaseURL,
						APIKey:   judgeAPIKey,
						Timeout:  2 * time.Minute,
					})
					if err != nil {
						return fmt.Errorf("creating judge: %w", err)
					}
					ev.SetJudge(judge, judgeModel)
				}

				report, err := ev.Run(cmd.Context(), ds)
				if err != nil {
					return err
				}

				if outputFile != "" {
					data, err := json.MarshalIndent(report, "", "  ")
					if err != nil {
						return err
					}
					if err := os.WriteFile(outputFile, data, 0o644); err != nil {
						return fmt.Errorf("writing report: %w", err)
					}
				}
				return c.emit(cmd.OutOrStdout(), report, func(w io.Writer) {
					fmt.Fprint(w, eval.FormatReport(report))
				})
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&judgeProvider, "judge-provider", "", "LLM provider for the accuracy judge (enables LLM-as-judge)")
	f.StringVar(&judgeModel, "judge-model", "", "Judge model name")
	f.StringVar(&judgeBaseURL, "judge-base-url", "", "Judge provider base URL override")
	f.StringVar(&judgeAPIKey, "judge-api-key", os.Getenv("CASELAW_JUDGE_API_KEY"), "Judge provider API key")
	f.StringVar(&outputFile, "output", "", "Also write the JSON report to this file")
	f.BoolVar(&keepCases, "keep-cases", false, "Keep the fixture cases after the run")
	return cmd
}
