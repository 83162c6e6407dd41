package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/brunobiangulo/caselaw"
)

func (c *cli) newCaseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "case",
		Short: "Create, list, show and delete cases",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "create <title>",
		Short: "Create an empty case",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(e caselaw.Engine) error {
				created, err := e.CreateCase(cmd.Context(), strings.Join(args, " "))
				if err != nil {
					return err
				}
				return c.emit(cmd.OutOrStdout(), created, func(w io.Writer) {
					fmt.Fprintf(w, "Created case %s (%s)\n", created.ID, created.Title)
				})
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List cases, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(e caselaw.Engine) error {
				cases, err := e.ListCases(cmd.Context())
				if err != nil {
					return err
				}
				return c.emit(cmd.OutOrStdout(), cases, func(w io.Writer) {
					if len(cases) == 0 {
						fmt.Fprintln(w, "No cases")
						return
					}
					tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
					fmt.Fprintln(tw, "ID\tTITLE\tDOCS\tTURNS\tUPDATED")
					for _, cs := range cases {
						fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n",
							cs.ID, cs.Title, cs.Documents, cs.Turns, cs.UpdatedAt.Format(time.DateTime))
					}
					tw.Flush()
				})
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show <case-id>",
		Short: "Show a case and its documents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(e caselaw.Engine) error {
				detail, err := e.GetCase(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return c.emit(cmd.OutOrStdout(), detail, func(w io.Writer) {
					fmt.Fprintf(w, "%s  %s\n", detail.Case.ID, detail.Case.Title)
					fmt.Fprintf(w, "Embedding: %s (%d dims)\n", detail.Case.EmbeddingModel, detail.Case.EmbeddingDim)
					fmt.Fprintf(w, "Turns: %d\n\n", detail.Case.Turns)
					printDocuments(w, detail.Documents)
				})
			})
		},
	})

	var yes bool
	del := &cobra.Command{
		Use:   "delete <case-id>",
		Short: "Delete a case with its documents and history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("deleting case %s removes all of its files; pass --yes to confirm", args[0])
			}
			return c.run(cmd, func(e caselaw.Engine) error {
				if err := e.DeleteCase(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted case %s\n", args[0])
				return nil
			})
		},
	}
	del.Flags().BoolVarP(&yes, "yes", "y", false, "Confirm deletion")
	cmd.AddCommand(del)

	return cmd
}
