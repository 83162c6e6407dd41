package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/brunobiangulo/caselaw"
)

func (c *cli) newIndexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Inspect or rebuild the statute index",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the statute index being served",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(e caselaw.Engine) error {
				status := e.IndexStatus()
				return c.emit(cmd.OutOrStdout(), status, func(w io.Writer) {
					printIndexStatus(w, status)
				})
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "rebuild",
		Short: "Re-read the statute corpus and build a new index version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(e caselaw.Engine) error {
				status, err := e.RebuildStatuteIndex(cmd.Context())
				if err != nil {
					return err
				}
				return c.emit(cmd.OutOrStdout(), status, func(w io.Writer) {
					printIndexStatus(w, status)
				})
			})
		},
	})

	return cmd
}

func printIndexStatus(w io.Writer, s caselaw.IndexInfo) {
	if !s.Loaded {
		fmt.Fprintln(w, "Statute index: not loaded")
		return
	}
	fmt.Fprintf(w, "Statute index: version %s\n", s.Version)
	fmt.Fprintf(w, "Entries:   %d\n", s.Entries)
	fmt.Fprintf(w, "Embedding: %s (%d dims)\n", s.Model, s.Dimension)
	if !s.BuiltAt.IsZero() {
		fmt.Fprintf(w, "Built:     %s\n", s.BuiltAt.Format(time.DateTime))
	}
}
