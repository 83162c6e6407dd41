package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/brunobiangulo/caselaw"
)

func (c *cli) newDocCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "doc",
		Aliases: []string{"docs", "document"},
		Short:   "Upload, list, read and delete case documents",
	}

	var format string
	upload := &cobra.Command{
		Use:   "upload <case-id> <file>...",
		Short: "Extract, chunk and index files into a case",
		Long: `Upload one or more files into a case. Supported formats are pdf, docx,
xlsx, txt and md; the format is taken from the file extension
unless --format is given. A failed upload leaves the case unchanged.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(e caselaw.Engine) error {
				var docs []*caselaw.Document
				for _, path := range args[1:] {
					raw, err := os.ReadFile(path)
					if err != nil {
						return fmt.Errorf("reading %s: %w", path, err)
					}
					doc, err := e.UploadDocument(cmd.Context(), args[0], filepath.Base(path), raw, format)
					if err != nil {
						return fmt.Errorf("uploading %s: %w", path, err)
					}
					docs = append(docs, doc)
					if !c.jsonOut {
						fmt.Fprintf(cmd.OutOrStdout(), "Uploaded %s as %s (%d chars, %d chunks)\n",
							path, doc.StoredName, doc.Chars, doc.Chunks)
					}
				}
				if c.jsonOut {
					return c.emit(cmd.OutOrStdout(), docs, nil)
				}
				return nil
			})
		},
	}
	upload.Flags().StringVar(&format, "format", "", "Override the format detected from the extension")
	cmd.AddCommand(upload)

	cmd.AddCommand(&cobra.Command{
		Use:   "list <case-id>",
		Short: "List a case's documents in upload order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(e caselaw.Engine) error {
				docs, err := e.ListDocuments(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return c.emit(cmd.OutOrStdout(), docs, func(w io.Writer) {
					printDocuments(w, docs)
				})
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "text <case-id> <doc-id>",
		Short: "Print a document's extracted text",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(e caselaw.Engine) error {
				text, err := e.DocumentText(cmd.Context(), args[0], args[1])
				if err != nil {
					return err
				}
				return c.emit(cmd.OutOrStdout(), map[string]string{"text": text}, func(w io.Writer) {
					fmt.Fprintln(w, text)
				})
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <case-id> <doc-id>",
		Short: "Delete a document and its chunks",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(e caselaw.Engine) error {
				if err := e.DeleteDocument(cmd.Context(), args[0], args[1]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted document %s\n", args[1])
				return nil
			})
		},
	})

	return cmd
}

func printDocuments(w io.Writer, docs []caselaw.Document) {
	if len(docs) == 0 {
		fmt.Fprintln(w, "No documents")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tID\tFILE\tFORMAT\tCHARS\tCHUNKS")
	for _, d := range docs {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%d\n", d.Ordinal, d.ID, d.StoredName, d.Format, d.Chars, d.Chunks)
	}
	tw.Flush()
}
