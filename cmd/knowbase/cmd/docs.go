package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

func newDocsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "docs",
		Short: "Manage documents",
	}
	cmd.AddCommand(newDocsUploadCmd())
	cmd.AddCommand(newDocsPushCmd())
	cmd.AddCommand(newDocsListCmd())
	cmd.AddCommand(newDocsDeleteCmd())
	cmd.AddCommand(newDocsReprocessCmd())
	return cmd
}

func newDocsUploadCmd() *cobra.Command {
	var description string

	cmd := &cobra.Command{
		Use:   "upload <kb-id> <file>...",
		Short: "Upload files into a knowledge base",
		Long: `Upload one or more files. Each file is stored, registered as a PENDING
document, and queued for processing by the worker.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.close()

			kbID := args[0]
			for _, path := range args[1:] {
				data, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				doc, err := a.svc.UploadDocument(cmd.Context(), kbID, data,
					filepath.Base(path), description)
				if err != nil {
					return fmt.Errorf("upload %s: %w", path, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Uploaded %s as document %s\n",
					doc.FileName, doc.ID)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&description, "description", "d", "", "Document description")
	return cmd
}

func newDocsPushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "push <kb-id> <name>",
		Short: "Push text from stdin as a document",
		Long: `Read UTF-8 text from stdin and register it as a document. A name
without an extension gets .txt appended.

Example:
  cat notes.md | knowbase docs push my-kb release-notes.md`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return err
			}

			a, err := openApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.close()

			doc, err := a.svc.PushDocument(cmd.Context(), args[0], args[1], string(text))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pushed %s as document %s\n", doc.FileName, doc.ID)
			return nil
		},
	}
}

func newDocsListCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list <kb-id>",
		Short: "List documents in a knowledge base",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.close()

			docs, err := a.catalog.ListDocumentsByKB(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd, docs)
			}
			if len(docs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No documents.")
				return nil
			}
			for _, d := range docs {
				line := fmt.Sprintf("%s  %-10s %-28s chunks=%d", d.ID, d.Status, d.FileName, d.ChunkCount)
				if d.ErrorMessage != "" {
					line += "  error=" + d.ErrorMessage
				}
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func newDocsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <document-id>...",
		Short: "Delete documents and their indexed data",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.close()

			for _, id := range args {
				if err := a.svc.DeleteDocument(cmd.Context(), id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted document %s\n", id)
			}
			return nil
		},
	}
}

func newDocsReprocessCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reprocess <document-id>...",
		Short: "Queue a forced reprocess of documents",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.close()

			taskID, err := a.svc.ReprocessDocuments(cmd.Context(), args)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Queued reprocess of %d documents (task %s)\n",
				len(args), taskID)
			return nil
		},
	}
}
