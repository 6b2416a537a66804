package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/knowbase/knowbase/internal/catalog"
)

func newProcessCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Process documents without a running worker",
	}
	cmd.AddCommand(newProcessDocCmd())
	cmd.AddCommand(newProcessPendingCmd())
	cmd.AddCommand(newProcessFailedCmd())
	return cmd
}

func cliWorkerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "cli"
	}
	return fmt.Sprintf("cli-%s-%d", host, os.Getpid())
}

func newProcessDocCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "doc <document-id>...",
		Short: "Process documents synchronously",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.close()

			worker := cliWorkerID()
			for _, id := range args {
				outcome, err := a.svc.ProcessDocument(cmd.Context(), id, worker, force)
				if err != nil {
					return fmt.Errorf("process %s: %w", id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (%d chunks, %dms)\n",
					id, outcome.Status, outcome.ChunkCount, outcome.TookMS)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Reprocess even if completed or claimed")
	return cmd
}

func newProcessPendingCmd() *cobra.Command {
	var kbID string
	var limit int

	cmd := &cobra.Command{
		Use:   "pending",
		Short: "Process pending documents synchronously",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runProcessByStatus(cmd, kbID, limit, catalog.StatusPending, false)
		},
	}

	cmd.Flags().StringVar(&kbID, "kb", "", "Restrict to one knowledge base")
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum number of documents")
	return cmd
}

func newProcessFailedCmd() *cobra.Command {
	var kbID string
	var limit int

	cmd := &cobra.Command{
		Use:   "failed",
		Short: "Retry failed documents synchronously",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runProcessByStatus(cmd, kbID, limit, catalog.StatusFailed, true)
		},
	}

	cmd.Flags().StringVar(&kbID, "kb", "", "Restrict to one knowledge base")
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum number of documents")
	return cmd
}

func runProcessByStatus(cmd *cobra.Command, kbID string, limit int, status catalog.Status, force bool) error {
	a, err := openApp(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer a.close()

	ids, err := a.catalog.ListIDsByStatus(cmd.Context(), kbID, status, limit)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "Nothing to process.")
		return nil
	}

	worker := cliWorkerID()
	var failed int
	for _, id := range ids {
		outcome, err := a.svc.ProcessDocument(cmd.Context(), id, worker, force)
		if err != nil {
			failed++
			fmt.Fprintf(cmd.OutOrStdout(), "%s: failed: %v\n", id, err)
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (%d chunks)\n", id, outcome.Status, outcome.ChunkCount)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "\nProcessed %d documents, %d failed\n", len(ids)-failed, failed)
	if failed > 0 {
		return fmt.Errorf("%d documents failed", failed)
	}
	return nil
}
