package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/knowbase/knowbase/internal/catalog"
)

func newKBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kb",
		Short: "Manage knowledge bases",
	}
	cmd.AddCommand(newKBCreateCmd())
	cmd.AddCommand(newKBListCmd())
	cmd.AddCommand(newKBGetCmd())
	cmd.AddCommand(newKBDeleteCmd())
	cmd.AddCommand(newKBRebuildCmd())
	return cmd
}

func newKBCreateCmd() *cobra.Command {
	var description, owner, visibility string
	var dimension int

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a knowledge base",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.close()

			kb := &catalog.KnowledgeBase{
				Name:               args[0],
				Description:        description,
				OwnerID:            owner,
				Visibility:         visibility,
				EmbeddingProvider:  a.cfg.Embeddings.Provider,
				EmbeddingModel:     a.cfg.Embeddings.Model,
				EmbeddingDimension: dimension,
			}
			if err := a.svc.CreateKB(cmd.Context(), kb); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created knowledge base %s (%s)\n", kb.Name, kb.ID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&description, "description", "d", "", "Knowledge base description")
	cmd.Flags().StringVar(&owner, "owner", "", "Owner ID")
	cmd.Flags().StringVar(&visibility, "visibility", catalog.VisibilityPrivate, "Visibility: private, team, public")
	cmd.Flags().IntVar(&dimension, "dimension", 0, "Embedding dimension (0 to learn from the first document)")
	return cmd
}

func newKBListCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List knowledge bases",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.close()

			kbs, err := a.catalog.ListKBs(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd, kbs)
			}
			if len(kbs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No knowledge bases.")
				return nil
			}
			for _, kb := range kbs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-24s docs=%d chunks=%d dim=%d\n",
					kb.ID, kb.Name, kb.DocumentCount, kb.ChunkCount, kb.EmbeddingDimension)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func newKBGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <kb-id>",
		Short: "Show one knowledge base",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.close()

			kb, err := a.catalog.GetKB(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, kb)
		},
	}
}

func newKBDeleteCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "delete <kb-id>",
		Short: "Delete a knowledge base and all of its data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("deleting a knowledge base is irreversible; pass --yes to confirm")
			}
			a, err := openApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.svc.DeleteKB(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted knowledge base %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm deletion")
	return cmd
}

func newKBRebuildCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild <kb-id>",
		Short: "Queue a forced reprocess of every document in a knowledge base",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.close()

			taskID, n, err := a.svc.RebuildKB(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if n == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Nothing to rebuild.")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Queued rebuild of %d documents (task %s)\n", n, taskID)
			return nil
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
