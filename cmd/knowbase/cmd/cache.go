package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and clear the search result cache",
	}
	cmd.AddCommand(newCacheStatsCmd())
	cmd.AddCommand(newCacheClearCmd())
	return cmd
}

func newCacheStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show cache state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.close()

			stats := a.cache.Stats(cmd.Context())
			if !stats.Enabled {
				fmt.Fprintln(cmd.OutOrStdout(), "Cache disabled.")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Enabled, %d keys, TTL %s\n", stats.Keys, stats.TTL)
			return nil
		},
	}
}

func newCacheClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear [kb-id]",
		Short: "Clear cached searches, optionally for one knowledge base",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.close()

			var removed int
			if len(args) == 1 {
				removed = a.svc.ClearKBCache(cmd.Context(), args[0])
			} else {
				removed = a.cache.ClearAll(cmd.Context())
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d cached searches\n", removed)
			return nil
		},
	}
}
