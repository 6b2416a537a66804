package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/knowbase/knowbase/internal/retrieval"
)

// searchOptions holds CLI flags for search.
type searchOptions struct {
	mode        string
	topK        int
	threshold   float64
	fusion      string
	adaptive    bool
	rerank      bool
	noCache     bool
	format      string
	documentIDs []string
	fileTypes   []string
}

func newSearchCmd() *cobra.Command {
	var opts searchOptions

	cmd := &cobra.Command{
		Use:   "search <kb-id> <query>...",
		Short: "Search a knowledge base",
		Long: `Search a knowledge base with semantic, keyword or hybrid retrieval.

Examples:
  knowbase search my-kb "connection pooling"
  knowbase search my-kb "error handling" --mode keyword --top-k 5
  knowbase search my-kb "deployment checklist" --rerank --format json`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args[1:], " ")
			return runSearch(cmd, args[0], query, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.mode, "mode", "m", "", "Retrieval mode: semantic, keyword, hybrid")
	cmd.Flags().IntVarP(&opts.topK, "top-k", "n", 0, "Maximum number of results")
	cmd.Flags().Float64Var(&opts.threshold, "threshold", -1, "Minimum result score")
	cmd.Flags().StringVar(&opts.fusion, "fusion", "", "Fusion method: rrf, weighted, linear")
	cmd.Flags().BoolVar(&opts.adaptive, "adaptive", false, "Adapt fusion weights to the query shape")
	cmd.Flags().BoolVar(&opts.rerank, "rerank", false, "Rerank candidates (needs rerank configuration)")
	cmd.Flags().BoolVar(&opts.noCache, "no-cache", false, "Bypass the search result cache")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "text", "Output format: text, json")
	cmd.Flags().StringSliceVar(&opts.documentIDs, "document-id", nil, "Restrict to documents (repeatable)")
	cmd.Flags().StringSliceVar(&opts.fileTypes, "file-type", nil, "Restrict to file types (repeatable, e.g. .md)")
	return cmd
}

func runSearch(cmd *cobra.Command, kbID, query string, opts searchOptions) error {
	a, err := openApp(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer a.close()

	searchOpts := searchDefaults(a.cfg)
	if opts.mode != "" {
		searchOpts.Mode = retrieval.Mode(opts.mode)
	}
	if opts.topK > 0 {
		searchOpts.TopK = opts.topK
	}
	if opts.threshold >= 0 {
		searchOpts.ScoreThreshold = opts.threshold
	}
	if opts.fusion != "" {
		searchOpts.Fusion = retrieval.FusionMethod(opts.fusion)
	}
	if opts.adaptive {
		searchOpts.AdaptiveWeights = true
	}
	if opts.rerank {
		searchOpts.Rerank = true
	}
	if len(opts.documentIDs) > 0 || len(opts.fileTypes) > 0 {
		searchOpts.Filters = &retrieval.Filters{
			DocumentIDs: opts.documentIDs,
			FileTypes:   opts.fileTypes,
		}
	}

	resp, err := a.svc.Search(cmd.Context(), kbID, query, searchOpts, !opts.noCache)
	if err != nil {
		return err
	}

	if opts.format == "json" {
		return printJSON(cmd, resp)
	}

	out := cmd.OutOrStdout()
	if len(resp.Results) == 0 {
		fmt.Fprintln(out, "No results.")
		return nil
	}
	for i, r := range resp.Results {
		fmt.Fprintf(out, "%2d. [%.4f] %s #%d (%s)\n", i+1, r.Score, r.FileName, r.ChunkIndex, r.ChunkID)
		fmt.Fprintln(out, indent(snippet(r.Content, 240), "    "))
	}
	cached := ""
	if resp.FromCache {
		cached = ", cached"
	}
	fmt.Fprintf(out, "\n%d results in %dms (%s%s)\n", len(resp.Results), resp.TookMS, resp.Mode, cached)
	return nil
}

// snippet trims content to at most n runes on a single paragraph.
func snippet(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}

func indent(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i := range lines {
		lines[i] = prefix + lines[i]
	}
	return strings.Join(lines, "\n")
}
