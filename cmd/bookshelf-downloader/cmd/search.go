package cmd

import (
	"fmt"
	"os"
	"strings"

	"go-bookshelf-download/internal/index"

	"github.com/spf13/cobra"
)

var searchCmd = &cobra.Command{
	Use:   "search QUERY",
	Short: "Search the indexed catalog offline",
	Long: `Runs a bleve query-string query (e.g. "grokking", "title:rust", "+formats:EPUB")
against the index written by the catalog command.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSearch,
}

func init() {
	rootCmd.AddCommand(searchCmd)
	searchCmd.Flags().IntP("limit", "n", 20, "Maximum number of results")
}

func runSearch(cmd *cobra.Command, args []string) error {
	cfg := globalConfig
	if _, err := os.Stat(cfg.IndexPath); err != nil {
		return fmt.Errorf("no search index at %s; run the catalog command first", cfg.IndexPath)
	}

	idx, err := index.OpenOrCreateIndex(cfg.IndexPath)
	if err != nil {
		return err
	}
	defer idx.Close()

	limit, _ := cmd.Flags().GetInt("limit")
	hits, err := index.Search(idx, strings.Join(args, " "), limit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(hits) == 0 {
		fmt.Fprintln(out, "No matches.")
		return nil
	}
	for _, h := range hits {
		fmt.Fprintf(out, "%6.3f  %-12s  %s\n", h.Score, strings.Join(h.Formats, ","), h.Title)
	}
	return nil
}
