package cmd

import (
	"fmt"
	"strings"

	"go-bookshelf-download/internal/database"
	"go-bookshelf-download/internal/helpers"

	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded downloads, newest first",
	RunE:  runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of records (0 for all)")
	historyCmd.Flags().StringSlice("format", nil, "Only show these formats")
}

func runHistory(cmd *cobra.Command, args []string) error {
	db, err := database.Open(globalConfig.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	limit, _ := cmd.Flags().GetInt("limit")
	formats, _ := cmd.Flags().GetStringSlice("format")
	for i, f := range formats {
		formats[i] = strings.ToUpper(strings.TrimSpace(f))
	}

	records, err := db.History(limit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	shown := 0
	for _, rec := range records {
		if len(formats) > 0 && !helpers.StringSliceContains(formats, string(rec.Format)) {
			continue
		}
		fmt.Fprintf(out, "%s  %-4s  %9s  %s\n    %s  blake3:%.16s\n",
			rec.SavedAt.Local().Format("2006-01-02 15:04"), rec.Format, helpers.BytesToSize(uint64(rec.Size)), rec.Title, rec.Path, rec.BLAKE3)
		shown++
	}
	if shown == 0 {
		fmt.Fprintln(out, "No downloads recorded.")
	}
	return nil
}
