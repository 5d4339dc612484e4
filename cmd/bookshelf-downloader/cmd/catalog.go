package cmd

import (
	"fmt"
	"io"
	"strings"

	"go-bookshelf-download/internal/database"
	"go-bookshelf-download/internal/index"
	"go-bookshelf-download/internal/models"
	"go-bookshelf-download/internal/orchestrator"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Scan the library and list the purchased titles",
	Long: `Signs in, scans the library and prints every title with the formats it
offers. The scan is stored in the database and the search index. With
--offline the last stored scan is printed without starting a browser.`,
	RunE: runCatalog,
}

func init() {
	rootCmd.AddCommand(catalogCmd)
	catalogCmd.Flags().Bool("offline", false, "Print the last stored scan instead of scanning")
	catalogCmd.Flags().String("email", "", "Account email (or set "+envEmail+")")
}

func runCatalog(cmd *cobra.Command, args []string) error {
	cfg := globalConfig
	offline, _ := cmd.Flags().GetBool("offline")

	if offline {
		db, err := database.Open(cfg.DatabasePath)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer db.Close()

		entries, err := db.LoadCatalog(cfg.Site.Name)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No stored catalog; run 'catalog' without --offline first.")
			return nil
		}
		printCatalog(cmd.OutOrStdout(), entries, db)
		return nil
	}

	ctx := cmd.Context()
	env, err := setupBrowserEnvironment(ctx, cfg)
	if err != nil {
		return err
	}
	defer env.Close()

	email, _ := cmd.Flags().GetString("email")
	if _, err := env.sessions.Establish(ctx, env.page, newCredentialPrompt(email).Credentials); err != nil {
		return err
	}

	runner := orchestrator.New(orchestrator.Config{LibraryURL: cfg.Site.LibraryURL}, orchestrator.Deps{
		Scanner: env.scanner,
		Sink:    env.sink,
	})
	entries, err := runner.Scan(ctx, env.page)
	if err != nil {
		return err
	}

	if err := env.db.SaveCatalog(cfg.Site.Name, entries); err != nil {
		log.WithError(err).Error("Failed to store catalog snapshot")
	}
	idx, err := index.OpenOrCreateIndex(cfg.IndexPath)
	if err != nil {
		log.WithError(err).Error("Failed to open search index")
	} else {
		if err := index.IndexEntries(idx, cfg.Site.Name, entries); err != nil {
			log.WithError(err).Error("Failed to index catalog")
		}
		idx.Close()
	}

	printCatalog(cmd.OutOrStdout(), entries, env.db)
	return nil
}

// printCatalog lists entries with 1-based positions, the numbering used by
// download --select. A trailing * marks a format already in the history.
func printCatalog(w io.Writer, entries []models.CatalogEntry, db *database.DB) {
	fmt.Fprintf(w, "%4s  %-12s  %s\n", "#", "Formats", "Title")
	for i, e := range entries {
		var formats []string
		for _, f := range e.Available() {
			label := string(f)
			if e.Ambiguous[f] {
				label += "?"
			}
			if db != nil && db.HasDownload(e.Title, f) {
				label += "*"
			}
			formats = append(formats, label)
		}
		fmt.Fprintf(w, "%4d  %-12s  %s\n", i+1, strings.Join(formats, ","), e.Title)
	}
	fmt.Fprintf(w, "%d titles (? ambiguous link, * already downloaded)\n", len(entries))
}
