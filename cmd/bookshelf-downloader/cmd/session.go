package cmd

import (
	"fmt"

	"go-bookshelf-download/internal/database"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage the stored login session",
}

var sessionClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Forget the stored session so the next run signs in again",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := database.Open(globalConfig.DatabasePath)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer db.Close()

		deleted, err := db.DeleteToken(globalConfig.Site.Name)
		if err != nil {
			return err
		}
		if deleted {
			log.Infof("Stored session for %s removed.", globalConfig.Site.Name)
		} else {
			log.Infof("No stored session for %s.", globalConfig.Site.Name)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionClearCmd)
}
