package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(debugCmd)
	debugCmd.AddCommand(debugShowConfigCmd)

	// Download flags are accepted so their overrides show up in the output.
	addDownloadFlags(debugShowConfigCmd)
}

var debugCmd = &cobra.Command{
	Use:   "debug",
	Short: "Debugging utilities (not for general use)",
	Long:  `Contains helper commands for debugging application behavior, like inspecting configuration.`,
}

var debugShowConfigCmd = &cobra.Command{
	Use:   "show-config",
	Short: "Print the fully loaded configuration object as JSON",
	Long: `Loads configuration via flags, environment and config file (respecting precedence)
and prints the final resulting configuration struct to stdout as JSON.
Useful for verifying how settings are merged.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonBytes, err := json.MarshalIndent(globalConfig, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal config to JSON: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(jsonBytes))
		return nil
	},
}
