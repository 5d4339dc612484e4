package cmd

import (
	"os"
	"strings"

	"go-bookshelf-download/internal/config"
	"go-bookshelf-download/internal/models"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// globalConfig holds the loaded configuration
var globalConfig models.Config

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "bookshelf-downloader",
	Short: "Download purchased ebooks from an online bookshelf",
	Long: `Bookshelf Downloader signs in to an ebook storefront with a real browser,
scans the purchased titles and saves their PDF and EPUB files locally.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadGlobalConfig,
}

// RootCmd returns the command tree for main.
func RootCmd() *cobra.Command {
	return rootCmd
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Configuration file path (default is ./config.toml)")
	rootCmd.PersistentFlags().String("log-level", "info", "Logging level (trace, debug, info, warn, error, fatal, panic)")
	rootCmd.PersistentFlags().String("log-format", "text", "Logging format (text, json)")
	rootCmd.PersistentFlags().Bool("log-cdp", false, "Log DevTools protocol traffic to cdp.log in the save path (overrides config)")
	rootCmd.PersistentFlags().String("save-path", "", "Directory to save books (overrides config)")
}

// addDownloadFlags registers the flags that shape a download run. Commands
// that report on the merged config reuse them so overrides can be inspected.
func addDownloadFlags(cmd *cobra.Command) {
	cmd.Flags().StringSliceP("formats", "f", nil, "Formats to download (pdf, epub; overrides config)")
	cmd.Flags().StringP("select", "s", "", "Catalog positions to process, e.g. 1,3-5 or all")
	cmd.Flags().IntP("limit", "l", 0, "Process at most this many titles (0 means no limit)")
	cmd.Flags().Bool("headless", true, "Run the browser without a window (overrides config)")
	cmd.Flags().Bool("skip-existing", false, "Skip formats whose file already exists (overrides config)")
	cmd.Flags().String("report", "", "Write a YAML run report to this path")
	cmd.Flags().String("metrics-file", "", "Write Prometheus metrics in textfile format to this path")
	cmd.Flags().Int("pacing", 0, "Pause between formats in milliseconds (overrides config)")
}

func changedString(fs *pflag.FlagSet, name string) *string {
	if f := fs.Lookup(name); f != nil && f.Changed {
		v, _ := fs.GetString(name)
		return &v
	}
	return nil
}

func changedBool(fs *pflag.FlagSet, name string) *bool {
	if f := fs.Lookup(name); f != nil && f.Changed {
		v, _ := fs.GetBool(name)
		return &v
	}
	return nil
}

func changedInt(fs *pflag.FlagSet, name string) *int {
	if f := fs.Lookup(name); f != nil && f.Changed {
		v, _ := fs.GetInt(name)
		return &v
	}
	return nil
}

func changedStringSlice(fs *pflag.FlagSet, name string) *[]string {
	if f := fs.Lookup(name); f != nil && f.Changed {
		v, _ := fs.GetStringSlice(name)
		return &v
	}
	return nil
}

// buildCliFlags collects the flags the user actually set on cmd.
func buildCliFlags(cmd *cobra.Command) config.CliFlags {
	fs := cmd.Flags()
	flags := config.CliFlags{
		ConfigFilePath: changedString(fs, "config"),
		LogLevel:       changedString(fs, "log-level"),
		LogFormat:      changedString(fs, "log-format"),
		LogCDP:         changedBool(fs, "log-cdp"),
		SavePath:       changedString(fs, "save-path"),
	}
	if fs.Lookup("formats") != nil {
		flags.Download = &config.CliDownloadFlags{
			Formats:      changedStringSlice(fs, "formats"),
			Select:       changedString(fs, "select"),
			Limit:        changedInt(fs, "limit"),
			Headless:     changedBool(fs, "headless"),
			SkipExisting: changedBool(fs, "skip-existing"),
			ReportPath:   changedString(fs, "report"),
			MetricsFile:  changedString(fs, "metrics-file"),
			PacingMs:     changedInt(fs, "pacing"),
		}
	}
	return flags
}

// loadGlobalConfig loads .env, merges the configuration and sets up logging
// before any command runs.
func loadGlobalConfig(cmd *cobra.Command, args []string) error {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Could not load .env file")
	}

	// Apply flag logging first so Initialize's own debug output is visible.
	level, _ := cmd.Flags().GetString("log-level")
	format, _ := cmd.Flags().GetString("log-format")
	initLogging(level, format)

	cfg, err := config.Initialize(buildCliFlags(cmd))
	if err != nil {
		return err
	}
	initLogging(cfg.LogLevel, cfg.LogFormat)
	globalConfig = cfg
	return nil
}

// initLogging configures the global logrus logger.
func initLogging(level, format string) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		log.Warnf("Invalid log level '%s', using info", level)
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)
	log.SetOutput(os.Stderr)

	if strings.EqualFold(format, "json") {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}
