package cmd

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"go-bookshelf-download/internal/config"
	"go-bookshelf-download/internal/downloader"
	"go-bookshelf-download/internal/metrics"
	"go-bookshelf-download/internal/mirror"
	"go-bookshelf-download/internal/models"
	"go-bookshelf-download/internal/orchestrator"
	"go-bookshelf-download/internal/resolver"

	"github.com/gosuri/uilive"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// downloadCmd represents the download command
var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Download the purchased titles",
	Long: `Signs in (resuming a stored session when possible), scans the library
and saves the requested formats of every selected title into the save path.
Failed formats are reported but never stop the run.`,
	RunE: runDownload,
}

func init() {
	rootCmd.AddCommand(downloadCmd)
	addDownloadFlags(downloadCmd)
	downloadCmd.Flags().String("email", "", "Account email (or set "+envEmail+")")
}

// parseSelection turns "1,3-5" into sorted, de-duplicated 1-based positions.
// "all" or an empty string selects everything and yields nil.
func parseSelection(input string) ([]int, error) {
	input = strings.TrimSpace(input)
	if input == "" || strings.EqualFold(input, "all") {
		return nil, nil
	}

	indexSet := make(map[int]struct{})
	for _, part := range strings.Split(input, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		// Check for range (e.g., "1-3")
		if strings.Contains(part, "-") {
			rangeParts := strings.SplitN(part, "-", 2)
			start, err1 := strconv.Atoi(strings.TrimSpace(rangeParts[0]))
			end, err2 := strconv.Atoi(strings.TrimSpace(rangeParts[1]))
			if err1 != nil || err2 != nil || start < 1 || start > end {
				return nil, fmt.Errorf("invalid range %q", part)
			}
			for i := start; i <= end; i++ {
				indexSet[i] = struct{}{}
			}
			continue
		}

		num, err := strconv.Atoi(part)
		if err != nil || num < 1 {
			return nil, fmt.Errorf("invalid position %q", part)
		}
		indexSet[num] = struct{}{}
	}
	if len(indexSet) == 0 {
		return nil, errors.New("selection is empty")
	}

	indices := make([]int, 0, len(indexSet))
	for i := range indexSet {
		indices = append(indices, i)
	}
	sort.Ints(indices)
	return indices, nil
}

// runDownload is the main execution function for the download command.
func runDownload(cmd *cobra.Command, args []string) error {
	log.Info("Starting download command...")
	cfg := globalConfig
	ctx := cmd.Context()

	selection, err := parseSelection(cfg.Download.Select)
	if err != nil {
		return fmt.Errorf("--select: %w", err)
	}
	runCfg, err := config.OrchestratorConfig(cfg, selection)
	if err != nil {
		return err
	}

	env, err := setupBrowserEnvironment(ctx, cfg)
	if err != nil {
		return err
	}
	defer env.Close()

	recorder := metrics.New()
	deps := orchestrator.Deps{
		Sessions: env.sessions,
		Scanner:  env.scanner,
		Resolver: resolver.New(config.ResolverConfig(cfg), env.sink),
		Executor: downloader.NewExecutor(config.DownloaderConfig(cfg), env.sink),
		History:  env.db,
		Metrics:  recorder,
		Sink:     env.sink,
	}
	if cfg.Mirror.Bucket != "" {
		m, err := mirror.New(ctx, cfg.Mirror)
		if err != nil {
			return fmt.Errorf("configuring mirror: %w", err)
		}
		deps.Mirror = m
	}

	// --- Progress Display Setup ---
	// The first progress report arrives after sign-in, so a credential
	// prompt never shares the terminal with the live writer.
	progress := &progressDisplay{}
	deps.OnProgress = progress.Update

	email, _ := cmd.Flags().GetString("email")
	prompt := newCredentialPrompt(email)

	summary, err := orchestrator.New(runCfg, deps).Run(ctx, env.page, prompt.Credentials)
	progress.Stop()
	if err != nil {
		return err
	}

	printSummary(cmd.OutOrStdout(), summary)

	if cfg.Report.Path != "" {
		if err := writeReport(cfg.Report.Path, buildReport(cfg.Site.Name, summary)); err != nil {
			log.WithError(err).Error("Failed to write run report")
		} else {
			log.Infof("Run report written to %s", cfg.Report.Path)
		}
	}
	if cfg.Metrics.TextfilePath != "" {
		if err := recorder.WriteTextfile(cfg.Metrics.TextfilePath); err != nil {
			log.WithError(err).Error("Failed to write metrics textfile")
		}
	}
	return nil
}

// progressDisplay starts its uilive writer on the first update.
type progressDisplay struct {
	writer *uilive.Writer
	out    io.Writer
}

func (d *progressDisplay) Update(p orchestrator.Progress) {
	if d.writer == nil {
		d.writer = uilive.New()
		if d.out != nil {
			d.writer.Out = d.out
		}
		d.writer.Start()
	}
	writeProgress(d.writer, p)
}

// Stop is a no-op when no update was ever shown.
func (d *progressDisplay) Stop() {
	if d.writer != nil {
		d.writer.Stop()
		d.writer = nil
	}
}

func writeProgress(w *uilive.Writer, p orchestrator.Progress) {
	if p.Done >= p.Total {
		fmt.Fprintf(w, "Progress: %d / %d titles processed.\n", p.Done, p.Total)
	} else {
		fmt.Fprintf(w, "Progress: %d / %d titles processed. Current: %s\n", p.Done, p.Total, p.Title)
	}
	_ = w.Flush()
}

// printSummary writes one line per failed or skipped format and the totals.
func printSummary(w io.Writer, summary *models.RunSummary) {
	c := summary.Counts()
	fmt.Fprintf(w, "\nRun %s\n", summary.RunID)
	for _, e := range summary.Entries {
		for _, o := range e.Outcomes {
			switch {
			case o.Skipped:
				fmt.Fprintf(w, "  skipped  %-6s %s\n", o.Format, e.Entry.Title)
			case !o.Success:
				fmt.Fprintf(w, "  FAILED   %-6s %s (%s: %v)\n", o.Format, e.Entry.Title, o.Step, o.Err)
			}
		}
	}
	fmt.Fprintf(w, "Titles: %d  Saved: %d  Skipped: %d  Failed: %d  Took: %s\n",
		c.Entries, c.Succeeded-c.Skipped, c.Skipped, c.Failed, summary.FinishedAt.Sub(summary.StartedAt).Round(time.Second))
}
