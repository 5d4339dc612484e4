// Package orchestrator runs a whole download session: sign in, scan the
// catalog, then resolve and download every requested format of every entry,
// one at a time on the single shared page.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go-bookshelf-download/internal/browser"
	"go-bookshelf-download/internal/catalog"
	"go-bookshelf-download/internal/downloader"
	"go-bookshelf-download/internal/events"
	"go-bookshelf-download/internal/helpers"
	"go-bookshelf-download/internal/metrics"
	"go-bookshelf-download/internal/models"
	"go-bookshelf-download/internal/resolver"

	"github.com/google/uuid"
)

// Step names recorded on outcomes the orchestrator fails itself.
const (
	StepRelocate  = "relocate"
	StepCancelled = "cancelled"
)

// ErrStaleRow is wrapped by StaleRowError.
var ErrStaleRow = errors.New("catalog row is stale")

// StaleRowError means an entry's row could not be found again after the
// catalog page was reloaded.
type StaleRowError struct {
	Title    string
	Key      string
	RowIndex int
	Err      error
}

func (e *StaleRowError) Error() string {
	msg := fmt.Sprintf("row for %q (key %q, scanned at %d) not found after reload", e.Title, e.Key, e.RowIndex)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StaleRowError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrStaleRow}
	}
	return []error{ErrStaleRow, e.Err}
}

// Sessions establishes an authenticated session on the page.
type Sessions interface {
	Establish(ctx context.Context, page browser.Page, creds func() (models.Credentials, error)) (*models.SessionToken, error)
}

// History records saved files.
type History interface {
	RecordDownload(rec models.HistoryRecord) error
}

// Uploader copies a saved file somewhere else.
type Uploader interface {
	Upload(ctx context.Context, path string, format models.Format) (string, error)
}

// Progress is reported before each entry is processed.
type Progress struct {
	Done  int
	Total int
	Title string
}

// Config selects what gets downloaded and how fast.
type Config struct {
	LibraryURL string
	// Formats are the requested formats; empty means all.
	Formats []models.Format
	// Selection holds 1-based catalog positions; empty means every entry.
	Selection    []int
	Limit        int
	Pacing       time.Duration
	SkipExisting bool
}

// Deps are the collaborators of an Orchestrator. History, Mirror, Metrics
// and OnProgress are optional.
type Deps struct {
	Sessions   Sessions
	Scanner    *catalog.Scanner
	Resolver   *resolver.Resolver
	Executor   *downloader.Executor
	History    History
	Mirror     Uploader
	Metrics    *metrics.Recorder
	Sink       events.Sink
	OnProgress func(Progress)
}

// Orchestrator sequences the core components.
type Orchestrator struct {
	cfg  Config
	deps Deps

	events events.Emitter
	// reloads counts catalog reloads; rows scanned before the latest reload
	// must be relocated before use.
	reloads int
}

// New returns an Orchestrator.
func New(cfg Config, deps Deps) *Orchestrator {
	if len(cfg.Formats) == 0 {
		cfg.Formats = models.AllFormats
	}
	return &Orchestrator{cfg: cfg, deps: deps, events: events.Emitter{Sink: deps.Sink}}
}

// Run signs in, scans the catalog and processes the selected entries.
// Authentication and catalog errors abort the run; everything after the
// scan is reported through the summary.
func (o *Orchestrator) Run(ctx context.Context, page browser.Page, creds func() (models.Credentials, error)) (*models.RunSummary, error) {
	if _, err := o.deps.Sessions.Establish(ctx, page, creds); err != nil {
		return nil, err
	}

	entries, err := o.Scan(ctx, page)
	if err != nil {
		return nil, err
	}

	selected := o.Select(entries)
	if len(selected) < len(entries) {
		o.events.Info(events.Fields{"selected": len(selected), "entries": len(entries)}, "Processing %d of %d titles", len(selected), len(entries))
	}
	return o.Process(ctx, page, selected), nil
}

// Scan makes sure the page shows the library and scans it.
func (o *Orchestrator) Scan(ctx context.Context, page browser.Page) ([]models.CatalogEntry, error) {
	if err := o.showLibrary(ctx, page, false); err != nil {
		return nil, err
	}
	entries, err := o.deps.Scanner.Scan(ctx, page)
	if err != nil {
		return nil, err
	}
	o.reloads = 0
	o.deps.Metrics.SetScanned(len(entries))
	return entries, nil
}

// Select applies the configured selection and limit, keeping catalog order.
func (o *Orchestrator) Select(entries []models.CatalogEntry) []models.CatalogEntry {
	out := entries
	if len(o.cfg.Selection) > 0 {
		wanted := make(map[int]bool, len(o.cfg.Selection))
		for _, n := range o.cfg.Selection {
			wanted[n] = true
		}
		out = nil
		for i, e := range entries {
			if wanted[i+1] {
				out = append(out, e)
			}
		}
	}
	if o.cfg.Limit > 0 && len(out) > o.cfg.Limit {
		out = out[:o.cfg.Limit]
	}
	return out
}

// Process downloads the requested formats of entries, strictly one after
// another. One entry's failure never stops the run.
func (o *Orchestrator) Process(ctx context.Context, page browser.Page, entries []models.CatalogEntry) *models.RunSummary {
	summary := &models.RunSummary{RunID: uuid.NewString(), StartedAt: time.Now()}

	for i, entry := range entries {
		if o.deps.OnProgress != nil {
			o.deps.OnProgress(Progress{Done: i, Total: len(entries), Title: entry.Title})
		}
		summary.Entries = append(summary.Entries, o.processEntry(ctx, page, entry, summary.RunID))
	}
	if o.deps.OnProgress != nil {
		o.deps.OnProgress(Progress{Done: len(entries), Total: len(entries)})
	}

	summary.FinishedAt = time.Now()
	c := summary.Counts()
	o.events.Info(events.Fields{"run_id": summary.RunID, "succeeded": c.Succeeded, "skipped": c.Skipped, "failed": c.Failed},
		"Run finished: %d saved, %d skipped, %d failed", c.Succeeded-c.Skipped, c.Skipped, c.Failed)
	return summary
}

func (o *Orchestrator) processEntry(ctx context.Context, page browser.Page, entry models.CatalogEntry, runID string) models.EntryResult {
	result := models.EntryResult{Entry: entry}
	formats := o.formatsFor(entry)
	if len(formats) == 0 {
		o.events.Info(events.Fields{"title": entry.Title}, "No requested format available for %q", entry.Title)
		return result
	}

	generation := 0
	consumed := -1
	var stale error

	for _, format := range formats {
		fields := events.Fields{"title": entry.Title, "format": string(format)}

		if err := ctx.Err(); err != nil {
			result.Outcomes = append(result.Outcomes, o.record(models.DownloadOutcome{Format: format, Step: StepCancelled, Err: err}))
			continue
		}

		if o.cfg.SkipExisting {
			if path := o.deps.Executor.TargetPath(entry, format); fileExists(path) {
				o.events.Info(events.Fields{"title": entry.Title, "format": string(format), "path": path}, "Already saved, skipping")
				result.Outcomes = append(result.Outcomes, o.record(models.DownloadOutcome{Format: format, Success: true, Skipped: true, SavedPath: path}))
				continue
			}
		}

		if stale == nil && generation != o.reloads {
			idx, ok, err := o.deps.Scanner.Locate(ctx, page, entry)
			if err != nil || !ok {
				stale = &StaleRowError{Title: entry.Title, Key: entry.Key, RowIndex: entry.RowIndex, Err: err}
			} else {
				if idx != entry.RowIndex {
					o.events.Debug(events.Fields{"title": entry.Title, "from": entry.RowIndex, "to": idx}, "Row moved")
				}
				entry.RowIndex = idx
				generation = o.reloads
			}
		}
		if stale != nil {
			o.events.Error(events.Fields{"title": entry.Title, "format": string(format), "step": StepRelocate}, "%v", stale)
			result.Outcomes = append(result.Outcomes, o.record(models.DownloadOutcome{Format: format, Step: StepRelocate, Err: stale}))
			continue
		}

		outcome := o.attempt(ctx, page, entry, format, &consumed)
		outcome = o.record(outcome)
		if outcome.Success {
			o.afterSave(ctx, entry, outcome, runID)
		} else {
			o.recover(ctx, page, fields)
		}
		result.Outcomes = append(result.Outcomes, outcome)
		o.pace(ctx)
	}
	return result
}

// attempt resolves and downloads one format, excluding the control the
// sibling format already consumed.
func (o *Orchestrator) attempt(ctx context.Context, page browser.Page, entry models.CatalogEntry, format models.Format, consumed *int) models.DownloadOutcome {
	res := o.deps.Resolver.Resolve(ctx, page, entry, format, *consumed)
	if !res.Success {
		return models.DownloadOutcome{
			Format: format,
			Step:   downloader.StepResolve,
			Err:    fmt.Errorf("%w: %s for %q", resolver.ErrResolution, format, entry.Title),
		}
	}
	*consumed = res.ConsumedControlIndex

	start := time.Now()
	outcome := o.deps.Executor.Execute(ctx, page, entry, format, res)
	if outcome.Success {
		o.deps.Metrics.ObserveTransfer(format, time.Since(start))
	}
	return outcome
}

func (o *Orchestrator) record(outcome models.DownloadOutcome) models.DownloadOutcome {
	o.deps.Metrics.ObserveOutcome(outcome)
	return outcome
}

// afterSave records history and mirrors the file. Neither can fail the
// outcome.
func (o *Orchestrator) afterSave(ctx context.Context, entry models.CatalogEntry, outcome models.DownloadOutcome, runID string) {
	fields := events.Fields{"title": entry.Title, "format": string(outcome.Format), "path": outcome.SavedPath}

	if o.deps.History != nil {
		rec := models.HistoryRecord{
			Title:   entry.Title,
			Format:  outcome.Format,
			Path:    outcome.SavedPath,
			RunID:   runID,
			SavedAt: time.Now(),
		}
		hash, size, err := helpers.HashFile(outcome.SavedPath)
		if err != nil {
			o.events.Warn(fields, "Could not fingerprint saved file: %v", err)
		}
		rec.BLAKE3, rec.Size = hash, size
		if err := o.deps.History.RecordDownload(rec); err != nil {
			o.events.Warn(fields, "Could not record download history: %v", err)
		}
	}

	if o.deps.Mirror != nil {
		uri, err := o.deps.Mirror.Upload(ctx, outcome.SavedPath, outcome.Format)
		if err != nil {
			o.events.Warn(fields, "Mirror upload failed: %v", err)
			return
		}
		o.events.Debug(events.Fields{"title": entry.Title, "uri": uri}, "Mirrored")
	}
}

// recover brings the catalog back to a neutral state after a failed
// attempt. Rows scanned before this point are relocated before reuse.
func (o *Orchestrator) recover(ctx context.Context, page browser.Page, fields events.Fields) {
	if ctx.Err() != nil {
		return
	}
	if err := o.showLibrary(ctx, page, true); err != nil {
		o.events.Warn(fields, "Reloading the catalog failed: %v", err)
	} else if _, err := o.deps.Scanner.Ready(ctx, page); err != nil {
		o.events.Warn(fields, "Catalog did not come back after reload: %v", err)
	}
	o.reloads++
}

// showLibrary navigates to the library unless the page is already there.
// With reload set, a page already on the library is reloaded instead.
func (o *Orchestrator) showLibrary(ctx context.Context, page browser.Page, reload bool) error {
	loc, err := page.Location(ctx)
	atLibrary := err == nil && (o.cfg.LibraryURL == "" || strings.HasPrefix(loc, o.cfg.LibraryURL))
	switch {
	case atLibrary && reload:
		return page.Reload(ctx)
	case atLibrary:
		return nil
	}
	return page.Navigate(ctx, o.cfg.LibraryURL)
}

func (o *Orchestrator) pace(ctx context.Context) {
	if o.cfg.Pacing <= 0 {
		return
	}
	t := time.NewTimer(o.cfg.Pacing)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// formatsFor returns the requested formats the entry has, PDF first.
func (o *Orchestrator) formatsFor(entry models.CatalogEntry) []models.Format {
	var out []models.Format
	for _, f := range entry.Available() {
		for _, want := range o.cfg.Formats {
			if f == want {
				out = append(out, f)
				break
			}
		}
	}
	return out
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
