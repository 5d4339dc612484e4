package downloader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go-bookshelf-download/internal/browser"
	"go-bookshelf-download/internal/events"
	"go-bookshelf-download/internal/helpers"
	"go-bookshelf-download/internal/models"
)

// Custom Executor Errors
var (
	ErrTransferTimeout = errors.New("transfer did not start in time")
	ErrFileSystem      = errors.New("filesystem error")
	ErrNotResolved     = errors.New("no resolved control to download from")
)

// Steps recorded on failed outcomes.
const (
	StepResolve = "resolve"
	StepArm     = "arm"
	StepScroll  = "scroll"
	StepClick   = "click"
	StepStart   = "start"
	StepSave    = "save"
)

// Config holds the executor's paths and timeouts.
type Config struct {
	OutputDir       string
	DebugDir        string
	VisibleTimeout  time.Duration
	PDFTimeout      time.Duration
	EPUBTimeout     time.Duration
	CompleteTimeout time.Duration
	PollInterval    time.Duration
}

// Executor clicks a resolved format link and lands the file on disk.
type Executor struct {
	cfg    Config
	events events.Emitter
}

// NewExecutor creates a new Executor with defaults for unset timeouts.
func NewExecutor(cfg Config, sink events.Sink) *Executor {
	if cfg.VisibleTimeout <= 0 {
		cfg.VisibleTimeout = 5 * time.Second
	}
	if cfg.PDFTimeout <= 0 {
		cfg.PDFTimeout = 45 * time.Second
	}
	if cfg.EPUBTimeout <= 0 {
		cfg.EPUBTimeout = 90 * time.Second
	}
	if cfg.CompleteTimeout <= 0 {
		cfg.CompleteTimeout = 10 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	return &Executor{cfg: cfg, events: events.Emitter{Sink: sink}}
}

// TargetPath is where a format of an entry is saved.
func (e *Executor) TargetPath(entry models.CatalogEntry, format models.Format) string {
	return filepath.Join(e.cfg.OutputDir, Sanitize(entry.Title)+"."+format.Ext())
}

// StartTimeout returns how long the browser is given to begin a transfer.
func (e *Executor) StartTimeout(format models.Format) time.Duration {
	if format == models.FormatEPUB {
		return e.cfg.EPUBTimeout
	}
	return e.cfg.PDFTimeout
}

// Execute downloads one format through the control picked by the resolver.
// The page is always left with menus closed.
func (e *Executor) Execute(ctx context.Context, page browser.Page, entry models.CatalogEntry, format models.Format, res models.FormatResolution) models.DownloadOutcome {
	fields := events.Fields{"title": entry.Title, "format": string(format)}
	token := entry.Token(format)

	defer func() {
		if err := page.CloseMenus(ctx); err != nil {
			e.events.Debug(fields, "Closing menus after download: %v", err)
		}
	}()

	if !res.Success || token == "" {
		return e.fail(fields, format, StepResolve, ErrNotResolved)
	}

	dl, err := page.ExpectDownload(ctx)
	if err != nil {
		return e.failWithSnapshot(ctx, page, entry, fields, format, StepArm, err)
	}
	saved := false
	defer func() {
		if !saved {
			dl.Cancel()
		}
	}()

	if err := e.reveal(ctx, page, token); err != nil {
		e.events.Debug(fields, "Link not visible, reopening control %d: %v", res.ConsumedControlIndex, err)
		if cerr := page.CloseMenus(ctx); cerr != nil {
			e.events.Debug(fields, "Closing menus before retry: %v", cerr)
		}
		if oerr := page.OpenControl(ctx, browser.ControlRef{Row: entry.RowIndex, Index: res.ConsumedControlIndex}); oerr != nil {
			return e.failWithSnapshot(ctx, page, entry, fields, format, StepScroll, oerr)
		}
		if err := e.reveal(ctx, page, token); err != nil {
			return e.failWithSnapshot(ctx, page, entry, fields, format, StepScroll, err)
		}
	}

	if err := page.ClickLink(ctx, token); err != nil {
		return e.failWithSnapshot(ctx, page, entry, fields, format, StepClick, err)
	}

	timeout := e.StartTimeout(format)
	startCtx, cancel := context.WithTimeout(ctx, timeout)
	name, err := dl.Started(startCtx)
	cancel()
	if err != nil {
		if ctx.Err() == nil && (errors.Is(err, browser.ErrTimeout) || errors.Is(err, context.DeadlineExceeded)) {
			e.closeStrayTargets(ctx, page, fields)
			return e.fail(fields, format, StepStart, fmt.Errorf("%w: %s after %s", ErrTransferTimeout, format, timeout))
		}
		return e.failWithSnapshot(ctx, page, entry, fields, format, StepStart, err)
	}
	e.events.Debug(events.Fields{"title": entry.Title, "format": string(format), "suggested": name}, "Transfer started")

	if !helpers.CheckAndMakeDir(e.cfg.OutputDir) {
		return e.fail(fields, format, StepSave, fmt.Errorf("%w: cannot create %s", ErrFileSystem, e.cfg.OutputDir))
	}
	dest := e.TargetPath(entry, format)
	saveCtx, cancel := context.WithTimeout(ctx, e.cfg.CompleteTimeout)
	err = dl.SaveAs(saveCtx, dest)
	cancel()
	if err != nil {
		_ = os.Remove(dest)
		return e.failWithSnapshot(ctx, page, entry, fields, format, StepSave, err)
	}
	saved = true

	e.events.Success(events.Fields{"title": entry.Title, "format": string(format), "path": dest}, "Saved %s", filepath.Base(dest))
	return models.DownloadOutcome{Format: format, Success: true, SavedPath: dest}
}

// reveal scrolls the link into view, polling until it is there.
func (e *Executor) reveal(ctx context.Context, page browser.Page, token string) error {
	return browser.Poll(ctx, e.cfg.VisibleTimeout, e.cfg.PollInterval, func(ctx context.Context) (bool, error) {
		err := page.ScrollLinkIntoView(ctx, token)
		if errors.Is(err, browser.ErrNotFound) {
			return false, nil
		}
		return err == nil, err
	})
}

// closeStrayTargets closes every page target except the primary one. A
// click that never became a download usually opened a tab instead.
func (e *Executor) closeStrayTargets(ctx context.Context, page browser.Page, fields events.Fields) {
	targets, err := page.Targets(ctx)
	if err != nil {
		e.events.Debug(fields, "Listing targets: %v", err)
		return
	}
	for _, t := range targets {
		if t.Primary || t.Type != "page" {
			continue
		}
		if err := page.CloseTarget(ctx, t.ID); err != nil {
			e.events.Debug(fields, "Closing target %s: %v", t.ID, err)
			continue
		}
		e.events.Debug(events.Fields{"target": t.ID, "url": t.URL}, "Closed stray tab")
	}
}

func (e *Executor) fail(fields events.Fields, format models.Format, step string, err error) models.DownloadOutcome {
	f := events.Fields{"step": step, "error": err.Error()}
	for k, v := range fields {
		f[k] = v
	}
	e.events.Error(f, "Download failed at %s: %v", step, err)
	return models.DownloadOutcome{Format: format, Step: step, Err: err}
}

func (e *Executor) failWithSnapshot(ctx context.Context, page browser.Page, entry models.CatalogEntry, fields events.Fields, format models.Format, step string, err error) models.DownloadOutcome {
	if ctx.Err() == nil {
		e.snapshot(ctx, page, entry, format, step)
	}
	return e.fail(fields, format, step, err)
}

// snapshot writes a screenshot and the page HTML to DebugDir. Best effort.
func (e *Executor) snapshot(ctx context.Context, page browser.Page, entry models.CatalogEntry, format models.Format, step string) {
	if e.cfg.DebugDir == "" {
		return
	}
	snap, err := page.Snapshot(ctx)
	if err != nil {
		e.events.Debug(events.Fields{"title": entry.Title}, "Diagnostic snapshot failed: %v", err)
		return
	}
	if !helpers.CheckAndMakeDir(e.cfg.DebugDir) {
		return
	}
	base := fmt.Sprintf("%s-%s-%s-%s", helpers.ConvertToSlug(entry.Title), format.Ext(), step, time.Now().Format("20060102-150405"))
	png := filepath.Join(e.cfg.DebugDir, base+".png")
	html := filepath.Join(e.cfg.DebugDir, base+".html")
	if err := os.WriteFile(png, snap.PNG, 0o644); err != nil {
		e.events.Debug(events.Fields{"path": png}, "Writing screenshot: %v", err)
	}
	if err := os.WriteFile(html, []byte(snap.HTML), 0o644); err != nil {
		e.events.Debug(events.Fields{"path": html}, "Writing page HTML: %v", err)
	}
	e.events.Debug(events.Fields{"title": entry.Title, "png": png, "html": html}, "Saved diagnostic snapshot")
}
