// Package resolver works out which of a row's look-alike controls reveals
// the download link for a given format.
package resolver

import (
	"context"
	"errors"
	"strings"
	"time"

	"go-bookshelf-download/internal/browser"
	"go-bookshelf-download/internal/events"
	"go-bookshelf-download/internal/models"
)

// ErrResolution is recorded on outcomes whose format could not be matched
// to any control.
var ErrResolution = errors.New("no control reveals the format's link")

// Config holds the activation-verify timing.
type Config struct {
	LinkTimeout  time.Duration
	PollInterval time.Duration
}

// Resolver matches formats to controls.
type Resolver struct {
	cfg    Config
	events events.Emitter
}

// New returns a Resolver.
func New(cfg Config, sink events.Sink) *Resolver {
	if cfg.LinkTimeout <= 0 {
		cfg.LinkTimeout = 3 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	return &Resolver{cfg: cfg, events: events.Emitter{Sink: sink}}
}

// Resolve tries the entry's controls in document order, skipping exclude,
// and returns the first whose label names the format and whose activation
// shows a link containing the format's token. The winning control is left
// open; on failure every menu is closed.
func (r *Resolver) Resolve(ctx context.Context, page browser.Page, entry models.CatalogEntry, format models.Format, exclude int) models.FormatResolution {
	fields := events.Fields{"title": entry.Title, "format": string(format), "step": "resolve"}

	token := entry.Token(format)
	if token == "" {
		r.events.Debug(fields, "No %s token recorded", format)
		return models.Unresolved()
	}

	name := strings.ToLower(string(format))
	for _, c := range entry.Controls {
		if c.Index == exclude {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		if !strings.Contains(strings.ToLower(c.Label), name) {
			continue
		}
		if err := page.CloseMenus(ctx); err != nil {
			r.events.Debug(fields, "Closing menus before control %d: %v", c.Index, err)
		}

		if err := page.OpenControl(ctx, browser.ControlRef{Row: entry.RowIndex, Index: c.Index}); err != nil {
			r.events.Debug(fields, "Control %d would not open: %v", c.Index, err)
			continue
		}
		if r.revealed(ctx, page, token) {
			r.events.Debug(fields, "Control %d reveals the %s link", c.Index, format)
			return models.FormatResolution{Success: true, ConsumedControlIndex: c.Index}
		}
	}

	if err := page.CloseMenus(ctx); err != nil {
		r.events.Debug(fields, "Closing menus: %v", err)
	}
	r.events.Warn(fields, "No control reveals the %s link for %q", format, entry.Title)
	return models.Unresolved()
}

func (r *Resolver) revealed(ctx context.Context, page browser.Page, token string) bool {
	err := browser.Poll(ctx, r.cfg.LinkTimeout, r.cfg.PollInterval, func(ctx context.Context) (bool, error) {
		return page.HasLink(ctx, token)
	})
	return err == nil
}
