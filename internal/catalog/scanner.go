// Package catalog reads the purchased-title listing into catalog entries.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go-bookshelf-download/internal/browser"
	"go-bookshelf-download/internal/events"
	"go-bookshelf-download/internal/models"
)

var (
	// ErrCatalogNotFound is wrapped by CatalogNotFoundError.
	ErrCatalogNotFound = errors.New("catalog not found")
	// ErrRowProcessing is wrapped by RowProcessingError.
	ErrRowProcessing = errors.New("row processing failed")
)

// CatalogNotFoundError means the listing container never appeared.
type CatalogNotFoundError struct {
	Selector string
	Timeout  time.Duration
	Err      error
}

func (e *CatalogNotFoundError) Error() string {
	return fmt.Sprintf("catalog container %q not visible after %s: %v", e.Selector, e.Timeout, e.Err)
}

func (e *CatalogNotFoundError) Unwrap() []error {
	return []error{ErrCatalogNotFound, e.Err}
}

// RowProcessingError wraps a failure reading one row. The scan skips the row.
type RowProcessingError struct {
	Row int
	Err error
}

func (e *RowProcessingError) Error() string {
	return fmt.Sprintf("row %d: %v", e.Row, e.Err)
}

func (e *RowProcessingError) Unwrap() []error {
	return []error{ErrRowProcessing, e.Err}
}

// Config controls waiting and parsing.
type Config struct {
	ContainerSelector string
	ContainerTimeout  time.Duration
	SettleTimeout     time.Duration
	PollInterval      time.Duration
	StableChecks      int
	Policy            Policy
}

// Scanner enumerates the catalog on an authenticated page.
type Scanner struct {
	cfg    Config
	events events.Emitter
}

// NewScanner returns a Scanner with defaults filled in.
func NewScanner(cfg Config, sink events.Sink) *Scanner {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.StableChecks <= 0 {
		cfg.StableChecks = 3
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyDual
	}
	return &Scanner{cfg: cfg, events: events.Emitter{Sink: sink}}
}

// Scan waits for the listing to settle and returns one entry per real row,
// in listing order.
func (s *Scanner) Scan(ctx context.Context, page browser.Page) ([]models.CatalogEntry, error) {
	count, err := s.Ready(ctx, page)
	if err != nil {
		return nil, err
	}

	entries := make([]models.CatalogEntry, 0, count)
	placeholders := 0
	for i := 0; i < count; i++ {
		raw, err := page.Row(ctx, i)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			rowErr := &RowProcessingError{Row: i, Err: err}
			s.events.Warn(events.Fields{"row": i, "error": err.Error()}, "Skipping unreadable row: %v", rowErr)
			continue
		}
		raw.Index = i

		p := parseRow(raw, s.cfg.Policy)
		if p.placeholder {
			placeholders++
			continue
		}
		if p.ambiguous != "" {
			if s.cfg.Policy == PolicyDual {
				s.events.Warn(events.Fields{"title": p.entry.Title, "href": p.ambiguous},
					"Untyped download link used for both PDF and EPUB")
			} else {
				s.events.Debug(events.Fields{"title": p.entry.Title, "href": p.ambiguous},
					"Ignoring untyped download link")
			}
		}
		s.events.Debug(events.Fields{"title": p.entry.Title, "row": i, "formats": len(p.entry.Formats), "controls": len(p.entry.Controls)}, "Scanned row")
		entries = append(entries, p.entry)
	}

	s.events.Info(events.Fields{"entries": len(entries), "placeholders": placeholders}, "Found %d titles", len(entries))
	return entries, nil
}

// Ready waits for the listing container and for the row count to settle,
// returning the settled count.
func (s *Scanner) Ready(ctx context.Context, page browser.Page) (int, error) {
	if err := page.WaitVisible(ctx, s.cfg.ContainerSelector, s.cfg.ContainerTimeout); err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, &CatalogNotFoundError{Selector: s.cfg.ContainerSelector, Timeout: s.cfg.ContainerTimeout, Err: err}
	}
	return s.settle(ctx, page)
}

// settle polls the row count until it holds still for StableChecks polls.
// Running out of time is not an error; the last count is used.
func (s *Scanner) settle(ctx context.Context, page browser.Page) (int, error) {
	last, seen := -1, 0
	err := browser.Poll(ctx, s.cfg.SettleTimeout, s.cfg.PollInterval, func(ctx context.Context) (bool, error) {
		n, err := page.RowCount(ctx)
		if err != nil {
			return false, err
		}
		if n == last {
			seen++
		} else {
			last, seen = n, 1
		}
		return seen >= s.cfg.StableChecks, nil
	})
	switch {
	case err == nil:
		return last, nil
	case errors.Is(err, browser.ErrTimeout):
		s.events.Warn(events.Fields{"rows": last, "timeout": s.cfg.SettleTimeout.String()}, "Catalog still changing after %s, continuing with %d rows", s.cfg.SettleTimeout, last)
		if last < 0 {
			return 0, nil
		}
		return last, nil
	default:
		return 0, fmt.Errorf("counting catalog rows: %w", err)
	}
}

// Locate finds the current row of entry after a reload: by key when it has
// one, else by its original position if that row still carries its title.
func (s *Scanner) Locate(ctx context.Context, page browser.Page, entry models.CatalogEntry) (int, bool, error) {
	count, err := page.RowCount(ctx)
	if err != nil {
		return -1, false, err
	}

	if entry.Key != "" {
		for i := 0; i < count; i++ {
			raw, err := page.Row(ctx, i)
			if err != nil {
				continue
			}
			if RowKey(raw) == entry.Key {
				return i, true, nil
			}
		}
	}

	if entry.RowIndex >= 0 && entry.RowIndex < count {
		raw, err := page.Row(ctx, entry.RowIndex)
		if err != nil {
			return -1, false, nil
		}
		raw.Index = entry.RowIndex
		if entry.Key == "" || RowKey(raw) == "" {
			if p := parseRow(raw, s.cfg.Policy); !p.placeholder && p.entry.Title == entry.Title {
				return entry.RowIndex, true, nil
			}
		}
	}
	return -1, false, nil
}
