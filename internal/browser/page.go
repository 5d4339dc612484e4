// Package browser defines the page capability the core drives and its
// Chrome DevTools implementation.
package browser

import (
	"context"
	"errors"
	"time"

	"go-bookshelf-download/internal/models"
)

var (
	// ErrNotFound is returned when an element addressed by the caller does not exist.
	ErrNotFound = errors.New("element not found")
	// ErrTimeout is returned when a bounded wait expires.
	ErrTimeout = errors.New("timed out")
)

// FieldLocator addresses an input. An empty Selector means "the Nth visible
// input of the first form".
type FieldLocator struct {
	Selector string
	Nth      int
}

// ControlRef addresses one control within one catalog row.
type ControlRef struct {
	Row   int
	Index int
}

// RawLink is every attribute of an anchor the scanner inspects.
type RawLink struct {
	Href     string
	Text     string
	Title    string
	Aria     string
	Class    string
	Download string
}

// RawControl is a control as seen before activation.
type RawControl struct {
	Label string
}

// RawRow is a snapshot of one catalog row.
type RawRow struct {
	Index    int
	Key      string
	Classes  string
	Text     string
	ImageAlt string
	Links    []RawLink
	Controls []RawControl
}

// Target is a browsing context known to the browser.
type Target struct {
	ID      string
	Type    string
	URL     string
	Primary bool
}

// Snapshot is a diagnostic capture of the page.
type Snapshot struct {
	PNG  []byte
	HTML string
}

// Download is an armed download listener. Started blocks until the browser
// reports the transfer began; SaveAs blocks until it completes and moves the
// file to dest.
type Download interface {
	Started(ctx context.Context) (suggestedName string, err error)
	SaveAs(ctx context.Context, dest string) error
	Cancel()
}

// Page is the single browsing page shared by every component. Only one
// goroutine drives it at a time.
type Page interface {
	Navigate(ctx context.Context, url string) error
	Reload(ctx context.Context) error
	Location(ctx context.Context) (string, error)
	// WaitVisible waits until selector matches a visible element.
	WaitVisible(ctx context.Context, selector string, timeout time.Duration) error

	SetCookies(ctx context.Context, cookies []models.Cookie) error
	Cookies(ctx context.Context) ([]models.Cookie, error)

	FieldPresent(ctx context.Context, loc FieldLocator) (bool, error)
	Fill(ctx context.Context, loc FieldLocator, value string) error
	// ClickFirst clicks the first visible element matching selector and
	// reports whether one existed.
	ClickFirst(ctx context.Context, selector string) (bool, error)
	PressEnter(ctx context.Context, loc FieldLocator) error

	RowCount(ctx context.Context) (int, error)
	Row(ctx context.Context, index int) (RawRow, error)

	OpenControl(ctx context.Context, ref ControlRef) error
	CloseMenus(ctx context.Context) error
	// HasLink reports whether a visible link whose href contains token exists.
	HasLink(ctx context.Context, token string) (bool, error)
	ScrollLinkIntoView(ctx context.Context, token string) error
	ClickLink(ctx context.Context, token string) error

	ExpectDownload(ctx context.Context) (Download, error)
	Targets(ctx context.Context) ([]Target, error)
	CloseTarget(ctx context.Context, id string) error
	Snapshot(ctx context.Context) (Snapshot, error)
}

// Poll calls check every interval until it reports true, returns an error,
// or timeout elapses (ErrTimeout).
func Poll(ctx context.Context, timeout, interval time.Duration, check func(context.Context) (bool, error)) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		ok, err := check(ctx)
		if err != nil && ctx.Err() == nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return ErrTimeout
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
