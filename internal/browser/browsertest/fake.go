// Package browsertest provides an in-memory browser.Page for tests.
package browsertest

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go-bookshelf-download/internal/browser"
	"go-bookshelf-download/internal/models"
)

// Row is one scripted catalog row. Menus maps a control index to the hrefs
// that become visible while that control is open.
type Row struct {
	Raw   browser.RawRow
	Menus map[int][]string
}

// Transfer scripts what happens when a link is clicked.
type Transfer struct {
	Name       string
	Content    []byte
	NeverStart bool
	// Popups are targets opened as a side effect of the click.
	Popups []browser.Target
	// Fail makes SaveAs return this error.
	Fail error
}

// FakePage is a scripted browser.Page. The zero value is an empty page;
// tests fill the exported fields before use.
type FakePage struct {
	mu sync.Mutex

	URL     string
	Visible map[string]bool
	Rows    []Row
	// RowCounts, when set, is consumed by RowCount one value per call; the
	// last value repeats.
	RowCounts []int
	RowErrors map[int]error

	Fields    map[string]bool
	Filled    map[string]string
	Clickable map[string]bool

	Jar     []models.Cookie
	Applied []models.Cookie
	// CookieErr makes SetCookies fail without applying anything.
	CookieErr error

	Transfers      map[string]Transfer
	ScrollFailures int
	OpenError      error
	ExtraTargets   []browser.Target
	SnapshotErr    error

	// Hooks run after the matching operation.
	OnNavigate func(p *FakePage, url string)
	OnSubmit   func(p *FakePage)
	OnReload   func(p *FakePage)

	Calls   []string
	Reloads int
	Closed  []string

	open  *browser.ControlRef
	armed *fakeDownload
}

var _ browser.Page = (*FakePage)(nil)

// FieldKey names a locator in Fields and Filled.
func FieldKey(loc browser.FieldLocator) string {
	return fmt.Sprintf("%s#%d", loc.Selector, loc.Nth)
}

func (p *FakePage) record(format string, args ...interface{}) {
	p.Calls = append(p.Calls, fmt.Sprintf(format, args...))
}

// Count returns how many recorded calls start with prefix.
func (p *FakePage) Count(prefix string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.Calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// MenuOpen reports whether a control is currently open.
func (p *FakePage) MenuOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open != nil
}

// SetVisible toggles a selector's visibility.
func (p *FakePage) SetVisible(selector string, visible bool) {
	if p.Visible == nil {
		p.Visible = make(map[string]bool)
	}
	p.Visible[selector] = visible
}

func (p *FakePage) Navigate(_ context.Context, url string) error {
	p.mu.Lock()
	p.URL = url
	p.open = nil
	p.record("navigate:%s", url)
	hook := p.OnNavigate
	p.mu.Unlock()
	if hook != nil {
		hook(p, url)
	}
	return nil
}

func (p *FakePage) Reload(_ context.Context) error {
	p.mu.Lock()
	p.Reloads++
	p.open = nil
	p.record("reload")
	hook := p.OnReload
	p.mu.Unlock()
	if hook != nil {
		hook(p)
	}
	return nil
}

func (p *FakePage) Location(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.URL, nil
}

func (p *FakePage) WaitVisible(_ context.Context, selector string, _ time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("wait:%s", selector)
	if p.Visible[selector] {
		return nil
	}
	return browser.ErrTimeout
}

func (p *FakePage) SetCookies(_ context.Context, cookies []models.Cookie) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("set-cookies:%d", len(cookies))
	if p.CookieErr != nil {
		return p.CookieErr
	}
	p.Applied = append([]models.Cookie(nil), cookies...)
	return nil
}

func (p *FakePage) Cookies(context.Context) ([]models.Cookie, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.Cookie(nil), p.Jar...), nil
}

func (p *FakePage) FieldPresent(_ context.Context, loc browser.FieldLocator) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Fields[FieldKey(loc)], nil
}

func (p *FakePage) Fill(_ context.Context, loc browser.FieldLocator, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := FieldKey(loc)
	if !p.Fields[key] {
		return browser.ErrNotFound
	}
	if p.Filled == nil {
		p.Filled = make(map[string]string)
	}
	p.Filled[key] = value
	p.record("fill:%s", key)
	return nil
}

func (p *FakePage) ClickFirst(_ context.Context, selector string) (bool, error) {
	p.mu.Lock()
	if !p.Clickable[selector] {
		p.mu.Unlock()
		return false, nil
	}
	p.record("click-first:%s", selector)
	hook := p.OnSubmit
	p.mu.Unlock()
	if hook != nil {
		hook(p)
	}
	return true, nil
}

func (p *FakePage) PressEnter(_ context.Context, loc browser.FieldLocator) error {
	p.mu.Lock()
	p.record("enter:%s", FieldKey(loc))
	hook := p.OnSubmit
	p.mu.Unlock()
	if hook != nil {
		hook(p)
	}
	return nil
}

func (p *FakePage) RowCount(context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.RowCounts) > 0 {
		n := p.RowCounts[0]
		if len(p.RowCounts) > 1 {
			p.RowCounts = p.RowCounts[1:]
		}
		return n, nil
	}
	return len(p.Rows), nil
}

func (p *FakePage) Row(_ context.Context, index int) (browser.RawRow, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.RowErrors[index]; err != nil {
		return browser.RawRow{}, err
	}
	if index < 0 || index >= len(p.Rows) {
		return browser.RawRow{}, fmt.Errorf("row %d: %w", index, browser.ErrNotFound)
	}
	raw := p.Rows[index].Raw
	raw.Index = index
	return raw, nil
}

func (p *FakePage) OpenControl(_ context.Context, ref browser.ControlRef) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("open:%d:%d", ref.Row, ref.Index)
	if p.OpenError != nil {
		return p.OpenError
	}
	if ref.Row < 0 || ref.Row >= len(p.Rows) || ref.Index < 0 || ref.Index >= len(p.Rows[ref.Row].Raw.Controls) {
		return fmt.Errorf("control %d of row %d: %w", ref.Index, ref.Row, browser.ErrNotFound)
	}
	r := ref
	p.open = &r
	return nil
}

func (p *FakePage) CloseMenus(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.open = nil
	p.record("close-menus")
	return nil
}

func (p *FakePage) hasLink(token string) bool {
	if p.open == nil || token == "" {
		return false
	}
	for _, href := range p.Rows[p.open.Row].Menus[p.open.Index] {
		if strings.Contains(href, token) {
			return true
		}
	}
	return false
}

func (p *FakePage) HasLink(_ context.Context, token string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hasLink(token), nil
}

func (p *FakePage) ScrollLinkIntoView(_ context.Context, token string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("scroll:%s", token)
	if p.ScrollFailures > 0 {
		p.ScrollFailures--
		return browser.ErrTimeout
	}
	if !p.hasLink(token) {
		return fmt.Errorf("link %q: %w", token, browser.ErrNotFound)
	}
	return nil
}

func (p *FakePage) ClickLink(_ context.Context, token string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.hasLink(token) {
		return fmt.Errorf("link %q: %w", token, browser.ErrNotFound)
	}
	p.record("click:%s", token)
	tr, ok := p.Transfers[token]
	if !ok {
		return nil
	}
	p.ExtraTargets = append(p.ExtraTargets, tr.Popups...)
	if p.armed != nil && !tr.NeverStart {
		p.armed.start(tr)
	}
	return nil
}

func (p *FakePage) ExpectDownload(context.Context) (browser.Download, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("expect-download")
	d := &fakeDownload{page: p}
	p.armed = d
	return d, nil
}

func (p *FakePage) Targets(context.Context) ([]browser.Target, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := []browser.Target{{ID: "primary", Type: "page", URL: p.URL, Primary: true}}
	return append(out, p.ExtraTargets...), nil
}

func (p *FakePage) CloseTarget(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, t := range p.ExtraTargets {
		if t.ID == id {
			p.ExtraTargets = append(p.ExtraTargets[:i], p.ExtraTargets[i+1:]...)
			p.Closed = append(p.Closed, id)
			return nil
		}
	}
	return fmt.Errorf("target %s: %w", id, browser.ErrNotFound)
}

func (p *FakePage) Snapshot(context.Context) (browser.Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("snapshot")
	if p.SnapshotErr != nil {
		return browser.Snapshot{}, p.SnapshotErr
	}
	return browser.Snapshot{PNG: []byte("\x89PNG"), HTML: "<html><body>" + p.URL + "</body></html>"}, nil
}

type fakeDownload struct {
	page     *FakePage
	started  bool
	transfer Transfer
}

func (d *fakeDownload) start(tr Transfer) {
	d.started = true
	d.transfer = tr
}

// Started never blocks: a click either started the transfer synchronously
// or it never will.
func (d *fakeDownload) Started(context.Context) (string, error) {
	d.page.mu.Lock()
	defer d.page.mu.Unlock()
	if !d.started {
		return "", browser.ErrTimeout
	}
	return d.transfer.Name, nil
}

func (d *fakeDownload) SaveAs(_ context.Context, dest string) error {
	d.page.mu.Lock()
	tr := d.transfer
	d.page.mu.Unlock()
	if tr.Fail != nil {
		return tr.Fail
	}
	return os.WriteFile(dest, tr.Content, 0o644)
}

func (d *fakeDownload) Cancel() {
	d.page.mu.Lock()
	defer d.page.mu.Unlock()
	if d.page.armed == d {
		d.page.armed = nil
	}
}
