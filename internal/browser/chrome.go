package browser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go-bookshelf-download/internal/models"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	log "github.com/sirupsen/logrus"
)

// Options configure a Chrome launch.
type Options struct {
	ExecPath        string
	UserAgent       string
	Headless        bool
	WindowWidth     int
	WindowHeight    int
	StagingDir      string
	RowSelector     string
	ControlSelector string
	ProtocolLog     *ProtocolLog
}

// ChromePage implements Page over the Chrome DevTools protocol.
type ChromePage struct {
	ctx         context.Context
	cancelTab   context.CancelFunc
	cancelAlloc context.CancelFunc
	opts        Options

	mu      sync.Mutex
	pending []*chromeDownload
	byGUID  map[string]*chromeDownload
	// orphans are downloads that began with no listener armed; their staged
	// files are removed once Chrome finishes with them.
	orphans map[string]bool
}

var _ Page = (*ChromePage)(nil)

// Launch starts Chrome and returns its first tab. Downloads are staged in
// opts.StagingDir under their GUID until SaveAs moves them.
func Launch(ctx context.Context, opts Options) (*ChromePage, error) {
	if opts.StagingDir == "" {
		return nil, errors.New("browser: staging directory is required")
	}
	if err := os.MkdirAll(opts.StagingDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating staging dir: %w", err)
	}

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("lang", "en-US,en"),
	)
	if !opts.Headless {
		allocOpts = append(allocOpts,
			chromedp.Flag("headless", false),
			chromedp.Flag("hide-scrollbars", false),
			chromedp.Flag("mute-audio", false),
		)
	}
	if opts.WindowWidth > 0 && opts.WindowHeight > 0 {
		allocOpts = append(allocOpts, chromedp.WindowSize(opts.WindowWidth, opts.WindowHeight))
	}
	if opts.UserAgent != "" {
		allocOpts = append(allocOpts, chromedp.UserAgent(opts.UserAgent))
	}
	if opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, allocOpts...)

	ctxOpts := []chromedp.ContextOption{
		chromedp.WithLogf(log.Debugf),
		chromedp.WithErrorf(log.Errorf),
	}
	if opts.ProtocolLog != nil {
		ctxOpts = append(ctxOpts, chromedp.WithDebugf(opts.ProtocolLog.Logf))
	}
	tabCtx, cancelTab := chromedp.NewContext(allocCtx, ctxOpts...)

	p := &ChromePage{
		ctx:         tabCtx,
		cancelTab:   cancelTab,
		cancelAlloc: cancelAlloc,
		opts:        opts,
		byGUID:      make(map[string]*chromeDownload),
		orphans:     make(map[string]bool),
	}

	if err := chromedp.Run(tabCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		c := chromedp.FromContext(ctx)
		return browser.SetDownloadBehavior(browser.SetDownloadBehaviorBehaviorAllowAndName).
			WithDownloadPath(opts.StagingDir).
			WithEventsEnabled(true).
			Do(cdp.WithExecutor(ctx, c.Browser))
	})); err != nil {
		p.Close()
		return nil, fmt.Errorf("launching browser: %w", err)
	}

	chromedp.ListenBrowser(tabCtx, p.onBrowserEvent)
	log.Debugf("Browser started, staging downloads in %s", opts.StagingDir)
	return p, nil
}

// Close shuts the browser down and empties the staging directory.
func (p *ChromePage) Close() {
	p.cancelTab()
	p.cancelAlloc()
	sweepStaging(p.opts.StagingDir)
}

// sweepStaging removes whatever Chrome left in dir. The directory itself
// stays.
func sweepStaging(dir string) {
	if dir == "" {
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			log.WithError(err).Debugf("Could not remove staged file %s", e.Name())
		}
	}
}

// scope derives a context from the tab that honours ctx's deadline and cancellation.
func (p *ChromePage) scope(ctx context.Context) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithCancel(p.ctx)
	if dl, ok := ctx.Deadline(); ok {
		var cancelDl context.CancelFunc
		runCtx, cancelDl = context.WithDeadline(runCtx, dl)
		prev := cancel
		cancel = func() { cancelDl(); prev() }
	}
	stop := context.AfterFunc(ctx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}

func (p *ChromePage) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := p.scope(ctx)
	defer cancel()
	err := chromedp.Run(runCtx, actions...)
	if err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

func (p *ChromePage) eval(ctx context.Context, script string, res interface{}) error {
	return p.run(ctx, chromedp.Evaluate(script, res))
}

func (p *ChromePage) exists(ctx context.Context, expr string) (bool, error) {
	var ok bool
	if err := p.eval(ctx, existsExpr(expr), &ok); err != nil {
		return false, err
	}
	return ok, nil
}

func (p *ChromePage) Navigate(ctx context.Context, url string) error {
	return p.run(ctx, chromedp.Navigate(url))
}

func (p *ChromePage) Reload(ctx context.Context) error {
	return p.run(ctx, chromedp.Reload())
}

func (p *ChromePage) Location(ctx context.Context) (string, error) {
	var loc string
	err := p.run(ctx, chromedp.Location(&loc))
	return loc, err
}

func (p *ChromePage) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return p.run(ctx, chromedp.WaitVisible(selector, chromedp.ByQuery))
}

func (p *ChromePage) SetCookies(ctx context.Context, cookies []models.Cookie) error {
	params := make([]*network.CookieParam, 0, len(cookies))
	for _, c := range cookies {
		param := &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
			SameSite: network.CookieSameSite(c.SameSite),
		}
		if c.Expires > 0 {
			exp := cdp.TimeSinceEpoch(time.Unix(int64(c.Expires), 0))
			param.Expires = &exp
		}
		params = append(params, param)
	}
	return p.run(ctx, network.SetCookies(params))
}

func (p *ChromePage) Cookies(ctx context.Context) ([]models.Cookie, error) {
	var out []models.Cookie
	err := p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		cookies, err := network.GetCookies().Do(ctx)
		if err != nil {
			return err
		}
		for _, c := range cookies {
			out = append(out, models.Cookie{
				Name:     c.Name,
				Value:    c.Value,
				Domain:   c.Domain,
				Path:     c.Path,
				Expires:  c.Expires,
				HTTPOnly: c.HTTPOnly,
				Secure:   c.Secure,
				SameSite: string(c.SameSite),
			})
		}
		return nil
	}))
	return out, err
}

func fieldExpr(loc FieldLocator) string {
	sel := loc.Selector
	if sel == "" {
		sel = `form input:not([type="hidden"])`
	}
	return visibleNth(sel, loc.Nth)
}

func (p *ChromePage) FieldPresent(ctx context.Context, loc FieldLocator) (bool, error) {
	return p.exists(ctx, fieldExpr(loc))
}

func (p *ChromePage) Fill(ctx context.Context, loc FieldLocator, value string) error {
	expr := fieldExpr(loc)
	ok, err := p.exists(ctx, expr)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return p.run(ctx,
		chromedp.SetValue(expr, "", chromedp.ByJSPath),
		chromedp.SendKeys(expr, value, chromedp.ByJSPath),
	)
}

func (p *ChromePage) ClickFirst(ctx context.Context, selector string) (bool, error) {
	expr := visibleNth(selector, 0)
	ok, err := p.exists(ctx, expr)
	if err != nil || !ok {
		return false, err
	}
	return true, p.run(ctx, chromedp.Click(expr, chromedp.ByJSPath))
}

func (p *ChromePage) PressEnter(ctx context.Context, loc FieldLocator) error {
	return p.run(ctx, chromedp.SendKeys(fieldExpr(loc), kb.Enter, chromedp.ByJSPath))
}

func (p *ChromePage) RowCount(ctx context.Context) (int, error) {
	var n int
	err := p.eval(ctx, rowCountScript(p.opts.RowSelector), &n)
	return n, err
}

type rawRowResult struct {
	Found    bool   `json:"found"`
	Key      string `json:"key"`
	Classes  string `json:"classes"`
	Text     string `json:"text"`
	ImageAlt string `json:"imageAlt"`
	Links    []struct {
		Href     string `json:"href"`
		Text     string `json:"text"`
		Title    string `json:"title"`
		Aria     string `json:"aria"`
		Class    string `json:"class"`
		Download string `json:"download"`
	} `json:"links"`
	Controls []struct {
		Label string `json:"label"`
	} `json:"controls"`
}

func (p *ChromePage) Row(ctx context.Context, index int) (RawRow, error) {
	var res rawRowResult
	if err := p.eval(ctx, rowScript(p.opts.RowSelector, p.opts.ControlSelector, index), &res); err != nil {
		return RawRow{}, err
	}
	if !res.Found {
		return RawRow{}, fmt.Errorf("row %d: %w", index, ErrNotFound)
	}
	row := RawRow{
		Index:    index,
		Key:      res.Key,
		Classes:  res.Classes,
		Text:     res.Text,
		ImageAlt: res.ImageAlt,
	}
	for _, l := range res.Links {
		row.Links = append(row.Links, RawLink{Href: l.Href, Text: l.Text, Title: l.Title, Aria: l.Aria, Class: l.Class, Download: l.Download})
	}
	for _, c := range res.Controls {
		row.Controls = append(row.Controls, RawControl{Label: c.Label})
	}
	return row, nil
}

func (p *ChromePage) OpenControl(ctx context.Context, ref ControlRef) error {
	expr := controlExpr(p.opts.RowSelector, p.opts.ControlSelector, ref)
	ok, err := p.exists(ctx, expr)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("control %d of row %d: %w", ref.Index, ref.Row, ErrNotFound)
	}
	return p.run(ctx, chromedp.Click(expr, chromedp.ByJSPath))
}

// CloseMenus clicks an empty corner of the page and presses Escape.
func (p *ChromePage) CloseMenus(ctx context.Context) error {
	return p.run(ctx,
		chromedp.MouseClickXY(1, 1),
		chromedp.KeyEvent(kb.Escape),
	)
}

func (p *ChromePage) HasLink(ctx context.Context, token string) (bool, error) {
	return p.exists(ctx, linkExpr(token))
}

func (p *ChromePage) ScrollLinkIntoView(ctx context.Context, token string) error {
	expr := linkExpr(token)
	var scrolled bool
	if err := p.eval(ctx, scrollIntoViewScript(expr), &scrolled); err != nil {
		return err
	}
	if !scrolled {
		return fmt.Errorf("link %q: %w", token, ErrNotFound)
	}
	var inView bool
	if err := p.eval(ctx, linkInViewportScript(expr), &inView); err != nil {
		return err
	}
	if !inView {
		return fmt.Errorf("link %q not in viewport: %w", token, ErrNotFound)
	}
	return nil
}

// ClickLink dispatches a click on the element directly, ignoring overlays.
func (p *ChromePage) ClickLink(ctx context.Context, token string) error {
	var clicked bool
	if err := p.eval(ctx, forcedClickScript(linkExpr(token)), &clicked); err != nil {
		return err
	}
	if !clicked {
		return fmt.Errorf("link %q: %w", token, ErrNotFound)
	}
	return nil
}

func (p *ChromePage) Targets(ctx context.Context) ([]Target, error) {
	runCtx, cancel := p.scope(ctx)
	defer cancel()
	infos, err := chromedp.Targets(runCtx)
	if err != nil {
		return nil, err
	}
	primary := chromedp.FromContext(p.ctx).Target.TargetID
	out := make([]Target, 0, len(infos))
	for _, info := range infos {
		out = append(out, Target{
			ID:      string(info.TargetID),
			Type:    info.Type,
			URL:     info.URL,
			Primary: info.TargetID == primary,
		})
	}
	return out, nil
}

// CloseTarget attaches to the target and closes it by cancelling the attachment.
func (p *ChromePage) CloseTarget(ctx context.Context, id string) error {
	tid := target.ID(id)
	if tid == chromedp.FromContext(p.ctx).Target.TargetID {
		return errors.New("refusing to close the primary page")
	}
	tabCtx, cancel := chromedp.NewContext(p.ctx, chromedp.WithTargetID(tid))
	err := chromedp.Run(tabCtx)
	cancel()
	return err
}

func (p *ChromePage) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := p.run(ctx,
		chromedp.CaptureScreenshot(&snap.PNG),
		chromedp.OuterHTML("html", &snap.HTML, chromedp.ByQuery),
	)
	return snap, err
}

// ExpectDownload arms a listener for the next download the browser begins.
func (p *ChromePage) ExpectDownload(ctx context.Context) (Download, error) {
	d := &chromeDownload{
		page:    p,
		started: make(chan string, 1),
		done:    make(chan error, 1),
	}
	p.mu.Lock()
	p.pending = append(p.pending, d)
	p.mu.Unlock()
	return d, nil
}

// onBrowserEvent runs on chromedp's event goroutine and must not block.
func (p *ChromePage) onBrowserEvent(ev interface{}) {
	switch ev := ev.(type) {
	case *browser.EventDownloadWillBegin:
		p.mu.Lock()
		defer p.mu.Unlock()
		if len(p.pending) == 0 {
			log.Debugf("Discarding unexpected download %s (%s)", ev.GUID, ev.SuggestedFilename)
			p.orphans[ev.GUID] = true
			return
		}
		d := p.pending[0]
		p.pending = p.pending[1:]
		d.guid = ev.GUID
		p.byGUID[ev.GUID] = d
		d.started <- ev.SuggestedFilename

	case *browser.EventDownloadProgress:
		if ev.State == browser.DownloadProgressStateInProgress {
			return
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.orphans[ev.GUID] {
			delete(p.orphans, ev.GUID)
			if err := os.Remove(filepath.Join(p.opts.StagingDir, ev.GUID)); err != nil && !os.IsNotExist(err) {
				log.WithError(err).Debugf("Could not remove unexpected download %s", ev.GUID)
			}
			return
		}
		d, ok := p.byGUID[ev.GUID]
		if !ok {
			return
		}
		delete(p.byGUID, ev.GUID)
		if ev.State == browser.DownloadProgressStateCompleted {
			d.done <- nil
		} else {
			d.done <- fmt.Errorf("download %s ended in state %s", ev.GUID, ev.State)
		}
	}
}

// forget drops d from the listener tables and returns its GUID, if any.
func (p *ChromePage) forget(d *chromeDownload) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.pending {
		if w == d {
			p.pending = append(p.pending[:i], p.pending[i+1:]...)
			break
		}
	}
	if d.guid != "" {
		delete(p.byGUID, d.guid)
	}
	return d.guid
}

type chromeDownload struct {
	page    *ChromePage
	guid    string
	started chan string
	done    chan error
}

func (d *chromeDownload) Started(ctx context.Context) (string, error) {
	select {
	case name := <-d.started:
		return name, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", ErrTimeout
		}
		return "", ctx.Err()
	}
}

func (d *chromeDownload) SaveAs(ctx context.Context, dest string) error {
	select {
	case err := <-d.done:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrTimeout
		}
		return ctx.Err()
	}
	staged := filepath.Join(d.page.opts.StagingDir, d.guid)
	return moveFile(staged, dest)
}

func (d *chromeDownload) Cancel() {
	guid := d.page.forget(d)
	if guid == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.page.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		c := chromedp.FromContext(ctx)
		return browser.CancelDownload(guid).Do(cdp.WithExecutor(ctx, c.Browser))
	})); err != nil {
		log.WithError(err).Debugf("Cancel download %s", guid)
	}
	_ = os.Remove(filepath.Join(d.page.opts.StagingDir, guid))
}

// moveFile renames src to dest, copying when they are on different devices.
func moveFile(src, dest string) error {
	if err := os.Rename(src, dest); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening staged file: %w", err)
	}
	defer in.Close()

	tmp := dest + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating %s: %w", tmp, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("copying to %s: %w", tmp, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return err
	}
	in.Close()
	return os.Remove(src)
}
