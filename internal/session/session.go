// Package session establishes an authenticated browsing session, reusing a
// stored cookie set when it still works.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go-bookshelf-download/internal/browser"
	"go-bookshelf-download/internal/events"
	"go-bookshelf-download/internal/models"
)

// ErrAuthentication is the sentinel wrapped by every AuthenticationError.
var ErrAuthentication = errors.New("authentication failed")

// ErrNoToken is returned by a TokenStore that holds nothing for a site.
var ErrNoToken = errors.New("no stored session")

// AuthenticationError reports why an interactive login did not reach the
// protected page.
type AuthenticationError struct {
	Reason string
	Err    error
}

func (e *AuthenticationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication failed: %s: %v", e.Reason, e.Err)
	}
	return "authentication failed: " + e.Reason
}

func (e *AuthenticationError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrAuthentication, e.Err}
	}
	return []error{ErrAuthentication}
}

// TokenStore persists one SessionToken per site. Load returns ErrNoToken
// when nothing is stored.
type TokenStore interface {
	Load(site string) (*models.SessionToken, error)
	Save(tok *models.SessionToken) error
}

// Config holds the addresses and timeouts of the login flow.
type Config struct {
	Site           string
	LoginURL       string
	ProtectedURL   string
	MarkerSelector string
	SubmitSelector string
	ProbeTimeout   time.Duration
	LoginTimeout   time.Duration
	PollInterval   time.Duration
}

var (
	identifierLocators = []browser.FieldLocator{
		{Selector: `input[type="email"]`},
		{Selector: `input[name="username"]`},
		{Selector: `input[name="email"]`},
		{Nth: 0},
	}
	secretLocators = []browser.FieldLocator{
		{Selector: `input[type="password"]`},
		{Selector: `input[name="password"]`},
		{Nth: 1},
	}
)

// Manager owns the session lifecycle for one site.
type Manager struct {
	cfg    Config
	store  TokenStore
	events events.Emitter
	now    func() time.Time
}

// NewManager returns a Manager. store may be nil, in which case nothing is
// resumed or persisted.
func NewManager(cfg Config, store TokenStore, sink events.Sink) *Manager {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	return &Manager{cfg: cfg, store: store, events: events.Emitter{Sink: sink}, now: time.Now}
}

// TryResume applies the stored token and probes the protected page. It
// returns (nil, nil) when there is no usable token; a failed probe discards
// the token for this run without deleting it.
func (m *Manager) TryResume(ctx context.Context, page browser.Page) (*models.SessionToken, error) {
	if m.store == nil {
		return nil, nil
	}
	tok, err := m.store.Load(m.cfg.Site)
	if errors.Is(err, ErrNoToken) {
		m.events.Debug(events.Fields{"site": m.cfg.Site}, "No stored session")
		return nil, nil
	}
	if err != nil {
		m.events.Warn(events.Fields{"site": m.cfg.Site, "error": err.Error()}, "Could not read stored session")
		return nil, nil
	}
	if tok.Empty() {
		return nil, nil
	}

	if err := page.SetCookies(ctx, tok.Cookies); err != nil {
		return m.discard(ctx, err, "Could not apply stored session, logging in again")
	}
	if err := page.Navigate(ctx, m.cfg.ProtectedURL); err != nil {
		return m.discard(ctx, err, "Could not open the library with the stored session, logging in again")
	}
	if err := page.WaitVisible(ctx, m.cfg.MarkerSelector, m.cfg.ProbeTimeout); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		m.events.Info(events.Fields{"site": m.cfg.Site}, "Stored session is no longer valid, logging in again")
		return nil, nil
	}

	m.events.Success(events.Fields{"site": m.cfg.Site, "cookies": len(tok.Cookies)}, "Resumed stored session")
	return tok, nil
}

// discard drops the stored token for this run. Only cancellation is
// reported as an error.
func (m *Manager) discard(ctx context.Context, err error, msg string) (*models.SessionToken, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	m.events.Warn(events.Fields{"site": m.cfg.Site, "error": err.Error()}, "%s", msg)
	return nil, nil
}

// Authenticate performs an interactive login and persists the new token.
func (m *Manager) Authenticate(ctx context.Context, page browser.Page, creds models.Credentials) (*models.SessionToken, error) {
	if err := creds.Validate(); err != nil {
		return nil, &AuthenticationError{Reason: "invalid credentials", Err: err}
	}

	if err := page.Navigate(ctx, m.cfg.LoginURL); err != nil {
		return nil, &AuthenticationError{Reason: "could not open login page", Err: err}
	}

	idLoc, err := m.locate(ctx, page, identifierLocators)
	if err != nil {
		return nil, &AuthenticationError{Reason: "email field not found", Err: err}
	}
	secretLoc, err := m.locate(ctx, page, secretLocators)
	if err != nil {
		return nil, &AuthenticationError{Reason: "password field not found", Err: err}
	}

	if err := page.Fill(ctx, idLoc, creds.Identifier); err != nil {
		return nil, &AuthenticationError{Reason: "could not fill email", Err: err}
	}
	if err := page.Fill(ctx, secretLoc, creds.Secret); err != nil {
		return nil, &AuthenticationError{Reason: "could not fill password", Err: err}
	}

	clicked := false
	if m.cfg.SubmitSelector != "" {
		clicked, err = page.ClickFirst(ctx, m.cfg.SubmitSelector)
		if err != nil {
			return nil, &AuthenticationError{Reason: "could not submit login form", Err: err}
		}
	}
	if !clicked {
		if err := page.PressEnter(ctx, secretLoc); err != nil {
			return nil, &AuthenticationError{Reason: "could not submit login form", Err: err}
		}
	}

	if err := m.awaitProtected(ctx, page); err != nil {
		return nil, err
	}

	cookies, err := page.Cookies(ctx)
	if err != nil {
		return nil, &AuthenticationError{Reason: "could not capture session cookies", Err: err}
	}
	tok := &models.SessionToken{Site: m.cfg.Site, Cookies: cookies, CapturedAt: m.now()}

	if m.store != nil {
		if err := m.store.Save(tok); err != nil {
			m.events.Warn(events.Fields{"site": m.cfg.Site, "error": err.Error()}, "Could not persist session, continuing with it for this run")
		}
	}
	m.events.Success(events.Fields{"site": m.cfg.Site}, "Logged in")
	return tok, nil
}

// Establish resumes a stored session or, failing that, logs in with the
// credentials produced by creds. creds is not called when resume succeeds.
func (m *Manager) Establish(ctx context.Context, page browser.Page, creds func() (models.Credentials, error)) (*models.SessionToken, error) {
	tok, err := m.TryResume(ctx, page)
	if err != nil {
		return nil, err
	}
	if tok != nil {
		return tok, nil
	}
	c, err := creds()
	if err != nil {
		return nil, &AuthenticationError{Reason: "no credentials", Err: err}
	}
	return m.Authenticate(ctx, page, c)
}

func (m *Manager) locate(ctx context.Context, page browser.Page, cascade []browser.FieldLocator) (browser.FieldLocator, error) {
	for _, loc := range cascade {
		ok, err := page.FieldPresent(ctx, loc)
		if err != nil {
			return browser.FieldLocator{}, err
		}
		if ok {
			return loc, nil
		}
	}
	return browser.FieldLocator{}, browser.ErrNotFound
}

// awaitProtected waits for the browser to land on the protected page or
// show the authenticated marker.
func (m *Manager) awaitProtected(ctx context.Context, page browser.Page) error {
	err := browser.Poll(ctx, m.cfg.LoginTimeout, m.cfg.PollInterval, func(ctx context.Context) (bool, error) {
		loc, err := page.Location(ctx)
		if err == nil && m.cfg.ProtectedURL != "" && strings.HasPrefix(loc, m.cfg.ProtectedURL) {
			return true, nil
		}
		return page.WaitVisible(ctx, m.cfg.MarkerSelector, m.cfg.PollInterval) == nil, nil
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, browser.ErrTimeout) {
		loc, _ := page.Location(ctx)
		return &AuthenticationError{Reason: fmt.Sprintf("did not reach the library within %s (still at %s)", m.cfg.LoginTimeout, loc)}
	}
	return &AuthenticationError{Reason: "waiting for login", Err: err}
}
