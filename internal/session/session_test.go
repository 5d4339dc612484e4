package session

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go-bookshelf-download/internal/browser"
	"go-bookshelf-download/internal/browser/browsertest"
	"go-bookshelf-download/internal/database"
	"go-bookshelf-download/internal/events"
	"go-bookshelf-download/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	loginURL   = "https://books.example.com/login"
	libraryURL = "https://books.example.com/dashboard"
	marker     = "#productTable"
)

type memStore struct {
	tokens  map[string]*models.SessionToken
	saveErr error
	saves   int
}

func (s *memStore) Load(site string) (*models.SessionToken, error) {
	tok, ok := s.tokens[site]
	if !ok {
		return nil, ErrNoToken
	}
	return tok, nil
}

func (s *memStore) Save(tok *models.SessionToken) error {
	s.saves++
	if s.saveErr != nil {
		return s.saveErr
	}
	if s.tokens == nil {
		s.tokens = make(map[string]*models.SessionToken)
	}
	s.tokens[tok.Site] = tok
	return nil
}

func testConfig() Config {
	return Config{
		Site:           "books",
		LoginURL:       loginURL,
		ProtectedURL:   libraryURL,
		MarkerSelector: marker,
		SubmitSelector: `button[type="submit"]`,
		ProbeTimeout:   10 * time.Millisecond,
		LoginTimeout:   40 * time.Millisecond,
		PollInterval:   2 * time.Millisecond,
	}
}

var goodCreds = models.Credentials{Identifier: "reader@example.com", Secret: "hunter2"}

// loginPage scripts a login form. When accept is true, submitting lands on
// the library with fresh cookies.
func loginPage(accept bool) *browsertest.FakePage {
	page := &browsertest.FakePage{
		Fields: map[string]bool{
			browsertest.FieldKey(browser.FieldLocator{Selector: `input[type="email"]`}):    true,
			browsertest.FieldKey(browser.FieldLocator{Selector: `input[type="password"]`}): true,
		},
		Clickable: map[string]bool{`button[type="submit"]`: true},
	}
	page.OnSubmit = func(p *browsertest.FakePage) {
		if !accept {
			return
		}
		p.URL = libraryURL
		p.SetVisible(marker, true)
		p.Jar = []models.Cookie{{Name: "JSESSIONID", Value: "fresh", Domain: "books.example.com", Path: "/"}}
	}
	return page
}

func TestTryResume_NoToken(t *testing.T) {
	page := &browsertest.FakePage{}
	m := NewManager(testConfig(), &memStore{}, nil)

	tok, err := m.TryResume(context.Background(), page)
	require.NoError(t, err)
	assert.Nil(t, tok)
	assert.Zero(t, page.Count("set-cookies"))
}

func TestTryResume_ValidToken(t *testing.T) {
	stored := &models.SessionToken{Site: "books", Cookies: []models.Cookie{{Name: "JSESSIONID", Value: "old"}}}
	page := &browsertest.FakePage{Visible: map[string]bool{marker: true}}
	m := NewManager(testConfig(), &memStore{tokens: map[string]*models.SessionToken{"books": stored}}, nil)

	tok, err := m.TryResume(context.Background(), page)
	require.NoError(t, err)
	assert.Same(t, stored, tok)
	assert.Equal(t, stored.Cookies, page.Applied)
	assert.Equal(t, libraryURL, page.URL)
}

func TestEstablish_ResumeIsAllOrNothing(t *testing.T) {
	stored := &models.SessionToken{Site: "books", Cookies: []models.Cookie{{Name: "JSESSIONID", Value: "old"}}}
	page := &browsertest.FakePage{Visible: map[string]bool{marker: true}}
	store := &memStore{tokens: map[string]*models.SessionToken{"books": stored}}
	m := NewManager(testConfig(), store, nil)

	credsCalled := false
	tok, err := m.Establish(context.Background(), page, func() (models.Credentials, error) {
		credsCalled = true
		return goodCreds, nil
	})
	require.NoError(t, err)
	assert.Same(t, stored, tok)
	assert.False(t, credsCalled, "credentials must not be requested when resume succeeds")
	assert.Zero(t, page.Count("navigate:"+loginURL))
	assert.Zero(t, page.Count("fill:"))
	assert.Zero(t, store.saves)
}

func TestEstablish_ExpiredTokenReauthenticatesAndOverwrites(t *testing.T) {
	stored := &models.SessionToken{Site: "books", Cookies: []models.Cookie{{Name: "JSESSIONID", Value: "expired"}}}
	store := &memStore{tokens: map[string]*models.SessionToken{"books": stored}}
	page := loginPage(true)
	rec := &events.Recorder{}
	m := NewManager(testConfig(), store, rec)

	tok, err := m.Establish(context.Background(), page, func() (models.Credentials, error) { return goodCreds, nil })
	require.NoError(t, err)
	require.NotNil(t, tok)

	assert.Equal(t, 1, page.Count("navigate:"+loginURL))
	assert.Equal(t, 1, store.saves)
	assert.Equal(t, "fresh", store.tokens["books"].Cookies[0].Value, "new token overwrites the old one")
	assert.True(t, rec.Contains(events.Success, "Logged in"))
}

func TestEstablish_RejectedCookiesFallBackToLogin(t *testing.T) {
	stored := &models.SessionToken{Site: "books", Cookies: []models.Cookie{{Name: "JSESSIONID", Value: "old"}}}
	store := &memStore{tokens: map[string]*models.SessionToken{"books": stored}}
	page := loginPage(true)
	page.CookieErr = errors.New("Invalid cookie fields")
	rec := &events.Recorder{}
	m := NewManager(testConfig(), store, rec)

	tok, err := m.Establish(context.Background(), page, func() (models.Credentials, error) { return goodCreds, nil })
	require.NoError(t, err)
	require.NotNil(t, tok)

	assert.Equal(t, 1, page.Count("navigate:"+loginURL))
	assert.Equal(t, 1, store.saves)
	assert.Equal(t, "fresh", store.tokens["books"].Cookies[0].Value)
	assert.True(t, rec.Contains(events.Warning, "Could not apply stored session"))
}

func TestTryResume_CancelledContext(t *testing.T) {
	stored := &models.SessionToken{Site: "books", Cookies: []models.Cookie{{Name: "JSESSIONID", Value: "old"}}}
	page := &browsertest.FakePage{CookieErr: errors.New("context canceled")}
	m := NewManager(testConfig(), &memStore{tokens: map[string]*models.SessionToken{"books": stored}}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tok, err := m.TryResume(ctx, page)
	assert.Nil(t, tok)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAuthenticate_LocatorCascade(t *testing.T) {
	page := &browsertest.FakePage{
		Fields: map[string]bool{
			browsertest.FieldKey(browser.FieldLocator{Selector: `input[name="username"]`}): true,
			browsertest.FieldKey(browser.FieldLocator{Nth: 1}):                             true,
		},
	}
	page.OnSubmit = func(p *browsertest.FakePage) { p.URL = libraryURL }
	m := NewManager(testConfig(), nil, nil)

	_, err := m.Authenticate(context.Background(), page, goodCreds)
	require.NoError(t, err)

	assert.Equal(t, "reader@example.com", page.Filled[browsertest.FieldKey(browser.FieldLocator{Selector: `input[name="username"]`})])
	assert.Equal(t, "hunter2", page.Filled[browsertest.FieldKey(browser.FieldLocator{Nth: 1})])
	assert.Equal(t, 1, page.Count("enter:"), "falls back to Enter without a submit button")
}

func TestAuthenticate_Timeout(t *testing.T) {
	page := loginPage(false)
	page.URL = loginURL
	m := NewManager(testConfig(), &memStore{}, nil)

	tok, err := m.Authenticate(context.Background(), page, goodCreds)
	assert.Nil(t, tok)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAuthentication))

	var authErr *AuthenticationError
	require.True(t, errors.As(err, &authErr))
	assert.Contains(t, authErr.Reason, "did not reach the library")
}

func TestAuthenticate_UnrecognisedSurface(t *testing.T) {
	page := &browsertest.FakePage{}
	m := NewManager(testConfig(), nil, nil)

	_, err := m.Authenticate(context.Background(), page, goodCreds)
	assert.ErrorIs(t, err, ErrAuthentication)
	assert.ErrorIs(t, err, browser.ErrNotFound)
}

func TestAuthenticate_InvalidCredentials(t *testing.T) {
	page := loginPage(true)
	m := NewManager(testConfig(), nil, nil)

	_, err := m.Authenticate(context.Background(), page, models.Credentials{Identifier: "nope"})
	assert.ErrorIs(t, err, ErrAuthentication)
	assert.ErrorIs(t, err, models.ErrInvalidCredentials)
	assert.Empty(t, page.Calls, "nothing is typed for invalid credentials")
}

func TestAuthenticate_PersistFailureIsAWarning(t *testing.T) {
	store := &memStore{saveErr: errors.New("disk full")}
	rec := &events.Recorder{}
	m := NewManager(testConfig(), store, rec)

	tok, err := m.Authenticate(context.Background(), loginPage(true), goodCreds)
	require.NoError(t, err)
	assert.NotNil(t, tok)
	assert.True(t, rec.Contains(events.Warning, "Could not persist session"))
}

func TestSQLiteStore(t *testing.T) {
	db, err := database.Open(filepath.Join(t.TempDir(), "s.db"))
	require.NoError(t, err)
	defer db.Close()
	store := SQLiteStore{DB: db}

	_, err = store.Load("books")
	assert.ErrorIs(t, err, ErrNoToken)

	require.NoError(t, store.Save(&models.SessionToken{Site: "books", Cookies: []models.Cookie{{Name: "a", Value: "b"}}}))
	tok, err := store.Load("books")
	require.NoError(t, err)
	assert.Equal(t, "b", tok.Cookies[0].Value)
}
