package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go-bookshelf-download/internal/browser"
	"go-bookshelf-download/internal/catalog"
	"go-bookshelf-download/internal/config"
	"go-bookshelf-download/internal/database"
	"go-bookshelf-download/internal/events"
	"go-bookshelf-download/internal/helpers"
	"go-bookshelf-download/internal/models"
	"go-bookshelf-download/internal/session"

	log "github.com/sirupsen/logrus"
	"golang.org/x/term"
)

// Environment variables consulted for credentials.
const (
	envEmail    = "BOOKSHELF_EMAIL"
	envPassword = "BOOKSHELF_PASSWORD"
)

// browserEnv is everything a browser-driven command needs.
type browserEnv struct {
	cfg      models.Config
	db       *database.DB
	page     *browser.ChromePage
	plog     *browser.ProtocolLog
	sink     events.Sink
	sessions *session.Manager
	scanner  *catalog.Scanner
}

// setupBrowserEnvironment creates the save path, opens the database and
// launches the browser. Close must be called on the result.
func setupBrowserEnvironment(ctx context.Context, cfg models.Config) (*browserEnv, error) {
	if !helpers.CheckAndMakeDir(cfg.SavePath) {
		return nil, fmt.Errorf("could not create save path %s", cfg.SavePath)
	}

	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	env := &browserEnv{cfg: cfg, db: db, sink: events.NewLogrusSink()}

	if cfg.LogCDP {
		plog, err := browser.NewProtocolLog(filepath.Join(cfg.SavePath, "cdp.log"))
		if err != nil {
			log.WithError(err).Error("Failed to open DevTools protocol log, logging disabled.")
		} else {
			env.plog = plog
		}
	}

	page, err := browser.Launch(ctx, config.BrowserOptions(cfg, env.plog))
	if err != nil {
		env.Close()
		return nil, err
	}
	env.page = page

	env.sessions = session.NewManager(config.SessionConfig(cfg), session.SQLiteStore{DB: db}, env.sink)
	env.scanner = catalog.NewScanner(config.CatalogConfig(cfg), env.sink)
	return env, nil
}

func (e *browserEnv) Close() {
	if e.page != nil {
		e.page.Close()
	}
	if e.plog != nil {
		_ = e.plog.Close()
	}
	if e.db != nil {
		if err := e.db.Close(); err != nil {
			log.WithError(err).Warn("Error closing database")
		}
	}
}

// credentialPrompt supplies credentials on demand: flag or environment
// first, then an interactive prompt for whatever is missing. The secret is
// read without echo when stdin is a terminal.
type credentialPrompt struct {
	email  string
	in     io.Reader
	out    io.Writer
	getenv func(string) string
	// readSecret reads a password without echo; nil falls back to a line read.
	readSecret func() (string, error)
}

func newCredentialPrompt(email string) *credentialPrompt {
	p := &credentialPrompt{email: email, in: os.Stdin, out: os.Stderr, getenv: os.Getenv}
	if fd := int(os.Stdin.Fd()); term.IsTerminal(fd) {
		p.readSecret = func() (string, error) {
			b, err := term.ReadPassword(fd)
			return string(b), err
		}
	}
	return p
}

// Credentials is passed to the session manager, which only calls it when
// no stored session can be resumed.
func (p *credentialPrompt) Credentials() (models.Credentials, error) {
	creds := models.Credentials{
		Identifier: strings.TrimSpace(p.email),
		Secret:     p.getenv(envPassword),
	}
	if creds.Identifier == "" {
		creds.Identifier = strings.TrimSpace(p.getenv(envEmail))
	}

	reader := bufio.NewReader(p.in)
	if creds.Identifier == "" {
		fmt.Fprint(p.out, "Email: ")
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			return models.Credentials{}, fmt.Errorf("reading email: %w", err)
		}
		creds.Identifier = strings.TrimSpace(line)
	}
	if creds.Secret == "" {
		fmt.Fprint(p.out, "Password: ")
		var err error
		if p.readSecret != nil {
			creds.Secret, err = p.readSecret()
			fmt.Fprintln(p.out)
		} else {
			var line string
			line, err = reader.ReadString('\n')
			if err == io.EOF && line != "" {
				err = nil
			}
			creds.Secret = strings.TrimRight(line, "\r\n")
		}
		if err != nil {
			return models.Credentials{}, fmt.Errorf("reading password: %w", err)
		}
	}

	if err := creds.Validate(); err != nil {
		return models.Credentials{}, err
	}
	return creds, nil
}
