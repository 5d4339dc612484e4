package models

import (
	"errors"
	"fmt"
	"net/mail"
	"sort"
	"strings"
	"time"
)

// ErrInvalidCredentials is returned by Credentials.Validate.
var ErrInvalidCredentials = errors.New("invalid credentials")

type (
	// Config holds the application's configuration settings.
	Config struct {
		SavePath     string         `toml:"SavePath" json:"SavePath"`
		DatabasePath string         `toml:"DatabasePath" json:"DatabasePath"`
		IndexPath    string         `toml:"IndexPath" json:"IndexPath"`
		DebugDir     string         `toml:"DebugDir" json:"DebugDir"`
		LogLevel     string         `toml:"LogLevel" json:"LogLevel"`
		LogFormat    string         `toml:"LogFormat" json:"LogFormat"`
		Site         SiteConfig     `toml:"Site" json:"Site"`
		Browser      BrowserConfig  `toml:"Browser" json:"Browser"`
		Session      SessionConfig  `toml:"Session" json:"Session"`
		Catalog      CatalogConfig  `toml:"Catalog" json:"Catalog"`
		Resolver     ResolverConfig `toml:"Resolver" json:"Resolver"`
		Download     DownloadConfig `toml:"Download" json:"Download"`
		Mirror       MirrorConfig   `toml:"Mirror" json:"Mirror"`
		Metrics      MetricsConfig  `toml:"Metrics" json:"Metrics"`
		Report       ReportConfig   `toml:"Report" json:"Report"`
		LogCDP       bool           `toml:"LogCDP" json:"LogCDP"`
	}

	// SiteConfig describes the storefront: where to log in, where the
	// purchased catalog lives and how its markup is recognised.
	SiteConfig struct {
		Name              string `toml:"Name" json:"Name"`
		LoginURL          string `toml:"LoginURL" json:"LoginURL"`
		LibraryURL        string `toml:"LibraryURL" json:"LibraryURL"`
		ContainerSelector string `toml:"ContainerSelector" json:"ContainerSelector"`
		RowSelector       string `toml:"RowSelector" json:"RowSelector"`
		ControlSelector   string `toml:"ControlSelector" json:"ControlSelector"`
		SubmitSelector    string `toml:"SubmitSelector" json:"SubmitSelector"`
	}

	// BrowserConfig controls the Chrome instance driven over CDP.
	BrowserConfig struct {
		ExecPath     string `toml:"ExecPath" json:"ExecPath"`
		UserAgent    string `toml:"UserAgent" json:"UserAgent"`
		WindowWidth  int    `toml:"WindowWidth" json:"WindowWidth"`
		WindowHeight int    `toml:"WindowHeight" json:"WindowHeight"`
		Headless     bool   `toml:"Headless" json:"Headless"`
	}

	// SessionConfig holds the login and resume timeouts.
	SessionConfig struct {
		ProbeTimeoutSec int `toml:"ProbeTimeoutSec" json:"ProbeTimeoutSec"`
		LoginTimeoutSec int `toml:"LoginTimeoutSec" json:"LoginTimeoutSec"`
	}

	// CatalogConfig controls how the listing is awaited and parsed.
	CatalogConfig struct {
		AmbiguousLinks      string `toml:"AmbiguousLinks" json:"AmbiguousLinks"`
		ContainerTimeoutSec int    `toml:"ContainerTimeoutSec" json:"ContainerTimeoutSec"`
		SettleTimeoutSec    int    `toml:"SettleTimeoutSec" json:"SettleTimeoutSec"`
		PollIntervalMs      int    `toml:"PollIntervalMs" json:"PollIntervalMs"`
		StableChecks        int    `toml:"StableChecks" json:"StableChecks"`
	}

	// ResolverConfig controls how long an opened control is given to reveal its link.
	ResolverConfig struct {
		LinkTimeoutMs int `toml:"LinkTimeoutMs" json:"LinkTimeoutMs"`
	}

	// DownloadConfig holds settings specific to the 'download' command.
	DownloadConfig struct {
		Formats            []string `toml:"Formats" json:"Formats"`
		Select             string   `toml:"Select" json:"Select"`
		Limit              int      `toml:"Limit" json:"Limit"`
		PacingMs           int      `toml:"PacingMs" json:"PacingMs"`
		VisibleTimeoutMs   int      `toml:"VisibleTimeoutMs" json:"VisibleTimeoutMs"`
		PDFTimeoutSec      int      `toml:"PDFTimeoutSec" json:"PDFTimeoutSec"`
		EPUBTimeoutSec     int      `toml:"EPUBTimeoutSec" json:"EPUBTimeoutSec"`
		CompleteTimeoutSec int      `toml:"CompleteTimeoutSec" json:"CompleteTimeoutSec"`
		SkipExisting       bool     `toml:"SkipExisting" json:"SkipExisting"`
	}

	// MirrorConfig enables uploading saved books to S3.
	MirrorConfig struct {
		Bucket string `toml:"Bucket" json:"Bucket"`
		Prefix string `toml:"Prefix" json:"Prefix"`
		Region string `toml:"Region" json:"Region"`
	}

	// MetricsConfig controls the Prometheus textfile written after a run.
	MetricsConfig struct {
		TextfilePath string `toml:"TextfilePath" json:"TextfilePath"`
	}

	// ReportConfig controls the YAML run report.
	ReportConfig struct {
		Path string `toml:"Path" json:"Path"`
	}
)

// Credentials are supplied once per run and never persisted.
type Credentials struct {
	Identifier string
	Secret     string
}

// Validate checks that the identifier looks like an email address and the
// secret is not empty.
func (c Credentials) Validate() error {
	id := strings.TrimSpace(c.Identifier)
	if id == "" {
		return fmt.Errorf("%w: email is empty", ErrInvalidCredentials)
	}
	addr, err := mail.ParseAddress(id)
	if err != nil || addr.Address != id || !strings.Contains(addr.Address, "@") {
		return fmt.Errorf("%w: %q is not an email address", ErrInvalidCredentials, id)
	}
	if c.Secret == "" {
		return fmt.Errorf("%w: password is empty", ErrInvalidCredentials)
	}
	return nil
}

// Cookie is one session marker captured from the browser.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	SameSite string  `json:"sameSite,omitempty"`
}

// SessionToken is the full set of cookies captured after a successful login.
type SessionToken struct {
	Site       string    `json:"site"`
	Cookies    []Cookie  `json:"cookies"`
	CapturedAt time.Time `json:"capturedAt"`
}

// Empty reports whether the token carries no cookies.
func (t *SessionToken) Empty() bool {
	return t == nil || len(t.Cookies) == 0
}

// Format is a downloadable book format.
type Format string

const (
	FormatPDF  Format = "PDF"
	FormatEPUB Format = "EPUB"
)

// AllFormats lists the supported formats in processing order.
var AllFormats = []Format{FormatPDF, FormatEPUB}

// ParseFormat accepts a format name in any case.
func ParseFormat(s string) (Format, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case string(FormatPDF):
		return FormatPDF, nil
	case string(FormatEPUB):
		return FormatEPUB, nil
	}
	return "", fmt.Errorf("unknown format %q (expected pdf or epub)", s)
}

// Ext returns the lowercase file extension for the format.
func (f Format) Ext() string {
	return strings.ToLower(string(f))
}

// Control is a dropdown-like element found in a catalog row. Index is its
// position among the row's controls in document order.
type Control struct {
	Index int    `json:"index"`
	Label string `json:"label"`
}

// CatalogEntry is one purchased title discovered by a scan.
type CatalogEntry struct {
	Title     string            `json:"title"`
	Key       string            `json:"key,omitempty"`
	RowIndex  int               `json:"rowIndex"`
	Formats   map[Format]string `json:"formats"`
	Ambiguous map[Format]bool   `json:"ambiguous,omitempty"`
	Controls  []Control         `json:"controls"`
}

// SetFormat records a token for a format. Empty tokens are ignored so a
// format is never available without one.
func (e *CatalogEntry) SetFormat(f Format, token string) {
	if token == "" {
		return
	}
	if e.Formats == nil {
		e.Formats = make(map[Format]string)
	}
	e.Formats[f] = token
}

// Has reports whether the format is available.
func (e CatalogEntry) Has(f Format) bool {
	return e.Formats[f] != ""
}

// Token returns the format token recorded for f.
func (e CatalogEntry) Token(f Format) string {
	return e.Formats[f]
}

// Available returns the available formats in processing order.
func (e CatalogEntry) Available() []Format {
	var out []Format
	for _, f := range AllFormats {
		if e.Has(f) {
			out = append(out, f)
		}
	}
	return out
}

// FormatResolution is the outcome of matching a format to one control.
type FormatResolution struct {
	Success              bool
	ConsumedControlIndex int
}

// Unresolved is the resolution returned when no control matched.
func Unresolved() FormatResolution {
	return FormatResolution{Success: false, ConsumedControlIndex: -1}
}

// DownloadOutcome records one attempted format of one entry.
type DownloadOutcome struct {
	Format    Format `json:"format" yaml:"format"`
	Success   bool   `json:"success" yaml:"success"`
	Skipped   bool   `json:"skipped,omitempty" yaml:"skipped,omitempty"`
	SavedPath string `json:"savedPath,omitempty" yaml:"saved_path,omitempty"`
	Step      string `json:"step,omitempty" yaml:"step,omitempty"`
	Err       error  `json:"-" yaml:"-"`
}

// EntryResult groups the outcomes of one catalog entry.
type EntryResult struct {
	Entry    CatalogEntry
	Outcomes []DownloadOutcome
}

// Succeeded counts the successful outcomes of the entry.
func (r EntryResult) Succeeded() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Success {
			n++
		}
	}
	return n
}

// Failed counts the failed outcomes of the entry.
func (r EntryResult) Failed() int {
	return len(r.Outcomes) - r.Succeeded()
}

// Counts aggregates outcomes across a run.
type Counts struct {
	Entries   int `json:"entries" yaml:"entries"`
	Succeeded int `json:"succeeded" yaml:"succeeded"`
	Skipped   int `json:"skipped" yaml:"skipped"`
	Failed    int `json:"failed" yaml:"failed"`
}

// RunSummary is produced by every run, even when entries fail.
type RunSummary struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time
	Entries    []EntryResult
}

// Counts returns the overall success, skip and failure counts.
func (s *RunSummary) Counts() Counts {
	c := Counts{Entries: len(s.Entries)}
	for _, e := range s.Entries {
		for _, o := range e.Outcomes {
			switch {
			case o.Success && o.Skipped:
				c.Succeeded++
				c.Skipped++
			case o.Success:
				c.Succeeded++
			default:
				c.Failed++
			}
		}
	}
	return c
}

// HistoryRecord is one saved file as stored in the database.
type HistoryRecord struct {
	Title   string    `json:"title"`
	Format  Format    `json:"format"`
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	BLAKE3  string    `json:"blake3"`
	RunID   string    `json:"runId"`
	SavedAt time.Time `json:"savedAt"`
}

// SortedFormats returns the formats of a map in processing order.
func SortedFormats(m map[Format]string) []Format {
	out := make([]Format, 0, len(m))
	for f := range m {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return formatRank(out[i]) < formatRank(out[j]) })
	return out
}

func formatRank(f Format) int {
	for i, k := range AllFormats {
		if k == f {
			return i
		}
	}
	return len(AllFormats)
}
