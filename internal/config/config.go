package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go-bookshelf-download/internal/browser"
	"go-bookshelf-download/internal/catalog"
	"go-bookshelf-download/internal/downloader"
	"go-bookshelf-download/internal/models"
	"go-bookshelf-download/internal/orchestrator"
	"go-bookshelf-download/internal/resolver"
	"go-bookshelf-download/internal/session"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Default values for configuration
const (
	DefaultSavePath       = "books"
	DefaultDatabaseName   = "bookshelf.db"  // Relative to SavePath if not absolute
	DefaultIndexName      = "catalog.bleve" // Relative to SavePath if not absolute
	DefaultDebugDirName   = "debug"
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "text"
	DefaultConfigFilePath = "config.toml"
	DefaultEnvPrefix      = "BOOKSHELF"

	// Site defaults target a Manning-style dashboard
	DefaultSiteName              = "manning"
	DefaultSiteLoginURL          = "https://login.manning.com/login"
	DefaultSiteLibraryURL        = "https://www.manning.com/dashboard"
	DefaultSiteContainerSelector = "#productTable"
	DefaultSiteRowSelector       = "#productTable .product-row"
	DefaultSiteControlSelector   = ".dropdown-toggle"
	DefaultSiteSubmitSelector    = `button[type="submit"]`

	DefaultBrowserHeadless     = true
	DefaultBrowserWindowWidth  = 1366
	DefaultBrowserWindowHeight = 900

	DefaultSessionProbeTimeoutSec = 15
	DefaultSessionLoginTimeoutSec = 60

	DefaultCatalogAmbiguousLinks      = "dual"
	DefaultCatalogContainerTimeoutSec = 30
	DefaultCatalogSettleTimeoutSec    = 15
	DefaultCatalogPollIntervalMs      = 500
	DefaultCatalogStableChecks        = 3

	DefaultResolverLinkTimeoutMs = 3000

	DefaultDownloadLimit              = 0 // 0 means every selected entry
	DefaultDownloadPacingMs           = 1500
	DefaultDownloadVisibleTimeoutMs   = 5000
	DefaultDownloadPDFTimeoutSec      = 45
	DefaultDownloadEPUBTimeoutSec     = 90
	DefaultDownloadCompleteTimeoutSec = 600
	DefaultDownloadSkipExisting       = false
)

// DefaultFormats are the formats requested when none are configured.
var DefaultFormats = []string{"PDF", "EPUB"}

// setViperDefaults configures Viper with the application's default values.
func setViperDefaults(v *viper.Viper) {
	v.SetDefault("savepath", DefaultSavePath)
	v.SetDefault("databasepath", "") // Derived from SavePath later
	v.SetDefault("indexpath", "")
	v.SetDefault("debugdir", "")
	v.SetDefault("loglevel", DefaultLogLevel)
	v.SetDefault("logformat", DefaultLogFormat)
	v.SetDefault("logcdp", false)

	// Site defaults
	v.SetDefault("site.name", DefaultSiteName)
	v.SetDefault("site.loginurl", DefaultSiteLoginURL)
	v.SetDefault("site.libraryurl", DefaultSiteLibraryURL)
	v.SetDefault("site.containerselector", DefaultSiteContainerSelector)
	v.SetDefault("site.rowselector", DefaultSiteRowSelector)
	v.SetDefault("site.controlselector", DefaultSiteControlSelector)
	v.SetDefault("site.submitselector", DefaultSiteSubmitSelector)

	// Browser defaults
	v.SetDefault("browser.execpath", "")
	v.SetDefault("browser.useragent", "")
	v.SetDefault("browser.windowwidth", DefaultBrowserWindowWidth)
	v.SetDefault("browser.windowheight", DefaultBrowserWindowHeight)
	v.SetDefault("browser.headless", DefaultBrowserHeadless)

	v.SetDefault("session.probetimeoutsec", DefaultSessionProbeTimeoutSec)
	v.SetDefault("session.logintimeoutsec", DefaultSessionLoginTimeoutSec)

	v.SetDefault("catalog.ambiguouslinks", DefaultCatalogAmbiguousLinks)
	v.SetDefault("catalog.containertimeoutsec", DefaultCatalogContainerTimeoutSec)
	v.SetDefault("catalog.settletimeoutsec", DefaultCatalogSettleTimeoutSec)
	v.SetDefault("catalog.pollintervalms", DefaultCatalogPollIntervalMs)
	v.SetDefault("catalog.stablechecks", DefaultCatalogStableChecks)

	v.SetDefault("resolver.linktimeoutms", DefaultResolverLinkTimeoutMs)

	// Download defaults
	v.SetDefault("download.formats", DefaultFormats)
	v.SetDefault("download.select", "")
	v.SetDefault("download.limit", DefaultDownloadLimit)
	v.SetDefault("download.pacingms", DefaultDownloadPacingMs)
	v.SetDefault("download.visibletimeoutms", DefaultDownloadVisibleTimeoutMs)
	v.SetDefault("download.pdftimeoutsec", DefaultDownloadPDFTimeoutSec)
	v.SetDefault("download.epubtimeoutsec", DefaultDownloadEPUBTimeoutSec)
	v.SetDefault("download.completetimeoutsec", DefaultDownloadCompleteTimeoutSec)
	v.SetDefault("download.skipexisting", DefaultDownloadSkipExisting)

	v.SetDefault("mirror.bucket", "")
	v.SetDefault("mirror.prefix", "")
	v.SetDefault("mirror.region", "")
	v.SetDefault("metrics.textfilepath", "")
	v.SetDefault("report.path", "")
}

// CliFlags holds pointers to values received from command-line flags.
// Nil fields indicate the flag was not provided by the user.
type CliFlags struct {
	// Global/Persistent Flags
	ConfigFilePath *string
	LogLevel       *string // --log-level
	LogFormat      *string // --log-format
	LogCDP         *bool   // --log-cdp
	SavePath       *string // --save-path

	// Command-specific flags nested
	Download *CliDownloadFlags
}

type CliDownloadFlags struct {
	Formats      *[]string // --formats
	Select       *string   // --select
	Limit        *int      // --limit
	Headless     *bool     // --headless
	SkipExisting *bool     // --skip-existing
	ReportPath   *string   // --report
	MetricsFile  *string   // --metrics-file
	PacingMs     *int      // --pacing
}

// DefaultConfig returns the configuration used when no file, env or flag
// overrides anything. Derived paths are left empty.
func DefaultConfig() models.Config {
	return models.Config{
		SavePath:  DefaultSavePath,
		LogLevel:  DefaultLogLevel,
		LogFormat: DefaultLogFormat,
		Site: models.SiteConfig{
			Name:              DefaultSiteName,
			LoginURL:          DefaultSiteLoginURL,
			LibraryURL:        DefaultSiteLibraryURL,
			ContainerSelector: DefaultSiteContainerSelector,
			RowSelector:       DefaultSiteRowSelector,
			ControlSelector:   DefaultSiteControlSelector,
			SubmitSelector:    DefaultSiteSubmitSelector,
		},
		Browser: models.BrowserConfig{
			WindowWidth:  DefaultBrowserWindowWidth,
			WindowHeight: DefaultBrowserWindowHeight,
			Headless:     DefaultBrowserHeadless,
		},
		Session: models.SessionConfig{
			ProbeTimeoutSec: DefaultSessionProbeTimeoutSec,
			LoginTimeoutSec: DefaultSessionLoginTimeoutSec,
		},
		Catalog: models.CatalogConfig{
			AmbiguousLinks:      DefaultCatalogAmbiguousLinks,
			ContainerTimeoutSec: DefaultCatalogContainerTimeoutSec,
			SettleTimeoutSec:    DefaultCatalogSettleTimeoutSec,
			PollIntervalMs:      DefaultCatalogPollIntervalMs,
			StableChecks:        DefaultCatalogStableChecks,
		},
		Resolver: models.ResolverConfig{
			LinkTimeoutMs: DefaultResolverLinkTimeoutMs,
		},
		Download: models.DownloadConfig{
			Formats:            append([]string(nil), DefaultFormats...),
			Limit:              DefaultDownloadLimit,
			PacingMs:           DefaultDownloadPacingMs,
			VisibleTimeoutMs:   DefaultDownloadVisibleTimeoutMs,
			PDFTimeoutSec:      DefaultDownloadPDFTimeoutSec,
			EPUBTimeoutSec:     DefaultDownloadEPUBTimeoutSec,
			CompleteTimeoutSec: DefaultDownloadCompleteTimeoutSec,
			SkipExisting:       DefaultDownloadSkipExisting,
		},
	}
}

// Initialize loads configuration based on defaults, config file, env and flags.
// Precedence: Flags > Env > Config File > Defaults.
func Initialize(flags CliFlags) (models.Config, error) {
	// --- 1. Establish Defaults ---
	finalCfg := DefaultConfig()
	log.Debugf("[Initialize] Applying default values. Current cfg.Download: %+v", finalCfg.Download)

	v := viper.New()
	v.SetEnvPrefix(DefaultEnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setViperDefaults(v)

	actualConfigFilePath := DefaultConfigFilePath
	if flags.ConfigFilePath != nil && *flags.ConfigFilePath != "" {
		actualConfigFilePath = *flags.ConfigFilePath
		log.Debugf("[Initialize] Using config file path from CLI flag: %s", actualConfigFilePath)
	} else {
		log.Debugf("[Initialize] Using default config file path: %s", actualConfigFilePath)
	}
	v.SetConfigFile(actualConfigFilePath)
	v.SetConfigType("toml")

	// --- 2. Config file ---
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
			log.Warnf("[Initialize] Config file '%s' not found. Using defaults and CLI flags only.", actualConfigFilePath)
		} else {
			log.Warnf("[Initialize] Error reading config file '%s': %v. Using defaults and CLI flags only.", actualConfigFilePath, err)
		}
	} else {
		log.Infof("[Initialize] Successfully read config file: %s", v.ConfigFileUsed())
	}

	// Unmarshal regardless of the file outcome so env and defaults still apply.
	if err := v.Unmarshal(&finalCfg); err != nil {
		log.Errorf("[Initialize] Failed to unmarshal config from Viper: %v", err)
		return models.Config{}, fmt.Errorf("failed to unmarshal config from viper: %w", err)
	}
	log.Debugf("[Initialize] After file and env. cfg.Download: %+v", finalCfg.Download)

	// --- 3. Override with CLI Flags ---
	if flags.SavePath != nil {
		log.Debugf("[Initialize] Overriding SavePath from flag: '%s'", *flags.SavePath)
		finalCfg.SavePath = *flags.SavePath
	}
	if flags.LogLevel != nil {
		log.Debugf("[Initialize] Overriding LogLevel from flag: '%s'", *flags.LogLevel)
		finalCfg.LogLevel = *flags.LogLevel
	}
	if flags.LogFormat != nil {
		log.Debugf("[Initialize] Overriding LogFormat from flag: '%s'", *flags.LogFormat)
		finalCfg.LogFormat = *flags.LogFormat
	}
	if flags.LogCDP != nil {
		log.Debugf("[Initialize] Overriding LogCDP from flag: %v", *flags.LogCDP)
		finalCfg.LogCDP = *flags.LogCDP
	}

	if flags.Download != nil {
		d := flags.Download
		if d.Formats != nil && len(*d.Formats) > 0 {
			finalCfg.Download.Formats = *d.Formats
			log.Debugf("[Initialize] CLI Override: Download.Formats = %v", finalCfg.Download.Formats)
		}
		if d.Select != nil {
			finalCfg.Download.Select = *d.Select
			log.Debugf("[Initialize] CLI Override: Download.Select = '%s'", finalCfg.Download.Select)
		}
		if d.Limit != nil {
			finalCfg.Download.Limit = *d.Limit
			log.Debugf("[Initialize] CLI Override: Download.Limit = %d", finalCfg.Download.Limit)
		}
		if d.PacingMs != nil {
			finalCfg.Download.PacingMs = *d.PacingMs
			log.Debugf("[Initialize] CLI Override: Download.PacingMs = %d", finalCfg.Download.PacingMs)
		}
		if d.SkipExisting != nil {
			finalCfg.Download.SkipExisting = *d.SkipExisting
			log.Debugf("[Initialize] CLI Override: Download.SkipExisting = %t", finalCfg.Download.SkipExisting)
		}
		if d.Headless != nil {
			finalCfg.Browser.Headless = *d.Headless
			log.Debugf("[Initialize] CLI Override: Browser.Headless = %t", finalCfg.Browser.Headless)
		}
		if d.ReportPath != nil {
			finalCfg.Report.Path = *d.ReportPath
			log.Debugf("[Initialize] CLI Override: Report.Path = '%s'", finalCfg.Report.Path)
		}
		if d.MetricsFile != nil {
			finalCfg.Metrics.TextfilePath = *d.MetricsFile
			log.Debugf("[Initialize] CLI Override: Metrics.TextfilePath = '%s'", finalCfg.Metrics.TextfilePath)
		}
	}

	// --- 4. Derive Default Paths if Empty ---
	if finalCfg.DatabasePath == "" {
		finalCfg.DatabasePath = filepath.Join(finalCfg.SavePath, DefaultDatabaseName)
		log.Debugf("[Initialize] DatabasePath defaulted based on final SavePath: %s", finalCfg.DatabasePath)
	}
	if finalCfg.IndexPath == "" {
		finalCfg.IndexPath = filepath.Join(finalCfg.SavePath, DefaultIndexName)
	}
	if finalCfg.DebugDir == "" {
		finalCfg.DebugDir = filepath.Join(finalCfg.SavePath, DefaultDebugDirName)
	}

	// --- 5. Validation ---
	if err := Validate(&finalCfg); err != nil {
		return models.Config{}, err
	}

	log.Debug("Configuration initialized successfully.")
	return finalCfg, nil
}

// Validate checks the values that would otherwise fail deep inside a run.
// Format names are normalised in place.
func Validate(cfg *models.Config) error {
	if cfg.SavePath == "" {
		return errors.New("SavePath cannot be empty (set via --save-path flag or SavePath in config)")
	}
	if cfg.Site.LibraryURL == "" || cfg.Site.LoginURL == "" {
		return errors.New("Site.LoginURL and Site.LibraryURL must be set")
	}
	if cfg.Site.ContainerSelector == "" || cfg.Site.RowSelector == "" || cfg.Site.ControlSelector == "" {
		return errors.New("Site selectors (ContainerSelector, RowSelector, ControlSelector) must be set")
	}

	positive := map[string]int{
		"Session.ProbeTimeoutSec":     cfg.Session.ProbeTimeoutSec,
		"Session.LoginTimeoutSec":     cfg.Session.LoginTimeoutSec,
		"Catalog.ContainerTimeoutSec": cfg.Catalog.ContainerTimeoutSec,
		"Catalog.SettleTimeoutSec":    cfg.Catalog.SettleTimeoutSec,
		"Catalog.PollIntervalMs":      cfg.Catalog.PollIntervalMs,
		"Catalog.StableChecks":        cfg.Catalog.StableChecks,
		"Resolver.LinkTimeoutMs":      cfg.Resolver.LinkTimeoutMs,
		"Download.VisibleTimeoutMs":   cfg.Download.VisibleTimeoutMs,
		"Download.PDFTimeoutSec":      cfg.Download.PDFTimeoutSec,
		"Download.EPUBTimeoutSec":     cfg.Download.EPUBTimeoutSec,
		"Download.CompleteTimeoutSec": cfg.Download.CompleteTimeoutSec,
	}
	for name, val := range positive {
		if val <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, val)
		}
	}
	if cfg.Download.Limit < 0 {
		return fmt.Errorf("Download.Limit cannot be negative, got %d", cfg.Download.Limit)
	}
	if cfg.Download.PacingMs < 0 {
		return fmt.Errorf("Download.PacingMs cannot be negative, got %d", cfg.Download.PacingMs)
	}

	formats, err := ParseFormats(cfg.Download.Formats)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(formats))
	for _, f := range formats {
		names = append(names, string(f))
	}
	cfg.Download.Formats = names

	if _, err := catalog.ParsePolicy(cfg.Catalog.AmbiguousLinks); err != nil {
		return err
	}
	switch strings.ToLower(cfg.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("unknown LogFormat %q (expected text or json)", cfg.LogFormat)
	}
	return nil
}

// ParseFormats parses and de-duplicates format names. Entries may themselves
// be comma separated, as env values arrive that way. An empty list means
// every format.
func ParseFormats(names []string) ([]models.Format, error) {
	seen := make(map[models.Format]bool)
	var out []models.Format
	for _, raw := range names {
		for _, part := range strings.Split(raw, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			f, err := models.ParseFormat(part)
			if err != nil {
				return nil, err
			}
			if !seen[f] {
				seen[f] = true
				out = append(out, f)
			}
		}
	}
	if len(out) == 0 {
		return append([]models.Format(nil), models.AllFormats...), nil
	}
	return out, nil
}

// WriteDefault writes the default configuration to path as TOML. It refuses
// to replace an existing file unless force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file %s already exists (use --force to overwrite)", path)
		}
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating config dir: %w", err)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating config file: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(DefaultConfig()); err != nil {
		return fmt.Errorf("encoding default config: %w", err)
	}
	log.Infof("Wrote default configuration to %s", path)
	return nil
}

func seconds(n int) time.Duration      { return time.Duration(n) * time.Second }
func milliseconds(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// SessionConfig builds the session manager settings. The catalog container
// doubles as the authenticated-content marker.
func SessionConfig(cfg models.Config) session.Config {
	return session.Config{
		Site:           cfg.Site.Name,
		LoginURL:       cfg.Site.LoginURL,
		ProtectedURL:   cfg.Site.LibraryURL,
		MarkerSelector: cfg.Site.ContainerSelector,
		SubmitSelector: cfg.Site.SubmitSelector,
		ProbeTimeout:   seconds(cfg.Session.ProbeTimeoutSec),
		LoginTimeout:   seconds(cfg.Session.LoginTimeoutSec),
		PollInterval:   milliseconds(cfg.Catalog.PollIntervalMs),
	}
}

// CatalogConfig builds the scanner settings. The policy has already been
// validated by Initialize.
func CatalogConfig(cfg models.Config) catalog.Config {
	policy, err := catalog.ParsePolicy(cfg.Catalog.AmbiguousLinks)
	if err != nil {
		policy = catalog.PolicyDual
	}
	return catalog.Config{
		ContainerSelector: cfg.Site.ContainerSelector,
		ContainerTimeout:  seconds(cfg.Catalog.ContainerTimeoutSec),
		SettleTimeout:     seconds(cfg.Catalog.SettleTimeoutSec),
		PollInterval:      milliseconds(cfg.Catalog.PollIntervalMs),
		StableChecks:      cfg.Catalog.StableChecks,
		Policy:            policy,
	}
}

func ResolverConfig(cfg models.Config) resolver.Config {
	return resolver.Config{LinkTimeout: milliseconds(cfg.Resolver.LinkTimeoutMs)}
}

func DownloaderConfig(cfg models.Config) downloader.Config {
	return downloader.Config{
		OutputDir:       cfg.SavePath,
		DebugDir:        cfg.DebugDir,
		VisibleTimeout:  milliseconds(cfg.Download.VisibleTimeoutMs),
		PDFTimeout:      seconds(cfg.Download.PDFTimeoutSec),
		EPUBTimeout:     seconds(cfg.Download.EPUBTimeoutSec),
		CompleteTimeout: seconds(cfg.Download.CompleteTimeoutSec),
	}
}

// OrchestratorConfig builds the run settings; selection holds the 1-based
// catalog positions chosen by the user, nil for all.
func OrchestratorConfig(cfg models.Config, selection []int) (orchestrator.Config, error) {
	formats, err := ParseFormats(cfg.Download.Formats)
	if err != nil {
		return orchestrator.Config{}, err
	}
	return orchestrator.Config{
		LibraryURL:   cfg.Site.LibraryURL,
		Formats:      formats,
		Selection:    selection,
		Limit:        cfg.Download.Limit,
		Pacing:       milliseconds(cfg.Download.PacingMs),
		SkipExisting: cfg.Download.SkipExisting,
	}, nil
}

// BrowserOptions builds the Chrome launch options. Downloads are staged in
// a hidden directory under SavePath.
func BrowserOptions(cfg models.Config, plog *browser.ProtocolLog) browser.Options {
	return browser.Options{
		ExecPath:        cfg.Browser.ExecPath,
		UserAgent:       cfg.Browser.UserAgent,
		Headless:        cfg.Browser.Headless,
		WindowWidth:     cfg.Browser.WindowWidth,
		WindowHeight:    cfg.Browser.WindowHeight,
		StagingDir:      filepath.Join(cfg.SavePath, ".staging"),
		RowSelector:     cfg.Site.RowSelector,
		ControlSelector: cfg.Site.ControlSelector,
		ProtocolLog:     plog,
	}
}
