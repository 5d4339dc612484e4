package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go-bookshelf-download/internal/browser"
	"go-bookshelf-download/internal/browser/browsertest"
	"go-bookshelf-download/internal/catalog"
	"go-bookshelf-download/internal/downloader"
	"go-bookshelf-download/internal/events"
	"go-bookshelf-download/internal/metrics"
	"go-bookshelf-download/internal/models"
	"go-bookshelf-download/internal/resolver"
	"go-bookshelf-download/internal/session"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	libraryURL = "https://books.example.com/account/library"
	container  = "#productTable"

	pdfToken  = "/dashboard/download?id=1234&downloadFormat=PDF"
	epubToken = "/dashboard/download?id=1234&downloadFormat=EPUB"
)

type stubSessions struct {
	err   error
	calls int
}

func (s *stubSessions) Establish(context.Context, browser.Page, func() (models.Credentials, error)) (*models.SessionToken, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &models.SessionToken{Site: "books", Cookies: []models.Cookie{{Name: "sid", Value: "x"}}}, nil
}

type memHistory struct {
	records []models.HistoryRecord
	err     error
}

func (h *memHistory) RecordDownload(rec models.HistoryRecord) error {
	if h.err != nil {
		return h.err
	}
	h.records = append(h.records, rec)
	return nil
}

type memMirror struct {
	paths []string
	err   error
}

func (m *memMirror) Upload(_ context.Context, path string, _ models.Format) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.paths = append(m.paths, path)
	return "s3://bucket/" + filepath.Base(path), nil
}

func grokkingRow() browsertest.Row {
	return browsertest.Row{
		Raw: browser.RawRow{
			Key:  "1234",
			Text: "Grokking Algorithms",
			Links: []browser.RawLink{
				{Href: "/books/grokking-algorithms", Text: "Grokking Algorithms"},
				{Href: pdfToken, Text: "pdf"},
				{Href: epubToken, Text: "epub"},
			},
			Controls: []browser.RawControl{{Label: "pdf"}, {Label: "epub"}},
		},
		Menus: map[int][]string{0: {pdfToken}, 1: {epubToken}},
	}
}

// noControlsRow has format links but nothing that reveals them.
func noControlsRow() browsertest.Row {
	return browsertest.Row{Raw: browser.RawRow{
		Key:  "1",
		Text: "Broken Row",
		Links: []browser.RawLink{
			{Href: "/books/broken-row", Text: "Broken Row"},
			{Href: "/dashboard/download?id=1&downloadFormat=PDF", Text: "pdf"},
		},
	}}
}

func grokkingTransfers() map[string]browsertest.Transfer {
	return map[string]browsertest.Transfer{
		pdfToken:  {Name: "grokking.pdf", Content: []byte("%PDF grokking")},
		epubToken: {Name: "grokking.epub", Content: []byte("PK epub grokking")},
	}
}

type harness struct {
	page     *browsertest.FakePage
	sessions *stubSessions
	history  *memHistory
	mirror   *memMirror
	metrics  *metrics.Recorder
	events   *events.Recorder
	out      string
	progress []Progress
}

func newHarness(t *testing.T, rows ...browsertest.Row) *harness {
	t.Helper()
	return &harness{
		page: &browsertest.FakePage{
			URL:       libraryURL,
			Visible:   map[string]bool{container: true},
			Rows:      rows,
			Transfers: grokkingTransfers(),
		},
		sessions: &stubSessions{},
		history:  &memHistory{},
		mirror:   &memMirror{},
		metrics:  metrics.New(),
		events:   &events.Recorder{},
		out:      t.TempDir(),
	}
}

func (h *harness) orchestrator(cfg Config) *Orchestrator {
	cfg.LibraryURL = libraryURL
	return New(cfg, Deps{
		Sessions: h.sessions,
		Scanner: catalog.NewScanner(catalog.Config{
			ContainerSelector: container,
			ContainerTimeout:  10 * time.Millisecond,
			SettleTimeout:     100 * time.Millisecond,
			PollInterval:      time.Millisecond,
			StableChecks:      2,
		}, h.events),
		Resolver: resolver.New(resolver.Config{LinkTimeout: 5 * time.Millisecond, PollInterval: time.Millisecond}, h.events),
		Executor: downloader.NewExecutor(downloader.Config{
			OutputDir:      h.out,
			VisibleTimeout: 10 * time.Millisecond,
			PDFTimeout:     10 * time.Millisecond,
			EPUBTimeout:    10 * time.Millisecond,
			PollInterval:   time.Millisecond,
		}, h.events),
		History:    h.history,
		Mirror:     h.mirror,
		Metrics:    h.metrics,
		Sink:       h.events,
		OnProgress: func(p Progress) { h.progress = append(h.progress, p) },
	})
}

func noCreds() (models.Credentials, error) {
	return models.Credentials{}, errors.New("not expected")
}

func TestRun_GrokkingAlgorithms(t *testing.T) {
	h := newHarness(t, grokkingRow())

	summary, err := h.orchestrator(Config{}).Run(context.Background(), h.page, noCreds)
	require.NoError(t, err)
	require.Len(t, summary.Entries, 1)
	assert.NotEmpty(t, summary.RunID)

	outcomes := summary.Entries[0].Outcomes
	require.Len(t, outcomes, 2)
	assert.Equal(t, models.FormatPDF, outcomes[0].Format)
	assert.Equal(t, models.FormatEPUB, outcomes[1].Format)
	for _, o := range outcomes {
		assert.True(t, o.Success, "format %s failed at %s: %v", o.Format, o.Step, o.Err)
	}

	pdf, err := os.ReadFile(filepath.Join(h.out, "Grokking Algorithms.pdf"))
	require.NoError(t, err)
	assert.Equal(t, "%PDF grokking", string(pdf))
	_, err = os.Stat(filepath.Join(h.out, "Grokking Algorithms.epub"))
	assert.NoError(t, err)

	// PDF came from control 0 and EPUB from control 1.
	assert.Equal(t, 1, h.page.Count("click:"+pdfToken))
	assert.Equal(t, 1, h.page.Count("click:"+epubToken))
	assert.Zero(t, h.page.Reloads)
	assert.False(t, h.page.MenuOpen())

	require.Len(t, h.history.records, 2)
	assert.Equal(t, summary.RunID, h.history.records[0].RunID)
	assert.Len(t, h.history.records[0].BLAKE3, 64)
	assert.Equal(t, int64(len("%PDF grokking")), h.history.records[0].Size)
	assert.Len(t, h.mirror.paths, 2)

	c := summary.Counts()
	assert.Equal(t, models.Counts{Entries: 1, Succeeded: 2}, c)
}

func TestRun_ZeroControlsDoesNotStopTheRun(t *testing.T) {
	h := newHarness(t, noControlsRow(), grokkingRow())

	summary, err := h.orchestrator(Config{}).Run(context.Background(), h.page, noCreds)
	require.NoError(t, err)
	require.Len(t, summary.Entries, 2)

	broken := summary.Entries[0]
	require.Len(t, broken.Outcomes, 1)
	assert.False(t, broken.Outcomes[0].Success)
	assert.Equal(t, downloader.StepResolve, broken.Outcomes[0].Step)
	assert.ErrorIs(t, broken.Outcomes[0].Err, resolver.ErrResolution)

	assert.Equal(t, 2, summary.Entries[1].Succeeded())
	assert.Equal(t, 2, h.page.Count("expect-download"), "the executor never ran for the broken row")
	assert.Equal(t, 1, h.page.Reloads)
	assert.True(t, h.events.Contains(events.Warning, "No control reveals"))
}

func TestProcess_StaleRowAfterReload(t *testing.T) {
	h := newHarness(t, noControlsRow(), grokkingRow())
	h.page.OnReload = func(p *browsertest.FakePage) {
		p.Rows = p.Rows[:1]
	}

	summary, err := h.orchestrator(Config{}).Run(context.Background(), h.page, noCreds)
	require.NoError(t, err)

	grokking := summary.Entries[1]
	require.Len(t, grokking.Outcomes, 2, "every requested format gets an outcome")
	for _, o := range grokking.Outcomes {
		assert.False(t, o.Success)
		assert.Equal(t, StepRelocate, o.Step)
		assert.ErrorIs(t, o.Err, ErrStaleRow)
		var stale *StaleRowError
		require.True(t, errors.As(o.Err, &stale))
		assert.Equal(t, "1234", stale.Key)
	}
	assert.Zero(t, h.page.Count("click:"))
}

func TestProcess_RelocatesMovedRow(t *testing.T) {
	h := newHarness(t, noControlsRow(), grokkingRow())
	h.page.OnReload = func(p *browsertest.FakePage) {
		p.Rows = []browsertest.Row{grokkingRow(), noControlsRow()}
	}

	summary, err := h.orchestrator(Config{}).Run(context.Background(), h.page, noCreds)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Entries[1].Succeeded())
	assert.Equal(t, 1, h.page.Count("open:0:0"), "PDF control opened at the relocated row")
	assert.Zero(t, h.page.Count("open:1:"))
}

func TestProcess_TransferTimeoutContinues(t *testing.T) {
	h := newHarness(t, grokkingRow())
	h.page.Transfers[pdfToken] = browsertest.Transfer{NeverStart: true}

	summary, err := h.orchestrator(Config{}).Run(context.Background(), h.page, noCreds)
	require.NoError(t, err)

	outcomes := summary.Entries[0].Outcomes
	require.Len(t, outcomes, 2)
	assert.ErrorIs(t, outcomes[0].Err, downloader.ErrTransferTimeout)
	assert.True(t, outcomes[1].Success, "EPUB still downloads after the PDF timed out")
	_, err = os.Stat(filepath.Join(h.out, "Grokking Algorithms.pdf"))
	assert.True(t, os.IsNotExist(err))
	expected := `
# HELP bookshelf_downloads_total Download attempts by format and status.
# TYPE bookshelf_downloads_total counter
bookshelf_downloads_total{format="EPUB",status="success"} 1
bookshelf_downloads_total{format="PDF",status="failed"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(h.metrics.Registry(), strings.NewReader(expected), "bookshelf_downloads_total"))
}

func TestProcess_SkipExisting(t *testing.T) {
	h := newHarness(t, grokkingRow())
	existing := filepath.Join(h.out, "Grokking Algorithms.pdf")
	require.NoError(t, os.WriteFile(existing, []byte("old"), 0o644))

	summary, err := h.orchestrator(Config{SkipExisting: true}).Run(context.Background(), h.page, noCreds)
	require.NoError(t, err)

	outcomes := summary.Entries[0].Outcomes
	require.Len(t, outcomes, 2)
	assert.True(t, outcomes[0].Success && outcomes[0].Skipped)
	assert.Equal(t, existing, outcomes[0].SavedPath)
	assert.True(t, outcomes[1].Success && !outcomes[1].Skipped)
	assert.Zero(t, h.page.Count("click:"+pdfToken))
	assert.Equal(t, models.Counts{Entries: 1, Succeeded: 2, Skipped: 1}, summary.Counts())

	data, _ := os.ReadFile(existing)
	assert.Equal(t, "old", string(data))
}

func TestProcess_RequestedFormatsOnly(t *testing.T) {
	h := newHarness(t, grokkingRow())

	summary, err := h.orchestrator(Config{Formats: []models.Format{models.FormatEPUB}}).Run(context.Background(), h.page, noCreds)
	require.NoError(t, err)

	outcomes := summary.Entries[0].Outcomes
	require.Len(t, outcomes, 1)
	assert.Equal(t, models.FormatEPUB, outcomes[0].Format)
	assert.True(t, outcomes[0].Success)
	assert.Zero(t, h.page.Count("open:0:0"), "the PDF control is never tried for EPUB")
}

func TestProcess_SideEffectFailuresAreWarnings(t *testing.T) {
	h := newHarness(t, grokkingRow())
	h.history.err = errors.New("database is locked")
	h.mirror.err = errors.New("access denied")

	summary, err := h.orchestrator(Config{Formats: []models.Format{models.FormatPDF}}).Run(context.Background(), h.page, noCreds)
	require.NoError(t, err)

	assert.True(t, summary.Entries[0].Outcomes[0].Success)
	assert.True(t, h.events.Contains(events.Warning, "Could not record download history"))
	assert.True(t, h.events.Contains(events.Warning, "Mirror upload failed"))
}

func TestProcess_Cancelled(t *testing.T) {
	h := newHarness(t, grokkingRow())
	o := h.orchestrator(Config{})
	entries, err := o.Scan(context.Background(), h.page)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	summary := o.Process(ctx, h.page, entries)

	require.Len(t, summary.Entries[0].Outcomes, 2)
	for _, out := range summary.Entries[0].Outcomes {
		assert.Equal(t, StepCancelled, out.Step)
		assert.ErrorIs(t, out.Err, context.Canceled)
	}
	assert.Zero(t, h.page.Count("click:"))
}

func TestRun_FatalErrors(t *testing.T) {
	t.Run("authentication", func(t *testing.T) {
		h := newHarness(t, grokkingRow())
		h.sessions.err = &session.AuthenticationError{Reason: "bad password"}

		summary, err := h.orchestrator(Config{}).Run(context.Background(), h.page, noCreds)
		assert.Nil(t, summary)
		assert.ErrorIs(t, err, session.ErrAuthentication)
		assert.Zero(t, h.page.Count("wait:"))
	})

	t.Run("catalog not found", func(t *testing.T) {
		h := newHarness(t, grokkingRow())
		h.page.Visible = nil

		summary, err := h.orchestrator(Config{}).Run(context.Background(), h.page, noCreds)
		assert.Nil(t, summary)
		assert.ErrorIs(t, err, catalog.ErrCatalogNotFound)
	})
}

func TestRun_NavigatesToLibrary(t *testing.T) {
	h := newHarness(t, grokkingRow())
	h.page.URL = "https://books.example.com/welcome"

	_, err := h.orchestrator(Config{Formats: []models.Format{models.FormatPDF}}).Run(context.Background(), h.page, noCreds)
	require.NoError(t, err)
	assert.Equal(t, 1, h.page.Count("navigate:"+libraryURL))
}

func TestSelect(t *testing.T) {
	entries := []models.CatalogEntry{{Title: "a"}, {Title: "b"}, {Title: "c"}, {Title: "d"}}
	titles := func(es []models.CatalogEntry) string {
		var s []string
		for _, e := range es {
			s = append(s, e.Title)
		}
		return strings.Join(s, ",")
	}

	assert.Equal(t, "a,b,c,d", titles(New(Config{}, Deps{}).Select(entries)))
	assert.Equal(t, "b,d", titles(New(Config{Selection: []int{4, 2}}, Deps{}).Select(entries)))
	assert.Equal(t, "a,b", titles(New(Config{Limit: 2}, Deps{}).Select(entries)))
	assert.Equal(t, "c", titles(New(Config{Selection: []int{3, 4}, Limit: 1}, Deps{}).Select(entries)))
}

func TestProgressReported(t *testing.T) {
	h := newHarness(t, noControlsRow(), grokkingRow())
	_, err := h.orchestrator(Config{}).Run(context.Background(), h.page, noCreds)
	require.NoError(t, err)

	require.Len(t, h.progress, 3)
	assert.Equal(t, Progress{Done: 0, Total: 2, Title: "Broken Row"}, h.progress[0])
	assert.Equal(t, Progress{Done: 2, Total: 2}, h.progress[2])
}

func TestStaleRowError(t *testing.T) {
	cause := errors.New("detached")
	err := &StaleRowError{Title: "T", Key: "k", RowIndex: 3, Err: cause}
	assert.ErrorIs(t, err, ErrStaleRow)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), `"T"`)
	assert.ErrorIs(t, &StaleRowError{Title: "T"}, ErrStaleRow)
}
