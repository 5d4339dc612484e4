package resolver

import (
	"context"
	"errors"
	"testing"
	"time"

	"go-bookshelf-download/internal/browser"
	"go-bookshelf-download/internal/browser/browsertest"
	"go-bookshelf-download/internal/events"
	"go-bookshelf-download/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	pdfToken  = "/dashboard/download?id=1234&downloadFormat=PDF"
	epubToken = "/dashboard/download?id=1234&downloadFormat=EPUB"
)

func newResolver(sink events.Sink) *Resolver {
	return New(Config{LinkTimeout: 5 * time.Millisecond, PollInterval: time.Millisecond}, sink)
}

func entryWith(labels ...string) models.CatalogEntry {
	e := models.CatalogEntry{Title: "Grokking Algorithms", RowIndex: 0}
	e.SetFormat(models.FormatPDF, pdfToken)
	e.SetFormat(models.FormatEPUB, epubToken)
	for i, l := range labels {
		e.Controls = append(e.Controls, models.Control{Index: i, Label: l})
	}
	return e
}

func pageWith(menus map[int][]string, controls int) *browsertest.FakePage {
	raw := browser.RawRow{Text: "Grokking Algorithms"}
	for i := 0; i < controls; i++ {
		raw.Controls = append(raw.Controls, browser.RawControl{})
	}
	return &browsertest.FakePage{Rows: []browsertest.Row{{Raw: raw, Menus: menus}}}
}

func TestResolve_GrokkingAlgorithms(t *testing.T) {
	page := pageWith(map[int][]string{0: {pdfToken}, 1: {epubToken}}, 2)
	entry := entryWith("pdf", "epub")
	r := newResolver(nil)

	pdf := r.Resolve(context.Background(), page, entry, models.FormatPDF, -1)
	require.True(t, pdf.Success)
	assert.Equal(t, 0, pdf.ConsumedControlIndex)
	assert.True(t, page.MenuOpen(), "the winning menu stays open for the executor")

	epub := r.Resolve(context.Background(), page, entry, models.FormatEPUB, pdf.ConsumedControlIndex)
	require.True(t, epub.Success)
	assert.Equal(t, 1, epub.ConsumedControlIndex)
}

func TestResolve_ActivationDecidesBetweenLookalikes(t *testing.T) {
	// Both labels mention PDF but only the second control really holds it.
	page := pageWith(map[int][]string{0: {epubToken}, 1: {pdfToken}}, 2)
	entry := entryWith("Download pdf / epub", "Download pdf / epub")

	res := newResolver(nil).Resolve(context.Background(), page, entry, models.FormatPDF, -1)
	require.True(t, res.Success)
	assert.Equal(t, 1, res.ConsumedControlIndex)
	assert.Equal(t, 1, page.Count("open:0:0"))
	assert.Equal(t, 1, page.Count("open:0:1"))
}

func TestResolve_ExclusionNeverReusesAControl(t *testing.T) {
	// An untyped link makes both controls look right for both formats.
	generic := "/download/99"
	page := pageWith(map[int][]string{0: {generic}, 1: {generic}}, 2)
	entry := models.CatalogEntry{
		Title:    "Ambiguous",
		Formats:  map[models.Format]string{models.FormatPDF: generic, models.FormatEPUB: generic},
		Controls: []models.Control{{Index: 0, Label: "pdf epub"}, {Index: 1, Label: "pdf epub"}},
	}
	r := newResolver(nil)

	pdf := r.Resolve(context.Background(), page, entry, models.FormatPDF, -1)
	epub := r.Resolve(context.Background(), page, entry, models.FormatEPUB, pdf.ConsumedControlIndex)
	require.True(t, pdf.Success)
	require.True(t, epub.Success)
	assert.NotEqual(t, pdf.ConsumedControlIndex, epub.ConsumedControlIndex)
}

func TestResolve_ZeroControls(t *testing.T) {
	page := pageWith(nil, 0)
	entry := entryWith()
	rec := &events.Recorder{}

	res := newResolver(rec).Resolve(context.Background(), page, entry, models.FormatPDF, -1)
	assert.False(t, res.Success)
	assert.Equal(t, -1, res.ConsumedControlIndex)
	assert.False(t, page.MenuOpen())
	assert.True(t, rec.Contains(events.Warning, "No control reveals"))
}

func TestResolve_NoTokenFailsFast(t *testing.T) {
	page := pageWith(map[int][]string{0: {pdfToken}}, 1)
	entry := models.CatalogEntry{Title: "PDF only", Controls: []models.Control{{Index: 0, Label: "epub"}}}
	entry.SetFormat(models.FormatPDF, pdfToken)

	res := newResolver(nil).Resolve(context.Background(), page, entry, models.FormatEPUB, -1)
	assert.Equal(t, models.Unresolved(), res)
	assert.Empty(t, page.Calls, "nothing is touched without a token")
}

func TestResolve_LabelFilterSkipsActivation(t *testing.T) {
	page := pageWith(map[int][]string{0: {pdfToken}}, 1)
	entry := entryWith("Read online")

	res := newResolver(nil).Resolve(context.Background(), page, entry, models.FormatPDF, -1)
	assert.False(t, res.Success)
	assert.Zero(t, page.Count("open:"), "controls whose label lacks the format are never opened")
}

func TestResolve_OpenFailureMovesOn(t *testing.T) {
	page := pageWith(map[int][]string{0: {pdfToken}}, 1)
	page.OpenError = errors.New("detached")
	entry := entryWith("pdf")

	res := newResolver(nil).Resolve(context.Background(), page, entry, models.FormatPDF, -1)
	assert.False(t, res.Success)
	assert.False(t, page.MenuOpen())
}
