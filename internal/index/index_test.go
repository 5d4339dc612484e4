package index

import (
	"path/filepath"
	"testing"

	"go-bookshelf-download/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEntries() []models.CatalogEntry {
	grokking := models.CatalogEntry{Title: "Grokking Algorithms", Key: "1234"}
	grokking.SetFormat(models.FormatPDF, "/d?id=1234&downloadFormat=PDF")
	grokking.SetFormat(models.FormatEPUB, "/d?id=1234&downloadFormat=EPUB")

	rust := models.CatalogEntry{Title: "Rust in Action", RowIndex: 1}
	rust.SetFormat(models.FormatEPUB, "/download/77")

	return []models.CatalogEntry{grokking, rust, {Title: "Audio Only", RowIndex: 2}}
}

func TestIndexAndSearch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.bleve")
	idx, err := OpenOrCreateIndex(path)
	require.NoError(t, err)
	defer idx.Close()

	require.NoError(t, IndexEntries(idx, "books", sampleEntries()))

	count, err := idx.DocCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), count)

	hits, err := Search(idx, "grokking", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "books:1234", hits[0].ID)
	assert.Equal(t, "Grokking Algorithms", hits[0].Title)
	assert.ElementsMatch(t, []string{"PDF", "EPUB"}, hits[0].Formats)

	hits, err = Search(idx, "rust", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "books:rust_in_action", hits[0].ID)
	assert.Equal(t, []string{"EPUB"}, hits[0].Formats)
}

func TestIndexEntries_Replaces(t *testing.T) {
	idx, err := OpenOrCreateIndex(filepath.Join(t.TempDir(), "catalog.bleve"))
	require.NoError(t, err)
	defer idx.Close()

	require.NoError(t, IndexEntries(idx, "books", sampleEntries()))
	require.NoError(t, IndexEntries(idx, "books", sampleEntries()))

	count, err := idx.DocCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), count)
}

func TestOpenOrCreateIndex_Reopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.bleve")
	idx, err := OpenOrCreateIndex(path)
	require.NoError(t, err)
	require.NoError(t, IndexEntries(idx, "books", sampleEntries()[:1]))
	require.NoError(t, idx.Close())

	idx, err = OpenOrCreateIndex(path)
	require.NoError(t, err)
	defer idx.Close()
	hits, err := Search(idx, "algorithms", 5)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestSearch_EmptyQuery(t *testing.T) {
	idx, err := OpenOrCreateIndex(filepath.Join(t.TempDir(), "catalog.bleve"))
	require.NoError(t, err)
	defer idx.Close()
	_, err = Search(idx, "  ", 5)
	assert.Error(t, err)
}

func TestDocID(t *testing.T) {
	assert.Equal(t, "s:42", DocID("s", models.CatalogEntry{Key: "42", Title: "x"}))
	assert.Equal(t, "s:go_in_action", DocID("s", models.CatalogEntry{Title: "Go in Action"}))
}
