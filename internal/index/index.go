// Package index keeps a full-text bleve index over scanned catalog entries
// so the catalog can be searched offline.
package index

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go-bookshelf-download/internal/helpers"
	"go-bookshelf-download/internal/models"

	"github.com/blevesearch/bleve/v2"
	log "github.com/sirupsen/logrus"
)

// Document is what gets indexed for one catalog entry.
type Document struct {
	Title     string   `json:"title"`
	Key       string   `json:"key"`
	Site      string   `json:"site"`
	Formats   []string `json:"formats"`
	Ambiguous bool     `json:"ambiguous"`
	RowIndex  int      `json:"rowIndex"`
	ScannedAt string   `json:"scannedAt"`
}

// Hit is one search result.
type Hit struct {
	ID      string
	Score   float64
	Title   string
	Site    string
	Formats []string
}

// OpenOrCreateIndex opens the index at path, creating it when missing.
func OpenOrCreateIndex(path string) (bleve.Index, error) {
	idx, err := bleve.Open(path)
	if err == nil {
		log.Debugf("Opened existing bleve index at %s", path)
		return idx, nil
	}
	if !errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
		if _, statErr := os.Stat(path); statErr == nil {
			return nil, fmt.Errorf("opening index %s: %w", path, err)
		}
	}

	mapping := bleve.NewIndexMapping()
	idx, err = bleve.New(path, mapping)
	if err != nil {
		return nil, fmt.Errorf("creating index %s: %w", path, err)
	}
	log.Infof("Created bleve index at %s", path)
	return idx, nil
}

// DocID is the index identity of an entry: its product key when it has one,
// else its title slug.
func DocID(site string, entry models.CatalogEntry) string {
	id := entry.Key
	if id == "" {
		id = helpers.ConvertToSlug(entry.Title)
	}
	return site + ":" + id
}

// IndexEntries adds or replaces the entries of a scan in one batch.
func IndexEntries(idx bleve.Index, site string, entries []models.CatalogEntry) error {
	batch := idx.NewBatch()
	now := time.Now().UTC().Format(time.RFC3339)
	for _, e := range entries {
		doc := Document{
			Title:     e.Title,
			Key:       e.Key,
			Site:      site,
			RowIndex:  e.RowIndex,
			ScannedAt: now,
		}
		for _, f := range e.Available() {
			doc.Formats = append(doc.Formats, string(f))
			if e.Ambiguous[f] {
				doc.Ambiguous = true
			}
		}
		if err := batch.Index(DocID(site, e), doc); err != nil {
			return fmt.Errorf("indexing %q: %w", e.Title, err)
		}
	}
	if err := idx.Batch(batch); err != nil {
		return fmt.Errorf("writing index batch: %w", err)
	}
	log.Debugf("Indexed %d catalog entries", len(entries))
	return nil
}

// Search runs a query-string query and returns up to limit hits.
func Search(idx bleve.Index, query string, limit int) ([]Hit, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errors.New("empty search query")
	}
	if limit <= 0 {
		limit = 20
	}
	req := bleve.NewSearchRequestOptions(bleve.NewQueryStringQuery(query), limit, 0, false)
	req.Fields = []string{"title", "site", "formats"}

	res, err := idx.Search(req)
	if err != nil {
		return nil, fmt.Errorf("searching %q: %w", query, err)
	}

	hits := make([]Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		hit := Hit{ID: h.ID, Score: h.Score}
		hit.Title, _ = h.Fields["title"].(string)
		hit.Site, _ = h.Fields["site"].(string)
		hit.Formats = stringList(h.Fields["formats"])
		hits = append(hits, hit)
	}
	return hits, nil
}

// stringList normalises a stored field that bleve returns as a string for
// one value and a slice for several.
func stringList(v interface{}) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, x := range t {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
