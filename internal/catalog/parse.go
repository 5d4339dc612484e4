package catalog

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
	"unicode"

	"go-bookshelf-download/internal/browser"
	"go-bookshelf-download/internal/models"
)

// Policy decides what an untyped generic download link means.
type Policy string

const (
	// PolicyDual lets one untyped link stand in for both formats.
	PolicyDual Policy = "dual"
	// PolicyStrict ignores untyped links.
	PolicyStrict Policy = "strict"
)

// ParsePolicy validates a configured policy name.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case PolicyDual, "":
		return PolicyDual, nil
	case PolicyStrict:
		return PolicyStrict, nil
	}
	return "", fmt.Errorf("unknown ambiguous link policy %q (expected dual or strict)", s)
}

var (
	formatParam    = regexp.MustCompile(`(?i)[?&]downloadFormat=(pdf|epub)\b`)
	genericPath    = regexp.MustCompile(`(?i)/download\b`)
	productIDParam = regexp.MustCompile(`(?i)[?&](?:productId|product_id|id)=(\d+)`)
	productIDPath  = regexp.MustCompile(`(?i)/(?:download|products?|books?)/(\d+)`)
	placeholderCls = regexp.MustCompile(`(?i)\b(loading|placeholder|skeleton)\b`)
	slugSplit      = regexp.MustCompile(`[-_+\s]+`)
	// Texts a row shows before its real title renders.
	placeholderTitle = regexp.MustCompile(`(?i)^(untitled|loading\b.*|\d+|[[:punct:]\s…]*)$`)
)

// parsed is the outcome of reading one raw row.
type parsed struct {
	entry       models.CatalogEntry
	placeholder bool
	ambiguous   string
}

// IsPlaceholder reports whether a row is still a loading stand-in.
func IsPlaceholder(raw browser.RawRow) bool {
	if placeholderCls.MatchString(raw.Classes) {
		return true
	}
	text := strings.TrimSpace(raw.Text)
	if strings.HasPrefix(strings.ToLower(text), "loading") {
		return true
	}
	return text == "" && len(raw.Links) == 0 && len(raw.Controls) == 0
}

// ProductID extracts a numeric product identifier from a download URL.
func ProductID(href string) string {
	if m := productIDParam.FindStringSubmatch(href); m != nil {
		return m[1]
	}
	if m := productIDPath.FindStringSubmatch(href); m != nil {
		return m[1]
	}
	return ""
}

// RowKey returns the stable key of a row: its data attribute, else the
// product id found in any of its links.
func RowKey(raw browser.RawRow) string {
	if raw.Key != "" {
		return raw.Key
	}
	for _, l := range raw.Links {
		if id := ProductID(l.Href); id != "" {
			return id
		}
	}
	return ""
}

func isGenericDownload(l browser.RawLink) bool {
	return l.Href != "" && genericPath.MatchString(l.Href) && ProductID(l.Href) != ""
}

func isFormatLink(l browser.RawLink) bool {
	if formatParam.MatchString(l.Href) {
		return true
	}
	hay := strings.ToLower(l.Href + " " + l.Text + " " + l.Title + " " + l.Aria + " " + l.Class + " " + l.Download)
	return strings.Contains(hay, "pdf") || strings.Contains(hay, "epub")
}

// parseRow turns a raw row into a catalog entry.
func parseRow(raw browser.RawRow, policy Policy) parsed {
	if IsPlaceholder(raw) {
		return parsed{placeholder: true}
	}

	e := models.CatalogEntry{
		RowIndex: raw.Index,
		Key:      RowKey(raw),
	}
	e.Title = resolveTitle(raw)

	// Explicit downloadFormat parameters win over loose substring matches.
	for _, l := range raw.Links {
		if m := formatParam.FindStringSubmatch(l.Href); m != nil {
			f, _ := models.ParseFormat(m[1])
			if !e.Has(f) {
				e.SetFormat(f, l.Href)
			}
		}
	}
	for _, l := range raw.Links {
		if l.Href == "" || formatParam.MatchString(l.Href) {
			continue
		}
		hay := strings.ToLower(l.Href + " " + l.Text + " " + l.Title + " " + l.Aria + " " + l.Class + " " + l.Download)
		if strings.Contains(hay, "epub") && !e.Has(models.FormatEPUB) {
			e.SetFormat(models.FormatEPUB, l.Href)
		}
		if strings.Contains(hay, "pdf") && !e.Has(models.FormatPDF) {
			e.SetFormat(models.FormatPDF, l.Href)
		}
	}

	var p parsed
	if len(e.Formats) == 0 {
		for _, l := range raw.Links {
			if !isGenericDownload(l) {
				continue
			}
			p.ambiguous = l.Href
			if policy == PolicyDual {
				e.SetFormat(models.FormatPDF, l.Href)
				e.SetFormat(models.FormatEPUB, l.Href)
				e.Ambiguous = map[models.Format]bool{models.FormatPDF: true, models.FormatEPUB: true}
			}
			break
		}
	}

	for i, c := range raw.Controls {
		e.Controls = append(e.Controls, models.Control{Index: i, Label: strings.TrimSpace(c.Label)})
	}

	p.entry = e
	return p
}

// resolveTitle prefers link text, then a slug from the link's path, then
// the image alt, then a positional name. Placeholder texts such as
// "Untitled", "Loading…" or a bare number are skipped at every step.
func resolveTitle(raw browser.RawRow) string {
	var candidates []browser.RawLink
	for _, l := range raw.Links {
		if isFormatLink(l) || isGenericDownload(l) {
			continue
		}
		candidates = append(candidates, l)
	}
	for _, l := range candidates {
		if t := strings.Join(strings.Fields(l.Text), " "); usableTitle(t) {
			return t
		}
	}
	for _, l := range candidates {
		if t := titleFromHref(l.Href); usableTitle(t) {
			return t
		}
	}
	if alt := strings.Join(strings.Fields(raw.ImageAlt), " "); usableTitle(alt) {
		return alt
	}
	return fmt.Sprintf("Book %d", raw.Index+1)
}

func usableTitle(t string) bool {
	return !placeholderTitle.MatchString(t)
}

// titleFromHref humanises the last meaningful path segment of href.
func titleFromHref(href string) string {
	if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(strings.ToLower(href), "javascript:") {
		return ""
	}
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := len(segments) - 1; i >= 0; i-- {
		seg, err := url.PathUnescape(segments[i])
		if err != nil {
			seg = segments[i]
		}
		seg = strings.TrimSuffix(seg, path.Ext(seg))
		if !strings.ContainsFunc(seg, unicode.IsLetter) {
			continue
		}
		words := slugSplit.Split(seg, -1)
		for j, w := range words {
			if w == "" {
				continue
			}
			r := []rune(w)
			r[0] = unicode.ToUpper(r[0])
			words[j] = string(r)
		}
		return strings.TrimSpace(strings.Join(words, " "))
	}
	return ""
}
