package downloader

import (
	"regexp"
	"strings"
)

const maxNameRunes = 150

var (
	unsafeChars  = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f\x7f]`)
	spaceRun     = regexp.MustCompile(`\s+`)
	separatorRun = regexp.MustCompile(`[ _]*_[ _]*`)
)

// Sanitize turns a title into a file name safe on every common filesystem.
// Sanitize(Sanitize(s)) == Sanitize(s).
func Sanitize(title string) string {
	s := unsafeChars.ReplaceAllString(title, "_")
	s = spaceRun.ReplaceAllString(s, " ")
	s = separatorRun.ReplaceAllString(s, "_")
	s = strings.Trim(s, " ._")
	if r := []rune(s); len(r) > maxNameRunes {
		s = strings.Trim(string(r[:maxNameRunes]), " ._")
	}
	if s == "" {
		return "untitled"
	}
	return s
}
