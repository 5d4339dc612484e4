package helpers

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	log "github.com/sirupsen/logrus"
	"lukechampine.com/blake3"
)

var (
	slugUnsafe    = regexp.MustCompile(`[^a-z0-9_.\-]+`)
	slugSeparator = regexp.MustCompile(`[_\-]*-[_\-]*`)
	slugUnderline = regexp.MustCompile(`_+`)
)

// ConvertToSlug lowercases s and reduces it to [a-z0-9_.-]. Spaces become
// underscores and colons become dashes.
func ConvertToSlug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, ":", "-")
	s = strings.Join(strings.Fields(s), "_")
	s = slugUnsafe.ReplaceAllString(s, "")
	s = slugSeparator.ReplaceAllString(s, "-")
	s = slugUnderline.ReplaceAllString(s, "_")
	return strings.Trim(s, "_-")
}

// BytesToSize renders a byte count with a binary unit suffix.
func BytesToSize(bytes uint64) string {
	if bytes == 0 {
		return "0B"
	}
	units := []string{"B", "KB", "MB", "GB", "TB", "PB"}
	size := float64(bytes)
	i := 0
	for size >= 1024 && i < len(units)-1 {
		size /= 1024
		i++
	}
	return fmt.Sprintf("%.2f%s", size, units[i])
}

// SanitizePath cleans a relative path and strips any attempt to leave the
// base directory.
func SanitizePath(p string) string {
	cleaned := filepath.Clean("/" + filepath.ToSlash(p))
	cleaned = strings.TrimPrefix(cleaned, "/")
	if cleaned == "" {
		return "."
	}
	return cleaned
}

// CheckAndMakeDir makes sure dir exists, creating parents as needed.
func CheckAndMakeDir(dir string) bool {
	if !filepath.IsAbs(dir) {
		dir = SanitizePath(dir)
	}
	if _, err := os.Stat(dir); err == nil {
		return true
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.WithError(err).Errorf("Error creating directory %s", dir)
		return false
	}
	log.Debugf("Created directory %s", dir)
	return true
}

// StringSliceContains does a case-insensitive membership check.
func StringSliceContains(slice []string, item string) bool {
	for _, s := range slice {
		if strings.EqualFold(s, item) {
			return true
		}
	}
	return false
}

// CounterWriter counts the bytes written through it.
type CounterWriter struct {
	Writer io.Writer
	Total  uint64
}

func (cw *CounterWriter) Write(p []byte) (int, error) {
	n, err := cw.Writer.Write(p)
	cw.Total += uint64(n)
	return n, err
}

// HashFile returns the hex BLAKE3 digest of the file and its size.
func HashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := blake3.New(32, nil)
	cw := &CounterWriter{Writer: h}
	if _, err := io.Copy(cw, f); err != nil {
		return "", 0, fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), int64(cw.Total), nil
}
