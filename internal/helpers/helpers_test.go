package helpers

import (
	"bytes"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"lukechampine.com/blake3"
)

func TestConvertToSlug(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Grokking Algorithms", "grokking_algorithms"},
		{"grokking algorithms", "grokking_algorithms"},
		{"Go in Action, Second Edition", "go_in_action_second_edition"},
		{"Kafka: The Definitive Guide", "kafka-the_definitive_guide"},
		{"Rust   in    Action", "rust_in_action"},
		{"deep-learning-with-python", "deep-learning-with-python"},
		{"v1.0.0", "v1.0.0"},
		{"__book__", "book"},
		{"", ""},
		{"@#$%^&*()", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := ConvertToSlug(tt.input)
			if got != tt.expected {
				t.Errorf("ConvertToSlug(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestBytesToSize(t *testing.T) {
	tests := []struct {
		expected string
		bytes    uint64
	}{
		{"0B", 0},
		{"1.00B", 1},
		{"1.00KB", 1024},
		{"1.50MB", 1536 * 1024},
		{"1.00GB", 1024 * 1024 * 1024},
	}

	for _, tt := range tests {
		if got := BytesToSize(tt.bytes); got != tt.expected {
			t.Errorf("BytesToSize(%d) = %q, want %q", tt.bytes, got, tt.expected)
		}
	}
}

func TestSanitizePath(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"books/file.pdf", "books/file.pdf"},
		{"books/../other/file.pdf", "other/file.pdf"},
		{"../../etc/passwd", "etc/passwd"},
		{"/absolute/file.epub", "absolute/file.epub"},
		{"./file.pdf", "file.pdf"},
		{".", "."},
	}

	for _, tt := range tests {
		if got := SanitizePath(tt.input); got != tt.expected {
			t.Errorf("SanitizePath(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestStringSliceContains(t *testing.T) {
	formats := []string{"pdf", "EPUB"}
	if !StringSliceContains(formats, "PDF") {
		t.Error("expected PDF to match pdf")
	}
	if !StringSliceContains(formats, "epub") {
		t.Error("expected epub to match EPUB")
	}
	if StringSliceContains(formats, "mobi") {
		t.Error("mobi should not match")
	}
	if StringSliceContains(nil, "") {
		t.Error("empty slice should not match")
	}
}

func TestCheckAndMakeDir(t *testing.T) {
	base := t.TempDir()

	nested := filepath.Join(base, "books", "2024")
	if !CheckAndMakeDir(nested) {
		t.Fatalf("CheckAndMakeDir(%q) returned false", nested)
	}
	if info, err := os.Stat(nested); err != nil || !info.IsDir() {
		t.Errorf("directory %q was not created", nested)
	}

	// Existing directory is fine.
	if !CheckAndMakeDir(base) {
		t.Errorf("CheckAndMakeDir(%q) on existing dir returned false", base)
	}
}

func TestCounterWriter(t *testing.T) {
	var buf bytes.Buffer
	cw := &CounterWriter{Writer: &buf}

	n, err := cw.Write([]byte("%PDF-1.7"))
	if err != nil || n != 8 {
		t.Fatalf("Write() = %d, %v", n, err)
	}
	_, _ = cw.Write([]byte("\n"))

	if cw.Total != 9 {
		t.Errorf("Total = %d, want 9", cw.Total)
	}
	if buf.String() != "%PDF-1.7\n" {
		t.Errorf("buffer = %q", buf.String())
	}
}

func TestHashFile(t *testing.T) {
	data := []byte("Grokking Algorithms, PDF edition")
	path := filepath.Join(t.TempDir(), "grokking.pdf")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	sum, size, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile() error = %v", err)
	}
	want := blake3.Sum256(data)
	if sum != hex.EncodeToString(want[:]) {
		t.Errorf("HashFile() = %s, want %x", sum, want)
	}
	if size != int64(len(data)) {
		t.Errorf("size = %d, want %d", size, len(data))
	}

	if _, _, err := HashFile(filepath.Join(t.TempDir(), "missing.pdf")); err == nil {
		t.Error("expected error for missing file")
	}
}
