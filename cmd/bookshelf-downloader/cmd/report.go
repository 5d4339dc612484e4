package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go-bookshelf-download/internal/models"

	"gopkg.in/yaml.v3"
)

type runReport struct {
	RunID      string        `yaml:"run_id"`
	Site       string        `yaml:"site"`
	StartedAt  time.Time     `yaml:"started_at"`
	FinishedAt time.Time     `yaml:"finished_at"`
	Counts     models.Counts `yaml:"counts"`
	Entries    []reportEntry `yaml:"entries"`
}

type reportEntry struct {
	Title     string          `yaml:"title"`
	Key       string          `yaml:"key,omitempty"`
	Ambiguous bool            `yaml:"ambiguous,omitempty"`
	Outcomes  []reportOutcome `yaml:"outcomes"`
}

type reportOutcome struct {
	models.DownloadOutcome `yaml:",inline"`
	Error                  string `yaml:"error,omitempty"`
}

func buildReport(site string, summary *models.RunSummary) runReport {
	r := runReport{
		RunID:      summary.RunID,
		Site:       site,
		StartedAt:  summary.StartedAt,
		FinishedAt: summary.FinishedAt,
		Counts:     summary.Counts(),
		Entries:    make([]reportEntry, 0, len(summary.Entries)),
	}
	for _, e := range summary.Entries {
		entry := reportEntry{Title: e.Entry.Title, Key: e.Entry.Key}
		for _, amb := range e.Entry.Ambiguous {
			entry.Ambiguous = entry.Ambiguous || amb
		}
		for _, o := range e.Outcomes {
			ro := reportOutcome{DownloadOutcome: o}
			if o.Err != nil {
				ro.Error = o.Err.Error()
			}
			entry.Outcomes = append(entry.Outcomes, ro)
		}
		r.Entries = append(r.Entries, entry)
	}
	return r
}

func writeReport(path string, r runReport) error {
	data, err := yaml.Marshal(&r)
	if err != nil {
		return fmt.Errorf("marshalling report: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating report dir: %w", err)
		}
	}
	return os.WriteFile(path, data, 0o644)
}
