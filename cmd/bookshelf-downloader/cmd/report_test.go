package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestBuildReport(t *testing.T) {
	r := buildReport("manning", sampleSummary())

	assert.Equal(t, "run-1", r.RunID)
	assert.Equal(t, "manning", r.Site)
	assert.Equal(t, 2, r.Counts.Entries)
	assert.Equal(t, 2, r.Counts.Succeeded)
	assert.Equal(t, 1, r.Counts.Failed)

	require.Len(t, r.Entries, 2)
	assert.False(t, r.Entries[0].Ambiguous)
	assert.True(t, r.Entries[1].Ambiguous)
	require.Len(t, r.Entries[1].Outcomes, 1)
	assert.Equal(t, "transfer timed out", r.Entries[1].Outcomes[0].Error)
	assert.Empty(t, r.Entries[0].Outcomes[0].Error)
}

func TestWriteReport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports", "run.yaml")
	require.NoError(t, writeReport(path, buildReport("manning", sampleSummary())))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var doc map[string]interface{}
	require.NoError(t, yaml.Unmarshal(data, &doc))
	assert.Equal(t, "run-1", doc["run_id"])

	entries, ok := doc["entries"].([]interface{})
	require.True(t, ok)
	require.Len(t, entries, 2)

	first := entries[0].(map[string]interface{})
	assert.Equal(t, "Grokking Algorithms", first["title"])
	outcomes := first["outcomes"].([]interface{})
	pdf := outcomes[0].(map[string]interface{})
	assert.Equal(t, "PDF", pdf["format"])
	assert.Equal(t, true, pdf["success"])
	assert.Equal(t, "books/Grokking Algorithms.pdf", pdf["saved_path"])

	failed := entries[1].(map[string]interface{})["outcomes"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "start", failed["step"])
	assert.Equal(t, "transfer timed out", failed["error"])
	assert.NotContains(t, failed, "saved_path")
}
