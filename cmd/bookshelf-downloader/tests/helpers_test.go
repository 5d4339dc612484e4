package main_test

import (
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"go-bookshelf-download/internal/models"

	"github.com/stretchr/testify/require"
)

// runCommand executes the binary in a scratch directory with a clean
// BOOKSHELF_ environment.
func runCommand(t *testing.T, env []string, args ...string) (string, string, error) {
	t.Helper()
	cmd := exec.Command(binaryPath, args...)
	cmd.Dir = t.TempDir()

	for _, kv := range os.Environ() {
		if !strings.HasPrefix(kv, "BOOKSHELF_") {
			cmd.Env = append(cmd.Env, kv)
		}
	}
	cmd.Env = append(cmd.Env, env...)

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		t.Logf("Command failed with error: %v\nStderr:\n%s", err, stderr.String())
	}
	return stdout.String(), stderr.String(), err
}

// createTempConfig creates a temporary TOML config file
func createTempConfig(t *testing.T, content string) string {
	t.Helper()
	tempFile := filepath.Join(t.TempDir(), "temp_config.toml")
	err := os.WriteFile(tempFile, []byte(content), 0644)
	require.NoError(t, err, "Failed to write temporary config file")
	return tempFile
}

// parseShowConfigOutput parses the JSON output of 'debug show-config'
func parseShowConfigOutput(t *testing.T, output string) models.Config {
	t.Helper()
	var cfg models.Config
	err := json.Unmarshal([]byte(output), &cfg)
	if err != nil {
		t.Logf("Failed to unmarshal JSON output:\n%s", output)
	}
	require.NoError(t, err, "Failed to parse JSON output from debug show-config")
	return cfg
}
