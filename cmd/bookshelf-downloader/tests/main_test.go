package main_test

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
)

var (
	binaryName  = "bookshelf-downloader"
	binaryPath  string
	projectRoot string
)

// TestMain builds the binary once before the integration tests run.
func TestMain(m *testing.M) {
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		fmt.Println("Could not get caller information")
		os.Exit(1)
	}
	// Navigate up from cmd/bookshelf-downloader/tests
	projectRoot = filepath.Join(filepath.Dir(filename), "..", "..", "..")

	buildDir, err := os.MkdirTemp("", "bookshelf-bin-")
	if err != nil {
		fmt.Printf("Failed to create build dir: %v\n", err)
		os.Exit(1)
	}
	if runtime.GOOS == "windows" {
		binaryName += ".exe"
	}
	binaryPath = filepath.Join(buildDir, binaryName)

	fmt.Println("Building binary for integration tests...")
	buildCmd := exec.Command("go", "build", "-o", binaryPath, ".")
	buildCmd.Dir = filepath.Join(projectRoot, "cmd", "bookshelf-downloader")
	buildOutput, err := buildCmd.CombinedOutput()
	if err != nil {
		fmt.Printf("Failed to build binary: %v\nOutput:\n%s\n", err, string(buildOutput))
		os.RemoveAll(buildDir)
		os.Exit(1)
	}

	exitCode := m.Run()
	os.RemoveAll(buildDir)
	os.Exit(exitCode)
}
