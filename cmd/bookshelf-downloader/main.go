package main

import (
	"context"
	"os"

	"go-bookshelf-download/cmd/bookshelf-downloader/cmd"
	"go-bookshelf-download/internal/browser"

	"github.com/charmbracelet/fang"
)

var version = "dev"

func main() {
	err := fang.Execute(
		context.Background(),
		cmd.RootCmd(),
		fang.WithVersion(version),
		fang.WithNotifySignal(os.Interrupt),
	)
	browser.CloseAllProtocolLogs()
	if err != nil {
		os.Exit(1)
	}
}
