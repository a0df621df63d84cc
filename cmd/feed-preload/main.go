// Package main is the entry point for feed-preload.
package main

import (
	"os"

	"github.com/stacklok/feed-preload/cmd/feed-preload/app"
	"github.com/stacklok/feed-preload/internal/logging"
	"github.com/stacklok/feed-preload/internal/preload"
)

func main() {
	// Logs go to stderr so stdout only carries the progress table and version output
	logging.Setup(logging.Options{
		Level:  logging.GetLogLevel(),
		Format: logging.FormatAuto,
		Output: os.Stderr,
	})

	err := app.NewRootCmd().Execute()
	os.Exit(preload.ExitCode(err))
}
