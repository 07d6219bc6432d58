// Package main is the entry point for the twitchpipe application.
package main

import (
	"os"

	"github.com/jmylchreest/twitchpipe/cmd/twitchpipe/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(cmd.ExitCode(err))
	}
}
