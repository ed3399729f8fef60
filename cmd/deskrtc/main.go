package main

import (
	"os"

	"github.com/dkeye/deskrtc/cmd/deskrtc/commands"
)

func main() {
	rootCmd := commands.NewRootCmd()

	// Do not print usage when an error occurs
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
