package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "scribed",
	Short: "Audio transcription backend",
	Long:  `scribed accepts audio transcription jobs, dispatches them to workers and streams job updates to clients.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
