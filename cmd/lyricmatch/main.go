// Package main provides the lyricmatch CLI entry point.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

var (
	configPath string
	jsonOutput bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError(err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "lyricmatch",
	Short: "Identify songs from sung or remembered lyrics",
	Long: `lyricmatch identifies songs from short audio clips or typed lyrics.

Clips are transcribed by a speech-to-text service and the transcript is
ranked against a lyrics corpus imported from CSV. Ranking uses TF-IDF,
embedding similarity, or a weighted blend of the two, depending on the
access tier.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML configuration file")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print JSON instead of human-readable output")
	rootCmd.Version = version
}
