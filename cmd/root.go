package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "m8b",
	Short: "Conversational assistant for infrastructure monitoring",
	Long: `m8b bridges chat platforms with MetricsHub monitoring providers.

Examples:
  m8b serve --platform slack       # run the Slack bot
  m8b serve --platform telegram    # run the Telegram bot
  m8b tools                        # list the aggregated tool catalog
  m8b hosts db                     # search monitored hosts`,
	CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
}

func Execute() {
	rootCmd.Version = Version
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
