package cmd

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/MetricsHub/m8b-slack/internal/config"
	"github.com/MetricsHub/m8b-slack/internal/serve"
	"github.com/MetricsHub/m8b-slack/internal/signal"
)

var servePlatform string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the chat bot",
	Long: `Run the bot against a chat platform, blocking until interrupted.

The platform adapter receives messages, the orchestrator streams model
turns and dispatches monitoring tools across the configured providers.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&servePlatform, "platform", "slack", "Chat platform: slack or telegram")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	var platform serve.Platform
	switch servePlatform {
	case "slack":
		platform = serve.NewSlackPlatform(cfg.Slack)
	case "telegram":
		platform = serve.NewTelegramPlatform(cfg.Telegram)
	default:
		return fmt.Errorf("unknown platform %q (want slack or telegram)", servePlatform)
	}
	if platform.NeedsSetup() {
		return fmt.Errorf("%s is not configured; see the %s section of the config file", platform.Name(), platform.Name())
	}

	ctx, stop := signal.NotifyContext()
	defer stop()

	reg := buildRegistry(ctx, cfg)
	defer reg.Close()

	settings := serve.Settings{Handler: buildOrchestrator(cfg, reg)}

	log.Printf("[serve] starting %s platform", platform.Name())
	return platform.Run(ctx, settings)
}
