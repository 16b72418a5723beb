package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/MetricsHub/m8b-slack/internal/config"
	"github.com/MetricsHub/m8b-slack/internal/signal"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the aggregated tool catalog",
	Long:  "Connect to all configured providers and print the deduplicated tool catalog the model would see.",
	RunE:  runTools,
}

func init() {
	rootCmd.AddCommand(toolsCmd)
}

func runTools(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext()
	defer stop()

	reg := buildRegistry(ctx, cfg)
	defer reg.Close()

	catalog := reg.Catalog()
	if len(catalog) == 0 {
		fmt.Println("no tools available")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TOOL\tDESCRIPTION")
	for _, spec := range catalog {
		fmt.Fprintf(w, "%s\t%s\n", spec.Name, truncate(spec.Description, 80))
	}
	return w.Flush()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
