package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/MetricsHub/m8b-slack/internal/config"
	"github.com/MetricsHub/m8b-slack/internal/registry"
	"github.com/MetricsHub/m8b-slack/internal/signal"
)

var hostsCmd = &cobra.Command{
	Use:   "hosts [pattern]",
	Short: "List or search monitored hosts",
	Long:  "Discover hosts across all configured providers. With a pattern, match case-insensitively against host names and aliases.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runHosts,
}

func init() {
	rootCmd.AddCommand(hostsCmd)
}

func runHosts(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext()
	defer stop()

	reg := buildRegistry(ctx, cfg)
	defer reg.Close()

	var hosts []*registry.Host
	if len(args) == 1 {
		hosts, err = reg.SearchHosts(args[0])
		if err != nil {
			return err
		}
	} else {
		hosts = reg.Hosts()
	}
	if len(hosts) == 0 {
		fmt.Println("no hosts found")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "HOST\tPROVIDER")
	for _, h := range hosts {
		fmt.Fprintf(w, "%s\t%s\n", h.Name(), h.Provider)
	}
	return w.Flush()
}
