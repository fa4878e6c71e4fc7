package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Copy media history between Telegram channels",
	Long: `relay copies the history of Telegram channels into target channels.

Messages are forwarded directly when the source allows it and are
downloaded and re-uploaded otherwise. A ledger keeps reruns from
posting anything twice.

Configuration comes from the environment (or a .env file); channel
pairs come from a yaml run configuration.

Examples:
  relay validate relay.yaml
  relay resolve @somechannel
  relay run relay.yaml
  relay serve
  relay history --source 1234567890`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(watchCmd)

	rootCmd.PersistentFlags().String("log-level", "", "Override LOG_LEVEL")
}
