package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/blockedby/tg-relay/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate <config.yaml>...",
	Short: "Check run configuration files",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		failed := false
		for _, path := range args {
			rc, err := config.LoadRun(path)
			if err != nil {
				fmt.Printf("❌ %s: %v\n", path, err)
				failed = true
				continue
			}
			fmt.Printf("✅ %s is valid (%d pairs)\n", path, len(rc.Pairs))
		}
		if failed {
			return fmt.Errorf("invalid run configuration")
		}
		return nil
	},
}
