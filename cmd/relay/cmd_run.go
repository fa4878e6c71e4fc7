package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/blockedby/tg-relay/internal/config"
	"github.com/blockedby/tg-relay/internal/logger"
)

var runCmd = &cobra.Command{
	Use:   "run [config.yaml]",
	Short: "Run every channel pair once",
	Long: `Run every channel pair of the run configuration and exit.

The configuration path defaults to RUN_CONFIG. The first interrupt
cancels the run cooperatively; the ledger keeps what was done so the
next run continues where this one stopped.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRelay,
}

func init() {
	runCmd.Flags().StringP("config", "c", "", "Run configuration file (overrides RUN_CONFIG)")
	runCmd.Flags().Bool("json", false, "Print the final report as json")
}

func runRelay(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	path := cfg.RunConfig
	if flagPath, _ := cmd.Flags().GetString("config"); flagPath != "" {
		path = flagPath
	}
	if len(args) == 1 {
		path = args[0]
	}
	rc, err := config.LoadRun(path)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.tg.Ready(); err != nil {
		return err
	}

	run, err := a.runs.Start(rc)
	if err != nil {
		return err
	}
	a.log.Info().Str("run_id", run.ID.String()).Int("pairs", len(rc.Pairs)).Msg("run started")

	go func() {
		<-ctx.Done()
		_ = a.runs.Cancel(run.ID.String())
	}()

	report, runErr := a.runs.Wait(context.Background(), run)
	if report != nil {
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
		} else {
			printReport(os.Stdout, report)
		}
	}
	return runErr
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-sigChan:
			logger.Get().Info().Msg("received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()
	return ctx, cancel
}
