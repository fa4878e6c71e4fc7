package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/blockedby/tg-relay/internal/config"
	"github.com/blockedby/tg-relay/internal/web"
	"github.com/blockedby/tg-relay/internal/web/handlers"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the control API",
	Long: `Serve the http control API: start, pause, resume and cancel runs,
query the ledger, stream events over /ws and expose /metrics.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntP("port", "p", 0, "Override HTTP_PORT")
	serveCmd.Flags().Bool("start", false, "Start RUN_CONFIG right away")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		cfg.HTTPPort = port
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.tg.Ready(); err != nil {
		// the API still serves status and history
		a.log.Warn().Err(err).Msg("telegram client not ready, runs will fail")
	}

	hub := web.NewHub()
	go hub.Run()
	defer hub.Stop()
	a.bus.Subscribe(hub.Emit)

	server := web.NewServer(&web.Config{
		Port:     cfg.HTTPPort,
		Version:  version,
		Gatherer: a.registry,
	}, hub)
	server.RegisterRunsHandler(handlers.NewRunsHandler(a.runs))
	server.RegisterHistoryHandler(handlers.NewHistoryHandler(a.ledger))
	server.RegisterStatusHandler(handlers.NewStatusHandler(a.client))

	if start, _ := cmd.Flags().GetBool("start"); start {
		rc, err := config.LoadRun(cfg.RunConfig)
		if err != nil {
			return err
		}
		if _, err := a.runs.Start(rc); err != nil {
			return err
		}
	}

	a.log.Info().Int("port", cfg.HTTPPort).Msg("starting web server")
	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	if run := a.runs.Current(); run != nil {
		_ = a.runs.Cancel(run.ID.String())
		waitCtx, waitCancel := context.WithTimeout(context.Background(), 30*time.Second)
		if _, err := a.runs.Wait(waitCtx, run); errors.Is(err, context.DeadlineExceeded) {
			a.log.Warn().Msg("run did not stop in time")
		}
		waitCancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return server.Stop(shutdownCtx)
}
