package main

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/blockedby/tg-relay/internal/config"
	"github.com/blockedby/tg-relay/internal/database"
	"github.com/blockedby/tg-relay/internal/events"
	"github.com/blockedby/tg-relay/internal/logger"
	"github.com/blockedby/tg-relay/internal/metrics"
	"github.com/blockedby/tg-relay/internal/nats"
	"github.com/blockedby/tg-relay/internal/publisher"
	"github.com/blockedby/tg-relay/internal/ratelimit"
	"github.com/blockedby/tg-relay/internal/repository"
	"github.com/blockedby/tg-relay/internal/resource"
	"github.com/blockedby/tg-relay/internal/retry"
	"github.com/blockedby/tg-relay/internal/runner"
	"github.com/blockedby/tg-relay/internal/telegram"
	"github.com/blockedby/tg-relay/internal/transfer"
)

// app holds the wired process.
type app struct {
	cfg *config.Config
	log *logger.Logger

	ledgerDB *database.DB
	ledger   *repository.Ledger

	sessionDB *database.DB
	tg        *telegram.Manager
	client    *telegram.Client
	limiter   *ratelimit.Controller

	res      *resource.Manager
	bus      *events.Bus
	registry *prometheus.Registry
	nats     *nats.Client

	service *runner.Service
	runs    *runner.Manager
}

// loadConfig reads the environment and initializes the global logger.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	if err := logger.Init(logger.Options{Level: cfg.LogLevel, File: cfg.LogFile, JSON: cfg.LogJSON}); err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, nil
}

// openLedger opens only the ledger, for read-only commands.
func openLedger(ctx context.Context, cfg *config.Config) (*database.DB, *repository.Ledger, error) {
	db, err := database.Open(ctx, cfg.LedgerDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open ledger: %w", err)
	}
	ledger, err := repository.NewLedger(db)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return db, ledger, nil
}

// openTelegram restores the session and returns a ready client.
func openTelegram(ctx context.Context, cfg *config.Config) (*database.DB, *telegram.Manager, *telegram.Client, *ratelimit.Controller, error) {
	sessionDB, err := database.Open(ctx, cfg.SessionDSN)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("open session store: %w", err)
	}

	rl := ratelimit.DefaultConfig()
	rl.RPS = cfg.RateRPS
	rl.Burst = cfg.RateBurst
	rl.MinDelay = cfg.FloodMinDelay
	rl.MaxDelay = cfg.FloodMaxDelay
	limiter := ratelimit.New(rl, ratelimit.WithLogger(logger.For("ratelimit")))

	tg := telegram.NewManager(cfg, sessionDB.GORM)
	if err := tg.Init(ctx); err != nil {
		sessionDB.Close()
		return nil, nil, nil, nil, fmt.Errorf("telegram init: %w", err)
	}
	return sessionDB, tg, telegram.NewClient(tg, limiter), limiter, nil
}

// newApp wires everything a run needs.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, log: logger.For("relay")}

	var err error
	if a.ledgerDB, a.ledger, err = openLedger(ctx, cfg); err != nil {
		return nil, err
	}
	if a.sessionDB, a.tg, a.client, a.limiter, err = openTelegram(ctx, cfg); err != nil {
		a.Close()
		return nil, err
	}
	if a.res, err = resource.NewManager(cfg.TempDir, cfg.ResourceTTL); err != nil {
		a.Close()
		return nil, fmt.Errorf("resource manager: %w", err)
	}
	go a.res.Run(ctx, cfg.ResourceTTL/4)

	a.bus = events.NewBus()
	a.bus.Subscribe(events.LogSink(logger.For("events")))

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.bus.Subscribe(metrics.New(a.registry).Observe)

	if cfg.NatsURL != "" {
		a.connectNATS(ctx)
	}

	runner.ReportRateLimits(a.limiter, a.bus)

	policy := retry.DefaultPolicy(a.limiter)
	policy.MaxAttempts = cfg.MaxRetries
	policy.OnRetry = func(attempt int, err error, next time.Duration) {
		a.log.Debug().Err(err).Int("attempt", attempt).Dur("next", next).Msg("retrying")
	}

	a.service = runner.NewService(a.client, a.ledger, a.res, policy, transfer.Options{
		Producers:       cfg.Producers,
		Consumers:       cfg.Consumers,
		QueueSize:       cfg.QueueSize,
		DiskWorkers:     cfg.DiskWorkers,
		DownloadTimeout: cfg.DownloadTimeout,
	}, logger.For("runner"))
	a.runs = runner.NewManager(a.service, a.bus)
	return a, nil
}

// connectNATS publishes events to the broker. Without a broker the relay
// still runs.
func (a *app) connectNATS(ctx context.Context) {
	nc, err := nats.New(ctx, a.cfg.NatsURL)
	if err != nil {
		a.log.Warn().Err(err).Msg("failed to connect to nats, publishing disabled")
		return
	}
	if err := nc.EnsureEventStream(ctx); err != nil {
		a.log.Warn().Err(err).Msg("event stream unavailable, publishing disabled")
		nc.Close()
		return
	}
	a.nats = nc
	a.bus.Subscribe(publisher.NewNATSPublisher(nc.Conn).Emit)
}

// Close releases everything in reverse order. The bus is drained first so
// every sink sees the final events.
func (a *app) Close() {
	if a.bus != nil {
		a.bus.Close()
	}
	if a.nats != nil {
		a.nats.Close()
	}
	if a.client != nil {
		a.client.Close()
	}
	if a.sessionDB != nil {
		a.sessionDB.Close()
	}
	if a.ledgerDB != nil {
		a.ledgerDB.Close()
	}
	if a.res != nil {
		if n := a.res.Sweep(); n > 0 {
			a.log.Debug().Int("removed", n).Msg("expired staging files removed")
		}
	}
}
