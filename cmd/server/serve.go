package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"github.com/iliyamo/gametable/internal/config"
	"github.com/iliyamo/gametable/internal/database"
	"github.com/iliyamo/gametable/internal/engine"
	"github.com/iliyamo/gametable/internal/engine/potgame"
	"github.com/iliyamo/gametable/internal/handler"
	"github.com/iliyamo/gametable/internal/ledger"
	"github.com/iliyamo/gametable/internal/lock"
	"github.com/iliyamo/gametable/internal/metrics"
	"github.com/iliyamo/gametable/internal/middleware"
	"github.com/iliyamo/gametable/internal/pipeline"
	"github.com/iliyamo/gametable/internal/repository"
	"github.com/iliyamo/gametable/internal/router"
	"github.com/iliyamo/gametable/internal/service"
	"github.com/iliyamo/gametable/internal/state"
)

const shutdownGrace = 10 * time.Second

func newServeCommand(logger pslog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.RequireJWTSecret(); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg config.Config, logger pslog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	lockClients := cfg.LockClients()
	defer func() {
		for _, c := range lockClients {
			_ = c.Close()
		}
	}()
	locks, err := lock.New(lockClients,
		lock.WithLogger(logger.With("component", "lock")),
		lock.WithMetrics(m),
	)
	if err != nil {
		return err
	}

	rdb := cfg.Redis.NewRedisClient(cfg.Redis.Addr)
	defer rdb.Close()
	if err := config.Ping(ctx, rdb); err != nil {
		return fmt.Errorf("state node: %w", err)
	}
	store, err := state.New(rdb, state.Options{
		IdleTTL: cfg.StateIdleTTL,
		MinTTL:  2 * lock.MaxTTL(lock.Standard, lock.Critical),
	})
	if err != nil {
		return err
	}

	db, err := database.Open(cfg.Database())
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()
	if err := database.Migrate(ctx, db); err != nil {
		return err
	}
	led, err := ledger.New(db,
		ledger.WithLogger(logger.With("component", "ledger")),
		ledger.WithMetrics(m),
	)
	if err != nil {
		return err
	}
	archives := repository.NewTableArchiveRepo(db)

	var broadcaster pipeline.Broadcaster = service.LogPublisher{Logger: logger.With("component", "broadcast")}
	if cfg.RabbitURL != "" {
		pub := service.NewTablePublisher(cfg.RabbitURL, logger.With("component", "broadcast"))
		defer pub.Close()
		broadcaster = pub
	} else {
		logger.Warn("broadcast.disabled", "reason", "RABBITMQ_URL is not set")
	}

	p, err := pipeline.New(pipeline.Deps{
		Locks:       locks,
		Store:       store,
		Ledger:      led,
		Engines:     engine.NewRegistry(potgame.New()),
		Broadcaster: broadcaster,
		Archive:     archives,
		Logger:      logger.With("component", "pipeline"),
		Metrics:     m,
	}, pipeline.Options{BroadcastTimeout: cfg.BroadcastTimeout})
	if err != nil {
		return err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	router.RegisterRoutes(e, router.Routes{
		Tables:    handler.NewTableHandler(p, archives),
		Balances:  handler.NewBalanceHandler(led, p),
		JWTSecret: cfg.JWTSecret,
		RateLimit: middleware.NewTokenBucket(cfg.RateLimit, rdb, logger.With("component", "ratelimit")),
		Metrics:   promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		Ready: handler.Ready(map[string]handler.Check{
			"database": db.PingContext,
			"state":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		}),
	})

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info("server.listening", "addr", addr, "env", cfg.Env, "lock_nodes", len(lockClients), "quorum", locks.Quorum())
		errCh <- e.Start(addr)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	logger.Info("server.shutdown")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return e.Shutdown(sctx)
}
