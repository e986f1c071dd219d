// worldscheduler is the background scheduling service for campaign worlds:
// a Redis-backed job queue with periodic and reactive producers, domain job
// handlers talking to the platform GraphQL API, and a health/metrics surface.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/thornvale/worldscheduler/alerting"
	"github.com/thornvale/worldscheduler/apiclient"
	"github.com/thornvale/worldscheduler/config"
	"github.com/thornvale/worldscheduler/cron"
	"github.com/thornvale/worldscheduler/dispatch"
	"github.com/thornvale/worldscheduler/handlers"
	"github.com/thornvale/worldscheduler/health"
	"github.com/thornvale/worldscheduler/job"
	"github.com/thornvale/worldscheduler/pubsub"
	"github.com/thornvale/worldscheduler/queue"
)

const version = "1.0.0"

const shutdownDeadline = 30 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:       "worldscheduler",
		Level:      hclog.LevelFromString(cfg.LogLevel),
		JSONFormat: cfg.IsProduction(),
	})
	logger.Info("starting", "version", version, "env", cfg.Env)

	// Alerting first: everything downstream reports into it.
	alerts := alerting.NewManager(logger)
	stream := alerting.NewStreamHub(logger.Named("stream"))
	stream.Start()
	alerts.AddHandler(stream)

	api := apiclient.New(apiclient.Config{
		URL:              cfg.APIURL,
		Token:            cfg.APIToken,
		RequestTimeout:   cfg.APIRequestTimeout,
		BreakerThreshold: cfg.APIBreakerThreshold,
		BreakerReset:     cfg.APIBreakerDuration,
	}, alerts, logger.Named("api"))

	q, err := queue.New(cfg.RedisURL, queue.Defaults{
		Attempts: cfg.QueueMaxRetries,
		Backoff:  job.Backoff{Kind: job.BackoffExponential, InitialDelay: cfg.QueueRetryBackoff},
	}, alerts, logger.Named("queue"))
	if err != nil {
		logger.Error("queue startup failed", "error", err)
		return 1
	}
	q.Start()

	dispatcher := dispatch.New(q, dispatch.Options{Workers: cfg.QueueConcurrency}, logger.Named("dispatch"))
	registerHandlers(dispatcher, api, q, logger)
	dispatcher.Start()

	crons := cron.New(alerts, cfg.IsProduction(), logger.Named("cron"))
	if err := cron.RegisterDefaults(crons, cfg, q, q); err != nil {
		logger.Error("cron startup failed", "error", err)
		return 1
	}
	crons.Start()

	bridge, err := pubsub.New(cfg.RedisURL, q, alerts, logger.Named("pubsub"))
	if err != nil {
		logger.Error("pubsub startup failed", "error", err)
		return 1
	}
	bridge.Start()

	checker := health.NewChecker(q, bridge, api, version, logger.Named("health"))
	server := health.NewServer(cfg.Port, checker, q, crons, q, stream, logger.Named("http"))
	serveErrs := server.Start()

	logger.Info("all components started", "port", cfg.Port, "workers", cfg.QueueConcurrency)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-signals:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serveErrs:
		if err != nil {
			logger.Error("http server failed", "error", err)
		}
	}

	return shutdown(logger, server, bridge, crons, dispatcher, q, api, stream)
}

// shutdown stops components in reverse startup order under one deadline.
// Producers first so no new work arrives, then the workers drain, then the
// stores close.
func shutdown(logger hclog.Logger, server *health.Server, bridge *pubsub.Bridge,
	crons *cron.Scheduler, dispatcher *dispatch.Dispatcher, q *queue.Queue,
	api *apiclient.Client, stream *alerting.StreamHub) int {

	ctx, cancel := context.WithTimeout(context.Background(), shutdownDeadline)
	defer cancel()
	failed := false

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("http shutdown failed", "error", err)
		failed = true
	}
	if err := bridge.Stop(ctx); err != nil {
		logger.Error("pubsub shutdown failed", "error", err)
		failed = true
	}
	if err := crons.Stop(ctx); err != nil {
		logger.Error("cron shutdown failed", "error", err)
		failed = true
	}
	if err := dispatcher.Stop(ctx); err != nil {
		logger.Error("dispatcher drain failed", "error", err)
		failed = true
	}
	if err := q.Close(); err != nil {
		logger.Error("queue close failed", "error", err)
		failed = true
	}
	api.Close()
	stream.Stop()

	if failed {
		logger.Error("shutdown finished with errors")
		return 1
	}
	logger.Info("shutdown complete")
	return 0
}

// registerHandlers binds every job kind to its domain handler.
func registerHandlers(d *dispatch.Dispatcher, api handlers.API, jobs handlers.Enqueuer, logger hclog.Logger) {
	effectLog := logger.Named("effects")
	expiryLog := logger.Named("expiration")
	settlementLog := logger.Named("settlements")
	structureLog := logger.Named("structures")

	d.Register(job.KindDeferredEffect, handlers.NewEffectHandler(api, effectLog))
	d.Register(job.KindEventExpiration, handlers.NewExpirationHandler(api, expiryLog))
	d.Register(job.KindSettlementGrowth, handlers.NewGrowthHandler(api, settlementLog))
	d.Register(job.KindRecalculateSettlementSchedules, handlers.NewSettlementScheduler(api, jobs, settlementLog))
	d.Register(job.KindStructureMaintenance, handlers.NewMaintenanceHandler(api, structureLog))
	d.Register(job.KindRecalculateStructureSchedules, handlers.NewStructureScheduler(api, jobs, structureLog))
}
