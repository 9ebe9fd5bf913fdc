package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"

	"github.com/trezcool/masomo-offline/core"
	"github.com/trezcool/masomo-offline/core/connectivity"
	"github.com/trezcool/masomo-offline/core/entity"
	"github.com/trezcool/masomo-offline/core/syncengine"
	logsvc "github.com/trezcool/masomo-offline/services/logger"
	metricsvc "github.com/trezcool/masomo-offline/services/metrics"
	"github.com/trezcool/masomo-offline/services/remote/httpremote"
	"github.com/trezcool/masomo-offline/storage/database"
	sqliterepos "github.com/trezcool/masomo-offline/storage/database/sqlite"
)

// The sync daemon: watches connectivity and drains the on-device queue on reconnect and on schedule.
func main() {
	// =========================================================================
	// Set up Dependencies

	conf := core.NewConfig()

	logger := logsvc.NewRollbarLogger(
		log.New(os.Stdout, "SYNC : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile),
		conf,
	)
	defer logger.Flush()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(conf)
	if err != nil {
		logger.Fatal(fmt.Sprintf("opening store: %v", err), err)
	}
	defer func() {
		if err = db.Close(); err != nil {
			logger.Error("closing store", err)
		}
	}()
	if err = database.Migrate(ctx, db); err != nil {
		logger.Fatal(fmt.Sprintf("migrating store: %v", err), err)
	}

	policy, err := entity.ParseDeletePolicy(conf.Sync.DeletePolicy)
	if err != nil {
		logger.Fatal(err.Error(), err)
	}

	client := httpremote.New(conf.Remote.BaseURL, conf.Remote.APIKey, conf.Remote.Timeout)

	// =========================================================================
	// Initialize App

	logger.Info(fmt.Sprintf("Application initializing : version %q", conf.Build))
	defer logger.Info("Application stopped")

	var engine *syncengine.Engine
	monitor := connectivity.NewMonitor(
		connectivity.ProberFunc(client.Ping),
		logger,
		connectivity.Options{
			ProbeInterval:   conf.Connectivity.ProbeInterval,
			ProbeTimeout:    conf.Connectivity.ProbeTimeout,
			MinSyncInterval: conf.Connectivity.MinSyncInterval,
			OnReconnect: func(ctx context.Context) {
				engine.AutoSync(ctx)
			},
		},
	)

	engine = syncengine.New(
		sqliterepos.NewRecordRepository(db),
		sqliterepos.NewQueueRepository(db),
		client,
		monitor,
		logger,
		syncengine.Options{
			CallTimeout:  conf.Sync.CallTimeout,
			Concurrency:  conf.Sync.Concurrency,
			BackoffMin:   conf.Sync.BackoffMin,
			BackoffMax:   conf.Sync.BackoffMax,
			DeletePolicy: policy,
			Pull:         conf.Sync.Pull,
		},
	)

	collector := metricsvc.NewCollector()
	engine.AddObserver(collector)

	// =========================================================================
	// Start Sync Service

	go monitor.Run(ctx)

	scheduler := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	if conf.Sync.Schedule != "" {
		if _, err = scheduler.AddFunc(conf.Sync.Schedule, func() { engine.AutoSync(ctx) }); err != nil {
			logger.Fatal(fmt.Sprintf("scheduling syncs %q: %v", conf.Sync.Schedule, err), err)
		}
		scheduler.Start()
		logger.Info(fmt.Sprintf("periodic sync scheduled: %q", conf.Sync.Schedule))
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	metricsServer := &http.Server{
		Addr:              conf.Metrics.Address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(fmt.Sprintf("metrics server closed: %v", err), err)
		}
	}()

	// =========================================================================
	// Shutdown

	<-ctx.Done()
	logger.Info("signal received: Start shutdown...")

	// the queue keeps whatever the running cycles could not send
	engine.Close()
	<-scheduler.Stop().Done()

	sctx, cancel := context.WithTimeout(context.Background(), conf.Server.ShutdownTimeout)
	defer cancel()
	if err = metricsServer.Shutdown(sctx); err != nil {
		logger.Error(fmt.Sprintf("could not stop metrics server gracefully: %v", err), err)
	}
}
