package main

import (
	"context"
	"log"
	"os"

	"github.com/trezcool/masomo-offline/core"
	"github.com/trezcool/masomo-offline/core/accessor"
	"github.com/trezcool/masomo-offline/core/connectivity"
	"github.com/trezcool/masomo-offline/core/entity"
	"github.com/trezcool/masomo-offline/core/syncengine"
	logsvc "github.com/trezcool/masomo-offline/services/logger"
	"github.com/trezcool/masomo-offline/services/remote/httpremote"
	"github.com/trezcool/masomo-offline/storage/database"
	sqliterepos "github.com/trezcool/masomo-offline/storage/database/sqlite"
)

var logger core.Logger

// The admin CLI: inspects and edits the on-device store, and drives syncs by hand.
func main() {
	defer os.Exit(0)

	conf := core.NewConfig()
	rollbarLogger := logsvc.NewRollbarLogger(
		log.New(os.Stderr, "ADMIN : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile),
		conf,
	)
	defer rollbarLogger.Flush()
	logger = rollbarLogger

	// set up DB
	db, err := database.Open(conf)
	errAndDie(err)
	defer db.Close()

	policy, err := entity.ParseDeletePolicy(conf.Sync.DeletePolicy)
	errAndDie(err)

	store := sqliterepos.NewRecordRepository(db)
	ledger := sqliterepos.NewQueueRepository(db)
	validate, translator := core.NewValidator()

	client := httpremote.New(conf.Remote.BaseURL, conf.Remote.APIKey, conf.Remote.Timeout)
	monitor := connectivity.NewMonitor(
		connectivity.ProberFunc(client.Ping),
		logger,
		connectivity.Options{ProbeTimeout: conf.Connectivity.ProbeTimeout},
	)

	// start CLI
	cli := commandLine{
		db:       db,
		out:      os.Stdout,
		accessor: accessor.NewService(store, ledger, validate, translator, policy),
		ledger:   ledger,
		monitor:  monitor,
		engine: syncengine.New(store, ledger, client, monitor, logger, syncengine.Options{
			CallTimeout:  conf.Sync.CallTimeout,
			Concurrency:  conf.Sync.Concurrency,
			BackoffMin:   conf.Sync.BackoffMin,
			BackoffMax:   conf.Sync.BackoffMax,
			DeletePolicy: policy,
			Pull:         conf.Sync.Pull,
		}),
	}
	if err := cli.run(context.Background(), os.Args); err != nil {
		if err != errHelp {
			logger.Error("\nerror: "+err.Error(), err)
		}
		rollbarLogger.Flush()
		os.Exit(1)
	}
}

func errAndDie(err error) {
	if err != nil {
		logger.Fatal(err.Error(), err)
	}
}
