package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"

	echoapi "github.com/trezcool/masomo-offline/apps/api/echo"
	"github.com/trezcool/masomo-offline/core"
	logsvc "github.com/trezcool/masomo-offline/services/logger"
	"github.com/trezcool/masomo-offline/services/remote/memremote"
)

// The reference remote service, for development and integration tests of the sync engine.
// Its state lives in memory.
func main() {
	// =========================================================================
	// Set up Dependencies

	conf := core.NewConfig()

	logger := logsvc.NewRollbarLogger(
		log.New(os.Stdout, "API : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile),
		conf,
	)
	defer logger.Flush()

	validate, translator := core.NewValidator()
	records := memremote.NewServer(memremote.WithValidation(validate, translator))

	// =========================================================================
	// Initialize App

	logger.Info(fmt.Sprintf("Application initializing : version %q", conf.Build))
	defer logger.Info("Application stopped")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// =========================================================================
	// Start API Service

	shutdown := make(chan struct{}, 1)
	server := echoapi.NewServer(
		&echoapi.Options{
			Address:  conf.Server.Address,
			APIKey:   conf.Server.APIKey,
			Debug:    conf.Debug,
			TestMode: conf.TestMode,
			Logger:   logger,
			Shutdown: shutdown,
		},
		&echoapi.Deps{Records: records},
	)

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("API listening on " + conf.Server.Address)
		serverErrors <- server.Start()
	}()

	// =========================================================================
	// Shutdown

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal(fmt.Sprintf("server error: %v", err), err)
		}

	case <-ctx.Done():
		logger.Info("signal received: Start shutdown...")
	case <-shutdown:
		logger.Info("shutdown requested: Start shutdown...")
	}

	// give outstanding requests a deadline for completion
	sctx, cancel := context.WithTimeout(context.Background(), conf.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Stop(sctx); err != nil {
		logger.Error(fmt.Sprintf("could not stop server gracefully: %v", err), err)
	}
}
