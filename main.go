package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danthegoodman1/kpibridge/crdb"
	"github.com/danthegoodman1/kpibridge/gologger"
	"github.com/danthegoodman1/kpibridge/http_server"
	"github.com/danthegoodman1/kpibridge/metric"
	"github.com/danthegoodman1/kpibridge/migrations"
	"github.com/danthegoodman1/kpibridge/utils"
)

var logger = gologger.NewLogger()

func main() {
	logger.Debug().Msg("starting kpibridge")
	metric.Init()

	ctx, cancelRunner := context.WithCancel(logger.WithContext(context.Background()))
	defer cancelRunner()

	if err := crdb.ConnectToDB(ctx, utils.CRDB_DSN); err != nil {
		logger.Error().Err(err).Msg("error connecting to CRDB")
		os.Exit(1)
	}

	if os.Getenv("RUN_MIGRATIONS") == "1" {
		if _, err := migrations.RunMigrations(utils.CRDB_DSN); err != nil {
			logger.Error().Err(err).Msg("Error running migrations")
			os.Exit(1)
		}
	} else if err := migrations.CheckMigrations(utils.CRDB_DSN); err != nil {
		logger.Error().Err(err).Msg("Error checking migrations")
		os.Exit(1)
	}

	bridge, err := NewKPIBridge(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("error creating kpibridge")
		os.Exit(1)
	}

	httpServer := http_server.StartHTTPServer(bridge.Registry, bridge.Runner, crdb.PGPool, bridge.DataStore)

	runDone := make(chan struct{})
	if interval := utils.GetEnvOrDefaultInt("RUN_INTERVAL_SEC", 0); interval > 0 {
		go func() {
			defer close(runDone)
			logger.Info().Int64("intervalSec", interval).Int("jobs", len(bridge.Registry.Jobs())).Msg("starting runner")
			bridge.Runner.Run(ctx, bridge.Registry.Jobs(), time.Second*time.Duration(interval))
		}()
	} else {
		close(runDone)
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	logger.Warn().Msg("received shutdown signal!")

	// For AWS ALB needing some time to de-register pod
	// Convert the time to seconds
	sleepTime := utils.GetEnvOrDefaultInt("SHUTDOWN_SLEEP_SEC", 0)
	logger.Info().Msg(fmt.Sprintf("sleeping for %ds before exiting", sleepTime))

	time.Sleep(time.Second * time.Duration(sleepTime))
	logger.Info().Msg(fmt.Sprintf("slept for %ds, exiting", sleepTime))

	cancelRunner()
	<-runDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown HTTP server")
	} else {
		logger.Info().Msg("successfully shutdown HTTP server")
	}
	if err := bridge.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown stores")
	}
	crdb.PGPool.Close()
	if err := metric.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("failed to flush metrics")
	}
}
