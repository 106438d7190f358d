package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/evalify/DescriptiveEval/internal/api"
	"github.com/evalify/DescriptiveEval/internal/evaluator"
	"github.com/evalify/DescriptiveEval/internal/scheduler"
	"github.com/evalify/DescriptiveEval/internal/storage"
	"github.com/evalify/DescriptiveEval/pkg/utils"
)

func main() {
	cfg := utils.LoadConfig()

	var (
		dbPath   = flag.String("db", cfg.DatabasePath, "Database file path")
		host     = flag.String("host", cfg.APIHost, "API server host")
		port     = flag.Int("port", cfg.APIPort, "API server port")
		workers  = flag.Int("workers", cfg.WorkerCount, "Number of worker slots")
		logLevel = flag.String("log-level", cfg.LogLevel, "Log level (DEBUG, INFO, WARN, ERROR)")
	)
	flag.Parse()

	utils.SetDefaultLogLevel(utils.ParseLogLevel(*logLevel))

	utils.Info("Starting DescriptiveEval orchestrator")
	utils.Info("Database: %s", *dbPath)
	utils.Info("API server: %s:%d", *host, *port)
	utils.Info("Worker slots: %d", *workers)

	store, err := storage.NewSQLiteStorage(*dbPath)
	if err != nil {
		utils.Fatal("Failed to initialize storage: %v", err)
	}
	defer store.Close()

	orch := scheduler.NewOrchestrator(scheduler.Config{
		Storage:            store,
		Evaluator:          evaluator.NewSim(cfg.EvalStepDelay),
		WorkerCount:        *workers,
		DispatchInterval:   cfg.DispatchInterval,
		TelemetryInterval:  cfg.TelemetryInterval,
		HeartbeatTimeout:   cfg.HeartbeatTimeout,
		MonitorInterval:    cfg.MonitorInterval,
		AutoReplaceCrashed: cfg.AutoReplaceCrashed,
		Logger:             utils.NewLogger("scheduler", utils.ParseLogLevel(*logLevel)),
	})

	if err := orch.Start(); err != nil {
		utils.Fatal("Failed to start orchestrator: %v", err)
	}

	addr := fmt.Sprintf("%s:%d", *host, *port)
	apiServer := api.NewServer(orch, addr, utils.NewLogger("api", utils.ParseLogLevel(*logLevel)))

	go func() {
		if err := apiServer.Start(); err != nil {
			utils.Error("API server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	utils.Info("Received shutdown signal")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(ctx); err != nil {
		utils.Error("API server shutdown error: %v", err)
	}

	orch.Stop()
	utils.Info("Shutdown complete")
}
