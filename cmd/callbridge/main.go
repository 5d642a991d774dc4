package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/openline-hq/callbridge/pkg/callbridge"
	"github.com/openline-hq/callbridge/pkg/logging"
	"github.com/openline-hq/callbridge/pkg/runner"
)

func main() {
	configPath := flag.String("config", "", "path to config file (credentials may come from env)")
	flag.Parse()

	cfg, err := callbridge.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}
	logger := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	app, err := callbridge.NewApp(cfg, logger)
	if err != nil {
		logger.Error("startup_failed", "error", err.Error())
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Start(ctx); err != nil {
		logger.Error("transport_start_failed", "error", err.Error())
		os.Exit(1)
	}

	drainTimeout := time.Duration(cfg.DrainTimeoutMS) * time.Millisecond
	r := runner.NewLifecycleRunner(app, runner.Hooks{
		OnStart: func() { logger.Info("callbridge_running", "environment", cfg.Environment) },
		OnStop:  func() { logger.Info("callbridge_stopped") },
	}, drainTimeout)
	if err := r.Run(ctx); err != nil {
		logger.Error("shutdown_error", "error", err.Error())
		os.Exit(1)
	}
}
