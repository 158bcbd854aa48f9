// Package main is the Omen market backend's single daemon entrypoint:
// one HTTP/WebSocket API plus every background job worker, all wired by
// internal/appctx and run in one process.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/omenbackend/omen-market-backend/internal/appctx"
	"github.com/omenbackend/omen-market-backend/internal/config"
	"github.com/omenbackend/omen-market-backend/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		logging.Infof("omenbackend %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	rt, err := config.Load()
	if err != nil {
		logging.Fatal("failed to load configuration", "error", err)
	}

	log := logging.New(&logging.Config{Level: rt.LogLevel, TimeFormat: time.RFC3339})
	logging.SetDefault(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := appctx.New(ctx, rt)
	if err != nil {
		log.Fatal("failed to build application", "error", err)
	}

	if err := app.Run(ctx); err != nil {
		log.Fatal("failed to start application", "error", err)
	}
	log.Info("omenbackend started", "port", rt.Port, "websockets", rt.EnableWebsockets)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	app.Close(shutdownCtx)
	log.Info("shutdown complete")
}
