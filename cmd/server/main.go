package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"tavolo/internal/app"
)

func main() {
	cfg := app.DefaultConfig()
	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address for the session server")
	flag.StringVar(&cfg.Logging.JSON.FilePath, "log-json", "", "optional path for a JSON-lines event log")
	flag.Parse()

	if cfg.Logging.JSON.FilePath != "" {
		cfg.Logging.EnabledSinks = append(cfg.Logging.EnabledSinks, "json")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, cfg); err != nil {
		log.Fatalf("%v", err)
	}
}
