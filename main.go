package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/hbomb79/Mimic/internal"
	"github.com/hbomb79/Mimic/pkg/logger"
)

var log = logger.Get("Bootstrap")

// main is the entry point to the program. The configuration is loaded from
// the YAML file provided (overlaid with environment variables) and Mimic is
// run until it receives an interrupt or terminate signal.
func main() {
	configPath := flag.String("config", "~/.config/mimic/config.yaml", "path to the Mimic YAML configuration file")
	flag.Parse()

	config, err := internal.LoadConfig(*configPath)
	if err != nil {
		log.Emit(logger.FATAL, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logger.SetMinLoggingLevel(logger.ParseLevel(config.LogLevel).Level())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := internal.New(*config).Run(ctx); err != nil {
		log.Emit(logger.FATAL, "Mimic exited with error: %v\n", err)
		os.Exit(1)
	}

	log.Emit(logger.STOP, "Mimic stopped\n")
}
