package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/dres-dev/DRES-sub000/internal/app"
	"github.com/dres-dev/DRES-sub000/internal/config"
	"github.com/dres-dev/DRES-sub000/internal/logger"
)

var (
	version = "dev"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML configuration file")
	addr := flag.String("addr", "", "Listen address (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	logLevel := flag.String("loglevel", "", "Log level: debug, info, warn, error (overrides config)")
	showVersion := flag.Bool("version", false, "Show version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `DRES - Competition Run Orchestrator

Usage:
  dres [options]

Options:
  -config string   Path to YAML configuration file
  -addr string     Listen address (overrides config, e.g. ":8080")
  -db string       SQLite database path (overrides config)
  -loglevel str    Log level: debug, info, warn, error (overrides config)
  -version         Show version and exit
  -help            Show this help message

Examples:
  dres                          # Run with built-in defaults on :8080
  dres -config dres.yaml        # Run with a configuration file
  dres -addr :9090 -db prod.db  # Override listen address and database
`)
	}

	flag.Parse()

	if *showVersion {
		fmt.Printf("dres %s\n", version)
		os.Exit(0)
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatal("Failed to load configuration: ", err)
		}
		cfg = loaded
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid configuration: ", err)
	}

	appLog := logger.NewWithLevel(logger.ParseLevel(cfg.Log.Level))

	a, err := app.New(appLog, cfg)
	if err != nil {
		log.Fatal("Failed to initialize application: ", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil {
		log.Fatal(err)
	}
}
