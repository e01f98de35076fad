package main

import (
	"flag"
	"fmt"
	"os"

	"trading_arena/internal/bootstrap"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/arena.yaml", "Path to configuration file")
	addr := flag.String("addr", "", "Listen address (overrides config)")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("arena_server version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	app, err := bootstrap.NewApp(*configPath, *addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		os.Exit(1)
	}

	app.Log.Info("starting arena_server",
		"version", version,
		"addr", app.Cfg.Server.Addr,
		"db", app.Cfg.System.DBPath,
	)

	if err := app.Run(); err != nil {
		os.Exit(1)
	}
}
