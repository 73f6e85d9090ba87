package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"eventrouter/internal/app"
	"eventrouter/internal/clock"
	"eventrouter/internal/config"
)

// main starts the event router using file or directory config source.
// Params: CLI flags (--config-file or --config-dir, optional --check-config).
// Returns: process exit code by startup/run result.
func main() {
	var (
		configFile  = flag.String("config-file", "", "path to one TOML config file")
		configDir   = flag.String("config-dir", "", "path to directory with TOML config fragments")
		checkConfig = flag.Bool("check-config", false, "validate configuration and exit")
	)
	flag.Parse()

	source, err := config.FromCLI(*configFile, *configDir)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}

	if *checkConfig {
		cfg, err := config.LoadSnapshot(source)
		if err != nil {
			_, _ = fmt.Fprintln(os.Stderr, "config invalid:", err.Error())
			os.Exit(1)
		}
		_, _ = fmt.Fprintf(os.Stdout, "config ok: mode=%s contacts=%d maintenance=%d\n", cfg.Service.Mode, len(cfg.Contact), len(cfg.Maintenance))
		return
	}

	service, err := app.NewService(source, clock.RealClock{})
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "service init failed:", err.Error())
		os.Exit(1)
	}

	if err := service.Run(context.Background()); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "service run failed:", err.Error())
		os.Exit(1)
	}
}
