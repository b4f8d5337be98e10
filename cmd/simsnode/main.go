package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/skobkin/simsnode/internal/app"
	"github.com/skobkin/simsnode/internal/config"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("run node", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	opts, showVersion, err := parseFlags(args)
	if err != nil {
		return err
	}
	if showVersion {
		fmt.Println(app.Name, app.BuildVersionWithDate())
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := app.Initialize(ctx, opts)
	if err != nil {
		return fmt.Errorf("initialize node runtime: %w", err)
	}
	defer func() {
		if closeErr := rt.Close(); closeErr != nil {
			slog.Warn("close node runtime", "error", closeErr)
		}
	}()

	return rt.Run(ctx)
}

func parseFlags(args []string) (app.Options, bool, error) {
	fs := flag.NewFlagSet(app.Name, flag.ContinueOnError)
	configPath := fs.String("config", "", "config file (default: <data-dir>/"+app.ConfigFilename+")")
	dataDir := fs.String("data-dir", "", "directory for config, database, logs and boot counter")
	mode := fs.String("mode", "", "override mode: meshtastic or native")
	logLevel := fs.String("log-level", "", "override log level: debug, info, warn, error")
	version := fs.Bool("version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return app.Options{}, false, err
	}

	opts := app.Options{
		DataDir:    *dataDir,
		ConfigFile: *configPath,
		LogLevel:   strings.TrimSpace(*logLevel),
	}
	switch m := config.Mode(strings.ToLower(strings.TrimSpace(*mode))); m {
	case "":
	case config.ModeMeshtastic, config.ModeNative:
		opts.Mode = m
	default:
		return app.Options{}, false, fmt.Errorf("unknown mode %q", *mode)
	}

	return opts, *version, nil
}
