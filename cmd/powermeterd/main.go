package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dbarasti/PowerMeter/cmd/powermeterd/app"
)

func main() {
	var logLevel slog.LevelVar
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: &logLevel}))

	var (
		configPath string
		options    app.RunOptions
	)
	flag.StringVar(&configPath, "c", "", "Path to the configuration file")
	flag.StringVar(&options.TruckID, "truck", "", "Truck identifier under test")
	flag.StringVar(&options.Notes, "notes", "", "Free-form session notes")
	flag.DurationVar(&options.Duration, "duration", 0, "Session duration; 0 runs until interrupted")
	flag.DurationVar(&options.SampleInterval, "interval", 0, "Sampling interval override")
	flag.Float64Var(&options.InternalSurfaceM2, "internal-surface", 0, "Internal cell surface in m2")
	flag.Float64Var(&options.ExternalSurfaceM2, "external-surface", 0, "External cell surface in m2")
	flag.Parse()

	if configPath == "" {
		logger.Error("no configuration file provided")
		os.Exit(1)
	}

	config, err := app.LoadConfig(configPath)
	if err != nil {
		logger.Error(fmt.Sprintf("failed to load configuration file: %s", err.Error()), slog.String("path", configPath))
		os.Exit(1)
	}

	level, err := config.Settings.SlogLevel()
	if err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}
	logLevel.Set(level)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	start := time.Now()
	if err = app.Run(ctx, config, options, logger); err != nil {
		logger.Error(err.Error())

		cancel()
		os.Exit(1)
	}
	logger.Info("done", slog.Duration("elapsed", time.Since(start).Round(time.Second)))
}
