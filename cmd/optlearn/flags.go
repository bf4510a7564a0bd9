package main

import (
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/optlearn/optlearn/internal/logger"
)

var (
	backendName  string
	deviceID     int64
	mcIterations int64
	logLevel     string
	logFormat    string
	debug        bool
)

func commonDeviceFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "backend",
			Usage:       "device backend (auto, cuda, sim)",
			Value:       "auto",
			Destination: &backendName,
		},
		&cli.Int64Flag{
			Name:        "device",
			Aliases:     []string{"d"},
			Usage:       "device ordinal",
			Value:       0,
			Destination: &deviceID,
		},
		&cli.Int64Flag{
			Name:        "mc-iterations",
			Aliases:     []string{"mc"},
			Usage:       "Monte Carlo draw budget per estimate",
			Value:       100000,
			Destination: &mcIterations,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

func buildLogger() logger.Logger {
	level := slog.LevelInfo
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if debug {
		level = slog.LevelDebug
	}
	switch logFormat {
	case "json":
		return logger.JSON(os.Stderr, level)
	case "text":
		return logger.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	default:
		return logger.Pretty(os.Stderr, level)
	}
}
