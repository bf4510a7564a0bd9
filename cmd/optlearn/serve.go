package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/optlearn/optlearn/internal/api"
	"github.com/optlearn/optlearn/internal/device"
	"github.com/optlearn/optlearn/internal/logger"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the GP expected-improvement REST API",
		Flags: append(commonDeviceFlags(), append(loggingFlags(),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			})...),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyServeConfig(cmd, LoadConfig(), &addr)
			log := buildLogger()
			ctx = logger.WithContext(ctx, log)

			backend, err := device.Normalize(backendName)
			if err != nil {
				return err
			}
			rt, err := device.New(backend)
			if err != nil {
				return err
			}

			server := api.NewServer(rt, int(deviceID), int(mcIterations), log)
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting server",
				"address", addr,
				"backend", rt.Name(),
				"available", device.Available())
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
